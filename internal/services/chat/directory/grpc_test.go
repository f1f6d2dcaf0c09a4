package directory

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/louisbranch/wayfarer/internal/platform/requestctx"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func startDirectoryServer(t *testing.T, dir Directory) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, NewServer(dir))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, healthServer)
	go func() {
		_ = srv.Serve(lis)
	}()
	t.Cleanup(srv.Stop)
	return lis
}

func bufDialOptions(lis *bufconn.Listener) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
}

func TestClientAgainstStaticServer(t *testing.T) {
	static, err := ParseStatic([]byte(sampleDirectory))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	lis := startDirectoryServer(t, static)

	client, err := Dial(context.Background(), "passthrough:///bufnet", nil, bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	roomID, err := client.ResolveRoom(ctx, Target{TripID: "trip-lisbon"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if roomID != "room-lisbon" {
		t.Fatalf("room = %q, want %q", roomID, "room-lisbon")
	}
	if _, err := client.ResolveRoom(ctx, Target{ExperienceID: "exp-missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("resolve missing = %v, want ErrNotFound", err)
	}
	if _, err := client.ResolveRoom(ctx, Target{}); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("resolve empty = %v, want ErrInvalidTarget", err)
	}
	if err := client.LookupRoom(ctx, "room-surf"); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := client.LookupRoom(ctx, "room-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup missing = %v, want ErrNotFound", err)
	}
}

type failingDirectory struct{}

func (failingDirectory) ResolveRoom(context.Context, Target) (string, error) {
	return "", errors.New("database offline")
}

func (failingDirectory) LookupRoom(context.Context, string) error {
	return errors.New("database offline")
}

func TestClientSurfacesServerFailures(t *testing.T) {
	lis := startDirectoryServer(t, failingDirectory{})
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client := NewClient(conn)
	t.Cleanup(func() { _ = client.Close() })

	err = client.LookupRoom(context.Background(), "room")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup = %v, want internal failure", err)
	}
}

func TestNilClient(t *testing.T) {
	var client *Client
	if err := client.LookupRoom(context.Background(), "room"); err == nil {
		t.Fatal("expected error from nil client")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func TestServerReportsErrorInfo(t *testing.T) {
	lis := startDirectoryServer(t, Derived{})
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req, err := structpb.NewStruct(map[string]any{"room_id": ""})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	err = conn.Invoke(context.Background(), getRoomMethod, req, &structpb.Struct{})
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.NotFound {
		t.Fatalf("status = %v, want NotFound", err)
	}
	var reason string
	for _, detail := range st.Details() {
		if info, ok := detail.(*errdetails.ErrorInfo); ok {
			reason = info.GetReason()
		}
	}
	if reason != "ROOM_NOT_FOUND" {
		t.Fatalf("reason = %q, want ROOM_NOT_FOUND", reason)
	}
}

type recordingDirectory struct {
	Derived
	mu     sync.Mutex
	userID string
	locale string
}

func (d *recordingDirectory) ResolveRoom(ctx context.Context, target Target) (string, error) {
	d.mu.Lock()
	d.userID = requestctx.UserIDFromContext(ctx)
	d.locale = requestctx.LocaleFromContext(ctx)
	d.mu.Unlock()
	return d.Derived.ResolveRoom(ctx, target)
}

func TestClientForwardsCaller(t *testing.T) {
	dir := &recordingDirectory{}
	lis := startDirectoryServer(t, dir)
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client := NewClient(conn)
	t.Cleanup(func() { _ = client.Close() })

	ctx := requestctx.WithLocale(requestctx.WithUserID(context.Background(), "alice"), "pt-BR")
	roomID, err := client.ResolveRoom(ctx, Target{TripID: "42"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if roomID != "trip-42" {
		t.Fatalf("room = %q, want trip-42", roomID)
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.userID != "alice" {
		t.Fatalf("forwarded user = %q, want alice", dir.userID)
	}
	if dir.locale != "pt-BR" {
		t.Fatalf("forwarded locale = %q, want pt-BR", dir.locale)
	}
}

func TestServerLocalizesStatus(t *testing.T) {
	lis := startDirectoryServer(t, Derived{})
	conn, err := grpc.NewClient("passthrough:///bufnet", bufDialOptions(lis)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req, err := structpb.NewStruct(map[string]any{"room_id": ""})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	ctx := outgoingCaller(requestctx.WithLocale(context.Background(), "pt-BR"))
	err = conn.Invoke(ctx, getRoomMethod, req, &structpb.Struct{})
	st, _ := status.FromError(err)
	var localized *errdetails.LocalizedMessage
	for _, detail := range st.Details() {
		if msg, ok := detail.(*errdetails.LocalizedMessage); ok {
			localized = msg
		}
	}
	if localized == nil {
		t.Fatalf("status %v has no localized message", err)
	}
	if localized.GetLocale() != "pt-BR" || localized.GetMessage() != "Este chat não está disponível." {
		t.Fatalf("localized = %s/%q", localized.GetLocale(), localized.GetMessage())
	}
}
