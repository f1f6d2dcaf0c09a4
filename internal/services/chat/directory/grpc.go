package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/errors/i18n"
	platformgrpc "github.com/louisbranch/wayfarer/internal/platform/grpc"
	"github.com/louisbranch/wayfarer/internal/platform/requestctx"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName       = "wayfarer.directory.v1.DirectoryService"
	resolveRoomMethod = "/" + serviceName + "/ResolveRoom"
	getRoomMethod     = "/" + serviceName + "/GetRoom"

	// Caller metadata forwarded with every directory call.
	userIDHeader = "x-wayfarer-user-id"
	localeHeader = "x-wayfarer-locale"
)

// Client calls a remote directory service. Requests and responses travel as
// protobuf Structs so no generated stubs are needed.
type Client struct {
	conn *grpc.ClientConn
}

var _ Directory = (*Client)(nil)

// Dial connects to the directory at addr and waits for it to report healthy.
func Dial(ctx context.Context, addr string, logf func(string, ...any), opts ...grpc.DialOption) (*Client, error) {
	conn, err := platformgrpc.DialWithHealth(ctx, addr, timeouts.GRPCDial, logf, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close releases the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ResolveRoom(ctx context.Context, target Target) (string, error) {
	target, err := target.Normalize()
	if err != nil {
		return "", err
	}
	req, err := structpb.NewStruct(map[string]any{
		"trip_id":       target.TripID,
		"experience_id": target.ExperienceID,
	})
	if err != nil {
		return "", fmt.Errorf("build resolve request: %w", err)
	}
	resp, err := c.invoke(ctx, resolveRoomMethod, req)
	if err != nil {
		return "", err
	}
	roomID := strings.TrimSpace(resp.GetFields()["room_id"].GetStringValue())
	if roomID == "" {
		return "", ErrNotFound
	}
	return roomID, nil
}

func (c *Client) LookupRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrNotFound
	}
	req, err := structpb.NewStruct(map[string]any{"room_id": roomID})
	if err != nil {
		return fmt.Errorf("build lookup request: %w", err)
	}
	_, err = c.invoke(ctx, getRoomMethod, req)
	return err
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if c == nil || c.conn == nil {
		return nil, errors.New("directory is not configured")
	}
	callCtx, cancel := context.WithTimeout(outgoingCaller(ctx), timeouts.GRPCRequest)
	defer cancel()
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(callCtx, method, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

// outgoingCaller copies the caller's user id and locale from ctx into
// outgoing gRPC metadata.
func outgoingCaller(ctx context.Context) context.Context {
	var pairs []string
	if userID := requestctx.UserIDFromContext(ctx); userID != "" {
		pairs = append(pairs, userIDHeader, userID)
	}
	if locale := requestctx.LocaleFromContext(ctx); locale != "" {
		pairs = append(pairs, localeHeader, locale)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// incomingCaller restores the caller forwarded by outgoingCaller.
func incomingCaller(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	if values := md.Get(userIDHeader); len(values) > 0 {
		ctx = requestctx.WithUserID(ctx, values[0])
	}
	if values := md.Get(localeHeader); len(values) > 0 {
		ctx = requestctx.WithLocale(ctx, i18n.ResolveLocale(values[0]))
	}
	return ctx
}

func fromStatus(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return ErrNotFound
	case codes.InvalidArgument:
		return ErrInvalidTarget
	default:
		return fmt.Errorf("directory call: %w", err)
	}
}

func toStatus(ctx context.Context, err error) error {
	code := apperrors.CodeUnavailable
	switch {
	case errors.Is(err, ErrNotFound):
		code = apperrors.CodeRoomNotFound
	case errors.Is(err, ErrInvalidTarget):
		code = apperrors.CodeInvalidArgument
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	locale := requestctx.LocaleFromContext(ctx)
	if locale == "" {
		locale = i18n.BaseLocale
	}
	return apperrors.Wrap(code, err.Error(), err).ToGRPCStatus(locale, i18n.GetCatalog(locale).Format(string(code), nil))
}

// Server exposes a Directory over gRPC.
type Server interface {
	ResolveRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type directoryServer struct {
	dir Directory
}

// NewServer adapts dir to the gRPC service contract.
func NewServer(dir Directory) Server {
	return &directoryServer{dir: dir}
}

func (s *directoryServer) ResolveRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx = incomingCaller(ctx)
	fields := req.GetFields()
	roomID, err := s.dir.ResolveRoom(ctx, Target{
		TripID:       fields["trip_id"].GetStringValue(),
		ExperienceID: fields["experience_id"].GetStringValue(),
	})
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]any{"room_id": roomID})
}

func (s *directoryServer) GetRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx = incomingCaller(ctx)
	roomID := req.GetFields()["room_id"].GetStringValue()
	if err := s.dir.LookupRoom(ctx, roomID); err != nil {
		return nil, toStatus(ctx, err)
	}
	return structpb.NewStruct(map[string]any{"room_id": roomID})
}

// ServiceDesc describes the directory gRPC service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ResolveRoom", Handler: unaryHandler(resolveRoomMethod, Server.ResolveRoom)},
		{MethodName: "GetRoom", Handler: unaryHandler(getRoomMethod, Server.GetRoom)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wayfarer/directory/v1/directory.proto",
}

// Register installs srv on s.
func Register(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Server), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Server), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
