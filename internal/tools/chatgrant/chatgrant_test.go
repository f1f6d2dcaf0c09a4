package chatgrant

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
	"time"

	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("chatgrant", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Bytes != 32 {
		t.Fatalf("expected default bytes 32, got %d", cfg.Bytes)
	}
	if cfg.TTL != time.Hour {
		t.Fatalf("expected default ttl 1h, got %v", cfg.TTL)
	}
	if cfg.Issuer != "wayfarer-identity" {
		t.Fatalf("expected default issuer, got %q", cfg.Issuer)
	}
}

func TestParseConfigOverride(t *testing.T) {
	t.Setenv("WAYFARER_CHAT_GRANT_SECRET", "env-secret")
	fs := flag.NewFlagSet("chatgrant", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-user", "alice", "-rooms", "trip-42", "-ttl", "10m"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Secret != "env-secret" || cfg.UserID != "alice" || cfg.Rooms != "trip-42" || cfg.TTL != 10*time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseConfigBadArgs(t *testing.T) {
	fs := flag.NewFlagSet("chatgrant", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	if _, err := ParseConfig(fs, []string{"-invalid"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestRunWritesSecret(t *testing.T) {
	buf := &bytes.Buffer{}
	reader := bytes.NewReader(bytes.Repeat([]byte{0xab}, 16))
	if err := Run(Config{NewSecret: true, Bytes: 16}, buf, reader); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "WAYFARER_CHAT_GRANT_SECRET=" + strings.Repeat("ab", 16)
	if got := strings.TrimSpace(buf.String()); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestRunRejectsShortSecret(t *testing.T) {
	if err := Run(Config{NewSecret: true, Bytes: 8}, &bytes.Buffer{}, nil); err == nil {
		t.Fatal("expected error for short secret")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("read error") }

func TestRunReaderError(t *testing.T) {
	if err := Run(Config{NewSecret: true, Bytes: 16}, &bytes.Buffer{}, errReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
}

func TestRunNilOutput(t *testing.T) {
	if err := Run(Config{NewSecret: true, Bytes: 16}, nil, nil); err == nil {
		t.Fatal("expected error for nil output")
	}
}

func TestRunIssuesVerifiableGrant(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := Config{
		Secret: testSecret,
		Issuer: "wayfarer-identity",
		UserID: "alice",
		Rooms:  " trip-42, ,experience-7 ",
		TTL:    time.Hour,
	}
	if err := Run(cfg, buf, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	token, ok := strings.CutPrefix(strings.TrimSpace(buf.String()), "WAYFARER_CHAT_TOKEN=")
	if !ok {
		t.Fatalf("unexpected output %q", buf.String())
	}

	verifier, err := identity.NewGrantVerifier(identity.GrantConfig{Secret: []byte(testSecret), Issuer: "wayfarer-identity"})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	principal, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != "alice" {
		t.Fatalf("user = %q, want alice", principal.UserID)
	}
	if !principal.CanAccess("trip-42") || !principal.CanAccess("experience-7") {
		t.Fatalf("rooms = %v, want trip-42 and experience-7", principal.Rooms)
	}
	if principal.CanAccess("trip-43") {
		t.Fatal("grant should not cover trip-43")
	}
}

func TestRunGrantValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no secret", cfg: Config{Issuer: "i", UserID: "alice", Rooms: "trip-42", TTL: time.Hour}},
		{name: "no rooms", cfg: Config{Secret: testSecret, Issuer: "i", UserID: "alice", TTL: time.Hour}},
		{name: "no user", cfg: Config{Secret: testSecret, Issuer: "i", Rooms: "trip-42", TTL: time.Hour}},
		{name: "short secret", cfg: Config{Secret: "short", Issuer: "i", UserID: "alice", Rooms: "trip-42", TTL: time.Hour}},
		{name: "no ttl", cfg: Config{Secret: testSecret, Issuer: "i", UserID: "alice", Rooms: "trip-42"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := Run(tc.cfg, &bytes.Buffer{}, nil); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
