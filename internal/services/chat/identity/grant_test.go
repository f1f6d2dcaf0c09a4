package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testGrantPair(t *testing.T, now func() time.Time) (*GrantIssuer, *GrantVerifier) {
	t.Helper()
	cfg := GrantConfig{Secret: testSecret, Issuer: "identity", Now: now}
	issuer, err := NewGrantIssuer(cfg)
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	verifier, err := NewGrantVerifier(cfg)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	return issuer, verifier
}

func TestNewGrantVerifierValidatesConfig(t *testing.T) {
	if _, err := NewGrantVerifier(GrantConfig{Secret: []byte("short"), Issuer: "identity"}); err == nil {
		t.Fatal("expected short secret error")
	}
	if _, err := NewGrantVerifier(GrantConfig{Secret: testSecret}); err == nil {
		t.Fatal("expected missing issuer error")
	}
}

func TestGrantRoundTrip(t *testing.T) {
	issuer, verifier := testGrantPair(t, nil)
	token, err := issuer.Issue("user-1", []string{"room-a"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	principal, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != "user-1" {
		t.Fatalf("user id = %q, want %q", principal.UserID, "user-1")
	}
	if err := verifier.AuthorizeRoom(context.Background(), principal, "room-a"); err != nil {
		t.Fatalf("authorize room-a: %v", err)
	}
	if err := verifier.AuthorizeRoom(context.Background(), principal, "room-b"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("authorize room-b = %v, want ErrForbidden", err)
	}
}

func TestGrantWildcardRoom(t *testing.T) {
	issuer, verifier := testGrantPair(t, nil)
	token, err := issuer.Issue("user-1", []string{AllRooms}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	principal, err := verifier.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := verifier.AuthorizeRoom(context.Background(), principal, "anything"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
}

func TestGrantExpired(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer, _ := testGrantPair(t, func() time.Time { return issued })
	_, verifier := testGrantPair(t, func() time.Time { return issued.Add(time.Hour) })

	token, err := issuer.Issue("user-1", []string{"room-a"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = verifier.Authenticate(context.Background(), token)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
	if !strings.Contains(err.Error(), "expired") {
		t.Fatalf("err = %v, want expired reason", err)
	}
}

func TestGrantRejectsForeignIssuer(t *testing.T) {
	other, err := NewGrantIssuer(GrantConfig{Secret: testSecret, Issuer: "someone-else"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	_, verifier := testGrantPair(t, nil)
	token, err := other.Issue("user-1", []string{"room-a"}, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestGrantRejectsWrongSecret(t *testing.T) {
	other, err := NewGrantIssuer(GrantConfig{Secret: []byte("ffffffffffffffffffffffffffffffff"), Issuer: "identity"})
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	_, verifier := testGrantPair(t, nil)
	token, err := other.Issue("user-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestGrantRejectsUnexpectedAlgorithm(t *testing.T) {
	_, verifier := testGrantPair(t, nil)
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "identity",
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := verifier.Authenticate(context.Background(), token); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestGrantRejectsBlankAndGarbage(t *testing.T) {
	_, verifier := testGrantPair(t, nil)
	for _, credential := range []string{"", "   ", "not-a-jwt"} {
		if _, err := verifier.Authenticate(context.Background(), credential); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("authenticate(%q) = %v, want ErrUnauthenticated", credential, err)
		}
	}
}

func TestIssueValidatesInput(t *testing.T) {
	issuer, _ := testGrantPair(t, nil)
	if _, err := issuer.Issue(" ", nil, time.Minute); err == nil {
		t.Fatal("expected blank user error")
	}
	if _, err := issuer.Issue("user-1", nil, 0); err == nil {
		t.Fatal("expected ttl error")
	}
}

func TestInsecureProvider(t *testing.T) {
	principal, err := Insecure{}.Authenticate(context.Background(), " user-9 ")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.UserID != "user-9" {
		t.Fatalf("user id = %q, want %q", principal.UserID, "user-9")
	}
	if err := (Insecure{}).AuthorizeRoom(context.Background(), principal, "room"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if _, err := (Insecure{}).Authenticate(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}
