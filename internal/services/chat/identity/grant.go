package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultAudience is the audience room grants are minted for.
const DefaultAudience = "wayfarer-chat"

// GrantConfig holds the shared secret and expected claims of room grants.
type GrantConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

// grantClaims is the JWT body of a room grant.
type grantClaims struct {
	jwt.RegisteredClaims
	Rooms []string `json:"rooms"`
}

// GrantVerifier authenticates HS256 room grants issued by the identity
// service. The grant's rooms claim is the authorization source.
type GrantVerifier struct {
	cfg GrantConfig
}

var _ Provider = (*GrantVerifier)(nil)

// NewGrantVerifier validates cfg and returns a verifier.
func NewGrantVerifier(cfg GrantConfig) (*GrantVerifier, error) {
	cfg, err := normalizeGrantConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &GrantVerifier{cfg: cfg}, nil
}

// Authenticate parses and verifies a grant.
func (v *GrantVerifier) Authenticate(_ context.Context, credential string) (Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Principal{}, fmt.Errorf("%w: grant is required", ErrUnauthenticated)
	}
	var claims grantClaims
	_, err := jwt.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %s", ErrUnauthenticated, grantFailure(err))
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return Principal{}, fmt.Errorf("%w: grant subject is required", ErrUnauthenticated)
	}
	return Principal{UserID: userID, Rooms: claims.Rooms}, nil
}

// AuthorizeRoom admits rooms listed in the grant.
func (v *GrantVerifier) AuthorizeRoom(_ context.Context, principal Principal, roomID string) error {
	if principal.CanAccess(strings.TrimSpace(roomID)) {
		return nil
	}
	return ErrForbidden
}

// GrantIssuer mints room grants. The identity service owns issuance in
// production; the issuer here backs tests and the development client.
type GrantIssuer struct {
	cfg GrantConfig
}

// NewGrantIssuer validates cfg and returns an issuer.
func NewGrantIssuer(cfg GrantConfig) (*GrantIssuer, error) {
	cfg, err := normalizeGrantConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &GrantIssuer{cfg: cfg}, nil
}

// Issue signs a grant for userID covering rooms, valid for ttl.
func (i *GrantIssuer) Issue(userID string, rooms []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("grant ttl must be positive")
	}
	now := i.cfg.Now()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Rooms: rooms,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign grant: %w", err)
	}
	return signed, nil
}

func normalizeGrantConfig(cfg GrantConfig) (GrantConfig, error) {
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if len(cfg.Secret) < 16 {
		return GrantConfig{}, errors.New("grant secret must be at least 16 bytes")
	}
	if cfg.Issuer == "" {
		return GrantConfig{}, errors.New("grant issuer is required")
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg, nil
}

func grantFailure(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "grant expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "grant not valid yet"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "grant issued for another service"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "grant signature invalid"
	default:
		return "grant malformed"
	}
}
