package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
)

// Introspector asks the identity service over HTTP to validate access tokens
// and room access.
type Introspector struct {
	BaseURL        string
	ResourceSecret string
	HTTPClient     *http.Client
}

var _ Provider = (*Introspector)(nil)

type introspectResponse struct {
	Active bool   `json:"active"`
	UserID string `json:"user_id"`
}

type authorizeRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

type authorizeResponse struct {
	Allowed bool `json:"allowed"`
}

// NewIntrospector returns an introspection client, or nil when baseURL or
// secret is blank.
func NewIntrospector(baseURL, resourceSecret string) *Introspector {
	baseURL = strings.TrimSpace(baseURL)
	resourceSecret = strings.TrimSpace(resourceSecret)
	if baseURL == "" || resourceSecret == "" {
		return nil
	}
	return &Introspector{
		BaseURL:        baseURL,
		ResourceSecret: resourceSecret,
		HTTPClient:     &http.Client{Timeout: 2 * timeouts.Introspection},
	}
}

// Authenticate POSTs the token to {BaseURL}/introspect.
func (a *Introspector) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return Principal{}, fmt.Errorf("%w: access token is required", ErrUnauthenticated)
	}
	if a == nil || a.HTTPClient == nil {
		return Principal{}, errors.New("auth is not configured")
	}

	var payload introspectResponse
	status, err := a.post(ctx, "/introspect", accessToken, nil, &payload)
	if err != nil {
		return Principal{}, err
	}
	if status == http.StatusUnauthorized {
		return Principal{}, fmt.Errorf("%w: access token rejected", ErrUnauthenticated)
	}
	if status != http.StatusOK {
		return Principal{}, fmt.Errorf("auth introspection status %d", status)
	}
	if !payload.Active {
		return Principal{}, fmt.Errorf("%w: inactive access token", ErrUnauthenticated)
	}
	userID := strings.TrimSpace(payload.UserID)
	if userID == "" {
		return Principal{}, errors.New("introspection returned empty user id")
	}
	return Principal{UserID: userID}, nil
}

// AuthorizeRoom POSTs {user_id, room_id} to {BaseURL}/authorize.
func (a *Introspector) AuthorizeRoom(ctx context.Context, principal Principal, roomID string) error {
	if a == nil || a.HTTPClient == nil {
		return errors.New("auth is not configured")
	}
	var payload authorizeResponse
	status, err := a.post(ctx, "/authorize", "", authorizeRequest{
		UserID: strings.TrimSpace(principal.UserID),
		RoomID: strings.TrimSpace(roomID),
	}, &payload)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		if payload.Allowed {
			return nil
		}
		return ErrForbidden
	case http.StatusForbidden, http.StatusNotFound:
		return ErrForbidden
	default:
		return fmt.Errorf("auth authorize status %d", status)
	}
}

func (a *Introspector) post(ctx context.Context, path, bearer string, body any, out any) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeouts.Introspection)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	endpoint := strings.TrimRight(a.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint, reader)
	if err != nil {
		return 0, fmt.Errorf("build %s request: %w", path, err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Resource-Secret", a.ResourceSecret)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call auth %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}
