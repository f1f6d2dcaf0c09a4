package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

const maxErrorBodyBytes = 64 << 10

// Target names what the session displays: a trip's chat, one of its
// experience chats, or a room id that is already known.
type Target struct {
	TripID       string
	ExperienceID string
	RoomID       string
}

// IsZero reports whether the target names nothing.
func (t Target) IsZero() bool {
	return strings.TrimSpace(t.TripID) == "" &&
		strings.TrimSpace(t.ExperienceID) == "" &&
		strings.TrimSpace(t.RoomID) == ""
}

// HistoryQuery selects a page of history. After and Before are exclusive
// sequence bounds; zero means unset.
type HistoryQuery struct {
	After  int64
	Before int64
	Limit  int
}

// HistoryAPI is the request/response side of the chat server.
type HistoryAPI interface {
	ResolveRoom(ctx context.Context, target Target) (string, error)
	FetchHistory(ctx context.Context, roomID string, q HistoryQuery) (protocol.HistoryResponse, error)
}

// HTTPClient calls the chat history and room resolution endpoints.
type HTTPClient struct {
	baseURL *url.URL
	token   string
	locale  string
	http    *http.Client
}

// NewHTTPClient returns a client for the chat server at baseURL. A nil
// httpClient uses one bounded by the history fetch timeout.
func NewHTTPClient(baseURL, token, locale string, httpClient *http.Client) (*HTTPClient, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.HistoryFetch}
	}
	return &HTTPClient{
		baseURL: parsed,
		token:   strings.TrimSpace(token),
		locale:  strings.TrimSpace(locale),
		http:    httpClient,
	}, nil
}

// ResolveRoom asks the server which room displays target.
func (c *HTTPClient) ResolveRoom(ctx context.Context, target Target) (string, error) {
	if roomID := strings.TrimSpace(target.RoomID); roomID != "" {
		return roomID, nil
	}
	values := url.Values{}
	if id := strings.TrimSpace(target.TripID); id != "" {
		values.Set("tripId", id)
	}
	if id := strings.TrimSpace(target.ExperienceID); id != "" {
		values.Set("experienceId", id)
	}
	var body protocol.ResolveResponse
	if err := c.get(ctx, "/v1/rooms/resolve", values, &body); err != nil {
		return "", err
	}
	if body.RoomID == "" {
		return "", apperrors.New(apperrors.CodeRoomNotFound, "resolve returned no room")
	}
	return body.RoomID, nil
}

// FetchHistory returns one ascending page of roomID.
func (c *HTTPClient) FetchHistory(ctx context.Context, roomID string, q HistoryQuery) (protocol.HistoryResponse, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return protocol.HistoryResponse{}, apperrors.New(apperrors.CodeInvalidArgument, "room id is required")
	}
	values := url.Values{}
	if q.After > 0 {
		values.Set("after", strconv.FormatInt(q.After, 10))
	}
	if q.Before > 0 {
		values.Set("before", strconv.FormatInt(q.Before, 10))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	var body protocol.HistoryResponse
	if err := c.get(ctx, "/v1/rooms/"+url.PathEscape(roomID)+"/messages", values, &body); err != nil {
		return protocol.HistoryResponse{}, err
	}
	return body, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, values url.Values, target any) error {
	endpoint := c.baseURL.JoinPath(path)
	endpoint.RawQuery = values.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.locale != "" {
		req.Header.Set("Accept-Language", c.locale)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "GET "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "decode "+path, err)
	}
	return nil
}

// decodeErrorResponse turns a non-200 response into a taxonomy error. Bodies
// that are not chat errors fall back to the status code.
func decodeErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	var body protocol.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Code != "" {
		return apperrors.New(apperrors.Code(body.Error.Code), body.Error.Message)
	}
	code := apperrors.CodeUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		code = apperrors.CodeAuthRequired
	case resp.StatusCode == http.StatusForbidden:
		code = apperrors.CodeForbidden
	case resp.StatusCode == http.StatusNotFound:
		code = apperrors.CodeRoomNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		code = apperrors.CodeUnavailable
	}
	return apperrors.Wrap(code, "unexpected response", errors.New(resp.Status))
}
