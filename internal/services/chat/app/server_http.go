package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/errors/i18n"
	"github.com/louisbranch/wayfarer/internal/platform/requestctx"
	"github.com/louisbranch/wayfarer/internal/platform/timeouts"
	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/gateway"
	"github.com/louisbranch/wayfarer/internal/services/chat/history"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/metrics"
	"github.com/louisbranch/wayfarer/internal/services/chat/protocol"
)

type handler struct {
	gateway         *gateway.Gateway
	history         *history.Service
	authenticator   identity.Authenticator
	metrics         *metrics.Metrics
	livenessTimeout time.Duration
	logf            func(string, ...any)
}

// NewHandler creates the chat routes.
func NewHandler(deps Deps) http.Handler {
	h := &handler{
		gateway:         deps.Gateway,
		history:         deps.History,
		authenticator:   deps.Authenticator,
		metrics:         deps.Metrics,
		livenessTimeout: timeouts.Liveness,
		logf:            deps.Logf,
	}
	if h.logf == nil {
		h.logf = defaultLogf
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	h.route(mux, "/ws", "ws", http.HandlerFunc(h.serveWS))
	h.route(mux, "GET /v1/rooms/resolve", "resolve", http.HandlerFunc(h.serveResolve))
	h.route(mux, "GET /v1/rooms/{roomID}/messages", "history", http.HandlerFunc(h.serveHistory))
	if h.metrics != nil {
		mux.Handle("/metrics", h.metrics.Handler())
	}
	return mux
}

func (h *handler) route(mux *http.ServeMux, pattern, name string, next http.Handler) {
	if h.metrics != nil && name != "ws" {
		next = h.metrics.Instrument(name, next)
	}
	mux.Handle(pattern, next)
}

func (h *handler) serveHistory(w http.ResponseWriter, r *http.Request) {
	status := h.writeHistory(w, r)
	if h.metrics != nil {
		h.metrics.ObserveHistory(status)
	}
}

func (h *handler) writeHistory(w http.ResponseWriter, r *http.Request) int {
	principal, err := h.authenticate(r)
	if err != nil {
		return h.writeError(w, r, err)
	}
	query, err := historyQuery(r)
	if err != nil {
		return h.writeError(w, r, err)
	}
	ctx := callerContext(r, principal)
	page, err := h.history.GetHistory(ctx, principal, r.PathValue("roomID"), query)
	if err != nil {
		h.logUnexpected("history", err)
		return h.writeError(w, r, err)
	}
	return writeJSON(w, http.StatusOK, protocol.HistoryResponse{
		Messages: protocol.FromStoragePage(page.Messages),
		HasMore:  page.HasMore,
	})
}

func (h *handler) serveResolve(w http.ResponseWriter, r *http.Request) {
	principal, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	values := r.URL.Query()
	ctx := callerContext(r, principal)
	roomID, err := h.history.ResolveRoom(ctx, principal, directory.Target{
		TripID:       values.Get("tripId"),
		ExperienceID: values.Get("experienceId"),
	})
	if err != nil {
		h.logUnexpected("resolve", err)
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ResolveResponse{RoomID: roomID})
}

// callerContext carries the caller to collaborators called on its behalf.
func callerContext(r *http.Request, principal identity.Principal) context.Context {
	ctx := requestctx.WithUserID(r.Context(), principal.UserID)
	return requestctx.WithLocale(ctx, i18n.ResolveLocale(r.Header.Get("Accept-Language")))
}

func (h *handler) authenticate(r *http.Request) (identity.Principal, error) {
	accessToken := accessTokenFromRequest(r, false)
	if accessToken == "" {
		return identity.Principal{}, apperrors.New(apperrors.CodeAuthRequired, "missing credential")
	}
	principal, err := h.authenticator.Authenticate(r.Context(), accessToken)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return identity.Principal{}, apperrors.Wrap(apperrors.CodeAuthRequired, "authenticate", err)
		}
		return identity.Principal{}, apperrors.Wrap(apperrors.CodeUnavailable, "authenticate", err)
	}
	return principal, nil
}

func historyQuery(r *http.Request) (history.Query, error) {
	values := r.URL.Query()
	var (
		q   history.Query
		err error
	)
	if q.After, err = int64Param(values.Get("after")); err != nil {
		return history.Query{}, invalidParam("after", err)
	}
	if q.Before, err = int64Param(values.Get("before")); err != nil {
		return history.Query{}, invalidParam("before", err)
	}
	limit, err := int64Param(values.Get("limit"))
	if err != nil {
		return history.Query{}, invalidParam("limit", err)
	}
	q.Limit = int(limit)
	return q, nil
}

func int64Param(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, errors.New("must not be negative")
	}
	return value, nil
}

func invalidParam(name string, err error) error {
	return apperrors.WrapWithMetadata(apperrors.CodeInvalidArgument, "parse "+name, map[string]string{"Param": name}, err)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) int {
	code := apperrors.CodeOf(err)
	locale := i18n.ResolveLocale(r.Header.Get("Accept-Language"))
	status := code.HTTPStatus()
	w.Header().Set("Content-Language", locale)
	return writeJSON(w, status, protocol.ErrorResponse{Error: protocol.ErrorPayload{
		Code:      string(code),
		Message:   i18n.GetCatalog(locale).Format(string(code), apperrors.MetadataOf(err)),
		Retryable: code.Retryable(),
	}})
}

func (h *handler) logUnexpected(route string, err error) {
	switch apperrors.CodeOf(err) {
	case apperrors.CodeUnavailable, apperrors.CodePersistenceFailed, apperrors.CodeUnknown:
		h.logf("chat: %s failed: %v", route, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) int {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
	return status
}
