// Package history serves bounded, authorized pages of a room's message log.
package history

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/louisbranch/wayfarer/internal/platform/errors"
	"github.com/louisbranch/wayfarer/internal/platform/pagination"
	"github.com/louisbranch/wayfarer/internal/services/chat/directory"
	"github.com/louisbranch/wayfarer/internal/services/chat/identity"
	"github.com/louisbranch/wayfarer/internal/services/chat/storage"
)

// DefaultPageSize bounds history pages.
var DefaultPageSize = pagination.PageSizeConfig{Default: 50, Max: 200}

// Query selects a page. After and Before are exclusive sequence cursors;
// After wins when both are set.
type Query struct {
	After  int64
	Before int64
	Limit  int
}

// Service answers history and room resolution requests.
type Service struct {
	authorizer identity.RoomAuthorizer
	directory  directory.Directory
	store      storage.MessageStore
	pageSize   pagination.PageSizeConfig
}

// New returns a history service. A zero pageSize uses DefaultPageSize.
func New(authorizer identity.RoomAuthorizer, dir directory.Directory, store storage.MessageStore, pageSize pagination.PageSizeConfig) (*Service, error) {
	if authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if dir == nil {
		return nil, errors.New("directory is required")
	}
	if store == nil {
		return nil, errors.New("message store is required")
	}
	if pageSize.Max <= 0 {
		pageSize = DefaultPageSize
	}
	return &Service{authorizer: authorizer, directory: dir, store: store, pageSize: pageSize}, nil
}

// GetHistory returns an ascending page of roomID after checking that the
// room exists and that principal may view it.
func (s *Service) GetHistory(ctx context.Context, principal identity.Principal, roomID string, q Query) (storage.Page, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return storage.Page{}, apperrors.New(apperrors.CodeInvalidArgument, "room id is required")
	}
	if q.After < 0 || q.Before < 0 {
		return storage.Page{}, apperrors.New(apperrors.CodeInvalidArgument, "cursor must not be negative")
	}
	if err := s.directory.LookupRoom(ctx, roomID); err != nil {
		return storage.Page{}, directoryError(err)
	}
	if err := s.authorize(ctx, principal, roomID); err != nil {
		return storage.Page{}, err
	}
	page, err := s.store.ListMessages(ctx, storage.Query{
		RoomID: roomID,
		After:  q.After,
		Before: q.Before,
		Limit:  pagination.ClampPageSize(q.Limit, s.pageSize),
	})
	if err != nil {
		return storage.Page{}, apperrors.Wrap(apperrors.CodePersistenceFailed, "list messages", err)
	}
	return page, nil
}

// ResolveRoom maps a trip or experience to its room, provided principal may
// view that room.
func (s *Service) ResolveRoom(ctx context.Context, principal identity.Principal, target directory.Target) (string, error) {
	target, err := target.Normalize()
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalidArgument, "resolve room", err)
	}
	roomID, err := s.directory.ResolveRoom(ctx, target)
	if err != nil {
		return "", directoryError(err)
	}
	if err := s.authorize(ctx, principal, roomID); err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *Service) authorize(ctx context.Context, principal identity.Principal, roomID string) error {
	err := s.authorizer.AuthorizeRoom(ctx, principal, roomID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrForbidden):
		return apperrors.Wrap(apperrors.CodeForbidden, "authorize room", err)
	case errors.Is(err, identity.ErrUnauthenticated):
		return apperrors.Wrap(apperrors.CodeAuthRequired, "authorize room", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnavailable, "authorize room", err)
	}
}

func directoryError(err error) error {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeRoomNotFound, "lookup room", err)
	case errors.Is(err, directory.ErrInvalidTarget):
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "lookup room", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnavailable, "lookup room", err)
	}
}
