// Package identity authenticates chat credentials and authorizes room access
// against the identity collaborator.
package identity

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// AllRooms in a principal's room list grants access to every room.
const AllRooms = "*"

var (
	// ErrUnauthenticated reports a missing, malformed, expired, or inactive
	// credential.
	ErrUnauthenticated = errors.New("credential rejected")
	// ErrForbidden reports that an authenticated caller may not view a room.
	ErrForbidden = errors.New("room access denied")
)

// Principal is an authenticated caller. Rooms is the room list carried by
// the credential, when it carries one.
type Principal struct {
	UserID string
	Rooms  []string
}

// CanAccess reports whether the principal's own room list admits roomID.
func (p Principal) CanAccess(roomID string) bool {
	return slices.Contains(p.Rooms, AllRooms) || slices.Contains(p.Rooms, roomID)
}

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (Principal, error)
}

// RoomAuthorizer decides whether a principal may view and post in a room.
type RoomAuthorizer interface {
	AuthorizeRoom(ctx context.Context, principal Principal, roomID string) error
}

// Provider is the full identity collaborator.
type Provider interface {
	Authenticator
	RoomAuthorizer
}

// Insecure trusts the credential as the user id and admits every room. It
// exists for local development only.
type Insecure struct{}

var _ Provider = Insecure{}

func (Insecure) Authenticate(_ context.Context, credential string) (Principal, error) {
	userID := strings.TrimSpace(credential)
	if userID == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: userID, Rooms: []string{AllRooms}}, nil
}

func (Insecure) AuthorizeRoom(_ context.Context, principal Principal, roomID string) error {
	if strings.TrimSpace(principal.UserID) == "" {
		return ErrUnauthenticated
	}
	return nil
}
