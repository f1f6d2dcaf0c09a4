// Package directory resolves trips and experiences to chat rooms.
package directory

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound reports an unknown room or a target without a room.
	ErrNotFound = errors.New("room not found")
	// ErrInvalidTarget reports a target naming neither or both of a trip and
	// an experience.
	ErrInvalidTarget = errors.New("exactly one of trip id or experience id is required")
)

// Target names the trip or experience whose room is wanted.
type Target struct {
	TripID       string
	ExperienceID string
}

// Normalize trims the target and checks that exactly one id is set.
func (t Target) Normalize() (Target, error) {
	t.TripID = strings.TrimSpace(t.TripID)
	t.ExperienceID = strings.TrimSpace(t.ExperienceID)
	if (t.TripID == "") == (t.ExperienceID == "") {
		return Target{}, ErrInvalidTarget
	}
	return t, nil
}

// Directory is the room directory collaborator.
type Directory interface {
	// ResolveRoom returns the room id for a trip or experience.
	ResolveRoom(ctx context.Context, target Target) (string, error)
	// LookupRoom returns nil when roomID names an existing room.
	LookupRoom(ctx context.Context, roomID string) error
}

// Derived maps every trip and experience to a room id built from its own id
// and treats any non-blank room id as existing. It serves local development
// when no directory service is configured.
type Derived struct{}

var _ Directory = Derived{}

func (Derived) ResolveRoom(ctx context.Context, target Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := target.Normalize()
	if err != nil {
		return "", err
	}
	if target.TripID != "" {
		return "trip-" + target.TripID, nil
	}
	return "experience-" + target.ExperienceID, nil
}

func (Derived) LookupRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(roomID) == "" {
		return ErrNotFound
	}
	return nil
}
