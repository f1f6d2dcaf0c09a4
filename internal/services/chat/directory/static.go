package directory

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry binds a room to the trip or experience it belongs to.
type Entry struct {
	RoomID       string `yaml:"room_id"`
	TripID       string `yaml:"trip_id,omitempty"`
	ExperienceID string `yaml:"experience_id,omitempty"`
}

type staticFile struct {
	Rooms []Entry `yaml:"rooms"`
}

// Static is an in-memory directory loaded from a fixed room list.
type Static struct {
	rooms       map[string]struct{}
	trips       map[string]string
	experiences map[string]string
}

var _ Directory = (*Static)(nil)

// NewStatic indexes entries. Room ids must be unique and each entry must name
// exactly one trip or experience.
func NewStatic(entries []Entry) (*Static, error) {
	s := &Static{
		rooms:       make(map[string]struct{}, len(entries)),
		trips:       make(map[string]string),
		experiences: make(map[string]string),
	}
	for i, entry := range entries {
		roomID := strings.TrimSpace(entry.RoomID)
		if roomID == "" {
			return nil, fmt.Errorf("room %d: room_id is required", i)
		}
		if _, ok := s.rooms[roomID]; ok {
			return nil, fmt.Errorf("room %q: duplicate room_id", roomID)
		}
		target, err := Target{TripID: entry.TripID, ExperienceID: entry.ExperienceID}.Normalize()
		if err != nil {
			return nil, fmt.Errorf("room %q: %w", roomID, err)
		}
		index, key := s.experiences, target.ExperienceID
		if target.TripID != "" {
			index, key = s.trips, target.TripID
		}
		if existing, ok := index[key]; ok {
			return nil, fmt.Errorf("room %q: target already bound to room %q", roomID, existing)
		}
		index[key] = roomID
		s.rooms[roomID] = struct{}{}
	}
	return s, nil
}

// ParseStatic decodes a YAML room list.
func ParseStatic(data []byte) (*Static, error) {
	var file staticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode directory: %w", err)
	}
	return NewStatic(file.Rooms)
}

// LoadStatic reads a YAML room list from path.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}
	return ParseStatic(data)
}

func (s *Static) ResolveRoom(ctx context.Context, target Target) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, err := target.Normalize()
	if err != nil {
		return "", err
	}
	var (
		roomID string
		ok     bool
	)
	if target.TripID != "" {
		roomID, ok = s.trips[target.TripID]
	} else {
		roomID, ok = s.experiences[target.ExperienceID]
	}
	if !ok {
		return "", ErrNotFound
	}
	return roomID, nil
}

func (s *Static) LookupRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := s.rooms[strings.TrimSpace(roomID)]; !ok {
		return ErrNotFound
	}
	return nil
}
