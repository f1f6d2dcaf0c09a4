// Package migrate applies embedded "-- +migrate Up" SQL files once each.
package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Table records applied migration names.
const Table = "schema_migrations"

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// Migration is one named SQL file reduced to its Up section.
type Migration struct {
	Name string
	Up   string
}

// Runner applies migrations against one database dialect.
type Runner interface {
	// EnsureTable creates the bookkeeping table when missing.
	EnsureTable(ctx context.Context) error
	// Applied reports whether name was recorded.
	Applied(ctx context.Context, name string) (bool, error)
	// Run executes m and records it atomically.
	Run(ctx context.Context, m Migration) error
}

// Load reads *.sql files under root in lexical order. Names keep the root
// prefix so two roots in one database do not collide.
func Load(fsys fs.FS, root string) ([]Migration, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, path.Join(root, name))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		key := name
		if root != "." {
			key = path.Join(root, name)
		}
		migrations = append(migrations, Migration{Name: key, Up: ExtractUp(string(content))})
	}
	return migrations, nil
}

// Apply runs every migration the runner has not recorded yet and returns the
// names it applied.
func Apply(ctx context.Context, runner Runner, migrations []Migration) ([]string, error) {
	if runner == nil {
		return nil, fmt.Errorf("migration runner is required")
	}
	if err := runner.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensure migration table: %w", err)
	}
	var applied []string
	for _, m := range migrations {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		done, err := runner.Applied(ctx, m.Name)
		if err != nil {
			return applied, fmt.Errorf("check migration %s: %w", m.Name, err)
		}
		if done || strings.TrimSpace(m.Up) == "" {
			continue
		}
		if err := runner.Run(ctx, m); err != nil {
			return applied, fmt.Errorf("exec migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

// ExtractUp returns the SQL between the Up and Down markers. Files without an
// Up marker are returned whole.
func ExtractUp(content string) string {
	upIdx := strings.Index(content, upMarker)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(upMarker):]
	if downIdx := strings.Index(rest, downMarker); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}

// IsAlreadyExists reports DDL errors that mean the object is already there.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}
