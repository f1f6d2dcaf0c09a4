package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"
)

// SQLRunner applies migrations through database/sql using "?" placeholders.
type SQLRunner struct {
	DB *sql.DB
}

// ApplySQL loads migrations from fsys/root and applies them to db.
func ApplySQL(ctx context.Context, db *sql.DB, fsys fs.FS, root string) ([]string, error) {
	if db == nil {
		return nil, fmt.Errorf("sql db is required")
	}
	migrations, err := Load(fsys, root)
	if err != nil {
		return nil, err
	}
	return Apply(ctx, SQLRunner{DB: db}, migrations)
}

func (r SQLRunner) EnsureTable(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`)
	return err
}

func (r SQLRunner) Applied(ctx context.Context, name string) (bool, error) {
	var found int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM `+Table+` WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r SQLRunner) Run(ctx context.Context, m Migration) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.ExecContext(ctx, m.Up); err != nil && !IsAlreadyExists(err) {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO `+Table+` (name, applied_at) VALUES (?, ?)`,
		m.Name, time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}
