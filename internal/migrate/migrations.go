package migrate

import (
	"cmp"
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed sql/*.sql
var files embed.FS

// Step is one embedded schema change, named NNNN_description.sql.
type Step struct {
	Version int
	Name    string
	SQL     string
}

// Steps returns the embedded migrations ordered by version.
func Steps() ([]Step, error) {
	entries, err := fs.Glob(files, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(entries))
	for _, p := range entries {
		name := path.Base(p)
		prefix, _, ok := strings.Cut(name, "_")
		v, err := strconv.Atoi(prefix)
		if !ok || err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version", name)
		}
		body, err := files.ReadFile(p)
		if err != nil {
			return nil, err
		}
		steps = append(steps, Step{Version: v, Name: name, SQL: string(body)})
	}
	slices.SortFunc(steps, func(a, b Step) int { return cmp.Compare(a.Version, b.Version) })
	for i := 1; i < len(steps); i++ {
		if steps[i].Version == steps[i-1].Version {
			return nil, fmt.Errorf("migrations %s and %s share version %d", steps[i-1].Name, steps[i].Name, steps[i].Version)
		}
	}
	return steps, nil
}

// Version reports the highest applied migration, 0 for an empty database.
func Version(ctx context.Context, db *sql.DB) (int, error) {
	if err := ensureLedger(ctx, db); err != nil {
		return 0, err
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// Migrate applies pending migrations, each in its own transaction, and returns the
// resulting schema version.
func Migrate(ctx context.Context, db *sql.DB) (int, error) {
	steps, err := Steps()
	if err != nil {
		return 0, err
	}
	current, err := Version(ctx, db)
	if err != nil {
		return 0, err
	}
	for _, s := range steps {
		if s.Version <= current {
			continue
		}
		if err := apply(ctx, db, s); err != nil {
			return current, err
		}
		current = s.Version
	}
	return current, nil
}

func ensureLedger(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(
  version INTEGER PRIMARY KEY,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, s Step) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.SQL); err != nil {
		return fmt.Errorf("migration %s: %w", s.Name, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version,name,applied_at) VALUES (?,?,?)`,
		s.Version, s.Name, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("record migration %s: %w", s.Name, err)
	}
	return tx.Commit()
}
