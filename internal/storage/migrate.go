package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationLockKey serializes schema changes when several servers start
// against the same database.
const migrationLockKey int64 = 0x74616e65

type migration struct {
	name     string
	sql      string
	checksum string
}

// RunMigrations applies the .sql files of migrationsFS that the database has
// not seen, in name order, each in its own transaction. A file whose content
// changed after it was applied is reported and left alone; schema changes
// only move forward.
func (db *DB) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	pending, err := readMigrations(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, migrationLockKey)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}

	ran := 0
	for _, m := range pending {
		if sum, ok := applied[m.name]; ok {
			if sum != "" && sum != m.checksum {
				db.logger.Warn("storage: applied migration was edited", "file", m.name)
			}
			continue
		}
		if err := applyMigration(ctx, conn, m); err != nil {
			return err
		}
		db.logger.Info("storage: applied migration", "file", m.name)
		ran++
	}
	if ran > 0 {
		db.logger.Info("storage: schema up to date", "applied", ran, "total", len(pending))
	}
	return nil
}

func readMigrations(fsys fs.FS) ([]migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations: %w", err)
	}
	slices.Sort(names)

	out := make([]migration, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			name:     path.Base(name),
			sql:      string(content),
			checksum: hex.EncodeToString(sum[:]),
		})
	}
	return out, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m migration) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin migration %s: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return fmt.Errorf("storage: execute migration %s: %w", m.name, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		m.name, m.checksum,
	); err != nil {
		return fmt.Errorf("storage: record migration %s: %w", m.name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit migration %s: %w", m.name, err)
	}
	return nil
}

// appliedMigrations maps each recorded migration to its checksum. Rows
// recorded before checksums were kept have an empty one.
func (db *DB) appliedMigrations(ctx context.Context) (map[string]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}
