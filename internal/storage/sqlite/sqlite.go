// Package sqlite is a single-file corpus store for running the engine
// without a PostgreSQL server. It implements the same operations as the
// storage package.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/tane/internal/corpus"
	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
	"github.com/ashita-ai/tane/internal/storage"
)

//go:embed schema.sql
var schema string

// Store is a corpus store backed by one SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer avoids SQLITE_BUSY churn between pooled connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if err := ensureColumn(ctx, db, "checkpoints", "quiet_rounds", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite: store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveSeed persists an admitted seed.
func (s *Store) SaveSeed(ctx context.Context, seed model.Seed) error {
	lineage, err := json.Marshal(nonNil(seed.Lineage))
	if err != nil {
		return fmt.Errorf("sqlite: encode lineage: %w", err)
	}
	combination, err := json.Marshal(nonNil(seed.Combination))
	if err != nil {
		return fmt.Errorf("sqlite: encode combination: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO seeds (id, target, source_digest, lineage, origin, prompt_metadata, combination, admitted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(seed.ID), seed.Target, seed.SourceDigest, string(lineage), string(seed.Origin),
		seed.PromptMetadata, string(combination), seed.AdmittedAt.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("sqlite: save seed %d: %w", seed.ID, storage.ErrDuplicateDigest)
		}
		return fmt.Errorf("sqlite: save seed %d: %w", seed.ID, err)
	}
	return nil
}

// LoadSeeds returns every persisted seed in admission order.
func (s *Store) LoadSeeds(ctx context.Context) ([]model.Seed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, source_digest, lineage, origin, prompt_metadata, combination, admitted_at
		 FROM seeds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load seeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Seed
	for rows.Next() {
		var (
			seed                 model.Seed
			id, admitted         int64
			lineage, combination string
			origin               string
		)
		if err := rows.Scan(&id, &seed.Target, &seed.SourceDigest, &lineage, &origin,
			&seed.PromptMetadata, &combination, &admitted); err != nil {
			return nil, fmt.Errorf("sqlite: scan seed: %w", err)
		}
		seed.ID = model.SeedID(id)
		seed.Origin = model.Origin(origin)
		seed.AdmittedAt = time.Unix(0, admitted).UTC()
		if err := json.Unmarshal([]byte(lineage), &seed.Lineage); err != nil {
			return nil, fmt.Errorf("sqlite: seed %d lineage: %w", id, err)
		}
		if err := json.Unmarshal([]byte(combination), &seed.Combination); err != nil {
			return nil, fmt.Errorf("sqlite: seed %d combination: %w", id, err)
		}
		if len(seed.Lineage) == 0 {
			seed.Lineage = nil
		}
		if len(seed.Combination) == 0 {
			seed.Combination = nil
		}
		out = append(out, seed)
	}
	return out, rows.Err()
}

// SaveObservations persists observation records in one transaction,
// skipping IDs that already exist.
func (s *Store) SaveObservations(ctx context.Context, recs []coverage.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO observations (id, seed_id, target, run_id, branches, calls, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare observation insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var inserted int64
	for _, r := range recs {
		branches, err := r.Branches.MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("sqlite: encode observation %s: %w", r.ID, err)
		}
		calls, err := json.Marshal(nonNil(r.Calls))
		if err != nil {
			return 0, fmt.Errorf("sqlite: encode calls: %w", err)
		}
		res, err := stmt.ExecContext(ctx, r.ID.String(), int64(r.SeedID), r.Target, r.RunID.String(),
			branches, string(calls), r.ObservedAt.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("sqlite: insert observation %s: %w", r.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit observations: %w", err)
	}
	return inserted, nil
}

// LoadObservations returns every persisted observation record in the order
// it was stored.
func (s *Store) LoadObservations(ctx context.Context) ([]coverage.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seed_id, target, run_id, branches, calls, observed_at
		 FROM observations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []coverage.Record
	for rows.Next() {
		var (
			rec        coverage.Record
			id, runID  string
			seedID, at int64
			branches   []byte
			calls      string
		)
		if err := rows.Scan(&id, &seedID, &rec.Target, &runID, &branches, &calls, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan observation: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: observation id %q: %w", id, err)
		}
		if rec.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("sqlite: observation %s run id: %w", id, err)
		}
		rec.SeedID = model.SeedID(seedID)
		rec.ObservedAt = time.Unix(0, at).UTC()
		rec.Branches = &coverage.Set{}
		if err := rec.Branches.UnmarshalBinary(branches); err != nil {
			return nil, fmt.Errorf("sqlite: observation %s: %w", id, err)
		}
		if err := json.Unmarshal([]byte(calls), &rec.Calls); err != nil {
			return nil, fmt.Errorf("sqlite: observation %s calls: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveCheckpoint records a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp corpus.Checkpoint) error {
	enc := func(ids []model.SeedID) string {
		b, _ := json.Marshal(nonNil(ids))
		return string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (target, retained, retired, pending, union_size, union_digest, merkle_root, quiet_rounds, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.Target, enc(cp.Retained), enc(cp.Retired), enc(cp.Pending),
		cp.UnionSize, cp.UnionDigest, cp.MerkleRoot, cp.QuietRounds, cp.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint for %s: %w", cp.Target, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for target, or
// storage.ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context, target string) (corpus.Checkpoint, error) {
	var (
		cp                         corpus.Checkpoint
		retained, retired, pending string
		created                    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT target, retained, retired, pending, union_size, union_digest, merkle_root, quiet_rounds, created_at
		 FROM checkpoints WHERE target = ? ORDER BY id DESC LIMIT 1`, target,
	).Scan(&cp.Target, &retained, &retired, &pending, &cp.UnionSize, &cp.UnionDigest, &cp.MerkleRoot,
		&cp.QuietRounds, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return corpus.Checkpoint{}, fmt.Errorf("sqlite: checkpoint for %s: %w", target, storage.ErrNotFound)
	}
	if err != nil {
		return corpus.Checkpoint{}, fmt.Errorf("sqlite: latest checkpoint for %s: %w", target, err)
	}
	cp.CreatedAt = time.Unix(0, created).UTC()
	for _, f := range []struct {
		raw string
		dst *[]model.SeedID
	}{{retained, &cp.Retained}, {retired, &cp.Retired}, {pending, &cp.Pending}} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return corpus.Checkpoint{}, fmt.Errorf("sqlite: decode checkpoint for %s: %w", target, err)
		}
	}
	return cp, nil
}

// ensureColumn adds a column that files created by an older schema lack.
// SQLite has no ADD COLUMN IF NOT EXISTS.
func ensureColumn(ctx context.Context, db *sql.DB, table, column, decl string) error {
	ok, err := hasColumn(ctx, db, table, column)
	if err != nil || ok {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("sqlite: add %s.%s: %w", table, column, err)
	}
	return nil
}

func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()
	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("sqlite: inspect %s: %w", table, err)
		}
		found = found || name == column
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("sqlite: inspect %s: %w", table, err)
	}
	return found, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
