package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/tane/internal/model"
)

// SaveSeed persists an admitted seed. A seed whose source digest already
// exists for its target fails with ErrDuplicateDigest.
func (db *DB) SaveSeed(ctx context.Context, seed model.Seed) error {
	err := db.write(ctx, "save seed", func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO seeds (id, target, source_digest, lineage, origin, prompt_metadata, combination, admitted_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			int64(seed.ID), seed.Target, seed.SourceDigest, seedIDsToInt64(seed.Lineage),
			string(seed.Origin), seed.PromptMetadata, nonNilStrings(seed.Combination), seed.AdmittedAt,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("storage: save seed %d: %w", seed.ID, ErrDuplicateDigest)
		}
		return fmt.Errorf("storage: save seed %d: %w", seed.ID, err)
	}
	return nil
}

// LoadSeeds returns every persisted seed in admission order.
func (db *DB) LoadSeeds(ctx context.Context) ([]model.Seed, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, target, source_digest, lineage, origin, prompt_metadata, combination, admitted_at
		 FROM seeds ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load seeds: %w", err)
	}
	defer rows.Close()

	var out []model.Seed
	for rows.Next() {
		seed, err := scanSeed(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan seed: %w", err)
		}
		out = append(out, seed)
	}
	return out, rows.Err()
}

// GetSeed returns one seed by ID, or ErrNotFound.
func (db *DB) GetSeed(ctx context.Context, id model.SeedID) (model.Seed, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, target, source_digest, lineage, origin, prompt_metadata, combination, admitted_at
		 FROM seeds WHERE id = $1`, int64(id))
	seed, err := scanSeed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Seed{}, fmt.Errorf("storage: seed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Seed{}, fmt.Errorf("storage: get seed %d: %w", id, err)
	}
	return seed, nil
}

func scanSeed(row pgx.Row) (model.Seed, error) {
	var (
		seed    model.Seed
		id      int64
		lineage []int64
		origin  string
	)
	if err := row.Scan(&id, &seed.Target, &seed.SourceDigest, &lineage, &origin,
		&seed.PromptMetadata, &seed.Combination, &seed.AdmittedAt); err != nil {
		return model.Seed{}, err
	}
	seed.ID = model.SeedID(id)
	seed.Origin = model.Origin(origin)
	seed.Lineage = int64ToSeedIDs(lineage)
	if len(seed.Combination) == 0 {
		seed.Combination = nil
	}
	return seed, nil
}

func seedIDsToInt64(ids []model.SeedID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

func int64ToSeedIDs(ids []int64) []model.SeedID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]model.SeedID, len(ids))
	for i, id := range ids {
		out[i] = model.SeedID(id)
	}
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilIDs(ids []model.SeedID) []model.SeedID {
	if ids == nil {
		return []model.SeedID{}
	}
	return ids
}
