package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tane/internal/coverage"
	"github.com/ashita-ai/tane/internal/model"
)

// SaveObservations persists observation records. Records are copied into a
// temporary table with the COPY protocol and then inserted, skipping IDs
// that already exist, so a replayed batch is harmless.
func (db *DB) SaveObservations(ctx context.Context, recs []coverage.Record) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(recs))
	for i, r := range recs {
		branches, err := r.Branches.MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("storage: encode observation %s: %w", r.ID, err)
		}
		rows[i] = []any{r.ID, int64(r.SeedID), r.Target, r.RunID, branches, nonNilStrings(r.Calls), r.ObservedAt}
	}

	var inserted int64
	err := db.write(ctx, "save observations", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`CREATE TEMP TABLE observations_in (LIKE observations INCLUDING DEFAULTS) ON COMMIT DROP`,
		); err != nil {
			return err
		}

		// A hung COPY must not stall the ingest flush indefinitely.
		copyCtx, copyCancel := context.WithTimeout(ctx, 30*time.Second)
		_, err = tx.CopyFrom(
			copyCtx,
			pgx.Identifier{"observations_in"},
			[]string{"id", "seed_id", "target", "run_id", "branches", "calls", "observed_at"},
			pgx.CopyFromRows(rows),
		)
		copyCancel()
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO observations (id, seed_id, target, run_id, branches, calls, observed_at)
			 SELECT id, seed_id, target, run_id, branches, calls, observed_at
			 FROM observations_in ORDER BY seq
			 ON CONFLICT (id) DO NOTHING`)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected()
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("storage: save observations: %w", err)
	}
	return inserted, nil
}

// LoadObservations returns every persisted observation record in the order
// it was stored.
func (db *DB) LoadObservations(ctx context.Context) ([]coverage.Record, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, seed_id, target, run_id, branches, calls, observed_at
		 FROM observations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: load observations: %w", err)
	}
	defer rows.Close()

	var out []coverage.Record
	for rows.Next() {
		var (
			rec      coverage.Record
			seedID   int64
			branches []byte
		)
		if err := rows.Scan(&rec.ID, &seedID, &rec.Target, &rec.RunID, &branches, &rec.Calls, &rec.ObservedAt); err != nil {
			return nil, fmt.Errorf("storage: scan observation: %w", err)
		}
		rec.SeedID = model.SeedID(seedID)
		rec.Branches = &coverage.Set{}
		if err := rec.Branches.UnmarshalBinary(branches); err != nil {
			return nil, fmt.Errorf("storage: observation %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
