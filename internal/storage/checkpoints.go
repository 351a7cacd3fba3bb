package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tane/internal/corpus"
)

// SaveCheckpoint records a checkpoint and announces it on
// ChannelCheckpoints in the same transaction.
func (db *DB) SaveCheckpoint(ctx context.Context, cp corpus.Checkpoint) error {
	payload, err := json.Marshal(cp.Summary())
	if err != nil {
		return fmt.Errorf("storage: encode checkpoint summary: %w", err)
	}
	err = db.write(ctx, "save checkpoint", func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO checkpoints (target, retained, retired, pending, union_size, union_digest, merkle_root, quiet_rounds, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			cp.Target, seedIDsToInt64(cp.Retained), seedIDsToInt64(cp.Retired), seedIDsToInt64(cp.Pending),
			cp.UnionSize, cp.UnionDigest, cp.MerkleRoot, cp.QuietRounds, cp.CreatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelCheckpoints, string(payload)); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return fmt.Errorf("storage: save checkpoint for %s: %w", cp.Target, err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for target, or
// ErrNotFound if none was ever committed.
func (db *DB) LatestCheckpoint(ctx context.Context, target string) (corpus.Checkpoint, error) {
	var (
		cp                         corpus.Checkpoint
		retained, retired, pending []int64
	)
	err := db.pool.QueryRow(ctx,
		`SELECT target, retained, retired, pending, union_size, union_digest, merkle_root, quiet_rounds, created_at
		 FROM checkpoints WHERE target = $1 ORDER BY id DESC LIMIT 1`, target,
	).Scan(&cp.Target, &retained, &retired, &pending, &cp.UnionSize, &cp.UnionDigest, &cp.MerkleRoot,
		&cp.QuietRounds, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return corpus.Checkpoint{}, fmt.Errorf("storage: checkpoint for %s: %w", target, ErrNotFound)
	}
	if err != nil {
		return corpus.Checkpoint{}, fmt.Errorf("storage: latest checkpoint for %s: %w", target, err)
	}
	cp.Retained = nonNilIDs(int64ToSeedIDs(retained))
	cp.Retired = nonNilIDs(int64ToSeedIDs(retired))
	cp.Pending = nonNilIDs(int64ToSeedIDs(pending))
	return cp, nil
}
