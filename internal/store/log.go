package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/scenestore/internal/wire"
)

// ErrNoEntry is returned when a requested log index does not exist.
var ErrNoEntry = errors.New("no entry at index")

// AppendEntry persists entry e at (shard, idx). Idempotent: re-appending the
// same index is silently ignored, so a consensus layer retrying after a
// crash cannot duplicate a record.
func (s *Store) AppendEntry(ctx context.Context, shard wire.ShardID, idx uint64, e wire.Entry) error {
	body := wire.EncodeEntry(e)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entries (shard, idx, term, hlc_l, hlc_c, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(shard, idx) DO NOTHING
	`, shard, int64(idx), int64(e.Term), int64(e.HLC.L), int64(e.HLC.C), body)
	if err != nil {
		return fmt.Errorf("append entry shard=%d idx=%d: %w", shard, idx, err)
	}
	return nil
}

// EntryAt reads the entry at (shard, idx). Returns ErrNoEntry if absent.
func (s *Store) EntryAt(ctx context.Context, shard wire.ShardID, idx uint64) (wire.Entry, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM entries WHERE shard = ? AND idx = ?
	`, shard, int64(idx)).Scan(&body)
	if err == sql.ErrNoRows {
		return wire.Entry{}, fmt.Errorf("shard %d idx %d: %w", shard, idx, ErrNoEntry)
	}
	if err != nil {
		return wire.Entry{}, fmt.Errorf("read entry shard=%d idx=%d: %w", shard, idx, err)
	}
	e, err := wire.DecodeEntry(body)
	if err != nil {
		return wire.Entry{}, fmt.Errorf("shard %d idx %d: %w", shard, idx, err)
	}
	return e, nil
}

// LastIndex returns the highest appended index for a shard, 0 if empty.
func (s *Store) LastIndex(ctx context.Context, shard wire.ShardID) (uint64, error) {
	var last int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(idx), 0) FROM entries WHERE shard = ?
	`, shard).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("last index shard=%d: %w", shard, err)
	}
	return uint64(last), nil
}

// Range returns the entries in (from, to], ordered by index. Used by the
// recovery engine to replay (appliedIndex, commitIndex].
func (s *Store) Range(ctx context.Context, shard wire.ShardID, from, to uint64) ([]wire.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM entries
		WHERE shard = ? AND idx > ? AND idx <= ?
		ORDER BY idx ASC
	`, shard, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("range shard=%d (%d,%d]: %w", shard, from, to, err)
	}
	defer rows.Close()

	var entries []wire.Entry
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e, err := wire.DecodeEntry(body)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// SetCommitIndex persists the commit cursor for a shard. The cursor only
// moves forward; a stale write is ignored.
func (s *Store) SetCommitIndex(ctx context.Context, shard wire.ShardID, idx uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commit_marks (shard, commit_index) VALUES (?, ?)
		ON CONFLICT(shard) DO UPDATE SET commit_index = excluded.commit_index
		WHERE excluded.commit_index > commit_marks.commit_index
	`, shard, int64(idx))
	if err != nil {
		return fmt.Errorf("set commit index shard=%d: %w", shard, err)
	}
	return nil
}

// CommitIndex reads the commit cursor for a shard, 0 if never set.
func (s *Store) CommitIndex(ctx context.Context, shard wire.ShardID) (uint64, error) {
	var idx int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(commit_index), 0) FROM commit_marks WHERE shard = ?
	`, shard).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("commit index shard=%d: %w", shard, err)
	}
	return uint64(idx), nil
}

// SetAppliedIndex persists a replica's applied cursor for a shard.
func (s *Store) SetAppliedIndex(ctx context.Context, replica string, shard wire.ShardID, idx uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO applied_marks (replica, shard, applied_index) VALUES (?, ?, ?)
		ON CONFLICT(replica, shard) DO UPDATE SET applied_index = excluded.applied_index
		WHERE excluded.applied_index > applied_marks.applied_index
	`, replica, shard, int64(idx))
	if err != nil {
		return fmt.Errorf("set applied index replica=%s shard=%d: %w", replica, shard, err)
	}
	return nil
}

// AppliedIndex reads a replica's applied cursor for a shard, 0 if never set.
func (s *Store) AppliedIndex(ctx context.Context, replica string, shard wire.ShardID) (uint64, error) {
	var idx int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(applied_index), 0) FROM applied_marks
		WHERE replica = ? AND shard = ?
	`, replica, shard).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("applied index replica=%s shard=%d: %w", replica, shard, err)
	}
	return uint64(idx), nil
}

// Shards returns every shard id present in the entries table, ascending.
// Used by the offline replay command to discover what a database holds.
func (s *Store) Shards(ctx context.Context) ([]wire.ShardID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT shard FROM entries ORDER BY shard ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}
	defer rows.Close()

	var shards []wire.ShardID
	for rows.Next() {
		var shard int64
		if err := rows.Scan(&shard); err != nil {
			return nil, fmt.Errorf("scan shard: %w", err)
		}
		shards = append(shards, wire.ShardID(shard))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return shards, nil
}
