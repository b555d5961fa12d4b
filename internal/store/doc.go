// Package store provides durable storage for per-shard log segments.
//
// Backed by SQLite in WAL mode. Appends are idempotent (ON CONFLICT DO
// NOTHING keyed on shard+index), so a consensus layer retrying after a crash
// cannot duplicate an entry. Commit and applied marks persist the
// commitIndex/appliedIndex cursors the recovery engine replays between.
package store
