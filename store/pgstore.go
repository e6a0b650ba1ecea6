// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
)

// Postgres schema (reference):
//
// CREATE TABLE IF NOT EXISTS drum_counters (
//   key   BIGINT PRIMARY KEY,
//   value BYTEA NOT NULL
// );
//
// PGStore keeps no in-memory cache; every Get/Put is a round trip, trading
// latency for zero recovery work on restart. Merge uses one transaction per
// batch of keys so a failed merge pass (spec.md §4.3 "merge failure")
// leaves no partial writes behind: either the whole batch of resolved keys
// lands, or none of it does, and the bucket files stay un-reset so the next
// trigger retries the same entries.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wires a PGStore over an already-configured *sql.DB. Callers
// are responsible for creating drum_counters per the schema above.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (p *PGStore) Get(ctx context.Context, key uint64) ([]byte, bool, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `SELECT value FROM drum_counters WHERE key = $1`, int64(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (p *PGStore) Put(ctx context.Context, key uint64, value []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO drum_counters(key, value) VALUES ($1, $2)
		   ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		int64(key), value)
	return err
}

// Merge applies the whole batch inside one transaction, so a mid-pass
// failure (spec.md §7 STORE_FAILURE) rolls back cleanly and the merger can
// retry the same keys on the next trigger without risking a half-applied
// pass.
func (p *PGStore) Merge(ctx context.Context, keys []uint64, resolve Resolver) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		var old []byte
		present := true
		err := tx.QueryRowContext(ctx, `SELECT value FROM drum_counters WHERE key = $1 FOR UPDATE`, int64(k)).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			present = false
		} else if err != nil {
			return err
		}
		newValue, write, err := resolve(k, old, present)
		if err != nil {
			return err
		}
		if !write {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO drum_counters(key, value) VALUES ($1, $2)
			   ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
			int64(k), newValue); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PGStore) Close() error {
	return p.db.Close()
}
