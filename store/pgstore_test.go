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
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"testing"
)

// Minimal fake SQL driver to exercise PGStore's transaction/rollback path
// without a live Postgres, mirroring the driver shape of
// database/sql/driver rather than a real client library.

type fakePGDB struct {
	execs         []string
	queryErr      error
	execErrAt     map[int]error // 1-based index of ExecContext call -> error
	commitCount   int
	rollbackCount int
}

type fakePGDriver struct{}

type fakePGConn struct{ db *fakePGDB }

type fakePGTx struct {
	db     *fakePGDB
	closed bool
}

type fakePGResult struct{}

func (fakePGResult) LastInsertId() (int64, error) { return 0, nil }
func (fakePGResult) RowsAffected() (int64, error) { return 1, nil }

func (fakePGDriver) Open(name string) (driver.Conn, error) { return &fakePGConn{db: testFakePGDB}, nil }

func (c *fakePGConn) Prepare(query string) (driver.Stmt, error) {
	return nil, errors.New("not supported")
}
func (c *fakePGConn) Close() error { return nil }
func (c *fakePGConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakePGConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	return &fakePGTx{db: c.db}, nil
}
func (c *fakePGConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	if c.db.queryErr != nil {
		return nil, c.db.queryErr
	}
	return &fakePGRows{}, nil
}
func (c *fakePGConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	idx := len(c.db.execs)
	if c.db.execErrAt != nil {
		if err, ok := c.db.execErrAt[idx]; ok {
			return nil, err
		}
	}
	return fakePGResult{}, nil
}

// fakePGRows always reports no rows, so every SELECT ... FOR UPDATE in a
// test behaves like a key that is absent from drum_counters.
type fakePGRows struct{ done bool }

func (r *fakePGRows) Columns() []string { return []string{"value"} }
func (r *fakePGRows) Close() error      { return nil }
func (r *fakePGRows) Next(dest []driver.Value) error {
	return io.EOF
}

func (t *fakePGTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return nil
}
func (t *fakePGTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

var testFakePGDB *fakePGDB

func init() {
	sql.Register("fakepg", fakePGDriver{})
}

func newPGStoreWithFake(db *fakePGDB) *PGStore {
	testFakePGDB = db
	sqlDB, _ := sql.Open("fakepg", "")
	return NewPGStore(sqlDB)
}

// TestPGStore_Merge_CommitsOnSuccess exercises the happy path: every key
// resolves to a write and the transaction commits.
func TestPGStore_Merge_CommitsOnSuccess(t *testing.T) {
	f := &fakePGDB{}
	p := newPGStoreWithFake(f)

	resolve := func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		if present {
			t.Fatalf("key %d unexpectedly present", key)
		}
		return []byte("v"), true, nil
	}
	if err := p.Merge(context.Background(), []uint64{1, 2}, resolve); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if f.commitCount != 1 || f.rollbackCount != 0 {
		t.Fatalf("commit/rollback = %d/%d, want 1/0", f.commitCount, f.rollbackCount)
	}
	inserts := 0
	for _, q := range f.execs {
		if strings.Contains(q, "INSERT INTO drum_counters") {
			inserts++
		}
	}
	if inserts != 2 {
		t.Errorf("got %d insert execs, want 2: %v", inserts, f.execs)
	}
}

// TestPGStore_Merge_ResolveErrorRollsBack confirms a resolve failure rolls
// the whole batch back rather than leaving a partial write, per spec.md
// §4.3's merge-failure semantics.
func TestPGStore_Merge_ResolveErrorRollsBack(t *testing.T) {
	f := &fakePGDB{}
	p := newPGStoreWithFake(f)

	boom := errors.New("boom")
	resolve := func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		return nil, false, boom
	}
	err := p.Merge(context.Background(), []uint64{1}, resolve)
	if !errors.Is(err, boom) {
		t.Fatalf("Merge error = %v, want %v", err, boom)
	}
	if f.commitCount != 0 || f.rollbackCount != 1 {
		t.Fatalf("commit/rollback = %d/%d, want 0/1", f.commitCount, f.rollbackCount)
	}
}

// TestPGStore_Merge_ExecErrorRollsBack confirms a failed INSERT rolls back
// the transaction and never commits.
func TestPGStore_Merge_ExecErrorRollsBack(t *testing.T) {
	f := &fakePGDB{execErrAt: map[int]error{1: errors.New("exec boom")}}
	p := newPGStoreWithFake(f)

	resolve := func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		return []byte("v"), true, nil
	}
	err := p.Merge(context.Background(), []uint64{1, 2}, resolve)
	if err == nil || !strings.Contains(err.Error(), "exec boom") {
		t.Fatalf("Merge error = %v, want to contain \"exec boom\"", err)
	}
	if f.commitCount != 0 || f.rollbackCount != 1 {
		t.Fatalf("commit/rollback = %d/%d, want 0/1", f.commitCount, f.rollbackCount)
	}
}

// TestPGStore_Merge_SkipsWriteFalse confirms a resolve that declines to
// write never issues an INSERT for that key.
func TestPGStore_Merge_SkipsWriteFalse(t *testing.T) {
	f := &fakePGDB{}
	p := newPGStoreWithFake(f)

	resolve := func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		return nil, false, nil
	}
	if err := p.Merge(context.Background(), []uint64{1}, resolve); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(f.execs) != 0 {
		t.Errorf("expected no execs, got %v", f.execs)
	}
	if f.commitCount != 1 {
		t.Errorf("expected commit despite no writes, got commitCount=%d", f.commitCount)
	}
}
