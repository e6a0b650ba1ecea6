package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlatFile_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.bin")

	f, err := OpenFlatFile(path)
	if err != nil {
		t.Fatalf("OpenFlatFile: %v", err)
	}
	want := map[uint64][]byte{1: []byte("a"), 2: []byte("bb"), 1000: []byte("")}
	for k, v := range want {
		if err := f.Put(ctx, k, v); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	if err := f.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened, err := OpenFlatFile(path)
	if err != nil {
		t.Fatalf("OpenFlatFile (reopen): %v", err)
	}
	for k, wantV := range want {
		gotV, ok, err := reopened.Get(ctx, k)
		if err != nil || !ok {
			t.Fatalf("Get(%d) after reopen: ok=%v err=%v", k, ok, err)
		}
		if diff := cmp.Diff(string(wantV), string(gotV)); diff != "" {
			t.Errorf("Get(%d) after reopen mismatch (-want +got):\n%s", k, diff)
		}
	}
}

func TestFlatFile_KeysStaySortedAfterInserts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.bin")
	f, err := OpenFlatFile(path)
	if err != nil {
		t.Fatalf("OpenFlatFile: %v", err)
	}
	for _, k := range []uint64{5, 1, 3, 2, 4} {
		if err := f.Put(ctx, k, []byte{byte(k)}); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}
	if !isSorted(f.keys) {
		t.Errorf("keys = %v, want ascending sorted", f.keys)
	}
}

func TestFlatFile_MergeOnlyWritesWhenResolverSaysSo(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.bin")
	f, err := OpenFlatFile(path)
	if err != nil {
		t.Fatalf("OpenFlatFile: %v", err)
	}
	if err := f.Put(ctx, 1, []byte("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err = f.Merge(ctx, []uint64{1, 2}, func(key uint64, old []byte, present bool) ([]byte, bool, error) {
		if key == 1 {
			return nil, false, nil // leave untouched
		}
		return []byte("new"), true, nil
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	v, ok, _ := f.Get(ctx, 1)
	if !ok || string(v) != "x" {
		t.Errorf("Get(1) = %q, %v, want unchanged \"x\"", v, ok)
	}
	v, ok, _ = f.Get(ctx, 2)
	if !ok || string(v) != "new" {
		t.Errorf("Get(2) = %q, %v, want \"new\", true", v, ok)
	}
}

func isSorted(keys []uint64) bool {
	for i := 1; i < len(keys); i++ {
		if keys[i] < keys[i-1] {
			return false
		}
	}
	return true
}
