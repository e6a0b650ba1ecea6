package entry

import "testing"

func TestBucketBuffer_WithAppended(t *testing.T) {
	b := Empty()
	e1 := &InMemoryEntry{Op: Update, Key: 1, Value: []byte("ab"), Aux: []byte("x")}
	b1 := b.WithAppended(e1)
	if e1.Position != 0 {
		t.Errorf("e1.Position = %d, want 0", e1.Position)
	}
	if b1.KeyBytes != 8 || b1.ValBytes != 2 || b1.AuxBytes != 1 {
		t.Errorf("byte sums = (%d,%d,%d), want (8,2,1)", b1.KeyBytes, b1.ValBytes, b1.AuxBytes)
	}
	if len(b.Queue) != 0 {
		t.Errorf("original buffer mutated: len(b.Queue) = %d, want 0", len(b.Queue))
	}

	e2 := &InMemoryEntry{Op: Check, Key: 2, Aux: []byte("yz")}
	b2 := b1.WithAppended(e2)
	if e2.Position != 1 {
		t.Errorf("e2.Position = %d, want 1", e2.Position)
	}
	if b2.KeyBytes != 16 || b2.ValBytes != 2 || b2.AuxBytes != 3 {
		t.Errorf("byte sums = (%d,%d,%d), want (16,2,3)", b2.KeyBytes, b2.ValBytes, b2.AuxBytes)
	}
	if len(b1.Queue) != 1 {
		t.Errorf("b1 mutated by b2's append: len(b1.Queue) = %d, want 1", len(b1.Queue))
	}
}

func TestInMemoryEntry_Lengths(t *testing.T) {
	e := &InMemoryEntry{Value: []byte("abc"), Aux: nil}
	if e.ValueLen() != 3 {
		t.Errorf("ValueLen() = %d, want 3", e.ValueLen())
	}
	if e.AuxLen() != 0 {
		t.Errorf("AuxLen() = %d, want 0", e.AuxLen())
	}
}

func TestOpString(t *testing.T) {
	cases := map[Op]string{
		Check:         "CHECK",
		Update:        "UPDATE",
		CheckUpdate:   "CHECK_UPDATE",
		AppendUpdate:  "APPEND_UPDATE",
		Op(99):        "UNKNOWN_OP",
	}
	for op, want := range cases {
		if got := op.String(); got != want {
			t.Errorf("Op(%d).String() = %q, want %q", op, got, want)
		}
	}
}

func TestClassificationString(t *testing.T) {
	cases := map[Classification]string{
		Unknown:          "UNKNOWN",
		Unique:           "UNIQUE",
		Duplicate:        "DUPLICATE",
		Classification(9): "UNKNOWN",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("Classification(%d).String() = %q, want %q", c, got, want)
		}
	}
}
