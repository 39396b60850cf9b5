// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package uniformprng

import "testing"

func TestSourceDeterministic(t *testing.T) {
	seed := &[32]byte{1, 2, 3}
	a, b := NewSource(seed), NewSource(seed)
	for i := 0; i < 16; i++ {
		if x, y := a.Uint32(), b.Uint32(); x != y {
			t.Fatalf("draw %d differs: %d != %d", i, x, y)
		}
	}
}

func TestUint32nRange(t *testing.T) {
	s := NewSource(&[32]byte{9})
	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		v := s.Uint32n(5)
		if v >= 5 {
			t.Fatalf("value %d out of range", v)
		}
		seen[v] = true
	}
	if len(seen) != 5 {
		t.Fatalf("only %d of 5 values drawn", len(seen))
	}
	if s.Uint32n(1) != 0 || s.Uint32n(0) != 0 {
		t.Fatal("degenerate range returned nonzero")
	}
	if v := s.Intn(3); v < 0 || v >= 3 {
		t.Fatalf("Intn value %d out of range", v)
	}
}
