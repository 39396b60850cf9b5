// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package lru

import "testing"

func TestCacheEviction(t *testing.T) {
	c := NewCache[int](3)
	for i := 0; i < 3; i++ {
		if !c.Add(i) {
			t.Fatalf("item %d reported as already present", i)
		}
	}
	if c.Add(0) {
		t.Fatal("re-adding 0 reported as new")
	}

	// 1 is now the least recently added item.
	c.Add(3)
	if c.Contains(1) {
		t.Fatal("oldest item was not evicted")
	}
	for _, v := range []int{0, 2, 3} {
		if !c.Contains(v) {
			t.Fatalf("item %d missing", v)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("len %d, want 3", c.Len())
	}
}

func TestCacheRemove(t *testing.T) {
	c := NewCache[string](2)
	c.Add("a")
	c.Remove("a")
	c.Remove("missing")
	if c.Contains("a") || c.Len() != 0 {
		t.Fatal("item was not removed")
	}
}
