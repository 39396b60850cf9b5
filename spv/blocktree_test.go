// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

var testParams = &chaincfg.RegressionNetParams

const baseTime = 1500000000

// mine grinds the nonce of h until it satisfies its target.
func mine(h *wire.BlockHeader) {
	target := blockchain.CompactToBig(h.Bits)
	for {
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return
		}
		h.Nonce++
	}
}

// mineHeaders returns n connected headers following prev.  Header i has the
// timestamp baseTime+i*600.  Salt separates competing branches.
func mineHeaders(prev chainhash.Hash, n int, salt byte) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		h := &wire.BlockHeader{
			Version:    1,
			PrevBlock:  prev,
			MerkleRoot: chainhash.Hash{salt, byte(i)},
			Timestamp:  time.Unix(int64(baseTime+i*600), 0),
			Bits:       0x207fffff,
		}
		mine(h)
		headers = append(headers, h)
		prev = h.BlockHash()
	}
	return headers
}

func openTestTree(t *testing.T) (*BlockTree, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocktree.db")
	tree, err := OpenBlockTree(path, testParams)
	if err != nil {
		t.Fatal(err)
	}
	return tree, path
}

func TestBlockTreeGenesis(t *testing.T) {
	tree, _ := openTestTree(t)
	defer tree.Close()

	tip := tree.Tip()
	if tip.Height != 0 || tip.Hash != *testParams.GenesisHash {
		t.Fatalf("new tree tip %v at height %d", &tip.Hash, tip.Height)
	}
	locators, err := tree.Locators()
	if err != nil {
		t.Fatal(err)
	}
	if len(locators) != 1 || *locators[0] != *testParams.GenesisHash {
		t.Fatalf("genesis locators %v", locators)
	}
}

func TestBlockTreeReorganize(t *testing.T) {
	tree, path := openTestTree(t)

	main := mineHeaders(*testParams.GenesisHash, 10, 0)
	change, err := tree.AddHeaders(main)
	if err != nil {
		t.Fatal(err)
	}
	if change == nil || len(change.Removed) != 0 || len(change.Added) != 10 {
		t.Fatalf("unexpected change %+v", change)
	}
	for i, h := range change.Added {
		if h.Height != int32(i+1) || h.Hash != main[i].BlockHash() {
			t.Fatalf("added header %d has height %d", i, h.Height)
		}
	}
	if change.Fork() != 0 {
		t.Fatalf("fork %d", change.Fork())
	}

	// Known headers do not change the chain.
	change, err = tree.AddHeaders(main[5:])
	if err != nil {
		t.Fatal(err)
	}
	if change != nil {
		t.Fatalf("known headers changed the chain: %+v", change)
	}

	// A side chain with equal work does not replace the best chain.
	side := mineHeaders(main[4].BlockHash(), 5, 1)
	change, err = tree.AddHeaders(side)
	if err != nil {
		t.Fatal(err)
	}
	if change != nil {
		t.Fatal("equal work side chain became best")
	}

	// Two more blocks give the side chain more work.
	more := mineHeaders(side[4].BlockHash(), 2, 2)
	change, err = tree.AddHeaders(more)
	if err != nil {
		t.Fatal(err)
	}
	if change == nil {
		t.Fatal("no reorganization")
	}
	if len(change.Removed) != 5 || change.Removed[0].Height != 10 || change.Removed[4].Height != 6 {
		t.Fatalf("removed %d headers from %d", len(change.Removed), change.Removed[0].Height)
	}
	if len(change.Added) != 7 || change.Added[0].Height != 6 || change.Added[6].Height != 12 {
		t.Fatalf("added %d headers", len(change.Added))
	}
	if change.Fork() != 5 {
		t.Fatalf("fork %d", change.Fork())
	}
	if tree.Tip().Height != 12 {
		t.Fatalf("tip %d", tree.Tip().Height)
	}

	_, best, err := tree.Header(&change.Removed[0].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if best {
		t.Fatal("removed header reported on best chain")
	}
	h, err := tree.HeaderAt(6)
	if err != nil {
		t.Fatal(err)
	}
	if h.Hash != side[0].BlockHash() {
		t.Fatal("height 6 is not on the side chain")
	}

	// The best chain survives reopening.
	if err := tree.Close(); err != nil {
		t.Fatal(err)
	}
	tree, err = OpenBlockTree(path, testParams)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Close()
	if tree.Tip().Hash != more[1].BlockHash() {
		t.Fatal("reopened tree has a different tip")
	}
	if _, err := tree.HeaderAt(13); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist above the tip, got %v", err)
	}
}

func TestBlockTreeQueries(t *testing.T) {
	tree, _ := openTestTree(t)
	defer tree.Close()

	headers := mineHeaders(*testParams.GenesisHash, 40, 0)
	if _, err := tree.AddHeaders(headers); err != nil {
		t.Fatal(err)
	}

	locators, err := tree.Locators()
	if err != nil {
		t.Fatal(err)
	}
	if *locators[0] != headers[39].BlockHash() {
		t.Fatal("first locator is not the tip")
	}
	if *locators[len(locators)-1] != *testParams.GenesisHash {
		t.Fatal("last locator is not genesis")
	}
	if len(locators) >= 40 {
		t.Fatalf("%d locators for 41 blocks", len(locators))
	}

	hashes, err := tree.BestHashes(3, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 3 || *hashes[0] != headers[2].BlockHash() {
		t.Fatalf("best hashes %v", hashes)
	}

	unknown := chainhash.Hash{0xff}
	height, ok := tree.FindFork([]chainhash.Hash{unknown, headers[2].BlockHash(), headers[1].BlockHash()})
	if !ok || height != 3 {
		t.Fatalf("fork at %d (%v)", height, ok)
	}
	if _, ok := tree.FindFork([]chainhash.Hash{unknown}); ok {
		t.Fatal("found fork for unknown locators")
	}

	tests := []struct {
		unix uint32
		want int32
	}{
		{0, 0},
		{baseTime, 1},
		{baseTime + 1, 2},
		{baseTime + 3*600, 4},
		{baseTime + 39*600, 40},
		{baseTime + 40*600, 41},
	}
	for _, test := range tests {
		if got := tree.HeightForTime(test.unix); got != test.want {
			t.Errorf("HeightForTime(%d) = %d, want %d", test.unix, got, test.want)
		}
	}
}

func TestBlockTreeRejects(t *testing.T) {
	tree, _ := openTestTree(t)
	defer tree.Close()

	orphan := mineHeaders(chainhash.Hash{1}, 1, 0)
	if _, err := tree.AddHeaders(orphan); !errors.Is(errors.Protocol, err) {
		t.Fatalf("expected Protocol error for orphan, got %v", err)
	}

	outOfRange := mineHeaders(*testParams.GenesisHash, 1, 0)[0]
	outOfRange.Bits = 0x2100ffff
	if _, err := tree.AddHeaders([]*wire.BlockHeader{outOfRange}); !errors.Is(errors.Protocol, err) {
		t.Fatalf("expected Protocol error for target out of range, got %v", err)
	}

	weak := mineHeaders(*testParams.GenesisHash, 1, 0)[0]
	weak.Bits = 0x1d00ffff
	hash := weak.BlockHash()
	for blockchain.HashToBig(&hash).Cmp(blockchain.CompactToBig(weak.Bits)) <= 0 {
		weak.Nonce++
		hash = weak.BlockHash()
	}
	if _, err := tree.AddHeaders([]*wire.BlockHeader{weak}); !errors.Is(errors.Protocol, err) {
		t.Fatalf("expected Protocol error for insufficient work, got %v", err)
	}

	if tree.Tip().Height != 0 {
		t.Fatal("rejected headers changed the tip")
	}
}
