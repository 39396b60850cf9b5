// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"testing"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

func testTx(seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{seed}}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(int64(seed)*1000, []byte{0x51, seed}))
	return tx
}

// testBlock returns a block of n transactions following prev with a valid
// merkle root and proof of work.
func testBlock(prev chainhash.Hash, n int, salt byte) *wire.MsgBlock {
	var txs []*btcutil.Tx
	block := &wire.MsgBlock{}
	for i := 0; i < n; i++ {
		tx := testTx(salt + byte(i))
		block.AddTransaction(tx)
		txs = append(txs, btcutil.NewTx(tx))
	}
	store := blockchain.BuildMerkleTreeStore(txs, false)
	block.Header = *mineHeaders(prev, 1, salt)[0]
	block.Header.MerkleRoot = *store[len(store)-1]
	mine(&block.Header)
	return block
}

func filterFor(txs ...*wire.MsgTx) *bloom.Filter {
	f := bloom.NewFilter(uint32(len(txs)+1), 0, 0.0001, wire.BloomUpdateNone)
	for _, tx := range txs {
		hash := tx.TxHash()
		f.AddHash(&hash)
	}
	return f
}

func TestExtractMatches(t *testing.T) {
	tests := []struct {
		name    string
		numTxs  int
		matched []int
	}{
		{"single", 1, []int{0}},
		{"none", 5, nil},
		{"odd", 7, []int{2, 5}},
		{"last of odd", 7, []int{6}},
		{"all", 4, []int{0, 1, 2, 3}},
	}
	for _, test := range tests {
		block := testBlock(*testParams.GenesisHash, test.numTxs, 10)
		var watched []*wire.MsgTx
		for _, i := range test.matched {
			watched = append(watched, block.Transactions[i])
		}
		mb, _ := bloom.NewMerkleBlock(btcutil.NewBlock(block), filterFor(watched...))

		txids, err := extractMatches(mb)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if len(txids) != len(test.matched) {
			t.Errorf("%s: matched %d transactions, want %d", test.name, len(txids), len(test.matched))
			continue
		}
		for i, j := range test.matched {
			if txids[i] != block.Transactions[j].TxHash() {
				t.Errorf("%s: match %d is %v", test.name, i, &txids[i])
			}
		}
	}
}

func TestExtractMatchesInvalid(t *testing.T) {
	block := testBlock(*testParams.GenesisHash, 3, 20)
	mb, _ := bloom.NewMerkleBlock(btcutil.NewBlock(block), filterFor(block.Transactions[1]))

	wrongRoot := *mb
	wrongRoot.Header.MerkleRoot = chainhash.Hash{1}
	if _, err := extractMatches(&wrongRoot); !errors.Is(errors.Protocol, err) {
		t.Errorf("wrong root: expected Protocol error, got %v", err)
	}

	extraHash := *mb
	extraHash.Hashes = append(append([]*chainhash.Hash{}, mb.Hashes...), &chainhash.Hash{2})
	if _, err := extractMatches(&extraHash); !errors.Is(errors.Protocol, err) {
		t.Errorf("extra hash: expected Protocol error, got %v", err)
	}

	empty := *mb
	empty.Transactions = 0
	if _, err := extractMatches(&empty); !errors.Is(errors.Protocol, err) {
		t.Errorf("no transactions: expected Protocol error, got %v", err)
	}

	// Two identical leaves hash to the root of a single duplicated leaf.
	leaf := chainhash.Hash{3}
	var buf [64]byte
	copy(buf[:32], leaf[:])
	copy(buf[32:], leaf[:])
	duplicate := &wire.MsgMerkleBlock{
		Header:       wire.BlockHeader{MerkleRoot: chainhash.DoubleHashH(buf[:])},
		Transactions: 2,
		Hashes:       []*chainhash.Hash{&leaf, &leaf},
		Flags:        []byte{0x01},
	}
	if _, err := extractMatches(duplicate); !errors.Is(errors.Protocol, err) {
		t.Errorf("duplicate leaves: expected Protocol error, got %v", err)
	}
}
