// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

// MerkleBlock is a best chain block header delivered with the transaction
// hashes that the remote peer matched against the loaded filter.
type MerkleBlock struct {
	Header *ChainHeader
	TxIDs  []chainhash.Hash
}

type partialTree struct {
	numTx     uint32
	bits      []byte
	hashes    []*chainhash.Hash
	bitsUsed  int
	hashUsed  int
	matches   []chainhash.Hash
	duplicate bool
}

func (p *partialTree) width(height uint32) uint32 {
	return (p.numTx + (1 << height) - 1) >> height
}

func (p *partialTree) bit() (bool, bool) {
	if p.bitsUsed >= len(p.bits)*8 {
		return false, false
	}
	b := p.bits[p.bitsUsed/8]&(1<<(uint(p.bitsUsed)%8)) != 0
	p.bitsUsed++
	return b, true
}

func (p *partialTree) traverse(height, pos uint32) (chainhash.Hash, error) {
	parentOfMatch, ok := p.bit()
	if !ok {
		return chainhash.Hash{}, errors.E(errors.Protocol, "merkle block flags overflowed")
	}
	if height == 0 || !parentOfMatch {
		if p.hashUsed >= len(p.hashes) {
			return chainhash.Hash{}, errors.E(errors.Protocol, "merkle block hashes overflowed")
		}
		h := *p.hashes[p.hashUsed]
		p.hashUsed++
		if height == 0 && parentOfMatch {
			p.matches = append(p.matches, h)
		}
		return h, nil
	}
	left, err := p.traverse(height-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < p.width(height-1) {
		right, err = p.traverse(height-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings allow two trees with the same root.
		if right == left {
			p.duplicate = true
		}
	}
	var buf [chainhash.HashSize * 2]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	return chainhash.DoubleHashH(buf[:]), nil
}

// extractMatches validates the partial merkle tree of a merkle block against
// its header merkle root and returns the matched transaction hashes in block
// order.
func extractMatches(mb *wire.MsgMerkleBlock) ([]chainhash.Hash, error) {
	const op errors.Op = "spv.extractMatches"

	if mb.Transactions == 0 {
		return nil, errors.E(op, errors.Protocol, "merkle block without transactions")
	}
	if len(mb.Hashes) > int(mb.Transactions) {
		return nil, errors.E(op, errors.Protocol, "merkle block has more hashes than transactions")
	}
	if len(mb.Flags)*8 < len(mb.Hashes) {
		return nil, errors.E(op, errors.Protocol, "merkle block has too few flag bits")
	}
	p := &partialTree{numTx: mb.Transactions, bits: mb.Flags, hashes: mb.Hashes}
	var height uint32
	for p.width(height) > 1 {
		height++
	}
	root, err := p.traverse(height, 0)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if p.duplicate {
		return nil, errors.E(op, errors.Protocol, "merkle block contains duplicate subtrees")
	}
	if p.hashUsed != len(p.hashes) {
		return nil, errors.E(op, errors.Protocol, "merkle block has unused hashes")
	}
	if (p.bitsUsed+7)/8 != len(p.bits) {
		return nil, errors.E(op, errors.Protocol, "merkle block has unused flag bytes")
	}
	if root != mb.Header.MerkleRoot {
		return nil, errors.E(op, errors.Protocol, errors.Errorf("merkle root %v "+
			"does not match header root %v", &root, &mb.Header.MerkleRoot))
	}
	return p.matches, nil
}
