// Copyright (c) 2018-2019 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/p2p"
)

// requestTimeout bounds synchronous requests made on behalf of the client.
const requestTimeout = 30 * time.Second

// InitBlockTree opens the block tree database at path, replacing a previously
// opened tree.  It may not be called while the network is started.
func (s *Syncer) InitBlockTree(path string) error {
	const op errors.Op = "spv.InitBlockTree"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return errors.E(op, errors.Invalid, "network is started")
	}
	tree, err := OpenBlockTree(path, s.params)
	if err != nil {
		return errors.E(op, err)
	}
	if s.tree != nil {
		if err := s.tree.Close(); err != nil {
			log.Warnf("Closing previous block tree: %v", err)
		}
	}
	s.tree = tree
	s.bestHeight.Store(tree.Tip().Height)
	return nil
}

// BlockTree returns the opened block tree, or nil.
func (s *Syncer) BlockTree() *BlockTree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// BestHeight returns the height of the best chain tip of the block tree.
func (s *Syncer) BestHeight() int32 {
	return s.bestHeight.Load()
}

// SendTransaction publishes a transaction to the remote peer.
func (s *Syncer) SendTransaction(tx *wire.MsgTx) error {
	const op errors.Op = "spv.SendTransaction"

	_, rp := s.connectedPeer()
	if rp == nil {
		return errors.E(op, errors.NotConnected)
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := rp.PublishTransaction(ctx, tx); err != nil {
		return errors.E(op, err)
	}
	hash := tx.TxHash()
	s.seenTxs.Add(hash)
	log.Infof("Published transaction %v to %v", &hash, rp)
	return nil
}

// SetBloomFilter replaces the filter matched against transactions by the
// remote peer.  The filter is loaded immediately when connected, and at the
// start of every later connection.  A nil filter requests full blocks.
func (s *Syncer) SetBloomFilter(f *bloom.Filter) {
	s.mu.Lock()
	s.filter = f
	var rp *p2p.RemotePeer
	if s.session != nil {
		rp = s.session.rp
	}
	s.mu.Unlock()

	if rp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := s.loadFilter(ctx, rp); err != nil {
		log.Warnf("Unable to load filter on %v: %v", rp, err)
	}
}

// loadFilter loads the most recently set filter on rp.
func (s *Syncer) loadFilter(ctx context.Context, rp *p2p.RemotePeer) error {
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	s.mu.Lock()
	f := s.filter
	s.mu.Unlock()
	if err := rp.LoadFilter(ctx, f); err != nil {
		return err
	}
	log.Debugf("Loaded filter on %v", rp)
	return nil
}
