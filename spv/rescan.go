// Copyright (c) 2018 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/p2p"
)

const (
	// merkleBatch is the number of filtered blocks requested before each
	// ping barrier.
	merkleBatch = 500

	// blockBatch is the number of full blocks requested before each ping
	// barrier when no filter is loaded.
	blockBatch = 16
)

// scanState is the next best chain height to fetch blocks for.  Blocks below
// next have been delivered.  A negative next means scanning has not begun.
type scanState struct {
	next     int32
	resync   bool
	resyncID uint64 // request id of the running resync

	// epoch changes whenever next is moved by anything other than completing
	// a batch, so that batches in flight do not advance it.
	epoch uint64
}

func (s *scanState) rewind(height int32) {
	if s.next > height {
		s.next = height
		s.epoch++
	}
}

func (s *scanState) jump(height int32, resync bool, id uint64) {
	s.next = height
	s.resync = resync
	s.resyncID = id
	s.epoch++
}

type resyncRequest struct {
	id        uint64
	locators  []chainhash.Hash
	startTime uint32
	height    int32 // start height when byHeight is set
	byHeight  bool
}

// applyResync moves the scan to the start of req.  Locators found on the best
// chain take precedence over the start time.
func (sess *session) applyResync(tree *BlockTree, req *resyncRequest) {
	var start int32
	switch {
	case req.byHeight:
		start = req.height
	default:
		if fork, ok := tree.FindFork(req.locators); ok {
			start = fork + 1
		} else {
			start = tree.HeightForTime(req.startTime)
		}
	}
	log.Infof("Rescanning blocks from height %d", start)
	sess.scan.jump(start, true, req.id)
}

// Resync rescans the best chain beginning after the first locator on the best
// chain, or at the first block not older than startTime when no locator
// matches.  A resync requested before the initial header synchronization
// completed begins once it has.  ResyncDone is notified with id after the tip
// block was delivered.  A new request replaces the running resync.
func (s *Syncer) Resync(id uint64, locators []chainhash.Hash, startTime uint32) error {
	const op errors.Op = "spv.Resync"

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session
	if sess == nil {
		return errors.E(op, errors.NotConnected)
	}
	req := &resyncRequest{id: id, locators: locators, startTime: startTime}
	if !sess.synced {
		sess.pending = req
		return nil
	}
	sess.applyResync(s.tree, req)
	wake(sess.scanWake)
	return nil
}

// ResyncFromHeight rescans the best chain from height through the tip,
// notifying ResyncDone with id once complete.
func (s *Syncer) ResyncFromHeight(id uint64, height int32) error {
	const op errors.Op = "spv.ResyncFromHeight"

	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session
	if sess == nil {
		return errors.E(op, errors.NotConnected)
	}
	if tip := s.tree.Tip().Height; height < 0 || height > tip {
		return errors.E(op, errors.InvalidHeight, errors.Errorf("height %d "+
			"is outside of the best chain (tip %d)", height, tip))
	}
	req := &resyncRequest{id: id, height: height, byHeight: true}
	if !sess.synced {
		sess.pending = req
		return nil
	}
	sess.applyResync(s.tree, req)
	wake(sess.scanWake)
	return nil
}

// StopResync abandons a running resync and resumes fetching new blocks only.
// ResyncDone is not notified for the abandoned resync.
func (s *Syncer) StopResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session
	if sess == nil {
		return
	}
	sess.pending = nil
	if !sess.scan.resync {
		return
	}
	log.Infof("Stopping rescan at height %d", sess.scan.next)
	sess.scan.jump(s.tree.Tip().Height+1, false, 0)
}

// scanChain requests blocks of the best chain from the scan height through the
// tip in batches.  Every batch is followed by a ping, and the batch is complete
// once its pong arrives, since the peer answers requests in order.
func (s *Syncer) scanChain(ctx context.Context, sess *session, rp *p2p.RemotePeer) error {
	for {
		s.mu.Lock()
		scan := sess.scan
		tip := s.tree.Tip().Height
		filter := s.filter
		done := false
		if scan.next >= 0 && scan.next > tip && scan.resync {
			sess.scan.resync = false
			done = true
		}
		s.mu.Unlock()

		if done {
			log.Infof("Rescan complete through height %d", tip)
			s.resyncDone(scan.resyncID)
		}
		if scan.next < 0 || scan.next > tip {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sess.scanWake:
			}
			continue
		}

		batch := int32(merkleBatch)
		if filter == nil {
			batch = blockBatch
		}
		end := scan.next + batch - 1
		if end > tip {
			end = tip
		}
		hashes, err := s.tree.BestHashes(scan.next, end)
		if err != nil {
			return err
		}
		if filter != nil {
			err = rp.GetMerkleBlocks(ctx, hashes)
		} else {
			err = rp.GetBlocks(ctx, hashes)
		}
		if err != nil {
			return err
		}
		if err := s.barrier(ctx, sess, rp); err != nil {
			return err
		}
		log.Debugf("Scanned blocks %d-%d", scan.next, end)

		s.mu.Lock()
		if sess.scan.epoch == scan.epoch {
			sess.scan.next = end + 1
		}
		s.mu.Unlock()
	}
}

func (s *Syncer) barrier(ctx context.Context, sess *session, rp *p2p.RemotePeer) error {
	nonce, err := rp.Ping(ctx)
	if err != nil {
		return err
	}
	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			sess.stalled.Store(true)
			return errors.E(errors.Network, errors.Errorf("peer %v stalled", rp))
		case n := <-sess.pongs:
			if n == nonce {
				return nil
			}
		}
	}
}
