// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import "github.com/coinvault/vaultd/spv"

// ChainTracker tracks the best height known to the network client and the
// height through which the vault is synchronized.
type ChainTracker struct {
	SyncHeight int32
	BestHeight int32
}

// BestHeightUpdate sets the best height, which may lower it.
func (c *ChainTracker) BestHeightUpdate(h int32) {
	c.BestHeight = h
}

// SyncHeightUpdate raises the sync height to h.  It reports whether the height
// changed.
func (c *ChainTracker) SyncHeightUpdate(h int32) bool {
	if h <= c.SyncHeight {
		return false
	}
	c.SyncHeight = h
	return true
}

// ReorgRemove handles the removal of best chain blocks.  networkBest is the
// best height reported by the network client when the removal was notified.
// It returns the number of invalidated blocks, zero when networkBest is above
// the tracked best height.
func (c *ChainTracker) ReorgRemove(networkBest int32) int32 {
	diff := c.BestHeight - networkBest
	if diff < 0 {
		return 0
	}
	c.BestHeight = networkBest
	return diff + 1
}

// ReorgAdd handles a block added to the best chain.
func (c *ChainTracker) ReorgAdd(h *spv.ChainHeader) {
	c.BestHeight = h.Height
}
