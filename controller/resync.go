// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/vault"
)

// resyncWindow is how long before the first account creation time a resync
// begins, covering block timestamps behind the wall clock.
const resyncWindow = 2 * time.Hour

// resyncState tracks the single active resync.
type resyncState struct {
	id      uint64 // request id reported back on completion
	active  bool
	pending bool
	manual  bool
	start   uint32 // start time of an automatic resync
}

// ResyncStartTime returns the unix time from which the history of accounts
// created at first is rescanned, clamped at zero.
func ResyncStartTime(first time.Time) uint32 {
	t := first.Add(-resyncWindow).Unix()
	if t < 0 {
		return 0
	}
	return uint32(t)
}

// Resync rescans the chain for the history of every account of the open
// vault.
func (c *Controller) Resync() error {
	const op errors.Op = "controller.Resync"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	if err := c.autoResync(v); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// autoResync requests a resync beginning before the first account creation
// time.  It is recorded as pending while another resync is active.
func (c *Controller) autoResync(v *vault.Vault) error {
	first, ok := v.FirstAccountCreated()
	if !ok {
		return nil
	}
	start := ResyncStartTime(first)

	c.mu.Lock()
	switch {
	case !c.st.connected:
		c.mu.Unlock()
		return errors.E(errors.NotConnected)
	case c.st.resync.active:
		c.st.resync.pending = true
		c.mu.Unlock()
		log.Debugf("Resync from %v pending", time.Unix(int64(start), 0))
		return nil
	}
	c.resyncSeq++
	id := c.resyncSeq
	c.st.resync = resyncState{id: id, active: true, start: start}
	c.mu.Unlock()

	// Locators are only usable when the blocks they name were scanned from
	// at least as early as start.
	var locators []chainhash.Hash
	if scanned, ok := v.ScannedFrom(); ok && start >= scanned {
		var err error
		locators, err = v.BlockLocators()
		if err != nil {
			c.clearResync(id)
			return err
		}
	}
	if err := c.net.Resync(id, locators, start); err != nil {
		c.clearResync(id)
		return err
	}
	log.Infof("Resynchronizing from %v with %d locators",
		time.Unix(int64(start), 0).UTC(), len(locators))
	return nil
}

// ResyncFromHeight rescans the chain from an explicit block height.
func (c *Controller) ResyncFromHeight(height int32) error {
	const op errors.Op = "controller.ResyncFromHeight"
	if _, err := c.openVault(); err != nil {
		return errors.E(op, err)
	}

	c.mu.Lock()
	connected, best := c.st.connected, c.st.chain.BestHeight
	c.mu.Unlock()
	if !connected {
		return errors.E(op, errors.NotConnected)
	}
	if height < 0 || height > best {
		return errors.E(op, errors.InvalidHeight, errors.Errorf("height %d "+
			"is outside of the best chain (tip %d)", height, best))
	}

	// The request replaces an active automatic resync, which is then
	// continued after this one.
	c.mu.Lock()
	prev := c.st.resync
	pending := prev.active && (prev.pending || !prev.manual)
	c.resyncSeq++
	id := c.resyncSeq
	c.st.resync = resyncState{id: id, active: true, manual: true, pending: pending}
	c.mu.Unlock()

	if err := c.net.ResyncFromHeight(id, height); err != nil {
		c.mu.Lock()
		if c.st.resync.id == id {
			c.st.resync = prev
		}
		c.mu.Unlock()
		return errors.E(op, err)
	}
	log.Infof("Resynchronizing from height %d", height)
	return nil
}

// StopResync abandons the active resync, if any.
func (c *Controller) StopResync() {
	c.net.StopResync()
	c.mu.Lock()
	c.st.resync = resyncState{}
	c.mu.Unlock()
}

// clearResync abandons resync id when it is still the active one.
func (c *Controller) clearResync(id uint64) {
	c.mu.Lock()
	if c.st.resync.id == id {
		c.st.resync = resyncState{}
	}
	c.mu.Unlock()
}

// resyncDone records the completed resync id and starts another when one was
// requested meanwhile or accounts created earlier than the scanned range were
// added.  Completions of stopped or replaced resyncs are ignored.
func (c *Controller) resyncDone(id uint64) {
	c.mu.Lock()
	r := c.st.resync
	if !r.active || r.id != id {
		c.mu.Unlock()
		log.Debugf("Ignoring completion of inactive resync %d", id)
		return
	}
	c.st.resync = resyncState{}
	c.mu.Unlock()
	c.status("Resync complete")

	v, err := c.openVault()
	if err != nil {
		return
	}
	if !r.manual {
		if err := v.SetScannedFrom(r.start); err != nil {
			log.Errorf("Unable to record scanned range: %v", err)
		}
	}
	first, ok := v.FirstAccountCreated()
	if !ok {
		return
	}
	scanned, ok := v.ScannedFrom()
	if r.pending || !ok || ResyncStartTime(first) < scanned {
		if err := c.autoResync(v); err != nil {
			log.Warnf("Unable to continue resync: %v", err)
		}
	}
}
