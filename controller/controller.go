// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package controller coordinates an open vault with the network
// synchronization client.  Network notifications are queued and processed by
// a single goroutine running Controller.Run, while user actions run on the
// calling goroutine.  Observable state changes are published through the
// NotificationServer.
package controller

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/loader"
	"github.com/coinvault/vaultd/spv"
	"github.com/coinvault/vaultd/vault"
)

// NetworkClient is the network synchronization client driven by the
// controller.  spv.Syncer implements it.
type NetworkClient interface {
	SetNotifications(ntfns *spv.Notifications)
	Start(host string, port uint16) error
	Stop()
	Resync(id uint64, locators []chainhash.Hash, startTime uint32) error
	ResyncFromHeight(id uint64, height int32) error
	StopResync()
	SendTransaction(tx *wire.MsgTx) error
	SetBloomFilter(f *bloom.Filter)
	InitBlockTree(path string) error
	BestHeight() int32
}

var _ NetworkClient = (*spv.Syncer)(nil)

// Config describes the collaborators of a Controller.
type Config struct {
	Net          NetworkClient
	Loader       *loader.Loader
	Params       *chaincfg.Params
	FilterParams FilterParams
}

// state is all state shared between the event loop and user actions.
type state struct {
	connected bool
	synced    bool // headers synchronized on the current connection
	accounts  int
	chain     ChainTracker
	session   sessionTracker
	resync    resyncState

	// Watch set generation of the installed filter.
	filterGen   uint64
	filterValid bool
}

// Controller coordinates the vault lifecycle, chain synchronization and the
// transaction pipeline.
type Controller struct {
	net          NetworkClient
	loader       *loader.Loader
	params       *chaincfg.Params
	filterParams FilterParams
	queue        *eventQueue
	ntfns        *NotificationServer

	// mu guards st and resyncSeq and is never held while calling the vault
	// or the network client.
	mu        sync.Mutex
	st        state
	resyncSeq uint64 // id of the last resync request
}

// New creates a Controller and subscribes it to the network client
// notifications.  Notifications are queued until Run is called.
func New(cfg *Config) *Controller {
	fp := cfg.FilterParams
	if fp.FalsePositiveRate <= 0 {
		fp = DefaultFilterParams()
	}
	c := &Controller{
		net:          cfg.Net,
		loader:       cfg.Loader,
		params:       cfg.Params,
		filterParams: fp,
		queue:        newEventQueue(),
		ntfns:        new(NotificationServer),
	}
	c.st.chain.BestHeight = cfg.Net.BestHeight()
	c.subscribe(cfg.Net)
	return c
}

// Notifications returns the server publishing controller state changes.
func (c *Controller) Notifications() *NotificationServer {
	return c.ntfns
}

// Status is a snapshot of the controller state.
type Status struct {
	Session   SessionState
	Connected bool
	Accounts  int

	// HeadersSynced reports whether the initial headers synchronization of
	// the current connection completed.
	HeadersSynced bool

	SyncHeight int32
	BestHeight int32
	Resyncing  bool
}

// State returns a snapshot of the controller state.
func (c *Controller) State() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Session:   c.st.session.state,
		Connected: c.st.connected,
		Accounts:  c.st.accounts,

		HeadersSynced: c.st.synced,

		SyncHeight: c.st.chain.SyncHeight,
		BestHeight: c.st.chain.BestHeight,
		Resyncing:  c.st.resync.active,
	}
}

// update applies fn to the shared state, then publishes the height and session
// changes it caused.
func (c *Controller) update(fn func(st *state)) {
	c.mu.Lock()
	before := c.st.chain
	fn(&c.st)
	after := c.st.chain
	from, to, changed := c.st.session.update(c.st.connected, c.st.accounts,
		after.SyncHeight, after.BestHeight)
	c.mu.Unlock()

	if before != after {
		c.ntfns.notifyHeights(after.SyncHeight, after.BestHeight)
	}
	if changed {
		log.Infof("Session state changed from %v to %v", from, to)
		c.ntfns.notifySession(from, to)
	}
}

func (c *Controller) status(format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	log.Info(text)
	c.ntfns.notifyStatus(text)
}

// openVault returns the loaded vault.
func (c *Controller) openVault() (*vault.Vault, error) {
	v, ok := c.loader.LoadedVault()
	if !ok {
		return nil, errors.E(errors.NotOpen)
	}
	return v, nil
}

// Run processes the queued network notifications until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	for {
		e, err := c.queue.pop(ctx)
		if err != nil {
			return err
		}
		c.handle(e)
	}
}

func (c *Controller) handle(e Event) {
	log.Tracef("Processing %v event", e.Kind)
	switch e.Kind {
	case EventTx:
		c.handleTx(e.Tx)
	case EventBlock:
		c.handleBlock(e)
	case EventMerkleBlock:
		c.handleMerkleBlock(e.MerkleBlock)
	case EventBlockTreeChanged:
		c.update(func(st *state) { st.chain.BestHeightUpdate(e.Height) })
	case EventStatus:
		c.ntfns.notifyStatus(e.Text)
	case EventError:
		text := "Network Error: " + e.Err.Error()
		log.Error(text)
		c.ntfns.notifyError(text, e.Err)
	case EventOpen:
		c.update(func(st *state) { st.connected = true })
		c.status("Connected to %s", net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))))
	case EventClose:
		c.disconnected()
		c.status("Connection closed")
	case EventStarted:
		c.status("Network started")
	case EventStopped:
		c.disconnected()
		c.status("Network stopped")
	case EventTimeout:
		c.disconnected()
		c.status("Network timed out")
	case EventDoneInitialSync:
		c.update(func(st *state) {
			st.chain.BestHeightUpdate(e.Height)
			st.synced = true
		})
		c.status("Synchronized headers to height %d", e.Height)
		if v, err := c.openVault(); err == nil {
			c.startResync(v)
		}
	case EventBestChainExtended:
		c.update(func(st *state) { st.chain.ReorgAdd(e.Header) })
	case EventBestChainShortened:
		var invalidated int32
		c.update(func(st *state) { invalidated = st.chain.ReorgRemove(e.Height) })
		if invalidated > 0 {
			log.Debugf("Removed best chain header %v (height %d)",
				&e.Header.Hash, e.Header.Height)
			c.status("Reorganization of %d blocks", invalidated)
		}
	case EventResyncDone:
		c.resyncDone(e.ResyncID)
	default:
		log.Errorf("Unknown event kind %d", e.Kind)
	}
}

func (c *Controller) disconnected() {
	c.update(func(st *state) {
		st.connected = false
		st.synced = false
		st.resync = resyncState{}
	})
}

func (c *Controller) handleTx(tx *wire.MsgTx) {
	v, err := c.openVault()
	if err != nil {
		return
	}
	rec, changed, err := v.InsertTx(tx, vault.Received)
	if err != nil {
		log.Errorf("Unable to store transaction %v: %v", tx.TxHash(), err)
		return
	}
	if rec == nil || !changed {
		return
	}
	c.status("Added transaction %v", &rec.TxID)
	c.ntfns.notifyTransactions(rec.Hash)
	c.refreshFilter(v, false)
}

func (c *Controller) handleBlock(e Event) {
	v, err := c.openVault()
	if err != nil {
		return
	}
	recs, err := v.InsertBlock(e.Block.MsgBlock(), e.Height)
	if err != nil {
		log.Errorf("Unable to store block %v: %v", e.Block.Hash(), err)
		return
	}
	c.update(func(st *state) { st.chain.SyncHeightUpdate(e.Height) })
	c.status("Inserted block %v height: %d", e.Block.Hash(), e.Height)
	if len(recs) > 0 {
		hashes := make([]chainhash.Hash, len(recs))
		for i, rec := range recs {
			hashes[i] = rec.Hash
		}
		c.ntfns.notifyTransactions(hashes...)
		c.refreshFilter(v, false)
	}
}

func (c *Controller) handleMerkleBlock(mb *spv.MerkleBlock) {
	v, err := c.openVault()
	if err != nil {
		return
	}
	h := mb.Header
	inserted, err := v.InsertMerkleBlock(&h.Header, h.Height, mb.TxIDs)
	if err != nil {
		log.Errorf("Unable to store block %v: %v", &h.Hash, err)
		return
	}
	c.update(func(st *state) { st.chain.SyncHeightUpdate(h.Height) })
	if !inserted {
		return
	}
	c.status("Inserted block %v height: %d", &h.Hash, h.Height)
	if len(mb.TxIDs) > 0 {
		c.ntfns.notifyTransactions()
	}
}

// refreshFilter installs a new filter on the network client when the watched
// set of v changed since the installed filter was built, or when force is set.
func (c *Controller) refreshFilter(v *vault.Vault, force bool) {
	gen := v.WatchGeneration()
	c.mu.Lock()
	if !force && c.st.filterValid && c.st.filterGen == gen {
		c.mu.Unlock()
		return
	}
	c.st.filterGen = gen
	c.st.filterValid = true
	c.mu.Unlock()

	ws, err := v.WatchSet()
	if err != nil {
		log.Errorf("Unable to read watched scripts: %v", err)
		return
	}
	f := BuildFilter(ws, c.filterParams)
	log.Debugf("Installing filter for %d scripts and %d outpoints",
		len(ws.Scripts), len(ws.OutPoints))
	c.net.SetBloomFilter(f)
}

// InitBlockTree opens the block tree of the network client at path.
func (c *Controller) InitBlockTree(path string) error {
	const op errors.Op = "controller.InitBlockTree"
	if err := c.net.InitBlockTree(path); err != nil {
		return errors.E(op, err)
	}
	best := c.net.BestHeight()
	c.update(func(st *state) { st.chain.BestHeightUpdate(best) })
	return nil
}

// Connect starts the network client with the peer at host:port.
func (c *Controller) Connect(host string, port uint16) error {
	const op errors.Op = "controller.Connect"
	if err := c.net.Start(host, port); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Disconnect stops the network client.  The session state changes once the
// client reports the closed connection.
func (c *Controller) Disconnect() {
	c.net.Stop()
}

// OpenVault opens the vault at path and begins synchronizing it.
func (c *Controller) OpenVault(path string) (*vault.Vault, error) {
	const op errors.Op = "controller.OpenVault"
	v, err := c.loader.OpenExistingVault(path)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c.vaultOpened(v)
	return v, nil
}

// CreateVault creates a vault at path protected by passphrase.  The vault is
// opened unlocked.
func (c *Controller) CreateVault(path string, passphrase []byte) (*vault.Vault, error) {
	const op errors.Op = "controller.CreateVault"
	v, err := c.loader.CreateNewVault(path, passphrase)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c.vaultOpened(v)
	return v, nil
}

func (c *Controller) vaultOpened(v *vault.Vault) {
	accounts := v.AccountCount()
	synced := v.BestHeight()
	if synced < 0 {
		synced = 0
	}
	var connected bool
	c.update(func(st *state) {
		st.accounts = accounts
		st.chain.SyncHeight = synced
		st.filterValid = false
		connected = st.connected
	})
	c.refreshFilter(v, true)
	log.Infof("Opened vault %s with %d accounts synchronized to height %d",
		v.Path(), accounts, synced)
	if !connected {
		c.status("Connect to the network to synchronize the vault")
		return
	}
	c.startResync(v)
}

// CloseVault stops any resync and closes the open vault.
func (c *Controller) CloseVault() error {
	const op errors.Op = "controller.CloseVault"
	if _, err := c.openVault(); err != nil {
		return errors.E(op, err)
	}
	c.StopResync()
	if err := c.loader.UnloadVault(); err != nil {
		return errors.E(op, err)
	}
	c.update(func(st *state) {
		st.accounts = 0
		st.chain.SyncHeight = 0
		st.filterValid = false
	})
	c.net.SetBloomFilter(BuildFilter(&vault.WatchSet{}, c.filterParams))
	c.status("Vault closed")
	return nil
}

// Unlock unlocks the open vault for signing and key export.
func (c *Controller) Unlock(passphrase []byte) error {
	const op errors.Op = "controller.Unlock"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	if err := v.Unlock(passphrase); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Lock locks the open vault.
func (c *Controller) Lock() error {
	const op errors.Op = "controller.Lock"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	v.Lock()
	return nil
}

// NewKeychain generates a private keychain.
func (c *Controller) NewKeychain(name string) (*vault.Keychain, error) {
	const op errors.Op = "controller.NewKeychain"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	k, err := v.NewKeychain(name)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return k, nil
}

// ImportKeychain imports a serialized extended key.
func (c *Controller) ImportKeychain(name, extendedKey string) (*vault.Keychain, error) {
	const op errors.Op = "controller.ImportKeychain"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	k, err := v.ImportKeychain(name, extendedKey)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return k, nil
}

// ExportKeychain serializes a keychain, optionally with its private key.
func (c *Controller) ExportKeychain(name string, private bool) (string, error) {
	const op errors.Op = "controller.ExportKeychain"
	v, err := c.openVault()
	if err != nil {
		return "", errors.E(op, err)
	}
	key, err := v.ExportKeychain(name, private)
	if err != nil {
		return "", errors.E(op, err)
	}
	return key, nil
}

// DeleteKeychain removes a keychain not referenced by any account.
func (c *Controller) DeleteKeychain(name string) error {
	const op errors.Op = "controller.DeleteKeychain"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	if err := v.DeleteKeychain(name); err != nil {
		return errors.E(op, err)
	}
	return nil
}

// Keychains lists the keychains of the open vault.
func (c *Controller) Keychains() ([]vault.Keychain, error) {
	const op errors.Op = "controller.Keychains"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	ks, err := v.Keychains()
	if err != nil {
		return nil, errors.E(op, err)
	}
	return ks, nil
}

// NewAccount creates an account requiring minSigs signatures from keychains,
// created now.
func (c *Controller) NewAccount(name string, minSigs int, keychains []string) (*vault.Account, error) {
	const op errors.Op = "controller.NewAccount"
	a, err := c.createAccount(name, minSigs, keychains, time.Now())
	if err != nil {
		return nil, errors.E(op, err)
	}
	return a, nil
}

// ImportAccount creates an account with a known creation time, from which its
// transaction history is resynchronized.
func (c *Controller) ImportAccount(name string, minSigs int, keychains []string, createdAt time.Time) (*vault.Account, error) {
	const op errors.Op = "controller.ImportAccount"
	a, err := c.createAccount(name, minSigs, keychains, createdAt)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return a, nil
}

func (c *Controller) createAccount(name string, minSigs int, keychains []string, createdAt time.Time) (*vault.Account, error) {
	v, err := c.openVault()
	if err != nil {
		return nil, err
	}
	a, err := v.NewAccount(name, minSigs, keychains, createdAt)
	if err != nil {
		return nil, err
	}
	log.Infof("Created account %q (%d of %d)", name, minSigs, len(keychains))
	c.accountsChanged(v, true)
	return a, nil
}

// DeleteAccount removes an account and its scripts.
func (c *Controller) DeleteAccount(name string) error {
	const op errors.Op = "controller.DeleteAccount"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	if err := v.DeleteAccount(name); err != nil {
		return errors.E(op, err)
	}
	log.Infof("Deleted account %q", name)
	c.accountsChanged(v, false)
	c.ntfns.notifyTransactions()
	return nil
}

// Accounts lists the accounts of the open vault.
func (c *Controller) Accounts() ([]vault.Account, error) {
	const op errors.Op = "controller.Accounts"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	as, err := v.Accounts()
	if err != nil {
		return nil, errors.E(op, err)
	}
	return as, nil
}

func (c *Controller) accountsChanged(v *vault.Vault, resync bool) {
	n := v.AccountCount()
	var connected bool
	c.update(func(st *state) {
		st.accounts = n
		connected = st.connected
	})
	c.refreshFilter(v, true)
	if resync && connected {
		c.startResync(v)
	}
}

func (c *Controller) startResync(v *vault.Vault) {
	if err := c.autoResync(v); err != nil {
		log.Warnf("Unable to resync: %v", err)
	}
}

// RequestPayment issues a new script of account to receive a payment.
func (c *Controller) RequestPayment(account, label string) (*vault.IssuedScript, error) {
	const op errors.Op = "controller.RequestPayment"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	s, err := v.IssueScript(account, label)
	if err != nil {
		return nil, errors.E(op, err)
	}
	c.refreshFilter(v, false)
	return s, nil
}

// Scripts lists the scripts of account issued for payment requests or paid to.
func (c *Controller) Scripts(account string) ([]vault.IssuedScript, error) {
	const op errors.Op = "controller.Scripts"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	scripts, err := v.Scripts(account)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return scripts, nil
}
