// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/loader"
	"github.com/coinvault/vaultd/spv"
	"github.com/coinvault/vaultd/vault"
)

var testParams = &chaincfg.RegressionNetParams

type resyncCall struct {
	id        uint64
	locators  []chainhash.Hash
	startTime uint32
}

// fakeNet records the requests of the controller.  Tests deliver events
// through the registered notifications.
type fakeNet struct {
	mu            sync.Mutex
	ntfns         *spv.Notifications
	best          int32
	starts        int
	stops         int
	resyncs       []resyncCall
	heightResyncs []int32
	stopResyncs   int
	resyncID      uint64 // id of the last resync request
	sent          []*wire.MsgTx
	sendErr       error
	filters       []*bloom.Filter
}

func (n *fakeNet) SetNotifications(ntfns *spv.Notifications) { n.ntfns = ntfns }

func (n *fakeNet) Start(host string, port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts++
	return nil
}

func (n *fakeNet) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stops++
}

func (n *fakeNet) Resync(id uint64, locators []chainhash.Hash, startTime uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resyncs = append(n.resyncs, resyncCall{id, locators, startTime})
	n.resyncID = id
	return nil
}

func (n *fakeNet) ResyncFromHeight(id uint64, height int32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.heightResyncs = append(n.heightResyncs, height)
	n.resyncID = id
	return nil
}

// resyncDone notifies completion of the last requested resync.
func (n *fakeNet) resyncDone() {
	n.mu.Lock()
	id := n.resyncID
	n.mu.Unlock()
	n.ntfns.ResyncDone(id)
}

func (n *fakeNet) StopResync() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopResyncs++
}

func (n *fakeNet) SendTransaction(tx *wire.MsgTx) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sendErr != nil {
		return n.sendErr
	}
	n.sent = append(n.sent, tx)
	return nil
}

func (n *fakeNet) SetBloomFilter(f *bloom.Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filters = append(n.filters, f)
}

func (n *fakeNet) InitBlockTree(string) error { return nil }

func (n *fakeNet) BestHeight() int32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.best
}

func (n *fakeNet) setBest(h int32) {
	n.mu.Lock()
	n.best = h
	n.mu.Unlock()
}

func (n *fakeNet) lastFilter() *bloom.Filter {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.filters) == 0 {
		return nil
	}
	return n.filters[len(n.filters)-1]
}

// drain processes every queued event on the calling goroutine.
func drain(c *Controller) {
	for c.queue.len() > 0 {
		e, _ := c.queue.pop(context.Background())
		c.handle(e)
	}
}

var accountCreated = time.Unix(1600000000, 0)

// newTestController returns a controller with an open vault holding the 2-of-2
// account "acct" created at accountCreated.
func newTestController(t *testing.T) (*Controller, *fakeNet) {
	t.Helper()
	n := new(fakeNet)
	l := loader.NewLoader(testParams)
	l.SetKDFParams(&vault.KDFParams{Salt: [16]byte{1}, Time: 1, Memory: 64, Threads: 1})
	c := New(&Config{Net: n, Loader: l, Params: testParams})
	if _, err := c.CreateVault(filepath.Join(t.TempDir(), "test.vault"), []byte("pass")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.UnloadVault() })
	for _, name := range []string{"k1", "k2"} {
		if _, err := c.NewKeychain(name); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.ImportAccount("acct", 2, []string{"k1", "k2"}, accountCreated); err != nil {
		t.Fatal(err)
	}
	return c, n
}

func connectTest(c *Controller, n *fakeNet) {
	n.ntfns.Started()
	n.ntfns.Open("127.0.0.1", 18444)
	drain(c)
}

func fundingTx(pkScript []byte, value int64, seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{seed}}, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func TestEventQueue(t *testing.T) {
	q := newEventQueue()
	for i := int32(0); i < 100; i++ {
		q.push(Event{Kind: EventBlockTreeChanged, Height: i})
	}
	for i := int32(0); i < 100; i++ {
		e, err := q.pop(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if e.Height != i {
			t.Fatalf("popped event %d, want %d", e.Height, i)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.pop(ctx); err != context.Canceled {
		t.Fatalf("pop of empty queue returned %v", err)
	}
}

func TestRun(t *testing.T) {
	c, n := newTestController(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	sessions := c.Notifications().SessionNotifications()
	defer sessions.Done()
	n.ntfns.Open("127.0.0.1", 18444)
	select {
	case ntfn := <-sessions.C:
		if ntfn.From != NotConnected || ntfn.To != Synched {
			t.Fatalf("transition %v -> %v", ntfn.From, ntfn.To)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no session notification")
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}

func TestSynchingToSynched(t *testing.T) {
	c, n := newTestController(t)
	sessions := c.Notifications().SessionNotifications()
	defer sessions.Done()

	connectTest(c, n)
	if s := c.State(); s.Session != Synched || !s.Connected || s.Accounts != 1 || s.HeadersSynced {
		t.Fatalf("state after connect %+v", s)
	}

	n.setBest(1000)
	n.ntfns.BlockTreeChanged(1000)
	n.ntfns.DoneInitialSync()
	drain(c)
	s := c.State()
	if s.Session != Synching || s.SyncHeight != 0 || s.BestHeight != 1000 || !s.HeadersSynced {
		t.Fatalf("state after headers sync %+v", s)
	}
	if len(n.resyncs) != 1 {
		t.Fatalf("%d resyncs after initial sync", len(n.resyncs))
	}
	r := n.resyncs[0]
	if want := uint32(accountCreated.Unix() - 7200); r.startTime != want {
		t.Fatalf("resync start %d, want %d", r.startTime, want)
	}
	if r.locators != nil {
		t.Fatal("first resync used locators")
	}
	if !s.Resyncing {
		t.Fatal("resync not active")
	}

	header := wire.BlockHeader{Version: 1, Timestamp: time.Unix(1600000000, 0), Bits: 0x207fffff}
	n.ntfns.MerkleBlock(&spv.MerkleBlock{
		Header: &spv.ChainHeader{Header: header, Hash: header.BlockHash(), Height: 1000},
	})
	n.resyncDone()
	drain(c)
	if s := c.State(); s.Session != Synched || s.SyncHeight != 1000 || s.Resyncing {
		t.Fatalf("state after resync %+v", s)
	}
	v, _ := c.openVault()
	if scanned, ok := v.ScannedFrom(); !ok || scanned != r.startTime {
		t.Fatalf("scanned from %d (%v)", scanned, ok)
	}
	if len(n.resyncs) != 1 {
		t.Fatal("completed resync was chained")
	}

	// A late completion is ignored.
	n.resyncDone()
	drain(c)
	if len(n.resyncs) != 1 {
		t.Fatal("late resync completion started a resync")
	}

	want := []SessionState{Synched, Synching, Synched}
	for i, to := range want {
		ntfn := <-sessions.C
		if ntfn.To != to {
			t.Fatalf("transition %d to %v, want %v", i, ntfn.To, to)
		}
	}
	select {
	case ntfn := <-sessions.C:
		t.Fatalf("duplicate transition to %v", ntfn.To)
	default:
	}

	n.ntfns.Timeout()
	drain(c)
	if s := c.State(); s.Session != NotConnected || s.Connected || s.HeadersSynced {
		t.Fatalf("state after timeout %+v", s)
	}
}

func TestReorganization(t *testing.T) {
	c, n := newTestController(t)
	connectTest(c, n)

	n.setBest(100)
	n.ntfns.BlockTreeChanged(100)
	drain(c)
	statuses := c.Notifications().StatusNotifications()
	defer statuses.Done()

	// The best height of the client is read when the removal is notified.
	removed := &spv.ChainHeader{Height: 100}
	n.setBest(97)
	n.ntfns.BestChainShortened(removed)
	n.setBest(101)
	drain(c)
	if s := c.State(); s.BestHeight != 97 {
		t.Fatalf("best height %d after reorg", s.BestHeight)
	}
	var texts []string
	for len(statuses.C) > 0 {
		texts = append(texts, (<-statuses.C).Text)
	}
	if len(texts) == 0 || texts[len(texts)-1] != "Reorganization of 4 blocks" {
		t.Fatalf("statuses after reorg %q", texts)
	}
	n.ntfns.BestChainExtended(&spv.ChainHeader{Height: 98})
	n.ntfns.BlockTreeChanged(98)
	drain(c)
	if s := c.State(); s.BestHeight != 98 {
		t.Fatalf("best height %d after extension", s.BestHeight)
	}
}

func TestResyncCoordinator(t *testing.T) {
	c, n := newTestController(t)

	if err := c.Resync(); !errors.Is(errors.NotConnected, err) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	if err := c.ResyncFromHeight(0); !errors.Is(errors.NotConnected, err) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	connectTest(c, n)
	n.setBest(50)
	n.ntfns.BlockTreeChanged(50)
	drain(c)
	for _, h := range []int32{-1, 51} {
		if err := c.ResyncFromHeight(h); !errors.Is(errors.InvalidHeight, err) {
			t.Fatalf("height %d: expected InvalidHeight, got %v", h, err)
		}
	}
	if len(n.heightResyncs) != 0 {
		t.Fatal("invalid height reached the client")
	}

	if err := c.Resync(); err != nil {
		t.Fatal(err)
	}
	// An account created earlier while the resync is active is pending.
	if _, err := c.NewKeychain("k3"); err != nil {
		t.Fatal(err)
	}
	earlier := accountCreated.Add(-24 * time.Hour)
	if _, err := c.ImportAccount("old", 1, []string{"k3"}, earlier); err != nil {
		t.Fatal(err)
	}
	if len(n.resyncs) != 1 {
		t.Fatalf("%d resyncs while one is active", len(n.resyncs))
	}

	n.resyncDone()
	drain(c)
	if len(n.resyncs) != 2 {
		t.Fatal("pending resync not started")
	}
	if want := ResyncStartTime(earlier); n.resyncs[1].startTime != want {
		t.Fatalf("chained resync start %d, want %d", n.resyncs[1].startTime, want)
	}
	n.resyncDone()
	drain(c)
	if len(n.resyncs) != 2 {
		t.Fatal("resyncs did not terminate")
	}

	// A later resync uses the locators of the scanned chain.
	if err := c.Resync(); err != nil {
		t.Fatal(err)
	}
	if n.resyncs[2].startTime != ResyncStartTime(earlier) {
		t.Fatal("unexpected start time")
	}

	c.StopResync()
	c.StopResync()
	if c.State().Resyncing {
		t.Fatal("resync active after stop")
	}
	if err := c.ResyncFromHeight(10); err != nil {
		t.Fatal(err)
	}
	if len(n.heightResyncs) != 1 || n.heightResyncs[0] != 10 {
		t.Fatalf("height resyncs %v", n.heightResyncs)
	}

	if err := c.CloseVault(); err != nil {
		t.Fatal(err)
	}
	if err := c.ResyncFromHeight(10); !errors.Is(errors.NotOpen, err) {
		t.Fatalf("expected NotOpen, got %v", err)
	}
}

func TestStoppedResyncCompletion(t *testing.T) {
	c, n := newTestController(t)
	connectTest(c, n)
	n.setBest(50)
	n.ntfns.BlockTreeChanged(50)
	drain(c)

	if err := c.Resync(); err != nil {
		t.Fatal(err)
	}
	stopped := n.resyncs[0].id
	c.StopResync()
	if err := c.Resync(); err != nil {
		t.Fatal(err)
	}
	if len(n.resyncs) != 2 || n.resyncs[1].id == stopped {
		t.Fatalf("resync requests %+v", n.resyncs)
	}

	// The stopped resync completes after its replacement was requested.
	n.ntfns.ResyncDone(stopped)
	drain(c)
	v, _ := c.openVault()
	if _, ok := v.ScannedFrom(); ok {
		t.Fatal("scanned range recorded for a stopped resync")
	}
	if !c.State().Resyncing {
		t.Fatal("replacement resync no longer active")
	}

	n.resyncDone()
	drain(c)
	if scanned, ok := v.ScannedFrom(); !ok || scanned != n.resyncs[1].startTime {
		t.Fatalf("scanned from %d (%v)", scanned, ok)
	}
	if c.State().Resyncing {
		t.Fatal("resync active after completion")
	}
}

func TestResyncStartTime(t *testing.T) {
	tests := []struct {
		created time.Time
		want    uint32
	}{
		{time.Unix(1600000000, 0), 1600000000 - 7200},
		{time.Unix(7200, 0), 0},
		{time.Unix(100, 0), 0},
	}
	for _, test := range tests {
		if got := ResyncStartTime(test.created); got != test.want {
			t.Errorf("ResyncStartTime(%v) = %d, want %d", test.created.Unix(), got, test.want)
		}
	}
}

func TestFilterRebuild(t *testing.T) {
	c, n := newTestController(t)
	before := len(n.filters)

	issued, err := c.RequestPayment("acct", "invoice")
	if err != nil {
		t.Fatal(err)
	}
	if issued.Label != "invoice" {
		t.Fatalf("label %q", issued.Label)
	}
	f := n.lastFilter()
	if f == nil || !f.Matches(issued.RedeemScript) {
		t.Fatal("installed filter does not match the issued script")
	}

	if _, err := c.NewKeychain("k3"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.NewAccount("second", 1, []string{"k3"}); err != nil {
		t.Fatal(err)
	}
	if len(n.filters) <= before {
		t.Fatal("filter not rebuilt for the new account")
	}
	second, err := c.RequestPayment("second", "")
	if err != nil {
		t.Fatal(err)
	}
	if !n.lastFilter().Matches(second.RedeemScript) {
		t.Fatal("filter does not match new account script")
	}

	if err := c.DeleteAccount("second"); err != nil {
		t.Fatal(err)
	}
	if c.State().Accounts != 1 {
		t.Fatal("account count not updated")
	}
}

func TestTransactionPipeline(t *testing.T) {
	c, n := newTestController(t)

	issued, err := c.RequestPayment("acct", "")
	if err != nil {
		t.Fatal(err)
	}
	n.ntfns.Tx(fundingTx(issued.PkScript, 100000, 1))
	drain(c)
	if bal, err := c.Balance("acct"); err != nil || bal != 100000 {
		t.Fatalf("balance %v (%v)", bal, err)
	}

	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), testParams)
	if err != nil {
		t.Fatal(err)
	}
	out, err := c.OutputToAddress(addr.EncodeAddress(), 50000)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.OutputToAddress("notanaddress", 1); !errors.Is(errors.InvalidOutput, err) {
		t.Fatalf("expected InvalidOutput, got %v", err)
	}

	if _, err := c.CreateRawTransaction("acct", []*wire.TxOut{out}, 1000000); !errors.Is(errors.InsufficientBalance, err) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if txs, _ := c.Transactions(vault.Unsigned); len(txs) != 0 {
		t.Fatal("raw transaction creation modified the vault")
	}

	rec, err := c.CreateTransaction("acct", []*wire.TxOut{out}, 1000, false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != vault.Unsigned {
		t.Fatalf("created transaction is %v", rec.Status)
	}

	if _, err := c.Broadcast(&rec.Hash); !errors.Is(errors.NotConnected, err) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
	connectTest(c, n)
	if _, err := c.Broadcast(&rec.Hash); !errors.Is(errors.IncompleteSignature, err) {
		t.Fatalf("expected IncompleteSignature, got %v", err)
	}

	signed, complete, err := c.SignRawTransaction(rec.Raw())
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("signing with all keychains is incomplete")
	}
	stored, err := c.Transactions(vault.Signed)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].Hash != rec.Hash {
		t.Fatal("signed transaction not stored as signed")
	}

	n.sendErr = errors.E(errors.Network, "refused")
	if _, err := c.Broadcast(&rec.Hash); !errors.Is(errors.Network, err) {
		t.Fatalf("expected Network error, got %v", err)
	}
	if stored, _ := c.Transactions(vault.Signed); len(stored) != 1 {
		t.Fatal("refused broadcast changed the status")
	}
	n.sendErr = nil

	sent, err := c.Broadcast(&rec.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != vault.Sent || len(n.sent) != 1 {
		t.Fatalf("broadcast transaction is %v", sent.Status)
	}

	signedTx, err := vault.DecodeTx(signed)
	if err != nil {
		t.Fatal(err)
	}
	n.ntfns.Tx(signedTx)
	drain(c)
	if stored, _ := c.Transactions(vault.Received); len(stored) != 2 {
		t.Fatalf("%d received transactions", len(stored))
	}
	if err := c.DeleteTransaction(&rec.Hash); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid deleting a received transaction, got %v", err)
	}
}

func TestCreateTransactionSigned(t *testing.T) {
	c, n := newTestController(t)
	issued, err := c.RequestPayment("acct", "")
	if err != nil {
		t.Fatal(err)
	}
	n.ntfns.Tx(fundingTx(issued.PkScript, 100000, 2))
	drain(c)
	connectTest(c, n)

	addr, _ := btcutil.NewAddressPubKeyHash(make([]byte, 20), testParams)
	out, _ := c.OutputToAddress(addr.EncodeAddress(), 50000)

	if err := c.Lock(); err != nil {
		t.Fatal(err)
	}
	rec, err := c.CreateTransaction("acct", []*wire.TxOut{out}, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != vault.Unsigned {
		t.Fatal("locked vault signed a transaction")
	}
	if err := c.DeleteTransaction(&rec.Hash); err != nil {
		t.Fatal(err)
	}

	if err := c.Unlock([]byte("pass")); err != nil {
		t.Fatal(err)
	}
	rec, err = c.CreateTransaction("acct", []*wire.TxOut{out}, 1000, true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != vault.Signed {
		t.Fatalf("created transaction is %v", rec.Status)
	}
	// Signing precedes storage, so no unsigned copy is left behind.
	if unsigned, err := c.Transactions(vault.Unsigned); err != nil || len(unsigned) != 0 {
		t.Fatalf("unsigned records %d (%v)", len(unsigned), err)
	}
	v, _ := c.openVault()
	if ok, err := v.IsComplete(rec.Tx); err != nil || !ok {
		t.Fatalf("stored transaction complete=%v (%v)", ok, err)
	}

	raw := rec.Raw()
	sent, err := c.SendRawTransaction(raw)
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != vault.Sent {
		t.Fatalf("sent transaction is %v", sent.Status)
	}

	unrelated := serialize(fundingTx([]byte{0x51}, 1000, 3))
	if _, err := c.InsertRawTransaction(unrelated); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid for unrelated transaction, got %v", err)
	}
}

func TestAccountQueries(t *testing.T) {
	c, n := newTestController(t)
	issued, err := c.RequestPayment("acct", "rent")
	if err != nil {
		t.Fatal(err)
	}
	scripts, err := c.Scripts("acct")
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 || scripts[0].Label != "rent" || scripts[0].State != vault.ScriptIssued {
		t.Fatalf("scripts %+v", scripts)
	}

	n.ntfns.Tx(fundingTx(issued.PkScript, 30000, 5))
	drain(c)
	scripts, _ = c.Scripts("acct")
	if len(scripts) != 1 || scripts[0].State != vault.ScriptUsed {
		t.Fatalf("scripts after payment %+v", scripts)
	}
	history, err := c.AccountTransactions("acct", vault.Received)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("%d received transactions of acct", len(history))
	}
	if _, err := c.AccountTransactions("other"); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist, got %v", err)
	}
}

func TestVaultRequired(t *testing.T) {
	n := new(fakeNet)
	c := New(&Config{Net: n, Loader: loader.NewLoader(testParams), Params: testParams})
	if _, err := c.NewKeychain("k"); !errors.Is(errors.NotOpen, err) {
		t.Fatalf("expected NotOpen, got %v", err)
	}
	if err := c.CloseVault(); !errors.Is(errors.NotOpen, err) {
		t.Fatalf("expected NotOpen, got %v", err)
	}
	if _, err := c.CreateTransaction("acct", nil, 0, false); !errors.Is(errors.NotOpen, err) {
		t.Fatalf("expected NotOpen, got %v", err)
	}
	// Events without an open vault only update heights.
	n.ntfns.Tx(fundingTx([]byte{0x51}, 1, 4))
	n.ntfns.BlockTreeChanged(5)
	drain(c)
	if c.State().BestHeight != 5 {
		t.Fatal("best height not tracked without a vault")
	}
}
