// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/p2p"
)

// fakeNode serves a fixed chain of blocks to a single connection.
type fakeNode struct {
	ln          net.Listener
	blocks      []*wire.MsgBlock
	ignorePings bool
}

func newFakeNode(t *testing.T, blocks []*wire.MsgBlock, ignorePings bool) *fakeNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	n := &fakeNode{ln: ln, blocks: blocks, ignorePings: ignorePings}
	go n.serve()
	return n
}

func (n *fakeNode) port() uint16 {
	return uint16(n.ln.Addr().(*net.TCPAddr).Port)
}

func (n *fakeNode) block(hash *chainhash.Hash) *wire.MsgBlock {
	for _, b := range n.blocks {
		if b.BlockHash() == *hash {
			return b
		}
	}
	return nil
}

func (n *fakeNode) headersAfter(locators []*chainhash.Hash) *wire.MsgHeaders {
	start := 0
search:
	for _, l := range locators {
		for i, b := range n.blocks {
			if b.BlockHash() == *l {
				start = i + 1
				break search
			}
		}
	}
	msg := wire.NewMsgHeaders()
	for _, b := range n.blocks[start:] {
		h := b.Header
		msg.AddBlockHeader(&h)
	}
	return msg
}

func (n *fakeNode) serve() {
	c, err := n.ln.Accept()
	if err != nil {
		return
	}
	defer c.Close()
	write := func(msg wire.Message) {
		wire.WriteMessage(c, msg, p2p.Pver, testParams.Net)
	}

	if _, _, err := wire.ReadMessage(c, p2p.Pver, testParams.Net); err != nil {
		return
	}
	svcs := wire.SFNodeNetwork | wire.SFNodeBloom
	me := wire.NewNetAddressIPPort(net.IPv4(127, 0, 0, 1), 18444, svcs)
	v := wire.NewMsgVersion(me, me, 1, int32(len(n.blocks)))
	v.Services = svcs
	write(v)
	write(wire.NewMsgVerAck())

	var filter *bloom.Filter
	for {
		msg, _, err := wire.ReadMessage(c, p2p.Pver, testParams.Net)
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *wire.MsgPing:
			if !n.ignorePings {
				write(wire.NewMsgPong(m.Nonce))
			}
		case *wire.MsgFilterLoad:
			filter = bloom.LoadFilter(m)
		case *wire.MsgFilterClear:
			filter = nil
		case *wire.MsgGetHeaders:
			write(n.headersAfter(m.BlockLocatorHashes))
		case *wire.MsgGetData:
			notFound := wire.NewMsgNotFound()
			for _, iv := range m.InvList {
				b := n.block(&iv.Hash)
				switch {
				case b == nil:
					notFound.AddInvVect(iv)
				case iv.Type == wire.InvTypeFilteredBlock && filter != nil:
					mb, matched := bloom.NewMerkleBlock(btcutil.NewBlock(b), filter)
					write(mb)
					for _, i := range matched {
						write(b.Transactions[i])
					}
				case iv.Type == wire.InvTypeBlock:
					write(b)
				}
			}
			if len(notFound.InvList) > 0 {
				write(notFound)
			}
		}
	}
}

type syncEvents struct {
	initialSync  chan struct{}
	merkleBlocks chan *MerkleBlock
	blocks       chan int32
	txs          chan *wire.MsgTx
	resyncDone   chan uint64
	opened       chan struct{}
	stopped      chan struct{}
	timeout      chan struct{}
	errs         chan error
}

func newSyncEvents() *syncEvents {
	return &syncEvents{
		initialSync:  make(chan struct{}, 1),
		merkleBlocks: make(chan *MerkleBlock, 64),
		blocks:       make(chan int32, 64),
		txs:          make(chan *wire.MsgTx, 64),
		resyncDone:   make(chan uint64, 4),
		opened:       make(chan struct{}, 1),
		stopped:      make(chan struct{}, 1),
		timeout:      make(chan struct{}, 1),
		errs:         make(chan error, 4),
	}
}

func (e *syncEvents) notifications() *Notifications {
	return &Notifications{
		DoneInitialSync: func() { e.initialSync <- struct{}{} },
		MerkleBlock:     func(mb *MerkleBlock) { e.merkleBlocks <- mb },
		Block:           func(_ *btcutil.Block, height int32) { e.blocks <- height },
		Tx:              func(tx *wire.MsgTx) { e.txs <- tx },
		ResyncDone:      func(id uint64) { e.resyncDone <- id },
		Open:            func(string, uint16) { e.opened <- struct{}{} },
		Stopped:         func() { e.stopped <- struct{}{} },
		Timeout:         func() { e.timeout <- struct{}{} },
		Error:           func(err error) { e.errs <- err },
	}
}

func wait[T any](t *testing.T, c <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func testChain(n int) []*wire.MsgBlock {
	var blocks []*wire.MsgBlock
	prev := *testParams.GenesisHash
	for i := 0; i < n; i++ {
		b := testBlock(prev, 2, byte(10*i+1))
		b.Header.Timestamp = time.Unix(int64(baseTime+i*600), 0)
		mine(&b.Header)
		blocks = append(blocks, b)
		prev = b.BlockHash()
	}
	return blocks
}

func startSyncer(t *testing.T, node *fakeNode, filter *bloom.Filter) (*Syncer, *syncEvents) {
	t.Helper()
	s := NewSyncer(testParams)
	if err := s.InitBlockTree(filepath.Join(t.TempDir(), "blocktree.db")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	events := newSyncEvents()
	s.SetNotifications(events.notifications())
	s.SetBloomFilter(filter)
	if err := s.Start("127.0.0.1", node.port()); err != nil {
		t.Fatal(err)
	}
	wait(t, events.opened, "connection")
	wait(t, events.initialSync, "initial sync")
	return s, events
}

func TestSyncerResync(t *testing.T) {
	blocks := testChain(5)
	watched := blocks[2].Transactions[1]
	node := newFakeNode(t, blocks, false)
	s, events := startSyncer(t, node, filterFor(watched))

	if s.BestHeight() != 5 {
		t.Fatalf("best height %d after initial sync", s.BestHeight())
	}
	if err := s.Start("127.0.0.1", node.port()); !errors.Is(errors.Invalid, err) {
		t.Fatalf("second start: expected Invalid, got %v", err)
	}
	if err := s.ResyncFromHeight(1, 6); !errors.Is(errors.InvalidHeight, err) {
		t.Fatalf("expected InvalidHeight, got %v", err)
	}

	if err := s.ResyncFromHeight(1, 1); err != nil {
		t.Fatal(err)
	}
	for height := int32(1); height <= 5; height++ {
		mb := wait(t, events.merkleBlocks, "merkle block")
		if mb.Header.Height != height {
			t.Fatalf("merkle block at height %d, want %d", mb.Header.Height, height)
		}
		if height == 3 {
			if len(mb.TxIDs) != 1 || mb.TxIDs[0] != watched.TxHash() {
				t.Fatalf("block 3 matched %v", mb.TxIDs)
			}
			tx := wait(t, events.txs, "matched transaction")
			if tx.TxHash() != watched.TxHash() {
				t.Fatal("wrong matched transaction")
			}
		}
	}
	if id := wait(t, events.resyncDone, "resync done"); id != 1 {
		t.Fatalf("resync done for request %d, want 1", id)
	}

	// Locators resume after the first block on the best chain.
	unknown := chainhash.Hash{0xee}
	if err := s.Resync(2, []chainhash.Hash{unknown, blocks[3].BlockHash()}, 0); err != nil {
		t.Fatal(err)
	}
	mb := wait(t, events.merkleBlocks, "merkle block")
	if mb.Header.Height != 5 {
		t.Fatalf("locator resync began at height %d", mb.Header.Height)
	}
	if id := wait(t, events.resyncDone, "resync done"); id != 2 {
		t.Fatalf("resync done for request %d, want 2", id)
	}

	s.Stop()
	wait(t, events.stopped, "stop")
	select {
	case err := <-events.errs:
		t.Fatalf("unexpected error notification: %v", err)
	default:
	}
	if err := s.SendTransaction(watched); !errors.Is(errors.NotConnected, err) {
		t.Fatalf("send after stop: expected NotConnected, got %v", err)
	}
}

func TestSyncerFullBlocks(t *testing.T) {
	blocks := testChain(3)
	node := newFakeNode(t, blocks, false)
	s, events := startSyncer(t, node, nil)

	if err := s.Resync(1, nil, baseTime+600); err != nil {
		t.Fatal(err)
	}
	for _, want := range []int32{2, 3} {
		if got := wait(t, events.blocks, "block"); got != want {
			t.Fatalf("block at height %d, want %d", got, want)
		}
	}
	wait(t, events.resyncDone, "resync done")
}

func TestSyncerStall(t *testing.T) {
	defer func(d time.Duration) { stallTimeout = d }(stallTimeout)
	stallTimeout = 200 * time.Millisecond

	node := newFakeNode(t, testChain(2), true)
	s, events := startSyncer(t, node, filterFor())
	if err := s.ResyncFromHeight(1, 1); err != nil {
		t.Fatal(err)
	}
	wait(t, events.timeout, "timeout")
	wait(t, events.stopped, "stop")
	select {
	case err := <-events.errs:
		t.Fatalf("stall reported as error: %v", err)
	default:
	}
}
