// Copyright (c) 2018-2021 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package spv

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/lru"
	"github.com/coinvault/vaultd/p2p"
	"golang.org/x/sync/errgroup"
)

// reqSvcs defines the services that must be supported by the remote peer.
const reqSvcs = wire.SFNodeBloom

// stallTimeout is the time a request may remain unanswered before the session
// is torn down with a timeout.
var stallTimeout = 45 * time.Second

// Syncer synchronizes block headers and filtered blocks with a single remote
// peer using BIP37 Simplified Payment Verification.  Progress and received
// data are reported through Notifications callbacks, delivered from the
// Syncer's goroutines.
type Syncer struct {
	// atomics
	bestHeight atomic.Int32

	params *chaincfg.Params
	lp     *p2p.LocalPeer

	// seenTxs records hashes of requested inventoried transactions so that
	// repeated announcements are not fetched again.
	seenTxs *lru.Cache[chainhash.Hash]

	// Holds all potential callbacks used to notify clients
	notifications *Notifications

	mu      sync.Mutex
	tree    *BlockTree
	filter  *bloom.Filter
	session *session

	// filterMu orders filter loads on the remote peer.
	filterMu sync.Mutex
}

// Notifications contains the callbacks used to notify the client of network
// events.  Nil callbacks are skipped.
type Notifications struct {
	Tx                 func(tx *wire.MsgTx)
	Block              func(block *btcutil.Block, height int32)
	MerkleBlock        func(mb *MerkleBlock)
	BlockTreeChanged   func(bestHeight int32)
	Status             func(text string)
	Error              func(err error)
	Open               func(host string, port uint16)
	Close              func()
	Started            func()
	Stopped            func()
	Timeout            func()
	DoneInitialSync    func()
	BestChainExtended  func(h *ChainHeader)
	BestChainShortened func(h *ChainHeader)
	ResyncDone         func(id uint64)
}

// NewSyncer creates a Syncer for the network described by params.  The block
// tree must be initialized with InitBlockTree before the network is started.
func NewSyncer(params *chaincfg.Params) *Syncer {
	s := &Syncer{
		params:  params,
		seenTxs: lru.NewCache[chainhash.Hash](2000),
	}
	s.lp = p2p.NewLocalPeer(params, s.BestHeight)
	return s
}

// SetNotifications sets the callbacks used to notify interested parties of
// network events.  It must be called before Start.
func (s *Syncer) SetNotifications(ntfns *Notifications) {
	s.notifications = ntfns
}

func (s *Syncer) tx(tx *wire.MsgTx) {
	if s.notifications != nil && s.notifications.Tx != nil {
		s.notifications.Tx(tx)
	}
}

func (s *Syncer) block(block *btcutil.Block, height int32) {
	if s.notifications != nil && s.notifications.Block != nil {
		s.notifications.Block(block, height)
	}
}

func (s *Syncer) merkleBlock(mb *MerkleBlock) {
	if s.notifications != nil && s.notifications.MerkleBlock != nil {
		s.notifications.MerkleBlock(mb)
	}
}

func (s *Syncer) blockTreeChanged(bestHeight int32) {
	if s.notifications != nil && s.notifications.BlockTreeChanged != nil {
		s.notifications.BlockTreeChanged(bestHeight)
	}
}

func (s *Syncer) status(format string, args ...any) {
	if s.notifications != nil && s.notifications.Status != nil {
		s.notifications.Status(fmt.Sprintf(format, args...))
	}
}

func (s *Syncer) error(err error) {
	if s.notifications != nil && s.notifications.Error != nil {
		s.notifications.Error(err)
	}
}

func (s *Syncer) open(host string, port uint16) {
	if s.notifications != nil && s.notifications.Open != nil {
		s.notifications.Open(host, port)
	}
}

func (s *Syncer) close() {
	if s.notifications != nil && s.notifications.Close != nil {
		s.notifications.Close()
	}
}

func (s *Syncer) started() {
	if s.notifications != nil && s.notifications.Started != nil {
		s.notifications.Started()
	}
}

func (s *Syncer) stopped() {
	if s.notifications != nil && s.notifications.Stopped != nil {
		s.notifications.Stopped()
	}
}

func (s *Syncer) timeout() {
	if s.notifications != nil && s.notifications.Timeout != nil {
		s.notifications.Timeout()
	}
}

func (s *Syncer) doneInitialSync() {
	if s.notifications != nil && s.notifications.DoneInitialSync != nil {
		s.notifications.DoneInitialSync()
	}
}

func (s *Syncer) bestChainExtended(h *ChainHeader) {
	if s.notifications != nil && s.notifications.BestChainExtended != nil {
		s.notifications.BestChainExtended(h)
	}
}

func (s *Syncer) bestChainShortened(h *ChainHeader) {
	if s.notifications != nil && s.notifications.BestChainShortened != nil {
		s.notifications.BestChainShortened(h)
	}
}

func (s *Syncer) resyncDone(id uint64) {
	if s.notifications != nil && s.notifications.ResyncDone != nil {
		s.notifications.ResyncDone(id)
	}
}

// session is a single connection to the remote peer, from the start of the
// network until it is stopped or the connection is lost.
type session struct {
	host string
	port uint16

	cancel context.CancelFunc
	done   chan struct{}

	// Set once the handshake completed.
	rp *p2p.RemotePeer

	// chainMu serializes block tree updates and their notifications.
	chainMu sync.Mutex

	headersWake chan struct{}
	scanWake    chan struct{}
	pongs       chan uint64
	stalled     atomic.Bool

	// Guarded by Syncer.mu.
	synced  bool
	scan    scanState
	pending *resyncRequest
}

func wake(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// Start connects to the peer at host:port and begins synchronization in the
// background.  Only one network session may run at a time.
func (s *Syncer) Start(host string, port uint16) error {
	const op errors.Op = "spv.Start"

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return errors.E(op, errors.Invalid, "block tree is not initialized")
	}
	if s.session != nil {
		return errors.E(op, errors.Invalid, "network is already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		host:        host,
		port:        port,
		cancel:      cancel,
		done:        make(chan struct{}),
		headersWake: make(chan struct{}, 1),
		scanWake:    make(chan struct{}, 1),
		pongs:       make(chan uint64, 16),
		scan:        scanState{next: -1},
	}
	s.session = sess
	go s.run(ctx, sess)
	return nil
}

// Stop cancels the running network session.  It does not wait for the session
// to finish; the Stopped notification reports when it has.
func (s *Syncer) Stop() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
}

// Close stops the network, waits for the session to finish and closes the
// block tree.
func (s *Syncer) Close() error {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil {
		sess.cancel()
		<-sess.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return nil
	}
	err := s.tree.Close()
	s.tree = nil
	return err
}

func (s *Syncer) activeSession() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Syncer) connectedPeer() (*session, *p2p.RemotePeer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || s.session.rp == nil {
		return nil, nil
	}
	return s.session, s.session.rp
}

func (s *Syncer) run(ctx context.Context, sess *session) {
	s.started()

	opened := false
	var err error
	defer func() {
		s.mu.Lock()
		s.session = nil
		s.mu.Unlock()
		sess.cancel()

		if opened {
			s.close()
		}
		switch {
		case sess.stalled.Load():
			log.Warnf("Peer %s:%d stalled", sess.host, sess.port)
			s.timeout()
		case err != nil && ctx.Err() == nil:
			log.Errorf("Network session failed: %v", err)
			s.error(err)
		}
		s.stopped()
		close(sess.done)
	}()

	addr := net.JoinHostPort(sess.host, strconv.Itoa(int(sess.port)))
	s.status("Connecting to %s...", addr)
	rp, err := s.lp.ConnectOutbound(ctx, addr, reqSvcs)
	if err != nil {
		return
	}
	log.Infof("New peer %v %v %v", addr, rp.UA(), rp.Services())

	s.mu.Lock()
	sess.rp = rp
	filter := s.filter
	s.mu.Unlock()
	opened = true
	s.open(sess.host, sess.port)

	if filter != nil {
		if err = s.loadFilter(ctx, rp); err != nil {
			rp.Disconnect(err)
			return
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		rp.Disconnect(gctx.Err())
		return nil
	})
	g.Go(func() error { return s.receive(gctx, sess, rp) })
	g.Go(func() error { return s.syncHeaders(gctx, sess, rp) })
	g.Go(func() error { return s.scanChain(gctx, sess, rp) })
	err = g.Wait()
	if err == nil {
		err = rp.Err()
	}
	log.Infof("Lost peer %v: %v", addr, err)
}

// syncHeaders fetches headers until the remote peer has no more to send,
// reporting the first completion with DoneInitialSync, then repeats whenever
// new blocks are announced.
func (s *Syncer) syncHeaders(ctx context.Context, sess *session, rp *p2p.RemotePeer) error {
	s.status("Synchronizing headers from %v", rp)
	for {
		if err := s.fetchHeaders(ctx, sess, rp); err != nil {
			return err
		}

		s.mu.Lock()
		first := !sess.synced
		sess.synced = true
		if first {
			tip := s.tree.Tip().Height
			sess.scan.next = tip + 1
			if sess.pending != nil {
				sess.applyResync(s.tree, sess.pending)
				sess.pending = nil
			}
		}
		s.mu.Unlock()

		if first {
			log.Infof("Headers synchronized to height %d", s.BestHeight())
			s.doneInitialSync()
			wake(sess.scanWake)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.headersWake:
		}
	}
}

func (s *Syncer) fetchHeaders(ctx context.Context, sess *session, rp *p2p.RemotePeer) error {
	for {
		locators, err := s.tree.Locators()
		if err != nil {
			return err
		}
		hctx, cancel := context.WithTimeout(ctx, stallTimeout)
		headers, err := rp.Headers(hctx, locators, nil)
		cancel()
		if err != nil {
			if ctx.Err() == nil && hctx.Err() != nil {
				sess.stalled.Store(true)
			}
			return err
		}
		if err := s.addHeaders(sess, headers); err != nil {
			return err
		}
		if len(headers) < wire.MaxBlockHeadersPerMsg {
			return nil
		}
	}
}

// addHeaders adds headers to the block tree and notifies the change of the
// best chain.  The best height reported during a BestChainShortened callback
// is the height of the fork.
func (s *Syncer) addHeaders(sess *session, headers []*wire.BlockHeader) error {
	if len(headers) == 0 {
		return nil
	}
	sess.chainMu.Lock()
	defer sess.chainMu.Unlock()

	change, err := s.tree.AddHeaders(headers)
	if err != nil || change == nil {
		return err
	}
	if len(change.Removed) > 0 {
		fork := change.Fork()
		s.mu.Lock()
		sess.scan.rewind(fork + 1)
		s.mu.Unlock()
		s.bestHeight.Store(fork)
		s.bestChainShortened(change.Removed[0])
	}
	for _, h := range change.Added {
		s.bestHeight.Store(h.Height)
		s.bestChainExtended(h)
	}
	s.blockTreeChanged(s.bestHeight.Load())
	wake(sess.scanWake)
	return nil
}

// receive handles every message from the remote peer that is not consumed by
// a synchronous request.
func (s *Syncer) receive(ctx context.Context, sess *session, rp *p2p.RemotePeer) error {
	for {
		msg, err := rp.Receive(ctx)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case *wire.MsgInv:
			if err := s.handleInv(ctx, sess, rp, m); err != nil {
				return err
			}
		case *wire.MsgHeaders:
			err := s.addHeaders(sess, m.Headers)
			if errors.Is(errors.Protocol, err) {
				// Announced headers may not connect; fetch from locators.
				log.Debugf("Unconnected header announcement from %v: %v", rp, err)
				wake(sess.headersWake)
				continue
			}
			if err != nil {
				return err
			}
		case *wire.MsgMerkleBlock:
			if err := s.handleMerkleBlock(m); err != nil {
				return err
			}
		case *wire.MsgBlock:
			s.handleBlock(m)
		case *wire.MsgTx:
			hash := m.TxHash()
			s.seenTxs.Add(hash)
			s.tx(m)
		case *wire.MsgPong:
			select {
			case sess.pongs <- m.Nonce:
			default:
			}
		case *wire.MsgNotFound:
			log.Debugf("Peer %v does not have %d requested items", rp, len(m.InvList))
		default:
			log.Tracef("Ignoring %v message from %v", msg.Command(), rp)
		}
	}
}

func (s *Syncer) handleInv(ctx context.Context, sess *session, rp *p2p.RemotePeer, inv *wire.MsgInv) error {
	var txs []*chainhash.Hash
	for _, iv := range inv.InvList {
		switch iv.Type {
		case wire.InvTypeBlock:
			wake(sess.headersWake)
		case wire.InvTypeTx:
			if s.seenTxs.Contains(iv.Hash) {
				continue
			}
			s.seenTxs.Add(iv.Hash)
			h := iv.Hash
			txs = append(txs, &h)
		}
	}
	if len(txs) == 0 {
		return nil
	}
	return rp.GetTxs(ctx, txs)
}

func (s *Syncer) handleMerkleBlock(m *wire.MsgMerkleBlock) error {
	txids, err := extractMatches(m)
	if err != nil {
		return err
	}
	hash := m.Header.BlockHash()
	h, best, err := s.tree.Header(&hash)
	if err != nil || !best {
		log.Debugf("Ignoring merkle block %v not on the best chain", &hash)
		return nil
	}
	s.merkleBlock(&MerkleBlock{Header: h, TxIDs: txids})
	return nil
}

func (s *Syncer) handleBlock(m *wire.MsgBlock) {
	hash := m.BlockHash()
	h, best, err := s.tree.Header(&hash)
	if err != nil || !best {
		log.Debugf("Ignoring block %v not on the best chain", &hash)
		return
	}
	s.block(btcutil.NewBlock(m), h.Height)
}
