// Copyright (c) 2018-2019 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package p2p

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/lru"
	"github.com/coinvault/vaultd/version"
	"golang.org/x/sync/errgroup"
)

// uaName is the LocalPeer useragent name.
const uaName = "vaultd"

// uaVersion is the LocalPeer useragent version.
var uaVersion = version.String()

// minPver is the minimum protocol version we require remote peers to
// implement.  Bloom filtering was introduced with BIP0037.
const minPver = wire.BIP0037Version

// Pver is the maximum protocol version implemented by the LocalPeer.  Peers
// negotiating it do not expect wtxidrelay or sendaddrv2 during the handshake.
const Pver = wire.FeeFilterVersion

// connectTimeout is the amount of time allowed before connecting, peering
// handshake, and protocol negotiation is aborted.
const connectTimeout = 30 * time.Second

// stallTimeout is the amount of time allowed before a request to receive data
// that is known to exist at the RemotePeer times out with no matching reply.
const stallTimeout = 30 * time.Second

// pingInterval is the idle time between keepalive pings.
const pingInterval = 2 * time.Minute

const invLRUSize = 5000

// inboundBuffer is the number of received messages held for the consumer
// before the read loop blocks.
const inboundBuffer = 1024

type msgAck struct {
	msg wire.Message
	ack chan<- struct{}
}

// RemotePeer represents a remote peer that can send and receive wire protocol
// messages with the local peer.  RemotePeers must be created by dialing the
// peer's address with a LocalPeer.
//
// Data messages (inv, merkleblock, block, tx, notfound, unrequested headers
// and pongs to Ping) are delivered by Receive in the order they were read from
// the connection.  Bitcoin peers answer requests in order, so a pong received
// after a batch of getdata requests marks the end of the batch.
type RemotePeer struct {
	// atomics
	atomicClosed   uint64
	keepaliveNonce uint64

	id         uint64
	lp         *LocalPeer
	ua         string
	services   wire.ServiceFlag
	pver       uint32
	initHeight int32
	raddr      net.Addr

	// io
	c       net.Conn
	mr      msgReader
	out     chan *msgAck
	outPrio chan *msgAck
	pongs   chan *wire.MsgPong
	inbound chan wire.Message

	// headers management.  Only one synchronous getheaders may be in
	// process at a time.
	requestedHeaders   chan<- *wire.MsgHeaders
	requestedHeadersMu sync.Mutex

	// published transactions served to getdata requests.
	published   map[chainhash.Hash]*wire.MsgTx
	publishedMu sync.Mutex

	invsSent *lru.Cache[chainhash.Hash] // Hashes from sent inventory messages
	invsRecv *lru.Cache[chainhash.Hash] // Hashes of received inventory messages

	err  error         // Final error of disconnected peer
	errc chan struct{} // Closed after err is set
}

// LocalPeer represents the local peer that can send and receive wire protocol
// messages with remote peers on the network.
type LocalPeer struct {
	// atomics
	atomicPeerIDCounter uint64

	dialer      net.Dialer
	chainParams *chaincfg.Params
	bestHeight  func() int32
}

// NewLocalPeer creates a LocalPeer for the network described by params.
// bestHeight reports the height advertised in version messages and may be
// nil.
func NewLocalPeer(params *chaincfg.Params, bestHeight func() int32) *LocalPeer {
	if bestHeight == nil {
		bestHeight = func() int32 { return 0 }
	}
	return &LocalPeer{
		chainParams: params,
		bestHeight:  bestHeight,
	}
}

func netAddress(a net.Addr) *wire.NetAddress {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return wire.NewNetAddress(tcp, 0)
	}
	return wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
}

func (lp *LocalPeer) newMsgVersion(c net.Conn) (*wire.MsgVersion, error) {
	la := netAddress(c.LocalAddr()) // We provide no services
	ra := netAddress(c.RemoteAddr())
	nonce, err := wire.RandomUint64()
	if err != nil {
		return nil, err
	}
	v := wire.NewMsgVersion(la, ra, nonce, lp.bestHeight())
	v.ProtocolVersion = int32(Pver)
	// No transactions are relayed until a filter is loaded.
	v.DisableRelayTx = true
	if err := v.AddUserAgent(uaName, uaVersion); err != nil {
		return nil, err
	}
	return v, nil
}

// ConnectOutbound establishes a connection to a remote peer by their remote TCP
// address.  The peer is serviced in the background until the context is
// cancelled, the RemotePeer disconnects, times out, or misbehaves.  Peers not
// advertising every service in reqSvcs are rejected.
func (lp *LocalPeer) ConnectOutbound(ctx context.Context, addr string, reqSvcs wire.ServiceFlag) (*RemotePeer, error) {
	const opf = "localpeer.ConnectOutbound(%v)"

	log.Debugf("Attempting connection to peer %v", addr)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// Generate a unique ID for this peer.
	id := atomic.AddUint64(&lp.atomicPeerIDCounter, 1)

	c, err := lp.dialer.DialContext(connectCtx, "tcp", addr)
	if err != nil {
		op := errors.Opf(opf, addr)
		return nil, errors.E(op, errors.Network, err)
	}
	rp, err := handshake(connectCtx, lp, id, c)
	if err != nil {
		c.Close()
		op := errors.Opf(opf, addr)
		return nil, errors.E(op, err)
	}

	// Disconnect from the peer if it does not specify all required services.
	if rp.services&reqSvcs != reqSvcs {
		c.Close()
		op := errors.Opf(opf, rp.raddr)
		reason := errors.Errorf("missing required service flags %v", reqSvcs&^rp.services)
		return nil, errors.E(op, errors.Protocol, reason)
	}

	go lp.serveUntilError(ctx, rp)

	log.Infof("Connected to peer %v (%s, pver %d, height %d)", rp.raddr,
		rp.ua, rp.pver, rp.initHeight)
	return rp, nil
}

// UA returns the remote peer's user agent.
func (rp *RemotePeer) UA() string { return rp.ua }

// ID returns the remote ID.
func (rp *RemotePeer) ID() uint64 { return rp.id }

// InitialHeight returns the current height the peer advertised in its version
// message.
func (rp *RemotePeer) InitialHeight() int32 { return rp.initHeight }

// Services returns the remote peer's advertised service flags.
func (rp *RemotePeer) Services() wire.ServiceFlag { return rp.services }

// InvsSent returns an LRU cache of inventory hashes sent to the remote peer.
func (rp *RemotePeer) InvsSent() *lru.Cache[chainhash.Hash] { return rp.invsSent }

// InvsRecv returns an LRU cache of inventory hashes received by the remote
// peer.
func (rp *RemotePeer) InvsRecv() *lru.Cache[chainhash.Hash] { return rp.invsRecv }

type msgReader struct {
	r      net.Conn
	net    wire.BitcoinNet
	msg    wire.Message
	rawMsg []byte
	err    error
}

// next reads the next message.  Messages with unknown commands are skipped;
// the reader remains positioned at the following message.
func (mr *msgReader) next(pver uint32) bool {
	for {
		mr.msg, mr.rawMsg, mr.err = wire.ReadMessage(mr.r, pver, mr.net)
		if _, ok := mr.err.(*wire.MessageError); ok && mr.msg == nil {
			log.Debugf("Ignoring message: %v", mr.err)
			continue
		}
		return mr.err == nil
	}
}

func (rp *RemotePeer) writeMessages(ctx context.Context) error {
	e := make(chan error, 1)
	go func() {
		c := rp.c
		pver := rp.pver
		cnet := rp.lp.chainParams.Net
		for {
			var m *msgAck
			select {
			case m = <-rp.outPrio:
			default:
				select {
				case m = <-rp.outPrio:
				case m = <-rp.out:
				case <-ctx.Done():
					return
				}
			}
			log.Tracef("%v -> %v", m.msg.Command(), rp.raddr)
			err := wire.WriteMessage(c, m.msg, pver, cnet)
			if m.ack != nil {
				m.ack <- struct{}{}
			}
			if err != nil {
				e <- err
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-e:
		return err
	}
}

type msgWriter struct {
	w   net.Conn
	net wire.BitcoinNet
}

func (mw *msgWriter) write(ctx context.Context, msg wire.Message, pver uint32) error {
	e := make(chan error, 1)
	go func() {
		e <- wire.WriteMessage(mw.w, msg, pver, mw.net)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-e:
		return err
	}
}

func handshake(ctx context.Context, lp *LocalPeer, id uint64, c net.Conn) (*RemotePeer, error) {
	const op errors.Op = "p2p.handshake"

	rp := &RemotePeer{
		id:        id,
		lp:        lp,
		pver:      Pver,
		raddr:     c.RemoteAddr(),
		c:         c,
		mr:        msgReader{r: c, net: lp.chainParams.Net},
		pongs:     make(chan *wire.MsgPong, 1),
		inbound:   make(chan wire.Message, inboundBuffer),
		published: make(map[chainhash.Hash]*wire.MsgTx),
		invsSent:  lru.NewCache[chainhash.Hash](invLRUSize),
		invsRecv:  lru.NewCache[chainhash.Hash](invLRUSize),
		errc:      make(chan struct{}),
	}

	mw := msgWriter{c, lp.chainParams.Net}

	// The first message sent must be the version message.
	lversion, err := lp.newMsgVersion(c)
	if err != nil {
		return nil, errors.E(op, err)
	}
	err = mw.write(ctx, lversion, rp.pver)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	// The first message received must also be a version message.
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	err = c.SetReadDeadline(deadline)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if !rp.mr.next(Pver) {
		return nil, errors.E(op, errors.IO, rp.mr.err)
	}
	rversion, ok := rp.mr.msg.(*wire.MsgVersion)
	if !ok {
		return nil, errors.E(op, errors.Protocol, "first received message was not the version message")
	}
	rp.initHeight = rversion.LastBlock
	rp.services = rversion.Services
	rp.ua = rversion.UserAgent

	// Negotiate protocol down to compatible version
	if uint32(rversion.ProtocolVersion) < minPver {
		return nil, errors.E(op, errors.Protocol, "remote peer has pver lower than minimum required")
	}
	if uint32(rversion.ProtocolVersion) < rp.pver {
		rp.pver = uint32(rversion.ProtocolVersion)
	}

	// Send the verack
	err = mw.write(ctx, wire.NewMsgVerAck(), rp.pver)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}

	// Wait until a verack is received.  Feature negotiation messages may
	// precede it.
	for {
		if !rp.mr.next(rp.pver) {
			return nil, errors.E(op, errors.IO, rp.mr.err)
		}
		if _, ok := rp.mr.msg.(*wire.MsgVerAck); ok {
			break
		}
		switch rp.mr.msg.(type) {
		case *wire.MsgVersion:
			return nil, errors.E(op, errors.Protocol, "received duplicate version message")
		default:
			log.Debugf("Ignoring %v from %v during handshake", rp.mr.msg.Command(), rp.raddr)
		}
	}
	c.SetReadDeadline(time.Time{})

	rp.out = make(chan *msgAck)
	rp.outPrio = make(chan *msgAck)

	return rp, nil
}

func (lp *LocalPeer) serveUntilError(ctx context.Context, rp *RemotePeer) {
	defer log.Debugf("Disconnected from outbound peer %v", rp.raddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Closing the connection unblocks the read loop.
		select {
		case <-gctx.Done():
		case <-rp.errc:
		}
		rp.c.Close()
		return nil
	})
	g.Go(func() (err error) {
		defer func() {
			if err != nil && gctx.Err() == nil {
				log.Debugf("remotepeer(%v).readMessages: %v", rp.raddr, err)
			}
		}()
		return rp.readMessages(gctx)
	})
	g.Go(func() (err error) {
		defer func() {
			if err != nil && gctx.Err() == nil {
				log.Debugf("syncWriter(%v).write: %v", rp.raddr, err)
			}
		}()
		return rp.writeMessages(gctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-rp.errc:
				return rp.err
			case <-time.After(pingInterval):
				ctx, cancel := context.WithTimeout(gctx, stallTimeout)
				rp.pingPong(ctx)
				cancel()
			}
		}
	})
	err := g.Wait()
	if err != nil {
		err = errors.E(errors.Network, err)
	}
	rp.Disconnect(err)
}

// ErrDisconnected describes the error of a remote peer being disconnected by
// the local peer.  While the disconnection may be clean, other methods
// currently being called on the peer must return this as a non-nil error.
var ErrDisconnected = errors.E(errors.Network, "peer has been disconnected")

// Disconnect closes the underlying TCP connection to a RemotePeer.  A nil
// reason is replaced with ErrDisconnected.
func (rp *RemotePeer) Disconnect(reason error) {
	if !atomic.CompareAndSwapUint64(&rp.atomicClosed, 0, 1) {
		// Already disconnected
		return
	}
	log.Debugf("Disconnecting %v", rp.raddr)
	rp.c.Close()
	if reason == nil {
		reason = ErrDisconnected
	}
	rp.err = reason
	close(rp.errc)
}

// Err blocks until the RemotePeer disconnects, returning the reason for
// disconnection.
func (rp *RemotePeer) Err() error {
	<-rp.errc
	return rp.err
}

// Done returns a channel closed once the RemotePeer disconnects.
func (rp *RemotePeer) Done() <-chan struct{} {
	return rp.errc
}

// RemoteAddr returns the remote address of the peer's TCP connection.
func (rp *RemotePeer) RemoteAddr() net.Addr {
	return rp.c.RemoteAddr()
}

// LocalAddr returns the local address of the peer's TCP connection.
func (rp *RemotePeer) LocalAddr() net.Addr {
	return rp.c.LocalAddr()
}

// Pver returns the negotiated protocol version.
func (rp *RemotePeer) Pver() uint32 { return rp.pver }

func (rp *RemotePeer) String() string {
	return rp.raddr.String()
}

func (rp *RemotePeer) readMessages(ctx context.Context) error {
	for rp.mr.next(rp.pver) {
		msg := rp.mr.msg
		log.Tracef("%v <- %v", msg.Command(), rp.raddr)
		switch m := msg.(type) {
		case *wire.MsgVersion:
			return errors.E(errors.Protocol, "received unexpected version message")
		case *wire.MsgPing:
			go pong(ctx, m, rp)
			continue
		case *wire.MsgPong:
			if n := atomic.LoadUint64(&rp.keepaliveNonce); n != 0 && m.Nonce == n {
				select {
				case rp.pongs <- m:
				default:
				}
				continue
			}
		case *wire.MsgHeaders:
			if rp.receivedHeaders(ctx, m) {
				continue
			}
		case *wire.MsgGetData:
			rp.receivedGetData(ctx, m)
			continue
		case *wire.MsgInv:
			for _, inv := range m.InvList {
				rp.invsRecv.Add(inv.Hash)
			}
		case *wire.MsgReject:
			log.Warnf("%v reject(%v, %v, %v): %v", rp.raddr, m.Cmd, m.Code, &m.Hash, m.Reason)
			continue
		case *wire.MsgMerkleBlock, *wire.MsgBlock, *wire.MsgTx, *wire.MsgNotFound:
		default:
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rp.inbound <- msg:
		}
	}
	return rp.mr.err
}

// Receive waits for the next data message from the remote peer.
func (rp *RemotePeer) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-rp.inbound:
		return msg, nil
	case <-rp.errc:
		// Drain messages read before the disconnect.
		select {
		case msg := <-rp.inbound:
			return msg, nil
		default:
			return nil, rp.err
		}
	}
}

func pong(ctx context.Context, ping *wire.MsgPing, rp *RemotePeer) {
	ctx, cancel := context.WithTimeout(ctx, stallTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
	case rp.outPrio <- &msgAck{wire.NewMsgPong(ping.Nonce), nil}:
	}
}

func (rp *RemotePeer) pingPong(ctx context.Context) {
	nonce, err := wire.RandomUint64()
	if err != nil {
		log.Errorf("Failed to generate random ping nonce: %v", err)
		return
	}
	atomic.StoreUint64(&rp.keepaliveNonce, nonce)
	defer atomic.StoreUint64(&rp.keepaliveNonce, 0)
	select {
	case <-ctx.Done():
		return
	case rp.outPrio <- &msgAck{wire.NewMsgPing(nonce), nil}:
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			err := errors.E(errors.IO, "ping timeout")
			rp.Disconnect(err)
		}
	case pong := <-rp.pongs:
		if pong.Nonce != nonce {
			err := errors.E(errors.Protocol, "pong contains nonmatching nonce")
			rp.Disconnect(err)
		}
	}
}

// receivedHeaders passes a headers message to a waiting synchronous Headers
// call.  It reports false for unrequested headers, which are announcements.
func (rp *RemotePeer) receivedHeaders(ctx context.Context, msg *wire.MsgHeaders) bool {
	rp.requestedHeadersMu.Lock()
	c := rp.requestedHeaders
	rp.requestedHeaders = nil
	rp.requestedHeadersMu.Unlock()
	if c == nil {
		return false
	}
	select {
	case <-ctx.Done():
	case c <- msg:
	}
	return true
}

func (rp *RemotePeer) addRequestedHeaders(c chan<- *wire.MsgHeaders) (newRequest bool) {
	rp.requestedHeadersMu.Lock()
	defer rp.requestedHeadersMu.Unlock()
	if rp.requestedHeaders != nil {
		return false
	}
	rp.requestedHeaders = c
	return true
}

func (rp *RemotePeer) deleteRequestedHeaders(c chan<- *wire.MsgHeaders) {
	rp.requestedHeadersMu.Lock()
	if rp.requestedHeaders == c {
		rp.requestedHeaders = nil
	}
	rp.requestedHeadersMu.Unlock()
}

// receivedGetData serves published transactions.  Anything else is answered
// with notfound.
func (rp *RemotePeer) receivedGetData(ctx context.Context, msg *wire.MsgGetData) {
	notFound := wire.NewMsgNotFound()
	var txs []*wire.MsgTx
	rp.publishedMu.Lock()
	for _, inv := range msg.InvList {
		tx, ok := rp.published[inv.Hash]
		if ok && (inv.Type == wire.InvTypeTx || inv.Type == wire.InvTypeWitnessTx) {
			txs = append(txs, tx)
			continue
		}
		_ = notFound.AddInvVect(inv)
	}
	rp.publishedMu.Unlock()
	go func() {
		for _, tx := range txs {
			if err := rp.SendMessage(ctx, tx); err != nil {
				return
			}
		}
		if len(notFound.InvList) > 0 {
			_ = rp.SendMessage(ctx, notFound)
		}
	}()
}

// Headers requests block headers from the RemotePeer with getheaders.  Block
// headers can not be requested concurrently from the same peer.
func (rp *RemotePeer) Headers(ctx context.Context, blockLocators []*chainhash.Hash, hashStop *chainhash.Hash) ([]*wire.BlockHeader, error) {
	const opf = "remotepeer(%v).Headers"

	m := &wire.MsgGetHeaders{
		ProtocolVersion:    rp.pver,
		BlockLocatorHashes: blockLocators,
	}
	if hashStop != nil {
		m.HashStop = *hashStop
	}
	c := make(chan *wire.MsgHeaders, 1)
	if !rp.addRequestedHeaders(c) {
		op := errors.Opf(opf, rp.raddr)
		return nil, errors.E(op, errors.Invalid, "headers are already being requested from this peer")
	}
	stalled := time.NewTimer(stallTimeout)
	defer stalled.Stop()
	out := rp.out
	for {
		select {
		case <-ctx.Done():
			rp.deleteRequestedHeaders(c)
			return nil, ctx.Err()
		case <-stalled.C:
			rp.deleteRequestedHeaders(c)
			op := errors.Opf(opf, rp.raddr)
			err := errors.E(op, errors.IO, "peer appears stalled")
			rp.Disconnect(err)
			return nil, err
		case <-rp.errc:
			return nil, rp.err
		case out <- &msgAck{m, nil}:
			out = nil
		case m := <-c:
			return m.Headers, nil
		}
	}
}

// LoadFilter installs a bloom filter on the remote peer, replacing any
// previously loaded filter.  A nil filter clears the remote filter.
func (rp *RemotePeer) LoadFilter(ctx context.Context, f *bloom.Filter) error {
	const opf = "remotepeer(%v).LoadFilter"
	var msg wire.Message = wire.NewMsgFilterClear()
	if f != nil {
		msg = f.MsgFilterLoad()
	}
	if err := rp.SendMessage(ctx, msg); err != nil {
		return errors.E(errors.Opf(opf, rp.raddr), err)
	}
	return nil
}

func (rp *RemotePeer) getData(ctx context.Context, typ wire.InvType, hashes []*chainhash.Hash) error {
	for len(hashes) > 0 {
		n := len(hashes)
		if n > wire.MaxInvPerMsg {
			n = wire.MaxInvPerMsg
		}
		m := wire.NewMsgGetDataSizeHint(uint(n))
		for _, h := range hashes[:n] {
			if err := m.AddInvVect(wire.NewInvVect(typ, h)); err != nil {
				return errors.E(errors.Protocol, err)
			}
		}
		if err := rp.SendMessage(ctx, m); err != nil {
			return err
		}
		hashes = hashes[n:]
	}
	return nil
}

// GetMerkleBlocks requests filtered blocks.  Each merkleblock and the matched
// transactions following it are delivered by Receive.
func (rp *RemotePeer) GetMerkleBlocks(ctx context.Context, hashes []*chainhash.Hash) error {
	const opf = "remotepeer(%v).GetMerkleBlocks"
	if err := rp.getData(ctx, wire.InvTypeFilteredBlock, hashes); err != nil {
		return errors.E(errors.Opf(opf, rp.raddr), err)
	}
	return nil
}

// GetBlocks requests full blocks, delivered by Receive.
func (rp *RemotePeer) GetBlocks(ctx context.Context, hashes []*chainhash.Hash) error {
	const opf = "remotepeer(%v).GetBlocks"
	if err := rp.getData(ctx, wire.InvTypeBlock, hashes); err != nil {
		return errors.E(errors.Opf(opf, rp.raddr), err)
	}
	return nil
}

// GetTxs requests transactions, delivered by Receive along with notfound
// messages for transactions the peer does not have.
func (rp *RemotePeer) GetTxs(ctx context.Context, hashes []*chainhash.Hash) error {
	const opf = "remotepeer(%v).GetTxs"
	if err := rp.getData(ctx, wire.InvTypeTx, hashes); err != nil {
		return errors.E(errors.Opf(opf, rp.raddr), err)
	}
	return nil
}

// Ping sends a ping whose pong is delivered by Receive.  It returns the ping
// nonce.
func (rp *RemotePeer) Ping(ctx context.Context) (uint64, error) {
	nonce, err := wire.RandomUint64()
	if err != nil {
		return 0, errors.E(errors.Crypto, err)
	}
	if err := rp.SendMessage(ctx, wire.NewMsgPing(nonce)); err != nil {
		return 0, err
	}
	return nonce, nil
}

// PublishTransaction pushes an inventory message advertising the transaction
// and serves it when the peer requests it.
func (rp *RemotePeer) PublishTransaction(ctx context.Context, tx *wire.MsgTx) error {
	const opf = "remotepeer(%v).PublishTransaction"
	txHash := tx.TxHash()
	rp.publishedMu.Lock()
	rp.published[txHash] = tx
	rp.publishedMu.Unlock()
	rp.invsSent.Add(txHash)

	msg := wire.NewMsgInvSizeHint(1)
	err := msg.AddInvVect(wire.NewInvVect(wire.InvTypeTx, &txHash))
	if err != nil {
		op := errors.Opf(opf, rp.raddr)
		return errors.E(op, errors.Protocol, err)
	}
	err = rp.sendMessageAck(ctx, msg)
	if err != nil {
		op := errors.Opf(opf, rp.raddr)
		return errors.E(op, err)
	}
	return nil
}

// SendMessage sends an message to the remote peer.  Use this method carefully,
// as calling this with an unexpected message that changes the protocol state
// may cause problems with the convenience methods implemented by this package.
func (rp *RemotePeer) SendMessage(ctx context.Context, msg wire.Message) error {
	ctx, cancel := context.WithTimeout(ctx, stallTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		return errors.E(errors.IO, ctx.Err())
	case <-rp.errc:
		return rp.err
	case rp.out <- &msgAck{msg, nil}:
		return nil
	}
}

// sendMessageAck sends a message to a remote peer, waiting until the write
// finishes before returning.
func (rp *RemotePeer) sendMessageAck(ctx context.Context, msg wire.Message) error {
	ctx, cancel := context.WithTimeout(ctx, stallTimeout)
	defer cancel()
	ack := make(chan struct{}, 1)
	select {
	case <-ctx.Done():
		return errors.E(errors.IO, ctx.Err())
	case <-rp.errc:
		return rp.err
	case rp.out <- &msgAck{msg, ack}:
	}
	select {
	case <-ack:
		return nil
	case <-rp.errc:
		return rp.err
	}
}
