// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/spv"
)

// EventKind identifies a network client notification.
type EventKind int

// Event kinds.
const (
	EventTx EventKind = iota
	EventBlock
	EventMerkleBlock
	EventBlockTreeChanged
	EventStatus
	EventError
	EventOpen
	EventClose
	EventStarted
	EventStopped
	EventTimeout
	EventDoneInitialSync
	EventBestChainExtended
	EventBestChainShortened
	EventResyncDone
)

var eventKindNames = [...]string{
	EventTx:                 "tx",
	EventBlock:              "block",
	EventMerkleBlock:        "merkleblock",
	EventBlockTreeChanged:   "blocktreechanged",
	EventStatus:             "status",
	EventError:              "error",
	EventOpen:               "open",
	EventClose:              "close",
	EventStarted:            "started",
	EventStopped:            "stopped",
	EventTimeout:            "timeout",
	EventDoneInitialSync:    "doneinitialsync",
	EventBestChainExtended:  "bestchainextended",
	EventBestChainShortened: "bestchainshortened",
	EventResyncDone:         "resyncdone",
}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return "unknown"
	}
	return eventKindNames[k]
}

// Event is a network client notification queued for the controller.  Only the
// fields of its kind are set.
type Event struct {
	Kind EventKind

	Tx          *wire.MsgTx
	Block       *btcutil.Block
	MerkleBlock *spv.MerkleBlock
	Header      *spv.ChainHeader

	// Height is the block height of block events and the best height of
	// the network client for tree change, initial sync and best chain
	// shortened events.
	Height int32

	Text string
	Err  error

	Host string
	Port uint16

	ResyncID uint64
}

// eventQueue is an unbounded FIFO of events with a single consumer.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

// push appends e without blocking.
func (q *eventQueue) push(e Event) {
	q.mu.Lock()
	q.events = append(q.events, e)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop removes the oldest event, waiting for one to be pushed.
func (q *eventQueue) pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			e := q.events[0]
			q.events[0] = Event{}
			q.events = q.events[1:]
			q.mu.Unlock()
			return e, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// subscribe registers the hub callbacks on the network client.  Every callback
// enqueues one event and returns.
func (c *Controller) subscribe(net NetworkClient) {
	q := c.queue
	net.SetNotifications(&spv.Notifications{
		Tx: func(tx *wire.MsgTx) {
			q.push(Event{Kind: EventTx, Tx: tx})
		},
		Block: func(block *btcutil.Block, height int32) {
			q.push(Event{Kind: EventBlock, Block: block, Height: height})
		},
		MerkleBlock: func(mb *spv.MerkleBlock) {
			q.push(Event{Kind: EventMerkleBlock, MerkleBlock: mb, Height: mb.Header.Height})
		},
		BlockTreeChanged: func(bestHeight int32) {
			q.push(Event{Kind: EventBlockTreeChanged, Height: bestHeight})
		},
		Status: func(text string) {
			q.push(Event{Kind: EventStatus, Text: text})
		},
		Error: func(err error) {
			q.push(Event{Kind: EventError, Err: err})
		},
		Open: func(host string, port uint16) {
			q.push(Event{Kind: EventOpen, Host: host, Port: port})
		},
		Close: func() {
			q.push(Event{Kind: EventClose})
		},
		Started: func() {
			q.push(Event{Kind: EventStarted})
		},
		Stopped: func() {
			q.push(Event{Kind: EventStopped})
		},
		Timeout: func() {
			q.push(Event{Kind: EventTimeout})
		},
		DoneInitialSync: func() {
			q.push(Event{Kind: EventDoneInitialSync, Height: net.BestHeight()})
		},
		BestChainExtended: func(h *spv.ChainHeader) {
			q.push(Event{Kind: EventBestChainExtended, Header: h, Height: h.Height})
		},
		BestChainShortened: func(h *spv.ChainHeader) {
			// The best height is read at delivery, before any later
			// extension of the chain.
			q.push(Event{Kind: EventBestChainShortened, Header: h, Height: net.BestHeight()})
		},
		ResyncDone: func(id uint64) {
			q.push(Event{Kind: EventResyncDone, ResyncID: id})
		},
	})
}
