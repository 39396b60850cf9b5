// Copyright (c) 2015-2016 The btcsuite developers
// Copyright (c) 2016-2017 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// clientBuffer is the number of notifications buffered for each client before
// the controller waits for the client to receive them.
const clientBuffer = 16

// NotificationServer is a server that interested clients may hook into to
// receive notifications of changes in the controller state.  Each client must
// receive from its channel until it calls Done.
type NotificationServer struct {
	sessions     clientList[*SessionNotification]
	heights      clientList[*HeightNotification]
	statuses     clientList[*StatusNotification]
	transactions clientList[*TransactionsNotification]
}

// SessionNotification reports a session state transition.
type SessionNotification struct {
	From, To SessionState
}

// HeightNotification reports the chain heights after either changed.
type HeightNotification struct {
	SyncHeight int32
	BestHeight int32
}

// StatusNotification carries status text for display.  Err is set for error
// statuses.
type StatusNotification struct {
	Text string
	Err  error
}

// TransactionsNotification signals that the vault transaction list changed.
// Hashes are the identifying hashes of added or modified records.
type TransactionsNotification struct {
	Hashes []chainhash.Hash
}

type clientList[T any] struct {
	clients []chan T
	mu      sync.Mutex
}

func (l *clientList[T]) add() chan T {
	c := make(chan T, clientBuffer)
	l.mu.Lock()
	l.clients = append(l.clients, c)
	l.mu.Unlock()
	return c
}

func (l *clientList[T]) remove(c chan T) {
	l.mu.Lock()
	clients := l.clients
	for i, ch := range clients {
		if c == ch {
			clients[i] = clients[len(clients)-1]
			l.clients = clients[:len(clients)-1]
			close(ch)
			break
		}
	}
	l.mu.Unlock()
}

func (l *clientList[T]) notify(n T) {
	l.mu.Lock()
	for _, c := range l.clients {
		c <- n
	}
	l.mu.Unlock()
}

// NotificationsClient receives notifications of one kind from a
// NotificationServer.
type NotificationsClient[T any] struct {
	C    <-chan T
	list *clientList[T]
	c    chan T
}

// Done deregisters the client from the server and drains any remaining
// messages.  It must be called exactly once when the client is finished
// receiving notifications.
func (c *NotificationsClient[T]) Done() {
	go func() {
		// Drain notifications until the client channel is removed from
		// the server and closed.
		for range c.C {
		}
	}()
	go c.list.remove(c.c)
}

func newClient[T any](l *clientList[T]) *NotificationsClient[T] {
	c := l.add()
	return &NotificationsClient[T]{C: c, list: l, c: c}
}

// SessionNotifications returns a client for session state transitions.
func (s *NotificationServer) SessionNotifications() *NotificationsClient[*SessionNotification] {
	return newClient(&s.sessions)
}

// HeightNotifications returns a client for chain height updates.
func (s *NotificationServer) HeightNotifications() *NotificationsClient[*HeightNotification] {
	return newClient(&s.heights)
}

// StatusNotifications returns a client for status and error text.
func (s *NotificationServer) StatusNotifications() *NotificationsClient[*StatusNotification] {
	return newClient(&s.statuses)
}

// TransactionNotifications returns a client for transaction list refresh
// signals.
func (s *NotificationServer) TransactionNotifications() *NotificationsClient[*TransactionsNotification] {
	return newClient(&s.transactions)
}

func (s *NotificationServer) notifySession(from, to SessionState) {
	s.sessions.notify(&SessionNotification{From: from, To: to})
}

func (s *NotificationServer) notifyHeights(sync, best int32) {
	s.heights.notify(&HeightNotification{SyncHeight: sync, BestHeight: best})
}

func (s *NotificationServer) notifyStatus(text string) {
	s.statuses.notify(&StatusNotification{Text: text})
}

func (s *NotificationServer) notifyError(text string, err error) {
	s.statuses.notify(&StatusNotification{Text: text, Err: err})
}

func (s *NotificationServer) notifyTransactions(hashes ...chainhash.Hash) {
	s.transactions.notify(&TransactionsNotification{Hashes: hashes})
}
