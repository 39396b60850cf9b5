// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/coinvault/vaultd/controller"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/loader"
	"github.com/coinvault/vaultd/spv"
	"github.com/coinvault/vaultd/vault"
	"github.com/coinvault/vaultd/version"
)

func init() {
	// Format nested errors without newlines (better for logs).
	errors.Separator = ":: "
}

var (
	cfg *config
)

func main() {
	// Create a context that is cancelled when a shutdown request is received
	// through an interrupt signal or a completed command.
	ctx := withShutdownCancel(context.Background())
	go shutdownListener()

	// Run the vault until permanent failure or shutdown is requested.
	if err := run(ctx); err != nil && err != context.Canceled {
		os.Exit(1)
	}
}

// run is the main startup and teardown logic performed by the main package.  It
// is responsible for parsing the config, opening the vault, synchronizing it
// with the configured full node and running any requested command, then
// stopping all started services when the context is cancelled.
func run(ctx context.Context) error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, args, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s (Go version %s %s/%s)", version.String(), runtime.Version(),
		runtime.GOOS, runtime.GOARCH)

	var cmd *command
	if len(args) > 0 {
		cmd, err = lookupCommand(args)
		if err != nil {
			log.Error(err)
			return err
		}
	}

	if err := checkCreateDir(networkDir(cfg.AppDataDir, activeNet.Params)); err != nil {
		log.Errorf("Unable to create network directory: %v", err)
		return err
	}

	// Services are stopped in reverse order of their start: the vault is
	// closed, the synchronization client is closed, then the controller loop
	// and notification handlers are stopped.
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	syncer := spv.NewSyncer(activeNet.Params)
	ldr := loader.NewLoader(activeNet.Params)
	c := controller.New(&controller.Config{
		Net:          syncer,
		Loader:       ldr,
		Params:       activeNet.Params,
		FilterParams: cfg.filterParams(),
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		logNotifications(ctx, c.Notifications())
	}()
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Controller stopped: %v", err)
			requestShutdown()
		}
	}()

	if err := c.InitBlockTree(cfg.BlockTreeFile); err != nil {
		log.Errorf("Unable to open block tree: %v", err)
		return err
	}
	defer func() {
		if err := syncer.Close(); err != nil {
			log.Errorf("Unable to close block tree: %v", err)
		}
	}()

	if err := loadVault(ctx, c, ldr); err != nil {
		log.Errorf("Failed to load vault: %v", err)
		return err
	}
	defer func() {
		c.Disconnect()
		err := c.CloseVault()
		if err != nil && !errors.Is(errors.NotOpen, err) {
			log.Errorf("Failed to close vault: %v", err)
		}
	}()

	if cfg.AutoConnect || (cmd != nil && cmd.network) {
		log.Infof("Connecting to %s:%d", cfg.peerHost, cfg.peerPort)
		if err := c.Connect(cfg.peerHost, cfg.peerPort); err != nil {
			log.Errorf("Unable to connect: %v", err)
			return err
		}
	}
	if cfg.ResyncHeight >= 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resyncFromHeight(ctx, c, cfg.ResyncHeight)
		}()
	}
	if cfg.BroadcastSigned {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broadcastSigned(ctx, c)
		}()
	}

	if cmd != nil {
		if cmd.network {
			if err := waitSynched(ctx, c); err != nil {
				return err
			}
		}
		if err := cmd.run(ctx, c, args[1:]); err != nil {
			log.Errorf("%s: %v", args[0], err)
			return err
		}
		return nil
	}

	// Wait until shutdown is signaled before returning and running deferred
	// shutdown tasks.
	<-ctx.Done()
	return ctx.Err()
}

// logNotifications logs the controller notifications until ctx is cancelled.
func logNotifications(ctx context.Context, s *controller.NotificationServer) {
	sessions := s.SessionNotifications()
	heights := s.HeightNotifications()
	statuses := s.StatusNotifications()
	txs := s.TransactionNotifications()
	defer sessions.Done()
	defer heights.Done()
	defer statuses.Done()
	defer txs.Done()

	for {
		select {
		case n := <-sessions.C:
			log.Infof("Session %v", n.To)
		case n := <-heights.C:
			log.Debugf("Synchronized to height %d of %d", n.SyncHeight, n.BestHeight)
		case n := <-statuses.C:
			if n.Err != nil {
				log.Warn(n.Text)
			} else {
				log.Debug(n.Text)
			}
		case n := <-txs.C:
			for i := range n.Hashes {
				log.Debugf("Transaction %v changed", &n.Hashes[i])
			}
		case <-ctx.Done():
			return
		}
	}
}

// synched reports whether the current connection finished synchronizing the
// open vault.
func synched(s controller.Status) bool {
	return s.Session == controller.Synched && s.HeadersSynced && !s.Resyncing
}

// waitSynched blocks until the vault is synchronized with the connected peer.
// Every change to the watched state is accompanied by a session or status
// notification.
func waitSynched(ctx context.Context, c *controller.Controller) error {
	return waitState(ctx, c, synched)
}

func waitState(ctx context.Context, c *controller.Controller, ok func(controller.Status) bool) error {
	sessions := c.Notifications().SessionNotifications()
	statuses := c.Notifications().StatusNotifications()
	defer sessions.Done()
	defer statuses.Done()
	for !ok(c.State()) {
		select {
		case <-sessions.C:
		case <-statuses.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// resyncFromHeight requests a resync from height once the headers of the
// current connection reach it.
func resyncFromHeight(ctx context.Context, c *controller.Controller, height int32) {
	err := waitState(ctx, c, func(s controller.Status) bool {
		return s.HeadersSynced && s.BestHeight >= height
	})
	if err != nil {
		return
	}
	if err := c.ResyncFromHeight(height); err != nil {
		log.Errorf("Unable to resync from height %d: %v", height, err)
	}
}

// broadcastSigned broadcasts every stored signed transaction once the vault is
// synchronized.
func broadcastSigned(ctx context.Context, c *controller.Controller) {
	if err := waitSynched(ctx, c); err != nil {
		return
	}
	recs, err := c.Transactions(vault.Signed)
	if err != nil {
		log.Errorf("Unable to list signed transactions: %v", err)
		return
	}
	for _, rec := range recs {
		if _, err := c.Broadcast(&rec.Hash); err != nil {
			log.Errorf("Unable to broadcast %v: %v", &rec.TxID, err)
		}
	}
}
