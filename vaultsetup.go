// Copyright (c) 2014-2015 The btcsuite developers
// Copyright (c) 2015-2018 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/coinvault/vaultd/controller"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/internal/prompt"
	"github.com/coinvault/vaultd/internal/zero"
	"github.com/coinvault/vaultd/loader"
)

// networkDir returns the directory name of a network directory to hold vault
// and block tree files.
func networkDir(dataDir string, chainParams *chaincfg.Params) string {
	return filepath.Join(dataDir, chainParams.Name)
}

// loadVault opens the configured vault, creating it first when --create is set
// and no vault exists.  A created vault is left unlocked.  An opened vault is
// unlocked with the configured or prompted passphrase, when one is given.
func loadVault(ctx context.Context, c *controller.Controller, l *loader.Loader) error {
	exists, err := l.VaultExists(cfg.Vault)
	if err != nil {
		return err
	}
	if !exists {
		if !cfg.Create {
			return errors.E(errors.NotExist, errors.Errorf("no vault at %s "+
				"(use --create to create one)", cfg.Vault))
		}
		return createVault(ctx, c)
	}

	if _, err := c.OpenVault(cfg.Vault); err != nil {
		return err
	}
	switch {
	case cfg.VaultPass != "":
		pass := []byte(cfg.VaultPass)
		defer zero.Bytes(pass)
		if err := c.Unlock(pass); err != nil {
			log.Errorf("Incorrect passphrase in vaultpass config setting")
			return err
		}
	case cfg.PromptPass:
		for {
			pass, err := passPrompt(ctx, "Enter vault passphrase", false)
			if err != nil {
				return err
			}
			err = c.Unlock(pass)
			zero.Bytes(pass)
			if errors.Is(errors.Passphrase, err) {
				fmt.Println("Incorrect passphrase entered. Please try again.")
				continue
			}
			return err
		}
	}
	return nil
}

// createVault prompts for the passphrase of a new vault and creates it at the
// configured path.
func createVault(ctx context.Context, c *controller.Controller) error {
	if err := checkCreateDir(filepath.Dir(cfg.Vault)); err != nil {
		return err
	}
	var pass []byte
	var err error
	done := make(chan struct{}, 1)
	go func() {
		pass, err = prompt.VaultPass(bufio.NewReader(os.Stdin), []byte(cfg.VaultPass))
		done <- struct{}{}
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		if err != nil {
			return err
		}
	}
	defer zero.Bytes(pass)

	fmt.Println("Creating the vault...")
	if _, err := c.CreateVault(cfg.Vault, pass); err != nil {
		return err
	}
	fmt.Println("The vault has been created successfully.")
	return nil
}

func passPrompt(ctx context.Context, prefix string, confirm bool) (passphrase []byte, err error) {
	os.Stdout.Sync()
	c := make(chan struct{}, 1)
	go func() {
		passphrase, err = prompt.PassPrompt(bufio.NewReader(os.Stdin), prefix, confirm)
		c <- struct{}{}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c:
		return passphrase, err
	}
}

// checkCreateDir checks that the path exists and is a directory.
// If path does not exist, it is created.
func checkCreateDir(path string) error {
	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			// Attempt data directory creation
			if err = os.MkdirAll(path, 0700); err != nil {
				return errors.Errorf("cannot create directory: %s", err)
			}
		} else {
			return errors.Errorf("error checking directory: %s", err)
		}
	} else {
		if !fi.IsDir() {
			return errors.Errorf("path '%s' is not a directory", path)
		}
	}

	return nil
}
