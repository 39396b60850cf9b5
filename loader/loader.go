// Copyright (c) 2015-2017 The btcsuite developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package loader

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/vault"
)

// Loader implements the creating of new and opening of existing vaults, while
// providing a callback system for other subsystems to handle the loading of a
// vault.  At most one vault is loaded at a time; opening another requires the
// loaded vault to be unloaded first.
//
// Loader is safe for concurrent access.
type Loader struct {
	callbacks   []func(*vault.Vault)
	chainParams *chaincfg.Params
	vault       *vault.Vault
	mu          sync.Mutex

	// kdf overrides the generated key derivation parameters of new vaults.
	kdf *vault.KDFParams
}

// NewLoader constructs a Loader.
func NewLoader(chainParams *chaincfg.Params) *Loader {
	return &Loader{chainParams: chainParams}
}

// SetKDFParams overrides the key derivation parameters of vaults created
// afterwards.  A nil p restores generated parameters.
func (l *Loader) SetKDFParams(p *vault.KDFParams) {
	l.mu.Lock()
	l.kdf = p
	l.mu.Unlock()
}

// onLoaded executes each added callback and prevents loader from loading any
// additional vaults.  Requires mutex to be locked.
func (l *Loader) onLoaded(v *vault.Vault) {
	for _, fn := range l.callbacks {
		fn(v)
	}

	l.vault = v
	l.callbacks = nil // not needed anymore
}

// RunAfterLoad adds a function to be executed when the loader creates or opens
// a vault.  Functions are executed in a single goroutine in the order they are
// added.  When a vault is already loaded, fn runs immediately.
func (l *Loader) RunAfterLoad(fn func(*vault.Vault)) {
	l.mu.Lock()
	if l.vault != nil {
		v := l.vault
		l.mu.Unlock()
		fn(v)
	} else {
		l.callbacks = append(l.callbacks, fn)
		l.mu.Unlock()
	}
}

// CreateNewVault creates a new vault at path protected by passphrase.  The
// vault is returned unlocked.
func (l *Loader) CreateNewVault(path string, passphrase []byte) (v *vault.Vault, err error) {
	const op errors.Op = "loader.CreateNewVault"

	defer l.mu.Unlock()
	l.mu.Lock()

	if l.vault != nil {
		return nil, errors.E(op, ErrVaultLoaded)
	}

	// Ensure that the vault directory exists.
	dir := filepath.Dir(path)
	if fi, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.E(op, errors.IO, err)
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, errors.E(op, errors.IO, err)
		}
	} else if !fi.IsDir() {
		return nil, errors.E(op, errors.Invalid, errors.Errorf("path %q is not a directory", dir))
	}

	exists, err := fileExists(path)
	if err != nil {
		return nil, errors.E(op, errors.IO, err)
	}
	if exists {
		return nil, errors.E(op, errors.Exist, ErrVaultExists)
	}

	v, err = vault.Create(path, passphrase, l.chainParams, l.kdf)
	if err != nil {
		// A partially initialized file must not be mistaken for a vault.
		_ = os.Remove(path)
		return nil, errors.E(op, err)
	}

	log.Infof("Loaded vault %s", path)
	l.onLoaded(v)
	return v, nil
}

// OpenExistingVault opens the vault at path.  The vault is returned locked.
func (l *Loader) OpenExistingVault(path string) (*vault.Vault, error) {
	const op errors.Op = "loader.OpenExistingVault"

	defer l.mu.Unlock()
	l.mu.Lock()

	if l.vault != nil {
		return nil, errors.E(op, ErrVaultLoaded)
	}

	v, err := vault.Open(path, l.chainParams)
	if err != nil {
		log.Errorf("Failed to open vault %s: %v", path, err)
		return nil, errors.E(op, err)
	}

	log.Infof("Loaded vault %s", path)
	l.onLoaded(v)
	return v, nil
}

// VaultExists returns whether a file exists at path.  This may return an error
// for unexpected I/O failures.
func (l *Loader) VaultExists(path string) (bool, error) {
	return fileExists(path)
}

// LoadedVault returns the loaded vault, if any, and a bool for whether the
// vault has been loaded or not.  If true, the vault pointer should be safe to
// dereference.
func (l *Loader) LoadedVault() (*vault.Vault, bool) {
	l.mu.Lock()
	v := l.vault
	l.mu.Unlock()
	return v, v != nil
}

// UnloadVault locks and closes the loaded vault, if any.  This returns
// ErrVaultNotLoaded if the vault has not been loaded with CreateNewVault or
// OpenExistingVault.  The Loader may be reused if this function returns
// without error.
func (l *Loader) UnloadVault() error {
	const op errors.Op = "loader.UnloadVault"

	defer l.mu.Unlock()
	l.mu.Lock()

	if l.vault == nil {
		return errors.E(op, ErrVaultNotLoaded)
	}

	path := l.vault.Path()
	if err := l.vault.Close(); err != nil {
		return errors.E(op, err)
	}
	l.vault = nil
	log.Infof("Closed vault %s", path)
	return nil
}

func fileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
