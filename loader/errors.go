// Copyright (c) 2017 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package loader

import "github.com/coinvault/vaultd/errors"

var (
	// ErrVaultLoaded describes the error condition of attempting to load or
	// create a vault when the loader has already done so.
	ErrVaultLoaded = errors.New("vault already loaded")

	// ErrVaultNotLoaded describes the error condition of attempting to close
	// a loaded vault when a vault has not been loaded.
	ErrVaultNotLoaded = errors.New("vault is not loaded")

	// ErrVaultExists describes the error condition of attempting to create a
	// new vault when one exists already.
	ErrVaultExists = errors.New("vault already exists")
)
