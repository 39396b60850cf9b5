// Copyright (c) 2017-2022 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	_ "embed"
)

// sampleVaultdConf is the commented example config written to the application
// data directory on first run.
//
//go:embed sample-vaultd.conf
var sampleVaultdConf string
