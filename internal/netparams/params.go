// Copyright (c) 2013-2015 The btcsuite developers
// Copyright (c) 2016-2017 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params is used to group parameters for various networks such as the main
// network and test networks.
type Params struct {
	*chaincfg.Params

	// PeerPort is the port of the full node the synchronization client
	// connects to by default.
	PeerPort string
}

// MainNetParams contains parameters specific to running vaultd on the main
// network (wire.MainNet).
var MainNetParams = Params{
	Params:   &chaincfg.MainNetParams,
	PeerPort: "8333",
}

// TestNet3Params contains parameters specific to running vaultd on the test
// network (version 3) (wire.TestNet3).
var TestNet3Params = Params{
	Params:   &chaincfg.TestNet3Params,
	PeerPort: "18333",
}

// RegressionNetParams contains parameters specific to the regression test
// network (wire.TestNet).
var RegressionNetParams = Params{
	Params:   &chaincfg.RegressionNetParams,
	PeerPort: "18444",
}

// SimNetParams contains parameters specific to the simulation test network
// (wire.SimNet).
var SimNetParams = Params{
	Params:   &chaincfg.SimNetParams,
	PeerPort: "18555",
}
