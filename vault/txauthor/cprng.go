// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txauthor

import (
	"crypto/rand"

	"github.com/coinvault/vaultd/internal/uniformprng"
)

// cprng is a cryptographically random-seeded prng.  It is seeded during package
// init.  Any initialization errors result in panics.  It is safe for concurrent
// access.
var cprng *uniformprng.Source

func init() {
	var err error
	cprng, err = uniformprng.RandSource(rand.Reader)
	if err != nil {
		panic("Failed to seed prng: " + err.Error())
	}
}
