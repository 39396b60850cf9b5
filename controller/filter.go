// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"github.com/btcsuite/btcd/btcutil/bloom"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/vault"
)

// FilterParams are the parameters of filters installed on the network client.
type FilterParams struct {
	FalsePositiveRate float64
	Tweak             uint32
	Flags             wire.BloomUpdateType
}

// DefaultFilterParams returns the default filter parameters.
func DefaultFilterParams() FilterParams {
	return FilterParams{
		FalsePositiveRate: 0.0001,
		Flags:             wire.BloomUpdateNone,
	}
}

// BuildFilter builds a filter matching every data push of each watched output
// script, each redeem script and each unspent outpoint of ws.
func BuildFilter(ws *vault.WatchSet, p FilterParams) *bloom.Filter {
	var elements [][]byte
	for _, script := range ws.Scripts {
		pushes, err := txscript.PushedData(script)
		if err != nil {
			log.Warnf("Unparsable watched script %x: %v", script, err)
			continue
		}
		for _, push := range pushes {
			if len(push) > 0 {
				elements = append(elements, push)
			}
		}
	}
	elements = append(elements, ws.RedeemScripts...)

	n := uint32(len(elements) + len(ws.OutPoints))
	if n == 0 {
		n = 1
	}
	f := bloom.NewFilter(n, p.Tweak, p.FalsePositiveRate, p.Flags)
	for _, e := range elements {
		f.Add(e)
	}
	for i := range ws.OutPoints {
		f.AddOutPoint(&ws.OutPoints[i])
	}
	return f
}
