// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/vault/txauthor"
	bolt "go.etcd.io/bbolt"
)

type changeSource struct {
	script []byte
	err    error
}

func (c *changeSource) Script() ([]byte, error) {
	return c.script, c.err
}

// CreateTx builds an unsigned transaction paying outputs from the unspent
// outputs of account, with an absolute fee.  Change returns to the next
// unissued script of the account.  The vault is not modified.
func (v *Vault) CreateTx(account string, outputs []*wire.TxOut, fee btcutil.Amount) (*txauthor.AuthoredTx, error) {
	const op errors.Op = "vault.CreateTx"

	var authored *txauthor.AuthoredTx
	err := v.view(func(tx *bolt.Tx) error {
		acct, err := fetchAccount(tx, account)
		if err != nil {
			return err
		}
		for _, kc := range acct.keychains {
			if _, err := fetchKeychain(tx, kc); err != nil {
				return errors.E(errors.NoKeychain, err)
			}
		}
		credits, err := unspent(tx, account)
		if err != nil {
			return err
		}
		inputs := func(target btcutil.Amount) (*txauthor.InputDetail, error) {
			detail := new(txauthor.InputDetail)
			for i := range credits {
				if detail.Amount >= target {
					break
				}
				c := &credits[i]
				detail.Amount += c.Value
				detail.Inputs = append(detail.Inputs, wire.NewTxIn(&c.OutPoint, nil, nil))
				detail.Scripts = append(detail.Scripts, c.PkScript)
			}
			return detail, nil
		}
		change := new(changeSource)
		change.script, change.err = v.changeScript(tx, account)

		authored, err = txauthor.NewUnsignedTransaction(outputs, fee, inputs, change)
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	authored.RandomizeChangePosition()
	return authored, nil
}

// secrets implements txauthor.SecretsSource over keys derived for the inputs
// being signed.
type secrets struct {
	params  *chaincfg.Params
	keys    map[string]*btcec.PrivateKey // by compressed pubkey
	scripts map[string][]byte            // by P2SH address
}

func (s *secrets) GetKey(addr btcutil.Address) (*btcec.PrivateKey, bool, error) {
	if pk, ok := addr.(*btcutil.AddressPubKey); ok {
		if key, ok := s.keys[string(pk.ScriptAddress())]; ok {
			return key, true, nil
		}
	}
	return nil, false, errors.E(errors.NotExist, "no private key")
}

func (s *secrets) GetScript(addr btcutil.Address) ([]byte, error) {
	script, ok := s.scripts[addr.EncodeAddress()]
	if !ok {
		return nil, errors.E(errors.NotExist, "no redeem script")
	}
	return script, nil
}

func (s *secrets) ChainParams() *chaincfg.Params {
	return s.params
}

// prevOut describes the account output spent by an input.
type prevOut struct {
	credit *creditRecord
	script *scriptRecord
}

func (v *Vault) prevOuts(tx *bolt.Tx, msgTx *wire.MsgTx) ([]*prevOut, error) {
	prev := make([]*prevOut, len(msgTx.TxIn))
	credits := tx.Bucket(creditBucket)
	for i, in := range msgTx.TxIn {
		b := credits.Get(outPointKey(&in.PreviousOutPoint))
		if b == nil {
			continue
		}
		c, err := decodeCredit(b)
		if err != nil {
			return nil, err
		}
		s, err := fetchScript(tx, c.pkScript)
		if err != nil {
			return nil, err
		}
		prev[i] = &prevOut{credit: c, script: s}
	}
	return prev, nil
}

// SignTx adds every signature the vault's private keychains can provide to
// the inputs spending account outputs.  Signatures already present are kept.
// A locked vault or missing private keychains produce a partially signed
// result, which is not an error; complete reports whether every input is
// fully signed.  The passed transaction is not modified.
func (v *Vault) SignTx(msgTx *wire.MsgTx) (signed *wire.MsgTx, complete bool, err error) {
	const op errors.Op = "vault.SignTx"

	signed = msgTx.Copy()
	src := &secrets{
		params:  v.params,
		keys:    make(map[string]*btcec.PrivateKey),
		scripts: make(map[string][]byte),
	}
	prevScripts := make([][]byte, len(signed.TxIn))
	var prev []*prevOut
	err = v.view(func(tx *bolt.Tx) error {
		var err error
		prev, err = v.prevOuts(tx, signed)
		if err != nil {
			return err
		}
		unsealed := make(map[string]*keychainRecord)
		for i, p := range prev {
			if p == nil || p.script == nil {
				continue
			}
			prevScripts[i] = p.credit.pkScript
			addr, _, err := v.p2shScript(p.script.redeemScript)
			if err != nil {
				return err
			}
			src.scripts[addr.EncodeAddress()] = p.script.redeemScript

			acct, err := fetchAccount(tx, p.script.account)
			if err != nil {
				return err
			}
			for _, name := range acct.keychains {
				kc, ok := unsealed[name]
				if !ok {
					kc, err = fetchKeychain(tx, name)
					if err != nil {
						if errors.Is(errors.NotExist, err) {
							continue
						}
						return err
					}
					unsealed[name] = kc
				}
				if !kc.private {
					continue
				}
				xprv, err := v.unsealKeychain(kc)
				if errors.Is(errors.Locked, err) {
					continue
				}
				if err != nil {
					return err
				}
				child, err := xprv.Derive(p.script.index)
				if err != nil {
					return errors.E(errors.Crypto, err)
				}
				priv, err := child.ECPrivKey()
				if err != nil {
					return errors.E(errors.Crypto, err)
				}
				src.keys[string(priv.PubKey().SerializeCompressed())] = priv
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.E(op, err)
	}

	if err := txauthor.AddAllInputScripts(signed, prevScripts, src); err != nil {
		return nil, false, errors.E(op, err)
	}
	complete = checkComplete(signed, prev)
	return signed, complete, nil
}

// IsComplete returns whether every input of a transaction is fully signed.
// Inputs spending account outputs are verified by executing their scripts;
// other inputs are assumed signed when they carry a signature script or
// witness.
func (v *Vault) IsComplete(msgTx *wire.MsgTx) (bool, error) {
	const op errors.Op = "vault.IsComplete"
	var prev []*prevOut
	err := v.view(func(tx *bolt.Tx) error {
		var err error
		prev, err = v.prevOuts(tx, msgTx)
		return err
	})
	if err != nil {
		return false, errors.E(op, err)
	}
	return checkComplete(msgTx, prev), nil
}

func checkComplete(msgTx *wire.MsgTx, prev []*prevOut) bool {
	outs := make(map[wire.OutPoint]*wire.TxOut, len(prev))
	for i, p := range prev {
		if p != nil {
			outs[msgTx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(p.credit.value, p.credit.pkScript)
		}
	}
	fetcher := txscript.NewMultiPrevOutFetcher(outs)
	for i, in := range msgTx.TxIn {
		p := prev[i]
		if p == nil {
			if len(in.SignatureScript) == 0 && len(in.Witness) == 0 {
				return false
			}
			continue
		}
		vm, err := txscript.NewEngine(p.credit.pkScript, msgTx, i,
			txscript.StandardVerifyFlags, nil, nil, p.credit.value, fetcher)
		if err != nil {
			return false
		}
		if err := vm.Execute(); err != nil {
			return false
		}
	}
	return true
}
