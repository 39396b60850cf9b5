// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2016 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txauthor provides transaction creation code for vaults.
package txauthor

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/mempool"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

const (
	// generatedTxVersion is the version of the transaction being generated.
	// It is defined as a constant here rather than using the wire.TxVersion
	// constant since a change in the transaction version will potentially
	// require changes to the generated transaction.
	generatedTxVersion = 1
)

// InputDetail provides a detailed summary of transaction inputs referencing
// spendable outputs.  This consists of the total spendable amount, the
// generated inputs, and the previous output scripts being redeemed.
type InputDetail struct {
	Amount  btcutil.Amount
	Inputs  []*wire.TxIn
	Scripts [][]byte
}

// InputSource provides transaction inputs referencing spendable outputs to
// construct a transaction outputting some target amount.  If the target amount
// can not be satisified, this can be signaled by returning a total amount less
// than the target or by returning a more detailed error.
type InputSource func(target btcutil.Amount) (detail *InputDetail, err error)

// AuthoredTx holds the state of a newly-created transaction and the change
// output (if one was added).
type AuthoredTx struct {
	Tx          *wire.MsgTx
	PrevScripts [][]byte
	TotalInput  btcutil.Amount
	Fee         btcutil.Amount
	ChangeIndex int // negative if no change
}

// ChangeSource provides change output scripts for transaction creation.
// Script is only called when a change output is added.
type ChangeSource interface {
	Script() ([]byte, error)
}

func sumOutputValues(outputs []*wire.TxOut) (totalOutput btcutil.Amount) {
	for _, txOut := range outputs {
		totalOutput += btcutil.Amount(txOut.Value)
	}
	return totalOutput
}

// CheckOutput returns an InvalidOutput error when the output can not be paid
// by an authored transaction: non-positive or dust values, and empty or
// nonstandard scripts are rejected.
func CheckOutput(txOut *wire.TxOut) error {
	const op errors.Op = "txauthor.CheckOutput"
	switch {
	case txOut.Value <= 0:
		return errors.E(op, errors.InvalidOutput, "output value must be positive")
	case txOut.Value > btcutil.MaxSatoshi:
		return errors.E(op, errors.InvalidOutput, "output value exceeds maximum")
	case len(txOut.PkScript) == 0:
		return errors.E(op, errors.InvalidOutput, "empty output script")
	case txscript.GetScriptClass(txOut.PkScript) == txscript.NonStandardTy:
		return errors.E(op, errors.InvalidOutput, "nonstandard output script")
	case mempool.IsDust(txOut, mempool.DefaultMinRelayTxFee):
		return errors.E(op, errors.InvalidOutput, "output value is dust")
	}
	return nil
}

// NewUnsignedTransaction creates an unsigned transaction paying to one or more
// non-change outputs with an absolute transaction fee.
//
// Transaction inputs are chosen from a call to fetchInputs with the sum of the
// outputs and fee as the target.
//
// If any remaining output value can be returned to the vault via a change
// output without violating mempool dust rules, a change output is appended to
// the transaction outputs.  Otherwise the remainder is added to the fee.
// fetchChange is called zero or one times to generate this script.
//
// If the input source was unable to provide enough input value to pay for
// every output and the fee, an InsufficientBalance error is returned.
func NewUnsignedTransaction(outputs []*wire.TxOut, fee btcutil.Amount,
	fetchInputs InputSource, fetchChange ChangeSource) (*AuthoredTx, error) {

	const op errors.Op = "txauthor.NewUnsignedTransaction"

	if len(outputs) == 0 {
		return nil, errors.E(op, errors.InvalidOutput, "no outputs")
	}
	if fee < 0 {
		return nil, errors.E(op, errors.Invalid, "negative fee")
	}
	for _, txOut := range outputs {
		if err := CheckOutput(txOut); err != nil {
			return nil, errors.E(op, err)
		}
	}

	targetAmount := sumOutputValues(outputs)
	inputDetail, err := fetchInputs(targetAmount + fee)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if inputDetail.Amount < targetAmount+fee {
		return nil, errors.E(op, errors.InsufficientBalance,
			errors.Errorf("need %v, have %v", targetAmount+fee, inputDetail.Amount))
	}

	l := len(outputs)
	unsignedTransaction := &wire.MsgTx{
		Version:  generatedTxVersion,
		TxIn:     inputDetail.Inputs,
		TxOut:    outputs[:l:l],
		LockTime: 0,
	}
	changeIndex := -1
	changeAmount := inputDetail.Amount - targetAmount - fee
	if changeAmount != 0 {
		changeScript, err := fetchChange.Script()
		if err != nil {
			return nil, errors.E(op, err)
		}
		change := wire.NewTxOut(int64(changeAmount), changeScript)
		if !mempool.IsDust(change, mempool.DefaultMinRelayTxFee) {
			unsignedTransaction.TxOut = append(unsignedTransaction.TxOut, change)
			changeIndex = l
		} else {
			fee += changeAmount
		}
	}
	return &AuthoredTx{
		Tx:          unsignedTransaction,
		PrevScripts: inputDetail.Scripts,
		TotalInput:  inputDetail.Amount,
		Fee:         fee,
		ChangeIndex: changeIndex,
	}, nil
}

// RandomizeOutputPosition randomizes the position of a transaction's output by
// swapping it with a random output.  The new index is returned.  This should be
// done before signing.
func RandomizeOutputPosition(outputs []*wire.TxOut, index int) int {
	r := cprng.Intn(len(outputs))
	outputs[r], outputs[index] = outputs[index], outputs[r]
	return r
}

// RandomizeChangePosition randomizes the position of an authored transaction's
// change output.  This should be done before signing.
func (tx *AuthoredTx) RandomizeChangePosition() {
	if tx.ChangeIndex < 0 {
		return
	}
	tx.ChangeIndex = RandomizeOutputPosition(tx.Tx.TxOut, tx.ChangeIndex)
}

// SecretsSource provides private keys and redeem scripts necessary for
// constructing transaction input signatures.  Secrets are looked up by the
// corresponding Address for the previous output script.  Addresses for lookup
// are created using the source's blockchain parameters and means a single
// SecretsSource can only manage secrets for a single chain.
type SecretsSource interface {
	txscript.KeyDB
	txscript.ScriptDB
	ChainParams() *chaincfg.Params
}

// AddAllInputScripts modifies a transaction by adding input scripts for each
// input.  Previous output scripts being redeemed by each input are passed in
// prevPkScripts and the slice length must match the number of inputs.  A nil
// previous script skips the input.  Signatures already present in an input's
// signature script are merged with the new ones, so inputs may be signed
// incrementally by several sources.
func AddAllInputScripts(tx *wire.MsgTx, prevPkScripts [][]byte, secrets SecretsSource) error {
	const op errors.Op = "txauthor.AddAllInputScripts"

	inputs := tx.TxIn
	chainParams := secrets.ChainParams()

	if len(inputs) != len(prevPkScripts) {
		return errors.E(op, errors.Invalid, "tx.TxIn and prevPkScripts "+
			"slices must have equal length")
	}

	for i := range inputs {
		pkScript := prevPkScripts[i]
		if pkScript == nil {
			continue
		}
		sigScript := inputs[i].SignatureScript
		script, err := txscript.SignTxOutput(chainParams, tx, i,
			pkScript, txscript.SigHashAll, secrets, secrets,
			sigScript)
		if err != nil {
			return errors.E(op, errors.Crypto, err)
		}
		inputs[i].SignatureScript = script
	}

	return nil
}

// AddAllInputScripts modifies an authored transaction by adding inputs scripts
// for each input of an authored transaction.  Private keys and redeem scripts
// are looked up using a SecretsSource based on the previous output script.
func (tx *AuthoredTx) AddAllInputScripts(secrets SecretsSource) error {
	return AddAllInputScripts(tx.Tx, tx.PrevScripts, secrets)
}
