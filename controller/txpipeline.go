// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package controller

import (
	"bytes"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/vault"
)

func serialize(tx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	_ = tx.Serialize(&buf)
	return buf.Bytes()
}

// OutputToAddress returns an output paying amount to an encoded address of
// the active network.
func (c *Controller) OutputToAddress(addr string, amount btcutil.Amount) (*wire.TxOut, error) {
	const op errors.Op = "controller.OutputToAddress"
	a, err := btcutil.DecodeAddress(addr, c.params)
	if err != nil {
		return nil, errors.E(op, errors.InvalidOutput, err)
	}
	if !a.IsForNet(c.params) {
		return nil, errors.E(op, errors.InvalidOutput, errors.Errorf("address %v "+
			"is not for %s", addr, c.params.Name))
	}
	pkScript, err := txscript.PayToAddrScript(a)
	if err != nil {
		return nil, errors.E(op, errors.InvalidOutput, err)
	}
	return wire.NewTxOut(int64(amount), pkScript), nil
}

// CreateRawTransaction builds a transaction from account paying outputs with
// an absolute fee.  The vault is not modified.
func (c *Controller) CreateRawTransaction(account string, outputs []*wire.TxOut, fee btcutil.Amount) ([]byte, error) {
	const op errors.Op = "controller.CreateRawTransaction"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	authored, err := v.CreateTx(account, outputs, fee)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return serialize(authored.Tx), nil
}

// CreateTransaction builds a transaction from account and stores it as
// unsigned.  When sign is set and the vault holds every required key, the
// transaction is signed first and stored as signed.  Nothing is stored when
// signing fails.
func (c *Controller) CreateTransaction(account string, outputs []*wire.TxOut, fee btcutil.Amount, sign bool) (*vault.TxRecord, error) {
	const op errors.Op = "controller.CreateTransaction"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	authored, err := v.CreateTx(account, outputs, fee)
	if err != nil {
		return nil, errors.E(op, err)
	}
	tx, status := authored.Tx, vault.Unsigned
	if sign && !v.Locked() {
		signed, complete, err := v.SignTx(tx)
		if err != nil {
			return nil, errors.E(op, err)
		}
		tx = signed
		if complete {
			status = vault.Signed
		}
	}
	rec, _, err := v.InsertTx(tx, status)
	if err != nil {
		return nil, errors.E(op, err)
	}
	if rec == nil {
		return nil, errors.E(op, errors.Bug, "authored transaction is not relevant to the vault")
	}
	log.Infof("Created transaction %v (%v)", &rec.Hash, rec.Status)
	c.ntfns.notifyTransactions(rec.Hash)
	c.refreshFilter(v, false)
	return rec, nil
}

// SignRawTransaction adds every signature the vault can provide to a
// transaction.  A partially signed result is returned with complete false.
// A stored unsigned record of the transaction is updated with the added
// signatures, becoming signed once complete.
func (c *Controller) SignRawTransaction(raw []byte) (signed []byte, complete bool, err error) {
	const op errors.Op = "controller.SignRawTransaction"
	v, err := c.openVault()
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	tx, err := vault.DecodeTx(raw)
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	signedTx, complete, err := v.SignTx(tx)
	if err != nil {
		return nil, false, errors.E(op, err)
	}

	hash := vault.UnsignedHash(tx)
	rec, err := v.Tx(&hash)
	switch {
	case errors.Is(errors.NotExist, err):
	case err != nil:
		return nil, false, errors.E(op, err)
	case rec.Status == vault.Unsigned:
		status := vault.Unsigned
		if complete {
			status = vault.Signed
		}
		if _, changed, err := v.InsertTx(signedTx, status); err != nil {
			return nil, false, errors.E(op, err)
		} else if changed {
			c.ntfns.notifyTransactions(hash)
		}
	}
	return serialize(signedTx), complete, nil
}

// InsertRawTransaction stores a transaction involving any account, as signed
// when every input is signed and unsigned otherwise.
func (c *Controller) InsertRawTransaction(raw []byte) (*vault.TxRecord, error) {
	const op errors.Op = "controller.InsertRawTransaction"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	rec, err := c.insertRaw(v, raw)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return rec, nil
}

func (c *Controller) insertRaw(v *vault.Vault, raw []byte) (*vault.TxRecord, error) {
	tx, err := vault.DecodeTx(raw)
	if err != nil {
		return nil, err
	}
	complete, err := v.IsComplete(tx)
	if err != nil {
		return nil, err
	}
	status := vault.Unsigned
	if complete {
		status = vault.Signed
	}
	rec, changed, err := v.InsertTx(tx, status)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.E(errors.Invalid, "transaction does not involve any account")
	}
	if changed {
		c.ntfns.notifyTransactions(rec.Hash)
		c.refreshFilter(v, false)
	}
	return rec, nil
}

// SendRawTransaction stores a transaction involving any account and
// broadcasts it.
func (c *Controller) SendRawTransaction(raw []byte) (*vault.TxRecord, error) {
	const op errors.Op = "controller.SendRawTransaction"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	rec, err := c.insertRaw(v, raw)
	if err != nil {
		return nil, errors.E(op, err)
	}
	rec, err = c.broadcast(v, &rec.Hash)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return rec, nil
}

// Broadcast sends a signed transaction to the network.  The record becomes
// sent once the network client accepted the transaction for relay.
func (c *Controller) Broadcast(hash *chainhash.Hash) (*vault.TxRecord, error) {
	const op errors.Op = "controller.Broadcast"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	rec, err := c.broadcast(v, hash)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return rec, nil
}

func (c *Controller) broadcast(v *vault.Vault, hash *chainhash.Hash) (*vault.TxRecord, error) {
	c.mu.Lock()
	session := c.st.session.state
	c.mu.Unlock()
	if session == NotConnected {
		return nil, errors.E(errors.NotConnected)
	}
	rec, err := v.Tx(hash)
	if err != nil {
		return nil, err
	}
	if rec.Status != vault.Signed {
		return nil, errors.E(errors.IncompleteSignature, errors.Errorf("transaction "+
			"%v is %v", hash, rec.Status))
	}
	if err := c.net.SendTransaction(rec.Tx); err != nil {
		return nil, err
	}
	if err := v.UpdateTxStatus(hash, vault.Sent); err != nil {
		return nil, err
	}
	rec.Status = vault.Sent
	c.status("Sent transaction %v", &rec.TxID)
	c.ntfns.notifyTransactions(rec.Hash)
	return rec, nil
}

// DeleteTransaction removes a transaction not yet received from the network,
// along with transactions spending it.
func (c *Controller) DeleteTransaction(hash *chainhash.Hash) error {
	const op errors.Op = "controller.DeleteTransaction"
	v, err := c.openVault()
	if err != nil {
		return errors.E(op, err)
	}
	if err := v.DeleteTx(hash); err != nil {
		return errors.E(op, err)
	}
	c.ntfns.notifyTransactions(*hash)
	return nil
}

// Transactions lists the stored transactions with any of statuses, or all
// transactions when none are given.
func (c *Controller) Transactions(statuses ...vault.TxStatus) ([]*vault.TxRecord, error) {
	const op errors.Op = "controller.Transactions"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	recs, err := v.Txs(statuses...)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return recs, nil
}

// AccountTransactions lists the transactions paying to or spending from
// account with any of statuses, or all of them when none are given.
func (c *Controller) AccountTransactions(account string, statuses ...vault.TxStatus) ([]*vault.TxRecord, error) {
	const op errors.Op = "controller.AccountTransactions"
	v, err := c.openVault()
	if err != nil {
		return nil, errors.E(op, err)
	}
	recs, err := v.AccountTxs(account, statuses...)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return recs, nil
}

// Balance returns the unspent balance of account.
func (c *Controller) Balance(account string) (btcutil.Amount, error) {
	const op errors.Op = "controller.Balance"
	v, err := c.openVault()
	if err != nil {
		return 0, errors.E(op, err)
	}
	bal, err := v.Balance(account)
	if err != nil {
		return 0, errors.E(op, err)
	}
	return bal, nil
}
