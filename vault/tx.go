// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	bolt "go.etcd.io/bbolt"
)

// TxStatus is the lifecycle state of a vault transaction.  Statuses only move
// forward; a record leaves the lifecycle only by deletion.
type TxStatus uint8

// Transaction statuses.
const (
	Unsigned TxStatus = iota // Missing required signatures
	Signed                   // Fully signed, not yet handed to the network
	Sent                     // Handed to the network client for relay
	Received                 // Observed from the network
)

func (s TxStatus) String() string {
	switch s {
	case Unsigned:
		return "UNSIGNED"
	case Signed:
		return "SIGNED"
	case Sent:
		return "SENT"
	case Received:
		return "RECEIVED"
	default:
		return "UNKNOWN"
	}
}

// TxRecord is a transaction stored by the vault.
type TxRecord struct {
	// Hash is the hash of the transaction with all signature scripts
	// removed.  It identifies the transaction while signatures are added.
	Hash chainhash.Hash

	// TxID is the network hash of the transaction in its current form.
	TxID chainhash.Hash

	Tx     *wire.MsgTx
	Status TxStatus

	// BlockHeight is -1 when the transaction is not known to be mined.
	BlockHeight int32
	BlockHash   chainhash.Hash

	Added time.Time
}

// Raw returns the serialized transaction.
func (r *TxRecord) Raw() []byte {
	var buf bytes.Buffer
	buf.Grow(r.Tx.SerializeSize())
	_ = r.Tx.Serialize(&buf)
	return buf.Bytes()
}

// UnsignedHash returns the hash of tx with all signature scripts and
// witnesses removed.
func UnsignedHash(tx *wire.MsgTx) chainhash.Hash {
	c := tx.Copy()
	for _, in := range c.TxIn {
		in.SignatureScript = nil
		in.Witness = nil
	}
	return c.TxHash()
}

// DecodeTx deserializes a raw transaction.
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	tx := new(wire.MsgTx)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	return tx, nil
}

type txRecord struct {
	raw         []byte
	status      TxStatus
	blockHeight int32
	blockHash   chainhash.Hash
	added       int64
}

func (r *txRecord) encode() ([]byte, error) {
	var w recordWriter
	w.bytes(r.raw)
	w.uint64(uint64(r.status))
	w.int64(int64(r.blockHeight))
	w.bytes(r.blockHash[:])
	w.int64(r.added)
	return w.finish()
}

func decodeTxRecord(b []byte) (*txRecord, error) {
	r := newRecordReader(b)
	rec := &txRecord{
		raw:         r.bytes(),
		status:      TxStatus(r.uint64()),
		blockHeight: int32(r.int64()),
	}
	copy(rec.blockHash[:], r.bytes())
	rec.added = r.int64()
	return rec, r.finish("transaction")
}

func (r *txRecord) export(hash chainhash.Hash) (*TxRecord, error) {
	msgTx, err := DecodeTx(r.raw)
	if err != nil {
		return nil, err
	}
	return &TxRecord{
		Hash:        hash,
		TxID:        msgTx.TxHash(),
		Tx:          msgTx,
		Status:      r.status,
		BlockHeight: r.blockHeight,
		BlockHash:   r.blockHash,
		Added:       time.Unix(r.added, 0),
	}, nil
}

func fetchTxRecord(tx *bolt.Tx, hash []byte) (*txRecord, error) {
	b := tx.Bucket(txBucket).Get(hash)
	if b == nil {
		return nil, nil
	}
	return decodeTxRecord(b)
}

func putTxRecord(tx *bolt.Tx, hash []byte, rec *txRecord) error {
	b, err := rec.encode()
	if err != nil {
		return err
	}
	return tx.Bucket(txBucket).Put(hash, b)
}

func serializeTx(msgTx *wire.MsgTx) []byte {
	var buf bytes.Buffer
	buf.Grow(msgTx.SerializeSize())
	_ = msgTx.Serialize(&buf)
	return buf.Bytes()
}

type creditRecord struct {
	txHash   chainhash.Hash // unsigned hash of the creating transaction
	value    int64
	pkScript []byte
	account  string
}

func (r *creditRecord) encode() ([]byte, error) {
	var w recordWriter
	w.bytes(r.txHash[:])
	w.int64(r.value)
	w.bytes(r.pkScript)
	w.string(r.account)
	return w.finish()
}

func decodeCredit(b []byte) (*creditRecord, error) {
	r := newRecordReader(b)
	rec := new(creditRecord)
	copy(rec.txHash[:], r.bytes())
	rec.value = r.int64()
	rec.pkScript = r.bytes()
	rec.account = r.string()
	return rec, r.finish("credit")
}

func outPointKey(op *wire.OutPoint) []byte {
	k := make([]byte, chainhash.HashSize+4)
	copy(k, op.Hash[:])
	binary.LittleEndian.PutUint32(k[chainhash.HashSize:], op.Index)
	return k
}

func decodeOutPointKey(k []byte) (wire.OutPoint, error) {
	var op wire.OutPoint
	if len(k) != chainhash.HashSize+4 {
		return op, errors.E(errors.Encoding, "malformed outpoint key")
	}
	copy(op.Hash[:], k)
	op.Index = binary.LittleEndian.Uint32(k[chainhash.HashSize:])
	return op, nil
}

// relevant returns whether a transaction spends an account output or pays to
// an account script.
func (v *Vault) relevant(tx *bolt.Tx, msgTx *wire.MsgTx) bool {
	credits := tx.Bucket(creditBucket)
	for _, in := range msgTx.TxIn {
		if credits.Get(outPointKey(&in.PreviousOutPoint)) != nil {
			return true
		}
	}
	scripts := tx.Bucket(scriptBucket)
	for _, out := range msgTx.TxOut {
		if len(out.PkScript) != 0 && scripts.Get(out.PkScript) != nil {
			return true
		}
	}
	return false
}

// applyTx records the spends of a transaction, marks the account scripts it
// pays to as used, and, once the transaction is fully signed, records the
// outputs it pays to accounts as credits.
func (v *Vault) applyTx(tx *bolt.Tx, hash chainhash.Hash, msgTx *wire.MsgTx, status TxStatus) (extended bool, err error) {
	credits := tx.Bucket(creditBucket)
	spends := tx.Bucket(spendBucket)
	for _, in := range msgTx.TxIn {
		k := outPointKey(&in.PreviousOutPoint)
		if credits.Get(k) == nil {
			continue
		}
		if spender := spends.Get(k); spender != nil && !bytes.Equal(spender, hash[:]) {
			if status != Received {
				var other chainhash.Hash
				copy(other[:], spender)
				return false, errors.E(errors.Invalid, errors.Errorf("output %v "+
					"is already spent by %v", in.PreviousOutPoint, &other))
			}
		}
		if err := spends.Put(k, hash[:]); err != nil {
			return false, err
		}
	}

	txid := msgTx.TxHash()
	for i, out := range msgTx.TxOut {
		rec, err := fetchScript(tx, out.PkScript)
		if err != nil {
			return extended, err
		}
		if rec == nil {
			continue
		}
		ext, err := v.markScriptUsed(tx, out.PkScript, rec)
		if err != nil {
			return extended, err
		}
		extended = extended || ext
		if status < Signed {
			continue
		}
		k := outPointKey(wire.NewOutPoint(&txid, uint32(i)))
		if credits.Get(k) != nil {
			continue
		}
		c := &creditRecord{txHash: hash, value: out.Value, pkScript: out.PkScript, account: rec.account}
		b, err := c.encode()
		if err != nil {
			return extended, err
		}
		if err := credits.Put(k, b); err != nil {
			return extended, err
		}
	}
	return extended, nil
}

// removeOutputs drops the credits recorded under a txid that no longer
// identifies its transaction.  Unreceived transactions spending those outputs
// are deleted with them.
func (v *Vault) removeOutputs(tx *bolt.Tx, txid *chainhash.Hash, n int) error {
	credits := tx.Bucket(creditBucket)
	spends := tx.Bucket(spendBucket)
	for i := 0; i < n; i++ {
		k := outPointKey(wire.NewOutPoint(txid, uint32(i)))
		if spender := spends.Get(k); spender != nil {
			spender = append([]byte(nil), spender...)
			rec, err := fetchTxRecord(tx, spender)
			if err != nil {
				return err
			}
			if rec != nil && rec.status != Received {
				if err := v.deleteTx(tx, spender); err != nil {
					return err
				}
			}
			if err := spends.Delete(k); err != nil {
				return err
			}
		}
		if err := credits.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (v *Vault) insertTx(tx *bolt.Tx, msgTx *wire.MsgTx, status TxStatus, now time.Time) (*TxRecord, bool, bool, error) {
	hash := UnsignedHash(msgTx)
	txid := msgTx.TxHash()
	rec, err := fetchTxRecord(tx, hash[:])
	if err != nil {
		return nil, false, false, err
	}
	changed := false
	var oldTxID *chainhash.Hash
	switch {
	case rec == nil:
		if !v.relevant(tx, msgTx) {
			return nil, false, false, nil
		}
		rec = &txRecord{raw: serializeTx(msgTx), status: status, blockHeight: -1, added: now.Unix()}
		changed = true
	case status > rec.status || (status == Unsigned && rec.status == Unsigned):
		raw := serializeTx(msgTx)
		if status == rec.status && bytes.Equal(raw, rec.raw) {
			break
		}
		prev, err := DecodeTx(rec.raw)
		if err != nil {
			return nil, false, false, err
		}
		if prevID := prev.TxHash(); prevID != txid {
			oldTxID = &prevID
		}
		rec.raw = raw
		rec.status = status
		changed = true
	}

	// A block matching the txid may already have been processed.
	if h := tx.Bucket(confirmedBucket).Get(txid[:]); h != nil && rec.blockHeight < 0 {
		rec.blockHeight = keyHeight(h)
		if blk, err := fetchBlock(tx, rec.blockHeight); err == nil && blk != nil {
			rec.blockHash = blk.hash
		}
		if rec.status < Received {
			rec.status = Received
		}
		changed = true
	}
	if !changed {
		r, err := rec.export(hash)
		return r, false, false, err
	}

	if oldTxID != nil {
		if err := v.removeOutputs(tx, oldTxID, len(msgTx.TxOut)); err != nil {
			return nil, false, false, err
		}
		if err := tx.Bucket(txidBucket).Delete(oldTxID[:]); err != nil {
			return nil, false, false, err
		}
	}
	extended, err := v.applyTx(tx, hash, msgTx, rec.status)
	if err != nil {
		return nil, false, false, err
	}
	if err := tx.Bucket(txidBucket).Put(txid[:], hash[:]); err != nil {
		return nil, false, false, err
	}
	if err := putTxRecord(tx, hash[:], rec); err != nil {
		return nil, false, false, err
	}
	r, err := rec.export(hash)
	return r, true, extended, err
}

// InsertTx stores a transaction relevant to any account with the given
// status.  An existing record is only updated when the status advances, or
// while it is unsigned and more signatures were added; statuses never move
// backwards.  A nil record is returned for irrelevant transactions.  changed
// reports whether the store was modified.
func (v *Vault) InsertTx(msgTx *wire.MsgTx, status TxStatus) (rec *TxRecord, changed bool, err error) {
	const op errors.Op = "vault.InsertTx"
	var extended bool
	err = v.update(func(tx *bolt.Tx) error {
		var err error
		rec, changed, extended, err = v.insertTx(tx, msgTx, status, time.Now())
		return err
	})
	if err != nil {
		return nil, false, errors.E(op, err)
	}
	if extended {
		v.watchGen.Add(1)
	}
	if changed {
		log.Debugf("Stored transaction %v (%v)", &rec.Hash, rec.Status)
	}
	return rec, changed, nil
}

// UpdateTxStatus advances the status of a stored transaction.  Moving a
// status backwards is an error; setting the current status is a no-op.
func (v *Vault) UpdateTxStatus(hash *chainhash.Hash, status TxStatus) error {
	const op errors.Op = "vault.UpdateTxStatus"
	var extended bool
	err := v.update(func(tx *bolt.Tx) error {
		rec, err := fetchTxRecord(tx, hash[:])
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.E(errors.NotExist, errors.Errorf("no transaction %v", hash))
		}
		if status < rec.status {
			return errors.E(errors.Invalid, errors.Errorf("transaction status "+
				"can not move from %v to %v", rec.status, status))
		}
		if status == rec.status {
			return nil
		}
		msgTx, err := DecodeTx(rec.raw)
		if err != nil {
			return err
		}
		rec.status = status
		extended, err = v.applyTx(tx, *hash, msgTx, status)
		if err != nil {
			return err
		}
		return putTxRecord(tx, hash[:], rec)
	})
	if err != nil {
		return errors.E(op, err)
	}
	if extended {
		v.watchGen.Add(1)
	}
	return nil
}

func (v *Vault) deleteTx(tx *bolt.Tx, hash []byte) error {
	rec, err := fetchTxRecord(tx, hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.E(errors.NotExist, "no such transaction")
	}
	if rec.status == Received {
		return errors.E(errors.Invalid, "received transactions can not be deleted")
	}
	msgTx, err := DecodeTx(rec.raw)
	if err != nil {
		return err
	}
	txid := msgTx.TxHash()
	credits := tx.Bucket(creditBucket)
	spends := tx.Bucket(spendBucket)

	// Transactions spending outputs of this one are deleted first.
	for i := range msgTx.TxOut {
		k := outPointKey(wire.NewOutPoint(&txid, uint32(i)))
		if spender := spends.Get(k); spender != nil {
			spender = append([]byte(nil), spender...)
			if err := v.deleteTx(tx, spender); err != nil {
				return err
			}
			if err := spends.Delete(k); err != nil {
				return err
			}
		}
		if err := credits.Delete(k); err != nil {
			return err
		}
	}
	for _, in := range msgTx.TxIn {
		k := outPointKey(&in.PreviousOutPoint)
		if s := spends.Get(k); s != nil && bytes.Equal(s, hash) {
			if err := spends.Delete(k); err != nil {
				return err
			}
		}
	}
	if err := tx.Bucket(txidBucket).Delete(txid[:]); err != nil {
		return err
	}
	return tx.Bucket(txBucket).Delete(hash)
}

// DeleteTx removes a transaction that has not been received from the network,
// along with every stored transaction spending its outputs.
func (v *Vault) DeleteTx(hash *chainhash.Hash) error {
	const op errors.Op = "vault.DeleteTx"
	err := v.update(func(tx *bolt.Tx) error {
		return v.deleteTx(tx, hash[:])
	})
	if err != nil {
		return errors.E(op, err)
	}
	log.Infof("Deleted transaction %v", hash)
	return nil
}

// Tx returns the transaction identified by its unsigned hash.
func (v *Vault) Tx(hash *chainhash.Hash) (*TxRecord, error) {
	const op errors.Op = "vault.Tx"
	var r *TxRecord
	err := v.view(func(tx *bolt.Tx) error {
		rec, err := fetchTxRecord(tx, hash[:])
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.E(errors.NotExist, errors.Errorf("no transaction %v", hash))
		}
		r, err = rec.export(*hash)
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return r, nil
}

// TxByID returns the transaction with the network hash txid.
func (v *Vault) TxByID(txid *chainhash.Hash) (*TxRecord, error) {
	const op errors.Op = "vault.TxByID"
	var hash chainhash.Hash
	err := v.view(func(tx *bolt.Tx) error {
		h := tx.Bucket(txidBucket).Get(txid[:])
		if h == nil {
			return errors.E(errors.NotExist, errors.Errorf("no transaction %v", txid))
		}
		copy(hash[:], h)
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return v.Tx(&hash)
}

// Txs returns the stored transactions with any of the statuses, or all
// transactions when none are given, ordered by insertion time.
func (v *Vault) Txs(statuses ...TxStatus) ([]*TxRecord, error) {
	const op errors.Op = "vault.Txs"
	recs, err := v.txs(nil, statuses)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return recs, nil
}

// AccountTxs returns the transactions paying to or spending from account with
// any of the given statuses, or all of its transactions when none are given.
func (v *Vault) AccountTxs(account string, statuses ...TxStatus) ([]*TxRecord, error) {
	const op errors.Op = "vault.AccountTxs"
	err := v.view(func(tx *bolt.Tx) error {
		_, err := fetchAccount(tx, account)
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	recs, err := v.txs(func(tx *bolt.Tx, msgTx *wire.MsgTx) (bool, error) {
		return involves(tx, msgTx, account)
	}, statuses)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return recs, nil
}

// involves returns whether msgTx spends a credit of account or pays to one of
// its scripts.
func involves(tx *bolt.Tx, msgTx *wire.MsgTx, account string) (bool, error) {
	credits := tx.Bucket(creditBucket)
	for _, in := range msgTx.TxIn {
		b := credits.Get(outPointKey(&in.PreviousOutPoint))
		if b == nil {
			continue
		}
		c, err := decodeCredit(b)
		if err != nil {
			return false, err
		}
		if c.account == account {
			return true, nil
		}
	}
	for _, out := range msgTx.TxOut {
		rec, err := fetchScript(tx, out.PkScript)
		if err != nil {
			return false, err
		}
		if rec != nil && rec.account == account {
			return true, nil
		}
	}
	return false, nil
}

func (v *Vault) txs(match func(*bolt.Tx, *wire.MsgTx) (bool, error), statuses []TxStatus) ([]*TxRecord, error) {
	want := func(s TxStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, st := range statuses {
			if st == s {
				return true
			}
		}
		return false
	}
	var recs []*TxRecord
	err := v.view(func(tx *bolt.Tx) error {
		return tx.Bucket(txBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeTxRecord(val)
			if err != nil {
				return err
			}
			if !want(rec.status) {
				return nil
			}
			var hash chainhash.Hash
			copy(hash[:], k)
			r, err := rec.export(hash)
			if err != nil {
				return err
			}
			if match != nil {
				ok, err := match(tx, r.Tx)
				if err != nil || !ok {
					return err
				}
			}
			recs = append(recs, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Added.Before(recs[j].Added) })
	return recs, nil
}

// Credit is an unspent output paying to an account script.
type Credit struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Account  string
}

// unspent returns the unspent credits of an account, largest value first.
func unspent(tx *bolt.Tx, account string) ([]Credit, error) {
	var credits []Credit
	spends := tx.Bucket(spendBucket)
	err := tx.Bucket(creditBucket).ForEach(func(k, val []byte) error {
		if spends.Get(k) != nil {
			return nil
		}
		c, err := decodeCredit(val)
		if err != nil {
			return err
		}
		if c.account != account {
			return nil
		}
		op, err := decodeOutPointKey(k)
		if err != nil {
			return err
		}
		credits = append(credits, Credit{
			OutPoint: op,
			Value:    btcutil.Amount(c.value),
			PkScript: c.pkScript,
			Account:  c.account,
		})
		return nil
	})
	sort.SliceStable(credits, func(i, j int) bool { return credits[i].Value > credits[j].Value })
	return credits, err
}

// Unspent returns the unspent outputs of an account, largest value first.
func (v *Vault) Unspent(account string) ([]Credit, error) {
	const op errors.Op = "vault.Unspent"
	var credits []Credit
	err := v.view(func(tx *bolt.Tx) error {
		if _, err := fetchAccount(tx, account); err != nil {
			return err
		}
		var err error
		credits, err = unspent(tx, account)
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return credits, nil
}

// Balance returns the sum of the unspent outputs of an account.
func (v *Vault) Balance(account string) (btcutil.Amount, error) {
	credits, err := v.Unspent(account)
	if err != nil {
		return 0, err
	}
	var total btcutil.Amount
	for _, c := range credits {
		total += c.Value
	}
	return total, nil
}
