// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	bolt "go.etcd.io/bbolt"
)

type blockRecord struct {
	hash   chainhash.Hash
	header wire.BlockHeader
	txids  []chainhash.Hash
}

func (r *blockRecord) encode() ([]byte, error) {
	var hdr bytes.Buffer
	if err := r.header.Serialize(&hdr); err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	var w recordWriter
	w.bytes(r.hash[:])
	w.bytes(hdr.Bytes())
	w.uint64(uint64(len(r.txids)))
	for i := range r.txids {
		w.bytes(r.txids[i][:])
	}
	return w.finish()
}

func decodeBlock(b []byte) (*blockRecord, error) {
	r := newRecordReader(b)
	rec := new(blockRecord)
	copy(rec.hash[:], r.bytes())
	hdr := r.bytes()
	n := r.uint64()
	if n > maxRecordField/chainhash.HashSize {
		return nil, errors.E(errors.Encoding, "too many block transactions")
	}
	rec.txids = make([]chainhash.Hash, n)
	for i := range rec.txids {
		copy(rec.txids[i][:], r.bytes())
	}
	if err := r.finish("block"); err != nil {
		return nil, err
	}
	if err := rec.header.Deserialize(bytes.NewReader(hdr)); err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	return rec, nil
}

func fetchBlock(tx *bolt.Tx, height int32) (*blockRecord, error) {
	b := tx.Bucket(blockBucket).Get(heightKey(height))
	if b == nil {
		return nil, nil
	}
	return decodeBlock(b)
}

// removeBlocksFrom removes all blocks at and above height.  Transactions mined
// in removed blocks become unmined but keep their status.
func removeBlocksFrom(tx *bolt.Tx, height int32) error {
	blocks := tx.Bucket(blockBucket)
	var stale [][]byte
	c := blocks.Cursor()
	for k, _ := c.Seek(heightKey(height)); k != nil; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	confirmed := tx.Bucket(confirmedBucket)
	txids := tx.Bucket(txidBucket)
	for _, k := range stale {
		blk, err := decodeBlock(blocks.Get(k))
		if err != nil {
			return err
		}
		for i := range blk.txids {
			txid := blk.txids[i][:]
			if err := confirmed.Delete(txid); err != nil {
				return err
			}
			hash := txids.Get(txid)
			if hash == nil {
				continue
			}
			rec, err := fetchTxRecord(tx, hash)
			if err != nil || rec == nil {
				return err
			}
			rec.blockHeight = -1
			rec.blockHash = chainhash.Hash{}
			if err := putTxRecord(tx, hash, rec); err != nil {
				return err
			}
		}
		if err := blocks.Delete(k); err != nil {
			return err
		}
		log.Debugf("Removed stale block %v at height %d", &blk.hash, keyHeight(k))
	}
	return nil
}

func (v *Vault) insertMerkleBlock(tx *bolt.Tx, header *wire.BlockHeader, height int32, txids []chainhash.Hash) (bool, bool, error) {
	hash := header.BlockHash()
	inserted := true

	// A mismatch with the stored parent or a different block at this height
	// invalidates the stored chain from that point.
	if height > 0 {
		prev, err := fetchBlock(tx, height-1)
		if err != nil {
			return false, false, err
		}
		if prev != nil && prev.hash != header.PrevBlock {
			if err := removeBlocksFrom(tx, height-1); err != nil {
				return false, false, err
			}
		}
	}
	rec, err := fetchBlock(tx, height)
	if err != nil {
		return false, false, err
	}
	switch {
	case rec == nil:
		rec = &blockRecord{hash: hash, header: *header}
	case rec.hash != hash:
		if err := removeBlocksFrom(tx, height); err != nil {
			return false, false, err
		}
		rec = &blockRecord{hash: hash, header: *header}
	default:
		inserted = false
	}
	known := make(map[chainhash.Hash]struct{}, len(rec.txids))
	for _, h := range rec.txids {
		known[h] = struct{}{}
	}
	for _, h := range txids {
		if _, ok := known[h]; !ok {
			rec.txids = append(rec.txids, h)
			known[h] = struct{}{}
		}
	}
	b, err := rec.encode()
	if err != nil {
		return false, false, err
	}
	if err := tx.Bucket(blockBucket).Put(heightKey(height), b); err != nil {
		return false, false, err
	}

	extended := false
	confirmed := tx.Bucket(confirmedBucket)
	for i := range txids {
		txid := txids[i][:]
		if err := confirmed.Put(txid, heightKey(height)); err != nil {
			return false, false, err
		}
		hash := tx.Bucket(txidBucket).Get(txid)
		if hash == nil {
			continue
		}
		hash = append([]byte(nil), hash...)
		trec, err := fetchTxRecord(tx, hash)
		if err != nil || trec == nil {
			return false, false, err
		}
		trec.blockHeight = height
		trec.blockHash = rec.hash
		if trec.status < Received {
			msgTx, err := DecodeTx(trec.raw)
			if err != nil {
				return false, false, err
			}
			trec.status = Received
			var h chainhash.Hash
			copy(h[:], hash)
			ext, err := v.applyTx(tx, h, msgTx, Received)
			if err != nil {
				return false, false, err
			}
			extended = extended || ext
		}
		if err := putTxRecord(tx, hash, trec); err != nil {
			return false, false, err
		}
	}
	return inserted, extended, nil
}

// InsertMerkleBlock records a block of the scanned chain at height along with
// the txids the network matched in it.  Stored transactions with a matched
// txid become RECEIVED.  A different block already stored at height, or a
// stored parent which is not the block's parent, replaces the stored chain
// from that point.  inserted is false when the block was already stored.
func (v *Vault) InsertMerkleBlock(header *wire.BlockHeader, height int32, txids []chainhash.Hash) (inserted bool, err error) {
	const op errors.Op = "vault.InsertMerkleBlock"
	var extended bool
	err = v.update(func(tx *bolt.Tx) error {
		var err error
		inserted, extended, err = v.insertMerkleBlock(tx, header, height, txids)
		return err
	})
	if err != nil {
		return false, errors.E(op, err)
	}
	if extended {
		v.watchGen.Add(1)
	}
	return inserted, nil
}

// InsertBlock stores the relevant transactions of a full block as RECEIVED and
// records the block at height.  The stored relevant transactions are returned.
func (v *Vault) InsertBlock(block *wire.MsgBlock, height int32) ([]*TxRecord, error) {
	const op errors.Op = "vault.InsertBlock"
	var recs []*TxRecord
	var extended bool
	err := v.update(func(tx *bolt.Tx) error {
		var txids []chainhash.Hash
		for _, msgTx := range block.Transactions {
			rec, _, ext, err := v.insertTx(tx, msgTx, Received, block.Header.Timestamp)
			if err != nil {
				return err
			}
			extended = extended || ext
			if rec != nil {
				recs = append(recs, rec)
				txids = append(txids, rec.TxID)
			}
		}
		_, ext, err := v.insertMerkleBlock(tx, &block.Header, height, txids)
		extended = extended || ext
		return err
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	if extended {
		v.watchGen.Add(1)
	}
	return recs, nil
}

// BestHeight returns the height of the highest stored block, or 0 when no
// block is stored.
func (v *Vault) BestHeight() int32 {
	var height int32
	_ = v.view(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(blockBucket).Cursor().Last(); k != nil {
			height = keyHeight(k)
		}
		return nil
	})
	return height
}

// BlockHash returns the hash of the stored block at height.
func (v *Vault) BlockHash(height int32) (*chainhash.Hash, error) {
	const op errors.Op = "vault.BlockHash"
	var hash *chainhash.Hash
	err := v.view(func(tx *bolt.Tx) error {
		rec, err := fetchBlock(tx, height)
		if err != nil {
			return err
		}
		if rec == nil {
			return errors.E(errors.NotExist, errors.Errorf("no block at height %d", height))
		}
		hash = &rec.hash
		return nil
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return hash, nil
}

// BlockLocators returns block locators of the stored chain, suitable for
// resuming a resync.  The locators begin with the highest stored block and
// grow exponentially sparser, ending with the lowest stored block.  No
// locators are returned when no blocks are stored.
func (v *Vault) BlockLocators() ([]chainhash.Hash, error) {
	const op errors.Op = "vault.BlockLocators"
	var locators []chainhash.Hash
	err := v.view(func(tx *bolt.Tx) error {
		blocks := tx.Bucket(blockBucket)
		c := blocks.Cursor()
		last, _ := c.Last()
		first, _ := c.First()
		if last == nil {
			return nil
		}
		height, lowest := keyHeight(last), keyHeight(first)
		add := func(h int32) error {
			rec, err := fetchBlock(tx, h)
			if err != nil || rec == nil {
				return err
			}
			locators = append(locators, rec.hash)
			return nil
		}
		for skip := int32(1); height > lowest; {
			if err := add(height); err != nil {
				return err
			}
			if len(locators) >= 10 {
				skip *= 2
			}
			height -= skip
		}
		return add(lowest)
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return locators, nil
}
