// Copyright (c) 2014 The btcsuite developers
// Copyright (c) 2015 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"encoding/binary"
	"os"
	"time"

	"github.com/coinvault/vaultd/errors"
	bolt "go.etcd.io/bbolt"
)

// dbVersion is the current version of the vault database layout.
const dbVersion = 1

// Top level buckets.  Every bucket is created when the vault is created.
var (
	metaBucket      = []byte("meta")
	keychainBucket  = []byte("keychains")
	accountBucket   = []byte("accounts")
	scriptBucket    = []byte("scripts")
	txBucket        = []byte("txs")
	txidBucket      = []byte("txids")
	creditBucket    = []byte("credits")
	spendBucket     = []byte("spends")
	blockBucket     = []byte("blocks")
	confirmedBucket = []byte("confirmed")

	topLevelBuckets = [][]byte{
		metaBucket, keychainBucket, accountBucket, scriptBucket,
		txBucket, txidBucket, creditBucket, spendBucket, blockBucket,
		confirmedBucket,
	}
)

// Keys of the meta bucket.
var (
	versionKey     = []byte("version")
	netKey         = []byte("net")
	kdfKey         = []byte("kdf")
	keyCheckKey    = []byte("keycheck")
	scannedFromKey = []byte("scannedfrom")
)

// convertErr wraps a driver-specific error with an error code.  Errors already
// described by an *errors.Error are returned unchanged.
func convertErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	var kind errors.Kind
	switch err {
	case bolt.ErrInvalid, bolt.ErrVersionMismatch, bolt.ErrChecksum: // Invalid database file, not invalid operation
		kind = errors.IO
	case bolt.ErrTimeout:
		kind = errors.IO
	case bolt.ErrDatabaseNotOpen, bolt.ErrTxNotWritable, bolt.ErrTxClosed, bolt.ErrDatabaseReadOnly:
		kind = errors.Invalid
	case bolt.ErrBucketNameRequired, bolt.ErrKeyRequired, bolt.ErrKeyTooLarge, bolt.ErrValueTooLarge, bolt.ErrIncompatibleValue:
		kind = errors.Invalid
	case bolt.ErrBucketNotFound:
		kind = errors.NotExist
	case bolt.ErrBucketExists:
		kind = errors.Exist
	default:
		kind = errors.IO
	}
	return errors.E(kind, err)
}

func fileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// openDB opens the bolt database at path.  The file must already exist unless
// create is set.
func openDB(path string, create bool) (*bolt.DB, error) {
	exists, err := fileExists(path)
	if err != nil {
		return nil, errors.E(errors.IO, err)
	}
	if create && exists {
		return nil, errors.E(errors.Exist, errors.Errorf("vault %s already exists", path))
	}
	if !create && !exists {
		return nil, errors.E(errors.NotExist, errors.Errorf("vault %s does not exist", path))
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, convertErr(err)
	}
	return db, nil
}

func (v *Vault) view(fn func(tx *bolt.Tx) error) error {
	return convertErr(v.db.View(fn))
}

func (v *Vault) update(fn func(tx *bolt.Tx) error) error {
	return convertErr(v.db.Update(fn))
}

func heightKey(height int32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(height))
	return k
}

func keyHeight(k []byte) int32 {
	return int32(binary.BigEndian.Uint32(k))
}

func putUint32(b *bolt.Bucket, key []byte, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.Put(key, buf[:])
}

func getUint32(b *bolt.Bucket, key []byte) (uint32, bool) {
	v := b.Get(key)
	if len(v) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(v), true
}
