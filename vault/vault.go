// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault implements the durable wallet store: named keychains, m-of-n
// multisig accounts built from them, the transactions and unspent outputs
// relevant to those accounts, and the chain of merkle blocks scanned so far.
package vault

import (
	"bytes"
	"crypto/rand"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/internal/zero"
	bolt "go.etcd.io/bbolt"
)

// Vault is an open vault database.  All methods are safe for concurrent use.
type Vault struct {
	db     *bolt.DB
	path   string
	params *chaincfg.Params

	mu  sync.Mutex
	key *[32]byte // nil while locked

	// watchGen is incremented whenever the set of watched scripts changes.
	watchGen atomic.Uint64
}

// Create creates a new vault at path, protecting private keychain material
// with a key derived from passphrase.  When kdf is nil, recommended parameters
// with a random salt are generated.  The new vault is returned unlocked.
func Create(path string, passphrase []byte, params *chaincfg.Params, kdf *KDFParams) (*Vault, error) {
	const op errors.Op = "vault.Create"

	if kdf == nil {
		var err error
		kdf, err = NewKDFParams(rand.Reader)
		if err != nil {
			return nil, errors.E(op, errors.Crypto, err)
		}
	}
	key := kdf.deriveKey(passphrase)
	keyCheck, err := seal(key, keyCheckPlaintext)
	if err != nil {
		return nil, errors.E(op, err)
	}
	kdfBytes, err := kdf.MarshalBinary()
	if err != nil {
		return nil, errors.E(op, err)
	}

	db, err := openDB(path, true)
	if err != nil {
		return nil, errors.E(op, err)
	}
	v := &Vault{db: db, path: path, params: params, key: key}
	err = v.update(func(tx *bolt.Tx) error {
		for _, name := range topLevelBuckets {
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(metaBucket)
		if err := putUint32(meta, versionKey, dbVersion); err != nil {
			return err
		}
		if err := putUint32(meta, netKey, uint32(params.Net)); err != nil {
			return err
		}
		if err := meta.Put(kdfKey, kdfBytes); err != nil {
			return err
		}
		return meta.Put(keyCheckKey, keyCheck)
	})
	if err != nil {
		db.Close()
		return nil, errors.E(op, err)
	}
	log.Infof("Created vault %s", path)
	return v, nil
}

// Open opens an existing vault.  The vault is returned locked.
func Open(path string, params *chaincfg.Params) (*Vault, error) {
	const op errors.Op = "vault.Open"

	db, err := openDB(path, false)
	if err != nil {
		return nil, errors.E(op, err)
	}
	v := &Vault{db: db, path: path, params: params}
	err = v.view(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return errors.E(errors.IO, "not a vault database")
		}
		version, ok := getUint32(meta, versionKey)
		if !ok || version != dbVersion {
			return errors.E(errors.IO, errors.Errorf("unsupported vault version %d", version))
		}
		net, _ := getUint32(meta, netKey)
		if net != uint32(params.Net) {
			return errors.E(errors.Invalid, errors.Errorf("vault is for a "+
				"different network than %s", params.Name))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.E(op, err)
	}
	log.Infof("Opened vault %s", path)
	return v, nil
}

// Close locks the vault and closes the database.
func (v *Vault) Close() error {
	v.Lock()
	return convertErr(v.db.Close())
}

// Path returns the file path of the vault database.
func (v *Vault) Path() string {
	return v.path
}

// ChainParams returns the network parameters of the vault.
func (v *Vault) ChainParams() *chaincfg.Params {
	return v.params
}

// Unlock derives the sealing key from passphrase, making private keychains
// available for signing, creation and export.
func (v *Vault) Unlock(passphrase []byte) error {
	const op errors.Op = "vault.Unlock"

	var kdf KDFParams
	var keyCheck []byte
	err := v.view(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if err := kdf.UnmarshalBinary(meta.Get(kdfKey)); err != nil {
			return err
		}
		keyCheck = append([]byte(nil), meta.Get(keyCheckKey)...)
		return nil
	})
	if err != nil {
		return errors.E(op, err)
	}

	key := kdf.deriveKey(passphrase)
	plaintext, err := open(key, keyCheck)
	if err != nil || !bytes.Equal(plaintext, keyCheckPlaintext) {
		zero.Key32(key)
		return errors.E(op, errors.Passphrase)
	}

	v.mu.Lock()
	if v.key != nil {
		zero.Key32(v.key)
	}
	v.key = key
	v.mu.Unlock()
	return nil
}

// Lock clears the sealing key from memory.
func (v *Vault) Lock() {
	v.mu.Lock()
	if v.key != nil {
		zero.Key32(v.key)
		v.key = nil
	}
	v.mu.Unlock()
}

// Locked returns whether private keychain material is unavailable.
func (v *Vault) Locked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// sealingKey returns a copy of the sealing key, or a Locked error.
func (v *Vault) sealingKey() (*[32]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, errors.E(errors.Locked)
	}
	k := *v.key
	return &k, nil
}

// WatchGeneration returns a counter which changes whenever the set of watched
// scripts changes.  Callers compare generations to decide when a transaction
// filter must be rebuilt.
func (v *Vault) WatchGeneration() uint64 {
	return v.watchGen.Load()
}

// ScannedFrom returns the earliest start time, in seconds since the epoch, of
// a completed automatic resync.  ok is false when no resync has completed.
func (v *Vault) ScannedFrom() (t uint32, ok bool) {
	_ = v.view(func(tx *bolt.Tx) error {
		t, ok = getUint32(tx.Bucket(metaBucket), scannedFromKey)
		return nil
	})
	return t, ok
}

// SetScannedFrom records the start time of a completed resync.  The recorded
// time only ever moves earlier.
func (v *Vault) SetScannedFrom(t uint32) error {
	const op errors.Op = "vault.SetScannedFrom"
	err := v.update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if prev, ok := getUint32(meta, scannedFromKey); ok && prev <= t {
			return nil
		}
		return putUint32(meta, scannedFromKey, t)
	})
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}
