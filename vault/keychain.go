// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/internal/zero"
	bolt "go.etcd.io/bbolt"
)

// Keychain is a named BIP0032 extended key.  Public holds the neutered
// extended key; private keychain material never leaves the vault unsealed
// except through ExportKeychain.
type Keychain struct {
	Name    string
	Private bool
	Public  string
}

type keychainRecord struct {
	private bool
	xpub    string
	sealed  []byte // sealed xprv, private keychains only
}

func (r *keychainRecord) encode() ([]byte, error) {
	var w recordWriter
	w.bool(r.private)
	w.string(r.xpub)
	w.bytes(r.sealed)
	return w.finish()
}

func decodeKeychain(b []byte) (*keychainRecord, error) {
	r := newRecordReader(b)
	rec := &keychainRecord{
		private: r.bool(),
		xpub:    r.string(),
		sealed:  r.bytes(),
	}
	return rec, r.finish("keychain")
}

func fetchKeychain(tx *bolt.Tx, name string) (*keychainRecord, error) {
	v := tx.Bucket(keychainBucket).Get([]byte(name))
	if v == nil {
		return nil, errors.E(errors.NotExist, errors.Errorf("no keychain %q", name))
	}
	return decodeKeychain(v)
}

// NewKeychain generates a private keychain from a random seed.  The vault must
// be unlocked.
func (v *Vault) NewKeychain(name string) (*Keychain, error) {
	const op errors.Op = "vault.NewKeychain"

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	defer zero.Bytes(seed)
	master, err := hdkeychain.NewMaster(seed, v.params)
	if err != nil {
		return nil, errors.E(op, errors.Crypto, err)
	}
	kc, err := v.putKeychain(name, master)
	if err != nil {
		return nil, errors.E(op, err)
	}
	log.Infof("Created keychain %q", name)
	return kc, nil
}

// ImportKeychain stores a serialized extended key.  Importing an extended
// private key requires the vault to be unlocked.
func (v *Vault) ImportKeychain(name, extendedKey string) (*Keychain, error) {
	const op errors.Op = "vault.ImportKeychain"

	key, err := hdkeychain.NewKeyFromString(extendedKey)
	if err != nil {
		return nil, errors.E(op, errors.Encoding, err)
	}
	if !key.IsForNet(v.params) {
		return nil, errors.E(op, errors.Invalid,
			errors.Errorf("extended key is not for %s", v.params.Name))
	}
	kc, err := v.putKeychain(name, key)
	if err != nil {
		return nil, errors.E(op, err)
	}
	log.Infof("Imported keychain %q", name)
	return kc, nil
}

func (v *Vault) putKeychain(name string, key *hdkeychain.ExtendedKey) (*Keychain, error) {
	if name == "" {
		return nil, errors.E(errors.Invalid, "keychain name is required")
	}
	pub, err := key.Neuter()
	if err != nil {
		return nil, errors.E(errors.Crypto, err)
	}
	rec := &keychainRecord{private: key.IsPrivate(), xpub: pub.String()}
	if rec.private {
		sk, err := v.sealingKey()
		if err != nil {
			return nil, err
		}
		defer zero.Key32(sk)
		xprv := []byte(key.String())
		rec.sealed, err = seal(sk, xprv)
		zero.Bytes(xprv)
		if err != nil {
			return nil, err
		}
	}
	b, err := rec.encode()
	if err != nil {
		return nil, err
	}
	err = v.update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(keychainBucket)
		if bucket.Get([]byte(name)) != nil {
			return errors.E(errors.Exist, errors.Errorf("keychain %q already exists", name))
		}
		return bucket.Put([]byte(name), b)
	})
	if err != nil {
		return nil, err
	}
	return &Keychain{Name: name, Private: rec.private, Public: rec.xpub}, nil
}

// ExportKeychain returns the serialized extended key.  Exporting the private
// key requires a private keychain and an unlocked vault.
func (v *Vault) ExportKeychain(name string, private bool) (string, error) {
	const op errors.Op = "vault.ExportKeychain"

	var rec *keychainRecord
	err := v.view(func(tx *bolt.Tx) error {
		var err error
		rec, err = fetchKeychain(tx, name)
		return err
	})
	if err != nil {
		return "", errors.E(op, err)
	}
	if !private {
		return rec.xpub, nil
	}
	if !rec.private {
		return "", errors.E(op, errors.Invalid, errors.Errorf("keychain %q is public", name))
	}
	key, err := v.unsealKeychain(rec)
	if err != nil {
		return "", errors.E(op, err)
	}
	return key.String(), nil
}

// DeleteKeychain removes a keychain.  Keychains referenced by an account can
// not be deleted.
func (v *Vault) DeleteKeychain(name string) error {
	const op errors.Op = "vault.DeleteKeychain"
	err := v.update(func(tx *bolt.Tx) error {
		if _, err := fetchKeychain(tx, name); err != nil {
			return err
		}
		err := tx.Bucket(accountBucket).ForEach(func(k, val []byte) error {
			acct, err := decodeAccount(val)
			if err != nil {
				return err
			}
			for _, kc := range acct.keychains {
				if kc == name {
					return errors.E(errors.Invalid, errors.Errorf("keychain %q "+
						"is used by account %q", name, k))
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(keychainBucket).Delete([]byte(name))
	})
	if err != nil {
		return errors.E(op, err)
	}
	log.Infof("Deleted keychain %q", name)
	return nil
}

// Keychains returns all keychains sorted by name.
func (v *Vault) Keychains() ([]Keychain, error) {
	const op errors.Op = "vault.Keychains"
	var kcs []Keychain
	err := v.view(func(tx *bolt.Tx) error {
		return tx.Bucket(keychainBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeKeychain(val)
			if err != nil {
				return err
			}
			kcs = append(kcs, Keychain{Name: string(k), Private: rec.private, Public: rec.xpub})
			return nil
		})
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	sort.Slice(kcs, func(i, j int) bool { return kcs[i].Name < kcs[j].Name })
	return kcs, nil
}

func (v *Vault) unsealKeychain(rec *keychainRecord) (*hdkeychain.ExtendedKey, error) {
	sk, err := v.sealingKey()
	if err != nil {
		return nil, err
	}
	defer zero.Key32(sk)
	xprv, err := open(sk, rec.sealed)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(xprv)
	key, err := hdkeychain.NewKeyFromString(string(xprv))
	if err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	return key, nil
}

// childPubKey derives the public key at index of a keychain.
func childPubKey(rec *keychainRecord, index uint32) (*btcec.PublicKey, error) {
	xpub, err := hdkeychain.NewKeyFromString(rec.xpub)
	if err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	child, err := xpub.Derive(index)
	if err != nil {
		return nil, errors.E(errors.Crypto, err)
	}
	return child.ECPubKey()
}
