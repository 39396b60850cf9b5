// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
	bolt "go.etcd.io/bbolt"
)

// scriptLookAhead is the number of unissued scripts derived ahead of the
// highest issued or used script of every account.
const scriptLookAhead = 25

// maxKeychainsPerAccount keeps a P2SH redeem script of compressed keys under
// the 520 byte push limit.
const maxKeychainsPerAccount = 15

// Account is an m-of-n multisig account over named keychains.
type Account struct {
	Name      string
	MinSigs   int
	Keychains []string
	CreatedAt time.Time

	// NextIndex is the index of the next script to issue.
	NextIndex uint32
}

type accountRecord struct {
	minSigs   uint32
	keychains []string
	createdAt int64
	nextIndex uint32 // next script to issue
	derived   uint32 // number of derived scripts
}

func (r *accountRecord) encode() ([]byte, error) {
	var w recordWriter
	w.uint64(uint64(r.minSigs))
	w.uint64(uint64(len(r.keychains)))
	for _, kc := range r.keychains {
		w.string(kc)
	}
	w.int64(r.createdAt)
	w.uint64(uint64(r.nextIndex))
	w.uint64(uint64(r.derived))
	return w.finish()
}

func decodeAccount(b []byte) (*accountRecord, error) {
	r := newRecordReader(b)
	rec := &accountRecord{minSigs: uint32(r.uint64())}
	n := r.uint64()
	if n > maxKeychainsPerAccount {
		return nil, errors.E(errors.Encoding, "too many account keychains")
	}
	for i := uint64(0); i < n; i++ {
		rec.keychains = append(rec.keychains, r.string())
	}
	rec.createdAt = r.int64()
	rec.nextIndex = uint32(r.uint64())
	rec.derived = uint32(r.uint64())
	return rec, r.finish("account")
}

func (r *accountRecord) account(name string) Account {
	return Account{
		Name:      name,
		MinSigs:   int(r.minSigs),
		Keychains: append([]string(nil), r.keychains...),
		CreatedAt: time.Unix(r.createdAt, 0),
		NextIndex: r.nextIndex,
	}
}

func fetchAccount(tx *bolt.Tx, name string) (*accountRecord, error) {
	v := tx.Bucket(accountBucket).Get([]byte(name))
	if v == nil {
		return nil, errors.E(errors.NotExist, errors.Errorf("no account %q", name))
	}
	return decodeAccount(v)
}

func putAccount(tx *bolt.Tx, name string, rec *accountRecord) error {
	b, err := rec.encode()
	if err != nil {
		return err
	}
	return tx.Bucket(accountBucket).Put([]byte(name), b)
}

// ScriptState describes whether an account script was handed out or paid to.
type ScriptState uint8

// Script states.
const (
	ScriptUnused ScriptState = iota // Watched look-ahead script
	ScriptIssued                    // Handed out for a payment request
	ScriptUsed                      // Paid to by a stored transaction
)

func (s ScriptState) String() string {
	switch s {
	case ScriptUnused:
		return "UNUSED"
	case ScriptIssued:
		return "ISSUED"
	case ScriptUsed:
		return "USED"
	default:
		return "UNKNOWN"
	}
}

type scriptRecord struct {
	account      string
	index        uint32
	redeemScript []byte
	label        string
	state        ScriptState
}

func (r *scriptRecord) encode() ([]byte, error) {
	var w recordWriter
	w.string(r.account)
	w.uint64(uint64(r.index))
	w.bytes(r.redeemScript)
	w.string(r.label)
	w.uint64(uint64(r.state))
	return w.finish()
}

func decodeScript(b []byte) (*scriptRecord, error) {
	r := newRecordReader(b)
	rec := &scriptRecord{
		account:      r.string(),
		index:        uint32(r.uint64()),
		redeemScript: r.bytes(),
		label:        r.string(),
		state:        ScriptState(r.uint64()),
	}
	return rec, r.finish("script")
}

func fetchScript(tx *bolt.Tx, pkScript []byte) (*scriptRecord, error) {
	v := tx.Bucket(scriptBucket).Get(pkScript)
	if v == nil {
		return nil, nil
	}
	return decodeScript(v)
}

func putScript(tx *bolt.Tx, pkScript []byte, rec *scriptRecord) error {
	b, err := rec.encode()
	if err != nil {
		return err
	}
	return tx.Bucket(scriptBucket).Put(pkScript, b)
}

// redeemScript builds the m-of-n multisig redeem script of an account at a
// child index.  Public keys are sorted lexicographically (BIP0067).
func (v *Vault) redeemScript(tx *bolt.Tx, acct *accountRecord, index uint32) ([]byte, error) {
	pubKeys := make([][]byte, 0, len(acct.keychains))
	for _, name := range acct.keychains {
		kc, err := fetchKeychain(tx, name)
		if err != nil {
			if errors.Is(errors.NotExist, err) {
				return nil, errors.E(errors.NoKeychain, err)
			}
			return nil, err
		}
		pub, err := childPubKey(kc, index)
		if err != nil {
			return nil, err
		}
		pubKeys = append(pubKeys, pub.SerializeCompressed())
	}
	sort.Slice(pubKeys, func(i, j int) bool {
		return bytes.Compare(pubKeys[i], pubKeys[j]) < 0
	})
	addrs := make([]*btcutil.AddressPubKey, 0, len(pubKeys))
	for _, pk := range pubKeys {
		addr, err := btcutil.NewAddressPubKey(pk, v.params)
		if err != nil {
			return nil, errors.E(errors.Crypto, err)
		}
		addrs = append(addrs, addr)
	}
	script, err := txscript.MultiSigScript(addrs, int(acct.minSigs))
	if err != nil {
		return nil, errors.E(errors.Invalid, err)
	}
	return script, nil
}

// p2shScript returns the pay-to-script-hash output script for a redeem script.
func (v *Vault) p2shScript(redeemScript []byte) (*btcutil.AddressScriptHash, []byte, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, v.params)
	if err != nil {
		return nil, nil, errors.E(errors.Invalid, err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, nil, errors.E(errors.Invalid, err)
	}
	return addr, pkScript, nil
}

// extendPool derives scripts until scriptLookAhead unissued scripts follow the
// next issue index.  It reports whether any script was added.
func (v *Vault) extendPool(tx *bolt.Tx, name string, acct *accountRecord) (bool, error) {
	extended := false
	for acct.derived < acct.nextIndex+scriptLookAhead {
		redeem, err := v.redeemScript(tx, acct, acct.derived)
		if err != nil {
			return extended, err
		}
		_, pkScript, err := v.p2shScript(redeem)
		if err != nil {
			return extended, err
		}
		rec := &scriptRecord{account: name, index: acct.derived, redeemScript: redeem}
		if err := putScript(tx, pkScript, rec); err != nil {
			return extended, err
		}
		acct.derived++
		extended = true
	}
	return extended, nil
}

// NewAccount creates an account requiring minSigs of the named keychains to
// spend.  createdAt bounds how far back the chain must be scanned for the
// account's transactions.
func (v *Vault) NewAccount(name string, minSigs int, keychains []string, createdAt time.Time) (*Account, error) {
	const op errors.Op = "vault.NewAccount"

	switch {
	case name == "":
		return nil, errors.E(op, errors.Invalid, "account name is required")
	case len(keychains) == 0 || len(keychains) > maxKeychainsPerAccount:
		return nil, errors.E(op, errors.Invalid,
			errors.Errorf("account requires 1 to %d keychains", maxKeychainsPerAccount))
	case minSigs < 1 || minSigs > len(keychains):
		return nil, errors.E(op, errors.Invalid,
			errors.Errorf("invalid signature threshold %d of %d", minSigs, len(keychains)))
	}
	seen := make(map[string]struct{}, len(keychains))
	for _, kc := range keychains {
		if _, ok := seen[kc]; ok {
			return nil, errors.E(op, errors.Invalid, errors.Errorf("duplicate keychain %q", kc))
		}
		seen[kc] = struct{}{}
	}

	rec := &accountRecord{
		minSigs:   uint32(minSigs),
		keychains: append([]string(nil), keychains...),
		createdAt: createdAt.Unix(),
	}
	err := v.update(func(tx *bolt.Tx) error {
		if tx.Bucket(accountBucket).Get([]byte(name)) != nil {
			return errors.E(errors.Exist, errors.Errorf("account %q already exists", name))
		}
		for _, kc := range keychains {
			if _, err := fetchKeychain(tx, kc); err != nil {
				return errors.E(errors.NoKeychain, err)
			}
		}
		if _, err := v.extendPool(tx, name, rec); err != nil {
			return err
		}
		return putAccount(tx, name, rec)
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	v.watchGen.Add(1)
	log.Infof("Created %d-of-%d account %q", minSigs, len(keychains), name)
	acct := rec.account(name)
	return &acct, nil
}

// DeleteAccount removes an account, its scripts, and its unspent outputs.
// Transaction history is kept.
func (v *Vault) DeleteAccount(name string) error {
	const op errors.Op = "vault.DeleteAccount"
	err := v.update(func(tx *bolt.Tx) error {
		if _, err := fetchAccount(tx, name); err != nil {
			return err
		}
		var dead [][]byte
		err := tx.Bucket(scriptBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeScript(val)
			if err != nil {
				return err
			}
			if rec.account == name {
				dead = append(dead, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := tx.Bucket(scriptBucket).Delete(k); err != nil {
				return err
			}
		}
		dead = dead[:0]
		err = tx.Bucket(creditBucket).ForEach(func(k, val []byte) error {
			c, err := decodeCredit(val)
			if err != nil {
				return err
			}
			if c.account == name {
				dead = append(dead, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range dead {
			if err := tx.Bucket(creditBucket).Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(accountBucket).Delete([]byte(name))
	})
	if err != nil {
		return errors.E(op, err)
	}
	v.watchGen.Add(1)
	log.Infof("Deleted account %q", name)
	return nil
}

// AccountExists returns whether the named account exists.
func (v *Vault) AccountExists(name string) bool {
	exists := false
	_ = v.view(func(tx *bolt.Tx) error {
		exists = tx.Bucket(accountBucket).Get([]byte(name)) != nil
		return nil
	})
	return exists
}

// Accounts returns all accounts sorted by name.
func (v *Vault) Accounts() ([]Account, error) {
	const op errors.Op = "vault.Accounts"
	var accts []Account
	err := v.view(func(tx *bolt.Tx) error {
		return tx.Bucket(accountBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeAccount(val)
			if err != nil {
				return err
			}
			accts = append(accts, rec.account(string(k)))
			return nil
		})
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return accts, nil
}

// AccountCount returns the number of accounts.
func (v *Vault) AccountCount() int {
	n := 0
	_ = v.view(func(tx *bolt.Tx) error {
		n = tx.Bucket(accountBucket).Stats().KeyN
		return nil
	})
	return n
}

// FirstAccountCreated returns the earliest account creation time.  ok is false
// when the vault has no accounts.
func (v *Vault) FirstAccountCreated() (first time.Time, ok bool) {
	accts, err := v.Accounts()
	if err != nil {
		return time.Time{}, false
	}
	for _, a := range accts {
		if !ok || a.CreatedAt.Before(first) {
			first, ok = a.CreatedAt, true
		}
	}
	return first, ok
}

// IssuedScript describes a script handed out for receiving payment.
type IssuedScript struct {
	Account      string
	Index        uint32
	Label        string
	State        ScriptState
	Address      btcutil.Address
	PkScript     []byte
	RedeemScript []byte
}

// IssueScript hands out the next unissued script of an account, labelled for
// the payment it is requested for.  The script pool is extended so that the
// watched set always covers scriptLookAhead unissued scripts.
func (v *Vault) IssueScript(account, label string) (*IssuedScript, error) {
	const op errors.Op = "vault.IssueScript"

	var issued *IssuedScript
	err := v.update(func(tx *bolt.Tx) error {
		acct, err := fetchAccount(tx, account)
		if err != nil {
			return err
		}
		redeem, err := v.redeemScript(tx, acct, acct.nextIndex)
		if err != nil {
			return err
		}
		addr, pkScript, err := v.p2shScript(redeem)
		if err != nil {
			return err
		}
		rec := &scriptRecord{
			account:      account,
			index:        acct.nextIndex,
			redeemScript: redeem,
			label:        label,
			state:        ScriptIssued,
		}
		if err := putScript(tx, pkScript, rec); err != nil {
			return err
		}
		issued = &IssuedScript{
			Account:      account,
			Index:        acct.nextIndex,
			Label:        label,
			State:        ScriptIssued,
			Address:      addr,
			PkScript:     pkScript,
			RedeemScript: redeem,
		}
		acct.nextIndex++
		if _, err := v.extendPool(tx, account, acct); err != nil {
			return err
		}
		return putAccount(tx, account, acct)
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	v.watchGen.Add(1)
	return issued, nil
}

// Scripts returns the issued and used scripts of an account ordered by index.
// Unused look-ahead scripts are omitted.
func (v *Vault) Scripts(account string) ([]IssuedScript, error) {
	const op errors.Op = "vault.Scripts"
	var scripts []IssuedScript
	err := v.view(func(tx *bolt.Tx) error {
		if _, err := fetchAccount(tx, account); err != nil {
			return err
		}
		return tx.Bucket(scriptBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeScript(val)
			if err != nil {
				return err
			}
			if rec.account != account || rec.state == ScriptUnused {
				return nil
			}
			addr, _, err := v.p2shScript(rec.redeemScript)
			if err != nil {
				return err
			}
			scripts = append(scripts, IssuedScript{
				Account:      account,
				Index:        rec.index,
				Label:        rec.label,
				State:        rec.state,
				Address:      addr,
				PkScript:     append([]byte(nil), k...),
				RedeemScript: rec.redeemScript,
			})
			return nil
		})
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	sort.Slice(scripts, func(i, j int) bool { return scripts[i].Index < scripts[j].Index })
	return scripts, nil
}

// markScriptUsed records that an output paid to pkScript.  Receiving to a
// script at or beyond the next issue index advances it and extends the pool.
func (v *Vault) markScriptUsed(tx *bolt.Tx, pkScript []byte, rec *scriptRecord) (extended bool, err error) {
	if rec.state != ScriptUsed {
		rec.state = ScriptUsed
		if err := putScript(tx, pkScript, rec); err != nil {
			return false, err
		}
	}
	acct, err := fetchAccount(tx, rec.account)
	if err != nil {
		return false, err
	}
	if rec.index < acct.nextIndex {
		return false, nil
	}
	acct.nextIndex = rec.index + 1
	extended, err = v.extendPool(tx, rec.account, acct)
	if err != nil {
		return false, err
	}
	return extended, putAccount(tx, rec.account, acct)
}

// changeScript returns the output script of the next unissued script of an
// account without issuing it.  Issuing happens once a transaction paying to
// it is inserted.
func (v *Vault) changeScript(tx *bolt.Tx, account string) ([]byte, error) {
	acct, err := fetchAccount(tx, account)
	if err != nil {
		return nil, err
	}
	redeem, err := v.redeemScript(tx, acct, acct.nextIndex)
	if err != nil {
		return nil, err
	}
	_, pkScript, err := v.p2shScript(redeem)
	return pkScript, err
}

// WatchSet is the set of data the network must match to deliver transactions
// relevant to the vault.
type WatchSet struct {
	// Scripts are the output scripts of every derived account script.
	Scripts [][]byte

	// RedeemScripts are pushed by inputs spending account outputs.
	RedeemScripts [][]byte

	// OutPoints are the unspent outputs of all accounts.
	OutPoints []wire.OutPoint
}

// WatchSet returns the watched scripts and outpoints of all accounts.
func (v *Vault) WatchSet() (*WatchSet, error) {
	const op errors.Op = "vault.WatchSet"
	ws := new(WatchSet)
	err := v.view(func(tx *bolt.Tx) error {
		err := tx.Bucket(scriptBucket).ForEach(func(k, val []byte) error {
			rec, err := decodeScript(val)
			if err != nil {
				return err
			}
			ws.Scripts = append(ws.Scripts, append([]byte(nil), k...))
			ws.RedeemScripts = append(ws.RedeemScripts, rec.redeemScript)
			return nil
		})
		if err != nil {
			return err
		}
		spends := tx.Bucket(spendBucket)
		return tx.Bucket(creditBucket).ForEach(func(k, _ []byte) error {
			if spends.Get(k) != nil {
				return nil
			}
			outPoint, err := decodeOutPointKey(k)
			if err != nil {
				return err
			}
			ws.OutPoints = append(ws.OutPoints, outPoint)
			return nil
		})
	})
	if err != nil {
		return nil, errors.E(op, err)
	}
	return ws, nil
}
