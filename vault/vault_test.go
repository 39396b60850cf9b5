// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/errors"
)

var testParams = &chaincfg.RegressionNetParams

var testPass = []byte("test passphrase")

// fastKDF keeps Argon2id cheap in tests.
func fastKDF() *KDFParams {
	return &KDFParams{Salt: [16]byte{1, 2, 3}, Time: 1, Memory: 64, Threads: 1}
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Create(filepath.Join(t.TempDir(), "test.vault"), testPass, testParams, fastKDF())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

// newTestAccount creates an m-of-n account over n new private keychains.
func newTestAccount(t *testing.T, v *Vault, name string, m, n int) *Account {
	t.Helper()
	var names []string
	for i := 0; i < n; i++ {
		kc, err := v.NewKeychain(name + "-kc" + string(rune('a'+i)))
		if err != nil {
			t.Fatal(err)
		}
		names = append(names, kc.Name)
	}
	acct, err := v.NewAccount(name, m, names, time.Unix(1500000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	return acct
}

// fundingTx pays value to pkScript from an outpoint unknown to the vault.
func fundingTx(pkScript []byte, value int64, seed byte) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := wire.OutPoint{Hash: chainhash.Hash{seed}, Index: 0}
	tx.AddTxIn(wire.NewTxIn(&prev, []byte{0x51}, nil))
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
	return tx
}

func fund(t *testing.T, v *Vault, account string, value int64, seed byte) *TxRecord {
	t.Helper()
	issued, err := v.IssueScript(account, "funding")
	if err != nil {
		t.Fatal(err)
	}
	rec, changed, err := v.InsertTx(fundingTx(issued.PkScript, value, seed), Received)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || rec == nil {
		t.Fatal("funding transaction was not stored")
	}
	return rec
}

func payTo(t *testing.T, value int64) []*wire.TxOut {
	t.Helper()
	addr, err := btcutil.NewAddressPubKeyHash(make([]byte, 20), testParams)
	if err != nil {
		t.Fatal(err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatal(err)
	}
	return []*wire.TxOut{wire.NewTxOut(value, script)}
}

func TestCreateOpenUnlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vault")
	v, err := Create(path, testPass, testParams, fastKDF())
	if err != nil {
		t.Fatal(err)
	}
	if v.Locked() {
		t.Fatal("new vault is locked")
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := Create(path, testPass, testParams, fastKDF()); !errors.Is(errors.Exist, err) {
		t.Fatalf("expected Exist creating over existing vault, got %v", err)
	}
	if _, err := Open(path, &chaincfg.MainNetParams); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid opening with other network, got %v", err)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing"), testParams); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist, got %v", err)
	}

	v, err = Open(path, testParams)
	if err != nil {
		t.Fatal(err)
	}
	defer v.Close()
	if !v.Locked() {
		t.Fatal("opened vault is unlocked")
	}
	if err := v.Unlock([]byte("wrong")); !errors.Is(errors.Passphrase, err) {
		t.Fatalf("expected Passphrase, got %v", err)
	}
	if err := v.Unlock(testPass); err != nil {
		t.Fatal(err)
	}
	if v.Locked() {
		t.Fatal("vault still locked")
	}
}

func TestKeychains(t *testing.T) {
	v := newTestVault(t)

	kc, err := v.NewKeychain("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !kc.Private {
		t.Fatal("generated keychain is not private")
	}
	if _, err := v.NewKeychain("alice"); !errors.Is(errors.Exist, err) {
		t.Fatalf("expected Exist, got %v", err)
	}

	xprv, err := v.ExportKeychain("alice", true)
	if err != nil {
		t.Fatal(err)
	}
	xpub, err := v.ExportKeychain("alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if xpub != kc.Public {
		t.Fatal("exported public key differs")
	}

	pub, err := v.ImportKeychain("alice-watch", xpub)
	if err != nil {
		t.Fatal(err)
	}
	if pub.Private {
		t.Fatal("imported xpub is private")
	}
	if _, err := v.ExportKeychain("alice-watch", true); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid exporting private key of public keychain, got %v", err)
	}

	v.Lock()
	if _, err := v.ExportKeychain("alice", true); !errors.Is(errors.Locked, err) {
		t.Fatalf("expected Locked, got %v", err)
	}
	if _, err := v.ImportKeychain("alice-copy", xprv); !errors.Is(errors.Locked, err) {
		t.Fatalf("expected Locked importing private key, got %v", err)
	}
	if err := v.Unlock(testPass); err != nil {
		t.Fatal(err)
	}

	if _, err := v.NewAccount("acct", 1, []string{"alice"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := v.DeleteKeychain("alice"); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid deleting referenced keychain, got %v", err)
	}
	if err := v.DeleteKeychain("alice-watch"); err != nil {
		t.Fatal(err)
	}
	kcs, err := v.Keychains()
	if err != nil {
		t.Fatal(err)
	}
	if len(kcs) != 1 || kcs[0].Name != "alice" {
		t.Fatalf("unexpected keychains %v", kcs)
	}
}

func TestAccounts(t *testing.T) {
	v := newTestVault(t)

	if _, ok := v.FirstAccountCreated(); ok {
		t.Fatal("first account time reported without accounts")
	}
	if _, err := v.NewAccount("bad", 2, []string{"missing"}, time.Now()); err == nil {
		t.Fatal("invalid threshold accepted")
	}
	if _, err := v.NewAccount("bad", 1, []string{"missing"}, time.Now()); !errors.Is(errors.NoKeychain, err) {
		t.Fatalf("expected NoKeychain, got %v", err)
	}

	gen := v.WatchGeneration()
	newTestAccount(t, v, "savings", 2, 3)
	if v.WatchGeneration() == gen {
		t.Fatal("watch generation unchanged after account creation")
	}
	early := time.Unix(1400000000, 0)
	kc, err := v.NewKeychain("solo")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.NewAccount("early", 1, []string{kc.Name}, early); err != nil {
		t.Fatal(err)
	}
	first, ok := v.FirstAccountCreated()
	if !ok || !first.Equal(early) {
		t.Fatalf("first account time %v, want %v", first, early)
	}
	if v.AccountCount() != 2 {
		t.Fatalf("account count %d", v.AccountCount())
	}

	ws, err := v.WatchSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Scripts) != 2*scriptLookAhead {
		t.Fatalf("%d watched scripts, want %d", len(ws.Scripts), 2*scriptLookAhead)
	}

	issued, err := v.IssueScript("savings", "invoice 1")
	if err != nil {
		t.Fatal(err)
	}
	if issued.Index != 0 {
		t.Fatalf("first issued index %d", issued.Index)
	}
	ws, err = v.WatchSet()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, s := range ws.Scripts {
		found = found || bytes.Equal(s, issued.PkScript)
	}
	if !found {
		t.Fatal("issued script is not watched")
	}
	if len(ws.Scripts) != 2*scriptLookAhead+1 {
		t.Fatalf("pool not extended after issuing: %d scripts", len(ws.Scripts))
	}

	if err := v.DeleteAccount("early"); err != nil {
		t.Fatal(err)
	}
	if v.AccountExists("early") {
		t.Fatal("deleted account exists")
	}
	ws, err = v.WatchSet()
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Scripts) != scriptLookAhead+1 {
		t.Fatalf("deleted account scripts still watched: %d", len(ws.Scripts))
	}
}

func TestScriptsAndHistory(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "a", 1, 1)
	newTestAccount(t, v, "b", 1, 1)
	fund(t, v, "a", 100000, 1)
	fund(t, v, "b", 20000, 2)
	if _, err := v.IssueScript("a", "invoice"); err != nil {
		t.Fatal(err)
	}

	authored, err := v.CreateTx("a", payTo(t, 50000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	signed, _, err := v.SignTx(authored.Tx)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.InsertTx(signed, Signed); err != nil {
		t.Fatal(err)
	}

	scripts, err := v.Scripts("a")
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		state ScriptState
		label string
	}{
		{ScriptUsed, "funding"},
		{ScriptIssued, "invoice"},
		{ScriptUsed, ""}, // change
	}
	if len(scripts) != len(want) {
		t.Fatalf("%d scripts, want %d", len(scripts), len(want))
	}
	for i, s := range scripts {
		if s.Index != uint32(i) || s.State != want[i].state || s.Label != want[i].label {
			t.Errorf("script %d: index %d %v %q", i, s.Index, s.State, s.Label)
		}
	}
	if _, err := v.Scripts("missing"); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist, got %v", err)
	}

	history, err := v.AccountTxs("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("%d transactions of a", len(history))
	}
	history, err = v.AccountTxs("a", Signed)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].TxID != signed.TxHash() {
		t.Fatal("signed spend missing from history of a")
	}
	history, err = v.AccountTxs("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("%d transactions of b", len(history))
	}
	if _, err := v.AccountTxs("missing"); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist, got %v", err)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "acct", 2, 2)
	funding := fund(t, v, "acct", 100000, 1)

	balance, err := v.Balance("acct")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100000 {
		t.Fatalf("balance %v", balance)
	}

	if _, err := v.CreateTx("acct", payTo(t, 200000), 1000); !errors.Is(errors.InsufficientBalance, err) {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	if _, err := v.CreateTx("acct", payTo(t, 0), 1000); !errors.Is(errors.InvalidOutput, err) {
		t.Fatalf("expected InvalidOutput, got %v", err)
	}

	authored, err := v.CreateTx("acct", payTo(t, 50000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(authored.Tx.TxOut) != 2 {
		t.Fatalf("expected payment and change outputs, got %d", len(authored.Tx.TxOut))
	}
	rec, _, err := v.InsertTx(authored.Tx, Unsigned)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != Unsigned {
		t.Fatalf("status %v, want UNSIGNED", rec.Status)
	}
	if _, err := v.CreateTx("acct", payTo(t, 50000), 1000); !errors.Is(errors.InsufficientBalance, err) {
		t.Fatalf("funding output was not locked by the unsigned spend: %v", err)
	}

	signed, complete, err := v.SignTx(rec.Tx)
	if err != nil {
		t.Fatal(err)
	}
	if !complete {
		t.Fatal("transaction not complete with all private keychains")
	}
	if UnsignedHash(signed) != rec.Hash {
		t.Fatal("signing changed the unsigned hash")
	}
	rec, _, err = v.InsertTx(signed, Signed)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != Signed {
		t.Fatalf("status %v, want SIGNED", rec.Status)
	}
	if rec.TxID != signed.TxHash() {
		t.Fatal("txid not updated")
	}

	// Change is spendable once signed.
	balance, err = v.Balance("acct")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100000-50000-1000 {
		t.Fatalf("balance after spend %v", balance)
	}

	if err := v.UpdateTxStatus(&rec.Hash, Unsigned); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid on status regression, got %v", err)
	}
	if err := v.UpdateTxStatus(&rec.Hash, Sent); err != nil {
		t.Fatal(err)
	}

	// Re-inserting at a lower status does not regress.
	rec, changed, err := v.InsertTx(signed, Signed)
	if err != nil {
		t.Fatal(err)
	}
	if changed || rec.Status != Sent {
		t.Fatalf("status regressed to %v", rec.Status)
	}

	if err := v.DeleteTx(&funding.Hash); !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected Invalid deleting received transaction, got %v", err)
	}

	if err := v.DeleteTx(&rec.Hash); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Tx(&rec.Hash); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected NotExist after delete, got %v", err)
	}
	balance, err = v.Balance("acct")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100000 {
		t.Fatalf("balance after delete %v", balance)
	}
}

func TestChangedTxID(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "acct", 2, 2)
	fund(t, v, "acct", 100000, 1)

	authored, err := v.CreateTx("acct", payTo(t, 50000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	signed, complete, err := v.SignTx(authored.Tx)
	if err != nil || !complete {
		t.Fatalf("signing: complete=%v err=%v", complete, err)
	}
	if _, _, err := v.InsertTx(signed, Signed); err != nil {
		t.Fatal(err)
	}

	// The network copy carries a different signature script for the same
	// unsigned transaction.
	mined := signed.Copy()
	mined.TxIn[0].SignatureScript = append([]byte{txscript.OP_0}, mined.TxIn[0].SignatureScript...)
	if mined.TxHash() == signed.TxHash() {
		t.Fatal("txid unchanged")
	}
	rec, changed, err := v.InsertTx(mined, Received)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || rec.Status != Received || rec.TxID != mined.TxHash() {
		t.Fatalf("record after network copy: %v %v changed=%v", rec.Status, &rec.TxID, changed)
	}

	balance, err := v.Balance("acct")
	if err != nil {
		t.Fatal(err)
	}
	if balance != 100000-50000-1000 {
		t.Fatalf("balance %v counts outputs of both txids", balance)
	}
	credits, err := v.Unspent("acct")
	if err != nil {
		t.Fatal(err)
	}
	if len(credits) != 1 || credits[0].OutPoint.Hash != mined.TxHash() {
		t.Fatalf("unspent credits %+v", credits)
	}
}

func TestPartialSigning(t *testing.T) {
	v := newTestVault(t)
	kc, err := v.NewKeychain("mine")
	if err != nil {
		t.Fatal(err)
	}

	// The cosigner keychain is watch-only in this vault.
	other := newTestVault(t)
	okc, err := other.NewKeychain("theirs")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ImportKeychain("theirs", okc.Public); err != nil {
		t.Fatal(err)
	}
	if _, err := v.NewAccount("shared", 2, []string{kc.Name, "theirs"}, time.Now()); err != nil {
		t.Fatal(err)
	}
	fund(t, v, "shared", 100000, 2)

	authored, err := v.CreateTx("shared", payTo(t, 50000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	signed, complete, err := v.SignTx(authored.Tx)
	if err != nil {
		t.Fatalf("partial signing returned error: %v", err)
	}
	if complete {
		t.Fatal("2-of-2 complete with one private keychain")
	}
	if ok, err := v.IsComplete(signed); err != nil || ok {
		t.Fatalf("IsComplete = %v, %v", ok, err)
	}

	v.Lock()
	_, complete, err = v.SignTx(authored.Tx)
	if err != nil || complete {
		t.Fatalf("locked signing: complete=%v err=%v", complete, err)
	}
}

func TestIrrelevantTx(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "acct", 1, 1)
	rec, changed, err := v.InsertTx(fundingTx([]byte{0x51}, 1000, 9), Received)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil || changed {
		t.Fatal("irrelevant transaction stored")
	}
}

func chainHeaders(n int, prev chainhash.Hash, nonce uint32) []*wire.BlockHeader {
	headers := make([]*wire.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		h := wire.NewBlockHeader(1, &prev, &chainhash.Hash{}, 0x207fffff, nonce+uint32(i))
		h.Timestamp = time.Unix(1500000000+int64(i)*600, 0)
		headers = append(headers, h)
		prev = h.BlockHash()
	}
	return headers
}

func TestMerkleBlocks(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "acct", 1, 1)

	locators, err := v.BlockLocators()
	if err != nil {
		t.Fatal(err)
	}
	if len(locators) != 0 || v.BestHeight() != 0 {
		t.Fatal("empty vault reports blocks")
	}

	// A sent transaction becomes received when mined.
	funding := fund(t, v, "acct", 100000, 3)
	authored, err := v.CreateTx("acct", payTo(t, 50000), 1000)
	if err != nil {
		t.Fatal(err)
	}
	signed, _, err := v.SignTx(authored.Tx)
	if err != nil {
		t.Fatal(err)
	}
	rec, _, err := v.InsertTx(signed, Signed)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.UpdateTxStatus(&rec.Hash, Sent); err != nil {
		t.Fatal(err)
	}

	headers := chainHeaders(40, chainhash.Hash{}, 0)
	for i, h := range headers {
		var txids []chainhash.Hash
		if i == 30 {
			txids = []chainhash.Hash{rec.TxID, funding.TxID}
		}
		inserted, err := v.InsertMerkleBlock(h, int32(100+i), txids)
		if err != nil {
			t.Fatal(err)
		}
		if !inserted {
			t.Fatalf("block %d not inserted", i)
		}
	}
	if v.BestHeight() != 139 {
		t.Fatalf("best height %d", v.BestHeight())
	}
	inserted, err := v.InsertMerkleBlock(headers[5], 105, nil)
	if err != nil || inserted {
		t.Fatalf("duplicate block: inserted=%v err=%v", inserted, err)
	}

	rec, err = v.Tx(&rec.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != Received || rec.BlockHeight != 130 {
		t.Fatalf("mined transaction status %v height %d", rec.Status, rec.BlockHeight)
	}

	locators, err = v.BlockLocators()
	if err != nil {
		t.Fatal(err)
	}
	if locators[0] != headers[39].BlockHash() {
		t.Fatal("first locator is not the best block")
	}
	if locators[len(locators)-1] != headers[0].BlockHash() {
		t.Fatal("last locator is not the lowest stored block")
	}
	if len(locators) >= 40 {
		t.Fatalf("locators are not sparse: %d", len(locators))
	}

	// A competing block at height 125 replaces the stored chain from there,
	// unmining the transaction without regressing its status.
	fork := chainHeaders(1, headers[24].BlockHash(), 1000)[0]
	inserted, err = v.InsertMerkleBlock(fork, 125, nil)
	if err != nil || !inserted {
		t.Fatalf("fork block: inserted=%v err=%v", inserted, err)
	}
	if v.BestHeight() != 125 {
		t.Fatalf("best height after reorg %d", v.BestHeight())
	}
	rec, err = v.Tx(&rec.Hash)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != Received || rec.BlockHeight != -1 {
		t.Fatalf("reorged transaction status %v height %d", rec.Status, rec.BlockHeight)
	}
}

func TestInsertBlock(t *testing.T) {
	v := newTestVault(t)
	newTestAccount(t, v, "acct", 1, 1)
	issued, err := v.IssueScript("acct", "")
	if err != nil {
		t.Fatal(err)
	}
	block := wire.NewMsgBlock(chainHeaders(1, chainhash.Hash{}, 0)[0])
	block.AddTransaction(fundingTx(issued.PkScript, 5000, 4))
	block.AddTransaction(fundingTx([]byte{0x51}, 5000, 5))
	recs, err := v.InsertBlock(block, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("%d relevant transactions", len(recs))
	}
	rec, err := v.Tx(&recs[0].Hash)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != Received || rec.BlockHeight != 7 {
		t.Fatalf("status %v height %d", rec.Status, rec.BlockHeight)
	}
}

func TestScannedFrom(t *testing.T) {
	v := newTestVault(t)
	if _, ok := v.ScannedFrom(); ok {
		t.Fatal("scanned time reported before any resync")
	}
	for _, ts := range []uint32{5000, 7000, 3000} {
		if err := v.SetScannedFrom(ts); err != nil {
			t.Fatal(err)
		}
	}
	if ts, ok := v.ScannedFrom(); !ok || ts != 3000 {
		t.Fatalf("scanned from %d", ts)
	}
}
