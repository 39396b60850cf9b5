// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/coinvault/vaultd/controller"
	"github.com/coinvault/vaultd/errors"
	"github.com/coinvault/vaultd/internal/cfgutil"
	"github.com/coinvault/vaultd/vault"
)

// command is an operation run against the open vault in place of running as a
// daemon.  Network commands run once the vault is synchronized.
type command struct {
	usage   string
	minArgs int
	network bool
	run     func(ctx context.Context, c *controller.Controller, args []string) error
}

var commands = map[string]*command{
	"newkeychain":    {usage: "newkeychain <name>", minArgs: 1, run: newKeychain},
	"importkeychain": {usage: "importkeychain <name> <extendedkey>", minArgs: 2, run: importKeychain},
	"exportkeychain": {usage: "exportkeychain <name> [private]", minArgs: 1, run: exportKeychain},
	"deletekeychain": {usage: "deletekeychain <name>", minArgs: 1, run: deleteKeychain},
	"keychains":      {usage: "keychains", run: listKeychains},
	"newaccount":     {usage: "newaccount <name> <minsigs> <keychain>...", minArgs: 3, run: newAccount},
	"importaccount":  {usage: "importaccount <name> <minsigs> <created unix time> <keychain>...", minArgs: 4, run: importAccount},
	"deleteaccount":  {usage: "deleteaccount <name>", minArgs: 1, run: deleteAccount},
	"accounts":       {usage: "accounts", run: listAccounts},
	"requestpayment": {usage: "requestpayment <account> [label]", minArgs: 1, run: requestPayment},
	"scripts":        {usage: "scripts <account>", minArgs: 1, run: listScripts},
	"transactions":   {usage: "transactions [status]...", run: listTransactions},
	"history":        {usage: "history <account> [status]...", minArgs: 1, run: accountHistory},
	"createrawtx":    {usage: "createrawtx <account> <address> <amount> [<address> <amount>]...", minArgs: 3, run: createRawTx},
	"signrawtx":      {usage: "signrawtx <hex>", minArgs: 1, run: signRawTx},
	"insertrawtx":    {usage: "insertrawtx <hex>", minArgs: 1, run: insertRawTx},
	"deletetx":       {usage: "deletetx <hash>", minArgs: 1, run: deleteTx},
	"sendto":         {usage: "sendto <account> <address> <amount>", minArgs: 3, network: true, run: sendTo},
	"sendrawtx":      {usage: "sendrawtx <hex>", minArgs: 1, network: true, run: sendRawTx},
	"broadcast":      {usage: "broadcast <hash>", minArgs: 1, network: true, run: broadcast},
	"sync":           {usage: "sync", network: true, run: syncVault},
}

// lookupCommand returns the command named by args[0] after checking its
// argument count.
func lookupCommand(args []string) (*command, error) {
	cmd, ok := commands[args[0]]
	if !ok {
		names := make([]string, 0, len(commands))
		for name := range commands {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, errors.E(errors.Invalid, errors.Errorf("unknown command %q "+
			"-- commands: %s", args[0], strings.Join(names, ", ")))
	}
	if len(args)-1 < cmd.minArgs {
		return nil, errors.E(errors.Invalid, errors.Errorf("usage: %s", cmd.usage))
	}
	return cmd, nil
}

func newKeychain(ctx context.Context, c *controller.Controller, args []string) error {
	k, err := c.NewKeychain(args[0])
	if err != nil {
		return err
	}
	fmt.Println(k.Public)
	return nil
}

func importKeychain(ctx context.Context, c *controller.Controller, args []string) error {
	k, err := c.ImportKeychain(args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Println(k.Public)
	return nil
}

func exportKeychain(ctx context.Context, c *controller.Controller, args []string) error {
	private := len(args) > 1 && args[1] == "private"
	key, err := c.ExportKeychain(args[0], private)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func deleteKeychain(ctx context.Context, c *controller.Controller, args []string) error {
	return c.DeleteKeychain(args[0])
}

func listKeychains(ctx context.Context, c *controller.Controller, args []string) error {
	ks, err := c.Keychains()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, k := range ks {
		kind := "public"
		if k.Private {
			kind = "private"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", k.Name, kind, k.Public)
	}
	return w.Flush()
}

func parseMinSigs(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.E(errors.Invalid, errors.Errorf("minsigs %q: %v", s, err))
	}
	return n, nil
}

func newAccount(ctx context.Context, c *controller.Controller, args []string) error {
	minSigs, err := parseMinSigs(args[1])
	if err != nil {
		return err
	}
	_, err = c.NewAccount(args[0], minSigs, args[2:])
	return err
}

func importAccount(ctx context.Context, c *controller.Controller, args []string) error {
	minSigs, err := parseMinSigs(args[1])
	if err != nil {
		return err
	}
	created, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return errors.E(errors.Invalid, errors.Errorf("creation time %q: %v", args[2], err))
	}
	_, err = c.ImportAccount(args[0], minSigs, args[3:], time.Unix(created, 0))
	return err
}

func deleteAccount(ctx context.Context, c *controller.Controller, args []string) error {
	return c.DeleteAccount(args[0])
}

func listAccounts(ctx context.Context, c *controller.Controller, args []string) error {
	as, err := c.Accounts()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, a := range as {
		bal, err := c.Balance(a.Name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%d of %d\t%s\t%v\t%s\n", a.Name, a.MinSigs,
			len(a.Keychains), strings.Join(a.Keychains, ","), bal,
			a.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func requestPayment(ctx context.Context, c *controller.Controller, args []string) error {
	var label string
	if len(args) > 1 {
		label = strings.Join(args[1:], " ")
	}
	s, err := c.RequestPayment(args[0], label)
	if err != nil {
		return err
	}
	fmt.Println(s.Address.EncodeAddress())
	return nil
}

func parseStatus(s string) (vault.TxStatus, error) {
	for st := vault.Unsigned; st <= vault.Received; st++ {
		if strings.EqualFold(s, st.String()) {
			return st, nil
		}
	}
	return 0, errors.E(errors.Invalid, errors.Errorf("unknown transaction status %q", s))
}

func listScripts(ctx context.Context, c *controller.Controller, args []string) error {
	scripts, err := c.Scripts(args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, s := range scripts {
		fmt.Fprintf(w, "%d\t%s\t%v\t%s\n", s.Index, s.Address.EncodeAddress(), s.State, s.Label)
	}
	return w.Flush()
}

func parseStatuses(args []string) ([]vault.TxStatus, error) {
	statuses := make([]vault.TxStatus, 0, len(args))
	for _, arg := range args {
		st, err := parseStatus(arg)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func listTransactions(ctx context.Context, c *controller.Controller, args []string) error {
	statuses, err := parseStatuses(args)
	if err != nil {
		return err
	}
	recs, err := c.Transactions(statuses...)
	if err != nil {
		return err
	}
	return printTransactions(recs)
}

// accountHistory lists the transactions of a single account.
func accountHistory(ctx context.Context, c *controller.Controller, args []string) error {
	statuses, err := parseStatuses(args[1:])
	if err != nil {
		return err
	}
	recs, err := c.AccountTransactions(args[0], statuses...)
	if err != nil {
		return err
	}
	return printTransactions(recs)
}

func printTransactions(recs []*vault.TxRecord) error {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Added.Before(recs[j].Added) })
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	for _, rec := range recs {
		height := "unmined"
		if rec.BlockHeight >= 0 {
			height = strconv.Itoa(int(rec.BlockHeight))
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%s\n", &rec.Hash, &rec.TxID, rec.Status, height)
	}
	return w.Flush()
}

// parseOutputs reads address and amount pairs.
func parseOutputs(c *controller.Controller, args []string) ([]*wire.TxOut, error) {
	if len(args)%2 != 0 {
		return nil, errors.E(errors.Invalid, "outputs must be address and amount pairs")
	}
	outputs := make([]*wire.TxOut, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		var amount cfgutil.AmountFlag
		if err := amount.UnmarshalFlag(args[i+1]); err != nil {
			return nil, errors.E(errors.InvalidOutput, err)
		}
		out, err := c.OutputToAddress(args[i], amount.Amount)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// createRawTx prints an unsigned transaction paying the outputs from account
// without storing it.
func createRawTx(ctx context.Context, c *controller.Controller, args []string) error {
	outputs, err := parseOutputs(c, args[1:])
	if err != nil {
		return err
	}
	raw, err := c.CreateRawTransaction(args[0], outputs, cfg.Fee.Amount)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(raw))
	return nil
}

func decodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	return b, nil
}

func parseHash(s string) (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(s)
	if err != nil {
		return nil, errors.E(errors.Encoding, err)
	}
	return h, nil
}

func signRawTx(ctx context.Context, c *controller.Controller, args []string) error {
	raw, err := decodeHex(args[0])
	if err != nil {
		return err
	}
	signed, complete, err := c.SignRawTransaction(raw)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(signed))
	if !complete {
		fmt.Println("Transaction requires more signatures")
	}
	return nil
}

func insertRawTx(ctx context.Context, c *controller.Controller, args []string) error {
	raw, err := decodeHex(args[0])
	if err != nil {
		return err
	}
	rec, err := c.InsertRawTransaction(raw)
	if err != nil {
		return err
	}
	fmt.Printf("%v %v\n", &rec.Hash, rec.Status)
	return nil
}

func deleteTx(ctx context.Context, c *controller.Controller, args []string) error {
	hash, err := parseHash(args[0])
	if err != nil {
		return err
	}
	return c.DeleteTransaction(hash)
}

// sendTo pays amount to an address from account, signing with the keychains
// of the vault and broadcasting once fully signed.
func sendTo(ctx context.Context, c *controller.Controller, args []string) error {
	outputs, err := parseOutputs(c, args[1:3])
	if err != nil {
		return err
	}
	rec, err := c.CreateTransaction(args[0], outputs, cfg.Fee.Amount, true)
	if err != nil {
		return err
	}
	if rec.Status != vault.Signed {
		fmt.Printf("%v requires more signatures:\n%s\n", &rec.Hash, hex.EncodeToString(rec.Raw()))
		return nil
	}
	rec, err = c.Broadcast(&rec.Hash)
	if err != nil {
		return err
	}
	fmt.Println(&rec.TxID)
	return nil
}

func sendRawTx(ctx context.Context, c *controller.Controller, args []string) error {
	raw, err := decodeHex(args[0])
	if err != nil {
		return err
	}
	rec, err := c.SendRawTransaction(raw)
	if err != nil {
		return err
	}
	fmt.Println(&rec.TxID)
	return nil
}

func broadcast(ctx context.Context, c *controller.Controller, args []string) error {
	hash, err := parseHash(args[0])
	if err != nil {
		return err
	}
	rec, err := c.Broadcast(hash)
	if err != nil {
		return err
	}
	fmt.Println(&rec.TxID)
	return nil
}

// syncVault reports the heights of the synchronized vault.
func syncVault(ctx context.Context, c *controller.Controller, args []string) error {
	s := c.State()
	fmt.Printf("Synchronized to height %d\n", s.SyncHeight)
	return nil
}
