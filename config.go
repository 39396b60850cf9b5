// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2017 The Decred developers
// Copyright (c) 2024 The CoinVault developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/coinvault/vaultd/controller"
	"github.com/coinvault/vaultd/internal/cfgutil"
	"github.com/coinvault/vaultd/internal/netparams"
	"github.com/coinvault/vaultd/version"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename    = "vaultd.conf"
	defaultLogLevel          = "info"
	defaultLogDirname        = "logs"
	defaultLogFilename       = "vaultd.log"
	defaultVaultFilename     = "vault.db"
	defaultBlockTreeFilename = "blocktree.db"
	defaultConnectHost       = "localhost"
	defaultResyncHeight      = -1
	defaultFee               = btcutil.Amount(10000)
)

var (
	defaultAppDataDir = btcutil.AppDataDir("vaultd", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir, defaultConfigFilename)
	defaultLogDir     = filepath.Join(defaultAppDataDir, defaultLogDirname)
)

// activeNet is the network selected by the config.
var activeNet = &netparams.MainNetParams

type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	AppDataDir  string `short:"A" long:"appdata" description:"Application data directory for config, vaults, block trees and logs"`
	TestNet     bool   `long:"testnet" description:"Use the test network"`
	RegTest     bool   `long:"regtest" description:"Use the regression test network"`
	SimNet      bool   `long:"simnet" description:"Use the simulation test network"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`
	LogDir      string `long:"logdir" description:"Directory to log output"`

	// Vault options
	Vault      string `long:"vault" description:"Vault file (default: <appdata>/<network>/vault.db)"`
	Create     bool   `long:"create" description:"Create the vault if it does not exist"`
	VaultPass  string `long:"vaultpass" default-mask:"-" description:"Passphrase unlocking private keychains of the vault"`
	PromptPass bool   `long:"promptpass" description:"Prompt for the vault passphrase at startup"`

	// Network options
	BlockTreeFile string `long:"blocktreefile" description:"Block header tree file, relative to the network directory"`
	Connect       string `short:"c" long:"connect" description:"Full node to synchronize with (host[:port])"`
	AutoConnect   bool   `long:"autoconnect" description:"Connect to the full node at startup"`
	ResyncHeight  int32  `long:"resyncheight" description:"Resynchronize the vault from this block height once connected (-1 to disable)"`

	// Filter and transaction options
	FPRate          float64             `long:"fprate" description:"False positive rate of the bloom filter loaded on the peer"`
	FilterTweak     uint32              `long:"filtertweak" description:"Hash seed tweak of the bloom filter"`
	Fee             *cfgutil.AmountFlag `long:"fee" description:"Absolute fee of transactions created by sendto"`
	BroadcastSigned bool                `long:"broadcastsigned" description:"Broadcast stored signed transactions after synchronizing"`

	peerHost string
	peerPort uint16
}

// filterParams returns the bloom filter parameters of the config.
func (c *config) filterParams() controller.FilterParams {
	p := controller.DefaultFilterParams()
	p.FalsePositiveRate = c.FPRate
	p.Tweak = c.FilterTweak
	return p
}

// cleanAndExpandPath expands environement variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but they variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains an "+
				"invalid subsystem/level pair [%v]", logLevelPair)
		}

		fields := strings.SplitN(logLevelPair, "=", 2)
		subsysID, logLevel := fields[0], fields[1]
		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is invalid -- "+
				"supported subsytems %v", subsysID, supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is invalid", logLevel)
		}
		setLogLevel(subsysID, logLevel)
	}
	return nil
}

// createDefaultConfigFile writes the sample config to path when no file
// exists there.
func createDefaultConfigFile(path string) error {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(sampleVaultdConf), 0600)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// Command line options always take precedence.  The remaining positional
// arguments name a command to run against the vault.
func loadConfig() (*config, []string, error) {
	loadConfigError := func(err error) (*config, []string, error) {
		return nil, nil, err
	}

	// Default config.
	cfg := config{
		DebugLevel:    defaultLogLevel,
		ConfigFile:    defaultConfigFile,
		AppDataDir:    defaultAppDataDir,
		LogDir:        defaultLogDir,
		BlockTreeFile: defaultBlockTreeFilename,
		Connect:       defaultConnectHost,
		ResyncHeight:  defaultResyncHeight,
		FPRate:        controller.DefaultFilterParams().FalsePositiveRate,
		Fee:           cfgutil.NewAmountFlag(defaultFee),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		e, ok := err.(*flags.Error)
		if ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		preParser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s %s/%s)\n", appName,
			version.String(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// Load additional config from file.  The sample config is written when
	// the default config file does not exist yet.
	var configFileError error
	parser := flags.NewParser(&cfg, flags.Default)
	configFilePath := preCfg.ConfigFile
	if configFilePath == defaultConfigFile {
		if preCfg.AppDataDir != defaultAppDataDir {
			configFilePath = filepath.Join(cleanAndExpandPath(preCfg.AppDataDir),
				defaultConfigFilename)
		}
		if err := createDefaultConfigFile(configFilePath); err != nil {
			fmt.Fprintf(os.Stderr, "Unable to create sample config: %v\n", err)
		}
	} else {
		configFilePath = cleanAndExpandPath(configFilePath)
	}
	err = flags.NewIniParser(parser).ParseFile(configFilePath)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			parser.WriteHelp(os.Stderr)
			return loadConfigError(err)
		}
		configFileError = err
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return loadConfigError(err)
	}

	// If an alternate data directory was specified, and paths with defaults
	// relative to the data dir are unchanged, modify each path to be
	// relative to the new data dir.
	if cfg.AppDataDir != defaultAppDataDir {
		cfg.AppDataDir = cleanAndExpandPath(cfg.AppDataDir)
		if cfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.AppDataDir, defaultLogDirname)
		}
	}

	// Choose the active network params based on the selected network.
	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		err := fmt.Errorf("loadConfig: the testnet, regtest and simnet " +
			"params can't be used together -- choose one")
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	// Append the network type to the log directory so it is "namespaced"
	// per network.
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Params.Name)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize logging at the default logging level.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))
	setLogLevels(defaultLogLevel)

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("loadConfig: %v", err)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return loadConfigError(err)
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	netDir := networkDir(cfg.AppDataDir, activeNet.Params)
	if cfg.Vault == "" {
		cfg.Vault = filepath.Join(netDir, defaultVaultFilename)
	} else {
		cfg.Vault = cleanAndExpandPath(cfg.Vault)
	}
	if !filepath.IsAbs(cfg.BlockTreeFile) {
		cfg.BlockTreeFile = filepath.Join(netDir, cfg.BlockTreeFile)
	}

	peer, err := cfgutil.NormalizeAddress(cfg.Connect, activeNet.PeerPort)
	if err != nil {
		err := fmt.Errorf("loadConfig: invalid connect address %q: %v", cfg.Connect, err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}
	cfg.peerHost, cfg.peerPort, err = cfgutil.SplitHostPort(peer)
	if err != nil {
		err := fmt.Errorf("loadConfig: invalid connect address %q: %v", cfg.Connect, err)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	if cfg.FPRate <= 0 || cfg.FPRate >= 1 {
		err := fmt.Errorf("loadConfig: fprate %v must be between 0 and 1", cfg.FPRate)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}
	if cfg.ResyncHeight < defaultResyncHeight {
		err := fmt.Errorf("loadConfig: invalid resyncheight %d", cfg.ResyncHeight)
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}
	if cfg.VaultPass != "" && cfg.PromptPass {
		err := fmt.Errorf("loadConfig: vaultpass and promptpass can't be used together")
		fmt.Fprintln(os.Stderr, err)
		return loadConfigError(err)
	}

	return &cfg, remainingArgs, nil
}
