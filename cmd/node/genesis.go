package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"sunkcost/internal/chain"
	"sunkcost/internal/pot"
)

const (
	defaultGenesisTimestampMs int64  = 1_700_000_000_000
	demoUserBalance           uint64 = 1_000_000
)

var demoUserLabels = []string{"alice", "bob", "carol"}

type demoUser struct {
	Address    chain.Address
	PrivateKey string
}

type bootInfo struct {
	LoadedFromSnapshot bool
	SnapshotPath       string
	GenesisSource      string
	DemoUsers          map[string]demoUser
	Overridden         []settingOverride
}

// settingOverride is a configured ledger rule that persisted state replaced.
type settingOverride struct {
	Setting    string
	Configured string
	Persisted  string
}

type genesisFile struct {
	GenesisTimestampMs int64             `json:"genesisTimestampMs"`
	Accounts           map[string]uint64 `json:"accounts"`
}

// buildChain resumes from persisted state when it exists and otherwise
// starts a fresh chain from genesis.
func buildChain(cfg chain.Config, genesisPath, stateBackend, statePath string) (*chain.Chain, bootInfo, error) {
	if statePath != "" {
		if _, err := os.Stat(statePath); err == nil {
			loaded, err := loadChainState(stateBackend, statePath, cfg)
			if err != nil {
				return nil, bootInfo{}, fmt.Errorf("load %s state %s: %w", stateBackend, statePath, err)
			}
			overridden := overriddenSettings(cfg, loaded.GetStatus())
			for _, o := range overridden {
				cfg.Logger.Info("warning: persisted state overrides configured setting",
					"setting", o.Setting,
					"configured", o.Configured,
					"persisted", o.Persisted,
				)
			}
			return loaded, bootInfo{
				LoadedFromSnapshot: true,
				SnapshotPath:       statePath,
				GenesisSource:      stateBackend,
				Overridden:         overridden,
			}, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, bootInfo{}, fmt.Errorf("check state %s: %w", statePath, err)
		}
	}

	accounts, genesisTimestampMs, demoUsers, source, err := loadGenesis(genesisPath)
	if err != nil {
		return nil, bootInfo{}, err
	}
	cfg.GenesisAccounts = accounts
	cfg.GenesisTimestampMs = genesisTimestampMs

	c, err := chain.New(cfg)
	if err != nil {
		return nil, bootInfo{}, fmt.Errorf("new chain from genesis: %w", err)
	}
	return c, bootInfo{
		SnapshotPath:  statePath,
		GenesisSource: source,
		DemoUsers:     demoUsers,
	}, nil
}

// overriddenSettings compares the rules a chain was created with against the
// ones configured for this run. Pots already on disk keep their rules.
func overriddenSettings(cfg chain.Config, loaded chain.Status) []settingOverride {
	var out []settingOverride
	if cfg.CreationDeposit != 0 && cfg.CreationDeposit != loaded.CreationDeposit {
		out = append(out, settingOverride{
			Setting:    "creation-deposit",
			Configured: fmt.Sprint(cfg.CreationDeposit),
			Persisted:  fmt.Sprint(loaded.CreationDeposit),
		})
	}
	if burn, err := pot.ParseBurnPolicy(cfg.BurnPolicy); err == nil && burn.Name() != loaded.BurnPolicy {
		out = append(out, settingOverride{Setting: "burn-policy", Configured: burn.Name(), Persisted: loaded.BurnPolicy})
	}
	if ext, err := pot.ParseExtensionPolicy(cfg.ExtensionPolicy); err == nil && ext.Name() != loaded.ExtensionPolicy {
		out = append(out, settingOverride{Setting: "extension-policy", Configured: ext.Name(), Persisted: loaded.ExtensionPolicy})
	}
	return out
}

func loadChainState(backend, path string, cfg chain.Config) (*chain.Chain, error) {
	switch backend {
	case stateBackendSnapshot:
		return chain.LoadSnapshot(path, cfg)
	case stateBackendSQLite:
		return chain.LoadSQLiteSnapshot(path, cfg)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", backend)
	}
}

func saveChainState(c *chain.Chain, backend, path string) error {
	switch backend {
	case stateBackendSnapshot:
		return c.SaveSnapshot(path)
	case stateBackendSQLite:
		return c.SaveSQLiteSnapshot(path)
	default:
		return fmt.Errorf("unsupported state backend %q", backend)
	}
}

func loadGenesis(path string) (map[chain.Address]uint64, int64, map[string]demoUser, string, error) {
	if path == "" {
		accounts, demoUsers := defaultGenesis()
		return accounts, defaultGenesisTimestampMs, demoUsers, "built-in deterministic genesis", nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, nil, "", fmt.Errorf("read genesis file %s: %w", path, err)
	}
	var gf genesisFile
	if err := json.Unmarshal(raw, &gf); err != nil {
		return nil, 0, nil, "", fmt.Errorf("decode genesis file %s: %w", path, err)
	}
	if len(gf.Accounts) == 0 {
		return nil, 0, nil, "", errors.New("genesis file has no accounts")
	}

	accounts := make(map[chain.Address]uint64, len(gf.Accounts))
	for addr, balance := range gf.Accounts {
		accounts[chain.Address(addr)] = balance
	}
	genesisTimestampMs := gf.GenesisTimestampMs
	if genesisTimestampMs <= 0 {
		genesisTimestampMs = defaultGenesisTimestampMs
	}
	return accounts, genesisTimestampMs, nil, path, nil
}

// defaultGenesis funds a few well-known demo players. Their keys are
// derived from their names and must never hold real value.
func defaultGenesis() (map[chain.Address]uint64, map[string]demoUser) {
	accounts := make(map[chain.Address]uint64, len(demoUserLabels))
	demoUsers := make(map[string]demoUser, len(demoUserLabels))
	for _, label := range demoUserLabels {
		key := chain.DeterministicKeyPair(label)
		accounts[key.Address] = demoUserBalance
		demoUsers[label] = demoUser{Address: key.Address, PrivateKey: key.PrivateKey}
	}
	return accounts, demoUsers
}
