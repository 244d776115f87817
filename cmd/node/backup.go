package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"sunkcost/internal/chain"
)

const backupFilePrefix = "snapshot-h"

const (
	backupReasonInterval = "interval"
	backupReasonClaim    = "claim"
)

// backupPolicy decides which committed blocks get a JSON restore point.
type backupPolicy struct {
	Dir         string
	EveryBlocks uint64
	Retain      int
	OnClaim     bool
}

type backupResult struct {
	Path    string
	Reason  string
	Height  uint64
	Pots    uint64
	Custody uint64
}

// reason reports why block deserves a backup, or "" when it does not. A
// settled pot always gets one so payouts can be audited from disk.
func (p backupPolicy) reason(block chain.Block) string {
	if strings.TrimSpace(p.Dir) == "" || block.Height == 0 {
		return ""
	}
	if p.OnClaim && block.Receipt != nil && block.Receipt.Kind == chain.TxKindPotClaim {
		return backupReasonClaim
	}
	if p.EveryBlocks > 0 && block.Height%p.EveryBlocks == 0 {
		return backupReasonInterval
	}
	return ""
}

func backupFileName(block chain.Block, reason string) string {
	name := fmt.Sprintf("%s%012d-ts%d", backupFilePrefix, block.Height, block.Timestamp)
	if reason == backupReasonClaim && block.Receipt != nil && block.Receipt.PotID != nil {
		name += fmt.Sprintf("-claim-pot%d", *block.Receipt.PotID)
	}
	return name + ".json"
}

// maybeWriteBackupSnapshot must run from the finalize hook so the saved
// state is exactly the state after block.
func maybeWriteBackupSnapshot(c *chain.Chain, block chain.Block, policy backupPolicy) (backupResult, error) {
	if c == nil {
		return backupResult{}, fmt.Errorf("backup requires chain instance")
	}
	reason := policy.reason(block)
	if reason == "" {
		return backupResult{}, nil
	}
	dir := strings.TrimSpace(policy.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return backupResult{}, fmt.Errorf("create backup dir: %w", err)
	}

	path := filepath.Join(dir, backupFileName(block, reason))
	if err := c.SaveSnapshot(path); err != nil {
		return backupResult{}, fmt.Errorf("write backup snapshot: %w", err)
	}
	m := c.GetMetrics()
	res := backupResult{
		Path:    path,
		Reason:  reason,
		Height:  block.Height,
		Pots:    m.PotsCount,
		Custody: m.CustodyBalance,
	}
	if err := pruneBackupSnapshots(dir, policy.Retain); err != nil {
		return res, err
	}
	return res, nil
}

func pruneBackupSnapshots(backupDir string, retain int) error {
	if retain <= 0 {
		return nil
	}

	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, backupFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		files = append(files, filepath.Join(backupDir, name))
	}
	if len(files) <= retain {
		return nil
	}
	// zero-padded heights sort in commit order
	sort.Strings(files)
	for _, path := range files[:len(files)-retain] {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old backup %s: %w", path, err)
		}
	}
	return nil
}
