package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	testclock "k8s.io/utils/clock/testing"

	"sunkcost/internal/chain"
	"sunkcost/internal/pot"
)

const cmdTestDeposit = 100

type cmdTestChain struct {
	chain  *chain.Chain
	alice  chain.KeyPair
	bob    chain.KeyPair
	nonces map[chain.Address]uint64
}

func newCmdTestChain(t *testing.T, label string) *cmdTestChain {
	t.Helper()

	alice := chain.DeterministicKeyPair(label + "-alice")
	bob := chain.DeterministicKeyPair(label + "-bob")
	c, err := chain.New(chain.Config{
		GenesisTimestampMs: 1_700_000_000_000,
		CreationDeposit:    cmdTestDeposit,
		GenesisAccounts: map[chain.Address]uint64{
			alice.Address: 10_000,
			bob.Address:   10_000,
		},
		Clock: testclock.NewFakeClock(time.UnixMilli(1_700_000_000_000)),
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	return &cmdTestChain{chain: c, alice: alice, bob: bob, nonces: map[chain.Address]uint64{}}
}

// submit signs tx as key, commits it and returns its block.
func (h *cmdTestChain) submit(t *testing.T, key chain.KeyPair, tx chain.Transaction) chain.Block {
	t.Helper()

	tx.Nonce = h.nonces[key.Address] + 1
	if err := chain.SignTransaction(&tx, key.PrivateKey); err != nil {
		t.Fatalf("sign %s: %v", tx.Kind, err)
	}
	receipt, err := h.chain.SubmitTx(tx)
	if err != nil {
		t.Fatalf("submit %s nonce %d: %v", tx.Kind, tx.Nonce, err)
	}
	h.nonces[key.Address]++
	blocks := h.chain.GetBlocks(int(receipt.Height), 1)
	if len(blocks) != 1 {
		t.Fatalf("block %d not found", receipt.Height)
	}
	return blocks[0]
}

// transfer commits a one-unit transfer from alice to bob.
func (h *cmdTestChain) transfer(t *testing.T) chain.Block {
	t.Helper()
	return h.submit(t, h.alice, chain.Transaction{Kind: chain.TxKindTransfer, To: h.bob.Address, Amount: 1})
}

// openPot has alice create a short pot that bob then outbids.
func (h *cmdTestChain) openPot(t *testing.T) uint64 {
	t.Helper()

	params := pot.Config{InitialTimer: 10, MaxTimer: 10, Increment: 1}
	block := h.submit(t, h.alice, chain.Transaction{Kind: chain.TxKindPotCreate, Amount: cmdTestDeposit, Params: &params})
	id := *block.Receipt.PotID
	h.submit(t, h.bob, chain.Transaction{Kind: chain.TxKindPotBuyIn, PotID: id, Amount: cmdTestDeposit + 1})
	return id
}

func (h *cmdTestChain) claim(t *testing.T, id uint64) chain.Block {
	t.Helper()

	if _, err := h.chain.AdvanceTime(11 * time.Second); err != nil {
		t.Fatalf("advance time: %v", err)
	}
	return h.submit(t, h.bob, chain.Transaction{Kind: chain.TxKindPotClaim, PotID: id})
}

func TestMaybeWriteBackupSnapshotRetention(t *testing.T) {
	h := newCmdTestChain(t, "backup")
	policy := backupPolicy{Dir: filepath.Join(t.TempDir(), "backups"), EveryBlocks: 2, Retain: 2}

	for i := 0; i < 6; i++ {
		block := h.transfer(t)
		if _, err := maybeWriteBackupSnapshot(h.chain, block, policy); err != nil {
			t.Fatalf("write backup for block %d: %v", block.Height, err)
		}
	}

	entries, err := os.ReadDir(policy.Dir)
	if err != nil {
		t.Fatalf("read backup dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 backups retained, got %d", len(entries))
	}

	names := []string{entries[0].Name(), entries[1].Name()}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "snapshot-h000000000004") || !strings.Contains(joined, "snapshot-h000000000006") {
		t.Fatalf("expected retained backups for heights 4 and 6, got %v", names)
	}

	restored, err := chain.LoadSnapshot(filepath.Join(policy.Dir, names[1]), chain.Config{})
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if restored.GetStatus().Height != 6 {
		t.Fatalf("expected backup at height 6, got %d", restored.GetStatus().Height)
	}
}

func TestMaybeWriteBackupSnapshotOnClaim(t *testing.T) {
	h := newCmdTestChain(t, "backup-claim")
	policy := backupPolicy{Dir: filepath.Join(t.TempDir(), "backups"), OnClaim: true}

	id := h.openPot(t)
	head := h.chain.GetBlocks(int(h.chain.GetStatus().Height), 1)[0]
	res, err := maybeWriteBackupSnapshot(h.chain, head, policy)
	if err != nil {
		t.Fatalf("backup after buy-in: %v", err)
	}
	if res.Path != "" {
		t.Fatalf("expected no backup for a buy-in, got %s", res.Path)
	}

	block := h.claim(t, id)
	res, err = maybeWriteBackupSnapshot(h.chain, block, policy)
	if err != nil {
		t.Fatalf("backup after claim: %v", err)
	}
	if res.Reason != backupReasonClaim || !strings.HasSuffix(res.Path, "-claim-pot0.json") {
		t.Fatalf("unexpected claim backup %+v", res)
	}
	if res.Pots != 1 || res.Custody != 0 {
		t.Fatalf("expected settled pot and empty custody, got pots=%d custody=%d", res.Pots, res.Custody)
	}

	restored, err := chain.LoadSnapshot(res.Path, chain.Config{})
	if err != nil {
		t.Fatalf("load claim backup: %v", err)
	}
	view, err := restored.GetPot(id)
	if err != nil {
		t.Fatalf("get pot from backup: %v", err)
	}
	if view.Status != pot.StatusClaimed {
		t.Fatalf("expected claimed pot in backup, got %s", view.Status)
	}
}

func TestMaybeWriteBackupSnapshotDisabled(t *testing.T) {
	h := newCmdTestChain(t, "backup-off")
	backupDir := filepath.Join(t.TempDir(), "backups")

	block := h.transfer(t)
	res, err := maybeWriteBackupSnapshot(h.chain, block, backupPolicy{Dir: backupDir, Retain: 10})
	if err != nil {
		t.Fatalf("backup write: %v", err)
	}
	if res.Path != "" {
		t.Fatalf("expected empty backup path when disabled, got %s", res.Path)
	}
	if _, err := os.Stat(backupDir); !os.IsNotExist(err) {
		t.Fatalf("expected no backup dir when disabled, got err=%v", err)
	}
}
