package chain

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "modernc.org/sqlite"

	"sunkcost/internal/pot"
)

const (
	snapshotVersion = 1
	sqliteStateKey  = "latest"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chain_state (
  key TEXT PRIMARY KEY,
  version INTEGER NOT NULL,
  payload BLOB NOT NULL,
  updated_ms INTEGER NOT NULL
);`

type Snapshot struct {
	Version              int                 `json:"version"`
	CreationDeposit      uint64              `json:"creationDeposit"`
	BurnPolicy           string              `json:"burnPolicy"`
	ExtensionPolicy      string              `json:"extensionPolicy"`
	LastCommittedMs      int64               `json:"lastCommittedMs"`
	SubmittedTxTotal     uint64              `json:"submittedTxTotal"`
	RejectedTxTotal      uint64              `json:"rejectedTxTotal"`
	CommittedBlocksTotal uint64              `json:"committedBlocksTotal"`
	BuyInsTotal          uint64              `json:"buyInsTotal"`
	PaidOutTotal         uint64              `json:"paidOutTotal"`
	Accounts             map[Address]Account `json:"accounts"`
	Pots                 []pot.Pot           `json:"pots"`
	Blocks               []Block             `json:"blocks"`
}

func (c *Chain) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	accounts := make(map[Address]Account, len(c.accounts))
	for addr, acc := range c.accounts {
		accounts[addr] = *acc
	}
	return Snapshot{
		Version:              snapshotVersion,
		CreationDeposit:      c.registry.CreationDeposit(),
		BurnPolicy:           c.registry.BurnPolicy().Name(),
		ExtensionPolicy:      c.registry.ExtensionPolicy().Name(),
		LastCommittedMs:      c.lastCommittedAt.UnixMilli(),
		SubmittedTxTotal:     c.submittedTxTotal,
		RejectedTxTotal:      c.rejectedTxTotal,
		CommittedBlocksTotal: c.committedBlocksTotal,
		BuyInsTotal:          c.buyInsTotal,
		PaidOutTotal:         c.paidOutTotal,
		Accounts:             accounts,
		Pots:                 c.registry.Pots(),
		Blocks:               append([]Block(nil), c.blocks...),
	}
}

func (c *Chain) SaveSnapshot(path string) error {
	if path == "" {
		return errors.New("snapshot path is required")
	}
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func LoadSnapshot(path string, cfg Config) (*Chain, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return LoadSnapshotBytes(data, cfg)
}

func LoadSnapshotBytes(data []byte, cfg Config) (*Chain, error) {
	if len(data) == 0 {
		return nil, errors.New("snapshot data is empty")
	}
	var ss Snapshot
	if err := json.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return chainFromSnapshot(ss, cfg)
}

// SaveSQLiteSnapshot upserts the snapshot, CBOR-encoded, into a single row.
func (c *Chain) SaveSQLiteSnapshot(path string) error {
	if path == "" {
		return errors.New("sqlite state path is required")
	}
	data, err := cbor.Marshal(c.Snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sqlite state dir: %w", err)
	}
	db, err := openStateDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(
		`INSERT INTO chain_state (key, version, payload, updated_ms)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET
         version = excluded.version,
         payload = excluded.payload,
         updated_ms = excluded.updated_ms`,
		sqliteStateKey,
		snapshotVersion,
		data,
		time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("write sqlite snapshot: %w", err)
	}
	return nil
}

func LoadSQLiteSnapshot(path string, cfg Config) (*Chain, error) {
	if path == "" {
		return nil, errors.New("sqlite state path is required")
	}
	db, err := openStateDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var data []byte
	err = db.QueryRow(`SELECT payload FROM chain_state WHERE key = ?`, sqliteStateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.New("sqlite state has no snapshot")
	}
	if err != nil {
		return nil, fmt.Errorf("read sqlite snapshot: %w", err)
	}

	var ss Snapshot
	if err := cbor.Unmarshal(data, &ss); err != nil {
		return nil, fmt.Errorf("decode sqlite snapshot: %w", err)
	}
	return chainFromSnapshot(ss, cfg)
}

func openStateDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite state: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return db, nil
}

// chainFromSnapshot rebuilds a chain and refuses state whose hashes, state
// root or custody balance do not line up.
func chainFromSnapshot(ss Snapshot, cfg Config) (*Chain, error) {
	if ss.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", ss.Version)
	}
	if len(ss.Blocks) == 0 {
		return nil, errors.New("snapshot has no blocks")
	}

	cfg.CreationDeposit = ss.CreationDeposit
	cfg.BurnPolicy = ss.BurnPolicy
	cfg.ExtensionPolicy = ss.ExtensionPolicy
	c, err := newChain(cfg)
	if err != nil {
		return nil, err
	}
	for addr, acc := range ss.Accounts {
		copied := acc
		c.accounts[addr] = &copied
	}
	if err := c.registry.Restore(ss.Pots); err != nil {
		return nil, fmt.Errorf("restore pots: %w", err)
	}
	c.blocks = append([]Block(nil), ss.Blocks...)
	if err := c.validateLoadedBlocks(); err != nil {
		return nil, err
	}

	head := c.blocks[len(c.blocks)-1]
	if root := computeStateRoot(c.accounts, c.registry); root != head.StateRoot {
		return nil, fmt.Errorf("snapshot state root %s does not match head %s", shortHash(root), shortHash(head.StateRoot))
	}
	if custody, open := c.accounts[CustodyAddress].Balance, c.registry.OpenTotal(); custody != open {
		return nil, fmt.Errorf("custody balance %d does not match open pot value %d", custody, open)
	}

	for _, block := range c.blocks[1:] {
		c.txIndex[block.Tx.ID()] = txIndexRecord{Height: block.Height}
	}
	if ss.LastCommittedMs > 0 {
		c.lastCommittedAt = time.UnixMilli(ss.LastCommittedMs)
	}
	c.submittedTxTotal = ss.SubmittedTxTotal
	c.rejectedTxTotal = ss.RejectedTxTotal
	c.committedBlocksTotal = ss.CommittedBlocksTotal
	c.buyInsTotal = ss.BuyInsTotal
	c.paidOutTotal = ss.PaidOutTotal
	return c, nil
}

func (c *Chain) validateLoadedBlocks() error {
	for i, block := range c.blocks {
		if block.Height != uint64(i) {
			return fmt.Errorf("block at index %d has height %d", i, block.Height)
		}
		if block.Hash != hashBlock(block) {
			return fmt.Errorf("block hash mismatch at height %d", block.Height)
		}
		if i == 0 {
			continue
		}
		if block.Tx == nil || block.Receipt == nil {
			return fmt.Errorf("block %d is missing its transaction", block.Height)
		}
		if block.PrevHash != c.blocks[i-1].Hash {
			return fmt.Errorf("block %d has invalid prev hash", block.Height)
		}
		if block.Timestamp < c.blocks[i-1].Timestamp {
			return fmt.Errorf("block %d timestamp goes backwards", block.Height)
		}
	}
	return nil
}
