package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"sunkcost/internal/pot"
)

var (
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrUnknownAccount       = errors.New("unknown account")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBadNonce             = errors.New("bad nonce")
	ErrReservedAccount      = errors.New("reserved account")
	ErrTransactionCommitted = errors.New("transaction already committed")
	ErrClockNotSteppable    = errors.New("clock cannot be advanced")
	ErrReplayMismatch       = errors.New("replay diverged from recorded block")
	ErrUnknownPotStatus     = errors.New("unknown pot status filter")
)

const defaultPageLimit = 20

type Config struct {
	GenesisTimestampMs int64
	GenesisAccounts    map[Address]uint64
	CreationDeposit    uint64
	BurnPolicy         string
	ExtensionPolicy    string
	// Clock drives every deadline check. Defaults to the wall clock.
	Clock        clock.PassiveClock
	Logger       logr.Logger
	FinalizeHook func(Block)
}

type txIndexRecord struct {
	Height uint64
}

// Chain is the host ledger. Transactions are executed one at a time; each
// committed transaction becomes its own block.
type Chain struct {
	// finalizeMu is held from commit through the finalize hook so hooks
	// observe blocks in height order. Hooks must not submit transactions.
	finalizeMu sync.Mutex

	mu           sync.RWMutex
	accounts     map[Address]*Account
	registry     *pot.Registry
	blocks       []Block
	txIndex      map[string]txIndexRecord
	clock        clock.PassiveClock
	log          logr.Logger
	finalizeHook func(Block)

	lastCommittedAt time.Time

	submittedTxTotal     uint64
	rejectedTxTotal      uint64
	committedBlocksTotal uint64
	buyInsTotal          uint64
	paidOutTotal         uint64
}

func New(cfg Config) (*Chain, error) {
	c, err := newChain(cfg)
	if err != nil {
		return nil, err
	}
	for addr, balance := range cfg.GenesisAccounts {
		if addr == "" {
			return nil, errors.New("genesis account with empty address")
		}
		if addr.Reserved() {
			return nil, fmt.Errorf("%w: genesis cannot fund %s", ErrReservedAccount, addr)
		}
		c.accounts[addr] = &Account{Balance: balance}
	}

	genesisTimestamp := cfg.GenesisTimestampMs
	if genesisTimestamp <= 0 {
		genesisTimestamp = c.clock.Now().UnixMilli()
	}
	genesis := Block{
		Height:    0,
		PrevHash:  "",
		Timestamp: genesisTimestamp,
		StateRoot: computeStateRoot(c.accounts, c.registry),
	}
	genesis.Hash = hashBlock(genesis)
	c.blocks = append(c.blocks, genesis)
	return c, nil
}

func newChain(cfg Config) (*Chain, error) {
	burn, err := pot.ParseBurnPolicy(cfg.BurnPolicy)
	if err != nil {
		return nil, err
	}
	extension, err := pot.ParseExtensionPolicy(cfg.ExtensionPolicy)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}
	return &Chain{
		accounts: map[Address]*Account{
			CustodyAddress: {},
			BurnAddress:    {},
		},
		registry: pot.NewRegistry(pot.Options{
			CreationDeposit: cfg.CreationDeposit,
			Burn:            burn,
			Extension:       extension,
		}),
		txIndex:         make(map[string]txIndexRecord),
		clock:           cfg.Clock,
		log:             cfg.Logger.WithName("chain"),
		finalizeHook:    cfg.FinalizeHook,
		lastCommittedAt: cfg.Clock.Now(),
	}, nil
}

// SubmitTx validates, executes and commits tx in one step. A rejected
// transaction leaves no trace in accounts, pots or blocks.
func (c *Chain) SubmitTx(tx Transaction) (Receipt, error) {
	c.finalizeMu.Lock()
	defer c.finalizeMu.Unlock()

	block, err := c.submit(tx)
	if err != nil {
		c.log.V(1).Info("rejected transaction", "kind", tx.txKind(), "from", tx.From, "err", err.Error())
		return Receipt{}, err
	}
	c.log.Info("committed block",
		"height", block.Height,
		"kind", block.Receipt.Kind,
		"from", block.Receipt.From,
		"hash", shortHash(block.Hash),
	)
	if hook := c.getFinalizeHook(); hook != nil {
		hook(block)
	}
	return *block.Receipt, nil
}

func (c *Chain) submit(tx Transaction) (Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := validateTxBasic(tx); err != nil {
		c.rejectedTxTotal++
		return Block{}, err
	}
	txID := tx.ID()
	if _, exists := c.txIndex[txID]; exists {
		c.rejectedTxTotal++
		return Block{}, fmt.Errorf("%w: %s", ErrTransactionCommitted, txID)
	}

	head := c.blocks[len(c.blocks)-1]
	ts := c.clock.Now().UnixMilli()
	if ts < head.Timestamp {
		ts = head.Timestamp
	}
	block, err := c.commitLocked(tx, ts)
	if err != nil {
		c.rejectedTxTotal++
		return Block{}, err
	}
	c.submittedTxTotal++
	c.lastCommittedAt = c.clock.Now()
	return block, nil
}

// commitLocked executes tx against cloned state at timestamp ts and, on
// success, swaps the clones in and appends the block.
func (c *Chain) commitLocked(tx Transaction, ts int64) (Block, error) {
	state := cloneAccounts(c.accounts)
	registry := c.registry.Clone()
	ledger := newAccountLedger(state)
	height := uint64(len(c.blocks))

	receipt, err := applyTx(state, registry, ledger, tx, time.UnixMilli(ts))
	if err != nil {
		return Block{}, err
	}
	receipt.Height = height

	txCopy := tx
	block := Block{
		Height:    height,
		PrevHash:  c.blocks[len(c.blocks)-1].Hash,
		Timestamp: ts,
		Tx:        &txCopy,
		Receipt:   &receipt,
		StateRoot: computeStateRoot(state, registry),
	}
	block.Hash = hashBlock(block)

	c.accounts = state
	c.registry = registry
	c.blocks = append(c.blocks, block)
	c.txIndex[receipt.TxID] = txIndexRecord{Height: height}
	c.committedBlocksTotal++
	c.paidOutTotal += ledger.paidOut
	if receipt.Kind == TxKindPotBuyIn {
		c.buyInsTotal++
	}
	return block, nil
}

// Replay rebuilds a chain by re-executing recorded blocks at their recorded
// timestamps, checking every hash along the way.
func Replay(cfg Config, blocks []Block) (*Chain, error) {
	if len(blocks) == 0 {
		return nil, errors.New("replay requires at least the genesis block")
	}
	cfg.GenesisTimestampMs = blocks[0].Timestamp
	hook := cfg.FinalizeHook
	cfg.FinalizeHook = nil
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if c.blocks[0].Hash != blocks[0].Hash {
		return nil, fmt.Errorf("%w: genesis hash %s want %s", ErrReplayMismatch, shortHash(c.blocks[0].Hash), shortHash(blocks[0].Hash))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, recorded := range blocks[1:] {
		if recorded.Tx == nil {
			return nil, fmt.Errorf("%w: block %d has no transaction", ErrReplayMismatch, recorded.Height)
		}
		if err := validateTxBasic(*recorded.Tx); err != nil {
			return nil, fmt.Errorf("replay block %d: %w", recorded.Height, err)
		}
		block, err := c.commitLocked(*recorded.Tx, recorded.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("replay block %d: %w", recorded.Height, err)
		}
		if block.Hash != recorded.Hash {
			return nil, fmt.Errorf("%w: block %d hash %s want %s", ErrReplayMismatch, recorded.Height, shortHash(block.Hash), shortHash(recorded.Hash))
		}
		c.submittedTxTotal++
	}
	c.finalizeHook = hook
	return c, nil
}

// AdvanceTime steps the chain clock forward when it supports it.
func (c *Chain) AdvanceTime(d time.Duration) (time.Time, error) {
	if d < 0 {
		return time.Time{}, fmt.Errorf("%w: negative duration", ErrInvalidAmount)
	}
	stepper, ok := c.clock.(Stepper)
	if !ok {
		return time.Time{}, ErrClockNotSteppable
	}
	stepper.Step(d)
	now := c.clock.Now()
	c.log.Info("advanced clock", "by", d.String(), "now", now.Unix())
	return now, nil
}

func (c *Chain) Now() time.Time {
	return c.clock.Now()
}

func (c *Chain) CanAdvanceTime() bool {
	_, ok := c.clock.(Stepper)
	return ok
}

func (c *Chain) CreationDeposit() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.CreationDeposit()
}

func (c *Chain) NextNonce(address Address) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acc, ok := c.accounts[address]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, address)
	}
	return acc.Nonce + 1, nil
}

func (c *Chain) GetAccount(address Address) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acc, ok := c.accounts[address]
	if !ok {
		return Account{}, false
	}
	return *acc, true
}

func (c *Chain) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	head := c.blocks[len(c.blocks)-1]
	return Status{
		Height:          head.Height,
		HeadHash:        head.Hash,
		LastCommittedMs: c.lastCommittedAt.UnixMilli(),
		NowMs:           c.clock.Now().UnixMilli(),
		PotsCount:       c.registry.Count(),
		CreationDeposit: c.registry.CreationDeposit(),
		BurnPolicy:      c.registry.BurnPolicy().Name(),
		ExtensionPolicy: c.registry.ExtensionPolicy().Name(),
	}
}

func (c *Chain) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var open, claimed uint64
	for _, p := range c.registry.Pots() {
		if p.Status == pot.StatusClaimed {
			claimed++
		} else {
			open++
		}
	}
	head := c.blocks[len(c.blocks)-1]
	return Metrics{
		Height:               head.Height,
		PotsCount:            c.registry.Count(),
		OpenPots:             open,
		ClaimedPots:          claimed,
		SubmittedTxTotal:     c.submittedTxTotal,
		RejectedTxTotal:      c.rejectedTxTotal,
		CommittedBlocksTotal: c.committedBlocksTotal,
		BuyInsTotal:          c.buyInsTotal,
		CustodyBalance:       c.accounts[CustodyAddress].Balance,
		BurnedTotal:          c.accounts[BurnAddress].Balance,
		PaidOutTotal:         c.paidOutTotal,
		LastCommittedMs:      c.lastCommittedAt.UnixMilli(),
	}
}

func (c *Chain) GetBlocks(from, limit int) []Block {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if from < 0 {
		from = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if from >= len(c.blocks) {
		return nil
	}
	to := min(from+limit, len(c.blocks))
	return append([]Block(nil), c.blocks[from:to]...)
}

func (c *Chain) GetTransaction(txID string) (TransactionLookup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	target := strings.TrimSpace(txID)
	record, ok := c.txIndex[target]
	if !ok {
		return TransactionLookup{}, false
	}
	block := c.blocks[record.Height]
	return TransactionLookup{
		TxID:        target,
		Height:      block.Height,
		BlockHash:   block.Hash,
		Timestamp:   block.Timestamp,
		Transaction: *block.Tx,
		Receipt:     *block.Receipt,
	}, true
}

func (c *Chain) SetFinalizeHook(hook func(Block)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizeHook = hook
}

func (c *Chain) getFinalizeHook() func(Block) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalizeHook
}

func validateTxBasic(tx Transaction) error {
	if tx.From == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidTransaction)
	}
	if tx.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp must be > 0", ErrInvalidTransaction)
	}
	if tx.Nonce == 0 {
		return fmt.Errorf("%w: nonce must be > 0", ErrInvalidTransaction)
	}
	switch tx.txKind() {
	case TxKindTransfer:
		if tx.To == "" {
			return fmt.Errorf("%w: missing to", ErrInvalidTransaction)
		}
		if tx.From == tx.To {
			return fmt.Errorf("%w: from and to cannot be equal", ErrInvalidTransaction)
		}
		if tx.To.Reserved() {
			return fmt.Errorf("%w: cannot transfer to %s", ErrReservedAccount, tx.To)
		}
		if tx.Amount == 0 {
			return fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
		}
		if tx.Params != nil || tx.PotID != 0 {
			return fmt.Errorf("%w: pot fields are not supported for transfer", ErrInvalidTransaction)
		}
	case TxKindPotCreate:
		if tx.Params == nil {
			return fmt.Errorf("%w: missing params", ErrInvalidTransaction)
		}
		if tx.To != "" || tx.PotID != 0 {
			return fmt.Errorf("%w: to and potId are not supported for pot_create", ErrInvalidTransaction)
		}
	case TxKindPotBuyIn:
		if tx.Amount == 0 {
			return fmt.Errorf("%w: amount must be > 0", ErrInvalidAmount)
		}
		if tx.To != "" || tx.Params != nil {
			return fmt.Errorf("%w: to and params are not supported for pot_buy_in", ErrInvalidTransaction)
		}
	case TxKindPotClaim:
		if tx.Amount != 0 {
			return fmt.Errorf("%w: claim carries no payment", ErrInvalidAmount)
		}
		if tx.To != "" || tx.Params != nil {
			return fmt.Errorf("%w: to and params are not supported for pot_claim", ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidTransaction, tx.Kind)
	}
	if err := VerifyTransactionSignature(tx); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	return nil
}

func applyTx(state map[Address]*Account, registry *pot.Registry, ledger *accountLedger, tx Transaction, now time.Time) (Receipt, error) {
	from, ok := state[tx.From]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownAccount, tx.From)
	}
	if from.Nonce+1 != tx.Nonce {
		return Receipt{}, fmt.Errorf("%w: %s expected %d got %d", ErrBadNonce, tx.From, from.Nonce+1, tx.Nonce)
	}

	kind := tx.txKind()
	receipt := Receipt{TxID: tx.ID(), Kind: kind, From: tx.From, Payment: tx.Amount}
	call := pot.Call{Caller: string(tx.From), Payment: tx.Amount, Now: now}

	switch kind {
	case TxKindTransfer:
		if err := ledger.move(tx.From, tx.To, tx.Amount); err != nil {
			return Receipt{}, err
		}
	case TxKindPotCreate:
		id, err := registry.CreatePot(ledger, call, *tx.Params)
		if err != nil {
			return Receipt{}, err
		}
		created, _ := registry.Pot(id)
		receipt.PotID = &id
		receipt.PotTotal = created.Total
		receipt.Deadline = created.Deadline
	case TxKindPotBuyIn:
		res, err := registry.BuyIn(ledger, call, tx.PotID)
		if err != nil {
			return Receipt{}, err
		}
		id := tx.PotID
		receipt.PotID = &id
		receipt.Burned = res.Burned
		receipt.PotTotal = res.Total
		receipt.Deadline = res.Deadline
	case TxKindPotClaim:
		payout, err := registry.Claim(ledger, call, tx.PotID)
		if err != nil {
			return Receipt{}, err
		}
		id := tx.PotID
		receipt.PotID = &id
		receipt.Payout = payout
	default:
		return Receipt{}, fmt.Errorf("%w: unsupported kind %q", ErrInvalidTransaction, kind)
	}

	from.Nonce++
	return receipt, nil
}

func hashBlock(block Block) string {
	txID := ""
	if block.Tx != nil {
		txID = block.Tx.ID()
	}
	payload := fmt.Sprintf(
		"%d|%s|%d|%s|%s",
		block.Height,
		block.PrevHash,
		block.Timestamp,
		txID,
		block.StateRoot,
	)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func computeStateRoot(state map[Address]*Account, registry *pot.Registry) string {
	addrs := make([]string, 0, len(state))
	for addr := range state {
		addrs = append(addrs, string(addr))
	}
	sort.Strings(addrs)

	var b strings.Builder
	for _, raw := range addrs {
		acc := state[Address(raw)]
		fmt.Fprintf(&b, "%s:%d:%d;", raw, acc.Balance, acc.Nonce)
	}
	fmt.Fprintf(&b, "|registry|%d:%s:%s|pots|",
		registry.CreationDeposit(),
		registry.BurnPolicy().Name(),
		registry.ExtensionPolicy().Name(),
	)
	for _, p := range registry.Pots() {
		fmt.Fprintf(&b, "%d:%s:%s:%d:%d:%d:%d:%d:%d:%d:%d:%d:%s:%d:%d:%d:%d;",
			p.ID, p.Creator, p.Owner, p.Price, p.Total, p.CreatedAt, p.Deadline,
			p.Config.InitialTimer, p.Config.MaxTimer, p.Config.Increment, p.Config.Extension, p.Config.Burn,
			p.Status, p.Bids, p.Burned, p.ClaimedAt, p.Payout,
		)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func cloneAccounts(src map[Address]*Account) map[Address]*Account {
	cloned := make(map[Address]*Account, len(src))
	for addr, acc := range src {
		copied := *acc
		cloned[addr] = &copied
	}
	return cloned
}

func shortHash(h string) string {
	if len(h) <= 10 {
		return h
	}
	return h[:10]
}
