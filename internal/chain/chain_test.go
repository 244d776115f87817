package chain

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"k8s.io/utils/clock"
	testclock "k8s.io/utils/clock/testing"

	"sunkcost/internal/pot"
)

var testEpoch = time.Unix(1_700_000_000, 0)

const (
	testDeposit = 2_000
	testFunds   = 100_000
)

type testPlayer struct {
	key   KeyPair
	nonce uint64
}

type harness struct {
	t       *testing.T
	clock   *testclock.FakeClock
	chain   *Chain
	cfg     Config
	players map[string]*testPlayer
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		clock:   testclock.NewFakeClock(testEpoch),
		players: make(map[string]*testPlayer),
	}
	accounts := map[Address]uint64{}
	for _, name := range []string{"alice", "bob", "carol"} {
		key := DeterministicKeyPair(name + "-chain-test")
		h.players[name] = &testPlayer{key: key}
		accounts[key.Address] = testFunds
	}
	poor := DeterministicKeyPair("dave-chain-test")
	h.players["dave"] = &testPlayer{key: poor}
	accounts[poor.Address] = 100

	cfg.GenesisAccounts = accounts
	cfg.GenesisTimestampMs = testEpoch.UnixMilli()
	cfg.Clock = h.clock
	if cfg.CreationDeposit == 0 {
		cfg.CreationDeposit = testDeposit
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	h.chain = c
	h.cfg = cfg
	return h
}

func (h *harness) addr(name string) Address {
	return h.players[name].key.Address
}

func (h *harness) balance(name string) uint64 {
	acc, ok := h.chain.GetAccount(h.addr(name))
	if !ok {
		h.t.Fatalf("account %s missing", name)
	}
	return acc.Balance
}

func (h *harness) reserved(addr Address) uint64 {
	acc, _ := h.chain.GetAccount(addr)
	return acc.Balance
}

func (h *harness) sign(name string, tx Transaction) Transaction {
	h.t.Helper()
	p := h.players[name]
	tx.From = p.key.Address
	tx.Nonce = p.nonce + 1
	tx.Timestamp = h.clock.Now().UnixMilli() + int64(tx.Nonce)
	if err := SignTransaction(&tx, p.key.PrivateKey); err != nil {
		h.t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func (h *harness) submit(name string, tx Transaction) (Receipt, error) {
	h.t.Helper()
	receipt, err := h.chain.SubmitTx(h.sign(name, tx))
	if err == nil {
		h.players[name].nonce++
	}
	return receipt, err
}

func (h *harness) mustSubmit(name string, tx Transaction) Receipt {
	h.t.Helper()
	receipt, err := h.submit(name, tx)
	if err != nil {
		h.t.Fatalf("%s %s: %v", name, tx.Kind, err)
	}
	return receipt
}

func createTx(cfg pot.Config) Transaction {
	return Transaction{Kind: TxKindPotCreate, Amount: testDeposit, Params: &cfg}
}

func buyInTx(id, amount uint64) Transaction {
	return Transaction{Kind: TxKindPotBuyIn, PotID: id, Amount: amount}
}

func claimTx(id uint64) Transaction {
	return Transaction{Kind: TxKindPotClaim, PotID: id}
}

// The reference pot: 30s timer, 35s ceiling, increment 2, extension 3, no burn.
var referencePot = pot.Config{InitialTimer: 30, MaxTimer: 35, Increment: 2, Extension: 3, Burn: 0}

func TestPotLifecycleWinnerTakesAll(t *testing.T) {
	h := newHarness(t, Config{})

	created := h.mustSubmit("alice", createTx(referencePot))
	if created.PotID == nil || *created.PotID != 0 {
		t.Fatalf("expected pot id 0, got %v", created.PotID)
	}
	if created.Deadline != testEpoch.Unix()+30 {
		t.Fatalf("unexpected deadline: got %d want %d", created.Deadline, testEpoch.Unix()+30)
	}
	if got := h.reserved(CustodyAddress); got != testDeposit {
		t.Fatalf("unexpected custody after create: got %d want %d", got, testDeposit)
	}

	bought := h.mustSubmit("bob", buyInTx(0, 2_002))
	if bought.PotTotal != 4_002 {
		t.Fatalf("unexpected pot total: got %d want %d", bought.PotTotal, 4_002)
	}
	if owner, _ := h.chain.PotOwner(0); owner != h.addr("bob") {
		t.Fatalf("unexpected owner: got %s want bob", owner)
	}

	if _, err := h.submit("bob", claimTx(0)); !errors.Is(err, pot.ErrNotExpired) {
		t.Fatalf("expected not expired, got %v", err)
	}

	h.clock.Step(31 * time.Second)
	if _, err := h.submit("carol", claimTx(0)); !errors.Is(err, pot.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}

	before := h.balance("bob")
	claimed := h.mustSubmit("bob", claimTx(0))
	if claimed.Payout != 4_002 {
		t.Fatalf("unexpected payout: got %d want %d", claimed.Payout, 4_002)
	}
	if got := h.balance("bob") - before; got != 4_002 {
		t.Fatalf("unexpected claim credit: got %d want %d", got, 4_002)
	}
	if got := h.balance("bob"); got != testFunds+2_000 {
		t.Fatalf("bob should end up exactly 2000 ahead: got %d", got)
	}
	if got := h.balance("alice"); got != testFunds-testDeposit {
		t.Fatalf("alice should be out the deposit: got %d", got)
	}
	if got := h.reserved(CustodyAddress); got != 0 {
		t.Fatalf("custody should be empty after claim: got %d", got)
	}

	if _, err := h.submit("bob", claimTx(0)); !errors.Is(err, pot.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed, got %v", err)
	}
	if _, err := h.submit("carol", buyInTx(0, 2_004)); !errors.Is(err, pot.ErrAlreadyClaimed) {
		t.Fatalf("expected already claimed on buy-in, got %v", err)
	}
}

func TestBuyInAfterDeadlineRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.mustSubmit("alice", createTx(referencePot))

	h.clock.Step(38 * time.Second)
	height := h.chain.GetStatus().Height
	if _, err := h.submit("bob", buyInTx(0, 2_002)); !errors.Is(err, pot.ErrPotExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if got := h.balance("bob"); got != testFunds {
		t.Fatalf("rejected buy-in moved funds: bob=%d", got)
	}
	if got := h.chain.GetStatus().Height; got != height {
		t.Fatalf("rejected buy-in produced a block: height %d -> %d", height, got)
	}
	if got := h.chain.GetMetrics().RejectedTxTotal; got != 1 {
		t.Fatalf("unexpected rejected count: got %d want 1", got)
	}
}

func TestBuyInWarsRaiseNextPrice(t *testing.T) {
	h := newHarness(t, Config{})
	h.mustSubmit("alice", createTx(referencePot))

	bids := []struct {
		who    string
		amount uint64
	}{
		{"bob", 2_002},
		{"alice", 2_004},
		{"bob", 2_006},
		{"alice", 2_008},
	}
	for _, bid := range bids {
		h.clock.Step(time.Second)
		h.mustSubmit(bid.who, buyInTx(0, bid.amount))
	}

	next, err := h.chain.NextPrice(0)
	if err != nil {
		t.Fatalf("next price: %v", err)
	}
	if next != 2_010 {
		t.Fatalf("unexpected next price: got %d want 2010", next)
	}
	if price, _ := h.chain.PotPrice(0); price != 2_008 {
		t.Fatalf("unexpected price: got %d want 2008", price)
	}
	if owner, _ := h.chain.PotOwner(0); owner != h.addr("alice") {
		t.Fatalf("unexpected owner: %s", owner)
	}
	if _, err := h.submit("bob", buyInTx(0, 2_009)); !errors.Is(err, pot.ErrBidTooLow) {
		t.Fatalf("expected bid too low, got %v", err)
	}

	view, err := h.chain.GetPot(0)
	if err != nil {
		t.Fatalf("get pot: %v", err)
	}
	if view.Bids != 4 || view.NextPrice != 2_010 || view.Expired {
		t.Fatalf("unexpected pot view: %+v", view)
	}
	if got := h.chain.GetMetrics().BuyInsTotal; got != 4 {
		t.Fatalf("unexpected buy-in count: got %d want 4", got)
	}
}

func TestInsufficientBalanceLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, Config{})
	h.mustSubmit("alice", createTx(referencePot))
	before := h.chain.GetStatus()

	if _, err := h.submit("dave", buyInTx(0, 2_002)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}

	if got := h.chain.GetStatus(); got.HeadHash != before.HeadHash {
		t.Fatalf("head moved after rejected tx")
	}
	if owner, _ := h.chain.PotOwner(0); owner != h.addr("alice") {
		t.Fatalf("owner changed after rejected tx: %s", owner)
	}
	acc, _ := h.chain.GetAccount(h.addr("dave"))
	if acc.Balance != 100 || acc.Nonce != 0 {
		t.Fatalf("dave changed after rejected tx: %+v", acc)
	}
}

func TestCreatePotRequiresExactDeposit(t *testing.T) {
	h := newHarness(t, Config{})

	tx := createTx(referencePot)
	tx.Amount = testDeposit - 1
	if _, err := h.submit("alice", tx); !errors.Is(err, pot.ErrInvalidDeposit) {
		t.Fatalf("expected invalid deposit, got %v", err)
	}

	bad := referencePot
	bad.InitialTimer = 40
	if _, err := h.submit("alice", createTx(bad)); !errors.Is(err, pot.ErrInvalidParameters) {
		t.Fatalf("expected invalid parameters, got %v", err)
	}
	if h.chain.PotsCount() != 0 {
		t.Fatalf("rejected creates must not register pots")
	}
}

func TestBurnMovesValueOutOfCustody(t *testing.T) {
	h := newHarness(t, Config{BurnPolicy: pot.BurnPolicyBasisPoints})
	cfg := referencePot
	cfg.Burn = 1_000
	h.mustSubmit("alice", createTx(cfg))

	receipt := h.mustSubmit("bob", buyInTx(0, 2_002))
	if receipt.Burned != 200 {
		t.Fatalf("unexpected burned: got %d want 200", receipt.Burned)
	}
	if got := h.reserved(BurnAddress); got != 200 {
		t.Fatalf("unexpected burn balance: got %d want 200", got)
	}
	if got := h.reserved(CustodyAddress); got != 3_802 {
		t.Fatalf("unexpected custody: got %d want 3802", got)
	}
	if receipt.PotTotal != 3_802 {
		t.Fatalf("unexpected pot total: got %d want 3802", receipt.PotTotal)
	}
	if m := h.chain.GetMetrics(); m.BurnedTotal != 200 || m.CustodyBalance != 3_802 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestNonceAndReplayProtection(t *testing.T) {
	h := newHarness(t, Config{})

	tx := h.sign("alice", Transaction{To: h.addr("bob"), Amount: 10})
	if _, err := h.chain.SubmitTx(tx); err != nil {
		t.Fatalf("submit transfer: %v", err)
	}
	h.players["alice"].nonce++
	if _, err := h.chain.SubmitTx(tx); !errors.Is(err, ErrTransactionCommitted) {
		t.Fatalf("expected committed duplicate, got %v", err)
	}

	stale := Transaction{Kind: TxKindTransfer, From: h.addr("alice"), To: h.addr("bob"), Amount: 10, Nonce: 1, Timestamp: 42}
	if err := SignTransaction(&stale, h.players["alice"].key.PrivateKey); err != nil {
		t.Fatalf("sign stale: %v", err)
	}
	if _, err := h.chain.SubmitTx(stale); !errors.Is(err, ErrBadNonce) {
		t.Fatalf("expected bad nonce, got %v", err)
	}

	if got := h.balance("bob"); got != testFunds+10 {
		t.Fatalf("unexpected bob balance: got %d", got)
	}
	lookup, ok := h.chain.GetTransaction(tx.ID())
	if !ok || lookup.Height != 1 || lookup.Receipt.Kind != TxKindTransfer {
		t.Fatalf("unexpected lookup: %+v ok=%v", lookup, ok)
	}
}

func TestTamperedTransactionRejected(t *testing.T) {
	h := newHarness(t, Config{})

	tx := h.sign("bob", Transaction{To: h.addr("carol"), Amount: 10})
	tx.Amount = 10_000
	if _, err := h.chain.SubmitTx(tx); !errors.Is(err, ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}

	toCustody := h.sign("bob", Transaction{To: CustodyAddress, Amount: 10})
	if _, err := h.chain.SubmitTx(toCustody); !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected reserved account, got %v", err)
	}

	claimWithPayment := h.sign("bob", Transaction{Kind: TxKindPotClaim, Amount: 5})
	if _, err := h.chain.SubmitTx(claimWithPayment); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}

func TestUnknownPotRejected(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.submit("bob", buyInTx(7, 2_002)); !errors.Is(err, pot.ErrPotNotFound) {
		t.Fatalf("expected pot not found, got %v", err)
	}
	if _, err := h.chain.NextPrice(7); !errors.Is(err, pot.ErrPotNotFound) {
		t.Fatalf("expected pot not found on query, got %v", err)
	}
}

func TestFinalizeHookSeesEveryCommit(t *testing.T) {
	var seen []Block
	h := newHarness(t, Config{FinalizeHook: func(b Block) { seen = append(seen, b) }})

	h.mustSubmit("alice", createTx(referencePot))
	_, _ = h.submit("bob", buyInTx(0, 1))
	h.mustSubmit("bob", buyInTx(0, 2_002))

	if len(seen) != 2 {
		t.Fatalf("expected 2 hook calls, got %d", len(seen))
	}
	if seen[1].Receipt == nil || seen[1].Receipt.Kind != TxKindPotBuyIn {
		t.Fatalf("unexpected second block: %+v", seen[1])
	}
	if seen[1].PrevHash != seen[0].Hash {
		t.Fatalf("blocks not linked")
	}
}

func TestFinalizeHookRunsInCommitOrder(t *testing.T) {
	const senders = 32

	var (
		hookMu  sync.Mutex
		heights []uint64
	)
	keys := make([]KeyPair, senders)
	accounts := make(map[Address]uint64, senders)
	for i := range keys {
		keys[i] = DeterministicKeyPair(fmt.Sprintf("sender-%d-chain-test", i))
		accounts[keys[i].Address] = testFunds
	}
	sink := DeterministicKeyPair("sink-chain-test")
	c, err := New(Config{
		GenesisTimestampMs: testEpoch.UnixMilli(),
		GenesisAccounts:    accounts,
		CreationDeposit:    testDeposit,
		Clock:              testclock.NewFakeClock(testEpoch),
		FinalizeHook: func(b Block) {
			hookMu.Lock()
			heights = append(heights, b.Height)
			hookMu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	txs := make([]Transaction, senders)
	for i, key := range keys {
		tx := Transaction{Kind: TxKindTransfer, From: key.Address, To: sink.Address, Amount: 1, Nonce: 1, Timestamp: testEpoch.UnixMilli()}
		if err := SignTransaction(&tx, key.PrivateKey); err != nil {
			t.Fatalf("sign tx: %v", err)
		}
		txs[i] = tx
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, senders)
	for _, tx := range txs {
		wg.Add(1)
		go func(tx Transaction) {
			defer wg.Done()
			<-start
			if _, err := c.SubmitTx(tx); err != nil {
				errs <- err
			}
		}(tx)
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("submit: %v", err)
	}

	if len(heights) != senders {
		t.Fatalf("expected %d hook calls, got %d", senders, len(heights))
	}
	for i, height := range heights {
		if height != uint64(i+1) {
			t.Fatalf("hook order %v: position %d saw height %d", heights, i, height)
		}
	}
}

func TestAdvanceTime(t *testing.T) {
	h := newHarness(t, Config{})
	h.mustSubmit("alice", createTx(referencePot))

	if !h.chain.CanAdvanceTime() {
		t.Fatalf("fake clock should be steppable")
	}
	now, err := h.chain.AdvanceTime(30 * time.Second)
	if err != nil {
		t.Fatalf("advance time: %v", err)
	}
	if now.Unix() != testEpoch.Unix()+30 {
		t.Fatalf("unexpected now: %d", now.Unix())
	}
	view, _ := h.chain.GetPot(0)
	if !view.Expired {
		t.Fatalf("pot should be expired at its deadline")
	}

	wall, err := New(Config{Clock: clock.RealClock{}})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if _, err := wall.AdvanceTime(time.Second); !errors.Is(err, ErrClockNotSteppable) {
		t.Fatalf("expected not steppable, got %v", err)
	}
}

func TestGetPotsFilters(t *testing.T) {
	h := newHarness(t, Config{})
	short := pot.Config{InitialTimer: 5, MaxTimer: 5, Increment: 1}
	h.mustSubmit("alice", createTx(short))
	h.mustSubmit("bob", createTx(referencePot))
	h.mustSubmit("carol", createTx(referencePot))

	h.clock.Step(6 * time.Second)
	h.mustSubmit("alice", claimTx(0))

	tests := []struct {
		status string
		want   []uint64
	}{
		{PotFilterAll, []uint64{0, 1, 2}},
		{PotFilterOpen, []uint64{1, 2}},
		{PotFilterClaimed, []uint64{0}},
		{PotFilterExpired, nil},
	}
	for _, tc := range tests {
		views, total, err := h.chain.GetPots(0, 10, tc.status)
		if err != nil {
			t.Fatalf("get pots %q: %v", tc.status, err)
		}
		if total != len(tc.want) || len(views) != len(tc.want) {
			t.Fatalf("status %q: got %d/%d want %d", tc.status, len(views), total, len(tc.want))
		}
		for i, id := range tc.want {
			if views[i].ID != id {
				t.Fatalf("status %q index %d: got id %d want %d", tc.status, i, views[i].ID, id)
			}
		}
	}

	page, total, err := h.chain.GetPots(1, 1, PotFilterAll)
	if err != nil || total != 3 || len(page) != 1 || page[0].ID != 1 {
		t.Fatalf("unexpected page: %+v total=%d err=%v", page, total, err)
	}
	if _, _, err := h.chain.GetPots(0, 10, "sideways"); !errors.Is(err, ErrUnknownPotStatus) {
		t.Fatalf("expected unknown status, got %v", err)
	}
}

func TestGenesisRejectsReservedAccounts(t *testing.T) {
	_, err := New(Config{GenesisAccounts: map[Address]uint64{CustodyAddress: 1}})
	if !errors.Is(err, ErrReservedAccount) {
		t.Fatalf("expected reserved account error, got %v", err)
	}
	if _, err := New(Config{BurnPolicy: "percent"}); err == nil {
		t.Fatalf("expected unknown burn policy error")
	}
}
