package pot

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameters = errors.New("invalid pot parameters")
	ErrInvalidDeposit    = errors.New("invalid creation deposit")
	ErrPotNotFound       = errors.New("pot not found")
	ErrBidTooLow         = errors.New("bid too low")
	ErrPotExpired        = errors.New("pot expired")
	ErrNotExpired        = errors.New("pot not expired")
	ErrNotOwner          = errors.New("caller is not the pot owner")
	ErrAlreadyClaimed    = errors.New("pot already claimed")
	ErrLedgerRequired    = errors.New("ledger is required")
)

type Options struct {
	// CreationDeposit is the exact payment every CreatePot call must carry.
	CreationDeposit uint64
	Burn            BurnPolicy
	Extension       ExtensionPolicy
}

// Registry owns every pot and is the only way to create, bid on, claim or
// read them. It is not safe for concurrent use; the host serializes calls.
type Registry struct {
	deposit   uint64
	burn      BurnPolicy
	extension ExtensionPolicy
	pots      []*Pot
}

func NewRegistry(opts Options) *Registry {
	if opts.Burn == nil {
		opts.Burn = BurnBasisPoints{}
	}
	if opts.Extension == nil {
		opts.Extension = ExtendFromBid{}
	}
	return &Registry{
		deposit:   opts.CreationDeposit,
		burn:      opts.Burn,
		extension: opts.Extension,
		pots:      make([]*Pot, 0),
	}
}

func (r *Registry) CreationDeposit() uint64 { return r.deposit }

func (r *Registry) BurnPolicy() BurnPolicy { return r.burn }

func (r *Registry) ExtensionPolicy() ExtensionPolicy { return r.extension }

func (r *Registry) CreatePot(ledger Ledger, call Call, cfg Config) (uint64, error) {
	if ledger == nil {
		return 0, ErrLedgerRequired
	}
	if call.Payment != r.deposit {
		return 0, fmt.Errorf("%w: got %d want %d", ErrInvalidDeposit, call.Payment, r.deposit)
	}
	if err := r.validateConfig(cfg); err != nil {
		return 0, err
	}

	if err := ledger.Collect(call.Caller, call.Payment); err != nil {
		return 0, err
	}

	now := call.Now.Unix()
	id := uint64(len(r.pots))
	r.pots = append(r.pots, &Pot{
		ID:        id,
		Creator:   call.Caller,
		Owner:     call.Caller,
		Price:     call.Payment,
		Total:     call.Payment,
		CreatedAt: now,
		Deadline:  addSeconds(now, cfg.InitialTimer),
		Config:    cfg,
		Status:    StatusOpen,
	})
	return id, nil
}

func (r *Registry) BuyIn(ledger Ledger, call Call, id uint64) (BuyInResult, error) {
	if ledger == nil {
		return BuyInResult{}, ErrLedgerRequired
	}
	p, err := r.lookup(id)
	if err != nil {
		return BuyInResult{}, err
	}
	if p.Status == StatusClaimed {
		return BuyInResult{}, fmt.Errorf("%w: pot %d", ErrAlreadyClaimed, id)
	}
	now := call.Now.Unix()
	if p.Expired(now) {
		return BuyInResult{}, fmt.Errorf("%w: pot %d deadline=%d now=%d", ErrPotExpired, id, p.Deadline, now)
	}
	next := p.NextPrice()
	if call.Payment < next || next < p.Price {
		return BuyInResult{}, fmt.Errorf("%w: got %d want >= %d", ErrBidTooLow, call.Payment, next)
	}

	// Burn comes out of the sunk cost already in the pot, so the new owner's
	// stake always stays fully covered.
	burned := r.burn.Burned(call.Payment, p.Config.Burn)
	if burned > p.Total {
		burned = p.Total
	}
	total := p.Total - burned + call.Payment
	if total < call.Payment {
		return BuyInResult{}, fmt.Errorf("pot %d total overflow", id)
	}
	deadline := r.extension.Extend(p.Deadline, now, p.Config.Extension, p.Ceiling())

	if err := ledger.Collect(call.Caller, call.Payment); err != nil {
		return BuyInResult{}, err
	}
	if burned > 0 {
		if err := ledger.Burn(burned); err != nil {
			if refundErr := ledger.Payout(call.Caller, call.Payment); refundErr != nil {
				return BuyInResult{}, errors.Join(err, fmt.Errorf("refund %s: %w", call.Caller, refundErr))
			}
			return BuyInResult{}, err
		}
	}

	p.Total = total
	p.Owner = call.Caller
	p.Price = call.Payment
	p.Deadline = deadline
	p.Bids++
	p.Burned += burned
	return BuyInResult{Burned: burned, Deadline: deadline, Total: total}, nil
}

func (r *Registry) Claim(ledger Ledger, call Call, id uint64) (uint64, error) {
	if ledger == nil {
		return 0, ErrLedgerRequired
	}
	p, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	if p.Status == StatusClaimed {
		return 0, fmt.Errorf("%w: pot %d", ErrAlreadyClaimed, id)
	}
	now := call.Now.Unix()
	if !p.Expired(now) {
		return 0, fmt.Errorf("%w: pot %d deadline=%d now=%d", ErrNotExpired, id, p.Deadline, now)
	}
	if call.Caller != p.Owner {
		return 0, fmt.Errorf("%w: pot %d", ErrNotOwner, id)
	}

	if err := ledger.Payout(call.Caller, p.Total); err != nil {
		return 0, err
	}

	payout := p.Total
	p.Status = StatusClaimed
	p.ClaimedAt = now
	p.Payout = payout
	return payout, nil
}

func (r *Registry) NextPrice(id uint64) (uint64, error) {
	p, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return p.NextPrice(), nil
}

func (r *Registry) Owner(id uint64) (string, error) {
	p, err := r.lookup(id)
	if err != nil {
		return "", err
	}
	return p.Owner, nil
}

func (r *Registry) Price(id uint64) (uint64, error) {
	p, err := r.lookup(id)
	if err != nil {
		return 0, err
	}
	return p.Price, nil
}

func (r *Registry) Count() uint64 {
	return uint64(len(r.pots))
}

func (r *Registry) Pot(id uint64) (Pot, error) {
	p, err := r.lookup(id)
	if err != nil {
		return Pot{}, err
	}
	return *p, nil
}

func (r *Registry) Pots() []Pot {
	out := make([]Pot, 0, len(r.pots))
	for _, p := range r.pots {
		out = append(out, *p)
	}
	return out
}

// OpenTotal is the value the registry must hold in custody.
func (r *Registry) OpenTotal() uint64 {
	var sum uint64
	for _, p := range r.pots {
		if p.Status == StatusOpen {
			sum = addClampUint64(sum, p.Total)
		}
	}
	return sum
}

func (r *Registry) Clone() *Registry {
	pots := make([]*Pot, 0, len(r.pots))
	for _, p := range r.pots {
		copied := *p
		pots = append(pots, &copied)
	}
	return &Registry{
		deposit:   r.deposit,
		burn:      r.burn,
		extension: r.extension,
		pots:      pots,
	}
}

// Restore replaces the pot table, typically from persisted state.
func (r *Registry) Restore(pots []Pot) error {
	restored := make([]*Pot, 0, len(pots))
	for i, p := range pots {
		if p.ID != uint64(i) {
			return fmt.Errorf("pot at index %d has id %d", i, p.ID)
		}
		if err := checkInvariants(p); err != nil {
			return err
		}
		copied := p
		restored = append(restored, &copied)
	}
	r.pots = restored
	return nil
}

func (r *Registry) validateConfig(cfg Config) error {
	if cfg.InitialTimer > cfg.MaxTimer {
		return fmt.Errorf("%w: initialTimer %d exceeds maxTimer %d", ErrInvalidParameters, cfg.InitialTimer, cfg.MaxTimer)
	}
	if cfg.Increment == 0 {
		return fmt.Errorf("%w: increment must be > 0", ErrInvalidParameters)
	}
	return r.burn.Validate(cfg.Burn)
}

func (r *Registry) lookup(id uint64) (*Pot, error) {
	if id >= uint64(len(r.pots)) {
		return nil, fmt.Errorf("%w: %d", ErrPotNotFound, id)
	}
	return r.pots[id], nil
}

func checkInvariants(p Pot) error {
	switch {
	case p.Owner == "":
		return fmt.Errorf("pot %d has no owner", p.ID)
	case p.Status != StatusOpen && p.Status != StatusClaimed:
		return fmt.Errorf("pot %d has unknown status %q", p.ID, p.Status)
	case p.Status == StatusOpen && p.Total < p.Price:
		return fmt.Errorf("pot %d total %d below price %d", p.ID, p.Total, p.Price)
	case p.Deadline > p.Ceiling():
		return fmt.Errorf("pot %d deadline %d past ceiling %d", p.ID, p.Deadline, p.Ceiling())
	case p.Config.InitialTimer > p.Config.MaxTimer:
		return fmt.Errorf("pot %d initialTimer exceeds maxTimer", p.ID)
	}
	return nil
}
