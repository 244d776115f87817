// Package pot implements the sunk-cost pot game: independent last-bidder-wins
// auctions where every bid must beat the previous price by a fixed increment
// and the owner at the deadline takes everything paid into the pot.
//
// The package is pure state. Time is always supplied by the caller and value
// moves only through the Ledger handed to each mutating call.
package pot

import (
	"math"
	"time"
)

type Status string

const (
	StatusOpen    Status = "open"
	StatusClaimed Status = "claimed"
)

// Config is fixed at creation. Timers are in seconds.
type Config struct {
	InitialTimer uint64 `json:"initialTimer"`
	MaxTimer     uint64 `json:"maxTimer"`
	Increment    uint64 `json:"increment"`
	Extension    uint64 `json:"extension"`
	Burn         uint64 `json:"burn"`
}

type Pot struct {
	ID        uint64 `json:"id"`
	Creator   string `json:"creator"`
	Owner     string `json:"owner"`
	Price     uint64 `json:"price"`
	Total     uint64 `json:"total"`
	CreatedAt int64  `json:"createdAt"`
	Deadline  int64  `json:"deadline"`
	Config    Config `json:"config"`
	Status    Status `json:"status"`
	Bids      uint64 `json:"bids"`
	Burned    uint64 `json:"burned"`
	ClaimedAt int64  `json:"claimedAt,omitempty"`
	Payout    uint64 `json:"payout,omitempty"`
}

// Ceiling is the latest deadline the pot can ever reach.
func (p Pot) Ceiling() int64 {
	return addSeconds(p.CreatedAt, p.Config.MaxTimer)
}

func (p Pot) NextPrice() uint64 {
	return addClampUint64(p.Price, p.Config.Increment)
}

func (p Pot) Expired(now int64) bool {
	return now >= p.Deadline
}

// Call carries what the host attaches to every invocation.
type Call struct {
	Caller  string
	Payment uint64
	Now     time.Time
}

// Ledger moves value on behalf of the registry. Collect debits the caller into
// the registry's custody, Burn removes value from custody for good and Payout
// credits the winner from custody.
//
// A failing call must leave the ledger as it was. When Burn fails after a
// buy-in was collected the registry pays the bid back with Payout before
// returning the error.
type Ledger interface {
	Collect(from string, amount uint64) error
	Burn(amount uint64) error
	Payout(to string, amount uint64) error
}

type BuyInResult struct {
	Burned   uint64 `json:"burned"`
	Deadline int64  `json:"deadline"`
	Total    uint64 `json:"total"`
}

func addSeconds(at int64, seconds uint64) int64 {
	if seconds > math.MaxInt64 || at > math.MaxInt64-int64(seconds) {
		return math.MaxInt64
	}
	return at + int64(seconds)
}

func addClampUint64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}
	return sum
}
