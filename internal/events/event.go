// Package events turns committed blocks into pot lifecycle events and ships
// them to subscribers without ever holding up the ledger.
package events

import (
	"github.com/google/uuid"

	"sunkcost/internal/chain"
)

const (
	TypePotCreated = "pot.created"
	TypePotBuyIn   = "pot.buy_in"
	TypePotClaimed = "pot.claimed"
	TypeTransfer   = "transfer"
)

type Event struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	PotID     *uint64       `json:"potId,omitempty"`
	Account   chain.Address `json:"account"`
	To        chain.Address `json:"to,omitempty"`
	Amount    uint64        `json:"amount"`
	Price     uint64        `json:"price,omitempty"`
	PotTotal  uint64        `json:"potTotal,omitempty"`
	Burned    uint64        `json:"burned,omitempty"`
	Deadline  int64         `json:"deadline,omitempty"`
	Height    uint64        `json:"height"`
	TxID      string        `json:"txId"`
	Timestamp int64         `json:"timestamp"`
}

// FromBlock returns the events a committed block produced. Genesis has none.
func FromBlock(block chain.Block) []Event {
	if block.Tx == nil || block.Receipt == nil {
		return nil
	}
	r := block.Receipt
	ev := Event{
		ID:        uuid.NewString(),
		PotID:     r.PotID,
		Account:   r.From,
		Amount:    r.Payment,
		Height:    block.Height,
		TxID:      r.TxID,
		Timestamp: block.Timestamp,
	}
	switch r.Kind {
	case chain.TxKindPotCreate:
		ev.Type = TypePotCreated
		ev.Price = r.Payment
		ev.PotTotal = r.PotTotal
		ev.Deadline = r.Deadline
	case chain.TxKindPotBuyIn:
		ev.Type = TypePotBuyIn
		ev.Price = r.Payment
		ev.PotTotal = r.PotTotal
		ev.Burned = r.Burned
		ev.Deadline = r.Deadline
	case chain.TxKindPotClaim:
		ev.Type = TypePotClaimed
		ev.Amount = r.Payout
	case chain.TxKindTransfer:
		ev.Type = TypeTransfer
		ev.To = block.Tx.To
	default:
		return nil
	}
	return []Event{ev}
}
