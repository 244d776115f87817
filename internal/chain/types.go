package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"sunkcost/internal/pot"
)

type Address string

// Reserved accounts. Neither is a hash of a public key, so no signature can
// ever authorize a transaction from them.
const (
	CustodyAddress Address = "sunkcost:custody"
	BurnAddress    Address = "sunkcost:burn"
)

func (a Address) Reserved() bool {
	return a == CustodyAddress || a == BurnAddress
}

type Account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type Transaction struct {
	Kind      string      `json:"kind,omitempty"`
	From      Address     `json:"from"`
	To        Address     `json:"to,omitempty"`
	Amount    uint64      `json:"amount"`
	Nonce     uint64      `json:"nonce"`
	Timestamp int64       `json:"timestamp"`
	PotID     uint64      `json:"potId,omitempty"`
	Params    *pot.Config `json:"params,omitempty"`
	PubKey    string      `json:"pubKey"`
	Signature string      `json:"signature"`
}

const (
	TxKindTransfer  = "transfer"
	TxKindPotCreate = "pot_create"
	TxKindPotBuyIn  = "pot_buy_in"
	TxKindPotClaim  = "pot_claim"
)

func normalizeTxKind(kind string) string {
	if kind == "" {
		return TxKindTransfer
	}
	return kind
}

func (tx Transaction) txKind() string {
	return normalizeTxKind(tx.Kind)
}

func (tx Transaction) signingBytes() []byte {
	params := "-"
	if tx.Params != nil {
		params = fmt.Sprintf(
			"%d:%d:%d:%d:%d",
			tx.Params.InitialTimer,
			tx.Params.MaxTimer,
			tx.Params.Increment,
			tx.Params.Extension,
			tx.Params.Burn,
		)
	}
	payload := fmt.Sprintf(
		"%s|%s|%s|%d|%d|%d|%d|%s",
		tx.txKind(),
		tx.From,
		tx.To,
		tx.Amount,
		tx.Nonce,
		tx.Timestamp,
		tx.PotID,
		params,
	)
	return []byte(payload)
}

func (tx Transaction) ID() string {
	payload := append(tx.signingBytes(), []byte("|"+tx.Signature)...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Receipt records what a committed transaction did.
type Receipt struct {
	TxID     string  `json:"txId"`
	Kind     string  `json:"kind"`
	Height   uint64  `json:"height"`
	From     Address `json:"from"`
	PotID    *uint64 `json:"potId,omitempty"`
	Payment  uint64  `json:"payment,omitempty"`
	Burned   uint64  `json:"burned,omitempty"`
	Payout   uint64  `json:"payout,omitempty"`
	PotTotal uint64  `json:"potTotal,omitempty"`
	Deadline int64   `json:"deadline,omitempty"`
}

type Block struct {
	Height    uint64       `json:"height"`
	PrevHash  string       `json:"prevHash"`
	Timestamp int64        `json:"timestamp"`
	Tx        *Transaction `json:"tx,omitempty"`
	Receipt   *Receipt     `json:"receipt,omitempty"`
	StateRoot string       `json:"stateRoot"`
	Hash      string       `json:"hash"`
}

type TransactionLookup struct {
	TxID        string      `json:"txId"`
	Height      uint64      `json:"height"`
	BlockHash   string      `json:"blockHash"`
	Timestamp   int64       `json:"timestamp"`
	Transaction Transaction `json:"tx"`
	Receipt     Receipt     `json:"receipt"`
}

type Status struct {
	Height          uint64 `json:"height"`
	HeadHash        string `json:"headHash"`
	LastCommittedMs int64  `json:"lastCommittedMs"`
	NowMs           int64  `json:"nowMs"`
	PotsCount       uint64 `json:"potsCount"`
	CreationDeposit uint64 `json:"creationDeposit"`
	BurnPolicy      string `json:"burnPolicy"`
	ExtensionPolicy string `json:"extensionPolicy"`
}

type Metrics struct {
	Height               uint64 `json:"height"`
	PotsCount            uint64 `json:"potsCount"`
	OpenPots             uint64 `json:"openPots"`
	ClaimedPots          uint64 `json:"claimedPots"`
	SubmittedTxTotal     uint64 `json:"submittedTxTotal"`
	RejectedTxTotal      uint64 `json:"rejectedTxTotal"`
	CommittedBlocksTotal uint64 `json:"committedBlocksTotal"`
	BuyInsTotal          uint64 `json:"buyInsTotal"`
	CustodyBalance       uint64 `json:"custodyBalance"`
	BurnedTotal          uint64 `json:"burnedTotal"`
	PaidOutTotal         uint64 `json:"paidOutTotal"`
	LastCommittedMs      int64  `json:"lastCommittedMs"`
}
