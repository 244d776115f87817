package chain

import "fmt"

// accountLedger moves pot money between working-state accounts. Every pot's
// value sits in CustodyAddress until it is burned or paid out.
type accountLedger struct {
	state   map[Address]*Account
	burned  uint64
	paidOut uint64
}

func newAccountLedger(state map[Address]*Account) *accountLedger {
	return &accountLedger{state: state}
}

func (l *accountLedger) Collect(from string, amount uint64) error {
	return l.move(Address(from), CustodyAddress, amount)
}

func (l *accountLedger) Burn(amount uint64) error {
	if err := l.move(CustodyAddress, BurnAddress, amount); err != nil {
		return err
	}
	l.burned += amount
	return nil
}

func (l *accountLedger) Payout(to string, amount uint64) error {
	if err := l.move(CustodyAddress, Address(to), amount); err != nil {
		return err
	}
	l.paidOut += amount
	return nil
}

func (l *accountLedger) move(from, to Address, amount uint64) error {
	src, ok := l.state[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: %s has %d needs %d", ErrInsufficientBalance, from, src.Balance, amount)
	}
	dst := l.state[to]
	if dst == nil {
		dst = &Account{}
		l.state[to] = dst
	}
	if dst.Balance+amount < dst.Balance {
		return fmt.Errorf("balance overflow for %s", to)
	}
	src.Balance -= amount
	dst.Balance += amount
	return nil
}
