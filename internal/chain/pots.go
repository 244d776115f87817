package chain

import (
	"fmt"
	"strings"

	"sunkcost/internal/pot"
)

const (
	PotFilterAll     = ""
	PotFilterOpen    = "open"
	PotFilterExpired = "expired"
	PotFilterClaimed = "claimed"
)

// PotView is a pot as seen at the chain's current time.
type PotView struct {
	pot.Pot
	NextPrice uint64 `json:"nextPrice"`
	Expired   bool   `json:"expired"`
}

func (c *Chain) NextPrice(id uint64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.NextPrice(id)
}

func (c *Chain) PotOwner(id uint64) (Address, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	owner, err := c.registry.Owner(id)
	if err != nil {
		return "", err
	}
	return Address(owner), nil
}

func (c *Chain) PotPrice(id uint64) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Price(id)
}

func (c *Chain) PotsCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Count()
}

func (c *Chain) GetPot(id uint64) (PotView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, err := c.registry.Pot(id)
	if err != nil {
		return PotView{}, err
	}
	return c.viewLocked(p), nil
}

// GetPots pages through pots matching status, oldest first, and returns the
// number of matches before paging.
func (c *Chain) GetPots(offset, limit int, status string) ([]PotView, int, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case PotFilterAll, PotFilterOpen, PotFilterExpired, PotFilterClaimed:
	default:
		return nil, 0, fmt.Errorf("%w: %q", ErrUnknownPotStatus, status)
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	matched := make([]PotView, 0)
	for _, p := range c.registry.Pots() {
		view := c.viewLocked(p)
		if !matchesPotFilter(view, status) {
			continue
		}
		matched = append(matched, view)
	}
	total := len(matched)
	if offset >= total {
		return []PotView{}, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (c *Chain) viewLocked(p pot.Pot) PotView {
	return PotView{
		Pot:       p,
		NextPrice: p.NextPrice(),
		Expired:   p.Expired(c.clock.Now().Unix()),
	}
}

func matchesPotFilter(view PotView, status string) bool {
	switch status {
	case PotFilterOpen:
		return view.Status == pot.StatusOpen && !view.Expired
	case PotFilterExpired:
		return view.Status == pot.StatusOpen && view.Expired
	case PotFilterClaimed:
		return view.Status == pot.StatusClaimed
	}
	return true
}
