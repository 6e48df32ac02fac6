package quota

import (
	"fmt"
	"sync/atomic"

	"conclave/internal/domain"
)

// Ledger tracks cumulative spend against a total budget in integer cents.
// Reserve is a single compare-and-swap so concurrent callers can never
// push total spend past the budget.
type Ledger struct {
	total int64
	spent atomic.Int64
}

func NewLedger(totalCents int64) *Ledger {
	if totalCents <= 0 {
		totalCents = 1
	}
	return &Ledger{total: totalCents}
}

// Reserve atomically charges costCents against the budget, or rejects the
// whole charge with ErrBudgetExceeded without spending anything.
func (l *Ledger) Reserve(costCents int64) error {
	if costCents < 0 {
		return fmt.Errorf("negative cost %d", costCents)
	}
	for {
		current := l.spent.Load()
		next := current + costCents
		if next > l.total {
			return fmt.Errorf("%w: spent=%d cost=%d budget=%d",
				domain.ErrBudgetExceeded, current, costCents, l.total)
		}
		if l.spent.CompareAndSwap(current, next) {
			return nil
		}
	}
}

func (l *Ledger) Spent() int64 {
	return l.spent.Load()
}

func (l *Ledger) Remaining() int64 {
	return l.total - l.spent.Load()
}

func (l *Ledger) Total() int64 {
	return l.total
}
