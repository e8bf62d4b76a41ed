package search

import (
	"time"
)

// TimeControls describe the clock state for the player about to move.
// The zero value means "no clock": the search runs on visit and playout
// budgets alone.
type TimeControls struct {
	MainTimeLeft   time.Duration
	ByoYomiTime    time.Duration // length of one byo-yomi period
	ByoYomiPeriods int
	ByoYomiStones  int // stones per period (canadian); 0 = japanese
}

// IsUnlimited reports whether no clock applies.
func (tc TimeControls) IsUnlimited() bool {
	return tc.MainTimeLeft <= 0 && (tc.ByoYomiTime <= 0 || tc.ByoYomiPeriods <= 0)
}

// movesToPlan is how many of our own moves the main-time allocation
// assumes remain; a flat divisor works well enough next to byo-yomi.
const movesToPlan = 30

// BudgetForMove converts the clock into a wall-clock budget for one
// search, with lagBuffer held back for network and process overhead.
// Never exceeds the main time remaining plus one byo-yomi period.
func (tc TimeControls) BudgetForMove(lagBuffer time.Duration) time.Duration {
	if tc.IsUnlimited() {
		return 0
	}
	var budget time.Duration
	if tc.MainTimeLeft > 0 {
		budget = tc.MainTimeLeft / movesToPlan
		if tc.ByoYomiTime > 0 && tc.ByoYomiPeriods > 0 {
			// With byo-yomi behind us, main time can be spent faster.
			budget += tc.ByoYomiTime / 2
		}
	} else {
		// In byo-yomi: use most of a period; with spare periods, all of it.
		budget = tc.ByoYomiTime
		if tc.ByoYomiStones > 1 {
			budget = tc.ByoYomiTime / time.Duration(tc.ByoYomiStones)
		}
		if tc.ByoYomiPeriods <= 1 {
			budget = budget * 9 / 10
		}
	}
	budget -= lagBuffer
	if limit := tc.hardCap(lagBuffer); budget > limit {
		budget = limit
	}
	if budget < time.Millisecond {
		budget = time.Millisecond
	}
	return budget
}

// hardCap is the absolute most a single move may take without losing on
// time outright.
func (tc TimeControls) hardCap(lagBuffer time.Duration) time.Duration {
	limit := tc.MainTimeLeft
	if tc.ByoYomiTime > 0 && tc.ByoYomiPeriods > 0 {
		limit += tc.ByoYomiTime
	}
	limit -= lagBuffer
	if limit < time.Millisecond {
		limit = time.Millisecond
	}
	return limit
}
