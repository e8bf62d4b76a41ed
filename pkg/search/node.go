package search

import (
	"runtime"
	"sync/atomic"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// NodeStats are the per-node aggregates. All fields, and the node's
// virtualLosses, are protected by the node's spin lock; readers that need
// a consistent multi-field snapshot must hold it too.
//
// Values are White-positive: winValueSum accumulates the probability that
// White wins, scoreMeanSum the expected final score for White.
type NodeStats struct {
	visits           int64
	winValueSum      float64
	noResultValueSum float64
	scoreMeanSum     float64
	scoreMeanSqSum   float64
	valueSumWeight   float64
}

// statsSnapshot is a consistent copy taken under the spin lock.
type statsSnapshot struct {
	NodeStats
	virtualLosses int32
}

// spinLock is a test-and-set lock. Critical sections are a handful of
// float adds, so spinning beats parking the goroutine.
type spinLock struct {
	v atomic.Int32
}

func (s *spinLock) lock() {
	for i := 0; !s.v.CompareAndSwap(0, 1); i++ {
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
}

func (s *spinLock) unlock() {
	s.v.Store(0)
}

// SearchNode is one vertex of the search tree.
type SearchNode struct {
	// Constant after creation.
	lockIdx     uint32
	nextPla     game.Player
	prevMoveLoc game.Loc

	// Written once at expansion, then immutable; published atomically so
	// readers never need the node mutex.
	nnOutput atomic.Pointer[nn.NNOutput]

	// Set at the first descent that finds the game finished here.
	terminal atomic.Bool

	// children grows under the mutex pool mutex indicated by lockIdx.
	// Order is creation order, which follows policy-ranked selection.
	children []*SearchNode

	// Protected by statsLock.
	statsLock     spinLock
	stats         NodeStats
	virtualLosses int32
}

func newSearchNode(nextPla game.Player, prevMoveLoc game.Loc, lockIdx uint32) *SearchNode {
	return &SearchNode{
		lockIdx:     lockIdx,
		nextPla:     nextPla,
		prevMoveLoc: prevMoveLoc,
	}
}

func (n *SearchNode) NextPla() game.Player  { return n.nextPla }
func (n *SearchNode) PrevMoveLoc() game.Loc { return n.prevMoveLoc }
func (n *SearchNode) IsTerminal() bool      { return n.terminal.Load() }

// NNOutput returns the node's evaluation, nil before expansion.
func (n *SearchNode) NNOutput() *nn.NNOutput {
	return n.nnOutput.Load()
}

// statsCopy takes a consistent snapshot of the aggregates.
func (n *SearchNode) statsCopy() statsSnapshot {
	n.statsLock.lock()
	s := statsSnapshot{NodeStats: n.stats, virtualLosses: n.virtualLosses}
	n.statsLock.unlock()
	return s
}

// Visits returns the completed playout count through this node.
func (n *SearchNode) Visits() int64 {
	n.statsLock.lock()
	v := n.stats.visits
	n.statsLock.unlock()
	return v
}

// VirtualLosses returns the in-flight descent count; zero whenever no
// search is running.
func (n *SearchNode) VirtualLosses() int32 {
	n.statsLock.lock()
	v := n.virtualLosses
	n.statsLock.unlock()
	return v
}

func (n *SearchNode) addVirtualLosses(amount int32) {
	n.statsLock.lock()
	n.virtualLosses += amount
	n.statsLock.unlock()
}

// addLeafValues folds one playout's leaf evaluation into the aggregates,
// removing the virtual losses placed on the way down.
func (n *SearchNode) addLeafValues(winValue, noResultValue, scoreMean, scoreMeanSq, weight float64, virtualLossesToSubtract int32) {
	n.statsLock.lock()
	n.stats.visits++
	n.stats.winValueSum += winValue * weight
	n.stats.noResultValueSum += noResultValue * weight
	n.stats.scoreMeanSum += scoreMean * weight
	n.stats.scoreMeanSqSum += scoreMeanSq * weight
	n.stats.valueSumWeight += weight
	n.virtualLosses -= virtualLossesToSubtract
	if n.virtualLosses < 0 {
		panic("search: virtual loss underflow")
	}
	n.statsLock.unlock()
}

// replaceValueSums overwrites the value aggregates (not visits) with
// freshly recomputed sums, removing virtual losses as addLeafValues does.
func (n *SearchNode) replaceValueSums(s NodeStats, virtualLossesToSubtract int32) {
	n.statsLock.lock()
	n.stats.visits++
	n.stats.winValueSum = s.winValueSum
	n.stats.noResultValueSum = s.noResultValueSum
	n.stats.scoreMeanSum = s.scoreMeanSum
	n.stats.scoreMeanSqSum = s.scoreMeanSqSum
	n.stats.valueSumWeight = s.valueSumWeight
	n.virtualLosses -= virtualLossesToSubtract
	if n.virtualLosses < 0 {
		panic("search: virtual loss underflow")
	}
	n.statsLock.unlock()
}
