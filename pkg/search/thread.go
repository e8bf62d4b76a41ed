package search

import (
	"hash/fnv"
	"math/rand"

	"github.com/tengen-engine/tengen/pkg/game"
)

// searchThread is the per-worker state of one playout loop: a private
// board replayed from the root each playout, an RNG, and reusable
// buffers so the hot path does not allocate.
type searchThread struct {
	threadIdx int

	board   *game.Board
	history *game.BoardHistory

	rand *rand.Rand

	path []*SearchNode

	// Scratch for selection and stats recomputation.
	posesWithChildBuf []bool
	utilityBuf        []float64
	statsBuf          []statsSnapshot
	childBuf          []*SearchNode
}

func (s *Search) newSearchThread(threadIdx int) *searchThread {
	h := fnv.New64a()
	h.Write([]byte(s.randSeed))
	h.Write([]byte{byte(threadIdx), byte(threadIdx >> 8)})
	h.Write([]byte{byte(s.numSearchesBegun), byte(s.numSearchesBegun >> 8), byte(s.numSearchesBegun >> 16)})
	return &searchThread{
		threadIdx:         threadIdx,
		rand:              rand.New(rand.NewSource(int64(h.Sum64()))),
		path:              make([]*SearchNode, 0, 64),
		posesWithChildBuf: make([]bool, s.policySize),
	}
}

// resetToRoot rewinds the thread's position to the search root.
func (t *searchThread) resetToRoot(s *Search) {
	t.board = s.rootBoard.Copy()
	t.history = s.rootHistory.Copy()
	t.path = t.path[:0]
}
