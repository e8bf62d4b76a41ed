// Package nn defines the neural-net evaluator consumed by the search:
// an output record with policy, win/loss/no-result probabilities and
// expected score, an Evaluator interface, a batching front end, a
// request-coalescing cache and an ONNX runtime backend.
package nn

import (
	"context"

	"github.com/tengen-engine/tengen/pkg/game"
)

// NumSymmetries is the number of board symmetries (4 rotations x mirror).
const NumSymmetries = 8

// NNOutput is the evaluation of a single position. Written once by the
// evaluator and never mutated afterwards; the search shares pointers to it
// freely across threads.
type NNOutput struct {
	// Policy has length boardSize*boardSize+1; the last entry is pass.
	// Normalized over legal moves, zero on illegal ones.
	Policy []float32

	// Probabilities from the perspective of the player to move.
	WinProb      float32
	LossProb     float32
	NoResultProb float32

	// Expected final score (White-positive) and expected squared score.
	ScoreMean   float32
	ScoreMeanSq float32

	// Ownership is an optional per-point ownership map, nil unless the
	// backend was asked for it.
	Ownership []float32
}

// PolicySize returns the policy vector length for a board size.
func PolicySize(boardSize int) int {
	return boardSize*boardSize + 1
}

// PolicyIndex maps a move location to its policy index.
func PolicyIndex(l game.Loc, boardSize int) int {
	if l == game.PassLoc {
		return boardSize * boardSize
	}
	return int(l)
}

// PolicyLoc is the inverse of PolicyIndex.
func PolicyLoc(idx, boardSize int) game.Loc {
	if idx == boardSize*boardSize {
		return game.PassLoc
	}
	return game.Loc(idx)
}

// SymmetryLoc maps an on-board location through one of the eight board
// symmetries. Pass maps to itself.
func SymmetryLoc(l game.Loc, boardSize, symmetry int) game.Loc {
	if l == game.PassLoc || l == game.NullLoc {
		return l
	}
	x, y := l.X(boardSize), l.Y(boardSize)
	if symmetry&4 != 0 {
		x, y = y, x
	}
	if symmetry&1 != 0 {
		x = boardSize - 1 - x
	}
	if symmetry&2 != 0 {
		y = boardSize - 1 - y
	}
	return game.MakeLoc(x, y, boardSize)
}

// Evaluator produces NNOutputs for positions. Evaluate blocks the calling
// goroutine; implementations are expected to batch concurrent calls.
type Evaluator interface {
	Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*NNOutput, error)
	BoardSize() int
	PolicySize() int
	Close() error
}
