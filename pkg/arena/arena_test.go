package arena

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

// passerEvaluator favors pass heavily so test games end fast.
type passerEvaluator struct {
	boardSize int
}

func (e *passerEvaluator) BoardSize() int  { return e.boardSize }
func (e *passerEvaluator) PolicySize() int { return nn.PolicySize(e.boardSize) }
func (e *passerEvaluator) Close() error    { return nil }

func (e *passerEvaluator) Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*nn.NNOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	polSize := nn.PolicySize(e.boardSize)
	out := &nn.NNOutput{Policy: make([]float32, polSize)}
	out.Policy[polSize-1] = 0.9
	rest := float32(0.1)
	n := 0
	for pos := 0; pos < polSize-1; pos++ {
		if board.IsLegal(nn.PolicyLoc(pos, e.boardSize), nextPla) {
			n++
		}
	}
	for pos := 0; pos < polSize-1; pos++ {
		if board.IsLegal(nn.PolicyLoc(pos, e.boardSize), nextPla) {
			out.Policy[pos] = rest / float32(n)
		}
	}
	out.WinProb = 0.5
	out.LossProb = 0.5
	return out, nil
}

func TestArenaPlaysAllGames(t *testing.T) {
	params := search.DefaultSearchParams()
	params.MaxVisits = 8
	params.ChosenMoveTemperature = 0
	params.ChosenMoveTemperatureEarly = 0
	params.ChosenMoveSubtract = 0

	var finished atomic.Int32
	cfg := Config{
		BoardSize: 7,
		Komi:      7.5,
		NGames:    4,
		NWorkers:  2,
		Params1:   params,
		Params2:   params,
		OnGameFinished: func(rec GameRecord) {
			finished.Add(1)
			if len(rec.Moves) == 0 {
				t.Error("game finished with no moves")
			}
		},
		Logger: zerolog.Nop(),
	}
	a := New(cfg, &passerEvaluator{boardSize: 7})
	if err := a.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := a.Total(); got != 4 {
		t.Fatalf("expected 4 games tallied, got %d", got)
	}
	if finished.Load() != 4 {
		t.Fatalf("expected 4 callbacks, got %d", finished.Load())
	}
}

func TestArenaCancellation(t *testing.T) {
	params := search.DefaultSearchParams()
	params.MaxVisits = 8

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := New(Config{
		BoardSize: 7,
		Komi:      7.5,
		NGames:    100,
		NWorkers:  2,
		Params1:   params,
		Params2:   params,
		Logger:    zerolog.Nop(),
	}, &passerEvaluator{boardSize: 7})
	_ = a.Run(ctx)
	if a.Total() >= 100 {
		t.Fatal("cancellation should prevent playing the full match")
	}
}
