package bot

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

// uniformEvaluator is a minimal deterministic evaluator for bot tests.
// blackWin is the fixed probability that Black wins, reported from the
// mover's perspective as the interface requires.
type uniformEvaluator struct {
	boardSize int
	blackWin  float32
}

func (e *uniformEvaluator) BoardSize() int  { return e.boardSize }
func (e *uniformEvaluator) PolicySize() int { return nn.PolicySize(e.boardSize) }
func (e *uniformEvaluator) Close() error    { return nil }

func (e *uniformEvaluator) Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*nn.NNOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	polSize := nn.PolicySize(e.boardSize)
	out := &nn.NNOutput{Policy: make([]float32, polSize)}
	n := 0
	for pos := 0; pos < polSize; pos++ {
		if board.IsLegal(nn.PolicyLoc(pos, e.boardSize), nextPla) {
			n++
		}
	}
	for pos := 0; pos < polSize; pos++ {
		if board.IsLegal(nn.PolicyLoc(pos, e.boardSize), nextPla) {
			out.Policy[pos] = 1 / float32(n)
		}
	}
	win := e.blackWin
	if nextPla == game.White {
		win = 1 - e.blackWin
	}
	out.WinProb = win
	out.LossProb = 1 - win
	return out, nil
}

func newTestBot(t *testing.T, mutate func(*search.SearchParams)) (*AsyncBot, *uniformEvaluator) {
	t.Helper()
	eval := &uniformEvaluator{boardSize: 9, blackWin: 0.5}
	params := search.DefaultSearchParams()
	params.MaxVisits = 200
	params.ChosenMoveTemperature = 0
	params.ChosenMoveTemperatureEarly = 0
	params.ChosenMoveSubtract = 0
	if mutate != nil {
		mutate(&params)
	}
	b := NewAsyncBot(params, eval, "bot-test", zerolog.Nop())
	board, err := game.NewBoard(9)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := game.NewRules(7.5)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetPosition(game.Black, board, game.NewBoardHistory(game.Black, rules)); err != nil {
		t.Fatal(err)
	}
	return b, eval
}

func TestGenMoveSynchronous(t *testing.T) {
	b, _ := newTestBot(t, nil)
	defer b.Close()

	loc, err := b.GenMoveSynchronous(game.Black, search.TimeControls{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if loc == game.NullLoc {
		t.Fatal("no move generated")
	}
	if !b.IsLegal(loc, game.Black) {
		t.Fatalf("generated illegal move %s", loc.String(9))
	}
	if !b.MakeMove(loc, game.Black) {
		t.Fatal("generated move rejected")
	}
}

func TestGenMoveAsync(t *testing.T) {
	b, _ := newTestBot(t, nil)
	defer b.Close()

	type result struct {
		loc game.Loc
		err error
	}
	ch := make(chan result, 1)
	b.GenMove(game.Black, search.TimeControls{}, 1, func(loc game.Loc, err error) {
		ch <- result{loc, err}
	})
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.loc == game.NullLoc {
			t.Fatal("no move delivered")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("async genmove never completed")
	}
}

func TestAnalyzeStopAndWait(t *testing.T) {
	b, _ := newTestBot(t, func(p *search.SearchParams) {
		p.MaxVisits = 1 << 50
	})
	defer b.Close()

	var calls atomic.Int32
	if err := b.Analyze(game.Black, 1, 20*time.Millisecond, func(data []search.AnalysisData) {
		calls.Add(1)
	}); err != nil {
		t.Fatal(err)
	}
	if !b.IsSearching() {
		t.Fatal("analyze should be running")
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	b.StopAndWait()
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("StopAndWait took %v", elapsed)
	}
	if b.IsSearching() {
		t.Fatal("still searching after StopAndWait")
	}
	if calls.Load() == 0 {
		t.Fatal("analysis callback never fired")
	}
	if b.Search().NumRootVisits() == 0 {
		t.Fatal("tree should be intact after stop")
	}
}

func TestMakeMoveDuringPonder(t *testing.T) {
	b, _ := newTestBot(t, func(p *search.SearchParams) {
		p.MaxVisits = 1 << 50
		p.NumThreads = 4
	})
	defer b.Close()

	b.Ponder(1)
	time.Sleep(30 * time.Millisecond)

	loc := game.MakeLoc(4, 4, 9)
	if !b.MakeMove(loc, game.Black) {
		t.Fatal("MakeMove during ponder failed")
	}
	if b.IsSearching() {
		t.Fatal("ponder should have been stopped by MakeMove")
	}
	if b.RootPla() != game.White {
		t.Fatalf("rootPla should be white after black's move, got %v", b.RootPla())
	}
}

func TestShouldResign(t *testing.T) {
	b, eval := newTestBot(t, func(p *search.SearchParams) {
		p.AllowResignation = true
		p.ResignThreshold = -0.9
		p.ResignConsecTurns = 2
		p.MaxVisits = 50
	})
	defer b.Close()
	eval.blackWin = 0.01 // hopeless for black

	for i := 0; i < 2; i++ {
		if _, err := b.GenMoveSynchronous(game.Black, search.TimeControls{}, 1); err != nil {
			t.Fatal(err)
		}
	}
	if !b.ShouldResign() {
		t.Fatal("bot should resign after consecutive hopeless evaluations")
	}
}

func TestSetKomiWhilePondering(t *testing.T) {
	b, _ := newTestBot(t, func(p *search.SearchParams) {
		p.MaxVisits = 1 << 50
	})
	defer b.Close()

	b.Ponder(1)
	time.Sleep(20 * time.Millisecond)
	if err := b.SetKomiIfNew(6.5); err != nil {
		t.Fatal(err)
	}
	if b.IsSearching() {
		t.Fatal("komi change should stop the ponder")
	}
	if b.Search().RootHistory().Rules.Komi != 6.5 {
		t.Fatal("komi not applied")
	}
}
