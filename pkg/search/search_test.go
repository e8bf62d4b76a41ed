package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// stubEvaluator is a deterministic evaluator: the policy is derived from
// the position hash (or fixed by the test), values are constants. No
// batching, no randomness, no symmetry dependence.
type stubEvaluator struct {
	boardSize   int
	fixedPolicy []float32
	winProb     float32
	scoreMean   float32

	failAfter int64
	evals     atomic.Int64
}

func newStubEvaluator(boardSize int) *stubEvaluator {
	return &stubEvaluator{boardSize: boardSize, winProb: 0.5}
}

func (e *stubEvaluator) BoardSize() int  { return e.boardSize }
func (e *stubEvaluator) PolicySize() int { return nn.PolicySize(e.boardSize) }
func (e *stubEvaluator) Close() error    { return nil }

func (e *stubEvaluator) Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*nn.NNOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.failAfter > 0 && e.evals.Add(1) > e.failAfter {
		return nil, errors.New("stub evaluator failure")
	}
	polSize := nn.PolicySize(e.boardSize)
	out := &nn.NNOutput{Policy: make([]float32, polSize)}
	h := board.Hash()
	var sum float32
	for pos := 0; pos < polSize; pos++ {
		loc := nn.PolicyLoc(pos, e.boardSize)
		if !board.IsLegal(loc, nextPla) {
			continue
		}
		var w float32
		if e.fixedPolicy != nil {
			w = e.fixedPolicy[pos]
		} else {
			w = 1 + float32((h>>uint(pos%56))&7)/8
		}
		out.Policy[pos] = w
		sum += w
	}
	if sum > 0 {
		for pos := range out.Policy {
			out.Policy[pos] /= sum
		}
	}
	out.WinProb = e.winProb
	out.LossProb = 1 - e.winProb
	out.ScoreMean = e.scoreMean
	out.ScoreMeanSq = e.scoreMean * e.scoreMean
	return out, nil
}

func newTestSearch(t *testing.T, boardSize int, seed string, mutate func(*SearchParams)) (*Search, *stubEvaluator) {
	t.Helper()
	eval := newStubEvaluator(boardSize)
	params := DefaultSearchParams()
	params.ChosenMoveTemperature = 0
	params.ChosenMoveTemperatureEarly = 0
	params.ChosenMoveSubtract = 0
	if mutate != nil {
		mutate(&params)
	}
	s := NewSearch(params, eval, seed, zerolog.Nop())
	board, err := game.NewBoard(boardSize)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := game.NewRules(7.5)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetPosition(game.Black, board, game.NewBoardHistory(game.Black, rules)); err != nil {
		t.Fatal(err)
	}
	return s, eval
}

func runSearch(t *testing.T, s *Search, opts SearchOptions) {
	t.Helper()
	if err := s.RunWholeSearch(context.Background(), opts); err != nil {
		t.Fatalf("RunWholeSearch: %v", err)
	}
}

// checkTreeInvariants walks the whole tree verifying virtual-loss
// balance and visit conservation.
func checkTreeInvariants(t *testing.T, s *Search, node *SearchNode) (int64, int) {
	t.Helper()
	if node == nil {
		return 0, 0
	}
	if vl := node.VirtualLosses(); vl != 0 {
		t.Fatalf("node %v has %d virtual losses after search",
			node.prevMoveLoc.String(s.boardSize), vl)
	}
	var childVisits int64
	count := 1
	for _, child := range node.children {
		v, c := checkTreeInvariants(t, s, child)
		childVisits += v
		count += c
	}
	visits := node.Visits()
	if len(node.children) > 0 {
		// Every playout through this node either stopped here (the
		// expansion visit) or continued into a child.
		if visits != childVisits+1 {
			t.Fatalf("visit conservation broken at %v: %d != %d children + 1",
				node.prevMoveLoc.String(s.boardSize), visits, childVisits)
		}
	}
	return visits, count
}

func TestSearchBasic(t *testing.T) {
	s, _ := newTestSearch(t, 9, "basic", func(p *SearchParams) {
		p.MaxVisits = 200
	})
	runSearch(t, s, SearchOptions{})

	if got := s.NumRootVisits(); got < 200 {
		t.Fatalf("expected >= 200 visits, got %d", got)
	}
	move := s.GetChosenMoveLoc()
	if move == game.NullLoc {
		t.Fatal("no chosen move after search")
	}
	visits, nodes := checkTreeInvariants(t, s, s.rootNode)
	t.Logf("visits %d nodes %d move %s", visits, nodes, move.String(9))
}

func TestSearchMultiThreadedInvariants(t *testing.T) {
	s, _ := newTestSearch(t, 9, "mt", func(p *SearchParams) {
		p.NumThreads = 8
		p.MaxVisits = 1000
	})
	runSearch(t, s, SearchOptions{})
	if got := s.NumRootVisits(); got < 1000 {
		t.Fatalf("expected >= 1000 visits, got %d", got)
	}
	checkTreeInvariants(t, s, s.rootNode)
}

func TestVirtualLossSteering(t *testing.T) {
	// Two moves share the bulk of the prior; with eight threads the
	// virtual losses must keep the pack from clumping on one of them.
	const size = 9
	polSize := nn.PolicySize(size)
	fixed := make([]float32, polSize)
	for i := range fixed {
		fixed[i] = 0.4 / float32(polSize)
	}
	locA := game.MakeLoc(4, 4, size)
	locB := game.MakeLoc(2, 2, size)
	fixed[nn.PolicyIndex(locA, size)] = 0.3
	fixed[nn.PolicyIndex(locB, size)] = 0.3

	s, eval := newTestSearch(t, size, "steer", func(p *SearchParams) {
		p.NumThreads = 8
		p.MaxVisits = 1000
	})
	eval.fixedPolicy = fixed
	runSearch(t, s, SearchOptions{})
	checkTreeInvariants(t, s, s.rootNode)

	total := s.NumRootVisits()
	var va, vb int64
	for _, child := range s.rootNode.children {
		switch child.prevMoveLoc {
		case locA:
			va = child.Visits()
		case locB:
			vb = child.Visits()
		}
	}
	if float64(va) < 0.2*float64(total) || float64(vb) < 0.2*float64(total) {
		t.Fatalf("top two children should each get >= 20%% of %d visits, got %d and %d", total, va, vb)
	}
}

func TestMateInOnePass(t *testing.T) {
	// 7x7, black wall on column C, white wall on column E, komi 5.
	// Black has just passed; if White passes the game ends with White
	// ahead by exactly the komi.
	const size = 7
	board, err := game.NewBoard(size)
	if err != nil {
		t.Fatal(err)
	}
	rules, err := game.NewRules(5)
	if err != nil {
		t.Fatal(err)
	}
	hist := game.NewBoardHistory(game.Black, rules)
	for y := 0; y < size; y++ {
		if err := hist.MakeMove(board, game.MakeLoc(2, y, size), game.Black); err != nil {
			t.Fatal(err)
		}
		if err := hist.MakeMove(board, game.MakeLoc(4, y, size), game.White); err != nil {
			t.Fatal(err)
		}
	}
	if err := hist.MakeMove(board, game.PassLoc, game.Black); err != nil {
		t.Fatal(err)
	}

	eval := newStubEvaluator(size)
	params := DefaultSearchParams()
	params.MaxVisits = 200
	params.ChosenMoveTemperature = 0
	params.ChosenMoveTemperatureEarly = 0
	params.ChosenMoveSubtract = 0
	s := NewSearch(params, eval, "mate", zerolog.Nop())
	if err := s.SetPosition(game.White, board, hist); err != nil {
		t.Fatal(err)
	}
	runSearch(t, s, SearchOptions{})

	if got := s.GetChosenMoveLoc(); got != game.PassLoc {
		t.Fatalf("white should pass to end the game winning, chose %s", got.String(size))
	}
	if u := s.GetRootUtility(); u <= 0 {
		t.Fatalf("root utility should be positive for the winning mover, got %v", u)
	}
	for _, a := range s.GetAnalysisData(0) {
		if a.MoveLoc == game.PassLoc {
			if a.ScoreMean != 5 {
				t.Fatalf("pass should score exactly 5 for white, got %v", a.ScoreMean)
			}
			if a.WinValue < 0.99 {
				t.Fatalf("pass should be winning for white, got winValue %v", a.WinValue)
			}
			return
		}
	}
	t.Fatal("pass not present in analysis data")
}

func TestSubtreeReuse(t *testing.T) {
	s, _ := newTestSearch(t, 9, "reuse", func(p *SearchParams) {
		p.MaxVisits = 2000
	})
	runSearch(t, s, SearchOptions{})

	data := s.GetAnalysisData(0)
	if len(data) == 0 {
		t.Fatal("no analysis data")
	}
	best := data[0]
	oldPV := best.PV

	if !s.MakeMove(best.MoveLoc, game.Black) {
		t.Fatalf("MakeMove(%s) failed", best.MoveLoc.String(9))
	}
	if s.rootNode == nil {
		t.Fatal("subtree not reused")
	}
	if got := s.NumRootVisits(); got != best.Visits {
		t.Fatalf("new root visits %d != chosen child visits %d", got, best.Visits)
	}
	newPV := s.AppendPV(nil, s.rootNode, len(oldPV))
	// The old PV starts with the committed move; the new root's PV must
	// be its suffix.
	if len(newPV) < 1 || newPV[0] != oldPV[0] {
		t.Fatalf("new root move mismatch: %v vs %v", newPV, oldPV)
	}
	for i := 1; i < len(newPV) && i < len(oldPV); i++ {
		if newPV[i] != oldPV[i] {
			t.Fatalf("PV suffix mismatch at %d: %v vs %v", i, newPV, oldPV)
		}
	}
	checkTreeInvariants(t, s, s.rootNode)
}

func TestMakeMoveIllegal(t *testing.T) {
	s, _ := newTestSearch(t, 9, "illegal", func(p *SearchParams) {
		p.MaxVisits = 50
	})
	runSearch(t, s, SearchOptions{})
	visits := s.NumRootVisits()

	occupied := s.GetChosenMoveLoc()
	if !s.MakeMove(occupied, game.Black) {
		t.Fatal("legal move rejected")
	}
	// The same point is now occupied.
	if s.MakeMove(occupied, game.White) {
		t.Fatal("occupied point accepted")
	}
	_ = visits
}

func TestMakeMoveWrongPlayer(t *testing.T) {
	s, _ := newTestSearch(t, 9, "wrongpla", func(p *SearchParams) {
		p.MaxVisits = 50
	})
	runSearch(t, s, SearchOptions{})

	// White is not the expected mover; the search must clear and accept.
	loc := game.MakeLoc(4, 4, 9)
	if !s.MakeMove(loc, game.White) {
		t.Fatal("wrong-player move should succeed after clearing history")
	}
	if s.rootNode != nil {
		t.Fatal("search should be cleared on wrong-player move")
	}
	if s.RootPla() != game.Black {
		t.Fatalf("rootPla should advance to black, got %v", s.RootPla())
	}
}

func TestPonderStop(t *testing.T) {
	s, _ := newTestSearch(t, 9, "ponder", nil)
	var stop atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.RunWholeSearch(context.Background(), SearchOptions{
			Pondering: true,
			StopNow:   &stop,
		})
	}()
	time.Sleep(50 * time.Millisecond)
	stop.Store(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ponder search: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("search did not stop within 200ms")
	}
	if s.NumRootVisits() == 0 {
		t.Fatal("pondering produced no visits")
	}
	checkTreeInvariants(t, s, s.rootNode)
}

func TestTimeBudget(t *testing.T) {
	s, _ := newTestSearch(t, 9, "time", func(p *SearchParams) {
		p.LagBuffer = 10 * time.Millisecond
	})
	start := time.Now()
	runSearch(t, s, SearchOptions{
		TimeControls: TimeControls{MainTimeLeft: time.Second},
	})
	elapsed := time.Since(start)
	if elapsed > time.Second+100*time.Millisecond {
		t.Fatalf("search took %v, over the 1s+lag budget", elapsed)
	}
	if s.NumRootVisits() == 0 {
		t.Fatal("no visits within the time budget")
	}
}

func TestDeterministicSeed(t *testing.T) {
	run := func() (game.Loc, []game.Loc) {
		s, _ := newTestSearch(t, 9, "determinism", func(p *SearchParams) {
			p.MaxVisits = 300
		})
		runSearch(t, s, SearchOptions{})
		return s.GetChosenMoveLoc(), s.AppendPV(nil, s.rootNode, 8)
	}
	move1, pv1 := run()
	move2, pv2 := run()
	if move1 != move2 {
		t.Fatalf("chosen moves differ: %s vs %s", move1.String(9), move2.String(9))
	}
	if len(pv1) != len(pv2) {
		t.Fatalf("PV lengths differ: %v vs %v", pv1, pv2)
	}
	for i := range pv1 {
		if pv1[i] != pv2[i] {
			t.Fatalf("PVs differ at %d: %v vs %v", i, pv1, pv2)
		}
	}
}

func TestSetKomiIfNew(t *testing.T) {
	s, _ := newTestSearch(t, 9, "komi", func(p *SearchParams) {
		p.MaxVisits = 100
	})
	runSearch(t, s, SearchOptions{})
	visits := s.NumRootVisits()

	if err := s.SetKomiIfNew(7.5); err != nil {
		t.Fatal(err)
	}
	if got := s.NumRootVisits(); got != visits {
		t.Fatalf("same-komi SetKomiIfNew must be a no-op, visits %d -> %d", visits, got)
	}
	if err := s.SetKomiIfNew(6.5); err != nil {
		t.Fatal(err)
	}
	if s.rootNode != nil {
		t.Fatal("komi change must clear the search")
	}
	if err := s.SetKomiIfNew(6.25); err == nil {
		t.Fatal("quarter-integer komi must be rejected")
	}
}

func TestSetPositionIdempotent(t *testing.T) {
	s, _ := newTestSearch(t, 9, "idem", func(p *SearchParams) {
		p.MaxVisits = 50
	})
	board := s.RootBoard().Copy()
	hist := s.RootHistory().Copy()
	hash1 := board.Hash()

	runSearch(t, s, SearchOptions{})
	s.ClearSearch()
	if err := s.SetPosition(game.Black, board, hist); err != nil {
		t.Fatal(err)
	}
	if s.rootNode != nil {
		t.Fatal("rootNode must be nil after SetPosition")
	}
	if s.RootBoard().Hash() != hash1 || s.RootPla() != game.Black {
		t.Fatal("SetPosition after ClearSearch must restore identical state")
	}
}

func TestRootPolicyNormalized(t *testing.T) {
	s, _ := newTestSearch(t, 9, "norm", func(p *SearchParams) {
		p.MaxVisits = 10
	})
	runSearch(t, s, SearchOptions{})
	out := s.rootNode.NNOutput()
	if out == nil {
		t.Fatal("root not evaluated")
	}
	var sum float64
	for pos, p := range out.Policy {
		loc := nn.PolicyLoc(pos, 9)
		if !s.RootBoard().IsLegal(loc, game.Black) && p != 0 {
			t.Fatalf("illegal move %s has nonzero policy %v", loc.String(9), p)
		}
		sum += float64(p)
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("policy sums to %v, want 1", sum)
	}
}

func TestAllowedRootMoves(t *testing.T) {
	s, _ := newTestSearch(t, 9, "allowed", func(p *SearchParams) {
		p.MaxVisits = 200
	})
	only := []game.Loc{game.MakeLoc(0, 0, 9), game.MakeLoc(8, 8, 9)}
	s.SetAllowedRootMoves(only)
	runSearch(t, s, SearchOptions{})

	move := s.GetChosenMoveLoc()
	if move != only[0] && move != only[1] {
		t.Fatalf("chosen move %s outside the allowed set", move.String(9))
	}
	for _, a := range s.GetAnalysisData(0) {
		if a.MoveLoc != only[0] && a.MoveLoc != only[1] {
			t.Fatalf("analysis reports disallowed move %s", a.MoveLoc.String(9))
		}
	}
}

func TestRootPassDisallowed(t *testing.T) {
	s, _ := newTestSearch(t, 9, "nopass", func(p *SearchParams) {
		p.MaxVisits = 100
	})
	s.SetRootPassLegal(false)
	runSearch(t, s, SearchOptions{})
	for _, child := range s.rootNode.children {
		if child.prevMoveLoc == game.PassLoc {
			t.Fatal("pass child created despite rootPassLegal=false")
		}
	}
}

func TestEvaluatorFailureAborts(t *testing.T) {
	s, eval := newTestSearch(t, 9, "fail", func(p *SearchParams) {
		p.NumThreads = 4
		p.MaxVisits = 10000
	})
	eval.failAfter = 50
	err := s.RunWholeSearch(context.Background(), SearchOptions{})
	if err == nil {
		t.Fatal("expected an evaluator failure to surface")
	}
	// The tree must still be consistent after the abort.
	checkTreeInvariants(t, s, s.rootNode)
}

func TestAnalysisCallbackFires(t *testing.T) {
	s, _ := newTestSearch(t, 9, "callback", nil)
	var calls atomic.Int32
	var stop atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.RunWholeSearch(context.Background(), SearchOptions{
			Pondering:        true,
			StopNow:          &stop,
			AnalysisInterval: 20 * time.Millisecond,
			OnAnalysis: func(data []AnalysisData) {
				calls.Add(1)
			},
		})
	}()
	time.Sleep(120 * time.Millisecond)
	stop.Store(true)
	<-done
	if calls.Load() < 2 {
		t.Fatalf("expected at least 2 analysis callbacks, got %d", calls.Load())
	}
}

func TestDistributionTable(t *testing.T) {
	d := newValueWeightDistribution()
	if c := d.Cdf(0); c < 0.49 || c > 0.51 {
		t.Fatalf("Cdf(0) = %v, want ~0.5", c)
	}
	if c := d.Cdf(-10); c != 0 {
		t.Fatalf("Cdf(-10) = %v, want 0", c)
	}
	if c := d.Cdf(10); c != 1 {
		t.Fatalf("Cdf(10) = %v, want 1", c)
	}
	prev := -1.0
	for z := -5.0; z <= 5.0; z += 0.25 {
		c := d.Cdf(z)
		if c < prev {
			t.Fatalf("Cdf not monotone at %v", z)
		}
		prev = c
	}
}

func TestChooseIndexWithTemperature(t *testing.T) {
	s, _ := newTestSearch(t, 9, "temp", nil)
	probs := []float64{1, 5, 3}
	if idx := ChooseIndexWithTemperature(s.nonSearchRand, probs, 0); idx != 1 {
		t.Fatalf("argmax should be 1, got %d", idx)
	}
	// High temperature still returns a valid index.
	for i := 0; i < 100; i++ {
		idx := ChooseIndexWithTemperature(s.nonSearchRand, probs, 2.0)
		if idx < 0 || idx > 2 {
			t.Fatalf("index out of range: %d", idx)
		}
	}
	if idx := ChooseIndexWithTemperature(s.nonSearchRand, nil, 1); idx != -1 {
		t.Fatalf("empty probs should give -1, got %d", idx)
	}
}

func TestTimeControlsBudget(t *testing.T) {
	tc := TimeControls{MainTimeLeft: time.Second}
	b := tc.BudgetForMove(10 * time.Millisecond)
	if b <= 0 || b > time.Second {
		t.Fatalf("budget %v out of range", b)
	}
	if !(TimeControls{}).IsUnlimited() {
		t.Fatal("zero TimeControls should be unlimited")
	}
	byo := TimeControls{ByoYomiTime: 10 * time.Second, ByoYomiPeriods: 1}
	if b := byo.BudgetForMove(0); b > 10*time.Second {
		t.Fatalf("byo-yomi budget %v exceeds the period", b)
	}
}
