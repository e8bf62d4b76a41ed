package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// SearchOptions drive one whole search.
type SearchOptions struct {
	// Pondering disables every stop condition except StopNow and ctx.
	Pondering bool

	TimeControls TimeControls

	// SearchFactor scales the time budget; <=0 means 1.
	SearchFactor float64

	// StopNow is the cooperative cancellation flag shared with the
	// caller. Optional; RunWholeSearch allocates one if nil.
	StopNow *atomic.Bool

	// OnAnalysis, if set, fires every AnalysisInterval of wall clock
	// with a fresh snapshot.
	AnalysisInterval time.Duration
	OnAnalysis       func([]AnalysisData)
}

// ErrNoPosition is returned when a search is started before SetPosition.
var ErrNoPosition = errors.New("search: no position set")

// how often the monitor evaluates the time policy and analysis interval
const timeCheckInterval = 16 * time.Millisecond

// beginSearch prepares the root: safe area, root node and its
// evaluation, the dynamic score center, and root policy noise.
func (s *Search) beginSearch(ctx context.Context) error {
	if s.rootBoard == nil {
		return ErrNoPosition
	}
	s.numSearchesBegun++
	s.playoutsThisSearch.Store(0)
	metricSearches.Inc()

	s.rootSafeArea = game.SafeArea(s.rootBoard)

	if s.rootNode == nil {
		s.rootNode = newSearchNode(s.rootPla, game.NullLoc,
			uint32(s.nonSearchRand.Int63())%s.mutexPool.Size())
	}

	if s.rootHistory.IsGameFinished() {
		s.rootNode.terminal.Store(true)
		return nil
	}

	// Make sure the root is evaluated before workers start, so the
	// score center and noise have something to work from.
	if s.rootNode.nnOutput.Load() == nil {
		t := s.newSearchThread(-1)
		t.resetToRoot(s)
		out, err := s.initNodeNNOutput(ctx, t, s.rootNode)
		if err != nil {
			return err
		}
		// The root's own evaluation is its expansion visit, as for any
		// node first reached by a playout.
		own := leafValuesFromNN(out, s.rootNode.nextPla)
		s.rootNode.addLeafValues(own.winValue, own.noResultValue, own.scoreMean, own.scoreMeanSq, 1.0, 0)
	}
	s.computeRecentScoreCenter()
	s.maybeApplyRootPolicyNoise()
	return nil
}

// computeRecentScoreCenter re-centers the dynamic score utility on the
// root's current expected score, pulled toward zero by the configured
// weight so the term stays tame between games.
func (s *Search) computeRecentScoreCenter() {
	expected := 0.0
	if st := s.rootNode.statsCopy(); st.valueSumWeight > 0 {
		expected = st.scoreMeanSum / st.valueSumWeight
	} else if out := s.rootNode.nnOutput.Load(); out != nil {
		expected = float64(out.ScoreMean)
	}
	s.recentScoreCenter = expected * (1 - s.params.RecentScoreCenterZeroWeight)
}

// maybeApplyRootPolicyNoise replaces the root's policy with a tempered,
// Dirichlet-mixed copy. Always derived from the raw evaluation so
// repeated searches on the same root do not compound noise.
func (s *Search) maybeApplyRootPolicyNoise() {
	if !s.params.RootNoiseEnabled && s.params.RootPolicyTemperature == 1.0 {
		return
	}
	raw := s.rootRawNNOutput
	if raw == nil {
		raw = s.rootNode.nnOutput.Load()
		if raw == nil {
			return
		}
		s.rootRawNNOutput = raw
	}

	noised := &nn.NNOutput{
		Policy:       make([]float32, len(raw.Policy)),
		WinProb:      raw.WinProb,
		LossProb:     raw.LossProb,
		NoResultProb: raw.NoResultProb,
		ScoreMean:    raw.ScoreMean,
		ScoreMeanSq:  raw.ScoreMeanSq,
		Ownership:    raw.Ownership,
	}
	copy(noised.Policy, raw.Policy)

	if temp := s.params.RootPolicyTemperature; temp != 1.0 && temp > 0 {
		var sum float64
		for i, p := range noised.Policy {
			if p > 0 {
				v := math.Pow(float64(p), 1/temp)
				noised.Policy[i] = float32(v)
				sum += v
			}
		}
		if sum > 0 {
			for i := range noised.Policy {
				noised.Policy[i] = float32(float64(noised.Policy[i]) / sum)
			}
		}
	}

	if s.params.RootNoiseEnabled {
		legal := 0
		for _, p := range noised.Policy {
			if p > 0 {
				legal++
			}
		}
		if legal > 0 {
			alpha := s.params.RootDirichletNoiseTotalConcentration / float64(legal)
			eps := s.params.RootDirichletNoiseWeight
			gammas := make([]float64, len(noised.Policy))
			var gammaSum float64
			for i, p := range noised.Policy {
				if p > 0 {
					g := sampleGamma(s.nonSearchRand, alpha)
					gammas[i] = g
					gammaSum += g
				}
			}
			if gammaSum > 0 {
				for i, p := range noised.Policy {
					if p > 0 {
						noised.Policy[i] = float32((1-eps)*float64(p) + eps*gammas[i]/gammaSum)
					}
				}
			}
		}
	}

	mutex := s.mutexPool.Get(s.rootNode.lockIdx)
	mutex.Lock()
	s.rootNode.nnOutput.Store(noised)
	mutex.Unlock()
}

// RunWholeSearch runs playout workers until a budget, the clock, the
// stop flag, or ctx ends the search. Virtual losses are balanced on
// every exit path: workers finish their current backup before leaving.
func (s *Search) RunWholeSearch(ctx context.Context, opts SearchOptions) error {
	start := time.Now()
	if err := s.beginSearch(ctx); err != nil {
		return err
	}
	stopNow := opts.StopNow
	if stopNow == nil {
		stopNow = &atomic.Bool{}
	}

	budget := s.timeBudget(opts)

	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	monitorDone := make(chan struct{})
	go s.runMonitor(searchCtx, stopNow, opts, budget, start, monitorDone)

	numThreads := s.params.NumThreads
	if numThreads < 1 {
		numThreads = 1
	}
	g, gctx := errgroup.WithContext(searchCtx)
	for i := 0; i < numThreads; i++ {
		threadIdx := i
		g.Go(func() error {
			t := s.newSearchThread(threadIdx)
			for {
				if stopNow.Load() || gctx.Err() != nil {
					return nil
				}
				if !opts.Pondering && s.overBudget() {
					stopNow.Store(true)
					return nil
				}
				if err := s.runSinglePlayout(gctx, t); err != nil {
					if errors.Is(err, context.Canceled) && (stopNow.Load() || ctx.Err() != nil) {
						return nil
					}
					// Evaluator failure is fatal for the search: stop
					// everyone and surface it once the pool drains.
					stopNow.Store(true)
					return err
				}
			}
		})
	}
	err := g.Wait()
	cancel()
	<-monitorDone

	elapsed := time.Since(start)
	metricSearchSeconds.Observe(elapsed.Seconds())
	switch {
	case err != nil:
		metricStopReasons.WithLabelValues("error").Inc()
	case ctx.Err() != nil:
		metricStopReasons.WithLabelValues("canceled").Inc()
	default:
		metricStopReasons.WithLabelValues("completed").Inc()
	}

	s.log.Debug().
		Int64("visits", s.NumRootVisits()).
		Int64("playouts", s.playoutsThisSearch.Load()).
		Dur("elapsed", elapsed).
		Bool("pondering", opts.Pondering).
		Err(err).
		Msg("whole search finished")
	if err != nil {
		return fmt.Errorf("search aborted: %w", err)
	}
	return nil
}

// timeBudget resolves the per-search wall-clock budget; 0 = none.
func (s *Search) timeBudget(opts SearchOptions) time.Duration {
	if opts.Pondering {
		return 0
	}
	budget := s.params.MaxTime
	if !opts.TimeControls.IsUnlimited() {
		tb := opts.TimeControls.BudgetForMove(s.params.LagBuffer)
		if budget == 0 || tb < budget {
			budget = tb
		}
	}
	if budget > 0 && opts.SearchFactor > 0 {
		budget = time.Duration(float64(budget) * opts.SearchFactor)
	}
	return budget
}

// overBudget checks the visit and playout limits; safe from any worker.
func (s *Search) overBudget() bool {
	if s.playoutsThisSearch.Load() >= s.params.MaxPlayouts {
		return true
	}
	return s.rootNode != nil && s.rootNode.Visits() >= s.params.MaxVisits
}

// runMonitor owns the clock: it ends the search when the budget runs
// out, shrinks the budget when clearly winning, and fires the analysis
// callback on its interval.
func (s *Search) runMonitor(ctx context.Context, stopNow *atomic.Bool, opts SearchOptions, budget time.Duration, start time.Time, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(timeCheckInterval)
	defer ticker.Stop()

	var lastAnalysis time.Time
	winningFactorApplied := false

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if stopNow.Load() {
				return
			}
			if !opts.Pondering && budget > 0 {
				if !winningFactorApplied &&
					s.params.SearchFactorWhenWinning > 0 && s.params.SearchFactorWhenWinning < 1 {
					if v, ok := s.GetRootValues(); ok {
						if v.WinValue-v.LossValue >= s.params.SearchFactorWhenWinningThreshold {
							budget = time.Duration(float64(budget) * s.params.SearchFactorWhenWinning)
							winningFactorApplied = true
						}
					}
				}
				if now.Sub(start) >= budget {
					stopNow.Store(true)
					return
				}
			}
			if opts.OnAnalysis != nil && opts.AnalysisInterval > 0 &&
				now.Sub(lastAnalysis) >= opts.AnalysisInterval {
				lastAnalysis = now
				opts.OnAnalysis(s.GetAnalysisData(0))
			}
		}
	}
}

// RunWholeSearchAndGetMove is the genmove entry point: run a search for
// movePla under the clock and return the chosen move.
func (s *Search) RunWholeSearchAndGetMove(ctx context.Context, movePla game.Player, opts SearchOptions) (game.Loc, error) {
	if s.rootBoard == nil {
		return game.NullLoc, ErrNoPosition
	}
	if movePla != s.rootPla {
		s.SetPlayerAndClearHistory(movePla)
	}
	if err := s.RunWholeSearch(ctx, opts); err != nil {
		return game.NullLoc, err
	}
	return s.GetChosenMoveLoc(), nil
}
