// Package search implements the parallel Monte Carlo tree search core:
// the shared tree, the PUCT playout loop with virtual losses, the whole
// search driver with time controls, and the analysis surface.
package search

import (
	"time"
)

// SearchParams holds every knob of the search. Defaults below are
// reasonable starting points; tuned values are a product decision and
// arrive through configuration.
type SearchParams struct {
	// Parallelism and budget.
	NumThreads  int
	MaxVisits   int64
	MaxPlayouts int64
	MaxTime     time.Duration // 0 = unbounded

	// PUCT. Exploration grows logarithmically with parent weight.
	CpuctExploration     float64
	CpuctExplorationBase float64
	CpuctExplorationLog  float64
	FpuReductionMax      float64
	RootFpuReductionMax  float64

	// Utility weights. Stats are aggregated White-positive; the mover's
	// perspective is applied at selection time.
	WinLossUtilityFactor      float64
	NoResultUtilityForWhite   float64
	StaticScoreUtilityFactor  float64
	DynamicScoreUtilityFactor float64
	StaticScoreUtilityScale   float64
	DynamicScoreUtilityScale  float64

	// Pull of the dynamic-score center toward zero between searches.
	RecentScoreCenterZeroWeight float64

	// Score-shaping bonuses.
	PassingScoreBonusFactor     float64
	EndingWhiteScoreBonusFactor float64

	// Root policy noise and temperature.
	RootNoiseEnabled                     bool
	RootDirichletNoiseTotalConcentration float64
	RootDirichletNoiseWeight             float64
	RootPolicyTemperature                float64

	// Virtual losses added per in-flight descent through a node.
	NumVirtualLossesPerThread int32

	// Recompute a node's stats from its children every this many visits.
	// Zero disables the robust down-weighted aggregation entirely.
	RecomputeStatsInterval int64
	ValueWeightExponent    float64

	// Move selection at the root.
	ChosenMoveTemperature         float64
	ChosenMoveTemperatureEarly    float64
	ChosenMoveTemperatureHalflife float64
	ChosenMoveSubtract            float64

	// Time policy.
	SearchFactorWhenWinning          float64
	SearchFactorWhenWinningThreshold float64
	LagBuffer                        time.Duration

	// Resignation, evaluated by drivers through root values.
	AllowResignation  bool
	ResignThreshold   float64
	ResignConsecTurns int

	// Sizing.
	MutexPoolSize  int
	AnalysisPVLen  int
	MaxChildrenCap int
}

func DefaultSearchParams() SearchParams {
	return SearchParams{
		NumThreads:  1,
		MaxVisits:   1 << 50,
		MaxPlayouts: 1 << 50,

		CpuctExploration:     1.1,
		CpuctExplorationBase: 10000.0,
		CpuctExplorationLog:  0.45,
		FpuReductionMax:      0.2,
		RootFpuReductionMax:  0.1,

		WinLossUtilityFactor:      1.0,
		NoResultUtilityForWhite:   0.0,
		StaticScoreUtilityFactor:  0.2,
		DynamicScoreUtilityFactor: 0.3,
		StaticScoreUtilityScale:   150.0,
		DynamicScoreUtilityScale:  30.0,

		RecentScoreCenterZeroWeight: 0.2,

		PassingScoreBonusFactor:     0.02,
		EndingWhiteScoreBonusFactor: 0.0,

		RootNoiseEnabled:                     false,
		RootDirichletNoiseTotalConcentration: 10.83,
		RootDirichletNoiseWeight:             0.25,
		RootPolicyTemperature:                1.0,

		NumVirtualLossesPerThread: 3,

		RecomputeStatsInterval: 32,
		ValueWeightExponent:    0.5,

		ChosenMoveTemperature:         0.1,
		ChosenMoveTemperatureEarly:    0.5,
		ChosenMoveTemperatureHalflife: 19,
		ChosenMoveSubtract:            1.0,

		SearchFactorWhenWinning:          0.4,
		SearchFactorWhenWinningThreshold: 0.95,
		LagBuffer:                        100 * time.Millisecond,

		AllowResignation:  false,
		ResignThreshold:   -0.95,
		ResignConsecTurns: 3,

		MutexPoolSize:  8192,
		AnalysisPVLen:  9,
		MaxChildrenCap: 1 << 14,
	}
}

// maxRelativeUtility is the largest utility magnitude any position can
// have given the configured factors; used as the utility of a certain
// loss when folding virtual losses into Q.
func (p *SearchParams) maxRelativeUtility() float64 {
	return p.WinLossUtilityFactor + p.StaticScoreUtilityFactor + p.DynamicScoreUtilityFactor
}

// cpuct grows with the log of the total child weight.
func (p *SearchParams) cpuct(totalChildWeight float64) float64 {
	if p.CpuctExplorationLog == 0 {
		return p.CpuctExploration
	}
	return p.CpuctExploration + p.CpuctExplorationLog*
		logGrowth(totalChildWeight, p.CpuctExplorationBase)
}
