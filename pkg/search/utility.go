package search

import (
	"math"
	"math/rand"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

func logGrowth(weight, base float64) float64 {
	if weight < 0 {
		weight = 0
	}
	return math.Log((weight + base) / base)
}

// plaFactor converts a White-positive value to the mover's perspective.
func plaFactor(pla game.Player) float64 {
	if pla == game.White {
		return 1
	}
	return -1
}

// getResultUtility combines win/loss and no-result into a White-positive
// utility. winValue and noResultValue are averages in [0,1].
func (s *Search) getResultUtility(winValue, noResultValue float64) float64 {
	lossValue := 1.0 - winValue - noResultValue
	return s.params.WinLossUtilityFactor*(winValue-lossValue) +
		s.params.NoResultUtilityForWhite*noResultValue
}

// getScoreUtility blends the static and dynamic score terms. The static
// term squashes the raw expected score; the dynamic term re-centers on
// recentScoreCenter so it has zero mean on a neutral position.
func (s *Search) getScoreUtility(scoreMean float64) float64 {
	static := math.Tanh(scoreMean / s.params.StaticScoreUtilityScale)
	dynamic := math.Tanh((scoreMean - s.recentScoreCenter) / s.params.DynamicScoreUtilityScale)
	return s.params.StaticScoreUtilityFactor*static +
		s.params.DynamicScoreUtilityFactor*dynamic
}

// getUtilityFromSums computes the White-positive utility of a node from
// its aggregate sums. valueSumWeight must be positive.
func (s *Search) getUtilityFromSums(st *NodeStats) float64 {
	w := st.valueSumWeight
	return s.getResultUtility(st.winValueSum/w, st.noResultValueSum/w) +
		s.getScoreUtility(st.scoreMeanSum/w)
}

// getUtilityFromNN computes the White-positive utility of a raw net
// output. The net reports win/loss from the mover's perspective.
func (s *Search) getUtilityFromNN(out *nn.NNOutput, nextPla game.Player) float64 {
	winValue, noResultValue, scoreMean := whiteValuesFromNN(out, nextPla)
	return s.getResultUtility(winValue, noResultValue) + s.getScoreUtility(scoreMean)
}

// whiteValuesFromNN converts a net output (mover perspective) into
// White-positive (winValue, noResultValue, scoreMean).
func whiteValuesFromNN(out *nn.NNOutput, nextPla game.Player) (float64, float64, float64) {
	win := float64(out.WinProb)
	if nextPla == game.Black {
		win = float64(out.LossProb)
	}
	return win, float64(out.NoResultProb), float64(out.ScoreMean)
}

// scoreStdev derives a score standard deviation from the mean and
// mean-square aggregates; clamps tiny negative variance from rounding.
func scoreStdev(scoreMean, scoreMeanSq float64) float64 {
	variance := scoreMeanSq - scoreMean*scoreMean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// sampleGamma draws from Gamma(alpha, 1) with Marsaglia-Tsang, used for
// the root Dirichlet noise.
func sampleGamma(r *rand.Rand, alpha float64) float64 {
	if alpha < 1 {
		// Boost and correct per Marsaglia-Tsang.
		u := r.Float64()
		for u == 0 {
			u = r.Float64()
		}
		return sampleGamma(r, alpha+1) * math.Pow(u, 1/alpha)
	}
	d := alpha - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := r.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := r.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if u > 0 && math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}
