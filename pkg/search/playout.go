package search

import (
	"context"
	"fmt"
	"math"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// leafValues is one playout's evaluation, White-positive.
type leafValues struct {
	winValue      float64
	noResultValue float64
	scoreMean     float64
	scoreMeanSq   float64
}

func leafValuesFromNN(out *nn.NNOutput, nextPla game.Player) leafValues {
	win, noResult, scoreMean := whiteValuesFromNN(out, nextPla)
	return leafValues{
		winValue:      win,
		noResultValue: noResult,
		scoreMean:     scoreMean,
		scoreMeanSq:   float64(out.ScoreMeanSq),
	}
}

func (t *searchThread) terminalLeafValues() leafValues {
	win, _, noResult := t.history.WinnerValues(t.board, game.White)
	score := float64(t.history.FinalWhiteScore(t.board))
	return leafValues{
		winValue:      float64(win),
		noResultValue: float64(noResult),
		scoreMean:     score,
		scoreMeanSq:   score * score,
	}
}

// runSinglePlayout descends from the root applying virtual losses,
// expands or terminates at a leaf, and backs the leaf values up the
// recorded path. On evaluator failure the virtual losses are unwound and
// the error returned; the tree stays consistent.
func (s *Search) runSinglePlayout(ctx context.Context, t *searchThread) error {
	t.resetToRoot(s)
	node := s.rootNode
	var leaf leafValues

	for {
		t.path = append(t.path, node)

		if t.history.IsGameFinished() {
			node.terminal.Store(true)
			leaf = t.terminalLeafValues()
			break
		}

		out := node.nnOutput.Load()
		if out == nil {
			installed, err := s.initNodeNNOutput(ctx, t, node)
			if err != nil {
				s.unwindVirtualLosses(t)
				return err
			}
			leaf = leafValuesFromNN(installed, node.nextPla)
			break
		}

		child, ok := s.selectAndLinkChild(t, node, out)
		if !ok {
			// Every move is filtered out or the policy is empty; score
			// the node by its own evaluation.
			leaf = leafValuesFromNN(out, node.nextPla)
			break
		}
		child.addVirtualLosses(s.params.NumVirtualLossesPerThread)
		if err := t.history.MakeMove(t.board, child.prevMoveLoc, node.nextPla); err != nil {
			panic(fmt.Sprintf("search: selected illegal child %s: %v",
				child.prevMoveLoc.String(s.boardSize), err))
		}
		node = child
	}

	s.updateStatsAfterPlayout(t, leaf)
	s.playoutsThisSearch.Add(1)
	metricPlayouts.Inc()
	return nil
}

// initNodeNNOutput evaluates the thread's current position and installs
// the result, keeping the first install if another thread raced us.
func (s *Search) initNodeNNOutput(ctx context.Context, t *searchThread, node *SearchNode) (*nn.NNOutput, error) {
	symmetry := t.rand.Intn(nn.NumSymmetries)
	out, err := s.evaluator.Evaluate(ctx, t.board, t.history, node.nextPla, symmetry)
	if err != nil {
		return nil, fmt.Errorf("nn evaluation failed: %w", err)
	}

	mutex := s.mutexPool.Get(node.lockIdx)
	mutex.Lock()
	if existing := node.nnOutput.Load(); existing != nil {
		// Lost the race; the other thread's output stands.
		mutex.Unlock()
		return existing, nil
	}
	node.nnOutput.Store(out)
	mutex.Unlock()
	return out, nil
}

// selectAndLinkChild picks the PUCT-best continuation under the node
// mutex, creating the child on its first selection. Returns ok=false
// when no move is selectable.
func (s *Search) selectAndLinkChild(t *searchThread, node *SearchNode, out *nn.NNOutput) (*SearchNode, bool) {
	isRoot := node == s.rootNode
	pf := plaFactor(node.nextPla)

	mutex := s.mutexPool.Get(node.lockIdx)
	mutex.Lock()
	defer mutex.Unlock()

	// Totals over existing children, virtual losses included so that
	// concurrent descents see each other.
	totalChildWeight := 0.0
	policyMassVisited := 0.0
	t.statsBuf = t.statsBuf[:0]
	for _, child := range node.children {
		st := child.statsCopy()
		t.statsBuf = append(t.statsBuf, st)
		totalChildWeight += st.valueSumWeight + float64(st.virtualLosses)
		policyMassVisited += float64(out.Policy[nn.PolicyIndex(child.prevMoveLoc, s.boardSize)])
	}
	// The +1 stands for the parent's own expansion visit.
	sqrtTotal := math.Sqrt(totalChildWeight + 1)
	cpuct := s.params.cpuct(totalChildWeight)

	// FPU: the parent's utility reduced by how much policy mass has
	// already been explored.
	parentUtility := 0.0
	if st := node.statsCopy(); st.valueSumWeight > 0 {
		parentUtility = s.getUtilityFromSums(&st.NodeStats) * pf
	} else {
		parentUtility = s.getUtilityFromNN(out, node.nextPla) * pf
	}
	fpuReduction := s.params.FpuReductionMax
	if isRoot {
		fpuReduction = s.params.RootFpuReductionMax
	}
	fpuValue := parentUtility - fpuReduction*math.Sqrt(policyMassVisited)

	bestValue := math.Inf(-1)
	bestChildIdx := -1
	var bestNewLoc game.Loc = game.NullLoc

	lossUtility := -s.params.maxRelativeUtility()

	for i, child := range node.children {
		loc := child.prevMoveLoc
		if isRoot && !s.isAllowedRootMove(loc) {
			continue
		}
		st := &t.statsBuf[i]
		vl := float64(st.virtualLosses)
		var q float64
		if st.valueSumWeight+vl <= 0 {
			q = fpuValue
		} else if st.valueSumWeight <= 0 {
			q = lossUtility
		} else {
			q = s.getUtilityFromSums(&st.NodeStats) * pf
			if vl > 0 {
				// Fold the in-flight descents in as certain losses.
				q = (q*st.valueSumWeight + lossUtility*vl) / (st.valueSumWeight + vl)
			}
		}
		p := float64(out.Policy[nn.PolicyIndex(loc, s.boardSize)])
		childWeight := st.valueSumWeight + vl
		explore := cpuct * p * sqrtTotal / (1 + childWeight)
		value := q + explore + s.getScoreBonusWhite(t, node, out, loc)*pf
		if value > bestValue {
			bestValue = value
			bestChildIdx = i
		}
		t.posesWithChildBuf[nn.PolicyIndex(loc, s.boardSize)] = true
	}

	// Unvisited moves compete at the FPU value. Policy zero marks an
	// illegal (masked) move.
	for pos := 0; pos < s.policySize; pos++ {
		if t.posesWithChildBuf[pos] || out.Policy[pos] <= 0 {
			continue
		}
		loc := nn.PolicyLoc(pos, s.boardSize)
		if isRoot && !s.isAllowedRootMove(loc) {
			continue
		}
		p := float64(out.Policy[pos])
		value := fpuValue + cpuct*p*sqrtTotal + s.getScoreBonusWhite(t, node, out, loc)*pf
		if value > bestValue {
			bestValue = value
			bestChildIdx = -1
			bestNewLoc = loc
		}
	}

	// Reset only the marks we set.
	for _, child := range node.children {
		t.posesWithChildBuf[nn.PolicyIndex(child.prevMoveLoc, s.boardSize)] = false
	}

	if bestChildIdx >= 0 {
		return node.children[bestChildIdx], true
	}
	if bestNewLoc == game.NullLoc {
		return nil, false
	}
	if len(node.children) >= s.params.MaxChildrenCap {
		return nil, false
	}
	child := newSearchNode(game.Opponent(node.nextPla), bestNewLoc, t.rand.Uint32()%s.mutexPool.Size())
	node.children = append(node.children, child)
	return child, true
}

// getScoreBonusWhite shapes selection with score-aware bonuses,
// White-positive. The pass bonus compares the score if the game ended
// now against the net's expectation, discouraging passes that concede
// points under area scoring. The ending bonus discourages filling one's
// own pass-alive territory.
func (s *Search) getScoreBonusWhite(t *searchThread, node *SearchNode, out *nn.NNOutput, moveLoc game.Loc) float64 {
	bonus := 0.0
	if moveLoc == game.PassLoc && s.params.PassingScoreBonusFactor != 0 {
		endScore := float64(t.history.FinalWhiteScore(t.board))
		nnScore := float64(out.ScoreMean)
		bonus += s.params.PassingScoreBonusFactor *
			(s.getScoreUtility(endScore) - s.getScoreUtility(nnScore)) /
			math.Max(s.params.StaticScoreUtilityFactor+s.params.DynamicScoreUtilityFactor, 1e-10)
	}
	if s.params.EndingWhiteScoreBonusFactor != 0 &&
		moveLoc != game.PassLoc && s.rootSafeArea != nil &&
		s.rootSafeArea[moveLoc] == node.nextPla {
		bonus -= s.params.EndingWhiteScoreBonusFactor * plaFactor(node.nextPla)
	}
	return bonus
}

// updateStatsAfterPlayout walks the descent path in reverse, adding the
// leaf values and releasing the virtual losses. Every K visits a node's
// value sums are recomputed from its children with outlier
// down-weighting instead of the plain add.
func (s *Search) updateStatsAfterPlayout(t *searchThread, leaf leafValues) {
	vLoss := s.params.NumVirtualLossesPerThread
	interval := s.params.RecomputeStatsInterval
	for i := len(t.path) - 1; i >= 0; i-- {
		node := t.path[i]
		toSubtract := vLoss
		if i == 0 {
			toSubtract = 0
		}
		isLeaf := i == len(t.path)-1
		if !isLeaf && interval > 0 && (node.Visits()+1)%interval == 0 {
			s.recomputeNodeStats(t, node, leaf, toSubtract)
		} else {
			node.addLeafValues(leaf.winValue, leaf.noResultValue, leaf.scoreMean, leaf.scoreMeanSq, 1.0, toSubtract)
		}
	}
}

// recomputeNodeStats rebuilds a node's value sums from its children plus
// its own evaluation, weighting each child by how close its utility is
// to the best child's.
func (s *Search) recomputeNodeStats(t *searchThread, node *SearchNode, leaf leafValues, virtualLossesToSubtract int32) {
	mutex := s.mutexPool.Get(node.lockIdx)
	mutex.Lock()
	t.childBuf = append(t.childBuf[:0], node.children...)
	mutex.Unlock()

	t.statsBuf = t.statsBuf[:0]
	t.utilityBuf = t.utilityBuf[:0]
	pf := plaFactor(node.nextPla)
	bestUtility := math.Inf(-1)
	bestWeight := 0.0
	for _, child := range t.childBuf {
		st := child.statsCopy()
		t.statsBuf = append(t.statsBuf, st)
		if st.valueSumWeight <= 0 {
			t.utilityBuf = append(t.utilityBuf, 0)
			continue
		}
		u := s.getUtilityFromSums(&st.NodeStats) * pf
		t.utilityBuf = append(t.utilityBuf, u)
		if u > bestUtility {
			bestUtility = u
			bestWeight = st.valueSumWeight
		}
	}

	sums := NodeStats{}
	for i := range t.childBuf {
		st := &t.statsBuf[i]
		if st.valueSumWeight <= 0 {
			continue
		}
		w := st.valueSumWeight * s.valueChildWeight(t.utilityBuf[i], bestUtility, st.valueSumWeight, bestWeight)
		frac := w / st.valueSumWeight
		sums.winValueSum += st.winValueSum * frac
		sums.noResultValueSum += st.noResultValueSum * frac
		sums.scoreMeanSum += st.scoreMeanSum * frac
		sums.scoreMeanSqSum += st.scoreMeanSqSum * frac
		sums.valueSumWeight += w
	}

	// The node's own evaluation keeps weight 1, as on its first visit.
	if out := node.nnOutput.Load(); out != nil {
		own := leafValuesFromNN(out, node.nextPla)
		sums.winValueSum += own.winValue
		sums.noResultValueSum += own.noResultValue
		sums.scoreMeanSum += own.scoreMean
		sums.scoreMeanSqSum += own.scoreMeanSq
		sums.valueSumWeight += 1
	} else {
		sums.winValueSum += leaf.winValue
		sums.noResultValueSum += leaf.noResultValue
		sums.scoreMeanSum += leaf.scoreMean
		sums.scoreMeanSqSum += leaf.scoreMeanSq
		sums.valueSumWeight += 1
	}

	node.replaceValueSums(sums, virtualLossesToSubtract)
}

// valueChildWeight maps a child's utility shortfall from the best child
// into a multiplicative weight via the precomputed CDF. Children close
// to the best keep full weight; outliers fade.
func (s *Search) valueChildWeight(utility, bestUtility, weight, bestWeight float64) float64 {
	if weight <= 0 {
		return 0
	}
	// Confidence grows with the smaller of the two visit weights.
	z := (utility - bestUtility) * math.Sqrt(math.Min(weight, bestWeight)) /
		math.Max(s.params.maxRelativeUtility()*0.5, 1e-10)
	factor := 2 * s.valueWeightDistribution.Cdf(z)
	if factor > 1 {
		factor = 1
	}
	if s.params.ValueWeightExponent != 1 && factor > 0 && factor < 1 {
		factor = math.Pow(factor, s.params.ValueWeightExponent)
	}
	return factor
}

// unwindVirtualLosses releases the virtual losses along the current
// path without recording a visit, used on abort.
func (s *Search) unwindVirtualLosses(t *searchThread) {
	for i := 1; i < len(t.path); i++ {
		t.path[i].addVirtualLosses(-s.params.NumVirtualLossesPerThread)
	}
}
