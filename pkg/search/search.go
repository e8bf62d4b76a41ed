package search

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// Search owns one search tree over one root position. All mutating
// façade methods (SetPosition, MakeMove, SetParams, ...) must not be
// called while RunWholeSearch is in flight; the bot façade serializes
// them. Read methods marked safe-during-search may race benignly with
// ongoing playouts.
type Search struct {
	rootPla     game.Player
	rootBoard   *game.Board
	rootHistory *game.BoardHistory

	rootPassLegal    bool
	allowedRootMoves []bool // by policy index; nil allows everything
	rootSafeArea     []game.Player

	recentScoreCenter float64

	params           SearchParams
	numSearchesBegun int64
	randSeed         string

	valueWeightDistribution *DistributionTable

	rootNode *SearchNode
	// Un-noised root evaluation, kept so repeated searches on the same
	// root re-noise from the raw policy instead of compounding.
	rootRawNNOutput *nn.NNOutput

	mutexPool  *MutexPool
	evaluator  nn.Evaluator
	boardSize  int
	policySize int

	// nonSearchRand backs the façade (chosen-move randomization, lockIdx
	// for the root); per-thread rands drive everything inside a search.
	nonSearchRand *rand.Rand

	log zerolog.Logger

	// Playouts completed in the current whole search.
	playoutsThisSearch atomic.Int64
}

func NewSearch(params SearchParams, evaluator nn.Evaluator, randSeed string, logger zerolog.Logger) *Search {
	h := fnv.New64a()
	h.Write([]byte(randSeed))
	s := &Search{
		rootPassLegal:           true,
		params:                  params,
		randSeed:                randSeed,
		valueWeightDistribution: newValueWeightDistribution(),
		mutexPool:               NewMutexPool(params.MutexPoolSize),
		evaluator:               evaluator,
		boardSize:               evaluator.BoardSize(),
		policySize:              evaluator.PolicySize(),
		nonSearchRand:           rand.New(rand.NewSource(int64(h.Sum64()))),
		log:                     logger,
	}
	return s
}

func (s *Search) Params() SearchParams            { return s.params }
func (s *Search) RootPla() game.Player            { return s.rootPla }
func (s *Search) RootBoard() *game.Board          { return s.rootBoard }
func (s *Search) RootHistory() *game.BoardHistory { return s.rootHistory }
func (s *Search) RootNode() *SearchNode           { return s.rootNode }

// RootSafeArea returns the pass-alive map computed at the last
// beginSearch, nil before any search.
func (s *Search) RootSafeArea() []game.Player { return s.rootSafeArea }

// SetPosition installs a new root position and clears the search.
func (s *Search) SetPosition(pla game.Player, board *game.Board, history *game.BoardHistory) error {
	if board.Size != s.boardSize {
		return fmt.Errorf("search: board size %d does not match evaluator size %d", board.Size, s.boardSize)
	}
	if pla != game.Black && pla != game.White {
		return game.ErrBadPlayer
	}
	s.ClearSearch()
	s.rootPla = pla
	s.rootBoard = board.Copy()
	s.rootHistory = history.Copy()
	s.rootHistory.NextPla = pla
	return nil
}

// SetPlayerAndClearHistory keeps the stones but restarts the history
// with pla to move.
func (s *Search) SetPlayerAndClearHistory(pla game.Player) {
	s.ClearSearch()
	s.rootPla = pla
	if s.rootHistory != nil {
		s.rootHistory = game.NewBoardHistory(pla, s.rootHistory.Rules)
	}
}

// SetKomiIfNew updates komi, clearing the search only when the value
// actually changed. Rejects non-half-integer komi.
func (s *Search) SetKomiIfNew(komi float32) error {
	if s.rootHistory == nil {
		return fmt.Errorf("search: no position set")
	}
	if s.rootHistory.Rules.Komi == komi {
		return nil
	}
	rules, err := game.NewRules(komi)
	if err != nil {
		return err
	}
	s.rootHistory.Rules = rules
	s.ClearSearch()
	return nil
}

func (s *Search) SetRootPassLegal(b bool) {
	s.rootPassLegal = b
	s.ClearSearch()
}

// SetAllowedRootMoves restricts the root move set; nil allows all moves.
func (s *Search) SetAllowedRootMoves(locs []game.Loc) {
	if locs == nil {
		s.allowedRootMoves = nil
	} else {
		allowed := make([]bool, s.policySize)
		for _, l := range locs {
			allowed[nn.PolicyIndex(l, s.boardSize)] = true
		}
		s.allowedRootMoves = allowed
	}
	s.ClearSearch()
}

// SetParams replaces all parameters and clears the search.
func (s *Search) SetParams(params SearchParams) {
	s.params = params
	if int(s.mutexPool.Size()) != params.MutexPoolSize {
		s.mutexPool = NewMutexPool(params.MutexPoolSize)
	}
	s.ClearSearch()
}

// SetParamsNoClearing swaps parameters while keeping the tree. Only safe
// for knobs that do not change the meaning of accumulated stats.
func (s *Search) SetParamsNoClearing(params SearchParams) {
	s.params = params
}

// ClearSearch drops the whole tree.
func (s *Search) ClearSearch() {
	s.rootNode = nil
	s.rootRawNNOutput = nil
}

// IsLegal checks a move on the root position.
func (s *Search) IsLegal(loc game.Loc, pla game.Player) bool {
	if s.rootBoard == nil {
		return false
	}
	return s.rootBoard.IsLegal(loc, pla)
}

// isAllowedRootMove applies the root-only move restrictions.
func (s *Search) isAllowedRootMove(loc game.Loc) bool {
	if loc == game.PassLoc && !s.rootPassLegal {
		return false
	}
	if s.allowedRootMoves != nil && !s.allowedRootMoves[nn.PolicyIndex(loc, s.boardSize)] {
		return false
	}
	return true
}

// MakeMove commits a move, preserving the matching subtree as the new
// root. Returns false and does nothing if the move is illegal. If the
// mover was not the expected player, the history is cleared first and
// the move applied fresh.
func (s *Search) MakeMove(loc game.Loc, pla game.Player) bool {
	if s.rootBoard == nil || !s.rootBoard.IsLegal(loc, pla) {
		return false
	}
	if pla != s.rootPla {
		s.SetPlayerAndClearHistory(pla)
	} else if s.rootNode != nil {
		var newRoot *SearchNode
		for _, child := range s.rootNode.children {
			if child != nil && child.prevMoveLoc == loc {
				newRoot = child
				break
			}
		}
		// Promote the chosen child; siblings and their subtrees are
		// unreferenced and collected.
		s.rootNode = newRoot
		s.rootRawNNOutput = nil
	}
	if err := s.rootHistory.MakeMove(s.rootBoard, loc, pla); err != nil {
		// IsLegal passed, so this indicates a board/history mismatch.
		panic(fmt.Sprintf("search: MakeMove after legality check: %v", err))
	}
	s.rootPla = game.Opponent(pla)
	return true
}

// NumRootVisits is safe to call during search.
func (s *Search) NumRootVisits() int64 {
	if s.rootNode == nil {
		return 0
	}
	return s.rootNode.Visits()
}

// ReportedValues are node values from the perspective of the player to
// move at that node.
type ReportedValues struct {
	WinValue      float64
	LossValue     float64
	NoResultValue float64
	ScoreMean     float64
	ScoreStdev    float64
	Utility       float64
}

// GetNodeValues reports a node's aggregates; ok is false before the node
// has any weight. Safe to call during search.
func (s *Search) GetNodeValues(node *SearchNode) (ReportedValues, bool) {
	if node == nil {
		return ReportedValues{}, false
	}
	st := node.statsCopy()
	if st.valueSumWeight <= 0 {
		return ReportedValues{}, false
	}
	w := st.valueSumWeight
	whiteWin := st.winValueSum / w
	noResult := st.noResultValueSum / w
	whiteLoss := 1 - whiteWin - noResult
	scoreMean := st.scoreMeanSum / w
	stdev := scoreStdev(scoreMean, st.scoreMeanSqSum/w)
	utility := s.getUtilityFromSums(&st.NodeStats)

	v := ReportedValues{
		WinValue:      whiteWin,
		LossValue:     whiteLoss,
		NoResultValue: noResult,
		ScoreMean:     scoreMean,
		ScoreStdev:    stdev,
		Utility:       utility,
	}
	if node.nextPla == game.Black {
		v.WinValue, v.LossValue = v.LossValue, v.WinValue
		v.ScoreMean = -v.ScoreMean
		v.Utility = -v.Utility
	}
	return v, true
}

// GetRootValues reports the root values; ok is false before any visit.
func (s *Search) GetRootValues() (ReportedValues, bool) {
	return s.GetNodeValues(s.rootNode)
}

// GetRootUtility is the root utility from the root player's perspective.
func (s *Search) GetRootUtility() float64 {
	v, ok := s.GetRootValues()
	if !ok {
		return 0
	}
	return v.Utility
}

// GetPlaySelectionValues returns, per root child, the value used to pick
// a move: visits reduced by ChosenMoveSubtract, clamped at zero. Values
// are rescaled if the max falls below scaleMaxToAtLeast. Temperature is
// applied later by GetChosenMoveLoc.
func (s *Search) GetPlaySelectionValues(scaleMaxToAtLeast float64) ([]game.Loc, []float64, bool) {
	if s.rootNode == nil {
		return nil, nil, false
	}
	mutex := s.mutexPool.Get(s.rootNode.lockIdx)
	mutex.Lock()
	children := make([]*SearchNode, len(s.rootNode.children))
	copy(children, s.rootNode.children)
	mutex.Unlock()

	locs := make([]game.Loc, 0, len(children))
	values := make([]float64, 0, len(children))
	maxValue := 0.0
	for _, child := range children {
		if child == nil || !s.isAllowedRootMove(child.prevMoveLoc) {
			continue
		}
		v := float64(child.Visits()) - s.params.ChosenMoveSubtract
		if v < 0 {
			v = 0
		}
		locs = append(locs, child.prevMoveLoc)
		values = append(values, v)
		if v > maxValue {
			maxValue = v
		}
	}
	if len(locs) == 0 {
		return nil, nil, false
	}
	if maxValue < scaleMaxToAtLeast && maxValue > 0 {
		scale := scaleMaxToAtLeast / maxValue
		for i := range values {
			values[i] *= scale
		}
	}
	return locs, values, true
}

// chosenMoveTemperature decays from the early value toward the base
// value with a half-life measured in moves played.
func (s *Search) chosenMoveTemperature() float64 {
	moveNum := 0
	if s.rootHistory != nil {
		moveNum = s.rootHistory.MoveNum()
	}
	halflife := s.params.ChosenMoveTemperatureHalflife
	if halflife <= 0 {
		return s.params.ChosenMoveTemperature
	}
	decay := math.Pow(0.5, float64(moveNum)/halflife)
	return s.params.ChosenMoveTemperature +
		(s.params.ChosenMoveTemperatureEarly-s.params.ChosenMoveTemperature)*decay
}

// GetChosenMoveLoc picks a root move from the play-selection values with
// the configured temperature. Returns NullLoc if there is no root.
func (s *Search) GetChosenMoveLoc() game.Loc {
	locs, values, ok := s.GetPlaySelectionValues(0)
	if !ok {
		return game.NullLoc
	}
	idx := ChooseIndexWithTemperature(s.nonSearchRand, values, s.chosenMoveTemperature())
	if idx < 0 {
		return game.NullLoc
	}
	return locs[idx]
}

// ChooseIndexWithTemperature samples an index proportional to
// relativeProbs^(1/temperature). Temperature zero (or tiny) is argmax
// with ties going to the lower index.
func ChooseIndexWithTemperature(r *rand.Rand, relativeProbs []float64, temperature float64) int {
	if len(relativeProbs) == 0 {
		return -1
	}
	maxValue := 0.0
	maxIdx := -1
	for i, v := range relativeProbs {
		if v > maxValue {
			maxValue = v
			maxIdx = i
		}
	}
	if maxValue <= 0 {
		return -1
	}
	if temperature <= 1e-4 {
		return maxIdx
	}
	// Normalize by the max before exponentiating to avoid overflow.
	sum := 0.0
	processed := make([]float64, len(relativeProbs))
	for i, v := range relativeProbs {
		if v <= 0 {
			continue
		}
		p := math.Exp(math.Log(v/maxValue) / temperature)
		processed[i] = p
		sum += p
	}
	target := r.Float64() * sum
	acc := 0.0
	for i, p := range processed {
		acc += p
		if target < acc {
			return i
		}
	}
	return maxIdx
}
