package game

// Move is a (location, player) pair as recorded in a game history.
type Move struct {
	Loc Loc
	Pla Player
}

// BoardHistory tracks the moves played from an initial position, the
// player to move, and game-end state. The game ends after two consecutive
// passes; the final score is computed under area scoring.
type BoardHistory struct {
	Rules   Rules
	Moves   []Move
	NextPla Player

	consecutivePasses int
	finished          bool
}

func NewBoardHistory(nextPla Player, rules Rules) *BoardHistory {
	return &BoardHistory{
		Rules:   rules,
		NextPla: nextPla,
	}
}

func (h *BoardHistory) Copy() *BoardHistory {
	c := &BoardHistory{
		Rules:             h.Rules,
		Moves:             make([]Move, len(h.Moves)),
		NextPla:           h.NextPla,
		consecutivePasses: h.consecutivePasses,
		finished:          h.finished,
	}
	copy(c.Moves, h.Moves)
	return c
}

// MakeMove applies a move to both the history and the board. The caller
// is responsible for having checked legality via board.IsLegal.
func (h *BoardHistory) MakeMove(b *Board, l Loc, pla Player) error {
	if _, err := b.Play(l, pla); err != nil {
		return err
	}
	h.Moves = append(h.Moves, Move{Loc: l, Pla: pla})
	h.NextPla = Opponent(pla)
	if l == PassLoc {
		h.consecutivePasses++
		if h.consecutivePasses >= 2 {
			h.finished = true
		}
	} else {
		h.consecutivePasses = 0
	}
	return nil
}

func (h *BoardHistory) IsGameFinished() bool {
	return h.finished
}

func (h *BoardHistory) MoveNum() int {
	return len(h.Moves)
}

// FinalWhiteScore is the area score from White's perspective including
// komi. Only meaningful once the game is finished, but callable anytime
// (it scores the position as it stands).
func (h *BoardHistory) FinalWhiteScore(b *Board) float32 {
	black, white := b.AreaScore()
	return float32(white-black) + h.Rules.Komi
}

// WinnerValues returns (winValue, lossValue, noResultValue) from the
// perspective of pla for the finished position on b. A score of exactly
// zero is a draw, reported through noResultValue.
func (h *BoardHistory) WinnerValues(b *Board, pla Player) (win, loss, noResult float32) {
	score := h.FinalWhiteScore(b)
	if pla == Black {
		score = -score
	}
	switch {
	case score > 0:
		return 1, 0, 0
	case score < 0:
		return 0, 1, 0
	}
	return 0, 0, 1
}
