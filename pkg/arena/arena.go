// Package arena plays series of self-play games between two bot
// configurations, for strength comparison of parameter or net changes.
package arena

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tengen-engine/tengen/pkg/bot"
	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

// Stats tallies finished games. All counters are atomic so workers can
// update them concurrently and observers can read them mid-run.
type Stats struct {
	p1Wins    atomic.Uint32
	p2Wins    atomic.Uint32
	noResults atomic.Uint32
	blackWins atomic.Uint32
	whiteWins atomic.Uint32
}

func (s *Stats) P1Wins() int    { return int(s.p1Wins.Load()) }
func (s *Stats) P2Wins() int    { return int(s.p2Wins.Load()) }
func (s *Stats) NoResults() int { return int(s.noResults.Load()) }
func (s *Stats) BlackWins() int { return int(s.blackWins.Load()) }
func (s *Stats) WhiteWins() int { return int(s.whiteWins.Load()) }
func (s *Stats) Total() int     { return s.P1Wins() + s.P2Wins() + s.NoResults() }

func (s *Stats) String() string {
	return fmt.Sprintf("p1 %d - p2 %d - jigo %d (B %d / W %d)",
		s.P1Wins(), s.P2Wins(), s.NoResults(), s.BlackWins(), s.WhiteWins())
}

// GameRecord describes one finished game for the progress callback.
type GameRecord struct {
	WorkerID   int
	GameIndex  int
	Moves      []game.Loc
	WhiteScore float32
	P1WasBlack bool
}

// Config sets up a match.
type Config struct {
	BoardSize int
	Komi      float32
	NGames    int
	NWorkers  int
	// MaxMoves aborts runaway games; such games count as no-results.
	MaxMoves int

	Params1 search.SearchParams
	Params2 search.SearchParams

	TimeControls search.TimeControls

	// OnGameFinished, if set, is called from worker goroutines.
	OnGameFinished func(GameRecord)

	Logger zerolog.Logger
}

// Arena runs the match. Both sides share one evaluator, which batches
// across all concurrent games.
type Arena struct {
	Stats
	cfg  Config
	eval nn.Evaluator
}

func New(cfg Config, evaluator nn.Evaluator) *Arena {
	if cfg.NGames <= 0 {
		cfg.NGames = 2
	}
	if cfg.NWorkers <= 0 {
		cfg.NWorkers = 1
	}
	if cfg.MaxMoves <= 0 {
		cfg.MaxMoves = cfg.BoardSize * cfg.BoardSize * 3
	}
	return &Arena{cfg: cfg, eval: evaluator}
}

// Run plays all games, alternating colors between the two
// configurations, and blocks until every worker finishes.
func (a *Arena) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	var next atomic.Int32
	for w := 0; w < a.cfg.NWorkers; w++ {
		workerID := w
		g.Go(func() error {
			for {
				idx := int(next.Add(1)) - 1
				if idx >= a.cfg.NGames || gctx.Err() != nil {
					return nil
				}
				if err := a.playGame(gctx, workerID, idx); err != nil {
					return err
				}
			}
		})
	}
	err := g.Wait()
	a.cfg.Logger.Info().
		Int("games", a.Total()).
		Str("result", a.Stats.String()).
		Msg("arena finished")
	return err
}

func (a *Arena) playGame(ctx context.Context, workerID, gameIndex int) error {
	rules, err := game.NewRules(a.cfg.Komi)
	if err != nil {
		return err
	}
	board, err := game.NewBoard(a.cfg.BoardSize)
	if err != nil {
		return err
	}
	hist := game.NewBoardHistory(game.Black, rules)

	p1Black := gameIndex%2 == 0
	seed := fmt.Sprintf("arena-%d-%d", workerID, gameIndex)
	black := bot.NewAsyncBot(a.cfg.Params1, a.eval, seed+"-b", a.cfg.Logger)
	white := bot.NewAsyncBot(a.cfg.Params2, a.eval, seed+"-w", a.cfg.Logger)
	if !p1Black {
		black, white = white, black
	}
	defer black.Close()
	defer white.Close()

	if err := black.SetPosition(game.Black, board, hist); err != nil {
		return err
	}
	if err := white.SetPosition(game.Black, board, hist); err != nil {
		return err
	}

	var moves []game.Loc
	for hist.MoveNum() < a.cfg.MaxMoves && !hist.IsGameFinished() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mover := black
		if hist.NextPla == game.White {
			mover = white
		}
		pla := hist.NextPla
		loc, err := mover.GenMoveSynchronous(pla, a.cfg.TimeControls, 1)
		if err != nil {
			return err
		}
		if loc == game.NullLoc || !board.IsLegal(loc, pla) {
			loc = game.PassLoc
		}
		if err := hist.MakeMove(board, loc, pla); err != nil {
			return err
		}
		moves = append(moves, loc)
		// Both bots track the position; their trees carry over.
		black.MakeMove(loc, pla)
		white.MakeMove(loc, pla)
	}

	var whiteScore float32
	if hist.IsGameFinished() {
		whiteScore = hist.FinalWhiteScore(board)
	}
	switch {
	case !hist.IsGameFinished() || whiteScore == 0:
		a.noResults.Add(1)
	case whiteScore > 0:
		a.whiteWins.Add(1)
		if p1Black {
			a.p2Wins.Add(1)
		} else {
			a.p1Wins.Add(1)
		}
	default:
		a.blackWins.Add(1)
		if p1Black {
			a.p1Wins.Add(1)
		} else {
			a.p2Wins.Add(1)
		}
	}

	if a.cfg.OnGameFinished != nil {
		a.cfg.OnGameFinished(GameRecord{
			WorkerID:   workerID,
			GameIndex:  gameIndex,
			Moves:      moves,
			WhiteScore: whiteScore,
			P1WasBlack: p1Black,
		})
	}
	return nil
}
