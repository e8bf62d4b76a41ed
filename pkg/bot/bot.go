// Package bot wraps a search.Search behind an asynchronous façade: one
// background search at a time (pondering, analysis, or an async
// genmove), with every mutating command stopping it first. Drivers (GTP,
// match runners, analysis servers) talk only to this type.
package bot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
	"github.com/tengen-engine/tengen/pkg/search"
)

// AsyncBot owns a Search exclusively. All methods are safe for
// concurrent use; they serialize on an internal mutex, stopping any
// background search before touching the position or parameters.
type AsyncBot struct {
	mu     sync.Mutex
	search *search.Search
	log    zerolog.Logger

	// Background search state, guarded by mu.
	stopNow    *atomic.Bool
	searchDone chan struct{}

	// Win-loss values of our recent genmoves, for resignation.
	recentWinLoss []float64
}

func NewAsyncBot(params search.SearchParams, evaluator nn.Evaluator, randSeed string, logger zerolog.Logger) *AsyncBot {
	return &AsyncBot{
		search: search.NewSearch(params, evaluator, randSeed, logger),
		log:    logger,
	}
}

// Search exposes the underlying search for read-only inspection. Do not
// mutate it directly; use the bot's methods.
func (b *AsyncBot) Search() *search.Search { return b.search }

func (b *AsyncBot) RootBoard() *game.Board {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.search.RootBoard()
}

func (b *AsyncBot) RootHistory() *game.BoardHistory {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.search.RootHistory()
}

func (b *AsyncBot) RootPla() game.Player {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.search.RootPla()
}

// stopAndWaitLocked halts the background search, if any, and joins it.
func (b *AsyncBot) stopAndWaitLocked() {
	if b.searchDone == nil {
		return
	}
	b.stopNow.Store(true)
	<-b.searchDone
	b.stopNow = nil
	b.searchDone = nil
}

// StopAndWait halts any background search and returns once its workers
// have joined; the tree is left intact for inspection or reuse.
func (b *AsyncBot) StopAndWait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
}

// IsSearching reports whether a background search is running.
func (b *AsyncBot) IsSearching() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.searchDone == nil {
		return false
	}
	select {
	case <-b.searchDone:
		return false
	default:
		return true
	}
}

// SetPosition installs a new root position.
func (b *AsyncBot) SetPosition(pla game.Player, board *game.Board, history *game.BoardHistory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	b.recentWinLoss = b.recentWinLoss[:0]
	return b.search.SetPosition(pla, board, history)
}

// MakeMove commits a move with subtree reuse.
func (b *AsyncBot) MakeMove(loc game.Loc, pla game.Player) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	return b.search.MakeMove(loc, pla)
}

func (b *AsyncBot) IsLegal(loc game.Loc, pla game.Player) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.search.IsLegal(loc, pla)
}

// SetKomiIfNew updates komi; the search is cleared only when the value
// actually changed.
func (b *AsyncBot) SetKomiIfNew(komi float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	return b.search.SetKomiIfNew(komi)
}

// SetParams fully replaces search parameters, clearing the search.
func (b *AsyncBot) SetParams(params search.SearchParams) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	b.search.SetParams(params)
}

// GenMoveSynchronous runs a whole search under the clock and returns
// the chosen move. Blocks the caller; any background search is stopped
// first.
func (b *AsyncBot) GenMoveSynchronous(pla game.Player, tc search.TimeControls, searchFactor float64) (game.Loc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()

	loc, err := b.search.RunWholeSearchAndGetMove(context.Background(), pla, search.SearchOptions{
		TimeControls: tc,
		SearchFactor: searchFactor,
	})
	if err != nil {
		return game.NullLoc, err
	}
	if v, ok := b.search.GetRootValues(); ok {
		b.recentWinLoss = append(b.recentWinLoss, v.WinValue-v.LossValue)
	}
	return loc, nil
}

// GenMove runs the search in the background and delivers the chosen
// move to onMove when it completes. StopAndWait ends it early; the
// callback still fires with the best move found so far.
func (b *AsyncBot) GenMove(pla game.Player, tc search.TimeControls, searchFactor float64, onMove func(game.Loc, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	if pla != b.search.RootPla() {
		b.search.SetPlayerAndClearHistory(pla)
	}

	stop := &atomic.Bool{}
	done := make(chan struct{})
	b.stopNow = stop
	b.searchDone = done
	go func() {
		defer close(done)
		err := b.search.RunWholeSearch(context.Background(), search.SearchOptions{
			TimeControls: tc,
			SearchFactor: searchFactor,
			StopNow:      stop,
		})
		if err != nil {
			onMove(game.NullLoc, err)
			return
		}
		onMove(b.search.GetChosenMoveLoc(), nil)
	}()
}

// Analyze starts a background search for pla and invokes callback every
// interval of wall clock with a fresh snapshot. The callback runs on
// the search's monitor goroutine.
func (b *AsyncBot) Analyze(pla game.Player, searchFactor float64, interval time.Duration, callback func([]search.AnalysisData)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	if pla != b.search.RootPla() {
		b.search.SetPlayerAndClearHistory(pla)
	}
	b.startBackgroundLocked(search.SearchOptions{
		Pondering:        true,
		SearchFactor:     searchFactor,
		AnalysisInterval: interval,
		OnAnalysis:       callback,
	})
	return nil
}

// Ponder searches the current position in the background with no stop
// condition; a new command or StopAndWait ends it.
func (b *AsyncBot) Ponder(searchFactor float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopAndWaitLocked()
	b.startBackgroundLocked(search.SearchOptions{
		Pondering:    true,
		SearchFactor: searchFactor,
	})
}

func (b *AsyncBot) startBackgroundLocked(opts search.SearchOptions) {
	stop := &atomic.Bool{}
	done := make(chan struct{})
	opts.StopNow = stop
	b.stopNow = stop
	b.searchDone = done
	go func() {
		defer close(done)
		if err := b.search.RunWholeSearch(context.Background(), opts); err != nil {
			b.log.Error().Err(err).Msg("background search failed")
		}
	}()
}

// ShouldResign reports whether the bot's recent own-move evaluations
// have stayed below the resignation threshold for enough consecutive
// turns. Drivers call this right after GenMoveSynchronous.
func (b *AsyncBot) ShouldResign() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	params := b.search.Params()
	if !params.AllowResignation || params.ResignConsecTurns <= 0 {
		return false
	}
	if len(b.recentWinLoss) < params.ResignConsecTurns {
		return false
	}
	for _, wl := range b.recentWinLoss[len(b.recentWinLoss)-params.ResignConsecTurns:] {
		if wl > params.ResignThreshold {
			return false
		}
	}
	return true
}

// Close stops any background search. The evaluator is externally owned
// and is not closed here.
func (b *AsyncBot) Close() {
	b.StopAndWait()
}
