package nn

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tengen-engine/tengen/pkg/game"
)

// CachedEvaluator memoizes evaluations by (position hash, player, symmetry)
// and coalesces concurrent identical requests with singleflight, so many
// search threads reaching the same fresh leaf cost one backend call.
type CachedEvaluator struct {
	inner      Evaluator
	maxEntries int

	mu    sync.RWMutex
	cache map[uint64]*NNOutput

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func NewCachedEvaluator(inner Evaluator, maxEntries int) *CachedEvaluator {
	if maxEntries <= 0 {
		maxEntries = 1 << 18
	}
	return &CachedEvaluator{
		inner:      inner,
		maxEntries: maxEntries,
		cache:      make(map[uint64]*NNOutput, 1<<12),
	}
}

func (c *CachedEvaluator) BoardSize() int  { return c.inner.BoardSize() }
func (c *CachedEvaluator) PolicySize() int { return c.inner.PolicySize() }

func cacheKey(board *game.Board, nextPla game.Player, symmetry int) uint64 {
	h := board.Hash()
	h ^= uint64(nextPla) * 0x9e3779b97f4a7c15
	h ^= uint64(symmetry) * 0xbf58476d1ce4e5b9
	if board.KoLoc != game.NullLoc {
		h ^= uint64(uint16(board.KoLoc)) * 0x94d049bb133111eb
	}
	return h
}

func (c *CachedEvaluator) Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*NNOutput, error) {
	key := cacheKey(board, nextPla, symmetry)

	c.mu.RLock()
	out, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return out, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(strconv.FormatUint(key, 16), func() (interface{}, error) {
		// Another goroutine may have stored it between the read and here.
		c.mu.RLock()
		out, ok := c.cache[key]
		c.mu.RUnlock()
		if ok {
			return out, nil
		}
		out, err := c.inner.Evaluate(ctx, board, history, nextPla, symmetry)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if len(c.cache) >= c.maxEntries {
			// Wholesale reset; cheaper than tracking LRU order and the
			// search repopulates the hot set within a few playouts.
			c.cache = make(map[uint64]*NNOutput, 1<<12)
		}
		c.cache[key] = out
		c.mu.Unlock()
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NNOutput), nil
}

// HitRate reports the cache hit fraction since creation.
func (c *CachedEvaluator) HitRate() float64 {
	h, m := c.hits.Load(), c.misses.Load()
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}

// Clear drops all cached evaluations.
func (c *CachedEvaluator) Clear() {
	c.mu.Lock()
	c.cache = make(map[uint64]*NNOutput, 1<<12)
	c.mu.Unlock()
}

func (c *CachedEvaluator) Close() error {
	return c.inner.Close()
}
