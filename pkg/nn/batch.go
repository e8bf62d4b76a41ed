package nn

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/game"
)

// Request is one position handed to a Backend as part of a batch. The
// backend fills Output or Err.
type Request struct {
	Board    *game.Board
	History  *game.BoardHistory
	NextPla  game.Player
	Symmetry int

	Output *NNOutput
	Err    error
}

// Backend evaluates whole batches synchronously. The batching evaluator
// owns the scheduling; backends just crunch tensors.
type Backend interface {
	EvalBatch(reqs []*Request) error
	BoardSize() int
	PolicySize() int
	Close() error
}

// BatchingEvaluatorConfig configures the batching front end.
type BatchingEvaluatorConfig struct {
	MaxBatchSize int
	BatchTimeout time.Duration
	QueueSize    int
	Logger       zerolog.Logger
}

var ErrEvaluatorClosed = errors.New("nn: evaluator closed")

type pendingEval struct {
	req  *Request
	done chan struct{}
}

// BatchingEvaluator collects concurrent Evaluate calls into batches for a
// Backend. Each caller blocks on its own done channel, which is exactly
// the suspension point the search expects while an NN batch is in flight.
type BatchingEvaluator struct {
	backend Backend
	queue   chan *pendingEval
	stop    chan struct{}
	stopped chan struct{}
	log     zerolog.Logger

	maxBatch int
	timeout  time.Duration

	totalEvals   atomic.Int64
	totalBatches atomic.Int64
}

func NewBatchingEvaluator(backend Backend, cfg BatchingEvaluatorConfig) *BatchingEvaluator {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 16
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.MaxBatchSize * 4
	}
	e := &BatchingEvaluator{
		backend:  backend,
		queue:    make(chan *pendingEval, cfg.QueueSize),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		log:      cfg.Logger,
		maxBatch: cfg.MaxBatchSize,
		timeout:  cfg.BatchTimeout,
	}
	go e.serve()
	return e
}

func (e *BatchingEvaluator) BoardSize() int  { return e.backend.BoardSize() }
func (e *BatchingEvaluator) PolicySize() int { return e.backend.PolicySize() }

// Evaluate enqueues the position and blocks until its batch completes.
func (e *BatchingEvaluator) Evaluate(ctx context.Context, board *game.Board, history *game.BoardHistory, nextPla game.Player, symmetry int) (*NNOutput, error) {
	p := &pendingEval{
		req: &Request{
			Board:    board,
			History:  history,
			NextPla:  nextPla,
			Symmetry: symmetry,
		},
		done: make(chan struct{}),
	}
	select {
	case e.queue <- p:
	case <-e.stop:
		return nil, ErrEvaluatorClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-p.done:
		return p.req.Output, p.req.Err
	case <-ctx.Done():
		// The batch still runs; the result is simply dropped.
		return nil, ctx.Err()
	case <-e.stopped:
		// Closed after our enqueue but before the serve loop saw it.
		return nil, ErrEvaluatorClosed
	}
}

func (e *BatchingEvaluator) serve() {
	defer close(e.stopped)
	batch := make([]*pendingEval, 0, e.maxBatch)
	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		reqs := make([]*Request, len(batch))
		for i, p := range batch {
			reqs[i] = p.req
		}
		if err := e.backend.EvalBatch(reqs); err != nil {
			for _, r := range reqs {
				if r.Err == nil {
					r.Err = err
				}
			}
		}
		e.totalEvals.Add(int64(len(batch)))
		e.totalBatches.Add(1)
		for _, p := range batch {
			close(p.done)
		}
		batch = batch[:0]
	}

	// On shutdown, fail whatever is still queued so no caller blocks
	// forever on its done channel.
	drain := func() {
		flush()
		for {
			select {
			case p := <-e.queue:
				p.req.Err = ErrEvaluatorClosed
				close(p.done)
			default:
				return
			}
		}
	}

	for {
		if len(batch) == 0 {
			// Block until there is work at all.
			select {
			case p := <-e.queue:
				batch = append(batch, p)
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(e.timeout)
			case <-e.stop:
				drain()
				return
			}
			continue
		}
		select {
		case p := <-e.queue:
			batch = append(batch, p)
			if len(batch) >= e.maxBatch {
				flush()
			}
		case <-timer.C:
			flush()
		case <-e.stop:
			drain()
			return
		}
	}
}

// AvgBatchSize reports the observed mean batch size, for logging.
func (e *BatchingEvaluator) AvgBatchSize() float64 {
	b := e.totalBatches.Load()
	if b == 0 {
		return 0
	}
	return float64(e.totalEvals.Load()) / float64(b)
}

func (e *BatchingEvaluator) Close() error {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	<-e.stopped
	e.log.Debug().
		Int64("evals", e.totalEvals.Load()).
		Int64("batches", e.totalBatches.Load()).
		Float64("avg_batch", e.AvgBatchSize()).
		Msg("batching evaluator closed")
	return e.backend.Close()
}
