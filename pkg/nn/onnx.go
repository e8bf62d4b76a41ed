package nn

import (
	"fmt"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tengen-engine/tengen/pkg/game"
)

// Feature encoding fed to the net. Spatial planes per point:
//
//	0: stone of the player to move
//	1: opponent stone
//	2: empty
//	3: ko-forbidden point
//	4: last move
//	5: pass-alive for the player to move
//	6: all ones (board mask)
const (
	NumSpatialFeatures = 7
	NumGlobalFeatures  = 3
)

// ONNXBackendConfig configures the onnxruntime backend.
type ONNXBackendConfig struct {
	ModelPath    string
	LibraryPath  string
	BoardSize    int
	MaxBatchSize int
	// PolicyTemperature scales policy logits by 1/temp before softmax.
	PolicyTemperature float32
}

// ONNXBackend runs a policy/value net through onnxruntime with persistent
// input and output tensors sized for the maximum batch.
type ONNXBackend struct {
	cfg     ONNXBackendConfig
	session *ort.AdvancedSession

	mu          sync.Mutex
	binInput    []float32
	globalInput []float32
	policyOut   []float32
	valueOut    []float32
	scoreOut    []float32
	inputs      []ort.Value
	outputs     []ort.Value
}

var ortInitOnce sync.Once
var ortInitErr error

func NewONNXBackend(cfg ONNXBackendConfig) (*ONNXBackend, error) {
	if cfg.BoardSize < game.MinBoardSize || cfg.BoardSize > game.MaxBoardSize {
		return nil, game.ErrBoardRange
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 16
	}
	if cfg.PolicyTemperature <= 0 {
		cfg.PolicyTemperature = 1.0
	}

	ortInitOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if !ort.IsInitialized() {
			ortInitErr = ort.InitializeEnvironment()
		}
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("onnxruntime init: %w", ortInitErr)
	}

	sz := cfg.BoardSize
	polSize := PolicySize(sz)
	b := &ONNXBackend{
		cfg:         cfg,
		binInput:    make([]float32, cfg.MaxBatchSize*NumSpatialFeatures*sz*sz),
		globalInput: make([]float32, cfg.MaxBatchSize*NumGlobalFeatures),
		policyOut:   make([]float32, cfg.MaxBatchSize*polSize),
		valueOut:    make([]float32, cfg.MaxBatchSize*3),
		scoreOut:    make([]float32, cfg.MaxBatchSize*2),
	}

	binShape := ort.NewShape(int64(cfg.MaxBatchSize), NumSpatialFeatures, int64(sz), int64(sz))
	globalShape := ort.NewShape(int64(cfg.MaxBatchSize), NumGlobalFeatures)
	policyShape := ort.NewShape(int64(cfg.MaxBatchSize), int64(polSize))
	valueShape := ort.NewShape(int64(cfg.MaxBatchSize), 3)
	scoreShape := ort.NewShape(int64(cfg.MaxBatchSize), 2)

	binTensor, err := ort.NewTensor(binShape, b.binInput)
	if err != nil {
		return nil, err
	}
	globalTensor, err := ort.NewTensor(globalShape, b.globalInput)
	if err != nil {
		return nil, err
	}
	policyTensor, err := ort.NewTensor(policyShape, b.policyOut)
	if err != nil {
		return nil, err
	}
	valueTensor, err := ort.NewTensor(valueShape, b.valueOut)
	if err != nil {
		return nil, err
	}
	scoreTensor, err := ort.NewTensor(scoreShape, b.scoreOut)
	if err != nil {
		return nil, err
	}
	b.inputs = []ort.Value{binTensor, globalTensor}
	b.outputs = []ort.Value{policyTensor, valueTensor, scoreTensor}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"bin_inputs", "global_inputs"},
		[]string{"policy", "value", "score"},
		b.inputs, b.outputs, nil)
	if err != nil {
		for _, v := range b.inputs {
			v.Destroy()
		}
		for _, v := range b.outputs {
			v.Destroy()
		}
		return nil, fmt.Errorf("onnx session: %w", err)
	}
	b.session = session
	return b, nil
}

func (b *ONNXBackend) BoardSize() int  { return b.cfg.BoardSize }
func (b *ONNXBackend) PolicySize() int { return PolicySize(b.cfg.BoardSize) }

func (b *ONNXBackend) EvalBatch(reqs []*Request) error {
	if len(reqs) > b.cfg.MaxBatchSize {
		// Split oversized batches; the front end keeps them at or below
		// MaxBatchSize so this is a safety net.
		if err := b.EvalBatch(reqs[:b.cfg.MaxBatchSize]); err != nil {
			return err
		}
		return b.EvalBatch(reqs[b.cfg.MaxBatchSize:])
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range reqs {
		b.fillFeatures(i, r)
	}
	b.clearTail(len(reqs))

	if err := b.session.Run(); err != nil {
		return fmt.Errorf("onnx run: %w", err)
	}

	sz := b.cfg.BoardSize
	polSize := PolicySize(sz)
	for i, r := range reqs {
		out := &NNOutput{Policy: make([]float32, polSize)}
		logits := b.policyOut[i*polSize : (i+1)*polSize]
		// Un-apply the symmetry so the policy lines up with the real board.
		for idx := 0; idx < polSize; idx++ {
			src := PolicyIndex(SymmetryLoc(PolicyLoc(idx, sz), sz, r.Symmetry), sz)
			out.Policy[idx] = logits[src]
		}
		softmaxMasked(out.Policy, r.Board, r.NextPla, b.cfg.PolicyTemperature)

		v := b.valueOut[i*3 : (i+1)*3]
		w, l, nr := softmax3(v[0], v[1], v[2])
		out.WinProb, out.LossProb, out.NoResultProb = w, l, nr

		s := b.scoreOut[i*2 : (i+1)*2]
		out.ScoreMean = s[0]
		out.ScoreMeanSq = s[1]
		r.Output = out
	}
	return nil
}

func (b *ONNXBackend) fillFeatures(batchIdx int, r *Request) {
	sz := b.cfg.BoardSize
	area := sz * sz
	base := batchIdx * NumSpatialFeatures * area
	spatial := b.binInput[base : base+NumSpatialFeatures*area]
	for i := range spatial {
		spatial[i] = 0
	}
	opp := game.Opponent(r.NextPla)
	safe := game.SafeArea(r.Board)
	var lastMove game.Loc = game.NullLoc
	if r.History != nil && len(r.History.Moves) > 0 {
		lastMove = r.History.Moves[len(r.History.Moves)-1].Loc
	}
	for p := 0; p < area; p++ {
		l := game.Loc(p)
		// Write through the symmetry so the net always sees a canonical
		// orientation per request.
		sp := int(SymmetryLoc(l, sz, r.Symmetry))
		switch r.Board.Get(l) {
		case r.NextPla:
			spatial[0*area+sp] = 1
		case opp:
			spatial[1*area+sp] = 1
		default:
			spatial[2*area+sp] = 1
		}
		if l == r.Board.KoLoc {
			spatial[3*area+sp] = 1
		}
		if l == lastMove {
			spatial[4*area+sp] = 1
		}
		if safe[p] == r.NextPla {
			spatial[5*area+sp] = 1
		}
		spatial[6*area+sp] = 1
	}

	gbase := batchIdx * NumGlobalFeatures
	komi := r.History.Rules.Komi
	if r.NextPla == game.White {
		komi = -komi
	}
	b.globalInput[gbase+0] = komi / 15.0
	b.globalInput[gbase+1] = float32(boolTo01(r.NextPla == game.White))
	b.globalInput[gbase+2] = float32(len(r.History.Moves)) / float32(2*area)
}

func (b *ONNXBackend) clearTail(used int) {
	sz := b.cfg.BoardSize
	area := sz * sz
	for i := used; i < b.cfg.MaxBatchSize; i++ {
		base := i * NumSpatialFeatures * area
		for j := base; j < base+NumSpatialFeatures*area; j++ {
			b.binInput[j] = 0
		}
		gbase := i * NumGlobalFeatures
		for j := gbase; j < gbase+NumGlobalFeatures; j++ {
			b.globalInput[j] = 0
		}
	}
}

func (b *ONNXBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	for _, v := range b.inputs {
		v.Destroy()
	}
	for _, v := range b.outputs {
		v.Destroy()
	}
	b.inputs, b.outputs = nil, nil
	return nil
}

func boolTo01(b bool) int {
	if b {
		return 1
	}
	return 0
}

// softmaxMasked normalizes policy logits over legal moves, zeroing the rest.
func softmaxMasked(policy []float32, board *game.Board, pla game.Player, temp float32) {
	sz := board.Size
	maxLogit := float32(math.Inf(-1))
	legal := make([]bool, len(policy))
	for i := range policy {
		l := PolicyLoc(i, sz)
		legal[i] = board.IsLegal(l, pla)
		if legal[i] && policy[i] > maxLogit {
			maxLogit = policy[i]
		}
	}
	var sum float32
	for i := range policy {
		if !legal[i] {
			policy[i] = 0
			continue
		}
		policy[i] = float32(math.Exp(float64((policy[i] - maxLogit) / temp)))
		sum += policy[i]
	}
	if sum > 0 {
		for i := range policy {
			policy[i] /= sum
		}
	}
}

func softmax3(a, b, c float32) (float32, float32, float32) {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	ea := float32(math.Exp(float64(a - m)))
	eb := float32(math.Exp(float64(b - m)))
	ec := float32(math.Exp(float64(c - m)))
	s := ea + eb + ec
	return ea / s, eb / s, ec / s
}
