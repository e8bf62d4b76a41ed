package game

import (
	"errors"
	"math/rand"
	"strings"
)

// Zobrist keys, one per (point, color). Initialized once at process start
// from a fixed seed so hashes are stable across runs.
var zobristKeys [MaxBoardSize * MaxBoardSize][3]uint64
var zobristPla [3]uint64

func init() {
	r := rand.New(rand.NewSource(0x6b617461676f2e67))
	for i := range zobristKeys {
		for c := 1; c <= 2; c++ {
			zobristKeys[i][c] = r.Uint64()
		}
	}
	zobristPla[Black] = r.Uint64()
	zobristPla[White] = r.Uint64()
}

var (
	ErrOccupied   = errors.New("point is occupied")
	ErrSuicide    = errors.New("move is suicide")
	ErrKo         = errors.New("move retakes the ko")
	ErrOffBoard   = errors.New("location is off the board")
	ErrBadPlayer  = errors.New("bad player")
	ErrBoardRange = errors.New("board size out of range")
)

// Board is a mutable Go position without game history. Chains and
// liberties are recomputed by flood fill on demand; move application is
// not the bottleneck next to the neural net.
type Board struct {
	Size   int
	stones []Player
	hash   uint64

	// KoLoc is the point forbidden by simple ko for the next move,
	// NullLoc when there is none. Maintained by Play.
	KoLoc Loc
}

func NewBoard(size int) (*Board, error) {
	if size < MinBoardSize || size > MaxBoardSize {
		return nil, ErrBoardRange
	}
	return &Board{
		Size:   size,
		stones: make([]Player, size*size),
		KoLoc:  NullLoc,
	}, nil
}

func (b *Board) Copy() *Board {
	c := &Board{
		Size:   b.Size,
		stones: make([]Player, len(b.stones)),
		hash:   b.hash,
		KoLoc:  b.KoLoc,
	}
	copy(c.stones, b.stones)
	return c
}

func (b *Board) Get(l Loc) Player {
	return b.stones[l]
}

// Hash is the Zobrist hash of the stone configuration (not the player to
// move; callers mix that in themselves when they need situational hashes).
func (b *Board) Hash() uint64 {
	return b.hash
}

func (b *Board) setStone(l Loc, p Player) {
	old := b.stones[l]
	if old != Empty {
		b.hash ^= zobristKeys[l][old]
	}
	b.stones[l] = p
	if p != Empty {
		b.hash ^= zobristKeys[l][p]
	}
}

func (b *Board) neighbors(l Loc, out []Loc) []Loc {
	x, y := l.X(b.Size), l.Y(b.Size)
	if x > 0 {
		out = append(out, l-1)
	}
	if x < b.Size-1 {
		out = append(out, l+1)
	}
	if y > 0 {
		out = append(out, l-Loc(b.Size))
	}
	if y < b.Size-1 {
		out = append(out, l+Loc(b.Size))
	}
	return out
}

// chainAndLibs flood-fills the chain containing l, returning its stones
// and liberty count.
func (b *Board) chainAndLibs(l Loc) (stones []Loc, libs int) {
	color := b.stones[l]
	seen := make(map[Loc]bool)
	libSeen := make(map[Loc]bool)
	stack := []Loc{l}
	seen[l] = true
	var nbuf [4]Loc
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stones = append(stones, cur)
		for _, n := range b.neighbors(cur, nbuf[:0]) {
			switch b.stones[n] {
			case Empty:
				if !libSeen[n] {
					libSeen[n] = true
					libs++
				}
			case color:
				if !seen[n] {
					seen[n] = true
					stack = append(stack, n)
				}
			}
		}
	}
	return stones, libs
}

func (b *Board) removeChain(stones []Loc) {
	for _, s := range stones {
		b.setStone(s, Empty)
	}
}

// IsLegal reports whether pla may play at l. Pass is always legal.
func (b *Board) IsLegal(l Loc, pla Player) bool {
	if pla != Black && pla != White {
		return false
	}
	if l == PassLoc {
		return true
	}
	if !l.OnBoard(b.Size) || b.stones[l] != Empty {
		return false
	}
	if l == b.KoLoc {
		return false
	}
	// Any empty neighbor makes the move trivially legal.
	var nbuf [4]Loc
	opp := Opponent(pla)
	for _, n := range b.neighbors(l, nbuf[:0]) {
		if b.stones[n] == Empty {
			return true
		}
	}
	// Legal if it captures, or joins a chain that keeps a liberty.
	for _, n := range b.neighbors(l, nbuf[:0]) {
		switch b.stones[n] {
		case opp:
			if _, libs := b.chainAndLibs(n); libs == 1 {
				return true
			}
		case pla:
			if _, libs := b.chainAndLibs(n); libs > 1 {
				return true
			}
		}
	}
	return false
}

// Play places a stone, removing captures and updating the ko point.
// Returns the number of stones captured.
func (b *Board) Play(l Loc, pla Player) (int, error) {
	if pla != Black && pla != White {
		return 0, ErrBadPlayer
	}
	if l == PassLoc {
		b.KoLoc = NullLoc
		return 0, nil
	}
	if !l.OnBoard(b.Size) {
		return 0, ErrOffBoard
	}
	if b.stones[l] != Empty {
		return 0, ErrOccupied
	}
	if l == b.KoLoc {
		return 0, ErrKo
	}

	b.setStone(l, pla)
	opp := Opponent(pla)
	captured := 0
	var capturedSingle Loc = NullLoc
	var nbuf [4]Loc
	for _, n := range b.neighbors(l, nbuf[:0]) {
		if b.stones[n] != opp {
			continue
		}
		stones, libs := b.chainAndLibs(n)
		if libs == 0 {
			if len(stones) == 1 {
				capturedSingle = stones[0]
			}
			captured += len(stones)
			b.removeChain(stones)
		}
	}
	if captured == 0 {
		if _, libs := b.chainAndLibs(l); libs == 0 {
			b.setStone(l, Empty)
			return 0, ErrSuicide
		}
	}

	// Simple ko: exactly one stone captured by a single new stone whose
	// chain is that stone alone with one liberty.
	b.KoLoc = NullLoc
	if captured == 1 && capturedSingle != NullLoc {
		if stones, libs := b.chainAndLibs(l); len(stones) == 1 && libs == 1 {
			b.KoLoc = capturedSingle
		}
	}
	return captured, nil
}

// AreaScore returns (blackArea, whiteArea) under area scoring: stones on
// the board plus empty regions bordered by exactly one color.
func (b *Board) AreaScore() (int, int) {
	black, white := 0, 0
	visited := make([]bool, len(b.stones))
	var nbuf [4]Loc
	for i := range b.stones {
		switch b.stones[i] {
		case Black:
			black++
		case White:
			white++
		case Empty:
			if visited[i] {
				continue
			}
			// Flood-fill the empty region and note bordering colors.
			region := []Loc{Loc(i)}
			visited[i] = true
			bordersBlack, bordersWhite := false, false
			count := 0
			for len(region) > 0 {
				cur := region[len(region)-1]
				region = region[:len(region)-1]
				count++
				for _, n := range b.neighbors(cur, nbuf[:0]) {
					switch b.stones[n] {
					case Empty:
						if !visited[n] {
							visited[n] = true
							region = append(region, n)
						}
					case Black:
						bordersBlack = true
					case White:
						bordersWhite = true
					}
				}
			}
			if bordersBlack && !bordersWhite {
				black += count
			} else if bordersWhite && !bordersBlack {
				white += count
			}
		}
	}
	return black, white
}

// NumLegalMoves counts board moves (not pass) legal for pla.
func (b *Board) NumLegalMoves(pla Player) int {
	n := 0
	for i := range b.stones {
		if b.stones[i] == Empty && b.IsLegal(Loc(i), pla) {
			n++
		}
	}
	return n
}

func (b *Board) IsEmpty() bool {
	for i := range b.stones {
		if b.stones[i] != Empty {
			return false
		}
	}
	return true
}

func (b *Board) String() string {
	var sb strings.Builder
	for y := 0; y < b.Size; y++ {
		for x := 0; x < b.Size; x++ {
			sb.WriteString(b.stones[MakeLoc(x, y, b.Size)].String())
			if x < b.Size-1 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
