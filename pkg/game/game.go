// Package game implements the board, rules and scoring for Go (baduk)
// on square boards from 7x7 up to 19x19. It is deliberately small: the
// search engine only needs move application, legality, terminal detection
// and area scoring, not a full ruleset zoo.
package game

import (
	"fmt"
	"strings"
)

// Loc encodes a board location as y*size+x, or one of the sentinels.
type Loc int16

const (
	// PassLoc is the pass move.
	PassLoc Loc = -1
	// NullLoc means "no location" (no ko point, no chosen move, ...).
	NullLoc Loc = -2
)

// Player is a stone color. Empty doubles as "no owner" in ownership maps.
type Player int8

const (
	Empty Player = 0
	Black Player = 1
	White Player = 2
)

const (
	MinBoardSize = 7
	MaxBoardSize = 19
)

func Opponent(p Player) Player {
	switch p {
	case Black:
		return White
	case White:
		return Black
	}
	return Empty
}

func (p Player) String() string {
	switch p {
	case Black:
		return "B"
	case White:
		return "W"
	}
	return "."
}

// Rules holds the scoring parameters. Only area scoring with simple ko is
// implemented; komi must be a half-integer.
type Rules struct {
	Komi float32
}

// NewRules validates the komi. Non-half-integer komi is a setup error.
func NewRules(komi float32) (Rules, error) {
	if float32(int(komi*2)) != komi*2 {
		return Rules{}, fmt.Errorf("komi must be an integer or half-integer, got %v", komi)
	}
	return Rules{Komi: komi}, nil
}

func MakeLoc(x, y, size int) Loc {
	return Loc(y*size + x)
}

func (l Loc) X(size int) int { return int(l) % size }
func (l Loc) Y(size int) int { return int(l) / size }

// OnBoard reports whether l is a real board point for the given size.
func (l Loc) OnBoard(size int) bool {
	return l >= 0 && int(l) < size*size
}

// gtp column letters, skipping I
const gtpColumns = "ABCDEFGHJKLMNOPQRST"

// String formats a location in GTP style ("D4", "pass").
func (l Loc) String(size int) string {
	switch l {
	case PassLoc:
		return "pass"
	case NullLoc:
		return "null"
	}
	if !l.OnBoard(size) {
		return fmt.Sprintf("invalid(%d)", int(l))
	}
	return fmt.Sprintf("%c%d", gtpColumns[l.X(size)], size-l.Y(size))
}

// ParseLoc parses a GTP-style coordinate.
func ParseLoc(s string, size int) (Loc, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return NullLoc, fmt.Errorf("empty location")
	}
	if strings.EqualFold(s, "PASS") {
		return PassLoc, nil
	}
	x := strings.IndexByte(gtpColumns, s[0])
	if x < 0 || x >= size {
		return NullLoc, fmt.Errorf("bad column in %q", s)
	}
	var row int
	if _, err := fmt.Sscanf(s[1:], "%d", &row); err != nil {
		return NullLoc, fmt.Errorf("bad row in %q", s)
	}
	if row < 1 || row > size {
		return NullLoc, fmt.Errorf("row out of range in %q", s)
	}
	return MakeLoc(x, size-row, size), nil
}

// ParsePlayer parses "b"/"black"/"w"/"white".
func ParsePlayer(s string) (Player, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "b", "black":
		return Black, nil
	case "w", "white":
		return White, nil
	}
	return Empty, fmt.Errorf("bad player %q", s)
}
