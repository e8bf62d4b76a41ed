package game

import (
	"testing"
)

func mustBoard(t *testing.T, size int) *Board {
	t.Helper()
	b, err := NewBoard(size)
	if err != nil {
		t.Fatalf("NewBoard(%d): %v", size, err)
	}
	return b
}

func play(t *testing.T, b *Board, s string, pla Player) {
	t.Helper()
	l, err := ParseLoc(s, b.Size)
	if err != nil {
		t.Fatalf("ParseLoc(%q): %v", s, err)
	}
	if _, err := b.Play(l, pla); err != nil {
		t.Fatalf("Play(%s, %v): %v", s, pla, err)
	}
}

func TestBoardSizeRange(t *testing.T) {
	if _, err := NewBoard(5); err == nil {
		t.Fatal("expected error for size 5")
	}
	if _, err := NewBoard(25); err == nil {
		t.Fatal("expected error for size 25")
	}
	if _, err := NewBoard(19); err != nil {
		t.Fatalf("size 19: %v", err)
	}
}

func TestCapture(t *testing.T) {
	b := mustBoard(t, 9)
	// White stone on A9 (corner), black takes both liberties.
	play(t, b, "A9", White)
	play(t, b, "B9", Black)
	play(t, b, "A8", Black)
	l, _ := ParseLoc("A9", 9)
	if b.Get(l) != Empty {
		t.Fatalf("corner stone should be captured, got %v", b.Get(l))
	}
}

func TestSuicideIllegal(t *testing.T) {
	b := mustBoard(t, 9)
	play(t, b, "B9", Black)
	play(t, b, "A8", Black)
	l, _ := ParseLoc("A9", 9)
	if b.IsLegal(l, White) {
		t.Fatal("suicide at A9 should be illegal for white")
	}
	if _, err := b.Play(l, White); err != ErrSuicide {
		t.Fatalf("expected ErrSuicide, got %v", err)
	}
}

func TestSimpleKo(t *testing.T) {
	b := mustBoard(t, 9)
	// Classic ko shape: black C5/D6/D4, white E6/E4/F5. White throws in at
	// D5, black captures it at E5, white may not retake at once.
	play(t, b, "C5", Black)
	play(t, b, "D6", Black)
	play(t, b, "D4", Black)
	play(t, b, "E6", White)
	play(t, b, "E4", White)
	play(t, b, "F5", White)
	play(t, b, "D5", White)
	play(t, b, "E5", Black) // captures the lone white stone at D5
	d5, _ := ParseLoc("D5", 9)
	if b.Get(d5) != Empty {
		t.Fatalf("D5 should be captured")
	}
	if b.KoLoc != d5 {
		t.Fatalf("ko point should be D5, got %v", b.KoLoc.String(9))
	}
	// White may not immediately retake.
	if b.IsLegal(d5, White) {
		t.Fatal("immediate ko retake should be illegal")
	}
	if _, err := b.Play(d5, White); err != ErrKo {
		t.Fatalf("expected ErrKo, got %v", err)
	}
	// After a move elsewhere the ko lifts.
	play(t, b, "J9", White)
	if !b.IsLegal(d5, White) {
		t.Fatal("ko should be retakeable after an intervening move")
	}
}

func TestAreaScore(t *testing.T) {
	b := mustBoard(t, 7)
	// Black wall on column D; black owns the left side, white the right.
	for y := 1; y <= 7; y++ {
		play(t, b, "D"+string(rune('0'+y)), Black)
	}
	play(t, b, "E4", White)
	black, white := b.AreaScore()
	// Black: 7 stones + 21 territory (columns A-C). White: 1 stone, no
	// exclusive territory: the empty region right of D touches both the
	// white stone and the black wall, so it counts for nobody.
	if black != 28 {
		t.Fatalf("black area = %d, want 28", black)
	}
	if white != 1 {
		t.Fatalf("white area = %d, want 1", white)
	}
}

func TestZobristStability(t *testing.T) {
	b1 := mustBoard(t, 9)
	b2 := mustBoard(t, 9)
	play(t, b1, "D4", Black)
	play(t, b1, "E5", White)
	play(t, b2, "E5", White)
	play(t, b2, "D4", Black)
	if b1.Hash() != b2.Hash() {
		t.Fatal("hash should be order-independent for the same stones")
	}
	if b1.Hash() == 0 {
		t.Fatal("hash should be nonzero with stones on the board")
	}
}

func TestHistoryGameEnd(t *testing.T) {
	b := mustBoard(t, 7)
	rules, err := NewRules(5.5)
	if err != nil {
		t.Fatal(err)
	}
	h := NewBoardHistory(Black, rules)
	if err := h.MakeMove(b, PassLoc, Black); err != nil {
		t.Fatal(err)
	}
	if h.IsGameFinished() {
		t.Fatal("one pass should not finish the game")
	}
	if err := h.MakeMove(b, PassLoc, White); err != nil {
		t.Fatal(err)
	}
	if !h.IsGameFinished() {
		t.Fatal("two passes should finish the game")
	}
	if got := h.FinalWhiteScore(b); got != 5.5 {
		t.Fatalf("empty board score should be komi, got %v", got)
	}
	win, loss, nr := h.WinnerValues(b, White)
	if win != 1 || loss != 0 || nr != 0 {
		t.Fatalf("white should win on an empty board with komi, got %v %v %v", win, loss, nr)
	}
}

func TestNewRulesKomi(t *testing.T) {
	if _, err := NewRules(7.5); err != nil {
		t.Fatalf("7.5 komi: %v", err)
	}
	if _, err := NewRules(0); err != nil {
		t.Fatalf("0 komi: %v", err)
	}
	if _, err := NewRules(6.25); err == nil {
		t.Fatal("quarter-integer komi should be rejected")
	}
}

func TestSafeAreaCorner(t *testing.T) {
	b := mustBoard(t, 9)
	// Two-eyed black corner group: eyes at A9 and A7.
	for _, s := range []string{"B9", "A8", "B8", "B7", "A6", "B6"} {
		play(t, b, s, Black)
	}
	safe := SafeArea(b)
	for _, s := range []string{"A9", "A7", "B8"} {
		l, _ := ParseLoc(s, 9)
		if safe[l] != Black {
			t.Fatalf("%s should be pass-alive black", s)
		}
	}
	l, _ := ParseLoc("E5", 9)
	if safe[l] != Empty {
		t.Fatal("center should not be safe for anyone")
	}
}
