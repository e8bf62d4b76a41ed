package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/muesli/termenv"
	"github.com/rs/zerolog"

	"github.com/tengen-engine/tengen/pkg/bot"
	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/search"
)

// gtpProtocol drives the bot from a GTP command stream.
type gtpProtocol struct {
	bot       *bot.AsyncBot
	out       io.Writer
	log       zerolog.Logger
	boardSize int
	komi      float32
	tc        search.TimeControls

	// rebuild recreates the bot for a new board size.
	rebuild func(boardSize int) (*bot.AsyncBot, error)

	term *termenv.Output
}

var gtpCommands = []string{
	"protocol_version", "name", "version", "list_commands", "known_command",
	"boardsize", "clear_board", "komi", "play", "genmove",
	"time_settings", "time_left", "final_score", "showboard",
	"analyze", "stop", "quit",
}

func newGTPProtocol(b *bot.AsyncBot, boardSize int, komi float32, out io.Writer, logger zerolog.Logger, rebuild func(int) (*bot.AsyncBot, error)) *gtpProtocol {
	return &gtpProtocol{
		bot:       b,
		out:       out,
		log:       logger,
		boardSize: boardSize,
		komi:      komi,
		rebuild:   rebuild,
		term:      termenv.NewOutput(out),
	}
}

// Run reads commands until EOF or quit.
func (g *gtpProtocol) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := g.handle(line)
		if err != nil {
			fmt.Fprintf(g.out, "? %v\n\n", err)
			continue
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (g *gtpProtocol) ok(response string) {
	fmt.Fprintf(g.out, "= %s\n\n", response)
}

func (g *gtpProtocol) handle(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]
	g.log.Debug().Str("cmd", line).Msg("gtp")

	switch cmd {
	case "protocol_version":
		g.ok("2")
	case "name":
		g.ok("tengen")
	case "version":
		g.ok(version)
	case "list_commands":
		g.ok(strings.Join(gtpCommands, "\n"))
	case "known_command":
		known := "false"
		for _, c := range gtpCommands {
			if len(args) > 0 && c == args[0] {
				known = "true"
			}
		}
		g.ok(known)
	case "quit":
		g.ok("")
		return true, nil
	case "boardsize":
		if len(args) < 1 {
			return false, fmt.Errorf("boardsize needs an argument")
		}
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		g.bot.Close()
		newBot, err := g.rebuild(size)
		if err != nil {
			return false, err
		}
		g.bot = newBot
		g.boardSize = size
		if err := g.clearBoard(); err != nil {
			return false, err
		}
		g.ok("")
	case "clear_board":
		if err := g.clearBoard(); err != nil {
			return false, err
		}
		g.ok("")
	case "komi":
		if len(args) < 1 {
			return false, fmt.Errorf("komi needs an argument")
		}
		k, err := strconv.ParseFloat(args[0], 32)
		if err != nil {
			return false, err
		}
		if err := g.bot.SetKomiIfNew(float32(k)); err != nil {
			return false, err
		}
		g.komi = float32(k)
		g.ok("")
	case "play":
		if len(args) < 2 {
			return false, fmt.Errorf("play needs color and move")
		}
		pla, err := game.ParsePlayer(args[0])
		if err != nil {
			return false, err
		}
		loc, err := game.ParseLoc(args[1], g.boardSize)
		if err != nil {
			return false, err
		}
		if !g.bot.MakeMove(loc, pla) {
			return false, fmt.Errorf("illegal move")
		}
		g.ok("")
	case "genmove":
		if len(args) < 1 {
			return false, fmt.Errorf("genmove needs a color")
		}
		pla, err := game.ParsePlayer(args[0])
		if err != nil {
			return false, err
		}
		loc, err := g.bot.GenMoveSynchronous(pla, g.tc, 1)
		if err != nil {
			return false, err
		}
		if g.bot.ShouldResign() {
			g.ok("resign")
			break
		}
		if loc == game.NullLoc {
			loc = game.PassLoc
		}
		g.bot.MakeMove(loc, pla)
		g.ok(loc.String(g.boardSize))
	case "time_settings":
		if len(args) < 3 {
			return false, fmt.Errorf("time_settings needs main byoyomi stones")
		}
		mainSec, err1 := strconv.Atoi(args[0])
		byoSec, err2 := strconv.Atoi(args[1])
		stones, err3 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil || err3 != nil {
			return false, fmt.Errorf("bad time_settings arguments")
		}
		g.tc = search.TimeControls{
			MainTimeLeft:   time.Duration(mainSec) * time.Second,
			ByoYomiTime:    time.Duration(byoSec) * time.Second,
			ByoYomiPeriods: 1,
			ByoYomiStones:  stones,
		}
		g.ok("")
	case "time_left":
		if len(args) < 3 {
			return false, fmt.Errorf("time_left needs color time stones")
		}
		sec, err := strconv.Atoi(args[1])
		if err != nil {
			return false, err
		}
		g.tc.MainTimeLeft = time.Duration(sec) * time.Second
		g.ok("")
	case "final_score":
		board := g.bot.RootBoard()
		hist := g.bot.RootHistory()
		if board == nil {
			return false, fmt.Errorf("no position")
		}
		score := hist.FinalWhiteScore(board)
		switch {
		case score > 0:
			g.ok(fmt.Sprintf("W+%.1f", score))
		case score < 0:
			g.ok(fmt.Sprintf("B+%.1f", -score))
		default:
			g.ok("0")
		}
	case "showboard":
		board := g.bot.RootBoard()
		if board == nil {
			return false, fmt.Errorf("no position")
		}
		g.ok("\n" + board.String())
	case "analyze":
		if len(args) < 1 {
			return false, fmt.Errorf("analyze needs a color")
		}
		pla, err := game.ParsePlayer(args[0])
		if err != nil {
			return false, err
		}
		interval := 500 * time.Millisecond
		if len(args) >= 2 {
			if cs, err := strconv.Atoi(args[1]); err == nil {
				interval = time.Duration(cs) * 10 * time.Millisecond
			}
		}
		if err := g.bot.Analyze(pla, 1, interval, g.printAnalysis); err != nil {
			return false, err
		}
		g.ok("")
	case "stop":
		g.bot.StopAndWait()
		g.ok("")
	default:
		return false, fmt.Errorf("unknown command")
	}
	return false, nil
}

func (g *gtpProtocol) clearBoard() error {
	board, err := game.NewBoard(g.boardSize)
	if err != nil {
		return err
	}
	rules, err := game.NewRules(g.komi)
	if err != nil {
		return err
	}
	return g.bot.SetPosition(game.Black, board, game.NewBoardHistory(game.Black, rules))
}

// printAnalysis renders one analysis snapshot, best lines first, with
// the leading move highlighted.
func (g *gtpProtocol) printAnalysis(data []search.AnalysisData) {
	p := g.term.ColorProfile()
	for i, a := range data {
		if i >= 5 {
			break
		}
		move := g.term.String(a.MoveLoc.String(g.boardSize))
		if i == 0 {
			move = move.Foreground(p.Color("2")).Bold()
		}
		pv := make([]string, len(a.PV))
		for j, l := range a.PV {
			pv[j] = l.String(g.boardSize)
		}
		fmt.Fprintf(g.out, "info move %s visits %d winrate %.1f%% score %.1f prior %.1f%% order %d pv %s\n",
			move, a.Visits, a.WinValue*100, a.ScoreMean, a.Prior*100, a.Order, strings.Join(pv, " "))
	}
	fmt.Fprintln(g.out)
}
