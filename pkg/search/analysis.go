package search

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tengen-engine/tengen/pkg/game"
	"github.com/tengen-engine/tengen/pkg/nn"
)

// AnalysisData is one root child's analysis snapshot. WinValue, Utility
// and ScoreMean are from the perspective of the player to move at the
// root. Order is the rank by visits, 0 = best.
type AnalysisData struct {
	MoveLoc    game.Loc
	Visits     int64
	Utility    float64
	WinValue   float64
	ScoreMean  float64
	ScoreStdev float64
	Prior      float64
	Order      int
	PV         []game.Loc
}

// GetAnalysisData snapshots every considered root child, sorted by
// visits. Safe to call during search; numbers from concurrent playouts
// may lag each other slightly.
func (s *Search) GetAnalysisData(minMovesToTry int) []AnalysisData {
	root := s.rootNode
	if root == nil {
		return nil
	}
	rootOut := root.nnOutput.Load()

	mutex := s.mutexPool.Get(root.lockIdx)
	mutex.Lock()
	children := make([]*SearchNode, len(root.children))
	copy(children, root.children)
	mutex.Unlock()

	data := make([]AnalysisData, 0, len(children))
	for _, child := range children {
		if child == nil || !s.isAllowedRootMove(child.prevMoveLoc) {
			continue
		}
		v, ok := s.GetNodeValues(child)
		if !ok && child.Visits() <= 0 {
			continue
		}
		a := AnalysisData{
			MoveLoc: child.prevMoveLoc,
			Visits:  child.Visits(),
		}
		if ok {
			// Child values are from the child's mover, the opponent of
			// the root player; flip to the root player's view.
			a.Utility = -v.Utility
			a.WinValue = v.LossValue
			a.ScoreMean = -v.ScoreMean
			a.ScoreStdev = v.ScoreStdev
		}
		if rootOut != nil {
			a.Prior = float64(rootOut.Policy[nn.PolicyIndex(child.prevMoveLoc, s.boardSize)])
		}
		a.PV = s.AppendPV(nil, child, s.params.AnalysisPVLen)
		data = append(data, a)
	}

	// Pad with top-policy unexplored moves when the caller wants more
	// moves than the search visited.
	if rootOut != nil && len(data) < minMovesToTry {
		seen := make(map[game.Loc]bool, len(data))
		for _, a := range data {
			seen[a.MoveLoc] = true
		}
		type pm struct {
			loc   game.Loc
			prior float64
		}
		var rest []pm
		for pos, p := range rootOut.Policy {
			loc := nn.PolicyLoc(pos, s.boardSize)
			if p <= 0 || seen[loc] || !s.isAllowedRootMove(loc) {
				continue
			}
			rest = append(rest, pm{loc, float64(p)})
		}
		sort.Slice(rest, func(i, j int) bool { return rest[i].prior > rest[j].prior })
		for _, m := range rest {
			if len(data) >= minMovesToTry {
				break
			}
			data = append(data, AnalysisData{MoveLoc: m.loc, Prior: m.prior, PV: []game.Loc{m.loc}})
		}
	}

	sort.SliceStable(data, func(i, j int) bool {
		if data[i].Visits != data[j].Visits {
			return data[i].Visits > data[j].Visits
		}
		return data[i].Prior > data[j].Prior
	})
	for i := range data {
		data[i].Order = i
	}
	return data
}

// bestChildByVisits picks the most-visited child, ties to the earlier
// (higher-prior) child. Returns nil for leaves.
func (s *Search) bestChildByVisits(node *SearchNode) *SearchNode {
	mutex := s.mutexPool.Get(node.lockIdx)
	mutex.Lock()
	defer mutex.Unlock()
	var best *SearchNode
	bestVisits := int64(0)
	for _, child := range node.children {
		if v := child.Visits(); v > bestVisits {
			bestVisits = v
			best = child
		}
	}
	return best
}

// AppendPV appends the principal variation starting at node (inclusive
// of node's own move) to buf, following most-visited children.
func (s *Search) AppendPV(buf []game.Loc, node *SearchNode, maxDepth int) []game.Loc {
	for depth := 0; node != nil && depth < maxDepth; depth++ {
		if node.prevMoveLoc != game.NullLoc {
			buf = append(buf, node.prevMoveLoc)
		}
		node = s.bestChildByVisits(node)
	}
	return buf
}

// PrintPV writes the PV from node as space-separated GTP coordinates.
func (s *Search) PrintPV(w io.Writer, node *SearchNode, maxDepth int) {
	if node == nil {
		node = s.rootNode
	}
	if node == nil {
		return
	}
	pv := s.AppendPV(nil, node, maxDepth)
	parts := make([]string, len(pv))
	for i, l := range pv {
		parts[i] = l.String(s.boardSize)
	}
	fmt.Fprintln(w, strings.Join(parts, " "))
}

// PrintTreeOptions bound the tree dump.
type PrintTreeOptions struct {
	MaxDepth  int
	MinVisits int64
}

// PrintTree dumps the subtree under node with per-node visit counts and
// values, children ordered by visits.
func (s *Search) PrintTree(w io.Writer, node *SearchNode, options PrintTreeOptions) {
	if node == nil {
		node = s.rootNode
	}
	if node == nil {
		return
	}
	if options.MaxDepth <= 0 {
		options.MaxDepth = 4
	}
	s.printTreeHelper(w, node, options, "", 0)
}

func (s *Search) printTreeHelper(w io.Writer, node *SearchNode, options PrintTreeOptions, prefix string, depth int) {
	label := "root"
	if node.prevMoveLoc != game.NullLoc {
		label = node.prevMoveLoc.String(s.boardSize)
	}
	v, ok := s.GetNodeValues(node)
	if ok {
		fmt.Fprintf(w, "%s%s: visits %d win %.2f%% score %.1f utility %.3f",
			prefix, label, node.Visits(), v.WinValue*100, v.ScoreMean, v.Utility)
	} else {
		fmt.Fprintf(w, "%s%s: visits %d", prefix, label, node.Visits())
	}
	if node.IsTerminal() {
		fmt.Fprint(w, " (terminal)")
	}
	fmt.Fprintln(w)

	if depth >= options.MaxDepth {
		return
	}
	mutex := s.mutexPool.Get(node.lockIdx)
	mutex.Lock()
	children := make([]*SearchNode, len(node.children))
	copy(children, node.children)
	mutex.Unlock()
	sort.SliceStable(children, func(i, j int) bool {
		return children[i].Visits() > children[j].Visits()
	})
	for _, child := range children {
		if child.Visits() < options.MinVisits {
			continue
		}
		s.printTreeHelper(w, child, options, prefix+"  ", depth+1)
	}
}

// PrintRootPolicyMap writes the root policy as a grid plus the pass
// probability.
func (s *Search) PrintRootPolicyMap(w io.Writer) {
	if s.rootNode == nil {
		return
	}
	out := s.rootNode.nnOutput.Load()
	if out == nil {
		return
	}
	for y := 0; y < s.boardSize; y++ {
		for x := 0; x < s.boardSize; x++ {
			fmt.Fprintf(w, "%6.3f", out.Policy[int(game.MakeLoc(x, y, s.boardSize))])
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "pass: %.3f\n", out.Policy[s.boardSize*s.boardSize])
}
