package game

// SafeArea marks points that are conservatively pass-alive for one color:
// chains with at least two single-color-enclosed empty regions whose every
// empty point is a liberty of a bordering chain, plus those regions
// themselves. This is the classical Benson iteration restricted to empty
// regions (no opponent prisoners inside), which is enough for the pass
// score bonus at the root.
func SafeArea(b *Board) []Player {
	result := make([]Player, b.Size*b.Size)
	for _, pla := range []Player{Black, White} {
		markSafeFor(b, pla, result)
	}
	return result
}

type region struct {
	points []Loc
	// chains (by id) of the color that border this region
	chains map[int]bool
	// whether every empty point in the region is a liberty of each
	// bordering chain, tracked per chain id
	vitalFor map[int]bool
}

func markSafeFor(b *Board, pla Player, result []Player) {
	n := b.Size * b.Size
	chainID := make([]int, n)
	for i := range chainID {
		chainID[i] = -1
	}
	var chains [][]Loc
	var nbuf [4]Loc

	// Label chains of pla.
	for i := 0; i < n; i++ {
		if b.stones[Loc(i)] != pla || chainID[i] >= 0 {
			continue
		}
		id := len(chains)
		stack := []Loc{Loc(i)}
		chainID[i] = id
		var stones []Loc
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			stones = append(stones, cur)
			for _, nb := range b.neighbors(cur, nbuf[:0]) {
				if b.stones[nb] == pla && chainID[nb] < 0 {
					chainID[nb] = id
					stack = append(stack, nb)
				}
			}
		}
		chains = append(chains, stones)
	}
	if len(chains) == 0 {
		return
	}

	// Collect empty regions that border only pla stones.
	regionID := make([]int, n)
	for i := range regionID {
		regionID[i] = -1
	}
	var regions []*region
	for i := 0; i < n; i++ {
		if b.stones[Loc(i)] != Empty || regionID[i] >= 0 {
			continue
		}
		id := len(regions)
		r := &region{chains: make(map[int]bool), vitalFor: make(map[int]bool)}
		stack := []Loc{Loc(i)}
		regionID[i] = id
		onlyPla := true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r.points = append(r.points, cur)
			for _, nb := range b.neighbors(cur, nbuf[:0]) {
				switch b.stones[nb] {
				case Empty:
					if regionID[nb] < 0 {
						regionID[nb] = id
						stack = append(stack, nb)
					}
				case pla:
					r.chains[chainID[nb]] = true
				default:
					onlyPla = false
				}
			}
		}
		if !onlyPla {
			// Regions touching the opponent are never vital here.
			r.chains = nil
		}
		regions = append(regions, r)
	}

	// A region is vital for a chain if every empty point of the region is
	// a liberty of that chain.
	isLiberty := func(p Loc, id int) bool {
		for _, nb := range b.neighbors(p, nbuf[:0]) {
			if b.stones[nb] == pla && chainID[nb] == id {
				return true
			}
		}
		return false
	}
	for _, r := range regions {
		for id := range r.chains {
			vital := true
			for _, p := range r.points {
				if !isLiberty(p, id) {
					vital = false
					break
				}
			}
			r.vitalFor[id] = vital
		}
	}

	// Benson iteration: repeatedly drop chains with fewer than two vital
	// regions, and regions bordering a dropped chain.
	aliveChain := make([]bool, len(chains))
	for i := range aliveChain {
		aliveChain[i] = true
	}
	aliveRegion := make([]bool, len(regions))
	for i, r := range regions {
		aliveRegion[i] = r.chains != nil && len(r.chains) > 0
	}
	for {
		changed := false
		for id := range chains {
			if !aliveChain[id] {
				continue
			}
			vitalCount := 0
			for ri, r := range regions {
				if aliveRegion[ri] && r.vitalFor[id] {
					vitalCount++
				}
			}
			if vitalCount < 2 {
				aliveChain[id] = false
				changed = true
			}
		}
		for ri, r := range regions {
			if !aliveRegion[ri] {
				continue
			}
			for id := range r.chains {
				if !aliveChain[id] {
					aliveRegion[ri] = false
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	for id, alive := range aliveChain {
		if !alive {
			continue
		}
		for _, p := range chains[id] {
			result[p] = pla
		}
	}
	// Only vital regions are territory; a large open region enclosed by a
	// live chain could still host an invading live group.
	for ri, alive := range aliveRegion {
		if !alive {
			continue
		}
		vital := false
		for id, v := range regions[ri].vitalFor {
			if v && aliveChain[id] {
				vital = true
				break
			}
		}
		if !vital {
			continue
		}
		for _, p := range regions[ri].points {
			result[p] = pla
		}
	}
}
