package graph

import (
	"sort"
)

// components returns the strongly connected components of the subgraph induced by
// nodes, each sorted, in the order Tarjan's algorithm completes them (dependencies
// before dependents).
func (g *Graph) components(nodes []int) [][]int {
	in := make(map[int]bool, len(nodes))
	for _, id := range nodes {
		in[id] = true
	}
	index := map[int]int{}
	low := map[int]int{}
	onStack := map[int]bool{}
	var stack []int
	var result [][]int
	next := 0

	var visit func(v int)
	visit = func(v int) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true
		for _, e := range g.deps[v] {
			if !in[e.To] {
				continue
			}
			if _, seen := index[e.To]; !seen {
				visit(e.To)
				low[v] = min(low[v], low[e.To])
			} else if onStack[e.To] {
				low[v] = min(low[v], index[e.To])
			}
		}
		if low[v] == index[v] {
			var comp []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				comp = append(comp, w)
				if w == v {
					break
				}
			}
			sort.Ints(comp)
			result = append(result, comp)
		}
	}
	for _, id := range nodes {
		if _, seen := index[id]; !seen {
			visit(id)
		}
	}
	return result
}

// checkCycles rejects any strongly connected component holding a hard edge. Cycles
// made only of network peers are allowed; such peers share a wave.
func (g *Graph) checkCycles() error {
	comps := g.components(g.nodes)
	sort.Slice(comps, func(i, j int) bool { return comps[i][0] < comps[j][0] })
	for _, comp := range comps {
		members := make(map[int]bool, len(comp))
		for _, id := range comp {
			members[id] = true
		}
		for _, id := range comp {
			for _, e := range g.deps[id] {
				if !members[e.To] || !e.Reason.Hard() {
					continue
				}
				if e.To == e.From {
					return &CycleError{Path: []int{e.From, e.From}}
				}
				if len(comp) > 1 {
					return &CycleError{Path: g.cyclePath(e, members)}
				}
			}
		}
	}
	return nil
}

// cyclePath closes the cycle through hard edge e with the shortest path from e.To back
// to e.From inside the component.
func (g *Graph) cyclePath(e Edge, members map[int]bool) []int {
	prev := map[int]int{e.To: e.To}
	queue := []int{e.To}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == e.From {
			break
		}
		for _, next := range g.deps[cur] {
			if !members[next.To] {
				continue
			}
			if _, seen := prev[next.To]; seen {
				continue
			}
			prev[next.To] = cur
			queue = append(queue, next.To)
		}
	}
	var back []int
	for cur := e.From; cur != e.To; cur = prev[cur] {
		back = append(back, cur)
	}
	path := []int{e.From, e.To}
	for i := len(back) - 1; i >= 0; i-- {
		path = append(path, back[i])
	}
	return path
}

// Waves layers the closure of ids so every hard dependency lands in a strictly earlier
// wave and every network peer in an earlier or equal wave. Ids ascend within a wave.
func (g *Graph) Waves(ids []int) ([][]int, error) {
	nodes, err := g.Closure(ids)
	if err != nil {
		return nil, err
	}
	comps := g.components(nodes)
	compOf := map[int]int{}
	for i, comp := range comps {
		for _, id := range comp {
			compOf[id] = i
		}
	}

	// Tarjan emits a component only after every component it depends on.
	level := make([]int, len(comps))
	for i, comp := range comps {
		for _, id := range comp {
			for _, e := range g.deps[id] {
				j := compOf[e.To]
				if j == i {
					continue
				}
				w := 0
				if e.Reason.Hard() {
					w = 1
				}
				level[i] = max(level[i], level[j]+w)
			}
		}
	}

	byLevel := map[int][]int{}
	var levels []int
	for i, comp := range comps {
		if _, ok := byLevel[level[i]]; !ok {
			levels = append(levels, level[i])
		}
		byLevel[level[i]] = append(byLevel[level[i]], comp...)
	}
	sort.Ints(levels)
	waves := make([][]int, 0, len(levels))
	for _, l := range levels {
		wave := byLevel[l]
		sort.Ints(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}
