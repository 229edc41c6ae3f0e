// Package graph derives the dependency edges between declared resources, rejects
// cycles and layers the resources into waves that can be provisioned concurrently.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/model"
	"github.com/pkg/errors"
)

type Reason string

const (
	ReasonCloneSource   Reason = "clone-source"
	ReasonExplicitOrder Reason = "explicit-order"
	ReasonNetworkPeer   Reason = "network-peer"
)

// Hard reports whether the dependency must complete before the dependent starts.
// Network peers only need to be scheduled no later than the dependent.
func (r Reason) Hard() bool {
	return r != ReasonNetworkPeer
}

// Edge From -> To means To must be satisfied (or, for peers, co-scheduled) before
// From is provisioned.
type Edge struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason Reason `json:"reason"`
}

func (e Edge) String() string {
	return fmt.Sprintf("%d -> %d (%s)", e.From, e.To, e.Reason)
}

type CycleError struct {
	Path []int
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.Itoa(id)
	}
	return "dependency cycle: " + strings.Join(parts, " -> ")
}

type Graph struct {
	manifest *model.Manifest
	nodes    []int
	deps     map[int][]Edge
}

// Build derives every edge of the manifest and fails on unknown references or on
// any cycle that contains a hard edge.
func Build(m *model.Manifest) (*Graph, error) {
	g := &Graph{manifest: m, nodes: m.Ids(), deps: map[int][]Edge{}}
	for _, r := range m.Resources {
		if r.CloneFrom != 0 {
			if err := g.add(r.Id, r.CloneFrom, ReasonCloneSource); err != nil {
				return nil, err
			}
		}
		for _, dep := range r.DependsOn {
			if err := g.add(r.Id, dep, ReasonExplicitOrder); err != nil {
				return nil, err
			}
		}
		for _, peer := range r.NetworkPeers {
			if err := g.add(r.Id, peer, ReasonNetworkPeer); err != nil {
				return nil, err
			}
		}
	}
	for id := range g.deps {
		edges := g.deps[id]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].To != edges[j].To {
				return edges[i].To < edges[j].To
			}
			return edges[i].Reason < edges[j].Reason
		})
	}
	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) add(from, to int, reason Reason) error {
	if _, ok := g.manifest.Resource(to); !ok {
		return errors.Errorf("resource %d references unknown resource %d (%s)", from, to, reason)
	}
	for _, e := range g.deps[from] {
		if e.To == to && e.Reason == reason {
			return nil
		}
	}
	g.deps[from] = append(g.deps[from], Edge{From: from, To: to, Reason: reason})
	return nil
}

func (g *Graph) Manifest() *model.Manifest {
	return g.manifest
}

// Dependencies returns the outgoing edges of id ordered by target.
func (g *Graph) Dependencies(id int) []Edge {
	return append([]Edge(nil), g.deps[id]...)
}

// Edges returns every edge ordered by source then target.
func (g *Graph) Edges() []Edge {
	var out []Edge
	for _, id := range g.nodes {
		out = append(out, g.deps[id]...)
	}
	return out
}

// Closure expands ids with everything they transitively depend on.
func (g *Graph) Closure(ids []int) ([]int, error) {
	seen := map[int]bool{}
	stack := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := g.manifest.Resource(id); !ok {
			return nil, errors.Errorf("unknown resource %d", id)
		}
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		for _, e := range g.deps[id] {
			stack = append(stack, e.To)
		}
	}
	out := make([]int, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Ints(out)
	return out, nil
}

// Satisfied reports whether a resource has reached the state its dependents wait for:
// templates must be snapshotted and converted, everything else healthy or snapshotted.
func Satisfied(spec *model.ResourceSpec, state *model.ResourceState) bool {
	if state == nil || state.IsFailed() {
		return false
	}
	if spec.IsTemplate {
		return state.State == model.Snapshotted && state.Template
	}
	return state.State == model.Healthy || state.State == model.Snapshotted
}
