// SPDX-License-Identifier: MPL-2.0

package engine

// relation is the engine-owned dependency graph over canonical artifact
// paths. An edge from A to B means A's content references B, so A's
// identifier depends on B's. Self-edges are legal and meaningful: a
// file that references itself. The engine is the sole mutator; nodes
// leave the relation when their processing unit is finalized and are
// never re-added.
type relation struct {
	nodes map[string]struct{}
	out   map[string]map[string]struct{}
}

func newRelation() *relation {
	return &relation{
		nodes: make(map[string]struct{}),
		out:   make(map[string]map[string]struct{}),
	}
}

func (r *relation) addNode(p string) {
	r.nodes[p] = struct{}{}
}

// addEdge records from -> to. Both endpoints are implicitly added.
func (r *relation) addEdge(from, to string) {
	r.addNode(from)
	r.addNode(to)
	set, ok := r.out[from]
	if !ok {
		set = make(map[string]struct{})
		r.out[from] = set
	}
	set[to] = struct{}{}
}

func (r *relation) hasSelfEdge(p string) bool {
	_, ok := r.out[p][p]
	return ok
}

// reachable returns the set of nodes reachable from p, p included.
// This is p's dependency set at the time the relation still contains
// every index member; as units finalize, the engine subtracts their
// members from the stored sets instead of re-walking.
func (r *relation) reachable(p string) map[string]struct{} {
	seen := map[string]struct{}{p: {}}
	stack := []string{p}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range r.out[n] {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			stack = append(stack, d)
		}
	}
	return seen
}

// remove deletes every member of unit from the relation: the nodes,
// their adjacency, and every edge pointing at them.
func (r *relation) remove(unit map[string]struct{}) {
	for p := range unit {
		delete(r.nodes, p)
		delete(r.out, p)
	}
	for _, set := range r.out {
		for p := range unit {
			delete(set, p)
		}
	}
}
