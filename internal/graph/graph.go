// Package graph holds the build-time dependency graph: an adjacency list
// keyed by (token, tag) with Tarjan strongly-connected-component detection
// and a derived topological order. The graph exists only while the registry
// validates a manifest set; it is never consulted at runtime.
package graph

// NodeID identifies a node by its normalized token key and registration tag.
type NodeID struct {
	Token string
	Tag   string
}

func (id NodeID) String() string {
	if id.Tag != "" {
		return id.Token + "[" + id.Tag + "]"
	}
	return id.Token
}

// Edge is a declared dependency from one node to another, with the
// declaration metadata that validation passes need.
type Edge struct {
	To       NodeID
	Optional bool
	Lazy     bool
}

// Node is a provider in the graph.
type Node struct {
	ID        NodeID
	Module    string
	Source    string
	Scope     int // opaque to the graph, interpreted by the registry
	AllowLazy bool
	Edges     []Edge
}

// Graph is the adjacency structure. Insertion order is preserved so cycle
// reports and topological orders are deterministic.
type Graph struct {
	nodes map[NodeID]*Node
	order []NodeID
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[NodeID]*Node)}
}

// Add inserts a node. Edges may point at IDs with no corresponding node;
// such dangling edges are ignored by traversal (the registry validates
// missing non-optional targets separately).
func (g *Graph) Add(n *Node) {
	if n == nil {
		return
	}
	if _, exists := g.nodes[n.ID]; !exists {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
}

// Node returns the node for an ID, or nil.
func (g *Graph) Node(id NodeID) *Node {
	return g.nodes[id]
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Size returns the number of nodes.
func (g *Graph) Size() int {
	return len(g.nodes)
}

// HasSelfLoop reports whether a node declares a dependency on itself.
func (g *Graph) HasSelfLoop(id NodeID) bool {
	n := g.nodes[id]
	if n == nil {
		return false
	}
	for _, e := range n.Edges {
		if e.To == id {
			return true
		}
	}
	return false
}

// tarjanState is the per-node bookkeeping for the iterative Tarjan run.
type tarjanState struct {
	index   int
	lowlink int
	onStack bool
	visited bool
}

// SCCs runs Tarjan's strongly-connected-components algorithm and returns
// every component. Components are emitted dependencies-first: because edges
// point from a provider to what it needs, a component appears only after
// every component it can reach. The implementation is iterative; deep
// dependency chains must not overflow the goroutine stack.
func (g *Graph) SCCs() [][]NodeID {
	states := make(map[NodeID]*tarjanState, len(g.nodes))
	for id := range g.nodes {
		states[id] = &tarjanState{}
	}

	var (
		sccs    [][]NodeID
		stack   []NodeID // Tarjan's component stack
		counter int
	)

	// frame tracks one node's DFS progress: which outgoing edge to visit next.
	type frame struct {
		id   NodeID
		edge int
	}

	for _, start := range g.order {
		if states[start].visited {
			continue
		}

		call := []frame{{id: start}}
		for len(call) > 0 {
			f := &call[len(call)-1]
			st := states[f.id]

			if f.edge == 0 {
				st.visited = true
				st.index = counter
				st.lowlink = counter
				counter++
				st.onStack = true
				stack = append(stack, f.id)
			}

			advanced := false
			node := g.nodes[f.id]
			for f.edge < len(node.Edges) {
				to := node.Edges[f.edge].To
				f.edge++

				tst, exists := states[to]
				if !exists {
					continue // dangling edge, no provider for the target
				}
				if !tst.visited {
					call = append(call, frame{id: to})
					advanced = true
					break
				}
				if tst.onStack && tst.index < st.lowlink {
					st.lowlink = tst.index
				}
			}
			if advanced {
				continue
			}

			// All edges explored: close the component if this is its root,
			// then propagate the lowlink to the caller.
			if st.lowlink == st.index {
				var scc []NodeID
				for {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					states[top].onStack = false
					scc = append(scc, top)
					if top == f.id {
						break
					}
				}
				sccs = append(sccs, scc)
			}

			call = call[:len(call)-1]
			if len(call) > 0 {
				parent := states[call[len(call)-1].id]
				if st.lowlink < parent.lowlink {
					parent.lowlink = st.lowlink
				}
			}
		}
	}

	return sccs
}

// Topological returns node IDs with every node after its dependencies,
// flattening the SCC emission order. Only meaningful once cycle detection
// has passed (members of a cycle appear in arbitrary relative order).
func (g *Graph) Topological() []NodeID {
	sccs := g.SCCs()
	out := make([]NodeID, 0, len(g.nodes))
	for _, scc := range sccs {
		out = append(out, scc...)
	}
	return out
}

// CyclePath orders the members of a non-trivial SCC along an actual cycle,
// starting from the member with the smallest ID so error traces are stable.
// The returned path is a simple cycle: following each member's edge leads to
// the next, and the last member's edge leads back to the first.
func (g *Graph) CyclePath(scc []NodeID) []NodeID {
	if len(scc) == 0 {
		return nil
	}

	members := make(map[NodeID]bool, len(scc))
	start := scc[0]
	for _, id := range scc {
		members[id] = true
		if id.Token < start.Token || (id.Token == start.Token && id.Tag < start.Tag) {
			start = id
		}
	}

	var path []NodeID
	visited := map[NodeID]bool{start: true}

	var walk func(cur NodeID) bool
	walk = func(cur NodeID) bool {
		path = append(path, cur)
		n := g.nodes[cur]
		for _, e := range n.Edges {
			if e.To == start {
				return true
			}
			if members[e.To] && !visited[e.To] {
				visited[e.To] = true
				if walk(e.To) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !walk(start) {
		// No closed walk found (should not happen for a valid SCC); report
		// the raw membership instead of nothing.
		return scc
	}
	return path
}
