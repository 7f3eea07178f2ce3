package resolve

// Tarjan computes the strongly-connected components of the import
// graph described by edgesOf.
//
// Components are returned in reverse topological order (a component's
// dependencies appear before it), matching the order a checkin writer
// wants to materialize graph objects in: children before parents.
func Tarjan(nodes []string, edgesOf func(string) []string) [][]string {
	t := &tarjan{
		edgesOf: edgesOf,
		index:   map[string]int{},
		lowlink: map[string]int{},
		onStack: map[string]bool{},
	}
	for _, n := range nodes {
		if _, ok := t.index[n]; !ok {
			t.strongConnect(n)
		}
	}
	return t.components
}

type tarjan struct {
	edgesOf    func(string) []string
	index      map[string]int
	lowlink    map[string]int
	onStack    map[string]bool
	stack      []string
	counter    int
	components [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.edgesOf(v) {
		if _, ok := t.index[w]; !ok {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var component []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		t.components = append(t.components, component)
	}
}

// HasSelfLoop reports whether node appears in its own edge list, the
// other trigger (besides size > 1) for emitting a graph object.
func HasSelfLoop(node string, edgesOf func(string) []string) bool {
	for _, w := range edgesOf(node) {
		if w == node {
			return true
		}
	}
	return false
}
