package flow

import (
	"fmt"
	"sort"
)

// graph indexes a workflow's connections by node. Connection indexes refer
// to positions in the workflow's connection list.
type graph struct {
	incoming map[string][]int
	outgoing map[string][]int
	conns    []Connection
}

func newGraph(nodes []*Node, conns []Connection) *graph {
	g := &graph{
		incoming: make(map[string][]int, len(nodes)),
		outgoing: make(map[string][]int, len(nodes)),
		conns:    conns,
	}
	for i, c := range conns {
		g.outgoing[c.Source] = append(g.outgoing[c.Source], i)
		g.incoming[c.Target] = append(g.incoming[c.Target], i)
	}
	return g
}

// findCycle returns a node path that loops back on itself, or nil.
func (g *graph) findCycle(nodes []*Node) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(nodes))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		switch marks[name] {
		case visiting:
			for i, n := range stack {
				if n == name {
					cycle = append(append([]string{}, stack[i:]...), name)
					break
				}
			}
			return true
		case done:
			return false
		}
		marks[name] = visiting
		stack = append(stack, name)
		for _, ci := range g.outgoing[name] {
			if visit(g.conns[ci].Target) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		marks[name] = done
		return false
	}

	for _, n := range nodes {
		if marks[n.Name] == unvisited && visit(n.Name) {
			return cycle
		}
	}
	return nil
}

// upstream returns target plus every node it transitively depends on.
func (g *graph) upstream(target string) map[string]bool {
	set := map[string]bool{target: true}
	queue := []string{target}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, ci := range g.incoming[name] {
			src := g.conns[ci].Source
			if !set[src] {
				set[src] = true
				queue = append(queue, src)
			}
		}
	}
	return set
}

// downstream returns the given nodes plus everything reachable from them.
func (g *graph) downstream(starts []string) map[string]bool {
	set := make(map[string]bool, len(starts))
	queue := append([]string{}, starts...)
	for _, s := range starts {
		set[s] = true
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, ci := range g.outgoing[name] {
			dst := g.conns[ci].Target
			if !set[dst] {
				set[dst] = true
				queue = append(queue, dst)
			}
		}
	}
	return set
}

// roots returns the nodes of scope with no incoming connection from scope,
// in workflow order.
func (g *graph) roots(nodes []*Node, scope map[string]bool) []string {
	var roots []string
	for _, n := range nodes {
		if !scope[n.Name] {
			continue
		}
		fed := false
		for _, ci := range g.incoming[n.Name] {
			if scope[g.conns[ci].Source] {
				fed = true
				break
			}
		}
		if !fed {
			roots = append(roots, n.Name)
		}
	}
	return roots
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatCycle(cycle []string) string {
	s := ""
	for i, n := range cycle {
		if i > 0 {
			s += " -> "
		}
		s += fmt.Sprintf("%q", n)
	}
	return s
}
