// Package graph provides a small directed graph over string ids with
// cycle detection and deterministic topological ordering. Nodes keep
// their insertion order so that ties are broken the same way on every run.
package graph

import (
	"fmt"
	"strings"
)

// CycleError is returned when the graph contains a cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", formatCycle(e.Path))
}

// Graph is a directed graph. An edge from A to B means B depends on A,
// so A is ordered before B.
type Graph struct {
	// order keeps node ids in insertion order
	order []string

	// index maps node ids to their position in order
	index map[string]int

	// adjacencyList maps node ids to their dependents
	adjacencyList map[string][]string

	// reverseAdjacencyList maps node ids to their dependencies
	reverseAdjacencyList map[string][]string
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		order:                make([]string, 0),
		index:                make(map[string]int),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
	}
}

// AddNode adds a node if it is not already present.
func (g *Graph) AddNode(id string) {
	if _, exists := g.index[id]; exists {
		return
	}
	g.index[id] = len(g.order)
	g.order = append(g.order, id)
	g.adjacencyList[id] = make([]string, 0)
	g.reverseAdjacencyList[id] = make([]string, 0)
}

// AddEdge records that to depends on from. Missing nodes are added.
// Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, existing := range g.adjacencyList[from] {
		if existing == to {
			return
		}
	}
	g.adjacencyList[from] = append(g.adjacencyList[from], to)
	g.reverseAdjacencyList[to] = append(g.reverseAdjacencyList[to], from)
}

// Has reports whether the node exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Dependents returns the direct dependents of a node.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.adjacencyList[id]...)
}

// Dependencies returns the direct dependencies of a node.
func (g *Graph) Dependencies(id string) []string {
	return append([]string(nil), g.reverseAdjacencyList[id]...)
}

// Remove deletes a node and every edge touching it.
func (g *Graph) Remove(id string) {
	if !g.Has(id) {
		return
	}
	for _, dep := range g.reverseAdjacencyList[id] {
		g.adjacencyList[dep] = without(g.adjacencyList[dep], id)
	}
	for _, dependent := range g.adjacencyList[id] {
		g.reverseAdjacencyList[dependent] = without(g.reverseAdjacencyList[dependent], id)
	}
	delete(g.adjacencyList, id)
	delete(g.reverseAdjacencyList, id)

	g.order = without(g.order, id)
	delete(g.index, id)
	for i, node := range g.order {
		g.index[node] = i
	}
}

// DetectCycles uses depth-first search to find a cycle. It returns a
// *CycleError describing the first cycle found.
func (g *Graph) DetectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, id := range g.order {
		if !visited[id] {
			if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
				return &CycleError{Path: cycle}
			}
		}
	}
	return nil
}

func (g *Graph) detectCyclesUtil(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range g.adjacencyList[nodeID] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string(nil), path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// TopologicalOrder returns every node ordered so that dependencies come
// before dependents. Ties follow insertion order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(g.order))
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}

// Levels groups nodes using Kahn's algorithm; nodes in the same level do
// not depend on each other.
func (g *Graph) Levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.reverseAdjacencyList[id])
	}

	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		g.sortByInsertion(next)
		current = next
	}

	if processed != len(g.order) {
		if err := g.DetectCycles(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("failed to order all nodes")
	}
	return levels, nil
}

// Downstream returns every node transitively depending on id, excluding
// id itself, in topological order.
func (g *Graph) Downstream(id string) ([]string, error) {
	reach := make(map[string]bool)
	stack := append([]string(nil), g.adjacencyList[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if reach[n] || n == id {
			continue
		}
		reach[n] = true
		stack = append(stack, g.adjacencyList[n]...)
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(reach))
	for _, n := range order {
		if reach[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

// ToDOT renders the graph in Graphviz DOT format.
func (g *Graph) ToDOT(name string) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", name))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, id := range g.order {
		sb.WriteString(fmt.Sprintf("  %q;\n", id))
	}
	for _, from := range g.order {
		for _, to := range g.adjacencyList[from] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", from, to))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) sortByInsertion(ids []string) {
	// insertion sort; levels are small
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && g.index[ids[j]] < g.index[ids[j-1]]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func without(list []string, id string) []string {
	out := list[:0]
	for _, v := range list {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}
