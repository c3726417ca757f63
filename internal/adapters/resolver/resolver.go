// Package resolver holds the pure graph functions the engine schedules with:
// trigger discovery, cycle detection and ready-set computation. Nothing here
// keeps state between calls.
package resolver

import (
	"sort"

	"github.com/eleven-am/graphflow/internal/domain"
)

// FindTriggerNodes returns every node without an incoming connection, in
// declaration order.
func FindTriggerNodes(nodes []domain.NodeSpec, edges []domain.Connection) ([]string, error) {
	targets := make(map[string]bool, len(edges))
	for _, e := range edges {
		targets[e.Target] = true
	}

	var triggers []string
	for _, n := range nodes {
		if !targets[n.ID] {
			triggers = append(triggers, n.ID)
		}
	}

	if len(triggers) == 0 {
		return nil, domain.ErrNoTriggerNode
	}
	return triggers, nil
}

func adjacency(edges []domain.Connection) (map[string][]string, []string) {
	adj := make(map[string][]string)
	seen := make(map[string]bool)
	var order []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	for _, e := range edges {
		add(e.Source)
		add(e.Target)
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	for k := range adj {
		sort.Strings(adj[k])
	}
	sort.Strings(order)
	return adj, order
}

// HasCycle reports whether the edge set contains a directed cycle. Every
// connected component is visited.
func HasCycle(edges []domain.Connection) bool {
	return len(FindCycle(edges)) > 0
}

// FindCycle returns one cycle as a closed path (first == last), or nil.
// The traversal order is sorted so the witness is stable across calls.
func FindCycle(edges []domain.Connection) []string {
	adj, nodes := adjacency(edges)

	visited := make(map[string]bool, len(nodes))
	onStack := make(map[string]bool, len(nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, next := range adj[id] {
			if onStack[next] {
				start := 0
				for i, s := range stack {
					if s == next {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				return append(cycle, next)
			}
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return nil
	}

	for _, id := range nodes {
		if visited[id] {
			continue
		}
		if cycle := visit(id); cycle != nil {
			return cycle
		}
	}
	return nil
}

// FindReadyNodes returns every distinct edge target that has not executed yet
// and whose incoming edges all come from executed nodes. Result order follows
// first appearance in edges.
func FindReadyNodes(edges []domain.Connection, executed map[string]bool) []string {
	var candidates []string
	seen := make(map[string]bool)
	for _, e := range edges {
		if !seen[e.Target] {
			seen[e.Target] = true
			candidates = append(candidates, e.Target)
		}
	}

	var ready []string
	for _, target := range candidates {
		if executed[target] {
			continue
		}
		allDone := true
		for _, e := range edges {
			if e.Target == target && !executed[e.Source] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, target)
		}
	}
	return ready
}

// CanRunConcurrently is true when no node in ready feeds another node in ready.
func CanRunConcurrently(ready []string, edges []domain.Connection) bool {
	inBatch := make(map[string]bool, len(ready))
	for _, id := range ready {
		inBatch[id] = true
	}
	for _, e := range edges {
		if inBatch[e.Source] && inBatch[e.Target] {
			return false
		}
	}
	return true
}

// NotAttempted lists, in declaration order, the nodes missing from attempted.
func NotAttempted(nodes []domain.NodeSpec, attempted map[string]bool) []string {
	var skipped []string
	for _, n := range nodes {
		if !attempted[n.ID] {
			skipped = append(skipped, n.ID)
		}
	}
	return skipped
}
