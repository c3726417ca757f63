package resolver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/graphflow/internal/domain"
)

func nodes(ids ...string) []domain.NodeSpec {
	out := make([]domain.NodeSpec, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.NodeSpec{ID: id, Type: "noop"})
	}
	return out
}

func edge(source, target string) domain.Connection {
	return domain.Connection{Source: source, Target: target}
}

func TestFindTriggerNodes(t *testing.T) {
	triggers, err := FindTriggerNodes(nodes("A", "B", "C"), []domain.Connection{edge("A", "B"), edge("B", "C")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, triggers)
}

func TestFindTriggerNodes_MultipleRoots(t *testing.T) {
	triggers, err := FindTriggerNodes(nodes("A", "B", "C", "D"), []domain.Connection{edge("A", "C"), edge("B", "C")})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "D"}, triggers)
}

func TestFindTriggerNodes_NoneFails(t *testing.T) {
	_, err := FindTriggerNodes(nodes("A", "B"), []domain.Connection{edge("A", "B"), edge("B", "A")})
	assert.ErrorIs(t, err, domain.ErrNoTriggerNode)
}

func TestHasCycle(t *testing.T) {
	tests := []struct {
		name     string
		edges    []domain.Connection
		hasCycle bool
	}{
		{name: "empty", edges: nil, hasCycle: false},
		{name: "linear", edges: []domain.Connection{edge("A", "B"), edge("B", "C")}, hasCycle: false},
		{name: "diamond", edges: []domain.Connection{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")}, hasCycle: false},
		{name: "two node cycle", edges: []domain.Connection{edge("A", "B"), edge("B", "A")}, hasCycle: true},
		{name: "self loop", edges: []domain.Connection{edge("A", "A")}, hasCycle: true},
		{
			name:     "cycle in second component",
			edges:    []domain.Connection{edge("A", "B"), edge("X", "Y"), edge("Y", "Z"), edge("Z", "X")},
			hasCycle: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.hasCycle, HasCycle(tt.edges))
		})
	}
}

func TestFindCycle_ReturnsClosedPath(t *testing.T) {
	cycle := FindCycle([]domain.Connection{edge("S", "A"), edge("A", "B"), edge("B", "C"), edge("C", "A")})
	require.NotEmpty(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.ElementsMatch(t, []string{"A", "B", "C"}, cycle[:len(cycle)-1])
}

func TestHasCycle_DoesNotLeakStateBetweenCalls(t *testing.T) {
	cyclic := []domain.Connection{edge("A", "B"), edge("B", "A")}
	acyclic := []domain.Connection{edge("A", "B")}

	assert.True(t, HasCycle(cyclic))
	assert.False(t, HasCycle(acyclic))
	assert.True(t, HasCycle(cyclic))
}

func TestFindReadyNodes(t *testing.T) {
	edges := []domain.Connection{edge("A", "B"), edge("A", "C"), edge("B", "D"), edge("C", "D")}

	assert.Equal(t, []string{"B", "C"}, FindReadyNodes(edges, map[string]bool{"A": true}))
	assert.Equal(t, []string{"C"}, FindReadyNodes(edges, map[string]bool{"A": true, "B": true}))
	assert.Equal(t, []string{"D"}, FindReadyNodes(edges, map[string]bool{"A": true, "B": true, "C": true}))
	assert.Empty(t, FindReadyNodes(edges, map[string]bool{"A": true, "B": true, "C": true, "D": true}))
}

func TestFindReadyNodes_DrainsAcyclicGraph(t *testing.T) {
	for size := 2; size <= 12; size++ {
		t.Run(fmt.Sprintf("layered_%d", size), func(t *testing.T) {
			var edges []domain.Connection
			ids := make([]string, size)
			for i := range ids {
				ids[i] = fmt.Sprintf("n%02d", i)
			}
			for i := 1; i < size; i++ {
				edges = append(edges, edge(ids[(i-1)/2], ids[i]))
				if i > 2 {
					edges = append(edges, edge(ids[i-2], ids[i]))
				}
			}
			require.False(t, HasCycle(edges))

			executed := map[string]bool{ids[0]: true}
			for rounds := 0; rounds < size; rounds++ {
				ready := FindReadyNodes(edges, executed)
				if len(ready) == 0 {
					break
				}
				assert.True(t, CanRunConcurrently(ready, edges))
				for _, id := range ready {
					executed[id] = true
				}
			}
			assert.Len(t, executed, size)
		})
	}
}

func TestFindReadyNodes_DanglingSourceNeverReady(t *testing.T) {
	edges := []domain.Connection{edge("A", "B"), edge("ghost", "C")}
	executed := map[string]bool{"A": true}

	assert.Equal(t, []string{"B"}, FindReadyNodes(edges, executed))
	executed["B"] = true
	assert.Empty(t, FindReadyNodes(edges, executed))
}

func TestCanRunConcurrently(t *testing.T) {
	edges := []domain.Connection{edge("A", "B"), edge("B", "C")}
	assert.True(t, CanRunConcurrently([]string{"A", "C"}, edges))
	assert.False(t, CanRunConcurrently([]string{"A", "B"}, edges))
	assert.True(t, CanRunConcurrently(nil, edges))
}

func TestNotAttempted(t *testing.T) {
	assert.Equal(t, []string{"B", "D"}, NotAttempted(nodes("A", "B", "C", "D"), map[string]bool{"A": true, "C": true}))
}
