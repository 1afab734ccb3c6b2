// ABOUTME: Tests for the companion node registry.
// ABOUTME: Covers registration, heartbeats, staleness marking, and listing.

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_And_List(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)

	r.Register(&Node{ID: "b-node", Label: "laptop"})
	r.Register(&Node{ID: "a-node", Label: "phone", Capabilities: []string{"notify"}})

	nodes := r.List()
	require.Len(t, nodes, 2)
	// Sorted by ID
	assert.Equal(t, "a-node", nodes[0].ID)
	assert.Equal(t, "b-node", nodes[1].ID)
	assert.Equal(t, []string{"notify"}, nodes[0].Capabilities)
	assert.False(t, nodes[0].Stale)
}

func TestRegister_RefreshesExisting(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)

	r.Register(&Node{ID: "node-1", Label: "old label"})
	r.Register(&Node{ID: "node-1", Label: "new label"})

	nodes := r.List()
	require.Len(t, nodes, 1)
	assert.Equal(t, "new label", nodes[0].Label)
}

func TestHeartbeat(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)
	r.Register(&Node{ID: "node-1"})

	require.NoError(t, r.Heartbeat("node-1"))
	assert.ErrorIs(t, r.Heartbeat("missing"), ErrNodeNotFound)
}

func TestMarkStaleAfter(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)
	r.Register(&Node{ID: "fresh"})
	r.Register(&Node{ID: "lapsed"})

	// Backdate one node past the timeout
	r.mu.Lock()
	r.nodes["lapsed"].LastSeen = time.Now().Add(-5 * time.Minute)
	r.mu.Unlock()

	assert.Equal(t, 1, r.MarkStaleAfter(DefaultStaleTimeout))

	byID := make(map[string]*Node)
	for _, n := range r.List() {
		byID[n.ID] = n
	}
	assert.False(t, byID["fresh"].Stale)
	assert.True(t, byID["lapsed"].Stale)

	// Already-stale nodes are not counted again
	assert.Equal(t, 0, r.MarkStaleAfter(DefaultStaleTimeout))
}

func TestHeartbeat_ClearsStale(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)
	r.Register(&Node{ID: "node-1"})

	r.mu.Lock()
	r.nodes["node-1"].LastSeen = time.Now().Add(-5 * time.Minute)
	r.mu.Unlock()
	require.Equal(t, 1, r.MarkStaleAfter(DefaultStaleTimeout))

	require.NoError(t, r.Heartbeat("node-1"))
	assert.False(t, r.List()[0].Stale)
}

func TestRemove(t *testing.T) {
	r := NewRegistry(DefaultStaleTimeout, nil)
	r.Register(&Node{ID: "node-1"})

	r.Remove("node-1")
	assert.Empty(t, r.List())

	// Removing an unknown node is a no-op
	r.Remove("missing")
}
