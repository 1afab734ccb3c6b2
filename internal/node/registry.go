// ABOUTME: Liveness ledger for companion nodes connected to the gateway
// ABOUTME: Tracks registration, heartbeats, and staleness for administrative queries

package node

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNodeNotFound means the node ID is not registered.
var ErrNodeNotFound = errors.New("node not found")

// DefaultStaleTimeout marks a node stale when its heartbeat lapses this long.
const DefaultStaleTimeout = 2 * time.Minute

// Node is a companion device or client registered with the gateway. Nodes
// are distinct from channels: no routing logic depends on them.
type Node struct {
	ID           string
	Label        string
	Channel      string // optional: channel type the node fronts
	LastSeen     time.Time
	Stale        bool
	Capabilities []string
}

// Registry is the in-memory node ledger.
type Registry struct {
	staleAfter time.Duration
	logger     *slog.Logger

	mu    sync.Mutex
	nodes map[string]*Node
}

// NewRegistry creates an empty node registry.
func NewRegistry(staleAfter time.Duration, logger *slog.Logger) *Registry {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		staleAfter: staleAfter,
		logger:     logger.With("component", "node-registry"),
		nodes:      make(map[string]*Node),
	}
}

// Register adds or refreshes a node. Re-registering an existing ID updates
// its label and capabilities and resets staleness.
func (r *Registry) Register(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *n
	cp.LastSeen = time.Now()
	cp.Stale = false
	r.nodes[cp.ID] = &cp
	r.logger.Info("node registered", "node_id", cp.ID, "label", cp.Label)
}

// Heartbeat refreshes a node's liveness.
func (r *Registry) Heartbeat(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[nodeID]
	if !ok {
		return ErrNodeNotFound
	}
	n.LastSeen = time.Now()
	n.Stale = false
	return nil
}

// List returns all nodes sorted by ID.
func (r *Registry) List() []*Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a node from the ledger.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// MarkStaleAfter flags nodes whose heartbeat lapsed beyond the timeout.
// Returns the number newly marked.
func (r *Registry) MarkStaleAfter(timeout time.Duration) int {
	if timeout <= 0 {
		timeout = r.staleAfter
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	marked := 0
	for _, n := range r.nodes {
		if !n.Stale && now.Sub(n.LastSeen) >= timeout {
			n.Stale = true
			marked++
			r.logger.Debug("node marked stale", "node_id", n.ID, "last_seen", n.LastSeen)
		}
	}
	return marked
}

// Run marks stale nodes on a timer until ctx is canceled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.MarkStaleAfter(r.staleAfter)
		}
	}
}
