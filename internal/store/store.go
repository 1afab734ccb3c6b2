// ABOUTME: Store interface for gateway persistence across restarts
// ABOUTME: Covers trusted senders and session snapshots; sessions themselves live in memory

package store

import (
	"context"
	"errors"

	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/session"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// Store is what the gateway needs from persistence. It combines the
// pairing trust ledger with the session snapshot persister; both use
// short-held connections and are never called while a registry lock is
// held across network I/O.
type Store interface {
	// Trusted senders (pairing.TrustStore)
	IsTrusted(ctx context.Context, ch channel.Type, senderID string) (bool, error)
	SaveTrusted(ctx context.Context, ch channel.Type, senderID string) error
	ResetTrusted(ctx context.Context, ch channel.Type) (int64, error)

	// Session snapshots (session.Persister)
	SaveSession(ctx context.Context, snap *session.Snapshot) error
	LoadSessions(ctx context.Context) ([]*session.Snapshot, error)
	DeleteSession(ctx context.Context, conversationKey string) error

	// Close releases any resources held by the store.
	Close() error
}
