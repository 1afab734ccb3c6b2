// ABOUTME: Pairing authority deciding whether unknown DM senders may reach the agent
// ABOUTME: Mints one-time 6-char codes, verifies approvals, and sweeps expired requests

package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/xaio-protocol/xaio-cli/internal/channel"
)

// Pairing errors
var (
	// ErrUnknownCode means no pending request matches the given code.
	ErrUnknownCode = errors.New("unknown pairing code")

	// ErrCodeExpired means the code's TTL elapsed. The request is removed.
	ErrCodeExpired = errors.New("pairing code expired")
)

// Policy governs whether pairing gates direct messages on a channel.
type Policy string

const (
	PolicyPairing Policy = "pairing"
	PolicyOpen    Policy = "open"
)

// Status of a pairing request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusExpired  Status = "expired"
)

// Defaults for code lifetime and sweep cadence.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second

	codeLength   = 6
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Request is a pending or resolved pairing request for one sender.
type Request struct {
	Channel   channel.Type
	SenderID  string
	Code      string
	CreatedAt time.Time
	Status    Status
}

// TrustStore persists approved senders so trust survives restarts.
type TrustStore interface {
	IsTrusted(ctx context.Context, ch channel.Type, senderID string) (bool, error)
	SaveTrusted(ctx context.Context, ch channel.Type, senderID string) error
}

// Authority issues and verifies pairing codes. Pending requests live in
// memory; approved senders are persisted through the TrustStore and cached
// so trust is a derived boolean, not re-evaluated against storage per
// message.
type Authority struct {
	store         TrustStore
	globalPolicy  Policy
	channelPolicy map[channel.Type]Policy
	ttl           time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]*Request // channel:sender -> request
	trusted map[string]bool     // positive cache over the store
}

// Config for constructing an Authority.
type Config struct {
	Store         TrustStore
	GlobalPolicy  Policy
	ChannelPolicy map[channel.Type]Policy
	TTL           time.Duration
	Logger        *slog.Logger
}

// New creates an Authority.
func New(cfg Config) *Authority {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.GlobalPolicy == "" {
		cfg.GlobalPolicy = PolicyPairing
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Authority{
		store:         cfg.Store,
		globalPolicy:  cfg.GlobalPolicy,
		channelPolicy: cfg.ChannelPolicy,
		ttl:           cfg.TTL,
		logger:        cfg.Logger.With("component", "pairing"),
		now:           time.Now,
		pending:       make(map[string]*Request),
		trusted:       make(map[string]bool),
	}
}

// PolicyFor returns the effective DM policy for a channel: the per-channel
// override when set, otherwise the global policy.
func (a *Authority) PolicyFor(ch channel.Type) Policy {
	if p, ok := a.channelPolicy[ch]; ok && p != "" {
		return p
	}
	return a.globalPolicy
}

// IsTrusted reports whether a direct sender may reach the agent: true when
// the channel's DM policy is open, or when the sender was previously
// approved.
func (a *Authority) IsTrusted(ctx context.Context, ch channel.Type, senderID string) bool {
	if a.PolicyFor(ch) == PolicyOpen {
		return true
	}

	key := pairKey(ch, senderID)
	a.mu.Lock()
	if a.trusted[key] {
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	if a.store == nil {
		return false
	}
	ok, err := a.store.IsTrusted(ctx, ch, senderID)
	if err != nil {
		a.logger.Error("trust lookup failed", "channel", ch, "sender_id", senderID, "error", err)
		return false
	}
	if ok {
		a.mu.Lock()
		a.trusted[key] = true
		a.mu.Unlock()
	}
	return ok
}

// Request returns the sender's pairing request, minting a new code only
// when no unexpired pending request exists. A second inbound message from
// the same sender while pending yields the same code.
func (a *Authority) Request(ctx context.Context, ch channel.Type, senderID string) (*Request, error) {
	key := pairKey(ch, senderID)

	a.mu.Lock()
	defer a.mu.Unlock()

	if req, ok := a.pending[key]; ok {
		if a.now().Sub(req.CreatedAt) < a.ttl {
			return req, nil
		}
		delete(a.pending, key)
	}

	code, err := a.mintCodeLocked()
	if err != nil {
		return nil, fmt.Errorf("minting pairing code: %w", err)
	}

	req := &Request{
		Channel:   ch,
		SenderID:  senderID,
		Code:      code,
		CreatedAt: a.now(),
		Status:    StatusPending,
	}
	a.pending[key] = req
	a.logger.Info("pairing request created", "channel", ch, "sender_id", senderID, "code", code)
	return req, nil
}

// Approve resolves a pending request by channel and code. On success the
// sender is persisted as trusted permanently (until a config reset).
func (a *Authority) Approve(ctx context.Context, ch channel.Type, code string) (*Request, error) {
	a.mu.Lock()
	var match *Request
	var matchKey string
	for key, req := range a.pending {
		if req.Channel == ch && req.Code == code {
			match, matchKey = req, key
			break
		}
	}
	if match == nil {
		a.mu.Unlock()
		return nil, ErrUnknownCode
	}
	if a.now().Sub(match.CreatedAt) >= a.ttl {
		delete(a.pending, matchKey)
		a.mu.Unlock()
		return nil, ErrCodeExpired
	}
	delete(a.pending, matchKey)
	match.Status = StatusApproved
	a.trusted[matchKey] = true
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.SaveTrusted(ctx, match.Channel, match.SenderID); err != nil {
			a.logger.Error("persisting trusted sender failed",
				"channel", match.Channel, "sender_id", match.SenderID, "error", err)
		}
	}

	a.logger.Info("pairing approved", "channel", match.Channel, "sender_id", match.SenderID)
	return match, nil
}

// Pending lists all unexpired pending requests for the admin surface.
func (a *Authority) Pending() []*Request {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Request, 0, len(a.pending))
	for _, req := range a.pending {
		if a.now().Sub(req.CreatedAt) < a.ttl {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out
}

// SweepExpired removes expired pending requests so spam cannot grow the
// pending set without bound. Returns the number removed.
func (a *Authority) SweepExpired() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for key, req := range a.pending {
		if a.now().Sub(req.CreatedAt) >= a.ttl {
			delete(a.pending, key)
			removed++
		}
	}
	if removed > 0 {
		a.logger.Debug("swept expired pairing requests", "removed", removed)
	}
	return removed
}

// Run sweeps expired requests on a timer until ctx is canceled. The sweep
// takes the same short-held lock as ordinary access and never blocks the
// router's critical path.
func (a *Authority) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SweepExpired()
		}
	}
}

// mintCodeLocked generates a code collision-checked against all currently
// pending codes. Must be called with mu held.
func (a *Authority) mintCodeLocked() (string, error) {
	for i := 0; i < 100; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if !a.codeInUseLocked(code) {
			return code, nil
		}
	}
	return "", errors.New("could not generate unique code")
}

func (a *Authority) codeInUseLocked(code string) bool {
	for _, req := range a.pending {
		if req.Code == code {
			return true
		}
	}
	return false
}

// randomCode returns a 6-character alphanumeric code. Ambiguous characters
// (0/O, 1/I) are excluded since operators relay codes verbally.
func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

func pairKey(ch channel.Type, senderID string) string {
	return string(ch) + ":" + senderID
}
