// ABOUTME: Supervises adapter connection lifecycles and outbound delivery
// ABOUTME: Reconnects dropped transports with backoff and retries sends up to 3 times

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownChannel means no adapter is registered for the channel type.
var ErrUnknownChannel = errors.New("unknown channel")

// sendAttempts is the bounded retry count for outbound replies. After the
// last attempt the Manager surfaces ErrDeliveryFailed and the reply is
// dropped (at-most-once delivery).
const sendAttempts = 3

// ConnState describes an adapter's connection state for the status surface.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateReconnecting ConnState = "reconnecting"
	StateAuthRequired ConnState = "auth_required"
	StateStopped      ConnState = "stopped"
)

// Handler consumes normalized inbound messages. The router registers
// itself here before the manager starts.
type Handler func(ctx context.Context, msg *Message, isDirect bool)

// Manager owns every enabled adapter: it runs their receive loops as
// independent tasks, reconnects on transport drops, and delivers replies
// with bounded retry.
type Manager struct {
	adapters map[Type]Adapter
	states   map[Type]ConnState
	handler  Handler
	logger   *slog.Logger

	mu sync.RWMutex
	wg sync.WaitGroup
}

// NewManager creates a Manager with no adapters registered.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		adapters: make(map[Type]Adapter),
		states:   make(map[Type]ConnState),
		logger:   logger.With("component", "channel-manager"),
	}
}

// Register adds an adapter. Must be called before Start.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Type()] = a
	m.states[a.Type()] = StateDisconnected
}

// SetHandler installs the inbound message handler. Must be called before
// Start.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Start launches one receive loop per registered adapter. It returns
// immediately; loops run until ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.adapters {
		m.wg.Add(1)
		go func(a Adapter) {
			defer m.wg.Done()
			m.runAdapter(ctx, a)
		}(a)
	}
	m.logger.Info("channel manager started", "adapters", len(m.adapters))
}

// runAdapter connects an adapter and pumps its receive stream, reconnecting
// with bounded exponential backoff on transport drops. Auth failures stop
// the loop: the operator must re-login, reconnecting would not help.
func (m *Manager) runAdapter(ctx context.Context, a Adapter) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			m.setState(a.Type(), StateStopped)
			return
		}

		if err := a.Connect(ctx); err != nil {
			if errors.Is(err, ErrChannelAuth) {
				m.setState(a.Type(), StateAuthRequired)
				m.logger.Error("channel auth failed, re-login required",
					"channel", a.Type(), "error", err)
				return
			}
			m.setState(a.Type(), StateReconnecting)
			wait := backoff(attempt)
			attempt++
			m.logger.Warn("channel connect failed, retrying",
				"channel", a.Type(), "attempt", attempt, "wait", wait, "error", err)
			if !sleepCtx(ctx, wait) {
				m.setState(a.Type(), StateStopped)
				return
			}
			continue
		}

		attempt = 0
		m.setState(a.Type(), StateConnected)
		m.logger.Info("channel connected", "channel", a.Type())

		if stopped := m.pump(ctx, a); stopped {
			m.setState(a.Type(), StateStopped)
			return
		}

		// Transport dropped: loop back into connect with fresh backoff.
		m.setState(a.Type(), StateReconnecting)
	}
}

// pump forwards inbound events to the handler until the stream drops or
// ctx is canceled. Returns true when the manager should stop for good.
func (m *Manager) pump(ctx context.Context, a Adapter) (stopped bool) {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-a.Receive():
			if !ok {
				m.logger.Warn("channel stream closed", "channel", a.Type())
				return false
			}
			if ev.Err != nil {
				if errors.Is(ev.Err, ErrChannelAuth) {
					m.setState(a.Type(), StateAuthRequired)
					m.logger.Error("channel session revoked, re-login required",
						"channel", a.Type(), "error", ev.Err)
					return true
				}
				m.logger.Warn("channel transport dropped",
					"channel", a.Type(), "error", ev.Err)
				return false
			}
			if ev.Message == nil {
				continue
			}
			m.mu.RLock()
			h := m.handler
			m.mu.RUnlock()
			if h != nil {
				h(ctx, ev.Message, ev.IsDirect)
			}
		}
	}
}

// Send delivers a reply through the channel's adapter, retrying transient
// failures up to sendAttempts with backoff. On exhaustion it returns an
// error wrapping ErrDeliveryFailed; the caller logs and drops the reply.
func (m *Manager) Send(ctx context.Context, ch Type, conversationID, text string) error {
	m.mu.RLock()
	a, ok := m.adapters[ch]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}

	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		if attempt > 0 {
			if !sleepCtx(ctx, backoff(attempt-1)) {
				return ctx.Err()
			}
		}
		if err := a.Send(ctx, conversationID, text); err != nil {
			lastErr = err
			m.logger.Warn("send failed",
				"channel", ch, "conversation_id", conversationID,
				"attempt", attempt+1, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w on %s after %d attempts: %v", ErrDeliveryFailed, ch, sendAttempts, lastErr)
}

// Status reports the connection state of every registered adapter.
func (m *Manager) Status() map[Type]ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[Type]ConnState, len(m.states))
	for t, s := range m.states {
		out[t] = s
	}
	return out
}

// Get returns the adapter for a channel type.
func (m *Manager) Get(ch Type) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[ch]
	return a, ok
}

// Close stops all adapters, allowing in-progress sends to complete, and
// waits for the receive loops to exit.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", a.Type(), err))
		}
	}
	m.wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("channel shutdown errors: %v", errs)
	}
	return nil
}

func (m *Manager) setState(t Type, s ConnState) {
	m.mu.Lock()
	m.states[t] = s
	m.mu.Unlock()
}

// sleepCtx waits for d or until ctx is canceled. Returns false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
