// ABOUTME: Tests for the channel manager's lifecycle and delivery guarantees.
// ABOUTME: Uses a fake adapter to exercise reconnect, auth stop, and bounded send retry.

package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scriptable Adapter for tests.
type fakeAdapter struct {
	typ         Type
	events      chan Event
	connectErrs []error // consumed per Connect call; nil entries succeed
	sendErrs    []error // consumed per Send call; nil entries succeed

	mu       sync.Mutex
	connects int
	sends    int
	closed   atomic.Bool
}

func newFakeAdapter(typ Type) *fakeAdapter {
	return &fakeAdapter{typ: typ, events: make(chan Event, 16)}
}

func (f *fakeAdapter) Type() Type { return f.typ }

func (f *fakeAdapter) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.connects
	f.connects++
	if idx < len(f.connectErrs) {
		return f.connectErrs[idx]
	}
	return nil
}

func (f *fakeAdapter) Receive() <-chan Event { return f.events }

func (f *fakeAdapter) Send(ctx context.Context, conversationID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.sends
	f.sends++
	if idx < len(f.sendErrs) {
		return f.sendErrs[idx]
	}
	return nil
}

func (f *fakeAdapter) Close(ctx context.Context) error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

func (f *fakeAdapter) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManager_DeliversInbound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newFakeAdapter(TypeWebChat)
	m := NewManager(nil)
	m.Register(adapter)

	var mu sync.Mutex
	var got []*Message
	m.SetHandler(func(_ context.Context, msg *Message, isDirect bool) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		assert.True(t, isDirect)
	})

	m.Start(ctx)

	adapter.events <- Event{
		Message:  &Message{ID: "m1", Channel: TypeWebChat, Text: "hello"},
		IsDirect: true,
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "inbound message never reached handler")

	cancel()
	require.NoError(t, m.Close(context.Background()))
}

func TestManager_AuthFailureStopsAdapter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newFakeAdapter(TypeTelegram)
	adapter.connectErrs = []error{ErrChannelAuth}

	m := NewManager(nil)
	m.Register(adapter)
	m.Start(ctx)

	// Auth failures do not reconnect; the operator must re-login
	waitFor(t, func() bool {
		return m.Status()[TypeTelegram] == StateAuthRequired
	}, "adapter never entered auth_required")

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, adapter.connectCount(), "auth failure must not trigger reconnect")

	cancel()
	require.NoError(t, m.Close(context.Background()))
}

func TestManager_ReconnectsOnTransportDrop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adapter := newFakeAdapter(TypeTelegram)
	m := NewManager(nil)
	m.Register(adapter)
	m.Start(ctx)

	waitFor(t, func() bool {
		return m.Status()[TypeTelegram] == StateConnected
	}, "adapter never connected")

	// A transport-drop event makes the manager loop back into Connect
	adapter.events <- Event{Err: errors.New("connection reset")}

	waitFor(t, func() bool {
		return adapter.connectCount() >= 2
	}, "adapter never reconnected after drop")

	cancel()
	require.NoError(t, m.Close(context.Background()))
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	adapter := newFakeAdapter(TypeWebChat)
	adapter.sendErrs = []error{errors.New("transient"), nil}

	m := NewManager(nil)
	m.Register(adapter)

	err := m.Send(context.Background(), TypeWebChat, "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, 2, adapter.sendCount())
}

func TestSend_ExhaustionReturnsDeliveryFailed(t *testing.T) {
	adapter := newFakeAdapter(TypeWebChat)
	adapter.sendErrs = []error{
		errors.New("fail 1"),
		errors.New("fail 2"),
		errors.New("fail 3"),
	}

	m := NewManager(nil)
	m.Register(adapter)

	err := m.Send(context.Background(), TypeWebChat, "conv-1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.Equal(t, sendAttempts, adapter.sendCount())
}

func TestSend_UnknownChannel(t *testing.T) {
	m := NewManager(nil)

	err := m.Send(context.Background(), TypeSignal, "conv-1", "hi")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestManager_Status(t *testing.T) {
	m := NewManager(nil)
	m.Register(newFakeAdapter(TypeWebChat))

	status := m.Status()
	assert.Equal(t, StateDisconnected, status[TypeWebChat])
}
