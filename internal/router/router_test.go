// ABOUTME: Tests for the message router's state machine and worker model.
// ABOUTME: Covers pairing gates, mention gating, ordering, dedupe, errors, and shutdown.

package router

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaio-protocol/xaio-cli/internal/agent"
	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/pairing"
	"github.com/xaio-protocol/xaio-cli/internal/session"
)

// fakeCompleter scripts agent responses.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []*agent.Request
	reply    string
	err      error
	delay    time.Duration
}

func (f *fakeCompleter) Complete(ctx context.Context, req *agent.Request) (*agent.Completion, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	delay, err, reply := f.delay, f.err, f.reply
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, agent.ErrTimeout
		}
	}
	if err != nil {
		return nil, err
	}
	return &agent.Completion{Text: reply, Usage: agent.Usage{TotalTokens: 3}}, nil
}

func (f *fakeCompleter) Model() string { return "grok-3" }

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type sentReply struct {
	channel        channel.Type
	conversationID string
	text           string
}

// fakeSender records outbound replies.
type fakeSender struct {
	mu    sync.Mutex
	sent  []sentReply
	fail  error
	seenC chan sentReply
}

func newFakeSender() *fakeSender {
	return &fakeSender{seenC: make(chan sentReply, 32)}
}

func (f *fakeSender) Send(_ context.Context, ch channel.Type, conversationID, text string) error {
	f.mu.Lock()
	fail := f.fail
	if fail == nil {
		f.sent = append(f.sent, sentReply{ch, conversationID, text})
	}
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	f.seenC <- sentReply{ch, conversationID, text}
	return nil
}

func (f *fakeSender) replies() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) waitReply(t *testing.T) sentReply {
	t.Helper()
	select {
	case r := <-f.seenC:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
		return sentReply{}
	}
}

// memTrust is an in-memory pairing.TrustStore.
type memTrust struct {
	mu      sync.Mutex
	trusted map[string]bool
}

func newMemTrust() *memTrust { return &memTrust{trusted: make(map[string]bool)} }

func (s *memTrust) IsTrusted(_ context.Context, ch channel.Type, senderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trusted[string(ch)+":"+senderID], nil
}

func (s *memTrust) SaveTrusted(_ context.Context, ch channel.Type, senderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trusted[string(ch)+":"+senderID] = true
	return nil
}

type testEnv struct {
	router    *Router
	pairing   *pairing.Authority
	sessions  *session.Registry
	completer *fakeCompleter
	sender    *fakeSender
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	auth := pairing.New(pairing.Config{Store: newMemTrust(), GlobalPolicy: pairing.PolicyPairing})
	sessions := session.NewRegistry(session.Config{})
	completer := &fakeCompleter{reply: "agent says hi"}
	sender := newFakeSender()

	r := New(auth, sessions, completer, sender, nil, opts, nil)
	r.Start(context.Background())
	t.Cleanup(func() { r.Shutdown(time.Second) })

	return &testEnv{router: r, pairing: auth, sessions: sessions, completer: completer, sender: sender}
}

func inbound(ch channel.Type, conv, sender, text string) *channel.Message {
	return &channel.Message{
		ID:             "msg-" + text,
		Channel:        ch,
		ConversationID: conv,
		SenderID:       sender,
		Text:           text,
		Direction:      channel.DirectionIn,
		Timestamp:      time.Now(),
	}
}

func trust(t *testing.T, env *testEnv, ch channel.Type, sender string) {
	t.Helper()
	ctx := context.Background()
	req, err := env.pairing.Request(ctx, ch, sender)
	require.NoError(t, err)
	_, err = env.pairing.Approve(ctx, ch, req.Code)
	require.NoError(t, err)
}

func TestUntrustedDirect_GetsPairingReply(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "conv-1", "stranger", "hello"), true)

	reply := env.sender.waitReply(t)
	assert.Contains(t, reply.text, "not paired with this gateway")
	assert.Contains(t, reply.text, "xaio pair approve telegram")

	// No agent call, no session
	assert.Equal(t, 0, env.completer.callCount())
	assert.Equal(t, 0, env.sessions.Len())

	// A pending request now exists for the sender
	pending := env.pairing.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "stranger", pending[0].SenderID)
	assert.Contains(t, reply.text, pending[0].Code)
}

func TestUntrustedDirect_SameCodeOnRepeat(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "stranger", "one"), true)
	first := env.sender.waitReply(t)
	env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "stranger", "two"), true)
	second := env.sender.waitReply(t)

	pending := env.pairing.Pending()
	require.Len(t, pending, 1)
	assert.Contains(t, first.text, pending[0].Code)
	assert.Contains(t, second.text, pending[0].Code)
}

func TestTrustedDirect_ReachesAgent(t *testing.T) {
	env := newTestEnv(t, Options{})
	trust(t, env, channel.TypeTelegram, "friend")

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "conv-1", "friend", "what time is it"), true)

	reply := env.sender.waitReply(t)
	assert.Equal(t, "agent says hi", reply.text)
	assert.Equal(t, channel.TypeTelegram, reply.channel)
	assert.Equal(t, "conv-1", reply.conversationID)

	// Session history holds the inbound and the reply
	sess, ok := env.sessions.Get("telegram:conv-1")
	require.True(t, ok)
	history := sess.History()
	require.Len(t, history, 2)
	assert.Equal(t, "what time is it", history[0].Text)
	assert.Equal(t, channel.DirectionIn, history[0].Direction)
	assert.Equal(t, "agent says hi", history[1].Text)
	assert.Equal(t, channel.DirectionOut, history[1].Direction)
	assert.Equal(t, "agent", history[1].SenderID)
}

func TestBuildRequest_SystemPromptAndHistory(t *testing.T) {
	env := newTestEnv(t, Options{ThinkingLevel: "medium", Sandbox: "off"})
	trust(t, env, channel.TypeTelegram, "friend")
	ctx := context.Background()

	env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", "first"), true)
	env.sender.waitReply(t)
	env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", "second"), true)
	env.sender.waitReply(t)

	env.completer.mu.Lock()
	defer env.completer.mu.Unlock()
	require.Len(t, env.completer.requests, 2)

	second := env.completer.requests[1]
	require.GreaterOrEqual(t, len(second.Turns), 4)
	assert.Equal(t, "system", second.Turns[0].Role)
	assert.Contains(t, second.Turns[0].Content, "XAIO")
	assert.Equal(t, "user", second.Turns[1].Role)
	assert.Equal(t, "first", second.Turns[1].Content)
	assert.Equal(t, "assistant", second.Turns[2].Role)
	assert.Equal(t, "user", second.Turns[3].Role)
	assert.Equal(t, "second", second.Turns[3].Content)
	assert.Equal(t, "medium", second.ThinkingLevel)
	assert.Equal(t, "grok-3", second.Model)
}

func TestGroupWithoutMention_Ignored(t *testing.T) {
	env := newTestEnv(t, Options{
		MentionAliases: []string{"@xaio"},
		RequireMention: func(channel.Type, string) bool { return true },
	})

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "group-1", "member", "just chatting"), false)

	// Nothing happens: no agent call, no session, no reply
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.completer.callCount())
	assert.Equal(t, 0, env.sessions.Len())
	assert.Empty(t, env.sender.replies())
}

func TestGroupWithMention_StripsAlias(t *testing.T) {
	env := newTestEnv(t, Options{
		MentionAliases: []string{"@xaio"},
		RequireMention: func(channel.Type, string) bool { return true },
	})

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "group-1", "member", "@xaio what is up"), false)

	env.sender.waitReply(t)

	sess, ok := env.sessions.Get("telegram:group-1")
	require.True(t, ok)
	history := sess.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "what is up", history[0].Text, "leading alias is stripped")
}

func TestGroupMentionNotRequired(t *testing.T) {
	env := newTestEnv(t, Options{
		MentionAliases: []string{"@xaio"},
		RequireMention: func(channel.Type, string) bool { return false },
	})

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "group-1", "member", "no mention here"), false)

	reply := env.sender.waitReply(t)
	assert.Equal(t, "agent says hi", reply.text)
}

func TestAgentError_SingleApology_InboundKept(t *testing.T) {
	env := newTestEnv(t, Options{})
	trust(t, env, channel.TypeTelegram, "friend")
	env.completer.err = agent.ErrTimeout

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "conv-1", "friend", "are you there"), true)

	reply := env.sender.waitReply(t)
	assert.Contains(t, reply.text, "Something went wrong")

	// Exactly one apology
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.sender.replies(), 1)

	// The inbound message stays last in history so the user can re-ask
	sess, ok := env.sessions.Get("telegram:conv-1")
	require.True(t, ok)
	history := sess.History()
	require.Len(t, history, 1)
	assert.Equal(t, "are you there", history[0].Text)
}

func TestDeliveryFailure_Dropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	trust(t, env, channel.TypeTelegram, "friend")
	env.sender.fail = channel.ErrDeliveryFailed

	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "conv-1", "friend", "hello"), true)

	// The reply is dropped without retry or crash; history still records it
	waitCond(t, func() bool {
		sess, ok := env.sessions.Get("telegram:conv-1")
		return ok && len(sess.History()) == 2
	}, "completion never recorded")
	assert.Empty(t, env.sender.replies())
}

func TestDedupe_SuppressesRedelivery(t *testing.T) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	dedupe := deduperFunc(func(key string) bool {
		mu.Lock()
		defer mu.Unlock()
		if seen[key] {
			return true
		}
		seen[key] = true
		return false
	})

	auth := pairing.New(pairing.Config{Store: newMemTrust(), GlobalPolicy: pairing.PolicyOpen})
	sessions := session.NewRegistry(session.Config{})
	completer := &fakeCompleter{reply: "ok"}
	sender := newFakeSender()

	r := New(auth, sessions, completer, sender, dedupe, Options{}, nil)
	r.Start(context.Background())
	defer r.Shutdown(time.Second)

	msg := inbound(channel.TypeTelegram, "conv-1", "friend", "hello")
	ctx := context.Background()
	r.HandleInbound(ctx, msg, true)
	sender.waitReply(t)
	r.HandleInbound(ctx, msg, true)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, completer.callCount(), "redelivered message must be processed once")
}

type deduperFunc func(string) bool

func (f deduperFunc) CheckAndMark(key string) bool { return f(key) }

func TestPerConversationOrdering(t *testing.T) {
	env := newTestEnv(t, Options{})
	trust(t, env, channel.TypeTelegram, "friend")
	env.completer.delay = 20 * time.Millisecond
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", text), true)
	}
	for i := 0; i < 3; i++ {
		env.sender.waitReply(t)
	}

	// Requests reached the agent strictly in receipt order
	env.completer.mu.Lock()
	defer env.completer.mu.Unlock()
	require.Len(t, env.completer.requests, 3)
	last := func(req *agent.Request) string { return req.Turns[len(req.Turns)-1].Content }
	assert.Equal(t, "one", last(env.completer.requests[0]))
	assert.Equal(t, "two", last(env.completer.requests[1]))
	assert.Equal(t, "three", last(env.completer.requests[2]))
}

func TestConversationsRunConcurrently(t *testing.T) {
	env := newTestEnv(t, Options{})
	trust(t, env, channel.TypeTelegram, "friend")
	env.completer.delay = 100 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		conv := "conv-" + string(rune('a'+i))
		env.router.HandleInbound(ctx, inbound(channel.TypeTelegram, conv, "friend", "hi"), true)
	}
	for i := 0; i < 4; i++ {
		env.sender.waitReply(t)
	}

	// Four conversations at 100ms each finish far sooner than serial 400ms
	assert.Less(t, time.Since(start), 350*time.Millisecond,
		"conversations must be processed concurrently")
}

func TestShutdown_DrainsQueuedWork(t *testing.T) {
	auth := pairing.New(pairing.Config{Store: newMemTrust(), GlobalPolicy: pairing.PolicyOpen})
	sessions := session.NewRegistry(session.Config{})
	completer := &fakeCompleter{reply: "done", delay: 10 * time.Millisecond}
	sender := newFakeSender()

	r := New(auth, sessions, completer, sender, nil, Options{}, nil)
	r.Start(context.Background())

	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		r.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", text), true)
	}

	r.Shutdown(2 * time.Second)

	assert.Equal(t, 3, completer.callCount(), "queued messages drain before shutdown completes")
	assert.Equal(t, 0, r.ActiveConversations())

	// New inbound after shutdown is dropped
	r.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", "late"), true)
	assert.Equal(t, 3, completer.callCount())
}

func TestRunContextCancel_InFlightWorkDrains(t *testing.T) {
	auth := pairing.New(pairing.Config{Store: newMemTrust(), GlobalPolicy: pairing.PolicyOpen})
	sessions := session.NewRegistry(session.Config{})
	completer := &fakeCompleter{reply: "done", delay: 50 * time.Millisecond}
	sender := newFakeSender()

	r := New(auth, sessions, completer, sender, nil, Options{}, nil)
	runCtx, cancel := context.WithCancel(context.Background())
	r.Start(runCtx)

	ctx := context.Background()
	for _, text := range []string{"a", "b"} {
		r.HandleInbound(ctx, inbound(channel.TypeTelegram, "conv-1", "friend", text), true)
	}

	// The run context ends (as on SIGINT) while work is queued. Processing
	// must keep going until the drain below completes it.
	cancel()
	r.Shutdown(2 * time.Second)

	replies := sender.replies()
	require.Len(t, replies, 2)
	assert.Equal(t, "done", replies[0].text, "in-flight work must finish, not abort with an apology")
	assert.Equal(t, "done", replies[1].text)
	assert.Equal(t, 2, completer.callCount())
}

func TestStripMention(t *testing.T) {
	r := New(nil, nil, nil, nil, nil, Options{MentionAliases: []string{"@xaio", "xaio"}}, nil)

	text, ok := r.stripMention("@xaio hello there")
	assert.True(t, ok)
	assert.Equal(t, "hello there", text)

	// Mid-text mention addresses without stripping
	text, ok = r.stripMention("hey xaio, got a sec")
	assert.True(t, ok)
	assert.True(t, strings.Contains(text, "xaio"))

	_, ok = r.stripMention("nothing relevant")
	assert.False(t, ok)
}

func TestEmptyMessageIgnored(t *testing.T) {
	env := newTestEnv(t, Options{})

	env.router.HandleInbound(context.Background(), nil, true)
	env.router.HandleInbound(context.Background(),
		inbound(channel.TypeTelegram, "conv-1", "friend", ""), true)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, env.router.ActiveConversations())
}

func waitCond(t *testing.T, cond func() bool, msg string) {
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
