// ABOUTME: Core orchestrator routing inbound messages through auth, session, and agent
// ABOUTME: Per-conversation single-consumer workers keep replies in receipt order

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xaio-protocol/xaio-cli/internal/agent"
	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/pairing"
	"github.com/xaio-protocol/xaio-cli/internal/session"
)

const (
	// workerQueueSize bounds the per-conversation inbound queue. A full
	// queue drops the newest message rather than blocking the adapter.
	workerQueueSize = 32

	// workerIdleTimeout tears down a conversation worker after inactivity.
	workerIdleTimeout = 5 * time.Minute

	// DefaultDrainGrace is how long shutdown waits for in-flight work.
	DefaultDrainGrace = 10 * time.Second
)

// Completer is the agent boundary the router dispatches to.
type Completer interface {
	Complete(ctx context.Context, req *agent.Request) (*agent.Completion, error)
	Model() string
}

// Sender delivers replies back through the originating channel. The
// implementation retries transient failures and returns an error wrapping
// channel.ErrDeliveryFailed on exhaustion.
type Sender interface {
	Send(ctx context.Context, ch channel.Type, conversationID, text string) error
}

// Deduper suppresses redelivered inbound messages.
type Deduper interface {
	CheckAndMark(key string) bool
}

// Options tune router behavior. RequireMention decides whether a group
// conversation needs explicit addressing before the agent is consulted.
type Options struct {
	SystemPrompt   string
	ThinkingLevel  string
	Sandbox        string
	MentionAliases []string
	RequireMention func(ch channel.Type, conversationID string) bool
}

// Router receives normalized inbound messages, authorizes senders, tracks
// sessions, calls the agent, and dispatches replies. Work is fully
// concurrent across conversations and strictly serialized within one.
type Router struct {
	pairing  *pairing.Authority
	sessions *session.Registry
	agent    Completer
	sender   Sender
	dedupe   Deduper
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	workers  map[string]*worker
	draining bool
	drainCh  chan struct{}
	wg       sync.WaitGroup

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	procCtx  context.Context
}

type worker struct {
	queue chan *inboundTask
}

type inboundTask struct {
	msg      *channel.Message
	isDirect bool
}

// New creates a Router.
func New(p *pairing.Authority, s *session.Registry, completer Completer, sender Sender, dedupe Deduper, opts Options, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are XAIO, a personal AI assistant. Respond concisely and directly."
	}
	return &Router{
		pairing:  p,
		sessions: s,
		agent:    completer,
		sender:   sender,
		dedupe:   dedupe,
		opts:     opts,
		logger:   logger.With("component", "router"),
		workers:  make(map[string]*worker),
		drainCh:  make(chan struct{}),
	}
}

// HandleInbound is the entry point adapters feed through the channel
// manager. It never blocks on agent I/O: the message is queued to the
// conversation's worker and processed there.
func (r *Router) HandleInbound(ctx context.Context, msg *channel.Message, isDirect bool) {
	if msg == nil || msg.Text == "" {
		return
	}
	if r.dedupe != nil && r.dedupe.CheckAndMark(string(msg.Channel)+":"+msg.ID) {
		r.logger.Debug("duplicate inbound ignored", "channel", msg.Channel, "message_id", msg.ID)
		return
	}

	conv := channel.Conversation{
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		IsDirect:       isDirect,
	}
	key := conv.Key()
	task := &inboundTask{msg: msg, isDirect: isDirect}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		r.logger.Warn("inbound dropped during shutdown", "conversation", key)
		return
	}
	w, ok := r.workers[key]
	if !ok {
		w = &worker{queue: make(chan *inboundTask, workerQueueSize)}
		r.workers[key] = w
		r.wg.Add(1)
		go r.runWorker(key, w)
	}
	select {
	case w.queue <- task:
	default:
		r.logger.Warn("conversation queue full, dropping inbound",
			"conversation", key, "message_id", msg.ID)
	}
	r.mu.Unlock()
}

// runWorker is the single consumer for one conversation. It processes
// queued messages in receipt order and tears itself down when idle, so a
// slow agent call in one conversation never blocks another.
func (r *Router) runWorker(key string, w *worker) {
	defer r.wg.Done()

	idle := time.NewTimer(workerIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case task := <-w.queue:
			r.process(task)
			if r.exitIfDrained(key, w) {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(workerIdleTimeout)

		case <-idle.C:
			r.mu.Lock()
			if len(w.queue) == 0 {
				delete(r.workers, key)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
			idle.Reset(workerIdleTimeout)

		case <-r.drainCh:
			// Finish whatever is already queued, then exit.
			for {
				select {
				case task := <-w.queue:
					r.process(task)
				default:
					r.removeWorker(key)
					return
				}
			}
		}
	}
}

func (r *Router) exitIfDrained(key string, w *worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining && len(w.queue) == 0 {
		delete(r.workers, key)
		return true
	}
	return false
}

func (r *Router) removeWorker(key string) {
	r.mu.Lock()
	delete(r.workers, key)
	r.mu.Unlock()
}

// process runs the per-message state machine:
// received -> auth check -> mention gate -> session -> dispatch -> reply.
func (r *Router) process(task *inboundTask) {
	msg := task.msg
	conv := channel.Conversation{
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		IsDirect:       task.isDirect,
	}
	corrID := uuid.New().String()
	log := r.logger.With("correlation_id", corrID,
		"conversation", conv.Key(), "message_id", msg.ID)

	ctx := r.processCtx()

	// Direct messages from untrusted senders under pairing policy never
	// reach the agent; they get pairing instructions instead.
	if task.isDirect && r.pairing.PolicyFor(msg.Channel) == pairing.PolicyPairing &&
		!r.pairing.IsTrusted(ctx, msg.Channel, msg.SenderID) {
		r.replyPairing(ctx, msg, log)
		return
	}

	// Group messages may require explicit addressing. Unaddressed ones are
	// ignored without touching any session.
	text := msg.Text
	if !task.isDirect && r.opts.RequireMention != nil && r.opts.RequireMention(msg.Channel, msg.ConversationID) {
		stripped, addressed := r.stripMention(text)
		if !addressed {
			log.Debug("group message without mention ignored")
			return
		}
		text = stripped
	}

	sess := r.sessions.GetOrCreate(conv)
	r.sessions.Acquire(sess)
	defer r.sessions.Release(sess)

	inbound := msg
	if text != msg.Text {
		stripped := *msg
		stripped.Text = text
		inbound = &stripped
	}
	r.sessions.Append(sess, inbound)

	completion, err := r.agent.Complete(ctx, r.buildRequest(sess))
	if err != nil {
		// The inbound message stays in history, so the user can simply
		// re-ask; only one apologetic reply is sent.
		if errors.Is(err, agent.ErrTimeout) {
			log.Error("agent timeout", "error", err)
		} else {
			log.Error("agent error", "error", err)
		}
		r.reply(ctx, msg, "Something went wrong while reaching the agent. Please try again.", log)
		return
	}

	log.Debug("agent completed",
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens)

	outbound := &channel.Message{
		ID:             uuid.New().String(),
		Channel:        msg.Channel,
		ConversationID: msg.ConversationID,
		SenderID:       "agent",
		Text:           completion.Text,
		Direction:      channel.DirectionOut,
		Timestamp:      time.Now(),
	}
	r.sessions.Append(sess, outbound)
	r.reply(ctx, msg, completion.Text, log)
}

// buildRequest converts session history into agent turns. Must be called
// while holding the session via Acquire.
func (r *Router) buildRequest(sess *session.Session) *agent.Request {
	history := sess.History()
	turns := make([]agent.Turn, 0, len(history)+1)
	turns = append(turns, agent.Turn{Role: "system", Content: r.opts.SystemPrompt})
	for _, m := range history {
		role := "user"
		if m.Direction == channel.DirectionOut {
			role = "assistant"
		}
		turns = append(turns, agent.Turn{Role: role, Content: m.Text})
	}

	model := sess.Model
	if model == "" {
		model = r.agent.Model()
	}
	thinking := sess.ThinkingLevel
	if thinking == "" {
		thinking = r.opts.ThinkingLevel
	}
	return &agent.Request{
		Model:         model,
		Turns:         turns,
		ThinkingLevel: thinking,
		Sandbox:       r.opts.Sandbox,
	}
}

// replyPairing synthesizes the pairing-instruction reply. No agent call is
// made and no session is created for unpaired senders.
func (r *Router) replyPairing(ctx context.Context, msg *channel.Message, log *slog.Logger) {
	req, err := r.pairing.Request(ctx, msg.Channel, msg.SenderID)
	if err != nil {
		log.Error("pairing request failed", "error", err)
		return
	}
	text := fmt.Sprintf(
		"You are not paired with this gateway yet. Your pairing code is %s. "+
			"Ask the operator to approve it with: xaio pair approve %s %s",
		req.Code, msg.Channel, req.Code)
	r.reply(ctx, msg, text, log)
}

// reply sends a single reply through the originating channel. Delivery
// failures are logged and dropped: replies are at-most-once, never resent.
func (r *Router) reply(ctx context.Context, inbound *channel.Message, text string, log *slog.Logger) {
	if err := r.sender.Send(ctx, inbound.Channel, inbound.ConversationID, text); err != nil {
		if errors.Is(err, channel.ErrDeliveryFailed) {
			log.Error("reply delivery failed, dropping", "error", err)
			return
		}
		log.Error("reply send failed", "error", err)
	}
}

// stripMention reports whether the text addresses the agent and returns
// the text with a leading alias removed.
func (r *Router) stripMention(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, alias := range r.opts.MentionAliases {
		a := strings.ToLower(alias)
		if a == "" {
			continue
		}
		if strings.HasPrefix(lower, a) {
			return strings.TrimSpace(text[len(alias):]), true
		}
		if strings.Contains(lower, a) {
			return text, true
		}
	}
	return text, false
}

// Start binds the router to a base context used for all processing. The
// processing context deliberately survives cancellation of ctx: when the run
// context ends, queued and in-flight work must still drain for the grace
// period. Only Shutdown's post-grace force-cancel stops it.
func (r *Router) Start(ctx context.Context) {
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancelMu.Lock()
	r.cancel = cancel
	r.procCtx = procCtx
	r.cancelMu.Unlock()
}

// Shutdown stops accepting inbound messages, drains in-flight work for
// the grace period, then force-cancels remaining agent calls.
func (r *Router) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultDrainGrace
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	close(r.drainCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("router drained cleanly")
	case <-time.After(grace):
		r.logger.Warn("drain grace elapsed, force-cancelling in-flight work")
		r.cancelMu.Lock()
		if r.cancel != nil {
			r.cancel()
		}
		r.cancelMu.Unlock()
		<-done
	}
}

// ActiveConversations reports how many conversation workers are live.
func (r *Router) ActiveConversations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

func (r *Router) processCtx() context.Context {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.procCtx != nil {
		return r.procCtx
	}
	return context.Background()
}
