// ABOUTME: Telegram adapter using Bot API long polling over plain HTTP
// ABOUTME: Normalizes updates into Messages; chat type "private" maps to direct conversations

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	telegramAPIBase     = "https://api.telegram.org"
	telegramPollTimeout = 30 // seconds, long-poll hold on getUpdates
)

// Telegram polls the Bot API for updates. The Bot API is a plain HTTP
// surface, so no SDK is involved: getMe validates the token, getUpdates
// long-polls for inbound messages, sendMessage delivers replies.
type Telegram struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	events   chan Event

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

// telegram wire types, trimmed to the fields the gateway reads.
type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		MessageID int64 `json:"message_id"`
		From      *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID   int64  `json:"id"`
			Type string `json:"type"`
		} `json:"chat"`
		Date int64  `json:"date"`
		Text string `json:"text"`
	} `json:"message"`
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// NewTelegram creates a Telegram adapter for the given bot token.
func NewTelegram(botToken string, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		botToken: botToken,
		baseURL:  telegramAPIBase,
		client:   &http.Client{Timeout: (telegramPollTimeout + 10) * time.Second},
		logger:   logger.With("component", "telegram"),
		events:   make(chan Event, 64),
	}
}

// Type implements Adapter.
func (t *Telegram) Type() Type { return TypeTelegram }

// Connect implements Adapter. Validates the bot token with getMe and
// starts the polling loop. A 401/403 from the API means the token is
// invalid or revoked and is reported as ErrChannelAuth.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.botToken == "" {
		return fmt.Errorf("%w: telegram bot token not configured", ErrChannelAuth)
	}

	if _, err := t.call(ctx, "getMe", nil); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return nil
	}
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.started = true
	go t.poll(pollCtx)
	return nil
}

// Receive implements Adapter.
func (t *Telegram) Receive() <-chan Event { return t.events }

// Send implements Adapter. One sendMessage attempt; the Manager retries.
func (t *Telegram) Send(ctx context.Context, conversationID, text string) error {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram conversation id %q: %w", conversationID, err)
	}
	_, err = t.call(ctx, "sendMessage", map[string]any{
		"chat_id": chatID,
		"text":    text,
	})
	return err
}

// Close implements Adapter.
func (t *Telegram) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	return nil
}

// poll long-polls getUpdates until the context is canceled or the
// transport drops. A drop emits ErrDisconnected and ends the loop; the
// Manager reconnects through Connect with backoff.
func (t *Telegram) poll(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := t.call(ctx, "getUpdates", map[string]any{
			"offset":  offset,
			"timeout": telegramPollTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.markStopped()
			select {
			case t.events <- Event{Err: fmt.Errorf("%w: %v", ErrDisconnected, err)}:
			case <-ctx.Done():
			}
			return
		}

		var updates []tgUpdate
		if err := json.Unmarshal(raw, &updates); err != nil {
			t.logger.Warn("malformed getUpdates result", "error", err)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			msg := t.normalize(u)
			if msg == nil {
				continue
			}
			select {
			case t.events <- Event{Message: msg, IsDirect: u.Message.Chat.Type == "private"}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// normalize converts a Telegram update to the common Message shape.
// Non-text updates (joins, stickers, edits) are dropped.
func (t *Telegram) normalize(u tgUpdate) *Message {
	if u.Message == nil || u.Message.Text == "" || u.Message.From == nil {
		return nil
	}
	return &Message{
		ID:             strconv.FormatInt(u.Message.MessageID, 10),
		Channel:        TypeTelegram,
		ConversationID: strconv.FormatInt(u.Message.Chat.ID, 10),
		SenderID:       strconv.FormatInt(u.Message.From.ID, 10),
		Text:           u.Message.Text,
		Direction:      DirectionIn,
		Timestamp:      time.Unix(u.Message.Date, 0),
	}
}

// call performs one Bot API request and unwraps the standard envelope.
func (t *Telegram) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.botToken, method)

	var body *bytes.Reader
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: telegram API status %d", ErrChannelAuth, resp.StatusCode)
	}

	var envelope tgResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding telegram response: %w", err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("telegram %s: %s", method, envelope.Description)
	}
	return envelope.Result, nil
}

func (t *Telegram) markStopped() {
	t.mu.Lock()
	t.started = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.mu.Unlock()
}

// SetBaseURL overrides the Bot API base URL. Used by tests.
func (t *Telegram) SetBaseURL(u string) { t.baseURL = u }
