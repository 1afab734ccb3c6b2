// ABOUTME: HTTP control-plane handlers for status, pairing, nodes, and config
// ABOUTME: All admin routes pass through the configured auth middleware; health does not

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/node"
	"github.com/xaio-protocol/xaio-cli/internal/pairing"
)

// registerRoutes mounts the control plane. The health endpoint and the
// webchat websocket stay open; webchat senders are gated by pairing, not
// admin auth.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	if g.webchat != nil {
		mux.Handle("/webchat/ws", g.webchat)
	}

	guard := g.authMW.Wrap
	mux.Handle("/status", guard(http.HandlerFunc(g.handleStatus)))
	mux.Handle("/pairing", guard(http.HandlerFunc(g.handlePairingList)))
	mux.Handle("/pairing/approve", guard(http.HandlerFunc(g.handlePairingApprove)))
	mux.Handle("/nodes", guard(http.HandlerFunc(g.handleNodesList)))
	mux.Handle("/nodes/register", guard(http.HandlerFunc(g.handleNodeRegister)))
	mux.Handle("/nodes/heartbeat", guard(http.HandlerFunc(g.handleNodeHeartbeat)))
	mux.Handle("/config/get", guard(http.HandlerFunc(g.handleConfigGet)))
	mux.Handle("/config/set", guard(http.HandlerFunc(g.handleConfigSet)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleStatus reports channel connection states, live session count, and
// uptime.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	channels := make(map[string]string)
	for t, s := range g.channels.Status() {
		channels[string(t)] = string(s)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channels":             channels,
		"sessions":             g.sessions.Len(),
		"active_conversations": g.router.ActiveConversations(),
		"pending_pairings":     len(g.pairing.Pending()),
		"model":                g.agent.Model(),
		"uptime_seconds":       int(time.Since(g.startedAt).Seconds()),
	})
}

type pairingEntry struct {
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// handlePairingList returns all unexpired pending pairing requests.
func (g *Gateway) handlePairingList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	pending := g.pairing.Pending()
	out := make([]pairingEntry, 0, len(pending))
	for _, req := range pending {
		out = append(out, pairingEntry{
			Channel:   string(req.Channel),
			SenderID:  req.SenderID,
			Code:      req.Code,
			CreatedAt: req.CreatedAt,
			Status:    string(req.Status),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out})
}

// handlePairingApprove resolves a pending request by channel and code.
func (g *Gateway) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// "channelType" is the documented field name; "channel" is accepted as
	// an alias since the CLI and older clients send it.
	var body struct {
		Channel     string `json:"channel"`
		ChannelType string `json:"channelType"`
		Code        string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ch := body.ChannelType
	if ch == "" {
		ch = body.Channel
	}
	if ch == "" || body.Code == "" {
		writeError(w, http.StatusBadRequest, "channelType and code are required")
		return
	}

	req, err := g.pairing.Approve(r.Context(), channel.Type(ch), body.Code)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrUnknownCode):
			writeError(w, http.StatusNotFound, "unknown pairing code")
		case errors.Is(err, pairing.ErrCodeExpired):
			writeError(w, http.StatusGone, "pairing code expired")
		default:
			writeError(w, http.StatusInternalServerError, "approval failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, pairingEntry{
		Channel:   string(req.Channel),
		SenderID:  req.SenderID,
		Code:      req.Code,
		CreatedAt: req.CreatedAt,
		Status:    string(req.Status),
	})
}

type nodeEntry struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	Channel      string    `json:"channel,omitempty"`
	LastSeen     time.Time `json:"last_seen"`
	Stale        bool      `json:"stale"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// handleNodesList returns all registered nodes.
func (g *Gateway) handleNodesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	nodes := g.nodes.List()
	out := make([]nodeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeEntry{
			ID:           n.ID,
			Label:        n.Label,
			Channel:      n.Channel,
			LastSeen:     n.LastSeen,
			Stale:        n.Stale,
			Capabilities: n.Capabilities,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// handleNodeRegister adds or refreshes a companion node.
func (g *Gateway) handleNodeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body nodeEntry
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	g.nodes.Register(&node.Node{
		ID:           body.ID,
		Label:        body.Label,
		Channel:      body.Channel,
		Capabilities: body.Capabilities,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

// handleNodeHeartbeat refreshes a node's liveness.
func (g *Gateway) handleNodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := g.nodes.Heartbeat(body.ID); err != nil {
		if errors.Is(err, node.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, "node not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleConfigGet resolves a dotted config key.
func (g *Gateway) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	val, err := g.config.Get(key)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": val})
}

// handleConfigSet assigns a dotted config key and persists the file. The
// running gateway keeps its current wiring; changed values apply on restart.
func (g *Gateway) handleConfigSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Key == "" {
		writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}

	if err := g.config.Set(body.Key, body.Value); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if g.configPath != "" {
		if err := g.config.Save(g.configPath); err != nil {
			writeError(w, http.StatusInternalServerError, "saving config failed")
			return
		}
	}
	g.logger.Info("config updated", "key", body.Key)
	writeJSON(w, http.StatusOK, map[string]string{"key": body.Key, "status": "saved"})
}
