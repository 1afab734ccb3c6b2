// ABOUTME: Gateway orchestrator wiring channels, pairing, sessions, and the router
// ABOUTME: Owns the HTTP control plane and graceful startup/shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/xaio-protocol/xaio-cli/internal/agent"
	"github.com/xaio-protocol/xaio-cli/internal/auth"
	"github.com/xaio-protocol/xaio-cli/internal/channel"
	"github.com/xaio-protocol/xaio-cli/internal/config"
	"github.com/xaio-protocol/xaio-cli/internal/dedupe"
	"github.com/xaio-protocol/xaio-cli/internal/node"
	"github.com/xaio-protocol/xaio-cli/internal/pairing"
	"github.com/xaio-protocol/xaio-cli/internal/router"
	"github.com/xaio-protocol/xaio-cli/internal/session"
	"github.com/xaio-protocol/xaio-cli/internal/store"
)

// Sweep cadences for the background maintenance loops.
const (
	pairingSweepInterval  = 60 * time.Second
	sessionSweepInterval  = time.Minute
	snapshotInterval      = 5 * time.Minute
	nodeStaleInterval     = 30 * time.Second
	dedupeTTL             = 5 * time.Minute
	dedupeMaxSize         = 100_000
	shutdownServerTimeout = 5 * time.Second
)

// Gateway orchestrates the xaio gateway components: channel adapters, the
// pairing authority, session and node registries, the agent client, and
// the message router. It also serves the HTTP control plane.
type Gateway struct {
	config     *config.Config
	configPath string

	store      store.Store
	pairing    *pairing.Authority
	sessions   *session.Registry
	nodes      *node.Registry
	agent      *agent.Client
	channels   *channel.Manager
	router     *router.Router
	dedupe     *dedupe.Cache
	webchat    *channel.WebChat
	httpServer *http.Server
	authMW     *auth.Middleware
	logger     *slog.Logger

	startedAt time.Time
}

// initStore creates a store from config, honoring the XAIO_DB_PATH override.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("XAIO_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving database path: %w", err)
		}
		dbPath = home + "/.xaio/gateway.db"
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// buildAuthMiddleware constructs the admin-surface guard for the configured
// auth mode.
func buildAuthMiddleware(cfg *config.Config) (*auth.Middleware, error) {
	switch cfg.Gateway.Auth.Mode {
	case "", "none":
		return auth.NewMiddleware("none", nil, nil), nil
	case "password":
		checker, err := auth.NewPasswordChecker(cfg.Gateway.Auth.Password)
		if err != nil {
			return nil, fmt.Errorf("creating password checker: %w", err)
		}
		return auth.NewMiddleware("password", checker, nil), nil
	case "token":
		verifier := auth.NewJWTVerifier([]byte(cfg.Gateway.Auth.Token))
		return auth.NewMiddleware("token", nil, verifier), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Gateway.Auth.Mode)
	}
}

// channelPolicies extracts per-channel DM policy overrides from config.
func channelPolicies(cfg *config.Config) map[channel.Type]pairing.Policy {
	out := make(map[channel.Type]pairing.Policy)
	for name, ch := range cfg.Channels {
		if ch.DmPolicy != "" {
			out[channel.Type(name)] = pairing.Policy(ch.DmPolicy)
		}
	}
	return out
}

// buildAdapters constructs adapters for every enabled channel. Channel types
// without an adapter are reported and skipped, not fatal: a config written
// for a fuller build should still start this one.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (adapters []channel.Adapter, webchat *channel.WebChat) {
	for name, chCfg := range cfg.Channels {
		if !chCfg.Enabled {
			continue
		}
		switch channel.Type(name) {
		case channel.TypeWebChat:
			webchat = channel.NewWebChat(logger)
			adapters = append(adapters, webchat)
		case channel.TypeTelegram:
			adapters = append(adapters, channel.NewTelegram(chCfg.BotToken, logger))
		default:
			logger.Warn("no adapter for enabled channel, skipping", "channel", name)
		}
	}
	return adapters, webchat
}

// requireMentionFunc resolves the per-group mention requirement from config.
// Groups default to requiring a mention unless explicitly configured off.
func requireMentionFunc(cfg *config.Config) func(ch channel.Type, conversationID string) bool {
	return func(ch channel.Type, conversationID string) bool {
		chCfg, ok := cfg.Channels[string(ch)]
		if !ok {
			return true
		}
		if g, ok := chCfg.Groups[conversationID]; ok {
			return g.RequireMention
		}
		if g, ok := chCfg.Groups["*"]; ok {
			return g.RequireMention
		}
		return true
	}
}

// New creates a Gateway from a validated configuration. configPath is kept
// so the config-set admin operation can persist changes.
func New(cfg *config.Config, configPath string, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authMW, err := buildAuthMiddleware(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}

	pairingAuth := pairing.New(pairing.Config{
		Store:         s,
		GlobalPolicy:  pairing.Policy(cfg.Security.DmPolicy),
		ChannelPolicy: channelPolicies(cfg),
		Logger:        logger,
	})

	sessions := session.NewRegistry(session.Config{
		Persister: s,
		Logger:    logger,
	})

	nodes := node.NewRegistry(node.DefaultStaleTimeout, logger)

	agentClient := agent.NewClient(agent.Config{
		BaseURL: cfg.Grok.BaseURL,
		APIKey:  cfg.Grok.APIKey,
		Model:   cfg.Agent.Model,
		Logger:  logger,
	})

	channels := channel.NewManager(logger)
	adapters, webchat := buildAdapters(cfg, logger)
	for _, a := range adapters {
		channels.Register(a)
	}

	dedupeCache := dedupe.New(dedupeTTL, dedupeMaxSize)

	rtr := router.New(pairingAuth, sessions, agentClient, channels, dedupeCache, router.Options{
		ThinkingLevel:  cfg.Agent.ThinkingLevel,
		Sandbox:        cfg.Security.Sandbox.Mode,
		MentionAliases: []string{"@xaio", "xaio"},
		RequireMention: requireMentionFunc(cfg),
	}, logger)

	channels.SetHandler(rtr.HandleInbound)

	g := &Gateway{
		config:     cfg,
		configPath: configPath,
		store:      s,
		pairing:    pairingAuth,
		sessions:   sessions,
		nodes:      nodes,
		agent:      agentClient,
		channels:   channels,
		router:     rtr,
		dedupe:     dedupeCache,
		webchat:    webchat,
		authMW:     authMW,
		logger:     logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.BindAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run starts the gateway and blocks until the context is canceled or a
// server error occurs. Sessions are restored before any adapter connects so
// no inbound message races the restore.
func (g *Gateway) Run(ctx context.Context) error {
	g.startedAt = time.Now()

	if err := g.sessions.Restore(ctx); err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	ln, err := net.Listen("tcp", g.config.BindAddr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.BindAddr(), err)
	}

	g.router.Start(ctx)
	g.channels.Start(ctx)

	go g.pairing.Run(ctx, pairingSweepInterval)
	go g.sessions.Run(ctx, session.DefaultIdleTTL, sessionSweepInterval, snapshotInterval)
	go g.nodes.Run(ctx, nodeStaleInterval)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("control plane listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already
// canceled by the time we get here.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownServerTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops accepting traffic, drains the router, snapshots sessions,
// and closes everything down. Order matters: the router drains while the
// adapters are still up so in-flight replies can be delivered, then the
// adapters close, then state is persisted.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	g.router.Shutdown(router.DefaultDrainGrace)

	if err := g.channels.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing channels: %w", err))
	}

	if err := g.sessions.SnapshotAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("snapshotting sessions: %w", err))
	}

	g.dedupe.Close()

	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
