// Package server provides the public entry point for initializing the
// onboarding control plane.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
//
// The CLI's run and overview commands use the same Server without the HTTP
// listener, calling srv.Engine and srv.Store directly.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/onboardly/control-plane/internal/agents"
	"github.com/onboardly/control-plane/internal/aggregation"
	"github.com/onboardly/control-plane/internal/api"
	"github.com/onboardly/control-plane/internal/api/handlers"
	"github.com/onboardly/control-plane/internal/audit"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/escalation"
	"github.com/onboardly/control-plane/internal/notify"
	"github.com/onboardly/control-plane/internal/orchestrator"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/internal/telemetry"
	"github.com/onboardly/control-plane/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the control plane server. Zero
// fields keep the environment-derived values.
type Config struct {
	Port         int
	Version      string
	DataDir      string
	PolicyFile   string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string

	// Agents replaces the reference agent registry when set.
	Agents *agents.Registry
}

// Server holds the initialized control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store  store.Store
	Engine *orchestrator.Engine
	Trail  audit.Trail

	// Registry holds the Prometheus collectors served on /metrics.
	Registry *prometheus.Registry

	Config *Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		DataDir:      cfg.DataDir,
		PolicyFile:   cfg.PolicyFile,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes all components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	applyOverrides(cfg, pubCfg)

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	// Policy file thresholds win over the environment.
	if policy.Thresholds != nil {
		cfg.Thresholds = *policy.Thresholds
	}

	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore(store.Options{
		DataDir:  cfg.DataDir,
		MaxDepth: cfg.Orchestration.MaxDepth,
	})
	log.Info().Str("data_dir", cfg.DataDir).Msg("✅ State store initialized")
	dataStore.Subscribe(models.EventError, func(ev models.StateEvent) error {
		log.Warn().
			Str("agent_id", ev.AgentID).
			Str("session_id", ev.SessionID).
			Interface("payload", ev.Payload).
			Msg("Agent reported an error")
		return nil
	})

	trail, err := audit.Open(cfg.Audit, cfg.DataDir)
	if err != nil {
		_ = dataStore.Close()
		return nil, fmt.Errorf("open audit trail: %w", err)
	}

	chain, err := escalation.NewChain(escalation.Options{
		Store:      dataStore,
		Trail:      trail,
		Notifier:   notify.NewService(notifyChannels(cfg.Notify)...),
		Policy:     policy,
		Thresholds: cfg.Thresholds,
		Recovery:   cfg.Recovery,
	})
	if err != nil {
		_ = trail.Close()
		_ = dataStore.Close()
		return nil, fmt.Errorf("build escalation chain: %w", err)
	}
	log.Info().Strs("rules", chain.Classifier().Rules()).Msg("✅ Escalation chain initialized")

	registry := pubCfg.Agents
	if registry == nil {
		registry = agents.Defaults()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine, err := orchestrator.NewEngine(orchestrator.Options{
		Store:          dataStore,
		Agents:         registry,
		Chain:          chain,
		Aggregator:     aggregation.New(cfg.Thresholds),
		Metrics:        orchestrator.MustNewMetrics(reg),
		AgentTimeout:   cfg.Orchestration.AgentTimeout,
		DefaultPattern: models.OrchestrationPattern(cfg.Orchestration.DefaultPattern),
	})
	if err != nil {
		_ = trail.Close()
		_ = dataStore.Close()
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	if err := engine.RegisterAgents(ctx); err != nil {
		_ = trail.Close()
		_ = dataStore.Close()
		return nil, err
	}
	log.Info().Msg("✅ Orchestrator initialized")

	router := api.NewRouter(cfg, handlers.New(dataStore, engine, trail), reg)

	pubCfg.Port = cfg.Port
	return &Server{
		Handler:      router,
		Store:        dataStore,
		Engine:       engine,
		Trail:        trail,
		Registry:     reg,
		Config:       pubCfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// Close flushes the store snapshot and closes the audit trail.
func (s *Server) Close() error {
	return errors.Join(s.Trail.Close(), s.Store.Close())
}

func applyOverrides(cfg *config.Config, pub *Config) {
	if pub.Port > 0 {
		cfg.Port = pub.Port
	}
	if pub.Version != "" {
		cfg.Version = pub.Version
	}
	if pub.DataDir != "" {
		cfg.DataDir = pub.DataDir
	}
	if pub.PolicyFile != "" {
		cfg.PolicyFile = pub.PolicyFile
	}
	if pub.OTELEnabled {
		cfg.Telemetry.Enabled = true
	}
	if pub.OTELEndpoint != "" {
		cfg.Telemetry.OTLPEndpoint = pub.OTELEndpoint
	}
	if pub.ServiceName != "" {
		cfg.Telemetry.ServiceName = pub.ServiceName
	}
}

// notifyChannels always keeps the log channel and adds a webhook when one is
// configured.
func notifyChannels(cfg config.NotifyConfig) []notify.Channel {
	channels := []notify.Channel{{Name: "log", Kind: notify.ChannelLog, Active: true}}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.Channel{
			Name:   "webhook",
			Kind:   notify.ChannelWebhook,
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
			Active: true,
		})
	}
	return channels
}
