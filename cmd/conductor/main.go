// Command conductor wires the gateway's collaborators together: config,
// session store, memory backend, context builder, compactor, model
// profile chain, tool registry, approval gate, provider, assistant loop,
// lane scheduler, channel adapters, and the control-plane HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/internal/agent/jobs"
	"github.com/lanehub/conductor/internal/agent/providers"
	"github.com/lanehub/conductor/internal/agent/tools"
	"github.com/lanehub/conductor/internal/channels"
	"github.com/lanehub/conductor/internal/channels/discord"
	"github.com/lanehub/conductor/internal/channels/telegram"
	"github.com/lanehub/conductor/internal/compaction"
	agentctx "github.com/lanehub/conductor/internal/context"
	"github.com/lanehub/conductor/internal/config"
	"github.com/lanehub/conductor/internal/controlplane"
	"github.com/lanehub/conductor/internal/lane"
	"github.com/lanehub/conductor/internal/memory"
	"github.com/lanehub/conductor/internal/memory/pgvector"
	"github.com/lanehub/conductor/internal/sessions"
	"github.com/lanehub/conductor/pkg/models"
)

func main() {
	configPath := flag.String("config", "conductor.yaml", "path to configuration file")
	controlAddr := flag.String("control-addr", ":8080", "control-plane HTTP listen address")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(*configPath, *controlAddr, logger); err != nil {
		logger.Error("conductor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath, controlAddr string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := buildSessionStore(ctx, cfg)
	if err != nil {
		return err
	}

	memBackend, err := buildMemoryBackend(ctx, cfg)
	if err != nil {
		return err
	}

	builder := agentctx.NewBuilder(cfg.ContextBuilderConfig(), memBackend)
	compactor := compaction.NewCompactor(cfg.CompactionConfig(), store, memBackend)

	registry := agent.NewToolRegistry()
	jobStore := jobs.NewMemoryStore()
	if err := tools.RegisterBuiltins(registry, ".", jobStore); err != nil {
		return err
	}

	humanApprover := agent.NewChannelHumanApprover()
	approval := agent.NewApprovalGate(cfg.ApprovalPolicy(), nil, humanApprover)

	profiles, err := buildProfileChain(cfg)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	loopCfg := cfg.LoopConfig()
	loopCfg.JobStore = jobStore
	loopCfg.AsyncTools = []string{"shell.run"}
	loopCfg.SupportsStreamingDeltas = true
	loop := agent.NewLoop(provider, profiles, registry, approval, store, builder, compactor, memBackend, loopCfg)

	registryCh := channels.NewRegistry()

	runFunc := func(runCtx context.Context, scope models.SessionScope, triggerText string, meta map[string]any, runID string) error {
		out := make(chan models.OutboundEnvelope, 8)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for env := range out {
				if sendErr := registryCh.Send(runCtx, env); sendErr != nil {
					adapterErr := &agent.AdapterError{ChannelID: string(env.ChannelID), Op: string(env.Kind), Err: sendErr}
					logger.Warn("outbound send failed", "error", adapterErr)
				}
			}
		}()

		outcome := loop.Run(runCtx, scope, triggerText, meta, runID, out, nil)
		close(out)
		<-done

		if outcome.Err != nil {
			logger.Error("run failed", "scope", scope.Key(), "run_id", runID, "error", outcome.Err)
			return outcome.Err
		}
		return nil
	}

	onDrop := func(dropCtx context.Context, scope models.SessionScope, droppedTotal int64) {
		if _, err := store.Upsert(dropCtx, scope, func(s *models.Session) error {
			s.OverloadCount = droppedTotal
			return nil
		}); err != nil {
			logger.Warn("failed to persist overload counter", "scope", scope.Key(), "error", err)
		}
	}

	scheduler := lane.NewScheduler(cfg.LaneConfig(), runFunc, onDrop)

	configStore, err := config.NewStore(cfg)
	if err != nil {
		return err
	}
	control := controlplane.New(controlplane.Config{
		Addr:        controlAddr,
		Logger:      logger,
		Sessions:    store,
		Approver:    humanApprover,
		Channels:    registryCh,
		Profiles:    profiles,
		ConfigStore: configStore,
	})

	inbound := func(evCtx context.Context, env models.InboundEnvelope) {
		if !senderAllowed(cfg, env.SenderID) {
			logger.Warn("rejected message from disallowed sender", "sender_id", env.SenderID)
			return
		}
		scheduler.Submit(evCtx, env)
	}
	wireChannels(cfg, registryCh, inbound, logger)

	if err := registryCh.StartAll(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = registryCh.StopAll(stopCtx)
	}()

	go func() {
		if err := control.Start(ctx); err != nil {
			logger.Error("control plane stopped", "error", err)
		}
	}()

	<-ctx.Done()
	scheduler.Shutdown()
	logger.Info("conductor shutting down")
	return nil
}

func senderAllowed(cfg *config.Config, senderID string) bool {
	if cfg.Security.AllowAllSenders {
		return true
	}
	for _, id := range cfg.Security.AllowedUsers {
		if id == senderID {
			return true
		}
	}
	return false
}

func buildSessionStore(ctx context.Context, cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "postgres":
		return sessions.NewPostgresStore(ctx, sessions.DefaultPostgresConfig(cfg.Sessions.PostgresDSN))
	case "memory":
		return sessions.NewMemoryStore(), nil
	default:
		return sessions.NewSQLiteStore(ctx, cfg.Sessions.SQLitePath)
	}
}

func buildMemoryBackend(ctx context.Context, cfg *config.Config) (memory.Backend, error) {
	switch cfg.Memory.Backend {
	case "pgvector":
		embedder := pgvector.NewTEIEmbedder("", cfg.Memory.Dimensions)
		return pgvector.New(ctx, cfg.Memory.PostgresDSN, embedder)
	case "memory":
		return memory.NewStub(), nil
	default:
		return nil, nil
	}
}

func buildProfileChain(cfg *config.Config) (*agent.ProfileChain, error) {
	profiles := []*models.ModelProfile{
		{ID: "primary", Provider: "anthropic", Model: cfg.General.Model, SupportsStreaming: true, SupportsTools: true},
	}
	for i, fallback := range cfg.General.FallbackModels {
		profiles = append(profiles, &models.ModelProfile{
			ID:                fallbackID(i),
			Provider:          "anthropic",
			Model:             fallback,
			SupportsStreaming: true,
			SupportsTools:     true,
		})
	}
	base := time.Duration(cfg.General.FailoverCooldownBaseSeconds) * time.Second
	max := time.Duration(cfg.General.FailoverCooldownMaxSeconds) * time.Second
	return agent.NewProfileChain(profiles, base, max), nil
}

func fallbackID(i int) string {
	return "fallback-" + string(rune('a'+i))
}

func buildProvider(cfg *config.Config) (agent.Provider, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY is required")
	}
	return providers.NewAnthropicProvider(providers.AnthropicConfig{
		APIKey:       apiKey,
		DefaultModel: cfg.General.Model,
	})
}

// wireChannels builds and registers every enabled channel adapter, binding
// each one to inbound so accepted envelopes flow straight into the lane
// scheduler. An adapter whose constructor fails is logged and not
// registered.
func wireChannels(cfg *config.Config, registry *channels.Registry, inbound channels.InboundSender, logger *slog.Logger) {
	if cfg.Channels.Telegram != nil && cfg.Channels.Telegram.Enabled {
		registry.Register(telegram.New(telegram.Config{Token: cfg.Channels.Telegram.Token, Logger: logger}, inbound))
	}
	if cfg.Channels.Discord != nil && cfg.Channels.Discord.Enabled {
		if adapter, err := discord.New(discord.Config{Token: cfg.Channels.Discord.Token, Logger: logger}, inbound); err == nil {
			registry.Register(adapter)
		} else {
			logger.Error("discord adapter not registered", "error", err)
		}
	}
}
