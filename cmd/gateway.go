package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/approval"
	"github.com/openclaw/openclaw/internal/bootstrap"
	"github.com/openclaw/openclaw/internal/bus"
	"github.com/openclaw/openclaw/internal/channels"
	"github.com/openclaw/openclaw/internal/channels/discord"
	"github.com/openclaw/openclaw/internal/channels/telegram"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/gateway"
	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/mcp"
	"github.com/openclaw/openclaw/internal/pairing"
	"github.com/openclaw/openclaw/internal/providers"
	"github.com/openclaw/openclaw/internal/scheduler"
	"github.com/openclaw/openclaw/internal/sessions"
	"github.com/openclaw/openclaw/internal/store"
	"github.com/openclaw/openclaw/internal/telemetry"
	"github.com/openclaw/openclaw/internal/tools"
	"github.com/openclaw/openclaw/internal/transcript"
	"github.com/openclaw/openclaw/pkg/protocol"
)

// Exit codes: 0 normal stop, 1 bind/runtime failure, 2 config failure,
// 3 non-loopback bind without auth.
const (
	exitOK         = 0
	exitRuntime    = 1
	exitConfig     = 2
	exitAuthNeeded = 3
)

// busDepth is the inbound/outbound queue depth of the message bus.
const busDepth = 256

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// runGateway boots every subsystem and blocks until a signal stops it.
func runGateway() int {
	setupLogging()

	if _, err := bootstrap.EnsureStateDir(); err != nil {
		slog.Warn("state dir setup failed", "error", err)
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "path", cfgPath, "error", err)
		return exitConfig
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if tp, err := telemetry.Init(ctx, cfg.Telemetry); err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else if tp != nil {
		defer tp.Shutdown(context.Background())
	}

	// Workspace: absolute path, seeded with the starter markdown files.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("workspace seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("workspace seeded", "files", seeded)
	}

	msgBus := bus.NewMessageBus(busDepth)

	sessStore, err := store.Open(cfg)
	if err != nil {
		slog.Error("session store open failed", "error", err)
		return exitRuntime
	}

	pairingStore, err := pairing.Open(config.PairingDBPath())
	if err != nil {
		slog.Error("pairing store open failed", "error", err)
		return exitRuntime
	}
	defer pairingStore.Close()

	registry, err := sessions.NewRegistry(cfg, sessStore, pairingStore)
	if err != nil {
		slog.Error("session registry init failed", "error", err)
		return exitRuntime
	}

	transcripts := transcript.NewStore(0)

	providerReg := providers.NewRegistry()
	registerProviders(providerReg, cfg)
	if len(providerReg.List()) == 0 {
		slog.Error("no provider API key configured; run `openclaw onboard` or set OPENCLAW_ANTHROPIC_API_KEY")
		return exitConfig
	}

	approvals, err := approval.NewEngine(cfg, msgBus, config.ApprovalsPath())
	if err != nil {
		slog.Error("approval engine init failed", "error", err)
		return exitRuntime
	}

	toolsReg := tools.NewRegistry()

	ctrl := agent.NewController(agent.ControllerOptions{
		Config:      cfg,
		Sessions:    registry,
		Transcripts: transcripts,
		Providers:   providerReg,
		Tools:       toolsReg,
		ToolPolicy:  tools.NewPolicyEngine(&cfg.Tools),
		Approvals:   approvals,
		Events:      msgBus,
		Router:      msgBus,
	})
	sched := scheduler.New(ctrl, msgBus)
	ctrl.AttachScheduler(sched)
	defer sched.Close()

	registerBuiltinTools(toolsReg, cfg, workspace, approvals, registry, transcripts, ctrl)

	mcpMgr := mcp.NewManager(toolsReg, cfg.Tools.McpServers)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp startup incomplete", "error", err)
	}
	defer mcpMgr.Stop()

	cronStore := cron.NewStore(config.CronJobsPath())
	if err := cronStore.Load(); err != nil {
		slog.Warn("cron store load failed", "error", err)
	}
	cronSvc := cron.NewService(cfg, cronStore, ctrl, msgBus, registry)
	if err := cronStore.Watch(cronSvc.Wake); err != nil {
		slog.Warn("cron watcher unavailable", "error", err)
	}
	defer cronStore.Close()
	if err := cronSvc.Start(ctx); err != nil {
		slog.Warn("cron service start failed", "error", err)
	}
	defer cronSvc.Stop()

	gate := ingress.NewGate(cfg, registry, pairingStore)

	channelMgr := channels.NewManager(msgBus)
	registerChannels(channelMgr, cfg, msgBus)
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("channel start failed", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	go consumeInbound(ctx, cfg, msgBus, gate, ctrl)

	server := gateway.NewServer(cfg, msgBus, gateway.Deps{
		Controller:  ctrl,
		Registry:    registry,
		Transcripts: transcripts,
		Gate:        gate,
		Cron:        cronSvc,
		CronStore:   cronStore,
		Approvals:   approvals,
		Pairing:     pairingStore,
		ConfigPath:  cfgPath,
	})

	// Tailscale serves the same mux as the TCP listener. Build tag tsnet.
	if cleanup := gateway.StartTailscale(ctx, cfg, server.BuildMux()); cleanup != nil {
		defer cleanup()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				slog.Info("shutdown requested", "signal", sig)
				cancel()
			case <-reloadCh:
				fresh, err := config.Load(cfgPath)
				if err != nil {
					slog.Error("config reload failed", "error", err)
					continue
				}
				cfg.ReplaceFrom(fresh)
				slog.Info("config reloaded", "path", cfgPath)
			}
		}
	}()

	slog.Info("openclaw gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"providers", providerReg.List(),
		"channels", channelMgr.Status(),
	)

	if err := server.Start(ctx); err != nil {
		if errors.Is(err, gateway.ErrAuthRequired) {
			slog.Error(err.Error())
			return exitAuthNeeded
		}
		slog.Error("gateway stopped", "error", err)
		return exitRuntime
	}
	return exitOK
}

// registerProviders builds LLM providers from config. A provider without
// an API key is simply absent from the registry.
func registerProviders(reg *providers.Registry, cfg *config.Config) {
	if key := cfg.Providers.Anthropic.APIKey; key != "" {
		opts := []providers.AnthropicOption{}
		if cfg.Agents.Defaults.Provider == "anthropic" && cfg.Agents.Defaults.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Agents.Defaults.Model))
		}
		if base := cfg.Providers.Anthropic.APIBase; base != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(base))
		}
		reg.Register(providers.NewAnthropicProvider(key, opts...))
	}
	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		model := ""
		if cfg.Agents.Defaults.Provider == "openai" {
			model = cfg.Agents.Defaults.Model
		}
		reg.Register(providers.NewOpenAIProvider("openai", key, cfg.Providers.OpenAI.APIBase, model))
	}
}

// registerBuiltinTools wires the standard tool set into the registry.
func registerBuiltinTools(reg *tools.Registry, cfg *config.Config, workspace string, approvals *approval.Engine, sessReg *sessions.Registry, transcripts *transcript.Store, ctrl *agent.Controller) {
	restrict := cfg.Agents.Defaults.RestrictToWorkspace

	reg.Register(tools.NewExecTool(cfg.Tools.Exec, workspace, restrict, approvals))
	reg.Register(tools.NewReadFileTool(workspace, restrict))
	reg.Register(tools.NewWriteFileTool(workspace, restrict))
	reg.Register(tools.NewEditFileTool(workspace, restrict))
	reg.Register(tools.NewListFilesTool(workspace, restrict))

	reg.Register(tools.NewSessionsListTool(sessReg))
	reg.Register(tools.NewSessionStatusTool(sessReg))
	reg.Register(tools.NewSessionsHistoryTool(sessReg, transcripts))
	reg.Register(tools.NewSessionsSpawnTool(ctrl))
	reg.Register(tools.NewSessionsSendTool(sessReg, ctrl.SendToSession))

	reg.Register(tools.NewWebFetchTool(tools.WebFetchConfig{}))
	reg.Register(tools.NewWebSearchTool(tools.WebSearchConfig{
		BraveAPIKey:  os.Getenv("OPENCLAW_BRAVE_API_KEY"),
		BraveEnabled: true,
		DDGEnabled:   true,
	}))
}

// registerChannels instantiates the adapters enabled in config.
func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if tg := cfg.Channels.Telegram; tg.Enabled && tg.Token != "" {
		ch, err := telegram.New(tg, msgBus)
		if err != nil {
			slog.Error("telegram adapter init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if dc := cfg.Channels.Discord; dc.Enabled && dc.Token != "" {
		ch, err := discord.New(dc, msgBus)
		if err != nil {
			slog.Error("discord adapter init failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
}
