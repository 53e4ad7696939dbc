// Package main is the nanobot CLI: a long-running personal agent reachable
// over chat channels, with tool execution and persistent memory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/channels/telegram"
	"github.com/nanobot-ai/nanobot/internal/config"
	"github.com/nanobot-ai/nanobot/internal/consolidate"
	"github.com/nanobot-ai/nanobot/internal/contextbuilder"
	"github.com/nanobot-ai/nanobot/internal/health"
	"github.com/nanobot-ai/nanobot/internal/memstore"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/orchestrator"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/subagent"
	"github.com/nanobot-ai/nanobot/internal/tokens"
	"github.com/nanobot-ai/nanobot/internal/tools"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "nanobot",
		Short:        "A persistent personal agent reachable over chat channels",
		SilenceUsage: true,
	}

	var configPath string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	serve.Flags().StringVarP(&configPath, "config", "c", "nanobot.yaml", "path to the config file")

	root.AddCommand(serve, &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("nanobot %s (%s, built %s)\n", version, commit, date)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	observability.RegisterMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(128)
	counter := tokens.Default()

	provider := providers.NewOpenAIClient(providers.OpenAIOptions{
		APIKey:          cfg.LLM.APIKey,
		BaseURL:         cfg.LLM.BaseURL,
		RequestTimeout:  cfg.LLM.RequestTimeout,
		BreakerFailures: cfg.LLM.BreakerFailures,
		BreakerCooldown: cfg.LLM.BreakerCooldown,
	})

	memory, err := memstore.New(cfg.MemoryDir(), memstore.Options{
		DailyMode:        cfg.Memory.DailyMode,
		ConflictStrategy: cfg.Memory.ConflictStrategy,
		PreferenceKeys:   cfg.Memory.PreferenceKeys,
	}, logger)
	if err != nil {
		return err
	}

	home, _ := os.UserHomeDir()
	store, err := sessions.New(cfg.SessionsDir(), filepath.Join(home, ".nanobot_sessions"), logger)
	if err != nil {
		return err
	}

	ws, err := tools.NewWorkspace(cfg.Workspace)
	if err != nil {
		return err
	}

	// Subagents get the leaf tools but no message or spawn access.
	subRegistry := tools.NewRegistry(logger, true)
	registerLeafTools(subRegistry, ws, logger)
	subMgr := subagent.New(provider, subRegistry, b, logger, subagent.Options{
		MaxConcurrent: cfg.Subagent.MaxConcurrent,
		Timeout:       cfg.Subagent.Timeout,
		MaxIterations: cfg.Subagent.MaxIterations,
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
	})

	registry := tools.NewRegistry(logger, true)
	registerLeafTools(registry, ws, logger)
	msgTool := tools.NewMessageTool(b)
	spawnTool := tools.NewSpawnTool(subMgr)
	cronTool := tools.NewCronTool(b)
	registry.Register(msgTool)
	registry.Register(spawnTool)
	registry.Register(cronTool)
	defer cronTool.Stop()

	builder := contextbuilder.New(contextbuilder.Options{
		ContextBudget:        cfg.LLM.ContextBudget,
		ReplyReserve:         cfg.LLM.ReplyReserve,
		SlidingWindowTurns:   cfg.Agent.SlidingWindowTurns,
		CompactToolThreshold: cfg.Agent.CompactToolThreshold,
		CompactCharThreshold: cfg.Agent.CompactCharThreshold,
		PromptCaching:        cfg.LLM.PromptCaching,
		Workspace:            cfg.Workspace,
	}, counter, registry, memory, logger)

	runner := agent.New(provider, registry, builder.GuardLoop, logger, agent.Options{
		MaxIterations: cfg.Agent.MaxIterations,
		MaxRetries:    cfg.LLM.MaxRetries,
		Model:         cfg.LLM.Model,
		MaxTokens:     cfg.LLM.MaxTokens,
		Temperature:   cfg.LLM.Temperature,
	})

	engine := consolidate.NewEngine(memory, provider, counter, logger, consolidate.Options{
		Window:       cfg.Memory.Window,
		InputBudget:  cfg.Memory.InputBudget,
		ReplyReserve: cfg.Memory.ReplyReserve,
		DailyMode:    cfg.Memory.DailyMode,
		Model:        cfg.LLM.Model,
		MaxTokens:    cfg.LLM.MaxTokens,
	})
	coord := consolidate.NewCoordinator()

	orch := orchestrator.New(b, store, builder, runner, engine, coord, subMgr, logger,
		orchestrator.Options{MemoryWindow: cfg.Memory.Window})
	orch.AttachRouting(msgTool, spawnTool, cronTool)

	var adapter *telegram.Adapter
	if cfg.Channels.Telegram.Enabled {
		adapter, err = telegram.New(telegram.Config{
			Token:    cfg.Channels.Telegram.Token,
			MediaDir: filepath.Join(cfg.Workspace, "media"),
		}, b, logger)
		if err != nil {
			return err
		}
		adapter.Start(ctx)
	}

	channelsFn := func() map[string]map[string]any {
		out := map[string]map[string]any{}
		if adapter != nil {
			out["telegram"] = adapter.Status()
		}
		return out
	}
	healthSrv := health.New(cfg.Health.Addr, orch, b, channelsFn, streamingDiagnostics(provider), logger)
	healthSrv.SetSessionLister(store)
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil {
			logger.Error(ctx, "health server failed", "error", err)
		}
	}()

	logger.Info(ctx, "nanobot started", "version", version, "workspace", cfg.Workspace)
	err = orch.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := healthSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn(shutdownCtx, "health shutdown failed", "error", serr)
	}
	if adapter != nil {
		adapter.Wait()
	}
	subMgr.Shutdown()

	if err == context.Canceled {
		return nil
	}
	return err
}

// registerLeafTools installs the filesystem, shell, and web tools.
func registerLeafTools(reg *tools.Registry, ws *tools.Workspace, logger *observability.Logger) {
	reg.Register(tools.NewReadFileTool(ws, logger))
	reg.Register(tools.NewWriteFileTool(ws, logger))
	reg.Register(tools.NewEditFileTool(ws, logger))
	reg.Register(tools.NewListDirTool(ws, logger))
	reg.Register(tools.NewExecTool(ws, 2*time.Minute))
	reg.Register(tools.NewWebFetchTool())
}

// streamingDiagnostics reports whether the provider supports streaming.
func streamingDiagnostics(p providers.Provider) health.StreamingDiagnostics {
	if _, ok := p.(providers.StreamingProvider); ok {
		return health.StreamingDiagnostics{EffectiveEnabled: true, Reasons: []string{}}
	}
	return health.StreamingDiagnostics{
		EffectiveEnabled: false,
		Reasons:          []string{"provider does not implement the streaming contract"},
	}
}
