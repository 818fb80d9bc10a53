package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/strandapp/strand/internal/chat"
	"github.com/strandapp/strand/internal/config"
	"github.com/strandapp/strand/internal/llm"
	"github.com/strandapp/strand/internal/mcp"
	"github.com/strandapp/strand/internal/tree"
)

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default ~/.config/strand/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(regenCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(mcpCmd)
}

var rootCmd = &cobra.Command{
	Use:   "strand",
	Short: "Provider-agnostic LLM chat with branching conversations",
	Long: `strand talks to OpenAI, Anthropic, and Google model endpoints through one
streaming pipeline, records every turn in a branching conversation tree, and
runs MCP tools in the model's tool loop.

Examples:
  strand new --provider openai --model gpt-4o
  strand send <conversation> "explain this stack trace" --search
  strand regen <conversation> 2      # new candidate for node 2
  strand conversations list`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

// app wires the pieces one command invocation needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  tree.Store
	mcp    *mcp.Manager
	orch   *chat.Orchestrator
}

func newApp(ctx context.Context, withTools bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	logger := newLogger(logLevel)

	storePath := cfg.StorePath
	if storePath == "" {
		dir, err := config.DataDir()
		if err != nil {
			return nil, err
		}
		storePath = filepath.Join(dir, "strand.db")
	}
	store, err := tree.NewSQLiteStore(storePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := llm.NewToolRegistry()
	manager := mcp.NewManager(logger)
	if withTools {
		manager.StartAll(ctx, cfg.MCPServers)
		mcp.RegisterTools(manager, registry)
	}

	orch := chat.NewOrchestrator(store, cfg, registry, chat.Options{
		MaxTurns:      cfg.MaxTurns,
		ContextBudget: cfg.ContextBudget,
	}, logger)

	return &app{cfg: cfg, logger: logger, store: store, mcp: manager, orch: orch}, nil
}

func (a *app) Close() {
	a.mcp.StopAll()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}

func (a *app) provider(id string) (config.ProviderSetting, error) {
	if id == "" {
		id = a.cfg.DefaultProvider
	}
	setting, ok := a.cfg.Provider(id)
	if !ok {
		return config.ProviderSetting{}, fmt.Errorf("unknown provider %q", id)
	}
	return setting, nil
}
