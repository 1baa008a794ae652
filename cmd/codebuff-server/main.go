// Package main is the agent runtime server. It terminates websocket
// connections from the CLI, runs agent trees against the configured
// LLM provider, and delegates filesystem and shell tools back to the
// connected client.
//
// Start the server:
//
//	codebuff-server serve --config server.yaml
//
// Environment variables:
//
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codebuff/agent-runtime/internal/config"
	"github.com/codebuff/agent-runtime/internal/executor"
	"github.com/codebuff/agent-runtime/internal/gateway"
	"github.com/codebuff/agent-runtime/internal/llm"
	"github.com/codebuff/agent-runtime/internal/observability"
	"github.com/codebuff/agent-runtime/internal/websearch"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:           "codebuff-server",
		Short:         "Agent runtime server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent runtime server",
		Long: `Start the websocket gateway and serve prompts.

The server loads its configuration, connects the configured LLM
provider, and listens for CLI clients. Shutdown is graceful on
SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codebuff-server %s (%s)\n", version, commit)
		},
	}
}

func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var search executor.Handler
	if cfg.WebSearch.Backend != "" {
		client, err := websearch.New(websearch.Config{
			Backend: websearch.Backend(cfg.WebSearch.Backend),
			BaseURL: cfg.WebSearch.BaseURL,
			APIKey:  cfg.WebSearch.APIKey,
		})
		if err != nil {
			return err
		}
		search = client.Handler()
	}

	server := gateway.NewServer(gateway.Config{
		Addr:       cfg.Server.Addr,
		AuthToken:  cfg.Server.AuthToken,
		Provider:   provider,
		WebSearch:  search,
		ChildSteps: cfg.Runtime.ChildSteps,
		Metrics:    observability.NewMetrics(nil),
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch cfg.Provider.Kind {
	case "anthropic":
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
			MaxTokens:    cfg.Provider.MaxTokens,
		})
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.Provider.APIKey,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
			MaxTokens:    cfg.Provider.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}
