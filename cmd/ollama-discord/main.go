package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rcs/ollama-discord/internal/agent"
	"github.com/rcs/ollama-discord/internal/bus"
	"github.com/rcs/ollama-discord/internal/channel"
	"github.com/rcs/ollama-discord/internal/config"
	"github.com/rcs/ollama-discord/internal/coordination"
	"github.com/rcs/ollama-discord/internal/domain"
	"github.com/rcs/ollama-discord/internal/provider"
	"github.com/rcs/ollama-discord/internal/session"
	"github.com/rcs/ollama-discord/internal/storage"
	"github.com/rcs/ollama-discord/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "ollama-discord",
		Short:   "Multi-agent chat responder backed by local Ollama models",
		Long:    "ollama-discord runs several conversational agents on shared Discord and Telegram channels, coordinating so each message gets a bounded number of replies.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ~/.ollama-discord/config.yaml)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(statsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			if err := config.Save(cfgPath, config.Example()); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Printf("Wrote %s. Fill in agent tokens (via env vars) and run `ollama-discord run`.\n", cfgPath)
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file without connecting anywhere",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			for _, a := range cfg.EnabledAgents() {
				fmt.Printf("agent %-16s transport=%-8s channels=%s\n",
					a.Name, a.Transport, strings.Join(a.Channels, ","))
			}
			fmt.Printf("%s: OK (%d enabled agents)\n", cfgPath, len(cfg.EnabledAgents()))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect all agents and start responding",
		RunE:  runAgents,
	}
}

// busSender routes orchestrator replies back through the message bus to
// whichever transport the agent registered.
type busSender struct {
	bus *bus.InMemoryBus
}

func (s busSender) Send(ctx context.Context, agentName, channelID, content string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.bus.SendOutbound(agentName, domain.OutboundMessage{
		Agent:     agentName,
		ChannelID: channelID,
		Content:   content,
	})
	return nil
}

func openStore(cfg *config.Config) (domain.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.DBPath, logger)
	default:
		return storage.NewFileStore(cfg.Storage.Path, logger)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runAgents(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := coordination.NewEngine(coordination.Config{
		MaxPerMessage:  cfg.Coordination.MaxConcurrentResponses,
		MaxInFlight:    cfg.Coordination.MaxInFlight,
		MessageHistory: cfg.Coordination.MessageHistory,
		Logger:         logger,
	})
	for _, a := range cfg.EnabledAgents() {
		if err := engine.Register(a.Identity()); err != nil {
			return fmt.Errorf("register agent %s: %w", a.Name, err)
		}
	}

	sessions := session.NewManager(session.Config{
		Store:        store,
		Gap:          time.Duration(cfg.Session.Gap),
		Timeout:      time.Duration(cfg.Session.Timeout),
		ContextDepth: cfg.Session.ContextDepth,
		Logger:       logger,
	})

	collector := telemetry.NewCollector(cfg.Telemetry.AuditSize)

	generator := provider.NewOllama(provider.OllamaConfig{
		APIBase:      cfg.Provider.APIBase,
		DefaultModel: cfg.Provider.DefaultModel,
		Logger:       logger,
	})
	if err := generator.Healthy(ctx); err != nil {
		logger.Warn("ollama not reachable yet, continuing anyway", "api_base", cfg.Provider.APIBase, "err", err)
	}

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	orch := agent.NewOrchestrator(agent.Config{
		Coordinator:       engine,
		Sessions:          sessions,
		Collector:         collector,
		Generator:         generator,
		Sender:            busSender{bus: messageBus},
		Logger:            logger,
		GenerationTimeout: time.Duration(cfg.GenerationTimeout),
	})

	var transports []domain.Channel
	for _, a := range cfg.EnabledAgents() {
		var tr domain.Channel
		switch a.Transport {
		case "telegram":
			tr = channel.NewTelegram(channel.TelegramConfig{
				Agent:  a.Name,
				Token:  a.Token,
				Logger: logger,
			})
		default:
			tr = channel.NewDiscord(channel.DiscordConfig{
				Agent:   a.Name,
				Token:   a.Token,
				GuildID: a.GuildID,
				Logger:  logger,
			})
		}
		transports = append(transports, tr)

		agentName := a.Name
		go func() {
			if err := tr.Start(ctx, messageBus); err != nil {
				logger.Error("transport stopped", "agent", agentName, "err", err)
				stop()
			}
		}()
		go orch.RunWorker(ctx, agentName, messageBus.Subscribe(agentName))
	}

	go retentionLoop(ctx, store, cfg.Storage.RetentionDays)

	logger.Info("running", "agents", len(cfg.EnabledAgents()), "version", version)
	<-ctx.Done()

	logger.Info("shutting down")
	orch.Drain(30 * time.Second)
	for _, tr := range transports {
		if err := tr.Stop(); err != nil {
			logger.Warn("transport stop", "channel", tr.Name(), "err", err)
		}
	}

	counters := collector.Snapshot()
	logger.Info("final counters",
		"messages_seen", counters.MessagesSeen,
		"responses_sent", counters.ResponsesSent,
		"duplicates", counters.Duplicates,
		"errors", counters.Errors)
	return nil
}

// retentionLoop purges messages older than the configured retention window,
// once at startup and then daily.
func retentionLoop(ctx context.Context, store domain.Store, retentionDays int) {
	purge := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		removed, err := store.PurgeBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("retention purge failed", "err", err)
			return
		}
		if removed > 0 {
			logger.Info("retention purge", "removed", removed, "cutoff", cutoff.Format(time.RFC3339))
		}
	}

	purge()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show active sessions from the storage backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions := session.NewManager(session.Config{
				Store:        store,
				Gap:          time.Duration(cfg.Session.Gap),
				Timeout:      time.Duration(cfg.Session.Timeout),
				ContextDepth: cfg.Session.ContextDepth,
				Logger:       logger,
			})

			var out []session.Summary
			for _, a := range cfg.EnabledAgents() {
				sum, err := sessions.Summarize(cmd.Context(), a.Name)
				if err != nil {
					return fmt.Errorf("summarize sessions for %s: %w", a.Name, err)
				}
				out = append(out, sum)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
