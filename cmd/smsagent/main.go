package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"smsagent/internal/bus"
	"smsagent/internal/config"
	"smsagent/internal/domain"
	"smsagent/internal/guardrail"
	"smsagent/internal/metrics"
	"smsagent/internal/pipeline"
	"smsagent/internal/provider"
	"smsagent/internal/ratelimit"
	"smsagent/internal/rules"
	"smsagent/internal/store"
	"smsagent/internal/transport"
)

var (
	version    = "0.3.1"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "smsagent",
		Short:   "smsagent: autonomous SMS auto-responder",
		Long:    "smsagent watches an SMS inbox and answers on your behalf, with rules, rate limits, and outbound guardrails.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.smsagent/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(replyCmd())
	root.AddCommand(contactCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(serviceCmd())

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

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger rebuilds the process logger from config (level, optional file).
func setupLogger(cfg *config.Config) error {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		path := config.ExpandPath(cfg.General.LogFile)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}

	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

func rulesPath(cfg *config.Config) string {
	if cfg.General.RulesPath != "" {
		return config.ExpandPath(cfg.General.RulesPath)
	}
	return filepath.Join(config.DefaultConfigDir(), "rules.yaml")
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config, rules, and database directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if _, err := rules.Load(rulesPath(cfg)); err != nil {
				return fmt.Errorf("write default rules: %w", err)
			}
			logger.Info("initialized", "config", cfgPath, "rules", rulesPath(cfg))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the responder daemon",
		Long:  "Polls the SMS inbox and answers new messages until interrupted.",
		RunE:  runDaemon,
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ruleSet, err := rules.Load(rulesPath(cfg))
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	engine := rules.NewEngine(ruleSet, logger)

	guard := guardrail.NewChain(cfg.Guardrail, logger)
	limiter := ratelimit.New(cfg.RateLimit, logger)

	var prov domain.CompletionProvider
	if cfg.Responder.Enabled {
		factory := provider.NewFactory(cfg, logger)
		prov, err = factory.DefaultProvider()
		if err != nil {
			return fmt.Errorf("provider: %w", err)
		}
		if err := prov.Healthy(ctx); err != nil {
			logger.Warn("provider unhealthy at startup", "provider", prov.Name(), "err", err)
		} else {
			logger.Info("provider healthy", "provider", prov.Name())
		}
	}

	prompts := pipeline.NewPromptBuilder(
		config.ExpandPath(cfg.Responder.PersonalityPath),
		config.ExpandPath(cfg.Responder.AgentRulesPath),
		cfg.Guardrail.MaxResponseLength,
		logger,
	)
	orchestrator := pipeline.NewOrchestrator(engine, prov, prompts, st, guard.Fallback, pipeline.OrchestratorOptions{
		Model:       cfg.Providers[cfg.Responder.DefaultProvider].DefaultModel,
		MaxTokens:   cfg.Responder.MaxTokens,
		Temperature: cfg.Responder.Temperature,
		Timeout:     time.Duration(cfg.Responder.TimeoutSeconds) * time.Second,
		Enabled:     cfg.Responder.Enabled,
	}, logger)

	tr, err := buildTransport(cfg)
	if err != nil {
		return err
	}

	controller := pipeline.NewController(st, tr, limiter, guard, orchestrator,
		cfg.General.SelfNumber, cfg.Responder.Lookback, logger)

	messageBus := bus.New(100, logger)
	runner := pipeline.NewRunner(tr, messageBus, controller, limiter,
		time.Duration(cfg.Transport.PollIntervalSeconds)*time.Second,
		cfg.General.Workers, logger)

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc(cfg.Metrics.Path, metrics.Collector.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "err", err)
			}
		}()
		defer srv.Close()
	}

	logger.Info("smsagent started", "version", version)
	return runner.Run(ctx)
}

func buildTransport(cfg *config.Config) (domain.Transport, error) {
	switch cfg.Transport.Active {
	case "termux":
		return transport.NewTermux(cfg.Transport.Termux, logger), nil
	case "telegram":
		if cfg.Transport.Telegram.Token == "" {
			return nil, fmt.Errorf("transport.telegram.token is required")
		}
		return transport.NewTelegram(cfg.Transport.Telegram, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport.Active)
	}
}

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send [number] [text]",
		Short: "Send one message through the active transport",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tr, err := buildTransport(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := tr.Send(ctx, args[0], args[1]); err != nil {
				return err
			}
			logger.Info("sent", "to", transport.MaskNumber(args[0]))
			return nil
		},
	}
}

// replyCmd runs one message through the full pipeline without sending,
// printing the response that would have gone out.
func replyCmd() *cobra.Command {
	var sender string
	cmd := &cobra.Command{
		Use:   "reply [text]",
		Short: "Dry-run one inbound message through the pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := setupLogger(cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			ruleSet, err := rules.Load(rulesPath(cfg))
			if err != nil {
				return fmt.Errorf("load rules: %w", err)
			}
			engine := rules.NewEngine(ruleSet, logger)
			guard := guardrail.NewChain(cfg.Guardrail, logger)
			limiter := ratelimit.New(cfg.RateLimit, logger)

			var prov domain.CompletionProvider
			if cfg.Responder.Enabled {
				factory := provider.NewFactory(cfg, logger)
				if prov, err = factory.DefaultProvider(); err != nil {
					return fmt.Errorf("provider: %w", err)
				}
			}
			prompts := pipeline.NewPromptBuilder(
				config.ExpandPath(cfg.Responder.PersonalityPath),
				config.ExpandPath(cfg.Responder.AgentRulesPath),
				cfg.Guardrail.MaxResponseLength, logger)
			orchestrator := pipeline.NewOrchestrator(engine, prov, prompts, st, guard.Fallback, pipeline.OrchestratorOptions{
				Model:       cfg.Providers[cfg.Responder.DefaultProvider].DefaultModel,
				MaxTokens:   cfg.Responder.MaxTokens,
				Temperature: cfg.Responder.Temperature,
				Timeout:     time.Duration(cfg.Responder.TimeoutSeconds) * time.Second,
				Enabled:     cfg.Responder.Enabled,
			}, logger)

			controller := pipeline.NewController(st, transport.Discard{}, limiter, guard, orchestrator,
				cfg.General.SelfNumber, cfg.Responder.Lookback, logger)

			text := args[0]
			for _, a := range args[1:] {
				text += " " + a
			}
			out, err := controller.Handle(ctx, domain.InboundMessage{
				ID:         "dry-run",
				SenderID:   sender,
				Body:       text,
				ReceivedAt: time.Now(),
				Transport:  "dry-run",
			})
			if err != nil {
				return err
			}
			fmt.Printf("disposition: %s\n", out.Disposition)
			if out.Response != "" {
				fmt.Printf("source:      %s", out.Source)
				if out.RuleName != "" {
					fmt.Printf(" (%s)", out.RuleName)
				}
				fmt.Println()
				fmt.Printf("response:    %s\n", out.Response)
			}
			if out.Disposition == domain.DispositionRateLimited {
				fmt.Printf("retry after: %.0fs\n", out.RetryAfterSeconds)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sender, "from", "+15550000001", "sender id to simulate")
	return cmd
}

func contactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contact",
		Short: "Manage per-recipient contact profiles",
	}

	var name, relation, instructions string
	set := &cobra.Command{
		Use:   "set [number]",
		Short: "Create or update a contact profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				return err
			}
			defer st.Close()
			id := transport.NormalizeNumber(args[0])
			err = st.UpsertContact(context.Background(), id, domain.ContactProfile{
				Name:              name,
				Relation:          relation,
				CustomInstruction: instructions,
			})
			if err != nil {
				return err
			}
			logger.Info("contact saved", "recipient", transport.MaskNumber(id))
			return nil
		},
	}
	set.Flags().StringVar(&name, "name", "", "contact name")
	set.Flags().StringVar(&relation, "relation", "", "relation to the owner (friend, family, work...)")
	set.Flags().StringVar(&instructions, "instructions", "", "extra instructions for responses to this contact")

	show := &cobra.Command{
		Use:   "show [number]",
		Short: "Show a contact profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.DBPath), logger)
			if err != nil {
				return err
			}
			defer st.Close()
			p, err := st.GetContact(context.Background(), transport.NormalizeNumber(args[0]))
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Println("no contact on record")
				return nil
			}
			fmt.Printf("name:         %s\nrelation:     %s\ninstructions: %s\n", p.Name, p.Relation, p.CustomInstruction)
			return nil
		},
	}

	cmd.AddCommand(set, show)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and provider health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}
			logger.Info("transport", "active", cfg.Transport.Active)
			logger.Info("responder", "enabled", cfg.Responder.Enabled, "provider", cfg.Responder.DefaultProvider)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			factory := provider.NewFactory(cfg, logger)
			if prov := factory.HealthyProvider(ctx); prov != nil {
				logger.Info("provider", "name", prov.Name(), "healthy", true)
			} else {
				logger.Info("provider", "healthy", false)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
