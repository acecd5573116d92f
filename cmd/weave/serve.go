package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/deepnoodle-ai/weave"
	"github.com/deepnoodle-ai/weave/aiqueue"
	"github.com/deepnoodle-ai/weave/assist"
	"github.com/deepnoodle-ai/weave/broadcast"
	"github.com/deepnoodle-ai/weave/cache"
	"github.com/deepnoodle-ai/weave/completer"
	"github.com/deepnoodle-ai/weave/completer/anthropic"
	"github.com/deepnoodle-ai/weave/completer/google"
	"github.com/deepnoodle-ai/weave/completer/openai"
	"github.com/deepnoodle-ai/weave/config"
	"github.com/deepnoodle-ai/weave/document"
	"github.com/deepnoodle-ai/weave/metrics"
	"github.com/deepnoodle-ai/weave/server"
	"github.com/deepnoodle-ai/weave/session"
	"github.com/deepnoodle-ai/weave/slogger"
	"github.com/deepnoodle-ai/weave/ws"
	"github.com/fatih/color"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveHost       string
	servePort       int
	serveRedisAddr  string
	serveProvider   string
	serveLogLevel   string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "", "Path to a YAML or JSON config file")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (overrides config)")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&serveRedisAddr, "redis", "", "Redis address (overrides config; empty runs memory-only)")
	serveCmd.Flags().StringVar(&serveProvider, "provider", "", "AI provider: anthropic, openai, or google (overrides config)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: debug, info, warn, or error (overrides config)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if serveConfigPath != "" {
		var err error
		cfg, err = config.ParseFile(serveConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("redis") {
		cfg.Redis.Addr = serveRedisAddr
	}
	if cmd.Flags().Changed("provider") {
		cfg.AI.Provider = serveProvider
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = serveLogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildCompleter(cfg *config.Config) (completer.Completer, error) {
	switch cfg.AI.Provider {
	case "anthropic":
		opts := []anthropic.Option{anthropic.WithMaxTokens(cfg.AI.MaxTokens)}
		if cfg.AI.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.AI.Model))
		}
		return anthropic.New(opts...), nil
	case "openai":
		opts := []openai.Option{openai.WithMaxTokens(cfg.AI.MaxTokens)}
		if cfg.AI.Model != "" {
			opts = append(opts, openai.WithModel(cfg.AI.Model))
		}
		return openai.New(opts...), nil
	case "google":
		opts := []google.Option{google.WithMaxTokens(cfg.AI.MaxTokens)}
		if cfg.AI.Model != "" {
			opts = append(opts, google.WithModel(cfg.AI.Model))
		}
		return google.New(opts...), nil
	default:
		return nil, fmt.Errorf("unknown AI provider: %q", cfg.AI.Provider)
	}
}

func runServe(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := slogger.New(
		slogger.WithLevel(slogger.LevelFromString(cfg.Logging.Level)),
		slogger.WithFormat(slogger.FormatFromString(cfg.Logging.Format)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()

	// Redis is optional. Without it every store runs in memory, which is
	// fine for a single process.
	var (
		redisClient *redis.Client
		docCache    cache.Cache[*weave.Document]
		sessCache   cache.Cache[*session.Session]
		queueStore  aiqueue.Store = aiqueue.NewMemoryStore()
	)
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		defer redisClient.Close()

		dc, err := cache.NewRedis[*weave.Document](redisClient, "weave")
		if err != nil {
			return fmt.Errorf("failed to create document cache: %w", err)
		}
		docCache = dc

		sc, err := cache.NewRedis[*session.Session](redisClient, "weave")
		if err != nil {
			return fmt.Errorf("failed to create session cache: %w", err)
		}
		sessCache = sc

		queueStore = aiqueue.NewRedisStore(redisClient)
		logger.Info("redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	} else {
		logger.Info("running with in-memory stores")
	}

	comp, err := buildCompleter(cfg)
	if err != nil {
		return err
	}

	documents := document.NewStore(document.StoreOptions{
		Cache:          docCache,
		MaxHistory:     cfg.Documents.MaxOperationHistory,
		CacheTTL:       cfg.Documents.CacheTTL(),
		WelcomeContent: cfg.Documents.WelcomeContent,
		Logger:         logger,
	})

	sessions := session.NewStore(session.StoreOptions{
		Cache:         sessCache,
		Timeout:       cfg.Sessions.Timeout(),
		SweepInterval: cfg.Sessions.SweepInterval(),
		Logger:        logger,
	})
	// Sessions from a previous process are stale; every connection has to
	// rejoin.
	sessions.ClearAll(ctx)
	sessions.Start()
	defer sessions.Stop()

	broadcaster := broadcast.New(broadcast.Options{
		Documents: documents,
		Logger:    logger,
		Metrics:   collector,
	})
	defer broadcaster.Stop()

	queue := aiqueue.New(aiqueue.Options{
		Store:                 queueStore,
		Completer:             comp,
		Logger:                logger,
		Metrics:               collector,
		MaxConcurrentRequests: cfg.Queue.MaxConcurrentRequests,
		RequestTimeout:        cfg.Queue.RequestTimeout(),
		RateLimitPerMinute:    cfg.Queue.RateLimitPerUserPerMinute,
		RetryDelay:            cfg.Queue.RetryDelay(),
		MaxRetries:            cfg.Queue.MaxRetries,
		CacheTTL:              cfg.Queue.CacheTTL(),
		DisableDeduplication:  !*cfg.Queue.EnableRequestDeduplication,
		DisableCaching:        !*cfg.Queue.EnableResponseCaching,
	})
	queue.Start()
	defer queue.Stop()

	integrator := assist.New(assist.Options{
		Documents:             documents,
		Broadcaster:           broadcaster,
		Queue:                 queue,
		Logger:                logger,
		MaxProcessingTime:     cfg.Assist.MaxProcessingTime(),
		PollInterval:          cfg.Assist.PollInterval(),
		DisableStatusTracking: !*cfg.Assist.EnableStatusTracking,
		DisableNotifications:  !*cfg.Assist.EnableUserNotifications,
	})
	if err := integrator.Start(ctx); err != nil {
		return err
	}
	defer integrator.Stop()

	hub, err := ws.New(ws.Options{
		Documents:      documents,
		Sessions:       sessions,
		Broadcaster:    broadcaster,
		Integrator:     integrator,
		Logger:         logger,
		Metrics:        collector,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	srv := server.New(server.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   version,
		Documents: documents,
		Sessions:  sessions,
		Queue:     queue,
		Completer: comp,
		Hub:       hub,
		Metrics:   collector,
		Logger:    logger,
		Redis:     redisClient,
	})

	if serveConfigPath != "" {
		watcher, err := config.NewWatcher(serveConfigPath, logger, func(c *config.Config) {
			logger.SetLevel(slogger.LevelFromString(c.Logging.Level))
			queue.SetRateLimit(c.Queue.RateLimitPerUserPerMinute)
			logger.Info("applied reloaded config",
				"logging_level", c.Logging.Level,
				"rate_limit_per_user_per_minute", c.Queue.RateLimitPerUserPerMinute)
		})
		if err != nil {
			return err
		}
		watcher.Start(ctx)
		defer watcher.Close()
	}

	printBanner(cfg)
	return srv.Start(ctx)
}

func printBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	muted := color.New(color.FgWhite, color.Faint)
	fmt.Printf("%s %s\n", title.Sprint("weave"), muted.Sprint(version))
	fmt.Printf("  listening on %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  ai provider: %s\n", cfg.AI.Provider)
	if cfg.Redis.Addr != "" {
		fmt.Printf("  redis: %s\n", cfg.Redis.Addr)
	} else {
		fmt.Printf("  redis: %s\n", muted.Sprint("disabled (in-memory)"))
	}
}
