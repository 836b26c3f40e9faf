package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/h1v3-io/relay/internal/agent"
	apiPkg "github.com/h1v3-io/relay/internal/api"
	"github.com/h1v3-io/relay/internal/config"
	"github.com/h1v3-io/relay/internal/connector"
	slackconn "github.com/h1v3-io/relay/internal/connector/slack"
	"github.com/h1v3-io/relay/internal/connector/telegram"
	"github.com/h1v3-io/relay/internal/connector/webhook"
	"github.com/h1v3-io/relay/internal/engine"
	"github.com/h1v3-io/relay/internal/eventbus"
	"github.com/h1v3-io/relay/internal/logbuf"
	"github.com/h1v3-io/relay/internal/provider"
	"github.com/h1v3-io/relay/internal/runner"
	"github.com/h1v3-io/relay/internal/scheduler"
	"github.com/h1v3-io/relay/internal/store"
	"github.com/h1v3-io/relay/internal/tool"
	"github.com/h1v3-io/relay/internal/workspace"
	"github.com/h1v3-io/relay/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file")
	platformURL := flag.String("platform-url", os.Getenv("RELAY_PLATFORM_URL"), "Platform dashboard URL")
	instanceID := flag.String("instance-id", os.Getenv("RELAY_INSTANCE_ID"), "Instance ID for platform mode")
	platformKey := flag.String("platform-key", os.Getenv("RELAY_PLATFORM_KEY"), "API key for platform auth")
	dryRun := flag.Bool("dry-run", false, "Run scripted agents instead of calling a provider")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	// Load config (3 modes: file, platform, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *platformURL != "" {
		logger.Info("loading config from platform", "url", *platformURL, "instance_id", *instanceID)
		cfg, err = config.LoadFromPlatform(config.PlatformOptions{
			PlatformURL: *platformURL,
			InstanceID:  *instanceID,
			APIKey:      *platformKey,
			DataDir:     os.Getenv("RELAY_DATA_DIR"),
		})
	} else {
		// Env config is validated here so -dry-run can waive the provider.
		cfg, err = config.LoadFromEnv()
		if err == nil {
			cfg.Relay.DryRun = cfg.Relay.DryRun || *dryRun
			err = cfg.Validate()
		}
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Relay.DryRun = true
	}

	steps := protocol.DefaultSteps()
	if cfg.Relay.StepsFile != "" {
		steps, err = config.LoadSteps(cfg.Relay.StepsFile, steps)
		if err != nil {
			logger.Error("failed to load steps", "path", cfg.Relay.StepsFile, "error", err)
			os.Exit(1)
		}
		logger.Info("step definitions loaded", "path", cfg.Relay.StepsFile)
	}

	logger.Info("relayd starting", "data_dir", cfg.Relay.DataDir, "dry_run", cfg.Relay.DryRun)

	// 1. Store, bus and task arena
	if err := os.MkdirAll(cfg.Relay.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "path", cfg.Relay.DataDir, "error", err)
		os.Exit(1)
	}
	st, err := store.NewSQLiteStore(cfg.Relay.DBPath)
	if err != nil {
		logger.Error("failed to open pipeline store", "path", cfg.Relay.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	bus := eventbus.New(256, logger.With("component", "eventbus"))
	arena := runner.New(logger.With("component", "runner"))

	// 2. Workspaces
	var ws workspace.Provider
	shellTimeout := time.Duration(cfg.Workspace.ShellTimeout) * time.Second
	switch cfg.Workspace.Kind {
	case "scratch":
		s := workspace.NewScratch(cfg.Workspace.Root)
		s.Timeout = shellTimeout
		ws = s
	default:
		g := workspace.NewGitWorktree(cfg.Workspace.Root, logger.With("component", "workspace"))
		g.Timeout = shellTimeout
		ws = g
	}

	// 3. Agent invoker
	var invoker agent.Invoker
	if cfg.Relay.DryRun {
		invoker = &agent.Scripted{Delay: 200 * time.Millisecond}
		logger.Warn("dry run: agents are scripted, no provider is called")
	} else {
		tools := tool.Builtins(shellTimeout)
		newLLM := func(pcfg config.ProviderConfig) *agent.LLM {
			var opts []provider.AnthropicOption
			if pcfg.BaseURL != "" {
				opts = append(opts, provider.WithAnthropicBaseURL(pcfg.BaseURL))
			}
			if pcfg.Model != "" {
				opts = append(opts, provider.WithAnthropicModel(pcfg.Model))
			}
			llm := agent.NewLLM(provider.NewAnthropic(pcfg.APIKey, opts...), tools, ws)
			llm.Logger = logger.With("component", "agent")
			return llm
		}
		reg := agent.NewRegistry(newLLM(cfg.Providers["default"]))
		for _, kind := range protocol.Kinds {
			if pcfg, ok := cfg.Providers[string(kind)]; ok {
				reg.Register(kind, newLLM(pcfg))
				logger.Info("agent provider override", "kind", kind, "model", pcfg.Model)
			}
		}
		invoker = reg
		logger.Info("provider initialized", "type", "anthropic", "model", cfg.Providers["default"].Model)
	}

	// 4. Engine
	policy := engine.DefaultPolicy()
	if n := cfg.Policy.AgentRetries; n != nil {
		policy.MaxRetries[protocol.ErrorAgentFailure] = *n
	}
	if n := cfg.Policy.WorkspaceRetries; n != nil {
		policy.MaxRetries[protocol.ErrorWorkspaceFailure] = *n
	}
	if d := cfg.Policy.StepTimeoutDuration(); d > 0 {
		policy.StepTimeout = d
	}
	if d := cfg.Policy.RetryBackoffDuration(); d > 0 {
		policy.RetryBackoff = d
	}
	engOpts := []engine.Option{
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithWorkspaces(ws),
		engine.WithSteps(steps),
		engine.WithPolicy(policy),
	}
	if cfg.Relay.BranchPrefix != "" {
		engOpts = append(engOpts, engine.WithBranchPrefix(cfg.Relay.BranchPrefix))
	}
	eng := engine.New(st, bus, arena, invoker, engOpts...)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := eng.Reconcile(ctx)
	if err != nil {
		logger.Error("startup reconcile failed", "error", err)
		os.Exit(1)
	}
	if n > 0 {
		logger.Info("reconciled interrupted pipelines", "count", n)
	}

	// 5. Maintenance jobs
	sched := scheduler.New(logger.With("component", "scheduler"))
	if maxAge := cfg.Relay.Retention(); maxAge > 0 {
		err := sched.AddJob("retention", cfg.Relay.RetentionSchedule, func(ctx context.Context) error {
			ids, err := eng.Retire(ctx, maxAge)
			if len(ids) > 0 {
				logger.Info("pipelines retired", "count", len(ids))
			}
			return err
		})
		if err != nil {
			logger.Error("failed to schedule retention", "error", err)
			os.Exit(1)
		}
	}
	if age := cfg.Relay.StaleAfter(); age > 0 {
		err := sched.AddJob("stale-sweep", cfg.Relay.SweepSchedule, func(ctx context.Context) error {
			n, err := eng.SweepStale(ctx, age)
			if n > 0 {
				logger.Info("stale pipelines swept", "count", n)
			}
			return err
		})
		if err != nil {
			logger.Error("failed to schedule stale sweep", "error", err)
			os.Exit(1)
		}
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	logger.Info("maintenance jobs scheduled", "count", sched.JobCount())

	// 6. Chat connectors
	var defaultRepo string
	if wc := cfg.Connectors.Webhook; wc != nil {
		defaultRepo = wc.DefaultRepo
	}
	commands := connector.NewCommands(eng, defaultRepo, logger.With("component", "commands"))
	var targets []connector.Target

	if sc := cfg.Connectors.Slack; sc != nil {
		var slackConn *slackconn.Connector
		handler := connector.InboundHandler(func(ctx context.Context, msg connector.InboundMessage) error {
			return commands.Handler(slackConn)(ctx, msg)
		})
		slackConn, err = slackconn.New(slackconn.Config{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Channels: sc.AllowChannels,
		}, handler, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack connector", "error", err)
			os.Exit(1)
		}
		if sc.NotifyChannel != "" {
			targets = append(targets, connector.Target{Sender: slackConn, ChatID: sc.NotifyChannel})
		}
		go safeGo(logger, "slack", func() { slackConn.Start(ctx) })
		logger.Info("slack connector started")
	}

	if tc := cfg.Connectors.Telegram; tc != nil {
		var tgConn *telegram.Connector
		handler := connector.InboundHandler(func(ctx context.Context, msg connector.InboundMessage) error {
			return commands.Handler(tgConn)(ctx, msg)
		})
		tgConn, err = telegram.New(telegram.Config{
			Token:     tc.Token,
			AllowFrom: tc.AllowFrom,
		}, handler, logger.With("connector", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
		if tc.NotifyChat != 0 {
			targets = append(targets, connector.Target{Sender: tgConn, ChatID: strconv.FormatInt(tc.NotifyChat, 10)})
		}
		go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })
		logger.Info("telegram connector started")
	}

	if len(targets) > 0 {
		notifier := connector.NewNotifier(bus, targets, logger.With("component", "notifier"))
		go safeGo(logger, "notifier", func() { notifier.Run(ctx) })
	}

	// 7. API server
	apiSrv := apiPkg.NewServer(eng, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)
	apiSrv.SetJobs(sched)

	if wc := cfg.Connectors.Webhook; wc != nil {
		hook := webhook.New(webhook.Config{
			Secret:      wc.Secret,
			BearerToken: wc.BearerToken,
			DefaultRepo: wc.DefaultRepo,
			AutoStart:   wc.AutoStart,
		}, eng, logger.With("connector", "webhook"))
		apiSrv.Mount("POST /hooks/pipelines", hook)
		apiSrv.Mount("POST /hooks/pipelines/{source}", hook)
		logger.Info("webhook trigger mounted", "path", "/hooks/pipelines")
	}

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
		}
	})

	// 8. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if running := arena.Active(); len(running) > 0 {
		logger.Info("interrupting running pipelines", "pipelines", running)
	}
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	if err := eng.Shutdown(shutCtx); err != nil {
		logger.Warn("engine shutdown incomplete", "error", err)
	}
	logger.Info("relayd stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}
