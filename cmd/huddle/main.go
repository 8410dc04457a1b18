// Huddle is a conversation orchestrator for care-coaching agents.
//
// It accepts one user turn at a time over HTTP, tracks each
// conversation's checklist of checkpoints, fans out to specialist
// services, and routes the turn to one downstream agent. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	huddle serve              Start the API server
//	huddle init [dir]         Initialize a working directory with defaults
//	huddle version            Print version and build information
//	huddle -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/huddle/internal/api"
	"github.com/nugget/huddle/internal/buildinfo"
	"github.com/nugget/huddle/internal/cache"
	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/config"
	"github.com/nugget/huddle/internal/connwatch"
	"github.com/nugget/huddle/internal/events"
	"github.com/nugget/huddle/internal/httpkit"
	"github.com/nugget/huddle/internal/ledger"
	"github.com/nugget/huddle/internal/memoryclient"
	"github.com/nugget/huddle/internal/mqtt"
	"github.com/nugget/huddle/internal/orchestrator"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/specialist"
	"github.com/nugget/huddle/internal/state"
	"github.com/nugget/huddle/internal/supervisor"
)

// main constructs the OS-level environment and delegates to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package to avoid global state in tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Huddle - Conversation Orchestrator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: huddle [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/huddle/config.yaml, /etc/huddle/config.yaml")
	return nil
}

// runServe wires every component and serves until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Huddle", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level and format.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"agents", len(cfg.Agents),
		"memory_url", cfg.Memory.URL,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Shared outbound HTTP client ---
	opts := []httpkit.ClientOption{
		httpkit.WithConnectionLimits(cfg.HTTP.MaxConnsPerHost, cfg.HTTP.MaxIdleConns),
	}
	if cfg.HTTP.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	httpClient := httpkit.NewClient(opts...)

	// --- Cache ---
	// The networked tier is optional; without it, or while it is down,
	// the cache runs local-only.
	var remote cache.Remote
	if cfg.Cache.Redis.Addr != "" {
		remote = cache.NewRedis(cache.RedisOptions{
			Addr:        cfg.Cache.Redis.Addr,
			Password:    cfg.Cache.Redis.Password,
			DB:          cfg.Cache.Redis.DB,
			DialTimeout: cfg.Cache.Redis.DialTimeout.Std(),
			IOTimeout:   cfg.Cache.Redis.IOTimeout.Std(),
			PoolSize:    cfg.Cache.Redis.PoolSize,
		})
	}
	cacheMgr := cache.New(cache.Config{
		LocalCapacity: cfg.Cache.LocalCapacity,
		Remote:        remote,
		Events:        bus,
		Logger:        logger,
	})
	defer cacheMgr.Close()
	cacheMgr.Initialize(ctx)

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	if remote != nil {
		backoff := connwatch.DefaultBackoffConfig()
		backoff.PollInterval = cfg.Cache.RecoveryPoll.Std()
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "redis",
			Probe:   cacheMgr.Reconnect,
			Backoff: backoff,
			Logger:  logger,
		})
	}

	// --- Background supervisor ---
	sup := supervisor.New(supervisor.Config{
		Workers:    cfg.Background.Workers,
		QueueSize:  cfg.Background.QueueSize,
		JobTimeout: cfg.Background.JobTimeout.Std(),
		Events:     bus,
		Logger:     logger,
	})

	// --- Downstream caller ---
	timeouts := make(map[string]time.Duration, len(cfg.Services.Timeouts))
	for name, d := range cfg.Services.Timeouts {
		timeouts[name] = d.Std()
	}
	call := caller.New(caller.Config{
		Client:        httpClient,
		Timeouts:      timeouts,
		MaxRetries:    cfg.Services.MaxRetries,
		BackoffBase:   cfg.Services.BackoffBase.Std(),
		CheckpointURL: cfg.Services.CheckpointURL,
		ChecklistURL:  cfg.Services.ChecklistURL,
		Cache:         cacheMgr,
		EvaluationTTL: cfg.Cache.EvaluationTTL.Std(),
		Logger:        logger,
	})

	// --- Memory service ---
	mem := memoryclient.New(memoryclient.Config{
		BaseURL:         cfg.Memory.URL,
		HTTPClient:      httpClient,
		Caller:          call,
		FetchTimeout:    cfg.Memory.FetchTimeout.Std(),
		SemanticTimeout: cfg.Memory.SemanticTimeout.Std(),
		SaveTimeout:     cfg.Memory.SaveTimeout.Std(),
		Logger:          logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    "memory",
		Probe:   mem.Ping,
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  logger,
	})

	// --- Conversation state ---
	stateMgr := state.NewManager(state.Config{
		Store:           mem,
		Cache:           cacheMgr,
		Background:      sup,
		Events:          bus,
		Logger:          logger,
		ContextWindow:   cfg.State.ContextWindow,
		ContextTTL:      cfg.Cache.ContextTTL.Std(),
		StateTTL:        cfg.Cache.StateTTL.Std(),
		SaveInterval:    cfg.State.SaveInterval.Std(),
		MaxNameLength:   cfg.State.MaxNameLength,
		RetryNameLength: cfg.State.RetryNameLength,
	})

	// --- Agents ---
	reg, err := registry.New(cfg.Agents)
	if err != nil {
		return fmt.Errorf("build agent registry: %w", err)
	}
	dispatcher := specialist.NewDispatcher(specialist.Config{
		Invoker:            call,
		PerSpecialist:      cfg.FanOut.PerSpecialist.Std(),
		BatchPerSpecialist: cfg.FanOut.BatchPerSpecialist.Std(),
		BatchCeiling:       cfg.FanOut.BatchCeiling.Std(),
		Events:             bus,
		Logger:             logger,
	})

	// --- Turn ledger ---
	var turns *ledger.Store
	if cfg.Ledger.Enabled {
		turns, err = ledger.NewStore(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open turn ledger %s: %w", cfg.Ledger.Path, err)
		}
		defer turns.Close()
		logger.Info("turn ledger opened", "path", cfg.Ledger.Path)
	}

	orchCfg := orchestrator.Config{
		Caller:             call,
		State:              stateMgr,
		Registry:           reg,
		Dispatcher:         dispatcher,
		Background:         sup,
		Events:             bus,
		Logger:             logger,
		PrimaryURL:         cfg.Services.PrimaryURL,
		PrimaryEnrichedURL: cfg.Services.PrimaryEnrichedURL,
		InitialLimit:       cfg.State.InitialLimit,
	}
	if turns != nil {
		orchCfg.Ledger = turns
	}
	orch := orchestrator.New(orchCfg)

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, logger)
	server.SetCache(cacheMgr)
	server.SetRegistry(reg)
	server.SetSupervisor(sup)
	server.SetWatchers(connMgr)
	if turns != nil {
		server.SetLedger(turns)
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		counters := mqtt.NewCounters(time.Local)
		feed := bus.Subscribe(256)
		defer bus.Unsubscribe(feed)
		go counters.Run(ctx, feed)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, counters, &mqttStatsAdapter{cache: cacheMgr, sup: sup}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval.Std().String(),
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Answered turns may still have saves queued; give them a bounded
	// window to land before the ledger and cache close.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Background.DrainTimeout.Std())
	defer drainCancel()
	if err := sup.Shutdown(drainCtx); err != nil {
		logger.Warn("background jobs abandoned at shutdown", "error", err, "stats", sup.Stats())
	}

	logger.Info("Huddle stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges the cache and supervisor to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	cache *cache.Manager
	sup   *supervisor.Supervisor
}

func (a *mqttStatsAdapter) Uptime() time.Duration  { return buildinfo.Uptime() }
func (a *mqttStatsAdapter) Version() string        { return buildinfo.Version }
func (a *mqttStatsAdapter) CacheHitRatio() float64 { return a.cache.Stats().HitRatio() }
func (a *mqttStatsAdapter) CacheDegraded() bool    { return a.cache.Stats().Degraded }
func (a *mqttStatsAdapter) QueueDepth() int        { return a.sup.Stats().Queued }
