package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/townmind/internal/config"
	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/store"
	"github.com/xonecas/townmind/internal/telemetry"
	"github.com/xonecas/townmind/internal/tui"
)

// Version is set at build time via ldflags.
var Version = "dev"

const usageSnapshotInterval = 30 * time.Second

func main() {
	var (
		showVersion  = flag.Bool("version", false, "Show version and exit")
		configPath   = flag.String("config", "config.toml", "Path to config file")
		debug        = flag.Bool("debug", false, "Enable debug logging")
		headless     = flag.Bool("headless", false, "Run without the dashboard and log to stderr")
		actorCount   = flag.Int("actors", 12, "Number of simulated actors")
		tickInterval = flag.Duration("tick-interval", time.Second, "Wall time between simulation ticks")
		tickStep     = flag.Int64("tick-step", 60, "Simulated seconds per tick")
		showStatus   = flag.Bool("status", false, "Print the latest provider usage and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("townmind %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config:\n%v\n", err)
		os.Exit(1)
	}

	if *showStatus {
		if err := printStatus(context.Background(), os.Stdout, cfg.Store.Path); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := initLogging(*debug, *headless); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Info().Str("version", Version).Msg("Starting townmind")
	log.Debug().Interface("config", cfg).Msg("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up telemetry")
	}

	registry, err := initProviders(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize providers")
	}
	router := provider.NewRouter(registry, routingRules(cfg))
	log.Debug().Strs("providers", registry.List()).Msg("Providers initialized")

	var journal *store.Store
	if !cfg.Store.Disabled {
		journal, err = store.New(cfg.Store.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open decision journal")
		}
	}

	bus := core.NewEventBus(1000)
	opts := core.Options{
		Debounce:           cfg.Debounce(),
		MaxBatchSize:       cfg.Scheduler.MaxBatchSize,
		LocationBucket:     cfg.Scheduler.LocationBucket,
		QueueConcurrency:   cfg.Queue.Concurrency,
		CacheCapacity:      cfg.Cache.Capacity,
		MaxPendingTriggers: cfg.Triggers.MaxPending,
	}
	if journal != nil {
		opts.Journal = journal
	}
	coord := core.NewCoordinator(router, bus, opts)
	startHealthChecks(ctx, registry)

	sim := newSimulation(*actorCount, uint64(time.Now().UnixNano()), 6*3600)

	var wg sync.WaitGroup
	runCtx, cancelRun := context.WithCancel(ctx)
	wg.Add(3)
	go func() {
		defer wg.Done()
		runSimulation(runCtx, coord, sim, *tickInterval, *tickStep)
	}()
	go func() {
		defer wg.Done()
		for d := range coord.Decisions() {
			sim.Apply(d)
		}
	}()
	go func() {
		defer wg.Done()
		recordUsage(runCtx, journal, router)
	}()

	if *headless {
		var eventCh <-chan core.Event
		if *debug {
			eventCh = bus.Subscribe()
		} else {
			eventCh = bus.Subscribe(core.EventDecisionFailed, core.EventRoutineFailed, core.EventProviderAvailability)
		}
		go logEvents(eventCh)
		<-ctx.Done()
		log.Info().Msg("Received shutdown signal")
	} else {
		program := tea.NewProgram(tui.New(coord, bus.Subscribe(), sim.Tick), tea.WithAltScreen())
		go func() {
			<-ctx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			log.Error().Err(err).Msg("TUI error")
		}
	}

	cancelRun()
	closeCtx, cancelClose := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelClose()

	if err := coord.Close(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Coordinator did not drain cleanly")
	}
	wg.Wait()

	if journal != nil {
		if err := journal.RecordUsage(closeCtx, router.Usage(), router.Availability()); err != nil {
			log.Warn().Err(err).Msg("Failed to record final usage")
		}
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
	if err := registry.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close providers")
	}
	bus.Close()
	if n := bus.Dropped(); n > 0 {
		log.Info().Int64("dropped", n).Msg("Events dropped by slow subscribers")
	}
	if err := shutdownTelemetry(closeCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to flush traces")
	}

	log.Info().Msg("townmind shutdown complete")
}

func initLogging(debug, headless bool) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if headless {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
			With().Timestamp().Logger()
		return nil
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	// The dashboard owns the terminal, so log to a file truncated on startup.
	logPath := filepath.Join(dataDir, "townmind.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	log.Logger = zerolog.New(logFile).With().Timestamp().Logger()
	return nil
}

// initProviders builds every configured backend.
func initProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		p, err := provider.New(provider.Spec{
			Name:           name,
			Kind:           pc.Kind,
			Endpoint:       pc.Endpoint,
			Model:          pc.Model,
			APIKey:         pc.APIKey(),
			Temperature:    pc.Temperature,
			RateLimit:      pc.RateLimit,
			RateBurst:      pc.RateBurst,
			MaxConcurrent:  pc.MaxConcurrent,
			Timeout:        pc.Timeout(),
			HealthInterval: pc.HealthInterval(),
		})
		if err != nil {
			registry.Close()
			return nil, err
		}
		if pc.Kind == config.KindRemote && pc.APIKey() == "" {
			log.Warn().Str("provider", name).Str("env", pc.APIKeyEnv).Msg("No API key set; requests will likely be rejected")
		}
		registry.Register(p)
	}
	return registry, nil
}

// startHealthChecks begins background probing on the providers that support
// it. It runs after the coordinator has subscribed to availability changes.
func startHealthChecks(ctx context.Context, registry *provider.Registry) {
	for _, name := range registry.List() {
		p, err := registry.Get(name)
		if err != nil {
			continue
		}
		if hc, ok := p.(interface{ StartHealthChecks(context.Context) }); ok {
			hc.StartHealthChecks(ctx)
		}
	}
}

// routingRules layers the configured routing overrides on top of the
// built-in table. Zero fields keep the built-in value.
func routingRules(cfg *config.Config) map[provider.Category]provider.Rule {
	rules := provider.DefaultRules()
	for category, rc := range cfg.Routing {
		rule := rules[provider.Category(category)]
		if rc.Primary != "" {
			rule.Primary = rc.Primary
		}
		if rc.Fallback != "" {
			rule.Fallback = rc.Fallback
		}
		if rc.MaxTokens > 0 {
			rule.MaxTokens = rc.MaxTokens
		}
		if rc.Temperature > 0 {
			rule.Temperature = rc.Temperature
		}
		switch rc.Format {
		case "text":
			rule.Format = provider.FormatText
		case "json":
			rule.Format = provider.FormatJSON
		}
		rules[provider.Category(category)] = rule
	}
	return rules
}

func runSimulation(ctx context.Context, coord *core.Coordinator, sim *simulation, interval time.Duration, step int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tick := sim.Advance(step)
		sim.Stir(coord, tick)
		decisions, summary := coord.Tick(ctx, sim.Snapshots(), tick)
		for _, d := range decisions {
			sim.Apply(d)
		}
		log.Debug().
			Int64("tick", tick).
			Int("cached", summary.Cached).
			Int("scheduled", summary.Scheduled).
			Int("queued", summary.Queued).
			Int("generating", summary.Generating).
			Msg("Tick")
	}
}

// recordUsage snapshots provider usage into the journal until ctx is done.
func recordUsage(ctx context.Context, journal *store.Store, router *provider.Router) {
	if journal == nil {
		return
	}
	ticker := time.NewTicker(usageSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := journal.RecordUsage(ctx, router.Usage(), router.Availability()); err != nil {
				log.Warn().Err(err).Msg("Failed to record usage")
			}
		}
	}
}

func logEvents(ch <-chan core.Event) {
	for ev := range ch {
		e := log.Debug()
		switch ev.Type {
		case core.EventDecisionFailed, core.EventRoutineFailed, core.EventProviderAvailability:
			e = log.Info()
		}
		e.Str("type", string(ev.Type)).
			Str("actor", ev.ActorID).
			Interface("data", ev.Data).
			Msg("Event")
	}
}
