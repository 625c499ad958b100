package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/harun/tempo/internal/config"
	"github.com/harun/tempo/internal/logger"
	"github.com/harun/tempo/internal/observability"
	"github.com/harun/tempo/internal/tracing"
	"github.com/harun/tempo/pkg/agent"
	"github.com/harun/tempo/pkg/batch"
	"github.com/harun/tempo/pkg/chat"
	"github.com/harun/tempo/pkg/events"
	"github.com/harun/tempo/pkg/gateway"
	"github.com/harun/tempo/pkg/integration"
	"github.com/harun/tempo/pkg/mode"
	"github.com/harun/tempo/pkg/orchestrator"
	"github.com/harun/tempo/pkg/session"
	"github.com/harun/tempo/pkg/toolexecutor"
	"github.com/harun/tempo/pkg/tools"
	"golang.org/x/sync/errgroup"
)

// limiterIdle is how long a client may stay quiet before its rate limiter
// is dropped
const limiterIdle = 10 * time.Minute

// conversationStore is a store backend that also owns the session locks
type conversationStore interface {
	session.Store
	session.Locker
	io.Closer
}

// backend is a task and calendar service that also accepts batch syncs
type backend interface {
	integration.Service
	batch.Client
}

// Daemon assembles and runs the Tempo service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	store        conversationStore
	registry     *mode.Registry
	loader       *mode.Loader
	modes        *mode.Controller
	hub          *events.Hub
	toolExecutor *toolexecutor.ToolExecutor
	orchestrator *orchestrator.Orchestrator
	toolbox      *agent.Toolbox
	agentRunner  *agent.Runner
	models       agent.ModelResolver
	delegator    *agent.Delegator
	coordinator  *chat.Coordinator

	// Services
	gatewayServer *gateway.Server
	reaper        *session.Reaper
	lifecycle     *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracer *tracing.Provider
}

// Status reports whether the daemon is serving and for how long
type Status struct {
	Running bool          `json:"running"`
	Uptime  time.Duration `json:"uptime"`
	Store   string        `json:"store"`
	Modes   int           `json:"modes"`
}

// New creates a daemon with every module initialized in dependency order
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		tracer, err := tracing.Setup(context.Background(), tracing.Options{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracer = tracer
			log.Info().Float64("sample_ratio", cfg.Tracing.SampleRatio).Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeCore()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds the store, modes, tools and agent loop
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Info().Str("path", cfg.Logging.AuditFile).Msg("Audit logger initialized")
		}
	}

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	d.store = store
	d.logger.Info().Str("driver", cfg.Store.Driver).Msg("Conversation store initialized")

	d.registry = mode.NewRegistry()
	if cfg.Modes.CustomFile != "" {
		d.loader = mode.NewLoader(cfg.Modes.CustomFile, d.registry, zl)
		n, err := d.loader.Load()
		if err != nil {
			// A broken file leaves the built-in modes in place
			d.logger.Warn().Err(err).Str("path", cfg.Modes.CustomFile).Msg("Failed to load custom modes")
		} else {
			d.logger.Info().Int("count", n).Msg("Custom modes loaded")
		}
	}
	d.modes = mode.NewController(d.registry, d.store, zl)
	d.hub = events.NewHub(0, zl)

	d.toolExecutor = toolexecutor.New(zl)
	if err := tools.Register(d.toolExecutor); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	d.logger.Info().Int("tools", len(d.toolExecutor.ListTools())).Msg("Tool executor initialized")

	d.orchestrator = orchestrator.New(orchestrator.WithSink(d.hub), orchestrator.WithLogger(zl))
	d.toolbox = agent.NewToolbox(d.toolExecutor, d.orchestrator, cfg.Agent.RepetitionLimit, zl)

	runner, err := agent.NewRunner(agent.RunnerConfig{
		Tools:      d.toolExecutor,
		Logger:     zl,
		MaxSteps:   cfg.Agent.MaxSteps,
		MaxRetries: cfg.Agent.MaxRetries,
		RetryBase:  time.Duration(cfg.Agent.RetryBaseMs) * time.Millisecond,
		RetryMax:   time.Duration(cfg.Agent.RetryMaxMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	d.agentRunner = runner

	d.models = agent.NewProfileResolver(convertAuthProfiles(cfg.AI.Profiles), cfg.Models.Default, cfg.Models.Aliases, nil)

	d.delegator, err = agent.NewDelegator(agent.DelegatorConfig{
		Runner:    d.agentRunner,
		Registry:  d.registry,
		Models:    d.models,
		Toolbox:   d.toolbox,
		MaxTokens: cfg.Agent.MaxTokens,
		Logger:    zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create delegator: %w", err)
	}

	svc := newBackend(cfg.Integrations)
	if err := orchestrator.RegisterDefaults(d.orchestrator, orchestrator.Dependencies{
		Modes:     d.modes,
		Batch:     batch.NewPipeline(svc, cfg.Integrations.MaxBatchSize, zl),
		Service:   svc,
		Delegator: d.delegator,
	}); err != nil {
		return fmt.Errorf("failed to register orchestrator handlers: %w", err)
	}
	d.logger.Info().Str("integrations", cfg.Integrations.Mode).Msg("Orchestrator initialized")

	return nil
}

// initializeServices builds the coordinator, gateway and lock reaper
func (d *Daemon) initializeServices() error {
	cfg := d.config
	zl := d.logger.GetZerolog()

	coordinator, err := chat.NewCoordinator(chat.Config{
		Store:        d.store,
		Locker:       d.store,
		Modes:        d.modes,
		Tools:        d.toolExecutor,
		Toolbox:      d.toolbox,
		Runner:       d.agentRunner,
		Models:       d.models,
		Events:       d.hub,
		LockTTL:      cfg.LockTTL(),
		SystemPrompt: cfg.Agent.SystemPrompt,
		Temperature:  cfg.Agent.Temperature,
		MaxTokens:    cfg.Agent.MaxTokens,
		Logger:       zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create chat coordinator: %w", err)
	}
	d.coordinator = coordinator

	gatewayServer, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		SharedSecret:      cfg.Server.SharedSecret,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		MaxConcurrent:     cfg.Server.MaxConcurrent,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		Chat:              d.coordinator,
		Modes:             d.registry,
		Hub:               d.hub,
		Runs:              d.delegator,
		Logger:            zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gatewayServer

	d.reaper = session.NewReaper(d.store, cfg.Lock.ReapSchedule, zl)
	return nil
}

func openStore(cfg config.StoreConfig) (conversationStore, error) {
	switch cfg.Driver {
	case "memory":
		return session.NewMemoryStore(), nil
	case "sqlite":
		store, err := session.NewSQLiteStore(session.SQLiteConfig{Path: cfg.Path})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newBackend(cfg config.IntegrationsConfig) backend {
	if cfg.Mode == "http" {
		return integration.NewHTTPService(integration.HTTPConfig{
			TasksURL:      cfg.TasksURL,
			TasksToken:    cfg.TasksToken,
			CalendarURL:   cfg.CalendarURL,
			CalendarToken: cfg.CalendarToken,
			Timeout:       time.Duration(cfg.TimeoutSeconds) * time.Second,
		})
	}
	return integration.NewBoard()
}

// convertAuthProfiles converts config AI profiles to agent auth profiles
func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	result := make([]agent.AuthProfile, len(profiles))
	for i, p := range profiles {
		result[i] = agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Models:   p.Models,
			Priority: p.Priority,
		}
	}
	return result
}

// Run serves until ctx is done or a service fails, then shuts down
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.GetZerolog().With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting Tempo daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.config.Lock.ReapOnStartup {
		d.reaper.RunOnce(gctx)
	}
	if err := d.reaper.Start(gctx); err != nil {
		d.shutdown()
		return fmt.Errorf("failed to start lock reaper: %w", err)
	}

	g.Go(func() error {
		return d.gatewayServer.Run(gctx)
	})

	if d.loader != nil && d.config.Modes.Watch {
		g.Go(func() error {
			return d.loader.Watch(gctx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := d.gatewayServer.Limiter().Sweep(limiterIdle); n > 0 {
					logger.Debug().Int("clients", n).Msg("Dropped idle rate limiters")
				}
			}
		}
	})

	logger.Info().Msg("Daemon started successfully")

	err := g.Wait()
	d.shutdown()
	if err != nil {
		return err
	}
	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// shutdown stops the background services and releases the core modules
func (d *Daemon) shutdown() {
	d.setStopped()
	d.reaper.Stop()

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.closeCore()
}

func (d *Daemon) closeCore() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close conversation store")
		}
	}

	if d.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.tracer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracer = nil
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close audit logger")
	}
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		Store:   d.config.Store.Driver,
		Modes:   len(d.registry.List()),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	return status
}

// Handler returns the gateway router without starting a listener
func (d *Daemon) Handler() http.Handler {
	return d.gatewayServer.Handler()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetRegistry returns the mode registry
func (d *Daemon) GetRegistry() *mode.Registry {
	return d.registry
}

// GetToolExecutor returns the tool executor
func (d *Daemon) GetToolExecutor() *toolexecutor.ToolExecutor {
	return d.toolExecutor
}
