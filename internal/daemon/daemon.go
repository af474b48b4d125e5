package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/config"
	"github.com/harun/deskflow/internal/logger"
	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/internal/tracing"
	"github.com/harun/deskflow/pkg/agent"
	"github.com/harun/deskflow/pkg/commandqueue"
	"github.com/harun/deskflow/pkg/coretools"
	"github.com/harun/deskflow/pkg/gateway"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/memory"
	"github.com/harun/deskflow/pkg/prompt"
	"github.com/harun/deskflow/pkg/sandbox"
	"github.com/harun/deskflow/pkg/session"
	"github.com/harun/deskflow/pkg/toolexecutor"
)

// Version is reported by the gateway and in traces.
const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// Daemon wires every module and owns their lifetimes.
type Daemon struct {
	config *config.Config
	creds  *config.Credentials
	logger *logger.Logger

	// Core modules
	queue        *commandqueue.Queue
	sessions     *session.Store
	memoryMgr    *memory.Manager
	sandbox      *sandbox.HostSandbox
	registry     *toolexecutor.Registry
	watcher      *toolexecutor.ManifestWatcher
	llmClient    *llm.Client
	assembler    *prompt.Assembler
	orchestrator *agent.Orchestrator

	// Services
	gatewayServer *gateway.Server
	maintenance   *Maintenance

	lifecycle *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status reports whether the daemon is running and for how long.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// buildProviders turns the configured profiles into providers, skipping those
// without a key. Tests replace it.
var buildProviders = func(cfg *config.Config, creds *config.Credentials, log zerolog.Logger) ([]llm.Provider, error) {
	var providers []llm.Provider
	for _, p := range cfg.OrderedProviders() {
		key, ok := creds.Key(p.ID)
		if !ok {
			log.Warn().Str("provider", p.ID).Msg("No API key found, skipping provider")
			continue
		}
		pc := llm.ProviderConfig{
			Name:        p.ID,
			APIKey:      key,
			Model:       p.Model,
			BaseURL:     p.BaseURL,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
		}

		var (
			provider llm.Provider
			err      error
		)
		switch p.Provider {
		case "anthropic":
			provider, err = llm.NewAnthropicProvider(pc)
		case "openai":
			provider, err = llm.NewOpenAIProvider(pc)
		default:
			err = fmt.Errorf("unknown provider kind %q", p.Provider)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		providers = append(providers, provider)
	}
	return providers, nil
}

// New creates a daemon. Nothing listens until Start.
func New(cfg *config.Config, creds *config.Credentials, log *logger.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if creds == nil {
		creds = config.ResolveCredentials(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		creds:  creds,
		logger: log,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry("deskflow", Version, cfg.Tracing.SampleRatio); err != nil {
			logger := log.Component("daemon")
			logger.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}
	if err := d.initializeServices(); err != nil {
		d.closeStores()
		d.shutdownTracing()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules builds the modules in dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config
	log := d.logger.Component("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	auditPath := cfg.Logging.AuditFile
	if auditPath == "" {
		auditPath = filepath.Join(cfg.DataDir, "audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		log.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	d.queue = commandqueue.New(commandqueue.Config{Logger: d.logger.Zerolog()})
	log.Info().Msg("Command queue initialized")

	sessions, err := session.NewStore(session.Config{
		Path:   cfg.ConversationsPath(),
		Logger: d.logger.Component("session"),
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation store: %w", err)
	}
	d.sessions = sessions

	memoryMgr, err := memory.NewManager(memory.Config{
		Path:              cfg.MemoryPath(),
		CacheSize:         cfg.Memory.CacheSize,
		HalfLife:          cfg.HalfLife(),
		EmbeddingProvider: d.embedder(),
		Logger:            d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create memory manager: %w", err)
	}
	d.memoryMgr = memoryMgr

	if err := d.initializeTools(); err != nil {
		return err
	}

	providers, err := buildProviders(cfg, d.creds, log)
	if err != nil {
		return fmt.Errorf("failed to create providers: %w", err)
	}
	llmClient, err := llm.NewClient(llm.Config{
		Providers:       providers,
		ProviderTimeout: cfg.ProviderTimeout(),
		Logger:          d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create llm client: %w", err)
	}
	d.llmClient = llmClient
	log.Info().Strs("providers", llmClient.Providers()).Msg("LLM client initialized")

	d.assembler = prompt.NewAssembler(prompt.Config{
		Identity:         cfg.Agent.SystemPrompt,
		MaxContextTokens: cfg.Agent.MaxContextTokens,
		ResponseReserve:  cfg.Agent.ResponseReserve,
		MemoryResults:    cfg.Agent.MemoryResults,
		Memory:           memoryMgr,
		Logger:           d.logger.Zerolog(),
	})

	orch, err := agent.NewOrchestrator(agent.Config{
		Model:             llmClient,
		Tools:             d.registry,
		Store:             sessions,
		Assembler:         d.assembler,
		Queue:             d.queue,
		Memory:            memoryMgr,
		MaxToolRounds:     cfg.Agent.MaxToolRounds,
		EventBuffer:       cfg.Agent.EventBuffer,
		RejectConcurrent:  cfg.Agent.RejectConcurrent,
		StoreInteractions: cfg.Agent.StoreInteractions,
		Logger:            d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	d.orchestrator = orch
	log.Info().Int("maxToolRounds", cfg.Agent.MaxToolRounds).Msg("Orchestrator initialized")

	return nil
}

// embedder returns an OpenAI embedder when embeddings are enabled and an
// OpenAI key is available.
func (d *Daemon) embedder() memory.EmbeddingProvider {
	emb := d.config.Memory.Embeddings
	if !emb.Enabled {
		return nil
	}
	for _, p := range d.config.OrderedProviders() {
		if p.Provider != "openai" {
			continue
		}
		if key, ok := d.creds.Key(p.ID); ok {
			return memory.NewOpenAIEmbedder(key, p.BaseURL, emb.Model, emb.Dimension)
		}
	}
	logger := d.logger.Component("daemon")
	logger.Warn().Msg("Embeddings enabled but no OpenAI key found, using full-text recall only")
	return nil
}

func (d *Daemon) initializeTools() error {
	cfg := d.config
	log := d.logger.Component("daemon")

	sb, err := sandbox.NewHostSandbox(sandbox.Config{
		ResourceLimits: sandbox.ResourceLimits{
			Timeout:        cfg.ToolTimeout(),
			MaxStdoutBytes: cfg.Tools.MaxOutputBytes,
			MaxStderrBytes: cfg.Tools.MaxOutputBytes / 2,
		},
		FilesystemAccess: sandbox.FilesystemAccess{AllowedPaths: cfg.Tools.AllowedRoots},
	})
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}
	d.sandbox = sb

	guard, err := sandbox.NewPathGuard(cfg.Tools.AllowedRoots)
	if err != nil {
		return fmt.Errorf("failed to create path guard: %w", err)
	}

	d.registry = toolexecutor.New(toolexecutor.Config{
		DefaultTimeout: cfg.ToolTimeout(),
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
		AllowDowngrade: cfg.Tools.AllowDowngrade,
		Logger:         d.logger.Zerolog(),
	})

	opts := coretools.Options{
		Sandbox: sb,
		Policy:  sandbox.NewCommandPolicy(),
		Guard:   guard,
		Logger:  d.logger.Component("coretools"),
	}
	if err := coretools.RegisterBuiltins(d.registry, opts); err != nil {
		return fmt.Errorf("failed to register built-in tools: %w", err)
	}

	factories := coretools.Factories(opts)
	applied, errs := d.registry.LoadManifestDir(cfg.Tools.ManifestDir, factories)
	log.Info().
		Int("tools", d.registry.Count()).
		Int("manifests", applied).
		Int("manifestErrors", len(errs)).
		Msg("Tool registry initialized")

	if cfg.Tools.WatchManifests {
		if err := os.MkdirAll(cfg.Tools.ManifestDir, 0755); err != nil {
			return fmt.Errorf("failed to create manifest directory: %w", err)
		}
		watcher, err := toolexecutor.NewManifestWatcher(d.registry, cfg.Tools.ManifestDir, factories, d.logger.Zerolog())
		if err != nil {
			log.Warn().Err(err).Str("dir", cfg.Tools.ManifestDir).Msg("Failed to watch tool manifests")
		} else {
			d.watcher = watcher
		}
	}
	return nil
}

func (d *Daemon) initializeServices() error {
	cfg := d.config

	gw, err := gateway.NewServer(gateway.Config{
		Host:               cfg.Gateway.Host,
		Port:               cfg.Gateway.Port,
		AllowedOrigins:     cfg.Gateway.AllowedOrigins,
		TurnsPerMinute:     cfg.Gateway.TurnsPerMinute,
		MaxConcurrentChats: cfg.Gateway.MaxConcurrentChats,
		Version:            Version,
		Chat:               d.orchestrator,
		Providers:          d.llmClient,
		Memory:             d.memoryMgr,
		Tools:              d.registry,
		Conversations:      d.sessions,
		ConfigSnapshot:     func() map[string]any { return config.Snapshot(cfg, d.creds) },
		Logger:             d.logger.Zerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = gw

	maintenance, err := NewMaintenance(MaintenanceConfig{
		Schedules: cfg.Maintenance,
		Providers: d.llmClient,
		Memory:    d.memoryMgr,
		Sessions:  d.sessions,
		Queue:     d.queue,
		Logger:    d.logger.Component("maintenance"),
	})
	if err != nil {
		return fmt.Errorf("failed to create maintenance scheduler: %w", err)
	}
	d.maintenance = maintenance
	return nil
}

// Start brings the daemon online.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting deskflow daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.markStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}
	if err := d.sandbox.Start(context.Background()); err != nil {
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start sandbox: %w", err)
	}
	if err := d.gatewayServer.Start(); err != nil {
		_ = d.sandbox.Stop(context.Background())
		_ = d.lifecycle.Stop()
		d.markStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")

	d.maintenance.Start()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) markStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop shuts everything down in reverse dependency order.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	logger := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Stopping deskflow daemon")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Closing streams cancels their turns; each turn persists what it has.
	if err := d.gatewayServer.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	maintenanceDone := d.maintenance.Stop()
	select {
	case <-maintenanceDone.Done():
	case <-ctx.Done():
		logger.Warn().Msg("Timeout waiting for maintenance jobs")
	}

	if !d.queue.WaitForActive(5 * time.Second) {
		logger.Warn().Msg("Cancelling turns still running")
	}
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}

	if err := d.sandbox.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop sandbox")
	}
	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeStores()
	d.shutdownTracing()

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// closeStores releases the watcher and databases. It tolerates partial construction.
func (d *Daemon) closeStores() {
	log := d.logger.Component("daemon")
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop manifest watcher")
		}
		d.watcher = nil
	}
	if d.memoryMgr != nil {
		if err := d.memoryMgr.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close memory manager")
		}
		d.memoryMgr = nil
	}
	if d.sessions != nil {
		if err := d.sessions.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close conversation store")
		}
		d.sessions = nil
	}
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		logger := d.logger.Component("daemon")
		logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// Run starts the daemon and blocks until SIGINT/SIGTERM or ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger := d.logger.Component("daemon")
	logger.Info().Msg("Shutdown signal received")
	return d.Stop()
}

// Status returns the running state.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Addr returns the gateway address.
func (d *Daemon) Addr() string {
	return d.gatewayServer.Addr()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetOrchestrator returns the turn orchestrator
func (d *Daemon) GetOrchestrator() *agent.Orchestrator {
	return d.orchestrator
}

// GetRegistry returns the tool registry
func (d *Daemon) GetRegistry() *toolexecutor.Registry {
	return d.registry
}
