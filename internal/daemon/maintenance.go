package daemon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/deskflow/internal/config"
	"github.com/harun/deskflow/internal/observability"
	"github.com/harun/deskflow/pkg/commandqueue"
	"github.com/harun/deskflow/pkg/llm"
	"github.com/harun/deskflow/pkg/memory"
)

const healthCheckTimeout = 30 * time.Second

// ProviderChecker probes model providers. *llm.Client satisfies it.
type ProviderChecker interface {
	HealthCheck(ctx context.Context) map[string]llm.ProviderStatus
}

// MemoryStatter reports memory statistics. *memory.Manager satisfies it.
type MemoryStatter interface {
	Stats(ctx context.Context) memory.Stats
}

// ConversationPruner deletes stale conversations. *session.Store satisfies it.
type ConversationPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// LaneStatter reports queue lanes. *commandqueue.Queue satisfies it.
type LaneStatter interface {
	Stats() map[string]commandqueue.LaneStats
}

// MaintenanceConfig holds the job schedules and their targets. A nil target
// or an empty schedule disables the job.
type MaintenanceConfig struct {
	Schedules config.MaintenanceConfig
	Providers ProviderChecker
	Memory    MemoryStatter
	Sessions  ConversationPruner
	Queue     LaneStatter
	Logger    zerolog.Logger
}

// Maintenance runs periodic background jobs on a cron schedule.
type Maintenance struct {
	cron      *cron.Cron
	providers ProviderChecker
	memory    MemoryStatter
	sessions  ConversationPruner
	queue     LaneStatter
	retention time.Duration
	jobs      []string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewMaintenance registers every enabled job.
func NewMaintenance(cfg MaintenanceConfig) (*Maintenance, error) {
	m := &Maintenance{
		providers: cfg.Providers,
		memory:    cfg.Memory,
		sessions:  cfg.Sessions,
		queue:     cfg.Queue,
		retention: time.Duration(cfg.Schedules.ConversationRetentionDays) * 24 * time.Hour,
		logger:    cfg.Logger,
		now:       time.Now,
	}

	cronLog := cronLogger{logger: cfg.Logger}
	m.cron = cron.New(cron.WithChain(
		cron.Recover(cronLog),
		cron.SkipIfStillRunning(cronLog),
	))

	jobs := []struct {
		name    string
		spec    string
		enabled bool
		run     func()
	}{
		{"provider_health", cfg.Schedules.HealthCheckSchedule, m.providers != nil, m.CheckProviders},
		{"stats", cfg.Schedules.StatsSchedule, m.memory != nil || m.queue != nil, m.RefreshStats},
		{"prune_conversations", cfg.Schedules.PruneSchedule, m.sessions != nil && m.retention > 0, m.PruneConversations},
	}
	for _, job := range jobs {
		if job.spec == "" || !job.enabled {
			continue
		}
		if _, err := m.cron.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.name, err)
		}
		m.jobs = append(m.jobs, job.name)
	}
	sort.Strings(m.jobs)
	return m, nil
}

// Jobs returns the names of scheduled jobs.
func (m *Maintenance) Jobs() []string {
	return append([]string(nil), m.jobs...)
}

// Start runs the scheduler in the background.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.logger.Info().Strs("jobs", m.jobs).Msg("Maintenance scheduler started")
}

// Stop halts the scheduler. The returned context ends when running jobs finish.
func (m *Maintenance) Stop() context.Context {
	return m.cron.Stop()
}

// CheckProviders probes every provider and logs unreachable ones.
func (m *Maintenance) CheckProviders() {
	if m.providers == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	results := m.providers.HealthCheck(ctx)
	reachable := 0
	for name, status := range results {
		if status.Reachable {
			reachable++
			continue
		}
		m.logger.Warn().Str("provider", name).Str("error", status.Error).Msg("Provider unreachable")
	}
	m.logger.Debug().Int("providers", len(results)).Int("reachable", reachable).Msg("Provider health check finished")
}

// RefreshStats updates the memory gauge and logs busy queue lanes.
func (m *Maintenance) RefreshStats() {
	if m.memory != nil {
		stats := m.memory.Stats(context.Background())
		if stats.Entries >= 0 {
			observability.SetMemoryEntries(stats.Entries)
		}
	}
	if m.queue != nil {
		for lane, s := range m.queue.Stats() {
			if s.Queued > 0 || s.Running > 0 {
				m.logger.Debug().
					Str("lane", lane).
					Int("queued", s.Queued).
					Int("running", s.Running).
					Msg("Queue stats")
			}
		}
	}
}

// PruneConversations deletes conversations not updated within the retention window.
func (m *Maintenance) PruneConversations() {
	if m.sessions == nil || m.retention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.retention)
	n, err := m.sessions.Prune(context.Background(), cutoff)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to prune conversations")
		return
	}
	if n > 0 {
		m.logger.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("Pruned stale conversations")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
