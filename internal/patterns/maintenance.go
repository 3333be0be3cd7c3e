package patterns

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"ai-trading-engine/internal/logging"
)

// Maintenance prunes the pattern store on a cron schedule
type Maintenance struct {
	service  *Service
	criteria PruneCriteria
	cron     *cron.Cron
	running  int32
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewMaintenance schedules pruning with criteria. schedule accepts cron
// syntax or descriptors such as "@every 1h".
func NewMaintenance(service *Service, schedule string, criteria PruneCriteria, logger zerolog.Logger) (*Maintenance, error) {
	m := &Maintenance{
		service:  service,
		criteria: criteria,
		cron:     cron.New(),
		timeout:  time.Minute,
		logger:   logging.Component(logger, "PatternMaintenance"),
	}
	if _, err := m.cron.AddFunc(schedule, m.tick); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Maintenance) tick() {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		m.logger.Debug().Msg("Skipping prune - previous run still active")
		return
	}
	defer atomic.StoreInt32(&m.running, 0)

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Scheduled prune failed")
	}
}

// RunOnce prunes immediately
func (m *Maintenance) RunOnce(ctx context.Context) (int, error) {
	n, err := m.service.PrunePatterns(ctx, m.criteria)
	if err == nil {
		m.logger.Debug().Int("removed", n).Msg("Prune complete")
	}
	return n, err
}

// Start begins the schedule
func (m *Maintenance) Start() {
	m.cron.Start()
}

// Stop halts the schedule and waits for a running prune to finish
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}
