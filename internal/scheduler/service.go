// Package scheduler fires periodic tasks. Static schedules live in the
// broker; periodic tasks may also be stored inside every tenant schema. Each
// due entry is fanned out to its target schemas.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"tenantflow/internal/domain"
)

// ScheduleRepository is the part of the broker holding static schedules.
type ScheduleRepository interface {
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	UpsertSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetDueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	UpdateScheduleLastRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type Option func(*Service)

// WithDatabaseSource also fires the periodic tasks stored in tenant schemas.
func WithDatabaseSource(d *DatabaseSource) Option {
	return func(s *Service) { s.db = d }
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

type Service struct {
	repo     ScheduleRepository
	fanout   *Fanout
	db       *DatabaseSource
	clock    clock.Clock
	stop     chan struct{}
	stopOnce sync.Once
	interval time.Duration
	// firstSeen anchors database entries that never ran.
	firstSeen map[string]time.Time
}

func NewService(repo ScheduleRepository, fanout *Fanout, checkInterval time.Duration, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		fanout:    fanout,
		clock:     clock.New(),
		stop:      make(chan struct{}),
		interval:  checkInterval,
		firstSeen: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Start(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Bool("database_source", s.db != nil).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick fires every entry due at now.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	s.processDueSchedules(ctx, now)
	if s.db != nil {
		s.processDatabaseEntries(ctx, now)
	}
}

// Seed stores the configured schedules, replacing stored definitions with
// the same name.
func (s *Service) Seed(ctx context.Context, schedules []domain.Schedule) error {
	now := s.clock.Now()
	for _, sc := range schedules {
		next, err := NextRunTime(sc.CronExpr, now)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		sc.NextRun = next
		if _, err := s.repo.UpsertSchedule(ctx, sc); err != nil {
			return fmt.Errorf("seed schedule %q: %w", sc.Name, err)
		}
	}
	log.Info().Int("schedules", len(schedules)).Msg("seeded configured schedules")
	return nil
}

// Schedule lists the entries of both sources: static schedules expanded per
// target, then database entries ordered by key.
func (s *Service) Schedule(ctx context.Context) ([]*Entry, error) {
	schedules, err := s.repo.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	var enabled []domain.Schedule
	for _, sc := range schedules {
		if sc.Enabled {
			enabled = append(enabled, sc)
		}
	}
	entries := Expand(enabled)
	if s.db == nil {
		return entries, nil
	}
	merged, err := s.db.Schedule(ctx)
	if err != nil {
		return nil, err
	}
	return append(entries, sortedEntries(merged)...), nil
}

func sortedEntries(m map[string]*Entry) []*Entry {
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Service) processDueSchedules(ctx context.Context, now time.Time) {
	schedules, err := s.repo.GetDueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to get due schedules")
		return
	}

	for _, schedule := range schedules {
		if err := s.processSchedule(ctx, schedule, now); err != nil {
			log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to process schedule")
		}
	}
}

func (s *Service) processSchedule(ctx context.Context, schedule domain.Schedule, now time.Time) error {
	cronSchedule, err := cron.ParseStandard(schedule.CronExpr)
	if err != nil {
		log.Error().Err(err).Str("cron_expr", schedule.CronExpr).Msg("invalid cron expression")
		return err
	}

	for _, e := range Expand([]domain.Schedule{schedule}) {
		s.apply(ctx, e)
	}

	// A failed tenant is not retried before the next run.
	nextRun := cronSchedule.Next(now)
	if err := s.repo.UpdateScheduleLastRun(ctx, schedule.ID, now, nextRun); err != nil {
		log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to update schedule run times")
		return err
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("schedule_name", schedule.Name).
		Time("next_run", nextRun).
		Msg("scheduled task fanned out")

	return nil
}

// apply fans e out. Per-schema failures are logged by the fan-out itself.
func (s *Service) apply(ctx context.Context, e *Entry) {
	res, err := s.fanout.ApplyEntry(ctx, e)
	if err != nil && len(res.Failed) == 0 {
		log.Error().Err(err).Str("entry", e.Key).Msg("failed to fan out scheduled task")
	}
}

func (s *Service) processDatabaseEntries(ctx context.Context, now time.Time) {
	entries, err := s.db.Schedule(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read database schedule")
		return
	}
	for _, e := range sortedEntries(entries) {
		due, err := s.isDue(e, now)
		if err != nil {
			log.Error().Err(err).Str("entry", e.Key).Str("cron_expr", e.CronExpr).Msg("invalid cron expression")
			continue
		}
		if !due {
			continue
		}
		s.apply(ctx, e)
		if err := s.db.MarkRun(ctx, e.Key, now); err != nil {
			log.Error().Err(err).Str("entry", e.Key).Msg("failed to save run state")
		}
	}
}

func (s *Service) isDue(e *Entry, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(e.CronExpr)
	if err != nil {
		return false, err
	}
	base, ok := s.firstSeen[e.Key]
	if e.LastRunAt != nil {
		base = *e.LastRunAt
	} else if !ok {
		s.firstSeen[e.Key] = now
		return false, nil
	}
	return !sched.Next(base).After(now), nil
}
