package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultSchedulePollInterval = 5 * time.Second
	defaultScheduleBatchLimit   = 100
)

// ScheduleRunStatus reports the outcome of the latest scheduled run.
type ScheduleRunStatus string

const (
	ScheduleRunStatusRunning        ScheduleRunStatus = "running"
	ScheduleRunStatusCompleted      ScheduleRunStatus = "completed"
	ScheduleRunStatusFailed         ScheduleRunStatus = "failed"
	ScheduleRunStatusSkippedOverlap ScheduleRunStatus = "skipped_overlap"
)

// Schedule submits a fixed request text to the orchestrator on a
// UTC cron expression.
type Schedule struct {
	ID      string `json:"id"`
	Cron    string `json:"cron"`
	Request string `json:"request"`
	Enabled bool   `json:"enabled"`

	NextRunAt  time.Time         `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time        `json:"last_run_at,omitempty"`
	LastStatus ScheduleRunStatus `json:"last_status,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	LastRunID  string            `json:"last_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ScheduleStore persists orchestration schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, bool, error)
	UpdateSchedule(ctx context.Context, schedule Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	// ListDueSchedules returns enabled schedules whose NextRunAt is at
	// or before now, oldest first, capped at limit.
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

// MemScheduleStore is an in-memory ScheduleStore.
type MemScheduleStore struct {
	mu        sync.RWMutex
	schedules map[string]Schedule
}

// NewMemScheduleStore creates an empty in-memory schedule store.
func NewMemScheduleStore() *MemScheduleStore {
	return &MemScheduleStore{schedules: map[string]Schedule{}}
}

func (m *MemScheduleStore) CreateSchedule(_ context.Context, schedule Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; exists {
		return fmt.Errorf("schedule %s already exists", schedule.ID)
	}
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemScheduleStore) GetSchedule(_ context.Context, id string) (Schedule, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	schedule, ok := m.schedules[id]
	return schedule, ok, nil
}

func (m *MemScheduleStore) UpdateSchedule(_ context.Context, schedule Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.schedules[schedule.ID]; !exists {
		return fmt.Errorf("schedule %s not found", schedule.ID)
	}
	m.schedules[schedule.ID] = schedule
	return nil
}

func (m *MemScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *MemScheduleStore) ListDueSchedules(_ context.Context, now time.Time, limit int) ([]Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []Schedule
	for _, schedule := range m.schedules {
		if schedule.Enabled && !schedule.NextRunAt.After(now) {
			due = append(due, schedule)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// SchedulerConfig configures the background schedule runner.
type SchedulerConfig struct {
	Orchestrator Orchestrator
	Store        ScheduleStore
	PollInterval time.Duration
	BatchLimit   int
	Now          func() time.Time
	Logger       *slog.Logger
}

// Scheduler periodically submits due schedules to the orchestrator.
// An overlap (a schedule coming due while its prior run is still
// active) is skipped, not queued.
type Scheduler struct {
	orchestrator Orchestrator
	store        ScheduleStore
	pollInterval time.Duration
	batchLimit   int
	now          func() time.Time
	logger       *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler instance.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("scheduler orchestrator is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("scheduler store is nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultSchedulePollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = defaultScheduleBatchLimit
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		orchestrator: cfg.Orchestrator,
		store:        cfg.Store,
		pollInterval: cfg.PollInterval,
		batchLimit:   cfg.BatchLimit,
		now:          cfg.Now,
		logger:       cfg.Logger,
		active:       map[string]struct{}{},
	}, nil
}

// Start starts background polling. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = s.RunOnce(loopCtx)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
}

// Stop stops background polling and waits for the loop to exit or the
// context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes a single scheduler pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := s.now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now, s.batchLimit)
	if err != nil {
		return err
	}

	for _, schedule := range due {
		s.processDueSchedule(ctx, schedule, now)
	}
	return nil
}

func (s *Scheduler) processDueSchedule(ctx context.Context, schedule Schedule, now time.Time) {
	if !schedule.Enabled {
		return
	}

	if s.isActive(schedule.ID) {
		s.markSkippedOverlap(ctx, schedule, now)
		return
	}

	nextRunAt, err := nextScheduleRun(schedule.Cron, now)
	if err != nil {
		s.markFailure(ctx, schedule, now, err)
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusRunning
	schedule.LastError = ""
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("update schedule before run", "schedule_id", schedule.ID, "error", err)
		return
	}

	s.markActive(schedule.ID)
	go s.runSchedule(schedule)
}

func (s *Scheduler) runSchedule(schedule Schedule) {
	defer s.unmarkActive(schedule.ID)

	result, runErr := s.orchestrator.Handle(context.Background(), schedule.Request)

	finish := s.now().UTC()
	latest, found, err := s.store.GetSchedule(context.Background(), schedule.ID)
	if err != nil {
		s.logger.Error("load schedule after run", "schedule_id", schedule.ID, "error", err)
		return
	}
	if !found {
		return
	}

	latest.UpdatedAt = finish
	latest.LastRunAt = &finish
	if runErr != nil {
		latest.LastStatus = ScheduleRunStatusFailed
		latest.LastError = runErr.Error()
	} else {
		latest.LastStatus = ScheduleRunStatusCompleted
		latest.LastError = ""
		latest.LastRunID = result.RequestID
	}

	if err := s.store.UpdateSchedule(context.Background(), latest); err != nil {
		s.logger.Error("persist schedule run result", "schedule_id", schedule.ID, "error", err)
	}
}

func (s *Scheduler) markSkippedOverlap(ctx context.Context, schedule Schedule, now time.Time) {
	nextRunAt, err := nextScheduleRun(schedule.Cron, now)
	if err != nil {
		s.markFailure(ctx, schedule, now, err)
		return
	}

	schedule.NextRunAt = nextRunAt
	schedule.LastStatus = ScheduleRunStatusSkippedOverlap
	schedule.LastError = "skipped because prior scheduled run is still active"
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist overlap skip", "schedule_id", schedule.ID, "error", err)
	}
}

func (s *Scheduler) markFailure(ctx context.Context, schedule Schedule, now time.Time, runErr error) {
	nextRunAt, nextErr := nextScheduleRun(schedule.Cron, now)
	if nextErr == nil {
		schedule.NextRunAt = nextRunAt
	}
	schedule.LastStatus = ScheduleRunStatusFailed
	schedule.LastError = runErr.Error()
	schedule.UpdatedAt = now
	if err := s.store.UpdateSchedule(ctx, schedule); err != nil {
		s.logger.Error("persist schedule failure", "schedule_id", schedule.ID, "error", err)
	}
}

func (s *Scheduler) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

func (s *Scheduler) markActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[id] = struct{}{}
}

func (s *Scheduler) unmarkActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, id)
}

// Schedules use five-field cron expressions interpreted in UTC.
// Timezone prefixes are rejected so NextRunAt stays comparable across
// store backends.
var scheduleCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

func parseScheduleCron(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.New("schedule cron expression is empty")
	}
	upper := strings.ToUpper(trimmed)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("schedule cron %q has a timezone prefix; schedules are UTC-only", trimmed)
	}
	schedule, err := scheduleCronParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule cron %q: %w", trimmed, err)
	}
	return schedule, nil
}

// nextScheduleRun computes the first run strictly after now, in UTC.
func nextScheduleRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := parseScheduleCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}
