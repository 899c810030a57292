// Package scheduler starts configured debates when their schedule comes due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/schedule"
	"github.com/mtzanidakis/synedrio/internal/store"
)

const (
	RunStarted = "started"
	RunSkipped = "skipped"
	RunError   = "error"
)

// Starter launches a debate. It is satisfied by *controller.Controller.
type Starter interface {
	Start(ctx context.Context, cfg debate.Config) (*debate.Session, error)
	IsRunning() bool
}

type Publisher interface {
	PublishJSON(topic string, v any) error
}

type Scheduler struct {
	store        *store.Store
	starter      Starter
	pub          Publisher
	pollInterval time.Duration
	now          func() time.Time
}

func New(s *store.Store, starter Starter, pub Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		starter:      starter,
		pub:          pub,
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Sync replaces the stored schedules with entries. Pending runs of unchanged
// schedules survive, and one-off schedules that already ran stay completed.
func (s *Scheduler) Sync(ctx context.Context, entries []config.ScheduleConfig) error {
	ids := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("schedule without name")
		}
		id := scheduleID(e.Name)
		if id == "" {
			return fmt.Errorf("schedule %q: name has no usable characters", e.Name)
		}
		if seen[id] {
			return fmt.Errorf("duplicate schedule %q", e.Name)
		}
		seen[id] = true

		norm, err := schedule.Normalize(e.Schedule)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if err := e.Debate.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}

		status := store.ScheduleActive
		if existing, err := s.store.GetSchedule(ctx, id); err == nil &&
			existing.Schedule == norm && existing.Status == store.ScheduleCompleted {
			status = store.ScheduleCompleted
		}

		d := &store.ScheduledDebate{
			ID:        id,
			Name:      e.Name,
			Schedule:  norm,
			Config:    e.Debate,
			Status:    status,
			NextRunAt: schedule.NextRun(norm, s.now()),
		}
		if err := s.store.SaveSchedule(ctx, d); err != nil {
			return err
		}
		ids = append(ids, id)
	}

	if err := s.store.DeleteSchedulesNotIn(ctx, ids); err != nil {
		return fmt.Errorf("prune schedules: %w", err)
	}
	slog.Info("schedules synced", "count", len(ids))
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.store.GetDueSchedules(ctx, s.now())
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, d := range due {
		s.execute(ctx, d)
	}
}

func (s *Scheduler) execute(ctx context.Context, d store.ScheduledDebate) {
	sched, err := schedule.Parse(d.Schedule)
	if err != nil {
		slog.Error("invalid stored schedule, pausing", "id", d.ID, "error", err)
		if err := s.store.UpdateScheduleRun(ctx, d.ID, RunError, err.Error(), "", nil); err != nil {
			slog.Error("failed to update schedule run", "id", d.ID, "error", err)
		}
		_ = s.store.UpdateScheduleStatus(ctx, d.ID, store.SchedulePaused)
		return
	}

	busy := s.starter.IsRunning()
	var sess *debate.Session
	if !busy {
		slog.Info("starting scheduled debate", "id", d.ID, "name", d.Name, "topic", d.Config.Topic)
		sess, err = s.starter.Start(ctx, d.Config)
		busy = errors.Is(err, controller.ErrAlreadyRunning)
	}

	// A one-off run waits for the running debate instead of being lost.
	if busy && !sched.Recurring() {
		slog.Info("debate running, deferring one-off schedule", "id", d.ID)
		return
	}

	var lastStatus, lastError, sessionID string
	switch {
	case busy:
		lastStatus = RunSkipped
		lastError = controller.ErrAlreadyRunning.Error()
		slog.Info("debate running, skipping scheduled run", "id", d.ID, "name", d.Name)
	case err != nil:
		lastStatus = RunError
		lastError = err.Error()
		slog.Error("scheduled debate failed to start", "id", d.ID, "error", err)
	default:
		lastStatus = RunStarted
		sessionID = sess.ID
	}

	var next *time.Time
	if nextRun, ok := sched.Next(s.now()); ok && sched.Recurring() {
		next = &nextRun
	}

	if err := s.store.UpdateScheduleRun(ctx, d.ID, lastStatus, lastError, sessionID, next); err != nil {
		slog.Error("failed to update schedule run", "id", d.ID, "error", err)
	}

	s.publishExecuted(d, lastStatus, sessionID)

	if next == nil {
		slog.Info("no next run, marking schedule completed", "id", d.ID, "name", d.Name)
		if err := s.store.UpdateScheduleStatus(ctx, d.ID, store.ScheduleCompleted); err != nil {
			slog.Error("failed to complete schedule", "id", d.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishExecuted(d store.ScheduledDebate, status, sessionID string) {
	if s.pub == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_executed",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":         d.ID,
			"name":       d.Name,
			"status":     status,
			"session_id": sessionID,
		},
	}
	if err := s.pub.PublishJSON(natsbus.TopicEventsScheduleExecuted, event); err != nil {
		slog.Warn("failed to publish schedule event", "id", d.ID, "error", err)
	}
}

// scheduleID derives a stable identifier from a schedule name.
func scheduleID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
