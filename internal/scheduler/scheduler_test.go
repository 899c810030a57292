package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type fakeStarter struct {
	mu      sync.Mutex
	running bool
	err     error
	started []debate.Config
}

func (f *fakeStarter) Start(ctx context.Context, cfg debate.Config) (*debate.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.started = append(f.started, cfg)
	return &debate.Session{ID: "sess-" + cfg.Topic, Config: cfg}, nil
}

func (f *fakeStarter) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

type fakePublisher struct {
	topics []string
	events []any
}

func (f *fakePublisher) PublishJSON(topic string, v any) error {
	f.topics = append(f.topics, topic)
	f.events = append(f.events, v)
	return nil
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *fakeStarter, *fakePublisher) {
	t.Helper()
	st, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	starter := &fakeStarter{}
	pub := &fakePublisher{}
	return New(st, starter, pub, config.SchedulerConfig{PollInterval: time.Second}), st, starter, pub
}

func debateConfig(topic string) debate.Config {
	return debate.Config{Topic: topic, Participants: []string{"a", "b"}, Judge: "j", CompletionThreshold: 90}
}

// makeDue moves a stored schedule's next run into the past.
func makeDue(t *testing.T, st *store.Store, id string) {
	t.Helper()
	if _, err := st.DB().Exec(`UPDATE debate_schedules SET next_run_at = ? WHERE id = ?`,
		time.Now().Add(-time.Minute).UnixMilli(), id); err != nil {
		t.Fatal(err)
	}
}

func TestSync(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	ctx := context.Background()

	entries := []config.ScheduleConfig{
		{Name: "Nightly Review", Schedule: "0 2 * * *", Debate: debateConfig("nightly")},
		{Name: "Hourly", Schedule: "@every 1h", Debate: debateConfig("hourly")},
	}
	if err := s.Sync(ctx, entries); err != nil {
		t.Fatalf("sync: %v", err)
	}

	list, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(list))
	}
	got, err := st.GetSchedule(ctx, "nightly-review")
	if err != nil {
		t.Fatalf("expected slug id: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(time.Now()) {
		t.Errorf("expected future next run, got %v", got.NextRunAt)
	}
	if got.Config.Topic != "nightly" {
		t.Errorf("unexpected config: %+v", got.Config)
	}

	// Removing an entry prunes it.
	if err := s.Sync(ctx, entries[1:]); err != nil {
		t.Fatal(err)
	}
	list, _ = st.ListSchedules(ctx)
	if len(list) != 1 || list[0].ID != "hourly" {
		t.Errorf("expected only hourly to remain, got %+v", list)
	}
}

func TestSyncRejectsInvalid(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		entry config.ScheduleConfig
	}{
		{"no name", config.ScheduleConfig{Schedule: "@daily", Debate: debateConfig("x")}},
		{"bad schedule", config.ScheduleConfig{Name: "x", Schedule: "whenever", Debate: debateConfig("x")}},
		{"bad debate", config.ScheduleConfig{Name: "x", Schedule: "@daily", Debate: debate.Config{Topic: "x"}}},
		{"unusable name", config.ScheduleConfig{Name: "!!!", Schedule: "@daily", Debate: debateConfig("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Sync(ctx, []config.ScheduleConfig{tt.entry}); err == nil {
				t.Error("expected error")
			}
		})
	}

	dup := []config.ScheduleConfig{
		{Name: "Same", Schedule: "@daily", Debate: debateConfig("a")},
		{Name: "same", Schedule: "@hourly", Debate: debateConfig("b")},
	}
	if err := s.Sync(ctx, dup); err == nil {
		t.Error("expected error for duplicate schedule names")
	}
}

func TestExecuteStartsDueDebate(t *testing.T) {
	s, st, starter, pub := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Sync(ctx, []config.ScheduleConfig{
		{Name: "hourly", Schedule: "@every 1h", Debate: debateConfig("hourly")},
	}); err != nil {
		t.Fatal(err)
	}
	makeDue(t, st, "hourly")

	s.poll(ctx)

	if len(starter.started) != 1 || starter.started[0].Topic != "hourly" {
		t.Fatalf("expected one started debate, got %+v", starter.started)
	}
	got, _ := st.GetSchedule(ctx, "hourly")
	if got.LastStatus != RunStarted || got.LastSessionID != "sess-hourly" {
		t.Errorf("unexpected run record: %+v", got)
	}
	if got.NextRunAt == nil || got.NextRunAt.Before(time.Now().Add(59*time.Minute)) {
		t.Errorf("expected next run about an hour out, got %v", got.NextRunAt)
	}
	if got.Status != store.ScheduleActive {
		t.Errorf("expected recurring schedule to stay active, got %s", got.Status)
	}
	if len(pub.events) != 1 {
		t.Errorf("expected one published event, got %d", len(pub.events))
	}

	// Not due any more.
	s.poll(ctx)
	if len(starter.started) != 1 {
		t.Errorf("expected no second start, got %d", len(starter.started))
	}
}

func TestExecuteSkipsWhileRunning(t *testing.T) {
	s, st, starter, _ := newTestScheduler(t)
	ctx := context.Background()

	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	if err := s.Sync(ctx, []config.ScheduleConfig{
		{Name: "recurring", Schedule: "@every 1h", Debate: debateConfig("recurring")},
		{Name: "once", Schedule: at, Debate: debateConfig("once")},
	}); err != nil {
		t.Fatal(err)
	}
	makeDue(t, st, "recurring")
	makeDue(t, st, "once")

	starter.running = true
	s.poll(ctx)

	if len(starter.started) != 0 {
		t.Fatalf("expected no debates started, got %d", len(starter.started))
	}
	rec, _ := st.GetSchedule(ctx, "recurring")
	if rec.LastStatus != RunSkipped {
		t.Errorf("expected recurring run skipped, got %q", rec.LastStatus)
	}
	once, _ := st.GetSchedule(ctx, "once")
	if once.LastStatus != "" || once.Status != store.ScheduleActive {
		t.Errorf("expected one-off left pending, got %+v", once)
	}

	// The deferred one-off runs once the controller is idle, then completes.
	starter.running = false
	s.poll(ctx)
	if len(starter.started) != 1 || starter.started[0].Topic != "once" {
		t.Fatalf("expected deferred one-off to start, got %+v", starter.started)
	}
	once, _ = st.GetSchedule(ctx, "once")
	if once.Status != store.ScheduleCompleted || once.NextRunAt != nil {
		t.Errorf("expected one-off completed, got %+v", once)
	}

	// A completed one-off stays completed across re-syncs.
	if err := s.Sync(ctx, []config.ScheduleConfig{
		{Name: "once", Schedule: at, Debate: debateConfig("once")},
	}); err != nil {
		t.Fatal(err)
	}
	once, _ = st.GetSchedule(ctx, "once")
	if once.Status != store.ScheduleCompleted {
		t.Errorf("expected completed status kept, got %s", once.Status)
	}
}

func TestExecuteStartError(t *testing.T) {
	s, st, starter, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Sync(ctx, []config.ScheduleConfig{
		{Name: "daily", Schedule: "@daily", Debate: debateConfig("daily")},
	}); err != nil {
		t.Fatal(err)
	}
	makeDue(t, st, "daily")

	starter.err = errors.New("provider a not logged in")
	s.poll(ctx)

	got, _ := st.GetSchedule(ctx, "daily")
	if got.LastStatus != RunError || got.LastError == "" {
		t.Errorf("expected error run record, got %+v", got)
	}
	if got.NextRunAt == nil {
		t.Error("expected recurring schedule to keep a next run after an error")
	}

	// Losing the start race counts as a skip.
	makeDue(t, st, "daily")
	starter.err = controller.ErrAlreadyRunning
	s.poll(ctx)
	got, _ = st.GetSchedule(ctx, "daily")
	if got.LastStatus != RunSkipped {
		t.Errorf("expected skipped after start race, got %q", got.LastStatus)
	}
}

func TestScheduleID(t *testing.T) {
	tests := map[string]string{
		"Nightly Review":    "nightly-review",
		"  code_review #2 ": "code-review-2",
		"ALL-CAPS":          "all-caps",
		"trailing!":         "trailing",
	}
	for in, want := range tests {
		if got := scheduleID(in); got != want {
			t.Errorf("scheduleID(%q) = %q, want %q", in, got, want)
		}
	}
}
