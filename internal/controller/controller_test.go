package controller

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/cycle"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/provider"
	"github.com/mtzanidakis/synedrio/internal/provider/providertest"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type recordingSink struct {
	mu     sync.Mutex
	events []debate.Event
}

func (r *recordingSink) Emit(ev debate.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) all() []debate.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]debate.Event(nil), r.events...)
}

func (r *recordingSink) ofType(typ debate.EventType) []debate.Event {
	var out []debate.Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type stubDetector struct {
	mu     sync.Mutex
	result bool
	calls  int
}

func (d *stubDetector) DetectCycle(ctx context.Context, judge string, versions []debate.Version) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.result
}

func (d *stubDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type harness struct {
	ctrl     *Controller
	store    *store.Store
	sink     *recordingSink
	registry *provider.Registry
}

func newHarness(t *testing.T, detector CycleDetector, opts Options, adapters map[string]*providertest.Adapter) *harness {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry := provider.NewRegistry()
	for name, a := range adapters {
		registry.Register(name, a)
	}

	sink := &recordingSink{}
	presets := debate.NewPresets(map[string][]string{
		"single": {"Quality"},
		"pair":   {"Security", "Performance"},
	})
	ctrl := New(s, registry, detector, sink, presets, opts)
	return &harness{ctrl: ctrl, store: s, sink: sink, registry: registry}
}

func scoreReply(t *testing.T, entries ...any) string {
	t.Helper()
	type entry struct {
		Name    string `json:"name"`
		Content string `json:"content"`
		Score   int    `json:"score"`
	}
	var out struct {
		Elements []entry `json:"elements"`
	}
	for i := 0; i+2 < len(entries); i += 3 {
		out.Elements = append(out.Elements, entry{
			Name:    entries[i].(string),
			Content: entries[i+1].(string),
			Score:   entries[i+2].(int),
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for debate to finish")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) session(t *testing.T, id string) *debate.Session {
	t.Helper()
	sess, err := h.store.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return sess
}

func TestThresholdCompletionAcrossRotation(t *testing.T) {
	p0 := providertest.New(
		scoreReply(t, "Quality", "draft one", 85),
		scoreReply(t, "Quality", "draft three", 92),
	)
	p1 := providertest.New(scoreReply(t, "Quality", "draft two", 88))
	judge := providertest.New(`{"isCycle": true, "reason": "never asked"}`)

	detector := &stubDetector{result: true}
	h := newHarness(t, detector, Options{}, map[string]*providertest.Adapter{"P0": p0, "P1": p1, "J": judge})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0", "P1"},
		Judge:               "J",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CurrentIteration != 3 {
		t.Errorf("expected 3 iterations, got %d", got.CurrentIteration)
	}

	e := got.Elements[0]
	if e.Status != debate.ElementCompleted || e.CompletionReason != debate.ReasonThreshold {
		t.Errorf("expected threshold completion, got %s/%s", e.Status, e.CompletionReason)
	}
	wantScores := []int{85, 88, 92}
	wantProviders := []string{"P0", "P1", "P0"}
	if len(e.VersionHistory) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(e.VersionHistory))
	}
	for i, v := range e.VersionHistory {
		if v.Score != wantScores[i] || v.Provider != wantProviders[i] || v.Iteration != i+1 {
			t.Errorf("version %d: got score %d by %s at %d", i, v.Score, v.Provider, v.Iteration)
		}
	}
	if e.CurrentScore != 92 {
		t.Errorf("expected current score 92, got %d", e.CurrentScore)
	}

	// Threshold wins before the cycle check on the third version.
	if detector.callCount() != 0 {
		t.Errorf("expected no cycle check, got %d", detector.callCount())
	}

	complete := h.sink.ofType(debate.EventComplete)
	if len(complete) != 1 {
		t.Fatalf("expected one complete event, got %d", len(complete))
	}
	if data := complete[0].Data.(debate.CompleteData); data.Iterations != 3 || data.Exhausted {
		t.Errorf("unexpected complete data: %+v", data)
	}
	if h.ctrl.IsRunning() {
		t.Error("expected controller to be idle")
	}
}

func TestCycleCompletion(t *testing.T) {
	p0 := providertest.New(
		scoreReply(t, "Quality", "V1", 50),
		scoreReply(t, "Quality", "V2", 55),
		scoreReply(t, "Quality", "V1", 50),
	)
	judge := providertest.New(`{"isCycle": true, "reason": "V1 repeats"}`)

	registry := provider.NewRegistry()
	registry.Register("J", judge)
	detector := cycle.NewDetector(registry, provider.DefaultTimeouts())

	h := newHarness(t, detector, Options{}, map[string]*providertest.Adapter{"P0": p0, "J": judge})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0"},
		Judge:               "J",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	e := got.Elements[0]
	if e.Status != debate.ElementCycleDetected || e.CompletionReason != debate.ReasonCycle {
		t.Errorf("expected cycle completion, got %s/%s", e.Status, e.CompletionReason)
	}
	if got.Status != debate.SessionCompleted {
		t.Errorf("expected session completed, got %s", got.Status)
	}
	if judge.Calls("SubmitMessage") != 1 {
		t.Errorf("expected one judge round trip, got %d", judge.Calls("SubmitMessage"))
	}

	cycles := h.sink.ofType(debate.EventCycleDetected)
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle_detected event, got %d", len(cycles))
	}
	data := cycles[0].Data.(debate.CycleDetectedData)
	if data.ElementID != e.ID || data.Iteration != 3 {
		t.Errorf("unexpected cycle event: %+v", data)
	}
}

func TestRotationAndIterationCeiling(t *testing.T) {
	participants := []string{"A", "B", "C"}
	adapters := map[string]*providertest.Adapter{}
	for _, p := range participants {
		adapters[p] = providertest.New(scoreReply(t, "Quality", "from "+p, 10))
	}
	adapters["J"] = providertest.New()

	h := newHarness(t, &stubDetector{}, Options{MaxIterations: 7}, adapters)

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        participants,
		Judge:               "J",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionCompleted {
		t.Errorf("expected completed at ceiling, got %s", got.Status)
	}
	versions := got.Elements[0].VersionHistory
	if len(versions) != 7 {
		t.Fatalf("expected 7 versions, got %d", len(versions))
	}
	for i, v := range versions {
		want := participants[i%len(participants)]
		if v.Provider != want {
			t.Errorf("iteration %d: expected %s, got %s", i+1, want, v.Provider)
		}
	}

	complete := h.sink.ofType(debate.EventComplete)
	if len(complete) != 1 {
		t.Fatalf("expected one complete event, got %d", len(complete))
	}
	data := complete[0].Data.(debate.CompleteData)
	if !data.Exhausted || data.Unresolved != 1 || data.Iterations != 7 {
		t.Errorf("unexpected complete data: %+v", data)
	}
}

func TestCancel(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Quality", "x", 10))
	p0.Block()
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0"},
		Judge:               "P0",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, func() bool { return p0.Calls("AwaitResponse") > 0 })
	if p, ok := h.ctrl.CurrentProvider(); !ok || p != "P0" {
		t.Errorf("expected current provider P0, got %q (%v)", p, ok)
	}
	if h.ctrl.CurrentIteration() != 1 {
		t.Errorf("expected iteration 1, got %d", h.ctrl.CurrentIteration())
	}

	// A second start while running is rejected.
	if _, err := h.ctrl.Start(context.Background(), sess.Config); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	h.ctrl.Cancel()
	p0.Unblock()
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CurrentIteration != 1 {
		t.Errorf("expected cancellation after iteration 1, got %d", got.CurrentIteration)
	}
	// The in-flight round still finished and was recorded.
	if len(got.Elements[0].VersionHistory) != 1 {
		t.Errorf("expected the in-flight round to be recorded, got %d versions", len(got.Elements[0].VersionHistory))
	}
	if n := len(h.sink.ofType(debate.EventComplete)); n != 0 {
		t.Errorf("expected no complete event, got %d", n)
	}

	changes := h.sink.ofType(debate.EventStateChanged)
	last := changes[len(changes)-1].Data.(debate.StateChangedData)
	if last.To != debate.SessionCancelled {
		t.Errorf("expected final transition to cancelled, got %+v", last)
	}
	if snap, ok := h.ctrl.Session(); !ok || snap.Status != debate.SessionCancelled {
		t.Errorf("expected cancelled snapshot, got %+v", snap)
	}
}

func TestLoginFailure(t *testing.T) {
	p0 := providertest.New()
	p1 := providertest.New()
	p1.LoggedIn = false
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0, "P1": p1})

	_, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0"},
		Judge:               "P1",
		CompletionThreshold: 90,
	})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}

	sessions, err := h.store.ListSessions(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no session rows, got %d", len(sessions))
	}
	if h.ctrl.IsRunning() {
		t.Error("expected controller idle after failed start")
	}
	if len(h.sink.all()) != 0 {
		t.Errorf("expected no events, got %d", len(h.sink.all()))
	}

	// Unknown providers fail the same gate.
	_, err = h.ctrl.Start(context.Background(), debate.Config{
		Topic: "Test", Preset: "single", Participants: []string{"nope"}, Judge: "P0", CompletionThreshold: 90,
	})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated for unknown provider, got %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": providertest.New()})

	tests := []struct {
		name string
		cfg  debate.Config
	}{
		{"no participants", debate.Config{Preset: "single", Judge: "P0", CompletionThreshold: 50}},
		{"bad threshold", debate.Config{Preset: "single", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 150}},
		{"unknown preset", debate.Config{Preset: "nope", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.ctrl.Start(context.Background(), tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBreakerExcludesFailingParticipant(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Quality", "never", 99))
	p0.SetFailAwait(true)
	p1 := providertest.New(scoreReply(t, "Quality", "steady", 10))

	h := newHarness(t, &stubDetector{}, Options{MaxIterations: 8, FailureThreshold: 2},
		map[string]*providertest.Adapter{"P0": p0, "P1": p1})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0", "P1"},
		Judge:               "P1",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	if n := p0.Calls("AwaitResponse"); n != 2 {
		t.Errorf("expected P0 to be driven twice before exclusion, got %d", n)
	}

	excluded := h.sink.ofType(debate.EventProviderExcluded)
	if len(excluded) != 1 {
		t.Fatalf("expected one provider_excluded event, got %d", len(excluded))
	}
	if data := excluded[0].Data.(debate.ProviderExcludedData); data.Provider != "P0" || data.Failures != 2 {
		t.Errorf("unexpected exclusion data: %+v", data)
	}
	if ex := h.ctrl.ExcludedProviders(); len(ex) != 1 || ex[0] != "P0" {
		t.Errorf("expected P0 excluded, got %v", ex)
	}

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionCompleted || got.CurrentIteration != 8 {
		t.Errorf("expected completion at iteration 8, got %s at %d", got.Status, got.CurrentIteration)
	}
	versions := got.Elements[0].VersionHistory
	if len(versions) != 4 {
		t.Fatalf("expected 4 versions from P1, got %d", len(versions))
	}
	for i, v := range versions {
		if v.Provider != "P1" || v.Iteration != 2*(i+1) {
			t.Errorf("version %d: expected P1 at iteration %d, got %s at %d", i, 2*(i+1), v.Provider, v.Iteration)
		}
	}
}

func TestAllParticipantsExcluded(t *testing.T) {
	p0 := providertest.New("I refuse to answer in JSON")
	h := newHarness(t, &stubDetector{}, Options{FailureThreshold: 3}, map[string]*providertest.Adapter{"P0": p0})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "single",
		Participants:        []string{"P0"},
		Judge:               "P0",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionError {
		t.Errorf("expected error status, got %s", got.Status)
	}
	if got.CurrentIteration != 3 {
		t.Errorf("expected 3 iterations, got %d", got.CurrentIteration)
	}
	if n := len(h.sink.ofType(debate.EventError)); n != 1 {
		t.Errorf("expected one error event, got %d", n)
	}
	if n := len(h.sink.ofType(debate.EventComplete)); n != 0 {
		t.Errorf("expected no complete event, got %d", n)
	}
}

type failingRepo struct {
	*store.Store
}

func (r failingRepo) UpdateIteration(ctx context.Context, sessionID string, iteration int) error {
	return errors.New("disk full")
}

func TestRepositoryErrorEndsSession(t *testing.T) {
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": providertest.New()})
	ctrl := New(failingRepo{h.store}, h.registry, &stubDetector{}, h.sink, debate.NewPresets(nil), Options{})

	sess, err := ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Participants:        []string{"P0"},
		Judge:               "P0",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, ctrl)

	if got := h.session(t, sess.ID); got.Status != debate.SessionError {
		t.Errorf("expected error status, got %s", got.Status)
	}
	errs := h.sink.ofType(debate.EventError)
	if len(errs) != 1 {
		t.Fatalf("expected one error event, got %d", len(errs))
	}
	if data := errs[0].Data.(debate.ErrorData); data.Error == "" {
		t.Error("expected error message in event")
	}
}

func TestEventSequence(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Security", "safe", 95, "Performance", "fast", 91))
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0})

	_, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic:               "Test",
		Preset:              "pair",
		Participants:        []string{"P0"},
		Judge:               "P0",
		CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	var got []string
	for _, ev := range h.sink.all() {
		name := string(ev.Type)
		if ev.Type == debate.EventProgress {
			name += ":" + string(ev.Data.(debate.ProgressData).Phase)
		}
		got = append(got, name)
	}

	want := []string{
		"state_changed",
		"debate_started",
		"debate_progress:input",
		"debate_progress:waiting",
		"debate_progress:extracting",
		"debate_response",
		"debate_progress:scoring",
		"element_score",
		"element_score",
		"state_changed",
		"debate_complete",
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	started := h.sink.ofType(debate.EventStarted)[0].Data.(debate.StartedData)
	if len(started.Elements) != 2 || started.Elements[0] != "Security" {
		t.Errorf("unexpected started data: %+v", started)
	}
}

func TestSequentialSessions(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Quality", "done", 100))
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0})
	cfg := debate.Config{Topic: "Test", Preset: "single", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 90}

	first, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	waitDone(t, h.ctrl)

	second, err := h.ctrl.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	waitDone(t, h.ctrl)

	if first.ID == second.ID {
		t.Error("expected distinct session IDs")
	}
	if got := h.session(t, second.ID); got.Status != debate.SessionCompleted {
		t.Errorf("expected second session completed, got %s", got.Status)
	}

	st := h.ctrl.Status()
	if st.Running || st.Provider != "" {
		t.Errorf("expected idle status, got %+v", st)
	}
	if st.Session == nil || st.Session.ID != second.ID || st.Session.Status != debate.SessionCompleted {
		t.Errorf("expected status to report the last session, got %+v", st.Session)
	}
}

func TestSessionSnapshotTracksElements(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Quality", "final", 95))
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic: "Test", Preset: "single", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	snap, ok := h.ctrl.Session()
	if !ok || len(snap.Elements) != 1 {
		t.Fatalf("expected snapshot with one element, got %+v", snap)
	}
	e := snap.Elements[0]
	if e.Status != debate.ElementCompleted || e.CompletionReason != debate.ReasonThreshold {
		t.Errorf("expected snapshot element completed by threshold, got %s/%q", e.Status, e.CompletionReason)
	}
	if e.CurrentScore != 95 || len(e.ScoreHistory) != 1 || len(e.VersionHistory) != 1 || e.CompletedAt == nil {
		t.Errorf("unexpected snapshot element: %+v", e)
	}

	stored := h.session(t, sess.ID).Elements[0]
	if stored.Status != e.Status || stored.CurrentScore != e.CurrentScore || stored.CompletionReason != e.CompletionReason {
		t.Errorf("snapshot %+v disagrees with store %+v", e, stored)
	}

	// The session returned by Start is not mutated by the loop.
	if sess.Elements[0].Status != debate.ElementPending || len(sess.Elements[0].ScoreHistory) != 0 {
		t.Errorf("expected start result untouched, got %+v", sess.Elements[0])
	}

	st := h.ctrl.Status()
	if st.Session == nil || st.Session.Elements[0].CurrentScore != 95 {
		t.Errorf("expected status to carry live element scores, got %+v", st.Session)
	}
}

func TestTokenUsagePerProvider(t *testing.T) {
	p0 := providertest.New(
		scoreReply(t, "Quality", "draft one", 85),
		scoreReply(t, "Quality", "draft three", 92),
	)
	p0.Tokens = 100
	p1 := providertest.New(scoreReply(t, "Quality", "draft two", 88))
	p1.Tokens = 40
	h := newHarness(t, &stubDetector{}, Options{}, map[string]*providertest.Adapter{"P0": p0, "P1": p1})

	_, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic: "Test", Preset: "single", Participants: []string{"P0", "P1"}, Judge: "P0", CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	complete := h.sink.ofType(debate.EventComplete)
	if len(complete) != 1 {
		t.Fatalf("expected one complete event, got %d", len(complete))
	}
	tokens := complete[0].Data.(debate.CompleteData).Tokens
	if tokens.Total != 240 || tokens.ByProvider["P0"] != 200 || tokens.ByProvider["P1"] != 40 {
		t.Errorf("unexpected token usage: %+v", tokens)
	}

	st := h.ctrl.Status()
	if st.Tokens == nil || st.Tokens.Total != 240 {
		t.Errorf("expected status token total 240, got %+v", st.Tokens)
	}

	// A failed count is skipped without failing the round.
	p0.SetCheckErr(errors.New("no counter"))
	p1.SetCheckErr(errors.New("no counter"))
	if _, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic: "Again", Preset: "single", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 90,
	}); err != nil {
		t.Fatalf("second start: %v", err)
	}
	waitDone(t, h.ctrl)
	if got := h.ctrl.Tokens(); got.Total != 0 {
		t.Errorf("expected fresh usage for the new session, got %+v", got)
	}
	if last := h.sink.ofType(debate.EventComplete); len(last) != 2 {
		t.Errorf("expected second session to complete, got %d complete events", len(last))
	}
}

// cancelOnLogin cancels the controller from inside the login gate.
type cancelOnLogin struct {
	*providertest.Adapter
	ctrl *Controller
}

func (a *cancelOnLogin) CheckLogin(ctx context.Context) (provider.LoginStatus, error) {
	a.ctrl.Cancel()
	return a.Adapter.CheckLogin(ctx)
}

func TestCancelDuringLoginGate(t *testing.T) {
	p0 := providertest.New(scoreReply(t, "Quality", "x", 10))
	h := newHarness(t, &stubDetector{}, Options{}, nil)
	h.registry.Register("P0", &cancelOnLogin{Adapter: p0, ctrl: h.ctrl})

	sess, err := h.ctrl.Start(context.Background(), debate.Config{
		Topic: "Test", Preset: "single", Participants: []string{"P0"}, Judge: "P0", CompletionThreshold: 90,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, h.ctrl)

	got := h.session(t, sess.ID)
	if got.Status != debate.SessionCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CurrentIteration != 0 || p0.Calls("SubmitMessage") != 0 {
		t.Errorf("expected no rounds, got iteration %d", got.CurrentIteration)
	}
	if len(h.sink.ofType(debate.EventComplete)) != 0 {
		t.Error("expected no complete event")
	}
}
