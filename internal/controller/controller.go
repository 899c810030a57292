// Package controller runs debate sessions: it rotates turns across the
// participants, records each round's scores, decides when elements are done
// and reports progress as events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/provider"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrAlreadyRunning   = errors.New("a debate session is already running")
	ErrNotAuthenticated = errors.New("provider not authenticated")
	errAllExcluded      = errors.New("every participant was excluded after repeated failures")
)

// cycleWindow is how many versions an element needs before the judge is asked.
const cycleWindow = 3

// CycleDetector decides whether an element's recent versions have stalled.
type CycleDetector interface {
	DetectCycle(ctx context.Context, judge string, versions []debate.Version) bool
}

type Options struct {
	// MaxIterations ends a session that has not converged.
	MaxIterations int
	// FailureThreshold is the number of consecutive failed rounds after which
	// a participant is excluded from the session.
	FailureThreshold int
	Timeouts         provider.Timeouts
}

func DefaultOptions() Options {
	return Options{
		MaxIterations:    100,
		FailureThreshold: 3,
		Timeouts:         provider.DefaultTimeouts(),
	}
}

type Controller struct {
	repo     debate.Repository
	registry *provider.Registry
	detector CycleDetector
	sink     debate.Sink
	presets  debate.Presets
	scorer   Scorer
	opts     Options

	mu        sync.RWMutex
	session   *debate.Session
	running   bool
	iteration int
	current   string
	breaker   *breaker
	tokens    debate.TokenUsage
	done      chan struct{}
	cancelled atomic.Bool
}

func New(repo debate.Repository, registry *provider.Registry, detector CycleDetector, sink debate.Sink, presets debate.Presets, opts Options) *Controller {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.Timeouts.Input <= 0 {
		opts.Timeouts.Input = def.Timeouts.Input
	}
	if opts.Timeouts.Response <= 0 {
		opts.Timeouts.Response = def.Timeouts.Response
	}
	if presets == nil {
		presets = debate.NewPresets(nil)
	}

	debateMetricsOnce.Do(initDebateMetrics)

	done := make(chan struct{})
	close(done)

	return &Controller{
		repo:     repo,
		registry: registry,
		detector: detector,
		sink:     sink,
		presets:  presets,
		scorer:   ReplyScorer{},
		opts:     opts,
		done:     done,
	}
}

// SetScorer replaces the default ReplyScorer. It must be called before Start.
func (c *Controller) SetScorer(s Scorer) {
	c.scorer = s
}

// Start validates cfg, checks every provider is logged in, persists a new
// session and runs it in the background. It returns once the session is
// running; progress is reported through the sink.
func (c *Controller) Start(ctx context.Context, cfg debate.Config) (*debate.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	names, err := c.presets.Elements(cfg.Preset)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	// Reset here so a Cancel during the login gate is kept.
	c.cancelled.Store(false)
	c.mu.Unlock()

	started := false
	defer func() {
		if !started {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
		}
	}()

	if err := provider.CheckLogins(ctx, c.registry, cfg.Providers()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}

	sess := &debate.Session{
		Config:    cfg,
		Status:    debate.SessionPending,
		CreatedAt: time.Now(),
	}
	if err := c.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	elems, err := c.repo.CreateElements(ctx, sess.ID, names)
	if err != nil {
		c.abort(ctx, sess.ID)
		return nil, fmt.Errorf("create elements: %w", err)
	}
	sess.Elements = elems

	if err := c.repo.UpdateSessionStatus(ctx, sess.ID, debate.SessionRunning); err != nil {
		c.abort(ctx, sess.ID)
		return nil, fmt.Errorf("start session: %w", err)
	}
	sess.Status = debate.SessionRunning

	done := make(chan struct{})
	stored := *sess
	stored.Elements = cloneElements(elems)
	c.mu.Lock()
	c.session = &stored
	c.iteration = 0
	c.current = ""
	c.breaker = newBreaker(c.opts.FailureThreshold)
	c.tokens = debate.TokenUsage{}
	c.done = done
	c.mu.Unlock()
	started = true

	slog.Info("debate started", "session", sess.ID, "topic", cfg.Topic,
		"participants", cfg.Participants, "judge", cfg.Judge, "elements", len(elems))

	c.emit(sess.ID, debate.EventStateChanged, debate.StateChangedData{From: debate.SessionPending, To: debate.SessionRunning})
	c.emit(sess.ID, debate.EventStarted, debate.StartedData{
		Topic:        cfg.Topic,
		Participants: cfg.Participants,
		Judge:        cfg.Judge,
		Elements:     names,
	})

	snapshot := *sess
	go c.run(context.WithoutCancel(ctx), &snapshot, done)
	return sess, nil
}

// Cancel asks the running session to stop. The flag is checked between
// iterations, so an in-flight round finishes first.
func (c *Controller) Cancel() {
	if c.IsRunning() {
		c.cancelled.Store(true)
	}
}

func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Controller) CurrentIteration() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iteration
}

// CurrentProvider returns the participant whose turn is in progress.
func (c *Controller) CurrentProvider() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running || c.current == "" {
		return "", false
	}
	return c.current, true
}

// Session returns a copy of the current or most recent session.
func (c *Controller) Session() (debate.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return debate.Session{}, false
	}
	s := *c.session
	s.CurrentIteration = c.iteration
	s.Elements = cloneElements(c.session.Elements)
	return s, true
}

// Tokens returns the token totals of the current or most recent session.
func (c *Controller) Tokens() debate.TokenUsage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens.Clone()
}

func cloneElements(elems []debate.Element) []debate.Element {
	out := make([]debate.Element, len(elems))
	for i, e := range elems {
		e.ScoreHistory = append([]int(nil), e.ScoreHistory...)
		e.VersionHistory = append([]debate.Version(nil), e.VersionHistory...)
		out[i] = e
	}
	return out
}

// element returns the snapshot entry for elementID. Callers hold c.mu.
func (c *Controller) element(sessionID, elementID string) *debate.Element {
	if c.session == nil || c.session.ID != sessionID {
		return nil
	}
	for i := range c.session.Elements {
		if c.session.Elements[i].ID == elementID {
			return &c.session.Elements[i]
		}
	}
	return nil
}

// trackScore mirrors a persisted score update into the session snapshot.
func (c *Controller) trackScore(sessionID, elementID string, v debate.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.element(sessionID, elementID)
	if e == nil {
		return
	}
	e.VersionHistory = append(e.VersionHistory, v)
	e.ScoreHistory = append(e.ScoreHistory, v.Score)
	e.CurrentScore = v.Score
	e.Status = debate.ElementInProgress
}

// trackCompletion mirrors a persisted element completion into the snapshot.
func (c *Controller) trackCompletion(sessionID, elementID string, reason debate.CompletionReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.element(sessionID, elementID)
	if e == nil {
		return
	}
	now := time.Now()
	e.Status = reason.Status()
	e.CompletionReason = reason
	e.CompletedAt = &now
}

func (c *Controller) addTokens(p string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens.Add(p, n)
}

// ExcludedProviders lists participants excluded from the current session.
func (c *Controller) ExcludedProviders() []string {
	c.mu.RLock()
	b := c.breaker
	c.mu.RUnlock()
	if b == nil {
		return nil
	}
	return b.excludedProviders()
}

// Status is a point-in-time view of the controller.
type Status struct {
	Running   bool            `json:"running"`
	Iteration int             `json:"iteration"`
	Provider  string          `json:"provider,omitempty"`
	Excluded  []string        `json:"excluded,omitempty"`
	Session   *debate.Session `json:"session,omitempty"`
	// Tokens covers the session in Session.
	Tokens *debate.TokenUsage `json:"tokens,omitempty"`
}

func (c *Controller) Status() Status {
	st := Status{
		Running:   c.IsRunning(),
		Iteration: c.CurrentIteration(),
		Excluded:  c.ExcludedProviders(),
	}
	st.Provider, _ = c.CurrentProvider()
	if sess, ok := c.Session(); ok {
		st.Session = &sess
		tokens := c.Tokens()
		st.Tokens = &tokens
	}
	return st
}

// Done is closed when the current session's loop has exited.
func (c *Controller) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// Shutdown cancels the running session and waits for its loop to exit.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.Cancel()
	select {
	case <-c.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) run(ctx context.Context, sess *debate.Session, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.fail(ctx, sess, fmt.Errorf("panic: %v", r))
		}
	}()

	c.mu.RLock()
	br := c.breaker
	c.mu.RUnlock()

	cfg := sess.Config
	iteration := 0

	for {
		if c.cancelled.Load() {
			slog.Info("debate cancelled", "session", sess.ID, "iteration", iteration)
			c.finish(ctx, sess, debate.SessionCancelled)
			return
		}

		incomplete, err := c.repo.IncompleteElements(ctx, sess.ID)
		if err != nil {
			c.fail(ctx, sess, fmt.Errorf("load incomplete elements: %w", err))
			return
		}
		if len(incomplete) == 0 {
			slog.Info("debate completed", "session", sess.ID, "iterations", iteration)
			c.finish(ctx, sess, debate.SessionCompleted)
			c.emit(sess.ID, debate.EventComplete, debate.CompleteData{Iterations: iteration, Tokens: c.Tokens()})
			return
		}
		if iteration >= c.opts.MaxIterations {
			slog.Warn("debate reached iteration limit", "session", sess.ID,
				"iterations", iteration, "unresolved", len(incomplete))
			c.finish(ctx, sess, debate.SessionCompleted)
			c.emit(sess.ID, debate.EventComplete, debate.CompleteData{
				Iterations: iteration,
				Tokens:     c.Tokens(),
				Exhausted:  true,
				Unresolved: len(incomplete),
			})
			return
		}
		if br.allExcluded(cfg.Participants) {
			c.fail(ctx, sess, errAllExcluded)
			return
		}

		iteration++
		p := cfg.ProviderFor(iteration)
		if err := c.repo.UpdateIteration(ctx, sess.ID, iteration); err != nil {
			c.fail(ctx, sess, fmt.Errorf("update iteration: %w", err))
			return
		}
		c.mu.Lock()
		c.iteration = iteration
		c.current = p
		c.mu.Unlock()

		if br.isExcluded(p) {
			slog.Debug("skipping excluded participant", "session", sess.ID, "iteration", iteration, "provider", p)
			continue
		}

		if err := c.round(ctx, sess, br, iteration, p, incomplete); err != nil {
			c.fail(ctx, sess, err)
			return
		}
	}
}

// round drives one participant turn. Adapter and scoring failures are
// absorbed here; only repository errors are returned.
func (c *Controller) round(ctx context.Context, sess *debate.Session, br *breaker, iteration int, p string, elements []debate.Element) error {
	cfg := sess.Config
	attrs := metric.WithAttributes(attribute.String("provider", p))

	progress := func(phase debate.Phase) {
		c.emit(sess.ID, debate.EventProgress, debate.ProgressData{Iteration: iteration, Provider: p, Phase: phase})
	}

	failed := func(err error) {
		debateMetrics.failures.Add(ctx, 1, attrs)
		count, tripped := br.failure(p)
		slog.Warn("round failed", "session", sess.ID, "iteration", iteration, "provider", p,
			"consecutive_failures", count, "error", err)
		if tripped {
			slog.Warn("participant excluded", "session", sess.ID, "provider", p, "failures", count)
			c.emit(sess.ID, debate.EventProviderExcluded, debate.ProviderExcludedData{Provider: p, Failures: count})
		}
	}

	a, ok := c.registry.Get(p)
	if !ok {
		failed(fmt.Errorf("%s: %w", p, provider.ErrUnknownProvider))
		return nil
	}

	debateMetrics.rounds.Add(ctx, 1, attrs)
	t0 := time.Now()
	text, err := provider.Drive(ctx, a, BuildPrompt(cfg, elements, iteration), c.opts.Timeouts, progress)
	debateMetrics.roundDuration.Record(ctx, float64(time.Since(t0).Milliseconds()), attrs)
	if err != nil {
		failed(err)
		return nil
	}
	c.recordTokens(ctx, sess.ID, p, a)
	c.emit(sess.ID, debate.EventResponse, debate.ResponseData{Iteration: iteration, Provider: p, Content: text})

	progress(debate.PhaseScoring)
	contributions, err := c.scorer.Score(text, elements)
	if err != nil {
		failed(err)
		return nil
	}
	br.success(p)

	byID := make(map[string]debate.Element, len(elements))
	for _, e := range elements {
		byID[e.ID] = e
	}

	for _, contrib := range contributions {
		e := byID[contrib.ElementID]
		v := debate.Version{
			Iteration: iteration,
			Content:   contrib.Content,
			Score:     contrib.Score,
			Timestamp: time.Now(),
			Provider:  p,
		}
		if err := c.repo.UpdateElementScore(ctx, e.ID, v); err != nil {
			if errors.Is(err, debate.ErrElementClosed) {
				slog.Warn("score for closed element ignored", "session", sess.ID, "element", e.Name)
				continue
			}
			return fmt.Errorf("update score for %s: %w", e.Name, err)
		}
		c.trackScore(sess.ID, e.ID, v)
		c.emit(sess.ID, debate.EventElementScore, debate.ElementScoreData{
			ElementID: e.ID,
			Name:      e.Name,
			Iteration: iteration,
			Provider:  p,
			Score:     v.Score,
		})

		if err := c.checkCompletion(ctx, sess, e, v, iteration, progress); err != nil {
			return err
		}
	}
	return nil
}

// recordTokens adds the tokens a reported for its last response. A failed
// count is logged and skipped.
func (c *Controller) recordTokens(ctx context.Context, sessionID, p string, a provider.Adapter) {
	n, err := a.GetTokenCount(ctx)
	if err != nil {
		slog.Debug("token count unavailable", "session", sessionID, "provider", p, "error", err)
		return
	}
	if n <= 0 {
		return
	}
	c.addTokens(p, n)
	debateMetrics.tokens.Add(ctx, int64(n), metric.WithAttributes(attribute.String("provider", p)))
}

// checkCompletion applies the completion rules to an element that was just
// scored: reaching the threshold wins, otherwise the judge is asked once
// enough versions exist.
func (c *Controller) checkCompletion(ctx context.Context, sess *debate.Session, e debate.Element, v debate.Version, iteration int, progress func(debate.Phase)) error {
	if v.Score >= sess.Config.CompletionThreshold {
		return c.complete(ctx, sess, e, debate.ReasonThreshold)
	}

	versions, err := c.repo.LastVersions(ctx, e.ID, cycleWindow)
	if err != nil {
		return fmt.Errorf("load versions for %s: %w", e.Name, err)
	}
	if len(versions) < cycleWindow || c.detector == nil {
		return nil
	}

	progress(debate.PhaseCycleCheck)
	if !c.detector.DetectCycle(ctx, sess.Config.Judge, versions) {
		return nil
	}

	if err := c.complete(ctx, sess, e, debate.ReasonCycle); err != nil {
		return err
	}
	c.emit(sess.ID, debate.EventCycleDetected, debate.CycleDetectedData{
		ElementID: e.ID,
		Name:      e.Name,
		Iteration: iteration,
	})
	return nil
}

func (c *Controller) complete(ctx context.Context, sess *debate.Session, e debate.Element, reason debate.CompletionReason) error {
	if err := c.repo.MarkElementComplete(ctx, e.ID, reason); err != nil {
		if errors.Is(err, debate.ErrElementClosed) {
			return nil
		}
		return fmt.Errorf("complete %s: %w", e.Name, err)
	}
	c.trackCompletion(sess.ID, e.ID, reason)
	debateMetrics.completions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	slog.Info("element completed", "session", sess.ID, "element", e.Name, "reason", reason)
	return nil
}

func (c *Controller) finish(ctx context.Context, sess *debate.Session, status debate.SessionStatus) {
	if err := c.repo.UpdateSessionStatus(ctx, sess.ID, status); err != nil {
		slog.Error("failed to persist session status", "session", sess.ID, "status", status, "error", err)
	}

	from := sess.Status
	now := time.Now()
	sess.Status = status
	sess.CompletedAt = &now

	c.mu.Lock()
	if c.session != nil && c.session.ID == sess.ID {
		c.session.Status = status
		c.session.CompletedAt = &now
	}
	c.running = false
	c.current = ""
	c.mu.Unlock()

	c.emit(sess.ID, debate.EventStateChanged, debate.StateChangedData{From: from, To: status})
}

func (c *Controller) fail(ctx context.Context, sess *debate.Session, err error) {
	slog.Error("debate failed", "session", sess.ID, "error", err)
	iteration := c.CurrentIteration()
	c.finish(ctx, sess, debate.SessionError)
	c.emit(sess.ID, debate.EventError, debate.ErrorData{Iteration: iteration, Error: err.Error()})
}

// abort marks a session that never started as failed.
func (c *Controller) abort(ctx context.Context, sessionID string) {
	if err := c.repo.UpdateSessionStatus(ctx, sessionID, debate.SessionError); err != nil {
		slog.Error("failed to mark session as failed", "session", sessionID, "error", err)
	}
}

func (c *Controller) emit(sessionID string, typ debate.EventType, data any) {
	if c.sink == nil {
		return
	}
	c.sink.Emit(debate.Event{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Data:      data,
	})
}
