// Package poller samples every active provider's writing state and token
// count on a fixed interval, independently of any running debate.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/synedrio/internal/provider"
)

const DefaultInterval = 5 * time.Second

type Status struct {
	Provider   string    `json:"provider"`
	Writing    bool      `json:"writing"`
	TokenCount int       `json:"token_count"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Sink receives every sampled status.
type Sink interface {
	Report(s Status)
}

type SinkFunc func(s Status)

func (f SinkFunc) Report(s Status) { f(s) }

type Poller struct {
	registry     *provider.Registry
	interval     time.Duration
	checkTimeout time.Duration
	sink         Sink

	mu       sync.RWMutex
	active   []string
	onChange func(provider string, writing bool)
	latest   map[string]Status
	writing  map[string]bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(registry *provider.Registry, interval time.Duration, sink Sink) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		registry:     registry,
		interval:     interval,
		checkTimeout: 5 * time.Second,
		sink:         sink,
		latest:       make(map[string]Status),
		writing:      make(map[string]bool),
	}
}

func (p *Poller) SetCheckTimeout(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d > 0 {
		p.checkTimeout = d
	}
}

// OnChange registers a callback fired when a provider's writing state flips
// between two successful checks.
func (p *Poller) OnChange(fn func(provider string, writing bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = fn
}

// SetActiveProviders limits polling to names from the next tick on. An empty
// list polls every registered provider.
func (p *Poller) SetActiveProviders(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = append([]string(nil), names...)
}

// Start runs one tick immediately and then polls in the background until
// Stop is called or ctx is done. Calling Start while running does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	p.tick(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for an in-flight tick to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cancel != nil
}

// Latest returns the most recent status per provider.
func (p *Poller) Latest() map[string]Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Status, len(p.latest))
	for k, v := range p.latest {
		out[k] = v
	}
	return out
}

func (p *Poller) providers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.active) > 0 {
		return append([]string(nil), p.active...)
	}
	return p.registry.Names()
}

func (p *Poller) tick(ctx context.Context) {
	for _, name := range p.providers() {
		if ctx.Err() != nil {
			return
		}
		p.poll(ctx, name)
	}
}

func (p *Poller) poll(ctx context.Context, name string) {
	status := Status{Provider: name, Timestamp: time.Now()}

	a, ok := p.registry.Get(name)
	if !ok {
		status.Error = provider.ErrUnknownProvider.Error()
		p.record(status, false)
		return
	}

	p.mu.RLock()
	timeout := p.checkTimeout
	p.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	writing, err := a.IsWriting(checkCtx)
	if err != nil {
		slog.Debug("writing check failed", "provider", name, "error", err)
		status.Error = err.Error()
		p.record(status, false)
		return
	}
	status.Writing = writing

	tokens, err := a.GetTokenCount(checkCtx)
	if err != nil {
		slog.Debug("token count check failed", "provider", name, "error", err)
		status.Error = err.Error()
	}
	status.TokenCount = tokens

	p.record(status, true)
}

func (p *Poller) record(status Status, observed bool) {
	p.mu.Lock()
	p.latest[status.Provider] = status
	var changed bool
	if observed {
		prev, seen := p.writing[status.Provider]
		changed = seen && prev != status.Writing
		p.writing[status.Provider] = status.Writing
	}
	onChange := p.onChange
	p.mu.Unlock()

	if p.sink != nil {
		p.sink.Report(status)
	}
	if changed && onChange != nil {
		onChange(status.Provider, status.Writing)
	}
}
