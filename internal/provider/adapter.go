// Package provider defines the per-provider automation port and its
// implementations. An Adapter drives one automated agent session: it checks
// that the session is authenticated, submits prompts, waits for and extracts
// responses, and answers liveness checks.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mtzanidakis/synedrio/internal/debate"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrNoResponse      = errors.New("provider returned no response")
	ErrBusy            = errors.New("provider is busy")
	ErrTimeout         = errors.New("provider timed out")
)

type LoginStatus struct {
	Success  bool `json:"success"`
	LoggedIn bool `json:"logged_in"`
}

type Response struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

type Adapter interface {
	CheckLogin(ctx context.Context) (LoginStatus, error)
	PrepareInput(ctx context.Context, timeout time.Duration) error
	EnterPrompt(ctx context.Context, text string) error
	SubmitMessage(ctx context.Context) error
	AwaitResponse(ctx context.Context, timeout time.Duration) error
	GetResponse(ctx context.Context) (Response, error)
	IsWriting(ctx context.Context) (bool, error)
	GetTokenCount(ctx context.Context) (int, error)
}

// Timeouts is the budget forwarded to adapters for the blocking steps of a
// round trip.
type Timeouts struct {
	Input    time.Duration
	Response time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Input: 30 * time.Second, Response: 5 * time.Minute}
}

type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Drive runs one full prompt round trip against a: prepare input, enter and
// submit the prompt, wait for the reply and extract it. onPhase, if set, is
// called as each step begins.
func Drive(ctx context.Context, a Adapter, prompt string, t Timeouts, onPhase func(debate.Phase)) (string, error) {
	phase := func(p debate.Phase) {
		if onPhase != nil {
			onPhase(p)
		}
	}

	phase(debate.PhaseInput)
	if err := a.PrepareInput(ctx, t.Input); err != nil {
		return "", fmt.Errorf("prepare input: %w", err)
	}
	if err := a.EnterPrompt(ctx, prompt); err != nil {
		return "", fmt.Errorf("enter prompt: %w", err)
	}
	if err := a.SubmitMessage(ctx); err != nil {
		return "", fmt.Errorf("submit message: %w", err)
	}

	phase(debate.PhaseWaiting)
	if err := a.AwaitResponse(ctx, t.Response); err != nil {
		return "", fmt.Errorf("await response: %w", err)
	}

	phase(debate.PhaseExtracting)
	resp, err := a.GetResponse(ctx)
	if err != nil {
		return "", fmt.Errorf("get response: %w", err)
	}
	if !resp.Success {
		return "", ErrNoResponse
	}
	return resp.Content, nil
}

// CheckLogins verifies every named provider is registered and authenticated.
// It stops at the first failure.
func CheckLogins(ctx context.Context, r *Registry, names []string) error {
	for _, name := range names {
		a, ok := r.Get(name)
		if !ok {
			return fmt.Errorf("%s: %w", name, ErrUnknownProvider)
		}
		status, err := a.CheckLogin(ctx)
		if err != nil {
			return fmt.Errorf("%s: check login: %w", name, err)
		}
		if !status.Success || !status.LoggedIn {
			return fmt.Errorf("%s: not logged in", name)
		}
	}
	return nil
}
