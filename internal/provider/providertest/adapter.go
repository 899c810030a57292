// Package providertest provides a scripted provider.Adapter for tests.
package providertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mtzanidakis/synedrio/internal/provider"
)

var ErrScripted = errors.New("scripted failure")

// Adapter replays scripted replies in order. Once the script is exhausted the
// last reply is repeated. All methods are safe for concurrent use.
type Adapter struct {
	mu sync.Mutex

	LoggedIn   bool
	LoginErr   error
	Replies    []string
	FailAwait  bool
	Writing    bool
	Tokens     int
	CheckErr   error
	block      chan struct{}
	prompt     string
	prompts    []string
	calls      map[string]int
	replyIndex int
}

func New(replies ...string) *Adapter {
	return &Adapter{
		LoggedIn: true,
		Replies:  replies,
		calls:    make(map[string]int),
	}
}

// Block makes AwaitResponse wait until Unblock is called or ctx ends.
func (a *Adapter) Block() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.block = make(chan struct{})
}

func (a *Adapter) Unblock() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.block != nil {
		close(a.block)
		a.block = nil
	}
}

func (a *Adapter) SetFailAwait(fail bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.FailAwait = fail
}

func (a *Adapter) SetWriting(writing bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Writing = writing
}

func (a *Adapter) SetCheckErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CheckErr = err
}

// Calls returns how many times the named method was invoked.
func (a *Adapter) Calls(method string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

// Prompts returns every submitted prompt in order.
func (a *Adapter) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

func (a *Adapter) record(method string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[method]++
}

func (a *Adapter) CheckLogin(ctx context.Context) (provider.LoginStatus, error) {
	a.record("CheckLogin")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.LoginErr != nil {
		return provider.LoginStatus{}, a.LoginErr
	}
	return provider.LoginStatus{Success: true, LoggedIn: a.LoggedIn}, nil
}

func (a *Adapter) PrepareInput(ctx context.Context, timeout time.Duration) error {
	a.record("PrepareInput")
	return nil
}

func (a *Adapter) EnterPrompt(ctx context.Context, text string) error {
	a.record("EnterPrompt")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompt = text
	return nil
}

func (a *Adapter) SubmitMessage(ctx context.Context) error {
	a.record("SubmitMessage")
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, a.prompt)
	return nil
}

func (a *Adapter) AwaitResponse(ctx context.Context, timeout time.Duration) error {
	a.record("AwaitResponse")
	a.mu.Lock()
	block, fail := a.block, a.FailAwait
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return ErrScripted
	}
	return nil
}

func (a *Adapter) GetResponse(ctx context.Context) (provider.Response, error) {
	a.record("GetResponse")
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.Replies) == 0 {
		return provider.Response{}, nil
	}
	i := a.replyIndex
	if i >= len(a.Replies) {
		i = len(a.Replies) - 1
	}
	a.replyIndex++
	return provider.Response{Success: true, Content: a.Replies[i]}, nil
}

func (a *Adapter) IsWriting(ctx context.Context) (bool, error) {
	a.record("IsWriting")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CheckErr != nil {
		return false, a.CheckErr
	}
	return a.Writing, nil
}

func (a *Adapter) GetTokenCount(ctx context.Context) (int, error) {
	a.record("GetTokenCount")
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.CheckErr != nil {
		return 0, a.CheckErr
	}
	return a.Tokens, nil
}
