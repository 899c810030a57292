package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
)

// APIAdapter drives the Anthropic Messages API through the same step protocol
// as an automated session. SubmitMessage starts the request in the background;
// AwaitResponse waits for it.
type APIAdapter struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	loggedIn  bool

	mu       sync.Mutex
	prompt   string
	inflight bool
	done     chan struct{}
	content  string
	err      error
	tokens   int
}

func NewAPIAdapter(apiKey, model string, maxTokens int, opts ...option.RequestOption) *APIAdapter {
	if model == "" {
		model = DefaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)

	done := make(chan struct{})
	close(done)

	return &APIAdapter{
		client:    anthropic.NewClient(opts...),
		model:     anthropic.Model(model),
		maxTokens: int64(maxTokens),
		loggedIn:  apiKey != "",
		done:      done,
	}
}

func (a *APIAdapter) CheckLogin(ctx context.Context) (LoginStatus, error) {
	return LoginStatus{Success: true, LoggedIn: a.loggedIn}, nil
}

// PrepareInput waits for a previous request to finish.
func (a *APIAdapter) PrepareInput(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()

	if err := wait(ctx, done, timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			return ErrBusy
		}
		return err
	}
	return nil
}

func (a *APIAdapter) EnterPrompt(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight {
		return ErrBusy
	}
	a.prompt = text
	return nil
}

// SubmitMessage sends the entered prompt. The request runs under ctx.
func (a *APIAdapter) SubmitMessage(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight {
		return ErrBusy
	}
	if a.prompt == "" {
		return fmt.Errorf("no prompt entered")
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(a.prompt)),
		},
	}

	a.inflight = true
	a.content, a.err, a.tokens = "", nil, 0
	a.prompt = ""
	done := make(chan struct{})
	a.done = done

	go func() {
		message, err := a.client.Messages.New(ctx, params)

		a.mu.Lock()
		defer a.mu.Unlock()
		defer close(done)
		a.inflight = false
		if err != nil {
			a.err = fmt.Errorf("messages request: %w", err)
			return
		}
		a.tokens = int(message.Usage.OutputTokens)
		for _, block := range message.Content {
			if block.Type == "text" {
				a.content += block.Text
			}
		}
	}()
	return nil
}

func (a *APIAdapter) AwaitResponse(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	return wait(ctx, done, timeout)
}

func (a *APIAdapter) GetResponse(ctx context.Context) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight {
		return Response{}, ErrBusy
	}
	if a.err != nil {
		return Response{}, a.err
	}
	return Response{Success: a.content != "", Content: a.content}, nil
}

func (a *APIAdapter) IsWriting(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight, nil
}

// GetTokenCount reports the output tokens of the last completed response.
func (a *APIAdapter) GetTokenCount(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens, nil
}

func wait(ctx context.Context, done <-chan struct{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeouts().Response
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
