package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Request types understood by a provider bridge.
const (
	BusCheckLogin    = "check_login"
	BusInputReady    = "input_ready"
	BusEnterPrompt   = "enter_prompt"
	BusSubmit        = "submit"
	BusResponseReady = "response_ready"
	BusGetResponse   = "get_response"
	BusIsWriting     = "is_writing"
	BusTokenCount    = "token_count"
)

// ErrBridge is wrapped around failures reported by the bridge itself.
var ErrBridge = errors.New("bridge error")

var errNotReady = errors.New("not ready")

type BusRequest struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type BusReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	LoggedIn bool   `json:"logged_in,omitempty"`
	Ready    bool   `json:"ready,omitempty"`
	Content  string `json:"content,omitempty"`
	Writing  bool   `json:"writing,omitempty"`
	Tokens   int    `json:"tokens,omitempty"`
}

// Requester is the request/reply half of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// BusAdapter drives a provider session through a bridge process that answers
// requests on the provider's RPC subject.
type BusAdapter struct {
	name           string
	conn           Requester
	requestTimeout time.Duration
	pollInterval   time.Duration
}

func NewBusAdapter(name string, conn Requester) *BusAdapter {
	return &BusAdapter{
		name:           name,
		conn:           conn,
		requestTimeout: 10 * time.Second,
		pollInterval:   250 * time.Millisecond,
	}
}

// WithPollInterval sets the first delay between readiness polls.
func (a *BusAdapter) WithPollInterval(d time.Duration) *BusAdapter {
	a.pollInterval = d
	return a
}

func (a *BusAdapter) WithRequestTimeout(d time.Duration) *BusAdapter {
	a.requestTimeout = d
	return a
}

func (a *BusAdapter) call(ctx context.Context, req BusRequest) (BusReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return BusReply{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	msg, err := a.conn.RequestWithContext(ctx, natsbus.TopicProviderRPC(a.name), data)
	if err != nil {
		return BusReply{}, fmt.Errorf("%s request: %w", req.Type, err)
	}

	var reply BusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return BusReply{}, fmt.Errorf("unmarshal %s reply: %w", req.Type, err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%s: %w: %s", req.Type, ErrBridge, reply.Error)
	}
	return reply, nil
}

// waitFor polls the bridge with exponential backoff until it reports ready or
// the timeout elapses. Transport errors are retried, bridge errors are not.
func (a *BusAdapter) waitFor(ctx context.Context, reqType string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeouts().Input
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.pollInterval
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = timeout

	err := backoff.Retry(func() error {
		reply, err := a.call(ctx, BusRequest{Type: reqType})
		if err != nil {
			if errors.Is(err, ErrBridge) || errors.Is(err, nats.ErrNoResponders) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !reply.Ready {
			return errNotReady
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if errors.Is(err, errNotReady) {
		return fmt.Errorf("%s after %s: %w", reqType, timeout, ErrTimeout)
	}
	return err
}

func (a *BusAdapter) CheckLogin(ctx context.Context) (LoginStatus, error) {
	reply, err := a.call(ctx, BusRequest{Type: BusCheckLogin})
	if err != nil {
		return LoginStatus{}, err
	}
	return LoginStatus{Success: true, LoggedIn: reply.LoggedIn}, nil
}

func (a *BusAdapter) PrepareInput(ctx context.Context, timeout time.Duration) error {
	return a.waitFor(ctx, BusInputReady, timeout)
}

func (a *BusAdapter) EnterPrompt(ctx context.Context, text string) error {
	_, err := a.call(ctx, BusRequest{Type: BusEnterPrompt, Text: text})
	return err
}

func (a *BusAdapter) SubmitMessage(ctx context.Context) error {
	_, err := a.call(ctx, BusRequest{Type: BusSubmit})
	return err
}

func (a *BusAdapter) AwaitResponse(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeouts().Response
	}
	return a.waitFor(ctx, BusResponseReady, timeout)
}

func (a *BusAdapter) GetResponse(ctx context.Context) (Response, error) {
	reply, err := a.call(ctx, BusRequest{Type: BusGetResponse})
	if err != nil {
		return Response{}, err
	}
	return Response{Success: reply.Content != "", Content: reply.Content}, nil
}

func (a *BusAdapter) IsWriting(ctx context.Context) (bool, error) {
	reply, err := a.call(ctx, BusRequest{Type: BusIsWriting})
	if err != nil {
		return false, err
	}
	return reply.Writing, nil
}

func (a *BusAdapter) GetTokenCount(ctx context.Context) (int, error) {
	reply, err := a.call(ctx, BusRequest{Type: BusTokenCount})
	if err != nil {
		return 0, err
	}
	return reply.Tokens, nil
}
