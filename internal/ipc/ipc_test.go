package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
)

type fakeController struct {
	mu        sync.Mutex
	running   bool
	cancelled int
	startErr  error
	started   []debate.Config
}

func (f *fakeController) Start(ctx context.Context, cfg debate.Config) (*debate.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.started = append(f.started, cfg)
	f.running = true
	return &debate.Session{ID: "sess-1", Config: cfg, Status: debate.SessionRunning}, nil
}

func (f *fakeController) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func (f *fakeController) Status() controller.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return controller.Status{Running: f.running, Iteration: 4, Provider: "claude"}
}

type fakeSessions map[string]debate.Session

func (f fakeSessions) GetSession(ctx context.Context, id string) (*debate.Session, error) {
	s, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, debate.ErrNotFound)
	}
	return &s, nil
}

func (f fakeSessions) ListSessions(ctx context.Context, limit int) ([]debate.Session, error) {
	var out []debate.Session
	for _, s := range f {
		out = append(out, s)
	}
	return out, nil
}

func newTestServer(t *testing.T, ctrl Controller, sessions Sessions) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(bus.Close)

	serverClient, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(serverClient.Close)

	srv := NewServer(serverClient, ctrl, sessions)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start ipc: %v", err)
	}
	t.Cleanup(srv.Stop)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client
}

func send(t *testing.T, client *natsbus.Client, cmdType string, payload any) Response {
	t.Helper()
	cmd := Command{Type: cmdType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		cmd.Payload = raw
	}
	data, _ := json.Marshal(cmd)

	msg, err := client.Request(natsbus.TopicDebateIPC, data, 5*time.Second)
	if err != nil {
		t.Fatalf("ipc request: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestStartAndStatus(t *testing.T) {
	ctrl := &fakeController{}
	client := newTestServer(t, ctrl, fakeSessions{})

	cfg := debate.Config{Topic: "Go vs Rust", Participants: []string{"claude", "gpt"}, Judge: "claude", CompletionThreshold: 85}
	resp := send(t, client, CmdStart, cfg)
	if !resp.OK || resp.Session == nil || resp.Session.ID != "sess-1" {
		t.Fatalf("unexpected start response: %+v", resp)
	}
	if len(ctrl.started) != 1 || ctrl.started[0].Topic != "Go vs Rust" || ctrl.started[0].CompletionThreshold != 85 {
		t.Errorf("unexpected started config: %+v", ctrl.started)
	}

	resp = send(t, client, CmdStatus, nil)
	if !resp.OK || resp.Status == nil || !resp.Status.Running || resp.Status.Iteration != 4 {
		t.Errorf("unexpected status response: %+v", resp)
	}
}

func TestStartError(t *testing.T) {
	ctrl := &fakeController{startErr: controller.ErrAlreadyRunning}
	client := newTestServer(t, ctrl, fakeSessions{})

	resp := send(t, client, CmdStart, debate.Config{Topic: "x"})
	if resp.OK || resp.Error != controller.ErrAlreadyRunning.Error() {
		t.Errorf("expected already-running error, got %+v", resp)
	}
}

func TestCancel(t *testing.T) {
	ctrl := &fakeController{}
	client := newTestServer(t, ctrl, fakeSessions{})

	if resp := send(t, client, CmdCancel, nil); resp.OK || resp.Error == "" {
		t.Errorf("expected error when idle, got %+v", resp)
	}
	if ctrl.cancelled != 0 {
		t.Error("expected no cancel while idle")
	}

	ctrl.mu.Lock()
	ctrl.running = true
	ctrl.mu.Unlock()
	if resp := send(t, client, CmdCancel, nil); !resp.OK {
		t.Errorf("expected ok, got %+v", resp)
	}
	if ctrl.cancelled != 1 {
		t.Errorf("expected one cancel, got %d", ctrl.cancelled)
	}
}

func TestListAndGet(t *testing.T) {
	sessions := fakeSessions{
		"a": {ID: "a", Status: debate.SessionCompleted},
	}
	client := newTestServer(t, &fakeController{}, sessions)

	resp := send(t, client, CmdList, map[string]int{"limit": 10})
	if !resp.OK || len(resp.Sessions) != 1 {
		t.Errorf("unexpected list response: %+v", resp)
	}

	resp = send(t, client, CmdGet, map[string]string{"id": "a"})
	if !resp.OK || resp.Session == nil || resp.Session.Status != debate.SessionCompleted {
		t.Errorf("unexpected get response: %+v", resp)
	}

	resp = send(t, client, CmdGet, map[string]string{"id": "missing"})
	if resp.OK || resp.Error == "" {
		t.Errorf("expected not found error, got %+v", resp)
	}
	if resp := send(t, client, CmdGet, nil); resp.Error != "id is required" {
		t.Errorf("expected id required error, got %+v", resp)
	}
}

func TestInvalidCommands(t *testing.T) {
	client := newTestServer(t, &fakeController{}, fakeSessions{})

	if resp := send(t, client, "explode", nil); resp.Error != "unknown command: explode" {
		t.Errorf("unexpected response: %+v", resp)
	}

	msg, err := client.Request(natsbus.TopicDebateIPC, []byte("not json"), 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error != "invalid command" {
		t.Errorf("expected invalid command error, got %+v", resp)
	}

	if resp := send(t, client, CmdStart, "not an object"); resp.Error != "invalid payload" {
		t.Errorf("expected invalid payload error, got %+v", resp)
	}
}
