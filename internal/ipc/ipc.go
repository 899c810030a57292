// Package ipc answers debate control requests sent over the NATS bus by
// local tools such as debatectl.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/nats-io/nats.go"
)

const (
	CmdStart  = "start"
	CmdCancel = "cancel"
	CmdStatus = "status"
	CmdList   = "list"
	CmdGet    = "get"
)

type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Response struct {
	OK       bool               `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
	Session  *debate.Session    `json:"session,omitempty"`
	Sessions []debate.Session   `json:"sessions,omitempty"`
	Status   *controller.Status `json:"status,omitempty"`
}

type Controller interface {
	Start(ctx context.Context, cfg debate.Config) (*debate.Session, error)
	Cancel()
	Status() controller.Status
}

type Sessions interface {
	GetSession(ctx context.Context, id string) (*debate.Session, error)
	ListSessions(ctx context.Context, limit int) ([]debate.Session, error)
}

type Server struct {
	client   *natsbus.Client
	ctrl     Controller
	sessions Sessions

	mu  sync.Mutex
	ctx context.Context
	sub *nats.Subscription
}

func NewServer(client *natsbus.Client, ctrl Controller, sessions Sessions) *Server {
	return &Server{client: client, ctrl: ctrl, sessions: sessions}
}

// Start subscribes to the IPC subject. Requests are served with ctx until
// Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.client.Subscribe(natsbus.TopicDebateIPC, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	if err := s.client.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush ipc subscription: %w", err)
	}
	s.ctx = ctx
	s.sub = sub
	slog.Info("ipc server listening", "subject", natsbus.TopicDebateIPC)
	return nil
}

func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Server) handle(msg *nats.Msg) {
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respond(msg, Response{Error: "invalid command"})
		return
	}

	slog.Info("IPC command received", "type", cmd.Type)
	ctx := s.context()

	switch cmd.Type {
	case CmdStart:
		respond(msg, s.start(ctx, cmd.Payload))
	case CmdCancel:
		respond(msg, s.cancel())
	case CmdStatus:
		st := s.ctrl.Status()
		respond(msg, Response{OK: true, Status: &st})
	case CmdList:
		respond(msg, s.list(ctx, cmd.Payload))
	case CmdGet:
		respond(msg, s.get(ctx, cmd.Payload))
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		respond(msg, Response{Error: "unknown command: " + cmd.Type})
	}
}

func (s *Server) start(ctx context.Context, payload json.RawMessage) Response {
	var cfg debate.Config
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return Response{Error: "invalid payload"}
	}
	sess, err := s.ctrl.Start(ctx, cfg)
	if err != nil {
		return Response{Error: err.Error()}
	}
	slog.Info("debate started via IPC", "session", sess.ID, "topic", cfg.Topic)
	return Response{OK: true, Session: sess}
}

func (s *Server) cancel() Response {
	st := s.ctrl.Status()
	if !st.Running {
		return Response{Error: "no debate is running"}
	}
	s.ctrl.Cancel()
	slog.Info("debate cancel requested via IPC")
	return Response{OK: true, Status: &st}
}

func (s *Server) list(ctx context.Context, payload json.RawMessage) Response {
	var req struct {
		Limit int `json:"limit"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return Response{Error: "invalid payload"}
		}
	}
	sessions, err := s.sessions.ListSessions(ctx, req.Limit)
	if err != nil {
		return Response{Error: fmt.Sprintf("list failed: %v", err)}
	}
	if sessions == nil {
		sessions = []debate.Session{}
	}
	return Response{OK: true, Sessions: sessions}
}

func (s *Server) get(ctx context.Context, payload json.RawMessage) Response {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.ID == "" {
		return Response{Error: "id is required"}
	}
	sess, err := s.sessions.GetSession(ctx, req.ID)
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{OK: true, Session: sess}
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
