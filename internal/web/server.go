// Package web serves the HTTP API and the live event stream for the gateway.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/poller"
	"github.com/mtzanidakis/synedrio/internal/store"
	"github.com/nats-io/nats.go"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour
)

type Controller interface {
	Start(ctx context.Context, cfg debate.Config) (*debate.Session, error)
	Cancel()
	Status() controller.Status
}

type Store interface {
	GetSession(ctx context.Context, id string) (*debate.Session, error)
	ListSessions(ctx context.Context, limit int) ([]debate.Session, error)
	ListSchedules(ctx context.Context) ([]store.ScheduledDebate, error)
}

// ProviderStatus reports the most recent liveness sample per provider.
type ProviderStatus interface {
	Latest() map[string]poller.Status
}

type Deps struct {
	Store     Store
	Ctrl      Controller
	Providers []string
	Status    ProviderStatus
	Presets   debate.Presets
	NATS      *natsbus.Client
}

type Server struct {
	deps      Deps
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
	sub       *nats.Subscription

	logins *loginSessions
}

func NewServer(deps Deps, cfg config.WebConfig, version string) *Server {
	if deps.Presets == nil {
		deps.Presets = debate.NewPresets(nil)
	}
	return &Server{
		deps:      deps,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		logins:    newLoginSessions(sessionMaxAge),
	}
}

// Handler returns the routed API with auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("GET /api/auth/check", s.handleAuthCheck)

	s.registerAPI(mux)

	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

// Start serves until ctx is done. Bus events are relayed to websocket
// clients while it runs.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.logins.sweepEvery(ctx, time.Hour)

	if err := s.subscribeEvents(); err != nil {
		return err
	}
	defer s.unsubscribeEvents()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if r.URL.Path == "/api/login" || r.URL.Path == "/api/auth/check" {
				next.ServeHTTP(w, r)
				return
			}
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// subscribeEvents relays every event published on the bus to websocket
// clients unchanged.
func (s *Server) subscribeEvents() error {
	if s.deps.NATS == nil {
		return nil
	}
	sub, err := s.deps.NATS.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("invalid NATS event payload", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Server) unsubscribeEvents() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
}
