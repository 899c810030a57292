package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/poller"
	"github.com/mtzanidakis/synedrio/internal/schedule"
	"github.com/mtzanidakis/synedrio/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Debates
	mux.HandleFunc("POST /api/debates", s.startDebate)
	mux.HandleFunc("POST /api/debates/cancel", s.cancelDebate)
	mux.HandleFunc("GET /api/debates", s.listDebates)
	mux.HandleFunc("GET /api/debates/{id}", s.getDebate)

	// Configuration
	mux.HandleFunc("GET /api/providers", s.listProviders)
	mux.HandleFunc("GET /api/presets", s.listPresets)
	mux.HandleFunc("GET /api/schedules", s.listSchedules)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) startDebate(w http.ResponseWriter, r *http.Request) {
	var cfg debate.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sess, err := s.deps.Ctrl.Start(r.Context(), cfg)
	switch {
	case errors.Is(err, controller.ErrAlreadyRunning):
		jsonError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, controller.ErrNotAuthenticated):
		jsonError(w, err.Error(), http.StatusBadGateway)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sess)
}

func (s *Server) cancelDebate(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Ctrl.Status()
	if !st.Running {
		jsonError(w, "no debate is running", http.StatusConflict)
		return
	}
	s.deps.Ctrl.Cancel()

	resp := map[string]any{"status": "cancelling"}
	if st.Session != nil {
		resp["session_id"] = st.Session.ID
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) listDebates(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	sessions, err := s.deps.Store.ListSessions(r.Context(), limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary(sess))
	}
	jsonResponse(w, out)
}

func (s *Server) getDebate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.GetSession(r.Context(), r.PathValue("id"))
	if errors.Is(err, debate.ErrNotFound) {
		jsonError(w, "debate not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, sess)
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	var latest map[string]poller.Status
	if s.deps.Status != nil {
		latest = s.deps.Status.Latest()
	}

	out := make([]map[string]any, 0, len(s.deps.Providers))
	for _, name := range s.deps.Providers {
		entry := map[string]any{"name": name}
		if st, ok := latest[name]; ok {
			entry["writing"] = st.Writing
			entry["token_count"] = st.TokenCount
			entry["checked"] = formatTime(st.Timestamp)
			if st.Error != "" {
				entry["error"] = st.Error
			}
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.deps.Presets)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context())
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(schedules))
	for _, d := range schedules {
		out = append(out, scheduleToAPI(d))
	}
	jsonResponse(w, out)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":     "ok",
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"ws_clients": s.hub.Clients(),
		"debate":     s.deps.Ctrl.Status(),
	})
}

func sessionSummary(sess debate.Session) map[string]any {
	m := map[string]any{
		"id":           sess.ID,
		"topic":        sess.Config.Topic,
		"preset":       sess.Config.Preset,
		"participants": sess.Config.Participants,
		"judge":        sess.Config.Judge,
		"status":       sess.Status,
		"iteration":    sess.CurrentIteration,
		"created":      formatTime(sess.CreatedAt),
	}
	if sess.CompletedAt != nil {
		m["finished"] = formatTime(*sess.CompletedAt)
	}
	return m
}

func scheduleToAPI(d store.ScheduledDebate) map[string]any {
	display := d.Schedule
	if sched, err := schedule.Parse(d.Schedule); err == nil {
		display = sched.String()
	}
	m := map[string]any{
		"id":               d.ID,
		"name":             d.Name,
		"schedule":         d.Schedule,
		"schedule_display": display,
		"topic":            d.Config.Topic,
		"status":           d.Status,
		"last_status":      d.LastStatus,
	}
	if d.LastError != "" {
		m["last_error"] = d.LastError
	}
	if d.LastSessionID != "" {
		m["last_session_id"] = d.LastSessionID
	}
	if d.LastRunAt != nil {
		m["last_run"] = formatTime(*d.LastRunAt)
	}
	if d.NextRunAt != nil {
		m["next_run"] = formatTime(*d.NextRunAt)
	}
	return m
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
