package debate

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

type EventType string

const (
	EventStarted          EventType = "debate_started"
	EventStateChanged     EventType = "state_changed"
	EventProgress         EventType = "debate_progress"
	EventResponse         EventType = "debate_response"
	EventElementScore     EventType = "element_score"
	EventCycleDetected    EventType = "cycle_detected"
	EventProviderExcluded EventType = "provider_excluded"
	EventComplete         EventType = "debate_complete"
	EventError            EventType = "debate_error"
)

// Terminal reports whether the event ends a session's event stream.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Phase is the observational step of a round reported by progress events.
type Phase string

const (
	PhaseInput      Phase = "input"
	PhaseWaiting    Phase = "waiting"
	PhaseExtracting Phase = "extracting"
	PhaseScoring    Phase = "scoring"
	PhaseCycleCheck Phase = "cycle_check"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type StartedData struct {
	Topic        string   `json:"topic"`
	Participants []string `json:"participants"`
	Judge        string   `json:"judge"`
	Elements     []string `json:"elements"`
}

type StateChangedData struct {
	From SessionStatus `json:"from"`
	To   SessionStatus `json:"to"`
}

type ProgressData struct {
	Iteration int    `json:"iteration"`
	Provider  string `json:"provider"`
	Phase     Phase  `json:"phase"`
}

type ResponseData struct {
	Iteration int    `json:"iteration"`
	Provider  string `json:"provider"`
	Content   string `json:"content"`
}

type ElementScoreData struct {
	ElementID string `json:"element_id"`
	Name      string `json:"name"`
	Iteration int    `json:"iteration"`
	Provider  string `json:"provider"`
	Score     int    `json:"score"`
}

type CycleDetectedData struct {
	ElementID string `json:"element_id"`
	Name      string `json:"name"`
	Iteration int    `json:"iteration"`
}

type ProviderExcludedData struct {
	Provider string `json:"provider"`
	Failures int    `json:"failures"`
}

// TokenUsage totals the response tokens reported by each provider during a
// session.
type TokenUsage struct {
	Total      int            `json:"total"`
	ByProvider map[string]int `json:"by_provider,omitempty"`
}

func (u *TokenUsage) Add(provider string, tokens int) {
	if tokens <= 0 {
		return
	}
	if u.ByProvider == nil {
		u.ByProvider = make(map[string]int)
	}
	u.ByProvider[provider] += tokens
	u.Total += tokens
}

func (u TokenUsage) Clone() TokenUsage {
	u.ByProvider = maps.Clone(u.ByProvider)
	return u
}

type CompleteData struct {
	Iterations int        `json:"iterations"`
	Tokens     TokenUsage `json:"tokens"`
	// Exhausted is set when the engine iteration ceiling ended the debate with
	// elements still open.
	Exhausted  bool `json:"exhausted,omitempty"`
	Unresolved int  `json:"unresolved,omitempty"`
}

type ErrorData struct {
	Iteration int    `json:"iteration"`
	Error     string `json:"error"`
}

// Sink receives lifecycle events. Emit must not block the debate loop.
type Sink interface {
	Emit(ev Event)
}

// terminalSendTimeout bounds how long Emit waits for room for a terminal
// event once the buffer is full.
const terminalSendTimeout = 5 * time.Second

// ChannelSink queues events on a buffered channel for a separate consumer.
// Progress events are dropped when the buffer is full; terminal events wait
// up to terminalSendTimeout.
type ChannelSink struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 256
	}
	return &ChannelSink{ch: make(chan Event, size)}
}

func (s *ChannelSink) Emit(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}

	if ev.Type.Terminal() {
		timer := time.NewTimer(terminalSendTimeout)
		defer timer.Stop()
		select {
		case s.ch <- ev:
			return
		case <-timer.C:
		}
	}
	slog.Warn("event channel full, dropping event", "type", ev.Type, "session", ev.SessionID)
}

func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// FanOut emits every event to each sink in order.
type FanOut []Sink

func (f FanOut) Emit(ev Event) {
	for _, s := range f {
		s.Emit(ev)
	}
}
