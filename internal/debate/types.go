package debate

import (
	"errors"
	"fmt"
	"time"
)

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionError     SessionStatus = "error"
)

// Terminal reports whether the session has left the running state for good.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled || s == SessionError
}

type ElementStatus string

const (
	ElementPending       ElementStatus = "pending"
	ElementInProgress    ElementStatus = "in_progress"
	ElementCompleted     ElementStatus = "completed"
	ElementCycleDetected ElementStatus = "cycle_detected"
)

func (s ElementStatus) Terminal() bool {
	return s == ElementCompleted || s == ElementCycleDetected
}

type CompletionReason string

const (
	ReasonThreshold CompletionReason = "threshold"
	ReasonCycle     CompletionReason = "cycle"
)

// Status returns the terminal element status that a completion reason leads to.
func (r CompletionReason) Status() ElementStatus {
	if r == ReasonCycle {
		return ElementCycleDetected
	}
	return ElementCompleted
}

var (
	ErrNoParticipants   = errors.New("at least one participant is required")
	ErrNoJudge          = errors.New("judge provider is required")
	ErrInvalidThreshold = errors.New("completion threshold must be within [0,100]")
	ErrElementClosed    = errors.New("element already completed")
	ErrNotFound         = errors.New("not found")
)

type Config struct {
	Topic               string   `json:"topic" yaml:"topic"`
	Context             string   `json:"context,omitempty" yaml:"context"`
	Preset              string   `json:"preset" yaml:"preset"`
	Participants        []string `json:"participants" yaml:"participants"`
	Judge               string   `json:"judge" yaml:"judge"`
	CompletionThreshold int      `json:"completion_threshold" yaml:"completion_threshold"`
}

func (c Config) Validate() error {
	if len(c.Participants) == 0 {
		return ErrNoParticipants
	}
	for i, p := range c.Participants {
		if p == "" {
			return fmt.Errorf("participant %d: empty provider name", i)
		}
	}
	if c.Judge == "" {
		return ErrNoJudge
	}
	if c.CompletionThreshold < 0 || c.CompletionThreshold > 100 {
		return ErrInvalidThreshold
	}
	return nil
}

// Providers returns every distinct provider the config references, participants
// first in rotation order, then the judge.
func (c Config) Providers() []string {
	seen := make(map[string]bool, len(c.Participants)+1)
	var out []string
	for _, p := range append(append([]string{}, c.Participants...), c.Judge) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// ProviderFor is the rotation rule: iteration i (1-based) belongs to
// participants[(i-1) mod len(participants)].
func (c Config) ProviderFor(iteration int) string {
	if len(c.Participants) == 0 || iteration < 1 {
		return ""
	}
	return c.Participants[(iteration-1)%len(c.Participants)]
}

type Session struct {
	ID               string        `json:"id"`
	Config           Config        `json:"config"`
	Status           SessionStatus `json:"status"`
	CurrentIteration int           `json:"current_iteration"`
	Elements         []Element     `json:"elements,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
}

type Element struct {
	ID               string           `json:"id"`
	SessionID        string           `json:"session_id"`
	Name             string           `json:"name"`
	Position         int              `json:"position"`
	Status           ElementStatus    `json:"status"`
	CurrentScore     int              `json:"current_score"`
	ScoreHistory     []int            `json:"score_history"`
	VersionHistory   []Version        `json:"version_history"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	CompletionReason CompletionReason `json:"completion_reason,omitempty"`
}

// Latest returns the most recent version, if any.
func (e Element) Latest() (Version, bool) {
	if len(e.VersionHistory) == 0 {
		return Version{}, false
	}
	return e.VersionHistory[len(e.VersionHistory)-1], true
}

type Version struct {
	Iteration int       `json:"iteration"`
	Content   string    `json:"content"`
	Score     int       `json:"score"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
}
