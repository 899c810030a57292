package telegram

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/debate"
)

// busEvent is the envelope shared by debate and schedule events on the bus.
type busEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
}

// formatEvent renders the events worth a chat notification. Progress and
// scoring chatter is skipped.
func formatEvent(payload []byte) (string, bool) {
	var ev busEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return "", false
	}
	id := shortID(ev.SessionID)

	switch debate.EventType(ev.Type) {
	case debate.EventStarted:
		var d debate.StartedData
		if json.Unmarshal(ev.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Debate %s started: %s\nParticipants: %s\nJudge: %s\nElements: %s",
			id, d.Topic, strings.Join(d.Participants, ", "), d.Judge, strings.Join(d.Elements, ", ")), true

	case debate.EventComplete:
		var d debate.CompleteData
		if json.Unmarshal(ev.Data, &d) != nil {
			return "", false
		}
		msg := fmt.Sprintf("Debate %s converged after %d iterations", id, d.Iterations)
		if d.Exhausted {
			msg = fmt.Sprintf("Debate %s stopped at the iteration limit (%d iterations, %d elements unresolved)",
				id, d.Iterations, d.Unresolved)
		}
		if d.Tokens.Total > 0 {
			msg += "\nTokens: " + formatTokens(d.Tokens)
		}
		return msg, true

	case debate.EventCycleDetected:
		var d debate.CycleDetectedData
		if json.Unmarshal(ev.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Debate %s: %s is going in circles, closed at iteration %d", id, d.Name, d.Iteration), true

	case debate.EventProviderExcluded:
		var d debate.ProviderExcludedData
		if json.Unmarshal(ev.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Debate %s: %s excluded after %d consecutive failures", id, d.Provider, d.Failures), true

	case debate.EventError:
		var d debate.ErrorData
		if json.Unmarshal(ev.Data, &d) != nil {
			return "", false
		}
		return fmt.Sprintf("Debate %s failed at iteration %d: %s", id, d.Iteration, d.Error), true
	}

	if ev.Type == "schedule_executed" {
		var d struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		}
		if json.Unmarshal(ev.Data, &d) != nil || d.Status == "started" {
			return "", false
		}
		return fmt.Sprintf("Scheduled debate %q %s", d.Name, d.Status), true
	}
	return "", false
}

func formatStatus(st controller.Status) string {
	if !st.Running {
		if st.Session == nil {
			return "No debate has run yet."
		}
		return fmt.Sprintf("Idle. Last debate %s (%s) ended %s after %d iterations.",
			shortID(st.Session.ID), st.Session.Config.Topic, st.Session.Status, st.Session.CurrentIteration)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Running iteration %d", st.Iteration)
	if st.Provider != "" {
		fmt.Fprintf(&b, ", %s to answer", st.Provider)
	}
	if st.Session != nil {
		fmt.Fprintf(&b, "\nTopic: %s", st.Session.Config.Topic)
		for _, e := range st.Session.Elements {
			fmt.Fprintf(&b, "\n- %s: %s (%d)", e.Name, e.Status, e.CurrentScore)
		}
	}
	if st.Tokens != nil && st.Tokens.Total > 0 {
		fmt.Fprintf(&b, "\nTokens: %s", formatTokens(*st.Tokens))
	}
	if len(st.Excluded) > 0 {
		fmt.Fprintf(&b, "\nExcluded: %s", strings.Join(st.Excluded, ", "))
	}
	return b.String()
}

// formatTokens renders "240 (P0 200, P1 40)" with providers sorted by name.
func formatTokens(u debate.TokenUsage) string {
	names := slices.Sorted(maps.Keys(u.ByProvider))
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s %d", name, u.ByProvider[name])
	}
	if len(parts) == 0 {
		return fmt.Sprint(u.Total)
	}
	return fmt.Sprintf("%d (%s)", u.Total, strings.Join(parts, ", "))
}

func formatSessions(sessions []debate.Session) string {
	if len(sessions) == 0 {
		return "No debates found."
	}
	var b strings.Builder
	for i, s := range sessions {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s  %-9s  %s", shortID(s.ID), s.Status, s.Config.Topic)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// chunkMessage splits a message into chunks that fit within Telegram's message size limit.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
