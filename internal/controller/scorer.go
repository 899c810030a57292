package controller

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/reply"
)

var ErrUnscoredReply = errors.New("reply contained no element scores")

// Contribution is one participant's new version of one element.
type Contribution struct {
	ElementID string
	Content   string
	Score     int
}

// Scorer turns a participant reply into per-element contributions for the
// given open elements.
type Scorer interface {
	Score(text string, elements []debate.Element) ([]Contribution, error)
}

// ReplyScorer reads the scores the participant reported in its JSON reply.
// Names match case-insensitively and scores are clamped to [0,100].
type ReplyScorer struct{}

type scoredReply struct {
	Elements []struct {
		Name    string  `json:"name"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"elements"`
}

func (ReplyScorer) Score(text string, elements []debate.Element) ([]Contribution, error) {
	var parsed scoredReply
	if err := reply.Decode(text, &parsed); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	byName := make(map[string]debate.Element, len(elements))
	for _, e := range elements {
		byName[normalizeName(e.Name)] = e
	}

	scored := make(map[string]Contribution, len(parsed.Elements))
	for _, entry := range parsed.Elements {
		e, ok := byName[normalizeName(entry.Name)]
		if !ok || strings.TrimSpace(entry.Content) == "" {
			continue
		}
		if _, dup := scored[e.ID]; dup {
			continue
		}
		scored[e.ID] = Contribution{
			ElementID: e.ID,
			Content:   entry.Content,
			Score:     clampScore(entry.Score),
		}
	}

	if len(scored) == 0 {
		return nil, ErrUnscoredReply
	}

	// Keep element order.
	out := make([]Contribution, 0, len(scored))
	for _, e := range elements {
		if c, ok := scored[e.ID]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func clampScore(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(100, score))))
}
