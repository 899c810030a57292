package controller

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/debate"
)

// BuildPrompt renders the participant prompt for one round. It lists every
// open element with its latest version so the participant can improve on it.
func BuildPrompt(cfg debate.Config, elements []debate.Element, iteration int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Topic: %s\n", cfg.Topic)
	if cfg.Context != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", cfg.Context)
	}
	fmt.Fprintf(&b, "\nRound %d. Improve each element below until it reaches a score of %d.\n", iteration, cfg.CompletionThreshold)

	for _, e := range elements {
		fmt.Fprintf(&b, "\n## %s\n", e.Name)
		if v, ok := e.Latest(); ok {
			fmt.Fprintf(&b, "Current version by %s (score %d):\n%s\n", v.Provider, v.Score, v.Content)
		} else {
			b.WriteString("No version yet.\n")
		}
	}

	b.WriteString("\nFor every element, write an improved version and score it from 0 to 100.\n")
	b.WriteString(`Respond with JSON only: {"elements": [{"name": string, "content": string, "score": number}]}`)
	return b.String()
}
