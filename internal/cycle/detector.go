// Package cycle asks a judge agent whether an element's recent versions have
// stopped improving.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/provider"
	"github.com/mtzanidakis/synedrio/internal/reply"
)

// Window is the number of most recent versions the judge compares.
const Window = 3

type Verdict struct {
	IsCycle bool   `json:"isCycle"`
	Reason  string `json:"reason"`
}

type Detector struct {
	registry *provider.Registry
	timeouts provider.Timeouts
}

func NewDetector(registry *provider.Registry, timeouts provider.Timeouts) *Detector {
	return &Detector{registry: registry, timeouts: timeouts}
}

// DetectCycle reports whether the judge considers the last three versions a
// cycle. Any failure to reach or understand the judge reports no cycle.
func (d *Detector) DetectCycle(ctx context.Context, judge string, versions []debate.Version) bool {
	v, ok := d.Evaluate(ctx, judge, versions)
	return ok && v.IsCycle
}

// Evaluate runs the judge round trip. ok is false when fewer than three
// versions were given or the judge could not be driven; no call is made in
// the first case.
func (d *Detector) Evaluate(ctx context.Context, judge string, versions []debate.Version) (Verdict, bool) {
	if len(versions) < Window {
		return Verdict{}, false
	}
	versions = versions[len(versions)-Window:]

	a, ok := d.registry.Get(judge)
	if !ok {
		slog.Warn("cycle check skipped, judge not registered", "judge", judge)
		return Verdict{}, false
	}

	text, err := provider.Drive(ctx, a, BuildPrompt(versions), d.timeouts, nil)
	if err != nil {
		slog.Warn("cycle check failed", "judge", judge, "error", err)
		return Verdict{}, false
	}

	v := ParseVerdict(text)
	slog.Debug("cycle verdict", "judge", judge, "is_cycle", v.IsCycle, "reason", v.Reason)
	return v, true
}

// BuildPrompt renders the judge prompt for versions in chronological order.
func BuildPrompt(versions []debate.Version) string {
	var b strings.Builder
	b.WriteString("You are judging whether an iterative refinement has stalled.\n")
	b.WriteString("Below are the most recent versions of the same item, oldest first.\n\n")
	for i, v := range versions {
		fmt.Fprintf(&b, "Version %d:\n%s\n\n", i+1, v.Content)
	}
	b.WriteString("Are these versions cycling (repeating or oscillating without meaningful improvement)?\n")
	b.WriteString(`Respond with JSON only: {"isCycle": boolean, "reason": string}`)
	return b.String()
}

// ParseVerdict decodes a judge reply. Unparseable replies yield a negative
// verdict with reason "Parse error".
func ParseVerdict(text string) Verdict {
	var v Verdict
	if err := reply.Decode(text, &v); err != nil {
		return Verdict{IsCycle: false, Reason: "Parse error"}
	}
	return v
}
