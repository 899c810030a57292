package cycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/provider"
	"github.com/mtzanidakis/synedrio/internal/provider/providertest"
)

func versions(contents ...string) []debate.Version {
	out := make([]debate.Version, len(contents))
	for i, c := range contents {
		out[i] = debate.Version{Iteration: i + 1, Content: c, Timestamp: time.Now()}
	}
	return out
}

func newDetector(judge *providertest.Adapter) *Detector {
	r := provider.NewRegistry()
	if judge != nil {
		r.Register("judge", judge)
	}
	return NewDetector(r, provider.DefaultTimeouts())
}

func TestDetectCycleNeedsThreeVersions(t *testing.T) {
	judge := providertest.New(`{"isCycle": true, "reason": "x"}`)
	d := newDetector(judge)

	for _, vs := range [][]debate.Version{nil, versions("a"), versions("a", "b")} {
		if d.DetectCycle(context.Background(), "judge", vs) {
			t.Errorf("expected false for %d versions", len(vs))
		}
	}
	if judge.Calls("SubmitMessage") != 0 {
		t.Errorf("expected no judge call below three versions, got %d", judge.Calls("SubmitMessage"))
	}
}

func TestDetectCycle(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  bool
	}{
		{"direct true", `{"isCycle": true, "reason": "V1 and V3 are identical"}`, true},
		{"direct false", `{"isCycle": false, "reason": "still improving"}`, false},
		{"fenced true", "Analysis:\n```json\n{\"isCycle\": true, \"reason\": \"oscillating\"}\n```", true},
		{"garbage", "these look similar to me", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge := providertest.New(tt.reply)
			d := newDetector(judge)
			got := d.DetectCycle(context.Background(), "judge", versions("V1", "V2", "V1"))
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
			if judge.Calls("SubmitMessage") != 1 {
				t.Errorf("expected one judge round trip, got %d", judge.Calls("SubmitMessage"))
			}
		})
	}
}

func TestDetectCycleFailsOpen(t *testing.T) {
	judge := providertest.New(`{"isCycle": true}`)
	judge.SetFailAwait(true)
	d := newDetector(judge)

	if d.DetectCycle(context.Background(), "judge", versions("a", "b", "a")) {
		t.Error("expected false when the judge fails")
	}

	if newDetector(nil).DetectCycle(context.Background(), "judge", versions("a", "b", "a")) {
		t.Error("expected false when the judge is not registered")
	}
}

func TestDetectCycleUsesLastThree(t *testing.T) {
	judge := providertest.New(`{"isCycle": false, "reason": "ok"}`)
	d := newDetector(judge)

	d.DetectCycle(context.Background(), "judge", versions("first", "second", "third", "fourth"))

	prompts := judge.Prompts()
	if len(prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(prompts))
	}
	p := prompts[0]
	if strings.Contains(p, "first") {
		t.Error("expected oldest version to be dropped")
	}
	if !strings.Contains(p, "Version 1:\nsecond") || !strings.Contains(p, "Version 3:\nfourth") {
		t.Errorf("unexpected prompt labels:\n%s", p)
	}
}

func TestBuildPromptDeterministic(t *testing.T) {
	vs := versions("alpha", "beta", "alpha")
	if BuildPrompt(vs) != BuildPrompt(vs) {
		t.Error("expected identical prompts for identical input")
	}
	p := BuildPrompt(vs)
	if strings.Index(p, "Version 1:") > strings.Index(p, "Version 2:") || strings.Index(p, "Version 2:") > strings.Index(p, "Version 3:") {
		t.Error("expected versions in chronological order")
	}
	if !strings.Contains(p, `{"isCycle": boolean, "reason": string}`) {
		t.Error("expected response schema in prompt")
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"tier one", `{"isCycle": true, "reason": "same"}`, Verdict{true, "same"}},
		{"tier two", "```json\n{\"isCycle\": false, \"reason\": \"diff\"}\n```", Verdict{false, "diff"}},
		{"tier three", "no json here", Verdict{false, "Parse error"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseVerdict(tt.text); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}
