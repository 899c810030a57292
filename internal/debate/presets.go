package debate

import (
	"fmt"
	"sort"
)

const DefaultPreset = "general"

var builtinPresets = map[string][]string{
	"general":     {"Argument Quality", "Evidence", "Clarity"},
	"code_review": {"Security", "Performance", "Maintainability"},
	"decision":    {"Feasibility", "Strategic Fit", "Risk"},
	"qa_accuracy": {"Accuracy", "Completeness", "Clarity"},
}

// Presets maps a preset name to its ordered evaluation elements.
type Presets map[string][]string

// NewPresets returns the built-in presets overlaid with extra. An entry in extra
// replaces the built-in of the same name.
func NewPresets(extra map[string][]string) Presets {
	p := make(Presets, len(builtinPresets)+len(extra))
	for name, elems := range builtinPresets {
		p[name] = append([]string(nil), elems...)
	}
	for name, elems := range extra {
		if len(elems) == 0 {
			continue
		}
		p[name] = append([]string(nil), elems...)
	}
	return p
}

func (p Presets) Elements(name string) ([]string, error) {
	if name == "" {
		name = DefaultPreset
	}
	elems, ok := p[name]
	if !ok || len(elems) == 0 {
		return nil, fmt.Errorf("unknown preset %q", name)
	}
	return append([]string(nil), elems...), nil
}

func (p Presets) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
