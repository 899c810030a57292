// Package reply decodes structured JSON out of free-form agent replies.
package reply

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var ErrNoJSON = errors.New("no decodable JSON in reply")

// codeBlockPattern captures a fenced block's language tag and body.
var codeBlockPattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \\t]*\n?(.*?)\n?```")

// Typographic quotes some models emit inside otherwise valid JSON.
var quoteReplacer = strings.NewReplacer(
	"“", `"`,
	"”", `"`,
	"„", `"`,
	"‘", `'`,
	"’", `'`,
)

// Decode fills v from text. The whole reply is tried as JSON first, then the
// fenced code blocks tagged json (any case) in order, or the first fenced
// block when none is tagged json. It returns ErrNoJSON when nothing decodes.
func Decode(text string, v any) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrNoJSON
	}

	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}

	for _, block := range candidateBlocks(text) {
		block = quoteReplacer.Replace(strings.TrimSpace(block))
		if err := json.Unmarshal([]byte(block), v); err == nil {
			return nil
		}
	}
	return ErrNoJSON
}

func candidateBlocks(text string) []string {
	matches := codeBlockPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	var tagged []string
	for _, m := range matches {
		if strings.EqualFold(m[1], "json") {
			tagged = append(tagged, m[2])
		}
	}
	if len(tagged) > 0 {
		return tagged
	}
	return []string{matches[0][2]}
}
