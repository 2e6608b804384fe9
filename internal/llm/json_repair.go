package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairStats records what RepairJSON had to do to a model reply.
type RepairStats struct {
	OriginalBytes int      `json:"original_bytes"`
	RepairedBytes int      `json:"repaired_bytes"`
	Strategies    []string `json:"strategies"`
	WasRepaired   bool     `json:"was_repaired"`
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_][a-zA-Z0-9_]*)(\s*:)`)
	singleQuotedRe  = regexp.MustCompile(`'([^']*)'`)
	codeFenceRe     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
)

// RepairJSON turns an almost-JSON model reply into valid JSON. Cheap textual
// fixes run first and the jsonrepair library is the fallback.
func RepairJSON(raw string) (string, RepairStats, error) {
	stats := RepairStats{OriginalBytes: len(raw)}
	if json.Valid([]byte(raw)) {
		stats.RepairedBytes = len(raw)
		return raw, stats, nil
	}

	stats.WasRepaired = true
	repaired := raw

	apply := func(name string, fix func(string) string) {
		if json.Valid([]byte(repaired)) {
			return
		}
		if next := fix(repaired); next != repaired {
			repaired = next
			stats.Strategies = append(stats.Strategies, name)
		}
	}

	apply("trailing_commas", func(s string) string { return trailingCommaRe.ReplaceAllString(s, "$1") })
	apply("completion", completeJSON)
	apply("key_quotes", func(s string) string { return bareKeyRe.ReplaceAllString(s, `$1"$2"$3`) })
	apply("single_quotes", func(s string) string { return singleQuotedRe.ReplaceAllString(s, `"$1"`) })
	apply("jsonrepair_library", func(s string) string {
		fixed, err := jsonrepair.JSONRepair(s)
		if err != nil {
			return s
		}
		return fixed
	})

	stats.RepairedBytes = len(repaired)
	if !json.Valid([]byte(repaired)) {
		return repaired, stats, fmt.Errorf("JSON repair failed after %d strategies", len(stats.Strategies))
	}
	return repaired, stats, nil
}

// completeJSON closes objects and arrays left open by a truncated reply.
func completeJSON(s string) string {
	s = strings.TrimSpace(s)
	var (
		stack    []rune
		inString bool
		escaped  bool
	)
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == r {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if inString {
		s += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		s += string(stack[i])
	}
	return s
}

// ExtractJSON pulls the JSON object out of a reply that may wrap it in prose or a
// code fence. It returns "" when no object is present.
func ExtractJSON(raw string) string {
	if m := codeFenceRe.FindStringSubmatch(raw); m != nil {
		raw = m[1]
	}
	start := strings.Index(raw, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(raw, "}")
	if end < start {
		// Truncated reply; let RepairJSON close it.
		return raw[start:]
	}
	return raw[start : end+1]
}

// DecodeReply extracts, repairs and unmarshals a JSON reply into target.
func DecodeReply(raw string, target interface{}) (RepairStats, error) {
	body := ExtractJSON(raw)
	if body == "" {
		return RepairStats{OriginalBytes: len(raw)}, fmt.Errorf("no JSON found in response")
	}
	repaired, stats, err := RepairJSON(body)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return stats, fmt.Errorf("JSON parsing failed after repair: %w", err)
	}
	return stats, nil
}
