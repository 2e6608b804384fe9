// Package secrets masks credentials in chat input before it leaves the gateway.
package secrets

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Placeholder replaces every detected secret.
const Placeholder = "[REDACTED]"

// Scrubber finds credentials with the gitleaks default rule set.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScrubber loads the default gitleaks rules.
func NewScrubber() (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load secret rules: %w", err)
	}
	return &Scrubber{detector: detector}, nil
}

// Redact replaces each detected secret with Placeholder and returns the ids of
// the rules that matched, sorted and without duplicates.
func (s *Scrubber) Redact(text string) (string, []string) {
	s.mu.Lock()
	findings := s.detector.DetectString(text)
	s.mu.Unlock()
	if len(findings) == 0 {
		return text, nil
	}

	seen := make(map[string]bool)
	var rules []string
	for _, f := range findings {
		secret := f.Secret
		if secret == "" {
			secret = f.Match
		}
		if secret != "" {
			text = strings.ReplaceAll(text, secret, Placeholder)
		}
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			rules = append(rules, f.RuleID)
		}
	}
	sort.Strings(rules)
	return text, rules
}
