package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule is one bundle rule, evaluated in order (first match wins).
// A rule matches when the action pattern matches and, if Field is set,
// the named numeric payload field exceeds Above.
type Rule struct {
	Action   string   `yaml:"action"`
	Risk     Tier     `yaml:"risk,omitempty"`
	Field    string   `yaml:"field,omitempty"`
	Above    *float64 `yaml:"above,omitempty"`
	Decision Result   `yaml:"decision"`
	Reason   string   `yaml:"reason,omitempty"`
}

// TierDefaults maps a risk tier to the decision applied when no rule
// matches.
type TierDefaults struct {
	ApproveAt Tier `yaml:"approve_at"`
	DenyAt    Tier `yaml:"deny_at"`
}

// Bundle holds one versioned set of policy rules.
type Bundle struct {
	Rules    []Rule       `yaml:"rules"`
	Defaults TierDefaults `yaml:"defaults"`
}

// DefaultBundle returns the built-in bundle: high-risk actions escalate to
// approval, critical-risk actions are denied, everything else is allowed.
func DefaultBundle() *Bundle {
	return &Bundle{
		Defaults: TierDefaults{
			ApproveAt: TierHigh,
			DenyAt:    TierCritical,
		},
	}
}

// LoadBundle loads a rule bundle from a YAML file and returns it together
// with its version: the SHA-256 of the raw bytes on disk. A missing file
// yields the default bundle versioned as the hash of empty input, so the
// version recorded in decisions is always reproducible.
func LoadBundle(path string) (*Bundle, string, error) {
	if path == "" {
		return DefaultBundle(), hashBytes(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultBundle(), hashBytes(nil), nil
		}
		return nil, "", fmt.Errorf("policy: read bundle: %w", err)
	}

	bundle := DefaultBundle()
	if err := yaml.Unmarshal(data, bundle); err != nil {
		return nil, "", fmt.Errorf("policy: parse bundle: %w", err)
	}
	for i, r := range bundle.Rules {
		if !r.Decision.Valid() {
			return nil, "", fmt.Errorf("policy: rule %d has invalid decision %q", i, r.Decision)
		}
	}
	return bundle, hashBytes(data), nil
}

func hashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
