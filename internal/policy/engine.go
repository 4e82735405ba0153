package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync"
)

// Engine is the in-process rule-bundle evaluator. The bundle is swapped
// atomically on reload, so evaluations in flight keep the version they
// started with.
type Engine struct {
	mu      sync.RWMutex
	bundle  *Bundle
	version string
	path    string
}

// NewEngine loads the bundle at path (empty path means built-in defaults).
func NewEngine(path string) (*Engine, error) {
	bundle, version, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	return &Engine{bundle: bundle, version: version, path: path}, nil
}

// Version returns the active bundle version.
func (e *Engine) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Reload re-reads the bundle file. Invalid bundles are rejected and the
// previous bundle stays active.
func (e *Engine) Reload() error {
	bundle, version, err := LoadBundle(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.bundle, e.version = bundle, version
	e.mu.Unlock()
	return nil
}

// Evaluate applies the bundle to one normalized input. Rules are checked in
// order, first match wins; when nothing matches the tier defaults decide.
// Deterministic for a fixed (input, bundle version) pair.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	e.mu.RLock()
	bundle, version := e.bundle, e.version
	e.mu.RUnlock()

	for _, rule := range bundle.Rules {
		if !matchAction(rule.Action, in.Action) {
			continue
		}
		if rule.Risk != "" && in.Risk.rank() < rule.Risk.rank() {
			continue
		}
		if rule.Field != "" {
			val, ok := numericField(in.Payload, rule.Field)
			if !ok {
				continue
			}
			if rule.Above != nil && val <= *rule.Above {
				continue
			}
		}
		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %s: %s", rule.Action, rule.Decision)
		}
		return Decision{
			Result:        rule.Decision,
			Reasons:       []string{reason},
			BundleVersion: version,
		}, nil
	}

	defaults := bundle.Defaults
	switch {
	case defaults.DenyAt != "" && in.Risk.rank() >= defaults.DenyAt.rank():
		return Decision{
			Result:        Deny,
			Reasons:       []string{fmt.Sprintf("risk tier %s at or above deny threshold %s", in.Risk, defaults.DenyAt)},
			BundleVersion: version,
		}, nil
	case defaults.ApproveAt != "" && in.Risk.rank() >= defaults.ApproveAt.rank():
		return Decision{
			Result:        Approve,
			Reasons:       []string{fmt.Sprintf("risk tier %s requires human approval", in.Risk)},
			BundleVersion: version,
		}, nil
	}
	return Decision{
		Result:        Allow,
		Reasons:       []string{fmt.Sprintf("risk tier %s below thresholds", in.Risk)},
		BundleVersion: version,
	}, nil
}

// matchAction matches glob-style patterns ("payments.*") and bare substring
// wildcards ("*refund*") against an action name.
func matchAction(pattern, action string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if ok, err := path.Match(pattern, action); err == nil && ok {
		return true
	}
	if strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*") && len(pattern) > 1 {
		return strings.Contains(action, strings.Trim(pattern, "*"))
	}
	return false
}

func numericField(payload map[string]any, field string) (float64, bool) {
	v, ok := payload[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
