package hooks

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk shape of $LEON_HOME/policy.yaml.
type PolicyFile struct {
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule declares one pattern-matched handler.
type PolicyRule struct {
	Name     string            `yaml:"name"`
	Priority int               `yaml:"priority"`
	Action   string            `yaml:"action"` // "block" or "tag"
	Pattern  string            `yaml:"pattern"`
	Reason   string            `yaml:"reason,omitempty"`
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// RuleHandler matches commands against a compiled pattern and applies
// the rule's action.
type RuleHandler struct {
	name     string
	priority int
	block    bool
	pattern  *regexp.Regexp
	reason   string
	metadata map[string]string
}

// NewRuleHandler compiles a policy rule into a handler.
func NewRuleHandler(rule PolicyRule) (*RuleHandler, error) {
	if rule.Name == "" {
		return nil, fmt.Errorf("policy rule is missing a name")
	}
	if rule.Pattern == "" {
		return nil, fmt.Errorf("policy rule %s is missing a pattern", rule.Name)
	}
	re, err := regexp.Compile(rule.Pattern)
	if err != nil {
		return nil, fmt.Errorf("policy rule %s has an invalid pattern: %w", rule.Name, err)
	}
	switch rule.Action {
	case "block", "tag":
	default:
		return nil, fmt.Errorf("policy rule %s has unknown action %q", rule.Name, rule.Action)
	}
	reason := rule.Reason
	if reason == "" {
		reason = fmt.Sprintf("blocked by policy rule %s", rule.Name)
	}
	return &RuleHandler{
		name:     rule.Name,
		priority: rule.Priority,
		block:    rule.Action == "block",
		pattern:  re,
		reason:   reason,
		metadata: rule.Metadata,
	}, nil
}

// Name returns the rule name.
func (h *RuleHandler) Name() string { return h.name }

// Priority returns the rule priority.
func (h *RuleHandler) Priority() int { return h.priority }

// Check applies the rule to one command.
func (h *RuleHandler) Check(_ context.Context, command string, _ map[string]string) Decision {
	if !h.pattern.MatchString(command) {
		return Allow()
	}
	if h.block {
		return Block(h.reason)
	}
	md := map[string]string{"rule": h.name}
	for k, v := range h.metadata {
		md[k] = v
	}
	return Tag(md)
}

// LoadPolicy reads a policy file into a chain. A missing file yields an
// empty chain that allows everything.
func LoadPolicy(path string) (*Chain, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewChain(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	var file PolicyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}
	chain := NewChain()
	for _, rule := range file.Rules {
		h, err := NewRuleHandler(rule)
		if err != nil {
			return nil, fmt.Errorf("policy file %s: %w", path, err)
		}
		chain.Add(h)
	}
	return chain, nil
}
