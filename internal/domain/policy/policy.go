// Package policy defines the declarative deployment-approval policy
// model: a root document listing approval rules, named rule definitions
// with conditions and requirements, and the recursive rule tree that
// combines them.
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Config is the root policy document. Approval is an ordered list of
// rules evaluated with OR semantics; ApprovalRules holds the named
// definitions they reference. Immutable once loaded.
type Config struct {
	Approval      []Rule      `yaml:"approval"`
	ApprovalRules []NamedRule `yaml:"approval_rules"`
}

// Rule lookup is by exact name. Duplicate names resolve to the first
// definition.
func (c *Config) Rule(name string) (*NamedRule, bool) {
	for i := range c.ApprovalRules {
		if c.ApprovalRules[i].Name == name {
			return &c.ApprovalRules[i], true
		}
	}
	return nil, false
}

// RuleKind discriminates the shapes a Rule can take in the document.
type RuleKind int

const (
	// KindInvalid marks a rule whose document shape was not recognized.
	// It evaluates to fail, never to skip.
	KindInvalid RuleKind = iota
	// KindRef is a bare string referencing a named rule.
	KindRef
	// KindAnd is an {and: [...]} group.
	KindAnd
	// KindOr is an {or: [...]} group or a bare list, which is
	// shorthand for or.
	KindOr
)

// Rule is the recursive rule tree: a reference to a named rule, an
// and-group, or an or-group. The zero value is KindInvalid.
type Rule struct {
	Kind RuleKind
	Ref  string
	And  []Rule
	Or   []Rule
}

// UnmarshalYAML decodes the tagged union. Recognized shapes:
//
//	rule-name
//	{and: [rule, ...]}
//	{or: [rule, ...]}
//	[rule, ...]
//
// Anything else decodes as KindInvalid rather than an error; the
// evaluator rejects it explicitly at evaluation time.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	*r = Rule{}

	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		r.Kind = KindRef
		r.Ref = name
		return nil

	case yaml.SequenceNode:
		var rules []Rule
		if err := node.Decode(&rules); err != nil {
			return err
		}
		r.Kind = KindOr
		r.Or = rules
		return nil

	case yaml.MappingNode:
		var group struct {
			And []Rule `yaml:"and"`
			Or  []Rule `yaml:"or"`
		}
		if err := node.Decode(&group); err != nil {
			return err
		}
		switch {
		case group.And != nil && group.Or == nil:
			r.Kind = KindAnd
			r.And = group.And
		case group.Or != nil && group.And == nil:
			r.Kind = KindOr
			r.Or = group.Or
		}
		return nil
	}

	return nil
}

// MarshalYAML re-encodes the union in its document shape, mainly so
// loaded policies round-trip in logs and debug output.
func (r Rule) MarshalYAML() (any, error) {
	switch r.Kind {
	case KindRef:
		return r.Ref, nil
	case KindAnd:
		return map[string][]Rule{"and": r.And}, nil
	case KindOr:
		return map[string][]Rule{"or": r.Or}, nil
	}
	return nil, fmt.Errorf("policy: cannot marshal invalid rule")
}

// NamedRule is a reusable named unit: optional conditions under which
// the rule applies, and an optional approval requirement. A rule with
// no If always applies; a rule with no Requires (or a count below 1)
// passes on conditions alone.
type NamedRule struct {
	Name     string       `yaml:"name"`
	If       *Condition   `yaml:"if,omitempty"`
	Requires *Requirement `yaml:"requires,omitempty"`
	Methods  *Methods     `yaml:"methods,omitempty"`
}

// Condition gates whether a named rule applies to a context. All
// present sub-conditions are AND-combined.
type Condition struct {
	RefPatterns           []string              `yaml:"ref_patterns,omitempty"`
	Environment           *EnvironmentCondition `yaml:"environment,omitempty"`
	HasValidSignaturesBy  *Principals           `yaml:"has_valid_signatures_by,omitempty"`
	OnlyHasContributorsIn *Principals           `yaml:"only_has_contributors_in,omitempty"`
}

// EnvironmentCondition is an allow/deny list matched against the
// evaluation context's environment name.
type EnvironmentCondition struct {
	Matches    []string `yaml:"matches,omitempty"`
	NotMatches []string `yaml:"not_matches,omitempty"`
}

// Principals names a membership set: explicit users, plus any member of
// the listed organizations or teams ("org/slug").
type Principals struct {
	Users         []string `yaml:"users,omitempty"`
	Organizations []string `yaml:"organizations,omitempty"`
	Teams         []string `yaml:"teams,omitempty"`
}

// Requirement is the minimum number of distinct qualifying approvals,
// drawn from the embedded membership set.
type Requirement struct {
	Count      int `yaml:"count"`
	Principals `yaml:",inline"`
}

// Methods controls which review signals count toward a requirement.
// When absent, an "approved" review state counts and nothing else does.
type Methods struct {
	GithubReview                *bool    `yaml:"github_review,omitempty"`
	GithubReviewCommentPatterns []string `yaml:"github_review_comment_patterns,omitempty"`
}

// ReviewEnabled reports whether an approved review state counts.
// Defaults to true when methods or the flag are absent.
func (m *Methods) ReviewEnabled() bool {
	if m == nil || m.GithubReview == nil {
		return true
	}
	return *m.GithubReview
}

// CommentPatterns returns the comment-body patterns, if any.
func (m *Methods) CommentPatterns() []string {
	if m == nil {
		return nil
	}
	return m.GithubReviewCommentPatterns
}
