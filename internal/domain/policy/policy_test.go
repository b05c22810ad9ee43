package policy

import (
	"testing"

	"gopkg.in/yaml.v3"
)

const sampleDoc = `
approval:
  - protected_branches
  - and:
      - maintainer_review
      - or:
          - signed_commits
          - trusted_contributors
approval_rules:
  - name: protected_branches
    if:
      ref_patterns:
        - refs/heads/main
        - refs/heads/release/*
  - name: maintainer_review
    requires:
      count: 1
      teams:
        - acme/maintainers
    methods:
      github_review: true
      github_review_comment_patterns:
        - "/^LGTM/"
  - name: signed_commits
    if:
      has_valid_signatures_by:
        organizations:
          - acme
  - name: trusted_contributors
    if:
      only_has_contributors_in:
        users:
          - alice
          - bob
`

func TestParseDocument(t *testing.T) {
	cfg, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Approval) != 2 {
		t.Fatalf("expected 2 approval entries, got %d", len(cfg.Approval))
	}

	first := cfg.Approval[0]
	if first.Kind != KindRef || first.Ref != "protected_branches" {
		t.Errorf("expected ref rule, got kind=%v ref=%q", first.Kind, first.Ref)
	}

	second := cfg.Approval[1]
	if second.Kind != KindAnd || len(second.And) != 2 {
		t.Fatalf("expected and-group of 2, got kind=%v len=%d", second.Kind, len(second.And))
	}
	nested := second.And[1]
	if nested.Kind != KindOr || len(nested.Or) != 2 {
		t.Errorf("expected nested or-group of 2, got kind=%v len=%d", nested.Kind, len(nested.Or))
	}

	rule, ok := cfg.Rule("maintainer_review")
	if !ok {
		t.Fatal("maintainer_review not found")
	}
	if rule.Requires == nil || rule.Requires.Count != 1 {
		t.Error("expected requires.count == 1")
	}
	if len(rule.Requires.Teams) != 1 || rule.Requires.Teams[0] != "acme/maintainers" {
		t.Errorf("unexpected teams: %v", rule.Requires.Teams)
	}
	if !rule.Methods.ReviewEnabled() {
		t.Error("expected github_review enabled")
	}
	if len(rule.Methods.CommentPatterns()) != 1 {
		t.Errorf("unexpected comment patterns: %v", rule.Methods.CommentPatterns())
	}
}

func TestParseBareListISOrGroup(t *testing.T) {
	doc := `
approval:
  - - rule_a
    - rule_b
approval_rules:
  - name: rule_a
  - name: rule_b
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Approval) != 1 {
		t.Fatalf("expected 1 approval entry, got %d", len(cfg.Approval))
	}
	got := cfg.Approval[0]
	if got.Kind != KindOr || len(got.Or) != 2 {
		t.Errorf("bare list should decode as or-group, got kind=%v len=%d", got.Kind, len(got.Or))
	}
}

func TestParseUnrecognizedShape(t *testing.T) {
	// a mapping carrying both and/or, or neither, is not a valid rule
	docs := []string{
		"approval:\n  - {and: [a], or: [b]}\n",
		"approval:\n  - {nand: [a]}\n",
	}
	for _, doc := range docs {
		cfg, err := Parse([]byte(doc))
		if err != nil {
			t.Fatalf("parse should tolerate unrecognized shapes: %v", err)
		}
		if cfg.Approval[0].Kind != KindInvalid {
			t.Errorf("doc %q: expected KindInvalid, got %v", doc, cfg.Approval[0].Kind)
		}
	}
}

func TestParseRequiresRuleName(t *testing.T) {
	doc := "approval: []\napproval_rules:\n  - requires: {count: 1}\n"
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatal("expected error for unnamed rule")
	}
}

func TestDuplicateRuleNamesFirstMatch(t *testing.T) {
	doc := `
approval: [dup]
approval_rules:
  - name: dup
    requires: {count: 1}
  - name: dup
    requires: {count: 5}
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	rule, ok := cfg.Rule("dup")
	if !ok {
		t.Fatal("dup not found")
	}
	if rule.Requires.Count != 1 {
		t.Errorf("duplicate names must resolve first-match, got count=%d", rule.Requires.Count)
	}
}

func TestRuleRoundTrip(t *testing.T) {
	rule := Rule{Kind: KindAnd, And: []Rule{
		{Kind: KindRef, Ref: "a"},
		{Kind: KindOr, Or: []Rule{{Kind: KindRef, Ref: "b"}}},
	}}

	out, err := yaml.Marshal(rule)
	if err != nil {
		t.Fatal(err)
	}

	var back Rule
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != KindAnd || len(back.And) != 2 || back.And[0].Ref != "a" {
		t.Errorf("round trip lost structure: %+v", back)
	}
}

func TestMethodsDefaults(t *testing.T) {
	var m *Methods
	if !m.ReviewEnabled() {
		t.Error("nil methods should default to github_review enabled")
	}
	if m.CommentPatterns() != nil {
		t.Error("nil methods should have no comment patterns")
	}

	off := false
	m = &Methods{GithubReview: &off}
	if m.ReviewEnabled() {
		t.Error("explicit false should disable github_review")
	}
}
