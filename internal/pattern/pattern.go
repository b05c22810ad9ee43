// Package pattern turns policy-author-supplied strings into matching
// predicates. A pattern of the form /expr/flags is a regular
// expression; anything not starting with / is a case-insensitive glob
// where * and ? are the only metacharacters.
package pattern

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Error reports a pattern that could not be compiled. A malformed
// pattern is an operator error in the policy document, so callers must
// abort the evaluation rather than swallow it.
type Error struct {
	Pattern string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pattern: invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// regexForm captures /expr/flags. The flag set mirrors what policy
// authors write for host-side regexes; only i, m, and s change matching
// behavior here (g is a repetition hint, u/y/d have no equivalent).
var regexForm = regexp.MustCompile(`(?s)^/(.*)/([gimsuyd]*)$`)

// Match reports whether value matches pattern.
//
// Explicit regex patterns match with search semantics: callers needing
// a full-string match must anchor inside the pattern. Glob patterns
// are anchored and case-insensitive.
//
// A leading / always means the author intended a regex, so a pattern
// like "/[" with no closing delimiter is an error, not a glob that can
// never match.
func Match(value, pattern string) (bool, error) {
	if strings.HasPrefix(pattern, "/") {
		m := regexForm.FindStringSubmatch(pattern)
		if m == nil {
			return false, &Error{Pattern: pattern, Err: errors.New("missing closing / delimiter")}
		}
		return matchRegex(value, pattern, m[1], m[2])
	}
	return matchGlob(value, pattern)
}

// MatchAny reports whether value matches at least one pattern. It
// stops at the first match but still fails fast on a malformed pattern.
func MatchAny(value string, patterns []string) (bool, error) {
	for _, p := range patterns {
		ok, err := Match(value, p)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchRegex(value, pattern, expr, flags string) (bool, error) {
	if mods := goFlags(flags); mods != "" {
		expr = "(?" + mods + ")" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return false, &Error{Pattern: pattern, Err: err}
	}
	return re.MatchString(value), nil
}

func goFlags(flags string) string {
	var mods strings.Builder
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			if !strings.ContainsRune(mods.String(), f) {
				mods.WriteRune(f)
			}
		}
	}
	return mods.String()
}

func matchGlob(value, pattern string) (bool, error) {
	var expr strings.Builder
	expr.WriteString("(?i)^")
	for _, r := range pattern {
		switch r {
		case '*':
			expr.WriteString(".*")
		case '?':
			expr.WriteString(".")
		default:
			expr.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	expr.WriteString("$")

	re, err := regexp.Compile(expr.String())
	if err != nil {
		return false, &Error{Pattern: pattern, Err: err}
	}
	return re.MatchString(value), nil
}
