// Package pattern compiles the URL patterns used by the cache-rule engine
// and the bot rule registry.
//
// Two forms are supported:
//
//   - Literal with wildcards: "/admin/*" — compiled to an anchored pattern
//     where each * matches any sequence of characters, case-insensitive.
//     Example: "/blog/*" matches "/blog/2024/post" but not "/en/blog/x".
//
//   - Slash-delimited regexp: "/^\/docs\/v[0-9]+/" — the text between the
//     delimiters is compiled verbatim as a regular expression.
//
// Patterns are compiled once at configuration load; Match is safe for
// concurrent use.
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the two pattern forms.
type Kind int

const (
	KindLiteral Kind = iota
	KindRegexp
)

// Pattern is a compiled pattern ready for matching.
type Pattern struct {
	Original string
	Kind     Kind
	re       *regexp.Regexp
}

// IsRegexpLiteral reports whether raw uses the slash-delimited regexp form.
func IsRegexpLiteral(raw string) bool {
	return len(raw) > 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/") &&
		strings.ContainsAny(raw[1:len(raw)-1], `\^$.|?+()[]{}`)
}

// Compile pre-compiles a single pattern.
func Compile(raw string) (*Pattern, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("pattern cannot be empty")
	}

	p := &Pattern{Original: raw}

	if IsRegexpLiteral(raw) {
		re, err := regexp.Compile(raw[1 : len(raw)-1])
		if err != nil {
			return nil, fmt.Errorf("invalid regexp pattern %q: %w", raw, err)
		}
		p.Kind = KindRegexp
		p.re = re
		return p, nil
	}

	// Literal with * wildcards: escape everything else, anchor both ends.
	var sb strings.Builder
	sb.WriteString("(?i)^")
	for i, part := range strings.Split(raw, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid wildcard pattern %q: %w", raw, err)
	}
	p.Kind = KindLiteral
	p.re = re
	return p, nil
}

// CompileAll compiles a list of patterns, skipping empty entries.
func CompileAll(raw []string) ([]*Pattern, error) {
	compiled := make([]*Pattern, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		p, err := Compile(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, p)
	}
	return compiled, nil
}

// Match tests input against the compiled pattern.
func (p *Pattern) Match(input string) bool {
	if p == nil || p.re == nil {
		return false
	}
	return p.re.MatchString(input)
}

// MatchAny tests input against each pattern and returns the first match.
func MatchAny(patterns []*Pattern, input string) (*Pattern, bool) {
	for _, p := range patterns {
		if p.Match(input) {
			return p, true
		}
	}
	return nil, false
}

// ContainsAny reports whether input contains any of the given substrings,
// case-insensitively. Used for the renderer's path-fragment blocklist where
// anchoring would be wrong.
func ContainsAny(input string, fragments []string) bool {
	lower := strings.ToLower(input)
	for _, f := range fragments {
		if f == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
