package bus

import (
	"fmt"
	"strings"
)

// Match reports whether subject matches pattern. Tokens are compared left to
// right; `*` matches exactly one token and a final `>` matches one or more
// remaining tokens.
func Match(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// ValidatePattern checks subscription pattern syntax.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty subject pattern")
	}
	tokens := strings.Split(pattern, ".")
	for i, tok := range tokens {
		switch {
		case tok == "":
			return fmt.Errorf("subject pattern %q has an empty token at position %d", pattern, i)
		case tok == ">":
			if i != len(tokens)-1 {
				return fmt.Errorf("subject pattern %q: '>' must be the final token", pattern)
			}
		case tok == "*":
		case strings.ContainsAny(tok, "*> \t\r\n"):
			return fmt.Errorf("subject pattern %q: wildcard characters must form a whole token", pattern)
		}
	}
	return nil
}

// ValidateSubject checks a concrete publish subject: no wildcards, no empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("empty subject")
	}
	for i, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("subject %q has an empty token at position %d", subject, i)
		}
		if strings.ContainsAny(tok, "*> \t\r\n") {
			return fmt.Errorf("subject %q contains wildcard or whitespace characters", subject)
		}
	}
	return nil
}

// Token turns an arbitrary string into a single subject token by replacing
// separators, wildcards and whitespace with '_'.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Join builds a subject from tokens, skipping empty ones.
func Join(tokens ...string) string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, ".")
}
