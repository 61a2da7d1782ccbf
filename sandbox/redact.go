package sandbox

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// RedactedPlaceholder replaces every secret found in text
const RedactedPlaceholder = "[REDACTED]"

type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Rules with a capture group keep the group (the key or scheme) and replace
// only the secret that follows it.
var defaultRedactRules = []redactRule{
	{regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{16,}`), RedactedPlaceholder},
	{regexp.MustCompile(`\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{20,}`), RedactedPlaceholder},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`), RedactedPlaceholder},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), RedactedPlaceholder},
	{regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9\-]{10,}`), RedactedPlaceholder},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`), RedactedPlaceholder},
	{regexp.MustCompile(`(?i)(\bbearer\s+)[A-Za-z0-9._~+/\-]+=*`), "${1}" + RedactedPlaceholder},
	{regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`), "${1}" + RedactedPlaceholder + "@"},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|access[_-]?key|secret|token|password|passwd)["']?\s*[:=]\s*["']?)[^\s"'&,;]+`), "${1}" + RedactedPlaceholder},
}

// Redactor masks secret-shaped substrings before text reaches a log sink or
// a caller.
type Redactor struct {
	rules    []redactRule
	literals []string
}

// NewRedactor returns a Redactor with the built-in secret patterns. Literal
// values, such as configured tokens, are masked wherever they appear.
func NewRedactor(literals ...string) *Redactor {
	r := &Redactor{rules: defaultRedactRules}
	for _, l := range literals {
		// very short literals would mask ordinary words
		if len(l) >= 6 {
			r.literals = append(r.literals, l)
		}
	}
	// longest first so a secret containing another is masked whole
	sort.Slice(r.literals, func(i, j int) bool { return len(r.literals[i]) > len(r.literals[j]) })
	return r
}

// Redact returns s with every recognized secret replaced
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	for _, l := range r.literals {
		s = strings.ReplaceAll(s, l, RedactedPlaceholder)
	}
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}

var defaultRedactor = NewRedactor()

// Redact masks secrets in s using the built-in patterns
func Redact(s string) string {
	return defaultRedactor.Redact(s)
}

// RedactedError is zap.Error with the message passed through Redact
func RedactedError(err error) zap.Field {
	if err == nil {
		return zap.Skip()
	}
	return zap.String("error", Redact(err.Error()))
}
