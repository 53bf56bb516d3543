package policy

import (
	"regexp"
	"strings"
)

// Detector family names, recorded in audit logs and metrics when a
// detector fires.
const (
	DetectorScriptInjection = "script_injection"
	DetectorSQLMeta         = "sql_metacharacters"
	DetectorPathTraversal   = "path_traversal"
)

// Detector is a named predicate over a free-text field. Detectors are
// independent so each family can be tested and extended on its own.
type Detector struct {
	// Name is the detector family, used for audit and metrics labels.
	Name string

	// Match reports whether the input trips this detector.
	Match func(s string) bool
}

// scriptPattern matches HTML/JS injection: script/iframe tags, inline
// event handlers, and javascript: URLs.
var scriptPattern = regexp.MustCompile(`(?i)<\s*(script|iframe|object|embed|img|svg)\b|javascript\s*:|on(error|load|click|mouseover)\s*=`)

// sqlMetaPattern matches relational-query metacharacter sequences:
// comment markers, statement chaining into keywords, and the classic
// quote-OR-quote tautology shape.
var sqlMetaPattern = regexp.MustCompile(`(?i)(--|/\*|\*/|;\s*(drop|delete|insert|update|alter|create|truncate)\b|\bunion\s+(all\s+)?select\b|'\s*(or|and)\s*'?[^']*'?\s*=)`)

// traversalPattern matches filesystem escape sequences, including
// percent- and backslash-encoded variants.
var traversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f|%2e%2e%5c)`)

// absolutePathPrefixes are path roots that should never appear in a query.
var absolutePathPrefixes = []string{"/etc/", "/proc/", "/sys/", "/var/", "c:\\", "c:/"}

// DefaultDetectors returns the three detector families in scan order.
func DefaultDetectors() []Detector {
	return []Detector{
		{Name: DetectorScriptInjection, Match: matchScriptInjection},
		{Name: DetectorSQLMeta, Match: matchSQLMeta},
		{Name: DetectorPathTraversal, Match: matchPathTraversal},
	}
}

func matchScriptInjection(s string) bool {
	return scriptPattern.MatchString(s)
}

func matchSQLMeta(s string) bool {
	return sqlMetaPattern.MatchString(s)
}

func matchPathTraversal(s string) bool {
	if traversalPattern.MatchString(s) {
		return true
	}
	lower := strings.ToLower(s)
	for _, prefix := range absolutePathPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}
