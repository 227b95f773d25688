package finding

import "fmt"

// Severity is an ordered classification of how serious a finding is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRanks orders severities for comparison and sorting.
// Higher rank means more severe.
var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordering rank of the severity. Unknown severities rank 0,
// below SeverityLow, so malformed input never outranks a real severity.
func (s Severity) Rank() int {
	return severityRanks[s]
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRanks[s]
	return ok
}

// AtMost reports whether s is no more severe than ceiling.
func (s Severity) AtMost(ceiling Severity) bool {
	return s.Rank() <= ceiling.Rank()
}

// ParseSeverity parses a severity string.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity: %q", s)
	}
	return sev, nil
}
