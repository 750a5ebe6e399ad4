package rules

import (
	"fmt"
	"strings"
)

// Severity orders alerts: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns 1..4 for known severities and 0 otherwise.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether s ranks at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank() && s.Rank() > 0
}

// ParseSeverity validates a severity name.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// SeverityBand maps an operand range to a severity.
type SeverityBand struct {
	Severity Severity
	Op       CompareOp
	Value    float64
}

// SeverityFunc derives an alert's severity from the snapshot. Bands are checked in
// order and the first match wins.
type SeverityFunc struct {
	Operand *Operand
	Bands   []SeverityBand
	Default Severity
}

// Resolve returns the severity for env. An unusable operand yields Default.
func (f SeverityFunc) Resolve(env *Env) Severity {
	if f.Operand == nil || len(f.Bands) == 0 {
		return f.Default
	}
	v, ok, err := f.Operand.Resolve(env)
	if err != nil || !ok {
		return f.Default
	}
	for _, b := range f.Bands {
		if b.Op.Apply(v, b.Value) {
			return b.Severity
		}
	}
	return f.Default
}

func (f SeverityFunc) validate() error {
	if f.Default.Rank() == 0 {
		return fmt.Errorf("severity: default %q is not a known severity", f.Default)
	}
	if len(f.Bands) > 0 && f.Operand == nil {
		return fmt.Errorf("severity: bands require an operand")
	}
	for _, b := range f.Bands {
		if b.Severity.Rank() == 0 {
			return fmt.Errorf("severity: band severity %q is not known", b.Severity)
		}
		if !b.Op.valid() {
			return fmt.Errorf("severity: band operator %q is not known", b.Op)
		}
	}
	if f.Operand != nil {
		return f.Operand.validate()
	}
	return nil
}
