package conflict

import (
	"fmt"
	"time"

	"quietcal/internal/model"
)

// SeverityRule maps an overlap fraction (overlap / event duration) to a
// severity. Rules are checked top to bottom.
type SeverityRule struct {
	MinFraction float64        `yaml:"min_fraction" json:"min_fraction"`
	Severity    model.Severity `yaml:"severity" json:"severity"`
}

// Policy is an ordered severity table. Anything below the last rule with at
// least one minute of overlap is low.
type Policy []SeverityRule

func DefaultPolicy() Policy {
	return Policy{
		{MinFraction: 0.5, Severity: model.SeverityHigh},
		{MinFraction: 0.25, Severity: model.SeverityMedium},
	}
}

// Validate checks the table keeps severity monotonic in overlap fraction:
// fractions strictly descending, severities never rising further down.
func (p Policy) Validate() error {
	for i, r := range p {
		if r.Severity.Rank() == 0 {
			return fmt.Errorf("severity rule %d: unknown severity %q", i, r.Severity)
		}
		if r.MinFraction <= 0 || r.MinFraction > 1 {
			return fmt.Errorf("severity rule %d: min_fraction %v outside (0,1]", i, r.MinFraction)
		}
		if i == 0 {
			continue
		}
		prev := p[i-1]
		if r.MinFraction >= prev.MinFraction {
			return fmt.Errorf("severity rule %d: min_fraction %v not below %v", i, r.MinFraction, prev.MinFraction)
		}
		if r.Severity.Rank() > prev.Severity.Rank() {
			return fmt.Errorf("severity rule %d: %s ranks above preceding %s", i, r.Severity, prev.Severity)
		}
	}
	return nil
}

// Classify returns the severity for overlapMinutes of an event lasting dur.
func (p Policy) Classify(overlapMinutes int, dur time.Duration) model.Severity {
	if overlapMinutes <= 0 {
		return ""
	}
	total := dur.Minutes()
	fraction := 1.0
	if total > 0 {
		fraction = float64(overlapMinutes) / total
	}
	for _, r := range p {
		if fraction >= r.MinFraction {
			return r.Severity
		}
	}
	return model.SeverityLow
}
