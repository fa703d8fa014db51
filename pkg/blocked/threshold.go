// Threshold evaluation: maps a measured poll duration to a severity.
// Thresholds are immutable values built once and shared read-only.
package blocked

import (
	"time"
)

// Severity classifies a measured poll.
type Severity int

// Severities in increasing order.
const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarn
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "NONE"
	case SeverityInfo:
		return "INFO"
	case SeverityWarn:
		return "WARN"
	default:
		return "UNKNOWN"
	}
}

// Check names.
const (
	CheckBusySinglePoll     = "busy_single_poll"
	CheckInfoBusySinglePoll = "info_busy_single_poll"
)

// DefaultBusySinglePoll is the warning threshold used by DefaultThresholds.
const DefaultBusySinglePoll = 150 * time.Microsecond

// Check is one named threshold. A poll lasting at least Threshold is
// classified at Severity.
type Check struct {
	Name      string
	Threshold time.Duration
	Severity  Severity
}

// Verdict is the result of evaluating a poll duration.
type Verdict struct {
	Severity  Severity
	Check     string
	Threshold time.Duration
}

// Thresholds holds the enabled checks. The zero value disables every check.
// Builder methods return modified copies and never mutate the receiver.
type Thresholds struct {
	checks []Check
}

// DefaultThresholds warns on polls of DefaultBusySinglePoll or longer.
func DefaultThresholds() Thresholds {
	return Thresholds{}.WithBusySinglePoll(DefaultBusySinglePoll)
}

// WithBusySinglePoll enables the warning check for single polls.
func (t Thresholds) WithBusySinglePoll(d time.Duration) Thresholds {
	return t.with(Check{Name: CheckBusySinglePoll, Threshold: d, Severity: SeverityWarn})
}

// WithoutBusySinglePoll disables the warning check for single polls.
func (t Thresholds) WithoutBusySinglePoll() Thresholds {
	return t.without(CheckBusySinglePoll)
}

// WithInfoSinglePoll enables an informational check for single polls,
// typically set below the warning threshold.
func (t Thresholds) WithInfoSinglePoll(d time.Duration) Thresholds {
	return t.with(Check{Name: CheckInfoBusySinglePoll, Threshold: d, Severity: SeverityInfo})
}

// WithoutInfoSinglePoll disables the informational check.
func (t Thresholds) WithoutInfoSinglePoll() Thresholds {
	return t.without(CheckInfoBusySinglePoll)
}

// Checks returns a copy of the enabled checks.
func (t Thresholds) Checks() []Check {
	return append([]Check(nil), t.checks...)
}

// Enabled reports whether any check is enabled.
func (t Thresholds) Enabled() bool {
	return len(t.checks) > 0
}

func (t Thresholds) with(c Check) Thresholds {
	if c.Threshold < 0 {
		c.Threshold = 0
	}
	out := make([]Check, 0, len(t.checks)+1)
	replaced := false
	for _, existing := range t.checks {
		if existing.Name == c.Name {
			out = append(out, c)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, c)
	}
	return Thresholds{checks: out}
}

func (t Thresholds) without(name string) Thresholds {
	out := make([]Check, 0, len(t.checks))
	for _, c := range t.checks {
		if c.Name != name {
			out = append(out, c)
		}
	}
	return Thresholds{checks: out}
}

// Check evaluates every enabled check and returns the most severe match.
// Negative durations are treated as zero.
func (t Thresholds) Check(elapsed time.Duration) Verdict {
	if elapsed < 0 {
		elapsed = 0
	}
	var v Verdict
	for _, c := range t.checks {
		if elapsed >= c.Threshold && c.Severity > v.Severity {
			v = Verdict{Severity: c.Severity, Check: c.Name, Threshold: c.Threshold}
		}
	}
	return v
}

// Evaluate classifies elapsed against t.
func Evaluate(elapsed time.Duration, t Thresholds) Severity {
	return t.Check(elapsed).Severity
}
