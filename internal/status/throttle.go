package status

import (
	"fmt"
	"math"
)

// PercentStep is the minimum advance, in percentage points, between two
// emitted percentage lines.
const PercentStep = 5

// Progress is a single callback from a pipeline: either a named phase (a file
// being fetched) or a fractional completion value.
type Progress struct {
	Name     string
	Fraction *float64
}

// Fraction is a helper for building Progress values.
func Fraction(f float64) Progress {
	return Progress{Fraction: &f}
}

// Phase is a helper for building Progress values.
func Phase(name string) Progress {
	return Progress{Name: name}
}

// Throttle forwards progress to a Reporter, emitting a phase line only when
// the phase name changes and a percentage line only after it has advanced by
// PercentStep points. Not safe for concurrent use; one per operation.
type Throttle struct {
	reporter Reporter
	label    string
	lastName string
	lastPct  int
}

// NewThrottle returns a throttle whose percentage lines read "<label> N%".
func NewThrottle(reporter Reporter, label string) *Throttle {
	if reporter == nil {
		reporter = Discard
	}
	return &Throttle{reporter: reporter, label: label, lastPct: -PercentStep}
}

func (t *Throttle) Observe(p Progress) {
	if p.Name != "" {
		if t.lastName != p.Name {
			t.lastName = p.Name
			t.reporter.Report(fmt.Sprintf("fetching: %s", p.Name))
		}
		return
	}
	if p.Fraction == nil || math.IsNaN(*p.Fraction) || math.IsInf(*p.Fraction, 0) {
		return
	}
	pct := int(math.Min(100, math.Round(*p.Fraction*100)))
	if pct-t.lastPct >= PercentStep {
		t.lastPct = pct
		t.reporter.Report(fmt.Sprintf("%s %d%%", t.label, pct))
	}
}
