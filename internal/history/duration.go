package history

import (
	"math"
	"time"
)

// Duration is the caller's choice for a finalized command's duration:
// either an explicit value or "measure from the start timestamp".
// The zero value measures elapsed time.
type Duration struct {
	d        time.Duration
	explicit bool
}

// Elapsed asks for the duration to be computed as now - start.
func Elapsed() Duration { return Duration{} }

// Explicit uses d verbatim. Negative values are clamped to zero.
func Explicit(d time.Duration) Duration {
	if d < 0 {
		d = 0
	}
	return Duration{d: d, explicit: true}
}

// DurationFromWire maps the RPC encoding, where 0 means "compute from
// elapsed wall clock time", onto a Duration.
func DurationFromWire(ns uint64) Duration {
	if ns == 0 {
		return Elapsed()
	}
	if ns > math.MaxInt64 {
		ns = math.MaxInt64
	}
	return Explicit(time.Duration(ns))
}

// Explicit reports the caller-supplied value, if any.
func (d Duration) Explicit() (time.Duration, bool) { return d.d, d.explicit }

func (d Duration) String() string {
	if !d.explicit {
		return "elapsed"
	}
	return d.d.String()
}
