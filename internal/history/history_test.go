package history

import (
	"math"
	"testing"
	"time"
)

func TestFinalize_Elapsed(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := Running{ID: "x", StartedAt: start, Command: "ls -la", Cwd: "/home/u", Session: "sess1", Hostname: "host1"}

	rec := r.Finalize(0, Elapsed(), start.Add(2*time.Second))
	if rec.Duration != 2*time.Second {
		t.Fatalf("expected 2s, got %v", rec.Duration)
	}
	if rec.ID != r.ID || rec.Command != r.Command || rec.Cwd != r.Cwd || rec.Session != r.Session || rec.Hostname != r.Hostname {
		t.Fatalf("finalized record lost fields: %+v", rec)
	}
	if !rec.StartedAt.Equal(start) {
		t.Fatalf("start timestamp changed: %v", rec.StartedAt)
	}
}

func TestFinalize_ExplicitWins(t *testing.T) {
	start := time.Unix(1700000000, 0)
	r := Running{ID: "x", StartedAt: start}
	rec := r.Finalize(127, Explicit(1500*time.Millisecond), start.Add(time.Hour))
	if rec.Duration != 1500*time.Millisecond {
		t.Fatalf("expected explicit duration, got %v", rec.Duration)
	}
	if rec.Exit != 127 {
		t.Fatalf("expected exit 127, got %d", rec.Exit)
	}
}

func TestFinalize_ClockSkewClampsToZero(t *testing.T) {
	start := time.Unix(1700000000, 0)
	rec := Running{StartedAt: start}.Finalize(0, Elapsed(), start.Add(-time.Second))
	if rec.Duration != 0 {
		t.Fatalf("expected 0 duration under clock skew, got %v", rec.Duration)
	}
}

func TestDurationFromWire(t *testing.T) {
	tests := []struct {
		name     string
		in       uint64
		explicit bool
		want     time.Duration
	}{
		{"zero means elapsed", 0, false, 0},
		{"one nanosecond", 1, true, 1},
		{"two seconds", uint64(2 * time.Second), true, 2 * time.Second},
		{"saturates", math.MaxUint64, true, time.Duration(math.MaxInt64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DurationFromWire(tt.in)
			got, ok := d.Explicit()
			if ok != tt.explicit || got != tt.want {
				t.Fatalf("got (%v, %v), want (%v, %v)", got, ok, tt.want, tt.explicit)
			}
		})
	}
}

func TestExplicit_NegativeClamped(t *testing.T) {
	d, ok := Explicit(-time.Second).Explicit()
	if !ok || d != 0 {
		t.Fatalf("expected explicit 0, got (%v, %v)", d, ok)
	}
	if Elapsed().String() != "elapsed" {
		t.Fatalf("unexpected String(): %s", Elapsed().String())
	}
}

func TestQuery_EffectiveLimit(t *testing.T) {
	if (Query{}).EffectiveLimit() != DefaultLimit {
		t.Fatalf("expected default limit")
	}
	if (Query{Limit: 7}).EffectiveLimit() != 7 {
		t.Fatalf("expected explicit limit")
	}
}
