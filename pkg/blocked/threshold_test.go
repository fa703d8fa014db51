// Tests for threshold evaluation and the Thresholds builder.
package blocked

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestEvaluateBusySinglePoll(t *testing.T) {
	t.Parallel()

	th := Thresholds{}.WithBusySinglePoll(150 * time.Microsecond)

	tests := []struct {
		name    string
		elapsed time.Duration
		want    Severity
	}{
		{"well below", 50 * time.Microsecond, SeverityNone},
		{"just below", 150*time.Microsecond - 1, SeverityNone},
		{"equal counts as exceeding", 150 * time.Microsecond, SeverityWarn},
		{"far above", 2_000_394_057 * time.Nanosecond, SeverityWarn},
		{"negative clamps to zero", -time.Second, SeverityNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.elapsed, th))
		})
	}
}

func TestEvaluateDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []time.Duration{0, time.Nanosecond, time.Hour, math.MaxInt64} {
		assert.Equal(t, SeverityNone, Evaluate(d, Thresholds{}))
	}
	assert.False(t, Thresholds{}.Enabled())
}

func TestZeroThresholdFlagsEveryPoll(t *testing.T) {
	t.Parallel()

	th := Thresholds{}.WithBusySinglePoll(0)
	assert.Equal(t, SeverityWarn, Evaluate(0, th))
	assert.Equal(t, SeverityWarn, Evaluate(-time.Millisecond, th), "negative elapsed is clamped, not ignored")
}

func TestNegativeThresholdClamped(t *testing.T) {
	t.Parallel()

	th := Thresholds{}.WithBusySinglePoll(-time.Second)
	checks := th.Checks()
	assert.Len(t, checks, 1)
	assert.Equal(t, time.Duration(0), checks[0].Threshold)
}

func TestHighestSeverityWins(t *testing.T) {
	t.Parallel()

	th := Thresholds{}.
		WithInfoSinglePoll(50 * time.Microsecond).
		WithBusySinglePoll(150 * time.Microsecond)

	assert.Equal(t, SeverityNone, Evaluate(10*time.Microsecond, th))
	assert.Equal(t, SeverityInfo, Evaluate(100*time.Microsecond, th))

	v := th.Check(time.Millisecond)
	assert.Equal(t, SeverityWarn, v.Severity)
	assert.Equal(t, CheckBusySinglePoll, v.Check)
	assert.Equal(t, 150*time.Microsecond, v.Threshold)
}

func TestInfoAboveWarnStillPrefersWarn(t *testing.T) {
	t.Parallel()

	th := Thresholds{}.
		WithBusySinglePoll(time.Millisecond).
		WithInfoSinglePoll(10 * time.Millisecond)

	assert.Equal(t, SeverityWarn, Evaluate(20*time.Millisecond, th))
}

func TestThresholdsBuilderDoesNotMutate(t *testing.T) {
	t.Parallel()

	base := DefaultThresholds()
	changed := base.WithBusySinglePoll(time.Second)
	disabled := base.WithoutBusySinglePoll()

	assert.Equal(t, SeverityWarn, Evaluate(DefaultBusySinglePoll, base))
	assert.Equal(t, SeverityNone, Evaluate(DefaultBusySinglePoll, changed))
	assert.Equal(t, SeverityNone, Evaluate(time.Hour, disabled))
	assert.Len(t, changed.Checks(), 1, "re-enabling a check replaces it")

	info := base.WithInfoSinglePoll(time.Microsecond).WithoutInfoSinglePoll()
	assert.Equal(t, base.Checks(), info.Checks())
}

func TestSeverityString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "NONE", SeverityNone.String())
	assert.Equal(t, "INFO", SeverityInfo.String())
	assert.Equal(t, "WARN", SeverityWarn.String())
	assert.Equal(t, "UNKNOWN", Severity(42).String())
}

var genDuration = rapid.Custom(func(t *rapid.T) time.Duration {
	return time.Duration(rapid.Int64Range(-int64(time.Second), int64(10*time.Second)).Draw(t, "ns"))
})

func genThresholds(t *rapid.T) Thresholds {
	th := Thresholds{}
	if rapid.Bool().Draw(t, "warn") {
		th = th.WithBusySinglePoll(genDuration.Draw(t, "warnAt"))
	}
	if rapid.Bool().Draw(t, "info") {
		th = th.WithInfoSinglePoll(genDuration.Draw(t, "infoAt"))
	}
	return th
}

func TestPropertyEvaluateMonotonic(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		th := genThresholds(t)
		a := genDuration.Draw(t, "a")
		b := genDuration.Draw(t, "b")
		if a > b {
			a, b = b, a
		}
		if Evaluate(a, th) > Evaluate(b, th) {
			t.Fatalf("severity decreased from %s to %s", a, b)
		}
	})
}

func TestPropertyEvaluateIdempotentConstruction(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		warn := genDuration.Draw(t, "warn")
		elapsed := genDuration.Draw(t, "elapsed")
		first := Thresholds{}.WithBusySinglePoll(warn)
		second := Thresholds{}.WithBusySinglePoll(warn)
		if first.Check(elapsed) != second.Check(elapsed) {
			t.Fatalf("identical thresholds disagree at %s", elapsed)
		}
	})
}

func TestPropertyDisabledNeverFires(t *testing.T) {
	t.Parallel()
	rapid.Check(t, func(t *rapid.T) {
		elapsed := time.Duration(rapid.Int64().Draw(t, "elapsed"))
		if Evaluate(elapsed, DefaultThresholds().WithoutBusySinglePoll()) != SeverityNone {
			t.Fatalf("disabled thresholds fired at %s", elapsed)
		}
	})
}
