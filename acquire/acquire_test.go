package acquire_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/comm"
	"github.com/navlab/ratetable/util"
)

// fakeQuerier returns a fixed ramp of positions and can inject timeouts.
// It also asserts that queries never overlap.
type fakeQuerier struct {
	t        *testing.T
	inFlight int32
	calls    int32
	latency  time.Duration

	// timeoutAt maps call number (1-based) to a forced timeout
	timeoutAt map[int]bool

	// positions overrides the ramp when non-nil, keyed by call number
	positions map[int]float64
}

func (q *fakeQuerier) QueryPosition() (float64, error) {
	if atomic.AddInt32(&q.inFlight, 1) != 1 {
		q.t.Error("overlapping position queries")
	}
	defer atomic.AddInt32(&q.inFlight, -1)
	n := int(atomic.AddInt32(&q.calls, 1))
	if q.latency > 0 {
		time.Sleep(q.latency)
	}
	if q.timeoutAt[n] {
		return 0, comm.ErrTimeout
	}
	if v, ok := q.positions[n]; ok {
		return v, nil
	}
	return float64(n) * 0.01, nil
}

func TestRunTickCount(t *testing.T) {
	q := &fakeQuerier{t: t}
	l := acquire.Loop{Period: 10 * time.Millisecond, Duration: 95 * time.Millisecond}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := acquire.Ticks(l.Period, l.Duration) // floor(95/10)+1 = 10
	if want != 10 {
		t.Fatalf("Ticks arithmetic broken: %d", want)
	}
	if len(series.Samples) != want {
		t.Errorf("expected %d samples, got %d", want, len(series.Samples))
	}
	if series.Gaps != 0 {
		t.Errorf("expected no gaps, got %d", series.Gaps)
	}
}

func TestRunTickCountExactMultiple(t *testing.T) {
	// a duration that divides evenly by the period includes the boundary
	// tick: 100ms at 10ms is 11 samples, not 10
	q := &fakeQuerier{t: t}
	l := acquire.Loop{Period: 10 * time.Millisecond, Duration: 100 * time.Millisecond}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := acquire.Ticks(l.Period, l.Duration)
	if want != 11 {
		t.Fatalf("Ticks arithmetic broken: %d", want)
	}
	if len(series.Samples) != want {
		t.Errorf("expected %d samples, got %d", want, len(series.Samples))
	}
}

func TestTicksArithmetic(t *testing.T) {
	cases := []struct {
		period, duration time.Duration
		want             int
	}{
		{8 * time.Millisecond, 660 * time.Second, 82501},
		{200 * time.Millisecond, 180 * time.Second, 901},
		{10 * time.Millisecond, 95 * time.Millisecond, 10},
		{0, time.Second, 0},
	}
	for _, tc := range cases {
		if got := acquire.Ticks(tc.period, tc.duration); got != tc.want {
			t.Errorf("Ticks(%v, %v) = %d, want %d", tc.period, tc.duration, got, tc.want)
		}
	}
}

func TestDeadlineShorterThanPeriodReportsError(t *testing.T) {
	// the limiter refuses to wait past the context deadline before the
	// deadline itself fires; the truncated run must not look completed
	q := &fakeQuerier{t: t}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	l := acquire.Loop{Period: 10 * time.Second, Duration: time.Minute}
	series, err := l.Run(ctx, q)
	if err == nil {
		t.Fatal("expected an error for a truncated run")
	}
	if len(series.Samples) != 1 {
		t.Errorf("expected only the t=0 sample, got %d", len(series.Samples))
	}
}

func TestTimestampsStrictlyIncreasing(t *testing.T) {
	q := &fakeQuerier{t: t}
	l := acquire.Loop{Period: 5 * time.Millisecond, Duration: 80 * time.Millisecond}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 1; i < len(series.Samples); i++ {
		if series.Samples[i].T <= series.Samples[i-1].T {
			t.Fatalf("timestamps not strictly increasing at %d: %v then %v",
				i, series.Samples[i-1].T, series.Samples[i].T)
		}
	}
}

func TestTimeoutRetriedWithinTick(t *testing.T) {
	// call 3 times out once; with one retry the tick still yields a sample
	q := &fakeQuerier{t: t, timeoutAt: map[int]bool{3: true}}
	l := acquire.Loop{Period: 10 * time.Millisecond, Duration: 45 * time.Millisecond, Retries: 1}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Gaps != 0 {
		t.Errorf("expected retry to absorb the timeout, got %d gaps", series.Gaps)
	}
}

func TestExhaustedRetriesBecomeGap(t *testing.T) {
	// calls 2,3,4 all time out: tick 2's budget of 1+2 queries is exhausted
	q := &fakeQuerier{t: t, timeoutAt: map[int]bool{2: true, 3: true, 4: true}}
	l := acquire.Loop{Period: 10 * time.Millisecond, Duration: 45 * time.Millisecond, Retries: 2}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Gaps != 1 {
		t.Errorf("expected exactly one gap, got %d", series.Gaps)
	}
	// the run continued past the gap
	if len(series.Samples) < 3 {
		t.Errorf("expected run to continue after gap, got %d samples", len(series.Samples))
	}
}

func TestOutlierWindowRejects(t *testing.T) {
	q := &fakeQuerier{t: t, positions: map[int]float64{2: 9999}}
	l := acquire.Loop{
		Period:   10 * time.Millisecond,
		Duration: 45 * time.Millisecond,
		Window:   util.Limiter{Min: -30, Max: 50},
	}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Gaps != 1 {
		t.Errorf("expected the outlier to be recorded as a gap, got %d gaps", series.Gaps)
	}
	for _, s := range series.Samples {
		if s.Pos > 50 {
			t.Errorf("fabricated or unfiltered sample: %v", s)
		}
	}
}

func TestMaxJumpRejects(t *testing.T) {
	q := &fakeQuerier{t: t, positions: map[int]float64{1: 0.0, 2: 45.0, 3: 0.02}}
	l := acquire.Loop{
		Period:   10 * time.Millisecond,
		Duration: 45 * time.Millisecond,
		MaxJump:  30,
	}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Gaps != 1 {
		t.Errorf("expected the jump to be a gap, got %d gaps", series.Gaps)
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	q := &fakeQuerier{t: t}
	l := acquire.Loop{Period: 5 * time.Millisecond, Duration: 10 * time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(40*time.Millisecond, cancel)
	start := time.Now()
	series, err := l.Run(ctx, q)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("loop did not observe cancellation promptly")
	}
	if len(series.Samples) == 0 {
		t.Error("expected partial series handed back on abort")
	}
}

func TestSlowQueryDelaysTickWithoutOverlap(t *testing.T) {
	// 15ms round trips against a 10ms period: ticks are late, never
	// concurrent; the fakeQuerier fails the test if calls overlap
	q := &fakeQuerier{t: t, latency: 15 * time.Millisecond}
	l := acquire.Loop{Period: 10 * time.Millisecond, Duration: 80 * time.Millisecond}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series.Samples) == 0 {
		t.Fatal("expected samples despite slow queries")
	}
	// delayed, not dropped: the run finishes late rather than skipping
	// ticks, and every completed query must appear
	if len(series.Samples)+series.Gaps != int(atomic.LoadInt32(&q.calls)) {
		t.Errorf("samples %d + gaps %d != queries %d",
			len(series.Samples), series.Gaps, q.calls)
	}
}

func TestOnSampleObservesEverySample(t *testing.T) {
	q := &fakeQuerier{t: t}
	var seen int32
	l := acquire.Loop{
		Period:   5 * time.Millisecond,
		Duration: 40 * time.Millisecond,
		OnSample: func(acquire.Sample) { atomic.AddInt32(&seen, 1) },
	}
	series, err := l.Run(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int(seen) != len(series.Samples) {
		t.Errorf("observer saw %d samples, series has %d", seen, len(series.Samples))
	}
}
