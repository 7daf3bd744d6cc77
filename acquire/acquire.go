/*Package acquire implements the position sampling loop.

The loop fires on a fixed schedule from its own start, not from the previous
sample's completion, so serial round trip latency does not accumulate into
drift.  Timestamps are elapsed monotonic time at the moment the reading
returned, never the nominal grid time; downstream analysis must use the
recorded timestamps.  The table protocol is half duplex, so a late reading
delays the next tick rather than overlapping it.
*/
package acquire

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/navlab/ratetable/comm"
	"github.com/navlab/ratetable/util"
)

// Sample is one timestamped position reading.  T is elapsed time since the
// loop started.  Samples are immutable once created.
type Sample struct {
	T   time.Duration
	Pos float64
}

// Series is the ordered record of a run.  Timestamps are strictly
// increasing; Gaps counts ticks that produced no sample.
type Series struct {
	Samples []Sample
	Gaps    int
}

// PositionQuerier reads the table position.  idealaero.RateTable satisfies it.
type PositionQuerier interface {
	QueryPosition() (float64, error)
}

// Loop holds the parameters of one acquisition run
type Loop struct {
	// Period is the nominal sample spacing
	Period time.Duration

	// Duration bounds the run; the loop performs Ticks(Period, Duration)
	// reads, one at t=0 plus one per whole period
	Duration time.Duration

	// Retries is how many extra queries a tick may issue after a timeout
	// before the tick is recorded as a gap
	Retries int

	// Window rejects readings outside the physically possible range.  The
	// zero value disables the check.
	Window util.Limiter

	// MaxJump rejects readings further than this from the previous valid
	// one; encoder glitches show up as impossible steps.  Zero disables.
	MaxJump float64

	// OnSample, if set, observes each sample as it is appended
	OnSample func(Sample)

	// OnGap, if set, observes each tick that produced no sample
	OnGap func()
}

// Run samples q until the duration elapses or ctx is cancelled.  The series
// gathered so far is returned in either case; on cancellation the error is
// ctx.Err().
func (l Loop) Run(ctx context.Context, q PositionQuerier) (Series, error) {
	if l.Period <= 0 {
		return Series{}, errors.New("acquire: sample period must be positive")
	}
	var (
		series    Series
		lastValid = math.NaN()
		lim       = rate.NewLimiter(rate.Every(l.Period), 1)
		start     = time.Now()
	)
	// the tick count is fixed up front so a duration that is an exact
	// multiple of the period still includes its final boundary tick
	for tick := Ticks(l.Period, l.Duration); tick > 0; tick-- {
		if err := lim.Wait(ctx); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return series, cerr
			}
			return series, err
		}
		pos, err := l.query(ctx, q)
		t := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return series, ctx.Err()
			}
			series.Gaps++
			if l.OnGap != nil {
				l.OnGap()
			}
			continue
		}
		if !l.plausible(pos, lastValid) {
			series.Gaps++
			if l.OnGap != nil {
				l.OnGap()
			}
			continue
		}
		lastValid = pos
		smp := Sample{T: t, Pos: pos}
		series.Samples = append(series.Samples, smp)
		if l.OnSample != nil {
			l.OnSample(smp)
		}
	}
	return series, nil
}

// query issues the position read for one tick, retrying timeouts within the
// tick's retry budget.  PPO is idempotent so blind retry is safe.  Anything
// other than a timeout burns the tick; the next tick's query doubles as the
// confirmatory read after a desync.
func (l Loop) query(ctx context.Context, q PositionQuerier) (float64, error) {
	var err error
	for attempt := 0; attempt <= l.Retries; attempt++ {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var pos float64
		pos, err = q.QueryPosition()
		if err == nil {
			return pos, nil
		}
		if !errors.Is(err, comm.ErrTimeout) {
			return 0, err
		}
	}
	return 0, err
}

// plausible applies the outlier window and max jump checks.  Rejected
// readings become gaps; the loop never substitutes a fabricated value.
func (l Loop) plausible(pos, lastValid float64) bool {
	if (l.Window != util.Limiter{}) && !l.Window.Contains(pos) {
		return false
	}
	if l.MaxJump > 0 && !math.IsNaN(lastValid) && math.Abs(pos-lastValid) > l.MaxJump {
		return false
	}
	return true
}

// Ticks returns the number of samples an uninterrupted gapless run would
// produce: one at t=0 plus one per whole period in the duration.
func Ticks(period, duration time.Duration) int {
	if period <= 0 {
		return 0
	}
	return int(duration/period) + 1
}
