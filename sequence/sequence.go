/*Package sequence drives a rate table through one test run.

The sequencer is a state machine: home, confirm the reference, then either
position the table or configure the oscillation, hand control to the operator
rendezvous, and finally run the acquisition loop before commanding a stop.
The table is a physical device, so the stop path is unconditional: every
terminal outcome, including failures and operator aborts, issues exactly one
STO attempt and reports whether it was delivered.

The sequencer and the acquisition loop run as one cooperative task, so the
transport never sees concurrent requests.
*/
package sequence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/comm"
	"github.com/navlab/ratetable/idealaero"
	"github.com/navlab/ratetable/util"
)

// run failure taxonomy.  Setup failures are terminal for the run; there are
// no partial-data runs.
var (
	// ErrHomingFailed is generated when the homing procedure does not
	// reach a confirmed reference within the retry budget
	ErrHomingFailed = errors.New("homing failed")

	// ErrPositioningFailed is generated when the table cannot be confirmed
	// at the target position
	ErrPositioningFailed = errors.New("positioning failed")

	// ErrConfigurationFailed is generated when an oscillation setter or
	// the start command is not accepted
	ErrConfigurationFailed = errors.New("configuration failed")

	// ErrAborted reports a deliberate operator interrupt, not a fault
	ErrAborted = errors.New("aborted by operator")

	errStillMoving = errors.New("motion not yet complete")
)

// Table is the command surface the sequencer drives.  idealaero.RateTable
// satisfies it.
type Table interface {
	Home() error
	Stop() error
	ZeroPosition() error
	MoveTo(deg float64) error
	SetAmplitude(deg float64) error
	SetFrequency(hz float64) error
	SetCycles(n int) error
	StartOscillation() error
	QueryPosition() (float64, error)
	MotionComplete() (bool, error)
}

// Tuning holds the retry and confirmation constants.  These are operational
// tuning, not protocol facts; the defaults are conservative enough that a
// healthy but slow table does not fail a run.
type Tuning struct {
	// CommandAttempts is the total tries for an idempotent setup command
	CommandAttempts int

	// SettleAttempts bounds motion-complete re-polls after the first
	SettleAttempts int

	// SettleInterval is the initial poll spacing; it grows exponentially
	// up to SettleMaxInterval
	SettleInterval    time.Duration
	SettleMaxInterval time.Duration

	// PositionTolerance is the acceptable miss on a confirmed move, degrees
	PositionTolerance float64

	// QueryRetries is the acquisition loop's per-tick retry budget
	QueryRetries int

	// Window and MaxJump configure acquisition outlier rejection; zero
	// values disable the checks
	Window  util.Limiter
	MaxJump float64
}

// DefaultTuning returns the stock constants
func DefaultTuning() Tuning {
	return Tuning{
		CommandAttempts:   5,
		SettleAttempts:    120,
		SettleInterval:    500 * time.Millisecond,
		SettleMaxInterval: 2 * time.Second,
		PositionTolerance: 0.05,
		QueryRetries:      3,
	}
}

// Outcome is the full report of a finished run
type Outcome struct {
	// State is Completed or Aborted
	State State

	// Series holds whatever samples were gathered, even on abort
	Series acquire.Series

	// StopAttempted and StopErr record the final STO delivery.  StopErr
	// non-nil means the table was never confirmed stationary.
	StopAttempted bool
	StopErr       error

	// Err is nil on success, ErrAborted on operator interrupt, or one of
	// the setup failure errors
	Err error
}

// Sequencer owns one test run.  Create with New, configure the hooks, then
// call Run exactly once.
type Sequencer struct {
	table Table
	prof  Profile
	tun   Tuning

	// OnState observes every state transition; OnSample and OnGap observe
	// the acquisition as it happens.  All are called from the sequencer's
	// goroutine and must not block.
	OnState  func(State)
	OnSample func(acquire.Sample)
	OnGap    func()

	mu    sync.Mutex
	state State

	ready  chan struct{}
	resume chan struct{}

	stopOnce      sync.Once
	stopAttempted bool
	stopErr       error
}

// New validates the profile and returns a Sequencer for it
func New(t Table, p Profile, tun Tuning) (*Sequencer, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	return &Sequencer{
		table:  t,
		prof:   p,
		tun:    tun,
		ready:  make(chan struct{}),
		resume: make(chan struct{}),
	}, nil
}

// State returns the current run state; safe from any goroutine
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.OnState != nil {
		s.OnState(st)
	}
}

// Ready is closed when the sequencer reaches the operator rendezvous: table
// homed and positioned or configured, waiting for Resume
func (s *Sequencer) Ready() <-chan struct{} {
	return s.ready
}

// Resume releases the rendezvous.  Calling it more than once is an error.
func (s *Sequencer) Resume() {
	close(s.resume)
}

// Run drives the state machine to a terminal state.  Cancel ctx to abort;
// the table is stopped and the partial series handed back.
func (s *Sequencer) Run(ctx context.Context) Outcome {
	var out Outcome
	err := s.run(ctx, &out)

	s.setState(Stopping)
	s.stopOnce.Do(func() {
		s.stopAttempted = true
		s.stopErr = s.table.Stop()
	})
	out.StopAttempted = s.stopAttempted
	out.StopErr = s.stopErr

	if err == nil {
		out.State = Completed
		s.setState(Completed)
		return out
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", ErrAborted, err)
	}
	out.State = Aborted
	out.Err = err
	s.setState(Aborted)
	return out
}

func (s *Sequencer) run(ctx context.Context, out *Outcome) error {
	if err := s.home(ctx); err != nil {
		return err
	}
	s.setState(Ready)

	switch s.prof.Kind {
	case Stationary:
		s.setState(Positioning)
		if err := s.position(ctx); err != nil {
			return err
		}
	case Sinusoid:
		s.setState(Configuring)
		if err := s.configure(ctx); err != nil {
			return err
		}
	}

	s.setState(AwaitingOperatorStart)
	close(s.ready)
	select {
	case <-s.resume:
	case <-ctx.Done():
		return ErrAborted
	}

	if s.prof.Kind == Sinusoid {
		// SGO is not idempotent; a resend could double-command motion, so
		// any failure here ends the run
		if err := s.table.StartOscillation(); err != nil {
			return fmt.Errorf("%w: start oscillation: %v", ErrConfigurationFailed, err)
		}
	}

	s.setState(Running)
	loop := acquire.Loop{
		Period:   s.prof.SamplePeriod,
		Duration: s.prof.Duration,
		Retries:  s.tun.QueryRetries,
		Window:   s.tun.Window,
		MaxJump:  s.tun.MaxJump,
		OnSample: s.OnSample,
		OnGap:    s.OnGap,
	}
	series, err := loop.Run(ctx, s.table)
	out.Series = series
	return err
}

// aborted reports whether err came from cancellation rather than the device.
// Such errors pass through the phase wrappers unwrapped so the terminal
// outcome reads as an operator abort, not a device failure.
func aborted(err error) bool {
	return errors.Is(err, ErrAborted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// home establishes the absolute reference.  Any residual motion is stopped
// first; the table rejects HOM while moving.
func (s *Sequencer) home(ctx context.Context) error {
	s.setState(Homing)
	// best effort, a dead link will surface on the home command itself
	_ = s.table.Stop()
	if err := s.command(ctx, s.table.Home); err != nil {
		if aborted(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHomingFailed, err)
	}
	if err := s.settle(ctx); err != nil {
		if aborted(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrHomingFailed, err)
	}
	// zero the counter at the reference; firmware without PZR rejects it
	// harmlessly
	_ = s.table.ZeroPosition()
	return nil
}

// position issues the absolute move and confirms arrival within tolerance
func (s *Sequencer) position(ctx context.Context) error {
	// POS is not idempotent: after a transport error the move may still
	// have landed, so confirm through queries rather than resend
	if err := s.table.MoveTo(s.prof.Target); err != nil {
		if !errors.Is(err, comm.ErrTimeout) && !idealaero.IsDesync(err) {
			return fmt.Errorf("%w: %v", ErrPositioningFailed, err)
		}
	}
	if err := s.settle(ctx); err != nil {
		if aborted(err) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPositioningFailed, err)
	}
	var (
		pos float64
		err error
	)
	for attempt := 0; attempt < s.tun.CommandAttempts; attempt++ {
		pos, err = s.table.QueryPosition()
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: confirming position: %v", ErrPositioningFailed, err)
	}
	if math.Abs(pos-s.prof.Target) > s.tun.PositionTolerance {
		return fmt.Errorf("%w: at %.4f deg, want %.4f within %.4f",
			ErrPositioningFailed, pos, s.prof.Target, s.tun.PositionTolerance)
	}
	return nil
}

// configure sends the oscillation setters strictly in order; the device is
// not known to tolerate pipelined configuration, so each must ACK before the
// next is sent
func (s *Sequencer) configure(ctx context.Context) error {
	steps := []struct {
		name string
		f    func() error
	}{
		{"amplitude", func() error { return s.table.SetAmplitude(s.prof.Amplitude) }},
		{"frequency", func() error { return s.table.SetFrequency(s.prof.Frequency) }},
		{"cycles", func() error { return s.table.SetCycles(s.prof.Cycles) }},
	}
	for _, step := range steps {
		if err := s.command(ctx, step.f); err != nil {
			if aborted(err) {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrConfigurationFailed, step.name, err)
		}
	}
	return nil
}

// command runs an idempotent setup command with a bounded retry budget.
// A desync gets one confirmatory query before the retry, because device
// state is uncertain until a clean exchange proves the link is paired again.
func (s *Sequencer) command(ctx context.Context, f func() error) error {
	var err error
	for attempt := 0; attempt < s.tun.CommandAttempts; attempt++ {
		if ctx.Err() != nil {
			return ErrAborted
		}
		err = f()
		if err == nil {
			return nil
		}
		switch {
		case idealaero.IsDesync(err):
			if _, qerr := s.table.QueryPosition(); qerr != nil {
				return err
			}
		case errors.Is(err, comm.ErrTimeout):
			// retryable as-is
		default:
			// device rejection or a transport fault retries won't fix
			return err
		}
	}
	return err
}

// settle polls motion-complete with exponential backoff until the table
// comes to rest or the attempt budget is spent
func (s *Sequencer) settle(ctx context.Context) error {
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ErrAborted)
		}
		done, err := s.table.MotionComplete()
		if err != nil {
			if idealaero.IsDesync(err) {
				if _, qerr := s.table.QueryPosition(); qerr != nil {
					return backoff.Permanent(err)
				}
			}
			return err
		}
		if !done {
			return errStillMoving
		}
		return nil
	}
	b := backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     s.tun.SettleInterval,
		RandomizationFactor: 0.,
		Multiplier:          1.5,
		MaxInterval:         s.tun.SettleMaxInterval,
		Clock:               backoff.SystemClock,
	}, uint64(s.tun.SettleAttempts))
	return backoff.Retry(op, b)
}
