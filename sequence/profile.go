package sequence

import (
	"errors"
	"math"
	"time"
)

// Kind selects the motion half of a test profile
type Kind int

// the supported motion kinds
const (
	// Stationary holds the table at a fixed position for the whole run
	Stationary Kind = iota

	// Sinusoid oscillates the table about home
	Sinusoid
)

func (k Kind) String() string {
	switch k {
	case Stationary:
		return "stationary"
	case Sinusoid:
		return "sinusoid"
	default:
		return "unknown"
	}
}

// Profile fixes the motion and acquisition intent of one test run.  It is
// immutable once the sequencer starts.
type Profile struct {
	Kind Kind

	// Target is the hold position in degrees (stationary only)
	Target float64

	// Amplitude (degrees), Frequency (Hz), and Cycles describe the
	// oscillation (sinusoid only); they are forwarded verbatim to the
	// table's setter commands
	Amplitude float64
	Frequency float64
	Cycles    int

	// SamplePeriod is the nominal spacing of position samples
	SamplePeriod time.Duration

	// Duration bounds the acquisition
	Duration time.Duration
}

// Validate checks the profile for internal consistency
func (p Profile) Validate() error {
	if p.SamplePeriod <= 0 {
		return errors.New("sample period must be positive")
	}
	if p.Duration <= 0 {
		return errors.New("duration must be positive")
	}
	if p.Kind == Sinusoid {
		if p.Amplitude <= 0 {
			return errors.New("sinusoid profile requires a positive amplitude")
		}
		if p.Frequency <= 0 {
			return errors.New("sinusoid profile requires a positive frequency")
		}
		if p.Cycles <= 0 {
			return errors.New("sinusoid profile requires a positive cycle count")
		}
	}
	return nil
}

// MotionTime returns how long the commanded motion itself lasts: cycles over
// frequency for a sinusoid, the full duration otherwise
func (p Profile) MotionTime() time.Duration {
	if p.Kind == Sinusoid && p.Frequency > 0 {
		return time.Duration(float64(p.Cycles) / p.Frequency * float64(time.Second))
	}
	return p.Duration
}

// PeakVelocity returns the peak angular rate of a sinusoid profile in deg/s
func (p Profile) PeakVelocity() float64 {
	if p.Kind != Sinusoid {
		return 0
	}
	return 2 * math.Pi * p.Amplitude * p.Frequency
}
