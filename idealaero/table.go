package idealaero

import (
	"time"
)

// SendRecver is the transport the table is reached through.  comm.Transport
// satisfies it; tests substitute a scripted fake.
type SendRecver interface {
	SendRecv(cmd string) (string, time.Duration, error)
}

// RateTable represents a single axis rate table.  Methods issue exactly one
// command each and never retry; retry policy belongs to the caller, since it
// depends on whether the command is idempotent (PPO and STO are, POS and SGO
// are not).
type RateTable struct {
	sr SendRecver
}

// NewRateTable returns a RateTable reached through sr
func NewRateTable(sr SendRecver) *RateTable {
	return &RateTable{sr: sr}
}

func (rt *RateTable) exec(cmd Command) (Response, error) {
	raw, latency, err := rt.sr.SendRecv(cmd.Encode())
	if err != nil {
		return Response{Latency: latency}, err
	}
	return Decode(cmd, raw, latency)
}

func (rt *RateTable) writeOnly(v Verb, arg *float64) error {
	_, err := rt.exec(Command{Verb: v, Arg: arg})
	return err
}

// Home commands the homing procedure.  The table does not block; poll
// MotionComplete to learn when the reference position is reached.
func (rt *RateTable) Home() error {
	return rt.writeOnly(VerbHome, nil)
}

// Stop halts all motion.  Stop is idempotent at the device level.
func (rt *RateTable) Stop() error {
	return rt.writeOnly(VerbStop, nil)
}

// ZeroPosition zeroes the position counter at the current location
func (rt *RateTable) ZeroPosition() error {
	return rt.writeOnly(VerbZeroPosition, nil)
}

// MoveTo commands an absolute move in signed degrees
func (rt *RateTable) MoveTo(deg float64) error {
	return rt.writeOnly(VerbMoveTo, &deg)
}

// SetAmplitude sets the oscillation amplitude in degrees
func (rt *RateTable) SetAmplitude(deg float64) error {
	return rt.writeOnly(VerbSetAmplitude, &deg)
}

// SetFrequency sets the oscillation frequency in Hz
func (rt *RateTable) SetFrequency(hz float64) error {
	return rt.writeOnly(VerbSetFrequency, &hz)
}

// SetCycles sets the number of oscillation cycles to run
func (rt *RateTable) SetCycles(n int) error {
	f := float64(n)
	return rt.writeOnly(VerbSetCycles, &f)
}

// StartOscillation begins the configured sinusoidal motion
func (rt *RateTable) StartOscillation() error {
	return rt.writeOnly(VerbStartOscillation, nil)
}

// QueryPosition reads the current position in degrees
func (rt *RateTable) QueryPosition() (float64, error) {
	resp, err := rt.exec(Command{Verb: VerbQueryPosition})
	if err != nil {
		return 0, err
	}
	return resp.Pos, nil
}

// MotionComplete reports whether the table has come to rest after a home or
// move command
func (rt *RateTable) MotionComplete() (bool, error) {
	resp, err := rt.exec(Command{Verb: VerbMotionComplete})
	if err != nil {
		return false, err
	}
	return resp.Raw == "0", nil
}
