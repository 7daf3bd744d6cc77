// Package idealaero provides a wrapper around Ideal Aerosmith single axis
// rate tables and their ASCII command set.
package idealaero

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/navlab/ratetable/comm"
)

// The table's ASCII interface is a prompt protocol: every command is a three
// letter verb, optionally suffixed with a numeric argument, and every
// response ends with a '>' prompt.  Error responses carry a '?' in the body.
// Replies to read commands may echo the verb before the value, depending on
// controller firmware revision, so the decoder tolerates both forms.

// Verb is a command token understood by the table
type Verb string

// the fixed command set of the table
const (
	VerbHome             Verb = "HOM"
	VerbStop             Verb = "STO"
	VerbQueryPosition    Verb = "PPO"
	VerbMoveTo           Verb = "POS"
	VerbSetAmplitude     Verb = "AMP"
	VerbSetFrequency     Verb = "FRQ"
	VerbSetCycles        Verb = "CYC"
	VerbStartOscillation Verb = "SGO"
	VerbMotionComplete   Verb = "MCO5"
	VerbZeroPosition     Verb = "PZR"
)

// Command is a single instruction for the table.  Commands are constructed
// per call and never reused.
type Command struct {
	Verb Verb

	// Arg is the numeric suffix, nil when the verb takes none
	Arg *float64
}

// Encode renders the command in the table's wire grammar, e.g. POS-12.5 or AMP20
func (c Command) Encode() string {
	if c.Arg == nil {
		return string(c.Verb)
	}
	return string(c.Verb) + strconv.FormatFloat(*c.Arg, 'f', -1, 64)
}

// Kind classifies a decoded response
type Kind int

// the response kinds
const (
	// Ack is a bare prompt or verb echo, the table accepted the command
	Ack Kind = iota

	// Position carries a parsed angle in degrees
	Position

	// Text carries a normalized status body, e.g. the MCO5 motion flag
	Text

	// DeviceErr is a '?' flagged rejection from the table
	DeviceErr
)

// Response is one decoded reply from the table.  Responses are produced per
// request and consumed immediately, never retained.
type Response struct {
	Raw     string
	Kind    Kind
	Pos     float64
	Latency time.Duration
}

// ErrDeviceRejected is generated when the table answers with a '?' error body
type ErrDeviceRejected struct {
	Cmd  string
	Body string
}

func (e ErrDeviceRejected) Error() string {
	return fmt.Sprintf("table rejected %s: %q", e.Cmd, e.Body)
}

// ErrBadResponse is generated when a reply does not fit the expected grammar.
// After this error the device state is uncertain; callers should confirm with
// a position query before issuing further motion commands.
type ErrBadResponse struct {
	Cmd  string
	Body string
}

func (e ErrBadResponse) Error() string {
	return fmt.Sprintf("unparseable response to %s: %q", e.Cmd, e.Body)
}

// IsDesync reports whether err means the request/response pairing can no
// longer be trusted, at either the transport or the grammar level
func IsDesync(err error) bool {
	var bad ErrBadResponse
	if errors.As(err, &bad) {
		return true
	}
	return errors.Is(err, comm.ErrDesync)
}

// Decode interprets the scrubbed body of a reply to cmd
func Decode(cmd Command, raw string, latency time.Duration) (Response, error) {
	r := Response{Raw: raw, Latency: latency}
	if strings.Contains(raw, "?") {
		r.Kind = DeviceErr
		return r, ErrDeviceRejected{Cmd: cmd.Encode(), Body: raw}
	}
	switch cmd.Verb {
	case VerbQueryPosition:
		body := strings.TrimSpace(strings.TrimPrefix(raw, string(VerbQueryPosition)))
		v, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return r, ErrBadResponse{Cmd: cmd.Encode(), Body: raw}
		}
		r.Kind = Position
		r.Pos = v
		return r, nil
	case VerbMotionComplete:
		// the flag is "0" (stopped) or "1" (moving), possibly verb-echoed
		body := strings.TrimSpace(strings.TrimPrefix(raw, string(VerbMotionComplete)))
		if body != "0" && body != "1" {
			return r, ErrBadResponse{Cmd: cmd.Encode(), Body: raw}
		}
		r.Kind = Text
		r.Raw = body
		return r, nil
	default:
		// write commands answer with a bare prompt; some firmware echoes
		// the verb back first
		if raw == "" || strings.HasPrefix(raw, string(cmd.Verb)) {
			r.Kind = Ack
			return r, nil
		}
		return r, ErrBadResponse{Cmd: cmd.Encode(), Body: raw}
	}
}
