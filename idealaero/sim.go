package idealaero

import (
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sim is an in-memory rate table.  It implements io.ReadWriteCloser so a
// comm.Transport can be pointed straight at it, which lets every layer above
// the wire be exercised without hardware.
//
// The motion model is deliberately crude: moves and homes settle after a
// fixed number of MCO5 polls, and oscillation is an ideal sinusoid from the
// moment SGO lands.  Fault injection knobs simulate a flaky link.
type Sim struct {
	mu  sync.Mutex
	out []byte

	pos        float64
	pending    float64
	hasPending bool
	settleLeft int

	amplitude   float64
	frequency   float64
	cycles      int
	oscillating bool
	oscStart    time.Time

	// SettlePolls is how many MCO5 polls report motion before a home or
	// move settles
	SettlePolls int

	// DropNext swallows the responses to the next N commands, which the
	// transport sees as timeouts
	DropNext int

	// GarbleNext answers the next N commands with junk bodies
	GarbleNext int

	log    []string
	closed bool
}

// NewSim returns a Sim that settles after two motion-complete polls
func NewSim() *Sim {
	return &Sim{SettlePolls: 2}
}

// Commands returns a copy of every command received, in arrival order
func (s *Sim) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.log))
	copy(out, s.log)
	return out
}

// Position returns the position the table would report right now
func (s *Sim) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPos()
}

// currentPos must be called with the lock held
func (s *Sim) currentPos() float64 {
	if !s.oscillating {
		return s.pos
	}
	t := time.Since(s.oscStart).Seconds()
	if s.frequency > 0 && s.cycles > 0 {
		if end := float64(s.cycles) / s.frequency; t > end {
			t = end
		}
	}
	return s.amplitude * math.Sin(2*math.Pi*s.frequency*t)
}

func (s *Sim) reply(body string) {
	s.out = append(s.out, body...)
	s.out = append(s.out, '\r', '\n', '>')
}

func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	for _, cmd := range strings.Split(string(p), "\r") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		s.handle(cmd)
	}
	return len(p), nil
}

func (s *Sim) handle(cmd string) {
	s.log = append(s.log, cmd)
	if s.DropNext > 0 {
		s.DropNext--
		return
	}
	if s.GarbleNext > 0 {
		s.GarbleNext--
		s.reply("#$%!")
		return
	}
	if cmd == string(VerbMotionComplete) {
		if s.settleLeft > 0 {
			s.settleLeft--
			if s.settleLeft == 0 && s.hasPending {
				s.pos = s.pending
				s.hasPending = false
			}
		}
		if s.settleLeft > 0 {
			s.reply("1")
		} else {
			s.reply("0")
		}
		return
	}
	verb := cmd
	arg := ""
	if len(cmd) > 3 {
		verb, arg = cmd[:3], cmd[3:]
	}
	switch Verb(verb) {
	case VerbHome:
		s.beginMove(0)
		s.reply("")
	case VerbStop:
		s.pos = s.currentPos()
		s.oscillating = false
		s.settleLeft = 0
		s.hasPending = false
		s.reply("")
	case VerbZeroPosition:
		s.pos = 0
		s.reply("")
	case VerbQueryPosition:
		s.reply("PPO " + strconv.FormatFloat(s.currentPos(), 'f', 4, 64))
	case VerbMoveTo:
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			s.reply("?POS")
			return
		}
		s.beginMove(v)
		s.reply("")
	case VerbSetAmplitude:
		s.setParam(&s.amplitude, arg)
	case VerbSetFrequency:
		s.setParam(&s.frequency, arg)
	case VerbSetCycles:
		var f float64
		s.setParam(&f, arg)
		s.cycles = int(f)
	case VerbStartOscillation:
		s.oscillating = true
		s.oscStart = time.Now()
		s.reply("")
	default:
		s.reply("?" + verb)
	}
}

func (s *Sim) beginMove(target float64) {
	s.pending = target
	s.hasPending = true
	s.settleLeft = s.SettlePolls
	if s.settleLeft == 0 {
		s.pos = target
		s.hasPending = false
	}
}

func (s *Sim) setParam(dst *float64, arg string) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		s.reply("?")
		return
	}
	*dst = v
	s.reply("")
}

func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.out) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, s.out)
	s.out = s.out[n:]
	s.mu.Unlock()
	return n, nil
}

// Flush drops any queued but unread response bytes, like draining the input
// buffer of a real port
func (s *Sim) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
