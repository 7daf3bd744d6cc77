package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/theckman/yacspin"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/comm"
	"github.com/navlab/ratetable/idealaero"
	"github.com/navlab/ratetable/monitor"
	"github.com/navlab/ratetable/record"
	"github.com/navlab/ratetable/sequence"
	"github.com/navlab/ratetable/util"
)

// Config holds everything a run needs.  It is populated from defaults and
// the yaml file; see setupconfig in main.go.
type Config struct {
	// Port is the serial port the table is on, e.g. COM10 or /dev/ttyUSB0
	Port string `koanf:"Port" yaml:"Port"`

	// Baud is the serial symbol rate
	Baud int `koanf:"Baud" yaml:"Baud"`

	// Timeout is the per-command response bound in seconds
	Timeout float64 `koanf:"Timeout" yaml:"Timeout"`

	// Output is the CSV file the sampled series is written to
	Output string `koanf:"Output" yaml:"Output"`

	// Monitor, if nonempty, is an address to serve the read-only HTTP
	// status view at, e.g. :8600
	Monitor string `koanf:"Monitor" yaml:"Monitor"`

	// Profile selects the motion: stationary or sinusoid
	Profile string `koanf:"Profile" yaml:"Profile"`

	// Target is the hold position in degrees (stationary)
	Target float64 `koanf:"Target" yaml:"Target"`

	// Amplitude (deg), Frequency (Hz), Cycles describe the oscillation (sinusoid)
	Amplitude float64 `koanf:"Amplitude" yaml:"Amplitude"`
	Frequency float64 `koanf:"Frequency" yaml:"Frequency"`
	Cycles    int     `koanf:"Cycles" yaml:"Cycles"`

	// SampleRate is the acquisition rate in Hz
	SampleRate float64 `koanf:"SampleRate" yaml:"SampleRate"`

	// Duration is the acquisition length in seconds; zero means run for
	// the motion time (cycles/frequency) on a sinusoid profile
	Duration float64 `koanf:"Duration" yaml:"Duration"`

	// QueryRetries is how many times a timed-out position query is
	// retried within one sample tick before the tick becomes a gap
	QueryRetries int `koanf:"QueryRetries" yaml:"QueryRetries"`

	// MinPos/MaxPos bound plausible encoder readings; readings outside
	// are recorded as gaps.  Equal values disable the check.
	MinPos float64 `koanf:"MinPos" yaml:"MinPos"`
	MaxPos float64 `koanf:"MaxPos" yaml:"MaxPos"`

	// MaxJump is the largest believable step between consecutive
	// readings, degrees; zero disables the check
	MaxJump float64 `koanf:"MaxJump" yaml:"MaxJump"`
}

func defaultConfig() Config {
	return Config{
		Port:         "COM10",
		Baud:         9600,
		Timeout:      2,
		Output:       "rate_table_test.csv",
		Profile:      "sinusoid",
		Amplitude:    20,
		Frequency:    0.3,
		Cycles:       54,
		SampleRate:   5,
		Duration:     180,
		QueryRetries: 3,
		MinPos:       -30,
		MaxPos:       50,
		MaxJump:      30,
	}
}

func secs(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func buildProfile(c Config) (sequence.Profile, error) {
	p := sequence.Profile{
		Target:    c.Target,
		Amplitude: c.Amplitude,
		Frequency: c.Frequency,
		Cycles:    c.Cycles,
		Duration:  secs(c.Duration),
	}
	switch strings.ToLower(c.Profile) {
	case "stationary":
		p.Kind = sequence.Stationary
	case "sinusoid":
		p.Kind = sequence.Sinusoid
	default:
		return p, fmt.Errorf("profile %q not understood, want stationary or sinusoid", c.Profile)
	}
	if c.SampleRate <= 0 {
		return p, errors.New("SampleRate must be positive")
	}
	p.SamplePeriod = secs(1 / c.SampleRate)
	if p.Duration == 0 && p.Kind == sequence.Sinusoid {
		p.Duration = p.MotionTime()
	}
	return p, p.Validate()
}

func buildTuning(c Config) sequence.Tuning {
	tun := sequence.DefaultTuning()
	tun.QueryRetries = c.QueryRetries
	if c.MinPos != c.MaxPos {
		tun.Window = util.Limiter{Min: c.MinPos, Max: c.MaxPos}
	}
	tun.MaxJump = c.MaxJump
	return tun
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " rate table",
		SuffixAutoColon:   true,
		Message:           "connecting",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

// rendezvous waits for the sequencer to report ready, prompts the operator
// to start their IMU logger, and resumes on ENTER with a short countdown
func rendezvous(seq *sequence.Sequencer, spinner *yacspin.Spinner) {
	<-seq.Ready()
	spinner.Pause()
	fmt.Println()
	fmt.Println("*** Start your IMU logging now ***")
	fmt.Print("Press ENTER when ready... ")
	bufio.NewReader(os.Stdin).ReadString('\n')
	for i := 3; i > 0; i-- {
		fmt.Printf("%d...\n", i)
		time.Sleep(time.Second)
	}
	spinner.Unpause()
	seq.Resume()
}

func runTest(c Config) error {
	prof, err := buildProfile(c)
	if err != nil {
		return err
	}

	tr := comm.New(comm.Config{Device: c.Port, Baud: c.Baud, Timeout: secs(c.Timeout)})
	if err := tr.Open(); err != nil {
		return fmt.Errorf("open %s: %w", c.Port, err)
	}
	defer tr.Close()
	table := idealaero.NewRateTable(tr)

	seq, err := sequence.New(table, prof, buildTuning(c))
	if err != nil {
		return err
	}

	sink, err := record.NewSink(c.Output, prof)
	if err != nil {
		return err
	}
	defer sink.Close()

	mon := monitor.New(prof)
	if c.Monitor != "" {
		go func() {
			log.Println("monitor listening at", c.Monitor)
			if err := http.ListenAndServe(c.Monitor, mon.Router()); err != nil {
				log.Println("monitor server:", err)
			}
		}()
	}

	spinner, err := newSpinner()
	if err != nil {
		return err
	}

	if prof.Kind == sequence.Sinusoid {
		log.Printf("amplitude %g deg | frequency %g Hz | %d cycles", prof.Amplitude, prof.Frequency, prof.Cycles)
		log.Printf("peak velocity %.1f deg/s | duration %s", prof.PeakVelocity(), prof.Duration)
	} else {
		log.Printf("stationary at %g deg | duration %s", prof.Target, prof.Duration)
	}

	spinner.Start()
	seq.OnState = func(st sequence.State) {
		mon.SetState(st)
		spinner.Message(st.String())
	}
	samples := 0
	seq.OnSample = func(smp acquire.Sample) {
		mon.ObserveSample(smp)
		if err := sink.Append(smp); err != nil {
			log.Println("record:", err)
		}
		samples++
		if samples%50 == 0 {
			spinner.Message(fmt.Sprintf("%d samples | %.0fs | %.1f deg",
				samples, smp.T.Seconds(), smp.Pos))
		}
	}
	seq.OnGap = mon.ObserveGap

	// operator interrupt; observed at the sequencer's suspension points
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go rendezvous(seq, spinner)

	out := seq.Run(ctx)
	if out.Err == nil {
		spinner.Stop()
	} else {
		spinner.StopFail()
	}

	fmt.Printf("%d samples, %d gaps written to %s\n",
		len(out.Series.Samples), out.Series.Gaps, c.Output)
	if out.StopAttempted && out.StopErr != nil {
		log.Printf("WARNING: STOP was not acknowledged (%v), verify the table is stationary", out.StopErr)
	}
	switch {
	case out.Err == nil:
		return nil
	case errors.Is(out.Err, sequence.ErrAborted):
		log.Println("run aborted by operator")
		return nil
	default:
		return out.Err
	}
}
