/*Package record persists acquisition samples as CSV.

The file format is the contract with the offline analysis tooling: a few
'#'-prefixed metadata lines, one header row, then one row per sample with
elapsed seconds and position in degrees.  Elapsed times are monotonic and
increasing but not necessarily uniform; consumers are expected to tolerate
missing rows where samples were lost.
*/
package record

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/sequence"
)

// flushEvery is how many rows may accumulate before a forced flush; the
// original logger flushed on the same cadence as its progress prints
const flushEvery = 50

// Sink writes samples to a CSV file in arrival order.  Appends are
// serialized; there is no read access while a run is in progress.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	rows   int
	closed bool
}

// NewSink creates path, writes the metadata preamble and header row, and
// returns a Sink ready for appends
func NewSink(path string, prof sequence.Profile) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(f, "# rate table test - %s\n", time.Now().Format("2006-01-02 15:04:05"))
	switch prof.Kind {
	case sequence.Sinusoid:
		fmt.Fprintf(f, "# profile: sinusoid, amplitude: %g deg, frequency: %g Hz, cycles: %d\n",
			prof.Amplitude, prof.Frequency, prof.Cycles)
	default:
		fmt.Fprintf(f, "# profile: stationary, target: %g deg\n", prof.Target)
	}
	fmt.Fprintf(f, "# sample period: %s, duration: %s\n", prof.SamplePeriod, prof.Duration)
	s := &Sink{f: f, w: csv.NewWriter(f)}
	if err := s.w.Write([]string{"time_s", "position_deg"}); err != nil {
		f.Close()
		return nil, err
	}
	s.w.Flush()
	return s, s.w.Error()
}

// Append persists one sample.  Rows are written in call order; a flush
// happens at least every flushEvery rows so a crash loses little.
func (s *Sink) Append(smp acquire.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}
	err := s.w.Write([]string{
		strconv.FormatFloat(smp.T.Seconds(), 'f', 6, 64),
		strconv.FormatFloat(smp.Pos, 'f', 4, 64),
	})
	if err != nil {
		return err
	}
	s.rows++
	if s.rows%flushEvery == 0 {
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			return err
		}
	}
	return nil
}

// WriteSeries appends every sample in the buffer, for callers that hand the
// whole series over at the end of a run instead of streaming
func (s *Sink) WriteSeries(series acquire.Series) error {
	for _, smp := range series.Samples {
		if err := s.Append(smp); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns how many sample rows have been appended
func (s *Sink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Close flushes and closes the file.  It is idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}
