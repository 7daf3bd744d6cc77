/*Package monitor exposes a read-only HTTP view of a run in progress.

It exists so an operator at another bench can watch a long acquisition
without touching the control terminal.  It is strictly an observer: nothing
here issues table commands, and the endpoints only read a snapshot that the
sequencer and acquisition hooks push in.
*/
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/sequence"
)

// Server holds the last pushed snapshot of a run
type Server struct {
	prof sequence.Profile

	state      sequence.State
	last       acquire.Sample
	samples    int
	gaps       int
	haveSample bool

	mu sync.Mutex
}

// New returns a Server describing prof with no samples yet
func New(prof sequence.Profile) *Server {
	return &Server{prof: prof}
}

// SetState records a sequencer state transition
func (s *Server) SetState(st sequence.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ObserveSample records the newest acquisition sample
func (s *Server) ObserveSample(smp acquire.Sample) {
	s.mu.Lock()
	s.last = smp
	s.samples++
	s.haveSample = true
	s.mu.Unlock()
}

// ObserveGap bumps the missed-sample count
func (s *Server) ObserveGap() {
	s.mu.Lock()
	s.gaps++
	s.mu.Unlock()
}

func respondJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Router returns the chi router serving /state, /last-sample, and /profile
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		st := s.state
		n, g := s.samples, s.gaps
		s.mu.Unlock()
		respondJSON(w, map[string]interface{}{
			"state":   st.String(),
			"samples": n,
			"gaps":    g,
		})
	})
	r.Get("/last-sample", func(w http.ResponseWriter, _ *http.Request) {
		s.mu.Lock()
		smp, ok := s.last, s.haveSample
		s.mu.Unlock()
		if !ok {
			http.Error(w, "no samples yet", http.StatusNotFound)
			return
		}
		respondJSON(w, map[string]float64{
			"time_s":       smp.T.Seconds(),
			"position_deg": smp.Pos,
		})
	})
	r.Get("/profile", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, map[string]interface{}{
			"kind":            s.prof.Kind.String(),
			"target_deg":      s.prof.Target,
			"amplitude_deg":   s.prof.Amplitude,
			"frequency_hz":    s.prof.Frequency,
			"cycles":          s.prof.Cycles,
			"sample_period_s": s.prof.SamplePeriod.Seconds(),
			"duration_s":      s.prof.Duration.Seconds(),
		})
	})
	return r
}
