package monitor_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/navlab/ratetable/acquire"
	"github.com/navlab/ratetable/monitor"
	"github.com/navlab/ratetable/sequence"
)

func testServer() (*monitor.Server, *httptest.Server) {
	mon := monitor.New(sequence.Profile{
		Kind:         sequence.Sinusoid,
		Amplitude:    20,
		Frequency:    0.3,
		Cycles:       54,
		SamplePeriod: 200 * time.Millisecond,
		Duration:     180 * time.Second,
	})
	return mon, httptest.NewServer(mon.Router())
}

func getJSON(t *testing.T, url string, into interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestStateEndpoint(t *testing.T) {
	mon, srv := testServer()
	defer srv.Close()
	mon.SetState(sequence.Running)
	mon.ObserveSample(acquire.Sample{T: time.Second, Pos: 3.2})
	mon.ObserveGap()

	var body map[string]interface{}
	if code := getJSON(t, srv.URL+"/state", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["state"] != "running" {
		t.Errorf("state = %v", body["state"])
	}
	if body["samples"].(float64) != 1 || body["gaps"].(float64) != 1 {
		t.Errorf("counts = %v/%v", body["samples"], body["gaps"])
	}
}

func TestLastSampleEndpoint(t *testing.T) {
	mon, srv := testServer()
	defer srv.Close()

	if code := getJSON(t, srv.URL+"/last-sample", &struct{}{}); code != http.StatusNotFound {
		t.Fatalf("expected 404 before any sample, got %d", code)
	}

	mon.ObserveSample(acquire.Sample{T: 1500 * time.Millisecond, Pos: -7.25})
	var body map[string]float64
	if code := getJSON(t, srv.URL+"/last-sample", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["time_s"] != 1.5 || body["position_deg"] != -7.25 {
		t.Errorf("body = %v", body)
	}
}

func TestProfileEndpoint(t *testing.T) {
	_, srv := testServer()
	defer srv.Close()
	var body map[string]interface{}
	if code := getJSON(t, srv.URL+"/profile", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body["kind"] != "sinusoid" {
		t.Errorf("kind = %v", body["kind"])
	}
	if body["cycles"].(float64) != 54 {
		t.Errorf("cycles = %v", body["cycles"])
	}
}
