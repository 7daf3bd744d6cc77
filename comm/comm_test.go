package comm_test

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/navlab/ratetable/comm"
)

// scriptConn is an in-memory stand-in for the serial port.  Each Write queues
// the next scripted reply; Read drains it.  An empty script entry produces
// silence (a timeout at the transport level).
type scriptConn struct {
	mu      sync.Mutex
	replies []string
	pending []byte
	writes  []string
	closed  int
	readErr error
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(p))
	if len(c.replies) > 0 {
		c.pending = append(c.pending, c.replies[0]...)
		c.replies = c.replies[1:]
	}
	return len(p), nil
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	if len(c.pending) == 0 {
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func TestSendRecvStripsPromptAndCRLF(t *testing.T) {
	conn := &scriptConn{replies: []string{"PPO 12.5000\r\n>"}}
	tr := comm.NewWithConn(conn, time.Second)
	resp, latency, err := tr.SendRecv("PPO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "PPO 12.5000" {
		t.Errorf("expected scrubbed body, got %q", resp)
	}
	if latency <= 0 {
		t.Errorf("expected positive latency, got %v", latency)
	}
	if conn.writes[0] != "PPO\r" {
		t.Errorf("expected CR terminated command, got %q", conn.writes[0])
	}
}

func TestSendRecvEmptyBodyIsAck(t *testing.T) {
	conn := &scriptConn{replies: []string{"\r\n>"}}
	tr := comm.NewWithConn(conn, time.Second)
	resp, _, err := tr.SendRecv("HOM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "" {
		t.Errorf("expected empty body, got %q", resp)
	}
}

func TestSendRecvTimeout(t *testing.T) {
	conn := &scriptConn{replies: []string{""}}
	tr := comm.NewWithConn(conn, 50*time.Millisecond)
	_, _, err := tr.SendRecv("PPO")
	if !errors.Is(err, comm.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestSendRecvPartialResponseIsDesync(t *testing.T) {
	// bytes arrive but the prompt never does
	conn := &scriptConn{replies: []string{"12.5"}}
	tr := comm.NewWithConn(conn, 50*time.Millisecond)
	_, _, err := tr.SendRecv("PPO")
	if !errors.Is(err, comm.ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
}

func TestSendRecvReadErrorIsDesync(t *testing.T) {
	conn := &scriptConn{readErr: errors.New("input overrun")}
	tr := comm.NewWithConn(conn, 50*time.Millisecond)
	_, _, err := tr.SendRecv("PPO")
	if !errors.Is(err, comm.ErrDesync) {
		t.Fatalf("expected ErrDesync, got %v", err)
	}
}

func TestSendRecvNotConnected(t *testing.T) {
	tr := comm.New(comm.Config{Device: "/dev/null", Baud: 9600})
	_, _, err := tr.SendRecv("PPO")
	if !errors.Is(err, comm.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &scriptConn{}
	tr := comm.NewWithConn(conn, time.Second)
	for i := 0; i < 3; i++ {
		if err := tr.Close(); err != nil {
			t.Fatalf("close %d: %v", i+1, err)
		}
	}
	if conn.closed != 1 {
		t.Errorf("expected underlying conn closed exactly once, closed %d times", conn.closed)
	}
}

func TestSendRecvSerializesCallers(t *testing.T) {
	// many goroutines hammer the transport; the scripted replies pair up
	// with requests only if calls never interleave
	const n = 25
	replies := make([]string, n)
	for i := range replies {
		replies[i] = "0\r\n>"
	}
	conn := &scriptConn{replies: replies}
	tr := comm.NewWithConn(conn, time.Second)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, _, err := tr.SendRecv("MCO5")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if resp != "0" {
				t.Errorf("interleaved response: %q", resp)
			}
		}()
	}
	wg.Wait()
	if len(conn.writes) != n {
		t.Errorf("expected %d writes, got %d", n, len(conn.writes))
	}
}
