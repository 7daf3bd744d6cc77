/*Package comm provides the serial transport used to talk to the rate table.

The table speaks a half-duplex ASCII protocol: commands are carriage return
terminated, and every response ends with a '>' prompt byte.  There is never
more than one request in flight; the Transport enforces this with an internal
lock, so it is safe to share between the motion sequencer and the acquisition
loop.

A minimal example:

	tr := comm.New(comm.Config{Device: "/dev/ttyUSB0", Baud: 9600})
	err := tr.Open()
	if err != nil {
		return err
	}
	defer tr.Close()
	resp, latency, err := tr.SendRecv("PPO")
*/
package comm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const (
	// TxTerminator is appended to every outgoing command
	TxTerminator = byte('\r')

	// Prompt is the byte the table emits at the end of every response
	Prompt = byte('>')

	// DefaultTimeout bounds each request/response exchange.  It matches the
	// worst case response latency observed on the device family.
	DefaultTimeout = 2 * time.Second

	// readChunk is the size of the read buffer used while scanning for the prompt
	readChunk = 64
)

var (
	// ErrNotConnected is generated when SendRecv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to device")

	// ErrTimeout is generated when no prompt arrives within the timeout.
	// The command may or may not have been acted on; retry policy belongs
	// to the caller.
	ErrTimeout = errors.New("no response from device within timeout")

	// ErrDesync is generated when bytes arrive but never a prompt, or the
	// read fails partway.  Device state is uncertain after this error.
	ErrDesync = errors.New("response not terminated by prompt, link desynchronized")
)

// Config holds the parameters of the serial link
type Config struct {
	// Device is the OS name of the serial port, e.g. COM10 or /dev/ttyUSB0
	Device string

	// Baud is the symbol rate, 9600 for the rate table
	Baud int

	// Timeout bounds each SendRecv call.  Zero means DefaultTimeout.
	Timeout time.Duration
}

func (c Config) serialConf() *serial.Config {
	return &serial.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 50 * time.Millisecond}
}

// flusher is satisfied by serial.Port and by test doubles that buffer input
type flusher interface {
	Flush() error
}

// Transport owns the connection to the table and serializes requests on it.
// The zero value is not usable; create one with New or NewWithConn.
type Transport struct {
	conf Config

	mu   sync.Mutex
	conn io.ReadWriteCloser
}

// New returns a Transport that will open the serial port described by conf
func New(conf Config) *Transport {
	if conf.Timeout == 0 {
		conf.Timeout = DefaultTimeout
	}
	return &Transport{conf: conf}
}

// NewWithConn returns a Transport over an already-open connection.  It is
// used with simulated tables in tests, or a terminal server stand-in for a
// local port.
func NewWithConn(conn io.ReadWriteCloser, timeout time.Duration) *Transport {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Transport{conf: Config{Timeout: timeout}, conn: conn}
}

// Open connects to the serial port.  USB serial adapters enumerate slowly
// after plug-in, so the dial is retried with exponential backoff.
func (t *Transport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	op := func() error {
		conn, err := serial.OpenPort(t.conf.serialConf())
		if err != nil {
			return err
		}
		t.conn = conn
		return nil
	}
	return backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
}

// Close closes the connection.  It is idempotent; closing a transport that
// is not open is not an error.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// SendRecv writes cmd to the table and reads until the prompt or the timeout.
// The reply is returned with the prompt, CR, and LF bytes stripped, along
// with the measured round trip latency.  Calls are serialized; the table
// protocol is strictly one request in flight.
func (t *Transport) SendRecv(cmd string) (string, time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "", 0, ErrNotConnected
	}
	// stale unread bytes would pair this request with a previous response
	if f, ok := t.conn.(flusher); ok {
		f.Flush()
	}
	start := time.Now()
	_, err := t.conn.Write(append([]byte(cmd), TxTerminator))
	if err != nil {
		return "", time.Since(start), fmt.Errorf("write %q: %w", cmd, err)
	}
	deadline := start.Add(t.conf.Timeout)
	var (
		buf   []byte
		chunk = make([]byte, readChunk)
	)
	for {
		n, err := t.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.IndexByte(buf, Prompt); i >= 0 {
				return scrub(buf[:i]), time.Since(start), nil
			}
		}
		if err != nil && err != io.EOF {
			return "", time.Since(start), fmt.Errorf("read after %q: %v: %w", cmd, err, ErrDesync)
		}
		if time.Now().After(deadline) {
			if len(buf) > 0 {
				return "", time.Since(start), fmt.Errorf("partial response %q to %q: %w", buf, cmd, ErrDesync)
			}
			return "", time.Since(start), ErrTimeout
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

// scrub removes CR and LF and surrounding whitespace from a reply body
func scrub(b []byte) string {
	s := strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, string(b))
	return strings.TrimSpace(s)
}
