/*Package comm implements the framed, line-oriented serial link to the
delivery robot's microcontroller.

The protocol is ASCII, newline-terminated, and full duplex: the host sends
MOTOR/SERVO/LED/STOP commands and waits for a single ACK line per command,
while the microcontroller pushes unsolicited ENCODER and IR telemetry lines
that may interleave with those ACKs at any time. At most one command is ever
in flight; Motor and Servo commands are retried up to three times with a
fixed backoff and must never be silently dropped, while LED commands are
rate-limited and may be dropped under backpressure.

The port is opened with an exponential backoff and serviced by a
background reader loop rather than a synchronous send/response exchange,
because the link carries unsolicited traffic that must never be missed
while a command is pending.
*/
package comm

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/tarm/serial"
	"golang.org/x/time/rate"
)

// LEDState names one of the microcontroller's eye animations.
type LEDState string

// The eye animations the microcontroller understands.
const (
	LEDIdle        LEDState = "IDLE"
	LEDWaiting     LEDState = "WAITING"
	LEDMoving      LEDState = "MOVING"
	LEDError       LEDState = "ERROR"
	LEDSuccessScan LEDState = "SUCCESS_SCAN"
	LEDFailureScan LEDState = "FAILURE_SCAN"
)

// EncoderDelta is a tick-count delta between two successive ENCODER lines,
// with the wall-clock spacing between them.
type EncoderDelta struct {
	Left, Right int32
	DT          time.Duration
}

// IRSample is a raw, unconverted reading of the proximity sensor's ADC.
type IRSample struct {
	Raw int
}

// Handlers holds the callbacks invoked from the link's reader goroutine as
// unsolicited telemetry lines arrive. Callbacks run serially, on the single
// reader goroutine, and must not block.
type Handlers struct {
	OnEncoderDelta func(EncoderDelta)
	OnIR           func(IRSample)
	OnLinkError    func(text string) // microcontroller ERROR:<text> lines
}

// ErrNotConnected is returned when a command is attempted before Open.
var ErrNotConnected = errors.New("comm: not connected to microcontroller")

// ErrLinkLost is returned when a command exhausts its retries without an
// ACK. It is the trigger for a LinkLost condition upstream.
type ErrLinkLost struct {
	Command string
}

func (e ErrLinkLost) Error() string {
	return fmt.Sprintf("comm: no ACK for %q after retries, link lost", e.Command)
}

const (
	ackTimeout   = 500 * time.Millisecond
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// Link owns the serial port exclusively. All sends are serialized through
// its mutex so that at most one command is ever in flight and commands
// reach the wire in issue order.
type Link struct {
	mu   sync.Mutex
	conn io.ReadWriteCloser
	dev  string
	baud int

	handlers Handlers

	ackCh  chan struct{}
	closed chan struct{}
	wg     sync.WaitGroup

	ledLimiter *rate.Limiter

	lastLeft, lastRight int32
	haveLast            bool
	lastSampleAt        time.Time
}

// New returns an unopened Link for the given device path and baud rate.
// Handlers may be left zero-valued; missing callbacks are simply skipped.
func New(dev string, baud int, h Handlers) *Link {
	return &Link{
		dev:        dev,
		baud:       baud,
		handlers:   h,
		ackCh:      make(chan struct{}, 1),
		closed:     make(chan struct{}),
		ledLimiter: rate.NewLimiter(rate.Limit(5), 1),
	}
}

func serialConfig(dev string, baud int) *serial.Config {
	return &serial.Config{
		Name:        dev,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 200 * time.Millisecond,
	}
}

// Open establishes the serial connection, retrying with an exponential
// backoff, since microcontrollers freshly reset by a USB re-enumeration
// do not like being connection thrashed.
func (l *Link) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	var conn io.ReadWriteCloser
	op := func() error {
		c, err := serial.OpenPort(serialConfig(l.dev, l.baud))
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock,
	})
	if err != nil {
		return errors.Wrapf(err, "comm: opening %s", l.dev)
	}
	return l.adopt(conn)
}

// Adopt lets a test (or a non-serial transport) hand the Link an
// already-open connection, e.g. one side of a net.Pipe, bypassing the
// real serial.OpenPort call.
func (l *Link) Adopt(conn io.ReadWriteCloser) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.adopt(conn)
}

func (l *Link) adopt(conn io.ReadWriteCloser) error {
	l.conn = conn
	l.wg.Add(1)
	go l.readLoop(conn)
	return nil
}

// Close terminates the reader goroutine and closes the underlying
// connection.
func (l *Link) Close() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	close(l.closed)
	err := conn.Close()
	l.wg.Wait()
	return err
}

// readLoop continuously reads newline-terminated lines and dispatches them.
// It runs for the lifetime of the connection and must never be blocked by
// a pending command, since ENCODER/IR telemetry can interleave with ACKs.
func (l *Link) readLoop(conn io.ReadWriteCloser) {
	defer l.wg.Done()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		select {
		case <-l.closed:
			return
		default:
		}
		l.dispatch(strings.TrimRight(scanner.Text(), "\r"))
	}
}

func (l *Link) dispatch(line string) {
	switch {
	case line == "ACK":
		select {
		case l.ackCh <- struct{}{}:
		default:
			// no command waiting; a stray ACK is discarded, the slot stays full
		}
	case strings.HasPrefix(line, "ENCODER:"):
		l.handleEncoder(strings.TrimPrefix(line, "ENCODER:"))
	case strings.HasPrefix(line, "IR:"):
		l.handleIR(strings.TrimPrefix(line, "IR:"))
	case strings.HasPrefix(line, "ERROR:"):
		text := strings.TrimPrefix(line, "ERROR:")
		if l.handlers.OnLinkError != nil {
			l.handlers.OnLinkError(text)
		}
	default:
		log.Printf("comm: discarding unrecognized line %q", line)
	}
}

func (l *Link) handleEncoder(body string) {
	parts := strings.SplitN(body, ",", 2)
	if len(parts) != 2 {
		log.Printf("comm: malformed ENCODER line %q", body)
		return
	}
	lt, err1 := strconv.ParseInt(parts[0], 10, 32)
	rt, err2 := strconv.ParseInt(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		log.Printf("comm: malformed ENCODER line %q", body)
		return
	}
	left, right := int32(lt), int32(rt)
	now := time.Now()
	if !l.haveLast {
		l.lastLeft, l.lastRight = left, right
		l.lastSampleAt = now
		l.haveLast = true
		return
	}
	// signed 32-bit subtraction wraps naturally in Go, handling counter wrap.
	delta := EncoderDelta{
		Left:  left - l.lastLeft,
		Right: right - l.lastRight,
		DT:    now.Sub(l.lastSampleAt),
	}
	l.lastLeft, l.lastRight = left, right
	l.lastSampleAt = now
	if l.handlers.OnEncoderDelta != nil {
		l.handlers.OnEncoderDelta(delta)
	}
}

func (l *Link) handleIR(body string) {
	raw, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil {
		log.Printf("comm: malformed IR line %q", body)
		return
	}
	if l.handlers.OnIR != nil {
		l.handlers.OnIR(IRSample{Raw: raw})
	}
}

// sendCritical writes line, waits up to ackTimeout for an ACK, and retries
// up to maxRetries times with retryBackoff between attempts. It returns
// ErrLinkLost if every attempt times out.
func (l *Link) sendCritical(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	// drain any stale ACK left over from a previous, already-satisfied command
	select {
	case <-l.ackCh:
	default:
	}
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		if _, err := l.conn.Write([]byte(line + "\n")); err != nil {
			return errors.Wrap(err, "comm: write")
		}
		select {
		case <-l.ackCh:
			return nil
		case <-time.After(ackTimeout):
			continue
		}
	}
	return ErrLinkLost{Command: line}
}

// sendNonCritical writes line without retrying, dropping it under
// backpressure per the rate limiter. It is used only for LED commands,
// which may be dropped.
func (l *Link) sendNonCritical(line string) error {
	if !l.ledLimiter.Allow() {
		log.Printf("comm: dropping non-critical command %q under backpressure", line)
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	select {
	case <-l.ackCh:
	default:
	}
	if _, err := l.conn.Write([]byte(line + "\n")); err != nil {
		return errors.Wrap(err, "comm: write")
	}
	select {
	case <-l.ackCh:
		return nil
	case <-time.After(ackTimeout):
		log.Printf("comm: no ACK for non-critical command %q, continuing", line)
		return nil
	}
}

// Motor sets left/right motor speeds (0-255) and directions (0=reverse,
// 1=forward). It is critical: never silently dropped.
func (l *Link) Motor(leftSpeed, rightSpeed uint8, leftDir, rightDir int) error {
	line := fmt.Sprintf("MOTOR:%d,%d,%d,%d", leftSpeed, rightSpeed, normDir(leftDir), normDir(rightDir))
	return l.sendCritical(line)
}

func normDir(d int) int {
	if d != 0 {
		return 1
	}
	return 0
}

// ZeroMotor issues a zero-speed MOTOR command. Every exit path of the
// motion controller must call this before returning.
func (l *Link) ZeroMotor() error {
	return l.Motor(0, 0, 0, 0)
}

// Servo sets the box servo's target angle in degrees, 0-180. Critical.
func (l *Link) Servo(angle int) error {
	if angle < 0 {
		angle = 0
	}
	if angle > 180 {
		angle = 180
	}
	return l.sendCritical(fmt.Sprintf("SERVO:%d", angle))
}

// LED sets the eye animation. Non-critical: may be dropped under
// backpressure.
func (l *Link) LED(state LEDState) error {
	return l.sendNonCritical(fmt.Sprintf("LED:%s", state))
}

// Stop sends the emergency-stop command, equivalent to MOTOR:0,0,0,0 but
// transmitted as its own frame. Critical.
func (l *Link) Stop() error {
	return l.sendCritical("STOP")
}
