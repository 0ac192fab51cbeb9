/*Package scan produces periodic 360-degree laser range scans and derives a
simple person-cluster detector from them.

Source is deliberately narrow: Next blocks for the next full revolution.
A real scanner is wired in over its own serial connection (the same
device-path/baud convention the comm package uses for the
microcontroller link); a Fake source plays back a canned sequence of
scans for tests and simulation.
*/
package scan

import (
	"bufio"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/nasa-jpl/deliverybot/geom"
)

// Source produces successive full-revolution scans.
type Source interface {
	// Next blocks until the next scan is available.
	Next() (geom.Scan, error)
	// Close releases any underlying resources.
	Close() error
}

// SerialSource reads scans from a line-framed serial device. Each
// revolution is one line: a semicolon-separated list of
// "distance,angle,intensity" triples, in ascending angle order.
type SerialSource struct {
	mu      sync.Mutex
	conn    io.ReadWriteCloser
	scanner *bufio.Scanner
}

// OpenSerial opens a laser scanner on the given device at the given baud.
func OpenSerial(dev string, baud int) (*SerialSource, error) {
	conn, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, errors.Wrapf(err, "scan: opening %s", dev)
	}
	return &SerialSource{conn: conn, scanner: bufio.NewScanner(conn)}, nil
}

// Next reads and parses the next revolution's line.
func (s *SerialSource) Next() (geom.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			return geom.Scan{}, errors.Wrap(err, "scan: reading")
		}
		return geom.Scan{}, io.EOF
	}
	return parseLine(s.scanner.Text())
}

// Close closes the underlying serial connection.
func (s *SerialSource) Close() error {
	return s.conn.Close()
}

func parseLine(line string) (geom.Scan, error) {
	fields := strings.Split(strings.TrimSpace(line), ";")
	out := geom.Scan{Points: make([]geom.ScanPoint, 0, len(fields))}
	for _, f := range fields {
		if f == "" {
			continue
		}
		parts := strings.Split(f, ",")
		if len(parts) != 3 {
			log.Printf("scan: discarding malformed point %q", f)
			continue
		}
		d, err1 := strconv.ParseFloat(parts[0], 64)
		a, err2 := strconv.ParseFloat(parts[1], 64)
		i, err3 := strconv.ParseFloat(parts[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			log.Printf("scan: discarding malformed point %q", f)
			continue
		}
		out.Points = append(out.Points, geom.ScanPoint{Distance: d, Angle: a, Intensity: i})
	}
	return out, nil
}

// FakeSource plays back a fixed, looping or one-shot sequence of scans,
// for tests and the simulator.
type FakeSource struct {
	mu     sync.Mutex
	scans  []geom.Scan
	cursor int
	loop   bool
}

// NewFakeSource returns a Source that yields scans in order, looping if
// loop is true and returning io.EOF once exhausted otherwise.
func NewFakeSource(scans []geom.Scan, loop bool) *FakeSource {
	return &FakeSource{scans: scans, loop: loop}
}

// Next returns the next canned scan.
func (f *FakeSource) Next() (geom.Scan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cursor >= len(f.scans) {
		if !f.loop || len(f.scans) == 0 {
			return geom.Scan{}, io.EOF
		}
		f.cursor = 0
	}
	s := f.scans[f.cursor]
	f.cursor++
	return s, nil
}

// Close is a no-op for FakeSource.
func (f *FakeSource) Close() error { return nil }

// Push appends a scan to the end of the playback queue, letting a test
// drive a FakeSource interactively rather than pre-building the whole
// sequence up front.
func (f *FakeSource) Push(s geom.Scan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans = append(f.scans, s)
}
