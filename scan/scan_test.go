package scan

import (
	"io"
	"testing"

	"github.com/nasa-jpl/deliverybot/geom"
)

func TestFakeSourcePlaybackOneShot(t *testing.T) {
	s1 := geom.Scan{Points: []geom.ScanPoint{{Distance: 1, Angle: 0, Intensity: 1}}}
	s2 := geom.Scan{Points: []geom.ScanPoint{{Distance: 2, Angle: 0, Intensity: 1}}}
	f := NewFakeSource([]geom.Scan{s1, s2}, false)

	got1, err := f.Next()
	if err != nil || got1.Points[0].Distance != 1 {
		t.Fatalf("got %+v, %v", got1, err)
	}
	got2, err := f.Next()
	if err != nil || got2.Points[0].Distance != 2 {
		t.Fatalf("got %+v, %v", got2, err)
	}
	if _, err := f.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after exhausting one-shot source, got %v", err)
	}
}

func TestFakeSourceLoops(t *testing.T) {
	s1 := geom.Scan{Points: []geom.ScanPoint{{Distance: 1, Angle: 0}}}
	f := NewFakeSource([]geom.Scan{s1}, true)
	for i := 0; i < 5; i++ {
		got, err := f.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got.Points[0].Distance != 1 {
			t.Fatalf("iteration %d: got %+v", i, got)
		}
	}
}

func TestParseLineDiscardsMalformedPoints(t *testing.T) {
	got, err := parseLine("1.0,0.0,10;garbage;2.0,0.1,12")
	if err != nil {
		t.Fatalf("parseLine: %v", err)
	}
	if len(got.Points) != 2 {
		t.Fatalf("expected 2 valid points, got %d: %+v", len(got.Points), got.Points)
	}
}
