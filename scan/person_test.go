package scan

import (
	"math"
	"testing"

	"github.com/nasa-jpl/deliverybot/geom"
)

func personLikeScan() geom.Scan {
	// A cluster of points at ~1.5m spanning 0.2 rad, i.e. a 0.3m wide
	// person centred at 0.53 rad, surrounded by far returns.
	pts := []geom.ScanPoint{
		{Distance: 4, Angle: 0.00, Intensity: 1},
		{Distance: 4, Angle: 0.10, Intensity: 1},
		{Distance: 1.5, Angle: 0.43, Intensity: 1},
		{Distance: 1.5, Angle: 0.47, Intensity: 1},
		{Distance: 1.5, Angle: 0.51, Intensity: 1},
		{Distance: 1.5, Angle: 0.55, Intensity: 1},
		{Distance: 1.5, Angle: 0.59, Intensity: 1},
		{Distance: 1.5, Angle: 0.63, Intensity: 1},
		{Distance: 4, Angle: 1.00, Intensity: 1},
	}
	return geom.Scan{Points: pts}
}

func TestDetectPeopleFindsPlausibleCluster(t *testing.T) {
	pose := geom.Pose{X: 0, Y: 0, Theta: 0}
	clusters := DetectPeople(pose, personLikeScan(), DefaultPersonDetectorConfig())
	if len(clusters) != 1 {
		t.Fatalf("expected 1 cluster, got %d: %+v", len(clusters), clusters)
	}
	c := clusters[0]
	if math.Abs(c.Range-1.5) > 0.01 {
		t.Errorf("got range %v, want ~1.5", c.Range)
	}
}

func TestDetectPeopleIgnoresTooWideOrNarrow(t *testing.T) {
	cfg := DefaultPersonDetectorConfig()
	cfg.MinWidth = 5.0 // nothing this wide should ever cluster
	pose := geom.Pose{}
	clusters := DetectPeople(pose, personLikeScan(), cfg)
	if len(clusters) != 0 {
		t.Errorf("expected no clusters with an unreachable min width, got %+v", clusters)
	}
}

func TestNearestPersonProjectsToWorldFrame(t *testing.T) {
	pose := geom.Pose{X: 10, Y: 10, Theta: math.Pi / 2}
	c, ok := NearestPerson(pose, personLikeScan(), DefaultPersonDetectorConfig())
	if !ok {
		t.Fatal("expected a detection")
	}
	// robot facing +Y; a cluster at robot-relative angle ~0.53 rad should
	// project forward-and-left of the robot's position.
	if c.Y <= pose.Y {
		t.Errorf("expected cluster projected ahead of robot heading +Y, got %+v", c)
	}
}

func TestNearestPersonNoneWhenEmpty(t *testing.T) {
	_, ok := NearestPerson(geom.Pose{}, geom.Scan{}, DefaultPersonDetectorConfig())
	if ok {
		t.Error("expected no detection for an empty scan")
	}
}
