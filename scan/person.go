package scan

import (
	"math"

	"github.com/nasa-jpl/deliverybot/geom"
)

// PersonDetectorConfig tunes the person-cluster heuristic.
type PersonDetectorConfig struct {
	MaxRange   float64 // ignore returns beyond this distance, metres
	RangeJump  float64 // a gap in successive ranges this large breaks a cluster, metres
	AngularGap float64 // a gap in successive angles this large breaks a cluster, radians
	MinWidth   float64 // minimum plausible human width, metres
	MaxWidth   float64 // maximum plausible human width, metres
}

// DefaultPersonDetectorConfig matches an adult torso at typical indoor
// hallway ranges.
func DefaultPersonDetectorConfig() PersonDetectorConfig {
	return PersonDetectorConfig{
		MaxRange:   4.0,
		RangeJump:  0.15,
		AngularGap: 0.05,
		MinWidth:   0.15,
		MaxWidth:   0.70,
	}
}

// PersonCluster is a candidate detection: a contiguous run of scan points
// whose angular width at range is consistent with a person, reported both
// in robot-relative polar form and as a world-frame position.
type PersonCluster struct {
	Range float64 // mean distance, metres
	Angle float64 // mean angle in the robot frame, radians
	Width float64 // estimated physical width, metres
	X, Y  float64 // world-frame estimated centroid
}

// DetectPeople clusters a scan's points and returns every cluster whose
// estimated width falls within the configured human-width band. pose is
// the robot's current global pose, used to project clusters into the
// world frame; scan angles are assumed robot-relative with 0 pointing
// along the robot's heading.
func DetectPeople(pose geom.Pose, sc geom.Scan, cfg PersonDetectorConfig) []PersonCluster {
	var clusters []PersonCluster
	var run []geom.ScanPoint

	flush := func() {
		if len(run) == 0 {
			return
		}
		if c, ok := summarize(run, cfg); ok {
			clusters = append(clusters, project(pose, c))
		}
		run = nil
	}

	var prev *geom.ScanPoint
	for i := range sc.Points {
		p := sc.Points[i]
		if p.Distance <= 0 || p.Distance > cfg.MaxRange {
			flush()
			prev = nil
			continue
		}
		if prev != nil {
			angGap := math.Abs(geom.AngleDiff(p.Angle, prev.Angle))
			rangeGap := math.Abs(p.Distance - prev.Distance)
			if angGap > cfg.AngularGap || rangeGap > cfg.RangeJump {
				flush()
			}
		}
		run = append(run, p)
		prevCopy := p
		prev = &prevCopy
	}
	flush()
	return clusters
}

func summarize(run []geom.ScanPoint, cfg PersonDetectorConfig) (PersonCluster, bool) {
	var sumR, sumA float64
	for _, p := range run {
		sumR += p.Distance
		sumA += p.Angle
	}
	n := float64(len(run))
	meanR := sumR / n
	meanA := sumA / n

	angSpan := math.Abs(geom.AngleDiff(run[len(run)-1].Angle, run[0].Angle))
	width := meanR * angSpan
	if width < cfg.MinWidth || width > cfg.MaxWidth {
		return PersonCluster{}, false
	}
	return PersonCluster{Range: meanR, Angle: meanA, Width: width}, true
}

func project(pose geom.Pose, c PersonCluster) PersonCluster {
	global := pose.Theta + c.Angle
	c.X = pose.X + c.Range*math.Cos(global)
	c.Y = pose.Y + c.Range*math.Sin(global)
	return c
}

// NearestPerson returns the closest detected cluster and true, or false
// if none was detected. It is the primitive the Waiting and Approaching
// state handlers poll.
func NearestPerson(pose geom.Pose, sc geom.Scan, cfg PersonDetectorConfig) (PersonCluster, bool) {
	clusters := DetectPeople(pose, sc, cfg)
	if len(clusters) == 0 {
		return PersonCluster{}, false
	}
	best := clusters[0]
	for _, c := range clusters[1:] {
		if c.Range < best.Range {
			best = c
		}
	}
	return best, true
}
