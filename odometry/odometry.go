// Package odometry integrates wheel-encoder tick deltas into a
// dead-reckoned pose using differential-drive kinematics.
package odometry

import (
	"math"
	"sync"
	"time"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/geom"
)

// Geometry holds the physical constants of the differential drive.
type Geometry struct {
	WheelBase   float64 // B, metres between the two drive wheels
	WheelRadius float64 // R, metres
	TicksPerRev float64 // T, encoder ticks per wheel revolution
}

// Integrator holds the current dead-reckoned pose and advances it from
// successive encoder deltas. It is safe for concurrent use: the serial
// link's reader goroutine feeds it deltas while other goroutines read the
// current pose.
type Integrator struct {
	geo Geometry

	mu   sync.Mutex
	pose geom.Pose
}

// New creates an Integrator starting at the given pose (usually home,
// (0,0,0)).
func New(geo Geometry, start geom.Pose) *Integrator {
	return &Integrator{geo: geo, pose: start.Normalized()}
}

// Pose returns the current dead-reckoned pose.
func (in *Integrator) Pose() geom.Pose {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.pose
}

// Reset replaces the current pose outright, e.g. after the particle
// filter relocalizes far from the dead-reckoned estimate.
func (in *Integrator) Reset(p geom.Pose) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.pose = p.Normalized()
}

// Integrate advances the pose by one encoder-tick delta, per:
//
//	dl = 2*pi*R * dLeft / T
//	dr = 2*pi*R * dRight / T
//	ds = (dl + dr) / 2
//	dtheta = (dr - dl) / B
//	x  += ds * cos(theta + dtheta/2)
//	y  += ds * sin(theta + dtheta/2)
//	theta = wrap(theta + dtheta)
//
// A zero delta on both wheels leaves the pose unchanged. Pure
// counter-rotation (dLeft == -dRight) produces rotation with no
// translation.
func (in *Integrator) Integrate(dLeft, dRight int32) geom.Pose {
	dl := 2 * math.Pi * in.geo.WheelRadius * float64(dLeft) / in.geo.TicksPerRev
	dr := 2 * math.Pi * in.geo.WheelRadius * float64(dRight) / in.geo.TicksPerRev
	ds := (dl + dr) / 2
	dtheta := (dr - dl) / in.geo.WheelBase

	in.mu.Lock()
	defer in.mu.Unlock()
	mid := in.pose.Theta + dtheta/2
	in.pose.X += ds * math.Cos(mid)
	in.pose.Y += ds * math.Sin(mid)
	in.pose.Theta = geom.WrapAngle(in.pose.Theta + dtheta)
	return in.pose
}

// TicksToDelta converts a raw encoder tick delta (as produced by the
// comm package) into the robot's displacement ds and heading change
// dtheta, exposed for components (e.g. the
// particle filter's motion model) that need ds/dtheta directly instead of
// a pose update.
func (g Geometry) TicksToDelta(dLeft, dRight int32) (ds, dtheta float64) {
	dl := 2 * math.Pi * g.WheelRadius * float64(dLeft) / g.TicksPerRev
	dr := 2 * math.Pi * g.WheelRadius * float64(dRight) / g.TicksPerRev
	ds = (dl + dr) / 2
	dtheta = (dr - dl) / g.WheelBase
	return
}

// Listen wires the integrator directly to a comm.Link's encoder telemetry,
// returning the Handlers.OnEncoderDelta callback to pass to comm.New. DT is
// accepted but only carried for any derived-velocity need of the motion
// controller; the kinematics above do not require it.
func (in *Integrator) Listen() func(comm.EncoderDelta) {
	return func(d comm.EncoderDelta) {
		in.Integrate(d.Left, d.Right)
	}
}

// Velocity estimates linear and angular velocity from a tick delta and its
// time spacing, for consumers that want an instantaneous rate rather
// than only the integrated pose.
func (g Geometry) Velocity(dLeft, dRight int32, dt time.Duration) (linear, angular float64) {
	if dt <= 0 {
		return 0, 0
	}
	ds, dtheta := g.TicksToDelta(dLeft, dRight)
	secs := dt.Seconds()
	return ds / secs, dtheta / secs
}
