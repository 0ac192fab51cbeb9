/*Package motion drives the robot along a waypoint list produced by the
planner, closing two PID loops (heading and distance-along-heading) per
tick and handing motor commands to the comm link.

The callback shape mirrors comm.Handlers: obstacle checks and replans are
supplied by the caller (the navigator façade, which alone holds the
occupancy map and the live scan) and run synchronously on the follower's
own goroutine, so they must be fast and non-blocking.
*/
package motion

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/odometry"
	"github.com/nasa-jpl/deliverybot/pid"
)

// ErrObstacleCollision is returned once the configured number of
// near-range IR detections within one Follow call has been reached.
var ErrObstacleCollision = errors.New("motion: repeated obstacle detections, aborting")

// ErrGoalUnreachable is returned when no progress towards the goal is
// made for longer than the configured stall timeout.
var ErrGoalUnreachable = errors.New("motion: no progress toward goal, giving up")

// ErrCancelled is returned when the follower's context is cancelled
// mid-route, e.g. by the navigator's Stop().
var ErrCancelled = errors.New("motion: navigation cancelled")

// ObstacleChecker reports whether any of the remaining waypoints now lies
// within the configured clearance of an obstacle, per the most recent
// scan. It must return quickly; it is called once per control tick.
type ObstacleChecker func(remaining []geom.Waypoint, pose geom.Pose) bool

// Replanner computes a fresh waypoint list from the robot's current pose
// to the final goal, e.g. by re-running the planner against an updated
// map. It returns an error if no path exists.
type Replanner func(from geom.Pose, goal geom.Waypoint) ([]geom.Waypoint, error)

// Config holds the follower's tuning constants.
type Config struct {
	Geometry odometry.Geometry

	HeadingKp, HeadingKi, HeadingKd    float64
	DistanceKp, DistanceKi, DistanceKd float64

	// MaxLinearSpeed and MaxAngularSpeed bound the PID outputs, m/s and
	// rad/s respectively.
	MaxLinearSpeed  float64
	MaxAngularSpeed float64

	// TurnInPlaceThreshold is the heading error, in radians, beyond
	// which the linear command starts scaling down; at twice this the
	// follower rotates without translating.
	TurnInPlaceThreshold float64

	// ObstacleClearance is the distance, in metres, used by the caller's
	// ObstacleChecker; carried here only so Config is the single source
	// of the number for logging/telemetry.
	ObstacleClearance float64

	// IRStopDistance triggers an emergency stop-and-backup when the IR
	// sensor reads closer than this, metres.
	IRStopDistance float64

	// BackupDistance is how far the robot reverses after an IR stop,
	// metres, achieved open-loop by timing at BackupSpeed.
	BackupDistance float64
	BackupSpeed    float64 // m/s, magnitude

	// MaxObstacleEvents is the number of IR emergency stops tolerated
	// before the route is abandoned as an ObstacleCollision.
	MaxObstacleEvents int

	// StallTimeout aborts the route as GoalUnreachable if no progress is
	// made for this long.
	StallTimeout time.Duration

	TickInterval time.Duration
}

// DefaultConfig matches a small indoor differential-drive robot.
func DefaultConfig(geo odometry.Geometry) Config {
	return Config{
		Geometry:             geo,
		HeadingKp:            1.5,
		HeadingKi:            0.0,
		HeadingKd:            0.1,
		DistanceKp:           0.8,
		DistanceKi:           0.0,
		DistanceKd:           0.05,
		MaxLinearSpeed:       0.3,
		MaxAngularSpeed:      1.5,
		TurnInPlaceThreshold: 0.5,
		ObstacleClearance:    0.3,
		IRStopDistance:       0.10,
		BackupDistance:       0.20,
		BackupSpeed:          0.1,
		MaxObstacleEvents:    3,
		StallTimeout:         30 * time.Second,
		TickInterval:         50 * time.Millisecond,
	}
}

// Follower drives a waypoint list to completion.
type Follower struct {
	link *comm.Link
	cfg  Config

	headingPID  *pid.Controller
	distancePID *pid.Controller
}

// New returns a Follower that issues motor commands over link.
func New(link *comm.Link, cfg Config) *Follower {
	return &Follower{
		link: link,
		cfg:  cfg,
		headingPID: pid.New(cfg.HeadingKp, cfg.HeadingKi, cfg.HeadingKd).
			WithOutputLimits(-cfg.MaxAngularSpeed, cfg.MaxAngularSpeed),
		distancePID: pid.New(cfg.DistanceKp, cfg.DistanceKi, cfg.DistanceKd).
			WithOutputLimits(-cfg.MaxLinearSpeed, cfg.MaxLinearSpeed),
	}
}

// Follow drives the robot through waypoints in order, calling poseFunc
// once per tick for the current best pose estimate. checker and replan
// may be nil, in which case obstacle-triggered replanning is disabled.
// Follow guarantees a zero-speed motor command on every exit path,
// including cancellation and error returns.
func (f *Follower) Follow(ctx context.Context, waypoints []geom.Waypoint, poseFunc func() geom.Pose, irMetres func() float64, checker ObstacleChecker, replan Replanner) error {
	if len(waypoints) == 0 {
		return nil
	}
	goal := waypoints[len(waypoints)-1]
	remaining := append([]geom.Waypoint(nil), waypoints...)

	f.headingPID.Reset()
	f.distancePID.Reset()

	ticker := time.NewTicker(f.cfg.TickInterval)
	defer ticker.Stop()

	lastProgress := time.Now()
	bestRemaining := math.Inf(1)
	obstacleEvents := 0

	for {
		select {
		case <-ctx.Done():
			f.link.ZeroMotor()
			return ErrCancelled
		case <-ticker.C:
		}

		pose := poseFunc()

		if irMetres != nil && irMetres() < f.cfg.IRStopDistance {
			obstacleEvents++
			if err := f.emergencyBackup(ctx); err != nil {
				f.link.ZeroMotor()
				return err
			}
			if obstacleEvents >= f.cfg.MaxObstacleEvents {
				f.link.ZeroMotor()
				return ErrObstacleCollision
			}
			if replan != nil {
				newPath, err := replan(poseFunc(), goal)
				if err != nil {
					f.link.ZeroMotor()
					return ErrGoalUnreachable
				}
				remaining = newPath
			}
			continue
		}

		if checker != nil && checker(remaining, pose) {
			if replan == nil {
				f.link.ZeroMotor()
				return ErrGoalUnreachable
			}
			newPath, err := replan(pose, goal)
			if err != nil {
				f.link.ZeroMotor()
				return ErrGoalUnreachable
			}
			remaining = newPath
		}

		if len(remaining) == 0 {
			f.link.ZeroMotor()
			return nil
		}

		target := remaining[0]
		targetPose := geom.Pose{X: target.X, Y: target.Y}
		dist := geom.Distance(pose, targetPose)
		if dist <= target.Tolerance {
			remaining = remaining[1:]
			f.headingPID.Reset()
			f.distancePID.Reset()
			if len(remaining) == 0 {
				f.link.ZeroMotor()
				return nil
			}
			target = remaining[0]
			targetPose = geom.Pose{X: target.X, Y: target.Y}
			dist = geom.Distance(pose, targetPose)
		}

		distToGoal := geom.Distance(pose, geom.Pose{X: goal.X, Y: goal.Y})
		if distToGoal < bestRemaining-0.01 {
			bestRemaining = distToGoal
			lastProgress = time.Now()
		} else if time.Since(lastProgress) > f.cfg.StallTimeout {
			f.link.ZeroMotor()
			return ErrGoalUnreachable
		}

		if err := f.step(pose, targetPose, dist); err != nil {
			f.link.ZeroMotor()
			return err
		}
	}
}

// step runs one control tick: compute heading/distance errors, run both
// PID loops, and issue the resulting motor command. A failure to deliver
// the motor command (comm.ErrLinkLost, most likely) aborts the route.
func (f *Follower) step(pose, target geom.Pose, dist float64) error {
	dt := f.cfg.TickInterval.Seconds()
	bearing := geom.HeadingTo(pose, target)
	headingErr := geom.AngleDiff(bearing, pose.Theta)

	angular := f.headingPID.Step(headingErr, dt)
	linear := f.distancePID.Step(dist, dt) *
		headingAttenuation(math.Abs(headingErr), f.cfg.TurnInPlaceThreshold)

	return f.sendVelocity(linear, angular)
}

// headingAttenuation scales the linear command down smoothly as the
// heading error grows: full speed at or below threshold, ramping
// continuously to zero (pure turn-in-place) at twice threshold. The
// ramp avoids the velocity discontinuity a hard cutoff would command
// right at the boundary.
func headingAttenuation(absErr, threshold float64) float64 {
	if threshold <= 0 {
		return 1
	}
	if absErr <= threshold {
		return 1
	}
	if absErr >= 2*threshold {
		return 0
	}
	return (2*threshold - absErr) / threshold
}

// sendVelocity converts a linear/angular velocity command into left/right
// wheel speed+direction bytes via standard differential-drive inverse
// kinematics and issues the MOTOR command.
func (f *Follower) sendVelocity(linear, angular float64) error {
	halfBase := f.cfg.Geometry.WheelBase / 2
	left := linear - angular*halfBase
	right := linear + angular*halfBase

	leftSpeed, leftDir := wheelCommand(left, f.cfg.MaxLinearSpeed)
	rightSpeed, rightDir := wheelCommand(right, f.cfg.MaxLinearSpeed)
	return f.link.Motor(leftSpeed, rightSpeed, leftDir, rightDir)
}

func wheelCommand(v, maxV float64) (speed uint8, dir int) {
	dir = 1
	if v < 0 {
		dir = 0
		v = -v
	}
	if maxV <= 0 {
		return 0, dir
	}
	frac := v / maxV
	if frac > 1 {
		frac = 1
	}
	return uint8(frac * 255), dir
}

// emergencyBackup zeroes the motors, then drives straight backward for
// the time needed to cover BackupDistance at BackupSpeed, open-loop.
func (f *Follower) emergencyBackup(ctx context.Context) error {
	if err := f.link.ZeroMotor(); err != nil {
		return err
	}
	speed, dir := wheelCommand(-f.cfg.BackupSpeed, f.cfg.MaxLinearSpeed)
	duration := time.Duration(f.cfg.BackupDistance/f.cfg.BackupSpeed*1000) * time.Millisecond
	if err := f.link.Motor(speed, speed, dir, dir); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		f.link.ZeroMotor()
		return ErrCancelled
	case <-time.After(duration):
	}
	return f.link.ZeroMotor()
}
