/*Package navigator is the façade the delivery state machine drives:
it composes the localizer, the path planner, and the waypoint follower
behind three calls (NavigateTo, Stop, CurrentPose) and enforces that at
most one navigation is ever in flight.
*/
package navigator

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/localize"
	"github.com/nasa-jpl/deliverybot/motion"
	"github.com/nasa-jpl/deliverybot/occupancy"
	"github.com/nasa-jpl/deliverybot/odometry"
	"github.com/nasa-jpl/deliverybot/planner"
	"github.com/nasa-jpl/deliverybot/scan"
)

// ErrBusy is returned by NavigateTo when a navigation is already active.
var ErrBusy = errors.New("navigator: navigation already in progress")

// ErrCancelled is returned by NavigateTo when Stop cuts short an
// in-progress navigation. It is the motion package's own cancellation
// sentinel, surfaced here under the navigator's name.
var ErrCancelled = motion.ErrCancelled

// Navigator composes localization, planning, and waypoint following into
// a single move-to-a-point operation.
type Navigator struct {
	geo odometry.Geometry

	link       *comm.Link
	integrator *odometry.Integrator
	filter     *localize.Filter
	planner    *planner.Planner
	follower   *motion.Follower
	scanSource scan.Source
	rawMap     *occupancy.Map
	irToMetres func(int) float64

	obstacleClearance float64
	personCfg         scan.PersonDetectorConfig

	latestScan atomic.Value // geom.Scan
	latestIR   atomic.Value // float64

	mu       sync.Mutex
	busy     bool
	cancelFn context.CancelFunc
}

// Config bundles the dependencies a Navigator composes. IRToMetres
// converts a raw comm.IRSample reading into a distance in metres; if nil,
// the navigator treats the IR sensor as always reading clear.
type Config struct {
	Geometry          odometry.Geometry
	Link              *comm.Link
	Integrator        *odometry.Integrator
	Filter            *localize.Filter
	Planner           *planner.Planner
	Follower          *motion.Follower
	ScanSource        scan.Source
	Map               *occupancy.Map
	IRToMetres        func(int) float64
	ObstacleClearance float64
}

// New builds a Navigator from its component subsystems.
func New(cfg Config) *Navigator {
	personCfg := scan.DefaultPersonDetectorConfig()
	return &Navigator{
		geo:               cfg.Geometry,
		link:              cfg.Link,
		integrator:        cfg.Integrator,
		filter:            cfg.Filter,
		planner:           cfg.Planner,
		follower:          cfg.Follower,
		scanSource:        cfg.ScanSource,
		rawMap:            cfg.Map,
		irToMetres:        cfg.IRToMetres,
		obstacleClearance: cfg.ObstacleClearance,
		personCfg:         personCfg,
	}
}

// EncoderListener returns the callback to register as
// comm.Handlers.OnEncoderDelta: it advances both the dead-reckoned
// odometry pose and the particle filter's motion model from the same
// tick delta.
func (n *Navigator) EncoderListener() func(comm.EncoderDelta) {
	return func(d comm.EncoderDelta) {
		n.integrator.Integrate(d.Left, d.Right)
		ds, dtheta := n.geo.TicksToDelta(d.Left, d.Right)
		n.filter.MotionUpdate(ds, dtheta)
	}
}

// IRListener returns the callback to register as comm.Handlers.OnIR.
func (n *Navigator) IRListener() func(comm.IRSample) {
	return func(s comm.IRSample) {
		if n.irToMetres == nil {
			return
		}
		n.latestIR.Store(n.irToMetres(s.Raw))
	}
}

// RunScanLoop pulls scans from the configured scan.Source until ctx is
// cancelled or the source is exhausted, feeding each into the particle
// filter's measurement update and caching it for obstacle checks.
func (n *Navigator) RunScanLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sc, err := n.scanSource.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Wrap(err, "navigator: reading scan")
		}
		n.latestScan.Store(sc)
		n.filter.MeasurementUpdate(n.rawMap, sc)
	}
}

// CurrentPose returns the particle filter's best pose estimate, the
// fused ground truth the rest of the system treats as "where we are".
func (n *Navigator) CurrentPose() geom.Pose {
	return n.filter.Estimate()
}

// Diverged reports whether the localizer has declared itself lost.
func (n *Navigator) Diverged() bool {
	return n.filter.Diverged()
}

// LatestScan returns the most recent scan consumed by RunScanLoop, for
// consumers beyond pose estimation (the delivery state machine's own
// person detection) that need the raw points rather than a fused pose.
func (n *Navigator) LatestScan() (geom.Scan, bool) {
	v := n.latestScan.Load()
	if v == nil {
		return geom.Scan{}, false
	}
	return v.(geom.Scan), true
}

// NavigateTo plans a path to (x,y) and drives it to completion, blocking
// until arrival, failure, or cancellation via Stop. It returns ErrBusy if
// another navigation is already in flight.
func (n *Navigator) NavigateTo(ctx context.Context, x, y float64) error {
	n.mu.Lock()
	if n.busy {
		n.mu.Unlock()
		return ErrBusy
	}
	n.busy = true
	navCtx, cancel := context.WithCancel(ctx)
	n.cancelFn = cancel
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.busy = false
		n.cancelFn = nil
		n.mu.Unlock()
		cancel()
	}()

	start := n.CurrentPose()
	goal := geom.Pose{X: x, Y: y}
	waypoints, err := n.planner.Plan(start, goal)
	if err != nil {
		return err
	}

	return n.follower.Follow(navCtx, waypoints, n.CurrentPose, n.irMetres, n.obstacleChecker, n.replan)
}

// Stop cancels any in-flight navigation (causing NavigateTo to return
// ErrCancelled) and unconditionally zeroes the motors. It is always safe
// to call, including when nothing is navigating.
func (n *Navigator) Stop() {
	n.mu.Lock()
	cancel := n.cancelFn
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.link.ZeroMotor()
}

func (n *Navigator) irMetres() float64 {
	v := n.latestIR.Load()
	if v == nil {
		return math.Inf(1)
	}
	return v.(float64)
}

// obstacleChecker reports whether the nearest detected person in the
// latest scan lies within clearance of any remaining waypoint.
func (n *Navigator) obstacleChecker(remaining []geom.Waypoint, pose geom.Pose) bool {
	v := n.latestScan.Load()
	if v == nil {
		return false
	}
	sc := v.(geom.Scan)
	person, ok := scan.NearestPerson(pose, sc, n.personCfg)
	if !ok {
		return false
	}
	personPose := geom.Pose{X: person.X, Y: person.Y}
	for _, wp := range remaining {
		if geom.Distance(geom.Pose{X: wp.X, Y: wp.Y}, personPose) < n.obstacleClearance {
			return true
		}
	}
	return false
}

// replan re-runs the planner from the robot's current pose to the
// original goal.
func (n *Navigator) replan(from geom.Pose, goal geom.Waypoint) ([]geom.Waypoint, error) {
	return n.planner.Plan(from, geom.Pose{X: goal.X, Y: goal.Y})
}
