package navigator

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/nasa-jpl/deliverybot/comm"
	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/localize"
	"github.com/nasa-jpl/deliverybot/motion"
	"github.com/nasa-jpl/deliverybot/occupancy"
	"github.com/nasa-jpl/deliverybot/odometry"
	"github.com/nasa-jpl/deliverybot/planner"
	"github.com/nasa-jpl/deliverybot/scan"
)

func testGeometry() odometry.Geometry {
	return odometry.Geometry{WheelBase: 0.3, WheelRadius: 0.03, TicksPerRev: 360}
}

func openMap(t *testing.T) *occupancy.Map {
	t.Helper()
	d := occupancy.Description{Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0}}
	m, err := occupancy.FromDescription(d)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	return m
}

// autoAckLink returns a comm.Link wired to a pipe whose far end ACKs
// every line immediately, standing in for real hardware.
func autoAckLink(t *testing.T) *comm.Link {
	t.Helper()
	hostConn, mcuConn := net.Pipe()
	l := comm.New("test", 9600, comm.Handlers{})
	if err := l.Adopt(hostConn); err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	go func() {
		scanner := bufio.NewScanner(mcuConn)
		for scanner.Scan() {
			mcuConn.Write([]byte("ACK\n"))
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l
}

func newTestNavigator(t *testing.T, start geom.Pose) *Navigator {
	t.Helper()
	m := openMap(t)
	geo := testGeometry()
	link := autoAckLink(t)
	integrator := odometry.New(geo, start)
	filter := localize.New(50, start, geom.Pose{X: 0.01, Y: 0.01, Theta: 0.005}, 1)
	p := planner.New(m, 0.2)
	followerCfg := motion.DefaultConfig(geo)
	followerCfg.TickInterval = 10 * time.Millisecond
	followerCfg.StallTimeout = 150 * time.Millisecond
	follower := motion.New(link, followerCfg)
	src := scan.NewFakeSource(nil, true)

	return New(Config{
		Geometry:          geo,
		Link:              link,
		Integrator:        integrator,
		Filter:            filter,
		Planner:           p,
		Follower:          follower,
		ScanSource:        src,
		Map:               m,
		ObstacleClearance: 0.3,
	})
}

func TestNavigateToReturnsErrBusyWhenAlreadyNavigating(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{X: 1, Y: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- n.NavigateTo(ctx, 8, 8)
	}()
	time.Sleep(30 * time.Millisecond) // let the first navigation claim busy

	if err := n.NavigateTo(context.Background(), 2, 2); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	cancel()
	<-done
}

func TestStopCancelsInFlightNavigation(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{X: 1, Y: 1})

	done := make(chan error, 1)
	go func() {
		done <- n.NavigateTo(context.Background(), 8, 8)
	}()
	time.Sleep(30 * time.Millisecond)
	n.Stop()

	select {
	case err := <-done:
		if err != ErrCancelled {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NavigateTo to return after Stop")
	}
}

func TestStopIsSafeWhenIdle(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{})
	n.Stop() // must not panic or block
}

func TestNavigateToUnreachableGoalPropagatesPlannerError(t *testing.T) {
	m := occupancy.Description{
		Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0},
		Obstacles: []occupancy.RawObstacle{{X: 4.9, Y: 4.9, Width: 0.3, Height: 0.3}},
	}
	mp, err := occupancy.FromDescription(m)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	geo := testGeometry()
	link := autoAckLink(t)
	start := geom.Pose{X: 1, Y: 1}
	integrator := odometry.New(geo, start)
	filter := localize.New(20, start, geom.Pose{X: 0.01, Y: 0.01, Theta: 0.005}, 2)
	p := planner.New(mp, 0.2)
	follower := motion.New(link, motion.DefaultConfig(geo))
	n := New(Config{
		Geometry: geo, Link: link, Integrator: integrator, Filter: filter,
		Planner: p, Follower: follower, ScanSource: scan.NewFakeSource(nil, true),
		Map: mp, ObstacleClearance: 0.3,
	})

	// goal sits inside the inflated obstacle footprint.
	err = n.NavigateTo(context.Background(), 5.0, 5.0)
	if err != planner.ErrPathNotFound {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}
}

func TestCurrentPoseDelegatesToFilterEstimate(t *testing.T) {
	start := geom.Pose{X: 3, Y: 4, Theta: 0.1}
	n := newTestNavigator(t, start)
	pose := n.CurrentPose()
	if geom.Distance(pose, start) > 0.2 {
		t.Errorf("CurrentPose() = %+v, want near %+v", pose, start)
	}
}

func TestEncoderListenerAdvancesIntegratorAndFilter(t *testing.T) {
	start := geom.Pose{X: 0, Y: 0}
	n := newTestNavigator(t, start)
	before := n.integrator.Pose()

	listener := n.EncoderListener()
	listener(comm.EncoderDelta{Left: 100, Right: 100})

	after := n.integrator.Pose()
	if after.X == before.X {
		t.Error("expected integrator pose to advance after an encoder delta")
	}
}

func TestIRListenerConvertsAndStoresReading(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{})
	n.irToMetres = func(raw int) float64 { return float64(raw) / 100.0 }

	if got := n.irMetres(); !isInf(got) {
		t.Fatalf("expected +Inf before any IR sample, got %v", got)
	}

	listener := n.IRListener()
	listener(comm.IRSample{Raw: 25})

	if got := n.irMetres(); got != 0.25 {
		t.Errorf("irMetres() = %v, want 0.25", got)
	}
}

func isInf(f float64) bool { return f > 1e300 }

func TestObstacleCheckerFlagsWaypointNearDetectedPerson(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{})
	pose := geom.Pose{X: 0, Y: 0, Theta: 0}
	// a cluster at 1.5m, ~0.53 rad left of the heading, spanning 0.2 rad
	// (0.3m wide), within the human width band.
	sc := geom.Scan{Points: []geom.ScanPoint{
		{Distance: 1.5, Angle: 0.43, Intensity: 1},
		{Distance: 1.5, Angle: 0.47, Intensity: 1},
		{Distance: 1.5, Angle: 0.51, Intensity: 1},
		{Distance: 1.5, Angle: 0.55, Intensity: 1},
		{Distance: 1.5, Angle: 0.59, Intensity: 1},
		{Distance: 1.5, Angle: 0.63, Intensity: 1},
	}}
	n.latestScan.Store(sc)

	person, ok := scan.NearestPerson(pose, sc, n.personCfg)
	if !ok {
		t.Fatal("test setup: expected a detection")
	}
	nearWaypoint := []geom.Waypoint{{X: person.X, Y: person.Y, Tolerance: geom.DefaultTolerance}}
	if !n.obstacleChecker(nearWaypoint, pose) {
		t.Error("expected obstacle checker to flag a waypoint coincident with a detected person")
	}

	farWaypoint := []geom.Waypoint{{X: 9, Y: 9, Tolerance: geom.DefaultTolerance}}
	if n.obstacleChecker(farWaypoint, pose) {
		t.Error("expected obstacle checker to clear a waypoint far from any detection")
	}
}

func TestReplanDelegatesToPlanner(t *testing.T) {
	n := newTestNavigator(t, geom.Pose{X: 1, Y: 1})
	path, err := n.replan(geom.Pose{X: 1, Y: 1}, geom.Waypoint{X: 5, Y: 5})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if len(path) == 0 {
		t.Fatal("expected a non-empty replanned path")
	}
}
