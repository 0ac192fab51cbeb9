package occupancy

import (
	"math"
	"testing"

	"github.com/nasa-jpl/deliverybot/geom"
)

func emptySquare(t *testing.T) *Map {
	t.Helper()
	d := Description{Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0}}
	m, err := FromDescription(d)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	return m
}

func TestRejectsNonPositiveResolution(t *testing.T) {
	d := Description{Resolution: 0, Width: 10, Height: 10}
	if _, err := FromDescription(d); err == nil {
		t.Fatal("expected error for zero resolution")
	}
}

func TestRejectsObstacleOutsideExtent(t *testing.T) {
	d := Description{Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0}}
	d.Obstacles = append(d.Obstacles, RawObstacle{X: 9, Y: 9, Width: 5, Height: 5})
	if _, err := FromDescription(d); err == nil {
		t.Fatal("expected error for out-of-extent obstacle")
	}
}

func TestCellAtFreeByDefault(t *testing.T) {
	m := emptySquare(t)
	if m.CellAt(5, 5) != Free {
		t.Errorf("expected free cell in empty map")
	}
	if m.CellAt(-1, -1) != Unknown {
		t.Errorf("expected unknown outside grid")
	}
}

func TestIsReachable(t *testing.T) {
	m := emptySquare(t)
	if !m.IsReachable(5, 5, 0) {
		t.Errorf("expected (5,5) reachable in empty map")
	}
	if m.IsReachable(100, 100, 0) {
		t.Errorf("expected out-of-grid point unreachable")
	}
}

func TestInflateExpandsObstacle(t *testing.T) {
	d := Description{Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0}}
	d.Obstacles = append(d.Obstacles, RawObstacle{X: 4.9, Y: 4.9, Width: 0.2, Height: 0.2})
	m, err := FromDescription(d)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	if m.CellAt(5, 5) != Occupied {
		t.Fatalf("expected (5,5) occupied before inflation")
	}
	inflated := m.Inflate(0.3)
	if inflated.CellAt(5.0, 5.2) != Occupied {
		t.Errorf("expected cell within 0.3m of obstacle occupied after inflation")
	}
	if m.CellAt(5.0, 5.2) == Occupied {
		t.Errorf("Inflate must not mutate the source map")
	}
	if inflated.CellAt(0, 0) != Free {
		t.Errorf("expected far cell to remain free after inflation")
	}
}

func TestRayCastHitsOccupiedCell(t *testing.T) {
	d := Description{Resolution: 0.1, Width: 10, Height: 10, Origin: [2]float64{0, 0}}
	d.Obstacles = append(d.Obstacles, RawObstacle{X: 5, Y: 0, Width: 0.2, Height: 10})
	m, err := FromDescription(d)
	if err != nil {
		t.Fatalf("FromDescription: %v", err)
	}
	pose := geom.Pose{X: 0, Y: 5, Theta: 0}
	got := m.RayCast(pose, 0, 10)
	if math.Abs(got-5) > 0.2 {
		t.Errorf("RayCast got %v, want ~5", got)
	}
}

func TestRayCastMaxRangeWhenClear(t *testing.T) {
	m := emptySquare(t)
	pose := geom.Pose{X: 0.5, Y: 0.5, Theta: 0}
	got := m.RayCast(pose, 0, 2)
	if got < 2 {
		t.Errorf("expected ray to reach max range in clear space short of grid edge, got %v", got)
	}
}
