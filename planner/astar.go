/*Package planner implements an 8-connected grid A* over an inflated
occupancy map, producing a simplified, evenly-spaced waypoint list for the
motion controller to follow.
*/
package planner

import (
	"container/heap"
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/deliverybot/geom"
	"github.com/nasa-jpl/deliverybot/occupancy"
)

// ErrPathNotFound is returned when the goal is unreachable: outside the
// map, inside an inflated obstacle with no nearby free start cell, or the
// search exhausts its iteration budget.
var ErrPathNotFound = errors.New("planner: path not found")

const (
	maxSearchRadiusMetres = 0.5
	maxIterations         = 200000
	maxWaypointSpacing    = 0.5
)

// Planner plans paths over a map inflated once at construction by
// clearance; every search runs against the inflated map, never the raw
// one.
type Planner struct {
	inflated  *occupancy.Map
	clearance float64
}

// New returns a Planner whose searches run against m inflated by
// clearance.
func New(m *occupancy.Map, clearance float64) *Planner {
	return &Planner{inflated: m.Inflate(clearance), clearance: clearance}
}

type cell struct{ col, row int }

// Plan returns a waypoint list from start to goal, or ErrPathNotFound.
// The first waypoint is the start cell's centre (or the nearest free
// cell found within 0.5m if start lies inside an inflated obstacle); the
// last is the goal cell's centre.
func (p *Planner) Plan(start, goal geom.Pose) ([]geom.Waypoint, error) {
	startCol, startRow := p.inflated.WorldToCell(start.X, start.Y)
	goalCol, goalRow := p.inflated.WorldToCell(goal.X, goal.Y)

	if !p.inflated.InBounds(goalCol, goalRow) || p.inflated.CellAtIndex(goalCol, goalRow) == occupancy.Occupied {
		return nil, ErrPathNotFound
	}

	startCol, startRow, err := p.resolveStart(startCol, startRow)
	if err != nil {
		return nil, err
	}

	if startCol == goalCol && startRow == goalRow {
		gx, gy := p.inflated.CellCenter(goalCol, goalRow)
		return []geom.Waypoint{{X: gx, Y: gy, Tolerance: geom.DefaultTolerance}}, nil
	}

	path, err := p.search(cell{startCol, startRow}, cell{goalCol, goalRow})
	if err != nil {
		return nil, err
	}
	waypoints := p.cellsToWaypoints(path)
	waypoints = simplify(waypoints)
	waypoints = resample(waypoints, maxWaypointSpacing)
	if len(waypoints) > 0 {
		waypoints[len(waypoints)-1].Tolerance = geom.DefaultTolerance
	}
	return waypoints, nil
}

// resolveStart finds the start cell itself if free, or the nearest free
// cell within maxSearchRadiusMetres via a radially expanding ring search.
func (p *Planner) resolveStart(col, row int) (int, int, error) {
	if p.inflated.InBounds(col, row) && p.inflated.CellAtIndex(col, row) != occupancy.Occupied {
		return col, row, nil
	}
	maxRings := int(math.Ceil(maxSearchRadiusMetres / p.inflated.Resolution()))
	for ring := 1; ring <= maxRings; ring++ {
		for dr := -ring; dr <= ring; dr++ {
			for dc := -ring; dc <= ring; dc++ {
				if max(abs(dr), abs(dc)) != ring {
					continue // only visit the ring's perimeter
				}
				if math.Hypot(float64(dc), float64(dr))*p.inflated.Resolution() > maxSearchRadiusMetres+1e-9 {
					continue // the ring's corners reach past the search radius
				}
				c, r := col+dc, row+dr
				if !p.inflated.InBounds(c, r) {
					continue
				}
				if p.inflated.CellAtIndex(c, r) != occupancy.Occupied {
					return c, r, nil
				}
			}
		}
	}
	return 0, 0, ErrPathNotFound
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// node is an entry in the open-set priority queue.
type node struct {
	c     cell
	g, f  float64
	index int // heap bookkeeping
}

type openSet []*node

func (o openSet) Len() int { return len(o) }
func (o openSet) Less(i, j int) bool {
	if o[i].f != o[j].f {
		return o[i].f < o[j].f
	}
	// ties broken by lower g, i.e. prefer the node with the shorter path
	// walked so far (and so the larger remaining heuristic).
	return o[i].g < o[j].g
}
func (o openSet) Swap(i, j int) {
	o[i], o[j] = o[j], o[i]
	o[i].index, o[j].index = i, j
}
func (o *openSet) Push(x interface{}) {
	n := x.(*node)
	n.index = len(*o)
	*o = append(*o, n)
}
func (o *openSet) Pop() interface{} {
	old := *o
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*o = old[:n-1]
	return item
}

var neighborOffsets = [8][2]int{
	{1, 0}, {-1, 0}, {0, 1}, {0, -1},
	{1, 1}, {1, -1}, {-1, 1}, {-1, -1},
}

func (p *Planner) search(start, goal cell) ([]cell, error) {
	res := p.inflated.Resolution()
	heuristic := func(c cell) float64 {
		dx := float64(c.col - goal.col)
		dy := float64(c.row - goal.row)
		return math.Hypot(dx, dy) * res
	}

	open := &openSet{}
	heap.Init(open)
	heap.Push(open, &node{c: start, g: 0, f: heuristic(start)})

	gScore := map[cell]float64{start: 0}
	cameFrom := map[cell]cell{}
	closed := map[cell]bool{}

	iterations := 0
	for open.Len() > 0 {
		iterations++
		if iterations > maxIterations {
			return nil, ErrPathNotFound
		}
		current := heap.Pop(open).(*node)
		if closed[current.c] {
			continue
		}
		closed[current.c] = true

		if current.c == goal {
			return reconstruct(cameFrom, current.c), nil
		}

		for _, off := range neighborOffsets {
			nb := cell{current.c.col + off[0], current.c.row + off[1]}
			if !p.inflated.InBounds(nb.col, nb.row) || closed[nb] {
				continue
			}
			if p.inflated.CellAtIndex(nb.col, nb.row) == occupancy.Occupied {
				continue
			}
			stepCost := res
			if off[0] != 0 && off[1] != 0 {
				stepCost = res * math.Sqrt2
			}
			tentativeG := gScore[current.c] + stepCost
			if existing, ok := gScore[nb]; !ok || tentativeG < existing {
				gScore[nb] = tentativeG
				cameFrom[nb] = current.c
				heap.Push(open, &node{c: nb, g: tentativeG, f: tentativeG + heuristic(nb)})
			}
		}
	}
	return nil, ErrPathNotFound
}

func reconstruct(cameFrom map[cell]cell, goal cell) []cell {
	path := []cell{goal}
	cur := goal
	for {
		prev, ok := cameFrom[cur]
		if !ok {
			break
		}
		path = append([]cell{prev}, path...)
		cur = prev
	}
	return path
}

func (p *Planner) cellsToWaypoints(path []cell) []geom.Waypoint {
	out := make([]geom.Waypoint, len(path))
	for i, c := range path {
		x, y := p.inflated.CellCenter(c.col, c.row)
		out[i] = geom.Waypoint{X: x, Y: y, Tolerance: geom.DefaultTolerance}
	}
	return out
}

// simplify removes interior waypoints that lie on the same straight line
// as their neighbours, collapsing runs of collinear cells into a single
// segment.
func simplify(wps []geom.Waypoint) []geom.Waypoint {
	if len(wps) <= 2 {
		return wps
	}
	out := []geom.Waypoint{wps[0]}
	for i := 1; i < len(wps)-1; i++ {
		if !collinear(out[len(out)-1], wps[i], wps[i+1]) {
			out = append(out, wps[i])
		}
	}
	out = append(out, wps[len(wps)-1])
	return out
}

func collinear(a, b, c geom.Waypoint) bool {
	cross := (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
	return math.Abs(cross) < 1e-9
}

// resample inserts intermediate waypoints so that consecutive waypoints
// are never further apart than maxSpacing.
func resample(wps []geom.Waypoint, maxSpacing float64) []geom.Waypoint {
	if len(wps) < 2 {
		return wps
	}
	out := []geom.Waypoint{wps[0]}
	for i := 1; i < len(wps); i++ {
		prev := out[len(out)-1]
		next := wps[i]
		d := math.Hypot(next.X-prev.X, next.Y-prev.Y)
		if d > maxSpacing {
			n := int(math.Ceil(d / maxSpacing))
			for k := 1; k < n; k++ {
				t := float64(k) / float64(n)
				out = append(out, geom.Waypoint{
					X:         prev.X + t*(next.X-prev.X),
					Y:         prev.Y + t*(next.Y-prev.Y),
					Tolerance: geom.DefaultTolerance,
				})
			}
		}
		out = append(out, next)
	}
	return out
}
