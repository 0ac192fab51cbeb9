/*Package occupancy implements the static 2-D occupancy grid the navigator
plans and localizes against.

A Map is loaded once from a YAML description (resolution, extent, origin,
and a list of obstacles) and is immutable thereafter; every method that
looks like it mutates a Map (Inflate) instead returns a derived copy,
following the "never mutate the occupancy map" invariant.
*/
package occupancy

import (
	"fmt"
	"math"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/nasa-jpl/deliverybot/geom"
)

// Cell is the three-valued state of a grid cell.
type Cell uint8

// The three cell states. The zero value is Unknown so that a
// zero-initialized grid defaults to the conservative state.
const (
	Unknown Cell = iota
	Free
	Occupied
)

// Point is a 2-tuple used for the map description's origin and polygon
// vertices.
type Point struct {
	X, Y float64
}

// Obstacle is either an axis-aligned rectangle (Width/Height set) or an
// arbitrary polygon (Points set); exactly one form should be populated.
type Obstacle struct {
	// Rectangle form.
	X, Y, Width, Height float64

	// Polygon form: closed or open list of vertices in world coordinates.
	Points []Point
}

// isRect reports whether o was described as a rectangle.
func (o Obstacle) isRect() bool {
	return len(o.Points) == 0
}

func (o Obstacle) bbox() (minX, minY, maxX, maxY float64) {
	if o.isRect() {
		return o.X, o.Y, o.X + o.Width, o.Y + o.Height
	}
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range o.Points {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return
}

// contains reports whether world point (x,y) lies within the obstacle.
func (o Obstacle) contains(x, y float64) bool {
	if o.isRect() {
		return x >= o.X && x <= o.X+o.Width && y >= o.Y && y <= o.Y+o.Height
	}
	return pointInPolygon(x, y, o.Points)
}

// pointInPolygon is the standard ray-casting test.
func pointInPolygon(x, y float64, pts []Point) bool {
	inside := false
	n := len(pts)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		pi, pj := pts[i], pts[j]
		if (pi.Y > y) != (pj.Y > y) {
			xint := (pj.X-pi.X)*(y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if x < xint {
				inside = !inside
			}
		}
	}
	return inside
}

// RawObstacle is the on-disk shape of one obstacle entry: either a
// rectangle (X/Y/Width/Height) or a polygon (Points), matching whichever
// the map author wrote.
type RawObstacle struct {
	X      float64      `yaml:"x"`
	Y      float64      `yaml:"y"`
	Width  float64      `yaml:"width"`
	Height float64      `yaml:"height"`
	Points [][2]float64 `yaml:"points"`
}

// Description is the on-disk YAML shape of a map file.
type Description struct {
	Resolution float64       `yaml:"resolution"`
	Width      float64       `yaml:"width"`
	Height     float64       `yaml:"height"`
	Origin     [2]float64    `yaml:"origin"`
	Obstacles  []RawObstacle `yaml:"obstacles"`
}

// Map is a dense, immutable 2-D occupancy grid.
type Map struct {
	resolution float64
	originX    float64
	originY    float64
	cols       int
	rows       int
	cells      []Cell // row-major, len == cols*rows
}

// ErrInvalidMap is returned by FromDescription (and so LoadFile) when the
// description is malformed:
// non-positive resolution, or an obstacle outside the extent.
type ErrInvalidMap struct {
	Reason string
}

func (e ErrInvalidMap) Error() string {
	return fmt.Sprintf("occupancy: invalid map: %s", e.Reason)
}

// LoadFile reads and parses a map description from path.
func LoadFile(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "occupancy: opening map file")
	}
	defer f.Close()
	var d Description
	if err := yaml.NewDecoder(f).Decode(&d); err != nil {
		return nil, errors.Wrap(err, "occupancy: parsing map file")
	}
	return FromDescription(d)
}

// FromDescription builds an immutable Map from a parsed Description,
// rejecting non-positive resolution and any obstacle that falls outside
// the declared extent.
func FromDescription(d Description) (*Map, error) {
	if d.Resolution <= 0 {
		return nil, ErrInvalidMap{Reason: "resolution must be positive"}
	}
	if d.Width <= 0 || d.Height <= 0 {
		return nil, ErrInvalidMap{Reason: "width and height must be positive"}
	}
	cols := int(math.Ceil(d.Width / d.Resolution))
	rows := int(math.Ceil(d.Height / d.Resolution))
	m := &Map{
		resolution: d.Resolution,
		originX:    d.Origin[0],
		originY:    d.Origin[1],
		cols:       cols,
		rows:       rows,
		cells:      make([]Cell, cols*rows),
	}
	for i := range m.cells {
		m.cells[i] = Free
	}

	maxX := d.Origin[0] + d.Width
	maxY := d.Origin[1] + d.Height
	for _, raw := range d.Obstacles {
		obs := Obstacle{X: raw.X, Y: raw.Y, Width: raw.Width, Height: raw.Height}
		for _, p := range raw.Points {
			obs.Points = append(obs.Points, Point{X: p[0], Y: p[1]})
		}
		minX, minY, oMaxX, oMaxY := obs.bbox()
		if minX < d.Origin[0] || minY < d.Origin[1] || oMaxX > maxX || oMaxY > maxY {
			return nil, ErrInvalidMap{Reason: "obstacle lies outside map extent"}
		}
		m.rasterize(obs)
	}
	return m, nil
}

func (m *Map) rasterize(obs Obstacle) {
	minX, minY, maxX, maxY := obs.bbox()
	c0, r0 := m.worldToCell(minX, minY)
	c1, r1 := m.worldToCell(maxX, maxY)
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			if c < 0 || r < 0 || c >= m.cols || r >= m.rows {
				continue
			}
			wx, wy := m.cellCenter(c, r)
			if obs.contains(wx, wy) {
				m.cells[r*m.cols+c] = Occupied
			}
		}
	}
}

// worldToCell maps a world-frame coordinate to its containing cell index.
func (m *Map) worldToCell(x, y float64) (col, row int) {
	col = int(math.Floor((x - m.originX) / m.resolution))
	row = int(math.Floor((y - m.originY) / m.resolution))
	return
}

// cellCenter returns the world-frame centre of a cell.
func (m *Map) cellCenter(col, row int) (x, y float64) {
	x = m.originX + (float64(col)+0.5)*m.resolution
	y = m.originY + (float64(row)+0.5)*m.resolution
	return
}

// CellCenter is the exported form of cellCenter, used by the planner to
// report start/goal cell centres.
func (m *Map) CellCenter(col, row int) (x, y float64) {
	return m.cellCenter(col, row)
}

// WorldToCell is the exported form of worldToCell.
func (m *Map) WorldToCell(x, y float64) (col, row int) {
	return m.worldToCell(x, y)
}

// Resolution returns the map's metres-per-cell resolution.
func (m *Map) Resolution() float64 { return m.resolution }

// Dimensions returns the grid's size in cells.
func (m *Map) Dimensions() (cols, rows int) { return m.cols, m.rows }

// InBounds reports whether a cell index is within the grid.
func (m *Map) InBounds(col, row int) bool {
	return col >= 0 && row >= 0 && col < m.cols && row < m.rows
}

// CellAt returns the state of the cell containing world point (x,y), or
// Unknown if the point lies outside the grid.
func (m *Map) CellAt(x, y float64) Cell {
	col, row := m.worldToCell(x, y)
	if !m.InBounds(col, row) {
		return Unknown
	}
	return m.cells[row*m.cols+col]
}

// CellAtIndex returns the state of the cell at (col,row) directly.
func (m *Map) CellAtIndex(col, row int) Cell {
	if !m.InBounds(col, row) {
		return Unknown
	}
	return m.cells[row*m.cols+col]
}

// IsReachable reports whether (x,y) lies within the grid and is not
// occupied once obstacles are inflated by clearance. A clearance of 0
// checks the raw map.
func (m *Map) IsReachable(x, y, clearance float64) bool {
	col, row := m.worldToCell(x, y)
	if !m.InBounds(col, row) {
		return false
	}
	target := m
	if clearance > 0 {
		target = m.Inflate(clearance)
	}
	return target.CellAtIndex(col, row) != Occupied
}

// RayCast marches from pose along angle (added to pose's heading) in
// resolution-sized steps and returns the distance at which an occupied
// cell is first encountered or the ray leaves the grid (the grid edge
// counts as a hit), or maxRange if neither happens within maxRange. It
// is used only by the localizer's measurement
// model.
func (m *Map) RayCast(pose geom.Pose, angle float64, maxRange float64) float64 {
	theta := pose.Theta + angle
	dx := math.Cos(theta)
	dy := math.Sin(theta)
	step := m.resolution / 2
	if step <= 0 {
		step = 0.01
	}
	for d := 0.0; d <= maxRange; d += step {
		x := pose.X + dx*d
		y := pose.Y + dy*d
		col, row := m.worldToCell(x, y)
		if !m.InBounds(col, row) {
			return d
		}
		if m.cells[row*m.cols+col] == Occupied {
			return d
		}
	}
	return maxRange
}

// Inflate returns a derived map in which every free cell within radius of
// an occupied cell is reclassified Occupied. The source map is untouched.
func (m *Map) Inflate(radius float64) *Map {
	out := &Map{
		resolution: m.resolution,
		originX:    m.originX,
		originY:    m.originY,
		cols:       m.cols,
		rows:       m.rows,
		cells:      make([]Cell, len(m.cells)),
	}
	copy(out.cells, m.cells)

	cellRadius := int(math.Ceil(radius / m.resolution))
	for row := 0; row < m.rows; row++ {
		for col := 0; col < m.cols; col++ {
			if m.cells[row*m.cols+col] != Occupied {
				continue
			}
			for dr := -cellRadius; dr <= cellRadius; dr++ {
				for dc := -cellRadius; dc <= cellRadius; dc++ {
					r, c := row+dr, col+dc
					if !m.InBounds(c, r) {
						continue
					}
					wx, wy := m.cellCenter(col, row)
					ox, oy := m.cellCenter(c, r)
					if math.Hypot(wx-ox, wy-oy) > radius {
						continue
					}
					idx := r*out.cols + c
					if out.cells[idx] == Free {
						out.cells[idx] = Occupied
					}
				}
			}
		}
	}
	return out
}
