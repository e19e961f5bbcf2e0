package zones

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
)

var ErrInvalidZone = errors.New("Invalid zone")

// A vertex of a zone polygon, in image pixel coordinates
type Point struct {
	X float64
	Y float64
}

// Zone is a named polygon in a camera's image plane
type Zone struct {
	Name    string
	Polygon []Point
}

// Contains returns true if (x,y) is inside the polygon.
// This is a ray-casting test, so a point lying exactly on an edge may land on either side.
func (z *Zone) Contains(x, y float64) bool {
	inside := false
	n := len(z.Polygon)
	for i := 0; i < n; i++ {
		a := z.Polygon[i]
		b := z.Polygon[(i+1)%n]
		if (a.Y > y) != (b.Y > y) {
			// The epsilon keeps horizontal edges from dividing by zero
			crossX := (b.X-a.X)*(y-a.Y)/((b.Y-a.Y)+1e-9) + a.X
			if x < crossX {
				inside = !inside
			}
		}
	}
	return inside
}

// Parse zones from JSON of the form {"zone name": [[x,y], [x,y], ...], ...}.
// The result is sorted by name, so that zones are always evaluated in the same order.
func Parse(raw []byte) ([]Zone, error) {
	byName := map[string][][]float64{}
	if err := json.Unmarshal(raw, &byName); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidZone, err)
	}
	zones := make([]Zone, 0, len(byName))
	for name, points := range byName {
		if len(points) < 3 {
			return nil, fmt.Errorf("%w: '%v' has %v vertices, but needs at least 3", ErrInvalidZone, name, len(points))
		}
		z := Zone{Name: name}
		for _, p := range points {
			if len(p) != 2 {
				return nil, fmt.Errorf("%w: '%v' has a vertex with %v coordinates", ErrInvalidZone, name, len(p))
			}
			z.Polygon = append(z.Polygon, Point{X: p[0], Y: p[1]})
		}
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool {
		return zones[i].Name < zones[j].Name
	})
	return zones, nil
}

// Load zones from a JSON file (see Parse)
func Load(filename string) ([]Zone, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading zones %v: %w", filename, err)
	}
	zones, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("Error loading zones %v: %w", filename, err)
	}
	return zones, nil
}
