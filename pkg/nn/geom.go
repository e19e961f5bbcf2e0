package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (p Point) Distance(b Point) float32 {
	dx := float32(p.X - b.X)
	dy := float32(p.Y - b.Y)
	return math32.Sqrt(dx*dx + dy*dy)
}

type Rect struct {
	X      int32 `json:"x"`
	Y      int32 `json:"y"`
	Width  int32 `json:"width"`
	Height int32 `json:"height"`
}

// MakeRectXYXY creates a rectangle from two corners
func MakeRectXYXY(x1, y1, x2, y2 int32) Rect {
	return Rect{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func (r Rect) X2() int32 {
	return r.X + r.Width
}

func (r Rect) Y2() int32 {
	return r.Y + r.Height
}

func (r Rect) Area() int32 {
	return r.Width * r.Height
}

func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

// Intersection over Union
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b).Area()
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return float32(intersection) / float32(union)
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

// CenterF returns the exact center of the rectangle, without integer truncation
func (r Rect) CenterF() (float64, float64) {
	return float64(r.X) + float64(r.Width)/2, float64(r.Y) + float64(r.Height)/2
}

// ClipTo returns the part of r that lies inside an image of the given dimensions
func (r Rect) ClipTo(width, height int) Rect {
	return r.Intersection(Rect{Width: int32(width), Height: int32(height)})
}
