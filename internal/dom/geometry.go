package dom

import (
	"fmt"
	"math"
)

// Rect is an axis-aligned box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Empty reports a zero-area box.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Center returns the centroid.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// DistanceTo returns the distance from the centroid to (x, y).
func (r Rect) DistanceTo(x, y float64) float64 {
	cx, cy := r.Center()
	return math.Hypot(cx-x, cy-y)
}

// Offset translates the box.
func (r Rect) Offset(dx, dy float64) Rect {
	r.X += dx
	r.Y += dy
	return r
}

// Intersects reports whether the boxes overlap.
func (r Rect) Intersects(o Rect) bool {
	return r.X < o.Right() && o.X < r.Right() && r.Y < o.Bottom() && o.Y < r.Bottom()
}

// Key renders the rounded box as a stable identity string.
func (r Rect) Key() string {
	return fmt.Sprintf("%d:%d:%d:%d",
		int(math.Round(r.X)), int(math.Round(r.Y)),
		int(math.Round(r.Width)), int(math.Round(r.Height)))
}
