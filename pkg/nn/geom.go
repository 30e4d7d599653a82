package nn

import "math"

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Distance(b Point) float64 {
	return math.Hypot(p.X-b.X, p.Y-b.Y)
}

// Box is an axis aligned bounding box in pixel coordinates, stored as two corners.
// A valid box has X1 <= X2 and Y1 <= Y2.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// MakeBox returns a box from [x_min, y_min, x_max, y_max]
func MakeBox(xyxy [4]float64) Box {
	return Box{X1: xyxy[0], Y1: xyxy[1], X2: xyxy[2], Y2: xyxy[3]}
}

// XYXY returns [x_min, y_min, x_max, y_max]
func (r Box) XYXY() [4]float64 {
	return [4]float64{r.X1, r.Y1, r.X2, r.Y2}
}

// Returns true if the corners are ordered and all coordinates are finite
func (r Box) IsValid() bool {
	for _, v := range r.XYXY() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return r.X1 <= r.X2 && r.Y1 <= r.Y2
}

func (r Box) Width() float64 {
	return r.X2 - r.X1
}

func (r Box) Height() float64 {
	return r.Y2 - r.Y1
}

func (r Box) Area() float64 {
	return r.Width() * r.Height()
}

func (r Box) Intersection(b Box) Box {
	x1 := max(r.X1, b.X1)
	y1 := max(r.Y1, b.Y1)
	x2 := min(r.X2, b.X2)
	y2 := min(r.Y2, b.Y2)
	return Box{
		X1: x1,
		Y1: y1,
		X2: max(x1, x2),
		Y2: max(y1, y2),
	}
}

func (r Box) Union(b Box) Box {
	return Box{
		X1: min(r.X1, b.X1),
		Y1: min(r.Y1, b.Y1),
		X2: max(r.X2, b.X2),
		Y2: max(r.Y2, b.Y2),
	}
}

// Intersection over Union
func (r Box) IOU(b Box) float64 {
	intersection := r.Intersection(b).Area()
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func (r Box) Center() Point {
	return Point{
		X: (r.X1 + r.X2) / 2,
		Y: (r.Y1 + r.Y2) / 2,
	}
}

// Scale multiplies all coordinates by sx and sy
func (r Box) Scale(sx, sy float64) Box {
	return Box{X1: r.X1 * sx, Y1: r.Y1 * sy, X2: r.X2 * sx, Y2: r.Y2 * sy}
}

func (r *Box) Offset(dx, dy float64) {
	r.X1 += dx
	r.Y1 += dy
	r.X2 += dx
	r.Y2 += dy
}
