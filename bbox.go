package polyconv

// Polygon to bounding box extraction.

import (
	"errors"
	"fmt"
	"math"
)

// The per-annotation failure conditions. All of them are local to a single
// polygon; a failing polygon never affects its siblings. Callers match them
// with errors.Is.
var (
	ErrInvalidPolygon      = errors.New("invalid polygon: no points")
	ErrMalformedCoordinate = errors.New("malformed coordinate")
	ErrMissingField        = errors.New("missing required field")
)

// Point is a single polygon vertex in image coordinates.
type Point struct {
	X float64
	Y float64
}

// Box is an axis-aligned rectangle given by its top-left corner and its
// dimensions. Width and Height are never negative for boxes produced by
// BoundsOf.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Aspect is the width/height ratio of b. It is math.MaxFloat64 for boxes
// with zero height, so that aspect-based expansion works on degenerate boxes.
func (b Box) Aspect() float64 {
	if b.Height == 0 {
		return math.MaxFloat64
	}
	return b.Width / b.Height
}

// Scale scales b by the given factors around its center.
func (b Box) Scale(scaleX, scaleY float64) Box {
	dx := (b.Width*scaleX - b.Width) * 0.5
	dy := (b.Height*scaleY - b.Height) * 0.5
	return Box{
		X:      b.X - dx,
		Y:      b.Y - dy,
		Width:  b.Width * scaleX,
		Height: b.Height * scaleY,
	}
}

// GrowToAspect grows b (never shrinks it) around its center until its
// width/height ratio matches aspectRatio. A ratio <= 0 returns b unchanged.
func (b Box) GrowToAspect(aspectRatio float64) Box {
	if aspectRatio <= 0 {
		return b
	}

	if ratio := b.Aspect(); ratio < aspectRatio {
		// Expand horizontally.
		dx := (b.Height*aspectRatio - b.Width) * 0.5
		b.X -= dx
		b.Width += 2 * dx
	} else if ratio > aspectRatio {
		// Expand vertically.
		dy := (b.Width/aspectRatio - b.Height) * 0.5
		b.Y -= dy
		b.Height += 2 * dy
	}

	return b
}

// Record is one row of the bounding-box dataset: the annotated image file,
// the tightest axis-aligned rectangle around one polygon, and its label.
type Record struct {
	Filename string
	Box      Box
	Label    string
}

// BoundsOf reduces a non-empty point sequence to the tightest axis-aligned
// rectangle containing all points. The reduction is order invariant. A
// degenerate polygon (single point, or collinear on one axis) yields a box
// with zero width and/or height rather than an error.
func BoundsOf(points []Point) (Box, error) {
	if len(points) == 0 {
		return Box{}, ErrInvalidPolygon
	}

	minX, maxX := points[0].X, points[0].X
	minY, maxY := points[0].Y, points[0].Y
	for _, p := range points {
		if !isFinite(p.X) || !isFinite(p.Y) {
			return Box{}, fmt.Errorf("%w: (%v, %v)", ErrMalformedCoordinate, p.X, p.Y)
		}

		if p.X < minX {
			minX = p.X
		} else if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		} else if p.Y > maxY {
			maxY = p.Y
		}
	}

	return Box{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}, nil
}

// ExtractBoundingBox converts one polygon and its label into the bounding-box
// record for the image at filename. It is pure: no I/O, no shared state, and
// identical inputs always produce identical records.
func ExtractBoundingBox(points []Point, label, filename string) (Record, error) {
	if filename == "" {
		return Record{}, fmt.Errorf("%w: filename", ErrMissingField)
	}
	if label == "" {
		return Record{}, fmt.Errorf("%w: label", ErrMissingField)
	}

	box, err := BoundsOf(points)
	if err != nil {
		return Record{}, err
	}

	return Record{Filename: filename, Box: box, Label: label}, nil
}

// isFinite reports whether f is a usable coordinate value.
func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
