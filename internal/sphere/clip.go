package sphere

import (
	"github.com/golang/geo/s2"
)

// Intersect clips a against b with great-circle Sutherland-Hodgman. The
// clip operand must be convex; when b is not but a is, the operands are
// swapped. Disjoint or merely touching polygons give the empty polygon and a
// nil error.
func Intersect(a, b Polygon) (Polygon, error) {
	if a.Empty() || b.Empty() {
		return Polygon{}, nil
	}
	subject, clipper := a, b
	if !clipper.IsConvex() {
		if !subject.IsConvex() {
			return Polygon{}, &GeometryError{Reason: "cannot clip two non-convex polygons"}
		}
		subject, clipper = clipper, subject
	}
	if !MayIntersect(subject, clipper) {
		return Polygon{}, nil
	}

	out := subject.vertices
	n := len(clipper.vertices)
	for i := 0; i < n; i++ {
		if len(out) == 0 {
			return Polygon{}, nil
		}
		out = clipByEdge(out, clipper.vertices[i], clipper.vertices[(i+1)%n])
	}

	p, err := New(out)
	if err != nil {
		// A sliver left over from touching edges is not an overlap.
		return Polygon{}, nil
	}
	return p, nil
}

// clipByEdge keeps the part of poly on the left of the great circle e0->e1.
func clipByEdge(poly []s2.Point, e0, e1 s2.Point) []s2.Point {
	normal := e0.Cross(e1.Vector).Normalize()
	var clipped []s2.Point

	for i := 0; i < len(poly); i++ {
		cur := poly[i]
		next := poly[(i+1)%len(poly)]
		dc := normal.Dot(cur.Vector)
		dn := normal.Dot(next.Vector)
		curInside := dc >= -insideTol
		nextInside := dn >= -insideTol

		if curInside {
			clipped = append(clipped, cur)
			if !nextInside {
				// Exiting
				clipped = append(clipped, lerp(cur, next, dc/(dc-dn)))
			}
		} else if nextInside {
			// Entering
			clipped = append(clipped, lerp(cur, next, dc/(dc-dn)))
		}
	}

	return clipped
}

// Region is a union of polygons. Pieces may overlap; a point is in the
// region when any piece contains it.
type Region struct {
	pieces []Polygon
}

// RegionOf returns a region made of the given polygons, skipping empty ones.
func RegionOf(polys ...Polygon) Region {
	var r Region
	for _, p := range polys {
		r = r.Union(p)
	}
	return r
}

// Union returns r with p added.
func (r Region) Union(p Polygon) Region {
	if p.Empty() {
		return r
	}
	pieces := make([]Polygon, len(r.pieces), len(r.pieces)+1)
	copy(pieces, r.pieces)
	return Region{pieces: append(pieces, p)}
}

// Pieces returns the polygons making up the region.
func (r Region) Pieces() []Polygon {
	out := make([]Polygon, len(r.pieces))
	copy(out, r.pieces)
	return out
}

// Empty reports whether the region has no pieces.
func (r Region) Empty() bool { return len(r.pieces) == 0 }

// Contains reports whether any piece contains the point.
func (r Region) Contains(pt s2.Point) bool {
	for _, p := range r.pieces {
		if p.Contains(pt) {
			return true
		}
	}
	return false
}

// Cap returns a circle bounding every piece.
func (r Region) Cap() s2.Cap {
	c := s2.EmptyCap()
	for _, p := range r.pieces {
		c = c.AddCap(p.Cap())
	}
	return c
}

// Intersect returns the pairwise intersections of the pieces of r and o.
func (r Region) Intersect(o Region) (Region, error) {
	if r.Empty() || o.Empty() || !r.Cap().Intersects(o.Cap()) {
		return Region{}, nil
	}
	var out Region
	for _, a := range r.pieces {
		for _, b := range o.pieces {
			if !MayIntersect(a, b) {
				continue
			}
			c, err := Intersect(a, b)
			if err != nil {
				return Region{}, err
			}
			out = out.Union(c)
		}
	}
	return out, nil
}
