// Package sphere implements footprint polygons on the unit sphere and the
// clipping operations used to find where two images overlap on the sky.
package sphere

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

const (
	// vertices closer than this (chord length) are treated as the same vertex
	vertexTol = 1e-12
	// tolerance on (e0 x e1) . p when testing which side of an edge p lies on
	insideTol = 1e-13
	// loops smaller than this many steradians are degenerate
	minArea = 1e-20
	// |(a x b) . c| below this marks a straight or folded turn at b
	flatTol = 1e-14
)

// GeometryError reports a footprint that cannot be used as a polygon:
// too few vertices, zero area or self-intersection.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string {
	return "geometry: " + e.Reason
}

// Polygon is a simple closed polygon on the unit sphere with great-circle
// edges. Vertices are stored counter-clockwise, so the interior is on the
// left of every edge. The zero value is the empty polygon.
type Polygon struct {
	vertices []s2.Point
	loop     *s2.Loop
}

// New builds a polygon from an ordered vertex ring. The ring may be given in
// either orientation and must not repeat its first vertex at the end.
// Vertices on a straight run between their neighbours are dropped.
func New(points []s2.Point) (Polygon, error) {
	vs := make([]s2.Point, 0, len(points))
	for _, p := range points {
		n := p.Norm()
		if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return Polygon{}, &GeometryError{Reason: "vertex is not a finite direction"}
		}
		q := s2.Point{Vector: p.Normalize()}
		if len(vs) > 0 && samePoint(vs[len(vs)-1], q) {
			continue
		}
		vs = append(vs, q)
	}
	for len(vs) > 1 && samePoint(vs[0], vs[len(vs)-1]) {
		vs = vs[:len(vs)-1]
	}
	vs = prune(vs)
	if len(vs) < 3 {
		return Polygon{}, &GeometryError{Reason: fmt.Sprintf("%d distinct vertices, need at least 3", len(vs))}
	}
	if i, j, ok := selfIntersection(vs); ok {
		return Polygon{}, &GeometryError{Reason: fmt.Sprintf("edges %d and %d cross", i, j)}
	}

	loop := s2.LoopFromPoints(vs)
	if !loop.IsNormalized() {
		reverse(vs)
		loop = s2.LoopFromPoints(vs)
	}
	if err := loop.Validate(); err != nil {
		return Polygon{}, &GeometryError{Reason: err.Error()}
	}
	if loop.Area() < minArea {
		return Polygon{}, &GeometryError{Reason: "zero area"}
	}
	return Polygon{vertices: vs, loop: loop}, nil
}

// FromRADec builds a polygon from (ra, dec) pairs in degrees.
func FromRADec(radec [][2]float64) (Polygon, error) {
	points := make([]s2.Point, len(radec))
	for i, v := range radec {
		points[i] = PointFromRADec(v[0], v[1])
	}
	return New(points)
}

// PointFromRADec converts sky coordinates in degrees to a unit vector.
func PointFromRADec(ra, dec float64) s2.Point {
	return s2.PointFromLatLng(s2.LatLngFromDegrees(dec, ra))
}

// RADec converts a unit vector back to (ra, dec) in degrees, ra in [0, 360).
func RADec(p s2.Point) (ra, dec float64) {
	ll := s2.LatLngFromPoint(p)
	ra = math.Mod(ll.Lng.Degrees(), 360)
	if ra < 0 {
		ra += 360
	}
	return ra, ll.Lat.Degrees()
}

// Empty reports whether the polygon has no interior.
func (p Polygon) Empty() bool { return len(p.vertices) == 0 }

// Vertices returns a copy of the CCW vertex ring.
func (p Polygon) Vertices() []s2.Point {
	out := make([]s2.Point, len(p.vertices))
	copy(out, p.vertices)
	return out
}

// RADec returns the vertex ring as (ra, dec) pairs in degrees.
func (p Polygon) RADec() [][2]float64 {
	out := make([][2]float64, len(p.vertices))
	for i, v := range p.vertices {
		ra, dec := RADec(v)
		out[i] = [2]float64{ra, dec}
	}
	return out
}

// Area returns the enclosed solid angle in steradians.
func (p Polygon) Area() float64 {
	if p.Empty() {
		return 0
	}
	return p.loop.Area()
}

// Contains reports whether the point lies inside the polygon.
func (p Polygon) Contains(pt s2.Point) bool {
	if p.Empty() {
		return false
	}
	return p.loop.ContainsPoint(pt)
}

// Cap returns a bounding circle of the polygon.
func (p Polygon) Cap() s2.Cap {
	if p.Empty() {
		return s2.EmptyCap()
	}
	return p.loop.CapBound()
}

// IsConvex reports whether every vertex turns left, allowing collinear runs.
func (p Polygon) IsConvex() bool {
	n := len(p.vertices)
	if n < 3 {
		return false
	}
	for i := 0; i < n; i++ {
		a, b, c := p.vertices[i], p.vertices[(i+1)%n], p.vertices[(i+2)%n]
		if a.Cross(b.Vector).Dot(c.Vector) < -flatTol {
			return false
		}
	}
	return true
}

// MayIntersect is a cheap bounding-circle test. A false result proves the
// polygons are disjoint; true means they have to be clipped to find out.
func MayIntersect(a, b Polygon) bool {
	if a.Empty() || b.Empty() {
		return false
	}
	return a.Cap().Intersects(b.Cap())
}

func samePoint(a, b s2.Point) bool {
	return a.Sub(b.Vector).Norm() < vertexTol
}

// prune removes vertices where the ring goes straight on or folds back.
func prune(vs []s2.Point) []s2.Point {
	for changed := true; changed && len(vs) >= 3; {
		changed = false
		for i := 0; i < len(vs) && len(vs) >= 3; i++ {
			n := len(vs)
			a, b, c := vs[(i+n-1)%n], vs[i], vs[(i+1)%n]
			if math.Abs(a.Cross(b.Vector).Dot(c.Vector)) < flatTol {
				vs = append(vs[:i], vs[i+1:]...)
				changed = true
				i--
			}
		}
	}
	return vs
}

func reverse(vs []s2.Point) {
	for i, j := 0, len(vs)-1; i < j; i, j = i+1, j-1 {
		vs[i], vs[j] = vs[j], vs[i]
	}
}

// selfIntersection looks for a proper crossing between two non-adjacent edges.
func selfIntersection(vs []s2.Point) (int, int, bool) {
	n := len(vs)
	if n < 4 {
		return 0, 0, false
	}
	for i := 0; i < n; i++ {
		a0, a1 := vs[i], vs[(i+1)%n]
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue
			}
			b0, b1 := vs[j], vs[(j+1)%n]
			if s2.CrossingSign(a0, a1, b0, b1) == s2.Cross {
				return i, j, true
			}
		}
	}
	return 0, 0, false
}

// lerp returns the unit vector on the chord between a and b at parameter t.
func lerp(a, b s2.Point, t float64) s2.Point {
	v := a.Vector.Add(b.Vector.Sub(a.Vector).Mul(t))
	return s2.Point{Vector: v.Normalize()}
}
