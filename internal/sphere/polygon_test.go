package sphere

import (
	"errors"
	"math"
	"testing"
)

func square(t *testing.T, ra0, dec0, size float64) Polygon {
	t.Helper()
	p, err := FromRADec([][2]float64{
		{ra0, dec0},
		{ra0 + size, dec0},
		{ra0 + size, dec0 + size},
		{ra0, dec0 + size},
	})
	if err != nil {
		t.Fatalf("failed to build square at (%v, %v): %v", ra0, dec0, err)
	}
	return p
}

func degSq(d float64) float64 {
	r := d * math.Pi / 180
	return r * r
}

func TestNewNormalizesOrientation(t *testing.T) {
	ccw := square(t, 10, 0, 1)
	cw, err := FromRADec([][2]float64{{10, 0}, {10, 1}, {11, 1}, {11, 0}})
	if err != nil {
		t.Fatalf("clockwise ring rejected: %v", err)
	}
	if math.Abs(ccw.Area()-cw.Area()) > 1e-12 {
		t.Fatalf("expected equal areas, got %g and %g", ccw.Area(), cw.Area())
	}
	if cw.Area() > 2*math.Pi {
		t.Fatalf("clockwise ring was not reoriented, area %g", cw.Area())
	}
	if !cw.Contains(PointFromRADec(10.5, 0.5)) {
		t.Fatalf("expected centre to be inside")
	}
	if !cw.IsConvex() {
		t.Fatalf("expected square to be convex")
	}
}

func TestNewRejectsDegenerateRings(t *testing.T) {
	cases := []struct {
		name  string
		radec [][2]float64
	}{
		{"two vertices", [][2]float64{{10, 0}, {11, 0}}},
		{"repeated vertices", [][2]float64{{10, 0}, {10, 0}, {11, 1}, {11, 1}}},
		{"bowtie", [][2]float64{{10, 0}, {11, 1}, {11, 0}, {10, 1}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromRADec(tc.radec)
			var gerr *GeometryError
			if !errors.As(err, &gerr) {
				t.Fatalf("expected GeometryError, got %v", err)
			}
		})
	}
}

func TestIntersectOverlappingSquares(t *testing.T) {
	a := square(t, 10, 0, 1)
	b := square(t, 10.5, 0.5, 1)

	c, err := Intersect(a, b)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if c.Empty() {
		t.Fatalf("expected a non-empty overlap")
	}
	if !c.Contains(PointFromRADec(10.75, 0.75)) {
		t.Fatalf("overlap should contain (10.75, 0.75)")
	}
	if c.Contains(PointFromRADec(10.25, 0.25)) {
		t.Fatalf("overlap should not contain (10.25, 0.25)")
	}
	want := degSq(0.5)
	if got := c.Area(); math.Abs(got-want)/want > 0.02 {
		t.Fatalf("overlap area %g, want about %g", got, want)
	}

	// Intersection is symmetric.
	d, err := Intersect(b, a)
	if err != nil {
		t.Fatalf("reverse intersect failed: %v", err)
	}
	if math.Abs(c.Area()-d.Area())/c.Area() > 1e-9 {
		t.Fatalf("asymmetric intersection areas %g and %g", c.Area(), d.Area())
	}
}

func TestIntersectDisjointIsEmpty(t *testing.T) {
	a := square(t, 10, 0, 1)
	b := square(t, 40, 20, 1)
	if MayIntersect(a, b) {
		t.Fatalf("bounding circles of distant squares should not intersect")
	}
	c, err := Intersect(a, b)
	if err != nil {
		t.Fatalf("disjoint intersect should not fail: %v", err)
	}
	if !c.Empty() {
		t.Fatalf("expected empty intersection")
	}

	// Adjacent squares that only share an edge do not overlap either.
	e := square(t, 11, 0, 1)
	c, err = Intersect(a, e)
	if err != nil {
		t.Fatalf("touching intersect should not fail: %v", err)
	}
	if c.Area() > 1e-12 {
		t.Fatalf("touching squares produced area %g", c.Area())
	}
}

func TestIntersectContainedPolygon(t *testing.T) {
	outer := square(t, 10, 0, 2)
	inner := square(t, 10.5, 0.5, 0.5)
	c, err := Intersect(outer, inner)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if math.Abs(c.Area()-inner.Area())/inner.Area() > 1e-6 {
		t.Fatalf("expected inner area %g, got %g", inner.Area(), c.Area())
	}
}

func TestIntersectNonConvexSubject(t *testing.T) {
	// An L shape clipped by a convex square.
	ell, err := FromRADec([][2]float64{
		{10, 0}, {12, 0}, {12, 1}, {11, 1}, {11, 2}, {10, 2},
	})
	if err != nil {
		t.Fatalf("L shape rejected: %v", err)
	}
	if ell.IsConvex() {
		t.Fatalf("L shape reported convex")
	}
	box := square(t, 10.5, 0.5, 1)
	c, err := Intersect(ell, box)
	if err != nil {
		t.Fatalf("intersect failed: %v", err)
	}
	if !c.Contains(PointFromRADec(10.75, 0.75)) {
		t.Fatalf("expected overlap to contain (10.75, 0.75)")
	}

	_, err = Intersect(ell, ell)
	var gerr *GeometryError
	if !errors.As(err, &gerr) {
		t.Fatalf("expected GeometryError for two non-convex operands, got %v", err)
	}
}

func TestRegionUnionAndIntersect(t *testing.T) {
	left := square(t, 10, 0, 1)
	right := square(t, 10.8, 0, 1)
	probe := square(t, 10.5, 0.25, 1)

	union := RegionOf(left, right, Polygon{})
	if len(union.Pieces()) != 2 {
		t.Fatalf("expected two pieces, got %d", len(union.Pieces()))
	}
	if !union.Contains(PointFromRADec(11.5, 0.5)) {
		t.Fatalf("union should contain a point of the right square")
	}

	overlap, err := union.Intersect(RegionOf(probe))
	if err != nil {
		t.Fatalf("region intersect failed: %v", err)
	}
	if len(overlap.Pieces()) != 2 {
		t.Fatalf("expected one overlap piece per member, got %d", len(overlap.Pieces()))
	}
	if overlap.Contains(PointFromRADec(10.2, 0.5)) {
		t.Fatalf("overlap must not extend outside the probe")
	}

	far := RegionOf(square(t, 100, 40, 1))
	none, err := union.Intersect(far)
	if err != nil || !none.Empty() {
		t.Fatalf("expected empty region, got %v pieces, err %v", len(none.Pieces()), err)
	}
}

func TestRADecRoundTrip(t *testing.T) {
	for _, c := range [][2]float64{{0, 0}, {359.5, -45}, {180, 89}, {12.25, -0.75}} {
		ra, dec := RADec(PointFromRADec(c[0], c[1]))
		if math.Abs(ra-c[0]) > 1e-9 || math.Abs(dec-c[1]) > 1e-9 {
			t.Fatalf("round trip of %v gave (%v, %v)", c, ra, dec)
		}
	}
}

func TestNewDropsStraightRuns(t *testing.T) {
	// Points along the equator lie on the great circle through the corners.
	p, err := FromRADec([][2]float64{
		{10, 0}, {10.25, 0}, {10.5, 0}, {11, 0}, {11, 1}, {10, 1},
	})
	if err != nil {
		t.Fatalf("FromRADec: %v", err)
	}
	if got := len(p.Vertices()); got != 4 {
		t.Fatalf("expected 4 vertices after pruning, got %d", got)
	}
}
