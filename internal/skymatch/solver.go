package skymatch

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"
)

// Solution holds the offsets solved for n groups.
type Solution struct {
	Offsets   []float64
	Component []int // component id per group
	Gauge     []int // gauge group per component
	Members   [][]int
	Err       []error // per group, set for every member of a failed component
}

// Solve finds offsets s minimizing sum w*(s[B]-s[A]-Delta)^2 over the
// observations. Groups connected by observations form a component whose
// offsets are fixed by pinning one gauge group to zero: the group with the
// lowest level when matchDown is set, the highest otherwise, among groups
// whose level is ok. Ties go to the lowest group index. Components are
// numbered in order of their lowest group index.
//
// The returned error reports malformed input only; failures of individual
// components are recorded in Solution.Err.
func Solve(n int, obs []Observation, levels []float64, ok []bool, matchDown bool) (Solution, error) {
	if n < 0 {
		return Solution{}, fmt.Errorf("negative group count %d", n)
	}
	if len(levels) != n || len(ok) != n {
		return Solution{}, fmt.Errorf("got %d levels and %d flags for %d groups", len(levels), len(ok), n)
	}

	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for k, o := range obs {
		if o.A < 0 || o.A >= n || o.B < 0 || o.B >= n || o.A == o.B {
			return Solution{}, fmt.Errorf("observation %d links groups %d and %d", k, o.A, o.B)
		}
		if !(o.Weight > 0) {
			continue
		}
		w := o.Weight
		if e := g.WeightedEdge(int64(o.A), int64(o.B)); e != nil {
			w += e.Weight()
		}
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(o.A), simple.Node(o.B), w))
	}

	members := components(topo.ConnectedComponents(g))
	sol := Solution{
		Offsets:   make([]float64, n),
		Component: make([]int, n),
		Gauge:     make([]int, len(members)),
		Members:   members,
		Err:       make([]error, n),
	}
	for c, ids := range members {
		for _, i := range ids {
			sol.Component[i] = c
		}
	}
	for c, ids := range members {
		gauge, err := solveComponent(c, ids, obs, levels, ok, matchDown, sol.Offsets)
		sol.Gauge[c] = gauge
		if err != nil {
			for _, i := range ids {
				sol.Err[i] = err
				sol.Offsets[i] = 0
			}
		}
	}
	return sol, nil
}

// components sorts node ids within each component and orders components by
// their lowest id.
func components(cc [][]graph.Node) [][]int {
	out := make([][]int, len(cc))
	for c, nodes := range cc {
		ids := make([]int, len(nodes))
		for k, nd := range nodes {
			ids[k] = int(nd.ID())
		}
		sort.Ints(ids)
		out[c] = ids
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func pickGauge(ids []int, levels []float64, ok []bool, matchDown bool) int {
	gauge := -1
	for _, i := range ids {
		if !ok[i] {
			continue
		}
		if gauge < 0 ||
			(matchDown && levels[i] < levels[gauge]) ||
			(!matchDown && levels[i] > levels[gauge]) {
			gauge = i
		}
	}
	return gauge
}

// solveComponent writes the offsets of the groups in ids into offsets and
// returns the gauge group.
func solveComponent(c int, ids []int, obs []Observation, levels []float64, ok []bool, matchDown bool, offsets []float64) (int, error) {
	if len(ids) == 1 {
		offsets[ids[0]] = 0
		return ids[0], nil
	}

	gauge := pickGauge(ids, levels, ok, matchDown)
	if gauge < 0 {
		return ids[0], &InsufficientDataError{
			Group: fmt.Sprintf("component %d", c),
			Stage: "gauge selection",
		}
	}

	local := make(map[int]int, len(ids))
	for k, i := range ids {
		local[i] = k
	}
	k := len(ids)
	lap := mat.NewSymDense(k, nil)
	rhs := make([]float64, k)
	internal := 0
	for _, o := range obs {
		a, okA := local[o.A]
		b, okB := local[o.B]
		if !okA || !okB || !(o.Weight > 0) {
			continue
		}
		internal++
		w := o.Weight
		lap.SetSym(a, a, lap.At(a, a)+w)
		lap.SetSym(b, b, lap.At(b, b)+w)
		lap.SetSym(a, b, lap.At(a, b)-w)
		rhs[b] += w * o.Delta
		rhs[a] -= w * o.Delta
	}
	if internal == 0 {
		return gauge, singular(c, ids, "no observations between member groups")
	}

	// Drop the gauge row and column.
	g := local[gauge]
	red := mat.NewSymDense(k-1, nil)
	vec := mat.NewVecDense(k-1, nil)
	for r, rr := 0, 0; r < k; r++ {
		if r == g {
			continue
		}
		vec.SetVec(rr, rhs[r])
		for s, ss := r, rr; s < k; s++ {
			if s == g {
				continue
			}
			red.SetSym(rr, ss, lap.At(r, s))
			ss++
		}
		rr++
	}

	var chol mat.Cholesky
	if !chol.Factorize(red) {
		return gauge, singular(c, ids, "normal equations are not positive definite")
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, vec); err != nil {
		return gauge, singular(c, ids, err.Error())
	}

	for r, rr := 0, 0; r < k; r++ {
		if r == g {
			offsets[ids[r]] = 0
			continue
		}
		offsets[ids[r]] = x.AtVec(rr)
		rr++
	}
	return gauge, nil
}

func singular(c int, ids []int, reason string) error {
	groups := make([]string, len(ids))
	for k, i := range ids {
		groups[k] = fmt.Sprint(i)
	}
	return &SingularSystemError{Component: c, Groups: groups, Reason: reason}
}
