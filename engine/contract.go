package engine

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
	"github.com/symtensor/symtensor/tensor"
)

// packIdx encodes a sector tuple for joining; engine-local, self-consistent.
func packIdx(idx []int) string {
	buf := make([]byte, 2*len(idx))
	for i, v := range idx {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return string(buf)
}

// Contract contracts the named legs of a against the dual-matching named
// legs of b, summing over the shared indices. Result legs are the
// uncontracted legs of a (original relative order) followed by those of b;
// its total charge is the fusion of the operands' totals. Caller-supplied
// sector order never affects correctness: incompatible but sortable leg
// pairs are canonicalized transparently. A fully contracted result is
// returned as a tensor over a single trivial leg of dimension one; read it
// with Scalar.
//
// Accumulation follows a fixed iteration order over stored sector tuples,
// so identical inputs give bit-identical outputs, with or without workers.
func (e *Engine) Contract(a *tensor.Tensor, legsA []int, b *tensor.Tensor, legsB []int) (*tensor.Tensor, error) {
	if a.Symmetry() != b.Symmetry() {
		return nil, &tensor.LegMismatchError{Leg: -1, Reason: "operands built on different symmetry descriptors"}
	}
	if len(legsA) != len(legsB) {
		return nil, &tensor.LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("contracting %d legs of a against %d of b", len(legsA), len(legsB)),
		}
	}
	if err := checkLegSubset(a, legsA); err != nil {
		return nil, err
	}
	if err := checkLegSubset(b, legsB); err != nil {
		return nil, err
	}
	m := len(legsA)

	// Repair duality/order mismatches by canonical sector sorting. Dimension
	// disagreements that survive the repair are a hard error.
	for k := 0; k < m; k++ {
		la, lb := a.Leg(legsA[k]), b.Leg(legsB[k])
		if la.Compatible(lb) {
			continue
		}
		var err error
		if a, _, err = a.CanonicalizeLeg(legsA[k]); err != nil {
			return nil, err
		}
		if b, _, err = b.CanonicalizeLeg(legsB[k]); err != nil {
			return nil, err
		}
		la, lb = a.Leg(legsA[k]), b.Leg(legsB[k])
		if !la.Compatible(lb) {
			if la.Dim() != lb.Dim() {
				return nil, &tensor.LegMismatchError{
					Leg:    legsA[k],
					Reason: fmt.Sprintf("contracted dimensions %d and %d disagree", la.Dim(), lb.Dim()),
				}
			}
			return nil, &space.IncompatibleLegError{
				Sector: legsA[k],
				Reason: "legs are not dual partners under canonical sector order",
			}
		}
	}

	// a: uncontracted legs first, then contracted in pairing order.
	// b: contracted first, then uncontracted.
	uncA := complementOf(a.NumLegs(), legsA)
	uncB := complementOf(b.NumLegs(), legsB)
	ap, err := a.PermuteLegs(append(append([]int(nil), uncA...), legsA...))
	if err != nil {
		return nil, err
	}
	bp, err := b.PermuteLegs(append(append([]int(nil), legsB...), uncB...))
	if err != nil {
		return nil, err
	}
	nA := len(uncA)
	sym := a.Symmetry()

	total, err := sym.Fuse(a.TotalCharge(), b.TotalCharge())
	if err != nil {
		return nil, err
	}

	outLegs := make([]*space.Leg, 0, nA+len(uncB))
	for i := 0; i < nA; i++ {
		outLegs = append(outLegs, ap.Leg(i))
	}
	for i := m; i < bp.NumLegs(); i++ {
		outLegs = append(outLegs, bp.Leg(i))
	}
	scalar := len(outLegs) == 0
	if scalar {
		triv, err := space.NewLeg(sym, []charge.Charge{sym.Trivial()}, []int{1})
		if err != nil {
			return nil, err
		}
		outLegs = []*space.Leg{triv}
	}
	out, err := tensor.New(outLegs, total)
	if err != nil {
		return nil, err
	}

	key := patternKey(ap, m, bp)
	pat := e.cache.getOrCompute(key, func() *pattern {
		return matchBlocks(ap, bp, nA, m)
	})

	if err := e.executePattern(out, ap, bp, pat, nA, m, scalar); err != nil {
		return nil, err
	}
	return out, nil
}

// Contract runs the operation on a process-wide default engine.
func Contract(a *tensor.Tensor, legsA []int, b *tensor.Tensor, legsB []int) (*tensor.Tensor, error) {
	return defaultEngine.Contract(a, legsA, b, legsB)
}

var defaultEngine = New()

func checkLegSubset(t *tensor.Tensor, legs []int) error {
	seen := make(map[int]bool, len(legs))
	for _, ix := range legs {
		if ix < 0 || ix >= t.NumLegs() {
			return &tensor.LegMismatchError{Leg: ix, Reason: "leg index out of range"}
		}
		if seen[ix] {
			return &tensor.LegMismatchError{Leg: ix, Reason: "leg named twice in contraction"}
		}
		seen[ix] = true
	}
	return nil
}

func complementOf(n int, legs []int) []int {
	in := make(map[int]bool, len(legs))
	for _, ix := range legs {
		in[ix] = true
	}
	out := make([]int, 0, n-len(legs))
	for i := 0; i < n; i++ {
		if !in[i] {
			out = append(out, i)
		}
	}
	return out
}

// matchBlocks is the sparse join over sector-index space: b's stored tuples
// are grouped by contracted prefix, then each of a's stored tuples probes
// its contracted suffix against the groups. Cost scales with stored and
// matching blocks, never the cartesian product of all sector combinations.
func matchBlocks(ap, bp *tensor.Tensor, nA, m int) *pattern {
	groups := make(map[string][][]int)
	bp.Keys(func(idx []int) {
		p := packIdx(idx[:m])
		groups[p] = append(groups[p], append([]int(nil), idx...))
	})

	pat := &pattern{}
	ap.Keys(func(idx []int) {
		for _, bIdx := range groups[packIdx(idx[nA:])] {
			pat.pairs = append(pat.pairs, matchPair{
				aIdx: append([]int(nil), idx...),
				bIdx: bIdx,
			})
		}
	})
	return pat
}

// executePattern runs one dense GEMM per matched pair, accumulating into
// output blocks keyed by the uncontracted sector tuples. Tasks targeting
// one output block always run in pattern order on a single goroutine, so
// floating-point accumulation is reproducible under any worker count.
func (e *Engine) executePattern(out, ap, bp *tensor.Tensor, pat *pattern, nA, m int, scalar bool) error {
	type outputGroup struct {
		idx   []int
		dst   []float64
		tasks []matchPair
	}
	var order []string
	groups := make(map[string]*outputGroup)
	for _, pr := range pat.pairs {
		var outIdx []int
		if scalar {
			outIdx = []int{0}
		} else {
			outIdx = append(append([]int(nil), pr.aIdx[:nA]...), pr.bIdx[m:]...)
		}
		k := packIdx(outIdx)
		g, ok := groups[k]
		if !ok {
			dst, err := out.MutableBlock(outIdx)
			if err != nil {
				return err
			}
			g = &outputGroup{idx: outIdx, dst: dst}
			groups[k] = g
			order = append(order, k)
		}
		g.tasks = append(g.tasks, pr)
	}

	run := func(g *outputGroup) {
		for _, tk := range g.tasks {
			aData, _ := ap.Block(tk.aIdx...)
			bData, _ := bp.Block(tk.bIdx...)
			r, kd := legsProd(ap, tk.aIdx, 0, nA), legsProd(ap, tk.aIdx, nA, ap.NumLegs())
			c := legsProd(bp, tk.bIdx, m, bp.NumLegs())
			blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
				blas64.General{Rows: r, Cols: kd, Stride: kd, Data: aData},
				blas64.General{Rows: kd, Cols: c, Stride: c, Data: bData},
				1,
				blas64.General{Rows: r, Cols: c, Stride: c, Data: g.dst})
		}
	}

	if e.workers > 1 && len(order) >= parallelThreshold {
		var g errgroup.Group
		g.SetLimit(e.workers)
		for _, k := range order {
			grp := groups[k]
			g.Go(func() error {
				run(grp)
				return nil
			})
		}
		return g.Wait()
	}
	for _, k := range order {
		run(groups[k])
	}
	return nil
}

func legsProd(t *tensor.Tensor, idx []int, from, to int) int {
	p := 1
	for i := from; i < to; i++ {
		p *= t.Leg(i).Sector(idx[i]).Mult
	}
	return p
}

// Scalar reads the value of a fully contracted result: a tensor over a
// single trivial leg of dimension one. The second return is false when t
// has a different shape. An absent block reads as zero.
func Scalar(t *tensor.Tensor) (float64, bool) {
	if t.NumLegs() != 1 || t.Leg(0).Dim() != 1 {
		return 0, false
	}
	data, ok := t.Block(0)
	if !ok {
		return 0, true
	}
	return data[0], true
}

// Trace contracts leg i of t against its own leg j, which must be dual
// partners, summing the shared diagonal. The result keeps the remaining
// legs in order; tracing the last two legs of a 2-leg tensor yields the
// scalar convention of Contract.
func (e *Engine) Trace(t *tensor.Tensor, i, j int) (*tensor.Tensor, error) {
	if i == j {
		return nil, &tensor.LegMismatchError{Leg: i, Reason: "trace needs two distinct legs"}
	}
	if err := checkLegSubset(t, []int{i, j}); err != nil {
		return nil, err
	}
	if !t.Leg(i).Compatible(t.Leg(j)) {
		var err error
		if t, _, err = t.CanonicalizeLeg(i); err != nil {
			return nil, err
		}
		if t, _, err = t.CanonicalizeLeg(j); err != nil {
			return nil, err
		}
		if !t.Leg(i).Compatible(t.Leg(j)) {
			return nil, &space.IncompatibleLegError{
				Sector: i,
				Reason: "traced legs are not dual partners under canonical sector order",
			}
		}
	}

	rest := complementOf(t.NumLegs(), []int{i, j})
	tp, err := t.PermuteLegs(append(append([]int(nil), rest...), i, j))
	if err != nil {
		return nil, err
	}
	n := len(rest)

	outLegs := make([]*space.Leg, 0, n)
	for k := 0; k < n; k++ {
		outLegs = append(outLegs, tp.Leg(k))
	}
	scalar := len(outLegs) == 0
	if scalar {
		triv, err := space.NewLeg(t.Symmetry(), []charge.Charge{t.Symmetry().Trivial()}, []int{1})
		if err != nil {
			return nil, err
		}
		outLegs = []*space.Leg{triv}
	}
	out, err := tensor.New(outLegs, t.TotalCharge())
	if err != nil {
		return nil, err
	}

	var firstErr error
	tp.Keys(func(idx []int) {
		if firstErr != nil || idx[n] != idx[n+1] {
			return
		}
		src, _ := tp.Block(idx...)
		var outIdx []int
		if scalar {
			outIdx = []int{0}
		} else {
			outIdx = append([]int(nil), idx[:n]...)
		}
		dst, err := out.MutableBlock(outIdx)
		if err != nil {
			firstErr = err
			return
		}
		mult := tp.Leg(n).Sector(idx[n]).Mult
		for o := 0; o < len(dst); o++ {
			for d := 0; d < mult; d++ {
				dst[o] += src[(o*mult+d)*mult+d]
			}
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Trace runs on the process-wide default engine.
func Trace(t *tensor.Tensor, i, j int) (*tensor.Tensor, error) {
	return defaultEngine.Trace(t, i, j)
}
