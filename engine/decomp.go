package engine

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
	"github.com/symtensor/symtensor/tensor"
)

// SVDOpts controls singular-value truncation. The zero value keeps every
// singular value. Truncation discards whole singular values, possibly whole
// sector blocks; it never splits a block.
type SVDOpts struct {
	MaxValues int     // keep at most this many values overall; 0 = unlimited
	MinValue  float64 // discard values strictly below this threshold
}

// Truncation reports what an SVD discarded.
type Truncation struct {
	Kept      int
	Discarded float64 // sum of squares of discarded singular values
}

// matrixize combines legs [0,split) and [split,n) into one leg each,
// reporting which ends actually needed combining so factors can be split
// back afterwards.
func matrixize(t *tensor.Tensor, split int) (*tensor.Tensor, bool, bool, error) {
	n := t.NumLegs()
	if split < 1 || split >= n {
		return nil, false, false, &tensor.LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("split %d outside (0,%d)", split, n),
		}
	}
	rowsCombined := split > 1
	colsCombined := n-split > 1
	var err error
	if colsCombined {
		cols := make([]int, 0, n-split)
		for i := split; i < n; i++ {
			cols = append(cols, i)
		}
		if t, err = t.CombineLegs(cols); err != nil {
			return nil, false, false, err
		}
	}
	if rowsCombined {
		rows := make([]int, 0, split)
		for i := 0; i < split; i++ {
			rows = append(rows, i)
		}
		if t, err = t.CombineLegs(rows); err != nil {
			return nil, false, false, err
		}
	}
	return t, rowsCombined, colsCombined, nil
}

// midLeg builds the internal leg of a factorization: one sector per
// surviving block, carrying the row sector's effective charge, in canonical
// charge order. blockMid maps each surviving block (by its position in
// blocks) to its mid sector index.
func midLeg(rowLeg *space.Leg, rows []int, mults []int) (*space.Leg, []int, error) {
	sym := rowLeg.Symmetry()
	type sec struct {
		c    charge.Charge
		mult int
		pos  int
	}
	secs := make([]sec, 0, len(rows))
	for i, r := range rows {
		if mults[i] == 0 {
			continue
		}
		c := sym.Trivial()
		rowLeg.EffectiveCharge(c, r)
		secs = append(secs, sec{c: c.Copy(), mult: mults[i], pos: i})
	}
	if len(secs) == 0 {
		return nil, nil, &tensor.LegMismatchError{Leg: -1, Reason: "no sector block survives"}
	}
	sort.SliceStable(secs, func(a, b int) bool { return sym.Compare(secs[a].c, secs[b].c) < 0 })

	charges := make([]charge.Charge, len(secs))
	ms := make([]int, len(secs))
	blockMid := make([]int, len(rows))
	for i := range blockMid {
		blockMid[i] = -1
	}
	for i, s := range secs {
		charges[i] = s.c
		ms[i] = s.mult
		blockMid[s.pos] = i
	}
	leg, err := space.NewLeg(sym, charges, ms)
	if err != nil {
		return nil, nil, err
	}
	return leg, blockMid, nil
}

// SVD factorizes t as U·S·Vt after implicitly combining legs [0,split) into
// a row leg and [split,n) into a column leg. Each charge block is decomposed
// independently with a dense thin SVD; the internal leg's sectors are
// exactly those blocks that keep at least one singular value under opts.
// U and S carry trivial total charge, Vt inherits t's. U's and Vt's outer
// legs are split back to the originals before returning.
func (e *Engine) SVD(t *tensor.Tensor, split int, opts SVDOpts) (u, s, vt *tensor.Tensor, tr Truncation, err error) {
	tm, rowsCombined, colsCombined, err := matrixize(t, split)
	if err != nil {
		return nil, nil, nil, tr, err
	}
	rowLeg, colLeg := tm.Leg(0), tm.Leg(1)

	type blockFact struct {
		r, c int
		m, n int
		um   mat.Dense
		vm   mat.Dense
		vals []float64
	}
	var blocks []*blockFact
	var factErr error
	tm.Keys(func(idx []int) {
		if factErr != nil {
			return
		}
		data, _ := tm.Block(idx...)
		bf := &blockFact{
			r: idx[0], c: idx[1],
			m: rowLeg.Sector(idx[0]).Mult,
			n: colLeg.Sector(idx[1]).Mult,
		}
		var svd mat.SVD
		if ok := svd.Factorize(mat.NewDense(bf.m, bf.n, data), mat.SVDThin); !ok {
			factErr = &NumericalError{
				Op:     "svd",
				Sector: append([]int(nil), idx...),
				Reason: "factorization did not converge",
			}
			return
		}
		svd.UTo(&bf.um)
		svd.VTo(&bf.vm)
		bf.vals = svd.Values(nil)
		blocks = append(blocks, bf)
	})
	if factErr != nil {
		return nil, nil, nil, tr, factErr
	}

	// Global truncation over whole singular values.
	type sv struct {
		val   float64
		block int
		pos   int
	}
	var all []sv
	for bi, bf := range blocks {
		for pi, v := range bf.vals {
			all = append(all, sv{val: v, block: bi, pos: pi})
		}
	}
	sort.SliceStable(all, func(a, b int) bool {
		if all[a].val != all[b].val {
			return all[a].val > all[b].val
		}
		if all[a].block != all[b].block {
			return all[a].block < all[b].block
		}
		return all[a].pos < all[b].pos
	})
	kept := make([]int, len(blocks))
	for _, v := range all {
		keep := true
		if opts.MaxValues > 0 && tr.Kept >= opts.MaxValues {
			keep = false
		}
		if opts.MinValue > 0 && v.val < opts.MinValue {
			keep = false
		}
		if keep {
			// Per-block singular values arrive descending, so kept values
			// are always a prefix of their block.
			kept[v.block]++
			tr.Kept++
			continue
		}
		tr.Discarded += v.val * v.val
	}

	rows := make([]int, len(blocks))
	for i, bf := range blocks {
		rows[i] = bf.r
	}
	mid, blockMid, err := midLeg(rowLeg, rows, kept)
	if err != nil {
		return nil, nil, nil, tr, err
	}

	sym := t.Symmetry()
	if u, err = tensor.New([]*space.Leg{rowLeg, mid.Dual()}, sym.Trivial()); err != nil {
		return nil, nil, nil, tr, err
	}
	if s, err = tensor.New([]*space.Leg{mid, mid.Dual()}, sym.Trivial()); err != nil {
		return nil, nil, nil, tr, err
	}
	if vt, err = tensor.New([]*space.Leg{mid, colLeg}, t.TotalCharge()); err != nil {
		return nil, nil, nil, tr, err
	}

	for bi, bf := range blocks {
		k := kept[bi]
		if k == 0 {
			continue
		}
		mi := blockMid[bi]

		uData := make([]float64, bf.m*k)
		for i := 0; i < bf.m; i++ {
			for j := 0; j < k; j++ {
				uData[i*k+j] = bf.um.At(i, j)
			}
		}
		if err = u.SetBlock([]int{bf.r, mi}, uData); err != nil {
			return nil, nil, nil, tr, err
		}

		sData := make([]float64, k*k)
		for j := 0; j < k; j++ {
			sData[j*k+j] = bf.vals[j]
		}
		if err = s.SetBlock([]int{mi, mi}, sData); err != nil {
			return nil, nil, nil, tr, err
		}

		vtData := make([]float64, k*bf.n)
		for j := 0; j < k; j++ {
			for l := 0; l < bf.n; l++ {
				vtData[j*bf.n+l] = bf.vm.At(l, j)
			}
		}
		if err = vt.SetBlock([]int{mi, bf.c}, vtData); err != nil {
			return nil, nil, nil, tr, err
		}
	}

	if rowsCombined {
		if u, err = u.SplitLeg(0); err != nil {
			return nil, nil, nil, tr, err
		}
	}
	if colsCombined {
		if vt, err = vt.SplitLeg(1); err != nil {
			return nil, nil, nil, tr, err
		}
	}
	return u, s, vt, tr, nil
}

// SVD runs on the process-wide default engine.
func SVD(t *tensor.Tensor, split int, opts SVDOpts) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, Truncation, error) {
	return defaultEngine.SVD(t, split, opts)
}

// EigH computes the eigendecomposition t = U·D·Uᵀ of a tensor that is an
// effective symmetric matrix: after combining, the column leg must be the
// dual partner of the row leg and the total charge trivial, so every block
// is square and sits on the charge diagonal. Block data must be symmetric;
// that is the caller's contract. D holds the eigenvalues (ascending within
// each sector) on the internal leg; U's row legs are split back before
// returning.
func (e *Engine) EigH(t *tensor.Tensor, split int) (d, u *tensor.Tensor, err error) {
	if !t.Symmetry().IsTrivial(t.TotalCharge()) {
		return nil, nil, &tensor.LegMismatchError{Leg: -1, Reason: "eigendecomposition needs trivial total charge"}
	}
	tm, rowsCombined, _, err := matrixize(t, split)
	if err != nil {
		return nil, nil, err
	}
	rowLeg, colLeg := tm.Leg(0), tm.Leg(1)
	if !rowLeg.Compatible(colLeg) {
		return nil, nil, &tensor.LegMismatchError{Leg: 1, Reason: "column leg is not the dual partner of the row leg"}
	}

	type blockFact struct {
		r    int
		m    int
		vec  mat.Dense
		vals []float64
	}
	var blocks []*blockFact
	var factErr error
	tm.Keys(func(idx []int) {
		if factErr != nil {
			return
		}
		data, _ := tm.Block(idx...)
		m := rowLeg.Sector(idx[0]).Mult
		var es mat.EigenSym
		if ok := es.Factorize(mat.NewSymDense(m, data), true); !ok {
			factErr = &NumericalError{
				Op:     "eigh",
				Sector: append([]int(nil), idx...),
				Reason: "factorization did not converge",
			}
			return
		}
		bf := &blockFact{r: idx[0], m: m, vals: es.Values(nil)}
		es.VectorsTo(&bf.vec)
		blocks = append(blocks, bf)
	})
	if factErr != nil {
		return nil, nil, factErr
	}

	rows := make([]int, len(blocks))
	mults := make([]int, len(blocks))
	for i, bf := range blocks {
		rows[i] = bf.r
		mults[i] = bf.m
	}
	mid, blockMid, err := midLeg(rowLeg, rows, mults)
	if err != nil {
		return nil, nil, err
	}

	sym := t.Symmetry()
	if d, err = tensor.New([]*space.Leg{mid, mid.Dual()}, sym.Trivial()); err != nil {
		return nil, nil, err
	}
	if u, err = tensor.New([]*space.Leg{rowLeg, mid.Dual()}, sym.Trivial()); err != nil {
		return nil, nil, err
	}
	for bi, bf := range blocks {
		mi := blockMid[bi]
		dData := make([]float64, bf.m*bf.m)
		for j, v := range bf.vals {
			dData[j*bf.m+j] = v
		}
		if err = d.SetBlock([]int{mi, mi}, dData); err != nil {
			return nil, nil, err
		}
		uData := make([]float64, bf.m*bf.m)
		for i := 0; i < bf.m; i++ {
			for j := 0; j < bf.m; j++ {
				uData[i*bf.m+j] = bf.vec.At(i, j)
			}
		}
		if err = u.SetBlock([]int{bf.r, mi}, uData); err != nil {
			return nil, nil, err
		}
	}

	if rowsCombined {
		if u, err = u.SplitLeg(0); err != nil {
			return nil, nil, err
		}
	}
	return d, u, nil
}

// EigH runs on the process-wide default engine.
func EigH(t *tensor.Tensor, split int) (*tensor.Tensor, *tensor.Tensor, error) {
	return defaultEngine.EigH(t, split)
}

// QR factorizes t as Q·R after the implicit combine, one thin dense QR per
// charge block. Q carries trivial total charge, R inherits t's. Outer legs
// are split back before returning.
func (e *Engine) QR(t *tensor.Tensor, split int) (q, r *tensor.Tensor, err error) {
	tm, rowsCombined, colsCombined, err := matrixize(t, split)
	if err != nil {
		return nil, nil, err
	}
	rowLeg, colLeg := tm.Leg(0), tm.Leg(1)

	type blockFact struct {
		r, c int
		m, n int
		k    int
		qm   mat.Dense
		rm   mat.Dense
	}
	var blocks []*blockFact
	tm.Keys(func(idx []int) {
		data, _ := tm.Block(idx...)
		bf := &blockFact{
			r: idx[0], c: idx[1],
			m: rowLeg.Sector(idx[0]).Mult,
			n: colLeg.Sector(idx[1]).Mult,
		}
		bf.k = bf.m
		if bf.n < bf.k {
			bf.k = bf.n
		}
		a := mat.NewDense(bf.m, bf.n, data)
		var qr mat.QR
		if bf.m >= bf.n {
			qr.Factorize(a)
			qr.QTo(&bf.qm)
			qr.RTo(&bf.rm)
		} else {
			// The dense QR needs rows >= cols. Householder QR of a wide
			// block runs m steps that depend only on the leading m x m
			// panel, so the panel's Q is the block's Q and R follows as
			// Q^T a.
			qr.Factorize(a.Slice(0, bf.m, 0, bf.m))
			qr.QTo(&bf.qm)
			bf.rm.Mul(bf.qm.T(), a)
		}
		blocks = append(blocks, bf)
	})

	rows := make([]int, len(blocks))
	ks := make([]int, len(blocks))
	for i, bf := range blocks {
		rows[i] = bf.r
		ks[i] = bf.k
	}
	mid, blockMid, err := midLeg(rowLeg, rows, ks)
	if err != nil {
		return nil, nil, err
	}

	sym := t.Symmetry()
	if q, err = tensor.New([]*space.Leg{rowLeg, mid.Dual()}, sym.Trivial()); err != nil {
		return nil, nil, err
	}
	if r, err = tensor.New([]*space.Leg{mid, colLeg}, t.TotalCharge()); err != nil {
		return nil, nil, err
	}
	for bi, bf := range blocks {
		mi := blockMid[bi]
		qData := make([]float64, bf.m*bf.k)
		for i := 0; i < bf.m; i++ {
			for j := 0; j < bf.k; j++ {
				qData[i*bf.k+j] = bf.qm.At(i, j)
			}
		}
		if err = q.SetBlock([]int{bf.r, mi}, qData); err != nil {
			return nil, nil, err
		}
		rData := make([]float64, bf.k*bf.n)
		for i := 0; i < bf.k; i++ {
			for j := 0; j < bf.n; j++ {
				rData[i*bf.n+j] = bf.rm.At(i, j)
			}
		}
		if err = r.SetBlock([]int{mi, bf.c}, rData); err != nil {
			return nil, nil, err
		}
	}

	if rowsCombined {
		if q, err = q.SplitLeg(0); err != nil {
			return nil, nil, err
		}
	}
	if colsCombined {
		if r, err = r.SplitLeg(1); err != nil {
			return nil, nil, err
		}
	}
	return q, r, nil
}

// QR runs on the process-wide default engine.
func QR(t *tensor.Tensor, split int) (*tensor.Tensor, *tensor.Tensor, error) {
	return defaultEngine.QR(t, split)
}
