package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
	"github.com/symtensor/symtensor/tensor"
)

func assertDenseClose(t *testing.T, want, got []float64, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], tol, "element %d", i)
	}
}

// reconstructUSVt contracts U·S·Vt back into one tensor.
func reconstructUSVt(t *testing.T, u, s, vt *tensor.Tensor) *tensor.Tensor {
	t.Helper()
	us, err := Contract(u, []int{u.NumLegs() - 1}, s, []int{0})
	require.NoError(t, err)
	full, err := Contract(us, []int{us.NumLegs() - 1}, vt, []int{0})
	require.NoError(t, err)
	return full
}

func TestSVDBlockDiagonalScenario(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	// Block-diagonal-by-charge matrix: a 3x3 block and a 2x2 block.
	l := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{3, 2})
	tn, err := tensor.New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)
	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{
		5, 0, 0,
		0, 3, 0,
		0, 0, 2,
	}))
	require.NoError(t, tn.SetBlock([]int{1, 1}, []float64{
		4, 0,
		0, 1,
	}))

	u, s, vt, tr, err := SVD(tn, 1, SVDOpts{})
	require.NoError(t, err)
	assert.Equal(t, 5, tr.Kept)
	assert.Equal(t, 0.0, tr.Discarded)

	// Sector-preserving factors: singular values match the per-block dense
	// SVD (our blocks are diagonal, so the values are the diagonals).
	require.NoError(t, u.Validate())
	require.NoError(t, s.Validate())
	require.NoError(t, vt.Validate())
	require.Equal(t, 2, s.NumBlocks())

	mid := s.Leg(0)
	require.Equal(t, 2, mid.NumSectors())
	i0, ok := mid.FindSector(charge.Charge{0})
	require.True(t, ok)
	i1, ok := mid.FindSector(charge.Charge{1})
	require.True(t, ok)
	s0, _ := s.Block(i0, i0)
	assert.Equal(t, []float64{5, 0, 0, 0, 3, 0, 0, 0, 2}, s0)
	s1, _ := s.Block(i1, i1)
	assert.Equal(t, []float64{4, 0, 0, 1}, s1)

	// U·S·Vt reproduces the input.
	assertDenseClose(t, tn.ToDense(), reconstructUSVt(t, u, s, vt).ToDense(), 1e-10)
}

func TestSVDTruncationDropsWholeBlock(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	// The charge-1 block holds exactly one singular value; truncating the
	// smallest value must remove that whole block.
	l := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	tn, err := tensor.New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)
	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{
		3, 0,
		0, 2,
	}))
	require.NoError(t, tn.SetBlock([]int{1, 1}, []float64{0.5}))

	u, s, vt, tr, err := SVD(tn, 1, SVDOpts{MaxValues: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Kept)
	assert.InDelta(t, 0.25, tr.Discarded, 1e-12)

	// The internal leg keeps only the charge-0 sector.
	mid := s.Leg(0)
	require.Equal(t, 1, mid.NumSectors())
	assert.Equal(t, charge.Charge{0}, mid.Sector(0).Charge)
	assert.Equal(t, 1, u.NumBlocks())
	assert.Equal(t, 1, vt.NumBlocks())

	// The reconstruction loses exactly the truncated block.
	want := tn.Copy()
	require.NoError(t, want.SetBlock([]int{1, 1}, []float64{0}))
	assertDenseClose(t, want.ToDense(), reconstructUSVt(t, u, s, vt).ToDense(), 1e-10)
}

func TestSVDMinValueThreshold(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l := mustLeg(t, u1, []charge.Charge{{0}}, []int{3})
	tn, err := tensor.New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)
	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{
		4, 0, 0,
		0, 2, 0,
		0, 0, 1e-9,
	}))

	_, s, _, tr, err := SVD(tn, 1, SVDOpts{MinValue: 1e-6})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Kept)
	assert.Equal(t, 2, s.Leg(0).Dim(), "whole values discarded, block kept")
}

func TestSVDMultiLeg(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2})
	l3 := mustLeg(t, u1, []charge.Charge{{0}, {1}, {2}}, []int{2, 2, 1})

	tn, err := tensor.New([]*space.Leg{l1, l2, l3.Dual()}, charge.Charge{0})
	require.NoError(t, err)
	fillRandom(t, tn, 21)
	require.Greater(t, tn.NumBlocks(), 0)

	// The implicit combine reduces legs [0,2) against leg 2; factors come
	// back split to the original outer legs.
	u, s, vt, _, err := SVD(tn, 2, SVDOpts{})
	require.NoError(t, err)
	require.Equal(t, 3, u.NumLegs())
	require.Equal(t, 2, vt.NumLegs())
	require.NoError(t, u.Validate())
	require.NoError(t, s.Validate())
	require.NoError(t, vt.Validate())

	assertDenseClose(t, tn.ToDense(), reconstructUSVt(t, u, s, vt).ToDense(), 1e-10)
}

func TestEigH(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 2})
	tn, err := tensor.New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)
	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{
		2, 1,
		1, 2,
	}))
	require.NoError(t, tn.SetBlock([]int{1, 1}, []float64{
		5, 0,
		0, 7,
	}))

	d, u, err := EigH(tn, 1)
	require.NoError(t, err)
	require.NoError(t, d.Validate())
	require.NoError(t, u.Validate())

	// Charge-0 block eigenvalues of [[2,1],[1,2]] are 1 and 3, ascending.
	mid := d.Leg(0)
	i0, ok := mid.FindSector(charge.Charge{0})
	require.True(t, ok)
	d0, _ := d.Block(i0, i0)
	assert.InDelta(t, 1.0, d0[0], 1e-12)
	assert.InDelta(t, 3.0, d0[3], 1e-12)

	// t == U·D·Uᵀ.
	ud, err := Contract(u, []int{1}, d, []int{0})
	require.NoError(t, err)
	utp, err := u.Conj().PermuteLegs([]int{1, 0})
	require.NoError(t, err)
	full, err := Contract(ud, []int{1}, utp, []int{0})
	require.NoError(t, err)
	assertDenseClose(t, tn.ToDense(), full.ToDense(), 1e-10)
}

func TestEigHRejectsNonSquare(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 2})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2})
	tn, err := tensor.New([]*space.Leg{l1, l2.Dual()}, u1.Trivial())
	require.NoError(t, err)

	var lme *tensor.LegMismatchError
	_, _, err = EigH(tn, 1)
	require.ErrorAs(t, err, &lme)

	// Non-trivial total charge is not an eigenproblem.
	tn2, err := tensor.New([]*space.Leg{l1, l1.Dual()}, charge.Charge{1})
	require.NoError(t, err)
	_, _, err = EigH(tn2, 1)
	require.ErrorAs(t, err, &lme)
}

func TestQR(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{3, 2})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 2})
	tn, err := tensor.New([]*space.Leg{l1, l2.Dual()}, u1.Trivial())
	require.NoError(t, err)
	fillRandom(t, tn, 23)
	require.Greater(t, tn.NumBlocks(), 0)

	q, r, err := QR(tn, 1)
	require.NoError(t, err)
	require.NoError(t, q.Validate())
	require.NoError(t, r.Validate())

	// Q·R reproduces the input.
	full, err := Contract(q, []int{1}, r, []int{0})
	require.NoError(t, err)
	assertDenseClose(t, tn.ToDense(), full.ToDense(), 1e-10)

	// Qᵀ·Q is the identity on the internal leg.
	qtq, err := Contract(q.Conj(), []int{0}, q, []int{0})
	require.NoError(t, err)
	mid := qtq.Leg(1)
	for si := 0; si < mid.NumSectors(); si++ {
		// qtq legs are [mid, mid.Dual()]; diagonal blocks only.
		block, ok := qtq.Block(si, si)
		require.True(t, ok)
		m := mid.Sector(si).Mult
		want := identityDense(m)
		assertDenseClose(t, want, block, 1e-10)
	}
}

func TestQRWideBlock(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	// Charge-0 block is 2x3 (wide), charge-1 block is 3x2 (tall).
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 3})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{3, 2})
	tn, err := tensor.New([]*space.Leg{l1, l2.Dual()}, u1.Trivial())
	require.NoError(t, err)
	fillRandom(t, tn, 31)
	require.Equal(t, 2, tn.NumBlocks())

	q, r, err := QR(tn, 1)
	require.NoError(t, err)
	require.NoError(t, q.Validate())
	require.NoError(t, r.Validate())

	// k = min(m, n) per block: 2 for both sectors here.
	mid := q.Leg(1)
	for si := 0; si < mid.NumSectors(); si++ {
		assert.Equal(t, 2, mid.Sector(si).Mult)
	}

	full, err := Contract(q, []int{1}, r, []int{0})
	require.NoError(t, err)
	assertDenseClose(t, tn.ToDense(), full.ToDense(), 1e-10)

	qtq, err := Contract(q.Conj(), []int{0}, q, []int{0})
	require.NoError(t, err)
	for si := 0; si < mid.NumSectors(); si++ {
		block, ok := qtq.Block(si, si)
		require.True(t, ok)
		assertDenseClose(t, identityDense(mid.Sector(si).Mult), block, 1e-10)
	}
}

func TestQRMultiLeg(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 1})
	l3 := mustLeg(t, u1, []charge.Charge{{0}, {1}, {2}}, []int{1, 2, 1})

	tn, err := tensor.New([]*space.Leg{l1, l2, l3.Dual()}, charge.Charge{0})
	require.NoError(t, err)
	fillRandom(t, tn, 29)

	q, r, err := QR(tn, 2)
	require.NoError(t, err)
	require.Equal(t, 3, q.NumLegs())
	full, err := Contract(q, []int{2}, r, []int{0})
	require.NoError(t, err)
	assertDenseClose(t, tn.ToDense(), full.ToDense(), 1e-10)
}

func TestSVDSplitOutOfRange(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l := mustLeg(t, u1, []charge.Charge{{0}}, []int{2})
	tn, err := tensor.New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)

	var lme *tensor.LegMismatchError
	_, _, _, _, err = SVD(tn, 0, SVDOpts{})
	require.ErrorAs(t, err, &lme)
	_, _, _, _, err = SVD(tn, 2, SVDOpts{})
	require.ErrorAs(t, err, &lme)
}
