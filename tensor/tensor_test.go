package tensor

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
)

func mustLeg(t *testing.T, sym *charge.Symmetry, charges []charge.Charge, mults []int) *space.Leg {
	t.Helper()
	l, err := space.NewLeg(sym, charges, mults)
	require.NoError(t, err)
	return l
}

// fillRandom stores every charge-conserving sector tuple with deterministic
// pseudo-random data.
func fillRandom(t *testing.T, tn *Tensor, seed int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	idx := make([]int, tn.NumLegs())
	for {
		if tn.conserves(idx) {
			data := make([]float64, tn.blockSize(idx))
			for i := range data {
				data[i] = rng.NormFloat64()
			}
			require.NoError(t, tn.SetBlock(append([]int(nil), idx...), data))
		}
		advanced := false
		for a := len(idx) - 1; a >= 0; a-- {
			idx[a]++
			if idx[a] < tn.Leg(a).NumSectors() {
				advanced = true
				break
			}
			idx[a] = 0
		}
		if !advanced {
			break
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	z2 := charge.Z2()
	lu := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2})
	lz := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{1, 2})

	_, err := New([]*space.Leg{lu, lz}, u1.Trivial())
	var lme *LegMismatchError
	require.ErrorAs(t, err, &lme)

	_, err = New(nil, u1.Trivial())
	require.ErrorAs(t, err, &lme)

	_, err = New([]*space.Leg{lu}, charge.Charge{0, 0})
	var ice *charge.InvalidChargeError
	require.ErrorAs(t, err, &ice)

	tn, err := New([]*space.Leg{lu, lu.Dual()}, u1.Trivial())
	require.NoError(t, err)
	assert.Equal(t, 0, tn.NumBlocks())
	assert.Equal(t, []int{3, 3}, tn.Shape())
}

func TestSetBlockAndBlock(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 3})
	tn, err := New([]*space.Leg{l, l.Dual()}, u1.Trivial())
	require.NoError(t, err)

	// Absent block is a valid, zero-equivalent answer.
	_, ok := tn.Block(0, 0)
	assert.False(t, ok)

	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{1, 2, 3, 4}))
	got, ok := tn.Block(0, 0)
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3, 4}, got)
	assert.Equal(t, []int{2, 2}, tn.BlockDims(0, 0))

	// Charge-violating tuple: (0,1) fuses to -1, not trivial.
	err = tn.SetBlock([]int{0, 1}, make([]float64, 6))
	var ice *charge.InvalidChargeError
	require.ErrorAs(t, err, &ice)

	// Shape mismatch.
	err = tn.SetBlock([]int{1, 1}, []float64{1})
	var lme *LegMismatchError
	require.ErrorAs(t, err, &lme)

	// Out-of-range sector index.
	err = tn.SetBlock([]int{2, 0}, []float64{1})
	require.ErrorAs(t, err, &lme)

	require.NoError(t, tn.Validate())
}

func TestScaleAndAdd(t *testing.T) {
	t.Parallel()
	z2 := charge.Z2()
	l := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{1, 1})
	legs := []*space.Leg{l, l.Dual()}

	a, err := New(legs, z2.Trivial())
	require.NoError(t, err)
	require.NoError(t, a.SetBlock([]int{0, 0}, []float64{2}))

	b, err := New(legs, z2.Trivial())
	require.NoError(t, err)
	require.NoError(t, b.SetBlock([]int{0, 0}, []float64{3}))
	require.NoError(t, b.SetBlock([]int{1, 1}, []float64{5}))

	sum, err := a.Add(b)
	require.NoError(t, err)
	got, _ := sum.Block(0, 0)
	assert.Equal(t, []float64{5}, got)
	// A sector present in only one operand is copied.
	got, _ = sum.Block(1, 1)
	assert.Equal(t, []float64{5}, got)

	// Scale mutates in place and returns the receiver.
	same := sum.Scale(2)
	assert.Same(t, sum, same)
	got, _ = sum.Block(0, 0)
	assert.Equal(t, []float64{10}, got)

	// Mismatched legs fail.
	other := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{1, 2})
	c, err := New([]*space.Leg{other, other.Dual()}, z2.Trivial())
	require.NoError(t, err)
	_, err = a.Add(c)
	var lme *LegMismatchError
	require.ErrorAs(t, err, &lme)
}

func TestConjInvolution(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	tn, err := New([]*space.Leg{l1, l2.Dual()}, charge.Charge{0})
	require.NoError(t, err)
	fillRandom(t, tn, 7)

	cc := tn.Conj().Conj()
	assert.Equal(t, tn.TotalCharge(), cc.TotalCharge())
	require.Equal(t, tn.NumBlocks(), cc.NumBlocks())
	for i := 0; i < tn.NumLegs(); i++ {
		assert.True(t, tn.Leg(i).Equal(cc.Leg(i)))
	}
	assert.Equal(t, tn.ToDense(), cc.ToDense())

	// A single Conj dualizes every leg and flips the total charge.
	c := tn.Conj()
	assert.True(t, c.Leg(0).IsDual())
	assert.False(t, c.Leg(1).IsDual())
	require.NoError(t, c.Validate())
}

func TestPermuteLegs(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2})
	l3 := mustLeg(t, u1, []charge.Charge{{0}, {1}, {2}}, []int{1, 1, 1})
	tn, err := New([]*space.Leg{l1, l2, l3.Dual()}, u1.Trivial())
	require.NoError(t, err)
	fillRandom(t, tn, 11)

	perm, err := tn.PermuteLegs([]int{2, 0, 1})
	require.NoError(t, err)
	require.NoError(t, perm.Validate())
	assert.Equal(t, tn.NumBlocks(), perm.NumBlocks())

	// Dense comparison against a manual axis transpose.
	src := tn.ToDense()
	dims := tn.Shape()
	got := perm.ToDense()
	want := make([]float64, len(src))
	permuteDense(want, src, dims, []int{2, 0, 1})
	assert.Equal(t, want, got)

	_, err = tn.PermuteLegs([]int{0, 1})
	var lme *LegMismatchError
	require.ErrorAs(t, err, &lme)
	_, err = tn.PermuteLegs([]int{0, 0, 1})
	require.ErrorAs(t, err, &lme)
}

func TestCombineSplitRoundTrip(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{2, 1})
	l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1, 2}).Dual()
	l3 := mustLeg(t, u1, []charge.Charge{{-1}, {0}, {1}}, []int{1, 2, 1})
	tn, err := New([]*space.Leg{l1, l2, l3}, charge.Charge{1})
	require.NoError(t, err)
	fillRandom(t, tn, 3)
	require.Greater(t, tn.NumBlocks(), 0)

	tests := []struct {
		name    string
		indices []int
		at      int
	}{
		{name: "first two", indices: []int{0, 1}, at: 0},
		{name: "last two", indices: []int{1, 2}, at: 1},
		{name: "all three", indices: []int{0, 1, 2}, at: 0},
		{name: "reordered pair", indices: []int{2, 0}, at: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			combined, err := tn.CombineLegs(tt.indices)
			require.NoError(t, err)
			require.NoError(t, combined.Validate())
			require.NotNil(t, combined.Leg(tt.at).Fusion())

			split, err := combined.SplitLeg(tt.at)
			require.NoError(t, err)
			require.NoError(t, split.Validate())

			// Splitting reproduces the combined operand exactly, values and
			// charge structure, up to the leg order the combine moved to.
			want, err := tn.PermuteLegs(permForCombine(tn.NumLegs(), tt.indices))
			require.NoError(t, err)
			require.Equal(t, want.NumBlocks(), split.NumBlocks())
			assert.Equal(t, want.ToDense(), split.ToDense())
			for i := 0; i < want.NumLegs(); i++ {
				assert.True(t, want.Leg(i).Equal(split.Leg(i)), "leg %d", i)
			}
		})
	}
}

// permForCombine reproduces the leg order CombineLegs establishes before
// fusing, so round-trip expectations can be stated against PermuteLegs.
func permForCombine(n int, indices []int) []int {
	inSet := make(map[int]bool, len(indices))
	for _, ix := range indices {
		inSet[ix] = true
	}
	order := make([]int, 0, n)
	for p := 0; p < n; p++ {
		if p == indices[0] {
			order = append(order, indices...)
			continue
		}
		if inSet[p] {
			continue
		}
		order = append(order, p)
	}
	return order
}

func TestFromDense(t *testing.T) {
	t.Parallel()
	z2 := charge.Z2()
	l := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{1, 1})
	legs := []*space.Leg{l, l.Dual()}

	// Diagonal data respects the Z2 charge rule.
	tn, err := FromDense(legs, z2.Trivial(), []float64{3, 0, 0, 7})
	require.NoError(t, err)
	assert.Equal(t, 2, tn.NumBlocks())
	got, ok := tn.Block(0, 0)
	require.True(t, ok)
	assert.Equal(t, []float64{3}, got)

	// Off-diagonal entries violate the charge rule and must fail loudly.
	_, err = FromDense(legs, z2.Trivial(), []float64{3, 1, 0, 7})
	var ice *charge.InvalidChargeError
	require.ErrorAs(t, err, &ice)

	// Round trip.
	assert.Equal(t, []float64{3, 0, 0, 7}, tn.ToDense())
}

func TestCopyIsDeep(t *testing.T) {
	t.Parallel()
	z2 := charge.Z2()
	l := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{2, 2})
	tn, err := New([]*space.Leg{l, l.Dual()}, z2.Trivial())
	require.NoError(t, err)
	fillRandom(t, tn, 5)

	cp := tn.Copy()
	cp.Scale(0)
	assert.NotEqual(t, tn.ToDense(), cp.ToDense())
	assert.Greater(t, tn.Norm(), 0.0)
	assert.Equal(t, 0.0, cp.Norm())
}

func TestNorm(t *testing.T) {
	t.Parallel()
	z2 := charge.Z2()
	l := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{1, 1})
	tn, err := New([]*space.Leg{l, l.Dual()}, z2.Trivial())
	require.NoError(t, err)
	require.NoError(t, tn.SetBlock([]int{0, 0}, []float64{3}))
	require.NoError(t, tn.SetBlock([]int{1, 1}, []float64{4}))
	assert.InDelta(t, 5.0, tn.Norm(), 1e-12)
}

func TestFingerprint(t *testing.T) {
	t.Parallel()
	z2 := charge.Z2()
	l := mustLeg(t, z2, []charge.Charge{{0}, {1}}, []int{2, 2})
	a, err := New([]*space.Leg{l, l.Dual()}, z2.Trivial())
	require.NoError(t, err)
	b, err := New([]*space.Leg{l, l.Dual()}, z2.Trivial())
	require.NoError(t, err)
	fillRandom(t, a, 1)
	fillRandom(t, b, 2)

	// Same structure, different values: same pattern fingerprint.
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	c := b.Copy()
	require.NoError(t, c.SetBlock([]int{0, 0}, []float64{1, 0, 0, math.Pi}))
	assert.Equal(t, b.Fingerprint(), c.Fingerprint(), "overwriting a block keeps the structure")
}

func TestChargeInvariantAfterOperations(t *testing.T) {
	t.Parallel()
	u1 := charge.U1()
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		l1 := mustLeg(t, u1, []charge.Charge{{0}, {1}, {2}}, []int{1 + rng.Intn(2), 1 + rng.Intn(2), 1})
		l2 := mustLeg(t, u1, []charge.Charge{{0}, {1}}, []int{1 + rng.Intn(2), 1})
		total := charge.Charge{rng.Intn(3)}
		tn, err := New([]*space.Leg{l1, l2.Dual(), l2}, total)
		require.NoError(t, err)
		fillRandom(t, tn, int64(trial))

		require.NoError(t, tn.Validate())
		require.NoError(t, tn.Conj().Validate())
		require.NoError(t, tn.Copy().Scale(-1.5).Validate())

		perm, err := tn.PermuteLegs([]int{1, 2, 0})
		require.NoError(t, err)
		require.NoError(t, perm.Validate())

		combined, err := tn.CombineLegs([]int{1, 2})
		require.NoError(t, err)
		require.NoError(t, combined.Validate())

		split, err := combined.SplitLeg(1)
		require.NoError(t, err)
		require.NoError(t, split.Validate())

		sum, err := tn.Add(tn)
		require.NoError(t, err)
		require.NoError(t, sum.Validate())
	}
}
