package tensor

import (
	"fmt"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
)

// FromDense builds a charged tensor from a full row-major array of the legs'
// flat dimensions. Entries inside charge-conserving blocks are copied
// (all-zero blocks are dropped); a nonzero entry anywhere else violates the
// charge rule and fails with InvalidChargeError rather than being silently
// projected away.
func FromDense(legs []*space.Leg, total charge.Charge, data []float64) (*Tensor, error) {
	t, err := New(legs, total)
	if err != nil {
		return nil, err
	}
	dims := t.Shape()
	if len(data) != prod(dims) {
		return nil, &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("dense data has %d elements, legs span %d", len(data), prod(dims)),
		}
	}
	fullStr := strides(dims)

	idx := make([]int, len(legs))
	for {
		offs := make([]int, len(legs))
		mults := make([]int, len(legs))
		for i, l := range legs {
			s := l.Sector(idx[i])
			offs[i] = s.Offset
			mults[i] = s.Mult
		}

		block := extractDense(data, fullStr, offs, mults)
		nonzero := false
		for _, v := range block {
			if v != 0 {
				nonzero = true
				break
			}
		}
		if nonzero {
			if !t.conserves(idx) {
				return nil, &charge.InvalidChargeError{
					Charge: t.tupleCharge(idx),
					Reason: fmt.Sprintf("dense data is nonzero in charge-violating sector tuple %v", idx),
				}
			}
			copy(t.blockAt(idx), block)
		}

		if !nextTuple(idx, legs) {
			break
		}
	}
	return t, nil
}

// ToDense materializes the full array, zero-filling everything outside the
// stored blocks. Boundary use only (tests, I/O); the contraction hot path
// never calls it.
func (t *Tensor) ToDense() []float64 {
	dims := t.Shape()
	out := make([]float64, prod(dims))
	fullStr := strides(dims)

	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		offs := make([]int, len(t.legs))
		mults := make([]int, len(t.legs))
		for i, l := range t.legs {
			s := l.Sector(idx[i])
			offs[i] = s.Offset
			mults[i] = s.Mult
		}
		scatterDense(out, fullStr, offs, mults, t.arena.data(t.blocks[key]))
	}
	return out
}

// nextTuple advances idx through the cartesian product of sector counts,
// row-major. It returns false after the last tuple.
func nextTuple(idx []int, legs []*space.Leg) bool {
	for a := len(idx) - 1; a >= 0; a-- {
		idx[a]++
		if idx[a] < legs[a].NumSectors() {
			return true
		}
		idx[a] = 0
	}
	return false
}

// extractDense copies the sub-array at offs with shape mults out of a full
// array with the given strides.
func extractDense(data []float64, fullStr, offs, mults []int) []float64 {
	out := make([]float64, prod(mults))
	base := 0
	for i, o := range offs {
		base += o * fullStr[i]
	}
	cnt := make([]int, len(mults))
	si := base
	for di := range out {
		out[di] = data[si]
		for a := len(mults) - 1; a >= 0; a-- {
			cnt[a]++
			si += fullStr[a]
			if cnt[a] < mults[a] {
				break
			}
			cnt[a] = 0
			si -= mults[a] * fullStr[a]
		}
	}
	return out
}

// scatterDense writes block (shape mults) into the full array at offs.
func scatterDense(out []float64, fullStr, offs, mults []int, block []float64) {
	base := 0
	for i, o := range offs {
		base += o * fullStr[i]
	}
	cnt := make([]int, len(mults))
	di := base
	for si := range block {
		out[di] = block[si]
		for a := len(mults) - 1; a >= 0; a-- {
			cnt[a]++
			di += fullStr[a]
			if cnt[a] < mults[a] {
				break
			}
			cnt[a] = 0
			di -= mults[a] * fullStr[a]
		}
	}
}
