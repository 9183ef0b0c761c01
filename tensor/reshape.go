package tensor

import (
	"fmt"

	"github.com/symtensor/symtensor/space"
)

// strides returns row-major strides for dims.
func strides(dims []int) []int {
	str := make([]int, len(dims))
	acc := 1
	for i := len(dims) - 1; i >= 0; i-- {
		str[i] = acc
		acc *= dims[i]
	}
	return str
}

func prod(dims []int) int {
	p := 1
	for _, d := range dims {
		p *= d
	}
	return p
}

// permuteDense copies src (shape dims, row-major) into dst with axes
// reordered so dst axis i is src axis order[i].
func permuteDense(dst, src []float64, dims, order []int) {
	n := len(dims)
	outDims := make([]int, n)
	step := make([]int, n)
	srcStr := strides(dims)
	for i, o := range order {
		outDims[i] = dims[o]
		step[i] = srcStr[o]
	}
	cnt := make([]int, n)
	si := 0
	for di := range dst {
		dst[di] = src[si]
		for a := n - 1; a >= 0; a-- {
			cnt[a]++
			si += step[a]
			if cnt[a] < outDims[a] {
				break
			}
			cnt[a] = 0
			si -= outDims[a] * step[a]
		}
	}
}

// PermuteLegs returns a new tensor with legs reordered so that leg i of the
// result is leg order[i] of t. Every block's sector tuple and dense axis
// order are remapped; the charge rule is order-independent and survives
// untouched.
func (t *Tensor) PermuteLegs(order []int) (*Tensor, error) {
	if len(order) != len(t.legs) {
		return nil, &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("permutation has %d entries for %d legs", len(order), len(t.legs)),
		}
	}
	seen := make([]bool, len(order))
	legs := make([]*space.Leg, len(order))
	for i, o := range order {
		if o < 0 || o >= len(t.legs) || seen[o] {
			return nil, &LegMismatchError{Leg: i, Reason: fmt.Sprintf("invalid permutation %v", order)}
		}
		seen[o] = true
		legs[i] = t.legs[o]
	}

	out, err := New(legs, t.total)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(t.legs))
	newIdx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		for i, o := range order {
			newIdx[i] = idx[o]
		}
		src := t.arena.data(t.blocks[key])
		dst := out.blockAt(newIdx)
		permuteDense(dst, src, t.blockDims(idx), order)
	}
	return out, nil
}

// CanonicalizeLeg returns a tensor whose leg i has its sectors in canonical
// charge order, with every block key reindexed accordingly, plus the sector
// permutation applied (perm[new] = old). Block data is untouched: sectors
// move as wholes. When the leg is already canonical, the receiver itself is
// returned.
func (t *Tensor) CanonicalizeLeg(i int) (*Tensor, []int, error) {
	if i < 0 || i >= len(t.legs) {
		return nil, nil, &LegMismatchError{Leg: i, Reason: "leg index out of range"}
	}
	sorted, perm := t.legs[i].SortedByCharge()
	if sorted == t.legs[i] {
		return t, perm, nil
	}
	inv := make([]int, len(perm))
	for n, o := range perm {
		inv[o] = n
	}

	legs := append([]*space.Leg(nil), t.legs...)
	legs[i] = sorted
	out, err := New(legs, t.total)
	if err != nil {
		return nil, nil, err
	}
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		src := t.arena.data(t.blocks[key])
		idx[i] = inv[idx[i]]
		copy(out.blockAt(idx), src)
	}
	return out, perm, nil
}

// CombineLegs merges the named legs (in the given order) into a single
// combined leg, placed where the first named leg sits after the others are
// pulled out. The result's combined leg carries the FusionMap needed by
// SplitLeg, so a later split is a pure unpacking with no rescan.
func (t *Tensor) CombineLegs(indices []int) (*Tensor, error) {
	if len(indices) < 2 {
		return nil, &LegMismatchError{Leg: -1, Reason: "combine needs at least two legs"}
	}
	inSet := make(map[int]bool, len(indices))
	for _, ix := range indices {
		if ix < 0 || ix >= len(t.legs) {
			return nil, &LegMismatchError{Leg: ix, Reason: "leg index out of range"}
		}
		if inSet[ix] {
			return nil, &LegMismatchError{Leg: ix, Reason: "duplicate leg in combine"}
		}
		inSet[ix] = true
	}

	// Bring the named legs together, preserving everything else's order.
	order := make([]int, 0, len(t.legs))
	start := -1
	for p := 0; p < len(t.legs); p++ {
		if p == indices[0] {
			start = len(order)
			order = append(order, indices...)
			continue
		}
		if inSet[p] {
			continue
		}
		order = append(order, p)
	}
	moved, err := t.PermuteLegs(order)
	if err != nil {
		return nil, err
	}
	return moved.combineAdjacent(start, len(indices))
}

// combineAdjacent fuses the k legs starting at position start, which must
// already be adjacent.
func (t *Tensor) combineAdjacent(start, k int) (*Tensor, error) {
	group := t.legs[start : start+k]
	combined, err := group[0].Combine(group[1:]...)
	if err != nil {
		return nil, err
	}
	fm := combined.Fusion()

	// Lookup from parent sector tuples to (combined sector, entry).
	type target struct {
		sector int
		entry  space.FusionEntry
	}
	lookup := make(map[string]target)
	for s := 0; s < combined.NumSectors(); s++ {
		for _, e := range fm.Entries(s) {
			lookup[packKey(e.ParentSectors)] = target{sector: s, entry: e}
		}
	}

	legs := make([]*space.Leg, 0, len(t.legs)-k+1)
	legs = append(legs, t.legs[:start]...)
	legs = append(legs, combined)
	legs = append(legs, t.legs[start+k:]...)
	out, err := New(legs, t.total)
	if err != nil {
		return nil, err
	}

	idx := make([]int, len(t.legs))
	outIdx := make([]int, len(legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		tgt, ok := lookup[packKey(idx[start:start+k])]
		if !ok {
			// Unreachable: every parent combination appears in the fusion map.
			return nil, &LegMismatchError{Leg: start, Reason: "sector combination missing from fusion map"}
		}
		copy(outIdx, idx[:start])
		outIdx[start] = tgt.sector
		copy(outIdx[start+1:], idx[start+k:])

		dims := t.blockDims(idx)
		outer := prod(dims[:start])
		midOld := tgt.entry.Size
		inner := prod(dims[start+k:])
		midNew := combined.Sector(tgt.sector).Mult

		src := t.arena.data(t.blocks[key])
		dst := out.blockAt(outIdx)
		for o := 0; o < outer; o++ {
			copy(dst[(o*midNew+tgt.entry.Offset)*inner:(o*midNew+tgt.entry.Offset+midOld)*inner],
				src[o*midOld*inner:(o+1)*midOld*inner])
		}
	}
	return out, nil
}

// SplitLeg undoes a CombineLegs at the given position using the combined
// leg's FusionMap, restoring the parent legs with their original dual flags.
// Slices of a combined sector that hold only zeros produce no block.
func (t *Tensor) SplitLeg(index int) (*Tensor, error) {
	if index < 0 || index >= len(t.legs) {
		return nil, &LegMismatchError{Leg: index, Reason: "leg index out of range"}
	}
	fm := t.legs[index].Fusion()
	if fm == nil {
		return nil, &LegMismatchError{Leg: index, Reason: "leg was not produced by a combine"}
	}
	k := fm.NumParents()

	legs := make([]*space.Leg, 0, len(t.legs)+k-1)
	legs = append(legs, t.legs[:index]...)
	for p := 0; p < k; p++ {
		legs = append(legs, fm.Parent(p))
	}
	legs = append(legs, t.legs[index+1:]...)
	out, err := New(legs, t.total)
	if err != nil {
		return nil, err
	}

	idx := make([]int, len(t.legs))
	outIdx := make([]int, len(legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		dims := t.blockDims(idx)
		outer := prod(dims[:index])
		inner := prod(dims[index+1:])
		mid := dims[index]
		src := t.arena.data(t.blocks[key])

		for _, e := range fm.Entries(idx[index]) {
			nonzero := false
		scan:
			for o := 0; o < outer; o++ {
				base := (o*mid + e.Offset) * inner
				for _, v := range src[base : base+e.Size*inner] {
					if v != 0 {
						nonzero = true
						break scan
					}
				}
			}
			if !nonzero {
				continue
			}
			copy(outIdx, idx[:index])
			copy(outIdx[index:], e.ParentSectors)
			copy(outIdx[index+k:], idx[index+1:])
			dst := out.blockAt(outIdx)
			for o := 0; o < outer; o++ {
				copy(dst[o*e.Size*inner:(o+1)*e.Size*inner],
					src[(o*mid+e.Offset)*inner:(o*mid+e.Offset+e.Size)*inner])
			}
		}
	}
	return out, nil
}
