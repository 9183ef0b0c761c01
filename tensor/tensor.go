// Package tensor implements the symmetry-conserving block-sparse tensor.
//
// A Tensor is an ordered list of legs (charged vector spaces) plus a sparse
// mapping from sector-index tuples to dense blocks. The charge rule governs
// which tuples may hold data: the fused effective charges of the chosen
// sectors, with dual legs contributing group inverses, must equal the
// tensor's fixed total charge. Everything else is structurally absent.
//
// Key components:
//   - Tensor: legs, total charge, and an arena-backed sparse block map
//   - Block/SetBlock: O(1) sector-tuple lookup, absent meaning zero
//   - PermuteLegs, CombineLegs/SplitLeg: symmetry-aware reshaping
//   - Conj, Scale, Add, Norm, ToDense: blockwise value operations
//   - Encode/Decode: the flat description consumed by persistence layers
//
// Legs and the symmetry descriptor are shared immutable references; block
// data is owned by the tensor. Operations return new tensors except where an
// in-place contract is stated explicitly (Scale). Tensors are not safe for
// concurrent mutation; see the engine package for the concurrency model.
package tensor

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"sort"

	"github.com/symtensor/symtensor/charge"
	"github.com/symtensor/symtensor/space"
)

// Tensor is a multi-leg array whose nonzero blocks all satisfy the
// total-charge-conservation constraint.
type Tensor struct {
	sym    *charge.Symmetry
	legs   []*space.Leg
	total  charge.Charge
	blocks map[string]blockHandle
	keys   []string // block keys in ascending order; the iteration order
	arena  *blockArena
}

// New constructs a zero tensor with the given legs and total charge. All
// legs must share the same symmetry descriptor as total.
func New(legs []*space.Leg, total charge.Charge) (*Tensor, error) {
	if len(legs) == 0 {
		return nil, &LegMismatchError{Leg: -1, Reason: "tensor needs at least one leg"}
	}
	sym := legs[0].Symmetry()
	for i, l := range legs {
		if l.Symmetry() != sym {
			return nil, &LegMismatchError{Leg: i, Reason: "legs built on different symmetry descriptors"}
		}
	}
	if err := sym.Validate(total); err != nil {
		return nil, err
	}
	return &Tensor{
		sym:    sym,
		legs:   append([]*space.Leg(nil), legs...),
		total:  total.Copy(),
		blocks: make(map[string]blockHandle),
		arena:  newBlockArena(),
	}, nil
}

// Zeros is New with the trivial total charge.
func Zeros(legs ...*space.Leg) (*Tensor, error) {
	if len(legs) == 0 {
		return nil, &LegMismatchError{Leg: -1, Reason: "tensor needs at least one leg"}
	}
	return New(legs, legs[0].Symmetry().Trivial())
}

// Symmetry returns the shared descriptor.
func (t *Tensor) Symmetry() *charge.Symmetry { return t.sym }

// NumLegs returns the number of legs.
func (t *Tensor) NumLegs() int { return len(t.legs) }

// Leg returns leg i.
func (t *Tensor) Leg(i int) *space.Leg { return t.legs[i] }

// TotalCharge returns a copy of the tensor's fixed total charge.
func (t *Tensor) TotalCharge() charge.Charge { return t.total.Copy() }

// NumBlocks returns the number of stored blocks.
func (t *Tensor) NumBlocks() int { return len(t.blocks) }

// Shape returns the flat dimension of every leg.
func (t *Tensor) Shape() []int {
	dims := make([]int, len(t.legs))
	for i, l := range t.legs {
		dims[i] = l.Dim()
	}
	return dims
}

// packKey encodes a sector-index tuple as a big-endian byte string, so the
// lexicographic order on keys is the row-major order on tuples.
func packKey(idx []int) string {
	buf := make([]byte, 2*len(idx))
	for i, v := range idx {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return string(buf)
}

func unpackKey(key string, idx []int) []int {
	if idx == nil {
		idx = make([]int, len(key)/2)
	}
	for i := range idx {
		idx[i] = int(binary.BigEndian.Uint16([]byte(key[2*i : 2*i+2])))
	}
	return idx
}

// conserves reports whether the sector tuple satisfies the charge rule.
func (t *Tensor) conserves(idx []int) bool {
	acc := t.sym.Trivial()
	eff := t.sym.Trivial()
	tmp := t.sym.Trivial()
	for i, l := range t.legs {
		l.EffectiveCharge(eff, idx[i])
		t.sym.FuseInto(tmp, acc, eff)
		copy(acc, tmp)
	}
	return acc.Equal(t.total)
}

// blockDims returns the per-leg multiplicities of the sector tuple.
func (t *Tensor) blockDims(idx []int) []int {
	dims := make([]int, len(idx))
	for i, l := range t.legs {
		dims[i] = l.Sector(idx[i]).Mult
	}
	return dims
}

func (t *Tensor) blockSize(idx []int) int {
	size := 1
	for i, l := range t.legs {
		size *= l.Sector(idx[i]).Mult
	}
	return size
}

func (t *Tensor) checkIndex(idx []int) error {
	if len(idx) != len(t.legs) {
		return &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("tuple has %d indices, tensor has %d legs", len(idx), len(t.legs)),
		}
	}
	for i, v := range idx {
		if v < 0 || v >= t.legs[i].NumSectors() {
			return &LegMismatchError{
				Leg:    i,
				Reason: fmt.Sprintf("sector index %d out of range [0,%d)", v, t.legs[i].NumSectors()),
			}
		}
	}
	return nil
}

// Block returns the dense block stored at the sector tuple, or (nil, false)
// when absent. Absence is the zero-equivalent answer, not an error. The
// returned slice aliases tensor storage; callers must treat it as read-only
// unless they own the tensor.
func (t *Tensor) Block(idx ...int) ([]float64, bool) {
	h, ok := t.blocks[packKey(idx)]
	if !ok {
		return nil, false
	}
	return t.arena.data(h), true
}

// BlockDims returns the dense shape of the block at the sector tuple.
func (t *Tensor) BlockDims(idx ...int) []int { return t.blockDims(idx) }

// SetBlock stores data at the sector tuple, copying it into the tensor's
// arena. The tuple must satisfy the charge rule (InvalidChargeError
// otherwise) and data must have exactly the block's dense size
// (LegMismatchError otherwise). An existing block is overwritten.
func (t *Tensor) SetBlock(idx []int, data []float64) error {
	if err := t.checkIndex(idx); err != nil {
		return err
	}
	if !t.conserves(idx) {
		return &charge.InvalidChargeError{
			Charge: t.tupleCharge(idx),
			Reason: fmt.Sprintf("sector tuple %v violates total charge %s", idx, t.total),
		}
	}
	size := t.blockSize(idx)
	if len(data) != size {
		return &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("block for tuple %v needs %d elements, got %d", idx, size, len(data)),
		}
	}
	copy(t.blockAt(idx), data)
	return nil
}

// MutableBlock returns a writable buffer for the sector tuple, allocating a
// zeroed block if absent. The tuple must satisfy the charge rule. Engine
// code accumulates contraction results through this; ordinary callers should
// prefer SetBlock.
func (t *Tensor) MutableBlock(idx []int) ([]float64, error) {
	if err := t.checkIndex(idx); err != nil {
		return nil, err
	}
	if !t.conserves(idx) {
		return nil, &charge.InvalidChargeError{
			Charge: t.tupleCharge(idx),
			Reason: fmt.Sprintf("sector tuple %v violates total charge %s", idx, t.total),
		}
	}
	return t.blockAt(idx), nil
}

// blockAt returns the writable buffer for the tuple, allocating it zeroed
// if absent. Callers must have checked the charge rule.
func (t *Tensor) blockAt(idx []int) []float64 {
	key := packKey(idx)
	if h, ok := t.blocks[key]; ok {
		return t.arena.data(h)
	}
	h := t.arena.alloc(t.blockSize(idx))
	t.blocks[key] = h
	pos := sort.SearchStrings(t.keys, key)
	t.keys = append(t.keys, "")
	copy(t.keys[pos+1:], t.keys[pos:])
	t.keys[pos] = key
	return t.arena.data(h)
}

// tupleCharge computes the fused effective charge of a sector tuple.
func (t *Tensor) tupleCharge(idx []int) charge.Charge {
	acc := t.sym.Trivial()
	eff := t.sym.Trivial()
	tmp := t.sym.Trivial()
	for i, l := range t.legs {
		l.EffectiveCharge(eff, idx[i])
		t.sym.FuseInto(tmp, acc, eff)
		copy(acc, tmp)
	}
	return acc
}

// Keys invokes fn for every stored sector tuple in the fixed iteration
// order. The idx slice is reused between calls.
func (t *Tensor) Keys(fn func(idx []int)) {
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		fn(idx)
	}
}

// Copy returns a deep copy of t. Legs and the descriptor stay shared.
func (t *Tensor) Copy() *Tensor {
	out, err := New(t.legs, t.total)
	if err != nil {
		panic(err)
	}
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		copy(out.blockAt(idx), t.arena.data(t.blocks[key]))
	}
	return out
}

// Scale multiplies every stored block by factor, in place, and returns the
// receiver. This is the one mutating value operation.
func (t *Tensor) Scale(factor float64) *Tensor {
	for _, h := range t.blocks {
		data := t.arena.data(h)
		for i := range data {
			data[i] *= factor
		}
	}
	return t
}

// Add returns the blockwise sum of t and other as a new tensor. Legs must
// match exactly, including dual flags, sector order, and total charge. A
// sector tuple present in only one operand is copied; present in both it is
// summed.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if len(t.legs) != len(other.legs) {
		return nil, &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("operands have %d and %d legs", len(t.legs), len(other.legs)),
		}
	}
	for i := range t.legs {
		if !t.legs[i].Equal(other.legs[i]) {
			return nil, &LegMismatchError{Leg: i, Reason: "leg structures differ"}
		}
	}
	if !t.total.Equal(other.total) {
		return nil, &LegMismatchError{
			Leg:    -1,
			Reason: fmt.Sprintf("total charges differ: %s vs %s", t.total, other.total),
		}
	}

	out, err := New(t.legs, t.total)
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		copy(out.blockAt(idx), t.arena.data(t.blocks[key]))
	}
	for _, key := range other.keys {
		unpackKey(key, idx)
		dst := out.blockAt(idx)
		src := other.arena.data(other.blocks[key])
		for i := range src {
			dst[i] += src[i]
		}
	}
	return out, nil
}

// Conj returns the conjugate tensor: every leg dualized, the total charge
// inverted, block data complex-conjugated (a no-op on real data).
func (t *Tensor) Conj() *Tensor {
	legs := make([]*space.Leg, len(t.legs))
	for i, l := range t.legs {
		legs[i] = l.Dual()
	}
	dual, err := t.sym.Dual(t.total)
	if err != nil {
		panic(err)
	}
	out, err := New(legs, dual)
	if err != nil {
		panic(err)
	}
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		copy(out.blockAt(idx), t.arena.data(t.blocks[key]))
	}
	return out
}

// Norm returns the Frobenius norm over all stored blocks.
func (t *Tensor) Norm() float64 {
	var sum float64
	for _, h := range t.blocks {
		for _, v := range t.arena.data(h) {
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

// Validate re-checks the charge rule for every stored block and the shared
// leg structure. It returns an InvalidChargeError listing every offending
// sector tuple, for callers that assemble tensors by hand.
func (t *Tensor) Validate() error {
	var offending [][]int
	idx := make([]int, len(t.legs))
	for _, key := range t.keys {
		unpackKey(key, idx)
		if err := t.checkIndex(idx); err != nil {
			return err
		}
		if !t.conserves(idx) {
			offending = append(offending, append([]int(nil), idx...))
		}
	}
	if len(offending) > 0 {
		return &charge.InvalidChargeError{
			Charge: t.total,
			Reason: fmt.Sprintf("%d sector tuples violate the charge rule: %v", len(offending), offending),
		}
	}
	return nil
}

// Fingerprint returns a structural hash of the tensor's leg-sector layout,
// total charge, and stored block-key set. Block values do not enter the
// hash: two tensors with the same structure share contraction patterns, and
// the dispatch cache keys on exactly that.
func (t *Tensor) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, l := range t.legs {
		put64(l.Fingerprint())
	}
	for _, v := range t.total {
		put64(uint64(int64(v)))
	}
	for _, key := range t.keys {
		h.Write([]byte(key))
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor[legs=%d total=%s blocks=%d]", len(t.legs), t.total, len(t.blocks))
}
