// Package space implements charged vector spaces, the legs of a charged tensor.
//
// A Leg is an ordered partition of a flat basis of dimension D into sectors,
// each tagged with a charge and a multiplicity. Sector slice ranges cover
// [0, D) contiguously and sector charges within one leg are unique. A leg
// additionally carries a dual flag: a dual ("bra") leg contributes the group
// inverse of its sector charges to a tensor's total-charge bookkeeping.
//
// Legs are immutable after construction and shared by reference; Dual and
// SortedByCharge return views or new legs, never mutate. Combine produces the
// tensor-product decomposition of several legs together with a FusionMap, the
// record that lets a combined leg be split back apart later.
package space

import (
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/symtensor/symtensor/charge"
)

// Sector is one charge block of a leg's basis: Mult basis states carrying
// Charge, occupying the slice range [Offset, Offset+Mult) of the flat basis.
type Sector struct {
	Charge charge.Charge
	Mult   int
	Offset int
}

// Leg is one axis of a charged tensor, decomposed into charge sectors.
// Legs are immutable and safe for concurrent use.
type Leg struct {
	sym     *charge.Symmetry
	sectors []Sector
	dual    bool
	dim     int
	index   map[string]int // charge key -> sector position
	fusion  *FusionMap     // non-nil when produced by Combine
}

// NewLeg builds a leg over sym from parallel slices of sector charges and
// multiplicities. Charges must be valid, unique within the leg, and every
// multiplicity positive; slice ranges are assigned contiguously in the given
// order. The leg starts out non-dual.
func NewLeg(sym *charge.Symmetry, charges []charge.Charge, mults []int) (*Leg, error) {
	if len(charges) == 0 {
		return nil, &IncompatibleLegError{Reason: "leg needs at least one sector"}
	}
	if len(charges) != len(mults) {
		return nil, &IncompatibleLegError{
			Reason: fmt.Sprintf("%d charges but %d multiplicities", len(charges), len(mults)),
		}
	}
	sectors := make([]Sector, len(charges))
	offset := 0
	for i, c := range charges {
		if err := sym.Validate(c); err != nil {
			return nil, err
		}
		if mults[i] <= 0 {
			return nil, &IncompatibleLegError{
				Sector: i,
				Reason: fmt.Sprintf("multiplicity %d must be positive", mults[i]),
			}
		}
		sectors[i] = Sector{Charge: c.Copy(), Mult: mults[i], Offset: offset}
		offset += mults[i]
	}
	return newLeg(sym, sectors, false, nil)
}

// maxSectors bounds sector counts so that a sector index always fits the
// two-byte packed block keys used downstream.
const maxSectors = 1 << 16

// newLeg finalizes a leg from fully laid out sectors, checking contiguity and
// charge uniqueness and building the sector index.
func newLeg(sym *charge.Symmetry, sectors []Sector, dual bool, fusion *FusionMap) (*Leg, error) {
	if len(sectors) > maxSectors {
		return nil, &IncompatibleLegError{
			Sector: maxSectors,
			Reason: fmt.Sprintf("%d sectors exceed the limit of %d", len(sectors), maxSectors),
		}
	}
	index := make(map[string]int, len(sectors))
	offset := 0
	for i, s := range sectors {
		if s.Offset != offset {
			return nil, &IncompatibleLegError{
				Sector: i,
				Reason: fmt.Sprintf("sector offset %d leaves a gap, want %d", s.Offset, offset),
			}
		}
		key := s.Charge.Key()
		if prev, ok := index[key]; ok {
			return nil, &IncompatibleLegError{
				Sector: i,
				Reason: fmt.Sprintf("charge %s duplicates sector %d", s.Charge, prev),
			}
		}
		index[key] = i
		offset += s.Mult
	}
	return &Leg{sym: sym, sectors: sectors, dual: dual, dim: offset, index: index, fusion: fusion}, nil
}

// Symmetry returns the shared descriptor this leg is built on.
func (l *Leg) Symmetry() *charge.Symmetry { return l.sym }

// Dim returns the total dimension D of the flat basis.
func (l *Leg) Dim() int { return l.dim }

// NumSectors returns the number of charge sectors.
func (l *Leg) NumSectors() int { return len(l.sectors) }

// Sector returns sector i. The returned value shares the leg's charge slice;
// callers must not modify it.
func (l *Leg) Sector(i int) Sector { return l.sectors[i] }

// IsDual reports whether this is a dual ("bra") leg.
func (l *Leg) IsDual() bool { return l.dual }

// Fusion returns the combine record for a leg produced by Combine, or nil.
func (l *Leg) Fusion() *FusionMap { return l.fusion }

// FindSector returns the position of the sector carrying c, if any.
func (l *Leg) FindSector(c charge.Charge) (int, bool) {
	i, ok := l.index[c.Key()]
	return i, ok
}

// EffectiveCharge writes into dst the charge sector i contributes to a
// tensor's total: the sector charge itself on a ket leg, its group inverse
// on a dual leg. dst must have the symmetry's component count.
func (l *Leg) EffectiveCharge(dst charge.Charge, i int) {
	if l.dual {
		l.sym.DualInto(dst, l.sectors[i].Charge)
		return
	}
	copy(dst, l.sectors[i].Charge)
}

// Dual returns a view of l with the conjugation flag flipped. Sector data is
// shared, not copied.
func (l *Leg) Dual() *Leg {
	return &Leg{
		sym:     l.sym,
		sectors: l.sectors,
		dual:    !l.dual,
		dim:     l.dim,
		index:   l.index,
		fusion:  l.fusion,
	}
}

// Equal reports whether l and other are the same leg: same symmetry, dual
// flag, and identical sector order, charges and multiplicities.
func (l *Leg) Equal(other *Leg) bool {
	if l == other {
		return true
	}
	return l.dual == other.dual && l.sameSectors(other)
}

// Compatible reports whether l can be contracted against other: one must be
// the dual of the other with matching sector order and multiplicities.
func (l *Leg) Compatible(other *Leg) bool {
	return l.dual != other.dual && l.sameSectors(other)
}

func (l *Leg) sameSectors(other *Leg) bool {
	if l.sym != other.sym || len(l.sectors) != len(other.sectors) {
		return false
	}
	for i, s := range l.sectors {
		o := other.sectors[i]
		if s.Mult != o.Mult || !s.Charge.Equal(o.Charge) {
			return false
		}
	}
	return true
}

// IsSorted reports whether the sectors are already in canonical charge order.
func (l *Leg) IsSorted() bool {
	for i := 1; i < len(l.sectors); i++ {
		if l.sym.Compare(l.sectors[i-1].Charge, l.sectors[i].Charge) > 0 {
			return false
		}
	}
	return true
}

// SortedByCharge returns a leg with sectors in canonical order (ascending by
// the symmetry's total order on charges, ties kept in original order) and the
// permutation needed to reindex tensors built on l: perm[i] is the original
// position of the sector now at position i. When l is already canonical the
// receiver itself is returned with an identity permutation.
func (l *Leg) SortedByCharge() (*Leg, []int) {
	perm := make([]int, len(l.sectors))
	for i := range perm {
		perm[i] = i
	}
	if l.IsSorted() {
		return l, perm
	}
	sort.SliceStable(perm, func(a, b int) bool {
		return l.sym.Compare(l.sectors[perm[a]].Charge, l.sectors[perm[b]].Charge) < 0
	})
	sectors := make([]Sector, len(l.sectors))
	offset := 0
	for i, p := range perm {
		s := l.sectors[p]
		s.Offset = offset
		sectors[i] = s
		offset += s.Mult
	}
	sorted, err := newLeg(l.sym, sectors, l.dual, nil)
	if err != nil {
		// Unreachable for a leg that validated at construction.
		panic(err)
	}
	return sorted, perm
}

// Fingerprint returns a structural hash of the leg's sector layout: symmetry
// arity, dual flag, and every sector's charge and multiplicity. Equal legs
// have equal fingerprints; the dispatch cache keys contraction patterns on it.
func (l *Leg) Fingerprint() uint64 {
	h := fnv.New64a()
	var buf [8]byte
	put := func(v int) {
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		h.Write(buf[:])
	}
	put(l.sym.NumComponents())
	if l.dual {
		put(1)
	} else {
		put(0)
	}
	for _, s := range l.sectors {
		for _, v := range s.Charge {
			put(v)
		}
		put(s.Mult)
	}
	return h.Sum64()
}

func (l *Leg) String() string {
	flag := ""
	if l.dual {
		flag = "*"
	}
	return fmt.Sprintf("Leg%s[%s dim=%d sectors=%d]", flag, l.sym, l.dim, len(l.sectors))
}
