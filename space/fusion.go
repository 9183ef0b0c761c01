package space

import (
	"fmt"
	"sort"

	"github.com/symtensor/symtensor/charge"
)

// FusionEntry records where one parent sector combination lives inside a
// combined sector: the slice [Offset, Offset+Size) of the combined sector's
// multiplicity holds the row-major flattening of the parent sector block,
// whose per-parent multiplicities multiply to Size.
type FusionEntry struct {
	ParentSectors []int // sector index in each parent leg, in parent order
	Offset        int
	Size          int
}

// FusionMap is the reconstructible record of a Combine: which legs were
// fused, and for every combined sector, the ordered parent sector
// combinations that built it. It is what lets a combined leg be split back
// into its parents without rescanning.
type FusionMap struct {
	parents []*Leg
	groups  [][]FusionEntry // indexed by combined sector
}

// NumParents returns how many legs were combined.
func (m *FusionMap) NumParents() int { return len(m.parents) }

// Parent returns the i-th combined leg, with its original dual flag.
func (m *FusionMap) Parent(i int) *Leg { return m.parents[i] }

// Entries returns the parent combinations making up combined sector i, in
// deterministic enumeration order. Callers must not modify the result.
func (m *FusionMap) Entries(i int) []FusionEntry { return m.groups[i] }

// Combine computes the tensor-product decomposition of l and the given legs
// into a single leg of the fused symmetry charges. The combined leg is a ket
// leg whose sector charges are the fused effective charges of the parents,
// in canonical charge order, with multiplicity summed over all parent sector
// combinations fusing to that charge. Its FusionMap preserves the map back to
// (parent sectors, inner index) so the combined leg can be split again.
func (l *Leg) Combine(others ...*Leg) (*Leg, error) {
	parents := append([]*Leg{l}, others...)
	for i, p := range parents {
		if p.sym != l.sym {
			return nil, &IncompatibleLegError{
				Sector: i,
				Reason: "cannot combine legs over different symmetries",
			}
		}
	}

	type comb struct {
		parentSectors []int
		fused         charge.Charge
		size          int
	}

	// Enumerate parent sector tuples lexicographically so the inner layout
	// of every combined sector is reproducible.
	counts := make([]int, len(parents))
	for i, p := range parents {
		counts[i] = p.NumSectors()
	}
	total := 1
	for _, n := range counts {
		total *= n
	}

	combs := make([]comb, 0, total)
	idx := make([]int, len(parents))
	eff := l.sym.Trivial()
	tmp := l.sym.Trivial()
	for {
		fused := l.sym.Trivial()
		size := 1
		for i, p := range parents {
			p.EffectiveCharge(eff, idx[i])
			l.sym.FuseInto(tmp, fused, eff)
			copy(fused, tmp)
			size *= p.Sector(idx[i]).Mult
		}
		combs = append(combs, comb{
			parentSectors: append([]int(nil), idx...),
			fused:         fused,
			size:          size,
		})

		k := len(idx) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < counts[k] {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			break
		}
	}

	// Group by fused charge, sectors in canonical charge order.
	byCharge := make(map[string][]int, len(combs))
	var order []charge.Charge
	for i, c := range combs {
		key := c.fused.Key()
		if _, ok := byCharge[key]; !ok {
			order = append(order, c.fused)
		}
		byCharge[key] = append(byCharge[key], i)
	}
	sort.SliceStable(order, func(a, b int) bool {
		return l.sym.Compare(order[a], order[b]) < 0
	})

	sectors := make([]Sector, len(order))
	groups := make([][]FusionEntry, len(order))
	offset := 0
	for si, c := range order {
		members := byCharge[c.Key()]
		entries := make([]FusionEntry, len(members))
		mult := 0
		for ei, mi := range members {
			entries[ei] = FusionEntry{
				ParentSectors: combs[mi].parentSectors,
				Offset:        mult,
				Size:          combs[mi].size,
			}
			mult += combs[mi].size
		}
		sectors[si] = Sector{Charge: c, Mult: mult, Offset: offset}
		groups[si] = entries
		offset += mult
	}

	fusion := &FusionMap{parents: parents, groups: groups}
	combined, err := newLeg(l.sym, sectors, false, fusion)
	if err != nil {
		return nil, err
	}
	return combined, nil
}

func (m *FusionMap) String() string {
	return fmt.Sprintf("FusionMap[parents=%d groups=%d]", len(m.parents), len(m.groups))
}
