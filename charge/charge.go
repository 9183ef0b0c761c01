// Package charge defines symmetry descriptors and the charge values they govern.
//
// A Symmetry describes a conserved quantity as a direct sum of abelian factors,
// each either a finite cyclic group Z_n or the infinite group Z. Charges are
// per-component integer vectors; fusion adds componentwise, reducing modulo the
// component order where one exists. A Symmetry is immutable after construction
// and is shared by reference across every leg and tensor that uses it.
//
// Key components:
//   - Symmetry: immutable descriptor with a per-component operation table
//   - Charge: integer vector, one entry per symmetry component
//   - Fuse/Dual/Trivial: the group operations the block-sparse engine relies on
//   - Compare: the total order used for canonical sector ordering
//
// The operation table for each component is resolved once at construction from
// its SymmetryKind, so the hot fusion path dispatches through plain function
// values rather than type switches.
package charge

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// SymmetryKind identifies the group structure of one symmetry component.
type SymmetryKind uint8

const (
	// KindZn is the finite cyclic group Z_n with componentwise addition mod n.
	KindZn SymmetryKind = iota
	// KindZ is the infinite group Z with ordinary integer addition.
	KindZ
)

func (k SymmetryKind) String() string {
	switch k {
	case KindZn:
		return "Zn"
	case KindZ:
		return "Z"
	default:
		return fmt.Sprintf("SymmetryKind(%d)", uint8(k))
	}
}

// Charge is a charge value: one integer per symmetry component.
// A Charge is only meaningful relative to the Symmetry that produced it.
type Charge []int

// Copy returns an independent copy of c.
func (c Charge) Copy() Charge {
	out := make(Charge, len(c))
	copy(out, c)
	return out
}

// Equal reports whether c and d are componentwise identical.
func (c Charge) Equal(d Charge) bool {
	if len(c) != len(d) {
		return false
	}
	for i := range c {
		if c[i] != d[i] {
			return false
		}
	}
	return true
}

// Key returns a compact byte-string form of c for use as a map key.
// Two charges of the same symmetry have equal keys iff they are equal.
func (c Charge) Key() string {
	buf := make([]byte, 0, len(c)*binary.MaxVarintLen64)
	var tmp [binary.MaxVarintLen64]byte
	for _, v := range c {
		n := binary.PutVarint(tmp[:], int64(v))
		buf = append(buf, tmp[:n]...)
	}
	return string(buf)
}

func (c Charge) String() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// component holds one factor of the symmetry group together with its
// operation table, resolved at construction time.
type component struct {
	kind  SymmetryKind
	order int // n for KindZn, 0 for KindZ

	fuse  func(a, b int) int
	dual  func(a int) int
	valid func(a int) bool
}

// Symmetry is an immutable descriptor of a direct sum of abelian factors.
// It is safe for concurrent use and must be shared, never copied, between
// the tensors built on it.
type Symmetry struct {
	comps []component
	name  string
}

// New constructs a Symmetry from component orders: order n >= 1 declares a
// Z_n factor, order 0 declares a Z factor. New(0) is U(1) particle-number
// conservation, New(2) is a Z_2 parity, New(2, 0) is their direct sum.
func New(orders ...int) (*Symmetry, error) {
	if len(orders) == 0 {
		return nil, &InvalidChargeError{Reason: "symmetry needs at least one component"}
	}
	s := &Symmetry{comps: make([]component, len(orders))}
	names := make([]string, len(orders))
	for i, n := range orders {
		switch {
		case n < 0:
			return nil, &InvalidChargeError{Component: i, Reason: fmt.Sprintf("negative order %d", n)}
		case n == 0:
			s.comps[i] = component{
				kind:  KindZ,
				fuse:  func(a, b int) int { return a + b },
				dual:  func(a int) int { return -a },
				valid: func(int) bool { return true },
			}
			names[i] = "Z"
		default:
			n := n
			s.comps[i] = component{
				kind:  KindZn,
				order: n,
				fuse:  func(a, b int) int { return (a + b) % n },
				dual:  func(a int) int { return (n - a%n) % n },
				valid: func(a int) bool { return a >= 0 && a < n },
			}
			names[i] = fmt.Sprintf("Z%d", n)
		}
	}
	s.name = strings.Join(names, "x")
	return s, nil
}

// MustNew is New for statically known orders; it panics on error.
func MustNew(orders ...int) *Symmetry {
	s, err := New(orders...)
	if err != nil {
		panic(err)
	}
	return s
}

// U1 returns the U(1) descriptor, a single Z component.
func U1() *Symmetry { return MustNew(0) }

// Z2 returns the parity descriptor, a single Z_2 component.
func Z2() *Symmetry { return MustNew(2) }

// NumComponents returns the number of abelian factors.
func (s *Symmetry) NumComponents() int { return len(s.comps) }

// Kind returns the group structure of component i.
func (s *Symmetry) Kind(i int) SymmetryKind { return s.comps[i].kind }

// Order returns the cyclic order of component i, or 0 for a Z component.
func (s *Symmetry) Order(i int) int { return s.comps[i].order }

func (s *Symmetry) String() string { return s.name }

// Trivial returns the group identity: the all-zero charge.
func (s *Symmetry) Trivial() Charge {
	return make(Charge, len(s.comps))
}

// Validate checks that c belongs to the declared group structure.
func (s *Symmetry) Validate(c Charge) error {
	if len(c) != len(s.comps) {
		return &InvalidChargeError{
			Charge: c,
			Reason: fmt.Sprintf("charge has %d components, symmetry %s has %d", len(c), s.name, len(s.comps)),
		}
	}
	for i, comp := range s.comps {
		if !comp.valid(c[i]) {
			return &InvalidChargeError{
				Charge:    c,
				Component: i,
				Reason:    fmt.Sprintf("value %d outside %s(order %d)", c[i], comp.kind, comp.order),
			}
		}
	}
	return nil
}

// Fuse combines two charges under the group operation. Both operands are
// validated; the result is always a member of the group.
func (s *Symmetry) Fuse(a, b Charge) (Charge, error) {
	if err := s.Validate(a); err != nil {
		return nil, err
	}
	if err := s.Validate(b); err != nil {
		return nil, err
	}
	out := make(Charge, len(s.comps))
	for i, comp := range s.comps {
		out[i] = comp.fuse(a[i], b[i])
	}
	return out, nil
}

// Dual returns the group inverse of c, satisfying Fuse(c, Dual(c)) == Trivial().
func (s *Symmetry) Dual(c Charge) (Charge, error) {
	if err := s.Validate(c); err != nil {
		return nil, err
	}
	out := make(Charge, len(s.comps))
	for i, comp := range s.comps {
		out[i] = comp.dual(c[i])
	}
	return out, nil
}

// FuseInto writes Fuse(a, b) into dst without validation, the unchecked
// hot-path variant for charges that have already passed Validate. All three
// charges must have the right length; dst may alias a or b.
func (s *Symmetry) FuseInto(dst, a, b Charge) {
	for i, comp := range s.comps {
		dst[i] = comp.fuse(a[i], b[i])
	}
}

// DualInto writes Dual(c) into dst without validation; dst may alias c.
func (s *Symmetry) DualInto(dst, c Charge) {
	for i, comp := range s.comps {
		dst[i] = comp.dual(c[i])
	}
}

// IsTrivial reports whether c is the identity element.
func (s *Symmetry) IsTrivial(c Charge) bool {
	for _, v := range c {
		if v != 0 {
			return false
		}
	}
	return true
}

// Compare imposes a total order on charges: lexicographic over components.
// It returns -1, 0 or +1. The order is what canonical sector sorting uses,
// so two independently built legs over the same symmetry agree on it.
func (s *Symmetry) Compare(a, b Charge) int {
	for i := range s.comps {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
