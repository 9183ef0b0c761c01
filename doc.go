// Package symtensor implements block-sparse tensors with abelian symmetry
// conservation and a contraction engine built on top of them.
//
// Symtensor stores only the sector blocks a tensor's charge rule allows.
// A tensor is defined over legs, each an ordered partition of a vector
// space into charge sectors, and a block exists only when the fused
// charges of its sector tuple equal the tensor's total charge. Everything
// downstream, from contraction to factorization, works block by block and
// never materializes the dense array.
//
// # Architecture Overview
//
// The module consists of four layers, leaves first:
//
//   - charge: symmetry group descriptors (direct sums of U(1) and Z_n)
//     with fusion, duality, and validation
//   - space: legs, sectors, canonical charge ordering, and leg fusion
//     with invertible fusion maps
//   - tensor: block storage over an arena allocator, permutation,
//     combine/split, dense conversion, and serialization
//   - engine: pairwise contraction with a dispatch cache and worker
//     pool, trace, and per-block SVD/EigH/QR factorizations
//
// # Performance Characteristics
//
// The engine keeps contraction cost proportional to the blocks that
// actually match:
//
//   - Sparse block join: stored keys are grouped by contracted charges,
//     so absent blocks cost nothing
//   - Dense inner kernels: each block pairing is a single GEMM call
//   - Dispatch caching: the block-matching pattern of a contraction is
//     memoized on the structural fingerprints of its operands
//   - Deterministic accumulation: results are bit-identical across runs
//     regardless of worker count
//
// # Basic Usage
//
//	sym := charge.U1()
//	leg, err := space.NewLeg(sym,
//		[]charge.Charge{{-1}, {0}, {1}}, []int{2, 3, 2})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	a, _ := tensor.New([]*space.Leg{leg, leg.Dual()}, sym.Trivial())
//	b, _ := tensor.New([]*space.Leg{leg, leg.Dual()}, sym.Trivial())
//	// ... fill blocks with SetBlock ...
//
//	c, err := engine.Contract(a, []int{1}, b, []int{0})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Package Structure
//
//   - charge: symmetry descriptors and charge arithmetic
//   - space: charged vector spaces (legs) and fusion
//   - tensor: block-sparse charged tensors
//   - engine: contraction, trace, and factorizations
//
// For more information, see the documentation at
// https://pkg.go.dev/github.com/symtensor/symtensor
package symtensor
