package tensor

// blockHandle indexes a dense buffer inside a tensor's block arena.
type blockHandle int32

type span struct {
	chunk int
	off   int
	n     int
}

const defaultChunkLen = 4096 // float64 elements per arena chunk

// blockArena owns the dense storage of one tensor: a bump allocator over a
// small number of float64 chunks, handing out handle-indexed spans. Keeping
// every block of a tensor in a few contiguous chunks avoids per-block heap
// fragmentation and keeps blockwise sweeps cache-friendly.
//
// The arena never frees individual blocks; it is released with its tensor.
type blockArena struct {
	chunks   [][]float64
	spans    []span
	chunkLen int
	off      int // bump offset within the last chunk
}

func newBlockArena() *blockArena {
	return &blockArena{chunkLen: defaultChunkLen}
}

// alloc reserves a zeroed span of n elements and returns its handle.
func (a *blockArena) alloc(n int) blockHandle {
	if n <= 0 {
		n = 1
	}
	if n > a.chunkLen {
		// Oversized blocks get a dedicated chunk, preserving the current
		// bump chunk for small blocks.
		a.chunks = append(a.chunks, make([]float64, n))
		h := blockHandle(len(a.spans))
		a.spans = append(a.spans, span{chunk: len(a.chunks) - 1, off: 0, n: n})
		return h
	}
	if len(a.chunks) == 0 || a.off+n > len(a.chunks[len(a.chunks)-1]) {
		a.chunks = append(a.chunks, make([]float64, a.chunkLen))
		a.off = 0
	}
	c := len(a.chunks) - 1
	h := blockHandle(len(a.spans))
	a.spans = append(a.spans, span{chunk: c, off: a.off, n: n})
	a.off += n
	return h
}

// data returns the dense buffer for h. The slice aliases arena memory.
func (a *blockArena) data(h blockHandle) []float64 {
	s := a.spans[h]
	return a.chunks[s.chunk][s.off : s.off+s.n : s.off+s.n]
}

// totalElems reports the number of allocated elements across all spans.
func (a *blockArena) totalElems() int {
	total := 0
	for _, s := range a.spans {
		total += s.n
	}
	return total
}
