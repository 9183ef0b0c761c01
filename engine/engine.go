// Package engine implements the symmetry-aware contraction engine and the
// block dispatch cache underneath it.
//
// Contract joins the stored blocks of two charged tensors over their paired
// legs: a sparse join over sector-index space whose cost scales with the
// matching blocks, never the cartesian product. Each matched pair is one
// dense GEMM; accumulation follows a fixed iteration order over stored
// tuples, so repeated contractions of identical inputs are bit-identical.
// Independent output blocks may be dispatched across a bounded worker pool;
// results land keyed by sector, not completion order, so the determinism
// contract survives parallel execution.
//
// The dispatch cache amortizes the block-matching search across repeated
// contractions with the same operand pattern, the dominant shape of
// iterative sweep algorithms that apply one operator thousands of times.
//
// Decomposition primitives (SVD, EigH, QR) reduce a tensor to an effective
// matrix via leg combination, factorize each charge block independently
// through the gonum dense backend, and reassemble charged factors whose
// internal leg holds exactly the surviving sectors.
package engine

import (
	"log/slog"
	"runtime"
)

const (
	// parallelThreshold is the minimum number of output blocks before a
	// contraction fans out to the worker pool. Small contractions stay
	// sequential for better cache locality.
	parallelThreshold = 32

	// maxDefaultWorkers caps the default pool regardless of CPU count.
	maxDefaultWorkers = 8

	defaultCacheSize = 64
)

// Engine executes contractions and decompositions. The zero value is not
// usable; construct with New. An Engine is safe for concurrent use, though
// each tensor passed in must be owned by a single task at a time.
type Engine struct {
	workers int
	cache   *patternCache
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers sets the maximum number of goroutines used for independent
// per-block contractions within one Contract call. n <= 1 forces sequential
// execution.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n < 1 {
			n = 1
		}
		e.workers = n
	}
}

// WithCacheSize bounds the dispatch cache to n contraction patterns.
// n <= 0 disables caching.
func WithCacheSize(n int) Option {
	return func(e *Engine) { e.cache = newPatternCache(n) }
}

// WithLogger attaches a structured logger for cache diagnostics. Numeric
// inner loops never log.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New constructs an Engine. Defaults: worker count min(GOMAXPROCS, 8), a
// 64-pattern dispatch cache, no logging.
func New(opts ...Option) *Engine {
	workers := runtime.GOMAXPROCS(0)
	if workers > maxDefaultWorkers {
		workers = maxDefaultWorkers
	}
	e := &Engine{
		workers: workers,
		cache:   newPatternCache(defaultCacheSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(discardHandler{})
	}
	e.cache.logger = e.logger
	return e
}

// CacheStats reports dispatch cache behavior since construction.
func (e *Engine) CacheStats() CacheStats { return e.cache.stats() }
