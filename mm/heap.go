// Package mm implements the memory manager: a two-space word arena with a
// bump allocator, a static (non-collected) closure region, and a
// stop-the-world copying collector.
//
// The allocation contract has two halves. The fast path is the pure O(1)
// check Fits(hp, hpLim, n); the interpreter keeps hp and hpLim in local
// variables and consults the check before every allocation. The slow path,
// AllocSlow, is the only place a collection can happen, which makes
// collection points statically identifiable: they are exactly the
// allocation instructions whose fast check failed. The fast path never
// moves memory; the slow path may relocate the entire heap, and may only
// run when every live pointer on the execution stack is describable through
// the Code bitmaps at the current program point.
package mm

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/JackBro/lambdachine/object"
)

// DefaultHeapWords is the default size of one semispace, in words.
const DefaultHeapWords = 64 * 1024

// ErrOutOfMemory is returned by AllocSlow when a collection cannot free
// enough space for a live allocation. There is no recovery story for this
// condition; callers are expected to terminate.
var ErrOutOfMemory = errors.New("mm: heap exhausted after collection")

// Header word layout: the low 16 bits hold the info table id. The
// blackhole bit marks a thunk under evaluation without disturbing the
// underlying table, so the collector can still size and scan its payload.
// The forwarding bit is used only inside a collection.
const (
	headerInfoMask  object.Word = 0xffff
	headerBlackhole object.Word = 1 << 32
	headerForward   object.Word = 1 << 62
)

// RootScanner enumerates the live heap references held outside the heap:
// the interpreter stack slots described by the current Code bitmaps, frame
// node references, and the pending evaluation result. The callback may
// rewrite each slot with a forwarded reference.
type RootScanner interface {
	ScanRoots(fn func(slot *object.Word))
}

// A Heap owns one collected semispace and the static closure region.
// Exactly one execution context borrows its bump window at a time.
type Heap struct {
	prog  *object.Program
	space []object.Word
	hp    int
	hpLim int

	static     []object.Word
	staticObjs []staticObj // walk order for root scanning

	collections uint64
	copied      uint64
	log         zerolog.Logger
}

type staticObj struct {
	idx  int
	size int
}

// Option is a configuration function for a Heap.
type Option func(*Heap)

// WithSize sets the semispace size in words.
func WithSize(words int) Option {
	return func(h *Heap) {
		h.space = make([]object.Word, words)
	}
}

// WithLogger sets the logger used for collection diagnostics.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Heap) {
		h.log = log
	}
}

// NewHeap creates a heap against the given program's info table registry.
func NewHeap(prog *object.Program, options ...Option) *Heap {
	h := &Heap{
		prog:   prog,
		static: make([]object.Word, 1), // index 0 reserved: null ref
		log:    zerolog.Nop(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.space == nil {
		h.space = make([]object.Word, DefaultHeapWords)
	}
	h.hp = 1 // index 0 reserved: null ref
	h.hpLim = len(h.space)
	return h
}

// Fits is the allocation fast check: it reports in O(1) and without side
// effects whether n words are available between the heap pointer and the
// heap limit. It never moves memory.
func Fits(hp, hpLim, n int) bool {
	return hp+n <= hpLim
}

// Bump returns the current heap pointer and heap limit. The caller borrows
// them for the duration of a dispatch and must not retain them across any
// call that can trigger a collection.
func (h *Heap) Bump() (hp, hpLim int) {
	return h.hp, h.hpLim
}

// SetBump writes back a heap pointer advanced by the borrower.
func (h *Heap) SetBump(hp int) {
	h.hp = hp
}

// AllocSlow is the allocation slow path: it reconciles the borrowed heap
// pointer, collects if needed, and returns an updated pointer and limit
// with at least need words available, or ErrOutOfMemory. It is the only
// entry point that can move the heap.
func (h *Heap) AllocSlow(roots RootScanner, hp, need int) (int, int, error) {
	h.hp = hp
	if !Fits(h.hp, h.hpLim, need) {
		h.Collect(roots)
	}
	if !Fits(h.hp, h.hpLim, need) {
		h.log.Error().
			Int("need", need).
			Int("live", h.hp).
			Int("capacity", len(h.space)).
			Msg("out of memory")
		return 0, 0, fmt.Errorf("%w: need %d words, %d live of %d",
			ErrOutOfMemory, need, h.hp, len(h.space))
	}
	return h.hp, h.hpLim, nil
}

// Collections returns the number of collections performed.
func (h *Heap) Collections() uint64 { return h.collections }

// ReadWord reads a raw word from the collected arena.
func (h *Heap) ReadWord(idx int) object.Word { return h.space[idx] }

// WriteWord writes a raw word into the collected arena. Used by the
// interpreter and compiled fragments to initialize freshly bumped space.
func (h *Heap) WriteWord(idx int, w object.Word) { h.space[idx] = w }

func (h *Heap) words(r object.Ref) []object.Word {
	if r.IsStatic() {
		return h.static
	}
	return h.space
}

// InfoID returns the info table id from the closure header, ignoring the
// blackhole mark.
func (h *Heap) InfoID(r object.Ref) uint16 {
	return uint16(h.words(r)[r.Index()] & headerInfoMask)
}

// Info returns the closure's info table in O(1). The header is never null
// for any closure observable by a heap scan.
func (h *Heap) Info(r object.Ref) *object.InfoTable {
	return h.prog.Info(h.InfoID(r))
}

// Type returns the closure type, reporting Blackhole for marked thunks.
func (h *Heap) Type(r object.Ref) object.ClosureType {
	if h.IsBlackholed(r) {
		return object.Blackhole
	}
	return h.Info(r).Type()
}

// Tag returns the constructor tag of the closure.
func (h *Heap) Tag(r object.Ref) uint16 {
	return h.Info(r).Tag()
}

// Payload reads payload word i of the closure.
func (h *Heap) Payload(r object.Ref, i int) object.Word {
	return h.words(r)[r.Index()+1+i]
}

// SetPayload writes payload word i of the closure.
func (h *Heap) SetPayload(r object.Ref, i int, w object.Word) {
	h.words(r)[r.Index()+1+i] = w
}

// SetInfo rewrites the closure header, clearing any blackhole mark. This is
// how thunks are updated in place with indirections.
func (h *Heap) SetInfo(r object.Ref, id uint16) {
	h.words(r)[r.Index()] = object.Word(id)
}

// Blackhole marks a thunk as under evaluation. The underlying info table
// is preserved so the payload remains scannable.
func (h *Heap) Blackhole(r object.Ref) {
	h.words(r)[r.Index()] |= headerBlackhole
}

// IsBlackholed reports whether the closure carries the blackhole mark.
func (h *Heap) IsBlackholed(r object.Ref) bool {
	return h.words(r)[r.Index()]&headerBlackhole != 0
}

// Follow resolves indirection chains to the closure they redirect to.
func (h *Heap) Follow(r object.Ref) object.Ref {
	for !r.IsNull() {
		if h.IsBlackholed(r) {
			return r
		}
		if !h.Info(r).Type().IsIndirection() {
			return r
		}
		r = object.Ref(h.Payload(r, 0))
	}
	return r
}

// NewClosure bump-allocates a closure without entering the slow path. It is
// used off the hot path (loader, tests); the interpreter inlines its own
// allocation sequence against its borrowed heap pointer.
func (h *Heap) NewClosure(id uint16, payload ...object.Word) (object.Ref, error) {
	need := 1 + len(payload)
	if !Fits(h.hp, h.hpLim, need) {
		return object.NullRef, fmt.Errorf("%w: need %d words", ErrOutOfMemory, need)
	}
	at := h.hp
	h.space[at] = object.Word(id)
	copy(h.space[at+1:], payload)
	h.hp += need
	return object.Ref(at), nil
}

// AllocStatic allocates a closure in the static region. Static closures
// live for the process lifetime and are never moved, but their payloads are
// scanned as roots: an updated CAF holds a static indirection into the
// collected heap.
func (h *Heap) AllocStatic(id uint16, payload ...object.Word) object.Ref {
	idx := len(h.static)
	h.static = append(h.static, object.Word(id))
	h.static = append(h.static, payload...)
	h.staticObjs = append(h.staticObjs, staticObj{idx: idx, size: len(payload)})
	return object.Ref(idx) | object.StaticBit
}
