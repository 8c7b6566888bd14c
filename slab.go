package tcmalloc

import (
	"log/slog"
	"sync/atomic"
	"unsafe"
)

// CapacityFunc returns the configured capacity, in elements, of a size
// class. Pure; supplied by the host (spec §6).
type CapacityFunc func(sizeClass int) int

// MaxCapacityFunc returns the maximum capacity, in elements, size class k
// may grow to at a given shift. Pure; supplied by the host (spec §6).
type MaxCapacityFunc func(sizeClass int, shift Shift) int

// PopulatedFunc reports whether cpu has ever been initialized and may
// hold live elements, used by ResizeSlabs to decide which CPUs need
// draining from the old region rather than a bare re-init.
type PopulatedFunc func(cpu int) bool

// DrainHandler receives the live contents of one class's LIFO during a
// drain. addrs holds the raw element values in LIFO storage order (index
// 0 is the oldest live element); the handler must copy or otherwise take
// ownership of them before returning, since the slab reuses those slots
// immediately afterward (spec "Callback ownership").
type DrainHandler func(cpu, sizeClass int, addrs []uintptr, size, capacity int)

// ShrinkHandler receives overflow elements popped during
// ShrinkOtherCache, in the same ownership contract as DrainHandler.
type ShrinkHandler func(sizeClass int, addrs []uintptr, count int)

// AcquireBatch is an optional hook (the TSAN-style batch-acquire hook of
// spec §6) invoked on any slot range handed to a DrainHandler or
// ShrinkHandler, before the handler runs. The default is a no-op.
type AcquireBatch func(addrs []uintptr)

// slabsAndShift is the slab region and the shift it was laid out at,
// updated only by ResizeSlabs and read by everything else — the Go
// analogue of tcmalloc's single atomic slabs_and_shift_ word, here a
// single atomically-swapped pointer to an immutable pair.
type slabsAndShift struct {
	words []uint64
	shift Shift
}

// Slab is a per-CPU slab cache: one contiguous region per logical CPU
// holding packed headers followed by pointer-sized element slots, plus
// the stop/fence machinery that excludes the fast path during control
// operations. See the package doc and spec.md for the full contract.
type Slab struct {
	initDone atomic.Bool

	numClasses int
	identity   identitySource
	mem        SlabMemory
	logger     *slog.Logger
	acquire    AcquireBatch

	current *atomic.Pointer[slabsAndShift]
	sec     *sections
	plan    layoutPlan
}

// Option configures a Slab at construction.
type Option func(*slabConfig)

type slabConfig struct {
	identity IdentityConfig
	mem      SlabMemory
	logger   *slog.Logger
	acquire  AcquireBatch
}

// WithIdentity selects how the engine resolves the calling CPU.
func WithIdentity(cfg IdentityConfig) Option {
	return func(c *slabConfig) { c.identity = cfg }
}

// WithSlabMemory overrides the backing-storage allocator. The default is
// mmap on Linux and the Go heap elsewhere.
func WithSlabMemory(mem SlabMemory) Option {
	return func(c *slabConfig) { c.mem = mem }
}

// WithLogger sets the structured logger used for fatal invariant
// reports. The default discards output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *slabConfig) { c.logger = logger }
}

// WithAcquireBatch installs the optional TSAN-style batch-acquire hook
// run on slot ranges handed to Drain/Shrink handlers.
func WithAcquireBatch(fn AcquireBatch) Option {
	return func(c *slabConfig) { c.acquire = fn }
}

// New constructs an uninitialized Slab sized for numCPUs logical CPUs.
// Call Init before using the fast path or any control operation.
func New(numCPUs int, opts ...Option) (*Slab, error) {
	cfg := slabConfig{
		identity: IdentityConfig{Mode: RawCPUMode},
		mem:      defaultSlabMemory(),
		logger:   slog.New(slog.NewTextHandler(discardWriter{}, nil)),
		acquire:  func([]uintptr) {},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	identity, err := resolveIdentity(cfg.identity, numCPUs)
	if err != nil {
		return nil, err
	}
	return &Slab{
		identity: identity,
		mem:      cfg.mem,
		logger:   cfg.logger,
		acquire:  cfg.acquire,
		current:  new(atomic.Pointer[slabsAndShift]),
		sec:      newSections(numCPUs),
	}, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Init installs a slab set at the given shift, sized for numClasses size
// classes. maxCapacity reserves each class's element range up front, at
// its largest permitted size, so that GrowOtherCache can later extend a
// class without relaying out the slab. One-shot: calling Init twice is a
// configuration error. Size class 0 is reserved and never allocated
// capacity (spec §3).
func (s *Slab) Init(numClasses int, shift Shift, maxCapacity MaxCapacityFunc) error {
	if maxCapacity == nil {
		return errNilCapacityFunc
	}
	if err := validateShift(shift); err != nil {
		return err
	}
	if !s.initDone.CompareAndSwap(false, true) {
		return errAlreadyInitialized
	}
	plan := planLayout(numClasses, shift, func(k int) int { return maxCapacity(k, shift) }, s.fatal)
	words, err := s.mem.Alloc(s.identity.numCPUs * wordsPerCPU(shift))
	if err != nil {
		s.initDone.Store(false)
		return err
	}
	s.numClasses = numClasses
	s.plan = plan
	s.current.Store(&slabsAndShift{words: words, shift: shift})
	return nil
}

// InitCpu lazily initializes one CPU's headers: every size class with a
// nonzero reservation gets its sentinel slot and an empty LIFO
// (Begin=Current, End=Begin+capacity) at the offset planLayout reserved
// for it, sized to the initial capacity function rather than the class's
// full reservation
// (spec §4.1/§4.8).
func (s *Slab) InitCpu(cpu int, capacity CapacityFunc) error {
	if !s.initDone.Load() {
		return errNotInitialized
	}
	if capacity == nil {
		return errNilCapacityFunc
	}
	if cpu < 0 || cpu >= s.identity.numCPUs {
		return errCPUOutOfRange
	}
	s.sec.stop(cpu, s.fatalString)
	defer s.sec.start(cpu)

	snap := s.current.Load()
	start := cpuStartWord(cpu, snap.shift)
	for k := 1; k < s.numClasses; k++ {
		if s.plan.maxCap[k] == 0 {
			storeHeader(snap.words, headerWord(cpu, k, snap.shift), Header{})
			continue
		}
		cap := capacity(k)
		if cap > s.plan.maxCap[k] {
			s.fatal("tcmalloc: per-CPU memory exceeded", slog.Int("sizeClass", k), slog.Int("capacity", cap), slog.Int("reservation", s.plan.maxCap[k]))
			return nil
		}
		begin := s.plan.begin[k]
		// Sentinel: the slot immediately before `begin` points at
		// itself, so Pop's prefetch of current-2 is always safe even
		// when the class holds exactly one element (spec §4.5).
		sentinelIdx := start + int(begin) - 1
		snap.words[sentinelIdx] = uint64(uintptr(unsafe.Pointer(&snap.words[sentinelIdx])))
		storeHeader(snap.words, headerWord(cpu, k, snap.shift), Header{Begin: begin, Current: begin, End: begin + uint16(cap)})
	}
	return nil
}

// fatalString adapts fatal()'s variadic signature for callers (like
// sections.stop) that only have a plain message.
func (s *Slab) fatalString(msg string) { s.fatal(msg) }

func (s *Slab) pushLocked(snap *slabsAndShift, cpu, sizeClass int, p uintptr) bool {
	hw := headerWord(cpu, sizeClass, snap.shift)
	hdr := loadHeader(snap.words, hw)
	if hdr.Full() {
		return false
	}
	snap.words[elementWord(cpu, snap.shift, hdr.Current)] = uint64(p)
	hdr.Current++
	storeHeader(snap.words, hw, hdr)
	return true
}

func (s *Slab) popLocked(snap *slabsAndShift, cpu, sizeClass int) (uintptr, bool) {
	hw := headerWord(cpu, sizeClass, snap.shift)
	hdr := loadHeader(snap.words, hw)
	if hdr.Empty() {
		return 0, false
	}
	hdr.Current--
	p := snap.words[elementWord(cpu, snap.shift, hdr.Current)]
	storeHeader(snap.words, hw, hdr)
	// Prefetch hint for the next Pop: touch the slot the following
	// Pop would return. The sentinel written by InitCpu guarantees
	// this is always a safe address, even popping the last element.
	_ = snap.words[elementWord(cpu, snap.shift, hdr.Current-1)]
	return uintptr(p), true
}

func (s *Slab) pushBatchLocked(snap *slabsAndShift, cpu, sizeClass int, ptrs []uintptr) int {
	hw := headerWord(cpu, sizeClass, snap.shift)
	hdr := loadHeader(snap.words, hw)
	n := 0
	for n < len(ptrs) && hdr.Current < hdr.End {
		snap.words[elementWord(cpu, snap.shift, hdr.Current)] = uint64(ptrs[n])
		hdr.Current++
		n++
	}
	if n > 0 {
		storeHeader(snap.words, hw, hdr)
	}
	return n
}

func (s *Slab) popBatchLocked(snap *slabsAndShift, cpu, sizeClass int, out []uintptr) int {
	hw := headerWord(cpu, sizeClass, snap.shift)
	hdr := loadHeader(snap.words, hw)
	n := 0
	for n < len(out) && hdr.Current > hdr.Begin {
		hdr.Current--
		out[n] = uintptr(snap.words[elementWord(cpu, snap.shift, hdr.Current)])
		n++
	}
	if n > 0 {
		storeHeader(snap.words, hw, hdr)
	}
	return n
}
