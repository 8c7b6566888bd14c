package tcmalloc

import (
	"context"
	"log/slog"
	"unsafe"

	"golang.org/x/sync/errgroup"
)

// StopCpu excludes cpu from the fast path until the matching StartCpu,
// fencing so that no in-flight Push/Pop/batch on cpu references state
// from before the call returns (spec §4.7). Calling StopCpu on an
// already-stopped CPU is fatal.
func (s *Slab) StopCpu(cpu int) {
	s.sec.stop(cpu, s.fatalString)
}

// StartCpu re-admits cpu to the fast path. Calling StartCpu on a CPU that
// is not stopped is a no-op.
func (s *Slab) StartCpu(cpu int) {
	if !s.sec.isStopped(cpu) {
		return
	}
	s.sec.start(cpu)
}

// withStopped runs fn with cpu stopped, guaranteeing StartCpu runs even
// if fn panics or returns an error, matching the bracket every control
// operation in this file needs around its mutation of a stopped CPU.
func (s *Slab) withStopped(cpu int, fn func() error) error {
	s.StopCpu(cpu)
	defer s.StartCpu(cpu)
	return fn()
}

// Drain empties every size class on cpu, handing each class's live
// elements to handler in LIFO storage order before resetting the class
// to empty at its current capacity (spec §4.8 "Drain"). Draining an
// already-empty class still invokes handler with a zero-length slice,
// so callers can rely on handler being called exactly once per
// nonzero-capacity class (the "idempotent empty drain" property).
func (s *Slab) Drain(cpu int, handler DrainHandler) error {
	if !s.initDone.Load() {
		return errNotInitialized
	}
	if handler == nil {
		return errNilDrainHandler
	}
	if cpu < 0 || cpu >= s.identity.numCPUs {
		return errCPUOutOfRange
	}
	return s.withStopped(cpu, func() error {
		snap := s.current.Load()
		for k := 1; k < s.numClasses; k++ {
			if s.plan.maxCap[k] == 0 {
				continue
			}
			hw := headerWord(cpu, k, snap.shift)
			hdr := loadHeader(snap.words, hw)
			addrs := s.collect(snap, cpu, hdr)
			s.acquire(addrs)
			handler(cpu, k, addrs, hdr.Size(), hdr.Capacity())
			hdr.Current = hdr.Begin
			storeHeader(snap.words, hw, hdr)
		}
		return nil
	})
}

// collect copies the live element range [Begin, Current) of hdr into a
// freshly allocated slice, oldest element first.
func (s *Slab) collect(snap *slabsAndShift, cpu int, hdr Header) []uintptr {
	n := hdr.Size()
	if n == 0 {
		return nil
	}
	out := make([]uintptr, n)
	for i := 0; i < n; i++ {
		out[i] = uintptr(snap.words[elementWord(cpu, snap.shift, hdr.Begin+uint16(i))])
	}
	return out
}

// GrowOtherCache increases size class k's capacity on cpu by up to delta
// elements, clamped to the class's reservation from Init, and returns the
// number of elements actually added (spec §4.8 "Grow"). cpu need not be
// the calling CPU: this is the "other cache" control path, always run
// under StopCpu.
func (s *Slab) GrowOtherCache(cpu, sizeClass, delta int) (int, error) {
	if !s.initDone.Load() {
		return 0, errNotInitialized
	}
	if cpu < 0 || cpu >= s.identity.numCPUs {
		return 0, errCPUOutOfRange
	}
	if sizeClass <= 0 || sizeClass >= s.numClasses {
		return 0, errSizeClassOutOfRange
	}
	if delta <= 0 {
		return 0, nil
	}
	grown := 0
	err := s.withStopped(cpu, func() error {
		snap := s.current.Load()
		hw := headerWord(cpu, sizeClass, snap.shift)
		hdr := loadHeader(snap.words, hw)
		maxEnd := s.plan.begin[sizeClass] + uint16(s.plan.maxCap[sizeClass])
		room := int(maxEnd) - int(hdr.End)
		if room <= 0 {
			return nil
		}
		if delta > room {
			delta = room
		}
		hdr.End += uint16(delta)
		storeHeader(snap.words, hw, hdr)
		grown = delta
		return nil
	})
	return grown, err
}

// ShrinkOtherCache reduces size class k's capacity on cpu by up to delta
// elements, popping any elements that no longer fit and handing them to
// shrink before the header is rewritten, and returns the number of
// elements actually removed from capacity (spec §4.8 "Shrink"). Like
// GrowOtherCache, it always runs under StopCpu.
func (s *Slab) ShrinkOtherCache(cpu, sizeClass, delta int, shrink ShrinkHandler) (int, error) {
	if !s.initDone.Load() {
		return 0, errNotInitialized
	}
	if shrink == nil {
		return 0, errNilShrinkHandler
	}
	if cpu < 0 || cpu >= s.identity.numCPUs {
		return 0, errCPUOutOfRange
	}
	if sizeClass <= 0 || sizeClass >= s.numClasses {
		return 0, errSizeClassOutOfRange
	}
	if delta <= 0 {
		return 0, nil
	}
	shrunk := 0
	err := s.withStopped(cpu, func() error {
		snap := s.current.Load()
		hw := headerWord(cpu, sizeClass, snap.shift)
		hdr := loadHeader(snap.words, hw)

		unused := int(hdr.End) - int(hdr.Current)
		if unused < delta && hdr.Current > hdr.Begin {
			popAmount := delta - unused
			if room := int(hdr.Current) - int(hdr.Begin); popAmount > room {
				popAmount = room
			}
			popped := make([]uintptr, popAmount)
			for i := 0; i < popAmount; i++ {
				hdr.Current--
				popped[i] = uintptr(snap.words[elementWord(cpu, snap.shift, hdr.Current)])
			}
			s.acquire(popped)
			shrink(sizeClass, popped, len(popped))
		}

		free := int(hdr.End) - int(hdr.Current)
		if delta < free {
			free = delta
		}
		hdr.End -= uint16(free)
		storeHeader(snap.words, hw, hdr)
		shrunk = free
		return nil
	})
	return shrunk, err
}

// ResizeSlabs replaces the active slab set with a freshly allocated one
// at newShift (spec §4.8 "Resize"), in the five phases spec §4.8 and §9
// describe, with the previously-unlabeled phase 3 made explicit as the
// FenceAllCpus broadcast, per spec §9's Open Questions:
//
//  1. mark every CPU stopped (not yet fenced), and initialize every
//     CPU's headers in the new region, populated or not (old region
//     untouched; the new one is not yet reachable from any fast-path
//     call).
//  2. issue one broadcast fence (FenceAllCpus) across every CPU, so that
//     by the time it returns no in-flight fast-path section anywhere
//     references pre-stop state.
//  3. publish the new region by swapping the atomic pointer.
//  4. for every populated CPU, drain its class contents from the OLD
//     region and hand them to drainHandler — safe because every CPU is
//     still stopped and step 2 waited out every section that was in
//     flight, so nothing can push to the old region any more.
//  5. start every CPU, admitting the fast path to the new region.
func (s *Slab) ResizeSlabs(ctx context.Context, newShift Shift, capacity CapacityFunc, maxCapacity MaxCapacityFunc, populated PopulatedFunc, drainHandler DrainHandler) error {
	if !s.initDone.Load() {
		return errNotInitialized
	}
	if capacity == nil || maxCapacity == nil {
		return errNilCapacityFunc
	}
	if populated == nil {
		return errNilPopulatedFunc
	}
	if drainHandler == nil {
		return errNilDrainHandler
	}
	if err := validateShift(newShift); err != nil {
		return err
	}
	old := s.current.Load()
	if newShift == old.shift {
		return errSameShift
	}
	newPlan := planLayout(s.numClasses, newShift, func(k int) int { return maxCapacity(k, newShift) }, s.fatal)
	newWords, err := s.mem.Alloc(s.identity.numCPUs * wordsPerCPU(newShift))
	if err != nil {
		return err
	}
	newSnap := &slabsAndShift{words: newWords, shift: newShift}

	// Phase 1: mark every CPU stopped and build its new-region headers.
	for cpu := 0; cpu < s.identity.numCPUs; cpu++ {
		s.sec.markStopped(cpu, s.fatalString)
	}
	g, gctx := errgroup.WithContext(ctx)
	for cpu := 0; cpu < s.identity.numCPUs; cpu++ {
		cpu := cpu
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			s.initHeadersInto(cpu, newSnap, newPlan, capacity)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// No lock has been acquired yet (fenceAllCpus is phase 2, still
		// ahead of us), only the stopped flags from phase 1 — clear
		// those without touching any lock.
		for cpu := 0; cpu < s.identity.numCPUs; cpu++ {
			s.sec.unmarkStopped(cpu)
		}
		s.mem.Free(newWords)
		return err
	}

	// Phase 2: broadcast fence. By the time this returns, no in-flight
	// fast-path section anywhere still references pre-stop state.
	s.sec.fenceAllCpus()

	// Phase 3: publish.
	s.plan = newPlan
	s.current.Store(newSnap)

	// Phase 4: drain the old region's populated CPUs now that no new
	// pushes can reach it (every CPU is still stopped).
	for cpu := 0; cpu < s.identity.numCPUs; cpu++ {
		if !populated(cpu) {
			continue
		}
		for k := 1; k < s.numClasses; k++ {
			hw := headerWord(cpu, k, old.shift)
			hdr := loadHeader(old.words, hw)
			if hdr.Capacity() == 0 {
				continue
			}
			addrs := s.collect(old, cpu, hdr)
			s.acquire(addrs)
			drainHandler(cpu, k, addrs, hdr.Size(), hdr.Capacity())
		}
	}
	s.mem.Free(old.words)

	// Phase 5: admit the fast path to the new region.
	for cpu := 0; cpu < s.identity.numCPUs; cpu++ {
		s.sec.start(cpu)
	}
	return nil
}

// initHeadersInto is InitCpu's body parameterized over an explicit
// target region and plan, used by ResizeSlabs to build the replacement
// slab set's headers without disturbing the one still live on the fast
// path. The caller is responsible for the surrounding stop/start. A
// requested initial capacity that exceeds the class's reservation is a
// fatal configuration error (spec §4.1/§4.10), the same invariant
// InitCpu enforces.
func (s *Slab) initHeadersInto(cpu int, snap *slabsAndShift, plan layoutPlan, capacity CapacityFunc) {
	start := cpuStartWord(cpu, snap.shift)
	for k := 1; k < s.numClasses; k++ {
		if plan.maxCap[k] == 0 {
			storeHeader(snap.words, headerWord(cpu, k, snap.shift), Header{})
			continue
		}
		cap := capacity(k)
		if cap > plan.maxCap[k] {
			s.fatal("tcmalloc: per-CPU memory exceeded", slog.Int("sizeClass", k), slog.Int("capacity", cap), slog.Int("reservation", plan.maxCap[k]))
			return
		}
		begin := plan.begin[k]
		sentinelIdx := start + int(begin) - 1
		snap.words[sentinelIdx] = uint64(uintptr(unsafe.Pointer(&snap.words[sentinelIdx])))
		storeHeader(snap.words, headerWord(cpu, k, snap.shift), Header{Begin: begin, Current: begin, End: begin + uint16(cap)})
	}
}

// Destroy releases the active slab region and marks the Slab
// uninitialized, so a subsequent Init can reuse the value. Destroy does
// not drain: callers that need live elements preserved must Drain every
// CPU first (spec §4.8 "Destroy").
func (s *Slab) Destroy() error {
	if !s.initDone.Load() {
		return errNotInitialized
	}
	snap := s.current.Load()
	s.mem.Free(snap.words)
	s.current.Store(nil)
	s.initDone.Store(false)
	return nil
}
