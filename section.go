package tcmalloc

import (
	"runtime"
	"sync/atomic"
)

// section emulates the kernel RSEQ guarantee — "the critical section
// commits atomically with respect to migration off the owning CPU, or
// does not commit at all" — for one logical CPU, using a spinlock
// instead of hardware restart-on-migration. Real RSEQ serialises commits
// per CPU because only one thread executes on a CPU at a time; this
// emulation serialises them explicitly because Go gives user code no
// such guarantee.
//
// Holding a CPU's section lock is exactly the fast path's critical
// section: acquire, read/mutate the header and element slots, commit
// (store), release. A control operation acquires the same lock via
// acquire and holds it for its entire body, not just long enough to
// flush whatever was in flight at the moment of the call — otherwise a
// fast-path call that observed stopped==false an instant before the
// control operation began could still win tryEnter and mutate the slab
// concurrently with the control operation's own read/modify/write (spec
// §5's "exclusively mutated by fast path XOR one control thread", and
// spec §8 scenario 6's "no successful push during the stopped window").
type section struct {
	locked atomic.Bool
}

// tryEnter attempts to acquire the section lock without blocking,
// reporting whether it succeeded. The fast path spins on this rather
// than blocking, matching the non-blocking contract of spec §5.
func (s *section) tryEnter() bool {
	return s.locked.CompareAndSwap(false, true)
}

// exit releases the section lock. Pairs with a successful tryEnter or
// acquire.
func (s *section) exit() {
	s.locked.Store(false)
}

// acquire blocks until it can take the section lock, leaving it held
// for the caller to release explicitly via exit. Unlike tryEnter, this
// is for control operations that must hold exclusive access across an
// entire read/modify/write, not just probe for availability.
func (s *section) acquire() {
	for !s.tryEnter() {
		runtime.Gosched()
	}
}

// sections holds one spinlock per logical CPU plus the stop flags that
// gate entry into them (spec §4.7).
type sections struct {
	cpus    []section
	stopped []atomic.Bool
}

func newSections(numCPUs int) *sections {
	return &sections{
		cpus:    make([]section, numCPUs),
		stopped: make([]atomic.Bool, numCPUs),
	}
}

// isStopped reports whether cpu is currently excluded from the fast
// path, with acquire semantics so that a caller who observes false is
// guaranteed to see any slab state published before the matching
// StartCpu's release store (spec §5 ordering guarantees).
func (s *sections) isStopped(cpu int) bool {
	return s.stopped[cpu].Load()
}

// markStopped sets cpu's stopped flag without acquiring its section
// lock, reporting whether the flag transitioned. It is fatal to mark an
// already-stopped CPU (spec §7 precondition violation). Split out from
// stop so that ResizeSlabs can mark every CPU stopped before issuing a
// single broadcast lock acquisition, matching spec §4.8's phases 1 and 2
// as two distinct steps rather than one per CPU.
func (s *sections) markStopped(cpu int, onFatal func(string)) bool {
	if !s.stopped[cpu].CompareAndSwap(false, true) {
		onFatal("StopCpu called on an already-stopped CPU")
		return false
	}
	return true
}

// stop marks cpu stopped and acquires its section lock, holding it
// until the matching start releases it. Holding the lock for stop's
// entire caller — not just long enough to flush whatever was already
// in flight — is what makes the fast path's tryEnter genuinely fail for
// every attempt made during the stopped window, including one that read
// isStopped==false an instant before this call.
func (s *sections) stop(cpu int, onFatal func(string)) {
	if s.markStopped(cpu, onFatal) {
		s.cpus[cpu].acquire()
	}
}

// fenceAllCpus is FenceAllCpus (spec §4.7): the broadcast form of a
// single CPU's lock acquisition, blocking until every CPU's section lock
// is held and leaving all of them held until start is called on each.
// ResizeSlabs is its only caller (spec §4.8 phase 2); StopCpu uses the
// narrower per-CPU form instead.
func (s *sections) fenceAllCpus() {
	for cpu := range s.cpus {
		s.cpus[cpu].acquire()
	}
}

// start releases cpu's section lock and clears its stopped flag,
// re-admitting the fast path.
func (s *sections) start(cpu int) {
	s.cpus[cpu].exit()
	s.stopped[cpu].Store(false)
}

// unmarkStopped clears cpu's stopped flag without touching its section
// lock. Used only to unwind markStopped if ResizeSlabs's header
// construction fails before fenceAllCpus has acquired any lock — start
// would wrongly release a lock this call never took.
func (s *sections) unmarkStopped(cpu int) {
	s.stopped[cpu].Store(false)
}
