package tcmalloc

// Cache is a per-goroutine/per-OS-thread handle that caches the calling
// CPU's slab base across Push/Pop calls, revalidated against the stop
// protocol and against concurrent resizes (spec §4.6, "Slab cache
// handle"). A Cache must not be shared between goroutines that can run
// concurrently: like a thread-local in the C++ original, it is only
// thread-local by construction if its owner confines it to one
// goroutine/OS thread at a time.
type Cache struct {
	slab  *Slab
	cpu   int
	snap  *slabsAndShift
	valid bool
}

// NewCache returns a new, unpopulated cache handle bound to s.
func (s *Slab) NewCache() *Cache { return &Cache{slab: s} }

// ensure returns a validated (cpu, slab snapshot) pair, refreshing the
// cache if necessary. It never blocks indefinitely: if the resolved CPU
// is stopped, it reports failure once rather than spinning, so callers
// can yield between retries (the "retry the whole push" contract of
// spec §4.4 without busy-looping through a protocol violation).
func (c *Cache) ensure() (int, *slabsAndShift, bool) {
	if c.valid {
		if !c.slab.sec.isStopped(c.cpu) && c.snap == c.slab.current.Load() {
			return c.cpu, c.snap, true
		}
		c.valid = false
	}
	return c.refresh()
}

// refresh implements CacheCpuSlab (spec §4.6): resolve the current CPU,
// snapshot slabs_and_shift, then confirm in order that the CPU was not
// stopped and that the snapshot has not changed since — closing the
// window where a concurrent ResizeSlabs could publish a new (base,shift)
// while this handle still had the old one cached.
func (c *Cache) refresh() (int, *slabsAndShift, bool) {
	cpu := c.slab.identity.current()
	snap := c.slab.current.Load()
	if c.slab.sec.isStopped(cpu) {
		c.valid = false
		return 0, nil, false
	}
	if snap != c.slab.current.Load() {
		return c.refresh()
	}
	c.cpu, c.snap, c.valid = cpu, snap, true
	return cpu, snap, true
}

// Push stores p into size class k's LIFO on the caller's current CPU,
// returning false without side effects if that LIFO is full (spec §4.4).
// A cache miss caused by a concurrent StopCpu restarts the whole
// operation (spec §4.4 step 1) rather than returning failure, the same
// retry-in-place shape Pop/PushBatch/PopBatch use below.
func (c *Cache) Push(sizeClass int, p uintptr) bool {
	for {
		cpu, snap, ok := c.ensure()
		if !ok {
			continue
		}
		if !c.slab.sec.cpus[cpu].tryEnter() {
			continue
		}
		result := c.slab.pushLocked(snap, cpu, sizeClass, p)
		c.slab.sec.cpus[cpu].exit()
		return result
	}
}

// Pop removes and returns the top pointer of size class k's LIFO on the
// caller's current CPU, or (0, false) if it is empty (spec §4.5).
func (c *Cache) Pop(sizeClass int) (uintptr, bool) {
	for {
		cpu, snap, ok := c.ensure()
		if !ok {
			continue
		}
		if !c.slab.sec.cpus[cpu].tryEnter() {
			continue
		}
		p, popped := c.slab.popLocked(snap, cpu, sizeClass)
		c.slab.sec.cpus[cpu].exit()
		return p, popped
	}
}

// PushBatch transfers up to len(ptrs) pointers into size class k's LIFO
// in one critical section, stopping early if capacity is reached, and
// returns the count actually transferred (spec §4.4 "batch push").
func (c *Cache) PushBatch(sizeClass int, ptrs []uintptr) int {
	for {
		cpu, snap, ok := c.ensure()
		if !ok {
			continue
		}
		if !c.slab.sec.cpus[cpu].tryEnter() {
			continue
		}
		n := c.slab.pushBatchLocked(snap, cpu, sizeClass, ptrs)
		c.slab.sec.cpus[cpu].exit()
		return n
	}
}

// PopBatch removes up to len(out) pointers from size class k's LIFO in
// one critical section and returns the count actually removed (spec
// §4.5 "batch pop").
func (c *Cache) PopBatch(sizeClass int, out []uintptr) int {
	for {
		cpu, snap, ok := c.ensure()
		if !ok {
			continue
		}
		if !c.slab.sec.cpus[cpu].tryEnter() {
			continue
		}
		n := c.slab.popBatchLocked(snap, cpu, sizeClass, out)
		c.slab.sec.cpus[cpu].exit()
		return n
	}
}
