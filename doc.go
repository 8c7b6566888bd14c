// Package tcmalloc implements a per-CPU slab cache: a lock-free front end
// that lets each logical CPU hold a bounded LIFO of free object pointers
// per size class, so that hot-path allocation and deallocation are
// single-CPU operations with no cross-CPU coordination.
//
// The design follows tcmalloc's percpu_tcmalloc: a contiguous slab region
// per CPU holding packed headers followed by pointer-sized element slots,
// a stop/fence protocol that excludes the fast path during control
// operations, and a per-thread cache of the calling CPU's slab base that
// is revalidated against concurrent resizes.
//
// Kernel restartable sequences (RSEQ) give the C++ original an atomic
// commit-or-abort guarantee across CPU migration. Go has no equivalent
// primitive exposed to user code, so the fast path here emulates it with
// a per-CPU spinlock: entering a CPU's critical section excludes every
// other goroutine operating on that same logical CPU, and the stop/fence
// protocol (see Slab.StopCpu) waits to acquire that same lock before a
// control operation is allowed to touch the CPU's state. The externally
// visible contract — full/empty results, LIFO order, stop exclusion,
// resize linearisability — is unchanged; only the mechanism differs.
//
// Everything outside the slab engine itself — the central free list,
// size-class policy, and process-wide allocator wiring — is a named
// external collaborator the caller supplies, not something this package
// implements.
package tcmalloc
