package tcmalloc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDrainIdempotentWhenEmpty(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)

	var calls int
	err := s.Drain(0, func(cpu, sizeClass int, addrs []uintptr, size, capacity int) {
		calls++
		require.Empty(t, addrs)
		require.Zero(t, size)
		require.Equal(t, 16, capacity)
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	snap := s.current.Load()
	hdr := loadHeader(snap.words, headerWord(0, 1, snap.shift))
	require.True(t, hdr.Empty())
	require.Equal(t, 16, hdr.Capacity())
}

func TestDrainDeliversLIFOOrder(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)
	c := s.NewCache()
	require.True(t, c.Push(1, 0xA))
	require.True(t, c.Push(1, 0xB))
	require.True(t, c.Push(1, 0xC))

	var got []uintptr
	err := s.Drain(0, func(cpu, sizeClass int, addrs []uintptr, size, capacity int) {
		if sizeClass == 1 {
			got = append(got, addrs...)
		}
	})
	require.NoError(t, err)
	require.Equal(t, []uintptr{0xA, 0xB, 0xC}, got)

	_, ok := c.Pop(1)
	require.False(t, ok)
}

func TestGrowOtherCacheClampsToReservation(t *testing.T) {
	s, err := New(1, WithIdentity(IdentityConfig{Mode: RawCPUMode}))
	require.NoError(t, err)
	require.NoError(t, s.Init(3, 18, func(k int, shift Shift) int { return 8 }))
	require.NoError(t, s.InitCpu(0, func(k int) int { return 0 }))

	grown, err := s.GrowOtherCache(0, 1, 100)
	require.NoError(t, err)
	require.Equal(t, 8, grown)

	grown, err = s.GrowOtherCache(0, 1, 1)
	require.NoError(t, err)
	require.Zero(t, grown)
}

func TestShrinkOtherCacheWithoutOverflow(t *testing.T) {
	s, err := New(1, WithIdentity(IdentityConfig{Mode: RawCPUMode}))
	require.NoError(t, err)
	require.NoError(t, s.Init(3, 18, func(k int, shift Shift) int { return 16 }))
	require.NoError(t, s.InitCpu(0, func(k int) int { return 10 }))

	var calls int
	shrunk, err := s.ShrinkOtherCache(0, 1, 3, func(int, []uintptr, int) { calls++ })
	require.NoError(t, err)
	require.Equal(t, 3, shrunk)
	require.Zero(t, calls, "no overflow expected when the LIFO is empty")
}

func TestResizeSlabsDrainsPopulatedCpus(t *testing.T) {
	s := newTestSlab(t, 2, 2, 18, 16)
	c0 := s.NewCache()
	require.True(t, c0.Push(1, 0x100))
	require.True(t, c0.Push(1, 0x200))
	require.True(t, c0.Push(1, 0x300))

	var drained []uintptr
	var drainCalls int
	err := s.ResizeSlabs(context.Background(), 19,
		uniformCapacity(16),
		uniformMaxCapacity(16),
		func(cpu int) bool { return cpu == 0 },
		func(cpu, sizeClass int, addrs []uintptr, size, capacity int) {
			if cpu == 0 && sizeClass == 1 {
				drainCalls++
				drained = append(drained, addrs...)
			}
		},
	)
	require.NoError(t, err)
	require.Equal(t, 1, drainCalls)
	require.Equal(t, []uintptr{0x100, 0x200, 0x300}, drained)

	snap := s.current.Load()
	require.Equal(t, Shift(19), snap.shift)

	c := s.NewCache()
	require.True(t, c.Push(1, 0x42))
	p, ok := c.Pop(1)
	require.True(t, ok)
	require.Equal(t, uintptr(0x42), p)
}

func TestResizeSlabsRejectsSameShift(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)
	err := s.ResizeSlabs(context.Background(), 18,
		uniformCapacity(16), uniformMaxCapacity(16),
		func(int) bool { return false },
		func(int, int, []uintptr, int, int) {},
	)
	require.ErrorIs(t, err, errSameShift)
}

func TestDestroyThenReinit(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)
	require.NoError(t, s.Destroy())
	require.Error(t, s.Destroy()) // already destroyed

	require.NoError(t, s.Init(2, 18, uniformMaxCapacity(16)))
	require.NoError(t, s.InitCpu(0, uniformCapacity(16)))
	c := s.NewCache()
	require.True(t, c.Push(1, 0x99))
}

// TestDrainExcludesRacingPushForEntireWindow is spec §8 scenario 6 at
// the Drain/Push level: a goroutine hammers Cache.Push on cpu 0 for the
// whole test, while the main goroutine repeatedly Drains that same cpu.
// If StopCpu only flushed in-flight sections instead of holding the
// lock for Drain's entire body, a Push racing the stopped-flag check
// could land between Drain's read of the header and its reset of
// Current to Begin, and the reset would discard that element without
// any drain delivering it. Every successful push must therefore be
// delivered by exactly one drain.
func TestDrainExcludesRacingPushForEntireWindow(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 64)
	c := s.NewCache()

	var pushed int64
	var drainedTotal int
	stopRacing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stopRacing:
				return
			default:
			}
			if c.Push(1, 0x1) {
				atomic.AddInt64(&pushed, 1)
			}
		}
	}()

	deadline := time.Now().Add(20 * time.Millisecond)
	for time.Now().Before(deadline) {
		var drainedSize int
		var addrsLen int
		err := s.Drain(0, func(cpu, sizeClass int, addrs []uintptr, size, capacity int) {
			if sizeClass == 1 {
				drainedSize = size
				addrsLen = len(addrs)
			}
		})
		require.NoError(t, err)
		require.Equal(t, drainedSize, addrsLen, "drain's reported size must match the addresses it actually collected")
		drainedTotal += drainedSize
	}
	close(stopRacing)
	wg.Wait()
	require.Greater(t, atomic.LoadInt64(&pushed), int64(0), "the racing goroutine must have gotten some pushes in between drains")

	err := s.Drain(0, func(cpu, sizeClass int, addrs []uintptr, size, capacity int) {
		if sizeClass == 1 {
			drainedTotal += size
		}
	})
	require.NoError(t, err)
	require.Equal(t, atomic.LoadInt64(&pushed), int64(drainedTotal), "every successful push must be delivered by exactly one drain")
}

func TestResizeSlabsCapacityOverflowIsFatal(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)

	var exitCode int
	orig := terminate
	terminate = func(code int) { exitCode = code }
	defer func() { terminate = orig }()

	err := s.ResizeSlabs(context.Background(), 19,
		uniformCapacity(16),
		func(int, Shift) int { return 1 << 17 },
		func(int) bool { return false },
		func(int, int, []uintptr, int, int) {},
	)
	require.NoError(t, err)
	require.Equal(t, 2, exitCode, "a new max capacity that doesn't fit in a uint16 must crash ResizeSlabs")
}

func TestResizeSlabsInitialCapacityOverflowIsFatal(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)

	var exitCode int
	orig := terminate
	terminate = func(code int) { exitCode = code }
	defer func() { terminate = orig }()

	err := s.ResizeSlabs(context.Background(), 19,
		func(int) int { return 100 },
		uniformMaxCapacity(16),
		func(int) bool { return false },
		func(int, int, []uintptr, int, int) {},
	)
	require.NoError(t, err)
	require.Equal(t, 2, exitCode, "an initial capacity above the new reservation must crash ResizeSlabs")
}

func TestStopAlreadyStoppedCpuIsFatal(t *testing.T) {
	s := newTestSlab(t, 1, 2, 18, 16)

	var exitCode int
	orig := terminate
	terminate = func(code int) { exitCode = code }
	defer func() { terminate = orig }()

	s.StopCpu(0)
	s.StopCpu(0)
	require.Equal(t, 2, exitCode)
	s.StartCpu(0)
}
