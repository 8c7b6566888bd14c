package tcmalloc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSectionTryEnterExclusive(t *testing.T) {
	var s section
	require.True(t, s.tryEnter())
	require.False(t, s.tryEnter(), "second tryEnter must fail while held")
	s.exit()
	require.True(t, s.tryEnter())
}

func TestSectionAcquireWaitsForHolder(t *testing.T) {
	var s section
	require.True(t, s.tryEnter())

	released := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.exit()
		close(released)
	}()

	start := time.Now()
	s.acquire()
	require.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	<-released

	// acquire leaves the lock held, unlike the old acquire-then-release
	// fence: a second tryEnter must fail until this caller exits.
	require.False(t, s.tryEnter())
	s.exit()
	require.True(t, s.tryEnter())
}

func TestSectionsStopStartRoundTrip(t *testing.T) {
	s := newSections(4)
	require.False(t, s.isStopped(2))
	s.stop(2, func(string) { t.Fatal("unexpected fatal") })
	require.True(t, s.isStopped(2))
	require.False(t, s.cpus[2].tryEnter(), "stop must hold the lock, not just flush it")
	s.start(2)
	require.False(t, s.isStopped(2))
	require.True(t, s.cpus[2].tryEnter(), "start must release the lock stop acquired")
}

func TestSectionsStopAlreadyStoppedIsFatal(t *testing.T) {
	s := newSections(2)
	s.stop(0, func(string) {})
	var called bool
	s.stop(0, func(string) { called = true })
	require.True(t, called)
}

func TestSectionsStopExcludesConcurrentSection(t *testing.T) {
	s := newSections(1)
	var wg sync.WaitGroup
	var entered, committed int32
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !s.cpus[0].tryEnter() {
		}
		entered = 1
		time.Sleep(5 * time.Millisecond)
		committed = 1
		s.cpus[0].exit()
	}()
	time.Sleep(time.Millisecond)
	s.stop(0, func(string) {})
	require.Equal(t, int32(1), entered)
	require.Equal(t, int32(1), committed)
	wg.Wait()
}

// TestSectionsStopExcludesRacingTryEntersForEntireWindow is spec §8
// scenario 6: after StopCpu(c) returns, no successful push occurs
// during the stopped window, even from a straggler that already
// observed isStopped==false before the stop. A battery of goroutines
// hammers tryEnter directly — standing in for a fast-path call that won
// the race to read the stale flag and is now just trying to win the
// lock — for the entire stopped window, not only for the instant the
// call to stop began.
func TestSectionsStopExcludesRacingTryEntersForEntireWindow(t *testing.T) {
	s := newSections(1)
	s.stop(0, func(string) { t.Fatal("unexpected fatal") })

	var successes int64
	stopRacing := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stopRacing:
					return
				default:
				}
				if s.cpus[0].tryEnter() {
					atomic.AddInt64(&successes, 1)
					s.cpus[0].exit()
				}
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(stopRacing)
	wg.Wait()

	require.Zero(t, successes, "no tryEnter must succeed anywhere in the stopped window")
	s.start(0)
	require.True(t, s.cpus[0].tryEnter())
}
