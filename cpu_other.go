//go:build !linux

package tcmalloc

import (
	"hash/fnv"
	"runtime"
)

// currentRawCPU falls back to a stable per-goroutine-stack hash on
// platforms without getcpu(2), the same technique the teacher allocator
// uses for its per-CPU cache sharding. It does not track the real
// hardware CPU, only a pseudo-identity stable for the life of one call
// stack; the section lock in section.go is what actually guarantees
// mutual exclusion, so this only needs to be a reasonable shard key.
func currentRawCPU() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	h := fnv.New64a()
	h.Write(buf[:n])
	return int(h.Sum64() % uint64(runtime.NumCPU()))
}
