//go:build !linux

package tcmalloc

// defaultSlabMemory falls back to the Go-heap backend on platforms
// without mmap/mincore wired in.
func defaultSlabMemory() SlabMemory { return goHeapMemory{} }
