//go:build linux

package tcmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapMemory is the production SlabMemory backend: anonymous, private,
// page-aligned mappings via mmap(2), matching spec §3's "aligned to the
// physical page" and mirroring tcmalloc's own page-aligned slab
// allocation. Grounded in the pack's own mmap-backed slab allocator
// (other_examples/aethne0-bongodb system.AllocSlab).
type mmapMemory struct{}

func (mmapMemory) Alloc(words int) ([]uint64, error) {
	size := words * wordSize
	raw, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), words), nil
}

func (mmapMemory) Free(mem []uint64) {
	if len(mem) == 0 {
		return
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&mem[0])), len(mem)*wordSize)
	_ = unix.Munmap(raw)
}

func (mmapMemory) Resident(mem []uint64) (int, error) {
	if len(mem) == 0 {
		return 0, nil
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&mem[0])), len(mem)*wordSize)
	pageSize := unix.Getpagesize()
	vec := make([]byte, (len(raw)+pageSize-1)/pageSize)
	if _, _, errno := unix.Syscall(unix.SYS_MINCORE, uintptr(unsafe.Pointer(&raw[0])), uintptr(len(raw)), uintptr(unsafe.Pointer(&vec[0]))); errno != 0 {
		return 0, errno
	}
	resident := 0
	for i, b := range vec {
		if b&1 != 0 {
			residentBytes := pageSize
			if start := i * pageSize; start+residentBytes > len(raw) {
				residentBytes = len(raw) - start
			}
			resident += residentBytes
		}
	}
	return resident, nil
}

// defaultSlabMemory is the platform default backend.
func defaultSlabMemory() SlabMemory { return mmapMemory{} }
