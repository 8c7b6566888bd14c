//go:build linux

package tcmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// currentRawCPU returns the hardware CPU the calling OS thread is
// currently running on, via a raw getcpu(2) system call. This is the "raw
// CPU" source of spec §4.3; like real RSEQ's cpu_id_start, the value can
// be stale the instant after it is read if the thread migrates, which is
// exactly the race the stop/fence protocol and the per-CPU section lock
// in section.go exist to close.
func currentRawCPU() int {
	var cpu, node uint32
	_, _, errno := unix.Syscall(unix.SYS_GETCPU, uintptr(unsafe.Pointer(&cpu)), uintptr(unsafe.Pointer(&node)), 0)
	if errno != 0 {
		return 0
	}
	return int(cpu)
}
