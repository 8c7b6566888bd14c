package tcmalloc

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Sentinel errors for configuration mistakes that are caught before any
// state is mutated, so the caller can recover from them (spec §7
// "Configuration errors" that are detected at construction time, as
// opposed to invariant violations discovered mid-operation, which are
// always fatal per spec §4.10).
var (
	errNilVCPUMapper        = errors.New("tcmalloc: VirtualCPUMode requires a VCPUMapper")
	errInvalidIdentityMode  = errors.New("tcmalloc: unknown CPU identity mode")
	errInvalidShift         = errors.New("tcmalloc: shift out of range")
	errAlreadyInitialized   = errors.New("tcmalloc: Init called twice")
	errNotInitialized       = errors.New("tcmalloc: slab not initialized")
	errNilCapacityFunc      = errors.New("tcmalloc: capacity function must not be nil")
	errNilDrainHandler      = errors.New("tcmalloc: drain handler must not be nil")
	errNilShrinkHandler     = errors.New("tcmalloc: shrink handler must not be nil")
	errNilPopulatedFunc     = errors.New("tcmalloc: populated predicate must not be nil")
	errSameShift            = errors.New("tcmalloc: ResizeSlabs requires a different shift")
	errCPUOutOfRange        = errors.New("tcmalloc: cpu index out of range")
	errSizeClassOutOfRange  = errors.New("tcmalloc: size class out of range")
)

// terminate ends the process after a fatal invariant violation. It is a
// package variable, not a direct os.Exit call, purely so tests can
// observe the fatal path without killing the test binary — the same
// testability seam the teacher uses around its shutdown/finalizer paths,
// just applied to process termination instead of goroutine teardown.
var terminate = os.Exit

// fatal reports a structured crash (spec §4.10/§7: every invariant
// violation is fatal, with the source site and offending values named)
// and terminates the process. The core has no recoverable path past a
// violated invariant: it sits inside a memory allocator's hot path, and
// continuing past a corrupted header risks handing out an aliased or
// out-of-bounds pointer.
func (s *Slab) fatal(msg string, args ...any) {
	_, file, line, _ := runtime.Caller(1)
	attrs := make([]any, 0, len(args)+2)
	attrs = append(attrs, slog.String("site", fmt.Sprintf("%s:%d", file, line)))
	attrs = append(attrs, args...)
	s.logger.Error("tcmalloc: fatal slab invariant violation", append([]any{slog.String("detail", msg)}, attrs...)...)
	terminate(2)
}
