package tcmalloc

import "runtime"

// Mode selects how the engine resolves "which logical CPU am I on right
// now" (spec §4.3).
type Mode int

const (
	// RawCPUMode reads the hardware CPU id the calling thread is
	// currently scheduled on.
	RawCPUMode Mode = iota
	// VirtualCPUMode maps the raw CPU id through a host-supplied policy,
	// for environments (e.g. containers with a CPU quota) where a denser
	// virtual-CPU numbering is preferable to the raw one. The mapping is
	// an injected policy rather than an ambient assumption (spec §9 Open
	// Questions).
	VirtualCPUMode
)

// VCPUMapper maps a raw hardware CPU id to a virtual CPU id in
// [0, numCPUs). It must be pure and total over that domain.
type VCPUMapper func(raw int) int

// IdentityConfig configures CPU identity resolution for a Slab.
type IdentityConfig struct {
	Mode Mode
	// VCPUMapper is required when Mode is VirtualCPUMode.
	VCPUMapper VCPUMapper
}

// identitySource is the resolved, call-site-ready form of IdentityConfig,
// captured once when New constructs the Slab (mirroring tcmalloc's one-time
// virtual_cpu_id_offset_ computation) rather than re-dispatched on every
// fast-path call.
type identitySource struct {
	numCPUs int
	mapper  VCPUMapper // nil in raw mode
}

func resolveIdentity(cfg IdentityConfig, numCPUs int) (identitySource, error) {
	switch cfg.Mode {
	case RawCPUMode:
		return identitySource{numCPUs: numCPUs}, nil
	case VirtualCPUMode:
		if cfg.VCPUMapper == nil {
			return identitySource{}, errNilVCPUMapper
		}
		return identitySource{numCPUs: numCPUs, mapper: cfg.VCPUMapper}, nil
	default:
		return identitySource{}, errInvalidIdentityMode
	}
}

// current returns the CPU index this call should use, in [0, numCPUs).
func (s identitySource) current() int {
	raw := currentRawCPU()
	if s.mapper == nil {
		return raw % s.numCPUs
	}
	v := s.mapper(raw)
	if v < 0 || v >= s.numCPUs {
		v = raw % s.numCPUs
	}
	return v
}

// NumCPUs returns the number of logical CPUs the engine sizes its
// per-CPU state for.
func NumCPUs() int {
	return runtime.NumCPU()
}
