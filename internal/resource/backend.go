package resource

import "fmt"

// Backend identifies a compute backend. Only the CPU backend is
// implemented; the others exist so callers get a deliberate
// "unavailable" error instead of a silent fallback.
type Backend int

const (
	CPU Backend = iota
	CUDA
	OpenCL
	Metal
	Vulkan
)

func (b Backend) String() string {
	switch b {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case OpenCL:
		return "opencl"
	case Metal:
		return "metal"
	case Vulkan:
		return "vulkan"
	}
	return fmt.Sprintf("backend(%d)", int(b))
}

// ParseBackend maps a user-supplied name to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "cpu", "none", "":
		return CPU, nil
	case "cuda":
		return CUDA, nil
	case "opencl", "cl":
		return OpenCL, nil
	case "metal":
		return Metal, nil
	case "vulkan", "vk":
		return Vulkan, nil
	}
	return CPU, fmt.Errorf("unknown backend %q (valid: cpu, cuda, opencl, metal, vulkan)", s)
}

// Available reports whether the backend can actually execute work.
func (b Backend) Available() bool { return b == CPU }
