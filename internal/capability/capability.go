// Package capability reports which host features an engine may rely on.
package capability

import (
	"context"
	"runtime"
	"strconv"

	"golang.org/x/sys/cpu"
)

// Well-known capability names.
const (
	Threads = "threads"
	SIMD    = "simd"
	// SharedMemory stands for multi-threaded engines sharing one address
	// space; native processes always have it.
	SharedMemory = "shared-memory"
)

// Prober returns the capability map of the host.
type Prober interface {
	Probe(ctx context.Context) (map[string]bool, error)
}

// Host probes the running machine.
type Host struct{}

func (Host) Probe(context.Context) (map[string]bool, error) {
	return map[string]bool{
		Threads:      runtime.NumCPU() > 1,
		SIMD:         hasSIMD(),
		SharedMemory: true,
	}, nil
}

func hasSIMD() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasSSE41 || cpu.X86.HasAVX2
	case "arm64":
		return cpu.ARM64.HasASIMD
	default:
		return false
	}
}

// Static returns a fixed capability map.
type Static map[string]bool

func (s Static) Probe(context.Context) (map[string]bool, error) {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Missing returns the first required capability not present in caps.
func Missing(caps map[string]bool, required []string) (string, bool) {
	for _, r := range required {
		if !caps[r] {
			return r, true
		}
	}
	return "", false
}

// ThreadCount is the value substituted for an "auto" thread option: all
// CPUs but one, at least one, and one when threads are unavailable.
func ThreadCount(caps map[string]bool) string {
	if !caps[Threads] {
		return "1"
	}
	return strconv.Itoa(max(1, runtime.NumCPU()-1))
}
