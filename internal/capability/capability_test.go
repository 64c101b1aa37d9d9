package capability

import (
	"context"
	"testing"
)

func TestHostProbe(t *testing.T) {
	caps, err := Host{}.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	for _, k := range []string{Threads, SIMD, SharedMemory} {
		if _, ok := caps[k]; !ok {
			t.Errorf("capability %q not reported", k)
		}
	}
	if !caps[SharedMemory] {
		t.Error("shared-memory = false for native host")
	}
}

func TestStaticProbeCopies(t *testing.T) {
	s := Static{Threads: true}
	caps, _ := s.Probe(context.Background())
	caps[Threads] = false
	if !s[Threads] {
		t.Error("Probe result aliases the static map")
	}
}

func TestMissing(t *testing.T) {
	caps := map[string]bool{Threads: true, SIMD: false}
	if name, missing := Missing(caps, []string{Threads, SIMD}); !missing || name != SIMD {
		t.Errorf("Missing = %q, %v, want simd", name, missing)
	}
	if _, missing := Missing(caps, []string{Threads}); missing {
		t.Error("threads reported missing")
	}
}

func TestThreadCount(t *testing.T) {
	if got := ThreadCount(map[string]bool{}); got != "1" {
		t.Errorf("ThreadCount without threads = %q, want 1", got)
	}
	if got := ThreadCount(map[string]bool{Threads: true}); got == "0" || got == "" {
		t.Errorf("ThreadCount = %q", got)
	}
}
