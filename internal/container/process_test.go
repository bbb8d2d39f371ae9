package container

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestProcessRuntimeLaunchAndWait(t *testing.T) {
	rt := NewProcessRuntime()
	ctx := context.Background()

	h, err := rt.Launch(ctx, Spec{WorkDir: t.TempDir(), Command: []string{"true"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestProcessRuntimeGuardsWorkDir(t *testing.T) {
	allowed := t.TempDir()
	rt := NewProcessRuntime(allowed)
	ctx := context.Background()

	_, err := rt.Launch(ctx, Spec{WorkDir: t.TempDir(), Command: []string{"true"}})
	if err == nil {
		t.Fatalf("expected launch outside allowed roots to fail")
	}
}

func TestProcessRuntimeKillStopsLongRunningCommand(t *testing.T) {
	rt := NewProcessRuntime()
	ctx := context.Background()

	h, err := rt.Launch(ctx, Spec{WorkDir: t.TempDir(), Command: []string{"sleep", "30"}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.Wait(waitCtx); err == nil {
		t.Fatalf("expected killed process to return a non-nil wait error")
	}
}

func TestWrapWithResourceLimitsLeavesCommandUnchangedWithoutHints(t *testing.T) {
	got := wrapWithResourceLimits([]string{"true"}, Spec{})
	if len(got) != 1 || got[0] != "true" {
		t.Fatalf("expected command unchanged with no resource hints, got %v", got)
	}
}

func TestWrapWithResourceLimitsAppliesPrlimitAndNiceWhenAvailable(t *testing.T) {
	nicePath, niceErr := exec.LookPath("nice")
	prlimitPath, prlimitErr := exec.LookPath("prlimit")
	if niceErr != nil || prlimitErr != nil {
		t.Skip("nice(1)/prlimit(1) not on PATH in this environment")
	}

	got := wrapWithResourceLimits([]string{"true"}, Spec{MemoryLimit: 1 << 20, CPULimit: 10})
	want := []string{nicePath, "-n", "10", "--", prlimitPath, "--as=1048576", "--", "true"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
