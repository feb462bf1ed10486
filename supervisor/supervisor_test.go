package supervisor

import (
	"context"
	"os/exec"
	"testing"
)

func TestRunRejectsEmptyArgv(t *testing.T) {
	if _, err := Run(context.Background(), nil, Options{}); err == nil {
		t.Error("expected Run(nil) to fail")
	}
}

func TestWaitExitCodeSuccess(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code := waitExitCode(cmd); code != 0 {
		t.Errorf("waitExitCode = %d, want 0", code)
	}
}

func TestWaitExitCodeNonzero(t *testing.T) {
	cmd := exec.Command("false")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if code := waitExitCode(cmd); code != 1 {
		t.Errorf("waitExitCode = %d, want 1", code)
	}
}
