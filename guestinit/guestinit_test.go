package guestinit

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRunRejectsEmptyArgv(t *testing.T) {
	if err := Run(nil); err == nil {
		t.Error("expected Run(nil) to fail")
	}
}

func TestResolveBinaryFindsOnPath(t *testing.T) {
	path, err := resolveBinary("sh")
	if err != nil {
		t.Fatalf("resolveBinary(sh): %v", err)
	}
	if !filepath.IsAbs(path) {
		t.Errorf("resolveBinary(sh) = %q, want an absolute path", path)
	}
}

func TestResolveBinaryAcceptsExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "guest")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, err := resolveBinary(bin)
	if err != nil {
		t.Fatalf("resolveBinary(%s): %v", bin, err)
	}
	if path != bin {
		t.Errorf("resolveBinary(%s) = %q, want %q", bin, path, bin)
	}
}

func TestResolveBinaryMissingFails(t *testing.T) {
	if _, err := resolveBinary(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected resolveBinary to fail for a nonexistent, non-PATH name")
	}
}
