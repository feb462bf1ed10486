package fsrouter

import "testing"

func TestNormalizeRejectsRelative(t *testing.T) {
	if _, err := Normalize("etc/passwd"); err == nil {
		t.Error("expected relative path to be rejected")
	}
}

func TestNormalizeCollapsesDotDot(t *testing.T) {
	got, err := Normalize("/a/b/../../c")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if got != "/c" {
		t.Errorf("Normalize = %q, want %q", got, "/c")
	}
}

func TestRouteBlockedPrefixes(t *testing.T) {
	cases := []string{"/sys", "/sys/class/net", "/run", "/run/lock", "/tmp/.bvisor", "/tmp/.bvisor/state"}
	for _, path := range cases {
		d, err := Route(path, nil)
		if err != nil {
			t.Fatalf("Route(%q): %v", path, err)
		}
		if d.Action != Block {
			t.Errorf("Route(%q).Action = %v, want Block", path, d.Action)
		}
	}
}

func TestRouteProc(t *testing.T) {
	d, err := Route("/proc/self/status", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Proc {
		t.Errorf("Action = %v, want Proc", d.Action)
	}
	if d.Remainder != "self/status" {
		t.Errorf("Remainder = %q, want %q", d.Remainder, "self/status")
	}
}

func TestRouteTmp(t *testing.T) {
	d, err := Route("/tmp/scratch/file", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Tmp {
		t.Errorf("Action = %v, want Tmp", d.Action)
	}
	if d.Remainder != "scratch/file" {
		t.Errorf("Remainder = %q, want %q", d.Remainder, "scratch/file")
	}
}

func TestRouteDefaultsToCow(t *testing.T) {
	d, err := Route("/etc/passwd", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Cow {
		t.Errorf("Action = %v, want Cow", d.Action)
	}
}

func TestRouteDevAllowedDevicePassesThrough(t *testing.T) {
	stat := func(path string) (int64, int64, error) { return 1, 3, nil } // /dev/null
	d, err := Route("/dev/null", stat)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Passthrough {
		t.Errorf("Action = %v, want Passthrough", d.Action)
	}
}

func TestRouteDevDisallowedDeviceBlocked(t *testing.T) {
	stat := func(path string) (int64, int64, error) { return 8, 0, nil } // /dev/sda
	d, err := Route("/dev/sda", stat)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Block {
		t.Errorf("Action = %v, want Block", d.Action)
	}
}

func TestRouteDevNoStatterBlocked(t *testing.T) {
	d, err := Route("/dev/null", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if d.Action != Block {
		t.Errorf("Action = %v, want Block when no DeviceStat is supplied", d.Action)
	}
}

func TestRouteDevTraversalNormalizedToCow(t *testing.T) {
	d, err := Route("/dev/../etc/passwd", nil)
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	// Normalize collapses this to /etc/passwd before routing ever sees
	// a /dev prefix, so it should route as Cow, not leak through /dev.
	if d.Action != Cow {
		t.Errorf("Action = %v, want Cow (normalized away from /dev)", d.Action)
	}
}
