// Package linux provides device classification for the path router.
package linux

import (
	"fmt"
	"path/filepath"
	"strings"
)

// allowedDevices is a whitelist of safe device major:minor numbers. The
// path router passes these through to the host instead of blocking /dev;
// anything not on this list stays blocked, so a guest can never open
// something like /dev/sda through its own device node.
var allowedDevices = map[string]bool{
	"1:3":  true, // /dev/null
	"1:5":  true, // /dev/zero
	"1:7":  true, // /dev/full
	"1:8":  true, // /dev/random
	"1:9":  true, // /dev/urandom
	"5:0":  true, // /dev/tty
	"5:1":  true, // /dev/console
	"5:2":  true, // /dev/ptmx
	"1:11": true, // /dev/kmsg
}

// isPTYDevice reports whether major identifies a unix98 PTY slave.
func isPTYDevice(major int64) bool {
	return major == 136
}

// IsAllowedDevice reports whether a device identified by its major:minor
// numbers may be routed Passthrough rather than blocked. Used by the path
// router's /dev subrules (see spec §4.4).
func IsAllowedDevice(major, minor int64) bool {
	if allowedDevices[fmt.Sprintf("%d:%d", major, minor)] {
		return true
	}
	return isPTYDevice(major)
}

// ValidateDevicePath ensures a device path is a plain /dev entry with no
// traversal, before the router looks up its major:minor via stat.
func ValidateDevicePath(path string) error {
	cleaned := filepath.Clean(path)

	if !strings.HasPrefix(cleaned, "/dev/") && cleaned != "/dev" {
		return fmt.Errorf("device path %q must be under /dev", path)
	}

	if len(cleaned) > 4 && strings.Contains(cleaned[4:], "..") {
		return fmt.Errorf("device path %q contains path traversal", path)
	}

	return nil
}
