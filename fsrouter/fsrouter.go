// Package fsrouter maps a guest path to the backend that should serve it
// (spec §4.4): a static, ordered prefix-rule tree decides between blocking
// the path outright and handing it to one of the file backend variants.
package fsrouter

import (
	"path/filepath"
	"strings"

	"github.com/butterdotdev/bvisor/linux"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// Action names which backend, if any, should serve a routed path.
type Action int

const (
	// Block means the path is denied outright.
	Block Action = iota
	// Passthrough means the path reads straight from the host, no writes.
	Passthrough
	// Cow means the path goes through the copy-on-write backend.
	Cow
	// Tmp means the path is private scratch space under the overlay.
	Tmp
	// Proc means the path is a virtualized /proc entry.
	Proc
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Passthrough:
		return "passthrough"
	case Cow:
		return "cow"
	case Tmp:
		return "tmp"
	case Proc:
		return "proc"
	default:
		return "unknown"
	}
}

// Decision is the result of routing a path.
type Decision struct {
	Action Action
	// Path is the normalized absolute path that was routed.
	Path string
	// Remainder is Path with the matched rule's prefix stripped, for
	// rules whose backend needs it (Tmp's overlay-relative path, Proc's
	// entry name). Unused for Block, Passthrough, and Cow, which work
	// from Path directly.
	Remainder string
}

// DeviceStat resolves a /dev path to its major:minor device numbers, so the
// router can apply the /dev safe-device subrule. Injected rather than
// calling unix.Stat directly, so routing stays host-syscall-free and
// testable without touching a real filesystem.
type DeviceStat func(path string) (major, minor int64, err error)

// Normalize collapses "."/".." components in an absolute path. A relative
// path is rejected with ErrPathNotAbsolute (spec §4.4: "relative paths are
// rejected by callers as EINVAL").
func Normalize(path string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", cerrors.ErrPathNotAbsolute
	}
	return filepath.Clean(path), nil
}

// Route decides the Action for an absolute path. statDevice is consulted
// only for paths under /dev; pass nil if the caller never routes device
// paths (e.g. in tests).
func Route(path string, statDevice DeviceStat) (Decision, error) {
	normalized, err := Normalize(path)
	if err != nil {
		return Decision{}, err
	}

	if _, ok := matchPrefix(normalized, "/sys"); ok {
		return Decision{Action: Block, Path: normalized}, nil
	}
	if _, ok := matchPrefix(normalized, "/run"); ok {
		return Decision{Action: Block, Path: normalized}, nil
	}
	if _, ok := matchPrefix(normalized, "/dev"); ok {
		return routeDev(normalized, statDevice), nil
	}
	if remainder, ok := matchPrefix(normalized, "/proc"); ok {
		return Decision{Action: Proc, Path: normalized, Remainder: remainder}, nil
	}
	if _, ok := matchPrefix(normalized, "/tmp/.bvisor"); ok {
		return Decision{Action: Block, Path: normalized}, nil
	}
	if remainder, ok := matchPrefix(normalized, "/tmp"); ok {
		return Decision{Action: Tmp, Path: normalized, Remainder: remainder}, nil
	}

	return Decision{Action: Cow, Path: normalized, Remainder: strings.TrimPrefix(normalized, "/")}, nil
}

// routeDev applies the /dev safe-device subrule: a device stat-able and on
// the allow list passes through, anything else under /dev stays blocked.
func routeDev(normalized string, statDevice DeviceStat) Decision {
	if err := linux.ValidateDevicePath(normalized); err != nil {
		return Decision{Action: Block, Path: normalized}
	}
	if statDevice == nil {
		return Decision{Action: Block, Path: normalized}
	}

	major, minor, err := statDevice(normalized)
	if err != nil {
		return Decision{Action: Block, Path: normalized}
	}
	if !linux.IsAllowedDevice(major, minor) {
		return Decision{Action: Block, Path: normalized}
	}
	return Decision{Action: Passthrough, Path: normalized}
}

// matchPrefix reports whether path starts with prefix at a directory
// boundary (exact match, or the next character is '/'), returning the
// remainder with the matched prefix and its separator stripped.
func matchPrefix(path, prefix string) (string, bool) {
	if path == prefix {
		return "", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return strings.TrimPrefix(path, prefix+"/"), true
	}
	return "", false
}
