// Package overlay manages the on-disk copy-on-write root used by the file
// backends: a per-run directory holding materialized copies of files the
// guest has written to (cow/) and the guest's private scratch space (tmp/).
package overlay

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

// testUID is the fixed overlay uid used by test builds, so fixtures don't
// need to discover a random directory name.
const testUID = "7465737474657374"

// Root is a single run's overlay directory, containing cow/ (materialized
// copy-on-write files) and tmp/ (the guest's private /tmp).
type Root struct {
	base string
	uid  string
	path string
}

// New creates a fresh overlay root under base, with a random 16 hex digit
// uid, and creates its cow/ and tmp/ subtrees.
func New(base string) (*Root, error) {
	uid, err := randomUID()
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.ErrOverlayCreate.Kind, "generate overlay uid")
	}
	return newWithUID(base, uid)
}

// NewForTest creates an overlay root with the fixed test uid, so repeated
// test runs produce a stable, human-readable path.
func NewForTest(base string) (*Root, error) {
	return newWithUID(base, testUID)
}

func newWithUID(base, uid string) (*Root, error) {
	root := filepath.Join(base, uid)
	r := &Root{base: base, uid: uid, path: root}

	for _, dir := range []string{r.CowDir(), r.TmpDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrOverlayCreate.Kind, "create overlay dir", dir)
		}
	}

	return r, nil
}

// Path returns the overlay root's own directory.
func (r *Root) Path() string { return r.path }

// UID returns the overlay root's 16 hex digit identifier.
func (r *Root) UID() string { return r.uid }

// CowDir returns the directory holding materialized copy-on-write files.
func (r *Root) CowDir() string { return filepath.Join(r.path, "cow") }

// TmpDir returns the directory backing the guest's private /tmp.
func (r *Root) TmpDir() string { return filepath.Join(r.path, "tmp") }

// CowPath maps a guest-visible absolute path to its materialized location
// under cow/, preserving the original path structure so collisions between
// distinct guest paths are impossible.
func (r *Root) CowPath(guestPath string) string {
	return filepath.Join(r.CowDir(), filepath.Clean(guestPath))
}

// TmpPath maps a guest-visible path under /tmp to its location under tmp/.
func (r *Root) TmpPath(guestPath string) string {
	rel, err := filepath.Rel("/tmp", filepath.Clean(guestPath))
	if err != nil {
		rel = filepath.Base(guestPath)
	}
	return filepath.Join(r.TmpDir(), rel)
}

// Destroy removes the overlay root and everything under it. Called when the
// supervisor stops, whether the guest exited cleanly or the loop unwound on
// a fatal protocol error.
func (r *Root) Destroy() error {
	if err := os.RemoveAll(r.path); err != nil {
		return cerrors.Wrap(err, cerrors.ErrIO, "destroy overlay root")
	}
	return nil
}

// randomUID draws a uuid.New() and folds it down to 16 lowercase hex
// digits, the overlay directory naming convention (spec §6).
func randomUID() (string, error) {
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	return hex[:16], nil
}
