package procns

import (
	"testing"

	cerrors "github.com/butterdotdev/bvisor/errors"
)

type dummyHandle struct{}

func (*dummyHandle) Close() error { return nil }

func TestRegisterInitialFoundsRootNamespace(t *testing.T) {
	r := NewRegistry()
	root := r.RegisterInitial(100)

	if root.NsTid() != 1 {
		t.Errorf("root NsTid() = %d, want 1", root.NsTid())
	}
	if root.Namespace.Depth() != 1 {
		t.Errorf("root namespace depth = %d, want 1", root.Namespace.Depth())
	}
}

func TestRegisterChildSameNamespace(t *testing.T) {
	r := NewRegistry()
	r.RegisterInitial(100)

	child, err := r.RegisterChild(100, 101, CloneFlags{})
	if err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}
	if child.NsTid() != 2 {
		t.Errorf("child NsTid() = %d, want 2", child.NsTid())
	}
	if child.AbsTgid != 101 {
		t.Errorf("child AbsTgid = %d, want 101 (new thread group)", child.AbsTgid)
	}
}

func TestRegisterChildJoinsThreadGroup(t *testing.T) {
	r := NewRegistry()
	r.RegisterInitial(100)

	child, err := r.RegisterChild(100, 101, CloneFlags{JoinThreadGroup: true})
	if err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}
	if child.AbsTgid != 100 {
		t.Errorf("child AbsTgid = %d, want 100 (joined parent's thread group)", child.AbsTgid)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	r := NewRegistry()
	r.RegisterInitial(100)

	child, err := r.RegisterChild(100, 200, CloneFlags{NewPidNamespace: true})
	if err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}

	if child.NsTid() != 1 {
		t.Errorf("child founding a new namespace: NsTid() = %d, want 1", child.NsTid())
	}
	if child.Namespace.Depth() != 2 {
		t.Errorf("child namespace depth = %d, want 2", child.Namespace.Depth())
	}

	// The root namespace can still resolve the child via its own nsTid.
	resolved, err := r.GetNamespaced(100, 2)
	if err != nil {
		t.Fatalf("GetNamespaced(100, 2): %v", err)
	}
	if resolved.AbsTid != 200 {
		t.Errorf("resolved AbsTid = %d, want 200", resolved.AbsTid)
	}

	// The child's own namespace only ever saw itself register at nsTid 1,
	// so that lookup resolves to the child, never to the root thread.
	self, err := r.GetNamespaced(200, 1)
	if err != nil {
		t.Fatalf("GetNamespaced(200, 1): %v", err)
	}
	if self.AbsTid != 200 {
		t.Errorf("self-lookup AbsTid = %d, want 200", self.AbsTid)
	}
}

func TestHandleExitReparentsChildren(t *testing.T) {
	r := NewRegistry()
	r.RegisterInitial(1)
	r.RegisterChild(1, 2, CloneFlags{})
	r.RegisterChild(2, 3, CloneFlags{})

	if err := r.HandleExit(2); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}

	grandchild, err := r.Get(3)
	if err != nil {
		t.Fatalf("Get(3): %v", err)
	}
	if grandchild.ParentAbsTid != 1 {
		t.Errorf("grandchild ParentAbsTid = %d, want 1 (reparented to guest root)", grandchild.ParentAbsTid)
	}
}

func TestHandleExitRemovesFromRegistry(t *testing.T) {
	r := NewRegistry()
	r.RegisterInitial(1)
	r.RegisterChild(1, 2, CloneFlags{})

	if err := r.HandleExit(2); err != nil {
		t.Fatalf("HandleExit: %v", err)
	}
	if _, err := r.Get(2); !cerrors.Is(err, cerrors.ErrThreadNotFound) {
		t.Errorf("expected ErrThreadNotFound after exit, got %v", err)
	}
}

func TestCloneFilesSharesTable(t *testing.T) {
	r := NewRegistry()
	root := r.RegisterInitial(1)
	vfd := root.Fds.Insert(&dummyHandle{})

	child, err := r.RegisterChild(1, 2, CloneFlags{SharesFiles: true})
	if err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}

	if _, err := child.Fds.Peek(vfd); err != nil {
		t.Errorf("expected shared fd table to see parent's vfd %d: %v", vfd, err)
	}
}

func TestCloneWithoutSharesFilesGetsIndependentTable(t *testing.T) {
	r := NewRegistry()
	root := r.RegisterInitial(1)
	root.Fds.Insert(&dummyHandle{})

	child, err := r.RegisterChild(1, 2, CloneFlags{})
	if err != nil {
		t.Fatalf("RegisterChild: %v", err)
	}

	newVfd := child.Fds.Insert(nil)
	if _, err := root.Fds.Peek(newVfd); err == nil {
		t.Error("expected independent tables")
	}
}
