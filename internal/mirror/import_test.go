package mirror

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ning0612/cloudmirror/internal/cache"
	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/localtree"
	"github.com/Ning0612/cloudmirror/internal/store"
)

func newCache(t *testing.T, bound int) *cache.Manager {
	t.Helper()
	m, err := cache.New(store.NewMemoryStore(), cache.Config{LRUMaxSize: bound, NegativeEntries: 8}, nil)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	return m
}

func sampleTree(t *testing.T) *localtree.Tree {
	t.Helper()
	tr := localtree.New()
	for i, p := range []string{"docs/a.txt", "docs/b.txt", "photos/2024/c.jpg"} {
		fp := fingerprint.Fingerprint{Size: int64(100 + i), Mtime: 5000, CRC: [4]uint32{uint32(i), 1, 2, 3}, Valid: true}
		if _, err := tr.AddPath(p, domain.TypeFile, fp); err != nil {
			t.Fatalf("AddPath(%q) error = %v", p, err)
		}
	}
	return tr
}

func TestImportAssignsHandles(t *testing.T) {
	m := newCache(t, 100)
	tr := sampleTree(t)

	im := &Importer{Cache: m, RootName: "Cloud Drive"}
	st, err := im.Import(tr)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if diff := cmp.Diff(Stats{Created: 7}, st); diff != "" {
		t.Errorf("Import() stats mismatch (-want +got):\n%s", diff)
	}

	// handles follow the walk order
	var got []domain.Handle
	_ = tr.Walk(func(ln *localtree.LocalNode) error {
		got = append(got, ln.Handle)
		return nil
	})
	if diff := cmp.Diff([]domain.Handle{1, 2, 3, 4, 5, 6, 7}, got); diff != "" {
		t.Errorf("handles mismatch (-want +got):\n%s", diff)
	}

	roots := m.GetRootNodes()
	if len(roots) != 1 || roots[0].Name() != "Cloud Drive" {
		t.Fatalf("GetRootNodes() = %v", roots)
	}

	ln, _ := tr.Lookup("photos/2024/c.jpg")
	n, ok := m.GetNodeByHandle(ln.Handle)
	if !ok {
		t.Fatal("imported file missing from cache")
	}
	if n.Name() != "c.jpg" || n.Type != domain.TypeFile || n.Size != 102 {
		t.Errorf("imported node = %+v", n)
	}
	if n.Parent != ln.Parent.Handle {
		t.Errorf("parent = %v, want %v", n.Parent, ln.Parent.Handle)
	}
	if n.CTime != 5000 {
		t.Errorf("CTime = %d, want file mtime 5000", n.CTime)
	}

	byFP, ok := m.GetNodeByFingerprint(ln.Fingerprint)
	if !ok || byFP.Handle != ln.Handle {
		t.Errorf("GetNodeByFingerprint() = %v, %v", byFP, ok)
	}
	if !m.IsAncestor(ln.Handle, tr.Root().Handle) {
		t.Error("root should be an ancestor of the imported file")
	}
}

func TestReimportUpdates(t *testing.T) {
	m := newCache(t, 100)
	tr := sampleTree(t)
	im := &Importer{Cache: m, RootName: "root", CTime: 42}

	if _, err := im.Import(tr); err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	fp := fingerprint.Fingerprint{Size: 9, Mtime: 6000, CRC: [4]uint32{9, 9, 9, 9}, Valid: true}
	added, err := tr.AddPath("docs/new.txt", domain.TypeFile, fp)
	if err != nil {
		t.Fatal(err)
	}

	st, err := im.Import(tr)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if diff := cmp.Diff(Stats{Created: 1, Updated: 7}, st); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	if added.Handle != 8 {
		t.Errorf("new node handle = %v, want 8", added.Handle)
	}

	docs, _ := tr.Lookup("docs")
	if got := m.NumberOfChildren(docs.Handle); got != 3 {
		t.Errorf("NumberOfChildren(docs) = %d, want 3", got)
	}
	count, err := m.NodeCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 8 {
		t.Errorf("NodeCount() = %d, want 8", count)
	}
}

func TestReimportNotifiesChanges(t *testing.T) {
	m := newCache(t, 100)
	tr := sampleTree(t)
	im := &Importer{Cache: m, RootName: "root", CTime: 42}

	if _, err := im.Import(tr); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got := len(m.TakeNotifications()); got != 7 {
		t.Errorf("notifications after first import = %d, want 7", got)
	}

	b, _ := tr.Lookup("docs/b.txt")
	edited := fingerprint.Fingerprint{Size: 500, Mtime: 7000, CRC: [4]uint32{5, 5, 5, 5}, Valid: true}
	b.Fingerprint = edited

	st, err := im.Import(tr)
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}
	if diff := cmp.Diff(Stats{Updated: 7, Changed: 1}, st); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}

	pending := m.TakeNotifications()
	if len(pending) != 1 {
		t.Fatalf("notifications after edit = %d, want 1", len(pending))
	}
	if pending[0].Handle != b.Handle || pending[0].Fingerprint != edited {
		t.Errorf("notified node = %v %v, want %v %v", pending[0].Handle, pending[0].Fingerprint, b.Handle, edited)
	}
	if n, ok := m.GetNodeByFingerprint(edited); !ok || n.Handle != b.Handle {
		t.Errorf("GetNodeByFingerprint(edited) = %v, %v", n, ok)
	}
}

func TestImportRespectsLRUBound(t *testing.T) {
	m := newCache(t, 2)
	if _, err := (&Importer{Cache: m}).Import(sampleTree(t)); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if got := m.NumNodesAtCacheLRU(); got > 2 {
		t.Errorf("NumNodesAtCacheLRU() = %d, want at most 2", got)
	}
	count, _ := m.NodeCount()
	if count != 7 {
		t.Errorf("NodeCount() = %d, want 7", count)
	}
}

func TestImportRejected(t *testing.T) {
	m := newCache(t, 10)
	tr := sampleTree(t)
	tr.Root().Handle = 1
	docs, _ := tr.Lookup("docs")
	// a child claiming its parent's handle is refused
	docs.Handle = 1

	_, err := (&Importer{Cache: m}).Import(tr)
	if !errors.Is(err, ErrRejected) {
		t.Errorf("Import() error = %v, want ErrRejected", err)
	}
}
