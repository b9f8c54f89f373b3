package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/node"
)

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nodes.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			return s
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func fileNode(h, parent domain.Handle, name string, size int64, ctime int64) *node.Node {
	n := node.New(h, parent, domain.TypeFile, name)
	n.CTime = ctime
	n.SetFingerprint(fingerprint.Fingerprint{Size: size, Mtime: 100, CRC: [4]uint32{uint32(size)}, Valid: true})
	return n
}

func mustPut(t *testing.T, s Store, nodes ...*node.Node) {
	t.Helper()
	for _, n := range nodes {
		row, err := RowFor(n)
		if err != nil {
			t.Fatalf("RowFor(%v) error = %v", n.Handle, err)
		}
		if err := s.Put(row); err != nil {
			t.Fatalf("Put(%v) error = %v", n.Handle, err)
		}
	}
}

func handles(records []Record) []domain.Handle {
	out := make([]domain.Handle, 0, len(records))
	for _, r := range records {
		out = append(out, r.Handle)
	}
	return out
}

func seed(t *testing.T, s Store) {
	t.Helper()

	root := node.New(1, domain.NoHandle, domain.TypeRoot, "")
	vault := node.New(2, domain.NoHandle, domain.TypeVault, "")
	rubbish := node.New(3, domain.NoHandle, domain.TypeRubbish, "")
	docs := node.New(10, 1, domain.TypeFolder, "docs")
	docs.CTime = 500
	a := fileNode(11, 10, "a.txt", 1000, 600)
	b := fileNode(12, 10, "b.txt", 2000, 700)
	dup := fileNode(13, 1, "a.txt", 1000, 800)
	dup.Attrs[node.AttrFavourite] = "1"

	mustPut(t, s, root, vault, rubbish, docs, a, b, dup)
}

func TestGetPutRemove(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		n := fileNode(42, 1, "x", 10, 1)
		mustPut(t, s, n)

		blob, err := s.Get(42)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		got, err := node.Decode(blob)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if diff := cmp.Diff(n, got); diff != "" {
			t.Errorf("stored node mismatch (-want +got):\n%s", diff)
		}

		// overwrite in place
		n.Attrs[node.AttrName] = "y"
		mustPut(t, s, n)
		if count, _ := s.Count(); count != 1 {
			t.Errorf("Count() = %d after overwrite, want 1", count)
		}
		recs, _ := s.ScanByName("y")
		if len(recs) != 1 {
			t.Errorf("ScanByName(y) = %d records, want 1", len(recs))
		}
		if recs, _ := s.ScanByName("x"); len(recs) != 0 {
			t.Errorf("ScanByName(x) still finds the old name")
		}

		if err := s.Remove(42); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if _, err := s.Get(42); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
		}
		if err := s.Remove(42); err != nil {
			t.Errorf("Remove() of absent node error = %v", err)
		}
	})
}

func TestScans(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seed(t, s)

		tests := []struct {
			name string
			scan func() ([]Record, error)
			want []domain.Handle
		}{
			{"children of docs", func() ([]Record, error) { return s.ScanChildren(10) }, []domain.Handle{11, 12}},
			{"children of root", func() ([]Record, error) { return s.ScanChildren(1) }, []domain.Handle{10, 13}},
			{"roots", s.ScanRoots, []domain.Handle{1, 2, 3}},
			{"by name", func() ([]Record, error) { return s.ScanByName("a.txt") }, []domain.Handle{11, 13}},
			{"favourites", s.ScanFavourites, []domain.Handle{13}},
			{"recent", func() ([]Record, error) { return s.ScanRecent(600, 0) }, []domain.Handle{13, 12, 11}},
			{"recent limited", func() ([]Record, error) { return s.ScanRecent(0, 2) }, []domain.Handle{13, 12}},
			{"by fingerprint", func() ([]Record, error) {
				return s.ScanByFingerprint(FingerprintKey(fileNode(0, 0, "", 1000, 0).Fingerprint))
			}, []domain.Handle{11, 13}},
			{"no fingerprint", func() ([]Record, error) { return s.ScanByFingerprint(nil) }, []domain.Handle{}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				recs, err := tt.scan()
				if err != nil {
					t.Fatalf("scan error = %v", err)
				}
				if diff := cmp.Diff(tt.want, handles(recs)); diff != "" {
					t.Errorf("handles mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})
}

func TestCounts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		seed(t, s)

		if n, _ := s.Count(); n != 7 {
			t.Errorf("Count() = %d, want 7", n)
		}
		if n, _ := s.CountChildren(1); n != 2 {
			t.Errorf("CountChildren(root) = %d, want 2", n)
		}
		if n, _ := s.CountChildren(1, domain.TypeFolder); n != 1 {
			t.Errorf("CountChildren(root, folder) = %d, want 1", n)
		}
		if n, _ := s.CountChildren(10, domain.TypeFile, domain.TypeFolder); n != 2 {
			t.Errorf("CountChildren(docs, file|folder) = %d, want 2", n)
		}

		if err := s.Truncate(); err != nil {
			t.Fatalf("Truncate() error = %v", err)
		}
		if n, _ := s.Count(); n != 0 {
			t.Errorf("Count() after Truncate = %d", n)
		}
	})
}

func TestPutMany(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		var rows []Row
		for h := domain.Handle(100); h < 150; h++ {
			row, err := RowFor(fileNode(h, 1, "f", int64(h), 0))
			if err != nil {
				t.Fatalf("RowFor() error = %v", err)
			}
			rows = append(rows, row)
		}
		if err := s.PutMany(rows); err != nil {
			t.Fatalf("PutMany() error = %v", err)
		}
		if n, _ := s.Count(); n != 50 {
			t.Errorf("Count() = %d, want 50", n)
		}
	})
}

func TestClosed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		if err := s.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, err := s.Get(1); !errors.Is(err, domain.ErrStoreClosed) {
			t.Errorf("Get() after Close error = %v, want ErrStoreClosed", err)
		}
		if err := s.Put(Row{Handle: 1}); !errors.Is(err, domain.ErrStoreClosed) {
			t.Errorf("Put() after Close error = %v, want ErrStoreClosed", err)
		}
	})
}

func TestRowFor(t *testing.T) {
	folder := node.New(5, 1, domain.TypeFolder, "photos")
	row, err := RowFor(folder)
	if err != nil {
		t.Fatalf("RowFor() error = %v", err)
	}
	if row.Fingerprint != nil {
		t.Error("folders must not enter the fingerprint index")
	}
	if row.Name != "photos" || row.Parent != 1 || row.Type != domain.TypeFolder {
		t.Errorf("unexpected row %+v", row)
	}

	unknown := node.New(6, 1, domain.TypeFile, "pending")
	row, _ = RowFor(unknown)
	if row.Fingerprint != nil {
		t.Error("files with an invalid fingerprint must not be indexed")
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "nodes.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	mustPut(t, s, fileNode(7, 1, "kept", 5, 0))
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s.Close()

	if _, err := s.Get(7); err != nil {
		t.Errorf("Get() after reopen error = %v", err)
	}
}

func TestNewSQLiteStoreEmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Error("expected error for empty path")
	}
}
