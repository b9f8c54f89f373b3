package localtree

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Ning0612/cloudmirror/internal/domain"
)

type flatNode struct {
	Path   string
	Type   domain.NodeType
	FP     string
	FSID   domain.FSID
	Handle domain.Handle
}

func flatten(t *testing.T, tr *Tree) []flatNode {
	t.Helper()
	var out []flatNode
	_ = tr.Walk(func(n *LocalNode) error {
		out = append(out, flatNode{n.Path(), n.Type, n.Fingerprint.String(), n.FSID, n.Handle})
		return nil
	})
	return out
}

func TestSnapshotRoundTrip(t *testing.T) {
	tr := buildTree(t, "docs/a.txt", "docs/b.txt", "café/x")
	a, _ := tr.Lookup("docs/a.txt")
	tr.SetFSID(a, 42)
	a.Handle = 0xaabbcc
	tr.Root().Handle = 1
	if _, err := tr.AddPath("empty", domain.TypeFolder, a.Fingerprint); err != nil {
		t.Fatal(err)
	}

	data, err := MarshalSnapshot(tr)
	if err != nil {
		t.Fatalf("MarshalSnapshot() error = %v", err)
	}

	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot() error = %v", err)
	}

	want := flatten(t, tr)
	have := flatten(t, got)
	if len(want) != len(have) {
		t.Fatalf("round trip has %d nodes, want %d", len(have), len(want))
	}
	for i := range want {
		if want[i] != have[i] {
			t.Errorf("node %d = %+v, want %+v", i, have[i], want[i])
		}
	}
	if got.Root().Handle != 1 {
		t.Errorf("root handle after round trip = %v, want 1", got.Root().Handle)
	}
	if n, ok := got.LookupFSID(42); !ok || n.Path() != "docs/a.txt" {
		t.Error("fsid index not rebuilt")
	}
	if err := got.CheckIndex(); err != nil {
		t.Error(err)
	}

	again, err := MarshalSnapshot(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding is not deterministic")
	}
}

func TestUnmarshalSnapshotRejects(t *testing.T) {
	tests := []struct {
		name string
		snap snapshot
	}{
		{"version", snapshot{Version: 99}},
		{"forward parent", snapshot{Version: snapshotVersion, Entries: []snapshotEntry{
			{Parent: 1, Name: "x", Type: domain.TypeFolder},
		}}},
		{"duplicate", snapshot{Version: snapshotVersion, Entries: []snapshotEntry{
			{Name: "x", Type: domain.TypeFolder},
			{Name: "x", Type: domain.TypeFolder},
		}}},
		{"short fingerprint", snapshot{Version: snapshotVersion, Entries: []snapshotEntry{
			{Name: "f", Type: domain.TypeFile, Fingerprint: []byte{1, 2}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encMode.Marshal(tt.snap)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := UnmarshalSnapshot(data); err == nil {
				t.Error("UnmarshalSnapshot() should fail")
			}
		})
	}

	if _, err := UnmarshalSnapshot([]byte{0xff, 0x00}); !errors.Is(err, domain.ErrCorruptRecord) {
		t.Errorf("garbage error = %v, want ErrCorruptRecord", err)
	}
}
