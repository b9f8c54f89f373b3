package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Ning0612/cloudmirror/internal/domain"
	"github.com/Ning0612/cloudmirror/internal/fingerprint"
	"github.com/Ning0612/cloudmirror/internal/localtree"
	"github.com/Ning0612/cloudmirror/internal/reconcile"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(func() { manager.Close() })
	return manager
}

func run(root string, minute int, status string) RunRecord {
	return RunRecord{
		Kind:      KindReconcile,
		Root:      root,
		StartTime: baseTime.Add(time.Duration(minute) * time.Minute),
		EndTime:   baseTime.Add(time.Duration(minute+1) * time.Minute),
		Status:    status,
		Scanned:   minute,
	}
}

func TestNewManager(t *testing.T) {
	tmpDir := t.TempDir()

	manager, err := NewManager(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	defer manager.Close()

	if manager.db == nil {
		t.Error("Database connection is nil")
	}

	dbPath := filepath.Join(tmpDir, DBName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNewManager_EmptyDir(t *testing.T) {
	_, err := NewManager("")
	if err == nil {
		t.Error("Expected error for empty directory, got nil")
	}
}

func TestSaveAndGetRun(t *testing.T) {
	manager := newTestManager(t)

	record := RunRecord{
		Kind:      KindReconcile,
		Root:      "/sync",
		StartTime: baseTime,
		EndTime:   baseTime.Add(3 * time.Second),
		Status:    StatusSuccess,
		Scanned:   12,
		Assigned:  10,
		Unmatched: 2,
		Skipped:   1,
	}

	id, err := manager.SaveRun(record)
	if err != nil {
		t.Fatalf("Failed to save run: %v", err)
	}
	if id <= 0 {
		t.Errorf("Expected positive id, got %d", id)
	}

	history, err := manager.History("/sync", 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(history))
	}

	got := history[0]
	record.ID = id
	if diff := cmp.Diff(record, got, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Errorf("History() mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveRunRejectsInvalid(t *testing.T) {
	manager := newTestManager(t)

	tests := []struct {
		name   string
		record RunRecord
	}{
		{"unknown status", RunRecord{Kind: KindScan, Root: "/r", Status: "partial"}},
		{"empty status", RunRecord{Kind: KindScan, Root: "/r"}},
		{"unknown kind", RunRecord{Kind: "sync", Root: "/r", Status: StatusSuccess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := manager.SaveRun(tt.record); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestHistoryOrderAndLimit(t *testing.T) {
	manager := newTestManager(t)

	for i := 0; i < 5; i++ {
		if _, err := manager.SaveRun(run("/a", i, StatusSuccess)); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}
	if _, err := manager.SaveRun(run("/b", 10, StatusFailed)); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	history, err := manager.History("/a", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var scanned []int
	for _, r := range history {
		scanned = append(scanned, r.Scanned)
	}
	if diff := cmp.Diff([]int{4, 3, 2}, scanned); diff != "" {
		t.Errorf("History order mismatch (-want +got):\n%s", diff)
	}

	all, err := manager.History("", 100)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("Expected 6 records, got %d", len(all))
	}
	if all[0].Root != "/b" {
		t.Errorf("Expected newest run first, got root %s", all[0].Root)
	}

	if _, err := manager.History("/a", 0); err == nil {
		t.Error("Expected error for zero limit")
	}
}

func TestLastSuccess(t *testing.T) {
	manager := newTestManager(t)

	last, err := manager.LastSuccess("/a")
	if err != nil {
		t.Fatalf("LastSuccess: %v", err)
	}
	if last != nil {
		t.Fatalf("Expected nil without runs, got %+v", last)
	}

	records := []RunRecord{
		run("/a", 1, StatusSuccess),
		run("/a", 2, StatusSuccess),
		run("/a", 3, StatusFailed),
		run("/a", 4, StatusCancelled),
		run("/b", 5, StatusSuccess),
	}
	scan := run("/a", 6, StatusSuccess)
	scan.Kind = KindScan
	records = append(records, scan)
	for _, r := range records {
		if _, err := manager.SaveRun(r); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	last, err = manager.LastSuccess("/a")
	if err != nil {
		t.Fatalf("LastSuccess: %v", err)
	}
	if last == nil {
		t.Fatal("Expected a record")
	}
	if last.Scanned != 2 {
		t.Errorf("Expected the run started at minute 2, got %d", last.Scanned)
	}
}

func TestNewRunRecord(t *testing.T) {
	res := reconcile.Result{Scanned: 4, Assigned: 3, Unmatched: 1, Skipped: 2}

	tests := []struct {
		name       string
		err        error
		wantStatus string
	}{
		{"success", nil, StatusSuccess},
		{"failed", domain.ErrDirUnavailable, StatusFailed},
		{"cancelled", fmt.Errorf("walk: %w", context.Canceled), StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRunRecord(KindReconcile, "/sync", baseTime, res, tt.err)
			if rec.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", rec.Status, tt.wantStatus)
			}
			if tt.err == nil && rec.Error != "" {
				t.Errorf("Expected empty error, got %q", rec.Error)
			}
			if tt.err != nil && rec.Error != tt.err.Error() {
				t.Errorf("Error = %q, want %q", rec.Error, tt.err.Error())
			}
			if rec.Scanned != 4 || rec.Assigned != 3 || rec.Unmatched != 1 || rec.Skipped != 2 {
				t.Errorf("Counters not copied: %+v", rec)
			}
			if rec.EndTime.Before(rec.StartTime) {
				t.Error("EndTime before StartTime")
			}
		})
	}
}

func TestSaveAndLoadTree(t *testing.T) {
	manager := newTestManager(t)

	if _, err := manager.LoadTree("/sync"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	tree := localtree.New()
	fp := fingerprint.Fingerprint{Size: 10, Mtime: 1000, CRC: [4]uint32{1, 2, 3, 4}, Valid: true}
	file, err := tree.AddPath("docs/a.txt", domain.TypeFile, fp)
	if err != nil {
		t.Fatalf("AddPath: %v", err)
	}
	tree.SetFSID(file, 77)

	if err := manager.SaveTree("/sync", tree); err != nil {
		t.Fatalf("SaveTree: %v", err)
	}

	loaded, err := manager.LoadTree("/sync")
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	if loaded.Len() != tree.Len() {
		t.Errorf("Len = %d, want %d", loaded.Len(), tree.Len())
	}
	got, ok := loaded.Lookup("docs/a.txt")
	if !ok {
		t.Fatal("docs/a.txt missing after load")
	}
	if got.FSID != 77 {
		t.Errorf("FSID = %d, want 77", got.FSID)
	}
	if diff := cmp.Diff(fp, got.Fingerprint); diff != "" {
		t.Errorf("Fingerprint mismatch (-want +got):\n%s", diff)
	}

	// A second save replaces the first snapshot.
	if err := tree.Remove(file); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := manager.SaveTree("/sync", tree); err != nil {
		t.Fatalf("SaveTree: %v", err)
	}
	loaded, err = manager.LoadTree("/sync")
	if err != nil {
		t.Fatalf("LoadTree: %v", err)
	}
	if _, ok := loaded.Lookup("docs/a.txt"); ok {
		t.Error("Removed file still present in replaced snapshot")
	}
}
