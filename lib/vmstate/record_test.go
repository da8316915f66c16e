package vmstate

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadRecord_MissingFileReturnsZeroValue(t *testing.T) {
	rec, err := LoadRecord(filepath.Join(t.TempDir(), "rum-state.json"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rec.PreparedAt.IsZero() {
		t.Fatalf("got non-zero PreparedAt from a missing file: %v", rec.PreparedAt)
	}
}

func TestSaveAndLoadRecord_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rum-state.json")
	now := time.Now().Truncate(time.Second)
	want := Record{
		ConfigHash:     "abc123",
		HypervisorType: "kvm",
		VsockCID:       42,
		PreparedAt:     now,
	}

	if err := SaveRecord(path, want); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}
	got, err := LoadRecord(path)
	if err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}

	if got.ConfigHash != want.ConfigHash || got.HypervisorType != want.HypervisorType || got.VsockCID != want.VsockCID {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.PreparedAt.Equal(want.PreparedAt) {
		t.Fatalf("PreparedAt: got %v, want %v", got.PreparedAt, want.PreparedAt)
	}
}

func TestUpdateRecord_PreservesOtherFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rum-state.json")
	if err := SaveRecord(path, Record{ConfigHash: "abc123", HypervisorType: "kvm"}); err != nil {
		t.Fatalf("SaveRecord: %v", err)
	}

	bootTime := time.Now().Truncate(time.Second)
	if err := UpdateRecord(path, func(rec *Record) {
		rec.LastBootAt = bootTime
	}); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	got, err := LoadRecord(path)
	if err != nil {
		t.Fatalf("LoadRecord: %v", err)
	}
	if got.ConfigHash != "abc123" || got.HypervisorType != "kvm" {
		t.Fatalf("UpdateRecord clobbered existing fields: %+v", got)
	}
	if !got.LastBootAt.Equal(bootTime) {
		t.Fatalf("LastBootAt: got %v, want %v", got.LastBootAt, bootTime)
	}
}
