package rdt

import (
	"os"
	"path/filepath"
	"testing"

	"ocirun/errors"
	"ocirun/spec"
)

func TestApply_NilConfigIsNoop(t *testing.T) {
	createdSubdir, err := Apply("container1", 123, nil)
	if err != nil {
		t.Fatalf("Apply(nil): %v", err)
	}
	if createdSubdir {
		t.Error("expected createdSubdir=false for a nil config")
	}
}

func TestCleanup_NilConfigIsNoop(t *testing.T) {
	if err := Cleanup("container1", nil); err != nil {
		t.Fatalf("Cleanup(nil): %v", err)
	}
}

func TestWriteSchemata_DropsMBLineFromL3WhenMemBwAlsoSet(t *testing.T) {
	groupPath := t.TempDir()

	cfg := &spec.LinuxIntelRdt{
		L3CacheSchema: "L3:0=f;1=f\nMB:0=80;1=80",
		MemBwSchema:   "MB:0=50;1=50",
	}

	if err := writeSchemata(groupPath, cfg, true); err != nil {
		t.Fatalf("writeSchemata: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(groupPath, "schemata"))
	if err != nil {
		t.Fatalf("read schemata: %v", err)
	}

	got := string(content)
	want := "L3:0=f;1=f\nMB:0=50;1=50\n"
	if got != want {
		t.Errorf("schemata = %q, want %q", got, want)
	}
}

func TestWriteSchemata_NoMemBw_KeepsL3Lines(t *testing.T) {
	groupPath := t.TempDir()

	cfg := &spec.LinuxIntelRdt{
		L3CacheSchema: "L3:0=f;1=f",
	}

	if err := writeSchemata(groupPath, cfg, true); err != nil {
		t.Fatalf("writeSchemata: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(groupPath, "schemata"))
	if err != nil {
		t.Fatalf("read schemata: %v", err)
	}
	if string(content) != "L3:0=f;1=f\n" {
		t.Errorf("schemata = %q, want %q", string(content), "L3:0=f;1=f\n")
	}
}

func TestWriteSchemata_MBOnly(t *testing.T) {
	groupPath := t.TempDir()

	cfg := &spec.LinuxIntelRdt{MemBwSchema: "MB:0=50;1=50"}

	if err := writeSchemata(groupPath, cfg, true); err != nil {
		t.Fatalf("writeSchemata: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(groupPath, "schemata"))
	if err != nil {
		t.Fatalf("read schemata: %v", err)
	}
	if string(content) != "MB:0=50;1=50\n" {
		t.Errorf("schemata = %q, want %q", string(content), "MB:0=50;1=50\n")
	}
}

func TestWriteSchemata_EmptyConfigIsNoop(t *testing.T) {
	groupPath := t.TempDir()

	if err := writeSchemata(groupPath, &spec.LinuxIntelRdt{}, true); err != nil {
		t.Fatalf("writeSchemata: %v", err)
	}
	if _, err := os.Stat(filepath.Join(groupPath, "schemata")); !os.IsNotExist(err) {
		t.Error("expected no schemata file to be written for an empty config")
	}
}

func TestWriteSchemata_ConflictOnExistingGroup(t *testing.T) {
	groupPath := t.TempDir()
	existing := "L3:0=ff;1=ff\nMB:0=90;1=90\n"
	if err := os.WriteFile(filepath.Join(groupPath, "schemata"), []byte(existing), 0644); err != nil {
		t.Fatalf("seed schemata: %v", err)
	}

	cfg := &spec.LinuxIntelRdt{L3CacheSchema: "L3:0=f;1=f"}

	err := writeSchemata(groupPath, cfg, false)
	if err == nil {
		t.Fatal("expected conflict error for a pre-existing group with a different schema")
	}
	if !errors.IsKind(err, errors.ErrExistingSchemataMismatch) {
		t.Errorf("expected ErrExistingSchemataMismatch, got %v", err)
	}
}

func TestWriteSchemata_NoConflictWhenIdenticalToExisting(t *testing.T) {
	groupPath := t.TempDir()
	existing := "L3:0=f;1=f\n"
	if err := os.WriteFile(filepath.Join(groupPath, "schemata"), []byte(existing), 0644); err != nil {
		t.Fatalf("seed schemata: %v", err)
	}

	cfg := &spec.LinuxIntelRdt{L3CacheSchema: "L3:0=f;1=f"}

	if err := writeSchemata(groupPath, cfg, false); err != nil {
		t.Fatalf("writeSchemata: unexpected conflict: %v", err)
	}
}

func TestFindConflict_DetectsMismatchByLabel(t *testing.T) {
	existing := "L3:0=ff;1=ff\nMB:0=90;1=90"
	requested := []string{"L3:0=f;1=f"}

	conflict := findConflict(existing, requested)
	if conflict == "" {
		t.Fatal("expected a conflict to be reported")
	}
}

func TestFindConflict_NoConflictWhenLinesMatch(t *testing.T) {
	existing := "L3:0=f;1=f\nMB:0=50;1=50"
	requested := []string{"L3:0=f;1=f", "MB:0=50;1=50"}

	if conflict := findConflict(existing, requested); conflict != "" {
		t.Errorf("expected no conflict, got %q", conflict)
	}
}

func TestFindConflict_NoConflictWhenLabelAbsentFromExisting(t *testing.T) {
	existing := "L3:0=f;1=f"
	requested := []string{"L3:0=f;1=f", "MB:0=50;1=50"}

	if conflict := findConflict(existing, requested); conflict != "" {
		t.Errorf("expected no conflict when existing has no MB line to compare, got %q", conflict)
	}
}

func TestFindConflict_OrderIndependent(t *testing.T) {
	existing := "MB:0=50;1=50\nL3:0=f;1=f"
	requested := []string{"L3:0=f;1=f", "MB:0=50;1=50"}

	if conflict := findConflict(existing, requested); conflict != "" {
		t.Errorf("expected line order to be irrelevant, got %q", conflict)
	}
}
