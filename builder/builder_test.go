package builder

import (
	"os"
	"path/filepath"
	"testing"
)

func writeBundle(t *testing.T, configJSON string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0644); err != nil {
		t.Fatalf("write config.json: %v", err)
	}
	return dir
}

const minimalConfig = `{
	"ociVersion": "1.0.2",
	"root": {"path": "rootfs"},
	"process": {"args": ["/bin/sh"]}
}`

func TestBuildResolvesRelativeRootfs(t *testing.T) {
	bundle := writeBundle(t, minimalConfig)

	cfg, err := Build("mycontainer", bundle)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := filepath.Join(bundle, "rootfs")
	if cfg.Rootfs != want {
		t.Errorf("Rootfs = %q, want %q", cfg.Rootfs, want)
	}
	if cfg.ID != "mycontainer" {
		t.Errorf("ID = %q, want mycontainer", cfg.ID)
	}
	if cfg.Bundle != bundle {
		t.Errorf("Bundle = %q, want %q", cfg.Bundle, bundle)
	}
	if cfg.ConsoleFd != -1 {
		t.Errorf("ConsoleFd = %d, want -1", cfg.ConsoleFd)
	}
	if cfg.UseSystemd {
		t.Error("UseSystemd = true, want false (no cgroupsPath given)")
	}
}

func TestBuildDetectsSystemdSlice(t *testing.T) {
	config := `{
		"ociVersion": "1.0.2",
		"root": {"path": "/abs/rootfs"},
		"process": {"args": ["/bin/sh"]},
		"linux": {"cgroupsPath": "system.slice:ocirun:mycontainer"}
	}`
	bundle := writeBundle(t, config)

	cfg, err := Build("mycontainer", bundle)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !cfg.UseSystemd {
		t.Error("UseSystemd = false, want true for a slice:prefix:name cgroupsPath")
	}
	if cfg.Rootfs != "/abs/rootfs" {
		t.Errorf("Rootfs = %q, want /abs/rootfs (already absolute)", cfg.Rootfs)
	}
}

func TestBuildMissingRoot(t *testing.T) {
	config := `{"ociVersion": "1.0.2", "process": {"args": ["/bin/sh"]}}`
	bundle := writeBundle(t, config)

	if _, err := Build("mycontainer", bundle); err == nil {
		t.Error("Build() with no root = nil error, want error")
	}
}

func TestBuildMissingConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := Build("mycontainer", dir); err == nil {
		t.Error("Build() with missing config.json = nil error, want error")
	}
}
