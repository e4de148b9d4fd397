package backend

import "testing"

func TestUseSystemdDriver(t *testing.T) {
	cases := map[string]bool{
		"":                         false,
		"ocirun/mycontainer":       false,
		"system.slice:ocirun:abc":  true,
		"user.slice:libpod-12:xyz": true,
		"a:b:c:d":                  false,
	}
	for path, want := range cases {
		if got := UseSystemdDriver(path); got != want {
			t.Errorf("UseSystemdDriver(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestUnitName(t *testing.T) {
	cases := map[string]string{
		"system.slice:ocirun:abc123": "ocirun-abc123.scope",
		"user.slice:libpod:xyz":      "libpod-xyz.scope",
		"ocirun/mycontainer":         "ocirun-ocirun-mycontainer.scope",
	}
	for path, want := range cases {
		if got := UnitName(path); got != want {
			t.Errorf("UnitName(%q) = %q, want %q", path, got, want)
		}
	}
}
