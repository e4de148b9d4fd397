package systemd

import (
	"testing"

	"ocirun/errors"
)

func TestParseSystemdVersion(t *testing.T) {
	tests := []struct {
		raw    string
		want   int
		wantOk bool
	}{
		{`"247.3-1"`, 247, true},
		{`"252"`, 252, true},
		{`"v252"`, 252, true},
		{"243", 243, true},
		{`""`, 0, false},
		{"garbage", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			n, ok := parseSystemdVersion(tt.raw)
			if n != tt.want || ok != tt.wantOk {
				t.Errorf("parseSystemdVersion(%q) = (%d, %v), want (%d, %v)", tt.raw, n, ok, tt.want, tt.wantOk)
			}
		})
	}
}

func TestMemoryProperty(t *testing.T) {
	tests := []struct {
		which   string
		value   int64
		wantErr bool
		wantV   uint64
	}{
		{"min", 1024, false, 1024},
		{"low", 2048, false, 2048},
		{"high", 4096, false, 4096},
		{"max", -1, false, ^uint64(0)},
		{"bogus", 10, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.which, func(t *testing.T) {
			prop, v, err := memoryProperty(tt.which, tt.value)
			if (err != nil) != tt.wantErr {
				t.Fatalf("memoryProperty(%q, %d) error = %v, wantErr %v", tt.which, tt.value, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.IsKind(err, errors.ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if v != tt.wantV {
				t.Errorf("value = %d, want %d", v, tt.wantV)
			}
			if prop == "" {
				t.Error("expected a non-empty systemd property name")
			}
		})
	}
}

func TestPidsMaxValue(t *testing.T) {
	tests := []struct {
		limit int64
		want  uint64
	}{
		{0, ^uint64(0)},
		{-1, ^uint64(0)},
		{50, 50},
	}

	for _, tt := range tests {
		if got := pidsMaxValue(tt.limit); got != tt.want {
			t.Errorf("pidsMaxValue(%d) = %d, want %d", tt.limit, got, tt.want)
		}
	}
}
