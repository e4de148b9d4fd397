package cgroups

import (
	"fmt"
	"testing"

	"ocirun/errors"
)

// fakeFreezerIO is an in-memory FreezerIO: WriteState appends to a log and
// ReadState replays a scripted sequence of states, repeating the last entry
// once the script is exhausted (modeling a kernel that has settled).
type fakeFreezerIO struct {
	writes     []FreezerState
	readScript []FreezerState
	readCalls  int
	writeErrAt int // WriteState fails on this 1-indexed call number, 0 = never
	readErrAt  int
}

func (f *fakeFreezerIO) WriteState(s FreezerState) error {
	f.writes = append(f.writes, s)
	if f.writeErrAt != 0 && len(f.writes) == f.writeErrAt {
		return fmt.Errorf("write failed")
	}
	return nil
}

func (f *fakeFreezerIO) ReadState() (FreezerState, error) {
	f.readCalls++
	if f.readErrAt != 0 && f.readCalls == f.readErrAt {
		return Undefined, fmt.Errorf("read failed")
	}
	if f.readCalls-1 < len(f.readScript) {
		return f.readScript[f.readCalls-1], nil
	}
	if len(f.readScript) == 0 {
		return Undefined, nil
	}
	return f.readScript[len(f.readScript)-1], nil
}

func TestDriveFreezer_Thaw(t *testing.T) {
	fake := &fakeFreezerIO{}
	if err := DriveFreezer(fake, Thawed); err != nil {
		t.Fatalf("DriveFreezer(Thawed): %v", err)
	}
	if len(fake.writes) != 1 || fake.writes[0] != Thawed {
		t.Errorf("expected a single Thawed write, got %v", fake.writes)
	}
}

func TestDriveFreezer_UndefinedIsNoop(t *testing.T) {
	fake := &fakeFreezerIO{}
	if err := DriveFreezer(fake, Undefined); err != nil {
		t.Fatalf("DriveFreezer(Undefined): %v", err)
	}
	if len(fake.writes) != 0 {
		t.Errorf("expected no writes for Undefined target, got %v", fake.writes)
	}
}

func TestDriveFreezer_FreezesOnFirstRead(t *testing.T) {
	fake := &fakeFreezerIO{readScript: []FreezerState{Frozen}}
	if err := DriveFreezer(fake, Frozen); err != nil {
		t.Fatalf("DriveFreezer(Frozen): %v", err)
	}
	if fake.readCalls != 1 {
		t.Errorf("expected exactly one ReadState call, got %d", fake.readCalls)
	}
	if len(fake.writes) != 1 || fake.writes[0] != Frozen {
		t.Errorf("expected a single Frozen write, got %v", fake.writes)
	}
}

func TestDriveFreezer_RetriesThroughFreezing(t *testing.T) {
	fake := &fakeFreezerIO{readScript: []FreezerState{freezing, freezing, Frozen}}
	if err := DriveFreezer(fake, Frozen); err != nil {
		t.Fatalf("DriveFreezer(Frozen): %v", err)
	}
	if fake.readCalls != 3 {
		t.Errorf("expected 3 ReadState calls, got %d", fake.readCalls)
	}
}

func TestDriveFreezer_PeriodicThawRetry(t *testing.T) {
	// Stay in freezing for 60 iterations so the every-50th-iteration THAWED
	// retry write fires exactly once before settling on Frozen.
	script := make([]FreezerState, 60)
	for i := range script {
		script[i] = freezing
	}
	script[59] = Frozen
	fake := &fakeFreezerIO{readScript: script}

	if err := DriveFreezer(fake, Frozen); err != nil {
		t.Fatalf("DriveFreezer(Frozen): %v", err)
	}

	thawCount := 0
	for _, w := range fake.writes {
		if w == Thawed {
			thawCount++
		}
	}
	if thawCount != 1 {
		t.Errorf("expected exactly one periodic Thawed retry write, got %d", thawCount)
	}
}

func TestDriveFreezer_ExhaustsRetries(t *testing.T) {
	fake := &fakeFreezerIO{readScript: []FreezerState{freezing}}
	err := DriveFreezer(fake, Frozen)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.IsKind(err, errors.ErrUnableToFreeze) {
		t.Errorf("expected ErrUnableToFreeze, got %v", err)
	}
	if fake.writes[len(fake.writes)-1] != Thawed {
		t.Errorf("expected a final best-effort Thawed write, got %v", fake.writes)
	}
}

func TestDriveFreezer_WriteErrorThawsAndReturns(t *testing.T) {
	fake := &fakeFreezerIO{writeErrAt: 1}
	err := DriveFreezer(fake, Frozen)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.ErrCgroup) {
		t.Errorf("expected ErrCgroup, got %v", err)
	}
	if fake.writes[len(fake.writes)-1] != Thawed {
		t.Errorf("expected a best-effort Thawed write after the failure, got %v", fake.writes)
	}
}

func TestDriveFreezer_ReadErrorThawsAndReturns(t *testing.T) {
	fake := &fakeFreezerIO{readErrAt: 1}
	err := DriveFreezer(fake, Frozen)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.ErrCgroup) {
		t.Errorf("expected ErrCgroup, got %v", err)
	}
}

func TestDriveFreezer_UnexpectedStateThawsAndReturns(t *testing.T) {
	fake := &fakeFreezerIO{readScript: []FreezerState{Undefined}}
	err := DriveFreezer(fake, Frozen)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsKind(err, errors.ErrUnexpectedState) {
		t.Errorf("expected ErrUnexpectedState, got %v", err)
	}
}

func TestParseFreezerStateFile(t *testing.T) {
	tests := []struct {
		raw    string
		want   FreezerState
		wantOk bool
	}{
		{"THAWED", Thawed, true},
		{"THAWED\n", Thawed, true},
		{"FREEZING", freezing, true},
		{"FROZEN", Frozen, true},
		{"GARBAGE", Undefined, false},
		{"", Undefined, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseFreezerStateFile(tt.raw)
			if got != tt.want || ok != tt.wantOk {
				t.Errorf("ParseFreezerStateFile(%q) = (%v, %v), want (%v, %v)", tt.raw, got, ok, tt.want, tt.wantOk)
			}
		})
	}
}
