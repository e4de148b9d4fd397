package linux

import (
	"testing"

	libseccomp "github.com/seccomp/libseccomp-golang"

	"ocirun/errors"
	"ocirun/spec"
)

func TestToCompareOp_AllOperators(t *testing.T) {
	tests := []struct {
		op       spec.LinuxSeccompOperator
		expected libseccomp.ScmpCompareOp
	}{
		{spec.OpEqualTo, libseccomp.CompareEqual},
		{spec.OpNotEqual, libseccomp.CompareNotEqual},
		{spec.OpGreaterThan, libseccomp.CompareGreater},
		{spec.OpGreaterEqual, libseccomp.CompareGreaterEqual},
		{spec.OpLessThan, libseccomp.CompareLess},
		{spec.OpLessEqual, libseccomp.CompareLessOrEqual},
		{spec.OpMaskedEqual, libseccomp.CompareMaskedEqual},
	}
	for _, tt := range tests {
		got, err := toCompareOp(tt.op)
		if err != nil {
			t.Fatalf("toCompareOp(%v): unexpected error: %v", tt.op, err)
		}
		if got != tt.expected {
			t.Errorf("toCompareOp(%v) = %v, want %v", tt.op, got, tt.expected)
		}
	}
}

func TestToCompareOp_Unknown(t *testing.T) {
	if _, err := toCompareOp(spec.LinuxSeccompOperator("SCMP_CMP_BOGUS")); err == nil {
		t.Error("expected error for unknown operator, got nil")
	}
}

func TestToAction_ActionsWithoutErrno(t *testing.T) {
	tests := []struct {
		action   spec.LinuxSeccompAction
		expected libseccomp.ScmpAction
	}{
		{spec.ActKill, libseccomp.ActKillThread},
		{spec.ActKillThread, libseccomp.ActKillThread},
		{spec.ActKillProcess, libseccomp.ActKillProcess},
		{spec.ActTrap, libseccomp.ActTrap},
		{spec.ActAllow, libseccomp.ActAllow},
		{spec.ActLog, libseccomp.ActLog},
		{spec.ActNotify, libseccomp.ActNotify},
	}
	for _, tt := range tests {
		got, err := toAction(tt.action, nil)
		if err != nil {
			t.Fatalf("toAction(%v): unexpected error: %v", tt.action, err)
		}
		if got != tt.expected {
			t.Errorf("toAction(%v) = %v, want %v", tt.action, got, tt.expected)
		}
	}
}

func TestToAction_ErrnoDefaultsToEPERM(t *testing.T) {
	act, err := toAction(spec.ActErrno, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if act.GetReturnCode() <= 0 {
		t.Errorf("expected a positive errno return code by default, got %d", act.GetReturnCode())
	}
}

func TestToAction_ErrnoRespectsOverride(t *testing.T) {
	override := uint(13) // EACCES
	act, err := toAction(spec.ActErrno, &override)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int(act.GetReturnCode()) != 13 {
		t.Errorf("GetReturnCode() = %d, want 13", act.GetReturnCode())
	}
}

func TestToAction_Unknown(t *testing.T) {
	if _, err := toAction(spec.LinuxSeccompAction("SCMP_ACT_BOGUS"), nil); err == nil {
		t.Error("expected error for unknown action, got nil")
	}
}

func TestSetupSeccomp_NilConfig(t *testing.T) {
	fd, err := SetupSeccomp(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd != -1 {
		t.Errorf("fd = %d, want -1 for nil config", fd)
	}
}

func TestSetupSeccomp_RejectsNotifyAsDefaultAction(t *testing.T) {
	config := &spec.LinuxSeccomp{
		DefaultAction: spec.ActNotify,
	}
	_, err := SetupSeccomp(config)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !errors.IsKind(err, errors.ErrNotifyAsDefaultAction) {
		t.Errorf("expected ErrNotifyAsDefaultAction, got %v", err)
	}
}

func TestSetupSeccomp_RejectsNotifyOnWrite(t *testing.T) {
	config := &spec.LinuxSeccomp{
		DefaultAction: spec.ActAllow,
		Syscalls: []spec.LinuxSyscall{
			{Names: []string{"write"}, Action: spec.ActNotify},
		},
	}
	_, err := SetupSeccomp(config)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !errors.IsKind(err, errors.ErrNotifyWriteSyscall) {
		t.Errorf("expected ErrNotifyWriteSyscall, got %v", err)
	}
}

func TestSetupSeccomp_NotifyOnOtherSyscallStillRejectsWrite(t *testing.T) {
	// A rule naming both "write" and another syscall under ActNotify must
	// still be rejected - the write syscall is always in the Names list.
	config := &spec.LinuxSeccomp{
		DefaultAction: spec.ActAllow,
		Syscalls: []spec.LinuxSyscall{
			{Names: []string{"pwrite64", "write"}, Action: spec.ActNotify},
		},
	}
	_, err := SetupSeccomp(config)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
	if !errors.IsKind(err, errors.ErrNotifyWriteSyscall) {
		t.Errorf("expected ErrNotifyWriteSyscall, got %v", err)
	}
}

// addConditionalRuleSharedArg exercises the argCounts/sharedArg detection in
// addConditionalRule without needing a live filter: it mirrors the branch
// selection logic directly against a synthetic argument list.
func addConditionalRuleSharedArg(args []spec.LinuxSeccompArg) bool {
	argCounts := make(map[uint]int, len(args))
	for _, arg := range args {
		argCounts[arg.Index]++
	}
	for _, n := range argCounts {
		if n > 1 {
			return true
		}
	}
	return false
}

func TestConditionalRuleSplitting_SingleArgIndex(t *testing.T) {
	args := []spec.LinuxSeccompArg{
		{Index: 0, Value: 1, Op: spec.OpEqualTo},
	}
	if addConditionalRuleSharedArg(args) {
		t.Error("a single condition on one argument should not require splitting")
	}
}

func TestConditionalRuleSplitting_DistinctArgIndices(t *testing.T) {
	args := []spec.LinuxSeccompArg{
		{Index: 0, Value: 1, Op: spec.OpEqualTo},
		{Index: 1, Value: 2, Op: spec.OpEqualTo},
	}
	if addConditionalRuleSharedArg(args) {
		t.Error("conditions on distinct argument indices should not require splitting")
	}
}

func TestConditionalRuleSplitting_SharedArgIndex(t *testing.T) {
	// e.g. a range check: arg0 >= lo AND arg0 <= hi - libseccomp cannot
	// encode two comparisons on the same argument in one rule.
	args := []spec.LinuxSeccompArg{
		{Index: 0, Value: 10, Op: spec.OpGreaterEqual},
		{Index: 0, Value: 20, Op: spec.OpLessEqual},
	}
	if !addConditionalRuleSharedArg(args) {
		t.Error("two conditions on the same argument index should require splitting")
	}
}
