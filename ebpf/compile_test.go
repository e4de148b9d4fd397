package ebpf

import (
	"reflect"
	"testing"

	cebpf "github.com/cilium/ebpf"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"ocirun/errors"
)

func ruleSymbols(t *testing.T, spec *cebpf.ProgramSpec) []string {
	t.Helper()
	var symbols []string
	for _, ins := range spec.Instructions {
		if ins.Symbol != "" {
			symbols = append(symbols, ins.Symbol)
		}
	}
	return symbols
}

// TestCompile_EmitsRulesInReverseOrder verifies the defining invariant of the
// device cgroup program: rules are emitted last-source-rule-first, so that
// a JNE fallthrough chain gives later OCI rules priority over earlier ones
// (last rule wins).
func TestCompile_EmitsRulesInReverseOrder(t *testing.T) {
	m1, m2, m3 := int64(1), int64(2), int64(3)
	rules := []Rule{
		{Type: Char, Major: &m1, Allow: true},
		{Type: Char, Major: &m2, Allow: false},
		{Type: Block, Major: &m3, Allow: true},
	}

	spec, err := Compile(rules, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got := ruleSymbols(t, spec)
	want := []string{"rule_2", "rule_1", "rule_0", "rule_-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("emission order = %v, want %v", got, want)
	}
}

func TestCompile_SingleRule(t *testing.T) {
	rules := []Rule{{Type: Char, Allow: true}}

	spec, err := Compile(rules, false)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	got := ruleSymbols(t, spec)
	want := []string{"rule_0", "rule_-1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("emission order = %v, want %v", got, want)
	}
}

func TestCompile_NoRules(t *testing.T) {
	spec, err := Compile(nil, true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := ruleSymbols(t, spec); len(got) != 0 {
		t.Errorf("expected no rule symbols with an empty rule set, got %v", got)
	}
	if len(spec.Instructions) == 0 {
		t.Error("expected a non-empty program (prologue + epilogue) even with no rules")
	}
}

func TestCompile_ProgramMetadata(t *testing.T) {
	spec, err := Compile(nil, true)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if spec.Type != cebpf.CGroupDevice {
		t.Errorf("Type = %v, want CGroupDevice", spec.Type)
	}
	if spec.License != "ocirun" {
		t.Errorf("License = %q, want %q", spec.License, "ocirun")
	}
}

func TestCompile_DefaultActionReflectedInEpilogue(t *testing.T) {
	for _, defaultAllow := range []bool{true, false} {
		spec, err := Compile(nil, defaultAllow)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		insns := spec.Instructions
		if len(insns) < 2 {
			t.Fatalf("expected at least prologue+epilogue instructions, got %d", len(insns))
		}
		epilogue := insns[len(insns)-2]
		want := int64(0)
		if defaultAllow {
			want = 1
		}
		if epilogue.Constant != want {
			t.Errorf("defaultAllow=%v: epilogue Constant = %d, want %d", defaultAllow, epilogue.Constant, want)
		}
	}
}

func TestRuleFromOCI_RejectsAllType(t *testing.T) {
	d := specs.LinuxDeviceCgroup{Type: "a", Access: "rwm", Allow: true}
	if _, err := RuleFromOCI(d); err == nil {
		t.Error("expected error for type \"a\"")
	} else if !errors.IsKind(err, errors.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRuleFromOCI_ParsesAccessBits(t *testing.T) {
	d := specs.LinuxDeviceCgroup{Type: "c", Access: "rwm", Allow: true}
	r, err := RuleFromOCI(d)
	if err != nil {
		t.Fatalf("RuleFromOCI: %v", err)
	}
	want := AccessRead | AccessWrite | AccessMknod
	if r.Access != want {
		t.Errorf("Access = %#x, want %#x", r.Access, want)
	}
	if r.Type != Char {
		t.Errorf("Type = %v, want Char", r.Type)
	}
	if !r.Allow {
		t.Error("Allow = false, want true")
	}
}
