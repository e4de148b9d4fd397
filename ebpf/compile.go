package ebpf

import (
	"fmt"

	cebpf "github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"ocirun/errors"
)

// license is passed to the kernel program loader; the program calls no
// GPL-only helpers, so a non-GPL string satisfies bpf_prog_load here.
const license = "ocirun"

// Compile emits a BPF_PROG_TYPE_CGROUP_DEVICE program from rules and a default
// action, following the fixed three-part shape:
//
//  1. Prologue loads R2 = device type (access_type low 16 bits), R3 = access
//     mask (access_type high 16 bits), R4 = major, R5 = minor, from the
//     bpf_cgroup_dev_ctx pointed to by R1.
//  2. Rules in REVERSE order (last rule wins the match): each rule chains a
//     type compare, an optional access-mask compare, and optional major/minor
//     compares, falling through to the next rule's label on any mismatch.
//  3. Epilogue returns defaultAllow when no rule matched.
func Compile(rules []Rule, defaultAllow bool) (*cebpf.ProgramSpec, error) {
	var insns asm.Instructions

	// Prologue.
	insns = append(insns,
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Word),
		asm.And.Imm(asm.R2, 0xffff),
		asm.LoadMem(asm.R3, asm.R1, 0, asm.Word),
		asm.RSh.Imm(asm.R3, 16),
		asm.LoadMem(asm.R4, asm.R1, 4, asm.Word),
		asm.LoadMem(asm.R5, asm.R1, 8, asm.Word),
	)

	label := func(i int) string { return fmt.Sprintf("rule_%d", i) }

	for i := len(rules) - 1; i >= 0; i-- {
		rule := rules[i]
		next := label(i - 1)

		devType := int32(0)
		if rule.Type == Block {
			devType = 1
		}
		insns = append(insns, asm.JNE.Imm(asm.R2, devType, next).WithSymbol(label(i)))

		if rule.Access != 0 {
			insns = append(insns,
				asm.Mov.Reg(asm.R1, asm.R3),
				asm.And.Imm(asm.R1, int32(rule.Access)),
				asm.JNE.Reg(asm.R1, asm.R3, next),
			)
		}
		if rule.Major != nil {
			insns = append(insns, asm.JNE.Imm(asm.R4, int32(*rule.Major), next))
		}
		if rule.Minor != nil {
			insns = append(insns, asm.JNE.Imm(asm.R5, int32(*rule.Minor), next))
		}

		allow := int32(0)
		if rule.Allow {
			allow = 1
		}
		insns = append(insns,
			asm.Mov.Imm(asm.R0, allow),
			asm.Return(),
		)
	}

	// Epilogue: resolved as the fallthrough label of rule 0 (first in source
	// order, last in emission order), or reached straight after the prologue
	// if there are no rules at all.
	defAllow := int32(0)
	if defaultAllow {
		defAllow = 1
	}
	epilogue := asm.Mov.Imm(asm.R0, defAllow)
	if len(rules) > 0 {
		epilogue = epilogue.WithSymbol(label(-1))
	}
	insns = append(insns, epilogue, asm.Return())

	if len(insns) == 0 {
		return nil, errors.New(errors.ErrInvalidInput, "ebpf", "empty program")
	}

	return &cebpf.ProgramSpec{
		Type:         cebpf.CGroupDevice,
		License:      license,
		Instructions: insns,
	}, nil
}
