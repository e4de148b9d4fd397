package cgroups

import (
	"fmt"
	"strconv"
	"strings"

	"ocirun/errors"
)

// UnifiedSink receives the translated setting once a free-form unified key has
// been recognized. Both the v2 and systemd backends implement this with their
// own write/property-set primitive.
type UnifiedSink interface {
	SetCPUWeight(weight uint64) error
	SetCPUMax(quota int64, period uint64) error
	SetCPUSet(which string, mask string) error // which is "cpus" or "mems"
	SetMemory(which string, value int64) error // which is "min","low","high","max"
	SetPidsMax(limit int64) error
}

// DispatchUnifiedKey translates one free-form unified-hierarchy key/value pair
// (component O). Recognized keys: cpu.weight (handed to SetCPUWeight, which in
// both backends always runs the v1→v2 shares conversion on the value),
// cpu.max (one or two whitespace separated numbers: quota and optional period),
// cpuset.{cpus,mems} (parsed through the cpuset bitmask by the caller's backend),
// memory.{min,low,high,max}, pids.max. Unknown keys are not an error here: they
// return recognized=false with a nil error, and the caller decides what to do
// with them.
func DispatchUnifiedKey(sink UnifiedSink, key, value string) (recognized bool, err error) {
	switch key {
	case "cpu.weight":
		w, perr := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if perr != nil {
			return true, errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("cpu.weight: %v", perr))
		}
		return true, sink.SetCPUWeight(w)

	case "cpu.max":
		fields := strings.Fields(value)
		if len(fields) == 0 || len(fields) > 2 {
			return true, errors.New(errors.ErrInvalidInput, "unified", "cpu.max wants 1 or 2 fields")
		}
		var quota int64 = -1
		if fields[0] != "max" {
			q, perr := strconv.ParseInt(fields[0], 10, 64)
			if perr != nil {
				return true, errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("cpu.max quota: %v", perr))
			}
			quota = q
		}
		period := uint64(100000)
		if len(fields) == 2 {
			p, perr := strconv.ParseUint(fields[1], 10, 64)
			if perr != nil {
				return true, errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("cpu.max period: %v", perr))
			}
			period = p
		}
		return true, sink.SetCPUMax(quota, period)

	case "cpuset.cpus":
		return true, sink.SetCPUSet("cpus", value)
	case "cpuset.mems":
		return true, sink.SetCPUSet("mems", value)

	case "memory.min", "memory.low", "memory.high", "memory.max":
		which := strings.TrimPrefix(key, "memory.")
		if strings.TrimSpace(value) == "max" {
			return true, sink.SetMemory(which, -1)
		}
		v, perr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if perr != nil {
			return true, errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("%s: %v", key, perr))
		}
		return true, sink.SetMemory(which, v)

	case "pids.max":
		if strings.TrimSpace(value) == "max" {
			return true, sink.SetPidsMax(-1)
		}
		v, perr := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if perr != nil {
			return true, errors.New(errors.ErrInvalidInput, "unified", fmt.Sprintf("pids.max: %v", perr))
		}
		return true, sink.SetPidsMax(v)

	default:
		return false, nil
	}
}
