// SPDX-License-Identifier: MIT

package guardrail

import (
	"strconv"
	"strings"
)

// Accel is the normalized accelerator family.
type Accel string

const (
	AccelCPU   Accel = "cpu"
	AccelCUDA  Accel = "cuda"
	AccelMetal Accel = "metal"
	AccelROCm  Accel = "rocm"
	AccelAuto  Accel = "auto"
)

// NormalizeAccel maps free-form settings strings into the closed accel
// set. "hip" is the ROCm runtime name; anything unknown degrades to
// auto.
func NormalizeAccel(s string) Accel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cpu":
		return AccelCPU
	case "cuda", "nvidia":
		return AccelCUDA
	case "metal", "mps":
		return AccelMetal
	case "rocm", "hip", "amd":
		return AccelROCm
	default:
		return AccelAuto
	}
}

// envName is the LLAMA_ACCEL value for an accel family. The worker
// env speaks "hip", not "rocm".
func (a Accel) envName() string {
	if a == AccelROCm {
		return "hip"
	}
	return string(a)
}

// accelEnvPatch masks the accelerators that must not grab the device.
// accel=cpu masks everything; cuda and rocm mask each other; metal is
// explicitly unmasked since workers default to LLAMA_NO_METAL on
// non-mac hosts.
func accelEnvPatch(accel Accel, device int) map[string]string {
	env := map[string]string{
		"LLAMA_ACCEL": accel.envName(),
	}
	switch accel {
	case AccelCPU:
		env["CUDA_VISIBLE_DEVICES"] = ""
		env["HIP_VISIBLE_DEVICES"] = ""
		env["LLAMA_NO_METAL"] = "1"
	case AccelCUDA:
		env["HIP_VISIBLE_DEVICES"] = ""
		env["LLAMA_DEVICE"] = strconv.Itoa(device)
	case AccelROCm:
		env["CUDA_VISIBLE_DEVICES"] = ""
		env["LLAMA_DEVICE"] = strconv.Itoa(device)
	case AccelMetal:
		env["LLAMA_NO_METAL"] = "0"
	case AccelAuto:
		env["LLAMA_DEVICE"] = strconv.Itoa(device)
	}
	return env
}
