// SPDX-License-Identifier: MIT

package settings

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": "keep",
	}
	src := map[string]any{
		"a": map[string]any{"y": 20, "z": 30},
		"c": true,
	}

	got := deepMerge(dst, src)
	want := map[string]any{
		"a": map[string]any{"x": 1, "y": 20, "z": 30},
		"b": "keep",
		"c": true,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("deepMerge mismatch (-want +got):\n%s", diff)
	}

	// Inputs are not mutated.
	if dst["a"].(map[string]any)["y"] != 2 {
		t.Error("deepMerge mutated dst")
	}
}

func TestDeepMergeScalarReplacesMap(t *testing.T) {
	got := deepMerge(
		map[string]any{"a": map[string]any{"x": 1}},
		map[string]any{"a": "flat"},
	)
	if got["a"] != "flat" {
		t.Errorf("a = %v, want scalar replacement", got["a"])
	}
}

func TestApplyPatchDeletesOnNull(t *testing.T) {
	dst := map[string]any{
		"g": map[string]any{"mode": "strict", "custom_gb": 2.0},
	}
	applyPatch(dst, map[string]any{
		"g": map[string]any{"mode": nil, "auto_fit": false},
	})

	want := map[string]any{
		"g": map[string]any{"custom_gb": 2.0, "auto_fit": false},
	}
	if diff := cmp.Diff(want, dst); diff != "" {
		t.Errorf("applyPatch mismatch (-want +got):\n%s", diff)
	}
}

func TestPathGet(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 42}},
	}

	if v, ok := pathGet(m, "a.b.c"); !ok || v != 42 {
		t.Errorf("pathGet(a.b.c) = %v, %v", v, ok)
	}
	if _, ok := pathGet(m, "a.b.missing"); ok {
		t.Error("pathGet found a missing leaf")
	}
	if _, ok := pathGet(m, "a.b.c.d"); ok {
		t.Error("pathGet traversed through a scalar")
	}
}
