// SPDX-License-Identifier: MIT

package settings

import "strings"

// deepMerge overlays src onto dst. Nested maps merge recursively; any
// other value in src replaces the one in dst. Neither input is
// mutated.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		sv, svOK := v.(map[string]any)
		dv, dvOK := out[k].(map[string]any)
		if svOK && dvOK {
			out[k] = deepMerge(dv, sv)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// applyPatch merges patch into dst in place. A nil value deletes the
// key (JSON null unmarshals to nil).
func applyPatch(dst, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		pv, pvOK := v.(map[string]any)
		dv, dvOK := dst[k].(map[string]any)
		if pvOK && dvOK {
			applyPatch(dv, pv)
			continue
		}
		dst[k] = cloneValue(v)
	}
}

func cloneValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(m))
	for k, mv := range m {
		out[k] = cloneValue(mv)
	}
	return out
}

// pathGet traverses a dotted path ("guardrail.mode") through nested
// maps.
func pathGet(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	cur := any(m)
	for _, p := range parts {
		node, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = node[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
