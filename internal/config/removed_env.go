// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// RemovedEnvKey describes an env var that used to configure the daemon
// and no longer does. Startup fails fast when one is set so stale
// deployments surface immediately instead of running misconfigured.
type RemovedEnvKey struct {
	Key     string
	Message string
}

var removedEnvKeys = []RemovedEnvKey{
	{
		Key:     "LLAMAD_GUARDRAIL_MODE",
		Message: "guardrail mode moved to the settings store; use PATCH /v1/settings with guardrail.mode",
	},
	{
		Key:     "LLAMAD_MODEL",
		Message: "the model path is chosen per spawn request; there is no daemon-wide model",
	},
	{
		Key:     "LLAMAD_N_GPU_LAYERS",
		Message: "worker defaults moved to the settings store; use PATCH /v1/settings with worker_defaults.n_gpu_layers",
	},
	{
		Key:     "LLAMAD_STREAM_BUFFER",
		Message: "stream buffering moved to the settings store; use PATCH /v1/settings with stream.buffer_chunks",
	},
}

// FindActiveRemovedEnvKeys returns the removed keys that are set in the
// current environment, sorted by key.
func FindActiveRemovedEnvKeys() []RemovedEnvKey {
	return findActiveRemovedEnvKeys(os.LookupEnv)
}

func findActiveRemovedEnvKeys(lookup func(string) (string, bool)) []RemovedEnvKey {
	out := make([]RemovedEnvKey, 0, len(removedEnvKeys))
	for _, k := range removedEnvKeys {
		if _, ok := lookup(k.Key); ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CheckRemovedEnv returns an error naming every removed env key that is
// still set.
func CheckRemovedEnv() error {
	active := FindActiveRemovedEnvKeys()
	if len(active) == 0 {
		return nil
	}
	var b strings.Builder
	for i, k := range active {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s (%s)", k.Key, k.Message)
	}
	return fmt.Errorf("removed env keys set: %s", b.String())
}
