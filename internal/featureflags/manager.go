// Package featureflags evaluates FEATURE_FLAGS rollout settings.
package featureflags

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// Flags read by the service.
const (
	// ConsentAutoRetry drains the reconciliation queue in the background.
	ConsentAutoRetry = "consent_auto_retry"
	// ConsentNeededPush pushes consent_needed to the patient's devices
	// when a live change surfaces a request that needs consent.
	ConsentNeededPush = "consent_needed_push"
)

// Manager evaluates feature flags defined in a simple key=value list.
// Example: "consent_auto_retry=on,consent_needed_push=25%"
type Manager struct {
	flags map[string]string
}

// NewManager creates a feature-flag manager from a comma-separated config string.
func NewManager(raw string) *Manager {
	out := make(map[string]string)

	for _, pair := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key, value = normalize(key), normalize(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}

	return &Manager{flags: out}
}

// Enabled returns whether a flag is enabled for a given patient.
// Supported values:
// - on/true/1
// - off/false/0
// - N% (deterministic patient rollout, e.g. 25%)
func (m *Manager) Enabled(name string, patientID uint) bool {
	if m == nil {
		return false
	}

	value, ok := m.flags[normalize(name)]
	if !ok {
		return false
	}

	switch value {
	case "on", "true", "1":
		return true
	case "off", "false", "0":
		return false
	}

	pct, ok := percentage(value)
	if !ok || pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	if patientID == 0 {
		return false
	}
	return rolloutBucket(name, patientID) < pct
}

// EnabledGlobally evaluates a process-wide flag. Partial rollouts have no
// patient to bucket on and count as off.
func (m *Manager) EnabledGlobally(name string) bool {
	return m.Enabled(name, 0)
}

// Raw returns a copy of configured flags.
func (m *Manager) Raw() map[string]string {
	out := make(map[string]string, len(m.flags))
	for k, v := range m.flags {
		out[k] = v
	}
	return out
}

// Snapshot returns evaluated flag status for one patient.
func (m *Manager) Snapshot(patientID uint) map[string]bool {
	out := make(map[string]bool, len(m.flags))
	for name := range m.flags {
		out[name] = m.Enabled(name, patientID)
	}
	return out
}

func percentage(value string) (int, bool) {
	raw, ok := strings.CutSuffix(value, "%")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return pct, true
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func rolloutBucket(name string, patientID uint) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fmt.Sprintf("%s:%d", normalize(name), patientID)))
	return int(h.Sum32() % 100)
}
