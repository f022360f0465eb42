package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/auditchain"
	"github.com/keel-labs/keel/pkg/auditchain/override"
	"github.com/keel-labs/keel/pkg/canonical"
	"github.com/keel-labs/keel/pkg/policy"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"keel"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func writeChain(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.jsonl")
	chain, err := auditchain.Open(path)
	require.NoError(t, err)
	for _, line := range lines {
		v, err := canonical.FromJSON([]byte(line))
		require.NoError(t, err)
		_, err = chain.Append(v)
		require.NoError(t, err)
	}
	return path
}

func TestUsageErrors(t *testing.T) {
	code, _, stderr := run(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage")

	code, _, stderr = run(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command")

	code, _, _ = run(t, "verify")
	assert.Equal(t, 2, code)

	code, _, _ = run(t, "policy")
	assert.Equal(t, 2, code)
}

func TestVerifyCleanChain(t *testing.T) {
	path := writeChain(t, `{"event":"a"}`, `{"event":"b"}`)

	code, stdout, _ := run(t, "verify", "--chain", path)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "OK: 2 records")
}

func TestVerifyBrokenChain(t *testing.T) {
	path := writeChain(t, `{"event":"a","n":1}`, `{"event":"b"}`)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"n":1`, `"n":2`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	code, stdout, _ := run(t, "verify", "--chain", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "CHAIN_HASH_MISMATCH")
	assert.Contains(t, stdout, "FAIL: 1 finding(s)")
}

func TestVerifyJSONReport(t *testing.T) {
	path := writeChain(t, `{"event":"a"}`)

	code, stdout, _ := run(t, "verify", "--chain", path, "--json")
	assert.Equal(t, 0, code)

	var report VerifyReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, report.Verified)
	assert.Equal(t, 1, report.Records)
	assert.Empty(t, report.Findings)
	assert.Equal(t, "generic", report.Kind)
}

func TestVerifyContractErrors(t *testing.T) {
	code, _, stderr := run(t, "verify", "--chain", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error")

	path := writeChain(t, `{"event":"a"}`)
	code, _, _ = run(t, "verify", "--chain", path, "--kind", "mystery")
	assert.Equal(t, 2, code)
}

func TestOverridesProjection(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	policyHash := strings.Repeat("cd", 32)
	path := filepath.Join(t.TempDir(), "overrides.jsonl")
	log, err := override.Open(path)
	require.NoError(t, err)

	_, err = log.Append(override.Event{
		Type: override.TypeRequested, TS: t0,
		Actor:        override.Actor{Role: "operator", Subject: "alice"},
		Target:       override.Target{DecisionEventID: "dec-limits"},
		PolicySHA256: policyHash,
	})
	require.NoError(t, err)
	reqID := override.EventID(override.TypeRequested, t0, "alice", "dec-limits")
	_, err = log.Append(override.Event{
		Type: override.TypeApproved, TS: t0.Add(time.Minute),
		Actor:             override.Actor{Role: "approver", Subject: "bob"},
		Target:            override.Target{DecisionEventID: "dec-limits"},
		PolicySHA256:      policyHash,
		RefRequestEventID: reqID, ExpiresAt: t0.Add(time.Hour),
	})
	require.NoError(t, err)

	at := t0.Add(10 * time.Minute).Format(time.RFC3339)
	code, stdout, _ := run(t, "overrides", "--chain", path, "--at", at)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "dec-limits")
	assert.Contains(t, stdout, "approved_by=bob")

	// After expiry the projection is empty.
	late := t0.Add(2 * time.Hour).Format(time.RFC3339)
	code, stdout, _ = run(t, "overrides", "--chain", path, "--at", late)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "No active overrides")

	// JSON output round-trips.
	code, stdout, _ = run(t, "overrides", "--chain", path, "--at", at, "--json")
	assert.Equal(t, 0, code)
	var actives []override.Active
	require.NoError(t, json.Unmarshal([]byte(stdout), &actives))
	require.Len(t, actives, 1)
	assert.Equal(t, "bob", actives[0].Approver)
}

func TestVerifyKindReplaysEventRules(t *testing.T) {
	// A foreign writer appends an override event with intact hashes but a
	// fabricated event id and dangling references.
	forged := `{"event_type":"EXECUTED","event_id":"forged","ts":"2026-03-14T12:00:00Z",` +
		`"actor":{"role":"executor","subject":"mallory"},` +
		`"target":{"decision_event_id":"dec-1","decision_hash":"` + strings.Repeat("ef", 32) + `"},` +
		`"policy_sha256":"` + strings.Repeat("cd", 32) + `",` +
		`"ref_request_event_id":"nonexistent","ref_approval_event_id":"nonexistent",` +
		`"evidence_refs":["receipt:abc"]}`
	path := writeChain(t, forged)

	// The generic pass sees only intact linkage.
	code, _, _ := run(t, "verify", "--chain", path)
	assert.Equal(t, 0, code)

	// The kind-aware pass replays the override rules.
	code, stdout, _ := run(t, "verify", "--chain", path, "--kind", "override")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "CHAIN_EVENT_INVALID")

	// Same for observer chains: an out-of-schema metric key.
	observerLine := `{"execution_run_id":"run-1","status":"STARTED","judgment_id":"j-1",` +
		`"approval_record_id":"a-1","metrics":{"gpu_pct":40},"ts":"2026-03-14T12:00:00Z"}`
	path = writeChain(t, observerLine)
	code, stdout, _ = run(t, "verify", "--chain", path, "--kind", "observer")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "CHAIN_EVENT_INVALID")
}

func TestOverridesRefusesBrokenChain(t *testing.T) {
	path := writeChain(t, `{"event":"a","n":1}`)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"n":1`, `"n":2`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	code, _, stderr := run(t, "overrides", "--chain", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "refusing to project")
}

func TestPolicyLog(t *testing.T) {
	dir := t.TempDir()
	store, err := policy.Open(dir)
	require.NoError(t, err)
	v1 := mustValue(t, `{"thresholds":{"x":1}}`)
	_, err = store.Bootstrap(v1)
	require.NoError(t, err)
	_, err = store.SaveNewVersion(mustValue(t, `{"thresholds":{"x":2}}`))
	require.NoError(t, err)

	code, stdout, _ := run(t, "policy", "log", "--dir", dir)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "v0001  sha256:")
	assert.Contains(t, stdout, "v0002  sha256:")
}

func TestPolicyLogEmptyStore(t *testing.T) {
	code, stdout, _ := run(t, "policy", "log", "--dir", t.TempDir())
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "not bootstrapped")
}

func mustValue(t *testing.T, raw string) canonical.Value {
	t.Helper()
	v, err := canonical.FromJSON([]byte(raw))
	require.NoError(t, err)
	return v
}
