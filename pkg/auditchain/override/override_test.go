package override

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/auditchain"
	"github.com/keel-labs/keel/pkg/canonical"
)

var (
	t0         = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	policyHash = strings.Repeat("cd", 32)
)

func openLog(t *testing.T, opts ...Option) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overrides.jsonl")
	l, err := Open(path, opts...)
	require.NoError(t, err)
	return l, path
}

func target(decision string) Target {
	return Target{DecisionEventID: decision, DecisionHash: strings.Repeat("ef", 32)}
}

func request(subject, decision string, ts time.Time) Event {
	return Event{
		Type:         TypeRequested,
		TS:           ts,
		Actor:        Actor{Role: "operator", Subject: subject},
		Target:       target(decision),
		PolicySHA256: policyHash,
	}
}

func approval(subject, decision, requestID string, ts, expires time.Time) Event {
	return Event{
		Type:              TypeApproved,
		TS:                ts,
		Actor:             Actor{Role: "approver", Subject: subject},
		Target:            target(decision),
		PolicySHA256:      policyHash,
		RefRequestEventID: requestID,
		ExpiresAt:         expires,
	}
}

func execution(subject, decision, requestID, approvalID string, ts time.Time) Event {
	return Event{
		Type:               TypeExecuted,
		TS:                 ts,
		Actor:              Actor{Role: "executor", Subject: subject},
		Target:             target(decision),
		PolicySHA256:       policyHash,
		RefRequestEventID:  requestID,
		RefApprovalEventID: approvalID,
		EvidenceRefs:       []string{"receipt:abc"},
	}
}

func TestFullLifecycleVerifies(t *testing.T) {
	l, path := openLog(t)

	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")

	_, err = l.Append(approval("bob", "dec-limits", reqID, t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	appID := EventID(TypeApproved, t0.Add(time.Minute), "bob", "dec-limits")

	_, err = l.Append(execution("carol", "dec-limits", reqID, appID, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	findings, err := Verify(path)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, 3, l.Chain().Len())
}

func TestEventRecordsPolicyAndRoles(t *testing.T) {
	l, _ := openLog(t)

	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)

	// Missing policy digest, role or target decision id never reaches the file.
	e := request("alice", "dec-quotas", t0)
	e.PolicySHA256 = ""
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	e = request("alice", "dec-quotas", t0)
	e.Actor.Role = ""
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	e = request("alice", "", t0)
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrMalformedEvent)

	assert.Equal(t, 1, l.Chain().Len())

	rec := l.Chain().Records()[0]
	actor, ok := rec.Get("actor")
	require.True(t, ok)
	subject, _ := actor.Get("subject")
	s, _ := subject.StrVal()
	assert.Equal(t, "alice", s)
	digest, ok := rec.Get("policy_sha256")
	require.True(t, ok)
	d, _ := digest.StrVal()
	assert.Equal(t, policyHash, d)
}

func TestApprovalRules(t *testing.T) {
	l, _ := openLog(t)
	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")

	// Requester approving their own request breaks role separation, even
	// under a different role.
	_, err = l.Append(approval("alice", "dec-limits", reqID, t0.Add(time.Minute), t0.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrRoleSeparation)

	// Approval must outlive its own timestamp.
	_, err = l.Append(approval("bob", "dec-limits", reqID, t0.Add(time.Minute), t0.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrApprovalExpiry)

	// Approval of a request that does not exist.
	_, err = l.Append(approval("bob", "dec-limits", "deadbeef", t0.Add(time.Minute), t0.Add(time.Hour)))
	assert.ErrorIs(t, err, ErrUnknownReference)

	// Nothing invalid reached the file.
	assert.Equal(t, 1, l.Chain().Len())
}

func TestExecutionAfterExpiryRejected(t *testing.T) {
	l, _ := openLog(t)
	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")

	expires := t0.Add(30 * time.Minute)
	_, err = l.Append(approval("bob", "dec-limits", reqID, t0.Add(time.Minute), expires))
	require.NoError(t, err)
	appID := EventID(TypeApproved, t0.Add(time.Minute), "bob", "dec-limits")

	// The hashes are all valid; only the expiry rule fails.
	_, err = l.Append(execution("carol", "dec-limits", reqID, appID, expires.Add(time.Second)))
	assert.ErrorIs(t, err, ErrApprovalExpiry)
}

func TestExecutionRequirements(t *testing.T) {
	l, _ := openLog(t)
	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")
	_, err = l.Append(approval("bob", "dec-limits", reqID, t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	appID := EventID(TypeApproved, t0.Add(time.Minute), "bob", "dec-limits")

	// Second request whose approval id does not cover it.
	_, err = l.Append(request("alice", "dec-quotas", t0.Add(2*time.Minute)))
	require.NoError(t, err)
	otherReqID := EventID(TypeRequested, t0.Add(2*time.Minute), "alice", "dec-quotas")

	_, err = l.Append(execution("carol", "dec-quotas", otherReqID, appID, t0.Add(3*time.Minute)))
	assert.ErrorIs(t, err, ErrUnknownReference)

	// Execution without evidence.
	e := execution("carol", "dec-limits", reqID, appID, t0.Add(3*time.Minute))
	e.EvidenceRefs = nil
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrNoEvidence)
}

func TestRejectReferencesRequest(t *testing.T) {
	l, _ := openLog(t)
	rejection := Event{
		Type:              TypeRejected,
		TS:                t0,
		Actor:             Actor{Role: "approver", Subject: "bob"},
		Target:            target("dec-limits"),
		PolicySHA256:      policyHash,
		RefRequestEventID: "missing",
	}
	_, err := l.Append(rejection)
	assert.ErrorIs(t, err, ErrUnknownReference)

	_, err = l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	rejection.TS = t0.Add(time.Minute)
	rejection.RefRequestEventID = EventID(TypeRequested, t0, "alice", "dec-limits")
	_, err = l.Append(rejection)
	assert.NoError(t, err)
}

func signToken(t *testing.T, key []byte, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": subject})
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestSigningKeyFailsClosed(t *testing.T) {
	key := []byte("override-chain-secret")
	l, _ := openLog(t, WithSigningKey(key))

	// No token at all.
	_, err := l.Append(request("alice", "dec-limits", t0))
	assert.ErrorIs(t, err, ErrAuth)

	// Token signed with the wrong key.
	e := request("alice", "dec-limits", t0)
	e.AuthToken = signToken(t, []byte("other-key"), "alice")
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrAuth)

	// Subject must match the acting subject.
	e.AuthToken = signToken(t, key, "mallory")
	_, err = l.Append(e)
	assert.ErrorIs(t, err, ErrAuth)

	// Properly signed token passes.
	e.AuthToken = signToken(t, key, "alice")
	_, err = l.Append(e)
	assert.NoError(t, err)
}

func TestOfflineVerifyCatchesForgedEventID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.jsonl")
	writer, err := auditchain.Open(path)
	require.NoError(t, err)

	// A foreign writer with intact hashes but a fabricated event id and
	// dangling references.
	forged := canonical.Map(map[string]canonical.Value{
		"event_type": canonical.Str(TypeExecuted),
		"event_id":   canonical.Str("forged"),
		"ts":         canonical.Str(t0.Format(time.RFC3339)),
		"actor": canonical.Map(map[string]canonical.Value{
			"role":    canonical.Str("executor"),
			"subject": canonical.Str("mallory"),
		}),
		"target": canonical.Map(map[string]canonical.Value{
			"decision_event_id": canonical.Str("dec-limits"),
			"decision_hash":     canonical.Str(strings.Repeat("ef", 32)),
		}),
		"policy_sha256":         canonical.Str(policyHash),
		"ref_request_event_id":  canonical.Str("nonexistent"),
		"ref_approval_event_id": canonical.Str("nonexistent"),
		"evidence_refs":         canonical.List(canonical.Str("receipt:abc")),
	})
	_, err = writer.Append(forged)
	require.NoError(t, err)

	// Linkage alone is clean; the event rules are not.
	generic, err := auditchain.Verify(path)
	require.NoError(t, err)
	assert.Empty(t, generic)

	findings, err := Verify(path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 1, findings[0].Line)
	assert.Equal(t, auditchain.FindingEventInvalid, findings[0].Code)
	assert.Contains(t, findings[0].Message, "event_id")
}

func TestOfflineVerifyCatchesRoleSeparationBreak(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.jsonl")
	writer, err := auditchain.Open(path)
	require.NoError(t, err)

	_, err = writer.Append(request("alice", "dec-limits", t0).toValue())
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")

	// Self-approval with a correctly derived id, written past the Log.
	_, err = writer.Append(approval("alice", "dec-limits", reqID, t0.Add(time.Minute), t0.Add(time.Hour)).toValue())
	require.NoError(t, err)

	findings, err := Verify(path)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, 2, findings[0].Line)
	assert.Equal(t, auditchain.FindingEventInvalid, findings[0].Code)
	assert.Contains(t, findings[0].Message, "requested and approved")
}

func TestActiveOverridesProjection(t *testing.T) {
	l, _ := openLog(t)

	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	limitsReq := EventID(TypeRequested, t0, "alice", "dec-limits")
	_, err = l.Append(request("alice", "dec-quotas", t0))
	require.NoError(t, err)
	quotasReq := EventID(TypeRequested, t0, "alice", "dec-quotas")

	// Two approvals on the same decision; the later ts wins.
	_, err = l.Append(approval("bob", "dec-limits", limitsReq, t0.Add(time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)
	_, err = l.Append(approval("dana", "dec-limits", limitsReq, t0.Add(2*time.Minute), t0.Add(time.Hour)))
	require.NoError(t, err)

	// Short-lived approval on the other decision.
	_, err = l.Append(approval("bob", "dec-quotas", quotasReq, t0.Add(time.Minute), t0.Add(5*time.Minute)))
	require.NoError(t, err)

	active := ActiveOverrides(l.Chain().Records(), t0.Add(3*time.Minute))
	require.Len(t, active, 2)
	assert.Equal(t, "dana", active["dec-limits"].Approver)
	assert.Equal(t, "approver", active["dec-limits"].ApproverRole)
	assert.Equal(t, policyHash, active["dec-limits"].PolicySHA256)
	assert.Equal(t, "bob", active["dec-quotas"].Approver)

	// After the short approval lapses, only one decision stays overridden.
	active = ActiveOverrides(l.Chain().Records(), t0.Add(10*time.Minute))
	require.Len(t, active, 1)
	assert.Equal(t, "dana", active["dec-limits"].Approver)
}

func TestTieBrokenByFileOrder(t *testing.T) {
	l, _ := openLog(t)
	_, err := l.Append(request("alice", "dec-limits", t0))
	require.NoError(t, err)
	reqID := EventID(TypeRequested, t0, "alice", "dec-limits")

	sameTS := t0.Add(time.Minute)
	_, err = l.Append(approval("bob", "dec-limits", reqID, sameTS, t0.Add(time.Hour)))
	require.NoError(t, err)
	_, err = l.Append(approval("dana", "dec-limits", reqID, sameTS, t0.Add(time.Hour)))
	require.NoError(t, err)

	active := ActiveOverrides(l.Chain().Records(), sameTS.Add(time.Second))
	require.Len(t, active, 1)
	// Equal timestamps: the later line wins.
	assert.Equal(t, "dana", active["dec-limits"].Approver)
}
