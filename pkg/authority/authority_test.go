package authority

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-labs/keel/pkg/canonical"
)

var (
	testIssued = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	testExpiry = testIssued.Add(1 * time.Hour)
)

func validMeta() Meta {
	return Meta{
		ContractID: "contract-001",
		IssuedAt:   testIssued,
		ExpiresAt:  testExpiry,
		Issuer:     "governance-board",
		Version:    "1.2.0",
	}
}

func validGrant() Grant {
	return Grant{
		Domain:             "risk",
		AllowedActions:     []string{"adjust_threshold", "annotate"},
		ForbiddenActions:   []string{"delete_policy"},
		ConfidenceFloorBps: 8000,
	}
}

func validConstraints() Constraints {
	return Constraints{
		LatencyBudgetMS: 500,
		ResourceCeiling: ResourceCeiling{CPUPct: 50, MemMB: 256},
		DataScope: DataScope{
			Allowed:   []string{"metrics", "policy_store"},
			Forbidden: []string{"pii_store"},
		},
	}
}

func sealedEnvelope(t *testing.T) *Envelope {
	t.Helper()
	env, err := NewEnvelope(validMeta(), validGrant(), validConstraints(),
		Audit{TraceLevel: "full", RetentionPolicy: "90d"},
		HumanApproval{ApproverID: "alice", ApprovalRef: "rec-42"})
	require.NoError(t, err)
	return env
}

// fakePort records whether the choke point was ever reached.
type fakePort struct {
	called bool
	dpaID  string
	option string
}

func (f *fakePort) Apply(_ context.Context, dpaID, selectedOptionID string, _ canonical.Value) (Result, error) {
	f.called = true
	f.dpaID = dpaID
	f.option = selectedOptionID
	return Result{Receipt: "receipt-1"}, nil
}

func goodCall() Call {
	return Call{
		Action:            "adjust_threshold",
		ConfidenceBps:     9000,
		InputSources:      []string{"metrics"},
		EstimateLatencyMS: 100,
		EstimateCPUPct:    10,
		EstimateMemMB:     64,
		DPAID:             "dpa-7",
		SelectedOptionID:  "opt-1",
	}
}

func frozenAuthority(t *testing.T, at time.Time) (*Authority, *fakePort) {
	t.Helper()
	port := &fakePort{}
	a := New(sealedEnvelope(t)).WithClock(func() time.Time { return at })
	return a, port
}

func TestConstructionRejectsDefects(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(m *Meta, g *Grant, c *Constraints)
		wantCode string
	}{
		{"overlapping actions", func(m *Meta, g *Grant, c *Constraints) {
			g.ForbiddenActions = append(g.ForbiddenActions, "adjust_threshold")
		}, EnvelopeOverlap},
		{"overlapping data scope", func(m *Meta, g *Grant, c *Constraints) {
			c.DataScope.Forbidden = append(c.DataScope.Forbidden, "metrics")
		}, EnvelopeOverlap},
		{"expiry before issue", func(m *Meta, g *Grant, c *Constraints) {
			m.ExpiresAt = m.IssuedAt.Add(-time.Minute)
		}, EnvelopeExpiry},
		{"expiry equals issue", func(m *Meta, g *Grant, c *Constraints) {
			m.ExpiresAt = m.IssuedAt
		}, EnvelopeExpiry},
		{"bad version", func(m *Meta, g *Grant, c *Constraints) {
			m.Version = "v1"
		}, EnvelopeVersion},
		{"missing contract id", func(m *Meta, g *Grant, c *Constraints) {
			m.ContractID = ""
		}, EnvelopeMissingField},
		{"empty grant", func(m *Meta, g *Grant, c *Constraints) {
			g.AllowedActions = nil
		}, EnvelopeMissingField},
		{"floor above basis range", func(m *Meta, g *Grant, c *Constraints) {
			g.ConfidenceFloorBps = 10001
		}, EnvelopeFloor},
		{"zero latency budget", func(m *Meta, g *Grant, c *Constraints) {
			c.LatencyBudgetMS = 0
		}, EnvelopeCeiling},
		{"zero mem ceiling", func(m *Meta, g *Grant, c *Constraints) {
			c.ResourceCeiling.MemMB = 0
		}, EnvelopeCeiling},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta, grant, constraints := validMeta(), validGrant(), validConstraints()
			tc.mutate(&meta, &grant, &constraints)
			_, err := NewEnvelope(meta, grant, constraints, Audit{}, HumanApproval{})
			require.Error(t, err)
			var envErr *EnvelopeError
			require.ErrorAs(t, err, &envErr)
			assert.Equal(t, tc.wantCode, envErr.Code)
		})
	}
}

func TestOverlapFailsAtConstructionNeverAtCallTime(t *testing.T) {
	grant := validGrant()
	grant.ForbiddenActions = []string{"adjust_threshold"}
	_, err := NewEnvelope(validMeta(), grant, validConstraints(), Audit{}, HumanApproval{})
	var envErr *EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, EnvelopeOverlap, envErr.Code)
	// There is no envelope to call: the defect cannot survive to Run.
}

func TestRunAuthorizesAndReachesPort(t *testing.T) {
	a, port := frozenAuthority(t, testIssued.Add(10*time.Minute))

	result, err := a.Run(context.Background(), goodCall(), port)
	require.NoError(t, err)
	assert.True(t, port.called)
	assert.Equal(t, "dpa-7", port.dpaID)
	assert.Equal(t, "opt-1", port.option)
	assert.Equal(t, "receipt-1", result.Receipt)
}

func TestRunDenials(t *testing.T) {
	cases := []struct {
		name     string
		at       time.Time
		mutate   func(c *Call)
		wantCode string
	}{
		{"expired envelope", testExpiry.Add(time.Second), func(c *Call) {}, DenyExpired},
		{"expiry boundary is exclusive", testExpiry, func(c *Call) {}, DenyExpired},
		{"unknown action", testIssued, func(c *Call) { c.Action = "reboot" }, DenyActionUnknown},
		{"confidence below floor", testIssued, func(c *Call) { c.ConfidenceBps = 7999 }, DenyConfidence},
		{"forbidden source", testIssued, func(c *Call) { c.InputSources = []string{"pii_store"} }, DenyDataScope},
		{"source outside scope", testIssued, func(c *Call) { c.InputSources = []string{"shadow_db"} }, DenyDataScope},
		{"latency over budget", testIssued, func(c *Call) { c.EstimateLatencyMS = 501 }, DenyLatency},
		{"cpu over ceiling", testIssued, func(c *Call) { c.EstimateCPUPct = 51 }, DenyResource},
		{"mem over ceiling", testIssued, func(c *Call) { c.EstimateMemMB = 257 }, DenyResource},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, port := frozenAuthority(t, tc.at)
			call := goodCall()
			tc.mutate(&call)

			_, err := a.Run(context.Background(), call, port)
			require.Error(t, err)
			var denial *Denial
			require.ErrorAs(t, err, &denial)
			assert.Equal(t, tc.wantCode, denial.Code)
			assert.False(t, port.called, "the port must never run after a denial")
		})
	}
}

func TestCheckOrderExpiredBeatsEverything(t *testing.T) {
	// An expired envelope with an unknown action reports expiry, not the
	// action failure: the check order is fixed.
	a, port := frozenAuthority(t, testExpiry.Add(time.Hour))
	call := goodCall()
	call.Action = "reboot"

	_, err := a.Run(context.Background(), call, port)
	var denial *Denial
	require.ErrorAs(t, err, &denial)
	assert.Equal(t, DenyExpired, denial.Code)
	assert.False(t, port.called)
}
