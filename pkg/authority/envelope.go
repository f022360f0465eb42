// Package authority enforces execution envelopes: time-bounded, read-only
// grants that bound what a single side-effecting port may be asked to do.
package authority

import (
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"
)

// EnvelopeError reports a construction-time defect. Malformed envelopes are
// rejected before they can authorize anything.
type EnvelopeError struct {
	Field   string
	Code    string
	Message string
}

func (e *EnvelopeError) Error() string {
	return fmt.Sprintf("envelope %s: %s (%s)", e.Field, e.Message, e.Code)
}

// Construction defect codes.
const (
	EnvelopeOverlap      = "ENVELOPE_OVERLAP"
	EnvelopeExpiry       = "ENVELOPE_EXPIRY"
	EnvelopeVersion      = "ENVELOPE_VERSION"
	EnvelopeMissingField = "ENVELOPE_MISSING_FIELD"
	EnvelopeCeiling      = "ENVELOPE_CEILING"
	EnvelopeFloor        = "ENVELOPE_FLOOR"
)

// Meta identifies the envelope and its validity window.
type Meta struct {
	ContractID string    `json:"contract_id"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Issuer     string    `json:"issuer"`
	Version    string    `json:"version"`
}

// Grant is the action authority: what may run, what must never run, and the
// minimum confidence demanded. ConfidenceFloorBps is integer basis points,
// 0..10000.
type Grant struct {
	Domain             string   `json:"domain"`
	AllowedActions     []string `json:"allowed_actions"`
	ForbiddenActions   []string `json:"forbidden_actions"`
	ConfidenceFloorBps int64    `json:"confidence_floor_bps"`
}

// ResourceCeiling bounds what an authorized call may consume.
type ResourceCeiling struct {
	CPUPct int64 `json:"cpu_pct"`
	MemMB  int64 `json:"mem_mb"`
}

// DataScope bounds which input sources a call may read.
type DataScope struct {
	Allowed   []string `json:"allowed"`
	Forbidden []string `json:"forbidden"`
}

// Constraints are the per-call resource and data bounds.
type Constraints struct {
	LatencyBudgetMS int64           `json:"latency_budget_ms"`
	ResourceCeiling ResourceCeiling `json:"resource_ceiling"`
	DataScope       DataScope       `json:"data_scope"`
}

// Audit carries the trace and retention demands the issuer attached.
type Audit struct {
	TraceLevel      string `json:"trace_level"`
	RetentionPolicy string `json:"retention_policy"`
}

// HumanApproval records who approved minting this envelope.
type HumanApproval struct {
	ApproverID  string `json:"approver_id"`
	ApprovalRef string `json:"approval_ref"`
}

// Envelope is minted once outside this core and read-only afterwards.
type Envelope struct {
	Meta          Meta          `json:"meta"`
	Authority     Grant         `json:"authority"`
	Constraints   Constraints   `json:"constraints"`
	Audit         Audit         `json:"audit"`
	HumanApproval HumanApproval `json:"human_approval"`
}

// NewEnvelope validates and seals an envelope. Every defect fails here so
// call-time checks can trust the envelope's internal consistency.
func NewEnvelope(meta Meta, grant Grant, constraints Constraints, audit Audit, approval HumanApproval) (*Envelope, error) {
	if meta.ContractID == "" {
		return nil, &EnvelopeError{Field: "meta.contract_id", Code: EnvelopeMissingField, Message: "contract id is required"}
	}
	if meta.Issuer == "" {
		return nil, &EnvelopeError{Field: "meta.issuer", Code: EnvelopeMissingField, Message: "issuer is required"}
	}
	if _, err := semver.StrictNewVersion(meta.Version); err != nil {
		return nil, &EnvelopeError{Field: "meta.version", Code: EnvelopeVersion,
			Message: fmt.Sprintf("%q is not a valid semantic version", meta.Version)}
	}
	if !meta.ExpiresAt.After(meta.IssuedAt) {
		return nil, &EnvelopeError{Field: "meta.expires_at", Code: EnvelopeExpiry,
			Message: "expiry must be after issue time"}
	}
	if overlap := intersect(grant.AllowedActions, grant.ForbiddenActions); len(overlap) > 0 {
		return nil, &EnvelopeError{Field: "authority", Code: EnvelopeOverlap,
			Message: fmt.Sprintf("actions both allowed and forbidden: %v", overlap)}
	}
	if len(grant.AllowedActions) == 0 {
		return nil, &EnvelopeError{Field: "authority.allowed_actions", Code: EnvelopeMissingField,
			Message: "an envelope granting no actions authorizes nothing"}
	}
	if grant.ConfidenceFloorBps < 0 || grant.ConfidenceFloorBps > 10000 {
		return nil, &EnvelopeError{Field: "authority.confidence_floor_bps", Code: EnvelopeFloor,
			Message: "confidence floor must be within 0..10000 basis points"}
	}
	if overlap := intersect(constraints.DataScope.Allowed, constraints.DataScope.Forbidden); len(overlap) > 0 {
		return nil, &EnvelopeError{Field: "constraints.data_scope", Code: EnvelopeOverlap,
			Message: fmt.Sprintf("sources both allowed and forbidden: %v", overlap)}
	}
	if constraints.LatencyBudgetMS <= 0 {
		return nil, &EnvelopeError{Field: "constraints.latency_budget_ms", Code: EnvelopeCeiling,
			Message: "latency budget must be positive"}
	}
	if constraints.ResourceCeiling.CPUPct <= 0 || constraints.ResourceCeiling.MemMB <= 0 {
		return nil, &EnvelopeError{Field: "constraints.resource_ceiling", Code: EnvelopeCeiling,
			Message: "resource ceilings must be positive"}
	}

	return &Envelope{
		Meta:          meta,
		Authority:     grant,
		Constraints:   constraints,
		Audit:         audit,
		HumanApproval: approval,
	}, nil
}

// Expired reports whether the envelope's window has closed at the given time.
func (e *Envelope) Expired(at time.Time) bool {
	return !at.Before(e.Meta.ExpiresAt)
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
