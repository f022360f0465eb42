// Package override specializes the audit chain for human override events:
// request, approve, reject, execute, with role separation and expiry rules
// enforced before any write and replayed by offline verification.
package override

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keel-labs/keel/pkg/auditchain"
	"github.com/keel-labs/keel/pkg/canonical"
)

// Event types in lifecycle order.
const (
	TypeRequested = "REQUESTED"
	TypeApproved  = "APPROVED"
	TypeRejected  = "REJECTED"
	TypeExecuted  = "EXECUTED"
)

var (
	// ErrMalformedEvent covers missing or ill-typed event fields.
	ErrMalformedEvent = errors.New("override: malformed event")

	// ErrUnknownReference is returned when an event references a request or
	// approval that does not exist in the chain.
	ErrUnknownReference = errors.New("override: referenced event not found")

	// ErrRoleSeparation is returned when the approver of a request is its
	// own requester.
	ErrRoleSeparation = errors.New("override: approver must differ from requester")

	// ErrApprovalExpiry is returned when an approval does not outlive its
	// own timestamp, or an execution lands after the approval expired.
	ErrApprovalExpiry = errors.New("override: approval expiry violated")

	// ErrNoEvidence is returned when an execution carries no evidence refs.
	ErrNoEvidence = errors.New("override: execution requires evidence refs")

	// ErrAuth is returned when a signing key is configured and the event's
	// bearer token is missing or fails verification.
	ErrAuth = errors.New("override: auth token rejected")
)

// Actor identifies who acted. Role and subject are recorded separately so
// both halves of the role-separation rule stay auditable.
type Actor struct {
	Role    string
	Subject string
}

// Target pins the decision being overridden and the digest of that
// decision's record.
type Target struct {
	DecisionEventID string
	DecisionHash    string
}

// Event is one override lifecycle event before chaining. The event id is
// derived, never supplied. PolicySHA256 records the policy snapshot digest
// the override acts under.
type Event struct {
	Type               string
	TS                 time.Time
	Actor              Actor
	Target             Target
	PolicySHA256       string
	RefRequestEventID  string
	RefApprovalEventID string
	ExpiresAt          time.Time
	EvidenceRefs       []string
	AuthToken          string
}

// EventID derives the stable identifier from type, timestamp, actor
// subject and target decision id. Validators recompute it, so a forged id
// cannot enter the chain.
func EventID(eventType string, ts time.Time, actorSubject, decisionEventID string) string {
	seed := eventType + "|" + ts.UTC().Format(time.RFC3339) + "|" + actorSubject + "|" + decisionEventID
	return canonical.HashBytes([]byte(seed))[:32]
}

// Log is an override event chain.
type Log struct {
	chain *auditchain.Chain
	key   []byte
}

// Option configures a Log.
type Option func(*Log)

// WithSigningKey enables HS256 bearer-token verification on every append.
// Once configured, an event without a valid token is rejected.
func WithSigningKey(key []byte) Option {
	return func(l *Log) { l.key = key }
}

// Open loads or creates an override chain at path.
func Open(path string, opts ...Option) (*Log, error) {
	l := &Log{}
	for _, opt := range opts {
		opt(l)
	}
	chain, err := auditchain.Open(path, l.validate)
	if err != nil {
		return nil, err
	}
	l.chain = chain
	return l, nil
}

// Chain exposes the underlying chain for verification and projection.
func (l *Log) Chain() *auditchain.Chain { return l.chain }

// Append validates and chains one event, returning the new head hash.
func (l *Log) Append(e Event) (string, error) {
	return l.chain.Append(e.toValue())
}

// Verify re-reads a chain file offline and replays the override event
// rules alongside the hash linkage, so records written past a Log (or a
// wholesale-rewritten file) still fail. Pass WithSigningKey to also
// re-check bearer tokens.
func Verify(path string, opts ...Option) ([]auditchain.Finding, error) {
	l := &Log{}
	for _, opt := range opts {
		opt(l)
	}
	return auditchain.Verify(path, l.validate)
}

func (e Event) toValue() canonical.Value {
	m := map[string]canonical.Value{
		"event_type": canonical.Str(e.Type),
		"event_id":   canonical.Str(EventID(e.Type, e.TS, e.Actor.Subject, e.Target.DecisionEventID)),
		"ts":         canonical.Str(e.TS.UTC().Format(time.RFC3339)),
		"actor": canonical.Map(map[string]canonical.Value{
			"role":    canonical.Str(e.Actor.Role),
			"subject": canonical.Str(e.Actor.Subject),
		}),
		"target": canonical.Map(map[string]canonical.Value{
			"decision_event_id": canonical.Str(e.Target.DecisionEventID),
			"decision_hash":     canonical.Str(e.Target.DecisionHash),
		}),
		"policy_sha256": canonical.Str(e.PolicySHA256),
	}
	if e.RefRequestEventID != "" {
		m["ref_request_event_id"] = canonical.Str(e.RefRequestEventID)
	}
	if e.RefApprovalEventID != "" {
		m["ref_approval_event_id"] = canonical.Str(e.RefApprovalEventID)
	}
	if !e.ExpiresAt.IsZero() {
		m["expires_at"] = canonical.Str(e.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if len(e.EvidenceRefs) > 0 {
		refs := make([]canonical.Value, len(e.EvidenceRefs))
		for i, r := range e.EvidenceRefs {
			refs[i] = canonical.Str(r)
		}
		m["evidence_refs"] = canonical.List(refs...)
	}
	if e.AuthToken != "" {
		m["auth"] = canonical.Str(e.AuthToken)
	}
	return canonical.Map(m)
}

// parsed is the decoded view of a chained override record.
type parsed struct {
	Type               string
	ID                 string
	TS                 time.Time
	Actor              Actor
	Target             Target
	PolicySHA256       string
	RefRequestEventID  string
	RefApprovalEventID string
	ExpiresAt          time.Time
	EvidenceRefs       int
	AuthToken          string
}

func parseRecord(rec canonical.Value) (parsed, error) {
	get := func(v canonical.Value, key string) string {
		child, ok := v.Get(key)
		if !ok {
			return ""
		}
		s, _ := child.StrVal()
		return s
	}
	actor, _ := rec.Get("actor")
	target, _ := rec.Get("target")
	p := parsed{
		Type: get(rec, "event_type"),
		ID:   get(rec, "event_id"),
		Actor: Actor{
			Role:    get(actor, "role"),
			Subject: get(actor, "subject"),
		},
		Target: Target{
			DecisionEventID: get(target, "decision_event_id"),
			DecisionHash:    get(target, "decision_hash"),
		},
		PolicySHA256:       get(rec, "policy_sha256"),
		RefRequestEventID:  get(rec, "ref_request_event_id"),
		RefApprovalEventID: get(rec, "ref_approval_event_id"),
		AuthToken:          get(rec, "auth"),
	}
	if refs, ok := rec.Get("evidence_refs"); ok {
		p.EvidenceRefs = refs.Len()
	}
	var err error
	if p.TS, err = time.Parse(time.RFC3339, get(rec, "ts")); err != nil {
		return parsed{}, fmt.Errorf("%w: bad ts: %v", ErrMalformedEvent, err)
	}
	if raw := get(rec, "expires_at"); raw != "" {
		if p.ExpiresAt, err = time.Parse(time.RFC3339, raw); err != nil {
			return parsed{}, fmt.Errorf("%w: bad expires_at: %v", ErrMalformedEvent, err)
		}
	}
	return p, nil
}

// validate enforces the override event rules against the chain history.
func (l *Log) validate(rec canonical.Value, history []canonical.Value) error {
	p, err := parseRecord(rec)
	if err != nil {
		return err
	}
	if p.Actor.Subject == "" || p.Target.DecisionEventID == "" {
		return fmt.Errorf("%w: actor subject and target decision id are required", ErrMalformedEvent)
	}
	if p.Actor.Role == "" {
		return fmt.Errorf("%w: actor role is required", ErrMalformedEvent)
	}
	if p.PolicySHA256 == "" {
		return fmt.Errorf("%w: policy_sha256 is required", ErrMalformedEvent)
	}
	if want := EventID(p.Type, p.TS, p.Actor.Subject, p.Target.DecisionEventID); p.ID != want {
		return fmt.Errorf("%w: event_id %s does not derive from content", ErrMalformedEvent, p.ID)
	}
	if err := l.checkAuth(p); err != nil {
		return err
	}

	switch p.Type {
	case TypeRequested:
		return nil
	case TypeApproved:
		request, err := findEvent(history, p.RefRequestEventID, TypeRequested)
		if err != nil {
			return err
		}
		if request.Actor.Subject == p.Actor.Subject {
			return fmt.Errorf("%w: %s requested and approved %s",
				ErrRoleSeparation, p.Actor.Subject, p.Target.DecisionEventID)
		}
		if !p.ExpiresAt.After(p.TS) {
			return fmt.Errorf("%w: expires_at must exceed the approval ts", ErrApprovalExpiry)
		}
		return nil
	case TypeRejected:
		_, err := findEvent(history, p.RefRequestEventID, TypeRequested)
		return err
	case TypeExecuted:
		if _, err := findEvent(history, p.RefRequestEventID, TypeRequested); err != nil {
			return err
		}
		approval, err := findEvent(history, p.RefApprovalEventID, TypeApproved)
		if err != nil {
			return err
		}
		if approval.RefRequestEventID != p.RefRequestEventID {
			return fmt.Errorf("%w: approval %s covers request %s, not %s",
				ErrUnknownReference, approval.ID, approval.RefRequestEventID, p.RefRequestEventID)
		}
		if p.TS.After(approval.ExpiresAt) {
			return fmt.Errorf("%w: execution at %s after approval expired %s",
				ErrApprovalExpiry, p.TS.Format(time.RFC3339), approval.ExpiresAt.Format(time.RFC3339))
		}
		if p.EvidenceRefs == 0 {
			return ErrNoEvidence
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, p.Type)
	}
}

func (l *Log) checkAuth(p parsed) error {
	if len(l.key) == 0 {
		return nil
	}
	if p.AuthToken == "" {
		return fmt.Errorf("%w: token required", ErrAuth)
	}
	token, err := jwt.Parse(p.AuthToken, func(t *jwt.Token) (any, error) {
		return l.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub != p.Actor.Subject {
		return fmt.Errorf("%w: token subject %q does not match actor %q", ErrAuth, sub, p.Actor.Subject)
	}
	return nil
}

func findEvent(history []canonical.Value, id, wantType string) (parsed, error) {
	if id == "" {
		return parsed{}, fmt.Errorf("%w: missing %s reference", ErrUnknownReference, wantType)
	}
	for _, rec := range history {
		p, err := parseRecord(rec)
		if err != nil {
			continue
		}
		if p.ID == id && p.Type == wantType {
			return p, nil
		}
	}
	return parsed{}, fmt.Errorf("%w: no %s event %s", ErrUnknownReference, wantType, id)
}

// Active is one live override in the projection.
type Active struct {
	Target          string    `json:"target"`
	DecisionHash    string    `json:"decision_hash,omitempty"`
	PolicySHA256    string    `json:"policy_sha256"`
	ApprovalEventID string    `json:"approval_event_id"`
	Approver        string    `json:"approver"`
	ApproverRole    string    `json:"approver_role"`
	ApprovedAt      time.Time `json:"approved_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// ActiveOverrides projects, per target decision, the single non-expired
// approval at the given instant: latest approval ts wins, ties resolved by
// file order (the later line wins).
func ActiveOverrides(records []canonical.Value, at time.Time) map[string]Active {
	out := make(map[string]Active)
	for _, rec := range records {
		p, err := parseRecord(rec)
		if err != nil || p.Type != TypeApproved {
			continue
		}
		if !p.ExpiresAt.After(at) {
			continue
		}
		current, held := out[p.Target.DecisionEventID]
		if !held || !p.TS.Before(current.ApprovedAt) {
			out[p.Target.DecisionEventID] = Active{
				Target:          p.Target.DecisionEventID,
				DecisionHash:    p.Target.DecisionHash,
				PolicySHA256:    p.PolicySHA256,
				ApprovalEventID: p.ID,
				Approver:        p.Actor.Subject,
				ApproverRole:    p.Actor.Role,
				ApprovedAt:      p.TS,
				ExpiresAt:       p.ExpiresAt,
			}
		}
	}
	return out
}
