// Package governance validates policy proposals against the canon, decides
// the Human-Gate, and runs the constitutional queue-evaluation protocol.
package governance

import (
	"errors"
	"fmt"

	"github.com/keel-labs/keel/pkg/canonical"
	"github.com/keel-labs/keel/pkg/policy"
)

// ErrMalformedProposal is returned when a proposal document cannot be
// decoded into the proposal shape at all.
var ErrMalformedProposal = errors.New("governance: malformed proposal")

// Blast radius values, narrowest to widest.
const (
	BlastRadiusLocal     = "local"
	BlastRadiusSubsystem = "subsystem"
	BlastRadiusSystem    = "system"
	BlastRadiusExternal  = "external"
)

// Observation window modes.
const (
	WindowModeTime   = "time"
	WindowModeEvents = "events"
)

// PatchFormat is the only patch format the engine accepts.
const PatchFormat = "json-patch-minimal"

// Scope names what part of the running policy a proposal touches.
type Scope struct {
	Domain      string `json:"domain"`
	Subsystem   string `json:"subsystem"`
	Severity    string `json:"severity"`
	BlastRadius string `json:"blast_radius"`
}

// ObservationWindow describes how long the producer watched before proposing.
type ObservationWindow struct {
	Mode     string `json:"mode"`
	TWindowS int64  `json:"t_window_s,omitempty"`
	NEvents  int64  `json:"n_events,omitempty"`
}

// Sample carries the evidence counts behind a proposal.
type Sample struct {
	NMin      int64 `json:"n_min"`
	NObserved int64 `json:"n_observed"`
}

// Stability carries the producer's stability evidence. Epsilon is expressed
// in basis points; the data model forbids floats.
type Stability struct {
	KConfirmations int64  `json:"k_confirmations"`
	EpsilonBps     int64  `json:"epsilon_bps"`
	Summary        string `json:"summary"`
}

// Preconditions bundle the canon evidence a proposal must satisfy.
type Preconditions struct {
	ConstitutionRefs  []string          `json:"constitution_refs"`
	ObservationWindow ObservationWindow `json:"observation_window"`
	Sample            Sample            `json:"sample"`
	Stability         Stability         `json:"stability"`
}

// Baseline pins the snapshot the patch was computed against.
type Baseline struct {
	SnapshotID int64  `json:"snapshot_id"`
	PolicyHash string `json:"policy_hash"`
}

// Explain carries the producer's human-readable justification.
type Explain struct {
	Summary       string `json:"summary"`
	RollbackScope string `json:"rollback_scope"`
	RiskNote      string `json:"risk_note"`
}

// RateLimit bounds how often this class of change may be applied.
type RateLimit struct {
	MaxAppliesPerDay int64 `json:"max_applies_per_day"`
	CooldownS        int64 `json:"cooldown_s"`
}

// HumanGate is the proposal's own declaration of the gate.
type HumanGate struct {
	Required bool     `json:"required"`
	Reasons  []string `json:"reasons"`
}

// Proposal is a policy-change document produced outside this core. It is
// read-only here; a revision is a new document, never a mutation.
type Proposal struct {
	ProposalID    string        `json:"proposal_id"`
	Source        string        `json:"source"`
	Scope         Scope         `json:"scope"`
	Preconditions Preconditions `json:"preconditions"`
	Baseline      Baseline      `json:"baseline"`
	Patch         Patch         `json:"patch"`
	Explain       Explain       `json:"explain"`
	RateLimit     RateLimit     `json:"rate_limit"`
	HumanGate     HumanGate     `json:"human_gate"`

	// Doc is the full document as consumed; all hashes derive from it.
	Doc canonical.Value `json:"-"`
}

// Patch holds the declared format and raw ops list.
type Patch struct {
	Format string          `json:"format"`
	Ops    canonical.Value `json:"ops"`
}

// ParseProposal decodes a proposal document through the float-free codec.
// Structural and canon validation are the Validator's job; this only
// guarantees the document has the proposal shape.
func ParseProposal(raw []byte) (*Proposal, error) {
	doc, err := canonical.FromJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedProposal, err)
	}
	return proposalFromValue(doc)
}

func proposalFromValue(doc canonical.Value) (*Proposal, error) {
	p := &Proposal{Doc: doc}

	p.ProposalID = str(doc, "proposal_id")
	p.Source = str(doc, "source")

	scope, _ := doc.Get("scope")
	p.Scope = Scope{
		Domain:      str(scope, "domain"),
		Subsystem:   str(scope, "subsystem"),
		Severity:    str(scope, "severity"),
		BlastRadius: str(scope, "blast_radius"),
	}

	pre, _ := doc.Get("preconditions")
	window, _ := pre.Get("observation_window")
	sample, _ := pre.Get("sample")
	stability, _ := pre.Get("stability")
	p.Preconditions = Preconditions{
		ConstitutionRefs: strList(pre, "constitution_refs"),
		ObservationWindow: ObservationWindow{
			Mode:     str(window, "mode"),
			TWindowS: num(window, "t_window_s"),
			NEvents:  num(window, "n_events"),
		},
		Sample: Sample{
			NMin:      num(sample, "n_min"),
			NObserved: num(sample, "n_observed"),
		},
		Stability: Stability{
			KConfirmations: num(stability, "k_confirmations"),
			EpsilonBps:     num(stability, "epsilon_bps"),
			Summary:        str(stability, "summary"),
		},
	}

	baseline, _ := doc.Get("baseline")
	p.Baseline = Baseline{
		SnapshotID: num(baseline, "snapshot_id"),
		PolicyHash: canonical.StripPrefix(str(baseline, "policy_hash")),
	}

	patch, _ := doc.Get("patch")
	ops, _ := patch.Get("ops")
	p.Patch = Patch{Format: str(patch, "format"), Ops: ops}

	explain, _ := doc.Get("explain")
	p.Explain = Explain{
		Summary:       str(explain, "summary"),
		RollbackScope: str(explain, "rollback_scope"),
		RiskNote:      str(explain, "risk_note"),
	}

	rate, _ := doc.Get("rate_limit")
	p.RateLimit = RateLimit{
		MaxAppliesPerDay: num(rate, "max_applies_per_day"),
		CooldownS:        num(rate, "cooldown_s"),
	}

	gate, _ := doc.Get("human_gate")
	required, _ := func() (bool, bool) {
		v, ok := gate.Get("required")
		if !ok {
			return false, false
		}
		return v.BoolVal()
	}()
	p.HumanGate = HumanGate{Required: required, Reasons: strList(gate, "reasons")}

	return p, nil
}

// Ops parses the proposal's patch ops through the patch engine.
func (p *Proposal) Ops() ([]policy.Op, error) {
	return policy.OpsFromValue(p.Patch.Ops)
}

// Hash returns the canonical digest of the full proposal document.
func (p *Proposal) Hash() string {
	return canonical.Hash(p.Doc)
}

func str(v canonical.Value, key string) string {
	child, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := child.StrVal()
	return s
}

func num(v canonical.Value, key string) int64 {
	child, ok := v.Get(key)
	if !ok {
		return 0
	}
	i, _ := child.IntVal()
	return i
}

func strList(v canonical.Value, key string) []string {
	child, ok := v.Get(key)
	if !ok {
		return nil
	}
	list, ok := child.ListVal()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.StrVal(); ok {
			out = append(out, s)
		}
	}
	return out
}
