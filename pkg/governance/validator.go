package governance

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/keel-labs/keel/pkg/config"
)

// Violation is a single validation failure with a stable code.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Message, v.Code)
}

// Result is the outcome of proposal validation. Fail-closed: any violation
// makes the proposal unusable.
type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Gate reason codes. The gate decision is a pure function of proposal
// content, so these are reproducible by any independent implementation.
const (
	GateBlastRadius    = "GATE_BLAST_RADIUS"
	GateExternalEffect = "GATE_EXTERNAL_EFFECT"
	GateRollbackRisk   = "GATE_ROLLBACK_RISK"
	GateRiskKeyword    = "GATE_RISK_KEYWORD"
	GateProtectedScope = "GATE_PROTECTED_SCOPE"
)

// Validator performs phase-1 structural validation and phase-2 canon checks.
type Validator struct {
	schema *jsonschema.Schema
	canon  config.CanonParams
}

// NewValidator compiles the proposal schema against the given canon.
func NewValidator(canon config.CanonParams) (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://keel.schemas.local/governance/proposal.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(proposalSchema)); err != nil {
		return nil, fmt.Errorf("governance: schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("governance: schema compile failed: %w", err)
	}
	return &Validator{schema: compiled, canon: canon}, nil
}

// Validate runs both phases against a parsed proposal.
func (v *Validator) Validate(p *Proposal) *Result {
	result := &Result{Valid: true}

	// Phase 1: structural schema check.
	if err := v.schema.Validate(p.Doc.ToAny()); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			for _, leaf := range leafCauses(ve) {
				result.add(leaf.InstanceLocation, "SCHEMA_VIOLATION", leaf.Message)
			}
		} else {
			result.add("", "SCHEMA_VIOLATION", err.Error())
		}
		// Canon checks against a structurally broken document would only
		// produce noise.
		return result
	}

	// Phase 2: canon checks.
	v.checkConstitutionRefs(p, result)
	v.checkObservationWindow(p, result)
	v.checkSample(p, result)
	v.checkStability(p, result)
	v.checkRateLimit(p, result)
	v.checkHumanGate(p, result)

	return result
}

func (v *Validator) checkConstitutionRefs(p *Proposal, result *Result) {
	have := make(map[string]bool, len(p.Preconditions.ConstitutionRefs))
	for _, ref := range p.Preconditions.ConstitutionRefs {
		have[ref] = true
	}
	for _, required := range v.canon.RequiredConstitutionSections {
		if !have[required] {
			result.add("preconditions.constitution_refs", "CANON_CONSTITUTION_REF_MISSING",
				fmt.Sprintf("required constitution section %q not referenced", required))
		}
	}
}

func (v *Validator) checkObservationWindow(p *Proposal, result *Result) {
	w := p.Preconditions.ObservationWindow
	switch w.Mode {
	case WindowModeTime:
		if w.TWindowS <= 0 {
			result.add("preconditions.observation_window.t_window_s", "CANON_WINDOW_INCONSISTENT",
				"time mode requires t_window_s > 0")
		}
	case WindowModeEvents:
		if w.NEvents <= 0 {
			result.add("preconditions.observation_window.n_events", "CANON_WINDOW_INCONSISTENT",
				"events mode requires n_events > 0")
		}
	}
}

func (v *Validator) checkSample(p *Proposal, result *Result) {
	s := p.Preconditions.Sample
	if s.NObserved < s.NMin {
		result.add("preconditions.sample.n_observed", "CANON_SAMPLE_INSUFFICIENT",
			fmt.Sprintf("n_observed %d below n_min %d", s.NObserved, s.NMin))
	}
}

func (v *Validator) checkStability(p *Proposal, result *Result) {
	s := p.Preconditions.Stability
	if s.KConfirmations < v.canon.MinConfirmations {
		result.add("preconditions.stability.k_confirmations", "CANON_STABILITY_CONFIRMATIONS",
			fmt.Sprintf("k_confirmations %d below canon minimum %d", s.KConfirmations, v.canon.MinConfirmations))
	}
	if s.EpsilonBps > v.canon.MaxEpsilonBps {
		result.add("preconditions.stability.epsilon_bps", "CANON_STABILITY_EPSILON",
			fmt.Sprintf("epsilon_bps %d above canon maximum %d", s.EpsilonBps, v.canon.MaxEpsilonBps))
	}
}

func (v *Validator) checkRateLimit(p *Proposal, result *Result) {
	rl := p.RateLimit
	if rl.MaxAppliesPerDay < 1 {
		result.add("rate_limit.max_applies_per_day", "CANON_RATE_LIMIT_INCOHERENT",
			"max_applies_per_day must be at least 1")
	}
	if v.canon.MaxAppliesPerDay > 0 && rl.MaxAppliesPerDay > v.canon.MaxAppliesPerDay {
		result.add("rate_limit.max_applies_per_day", "CANON_RATE_LIMIT_INCOHERENT",
			fmt.Sprintf("max_applies_per_day %d above canon maximum %d", rl.MaxAppliesPerDay, v.canon.MaxAppliesPerDay))
	}
	if rl.CooldownS < 0 {
		result.add("rate_limit.cooldown_s", "CANON_RATE_LIMIT_INCOHERENT",
			"cooldown_s must be non-negative")
	}
	// Division form: the product max_applies_per_day*cooldown_s can
	// overflow int64.
	if rl.MaxAppliesPerDay > 0 && rl.CooldownS > 0 && rl.CooldownS > 86400/rl.MaxAppliesPerDay {
		result.add("rate_limit", "CANON_RATE_LIMIT_INCOHERENT",
			fmt.Sprintf("cooldown_s %d cannot admit %d applies per day", rl.CooldownS, rl.MaxAppliesPerDay))
	}
}

// checkHumanGate rejects proposals that under-declare the gate: if the canon
// requires a human, the proposal must already say so with at least one reason.
func (v *Validator) checkHumanGate(p *Proposal, result *Result) {
	required, reasons := v.RequiresHumanGate(p)
	if !required {
		return
	}
	if !p.HumanGate.Required {
		result.add("human_gate.required", "GATE_UNDECLARED",
			fmt.Sprintf("canon requires the human gate (%s) but the proposal does not declare it",
				strings.Join(reasons, ",")))
		return
	}
	if len(p.HumanGate.Reasons) == 0 {
		result.add("human_gate.reasons", "GATE_UNDECLARED",
			"declared human gate carries no reasons")
	}
}

// RequiresHumanGate is the deterministic Human-Gate decision: a pure
// function of proposal content and canon keywords, nothing else.
func (v *Validator) RequiresHumanGate(p *Proposal) (bool, []string) {
	var reasons []string

	if p.Scope.BlastRadius == BlastRadiusSystem || p.Scope.BlastRadius == BlastRadiusExternal {
		reasons = append(reasons, GateBlastRadius)
	}
	if containsAnyKeyword(p.Explain.RollbackScope, v.canon.RollbackRiskKeywords) {
		reasons = append(reasons, GateRollbackRisk)
	}
	if p.Scope.BlastRadius == BlastRadiusExternal {
		reasons = append(reasons, GateExternalEffect)
	}
	if containsAnyKeyword(p.Explain.RiskNote, v.canon.RiskKeywords) {
		reasons = append(reasons, GateRiskKeyword)
	}
	for _, domain := range v.canon.ProtectedDomains {
		if p.Scope.Domain == domain {
			reasons = append(reasons, GateProtectedScope)
			break
		}
	}

	return len(reasons) > 0, reasons
}

func containsAnyKeyword(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func (r *Result) add(field, code, message string) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{Field: field, Code: code, Message: message})
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var leaves []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		leaves = append(leaves, leafCauses(c)...)
	}
	return leaves
}
