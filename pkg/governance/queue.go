package governance

import (
	"fmt"
)

// ResultKind is the outcome class of a queue evaluation.
type ResultKind string

const (
	ResultNoop      ResultKind = "NOOP"
	ResultDuplicate ResultKind = "DUPLICATE"
	ResultMismatch  ResultKind = "MISMATCH"
	ResultApplied   ResultKind = "APPLIED"
	ResultSkipped   ResultKind = "SKIPPED"
)

// Reason codes carried by queue outcomes.
const (
	ReasonEmptyDiff        = "EMPTY_DIFF"
	ReasonBaselineConsumed = "BASELINE_ALREADY_APPLIED"
	ReasonBaselineStale    = "BASELINE_MISMATCH"
)

// Outcome is the result of one queue evaluation. It is never persisted by
// the evaluator itself.
type Outcome struct {
	ProposalID     string     `json:"proposal_id"`
	BaselineHash   string     `json:"baseline_hash"`
	Result         ResultKind `json:"result"`
	ReasonCode     string     `json:"reason_code"`
	HashBefore     string     `json:"hash_before"`
	HashAfter      string     `json:"hash_after"`
	AppliedPatchID string     `json:"applied_patch_id,omitempty"`
}

// ApplyResult is what the application callback reports back.
type ApplyResult struct {
	Applied    bool
	PatchID    string
	HashAfter  string
	ReasonCode string
}

// Deps is the narrow collaborator surface the evaluator may touch. Keeping
// it this small preserves the short-circuit guarantees: a NOOP evaluation
// must never reach HasBeenApplied or Apply.
type Deps interface {
	// GetCurrentPolicyHash returns the digest of the latest policy snapshot.
	GetCurrentPolicyHash() (string, error)
	// IsNoop reports whether the proposal's patch leaves the current policy
	// unchanged.
	IsNoop(p *Proposal) (bool, error)
	// HasBeenApplied reports whether this baseline hash was ever consumed
	// by a successful apply.
	HasBeenApplied(baselineHash string) (bool, error)
	// Apply runs the patch; only reached when every earlier check passed.
	Apply(p *Proposal) (ApplyResult, error)
}

// Evaluate runs the constitutional queue protocol for one proposal.
//
// The order is a correctness invariant, never reordered or parallelized:
// NOOP wins over DUPLICATE and MISMATCH (an empty diff conflicts with
// nothing), and DUPLICATE wins over MISMATCH (idempotent replay of a
// consumed baseline is not a concurrency conflict).
func Evaluate(p *Proposal, deps Deps) (Outcome, error) {
	out := Outcome{
		ProposalID:   p.ProposalID,
		BaselineHash: p.Baseline.PolicyHash,
	}

	current, err := deps.GetCurrentPolicyHash()
	if err != nil {
		return Outcome{}, fmt.Errorf("governance: current policy hash: %w", err)
	}
	out.HashBefore = current

	noop, err := deps.IsNoop(p)
	if err != nil {
		return Outcome{}, fmt.Errorf("governance: noop check: %w", err)
	}
	if noop {
		out.Result = ResultNoop
		out.ReasonCode = ReasonEmptyDiff
		out.HashAfter = current
		return out, nil
	}

	applied, err := deps.HasBeenApplied(p.Baseline.PolicyHash)
	if err != nil {
		return Outcome{}, fmt.Errorf("governance: duplicate check: %w", err)
	}
	if applied {
		out.Result = ResultDuplicate
		out.ReasonCode = ReasonBaselineConsumed
		out.HashAfter = current
		return out, nil
	}

	if p.Baseline.PolicyHash != current {
		out.Result = ResultMismatch
		out.ReasonCode = ReasonBaselineStale
		out.HashAfter = current
		return out, nil
	}

	applyResult, err := deps.Apply(p)
	if err != nil {
		return Outcome{}, fmt.Errorf("governance: apply: %w", err)
	}
	if applyResult.Applied {
		out.Result = ResultApplied
		out.HashAfter = applyResult.HashAfter
		out.AppliedPatchID = applyResult.PatchID
	} else {
		out.Result = ResultSkipped
		out.HashAfter = current
	}
	out.ReasonCode = applyResult.ReasonCode
	return out, nil
}
