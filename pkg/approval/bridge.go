package approval

import (
	"errors"

	"github.com/keel-labs/keel/pkg/canonical"
	"github.com/keel-labs/keel/pkg/governance"
	"github.com/keel-labs/keel/pkg/policy"
)

// Bridge adapts the ledger and policy store to the queue evaluator's
// collaborator surface, binding each apply to a fixed applier identity and
// approval threshold.
type Bridge struct {
	Ledger       *Ledger
	Store        *policy.Store
	Applier      string
	MinApprovals int
}

var _ governance.Deps = (*Bridge)(nil)

// GetCurrentPolicyHash returns the latest snapshot digest.
func (b *Bridge) GetCurrentPolicyHash() (string, error) {
	snap, err := b.Store.Latest()
	if err != nil {
		return "", err
	}
	return snap.SHA256, nil
}

// IsNoop dry-runs the patch against the live policy and compares hashes.
func (b *Bridge) IsNoop(p *governance.Proposal) (bool, error) {
	snap, err := b.Store.Latest()
	if err != nil {
		return false, err
	}
	ops, err := p.Ops()
	if err != nil {
		return false, err
	}
	return policy.IsNoop(snap.Policy, ops)
}

// HasBeenApplied consults the ledger for a consumed baseline.
func (b *Bridge) HasBeenApplied(baselineHash string) (bool, error) {
	return b.Ledger.HasBeenApplied(baselineHash)
}

// Apply runs the full approval-gated apply. Insufficient approvals surface
// as a skip with a reason code rather than an error, so the queue outcome
// stays a plain record of what happened.
func (b *Bridge) Apply(p *governance.Proposal) (governance.ApplyResult, error) {
	record, err := b.Ledger.ApplyAfterApprovals(p.ProposalID, b.Applier, b.MinApprovals, StrategyReject)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientApprovals):
			return governance.ApplyResult{Applied: false, ReasonCode: "APPROVALS_PENDING"}, nil
		case errors.Is(err, ErrSelfApproval):
			return governance.ApplyResult{Applied: false, ReasonCode: "SELF_APPROVAL"}, nil
		default:
			return governance.ApplyResult{}, err
		}
	}
	return governance.ApplyResult{
		Applied:   true,
		PatchID:   record.ReceiptHash,
		HashAfter: canonical.StripPrefix(record.AfterHash),
	}, nil
}
