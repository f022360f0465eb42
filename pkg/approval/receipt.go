package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/keel-labs/keel/pkg/canonical"
	"github.com/keel-labs/keel/pkg/governance"
	"github.com/keel-labs/keel/pkg/policy"
)

// Receipt is the immutable apply artifact. Its receipt_hash is computed
// over the canonical form of the document with the hash field absent, so
// any later edit to the file is detectable.
type Receipt struct {
	ReceiptID     string           `json:"receipt_id"`
	ProposalID    string           `json:"proposal_id"`
	Noop          bool             `json:"noop"`
	BeforeVersion int              `json:"before_version"`
	BeforeHash    string           `json:"before_hash"`
	AfterVersion  int              `json:"after_version"`
	AfterHash     string           `json:"after_hash"`
	Ops           []map[string]any `json:"ops"`
	Evidence      map[string]any   `json:"evidence"`
	Approvers     []string         `json:"approvers"`
	Applier       string           `json:"applier"`
	Warnings      []string         `json:"warnings,omitempty"`
	TS            time.Time        `json:"ts"`
	ReceiptHash   string           `json:"receipt_hash"`
}

// ComputeReceiptHash returns the digest of the receipt with its own hash
// field cleared. Exposed so verifiers can recompute it offline.
func ComputeReceiptHash(r Receipt) (string, error) {
	r.ReceiptHash = ""
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("approval: encode receipt: %w", err)
	}
	v, err := canonical.FromJSON(raw)
	if err != nil {
		return "", fmt.Errorf("approval: canonicalize receipt: %w", err)
	}
	return canonical.Hash(v), nil
}

func (l *Ledger) writeReceipt(p *governance.Proposal, record Record, ops []policy.Op, approvers []string, applier string, noop bool, warnings []string) (Receipt, error) {
	opDocs := make([]map[string]any, len(ops))
	for i, op := range ops {
		opDocs[i] = op.ToAny()
	}

	receipt := Receipt{
		ReceiptID:     uuid.NewString(),
		ProposalID:    p.ProposalID,
		Noop:          noop,
		BeforeVersion: record.BeforeVersion,
		BeforeHash:    record.BeforeHash,
		AfterVersion:  record.AfterVersion,
		AfterHash:     record.AfterHash,
		Ops:           opDocs,
		Evidence: map[string]any{
			"proposal_hash":     p.Hash(),
			"stability_summary": p.Preconditions.Stability.Summary,
			"explain_summary":   p.Explain.Summary,
			"rollback_scope":    p.Explain.RollbackScope,
		},
		Approvers: approvers,
		Applier:   applier,
		Warnings:  warnings,
		TS:        record.TS,
	}

	digest, err := ComputeReceiptHash(receipt)
	if err != nil {
		return Receipt{}, err
	}
	receipt.ReceiptHash = digest

	raw, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return Receipt{}, fmt.Errorf("approval: encode receipt: %w", err)
	}
	raw = append(raw, '\n')

	name := fmt.Sprintf("receipt_%s_v%d-v%d_%d.json",
		p.ProposalID, receipt.BeforeVersion, receipt.AfterVersion, record.TS.Unix())
	if err := atomicWrite(filepath.Join(l.dir, name), raw); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// VerifyReceiptFile recomputes a receipt file's self-hash and reports
// whether it matches the stored value.
func VerifyReceiptFile(path string) (Receipt, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Receipt{}, fmt.Errorf("approval: read receipt: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return Receipt{}, fmt.Errorf("approval: decode receipt: %w", err)
	}
	want, err := ComputeReceiptHash(r)
	if err != nil {
		return Receipt{}, err
	}
	if !canonical.DigestsEqual(want, r.ReceiptHash) {
		return Receipt{}, fmt.Errorf("approval: receipt %s failed self-hash check", filepath.Base(path))
	}
	return r, nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".receipt-*")
	if err != nil {
		return fmt.Errorf("approval: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("approval: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("approval: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("approval: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("approval: rename temp file: %w", err)
	}
	return nil
}
