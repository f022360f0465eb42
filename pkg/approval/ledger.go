// Package approval implements the append-only approval ledger and the
// receipt-backed patch application path.
package approval

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keel-labs/keel/pkg/canonical"
	"github.com/keel-labs/keel/pkg/governance"
	"github.com/keel-labs/keel/pkg/policy"
)

var (
	// ErrUnknownProposal is returned for operations against an id the
	// ledger has never seen.
	ErrUnknownProposal = errors.New("approval: unknown proposal")

	// ErrDuplicateProposal is returned when a proposal id is registered twice.
	ErrDuplicateProposal = errors.New("approval: duplicate proposal id")

	// ErrSelfApproval is returned when the applier appears among the
	// pending approvers and more than one approval is required.
	ErrSelfApproval = errors.New("approval: self-approve not allowed")

	// ErrInsufficientApprovals is returned when fewer distinct approvers
	// are pending than the threshold demands.
	ErrInsufficientApprovals = errors.New("approval: insufficient approvals")

	// ErrBaselineMismatch is an optimistic-concurrency conflict: the
	// proposal's baseline no longer matches the latest snapshot.
	ErrBaselineMismatch = errors.New("approval: baseline mismatch")

	// ErrBadStrategy is returned for any strategy other than "reject".
	ErrBadStrategy = errors.New("approval: unsupported apply strategy")
)

// Decision is the reviewer's verdict on a proposal.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Status is the lifecycle state a record contributes. The latest status of
// a proposal is derived by scanning, never by mutation.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusApplied     Status = "APPLIED"
	StatusRejected    Status = "REJECTED"
	StatusAppliedNoop Status = "APPLIED_NOOP"
)

// Strategy selects conflict behavior at apply time. Only "reject" exists:
// the ledger never rebases or force-applies over a moved baseline.
type Strategy string

// StrategyReject aborts on baseline mismatch.
const StrategyReject Strategy = "reject"

// Record is one append-only ledger entry.
type Record struct {
	ProposalID    string    `json:"proposal_id"`
	Decision      Decision  `json:"decision"`
	Reviewer      string    `json:"reviewer"`
	TS            time.Time `json:"ts"`
	Status        Status    `json:"status"`
	BeforeVersion int       `json:"before_version,omitempty"`
	BeforeHash    string    `json:"before_hash,omitempty"`
	AfterVersion  int       `json:"after_version,omitempty"`
	AfterHash     string    `json:"after_hash,omitempty"`
	ReceiptHash   string    `json:"receipt_hash,omitempty"`
}

const ledgerFileName = "approvals.jsonl"

// Ledger is the single-writer approval ledger. Proposals are registered
// once, approved by reviewers, and applied through the patch engine with an
// immutable receipt per apply.
type Ledger struct {
	mu        sync.Mutex
	dir       string
	store     *policy.Store
	proposals map[string]*governance.Proposal
	clock     func() time.Time
	logger    *slog.Logger
}

// Open roots a ledger at dir, backed by the given policy store. Existing
// ledger records are preserved; proposals must be re-registered by the
// caller because proposal documents live outside this core.
func Open(dir string, store *policy.Store) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("approval: ensure ledger dir: %w", err)
	}
	return &Ledger{
		dir:       dir,
		store:     store,
		proposals: make(map[string]*governance.Proposal),
		clock:     time.Now,
		logger:    slog.Default(),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// WithLogger overrides the ledger's logger.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	if logger != nil {
		l.logger = logger
	}
	return l
}

// Register makes a proposal known to the ledger. Proposals are read-only;
// re-registering the same id is a conflict.
func (l *Ledger) Register(p *governance.Proposal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.proposals[p.ProposalID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProposal, p.ProposalID)
	}
	l.proposals[p.ProposalID] = p
	return nil
}

// Proposal returns a registered proposal by id.
func (l *Ledger) Proposal(id string) (*governance.Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, id)
	}
	return p, nil
}

// ApproveOnly appends a PENDING approval for an existing proposal without
// applying anything.
func (l *Ledger) ApproveOnly(proposalID, reviewer string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.proposals[proposalID]; !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	record := Record{
		ProposalID: proposalID,
		Decision:   DecisionApproved,
		Reviewer:   reviewer,
		TS:         l.clock().UTC(),
		Status:     StatusPending,
	}
	if err := l.appendLocked(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Reject appends a REJECTED record for an existing proposal.
func (l *Ledger) Reject(proposalID, reviewer string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.proposals[proposalID]; !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	record := Record{
		ProposalID: proposalID,
		Decision:   DecisionRejected,
		Reviewer:   reviewer,
		TS:         l.clock().UTC(),
		Status:     StatusRejected,
	}
	if err := l.appendLocked(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Records returns every ledger entry for a proposal in append order.
func (l *Ledger) Records(proposalID string) ([]Record, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.ProposalID == proposalID {
			out = append(out, r)
		}
	}
	return out, nil
}

// LatestStatus derives a proposal's current status by scanning its records.
func (l *Ledger) LatestStatus(proposalID string) (Status, error) {
	records, err := l.Records(proposalID)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	return records[len(records)-1].Status, nil
}

// HasBeenApplied reports whether a baseline hash was ever consumed by a
// successful apply (full or NOOP). Two different patches sharing a baseline
// are both duplicates after the first succeeds: a consumed baseline admits
// no further change.
func (l *Ledger) HasBeenApplied(baselineHash string) (bool, error) {
	all, err := l.readAll()
	if err != nil {
		return false, err
	}
	needle := canonical.StripPrefix(baselineHash)
	for _, r := range all {
		if (r.Status == StatusApplied || r.Status == StatusAppliedNoop) &&
			canonical.StripPrefix(r.BeforeHash) == needle {
			return true, nil
		}
	}
	return false, nil
}

// pendingApprovers collects distinct PENDING approvers appended after the
// proposal's last terminal record.
func pendingApprovers(records []Record) []string {
	seen := make(map[string]bool)
	var approvers []string
	for _, r := range records {
		switch r.Status {
		case StatusPending:
			if r.Decision == DecisionApproved && !seen[r.Reviewer] {
				seen[r.Reviewer] = true
				approvers = append(approvers, r.Reviewer)
			}
		case StatusApplied, StatusAppliedNoop, StatusRejected:
			// A terminal record consumes the approvals before it.
			seen = make(map[string]bool)
			approvers = nil
		}
	}
	return approvers
}

// ApplyAfterApprovals applies a proposal's patch once enough distinct
// approvals are pending. The applier must not be among the approvers when
// two or more approvals are required. strategy must be StrategyReject:
// a moved baseline aborts, it is never rebased over.
func (l *Ledger) ApplyAfterApprovals(proposalID, applier string, minApprovals int, strategy Strategy) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if strategy != StrategyReject {
		return Record{}, fmt.Errorf("%w: %q", ErrBadStrategy, strategy)
	}
	p, ok := l.proposals[proposalID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	records, err := l.Records(proposalID)
	if err != nil {
		return Record{}, err
	}
	approvers := pendingApprovers(records)

	if minApprovals >= 2 {
		for _, a := range approvers {
			if a == applier {
				return Record{}, fmt.Errorf("%w: %s is both approver and applier", ErrSelfApproval, applier)
			}
		}
	}
	if len(approvers) < minApprovals {
		return Record{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientApprovals, len(approvers), minApprovals)
	}

	latest, err := l.store.Latest()
	if err != nil {
		return Record{}, fmt.Errorf("approval: load latest snapshot: %w", err)
	}
	if !canonical.DigestsEqual(p.Baseline.PolicyHash, latest.SHA256) {
		return Record{}, fmt.Errorf("%w: baseline %s, latest v%d is %s",
			ErrBaselineMismatch, p.Baseline.PolicyHash, latest.Version, latest.SHA256)
	}

	ops, err := p.Ops()
	if err != nil {
		return Record{}, fmt.Errorf("approval: parse patch ops: %w", err)
	}

	// Dry run against the live document; the engine never mutates input.
	after, err := policy.Apply(latest.Policy, ops)
	if err != nil {
		return Record{}, fmt.Errorf("approval: dry-run failed: %w", err)
	}
	afterHash := canonical.Hash(after)
	noop := afterHash == latest.SHA256

	record := Record{
		ProposalID:    proposalID,
		Decision:      DecisionApproved,
		Reviewer:      applier,
		TS:            l.clock().UTC(),
		BeforeVersion: latest.Version,
		BeforeHash:    latest.SHA256,
	}

	var warnings []string
	if noop {
		// The change is empty: record it without bumping the version.
		record.Status = StatusAppliedNoop
		record.AfterVersion = latest.Version
		record.AfterHash = latest.SHA256
		warnings = append(warnings, "patch produced no change against the live policy")
	} else {
		snap, err := l.store.SaveNewVersion(after)
		if err != nil {
			return Record{}, fmt.Errorf("approval: persist new version: %w", err)
		}
		record.Status = StatusApplied
		record.AfterVersion = snap.Version
		record.AfterHash = snap.SHA256
	}

	receipt, err := l.writeReceipt(p, record, ops, approvers, applier, noop, warnings)
	if err != nil {
		return Record{}, err
	}
	record.ReceiptHash = receipt.ReceiptHash

	if err := l.appendLocked(record); err != nil {
		return Record{}, err
	}
	l.logger.Info("proposal applied",
		"proposal_id", proposalID,
		"status", string(record.Status),
		"before_version", record.BeforeVersion,
		"after_version", record.AfterVersion,
		"receipt", receipt.ReceiptHash)
	return record, nil
}

// appendLocked writes one record as a single JSONL line and fsyncs before
// returning. The line is fully built before the file is touched, so a
// failed append leaves nothing behind.
func (l *Ledger) appendLocked(record Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("approval: encode record: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(l.dir, ledgerFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("approval: open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("approval: append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("approval: fsync ledger: %w", err)
	}
	return nil
}

func (l *Ledger) readAll() ([]Record, error) {
	f, err := os.Open(filepath.Join(l.dir, ledgerFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: open ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("approval: corrupt ledger line: %w", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("approval: read ledger: %w", err)
	}
	return records, nil
}
