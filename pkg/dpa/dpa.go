// Package dpa implements the human-reviewed decision authorization
// lifecycle: a guarded state machine whose apply path runs through the
// execution authority's single choke point.
package dpa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/keel-labs/keel/pkg/authority"
)

// Status is the lifecycle state of a decision authorization.
type Status string

const (
	StatusEventIngested Status = "EVENT_INGESTED"
	StatusCreated       Status = "DPA_CREATED"
	StatusReviewing     Status = "HUMAN_REVIEWING"
	StatusApproved      Status = "APPROVED"
	StatusApplied       Status = "APPLIED"
	StatusAborted       Status = "ABORTED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusAborted
}

var (
	// ErrNotFound is returned for an unknown dpa id.
	ErrNotFound = errors.New("dpa: record not found")

	// ErrBadTransition is returned when the record's current status does
	// not admit the requested transition.
	ErrBadTransition = errors.New("dpa: transition not allowed")

	// ErrDecisionIncomplete is returned when a human decision misses
	// approver fields.
	ErrDecisionIncomplete = errors.New("dpa: decision requires approver identity")

	// ErrUnknownOption is returned when the selected option does not exist.
	ErrUnknownOption = errors.New("dpa: selected option not found")

	// ErrOptionBlocked is returned when the selected option is blocked.
	ErrOptionBlocked = errors.New("dpa: selected option is blocked")

	// ErrNotApproved is the fail-closed apply refusal: no APPROVED status
	// with a recorded decision, no side effect.
	ErrNotApproved = errors.New("dpa: apply requires an approved decision")
)

// Option is one reviewable course of action.
type Option struct {
	OptionID string `json:"option_id"`
	Summary  string `json:"summary"`
	Blocked  bool   `json:"blocked"`
}

// HumanDecision is the reviewer's recorded choice.
type HumanDecision struct {
	SelectedOptionID string `json:"selected_option_id"`
	ApproverID       string `json:"approver_id"`
	ApproverName     string `json:"approver_name"`
	Comment          string `json:"comment,omitempty"`
}

// Record is a decision authorization. It is mutated only through guarded
// transitions; APPLIED and ABORTED are terminal.
type Record struct {
	DPAID      string         `json:"dpa_id"`
	EventID    string         `json:"event_id"`
	Status     Status         `json:"status"`
	Options    []Option       `json:"options"`
	Decision   *HumanDecision `json:"human_decision,omitempty"`
	ApprovedAt *time.Time     `json:"approved_at,omitempty"`
	ApprovedBy string         `json:"approved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (r *Record) option(id string) *Option {
	for i := range r.Options {
		if r.Options[i].OptionID == id {
			return &r.Options[i]
		}
	}
	return nil
}

// Store persists records with guarded transitions. Mutate runs inside the
// store's transaction; if the record's status is not among from, the store
// returns ErrBadTransition without calling mutate.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, dpaID string) (*Record, error)
	Transition(ctx context.Context, dpaID string, from []Status, mutate func(r *Record) error) (*Record, error)
}

// QueueEntry links a dpa to its approval-ledger judgment.
type QueueEntry struct {
	JudgmentID       string
	ApprovalRecordID string
}

// ApprovalQueue supplies the link fields recorded alongside executions.
type ApprovalQueue interface {
	GetLatestForDPA(ctx context.Context, dpaID string) (QueueEntry, error)
	GetLatestByApprovalID(ctx context.Context, approvalRecordID string) (QueueEntry, error)
}

// Machine drives records through the lifecycle.
type Machine struct {
	store  Store
	queue  ApprovalQueue
	clock  func() time.Time
	logger *slog.Logger
}

// NewMachine builds a machine over a store. queue may be nil when no
// approval ledger is wired in.
func NewMachine(store Store, queue ApprovalQueue) *Machine {
	return &Machine{
		store:  store,
		queue:  queue,
		clock:  time.Now,
		logger: slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// WithLogger overrides the machine's logger.
func (m *Machine) WithLogger(logger *slog.Logger) *Machine {
	if logger != nil {
		m.logger = logger
	}
	return m
}

// Ingest records a new engine event awaiting authorization.
func (m *Machine) Ingest(ctx context.Context, dpaID, eventID string) (*Record, error) {
	now := m.clock().UTC()
	r := &Record{
		DPAID:     dpaID,
		EventID:   eventID,
		Status:    StatusEventIngested,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Create attaches the reviewable options and moves the record to
// DPA_CREATED.
func (m *Machine) Create(ctx context.Context, dpaID string, options []Option) (*Record, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("%w: a dpa needs at least one option", ErrBadTransition)
	}
	return m.store.Transition(ctx, dpaID, []Status{StatusEventIngested}, func(r *Record) error {
		r.Status = StatusCreated
		r.Options = options
		return nil
	})
}

// StartReview moves to HUMAN_REVIEWING. Re-entering review is allowed.
func (m *Machine) StartReview(ctx context.Context, dpaID string) (*Record, error) {
	return m.store.Transition(ctx, dpaID, []Status{StatusCreated, StatusReviewing}, func(r *Record) error {
		r.Status = StatusReviewing
		return nil
	})
}

// RecordDecision records the human choice and moves to APPROVED. The
// decision must name an approver and select an existing, non-blocked
// option.
func (m *Machine) RecordDecision(ctx context.Context, dpaID string, decision HumanDecision) (*Record, error) {
	if decision.ApproverID == "" || decision.ApproverName == "" {
		return nil, ErrDecisionIncomplete
	}
	return m.store.Transition(ctx, dpaID, []Status{StatusReviewing}, func(r *Record) error {
		opt := r.option(decision.SelectedOptionID)
		if opt == nil {
			return fmt.Errorf("%w: %q", ErrUnknownOption, decision.SelectedOptionID)
		}
		if opt.Blocked {
			return fmt.Errorf("%w: %q", ErrOptionBlocked, decision.SelectedOptionID)
		}
		now := m.clock().UTC()
		r.Status = StatusApproved
		r.Decision = &decision
		r.ApprovedAt = &now
		r.ApprovedBy = decision.ApproverID
		return nil
	})
}

// Abort moves any non-terminal record to ABORTED. Aborting an already
// aborted record succeeds without effect; aborting an applied record is a
// transition error.
func (m *Machine) Abort(ctx context.Context, dpaID, reason string) (*Record, error) {
	r, err := m.store.Get(ctx, dpaID)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusAborted {
		return r, nil
	}
	from := []Status{StatusEventIngested, StatusCreated, StatusReviewing, StatusApproved}
	r, err = m.store.Transition(ctx, dpaID, from, func(r *Record) error {
		r.Status = StatusAborted
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("dpa aborted", "dpa_id", dpaID, "reason", reason)
	return r, nil
}

// Apply executes the approved decision through the authority's choke point
// and moves the record to APPLIED. It fails closed: no APPROVED status
// with a recorded approver, no side effect.
func (m *Machine) Apply(ctx context.Context, dpaID string, auth *authority.Authority, call authority.Call, port authority.ActionPort) (*Record, authority.Result, error) {
	r, err := m.store.Get(ctx, dpaID)
	if err != nil {
		return nil, authority.Result{}, err
	}
	if r.Status != StatusApproved || r.Decision == nil || r.ApprovedAt == nil || r.ApprovedBy == "" {
		return nil, authority.Result{}, fmt.Errorf("%w: dpa %s is %s", ErrNotApproved, dpaID, r.Status)
	}

	call.DPAID = dpaID
	call.SelectedOptionID = r.Decision.SelectedOptionID

	result, err := auth.Run(ctx, call, port)
	if err != nil {
		return nil, authority.Result{}, err
	}

	r, err = m.store.Transition(ctx, dpaID, []Status{StatusApproved}, func(r *Record) error {
		r.Status = StatusApplied
		return nil
	})
	if err != nil {
		return nil, authority.Result{}, err
	}
	m.logger.Info("dpa applied",
		"dpa_id", dpaID,
		"option", call.SelectedOptionID,
		"approved_by", r.ApprovedBy)
	return r, result, nil
}

// LinkFor resolves the observer link pair for a dpa through the approval
// queue collaborator.
func (m *Machine) LinkFor(ctx context.Context, dpaID string) (QueueEntry, error) {
	if m.queue == nil {
		return QueueEntry{}, nil
	}
	return m.queue.GetLatestForDPA(ctx, dpaID)
}
