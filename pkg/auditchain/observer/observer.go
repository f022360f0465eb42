// Package observer specializes the audit chain for execution-run telemetry
// events with a bounded schema.
package observer

import (
	"errors"
	"fmt"
	"time"

	"github.com/keel-labs/keel/pkg/auditchain"
	"github.com/keel-labs/keel/pkg/canonical"
)

// Status is the bounded run status enum.
type Status string

const (
	StatusStarted   Status = "STARTED"
	StatusHeartbeat Status = "HEARTBEAT"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

var validStatus = map[Status]bool{
	StatusStarted:   true,
	StatusHeartbeat: true,
	StatusCompleted: true,
	StatusFailed:    true,
	StatusAborted:   true,
}

// Metric keys are a closed set; anything else is rejected before writing.
var validMetricKeys = map[string]bool{
	"latency_ms":    true,
	"cpu_pct":       true,
	"mem_mb":        true,
	"actions_count": true,
	"denials_count": true,
}

var (
	// ErrMalformedEvent covers missing fields, unknown statuses and
	// out-of-schema metric keys.
	ErrMalformedEvent = errors.New("observer: malformed event")

	// ErrLinkBroken is returned when a run's later event changes the
	// (judgment_id, approval_record_id) pair its first event established.
	ErrLinkBroken = errors.New("observer: run link invariant violated")
)

// Event is one run telemetry event before chaining.
type Event struct {
	RunID            string
	Status           Status
	JudgmentID       string
	ApprovalRecordID string
	Metrics          map[string]int64
	TS               time.Time
}

// Log is an observer event chain.
type Log struct {
	chain *auditchain.Chain
}

// Open loads or creates an observer chain at path.
func Open(path string) (*Log, error) {
	l := &Log{}
	chain, err := auditchain.Open(path, validate)
	if err != nil {
		return nil, err
	}
	l.chain = chain
	return l, nil
}

// Chain exposes the underlying chain for verification.
func (l *Log) Chain() *auditchain.Chain { return l.chain }

// Append validates and chains one event, returning the new head hash.
func (l *Log) Append(e Event) (string, error) {
	return l.chain.Append(e.toValue())
}

// Verify re-reads a chain file offline and replays the observer event
// rules alongside the hash linkage, so records written past a Log (or a
// wholesale-rewritten file) still fail.
func Verify(path string) ([]auditchain.Finding, error) {
	return auditchain.Verify(path, validate)
}

func (e Event) toValue() canonical.Value {
	m := map[string]canonical.Value{
		"execution_run_id":   canonical.Str(e.RunID),
		"status":             canonical.Str(string(e.Status)),
		"judgment_id":        canonical.Str(e.JudgmentID),
		"approval_record_id": canonical.Str(e.ApprovalRecordID),
		"ts":                 canonical.Str(e.TS.UTC().Format(time.RFC3339)),
	}
	if len(e.Metrics) > 0 {
		metrics := make(map[string]canonical.Value, len(e.Metrics))
		for k, v := range e.Metrics {
			metrics[k] = canonical.Int(v)
		}
		m["metrics"] = canonical.Map(metrics)
	}
	return canonical.Map(m)
}

func field(rec canonical.Value, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.StrVal()
	return s
}

func validate(rec canonical.Value, history []canonical.Value) error {
	runID := field(rec, "execution_run_id")
	if runID == "" {
		return fmt.Errorf("%w: execution_run_id is required", ErrMalformedEvent)
	}
	status := Status(field(rec, "status"))
	if !validStatus[status] {
		return fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, status)
	}
	// A STARTED event establishes the run's link pair; an empty pair would
	// bind the run to nothing forever.
	if status == StatusStarted &&
		(field(rec, "judgment_id") == "" || field(rec, "approval_record_id") == "") {
		return fmt.Errorf("%w: STARTED requires judgment_id and approval_record_id", ErrMalformedEvent)
	}
	if _, err := time.Parse(time.RFC3339, field(rec, "ts")); err != nil {
		return fmt.Errorf("%w: bad ts: %v", ErrMalformedEvent, err)
	}
	if metrics, ok := rec.Get("metrics"); ok {
		for _, key := range metrics.Keys() {
			if !validMetricKeys[key] {
				return fmt.Errorf("%w: metric key %q outside schema", ErrMalformedEvent, key)
			}
		}
	}

	// A run keeps its first (judgment_id, approval_record_id) pair forever.
	judgment := field(rec, "judgment_id")
	approvalRecord := field(rec, "approval_record_id")
	for _, prior := range history {
		if field(prior, "execution_run_id") != runID {
			continue
		}
		pj := field(prior, "judgment_id")
		pa := field(prior, "approval_record_id")
		if pj != judgment || pa != approvalRecord {
			return fmt.Errorf("%w: run %s is bound to (%s,%s), got (%s,%s)",
				ErrLinkBroken, runID, pj, pa, judgment, approvalRecord)
		}
		break
	}
	return nil
}
