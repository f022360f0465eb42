package authority

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keel-labs/keel/pkg/canonical"
)

// Denial is a typed refusal from the authority. Its code is stable; adapters
// map it 1:1 to their own status vocabulary.
type Denial struct {
	Code    string
	Field   string
	Message string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("denied %s: %s (%s)", d.Field, d.Message, d.Code)
}

// Denial codes, in check order.
const (
	DenyExpired         = "DENY_EXPIRED"
	DenyActionUnknown   = "DENY_ACTION_NOT_ALLOWED"
	DenyActionForbidden = "DENY_ACTION_FORBIDDEN"
	DenyConfidence      = "DENY_CONFIDENCE_FLOOR"
	DenyDataScope       = "DENY_DATA_SCOPE"
	DenyLatency         = "DENY_LATENCY_BUDGET"
	DenyResource        = "DENY_RESOURCE_CEILING"
)

// Call is one authorization request. Confidence is integer basis points;
// the estimates are the caller's declared worst case.
type Call struct {
	Action            string
	ConfidenceBps     int64
	InputSources      []string
	EstimateLatencyMS int64
	EstimateCPUPct    int64
	EstimateMemMB     int64

	DPAID            string
	SelectedOptionID string
	Payload          canonical.Value
}

// Result is whatever the port reports back from the side effect.
type Result struct {
	Output   canonical.Value
	Receipt  string
	Duration time.Duration
}

// ActionPort is the single side-effecting choke point. Nothing in this
// package causes an effect except through Apply, and Apply is only reached
// when every check has passed.
type ActionPort interface {
	Apply(ctx context.Context, dpaID, selectedOptionID string, payload canonical.Value) (Result, error)
}

// Authority runs the ordered check sequence for one envelope.
type Authority struct {
	envelope *Envelope
	clock    func() time.Time
	logger   *slog.Logger
}

// New binds an authority to a sealed envelope.
func New(envelope *Envelope) *Authority {
	return &Authority{
		envelope: envelope,
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authority) WithClock(clock func() time.Time) *Authority {
	a.clock = clock
	return a
}

// WithLogger overrides the authority's logger.
func (a *Authority) WithLogger(logger *slog.Logger) *Authority {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// Run performs the check sequence and, only when all pass, invokes the
// port. The order is fixed: expiry, action membership, confidence floor,
// data scope, resource ceilings. The first failure aborts with a Denial
// and the port is never touched.
func (a *Authority) Run(ctx context.Context, call Call, port ActionPort) (Result, error) {
	env := a.envelope
	now := a.clock()

	if env.Expired(now) {
		return Result{}, &Denial{Code: DenyExpired, Field: "meta.expires_at",
			Message: fmt.Sprintf("envelope %s expired at %s", env.Meta.ContractID, env.Meta.ExpiresAt.Format(time.RFC3339))}
	}
	if !contains(env.Authority.AllowedActions, call.Action) {
		return Result{}, &Denial{Code: DenyActionUnknown, Field: "authority.allowed_actions",
			Message: fmt.Sprintf("action %q is not granted", call.Action)}
	}
	if contains(env.Authority.ForbiddenActions, call.Action) {
		return Result{}, &Denial{Code: DenyActionForbidden, Field: "authority.forbidden_actions",
			Message: fmt.Sprintf("action %q is forbidden", call.Action)}
	}
	if call.ConfidenceBps < env.Authority.ConfidenceFloorBps {
		return Result{}, &Denial{Code: DenyConfidence, Field: "authority.confidence_floor_bps",
			Message: fmt.Sprintf("confidence %d bps below floor %d", call.ConfidenceBps, env.Authority.ConfidenceFloorBps)}
	}
	for _, src := range call.InputSources {
		if contains(env.Constraints.DataScope.Forbidden, src) {
			return Result{}, &Denial{Code: DenyDataScope, Field: "constraints.data_scope.forbidden",
				Message: fmt.Sprintf("source %q is forbidden", src)}
		}
		if !contains(env.Constraints.DataScope.Allowed, src) {
			return Result{}, &Denial{Code: DenyDataScope, Field: "constraints.data_scope.allowed",
				Message: fmt.Sprintf("source %q is outside the allowed scope", src)}
		}
	}
	if call.EstimateLatencyMS > env.Constraints.LatencyBudgetMS {
		return Result{}, &Denial{Code: DenyLatency, Field: "constraints.latency_budget_ms",
			Message: fmt.Sprintf("estimated %d ms exceeds budget %d ms", call.EstimateLatencyMS, env.Constraints.LatencyBudgetMS)}
	}
	if call.EstimateCPUPct > env.Constraints.ResourceCeiling.CPUPct {
		return Result{}, &Denial{Code: DenyResource, Field: "constraints.resource_ceiling.cpu_pct",
			Message: fmt.Sprintf("estimated cpu %d%% exceeds ceiling %d%%", call.EstimateCPUPct, env.Constraints.ResourceCeiling.CPUPct)}
	}
	if call.EstimateMemMB > env.Constraints.ResourceCeiling.MemMB {
		return Result{}, &Denial{Code: DenyResource, Field: "constraints.resource_ceiling.mem_mb",
			Message: fmt.Sprintf("estimated mem %d MB exceeds ceiling %d MB", call.EstimateMemMB, env.Constraints.ResourceCeiling.MemMB)}
	}

	a.logger.Info("execution authorized",
		"contract_id", env.Meta.ContractID,
		"action", call.Action,
		"dpa_id", call.DPAID)
	return port.Apply(ctx, call.DPAID, call.SelectedOptionID, call.Payload)
}

func contains(set []string, s string) bool {
	for _, item := range set {
		if item == s {
			return true
		}
	}
	return false
}
