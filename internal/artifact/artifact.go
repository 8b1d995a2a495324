// Package artifact defines the per-run scratchpad shared by every pipeline
// stage. The scratchpad is schema versioned and accumulates as stages run;
// stages add or replace their own fields and never drop what earlier stages
// produced. A tx_plan replaced during repair is archived to a history list
// first.
package artifact

import (
	"strings"
	"time"
)

// SchemaVersion is bumped whenever the persisted artifact layout changes
// in a way older readers cannot decode.
const SchemaVersion = 1

// Plan types.
const (
	PlanTypePlan = "plan"
	PlanTypeNoop = "noop"
)

// Action types, in planning order of appearance.
const (
	ActionApprove  = "APPROVE"
	ActionSwap     = "SWAP"
	ActionTransfer = "TRANSFER"
	ActionRevoke   = "REVOKE"
)

// Judge verdicts.
const (
	VerdictPass        = "PASS"
	VerdictNeedsRework = "NEEDS_REWORK"
	VerdictBlock       = "BLOCK"
)

// Policy check statuses.
const (
	CheckPass = "PASS"
	CheckWarn = "WARN"
	CheckFail = "FAIL"
)

// Decision actions.
const (
	DecisionAllow         = "ALLOW"
	DecisionNeedsApproval = "NEEDS_APPROVAL"
	DecisionBlock         = "BLOCK"
)

// Decision severities.
const (
	SeverityLow  = "LOW"
	SeverityMed  = "MED"
	SeverityHigh = "HIGH"
)

// AssumptionAllowanceNotApplied marks a swap whose static simulation failed
// only because a prior approve in the same batch has not been mined yet.
const AssumptionAllowanceNotApplied = "ALLOWANCE_NOT_APPLIED_IN_SIMULATION"

// Artifacts is the run scratchpad. Every field is optional until the stage
// that owns it has run.
type Artifacts struct {
	SchemaVersion    int               `json:"schema_version"`
	UserInputs       map[string]string `json:"user_inputs,omitempty"`
	NormalizedIntent string            `json:"normalized_intent,omitempty"`
	WalletSnapshot   *WalletSnapshot   `json:"wallet_snapshot,omitempty"`
	TxPlan           *TxPlan           `json:"tx_plan,omitempty"`
	PlannerResult    *PlannerResult    `json:"planner_result,omitempty"`
	TxRequests       []TxRequest       `json:"tx_requests,omitempty"`
	Simulation       *Simulation       `json:"simulation,omitempty"`
	PolicyResult     *PolicyResult     `json:"policy_result,omitempty"`
	Decision         *Decision         `json:"decision,omitempty"`
	SecurityResult   *SecurityResult   `json:"security_result,omitempty"`
	JudgeResult      *JudgeOutput      `json:"judge_result,omitempty"`
	NeedsInput       *NeedsInput       `json:"needs_input,omitempty"`
	FatalError       *FatalError       `json:"fatal_error,omitempty"`
	Timeline         []TimelineEvent   `json:"timeline,omitempty"`

	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`

	TxPlanHistory        []TxPlan        `json:"tx_plan_history,omitempty"`
	PlannerResultHistory []PlannerResult `json:"planner_result_history,omitempty"`

	SubmittedTxHash string `json:"submitted_tx_hash,omitempty"`
}

// New returns an empty scratchpad at the current schema version.
func New() *Artifacts {
	return &Artifacts{SchemaVersion: SchemaVersion, UserInputs: map[string]string{}}
}

// EnsureUserInputs lazily allocates the user input map so resume merges do
// not have to nil check.
func (a *Artifacts) EnsureUserInputs() map[string]string {
	if a.UserInputs == nil {
		a.UserInputs = map[string]string{}
	}
	return a.UserInputs
}

// WalletSnapshot is a point-in-time balance view of the run wallet.
type WalletSnapshot struct {
	Address          string         `json:"address"`
	ChainID          string         `json:"chain_id"`
	NativeBalanceWei string         `json:"native_balance_wei"`
	Tokens           []TokenBalance `json:"tokens,omitempty"`
	TakenAt          time.Time      `json:"taken_at"`
}

// TokenBalance reports one ERC-20 balance in base units.
type TokenBalance struct {
	Symbol           string `json:"symbol"`
	Address          string `json:"address"`
	Decimals         int    `json:"decimals"`
	BalanceBaseUnits string `json:"balance_base_units"`
}

// TokenBalanceOf returns the base-unit balance for a token address, and
// whether the snapshot holds one.
func (w *WalletSnapshot) TokenBalanceOf(tokenAddr string) (string, bool) {
	if w == nil {
		return "", false
	}
	for _, t := range w.Tokens {
		if equalAddr(t.Address, tokenAddr) {
			return t.BalanceBaseUnits, true
		}
	}
	return "", false
}

// TxPlan is the intent-level plan, pre-compilation.
type TxPlan struct {
	Type       string        `json:"type"`
	Actions    []TxAction    `json:"actions,omitempty"`
	Candidates []TxCandidate `json:"candidates,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// IsNoop reports whether the plan deliberately does nothing.
func (p *TxPlan) IsNoop() bool {
	return p != nil && p.Type == PlanTypeNoop
}

// TxAction is one intent-level action awaiting compilation.
type TxAction struct {
	Type   string            `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// TxCandidate is one raw transaction proposal.
type TxCandidate struct {
	ChainID  string            `json:"chain_id"`
	To       string            `json:"to"`
	Data     string            `json:"data"`
	ValueWei string            `json:"value_wei"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// TxRequest is a compiled, orderable transaction with dependency metadata.
type TxRequest struct {
	ID        string      `json:"txRequestId"`
	Candidate TxCandidate `json:"candidate"`
}

// Kind reads the compiled request kind (APPROVE, SWAP) from candidate meta.
func (r TxRequest) Kind() string {
	return r.Candidate.Meta["kind"]
}

// PlannerResult records the planning output together with its provenance.
type PlannerResult struct {
	Plan   *TxPlan `json:"plan,omitempty"`
	Source string  `json:"source"`
	Raw    string  `json:"raw,omitempty"`
	Note   string  `json:"note,omitempty"`
}

// Simulation is the aggregate dry-run outcome for all compiled requests.
type Simulation struct {
	Status         string      `json:"status"`
	Mode           string      `json:"mode"`
	Results        []SimResult `json:"results"`
	Summary        SimSummary  `json:"summary"`
	ExecutionOrder []string    `json:"execution_order,omitempty"`
}

// Simulation modes and statuses.
const (
	SimModeSingle     = "single"
	SimModeSequential = "sequential"
	SimStatusComplete = "completed"
	SimStatusSkipped  = "skipped"
)

// OK reports whether the simulation completed with no hard failures.
func (s *Simulation) OK() bool {
	return s != nil && s.Status == SimStatusComplete && s.Summary.NumFailed == 0
}

// SimResult is the outcome for one candidate.
type SimResult struct {
	TxRequestID      string    `json:"txRequestId,omitempty"`
	Success          bool      `json:"success"`
	AssumedSuccess   bool      `json:"assumed_success"`
	AssumptionReason string    `json:"assumption_reason,omitempty"`
	GasEstimate      uint64    `json:"gas_estimate,omitempty"`
	Fee              *FeeQuote `json:"fee,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// SimSummary carries the derived counts policy evaluates.
type SimSummary struct {
	NumSuccess int `json:"num_success"`
	NumFailed  int `json:"num_failed"`
}

// FeeQuote is either a legacy gas price or an EIP-1559 fee pair, in wei.
type FeeQuote struct {
	Type                 string `json:"type"`
	GasPriceWei          string `json:"gas_price_wei,omitempty"`
	MaxFeePerGasWei      string `json:"max_fee_per_gas_wei,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas_wei,omitempty"`
}

// Fee quote types.
const (
	FeeLegacy  = "legacy"
	FeeEIP1559 = "eip1559"
)

// PolicyCheck is the outcome of one deterministic safety rule.
type PolicyCheck struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Status   string            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// PolicyResult is the ordered rule outcome plus derived counts.
type PolicyResult struct {
	Checks  []PolicyCheck `json:"checks"`
	NumPass int           `json:"num_pass"`
	NumWarn int           `json:"num_warn"`
	NumFail int           `json:"num_fail"`
}

// Decision is the policy engine's terminal verdict.
type Decision struct {
	Action    string   `json:"action"`
	RiskScore int      `json:"risk_score"`
	Severity  string   `json:"severity"`
	Summary   string   `json:"summary"`
	Reasons   []string `json:"reasons,omitempty"`
}

// SecurityResult wraps the policy decision with optional advisory risk
// items, such as a rug-pull signal. Advisory items alone never block.
type SecurityResult struct {
	Decision  *Decision  `json:"decision,omitempty"`
	RiskItems []RiskItem `json:"risk_items,omitempty"`
	Blocked   bool       `json:"blocked"`
}

// RiskItem is one advisory security finding.
type RiskItem struct {
	Source     string   `json:"source"`
	RiskScore  int      `json:"risk_score"`
	Confidence float64  `json:"confidence"`
	Patterns   []string `json:"patterns,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// JudgeOutput is the external reviewer's verdict over the full artifacts.
type JudgeOutput struct {
	Verdict string   `json:"verdict"`
	Issues  []string `json:"issues,omitempty"`
	Notes   string   `json:"notes,omitempty"`
	Source  string   `json:"source,omitempty"`
}

// NeedsInput records why a run paused and what would let it continue.
type NeedsInput struct {
	Questions  []string          `json:"questions"`
	Missing    []string          `json:"missing"`
	ResumeFrom string            `json:"resume_from"`
	Data       map[string]string `json:"data,omitempty"`
}

// FatalError is a coded, stage-attributed unrecoverable failure.
type FatalError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// TimelineEvent is one entry of the human-readable stage timeline.
type TimelineEvent struct {
	Stage   string    `json:"stage"`
	Status  string    `json:"status"`
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
}

func equalAddr(a, b string) bool {
	return strings.EqualFold(a, b)
}
