// Package types holds the shared domain contracts of the fixwarden daemon:
// violations, batches, scores, routing decisions, worker lifecycle states,
// and escalation cases. Everything here is plain data; behavior lives in the
// component packages.
package types

import (
	"encoding/json"
	"time"
)

// =============================================================================
// VIOLATIONS
// =============================================================================

// Severity classifies how urgent a violation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ViolationKind is the closed enumeration of detector rule families.
// Kinds are namespaced "family/rule" so the family is recoverable from the
// kind string alone.
type ViolationKind string

const (
	KindLineLength        ViolationKind = "style/line-length"
	KindUnusedImport      ViolationKind = "style/unused-import"
	KindNaming            ViolationKind = "style/naming"
	KindConfigPolicy      ViolationKind = "config/policy"
	KindConfigMigration   ViolationKind = "config/migration"
	KindLoggingConvention ViolationKind = "convention/logging"
	KindCrossFileImports  ViolationKind = "imports/cross-file"
	KindArchCycle         ViolationKind = "arch/cycle"
	KindSecurityTaint     ViolationKind = "security/taint"

	// KindUnknown is the reserved bucket for kinds this build does not
	// recognize. Treated conservatively (cost of an architectural change).
	KindUnknown ViolationKind = "unknown"
)

// KindFamily groups violation kinds into the three detector families.
type KindFamily string

const (
	FamilyStyle         KindFamily = "style"
	FamilyConfiguration KindFamily = "configuration"
	FamilyArchitectural KindFamily = "architectural"
	FamilyUnknown       KindFamily = "unknown"
)

// Family returns the detector family of a kind.
func (k ViolationKind) Family() KindFamily {
	switch k {
	case KindLineLength, KindUnusedImport, KindNaming, KindLoggingConvention:
		return FamilyStyle
	case KindConfigPolicy, KindConfigMigration:
		return FamilyConfiguration
	case KindCrossFileImports, KindArchCycle, KindSecurityTaint:
		return FamilyArchitectural
	default:
		return FamilyUnknown
	}
}

// Known reports whether the kind is part of the closed enumeration.
func (k ViolationKind) Known() bool {
	return k.Family() != FamilyUnknown
}

// ImportRelated reports whether the kind belongs to the import/dependency
// family used by the scorer's dependency signal.
func (k ViolationKind) ImportRelated() bool {
	return k == KindCrossFileImports || k == KindUnusedImport
}

// Violation is a single detected code-quality issue. Produced by external
// detectors and immutable once observed.
type Violation struct {
	ID       string        `json:"id"`
	Kind     ViolationKind `json:"kind"`
	FilePath string        `json:"file_path"`
	Line     int           `json:"line"`
	Severity Severity      `json:"severity,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// =============================================================================
// BATCHES
// =============================================================================

// StrategyTag records how a batch was formed by the optimizer.
type StrategyTag string

const (
	StrategyByType       StrategyTag = "by-type"
	StrategyByFile       StrategyTag = "by-file"
	StrategyByComplexity StrategyTag = "by-complexity"
	StrategyMixed        StrategyTag = "mixed"
)

// Batch is an ordered, bounded collection of violations routed as one unit.
// Caps are enforced by the optimizer; a batch is consumed by exactly one
// dispatch.
type Batch struct {
	ID         string      `json:"id"`
	TaskID     string      `json:"task_id,omitempty"`
	Violations []Violation `json:"violations"`
	Strategy   StrategyTag `json:"strategy_tag"`
}

// Contract defaults for the batch caps. The optimizer takes its caps from
// config; these are the values the rest of the system may assume as maxima.
const (
	MaxBatchViolations = 20
	MaxBatchFiles      = 10
)

// Size returns the number of violations in the batch.
func (b Batch) Size() int { return len(b.Violations) }

// Files returns the distinct file paths in first-seen order.
func (b Batch) Files() []string {
	seen := make(map[string]bool, len(b.Violations))
	files := make([]string, 0, len(b.Violations))
	for _, v := range b.Violations {
		if !seen[v.FilePath] {
			seen[v.FilePath] = true
			files = append(files, v.FilePath)
		}
	}
	return files
}

// HasSeverity reports whether any violation carries the given severity.
func (b Batch) HasSeverity(s Severity) bool {
	for _, v := range b.Violations {
		if v.Severity == s {
			return true
		}
	}
	return false
}

// =============================================================================
// SCORING
// =============================================================================

// Score is the complexity assessment of a batch. Total is the weighted sum
// 0.25*FileCount + 0.40*Kind + 0.20*Dependency + 0.15*Churn with every
// component in [0,1]. Immutable once produced.
type Score struct {
	Total      float64 `json:"total"`
	FileCount  float64 `json:"file_count_score"`
	Kind       float64 `json:"kind_score"`
	Dependency float64 `json:"dependency_score"`
	Churn      float64 `json:"churn_score"`
	KindWeight float64 `json:"kind_weight"` // winning per-kind intrinsic cost
	Version    string  `json:"scorer_version"`
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// RetrievalSource distinguishes where a pattern match came from.
type RetrievalSource string

const (
	SourceCommit    RetrievalSource = "commit"
	SourceCodeChunk RetrievalSource = "code-chunk"
)

// RetrievalMatch is one scored entry returned by the pattern index.
type RetrievalMatch struct {
	EntryID    string          `json:"entry_id"`
	SourceKind RetrievalSource `json:"source_kind"`
	Similarity float64         `json:"similarity"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// RetrievalContext is the result of querying the pattern index for a batch.
// Confidence is the max similarity over matches, 0 when empty.
type RetrievalContext struct {
	Matches    []RetrievalMatch `json:"matches"`
	Confidence float64          `json:"confidence"`
}

// =============================================================================
// ROUTING
// =============================================================================

// Channel is the execution destination of a batch.
type Channel string

const (
	ChannelFast  Channel = "FAST"
	ChannelHeavy Channel = "HEAVY"
	ChannelHuman Channel = "HUMAN"
)

// ReasonCode explains a routing decision or an escalation.
type ReasonCode string

const (
	ReasonCriticalSeverity ReasonCode = "critical-severity"
	ReasonHighComplexity   ReasonCode = "high-complexity"
	ReasonSecurityKind     ReasonCode = "security-kind"
	ReasonLowConfidence    ReasonCode = "low-confidence-medium-complexity"
	ReasonAutoFixable      ReasonCode = "auto-fixable"
	ReasonExhaustedRetries ReasonCode = "exhausted-retries"
	ReasonWorkerFatal      ReasonCode = "worker-fatal"
	ReasonTimeout          ReasonCode = "timeout"
	ReasonCancelled        ReasonCode = "cancelled"
)

// WorkerMode selects how a spawned heavy worker runs. Always headless in v1;
// interactive is reserved for a future human-assist routing rule.
type WorkerMode string

const (
	ModeHeadless    WorkerMode = "headless"
	ModeInteractive WorkerMode = "interactive"
)

// RoutingDecision maps a scored, enriched batch to a channel. Given identical
// inputs the engine produces an identical decision; rule order is contract.
type RoutingDecision struct {
	Channel         Channel          `json:"channel"`
	Reason          ReasonCode       `json:"reason_code"`
	Batch           Batch            `json:"batch"`
	Score           Score            `json:"score"`
	Retrieval       RetrievalContext `json:"retrieval"`
	SignoffRequired bool             `json:"signoff_required,omitempty"`
	Mode            WorkerMode       `json:"mode,omitempty"`
}

// =============================================================================
// WORKERS
// =============================================================================

// WorkerKind tags the variant of a dispatched worker.
type WorkerKind string

const (
	WorkerFast  WorkerKind = "fast-inproc"
	WorkerHeavy WorkerKind = "heavy-spawned"
	WorkerHuman WorkerKind = "human"
)

// WorkerState is the lifecycle state of a worker handle.
type WorkerState string

const (
	StateStarting  WorkerState = "starting"
	StateRunning   WorkerState = "running"
	StateCompleted WorkerState = "completed"
	StateFailed    WorkerState = "failed"
	StateTimedOut  WorkerState = "timed-out"
	StateCancelled WorkerState = "cancelled"
)

// Terminal reports whether the state is absorbing.
func (s WorkerState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// FailureClass distinguishes how a worker failed, driving the retry policy.
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureRetryable FailureClass = "retryable"
	FailureFatal     FailureClass = "fatal"
)

// =============================================================================
// ESCALATION
// =============================================================================

// EscalationState is the lifecycle state of a human-review case.
type EscalationState string

const (
	CasePending   EscalationState = "pending"
	CaseInReview  EscalationState = "in_review"
	CaseResolved  EscalationState = "resolved"
	CaseCannotFix EscalationState = "cannot_fix"
	CaseWontFix   EscalationState = "wont_fix"
	CaseCancelled EscalationState = "cancelled"
)

// Terminal reports whether the case state is absorbing.
func (s EscalationState) Terminal() bool {
	switch s {
	case CaseResolved, CaseCannotFix, CaseWontFix, CaseCancelled:
		return true
	}
	return false
}

// EscalationCase is one open or closed human-review item.
type EscalationCase struct {
	CaseID           string          `json:"case_id"`
	BatchRef         string          `json:"batch_ref"`
	WorkerID         string          `json:"worker_id,omitempty"`
	Reason           ReasonCode      `json:"reason"`
	State            EscalationState `json:"state"`
	OpenedAt         time.Time       `json:"opened_at"`
	AssignedReviewer string          `json:"assigned_reviewer,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolutionNote   string          `json:"resolution_note,omitempty"`
}

// =============================================================================
// QUEUE TASKS
// =============================================================================

// Task is one unit claimed from the external queue: a detector run's raw
// violation list plus redelivery bookkeeping.
type Task struct {
	ID             string      `json:"id"`
	Violations     []Violation `json:"violations"`
	Attempt        int         `json:"attempt"`
	MaxAttempts    int         `json:"max_attempts"`
	EnqueuedAt     time.Time   `json:"enqueued_at"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at,omitempty"`
}

// TaskOutcome summarizes a finished task for the queue's mark-done call.
type TaskOutcome struct {
	Success   bool   `json:"success"`
	Detail    string `json:"detail,omitempty"`
	Completed int    `json:"completed_batches"`
	Escalated int    `json:"escalated_batches"`
}
