// Package workflow orchestrates one analysis as a directed acyclic graph
// of nodes over a shared AnalysisState.
package workflow

import (
	"fmt"
	"time"

	"gcodecheck/internal/gcode"
	"gcodecheck/internal/patch"
	"gcodecheck/internal/rules"
	"gcodecheck/internal/segments"
	"gcodecheck/internal/summary"
)

// Mode selects how much of the graph runs.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeSummaryOnly Mode = "summary_only"
)

// Request describes one analysis run.
type Request struct {
	AnalysisID string
	FilePath   string
	Filament   string // PLA default
	Language   string // ko/en/ja/zh prompt preamble
	Mode       Mode
	// UserApproved gates the apply_patch node.
	UserApproved bool
	// NoPatch skips patch planning entirely.
	NoPatch bool
}

// Validation is the LLM verdict on one ambiguous issue.
type Validation struct {
	IsValidIssue bool    `json:"is_valid_issue"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
	Severity     string  `json:"severity,omitempty"`
}

// AssessedIssue is one issue as cited by the expert assessment. Line
// values are preserved from the input exactly.
type AssessedIssue struct {
	Line        int    `json:"line"`
	TypeCode    string `json:"type_code"`
	Description string `json:"description"`
}

// ExpertAssessment is the final structured LLM-authored report.
type ExpertAssessment struct {
	Score           float64         `json:"score"`
	Grade           string          `json:"grade"` // S/A/B/C/F
	Summary         string          `json:"summary"`
	CriticalIssues  []AssessedIssue `json:"critical_issues"`
	Recommendations []string        `json:"recommendations"`
	// ManualReviewNoted flags that down-weighted manual-review issues
	// influenced the score.
	ManualReviewNoted bool `json:"manual_review_noted,omitempty"`
}

// StepEvent is one timeline entry. Every executed node appends one.
type StepEvent struct {
	Node       string    `json:"node"`
	Status     string    `json:"status"` // completed | failed | skipped
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Error      string    `json:"error,omitempty"`
}

// TokenUsage accumulates model token consumption over the run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	Calls        int `json:"calls"`
}

// AnalysisState is the shared state every node reads and extends.
type AnalysisState struct {
	Request Request

	Parsed   *gcode.ParseResult
	Printer  *gcode.PrinterContext
	LayerMap *gcode.LayerMap
	Summary  *summary.Comprehensive
	Segments *segments.Result

	RuleReport *rules.Report
	// Classification of RuleReport.Issues by index. Benign events never
	// leave the rule engine, so only confirmed and needs-LLM remain.
	ConfirmedIssues []rules.RuleIssue
	NeedsLLM        []int
	// FilteredIssues are LLM-rejected false positives.
	FilteredIssues []rules.RuleIssue
	Validations    map[int]Validation
	// FinalIssues preserves the engine's input order.
	FinalIssues []rules.RuleIssue

	Assessment  *ExpertAssessment
	Patches     []patch.Suggestion
	PatchText   string
	PatchedFile string

	Timeline []StepEvent
	Tokens   TokenUsage
}

// WorkflowError wraps a node failure with the node name attached.
type WorkflowError struct {
	Node string
	Err  error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow node %s: %v", e.Node, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
