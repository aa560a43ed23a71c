package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gcodecheck/internal/config"
	"gcodecheck/internal/gcode"
	"gcodecheck/internal/logging"
	"gcodecheck/internal/patch"
	"gcodecheck/internal/perception"
	"gcodecheck/internal/progress"
	"gcodecheck/internal/ratelimit"
	"gcodecheck/internal/rules"
	"gcodecheck/internal/segments"
	"gcodecheck/internal/store"
	"gcodecheck/internal/summary"
	"gcodecheck/internal/usage"
)

// Engine wires the node graph to its collaborators. Client may be nil for
// summary-only runs; LLM nodes then degrade to their fallbacks.
type Engine struct {
	cfg      *config.Config
	client   perception.Client
	store    *store.Store
	progress *progress.Tracker
	usage    *usage.Tracker
	limiter  *ratelimit.Limiter
}

// New builds an engine. store, progress, usage and limiter may each be
// nil; missing collaborators are skipped (store, usage) or defaulted
// (progress no-op tracker, process-wide limiter).
func New(cfg *config.Config, client perception.Client, st *store.Store, pt *progress.Tracker, ut *usage.Tracker) *Engine {
	if cfg == nil {
		cfg = config.Load()
	}
	if pt == nil {
		pt = progress.NewTracker(nil)
	}
	return &Engine{
		cfg:      cfg,
		client:   client,
		store:    st,
		progress: pt,
		usage:    ut,
		limiter:  ratelimit.Default(),
	}
}

// node is one executable graph step.
type node struct {
	name  string
	enter float64 // progress at entry
	exit  float64 // progress at exit
	run   func(ctx context.Context, st *AnalysisState) error
}

// Run executes the graph:
//
//	parse -> comprehensive_summary -> [summary_only? END]
//	      -> analyze_events -> llm_analyze -> expert_assessment
//	      -> final_output -> [user_approved? apply_patch] -> END
//
// Partial state is persisted after every node; a node failure leaves a
// failed record with the completed portion preserved.
func (e *Engine) Run(ctx context.Context, req Request) (*AnalysisState, error) {
	if req.AnalysisID == "" {
		req.AnalysisID = uuid.NewString()
	}
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	if req.Filament == "" {
		req.Filament = "PLA"
	}
	st := &AnalysisState{Request: req}

	e.persist(st, "processing", "")
	logging.Workflow("analysis %s started: %s (mode=%s)", req.AnalysisID, req.FilePath, req.Mode)

	for _, n := range e.graph(st) {
		select {
		case <-ctx.Done():
			err := &WorkflowError{Node: n.name, Err: ctx.Err()}
			e.persist(st, "failed", err.Error())
			return st, err
		default:
		}

		e.progress.Update(n.enter, n.name, fmt.Sprintf("%s started", n.name), nil)
		started := time.Now()
		err := n.run(ctx, st)
		ev := StepEvent{Node: n.name, StartedAt: started, FinishedAt: time.Now()}
		if err != nil {
			ev.Status = "failed"
			ev.Error = err.Error()
			st.Timeline = append(st.Timeline, ev)
			werr := &WorkflowError{Node: n.name, Err: err}
			e.persist(st, "failed", werr.Error())
			logging.Workflow("analysis %s failed at %s: %v", req.AnalysisID, n.name, err)
			return st, werr
		}
		ev.Status = "completed"
		st.Timeline = append(st.Timeline, ev)
		e.progress.Update(n.exit, n.name, fmt.Sprintf("%s completed", n.name), nil)
		e.persist(st, "processing", "")
	}

	e.persist(st, "completed", "")
	e.progress.Update(1.0, "done", "analysis complete", nil)
	logging.Workflow("analysis %s completed: %d issues, grade %s",
		req.AnalysisID, len(st.FinalIssues), gradeOf(st))
	return st, nil
}

// graph resolves the conditional edges for this request up front; the
// remaining execution is strictly sequential.
func (e *Engine) graph(st *AnalysisState) []node {
	nodes := []node{
		{name: "parse", enter: 0.0, exit: 0.15, run: e.runParse},
		{name: "comprehensive_summary", enter: 0.15, exit: 0.3, run: e.runSummary},
	}
	if st.Request.Mode == ModeSummaryOnly {
		return nodes
	}
	nodes = append(nodes,
		node{name: "analyze_events", enter: 0.3, exit: 0.4, run: e.runAnalyzeEvents},
		node{name: "llm_analyze", enter: 0.4, exit: 0.65, run: e.runLLMAnalyze},
		node{name: "expert_assessment", enter: 0.65, exit: 0.85, run: e.runExpertAssessment},
		node{name: "final_output", enter: 0.85, exit: 0.92, run: e.runFinalOutput},
	)
	if st.Request.UserApproved && !st.Request.NoPatch {
		nodes = append(nodes, node{name: "apply_patch", enter: 0.92, exit: 0.98, run: e.runApplyPatch})
	}
	return nodes
}

func (e *Engine) runParse(ctx context.Context, st *AnalysisState) error {
	parsed, err := gcode.ParseFile(st.Request.FilePath)
	if err != nil {
		return err
	}
	st.Parsed = parsed
	st.Printer = gcode.Detect(parsed)
	st.LayerMap = gcode.BuildLayerMap(parsed)

	// Segment extraction enforces the encoding-error rule; running it here
	// fails the analysis before any LLM spend.
	segs, err := segments.Extract(parsed, st.Printer)
	if err != nil {
		return err
	}
	st.Segments = segs
	return nil
}

func (e *Engine) runSummary(ctx context.Context, st *AnalysisState) error {
	st.Summary = summary.Build(st.Parsed, st.LayerMap)
	return nil
}

// runAnalyzeEvents runs the rule engine and classifies each detection
// as confirmed or needs-LLM. Benign events are already dropped inside
// the engine and never surface as detections.
func (e *Engine) runAnalyzeEvents(ctx context.Context, st *AnalysisState) error {
	eng := rules.New(e.cfg, st.Request.Filament)
	st.RuleReport = eng.Analyze(st.Parsed, st.Printer)

	for i, is := range st.RuleReport.Issues {
		switch {
		case is.Ambiguous && e.client != nil:
			st.NeedsLLM = append(st.NeedsLLM, i)
		default:
			st.ConfirmedIssues = append(st.ConfirmedIssues, is)
		}
	}
	logging.Workflow("analysis %s: %d confirmed, %d need validation",
		st.Request.AnalysisID, len(st.ConfirmedIssues), len(st.NeedsLLM))
	return nil
}

func (e *Engine) runFinalOutput(ctx context.Context, st *AnalysisState) error {
	if st.Request.NoPatch {
		return nil
	}
	planner := patch.NewPlanner(e.cfg, st.Request.Filament)
	st.Patches = planner.Plan(st.Parsed, st.FinalIssues)
	st.PatchText = patch.Preview(st.Patches)
	return nil
}

func (e *Engine) runApplyPatch(ctx context.Context, st *AnalysisState) error {
	patched, applied, err := patch.Apply(st.Request.FilePath, st.Patches)
	if err != nil {
		return err
	}
	st.PatchedFile = patched
	logging.Workflow("analysis %s: %d patches applied to %s", st.Request.AnalysisID, applied, patched)
	return nil
}

// persist mirrors the current state into the analysis store. A nil store
// (library embedding) makes this a no-op.
func (e *Engine) persist(st *AnalysisState, status, errText string) {
	if e.store == nil {
		return
	}
	rec := &store.Record{
		Status: status,
		Error:  errText,
		Result: resultSnapshot(st),
	}
	if err := e.store.Set(st.Request.AnalysisID, rec); err != nil {
		logging.Store("persist %s failed: %v", st.Request.AnalysisID, err)
	}
}

// resultSnapshot keeps the persisted record small: aggregates and issue
// lists, not the parsed line array or segment geometry.
func resultSnapshot(st *AnalysisState) map[string]interface{} {
	out := map[string]interface{}{
		"file":     st.Request.FilePath,
		"mode":     string(st.Request.Mode),
		"filament": st.Request.Filament,
	}
	if st.Printer != nil {
		out["slicer"] = string(st.Printer.Slicer)
		out["firmware"] = string(st.Printer.Firmware)
		out["equipment"] = st.Printer.Equipment
	}
	if st.Summary != nil {
		out["total_lines"] = st.Summary.TotalLines
		out["layer_count"] = st.Summary.Layers.LayerCount
		out["print_time_seconds"] = st.Summary.PrintTime.TotalSeconds
	}
	if st.FinalIssues != nil {
		out["issues"] = st.FinalIssues
	}
	if st.Assessment != nil {
		out["assessment"] = st.Assessment
	}
	if len(st.Timeline) > 0 {
		out["timeline"] = st.Timeline
	}
	if st.Tokens.Calls > 0 {
		out["token_usage"] = st.Tokens
	}
	if st.PatchedFile != "" {
		out["patched_file"] = st.PatchedFile
	}
	return out
}

func gradeOf(st *AnalysisState) string {
	if st.Assessment == nil {
		return "-"
	}
	return st.Assessment.Grade
}
