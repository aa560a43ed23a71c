// Package analyzer is the public surface of the analysis core. It binds
// parsing, rule detection, LLM validation and patching behind three
// operations: RunAnalysis, RunErrorAnalysisOnly and ExtractSegments.
package analyzer

import (
	"context"
	"os"
	"path/filepath"

	"gcodecheck/internal/config"
	"gcodecheck/internal/gcode"
	"gcodecheck/internal/logging"
	"gcodecheck/internal/perception"
	"gcodecheck/internal/progress"
	"gcodecheck/internal/rules"
	"gcodecheck/internal/segments"
	"gcodecheck/internal/store"
	"gcodecheck/internal/usage"
	"gcodecheck/internal/workflow"
)

// Request describes one analysis. Exactly one of FilePath and Content
// must be set; Content is spooled to a temp file recorded on the
// persisted record.
type Request struct {
	AnalysisID string
	FilePath   string
	Content    []byte

	Filament    string // PLA/ABS/PETG/TPU/NYLON/ASA/PC, PLA default
	Language    string // ko/en/ja/zh, prompt preamble only
	SummaryOnly bool

	// AutoApply applies the planned patches without a review step.
	AutoApply bool
	// NoPatch disables patch planning and application.
	NoPatch bool

	// OnProgress, when set, receives every progress event.
	OnProgress progress.Callback
}

// Analyzer owns the long-lived collaborators: configuration, the
// analysis store, the usage tracker and the model client.
type Analyzer struct {
	cfg    *config.Config
	client perception.Client
	store  *store.Store
	usage  *usage.Tracker
}

// New builds an analyzer from configuration. A missing API key is not an
// error: the analyzer degrades to rule-only behavior with a nil client.
func New(cfg *config.Config) (*Analyzer, error) {
	if cfg == nil {
		cfg = config.Load()
	}
	if err := logging.Initialize(cfg.OutputDir); err != nil {
		return nil, err
	}

	st, err := store.New(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	ut, err := usage.NewTracker(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	// The registry mirror is advisory; a sync failure only logs.
	if err := rules.SyncCatalog(filepath.Join(cfg.OutputDir, "issue_types.json")); err != nil {
		logging.Rules("taxonomy sync failed: %v", err)
	}

	client, err := perception.NewFromConfig(cfg)
	if err != nil {
		logging.API("no model client available, rule-only mode: %v", err)
		client = nil
	}

	return &Analyzer{cfg: cfg, client: client, store: st, usage: ut}, nil
}

// Store exposes the underlying analysis store for record queries.
func (a *Analyzer) Store() *store.Store { return a.store }

// Usage exposes the cumulative token usage tracker.
func (a *Analyzer) Usage() *usage.Tracker { return a.usage }

// RunAnalysis executes the full workflow (or the summary-only prefix)
// and assembles the public result.
func (a *Analyzer) RunAnalysis(ctx context.Context, req Request) (*AnalysisResult, error) {
	path, tempFile, err := a.resolveInput(req)
	if err != nil {
		return nil, err
	}

	mode := workflow.ModeFull
	if req.SummaryOnly {
		mode = workflow.ModeSummaryOnly
	}
	wreq := workflow.Request{
		AnalysisID:   req.AnalysisID,
		FilePath:     path,
		Filament:     req.Filament,
		Language:     req.Language,
		Mode:         mode,
		UserApproved: req.AutoApply,
		NoPatch:      req.NoPatch,
	}

	eng := workflow.New(a.cfg, a.client, a.store, progress.NewTracker(req.OnProgress), a.usage)
	state, runErr := eng.Run(ctx, wreq)

	if tempFile != "" && state != nil {
		// Keep the spooled input reachable from the record for debugging.
		if uerr := a.store.Update(state.Request.AnalysisID,
			map[string]interface{}{"temp_file": tempFile}); uerr != nil {
			logging.Store("record temp file: %v", uerr)
		}
	}
	if runErr != nil {
		return nil, runErr
	}
	return buildResult(state), nil
}

// RunErrorAnalysisOnly runs parse plus the rule engine with no model
// calls, no persistence and no patching.
func (a *Analyzer) RunErrorAnalysisOnly(ctx context.Context, req Request) ([]rules.RuleIssue, error) {
	parsed, printer, err := a.parseInput(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep := rules.New(a.cfg, req.Filament).Analyze(parsed, printer)
	logging.API("rule-only analysis: %d issues", len(rep.Issues))
	return rep.Issues, nil
}

// ExtractSegments parses the input and returns the layer-indexed segment
// geometry. Pure with respect to the input bytes.
func (a *Analyzer) ExtractSegments(ctx context.Context, req Request) (*segments.Result, error) {
	parsed, printer, err := a.parseInput(req)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return segments.Extract(parsed, printer)
}

func (a *Analyzer) parseInput(req Request) (*gcode.ParseResult, *gcode.PrinterContext, error) {
	var parsed *gcode.ParseResult
	if req.FilePath != "" {
		p, err := gcode.ParseFile(req.FilePath)
		if err != nil {
			return nil, nil, err
		}
		parsed = p
	} else {
		parsed = gcode.Parse(req.Content)
	}
	return parsed, gcode.Detect(parsed), nil
}

// resolveInput returns the on-disk path of the input, spooling raw bytes
// to a temp file when needed.
func (a *Analyzer) resolveInput(req Request) (path, tempFile string, err error) {
	if req.FilePath != "" {
		return req.FilePath, "", nil
	}
	if err := os.MkdirAll(a.cfg.OutputDir, 0o755); err != nil {
		return "", "", err
	}
	f, err := os.CreateTemp(a.cfg.OutputDir, "upload-*.gcode")
	if err != nil {
		return "", "", err
	}
	if _, err := f.Write(req.Content); err != nil {
		f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return f.Name(), f.Name(), nil
}
