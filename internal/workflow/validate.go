package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"gcodecheck/internal/logging"
	"gcodecheck/internal/perception"
	"gcodecheck/internal/ratelimit"
	"gcodecheck/internal/rules"
)

// runLLMAnalyze validates every ambiguous issue with a bounded number of
// concurrent model calls. Calls complete in arbitrary order but the
// merged FinalIssues list preserves the engine's input order. Any
// per-call failure keeps the issue (fail-safe); only rate limiting and
// cancellation abort the node.
func (e *Engine) runLLMAnalyze(ctx context.Context, st *AnalysisState) error {
	st.Validations = make(map[int]Validation)
	if len(st.NeedsLLM) == 0 || e.client == nil {
		st.FinalIssues = e.mergeIssues(st)
		return nil
	}

	type outcome struct {
		idx        int
		validation *Validation
		tokens     [2]int
	}
	var (
		mu       sync.Mutex
		outcomes []outcome
		done     int
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := e.cfg.MaxConcurrentLLMCalls
	if limit <= 0 {
		limit = 5
	}
	g.SetLimit(limit)

	total := len(st.NeedsLLM)
	for _, idx := range st.NeedsLLM {
		g.Go(func() error {
			if gctx.Err() != nil {
				// Cancelled before this call started: the issue stays
				// unvalidated and therefore present.
				return gctx.Err()
			}
			v, resp, err := e.validateIssue(gctx, st, idx)

			mu.Lock()
			defer mu.Unlock()
			done++
			e.progress.Update(0.4+0.25*float64(done)/float64(total), "llm_analyze",
				fmt.Sprintf("validated %d/%d events", done, total), nil)

			if resp != nil {
				outcomes = append(outcomes, outcome{idx: idx, validation: v,
					tokens: [2]int{resp.InputTokens, resp.OutputTokens}})
			} else {
				outcomes = append(outcomes, outcome{idx: idx, validation: v})
			}
			return err
		})
	}
	err := g.Wait()

	for _, o := range outcomes {
		if o.validation != nil {
			st.Validations[o.idx] = *o.validation
		}
		if o.tokens != [2]int{} {
			st.Tokens.InputTokens += o.tokens[0]
			st.Tokens.OutputTokens += o.tokens[1]
			st.Tokens.Calls++
		}
	}
	st.FinalIssues = e.mergeIssues(st)

	// Rate limiting and cancellation abort; everything else was already
	// absorbed as keep-the-issue.
	var rle *ratelimit.RateLimitError
	if errors.As(err, &rle) {
		return err
	}
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		e.progress.ResetStream()
		return err
	}
	return nil
}

// validateIssue runs one validation call. A nil validation with nil error
// means the call failed and the issue must be kept as-is.
func (e *Engine) validateIssue(ctx context.Context, st *AnalysisState, idx int) (*Validation, *perception.Response, error) {
	issue := st.RuleReport.Issues[idx]
	snippet := st.RuleReport.Snippets[idx]

	est := perception.EstimateTokens(snippet.Text)
	if err := e.limiter.Acquire(ctx, st.Request.AnalysisID, est); err != nil {
		return nil, nil, err
	}

	system := validatorSystemPrompt(st.Request.Language)
	user := buildValidationPrompt(issue, snippet, st.Printer)
	resp, err := e.client.CompleteWithSystem(ctx, system, user)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		logging.Workflow("validation call for %s@%d failed, keeping issue: %v",
			issue.TypeCode, issue.Line, err)
		return nil, nil, nil
	}
	e.trackUsage("validation", st.Request.AnalysisID, resp)

	v, perr := parseValidation(resp.Text)
	if perr != nil {
		logging.Workflow("validation parse for %s@%d failed, keeping issue: %v",
			issue.TypeCode, issue.Line, perr)
		return nil, resp, nil
	}
	return v, resp, nil
}

// mergeIssues produces the final issue list in engine input order:
// confirmed issues pass through, validated ones keep or drop per the
// verdict, unvalidated ambiguous ones are kept.
func (e *Engine) mergeIssues(st *AnalysisState) []rules.RuleIssue {
	if st.RuleReport == nil {
		return nil
	}
	needsLLM := make(map[int]bool, len(st.NeedsLLM))
	for _, idx := range st.NeedsLLM {
		needsLLM[idx] = true
	}

	var final []rules.RuleIssue
	for i, is := range st.RuleReport.Issues {
		if !needsLLM[i] {
			final = append(final, is)
			continue
		}
		v, validated := st.Validations[i]
		if !validated {
			final = append(final, is)
			continue
		}
		if !v.IsValidIssue {
			st.FilteredIssues = append(st.FilteredIssues, is)
			continue
		}
		if sev := normalizeSeverity(v.Severity); sev != "" {
			is.Severity = sev
		}
		final = append(final, is)
	}
	return final
}

func normalizeSeverity(s string) rules.Severity {
	switch rules.Severity(strings.ToLower(strings.TrimSpace(s))) {
	case rules.SeverityCritical:
		return rules.SeverityCritical
	case rules.SeverityHigh:
		return rules.SeverityHigh
	case rules.SeverityMedium:
		return rules.SeverityMedium
	case rules.SeverityLow:
		return rules.SeverityLow
	case rules.SeverityInfo:
		return rules.SeverityInfo
	}
	return ""
}

// parseValidation decodes the model's JSON verdict, tolerating code
// fences and surrounding prose.
func parseValidation(text string) (*Validation, error) {
	block := extractJSONBlock(text)
	if block == "" {
		return nil, errNoJSON
	}
	var v Validation
	if err := json.Unmarshal([]byte(block), &v); err != nil {
		return nil, err
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}
	return &v, nil
}

// extractJSONBlock returns the outermost {...} span of the text.
func extractJSONBlock(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func (e *Engine) trackUsage(stage, analysisID string, resp *perception.Response) {
	if e.usage == nil || resp == nil {
		return
	}
	e.usage.Track(e.client.Name(), e.client.Model(), stage, analysisID,
		resp.InputTokens, resp.OutputTokens)
}
