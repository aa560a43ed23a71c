package workflow

import (
	"context"

	"gcodecheck/internal/logging"
	"gcodecheck/internal/perception"
	"gcodecheck/internal/rules"
)

// Severity weights used by the deterministic score floor. The prompt
// documents the same table; normalization clamps rather than recomputes.
var severityWeights = map[rules.Severity]float64{
	rules.SeverityCritical: 30,
	rules.SeverityHigh:     20,
	rules.SeverityMedium:   7,
	rules.SeverityLow:      3,
	rules.SeverityInfo:     0,
}

// runExpertAssessment makes the single whole-file assessment call. Any
// model failure degrades to a score-zero placeholder with the error text
// in the summary.
func (e *Engine) runExpertAssessment(ctx context.Context, st *AnalysisState) error {
	if e.client == nil {
		st.Assessment = normalizeAssessment(&ExpertAssessment{
			Summary: "rule-based analysis only; no model configured",
		}, st.FinalIssues)
		return nil
	}

	est := perception.EstimateTokens(assessmentUserPrompt(st))
	if err := e.limiter.Acquire(ctx, st.Request.AnalysisID, est); err != nil {
		return err
	}

	onChunk := e.progress.ChunkCallback(0.75, "expert_assessment", "expert assessment streaming")
	resp, err := e.client.CompleteStream(ctx,
		assessmentSystemPrompt(st.Request.Language), assessmentUserPrompt(st), onChunk)
	if err != nil {
		if ctx.Err() != nil {
			e.progress.ResetStream()
			return ctx.Err()
		}
		logging.Workflow("expert assessment failed, using placeholder: %v", err)
		st.Assessment = placeholderAssessment(err)
		return nil
	}
	e.trackUsage("assessment", st.Request.AnalysisID, resp)
	st.Tokens.InputTokens += resp.InputTokens
	st.Tokens.OutputTokens += resp.OutputTokens
	st.Tokens.Calls++

	parsed, perr := parseAssessment(resp.Text)
	if perr != nil {
		logging.Workflow("expert assessment parse failed, using placeholder: %v", perr)
		st.Assessment = placeholderAssessment(perr)
		return nil
	}
	st.Assessment = normalizeAssessment(parsed, st.FinalIssues)
	return nil
}

func placeholderAssessment(err error) *ExpertAssessment {
	return &ExpertAssessment{
		Score:   0,
		Grade:   "F",
		Summary: "expert assessment unavailable: " + err.Error(),
	}
}

func parseAssessment(text string) (*ExpertAssessment, error) {
	block := extractJSONBlock(text)
	if block == "" {
		return nil, errNoJSON
	}
	var a ExpertAssessment
	if err := json.Unmarshal([]byte(block), &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// normalizeAssessment enforces the structural contract on the model
// output: clamped score, deterministic grade from the issue counts, no
// invented line numbers, and the empty-issue fast path.
func normalizeAssessment(a *ExpertAssessment, issues []rules.RuleIssue) *ExpertAssessment {
	if a.Score < 0 {
		a.Score = 0
	}
	if a.Score > 100 {
		a.Score = 100
	}

	if len(issues) == 0 {
		if a.Score < 90 {
			a.Score = 90
		}
		a.Grade = "S"
		a.CriticalIssues = nil
		return a
	}

	a.Grade = gradeFor(issues, a.Score)
	for _, is := range issues {
		if !is.AutofixAllowed {
			a.ManualReviewNoted = true
			break
		}
	}

	// The model must cite lines it was given, never invent them.
	known := make(map[int]bool, len(issues))
	for _, is := range issues {
		known[is.Line] = true
	}
	kept := a.CriticalIssues[:0]
	for _, ci := range a.CriticalIssues {
		if known[ci.Line] {
			kept = append(kept, ci)
		}
	}
	a.CriticalIssues = kept
	return a
}

// gradeFor maps issue counts to a grade. Manual-review issues count at
// half weight (one step down). Adding an issue can never raise the grade.
func gradeFor(issues []rules.RuleIssue, score float64) string {
	var critical, high float64
	onlyMinor := true
	for _, is := range issues {
		sev := is.Severity
		if !is.AutofixAllowed {
			sev = stepDown(sev)
		}
		switch sev {
		case rules.SeverityCritical:
			critical++
			onlyMinor = false
		case rules.SeverityHigh:
			high++
			onlyMinor = false
		}
	}
	switch {
	case score < 40 && critical >= 1:
		return "F"
	case critical >= 1 || high >= 4:
		return "C"
	case high >= 1:
		return "B"
	case onlyMinor:
		return "A"
	default:
		return "A"
	}
}

func stepDown(s rules.Severity) rules.Severity {
	switch s {
	case rules.SeverityCritical:
		return rules.SeverityHigh
	case rules.SeverityHigh:
		return rules.SeverityMedium
	case rules.SeverityMedium:
		return rules.SeverityLow
	default:
		return rules.SeverityInfo
	}
}

// ScoreFloor computes the documented deterministic score from the issue
// list. It is advisory (the prompt's rubric), exported for reporting.
func ScoreFloor(issues []rules.RuleIssue) float64 {
	score := 100.0
	for _, is := range issues {
		w := severityWeights[is.Severity]
		if !is.AutofixAllowed {
			w /= 2
		}
		score -= w
	}
	if score < 0 {
		score = 0
	}
	return score
}
