package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcodecheck/internal/config"
	"gcodecheck/internal/perception"
	"gcodecheck/internal/progress"
	"gcodecheck/internal/segments"
	"gcodecheck/internal/store"
)

// fakeClient scripts model behavior per call kind. Validation calls go
// through CompleteWithSystem, the assessment through CompleteStream.
type fakeClient struct {
	mu sync.Mutex

	validationText string
	validationErr  error
	assessmentText string
	assessmentErr  error

	validations int
	assessments int
}

func (f *fakeClient) Complete(ctx context.Context, prompt string) (*perception.Response, error) {
	return f.CompleteWithSystem(ctx, "", prompt)
}

func (f *fakeClient) CompleteWithSystem(ctx context.Context, system, user string) (*perception.Response, error) {
	f.mu.Lock()
	f.validations++
	f.mu.Unlock()
	if f.validationErr != nil {
		return nil, f.validationErr
	}
	return &perception.Response{Text: f.validationText, InputTokens: 100, OutputTokens: 40}, nil
}

func (f *fakeClient) CompleteStream(ctx context.Context, system, user string, onChunk perception.ChunkFunc) (*perception.Response, error) {
	f.mu.Lock()
	f.assessments++
	f.mu.Unlock()
	if f.assessmentErr != nil {
		return nil, f.assessmentErr
	}
	if onChunk != nil {
		for _, part := range splitChunks(f.assessmentText, 20) {
			onChunk(part)
		}
	}
	return &perception.Response{Text: f.assessmentText, InputTokens: 300, OutputTokens: 120}, nil
}

func (f *fakeClient) Name() string  { return "fake" }
func (f *fakeClient) Model() string { return "fake-model" }

func splitChunks(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func writeGcode(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

// klipperFile produces exactly one ambiguous missing_warmup detection:
// M104 without a wait, on a file the detector classifies as Klipper.
func klipperFile(t *testing.T) string {
	t.Helper()
	lines := []string{
		"START_PRINT EXTRUDER_TEMP=200 BED_TEMP=60",
		"G28",
		"M104 S200",
		"G90",
		"M83",
	}
	for i := 0; i < 30; i++ {
		lines = append(lines, "G1 X1 Y1 E0.5 F1200")
	}
	lines = append(lines, "M104 S0", "M140 S0", "; END of gcode")
	return writeGcode(t, lines...)
}

func newTestEngine(t *testing.T, client perception.Client) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "analysis_store"))
	require.NoError(t, err)
	return New(config.Load(), client, st, progress.NewTracker(nil), nil), st
}

func TestSummaryOnlyRun(t *testing.T) {
	path := writeGcode(t,
		";FLAVOR:Marlin", "G28", "M104 S200", "M109 S200", "G90", "M83",
		";LAYER:0", "G1 X1 Y1 E0.5 F1200", "M104 S0", "; END")
	eng, st := newTestEngine(t, nil)

	state, err := eng.Run(context.Background(), Request{
		AnalysisID: "summary-1", FilePath: path, Mode: ModeSummaryOnly,
	})
	require.NoError(t, err)
	require.NotNil(t, state.Summary)
	assert.Nil(t, state.RuleReport)
	assert.Nil(t, state.Assessment)

	var names []string
	for _, ev := range state.Timeline {
		names = append(names, ev.Node)
		assert.Equal(t, "completed", ev.Status)
	}
	assert.Equal(t, []string{"parse", "comprehensive_summary"}, names)

	rec, err := st.Get("summary-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
}

func TestFullRunFiltersRejectedIssue(t *testing.T) {
	client := &fakeClient{
		validationText: `{"is_valid_issue": false, "confidence": 0.9,
			"reasoning": "START_PRINT heats and waits internally"}`,
		assessmentText: `{"score": 95, "grade": "S", "summary": "clean print",
			"critical_issues": [], "recommendations": []}`,
	}
	eng, _ := newTestEngine(t, client)

	state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
	require.NoError(t, err)

	require.Len(t, state.NeedsLLM, 1)
	assert.Equal(t, 1, client.validations)
	assert.Empty(t, state.FinalIssues)
	require.Len(t, state.FilteredIssues, 1)
	assert.Equal(t, "missing_warmup", state.FilteredIssues[0].TypeCode)

	require.NotNil(t, state.Assessment)
	assert.Equal(t, "S", state.Assessment.Grade)
	assert.GreaterOrEqual(t, state.Assessment.Score, 90.0)
	assert.Greater(t, state.Tokens.Calls, 0)
}

func TestValidationFailureKeepsIssue(t *testing.T) {
	client := &fakeClient{
		validationErr: errors.New("upstream 500"),
		assessmentText: `{"score": 70, "grade": "B", "summary": "one warmup issue",
			"critical_issues": [], "recommendations": ["add M109 before printing"]}`,
	}
	eng, _ := newTestEngine(t, client)

	state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
	require.NoError(t, err)

	require.Len(t, state.FinalIssues, 1)
	assert.Equal(t, "missing_warmup", state.FinalIssues[0].TypeCode)
	assert.Empty(t, state.FilteredIssues)
}

func TestValidationSeverityOverride(t *testing.T) {
	client := &fakeClient{
		validationText: `{"is_valid_issue": true, "confidence": 0.8,
			"reasoning": "no wait visible anywhere", "severity": "critical"}`,
		assessmentText: `{"score": 60, "grade": "C", "summary": "warmup missing",
			"critical_issues": [], "recommendations": []}`,
	}
	eng, _ := newTestEngine(t, client)

	state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
	require.NoError(t, err)
	require.Len(t, state.FinalIssues, 1)
	assert.Equal(t, "critical", string(state.FinalIssues[0].Severity))
}

func TestAssessmentPlaceholderOnModelFailure(t *testing.T) {
	client := &fakeClient{
		validationText: `{"is_valid_issue": true, "confidence": 0.8, "reasoning": "real"}`,
		assessmentErr:  errors.New("stream reset"),
	}
	eng, _ := newTestEngine(t, client)

	state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
	require.NoError(t, err, "assessment failure must not fail the run")
	require.NotNil(t, state.Assessment)
	assert.Equal(t, "F", state.Assessment.Grade)
	assert.Zero(t, state.Assessment.Score)
	assert.Contains(t, state.Assessment.Summary, "unavailable")
}

func TestAssessmentLineFiltering(t *testing.T) {
	// Line 3 is the real detection; line 999 is invented by the model.
	client := &fakeClient{
		validationText: `{"is_valid_issue": true, "confidence": 0.9, "reasoning": "real"}`,
		assessmentText: `{"score": 55, "grade": "A", "summary": "issues found",
			"critical_issues": [
				{"line": 3, "type_code": "missing_warmup", "description": "no wait"},
				{"line": 999, "type_code": "cold_extrusion", "description": "made up"}
			], "recommendations": []}`,
	}
	eng, _ := newTestEngine(t, client)

	state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
	require.NoError(t, err)
	require.NotNil(t, state.Assessment)
	require.Len(t, state.Assessment.CriticalIssues, 1)
	assert.Equal(t, 3, state.Assessment.CriticalIssues[0].Line)
	// One high-severity issue forces the grade regardless of model output.
	assert.Equal(t, "B", state.Assessment.Grade)
}

func TestApplyPatchGatedOnApproval(t *testing.T) {
	client := &fakeClient{
		validationText: `{"is_valid_issue": true, "confidence": 0.9, "reasoning": "real"}`,
		assessmentText: `{"score": 70, "grade": "B", "summary": "ok", "critical_issues": [], "recommendations": []}`,
	}

	t.Run("not approved", func(t *testing.T) {
		eng, _ := newTestEngine(t, client)
		state, err := eng.Run(context.Background(), Request{FilePath: klipperFile(t)})
		require.NoError(t, err)
		assert.NotEmpty(t, state.Patches)
		assert.Empty(t, state.PatchedFile)
	})

	t.Run("approved", func(t *testing.T) {
		eng, _ := newTestEngine(t, client)
		state, err := eng.Run(context.Background(), Request{
			FilePath: klipperFile(t), UserApproved: true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, state.PatchedFile)
		assert.True(t, strings.HasSuffix(state.PatchedFile, "_patched.gcode"), state.PatchedFile)
		_, statErr := os.Stat(state.PatchedFile)
		assert.NoError(t, statErr)

		last := state.Timeline[len(state.Timeline)-1]
		assert.Equal(t, "apply_patch", last.Node)
	})
}

func TestNoPatchSkipsPlanning(t *testing.T) {
	client := &fakeClient{
		validationText: `{"is_valid_issue": true, "confidence": 0.9, "reasoning": "real"}`,
		assessmentText: `{"score": 70, "grade": "B", "summary": "ok", "critical_issues": [], "recommendations": []}`,
	}
	eng, _ := newTestEngine(t, client)
	state, err := eng.Run(context.Background(), Request{
		FilePath: klipperFile(t), NoPatch: true, UserApproved: true,
	})
	require.NoError(t, err)
	assert.Empty(t, state.Patches)
	assert.Empty(t, state.PatchedFile)
}

func TestRunFailurePersistsFailedRecord(t *testing.T) {
	eng, st := newTestEngine(t, nil)
	_, err := eng.Run(context.Background(), Request{
		AnalysisID: "missing-file", FilePath: filepath.Join(t.TempDir(), "absent.gcode"),
	})
	require.Error(t, err)
	var werr *WorkflowError
	require.ErrorAs(t, err, &werr)
	assert.Equal(t, "parse", werr.Node)

	rec, gerr := st.Get("missing-file")
	require.NoError(t, gerr)
	assert.Equal(t, "failed", rec.Status)
	assert.NotEmpty(t, rec.Error)
}

func TestUnknownEncodingFailsParseNode(t *testing.T) {
	// 0xFF is not valid UTF-8 and not a valid EUC-KR/CP949 lead byte, so
	// decoding falls back to latin-1. Without a slicer signature that is a
	// hard error before any model call.
	path := filepath.Join(t.TempDir(), "weird.gcode")
	require.NoError(t, os.WriteFile(path, []byte("G28\n; opaque \xff\xff comment\nG90\n"), 0o644))

	eng, _ := newTestEngine(t, nil)
	_, err := eng.Run(context.Background(), Request{FilePath: path})
	require.Error(t, err)
	assert.True(t, segments.IsEncodingError(errors.Unwrap(err)), "got %v", err)
}

func TestSummaryOnlyIsPrefixOfFull(t *testing.T) {
	path := writeGcode(t,
		";FLAVOR:Marlin", "G28", "M104 S200", "M109 S200", "G90", "M83",
		";LAYER:0", "G1 X1 Y1 E0.5 F1200", "M104 S0", "; END")

	engSummary, _ := newTestEngine(t, nil)
	partial, err := engSummary.Run(context.Background(), Request{FilePath: path, Mode: ModeSummaryOnly})
	require.NoError(t, err)

	engFull, _ := newTestEngine(t, nil)
	full, err := engFull.Run(context.Background(), Request{FilePath: path})
	require.NoError(t, err)

	require.LessOrEqual(t, len(partial.Timeline), len(full.Timeline))
	for i, ev := range partial.Timeline {
		assert.Equal(t, ev.Node, full.Timeline[i].Node)
	}
	assert.Equal(t, partial.Summary.TotalLines, full.Summary.TotalLines)
	assert.Equal(t, fmt.Sprintf("%+v", partial.Summary.Temperature.Nozzle),
		fmt.Sprintf("%+v", full.Summary.Temperature.Nozzle))
}
