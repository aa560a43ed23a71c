package analyzer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcodecheck/internal/config"
	"gcodecheck/internal/progress"
	"gcodecheck/internal/segments"
)

// newTestAnalyzer isolates output under a temp dir and guarantees
// rule-only mode by clearing every provider key.
func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	cfg := config.Load()
	cfg.OutputDir = t.TempDir()
	cfg.StoreDir = filepath.Join(cfg.OutputDir, "analysis_store")

	a, err := New(cfg)
	require.NoError(t, err)
	return a
}

func writeGcode(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "part.gcode")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func cleanLines() []string {
	lines := []string{";FLAVOR:Marlin", "G28", "M140 S60", "M190 S60",
		"M104 S200", "M109 S200", "G90", "M83", ";LAYER:0"}
	for i := 0; i < 30; i++ {
		lines = append(lines, "G1 X1 Y1 E0.5 F1200")
	}
	return append(lines, "M104 S0", "M140 S0", "; END of gcode")
}

func flawedLines() []string {
	lines := []string{"G28", "M104 S200", "G90", "M83"}
	for i := 0; i < 30; i++ {
		lines = append(lines, "G1 X1 Y1 E0.5 F1200")
	}
	return append(lines, "M104 S0", "; END of gcode")
}

func TestRunAnalysisSummaryOnly(t *testing.T) {
	a := newTestAnalyzer(t)

	res, err := a.RunAnalysis(context.Background(), Request{
		FilePath:    writeGcode(t, cleanLines()...),
		SummaryOnly: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "summary_only", res.Mode)
	require.NotNil(t, res.Comprehensive)
	require.NotNil(t, res.PrintingInfo)
	assert.Equal(t, "cura", res.Slicer)

	// The summary-only result is a strict prefix of the full result.
	assert.Nil(t, res.Issues)
	assert.Nil(t, res.Assessment)
	assert.Empty(t, res.PatchPlan)
	assert.Empty(t, res.PatchedFile)
}

func TestRunAnalysisRuleOnlyMode(t *testing.T) {
	a := newTestAnalyzer(t)

	var events []progress.Event
	res, err := a.RunAnalysis(context.Background(), Request{
		AnalysisID: "rule-only-1",
		FilePath:   writeGcode(t, flawedLines()...),
		OnProgress: func(ev progress.Event) { events = append(events, ev) },
	})
	require.NoError(t, err)

	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "missing_warmup", res.Issues[0].TypeCode)
	require.NotNil(t, res.Assessment)
	assert.Contains(t, res.Assessment.Summary, "no model configured")
	assert.NotEmpty(t, res.PatchPlan)
	assert.NotEmpty(t, res.PatchPreview)
	assert.NotEmpty(t, res.Timeline)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, 1.0, last.Progress)

	rec, err := a.Store().Get("rule-only-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
}

func TestRunAnalysisWarningsAndRecommendations(t *testing.T) {
	a := newTestAnalyzer(t)

	res, err := a.RunAnalysis(context.Background(), Request{
		FilePath: writeGcode(t, flawedLines()...),
	})
	require.NoError(t, err)
	require.NotNil(t, res.PrintingInfo)
	assert.NotEmpty(t, res.PrintingInfo.Warnings)
	assert.NotEmpty(t, res.PrintingInfo.Recommendations)
}

func TestRunErrorAnalysisOnlyFromBytes(t *testing.T) {
	a := newTestAnalyzer(t)

	issues, err := a.RunErrorAnalysisOnly(context.Background(), Request{
		Content: []byte(strings.Join(flawedLines(), "\n")),
	})
	require.NoError(t, err)
	require.NotEmpty(t, issues)
	assert.Equal(t, "missing_warmup", issues[0].TypeCode)
}

func TestExtractSegmentsIsPure(t *testing.T) {
	a := newTestAnalyzer(t)
	content := []byte(strings.Join(cleanLines(), "\n"))

	first, err := a.ExtractSegments(context.Background(), Request{Content: content})
	require.NoError(t, err)
	second, err := a.ExtractSegments(context.Background(), Request{Content: content})
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(first, second, cmpopts.IgnoreUnexported(segments.BoundingBox{})))
}

func TestContentSpooledToTempFile(t *testing.T) {
	a := newTestAnalyzer(t)

	_, err := a.RunAnalysis(context.Background(), Request{
		AnalysisID:  "spooled-1",
		Content:     []byte(strings.Join(cleanLines(), "\n")),
		SummaryOnly: true,
	})
	require.NoError(t, err)

	rec, err := a.Store().Get("spooled-1")
	require.NoError(t, err)
	require.NotEmpty(t, rec.TempFile)
	_, statErr := os.Stat(rec.TempFile)
	assert.NoError(t, statErr)
}

func TestTaxonomyRegistryWritten(t *testing.T) {
	a := newTestAnalyzer(t)
	_, err := os.Stat(filepath.Join(a.cfg.OutputDir, "issue_types.json"))
	assert.NoError(t, err)
}
