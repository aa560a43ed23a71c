package workflow

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"gcodecheck/internal/gcode"
	"gcodecheck/internal/rules"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errNoJSON = errors.New("no JSON object in response")

// languagePreamble prefixes prompts with the reply-language instruction.
// Only the preamble depends on the language tag.
func languagePreamble(lang string) string {
	switch lang {
	case "ko":
		return "모든 설명은 한국어로 작성하세요.\n"
	case "ja":
		return "説明はすべて日本語で書いてください。\n"
	case "zh":
		return "请用中文撰写所有说明。\n"
	default:
		return ""
	}
}

func validatorSystemPrompt(lang string) string {
	return languagePreamble(lang) + strings.TrimSpace(`
You are a 3D printing G-code expert validating automated issue detections.
You receive one detected issue and the surrounding G-code. Decide whether
the detection is a real problem on a real printer or a false positive.

Watch for vendor extensions: on BambuStudio files the H parameter of
M104/M109 carries the true target temperature and the S value may be a
placeholder. Klipper macros (START_PRINT etc.) often perform heating
internally.

Respond with exactly one JSON object:
{"is_valid_issue": true|false, "confidence": 0.0-1.0,
 "reasoning": "...", "severity": "critical|high|medium|low|info"}
`) + "\n"
}

func buildValidationPrompt(issue rules.RuleIssue, snippet rules.Snippet, printer *gcode.PrinterContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Detected issue: %s (%s) at line %d\n", issue.TypeCode, issue.Severity, issue.Line)
	fmt.Fprintf(&b, "Detail: %s\n", issue.Detail)
	if printer != nil {
		fmt.Fprintf(&b, "Slicer: %s %s, firmware: %s, equipment: %s\n",
			printer.Slicer, printer.SlicerVersion, printer.Firmware, printer.Equipment)
	}
	fmt.Fprintf(&b, "\nG-code context (lines %d-%d):\n%s\n", snippet.Start, snippet.End, snippet.Text)
	return b.String()
}

func assessmentSystemPrompt(lang string) string {
	return languagePreamble(lang) + strings.TrimSpace(`
You are a 3D printing expert writing the final quality assessment of a
G-code file. You receive a statistical summary and the confirmed issue
list.

Scoring rubric: start at 100 and subtract per issue:
critical -30, high -20, medium -7, low -3. Issues marked
manual_review count at half weight. An empty issue list means a score of
at least 90 and grade S with no critical issues.

Grades: S no issues, A only low/medium, B at least one high, C at least
one critical or four high, F unprintable.

Cite only the exact line numbers you were given; never invent lines.

Respond with exactly one JSON object:
{"score": 0-100, "grade": "S|A|B|C|F", "summary": "...",
 "critical_issues": [{"line": N, "type_code": "...", "description": "..."}],
 "recommendations": ["..."]}
`) + "\n"
}

// assessmentUserPrompt carries a whitelisted projection of the summary,
// not the whole structure: enough signal to assess, small enough to keep
// token cost flat.
func assessmentUserPrompt(st *AnalysisState) string {
	type issueView struct {
		Line         int    `json:"line"`
		TypeCode     string `json:"type_code"`
		Severity     string `json:"severity"`
		Detail       string `json:"detail"`
		ManualReview bool   `json:"manual_review,omitempty"`
	}

	optimized := map[string]interface{}{}
	if s := st.Summary; s != nil {
		optimized["total_lines"] = s.TotalLines
		optimized["layer_count"] = s.Layers.LayerCount
		optimized["layer_height"] = s.Layers.LayerHeight
		optimized["first_layer_height"] = s.Layers.FirstLayerHeight
		optimized["nozzle_temp"] = map[string]float64{"min": s.Temperature.Nozzle.Min, "max": s.Temperature.Nozzle.Max}
		optimized["bed_temp"] = map[string]float64{"min": s.Temperature.Bed.Min, "max": s.Temperature.Bed.Max}
		optimized["max_feed_mm_min"] = s.FeedRate.MaxFeed
		optimized["total_extrusion_mm"] = s.Extrusion.TotalExtrusion
		optimized["retraction_count"] = s.Extrusion.RetractionCount
		optimized["print_time_seconds"] = s.PrintTime.TotalSeconds
		optimized["support_extrusion_mm"] = s.Support.SupportExtrusion
	}
	if p := st.Printer; p != nil {
		optimized["slicer"] = string(p.Slicer)
		optimized["equipment"] = p.Equipment
	}

	issues := make([]issueView, 0, len(st.FinalIssues))
	for _, is := range st.FinalIssues {
		issues = append(issues, issueView{
			Line:         is.Line,
			TypeCode:     is.TypeCode,
			Severity:     string(is.Severity),
			Detail:       is.Detail,
			ManualReview: !is.AutofixAllowed,
		})
	}

	payload, _ := json.MarshalIndent(map[string]interface{}{
		"summary":  optimized,
		"filament": st.Request.Filament,
		"issues":   issues,
	}, "", "  ")

	return "Assess this G-code file.\n\n" + string(payload) + "\n"
}
