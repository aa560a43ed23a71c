package analyzer

import (
	"fmt"
	"strings"

	"gcodecheck/internal/gcode"
	"gcodecheck/internal/patch"
	"gcodecheck/internal/rules"
	"gcodecheck/internal/summary"
	"gcodecheck/internal/workflow"
)

// PrintingInfo is the presentation-ready digest of the comprehensive
// summary.
type PrintingInfo struct {
	Overview        map[string]interface{} `json:"overview"`
	Characteristics map[string]interface{} `json:"characteristics"`
	Temperature     map[string]interface{} `json:"temperature"`
	Speed           map[string]interface{} `json:"speed"`
	Material        map[string]interface{} `json:"material"`
	Warnings        []string               `json:"warnings"`
	Recommendations []string               `json:"recommendations"`
}

// AnalysisResult is the full public output of RunAnalysis. Summary-only
// runs populate a strict subset of these fields.
type AnalysisResult struct {
	AnalysisID string `json:"analysis_id"`
	Mode       string `json:"mode"`

	Slicer    string `json:"slicer,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
	Equipment string `json:"equipment,omitempty"`

	Comprehensive *summary.Comprehensive `json:"comprehensive_summary,omitempty"`
	PrintingInfo  *PrintingInfo          `json:"printing_info,omitempty"`
	Timeline      []workflow.StepEvent   `json:"timeline"`

	Issues         []rules.RuleIssue          `json:"issues,omitempty"`
	FilteredIssues []rules.RuleIssue          `json:"filtered_issues,omitempty"`
	Assessment     *workflow.ExpertAssessment `json:"expert_assessment,omitempty"`

	PatchPlan    []patch.Suggestion `json:"patch_plan,omitempty"`
	PatchPreview string             `json:"patch_preview,omitempty"`
	PatchedFile  string             `json:"patched_file,omitempty"`

	TokenUsage workflow.TokenUsage `json:"token_usage"`
}

func buildResult(st *workflow.AnalysisState) *AnalysisResult {
	res := &AnalysisResult{
		AnalysisID: st.Request.AnalysisID,
		Mode:       string(st.Request.Mode),
		Timeline:   st.Timeline,
		TokenUsage: st.Tokens,
	}
	if st.Printer != nil {
		res.Slicer = string(st.Printer.Slicer)
		res.Firmware = string(st.Printer.Firmware)
		res.Equipment = st.Printer.Equipment
	}
	if st.Summary != nil {
		res.Comprehensive = st.Summary
		res.PrintingInfo = buildPrintingInfo(st.Summary, st.Printer, st.Request.Filament, st.FinalIssues)
	}
	if st.Request.Mode == workflow.ModeSummaryOnly {
		return res
	}

	res.Issues = st.FinalIssues
	res.FilteredIssues = st.FilteredIssues
	res.Assessment = st.Assessment
	res.PatchPlan = st.Patches
	res.PatchPreview = st.PatchText
	res.PatchedFile = st.PatchedFile
	return res
}

// buildPrintingInfo flattens the profile structs into the overview /
// characteristics / temperature / speed / material blocks and derives
// human-readable warnings and recommendations.
func buildPrintingInfo(c *summary.Comprehensive, printer *gcode.PrinterContext, filament string, issues []rules.RuleIssue) *PrintingInfo {
	info := &PrintingInfo{
		Overview: map[string]interface{}{
			"total_lines":        c.TotalLines,
			"layer_count":        c.Layers.LayerCount,
			"print_time_seconds": c.PrintTime.TotalSeconds,
		},
		Characteristics: map[string]interface{}{
			"layer_height":       c.Layers.LayerHeight,
			"first_layer_height": c.Layers.FirstLayerHeight,
			"retraction_count":   c.Extrusion.RetractionCount,
			"avg_retraction_mm":  c.Extrusion.AvgRetraction,
			"has_support":        c.Support.SupportExtrusion > 0,
		},
		Temperature: map[string]interface{}{
			"nozzle_min": c.Temperature.Nozzle.Min,
			"nozzle_max": c.Temperature.Nozzle.Max,
			"bed_min":    c.Temperature.Bed.Min,
			"bed_max":    c.Temperature.Bed.Max,
		},
		Speed: map[string]interface{}{
			"max_feed_mm_min":   c.FeedRate.MaxFeed,
			"print_avg_mm_min":  c.FeedRate.PrintAvg,
			"travel_avg_mm_min": c.FeedRate.TravelAvg,
		},
		Material: map[string]interface{}{
			"filament":             filament,
			"total_extrusion_mm":   c.Extrusion.TotalExtrusion,
			"support_extrusion_mm": c.Support.SupportExtrusion,
		},
	}
	if printer != nil {
		info.Overview["slicer"] = string(printer.Slicer)
		info.Overview["equipment"] = printer.Equipment
	}
	if t := c.PrintTime.SlicerDeclaredSeconds; t > 0 {
		info.Overview["slicer_declared_seconds"] = t
	}

	for _, is := range issues {
		switch is.Severity {
		case rules.SeverityCritical, rules.SeverityHigh:
			info.Warnings = append(info.Warnings, fmt.Sprintf("line %d: %s", is.Line, is.Title))
		}
	}
	info.Recommendations = recommendations(c, issues)
	return info
}

func recommendations(c *summary.Comprehensive, issues []rules.RuleIssue) []string {
	var recs []string
	seen := map[string]bool{}
	for _, is := range issues {
		var r string
		switch {
		case is.TypeCode == "cold_extrusion" || is.TypeCode == "missing_warmup":
			r = "wait for the nozzle to reach its target (M109) before extruding"
		case is.TypeCode == "early_temp_off" || strings.Contains(is.TypeCode, "bed_off") || strings.Contains(is.TypeCode, "bed_temp_off"):
			r = "keep heaters on until the last extrusion move"
		case is.TypeCode == "excessive_retraction":
			r = "reduce retraction distance below 10 mm to avoid grinding"
		case is.TypeCode == "excessive_speed":
			r = "cap printing moves at 18000 mm/min"
		case is.TypeCode == "missing_end":
			r = "add an end sequence that turns heaters off and parks the head"
		}
		if r != "" && !seen[r] {
			seen[r] = true
			recs = append(recs, r)
		}
	}
	if c.Fan.FirstOnLayer < 0 && c.Layers.LayerCount > 1 {
		recs = append(recs, "enable part cooling for bridging and overhang quality")
	}
	return recs
}
