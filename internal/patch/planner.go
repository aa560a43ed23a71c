// Package patch turns rule issues into patch suggestions and applies them
// to a G-code file.
package patch

import (
	"fmt"
	"strings"

	"gcodecheck/internal/config"
	"gcodecheck/internal/gcode"
	"gcodecheck/internal/rules"
)

// contextWindow is how many lines around an issue the planner inspects
// before proposing an action.
const contextWindow = 20

// Action is what a suggestion does to the file.
type Action string

const (
	// ActionModify replaces the line's content.
	ActionModify Action = "modify"
	// ActionAddBefore inserts the replacement before the line.
	ActionAddBefore Action = "add_before"
	// ActionAddAfter inserts the replacement after the line.
	ActionAddAfter Action = "add_after"
	// ActionDelete removes the line.
	ActionDelete Action = "delete"
	// ActionReview flags the line for manual review; never auto-applied.
	ActionReview Action = "review"
)

// Suggestion is one planned change. Line is 1-based. Priority ranks the
// suggestion by the issue's severity, 1 being most urgent.
type Suggestion struct {
	IssueType      string                 `json:"issue_type"`
	Line           int                    `json:"line"`
	Action         Action                 `json:"action"`
	Original       string                 `json:"original"`
	Replacement    string                 `json:"replacement,omitempty"`
	Reason         string                 `json:"reason"`
	Priority       int                    `json:"priority"`
	AutofixAllowed bool                   `json:"autofix_allowed"`
	Vendor         map[string]interface{} `json:"vendor,omitempty"`
}

// Planner plans patches against one filament profile.
type Planner struct {
	filament config.FilamentProfile
}

// NewPlanner resolves the filament profile (PLA fallback).
func NewPlanner(cfg *config.Config, filament string) *Planner {
	if cfg == nil {
		cfg = config.Load()
	}
	return &Planner{filament: cfg.Filament(filament)}
}

// Plan produces one suggestion per issue. Vendor-extension temperature
// commands (Bambu H parameter) are always forced to review because their
// S value does not carry the true target.
func (p *Planner) Plan(parsed *gcode.ParseResult, issues []rules.RuleIssue) []Suggestion {
	out := make([]Suggestion, 0, len(issues))
	for _, is := range issues {
		out = append(out, p.plan(parsed, is))
	}
	return out
}

func (p *Planner) plan(parsed *gcode.ParseResult, is rules.RuleIssue) Suggestion {
	sg := Suggestion{
		IssueType: is.TypeCode,
		Line:      is.Line,
		Action:    ActionReview,
		Original:  rawLine(parsed, is.Line),
		Reason:    is.Detail,
		Priority:  priorityFor(is.Severity),
		Vendor:    is.Vendor,
	}

	if lineHasVendorTemp(parsed, is.Line) {
		sg.Reason = "vendor H-parameter command; the S value is not the real target"
		return sg
	}
	if !is.AutofixAllowed {
		return sg
	}

	switch is.TypeCode {
	case "early_temp_off":
		if p.waitNearby(parsed, is.Line) {
			// An M109 right after would re-heat anyway; drop the premature off.
			sg.Action = ActionDelete
			sg.AutofixAllowed = true
		} else {
			sg.Action = ActionModify
			sg.Replacement = fmt.Sprintf("M109 S%d", p.filament.Nozzle)
			sg.AutofixAllowed = true
		}

	case "early_bed_off", "bed_temp_off_early":
		sg.Action = ActionModify
		sg.Replacement = fmt.Sprintf("M140 S%d", p.filament.Bed)
		sg.AutofixAllowed = true

	case "cold_extrusion":
		if p.waitNearby(parsed, is.Line) {
			return sg
		}
		// The wait must run before the offending extrusion.
		sg.Action = ActionAddBefore
		sg.Replacement = fmt.Sprintf("M109 S%d", p.filament.Nozzle)
		sg.AutofixAllowed = true

	case "missing_warmup":
		if p.waitNearby(parsed, is.Line) {
			return sg
		}
		sg.Action = ActionAddAfter
		sg.Replacement = fmt.Sprintf("M109 S%d", p.targetAt(parsed, is.Line))
		sg.AutofixAllowed = true

	case "missing_setup":
		sg.Action = ActionAddBefore
		sg.Line = 1
		sg.Original = rawLine(parsed, 1)
		sg.Replacement = fmt.Sprintf("M140 S%d\nM190 S%d\nM104 S%d\nM109 S%d",
			p.filament.Bed, p.filament.Bed, p.filament.Nozzle, p.filament.Nozzle)
		sg.AutofixAllowed = true

	case "missing_end":
		sg.Action = ActionAddAfter
		sg.Line = parsed.TotalLines()
		sg.Original = rawLine(parsed, sg.Line)
		sg.Replacement = "M104 S0\nM140 S0"
		sg.AutofixAllowed = true
	}
	return sg
}

// priorityFor ranks a suggestion by its issue's severity; 1 is most
// urgent.
func priorityFor(sev rules.Severity) int {
	switch sev {
	case rules.SeverityCritical:
		return 1
	case rules.SeverityHigh:
		return 2
	case rules.SeverityMedium:
		return 3
	case rules.SeverityLow:
		return 4
	default:
		return 5
	}
}

// lineHasVendorTemp reports whether the line is a vendor-extended
// temperature command (Bambu H parameter or G9111).
func lineHasVendorTemp(parsed *gcode.ParseResult, line int) bool {
	if line < 1 || line > parsed.TotalLines() {
		return false
	}
	l := &parsed.Lines[line-1]
	switch l.Cmd {
	case "M104", "M109", "M140", "M190":
		return l.Has('H')
	case "G9111":
		return true
	}
	return false
}

// waitNearby reports whether an M109 with a positive target exists within
// the context window around the line. Proposing another one next to it
// would just duplicate the wait.
func (p *Planner) waitNearby(parsed *gcode.ParseResult, line int) bool {
	start := line - contextWindow
	if start < 1 {
		start = 1
	}
	end := line + contextWindow
	if end > parsed.TotalLines() {
		end = parsed.TotalLines()
	}
	for i := start; i <= end; i++ {
		l := &parsed.Lines[i-1]
		if l.Cmd != "M109" {
			continue
		}
		if s, ok := l.Param('S'); ok && s > 0 {
			return true
		}
	}
	return false
}

// targetAt returns the nozzle target the M104 at line sets, falling back
// to the filament default.
func (p *Planner) targetAt(parsed *gcode.ParseResult, line int) int {
	if line >= 1 && line <= parsed.TotalLines() {
		l := &parsed.Lines[line-1]
		if s, ok := l.Param('S'); ok && s > 0 {
			return int(s)
		}
	}
	return p.filament.Nozzle
}

func rawLine(parsed *gcode.ParseResult, line int) string {
	if line < 1 || line > parsed.TotalLines() {
		return ""
	}
	return parsed.Lines[line-1].Raw
}

// Preview renders the plan as a fixed-width table.
func Preview(suggestions []Suggestion) string {
	if len(suggestions) == 0 {
		return "no patches suggested\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-6s  %-8s  %-22s  %s\n", "LINE", "ACTION", "ISSUE", "CHANGE")
	for _, sg := range suggestions {
		change := sg.Original
		switch sg.Action {
		case ActionModify:
			change = fmt.Sprintf("%s -> %s", sg.Original, sg.Replacement)
		case ActionAddBefore, ActionAddAfter:
			change = fmt.Sprintf("+ %s", strings.ReplaceAll(sg.Replacement, "\n", " / "))
		case ActionDelete:
			change = fmt.Sprintf("- %s", sg.Original)
		case ActionReview:
			change = fmt.Sprintf("? %s", sg.Original)
		}
		fmt.Fprintf(&b, "%-6d  %-8s  %-22s  %s\n", sg.Line, sg.Action, sg.IssueType, change)
	}
	return b.String()
}
