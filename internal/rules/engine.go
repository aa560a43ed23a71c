package rules

import (
	"fmt"
	"sort"
	"strings"

	"gcodecheck/internal/config"
	"gcodecheck/internal/gcode"
	"gcodecheck/internal/logging"
	"gcodecheck/internal/summary"
)

const (
	// speedLimit is the printing-move feed rate ceiling in mm/min.
	speedLimit = 18000.0
	// retractionLimit is the empirical safe retraction length in mm.
	retractionLimit = 10.0
	// rapidTempDelta and rapidTempWindow bound the rapid-temp-change rule.
	rapidTempDelta  = 50.0
	rapidTempWindow = 100
	// speedIssueCap stops the engine from flooding the report when a whole
	// file is sliced too fast.
	speedIssueCap = 5

	extrusionEpsilon = 0.001
)

// RuleIssue is one detection. Line indices are 1-based into the parsed
// file. Ambiguous issues are candidates for LLM validation downstream.
type RuleIssue struct {
	TypeCode       string                 `json:"type_code"`
	Line           int                    `json:"line"`
	Severity       Severity               `json:"severity"`
	Title          string                 `json:"title"`
	Detail         string                 `json:"detail"`
	AutofixAllowed bool                   `json:"autofix_allowed"`
	Vendor         map[string]interface{} `json:"vendor,omitempty"`
	Ambiguous      bool                   `json:"-"`
}

// Snippet is the bounded G-code extract around one issue, sent to the LLM
// validator. Start and End are inclusive 1-based line indices.
type Snippet struct {
	TypeCode string `json:"type_code"`
	Line     int    `json:"line"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Text     string `json:"text"`
}

// Report is the engine output. Snippets[i] belongs to Issues[i].
type Report struct {
	Issues   []RuleIssue `json:"issues"`
	Snippets []Snippet   `json:"snippets"`
}

// Engine runs the deterministic anomaly rules for one filament profile.
type Engine struct {
	cfg      *config.Config
	filament config.FilamentProfile
	window   int
}

// New builds an engine. filament falls back to PLA for unknown names.
func New(cfg *config.Config, filament string) *Engine {
	if cfg == nil {
		cfg = config.Load()
	}
	w := cfg.SnippetWindow
	if w <= 0 {
		w = config.DefaultSnippetWindow
	}
	return &Engine{cfg: cfg, filament: cfg.Filament(filament), window: w}
}

// fileScan is everything the rules need from one replay of the file.
type fileScan struct {
	tempEvents []summary.TempEvent

	firstExtrusionLine int // 0 when the file never extrudes
	lastExtrusionLine  int
	homedBeforePrint   bool
	endsRelative       bool

	coldLines   []coldEvent
	speedLines  []speedEvent
	retractions []retractEvent

	hParamLines []int // temperature commands carrying the Bambu H parameter
	g9111Lines  []int
	endComment  bool // tail carries an END-ish comment
}

type coldEvent struct {
	line   int
	target float64
}

type speedEvent struct {
	line int
	feed float64
}

type retractEvent struct {
	line   int
	length float64
}

// Analyze runs every rule over the parsed file. printer may be nil; it is
// only consulted for firmware-specific ambiguity marking.
func (e *Engine) Analyze(parsed *gcode.ParseResult, printer *gcode.PrinterContext) *Report {
	if printer == nil {
		printer = gcode.Detect(parsed)
	}
	scan := e.scan(parsed)

	var issues []RuleIssue
	issues = append(issues, e.temperatureRules(parsed, scan, printer)...)
	issues = append(issues, e.motionRules(scan)...)
	issues = append(issues, e.structureRules(parsed, scan)...)
	issues = append(issues, e.vendorRules(scan)...)

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Line < issues[j].Line })

	rep := &Report{Issues: issues, Snippets: make([]Snippet, len(issues))}
	for i, is := range issues {
		rep.Snippets[i] = ExtractSnippet(parsed, is.TypeCode, is.Line, e.window)
	}
	logging.Rules("rule engine: %d issues over %d lines (filament min %d)",
		len(issues), parsed.TotalLines(), e.filament.MinNozzle)
	return rep
}

// scan is the single replay collecting raw facts for every rule.
func (e *Engine) scan(parsed *gcode.ParseResult) *fileScan {
	s := &fileScan{tempEvents: summary.ExtractTempEvents(parsed)}

	var (
		eAxis        float64
		absE         = true
		relativeXYZ  = false
		homed        = false
		nozzleTarget = 0.0
		coldActive   = false
		speedCount   = 0
	)
	// Nozzle targets replayed in line order, H-aware via the event pass.
	targetAt := make(map[int]float64, len(s.tempEvents))
	for _, ev := range s.tempEvents {
		if ev.Heater == summary.HeaterNozzle {
			targetAt[ev.Line] = ev.Target
		}
	}

	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		if t, ok := targetAt[line.Index]; ok {
			nozzleTarget = t
			coldActive = false
		}

		switch line.Cmd {
		case "G28":
			homed = true
			continue
		case "G90":
			relativeXYZ = false
			continue
		case "G91":
			relativeXYZ = true
			continue
		case "M82":
			absE = true
			continue
		case "M83":
			absE = false
			continue
		case "G92":
			if v, ok := line.Param('E'); ok {
				eAxis = v
			}
			continue
		case "G9111":
			s.g9111Lines = append(s.g9111Lines, line.Index)
			if _, nozzle := gcode.ParseG9111(line.Raw); nozzle > 0 {
				nozzleTarget = nozzle
				coldActive = false
			}
			continue
		case "M104", "M109", "M140", "M190":
			if _, ok := line.Param('H'); ok {
				s.hParamLines = append(s.hParamLines, line.Index)
			}
			continue
		}

		if !line.IsMove() {
			continue
		}
		var deltaE float64
		if v, ok := line.Param('E'); ok {
			if absE {
				deltaE = v - eAxis
				eAxis = v
			} else {
				deltaE = v
			}
		}

		if deltaE > extrusionEpsilon && line.Cmd != "G0" {
			if s.firstExtrusionLine == 0 {
				s.firstExtrusionLine = line.Index
				s.homedBeforePrint = homed
			}
			s.lastExtrusionLine = line.Index

			if nozzleTarget < float64(e.filament.MinNozzle) && !coldActive {
				s.coldLines = append(s.coldLines, coldEvent{line: line.Index, target: nozzleTarget})
				coldActive = true
			}
			if f, ok := line.Param('F'); ok && f > speedLimit && speedCount < speedIssueCap {
				s.speedLines = append(s.speedLines, speedEvent{line: line.Index, feed: f})
				speedCount++
			}
		} else if deltaE < -retractionLimit {
			s.retractions = append(s.retractions, retractEvent{line: line.Index, length: -deltaE})
		}
	}
	s.endsRelative = relativeXYZ

	// Tail comments count as an end block even without heater-off commands.
	tail := parsed.Lines
	if len(tail) > 50 {
		tail = tail[len(tail)-50:]
	}
	for i := range tail {
		if tail[i].Cmd == "" && strings.Contains(strings.ToUpper(tail[i].Comment), "END") {
			s.endComment = true
			break
		}
	}
	return s
}

func (e *Engine) temperatureRules(parsed *gcode.ParseResult, s *fileScan, printer *gcode.PrinterContext) []RuleIssue {
	var issues []RuleIssue
	vendorNearby := func(line int) bool {
		for _, h := range s.hParamLines {
			if abs(h-line) <= e.window {
				return true
			}
		}
		for _, g := range s.g9111Lines {
			if abs(g-line) <= e.window {
				return true
			}
		}
		return false
	}

	for _, c := range s.coldLines {
		issues = append(issues, e.issue("cold_extrusion", c.line,
			fmt.Sprintf("Extrusion at line %d with nozzle target %.0f degC, below the %s minimum of %d degC.",
				c.line, c.target, e.filamentName(), e.filament.MinNozzle),
			true, vendorNearby(c.line)))
	}

	// Heater-off commands followed by further extrusion.
	for _, ev := range s.tempEvents {
		if ev.Target != 0 || s.lastExtrusionLine == 0 || ev.Line >= s.lastExtrusionLine {
			continue
		}
		switch ev.Heater {
		case summary.HeaterNozzle:
			issues = append(issues, e.issue("early_temp_off", ev.Line,
				fmt.Sprintf("%s S0 at line %d but extrusion continues until line %d.",
					ev.Cmd, ev.Line, s.lastExtrusionLine),
				true, vendorNearby(ev.Line)))
		case summary.HeaterBed:
			code := "early_bed_off"
			if ev.Line*2 < parsed.TotalLines() {
				code = "bed_temp_off_early"
			}
			issues = append(issues, e.issue(code, ev.Line,
				fmt.Sprintf("%s S0 at line %d but extrusion continues until line %d.",
					ev.Cmd, ev.Line, s.lastExtrusionLine),
				true, vendorNearby(ev.Line)))
		}
	}

	// Warmup: M104 set but never awaited before the first deposition.
	if s.firstExtrusionLine > 0 {
		var lastSet *summary.TempEvent
		waited := false
		for i := range s.tempEvents {
			ev := &s.tempEvents[i]
			if ev.Line >= s.firstExtrusionLine || ev.Heater != summary.HeaterNozzle || ev.Target <= 0 {
				continue
			}
			if ev.Wait {
				waited = true
			} else {
				lastSet = ev
			}
		}
		if lastSet != nil && !waited {
			// Klipper macros often hide the wait inside START_PRINT.
			ambiguous := printer.Firmware == gcode.FirmwareKlipper || vendorNearby(lastSet.Line)
			issues = append(issues, e.issue("missing_warmup", lastSet.Line,
				fmt.Sprintf("M104 S%.0f at line %d is never followed by an M109 wait before the first extrusion at line %d.",
					lastSet.Target, lastSet.Line, s.firstExtrusionLine),
				true, ambiguous))
		}
	}

	// Rapid changes between adjacent same-heater set points.
	byHeater := map[summary.HeaterKind]*summary.TempEvent{}
	for i := range s.tempEvents {
		ev := &s.tempEvents[i]
		if ev.Target <= 0 {
			byHeater[ev.Heater] = nil
			continue
		}
		if prev := byHeater[ev.Heater]; prev != nil &&
			ev.Line-prev.Line <= rapidTempWindow &&
			abs64(ev.Target-prev.Target) >= rapidTempDelta {
			issues = append(issues, e.issue("rapid_temp_change", ev.Line,
				fmt.Sprintf("%s target jumps from %.0f to %.0f degC within %d lines.",
					ev.Heater, prev.Target, ev.Target, ev.Line-prev.Line),
				false, true))
		}
		byHeater[ev.Heater] = ev
	}
	return issues
}

func (e *Engine) motionRules(s *fileScan) []RuleIssue {
	var issues []RuleIssue
	for _, sp := range s.speedLines {
		issues = append(issues, e.issue("excessive_speed", sp.line,
			fmt.Sprintf("Printing move at line %d requests %.0f mm/min (%.0f mm/s).", sp.line, sp.feed, sp.feed/60),
			false, false))
	}
	for _, r := range s.retractions {
		issues = append(issues, e.issue("excessive_retraction", r.line,
			fmt.Sprintf("Retraction of %.1f mm at line %d exceeds the %.0f mm safe range.", r.length, r.line, retractionLimit),
			false, false))
	}
	return issues
}

func (e *Engine) structureRules(parsed *gcode.ParseResult, s *fileScan) []RuleIssue {
	var issues []RuleIssue
	total := parsed.TotalLines()

	if s.firstExtrusionLine > 0 {
		heated := false
		for _, ev := range s.tempEvents {
			if ev.Heater == summary.HeaterNozzle && ev.Target > 0 && ev.Line < s.firstExtrusionLine {
				heated = true
				break
			}
		}
		if !heated {
			issues = append(issues, e.issue("missing_setup", s.firstExtrusionLine,
				fmt.Sprintf("First extrusion at line %d with no prior nozzle heating command.", s.firstExtrusionLine),
				true, false))
		}
		if !s.homedBeforePrint {
			issues = append(issues, e.issue("structure_abnormal", s.firstExtrusionLine,
				fmt.Sprintf("Extrusion begins at line %d before any G28 homing.", s.firstExtrusionLine),
				false, false))
		}
	}
	if s.endsRelative {
		issues = append(issues, e.issue("structure_abnormal", total,
			"File ends in relative positioning mode (unmatched G91).",
			false, false))
	}

	if s.lastExtrusionLine > 0 && !s.endComment {
		offAfter := false
		for _, ev := range s.tempEvents {
			if ev.Target == 0 && ev.Line >= s.lastExtrusionLine {
				offAfter = true
				break
			}
		}
		if !offAfter {
			issues = append(issues, e.issue("missing_end", total,
				"No heater-off command or end block after the last extrusion; heaters stay on.",
				true, false))
		}
	}
	return issues
}

func (e *Engine) vendorRules(s *fileScan) []RuleIssue {
	var issues []RuleIssue
	if len(s.hParamLines) > 0 {
		is := e.issue("vendor_extension", s.hParamLines[0],
			fmt.Sprintf("Bambu H-parameter temperature form used %d time(s); the S value does not carry the true target.", len(s.hParamLines)),
			false, false)
		is.Vendor = map[string]interface{}{"extension": "bambu_h_param", "count": len(s.hParamLines)}
		issues = append(issues, is)
	}
	if len(s.g9111Lines) > 0 {
		is := e.issue("vendor_extension", s.g9111Lines[0],
			fmt.Sprintf("G9111 combined heater command used %d time(s).", len(s.g9111Lines)),
			false, false)
		is.Vendor = map[string]interface{}{"extension": "g9111", "count": len(s.g9111Lines)}
		issues = append(issues, is)
	}
	return issues
}

// issue materializes one detection from its taxonomy entry.
func (e *Engine) issue(typeCode string, line int, detail string, autofix, ambiguous bool) RuleIssue {
	t, ok := LookupType(typeCode)
	if !ok {
		// Unregistered codes indicate a programming error; degrade rather
		// than drop the detection.
		t = IssueType{TypeCode: typeCode, Category: CategoryOther, Severity: SeverityMedium, Label: typeCode}
	}
	return RuleIssue{
		TypeCode:       t.TypeCode,
		Line:           line,
		Severity:       t.Severity,
		Title:          t.Label,
		Detail:         detail,
		AutofixAllowed: autofix,
		Ambiguous:      ambiguous,
	}
}

func (e *Engine) filamentName() string {
	// The profile table keys are uppercase material names; reverse lookup
	// keeps the detail text aligned with the resolved profile.
	table, err := e.cfg.Filaments()
	if err == nil {
		for name, p := range table {
			if p == e.filament {
				return name
			}
		}
	}
	return "filament"
}

// ExtractSnippet cuts the window lines around a 1-based line index from the
// raw file text. Eager slicing over the in-memory line list.
func ExtractSnippet(parsed *gcode.ParseResult, typeCode string, line, window int) Snippet {
	total := parsed.TotalLines()
	start := line - window
	if start < 1 {
		start = 1
	}
	end := line + window
	if end > total {
		end = total
	}
	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%6d | %s\n", i, parsed.Lines[i-1].Raw)
	}
	return Snippet{TypeCode: typeCode, Line: line, Start: start, End: end, Text: b.String()}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func abs64(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
