// Package summary computes the statistical profiles of a parsed G-code
// file: temperature, feed rate, extrusion, layers, support, fan and print
// time, plus section boundaries. Each profile is populated by a single
// linear scan over the parsed lines; segmentation is not required.
package summary

import (
	"math"
	"strconv"
	"strings"

	"gcodecheck/internal/gcode"
	"gcodecheck/internal/logging"
)

// HeaterKind labels a temperature event target.
type HeaterKind string

const (
	HeaterNozzle HeaterKind = "nozzle"
	HeaterBed    HeaterKind = "bed"
)

// TempEvent is a single temperature command occurrence.
type TempEvent struct {
	Line   int        `json:"line"`
	Cmd    string     `json:"cmd"`
	Target float64    `json:"target"`
	Heater HeaterKind `json:"heater"`
	Wait   bool       `json:"wait"`
}

// HeaterStats aggregates one heater's target history.
type HeaterStats struct {
	Targets []float64 `json:"targets,omitempty"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Avg     float64   `json:"avg"`
	Changes int       `json:"changes"`
}

// TemperatureProfile covers both heaters plus the raw event timeline.
type TemperatureProfile struct {
	Nozzle HeaterStats `json:"nozzle"`
	Bed    HeaterStats `json:"bed"`
	Events []TempEvent `json:"events"`
}

// FeedRateProfile is the speed distribution. Histogram buckets are
// floor(feed/1000)*1000 in mm/min.
type FeedRateProfile struct {
	Histogram   map[int]int `json:"histogram"`
	TravelAvg   float64     `json:"travel_avg"`
	PrintAvg    float64     `json:"print_avg"`
	MaxFeed     float64     `json:"max_feed"`
	TravelMoves int         `json:"travel_moves"`
	PrintMoves  int         `json:"print_moves"`
}

// ExtrusionProfile totals deposition and retraction behavior.
type ExtrusionProfile struct {
	TotalExtrusion    float64   `json:"total_extrusion"`
	RetractionCount   int       `json:"retraction_count"`
	RetractionLengths []float64 `json:"retraction_lengths,omitempty"`
	AvgRetraction     float64   `json:"avg_retraction"`
	MaxRetraction     float64   `json:"max_retraction"`
}

// LayerProfile summarizes the layer structure.
type LayerProfile struct {
	LayerCount       int     `json:"layer_count"`
	LayerHeight      float64 `json:"layer_height"`
	FirstLayerHeight float64 `json:"first_layer_height"`
}

// SupportProfile splits extrusion between support and model.
type SupportProfile struct {
	SupportExtrusion float64 `json:"support_extrusion"`
	ModelExtrusion   float64 `json:"model_extrusion"`
	SupportLayers    []int   `json:"support_layers,omitempty"`
}

// FanEvent is one M106/M107 occurrence.
type FanEvent struct {
	Line  int     `json:"line"`
	Speed float64 `json:"speed"` // 0-255
	Layer int     `json:"layer"`
}

// FanProfile aggregates part-cooling fan behavior.
type FanProfile struct {
	Events       []FanEvent `json:"events,omitempty"`
	MaxSpeed     float64    `json:"max_speed"`
	FirstOnLayer int        `json:"first_on_layer"` // -1 when never on
}

// PrintTimeEstimate is the authoritative self-replay estimate.
type PrintTimeEstimate struct {
	TotalSeconds          float64 `json:"total_seconds"`
	PrintSeconds          float64 `json:"print_seconds"`
	TravelSeconds         float64 `json:"travel_seconds"`
	SlicerDeclaredSeconds float64 `json:"slicer_declared_seconds,omitempty"`
}

// Sections marks the START/BODY/END boundaries as 1-based line indices.
type Sections struct {
	// StartEnd is the last line of the start-gcode block.
	StartEnd int `json:"start_end"`
	// BodyEnd is the last line of the print body; end gcode follows.
	BodyEnd int `json:"body_end"`
	// EndLength is the number of end-gcode lines.
	EndLength int `json:"end_length"`
}

// Comprehensive is the full statistical summary of one file.
type Comprehensive struct {
	TotalLines  int                `json:"total_lines"`
	Temperature TemperatureProfile `json:"temperature"`
	FeedRate    FeedRateProfile    `json:"feed_rate"`
	Extrusion   ExtrusionProfile   `json:"extrusion"`
	Layers      LayerProfile       `json:"layers"`
	Support     SupportProfile     `json:"support"`
	Fan         FanProfile         `json:"fan"`
	PrintTime   PrintTimeEstimate  `json:"print_time"`
	Sections    Sections           `json:"sections"`
}

// Build computes every profile for the parsed file.
func Build(parsed *gcode.ParseResult, layers *gcode.LayerMap) *Comprehensive {
	if layers == nil {
		layers = gcode.BuildLayerMap(parsed)
	}

	c := &Comprehensive{TotalLines: parsed.TotalLines()}
	c.Temperature = temperatureProfile(parsed)
	c.FeedRate, c.PrintTime, c.Extrusion = motionProfiles(parsed)
	c.Layers = layerProfile(layers, parsed)
	c.Support = supportProfile(parsed, layers)
	c.Fan = fanProfile(parsed, layers)
	c.Sections = analyzeSections(parsed)
	if t := declaredTime(parsed); t > 0 {
		c.PrintTime.SlicerDeclaredSeconds = t
	}

	logging.Get(logging.CategorySummary).Info(
		"summary: %d lines, %d layers, %.1fmm filament, est %.0fs",
		c.TotalLines, c.Layers.LayerCount, c.Extrusion.TotalExtrusion, c.PrintTime.TotalSeconds)
	return c
}

// ExtractTempEvents is the dedicated temperature-event pass, shared with
// the rule engine.
func ExtractTempEvents(parsed *gcode.ParseResult) []TempEvent {
	var events []TempEvent
	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		ev, ok := tempEvent(line)
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

func tempEvent(line *gcode.Line) (TempEvent, bool) {
	var heater HeaterKind
	var wait bool
	switch line.Cmd {
	case "M104":
		heater = HeaterNozzle
	case "M109":
		heater, wait = HeaterNozzle, true
	case "M140":
		heater = HeaterBed
	case "M190":
		heater, wait = HeaterBed, true
	default:
		return TempEvent{}, false
	}
	target, ok := line.Param('S')
	// Vendor extension: the Bambu H parameter carries the true target.
	if h, hasH := line.Param('H'); hasH && h > 0 && heater == HeaterNozzle {
		target, ok = h, true
	}
	if !ok {
		return TempEvent{}, false
	}
	return TempEvent{Line: line.Index, Cmd: line.Cmd, Target: target, Heater: heater, Wait: wait}, true
}

func temperatureProfile(parsed *gcode.ParseResult) TemperatureProfile {
	p := TemperatureProfile{Events: ExtractTempEvents(parsed)}
	for _, ev := range p.Events {
		if ev.Target <= 0 {
			continue
		}
		stats := &p.Nozzle
		if ev.Heater == HeaterBed {
			stats = &p.Bed
		}
		stats.Targets = append(stats.Targets, ev.Target)
	}
	finalizeHeater(&p.Nozzle)
	finalizeHeater(&p.Bed)
	return p
}

func finalizeHeater(h *HeaterStats) {
	if len(h.Targets) == 0 {
		return
	}
	h.Min = h.Targets[0]
	h.Max = h.Targets[0]
	sum := 0.0
	prev := math.NaN()
	for _, t := range h.Targets {
		h.Min = math.Min(h.Min, t)
		h.Max = math.Max(h.Max, t)
		sum += t
		if !math.IsNaN(prev) && t != prev {
			h.Changes++
		}
		prev = t
	}
	h.Avg = round1(sum / float64(len(h.Targets)))
}

// motionProfiles replays G0/G1 once, producing the feed rate histogram,
// the authoritative print time estimate and the extrusion profile.
func motionProfiles(parsed *gcode.ParseResult) (FeedRateProfile, PrintTimeEstimate, ExtrusionProfile) {
	feed := FeedRateProfile{Histogram: make(map[int]int)}
	times := PrintTimeEstimate{}
	ext := ExtrusionProfile{}

	var (
		x, y, z, e    float64
		f             float64
		absXYZ        = true
		absE          = true
		travelFeedSum float64
		printFeedSum  float64
	)

	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		switch line.Cmd {
		case "G90":
			absXYZ, absE = true, true
			continue
		case "G91":
			absXYZ, absE = false, false
			continue
		case "M82":
			absE = true
			continue
		case "M83":
			absE = false
			continue
		case "G92":
			if v, ok := line.Param('E'); ok {
				if absE && e > 0 {
					ext.TotalExtrusion += e
				}
				e = v
			}
			if v, ok := line.Param('X'); ok {
				x = v
			}
			if v, ok := line.Param('Y'); ok {
				y = v
			}
			if v, ok := line.Param('Z'); ok {
				z = v
			}
			continue
		case "G28":
			all := len(line.Params) == 0
			if all || line.Has('X') {
				x = 0
			}
			if all || line.Has('Y') {
				y = 0
			}
			if all || line.Has('Z') {
				z = 0
			}
			continue
		case "G0", "G1":
		default:
			continue
		}

		nx, ny, nz := x, y, z
		if v, ok := line.Param('X'); ok {
			if absXYZ {
				nx = v
			} else {
				nx += v
			}
		}
		if v, ok := line.Param('Y'); ok {
			if absXYZ {
				ny = v
			} else {
				ny += v
			}
		}
		if v, ok := line.Param('Z'); ok {
			if absXYZ {
				nz = v
			} else {
				nz += v
			}
		}
		if v, ok := line.Param('F'); ok && v > 0 {
			f = v
			if v > feed.MaxFeed {
				feed.MaxFeed = v
			}
			feed.Histogram[int(v/1000)*1000]++
		}

		var deltaE float64
		if v, ok := line.Param('E'); ok {
			if absE {
				deltaE = v - e
				e = v
			} else {
				deltaE = v
				e += v
			}
			if deltaE > 0 {
				if !absE {
					ext.TotalExtrusion += deltaE
				}
			} else if deltaE < 0 {
				mag := -deltaE
				ext.RetractionCount++
				ext.RetractionLengths = append(ext.RetractionLengths, mag)
				if mag > ext.MaxRetraction {
					ext.MaxRetraction = mag
				}
			}
		}

		dx, dy, dz := nx-x, ny-y, nz-z
		dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
		if dist > 0 {
			ef := f
			if ef <= 0 {
				ef = 1800
			}
			sec := dist / (ef / 60.0)
			if deltaE > 0.001 {
				times.PrintSeconds += sec
				feed.PrintMoves++
				printFeedSum += ef
			} else {
				times.TravelSeconds += sec
				feed.TravelMoves++
				travelFeedSum += ef
			}
		}
		x, y, z = nx, ny, nz
	}

	if absE && e > 0 {
		ext.TotalExtrusion += e
	}
	ext.TotalExtrusion = round3(ext.TotalExtrusion)
	if ext.RetractionCount > 0 {
		sum := 0.0
		for _, l := range ext.RetractionLengths {
			sum += l
		}
		ext.AvgRetraction = round3(sum / float64(ext.RetractionCount))
	}
	if feed.PrintMoves > 0 {
		feed.PrintAvg = round1(printFeedSum / float64(feed.PrintMoves))
	}
	if feed.TravelMoves > 0 {
		feed.TravelAvg = round1(travelFeedSum / float64(feed.TravelMoves))
	}
	times.TotalSeconds = times.PrintSeconds + times.TravelSeconds
	return feed, times, ext
}

func layerProfile(layers *gcode.LayerMap, parsed *gcode.ParseResult) LayerProfile {
	p := LayerProfile{LayerCount: layers.TotalLayers}

	// Heights come from the first Z seen in each of the first layers.
	var zs []float64
	var absXYZ = true
	currentLayer := -1
	var currentZ float64
	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		switch line.Cmd {
		case "G90":
			absXYZ = true
		case "G91":
			absXYZ = false
		}
		if !line.IsMove() {
			continue
		}
		z, ok := line.Param('Z')
		if !ok {
			continue
		}
		if absXYZ {
			currentZ = z
		} else {
			currentZ += z
		}
		l := layers.Layer(line.Index)
		if l > currentLayer {
			currentLayer = l
			zs = append(zs, currentZ)
			if len(zs) > 21 {
				break
			}
		}
	}

	if len(zs) > 0 {
		first := zs[0]
		if first > 1.0 && len(zs) > 1 {
			first = zs[1]
		}
		p.FirstLayerHeight = round3(first)
	}
	var diffs []float64
	for i := 1; i < len(zs); i++ {
		d := zs[i] - zs[i-1]
		if d >= 0.04 && d <= 0.5 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) > 0 {
		p.LayerHeight = round3(medianOf(diffs))
	}
	return p
}

func supportProfile(parsed *gcode.ParseResult, layers *gcode.LayerMap) SupportProfile {
	p := SupportProfile{}
	var features gcode.FeatureContext
	var e float64
	absE := true
	layerSeen := make(map[int]bool)

	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		features.Apply(line)
		switch line.Cmd {
		case "G90", "M82":
			absE = true
			continue
		case "G91", "M83":
			absE = false
			continue
		case "G92":
			if v, ok := line.Param('E'); ok {
				e = v
			}
			continue
		}
		if !line.IsMove() {
			continue
		}
		v, ok := line.Param('E')
		if !ok {
			continue
		}
		var delta float64
		if absE {
			delta = v - e
			e = v
		} else {
			delta = v
			e += v
		}
		if delta <= 0 {
			continue
		}
		if features.InSupport {
			p.SupportExtrusion += delta
			l := layers.Layer(line.Index)
			if !layerSeen[l] {
				layerSeen[l] = true
				p.SupportLayers = append(p.SupportLayers, l)
			}
		} else {
			p.ModelExtrusion += delta
		}
	}
	p.SupportExtrusion = round3(p.SupportExtrusion)
	p.ModelExtrusion = round3(p.ModelExtrusion)
	return p
}

func fanProfile(parsed *gcode.ParseResult, layers *gcode.LayerMap) FanProfile {
	p := FanProfile{FirstOnLayer: -1}
	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		var speed float64
		switch line.Cmd {
		case "M106":
			speed = 255
			if s, ok := line.Param('S'); ok {
				speed = s
			}
		case "M107":
			speed = 0
		default:
			continue
		}
		layer := layers.Layer(line.Index)
		p.Events = append(p.Events, FanEvent{Line: line.Index, Speed: speed, Layer: layer})
		if speed > p.MaxSpeed {
			p.MaxSpeed = speed
		}
		if speed > 0 && p.FirstOnLayer < 0 {
			p.FirstOnLayer = layer
		}
	}
	return p
}

// analyzeSections finds the START/BODY/END boundaries. Start-gcode ends at
// the first ;LAYER:0 marker or the first non-trivial extruding move after
// line 50; end-gcode starts at the last heater-off command, or the last
// comment containing "END".
func analyzeSections(parsed *gcode.ParseResult) Sections {
	total := parsed.TotalLines()
	s := Sections{StartEnd: 0, BodyEnd: total}

	var e float64
	absE := true
	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		if strings.HasPrefix(strings.TrimSpace(line.Comment), "LAYER:0") {
			s.StartEnd = line.Index
			break
		}
		switch line.Cmd {
		case "G90", "M82":
			absE = true
		case "G91", "M83":
			absE = false
		case "G92":
			if v, ok := line.Param('E'); ok {
				e = v
			}
		case "G0", "G1":
			if v, ok := line.Param('E'); ok {
				var delta float64
				if absE {
					delta = v - e
					e = v
				} else {
					delta = v
				}
				if delta > 0.5 && line.Index > 50 {
					s.StartEnd = line.Index
				}
			}
		}
		if s.StartEnd > 0 {
			break
		}
	}

	for i := len(parsed.Lines) - 1; i >= 0; i-- {
		line := &parsed.Lines[i]
		off := (line.Cmd == "M104" || line.Cmd == "M140") && paramIsZero(line, 'S')
		if off {
			s.BodyEnd = line.Index - 1
			break
		}
		if line.Cmd == "" && line.CommentContains("END") {
			s.BodyEnd = line.Index - 1
			break
		}
	}
	if s.BodyEnd < s.StartEnd {
		s.BodyEnd = s.StartEnd
	}
	s.EndLength = total - s.BodyEnd
	return s
}

func paramIsZero(line *gcode.Line, key byte) bool {
	v, ok := line.Param(key)
	return ok && v == 0
}

func declaredTime(parsed *gcode.ParseResult) float64 {
	// The extractor owns the full declared-time grammar; the summary only
	// needs the Cura integer form for display parity.
	for i := range parsed.Lines {
		c := strings.TrimSpace(parsed.Lines[i].Comment)
		if after, ok := strings.CutPrefix(c, "TIME:"); ok {
			if sec, err := strconv.Atoi(strings.TrimSpace(after)); err == nil && sec > 0 {
				return float64(sec)
			}
		}
	}
	return 0
}

func medianOf(vals []float64) float64 {
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
