package segments

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"gcodecheck/internal/gcode"
	"gcodecheck/internal/logging"
)

// extrusionEpsilon: E deltas below this are treated as non-extruding.
const extrusionEpsilon = 0.001

// state is the motion replay state. Coordinates are absolute millimeters
// after mode handling; layer is -1 until the first layer boundary.
type state struct {
	x, y, z, e float64
	feed       float64

	absoluteXYZ bool
	absoluteE   bool

	layer        int
	layerZ       float64
	layerBaseZ   float64
	pendingLayer bool
	awaitLayerZ  bool
	hasMarkers   bool

	nozzleTemp float64
	bedTemp    float64

	features gcode.FeatureContext

	totalFilament float64

	printSeconds  float64
	travelSeconds float64
}

// Extract replays the parsed lines and produces the layer-indexed segment
// result. It enforces the encoding-error rule: latin-1 fallback combined
// with an unknown slicer aborts the analysis.
func Extract(parsed *gcode.ParseResult, printer *gcode.PrinterContext) (*Result, error) {
	if printer == nil {
		printer = gcode.Detect(parsed)
	}
	if parsed.Fallback && printer.Slicer == gcode.SlicerUnknown {
		return nil, &EncodingError{Encoding: parsed.Encoding}
	}

	res := &Result{Layers: make(map[int]*LayerSegments)}
	name, version := slicerName(printer)
	res.Metadata.Slicer = name
	res.Metadata.SlicerVersion = version
	res.Metadata.Firmware = string(printer.Firmware)
	res.Metadata.Equipment = printer.Equipment

	st := &state{
		absoluteXYZ: true,
		absoluteE:   true,
		layer:       -1,
		layerBaseZ:  -1,
		feed:        0,
	}

	// The Z heuristic only fires for files with no layer markers at all.
	for i := range parsed.Lines {
		if _, ok := gcode.MatchLayerMarker(&parsed.Lines[i]); ok {
			st.hasMarkers = true
			break
		}
	}

	for i := range parsed.Lines {
		line := &parsed.Lines[i]
		st.applyLayerMarkers(line)
		st.features.Apply(line)
		st.applyCommand(line, res)
		if t := parseDeclaredTime(line); t > 0 {
			res.Metadata.SlicerDeclaredTime = t
		}
	}

	st.finishFilament()
	res.Metadata.TotalFilament = round3(st.totalFilament)
	res.Metadata.PrintTime = st.printSeconds
	res.Metadata.TravelTime = st.travelSeconds
	res.Metadata.EstimatedTime = st.printSeconds + st.travelSeconds
	res.Metadata.LayerCount = len(res.Layers)
	deriveLayerHeights(res)

	logging.Segments("extracted %d layers, filament=%.1fmm, est=%.0fs",
		res.Metadata.LayerCount, res.Metadata.TotalFilament, res.Metadata.EstimatedTime)
	return res, nil
}

// applyLayerMarkers runs before motion processing for the line.
func (s *state) applyLayerMarkers(line *gcode.Line) {
	marker, ok := gcode.MatchLayerMarker(line)
	if !ok {
		return
	}
	if marker.Pending {
		s.pendingLayer = true
		return
	}
	if marker.Layer >= s.layer {
		s.layer = marker.Layer
		s.layerZ = s.z
		s.layerBaseZ = s.z
		// The layer's true Z arrives with its first Z move.
		s.awaitLayerZ = true
	}
}

func (s *state) applyCommand(line *gcode.Line, res *Result) {
	switch line.Cmd {
	case "G0", "G1":
		s.applyMove(line, res)
	case "G28":
		s.applyHome(line)
	case "G90":
		s.absoluteXYZ = true
		s.absoluteE = true
	case "G91":
		s.absoluteXYZ = false
		s.absoluteE = false
	case "M82":
		s.absoluteE = true
	case "M83":
		s.absoluteE = false
	case "G92":
		s.applyReset(line)
	case "M104", "M109":
		s.applyNozzleTemp(line, res)
	case "M140", "M190":
		s.applyBedTemp(line, res)
	case "G9111":
		s.applyG9111(line, res)
	}
}

func (s *state) applyMove(line *gcode.Line, res *Result) {
	nx, ny, nz := s.x, s.y, s.z
	if v, ok := line.Param('X'); ok {
		if s.absoluteXYZ {
			nx = v
		} else {
			nx += v
		}
	}
	if v, ok := line.Param('Y'); ok {
		if s.absoluteXYZ {
			ny = v
		} else {
			ny += v
		}
	}
	if v, ok := line.Param('Z'); ok {
		if s.absoluteXYZ {
			nz = v
		} else {
			nz += v
		}
	}
	if v, ok := line.Param('F'); ok && v > 0 {
		s.feed = v
	}

	// A pending Orca/Prusa layer change commits on the next Z rise.
	if s.pendingLayer && nz > s.z {
		s.pendingLayer = false
		s.layer++
		s.layerZ = nz
		s.layerBaseZ = nz
	} else if s.awaitLayerZ && line.Has('Z') {
		s.awaitLayerZ = false
		s.layerZ = nz
		s.layerBaseZ = nz
		if l, ok := res.Layers[s.layer]; ok {
			l.Z = nz
		}
	} else if !s.hasMarkers && nz > 0 {
		if s.layerBaseZ < 0 {
			s.layerBaseZ = nz
			if s.layer < 0 {
				s.layer = 0
				s.layerZ = nz
			}
		} else if nz-s.layerBaseZ > 0.05 {
			s.layer++
			s.layerZ = nz
			s.layerBaseZ = nz
		}
	}

	deltaE := s.moveDeltaE(line)
	xyMoved := nx != s.x || ny != s.y

	if xyMoved && s.layer >= 0 {
		seg := Segment{s.x, s.y, s.z, nx, ny, nz}
		layer := res.layer(s.layer, s.layerZ, s.nozzleTemp, s.bedTemp)

		extruding := deltaE > extrusionEpsilon && line.Cmd != "G0"
		switch {
		case extruding && s.features.InSupport:
			layer.Supports = append(layer.Supports, seg)
		case extruding:
			layer.Extrusions = append(layer.Extrusions, seg)
		case s.features.InWipe:
			layer.Wipes = append(layer.Wipes, seg)
		default:
			layer.Travels = append(layer.Travels, seg)
		}
		res.Metadata.BoundingBox.Update(s.x, s.y, s.z)
		res.Metadata.BoundingBox.Update(nx, ny, nz)

		s.accumulateTime(seg, extruding)
		// Printing on the current plane pins the layer Z.
		s.awaitLayerZ = false
	}

	s.x, s.y, s.z = nx, ny, nz
}

// moveDeltaE computes the extrusion delta for the move and advances E.
// Relative-mode deltas accumulate directly into the filament total.
func (s *state) moveDeltaE(line *gcode.Line) float64 {
	v, ok := line.Param('E')
	if !ok {
		return 0
	}
	var delta float64
	if s.absoluteE {
		delta = v - s.e
		s.e = v
	} else {
		delta = v
		s.e += v
		if delta > 0 {
			s.totalFilament += delta
		}
	}
	return delta
}

// accumulateTime adds this segment's constant-velocity duration, using the
// current feed rate (default 1800 mm/min when none was ever set).
func (s *state) accumulateTime(seg Segment, extruding bool) {
	feed := s.feed
	if feed <= 0 {
		feed = 1800
	}
	dx := seg[3] - seg[0]
	dy := seg[4] - seg[1]
	dz := seg[5] - seg[2]
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
	sec := dist / (feed / 60.0)
	if extruding {
		s.printSeconds += sec
	} else {
		s.travelSeconds += sec
	}
}

func (s *state) applyHome(line *gcode.Line) {
	all := len(line.Params) == 0
	if all || line.Has('X') {
		s.x = 0
	}
	if all || line.Has('Y') {
		s.y = 0
	}
	if all || line.Has('Z') {
		s.z = 0
	}
}

func (s *state) applyReset(line *gcode.Line) {
	if v, ok := line.Param('E'); ok {
		// In absolute mode the pre-reset E value is deposited filament
		// that would otherwise be lost to the counter reset.
		if s.absoluteE && s.e > 0 {
			s.totalFilament += s.e
		}
		s.e = v
	}
	if v, ok := line.Param('X'); ok {
		s.x = v
	}
	if v, ok := line.Param('Y'); ok {
		s.y = v
	}
	if v, ok := line.Param('Z'); ok {
		s.z = v
	}
}

// finishFilament folds the final absolute E position into the total.
func (s *state) finishFilament() {
	if s.absoluteE && s.e > 0 {
		s.totalFilament += s.e
	}
}

func (s *state) applyNozzleTemp(line *gcode.Line, res *Result) {
	target, ok := line.Param('S')
	// The Bambu H parameter carries the true target when present.
	if h, hasH := line.Param('H'); hasH && h > 0 {
		target, ok = h, true
	}
	if !ok || target <= 0 {
		return
	}
	s.nozzleTemp = target
	if s.layer >= 0 {
		res.layer(s.layer, s.layerZ, s.nozzleTemp, s.bedTemp).NozzleTemp = target
	}
}

func (s *state) applyBedTemp(line *gcode.Line, res *Result) {
	target, ok := line.Param('S')
	if !ok || target <= 0 {
		return
	}
	s.bedTemp = target
	if s.layer >= 0 {
		res.layer(s.layer, s.layerZ, s.nozzleTemp, s.bedTemp).BedTemp = target
	}
}

func (s *state) applyG9111(line *gcode.Line, res *Result) {
	bed, nozzle := gcode.ParseG9111(line.Raw)
	if bed > 0 {
		s.bedTemp = bed
	}
	if nozzle > 0 {
		s.nozzleTemp = nozzle
	}
	if s.layer >= 0 {
		l := res.layer(s.layer, s.layerZ, s.nozzleTemp, s.bedTemp)
		l.NozzleTemp = s.nozzleTemp
		l.BedTemp = s.bedTemp
	}
}

// layer returns (creating if needed) the bin set for a layer, stamping the
// entry temperatures and Z on first touch.
func (r *Result) layer(idx int, z, nozzle, bed float64) *LayerSegments {
	if l, ok := r.Layers[idx]; ok {
		return l
	}
	l := &LayerSegments{Z: z, NozzleTemp: nozzle, BedTemp: bed}
	r.Layers[idx] = l
	return l
}

// deriveLayerHeights computes the median layer height over the first ≤20
// layers (reasonable diffs only, 0.04-0.5mm) and the first-layer height,
// skipping a start-code Z move above 1.0mm.
func deriveLayerHeights(res *Result) {
	idxs := res.sortedLayerIndices()
	if len(idxs) == 0 {
		return
	}

	zs := make([]float64, 0, len(idxs))
	for _, i := range idxs {
		zs = append(zs, res.Layers[i].Z)
	}

	first := zs[0]
	if first > 1.0 && len(zs) > 1 {
		// Start-gcode Z lift; the real first layer is the next one.
		first = zs[1]
	}
	res.Metadata.FirstLayerHeight = round3(first)

	limit := len(zs)
	if limit > 21 {
		limit = 21
	}
	diffs := make([]float64, 0, limit)
	for i := 1; i < limit; i++ {
		d := zs[i] - zs[i-1]
		if d >= 0.04 && d <= 0.5 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) > 0 {
		res.Metadata.LayerHeight = round3(median(diffs))
		res.Metadata.LayerHeights = diffs
	}
}

func median(vals []float64) float64 {
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

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Slicer-declared print time forms: Cura ";TIME:1234", Prusa/Orca
// "; estimated printing time (normal mode) = 1h 2m 3s".
var (
	curaTimeRe  = regexp.MustCompile(`^TIME:(\d+)$`)
	prusaTimeRe = regexp.MustCompile(`(?i)estimated printing time.*=\s*(?:(\d+)d\s*)?(?:(\d+)h\s*)?(?:(\d+)m\s*)?(?:(\d+)s)?`)
)

func parseDeclaredTime(line *gcode.Line) float64 {
	if line.Comment == "" {
		return 0
	}
	comment := strings.TrimSpace(line.Comment)
	if m := curaTimeRe.FindStringSubmatch(comment); m != nil {
		sec, _ := strconv.Atoi(m[1])
		return float64(sec)
	}
	if m := prusaTimeRe.FindStringSubmatch(comment); m != nil {
		days := atoiDefault(m[1])
		hours := atoiDefault(m[2])
		mins := atoiDefault(m[3])
		secs := atoiDefault(m[4])
		total := ((days*24+hours)*60+mins)*60 + secs
		if total > 0 {
			return float64(total)
		}
	}
	return 0
}

func atoiDefault(s string) int {
	if s == "" {
		return 0
	}
	n, _ := strconv.Atoi(s)
	return n
}
