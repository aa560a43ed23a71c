package gcode

import (
	"regexp"
	"strconv"
	"strings"
)

// LayerMap maps a 1-based parsed-line index to the layer active just before
// that line executes. Values are non-decreasing with increasing index.
type LayerMap struct {
	byLine      map[int]int
	TotalLayers int
}

// Layer returns the layer active just before the given 1-based line index
// executes. Lines preceding the first layer report layer 0.
func (m *LayerMap) Layer(lineIndex int) int {
	if m == nil || m.byLine == nil {
		return 0
	}
	if l, ok := m.byLine[lineIndex]; ok {
		return l
	}
	return 0
}

// Layer marker syntax per slicer. Cura and Simplify3D carry the layer
// number in the marker itself; Orca/Prusa only mark the boundary and the
// layer commits on the next Z-increasing move.
var (
	curaLayerRe  = regexp.MustCompile(`^LAYER:(-?\d+)$`)
	s3dLayerRe   = regexp.MustCompile(`(?i)^layer (\d+)`)
	bambuLayerRe = regexp.MustCompile(`(?i)^layer num/total_layer_count:\s*(\d+)/(\d+)`)
)

// zHeuristicThreshold: when no slicer marker ever fires, a Z rise above
// this from the current layer baseline infers a layer change.
const zHeuristicThreshold = 0.05

// BuildLayerMap scans slicer-specific layer markers with a Z-height
// heuristic fallback. Marker families from every supported slicer are
// recognized regardless of the detected kind; real files mix dialects.
func BuildLayerMap(result *ParseResult) *LayerMap {
	m := &LayerMap{byLine: make(map[int]int, len(result.Lines))}

	// The Z heuristic only runs when the file carries no layer markers at
	// all; otherwise start-gcode Z lifts would inflate the count.
	hasMarkers := false
	probe := layerScanState{}
	for i := range result.Lines {
		if probe.applyMarker(&result.Lines[i]) {
			hasMarkers = true
			break
		}
	}

	s := layerScanState{currentLayer: 0, layerBaseZ: -1, absolute: true}
	for i := range result.Lines {
		line := &result.Lines[i]
		m.byLine[line.Index] = s.currentLayer

		if s.applyMarker(line) {
			continue
		}
		s.applyMove(line, !hasMarkers)
	}

	m.TotalLayers = s.maxLayer + 1
	if s.maxLayer == 0 && !hasMarkers && s.layerBaseZ < 0 {
		m.TotalLayers = 0
	}
	return m
}

type layerScanState struct {
	currentLayer int
	maxLayer     int
	pendingLayer bool
	layerBaseZ   float64
	currentZ     float64
	absolute     bool
}

func (s *layerScanState) setLayer(layer int) {
	if layer < 0 {
		layer = 0
	}
	// Layer values never regress: sequence reversals in markers (seen in
	// some Bambu prime-tower blocks) are clamped.
	if layer < s.currentLayer {
		return
	}
	s.currentLayer = layer
	if layer > s.maxLayer {
		s.maxLayer = layer
	}
}

// LayerMarker is a layer boundary found on a line. Explicit markers carry
// the target layer number; pending markers (Orca/Prusa ;LAYER_CHANGE)
// commit on the next Z-increasing move.
type LayerMarker struct {
	Explicit bool
	Layer    int
	Pending  bool
}

// MatchLayerMarker recognizes every supported slicer's layer marker form:
// Cura ;LAYER:N, BambuStudio "; layer num/total_layer_count: N/M" and
// M73 L, Simplify3D "; layer N", Orca/Prusa ;LAYER_CHANGE. One-indexed
// forms are converted to zero-based layers.
func MatchLayerMarker(line *Line) (LayerMarker, bool) {
	if line.Cmd == "M73" {
		if l, ok := line.Param('L'); ok && l >= 1 {
			return LayerMarker{Explicit: true, Layer: int(l) - 1}, true
		}
		return LayerMarker{}, false
	}

	if line.Comment == "" {
		return LayerMarker{}, false
	}
	comment := strings.TrimSpace(line.Comment)

	if m := curaLayerRe.FindStringSubmatch(comment); m != nil {
		n, _ := strconv.Atoi(m[1])
		return LayerMarker{Explicit: true, Layer: n}, true
	}
	if m := bambuLayerRe.FindStringSubmatch(comment); m != nil {
		n, _ := strconv.Atoi(m[1])
		return LayerMarker{Explicit: true, Layer: n - 1}, true
	}
	if strings.EqualFold(comment, "LAYER_CHANGE") {
		return LayerMarker{Pending: true}, true
	}
	if m := s3dLayerRe.FindStringSubmatch(comment); m != nil {
		n, _ := strconv.Atoi(m[1])
		return LayerMarker{Explicit: true, Layer: n - 1}, true
	}
	return LayerMarker{}, false
}

// applyMarker handles slicer layer comments and M73 L progress updates.
// Returns true when the line carried layer information.
func (s *layerScanState) applyMarker(line *Line) bool {
	marker, ok := MatchLayerMarker(line)
	if !ok {
		return false
	}
	if marker.Pending {
		s.pendingLayer = true
		return true
	}
	s.setLayer(marker.Layer)
	s.layerBaseZ = s.currentZ
	return true
}

// applyMove tracks Z to commit pending layer changes and, when no slicer
// marker has ever appeared, to infer layers from Z rises.
func (s *layerScanState) applyMove(line *Line, allowHeuristic bool) {
	switch line.Cmd {
	case "G90":
		s.absolute = true
		return
	case "G91":
		s.absolute = false
		return
	case "G92":
		if z, ok := line.Param('Z'); ok {
			s.currentZ = z
		}
		return
	}
	if !line.IsMove() {
		return
	}
	z, ok := line.Param('Z')
	if !ok {
		return
	}

	var newZ float64
	if s.absolute {
		newZ = z
	} else {
		newZ = s.currentZ + z
	}

	if s.pendingLayer && newZ > s.currentZ {
		s.pendingLayer = false
		if s.layerBaseZ >= 0 {
			s.setLayer(s.currentLayer + 1)
		}
		s.layerBaseZ = newZ
	} else if allowHeuristic && s.layerBaseZ >= 0 && newZ-s.layerBaseZ > zHeuristicThreshold {
		s.setLayer(s.currentLayer + 1)
		s.layerBaseZ = newZ
	} else if s.layerBaseZ < 0 && newZ > 0 {
		// First Z establishes the baseline without counting as a change.
		s.layerBaseZ = newZ
	}
	s.currentZ = newZ
}
