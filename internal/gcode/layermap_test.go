package gcode

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildMap(t *testing.T, lines ...string) (*ParseResult, *LayerMap) {
	t.Helper()
	parsed := Parse([]byte(strings.Join(lines, "\n")))
	return parsed, BuildLayerMap(parsed)
}

func TestLayerMapCuraMarkers(t *testing.T) {
	parsed, m := buildMap(t,
		"G28",
		";LAYER:0",
		"G1 Z0.2 F600",
		"G1 X10 Y10 E0.5",
		";LAYER:1",
		"G1 Z0.4 F600",
		"G1 X20 Y20 E0.5",
	)
	assert.Equal(t, 2, m.TotalLayers)
	assert.Equal(t, 0, m.Layer(1))
	assert.Equal(t, 0, m.Layer(4))
	// The marker line itself still reports the previous layer.
	assert.Equal(t, 0, m.Layer(5))
	assert.Equal(t, 1, m.Layer(7))
	_ = parsed
}

func TestLayerMapMonotonic(t *testing.T) {
	var lines []string
	lines = append(lines, "G28", "G90")
	for layer := 0; layer < 5; layer++ {
		lines = append(lines, fmt.Sprintf(";LAYER:%d", layer))
		lines = append(lines, fmt.Sprintf("G1 Z%.1f F600", 0.2*float64(layer+1)))
		for i := 0; i < 3; i++ {
			lines = append(lines, "G1 X1 Y1 E0.1")
		}
	}
	parsed, m := buildMap(t, lines...)

	prev := 0
	for _, line := range parsed.Lines {
		l := m.Layer(line.Index)
		assert.GreaterOrEqual(t, l, prev, "layer regressed at line %d", line.Index)
		assert.GreaterOrEqual(t, l, 0)
		assert.LessOrEqual(t, l, m.TotalLayers)
		prev = l
	}
	assert.Equal(t, 5, m.TotalLayers)
}

func TestLayerMapPendingLayerChange(t *testing.T) {
	// Orca/Prusa only mark the boundary; the layer commits on the next
	// Z-increasing move.
	_, m := buildMap(t,
		"G28",
		"G1 Z0.2 F600",
		"G1 X10 Y10 E0.5",
		";LAYER_CHANGE",
		"G1 X11 Y11 E0.1", // no Z yet, still previous layer
		"G1 Z0.4 F600",
		"G1 X20 Y20 E0.5",
	)
	assert.Equal(t, 0, m.Layer(5))
	assert.Equal(t, 1, m.Layer(7))
	assert.Equal(t, 2, m.TotalLayers)
}

func TestLayerMapBambuMarker(t *testing.T) {
	_, m := buildMap(t,
		"G28",
		"; layer num/total_layer_count: 1/25",
		"G1 Z0.2 F600",
		"G1 X1 Y1 E0.5",
		"; layer num/total_layer_count: 2/25",
		"G1 Z0.4 F600",
		"G1 X2 Y2 E0.5",
	)
	// One-indexed markers convert to zero-based layers.
	assert.Equal(t, 0, m.Layer(4))
	assert.Equal(t, 1, m.Layer(7))
}

func TestLayerMapM73Progress(t *testing.T) {
	_, m := buildMap(t,
		"G28",
		"M73 P0 L1",
		"G1 Z0.2 F600",
		"G1 X1 Y1 E0.5",
		"M73 P50 L2",
		"G1 Z0.4 F600",
	)
	assert.Equal(t, 0, m.Layer(3))
	assert.Equal(t, 1, m.Layer(6))
}

func TestLayerMapZHeuristicWithoutMarkers(t *testing.T) {
	_, m := buildMap(t,
		"G28",
		"G90",
		"G1 Z0.2 F600",
		"G1 X10 Y10 E0.5",
		"G1 Z0.4 F600",
		"G1 X20 Y20 E0.5",
		"G1 Z0.6 F600",
		"G1 X30 Y30 E0.5",
	)
	assert.Equal(t, 3, m.TotalLayers)
	assert.Equal(t, 0, m.Layer(4))
	assert.Equal(t, 1, m.Layer(6))
	assert.Equal(t, 2, m.Layer(8))
}

func TestLayerMapMarkersDisableHeuristic(t *testing.T) {
	// A start-gcode Z lift must not count as a layer when markers exist.
	_, m := buildMap(t,
		"G28",
		"G1 Z5.0 F600", // lift
		";LAYER:0",
		"G1 Z0.2 F600",
		"G1 X1 Y1 E0.5",
		";LAYER:1",
		"G1 Z0.4 F600",
	)
	assert.Equal(t, 2, m.TotalLayers)
}

func TestLayerMapMarkerRegressionClamped(t *testing.T) {
	_, m := buildMap(t,
		";LAYER:3",
		"G1 Z0.8 F600",
		";LAYER:1", // prime tower block revisits an earlier number
		"G1 X1 Y1 E0.5",
	)
	require.Equal(t, 4, m.TotalLayers)
	assert.Equal(t, 3, m.Layer(4))
}

func TestLayerMapEmptyFile(t *testing.T) {
	_, m := buildMap(t, "G28", "G90")
	assert.Equal(t, 0, m.TotalLayers)
	assert.Equal(t, 0, m.Layer(1))
}
