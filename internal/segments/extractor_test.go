package segments

import (
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gcodecheck/internal/gcode"
)

func extract(t *testing.T, lines ...string) *Result {
	t.Helper()
	parsed := gcode.Parse([]byte(strings.Join(lines, "\n")))
	res, err := Extract(parsed, nil)
	require.NoError(t, err)
	return res
}

func cubeLines() []string {
	return []string{
		";Generated with Cura_SteamEngine 5.7.0",
		";TIME:3600",
		"G28",
		"M140 S60",
		"M104 S200",
		"M109 S200",
		"G90",
		";LAYER:0",
		"G1 Z0.2 F600",
		"G1 X10 Y0 E1.0 F1200",
		"G1 X10 Y10 E2.0",
		"G0 X0 Y0 F6000",
		";LAYER:1",
		"G1 Z0.4 F600",
		"G1 X10 Y0 E3.0 F1200",
		"G1 X10 Y10 E4.0",
		"M104 S0",
		"M140 S0",
	}
}

func TestExtractBinsAndLayers(t *testing.T) {
	res := extract(t, cubeLines()...)

	require.Len(t, res.Layers, 2)
	l0 := res.Layers[0]
	require.NotNil(t, l0)
	assert.Len(t, l0.Extrusions, 2)
	assert.Len(t, l0.Travels, 1)
	assert.Empty(t, l0.Wipes)
	assert.Empty(t, l0.Supports)
	assert.Equal(t, 0.2, l0.Z)
	assert.Equal(t, 200.0, l0.NozzleTemp)
	assert.Equal(t, 60.0, l0.BedTemp)

	l1 := res.Layers[1]
	require.NotNil(t, l1)
	assert.Len(t, l1.Extrusions, 2)
	assert.Equal(t, 0.4, l1.Z)

	assert.Equal(t, 2, res.Metadata.LayerCount)
	assert.Equal(t, "cura", res.Metadata.Slicer)
	assert.Equal(t, 3600.0, res.Metadata.SlicerDeclaredTime)
	assert.InDelta(t, 4.0, res.Metadata.TotalFilament, 0.001)
}

func TestExtractSegmentZMatchesLayerZ(t *testing.T) {
	res := extract(t, cubeLines()...)
	for idx, layer := range res.Layers {
		for _, seg := range layer.Extrusions {
			assert.InDelta(t, layer.Z, seg[5], 0.000001, "layer %d", idx)
		}
	}
}

func TestExtractLayerHeights(t *testing.T) {
	res := extract(t, cubeLines()...)
	assert.Equal(t, 0.2, res.Metadata.FirstLayerHeight)
	assert.Equal(t, 0.2, res.Metadata.LayerHeight)
}

func TestExtractBoundingBox(t *testing.T) {
	res := extract(t, cubeLines()...)
	bb := res.Metadata.BoundingBox
	require.True(t, bb.Valid())
	assert.Equal(t, 0.0, bb.MinX)
	assert.Equal(t, 10.0, bb.MaxX)
	assert.Equal(t, 10.0, bb.MaxY)
	assert.Equal(t, 0.4, bb.MaxZ)
}

func TestExtractWipeAndSupportBins(t *testing.T) {
	res := extract(t,
		";Generated with Cura_SteamEngine 5.7.0",
		"G28", "G90", "M109 S200",
		";LAYER:0",
		"G1 Z0.2 F600",
		";TYPE:SUPPORT",
		"G1 X5 Y0 E0.5 F1200",
		";TYPE:WALL-OUTER",
		"G1 X5 Y5 E1.0",
		";WIPE_START",
		"G0 X0 Y0",
		";WIPE_END",
		"G0 X1 Y1",
	)
	l := res.Layers[0]
	require.NotNil(t, l)
	assert.Len(t, l.Supports, 1)
	assert.Len(t, l.Extrusions, 1)
	assert.Len(t, l.Wipes, 1)
	assert.Len(t, l.Travels, 1)
}

func TestExtractRelativeExtrusion(t *testing.T) {
	res := extract(t,
		";Generated with Cura_SteamEngine 5.7.0",
		"G28", "G90", "M83", "M109 S200",
		";LAYER:0",
		"G1 Z0.2 F600",
		"G1 X10 Y0 E1.5 F1200",
		"G1 X10 Y10 E1.5",
		"G1 E-0.8 F2400", // retraction, not filament
	)
	assert.InDelta(t, 3.0, res.Metadata.TotalFilament, 0.001)
}

func TestExtractG92Reset(t *testing.T) {
	res := extract(t,
		";Generated with Cura_SteamEngine 5.7.0",
		"G28", "G90", "M109 S200",
		";LAYER:0",
		"G1 Z0.2 F600",
		"G1 X10 Y0 E5.0 F1200",
		"G92 E0",
		"G1 X10 Y10 E2.0",
	)
	assert.InDelta(t, 7.0, res.Metadata.TotalFilament, 0.001)
}

func TestExtractEncodingError(t *testing.T) {
	data := append([]byte("G28 ; "), 0xFF, 0xFF, '\n')
	parsed := gcode.Parse(data)
	require.True(t, parsed.Fallback)

	_, err := Extract(parsed, nil)
	require.Error(t, err)
	assert.True(t, IsEncodingError(err))
	assert.Contains(t, err.Error(), "latin-1")
}

func TestExtractFallbackWithKnownSlicerSucceeds(t *testing.T) {
	data := append([]byte("; BambuStudio 1.9.0\nG28 ; "), 0xFF, 0xFF, '\n')
	parsed := gcode.Parse(data)
	require.True(t, parsed.Fallback)

	res, err := Extract(parsed, nil)
	require.NoError(t, err)
	assert.Equal(t, "bambustudio", res.Metadata.Slicer)
}

func TestExtractIsPure(t *testing.T) {
	parsed := gcode.Parse([]byte(strings.Join(cubeLines(), "\n")))
	first, err := Extract(parsed, nil)
	require.NoError(t, err)
	second, err := Extract(parsed, nil)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second, cmpopts.IgnoreUnexported(BoundingBox{})))
}

func TestBinarySerializationBijection(t *testing.T) {
	res := extract(t, cubeLines()...)
	for idx, layer := range res.Layers {
		for _, bin := range [][]Segment{layer.Extrusions, layer.Travels, layer.Wipes, layer.Supports} {
			unpacked, err := UnpackSegments(packSegments(bin))
			require.NoError(t, err)
			require.Len(t, unpacked, len(bin), "layer %d", idx)
			for i := range bin {
				for j := 0; j < 6; j++ {
					// Exact at float32 precision.
					assert.Equal(t, float64(float32(bin[i][j])), unpacked[i][j])
				}
			}
		}
	}
}

func TestUnpackRejectsBadBlobs(t *testing.T) {
	_, err := UnpackSegments("not base64!!!")
	assert.Error(t, err)

	// Valid base64, wrong length.
	_, err = UnpackSegments("AAAA")
	assert.Error(t, err)
}

func TestMarshalModes(t *testing.T) {
	res := extract(t, cubeLines()...)

	nested, err := res.MarshalMode(ModeNested)
	require.NoError(t, err)
	assert.Contains(t, string(nested), `"extrusions"`)

	binary, err := res.MarshalMode(ModeBinary)
	require.NoError(t, err)
	assert.Contains(t, string(binary), `"binary-f32le-base64"`)

	_, err = res.MarshalMode(SerializationMode(99))
	assert.Error(t, err)
}

func TestExtractTimeEstimate(t *testing.T) {
	res := extract(t, cubeLines()...)
	assert.Greater(t, res.Metadata.PrintTime, 0.0)
	assert.Greater(t, res.Metadata.TravelTime, 0.0)
	assert.InDelta(t, res.Metadata.EstimatedTime, res.Metadata.PrintTime+res.Metadata.TravelTime, 1e-9)
	assert.False(t, math.IsNaN(res.Metadata.EstimatedTime))
}
