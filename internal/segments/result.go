// Package segments replays a G-code motion state machine and emits
// per-layer extrusion/travel/wipe/support segments, a bounding box and
// aggregate metadata for client-side rendering.
package segments

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"gcodecheck/internal/gcode"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Segment is one linear motion: (x0,y0,z0,x1,y1,z1) in absolute
// millimeters, post-transform, Y-up (source G-code convention).
type Segment [6]float64

// LayerSegments carries the four segment bins of one layer plus the
// temperatures captured at layer entry.
type LayerSegments struct {
	Extrusions []Segment `json:"extrusions"`
	Travels    []Segment `json:"travels"`
	Wipes      []Segment `json:"wipes"`
	Supports   []Segment `json:"supports"`
	Z          float64   `json:"z"`
	NozzleTemp float64   `json:"nozzleTemp"`
	BedTemp    float64   `json:"bedTemp"`
}

// BoundingBox accumulates min/max over every emitted segment endpoint.
type BoundingBox struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
	set              bool
}

// Update extends the box with one endpoint.
func (b *BoundingBox) Update(x, y, z float64) {
	if !b.set {
		b.MinX, b.MaxX = x, x
		b.MinY, b.MaxY = y, y
		b.MinZ, b.MaxZ = z, z
		b.set = true
		return
	}
	b.MinX = math.Min(b.MinX, x)
	b.MaxX = math.Max(b.MaxX, x)
	b.MinY = math.Min(b.MinY, y)
	b.MaxY = math.Max(b.MaxY, y)
	b.MinZ = math.Min(b.MinZ, z)
	b.MaxZ = math.Max(b.MaxZ, z)
}

// Valid reports whether any endpoint was recorded.
func (b *BoundingBox) Valid() bool { return b.set }

// MarshalJSON emits the box as {min:[x,y,z],max:[x,y,z]}.
func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string][3]float64{
		"min": {b.MinX, b.MinY, b.MinZ},
		"max": {b.MaxX, b.MaxY, b.MaxZ},
	})
}

// Metadata is the global aggregate block of a segment result.
type Metadata struct {
	BoundingBox      BoundingBox `json:"boundingBox"`
	LayerCount       int         `json:"layerCount"`
	TotalFilament    float64     `json:"totalFilament"`
	LayerHeight      float64     `json:"layerHeight"`
	FirstLayerHeight float64     `json:"firstLayerHeight"`
	LayerHeights     []float64   `json:"layerHeights,omitempty"`

	// EstimatedTime is the self-computed replay estimate in seconds,
	// split into printing and travel shares. SlicerDeclaredTime keeps the
	// header-declared value for parity but is never used for arithmetic.
	EstimatedTime      float64 `json:"estimatedTime"`
	PrintTime          float64 `json:"printTime"`
	TravelTime         float64 `json:"travelTime"`
	SlicerDeclaredTime float64 `json:"slicerDeclaredTime,omitempty"`

	Slicer        string `json:"slicer"`
	SlicerVersion string `json:"slicerVersion,omitempty"`
	Firmware      string `json:"firmware"`
	Equipment     string `json:"equipment"`
}

// Result is the layer-indexed segment data for one file.
type Result struct {
	Layers   map[int]*LayerSegments
	Metadata Metadata
}

// SerializationMode selects the client transfer format.
type SerializationMode int

const (
	// ModeNested emits plain nested numeric arrays.
	ModeNested SerializationMode = iota
	// ModeBinary packs each bin as a base64 little-endian Float32 blob.
	ModeBinary
)

// sortedLayerIndices returns the layer keys in ascending order.
func (r *Result) sortedLayerIndices() []int {
	keys := make([]int, 0, len(r.Layers))
	for k := range r.Layers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// ToDict emits the nested-array form: layer index (as decimal string) to
// the four bins plus per-layer temperatures, alongside metadata.
func (r *Result) ToDict() map[string]interface{} {
	layers := make(map[string]interface{}, len(r.Layers))
	for _, idx := range r.sortedLayerIndices() {
		l := r.Layers[idx]
		layers[strconv.Itoa(idx)] = map[string]interface{}{
			"extrusions": segmentArrays(l.Extrusions),
			"travels":    segmentArrays(l.Travels),
			"wipes":      segmentArrays(l.Wipes),
			"supports":   segmentArrays(l.Supports),
			"z":          l.Z,
			"nozzleTemp": l.NozzleTemp,
			"bedTemp":    l.BedTemp,
		}
	}
	return map[string]interface{}{
		"layers":   layers,
		"metadata": r.Metadata,
	}
}

// ToBinaryDict emits the binary-packed form: every bin becomes a base64
// little-endian Float32 blob, with the per-bin segment counts preserved
// separately so clients can preallocate.
func (r *Result) ToBinaryDict() map[string]interface{} {
	layers := make(map[string]interface{}, len(r.Layers))
	for _, idx := range r.sortedLayerIndices() {
		l := r.Layers[idx]
		layers[strconv.Itoa(idx)] = map[string]interface{}{
			"extrusions": packSegments(l.Extrusions),
			"travels":    packSegments(l.Travels),
			"wipes":      packSegments(l.Wipes),
			"supports":   packSegments(l.Supports),
			"counts": map[string]int{
				"extrusions": len(l.Extrusions),
				"travels":    len(l.Travels),
				"wipes":      len(l.Wipes),
				"supports":   len(l.Supports),
			},
			"z":          l.Z,
			"nozzleTemp": l.NozzleTemp,
			"bedTemp":    l.BedTemp,
		}
	}
	return map[string]interface{}{
		"layers":   layers,
		"metadata": r.Metadata,
		"format":   "binary-f32le-base64",
	}
}

// MarshalMode serializes the result in the requested mode using the fast
// JSON path; segment payloads dominate transfer size.
func (r *Result) MarshalMode(mode SerializationMode) ([]byte, error) {
	switch mode {
	case ModeNested:
		return json.Marshal(r.ToDict())
	case ModeBinary:
		return json.Marshal(r.ToBinaryDict())
	default:
		return nil, fmt.Errorf("unknown serialization mode %d", mode)
	}
}

func segmentArrays(segs []Segment) [][6]float64 {
	out := make([][6]float64, len(segs))
	for i, s := range segs {
		out[i] = s
	}
	return out
}

// packSegments flattens segments into little-endian float32 and base64
// encodes the blob. UnpackSegments is its exact inverse.
func packSegments(segs []Segment) string {
	buf := make([]byte, 0, len(segs)*6*4)
	var scratch [4]byte
	for _, s := range segs {
		for _, v := range s {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(float32(v)))
			buf = append(buf, scratch[:]...)
		}
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// UnpackSegments decodes a base64 Float32 blob back into segments. The
// round trip packSegments∘UnpackSegments is the identity on float32
// precision data.
func UnpackSegments(blob string) ([]Segment, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("decode segment blob: %w", err)
	}
	if len(raw)%24 != 0 {
		return nil, fmt.Errorf("segment blob length %d not a multiple of 24", len(raw))
	}
	segs := make([]Segment, len(raw)/24)
	for i := range segs {
		for j := 0; j < 6; j++ {
			bits := binary.LittleEndian.Uint32(raw[i*24+j*4:])
			segs[i][j] = float64(math.Float32frombits(bits))
		}
	}
	return segs, nil
}

// EncodingError reports an unrecognized text encoding combined with an
// unknown slicer. It is fatal for the analysis and carries the fallback
// encoding name actually used.
type EncodingError struct {
	Encoding string
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("unrecognized gcode encoding (decoded as %s) and no known slicer signature", e.Encoding)
}

// IsEncodingError reports whether err is an EncodingError.
func IsEncodingError(err error) bool {
	var ee *EncodingError
	return errors.As(err, &ee)
}

// slicerName formats a detection context for metadata.
func slicerName(ctx *gcode.PrinterContext) (string, string) {
	if ctx == nil {
		return string(gcode.SlicerUnknown), ""
	}
	return string(ctx.Slicer), ctx.SlicerVersion
}
