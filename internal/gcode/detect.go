package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"gcodecheck/internal/logging"
)

// SlicerKind identifies the producing slicer.
type SlicerKind string

const (
	SlicerCura      SlicerKind = "cura"
	SlicerOrca      SlicerKind = "orcaslicer"
	SlicerBambu     SlicerKind = "bambustudio"
	SlicerPrusa     SlicerKind = "prusaslicer"
	SlicerS3D       SlicerKind = "simplify3d"
	SlicerIdeaMaker SlicerKind = "ideamaker"
	SlicerUnknown   SlicerKind = "unknown"
)

// FirmwareKind identifies the firmware flavor targeted by the file.
type FirmwareKind string

const (
	FirmwareMarlin      FirmwareKind = "marlin"
	FirmwareKlipper     FirmwareKind = "klipper"
	FirmwareRepRap      FirmwareKind = "reprapfirmware"
	FirmwareSmoothie    FirmwareKind = "smoothieware"
	FirmwareUnknownKind FirmwareKind = "unknown"
)

// PrinterContext is the detection result, built once per parse.
type PrinterContext struct {
	Slicer        SlicerKind   `json:"slicer"`
	SlicerVersion string       `json:"slicer_version,omitempty"`
	Firmware      FirmwareKind `json:"firmware"`
	Equipment     string       `json:"equipment"`

	// Klipper START_PRINT / PRINT_START macro parameters, when present.
	// These become the expected temperatures for later comparison.
	ExpectedNozzleTemp float64 `json:"expected_nozzle_temp,omitempty"`
	ExpectedBedTemp    float64 `json:"expected_bed_temp,omitempty"`
}

// headerScanLimit bounds how many leading lines the scanners read. Slicer
// headers sit in the first couple hundred lines; macro evidence can appear
// anywhere in the start block.
const (
	slicerScanLimit   = 200
	firmwareScanLimit = 2000
)

// slicerPatterns is the closed dispatch table for slicer detection. Order
// matters: BambuStudio headers also mention OrcaSlicer lineage, so Bambu is
// checked first.
var slicerPatterns = []struct {
	kind SlicerKind
	re   *regexp.Regexp
}{
	{SlicerBambu, regexp.MustCompile(`(?i);\s*(?:generated by )?BambuStudio[ v]*([\d.]+)?`)},
	{SlicerOrca, regexp.MustCompile(`(?i);\s*(?:generated by )?OrcaSlicer[ v]*([\d.]+)?`)},
	{SlicerPrusa, regexp.MustCompile(`(?i);\s*generated by PrusaSlicer ([\d.]+)?`)},
	{SlicerCura, regexp.MustCompile(`(?i);\s*Generated with Cura_SteamEngine ([\d.\w]+)?`)},
	{SlicerS3D, regexp.MustCompile(`(?i);\s*G-Code generated by Simplify3D\(R\) Version ([\d.]+)?`)},
	{SlicerIdeaMaker, regexp.MustCompile(`(?i);\s*Sliced by ideaMaker ([\d.]+)?`)},
}

// klipperMacros: a single occurrence classifies the file as Klipper.
var klipperMacros = []string{
	"START_PRINT",
	"PRINT_START",
	"SET_PRESSURE_ADVANCE",
	"BED_MESH_CALIBRATE",
	"QUAD_GANTRY_LEVEL",
	"SET_HEATER_TEMPERATURE",
	"EXCLUDE_OBJECT",
	"SET_VELOCITY_LIMIT",
	"ACTIVATE_EXTRUDER",
	"TEMPERATURE_WAIT",
}

// curaFlavorRe is a weak Cura signal: Cura leads every file with a
// ;FLAVOR: header even before the Cura_SteamEngine banner.
var curaFlavorRe = regexp.MustCompile(`(?i)^;\s*FLAVOR\s*:`)

var (
	klipperParamRe = regexp.MustCompile(`(?i)\b(EXTRUDER(?:_TEMP)?|BED(?:_TEMP)?|HOTEND(?:_TEMP)?)\s*=\s*([\d.]+)`)
	reprapRe       = regexp.MustCompile(`(?i)RepRapFirmware|; *Sliced for Duet|M98 +P"`)
	smoothieRe     = regexp.MustCompile(`(?i)Smoothieware|Smoothieboard`)
)

// equipmentPatterns maps vendor evidence to an equipment family string.
var equipmentPatterns = []struct {
	family string
	re     *regexp.Regexp
}{
	{"bambu_lab", regexp.MustCompile(`(?i)Bambu Lab|BambuStudio|G9111|M1002`)},
	{"creality", regexp.MustCompile(`(?i)\bEnder[- ]?\d|\bCR[- ]?\d+|Creality`)},
	{"prusa", regexp.MustCompile(`(?i)Prusa|\bMK[34]S?\b|\bMINI\+?\b|\bXL\b`)},
	{"voron", regexp.MustCompile(`(?i)Voron`)},
	{"ratrig", regexp.MustCompile(`(?i)RatRig|V-Core`)},
	{"elegoo", regexp.MustCompile(`(?i)Elegoo|Neptune`)},
	{"anycubic", regexp.MustCompile(`(?i)Anycubic|Kobra`)},
	{"artillery", regexp.MustCompile(`(?i)Artillery|Sidewinder`)},
	{"sovol", regexp.MustCompile(`(?i)Sovol|SV0\d`)},
}

// Detect runs the slicer, firmware and equipment scanners over the leading
// lines of a parse result and assembles the printer context.
func Detect(result *ParseResult) *PrinterContext {
	ctx := &PrinterContext{
		Slicer:    SlicerUnknown,
		Firmware:  FirmwareUnknownKind,
		Equipment: "unknown",
	}

	detectSlicer(result.Lines, ctx)
	detectFirmware(result.Lines, ctx)
	detectEquipment(result.Lines, ctx)

	// Klipper machines without a recognized vendor are still meaningfully
	// grouped for the presentation layer.
	if ctx.Firmware == FirmwareKlipper && ctx.Equipment == "unknown" {
		ctx.Equipment = "klipper_generic"
	}

	logging.Get(logging.CategoryDetect).Info("detected slicer=%s/%s firmware=%s equipment=%s",
		ctx.Slicer, ctx.SlicerVersion, ctx.Firmware, ctx.Equipment)
	return ctx
}

func detectSlicer(lines []Line, ctx *PrinterContext) {
	limit := slicerScanLimit
	if len(lines) < limit {
		limit = len(lines)
	}
	sawFlavor := false
	for i := 0; i < limit; i++ {
		raw := lines[i].Raw
		for _, p := range slicerPatterns {
			m := p.re.FindStringSubmatch(raw)
			if m == nil {
				continue
			}
			ctx.Slicer = p.kind
			if len(m) > 1 {
				ctx.SlicerVersion = strings.TrimSpace(m[1])
			}
			return
		}
		if curaFlavorRe.MatchString(raw) {
			sawFlavor = true
		}
	}
	if sawFlavor {
		ctx.Slicer = SlicerCura
	}
}

func detectFirmware(lines []Line, ctx *PrinterContext) {
	limit := firmwareScanLimit
	if len(lines) < limit {
		limit = len(lines)
	}

	sawStandard := false
	for i := 0; i < limit; i++ {
		line := &lines[i]
		for _, macro := range klipperMacros {
			if line.Cmd == macro {
				ctx.Firmware = FirmwareKlipper
				if macro == "START_PRINT" || macro == "PRINT_START" {
					extractKlipperTemps(line.Raw, ctx)
				}
				return
			}
		}
		if reprapRe.MatchString(line.Raw) {
			ctx.Firmware = FirmwareRepRap
			return
		}
		if smoothieRe.MatchString(line.Raw) {
			ctx.Firmware = FirmwareSmoothie
			return
		}
		switch line.Cmd {
		case "G28", "M104", "M109", "M140", "M190":
			sawStandard = true
		}
	}
	if sawStandard {
		ctx.Firmware = FirmwareMarlin
	}
}

// extractKlipperTemps pulls EXTRUDER(_TEMP)=N / BED(_TEMP)=N out of a
// START_PRINT macro invocation.
func extractKlipperTemps(raw string, ctx *PrinterContext) {
	for _, m := range klipperParamRe.FindAllStringSubmatch(raw, -1) {
		name := strings.ToUpper(m[1])
		val := parseFloatDefault(m[2], 0)
		if val <= 0 {
			continue
		}
		if strings.HasPrefix(name, "BED") {
			ctx.ExpectedBedTemp = val
		} else {
			ctx.ExpectedNozzleTemp = val
		}
	}
}

func detectEquipment(lines []Line, ctx *PrinterContext) {
	limit := firmwareScanLimit
	if len(lines) < limit {
		limit = len(lines)
	}
	for i := 0; i < limit; i++ {
		raw := lines[i].Raw
		for _, p := range equipmentPatterns {
			if p.re.MatchString(raw) {
				ctx.Equipment = p.family
				return
			}
		}
	}
}

func parseFloatDefault(s string, def float64) float64 {
	v, err := strconv.ParseFloat(strings.TrimRight(s, "."), 64)
	if err != nil {
		return def
	}
	return v
}
