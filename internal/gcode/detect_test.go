package gcode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func detect(t *testing.T, lines ...string) *PrinterContext {
	t.Helper()
	return Detect(Parse([]byte(strings.Join(lines, "\n"))))
}

func TestDetectSlicerSignatures(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		slicer  SlicerKind
		version string
	}{
		{"cura banner", ";Generated with Cura_SteamEngine 5.7.0", SlicerCura, "5.7.0"},
		{"prusa", "; generated by PrusaSlicer 2.7.4", SlicerPrusa, "2.7.4"},
		{"orca", "; generated by OrcaSlicer 2.1.1", SlicerOrca, "2.1.1"},
		{"bambu", "; BambuStudio 1.9.0", SlicerBambu, "1.9.0"},
		{"simplify3d", "; G-Code generated by Simplify3D(R) Version 5.1.2", SlicerS3D, "5.1.2"},
		{"ideamaker", "; Sliced by ideaMaker 4.3.2", SlicerIdeaMaker, "4.3.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := detect(t, tt.header, "G28")
			assert.Equal(t, tt.slicer, ctx.Slicer)
			assert.Equal(t, tt.version, ctx.SlicerVersion)
		})
	}
}

func TestDetectCuraFromFlavorHeader(t *testing.T) {
	// Cura files lead with ;FLAVOR: even when the SteamEngine banner is
	// stripped; the weak signal only applies when nothing stronger matched.
	ctx := detect(t, ";FLAVOR:Marlin", "G28", "M104 S200")
	assert.Equal(t, SlicerCura, ctx.Slicer)
	assert.Empty(t, ctx.SlicerVersion)
}

func TestDetectBambuBeforeOrca(t *testing.T) {
	// Bambu headers mention their OrcaSlicer lineage; Bambu must win.
	ctx := detect(t, "; BambuStudio 1.9.0 based on OrcaSlicer", "G28")
	assert.Equal(t, SlicerBambu, ctx.Slicer)
}

func TestDetectUnknownSlicer(t *testing.T) {
	ctx := detect(t, "G28", "G90", "G1 X1 Y1 E0.5")
	assert.Equal(t, SlicerUnknown, ctx.Slicer)
}

func TestDetectKlipperMacro(t *testing.T) {
	ctx := detect(t, "START_PRINT EXTRUDER_TEMP=215 BED_TEMP=65", "G28")
	assert.Equal(t, FirmwareKlipper, ctx.Firmware)
	assert.Equal(t, 215.0, ctx.ExpectedNozzleTemp)
	assert.Equal(t, 65.0, ctx.ExpectedBedTemp)
	assert.Equal(t, "klipper_generic", ctx.Equipment)
}

func TestDetectMarlinFromStandardCommands(t *testing.T) {
	ctx := detect(t, "G28", "M104 S200", "M109 S200")
	assert.Equal(t, FirmwareMarlin, ctx.Firmware)
}

func TestDetectEquipmentFamilies(t *testing.T) {
	tests := []struct {
		evidence string
		family   string
	}{
		{";MachineType:Ender-3 V2", "creality"},
		{"; printer_model = MK3S", "prusa"},
		{"; Bambu Lab P1S", "bambu_lab"},
		{"; Voron 2.4 350mm", "voron"},
	}
	for _, tt := range tests {
		ctx := detect(t, tt.evidence, "G28")
		assert.Equal(t, tt.family, ctx.Equipment, tt.evidence)
	}
}

func TestDetectBambuEquipmentFromVendorCommands(t *testing.T) {
	ctx := detect(t, "G28", "M1002 gcode_claim_action : 0")
	assert.Equal(t, "bambu_lab", ctx.Equipment)
}
