// Package rules scans parsed G-code for deterministic anomalies. Every
// detection carries a type code registered in the issue taxonomy, which is
// the contract between detection and presentation.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Severity ranks an issue for grading and patching decisions.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Category groups issue types for presentation.
type Category string

const (
	CategoryTemperature  Category = "temperature"
	CategorySpeed        Category = "speed"
	CategoryRetraction   Category = "retraction"
	CategoryStructure    Category = "structure"
	CategoryVendor       Category = "vendor"
	CategoryPrintQuality Category = "print_quality"
	CategoryEquipment    Category = "equipment"
	CategorySoftware     Category = "software"
	CategoryOther        Category = "other"
)

// IssueType is one taxonomy entry: the stable type code plus everything the
// UI needs to render it.
type IssueType struct {
	TypeCode    string   `json:"type_code"`
	Category    Category `json:"category"`
	Severity    Severity `json:"default_severity"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Color       string   `json:"color"`
	Icon        string   `json:"icon"`
}

// catalog is the fixed issue-type taxonomy. New detections must register
// their type code here before emitting it.
var catalog = map[string]IssueType{
	"cold_extrusion": {
		TypeCode: "cold_extrusion", Category: CategoryTemperature, Severity: SeverityCritical,
		Label:       "Cold extrusion",
		Description: "Extrusion commanded while the nozzle is below the filament's minimum temperature. The extruder may grind or jam.",
		Color:       "#d32f2f", Icon: "thermometer-snowflake",
	},
	"early_temp_off": {
		TypeCode: "early_temp_off", Category: CategoryTemperature, Severity: SeverityHigh,
		Label:       "Nozzle turned off mid-print",
		Description: "M104 S0 appears before the end section and further extrusion follows. The print will fail once the hotend cools.",
		Color:       "#e64a19", Icon: "flame-off",
	},
	"early_bed_off": {
		TypeCode: "early_bed_off", Category: CategoryTemperature, Severity: SeverityMedium,
		Label:       "Bed turned off mid-print",
		Description: "M140 S0 appears before the end section and further extrusion follows. Loss of bed adhesion is likely.",
		Color:       "#f57c00", Icon: "bed-off",
	},
	"bed_temp_off_early": {
		TypeCode: "bed_temp_off_early", Category: CategoryTemperature, Severity: SeverityHigh,
		Label:       "Bed turned off early in the print",
		Description: "The bed heater is disabled in the first half of the print while most of the part is still unprinted.",
		Color:       "#ef6c00", Icon: "bed-off",
	},
	"missing_warmup": {
		TypeCode: "missing_warmup", Category: CategoryTemperature, Severity: SeverityHigh,
		Label:       "No temperature wait before printing",
		Description: "M104 sets a nozzle target but no M109 wait occurs before the first extrusion. Printing may start on a cold nozzle.",
		Color:       "#e64a19", Icon: "hourglass-off",
	},
	"rapid_temp_change": {
		TypeCode: "rapid_temp_change", Category: CategoryTemperature, Severity: SeverityMedium,
		Label:       "Rapid temperature change",
		Description: "Two adjacent temperature commands differ by 50 degC or more within a short window. Usually a slicer profile mistake.",
		Color:       "#fbc02d", Icon: "activity",
	},
	"excessive_speed": {
		TypeCode: "excessive_speed", Category: CategorySpeed, Severity: SeverityMedium,
		Label:       "Excessive print speed",
		Description: "A printing move requests more than 18000 mm/min (300 mm/s), beyond what most machines can extrude reliably.",
		Color:       "#7b1fa2", Icon: "gauge",
	},
	"excessive_retraction": {
		TypeCode: "excessive_retraction", Category: CategoryRetraction, Severity: SeverityMedium,
		Label:       "Excessive retraction",
		Description: "A retraction longer than the empirical safe range was found. Long retractions grind filament and pull heat creep into the cold end.",
		Color:       "#5e35b1", Icon: "arrow-up-from-line",
	},
	"structure_abnormal": {
		TypeCode: "structure_abnormal", Category: CategoryStructure, Severity: SeverityHigh,
		Label:       "Abnormal file structure",
		Description: "The file violates basic structural expectations, such as extruding before homing or ending in relative positioning.",
		Color:       "#455a64", Icon: "file-warning",
	},
	"missing_end": {
		TypeCode: "missing_end", Category: CategoryStructure, Severity: SeverityHigh,
		Label:       "No end sequence",
		Description: "The file never turns heaters off and carries no recognizable end block. Heaters would stay on after the print.",
		Color:       "#455a64", Icon: "square-dashed",
	},
	"missing_setup": {
		TypeCode: "missing_setup", Category: CategoryStructure, Severity: SeverityCritical,
		Label:       "No heatup sequence",
		Description: "Extrusion begins without any prior nozzle heating command. The file is probably a fragment.",
		Color:       "#b71c1c", Icon: "circle-off",
	},
	"vendor_extension": {
		TypeCode: "vendor_extension", Category: CategoryVendor, Severity: SeverityInfo,
		Label:       "Vendor-specific command",
		Description: "The file uses vendor-specific G-code extensions. Interpretation of nearby standard commands may differ from their usual meaning.",
		Color:       "#0288d1", Icon: "puzzle",
	},
}

// LookupType returns the taxonomy entry for a type code.
func LookupType(typeCode string) (IssueType, bool) {
	t, ok := catalog[typeCode]
	return t, ok
}

// Catalog returns every taxonomy entry sorted by type code.
func Catalog() []IssueType {
	out := make([]IssueType, 0, len(catalog))
	for _, t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeCode < out[j].TypeCode })
	return out
}

// catalogRegistry is the on-disk mirror of the taxonomy.
type catalogRegistry struct {
	Version int         `json:"version"`
	Types   []IssueType `json:"types"`
}

// SyncCatalog mirrors the taxonomy into the JSON registry at path,
// preserving unknown entries already present there (external registrations)
// and overwriting entries whose type code the catalog owns. The write is
// atomic (tmp then rename).
func SyncCatalog(path string) error {
	reg := catalogRegistry{Version: 1}
	if data, err := os.ReadFile(path); err == nil {
		var existing catalogRegistry
		if err := json.Unmarshal(data, &existing); err == nil {
			for _, t := range existing.Types {
				if _, owned := catalog[t.TypeCode]; !owned {
					reg.Types = append(reg.Types, t)
				}
			}
			if existing.Version > reg.Version {
				reg.Version = existing.Version
			}
		}
	}
	reg.Types = append(reg.Types, Catalog()...)
	sort.Slice(reg.Types, func(i, j int) bool { return reg.Types[i].TypeCode < reg.Types[j].TypeCode })

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal taxonomy registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write taxonomy registry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace taxonomy registry: %w", err)
	}
	return nil
}
