package gcode

import (
	"regexp"
	"strings"
)

// Slicer wipe/support feature markers. A support block ends on any other
// TYPE:/FEATURE: marker; wipe blocks have explicit start/end tokens.
var (
	supportMarkers = []string{
		"TYPE:SUPPORT",
		"FEATURE: SUPPORT",
		"FEATURE:SUPPORT",
		"SUPPORT-MATERIAL",
	}
	featureMarkerRe = regexp.MustCompile(`(?i)^(TYPE|FEATURE):\s*(.+)$`)
)

// FeatureContext tracks the slicer-declared wipe and support blocks while
// scanning lines in order.
type FeatureContext struct {
	InWipe    bool
	InSupport bool
}

// Apply updates the context from one line's comment, if any.
func (f *FeatureContext) Apply(line *Line) {
	if line.Comment == "" {
		return
	}
	comment := strings.ToUpper(strings.TrimSpace(line.Comment))

	switch {
	case strings.Contains(comment, "WIPE_START"):
		f.InWipe = true
		return
	case strings.Contains(comment, "WIPE_END"):
		f.InWipe = false
		return
	}

	for _, m := range supportMarkers {
		if strings.HasPrefix(comment, m) {
			f.InSupport = true
			return
		}
	}
	// Any other feature marker terminates a support block.
	if f.InSupport && featureMarkerRe.MatchString(comment) {
		f.InSupport = false
	}
}
