package gcode

import (
	"regexp"
	"strconv"
	"strings"
)

// g9111Re parses the Bambu/Orca vendor extension that sets both heater
// targets in one command: G9111 bedTemp=N extruderTemp=N.
var g9111Re = regexp.MustCompile(`(?i)\b(bedTemp|extruderTemp)\s*=\s*([\d.]+)`)

// ParseG9111 extracts the bed and nozzle targets from a G9111 line. A
// missing or non-positive value is returned as zero.
func ParseG9111(raw string) (bed, nozzle float64) {
	for _, m := range g9111Re.FindAllStringSubmatch(raw, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil || v <= 0 {
			continue
		}
		if strings.EqualFold(m[1], "bedTemp") {
			bed = v
		} else {
			nozzle = v
		}
	}
	return bed, nozzle
}
