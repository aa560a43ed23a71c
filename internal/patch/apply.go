package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gcodecheck/internal/logging"
)

// Apply rewrites path into a `<stem>_patched<ext>` sibling with the
// applicable suggestions applied: modifications first (in place), then
// deletions in descending line order, then add_before/add_after
// insertions in descending position order. Review suggestions and ones
// with autofix disabled are skipped. Returns the patched file path and
// the number of changes applied.
func Apply(path string, suggestions []Suggestion) (string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("read gcode: %w", err)
	}

	// The patched file keeps the source's newline convention.
	eol := "\n"
	if strings.Contains(string(data), "\r\n") {
		eol = "\r\n"
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	trailingNewline := strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	applied := 0
	inRange := func(line int) bool { return line >= 1 && line <= len(lines) }

	var modifies, deletes, inserts []Suggestion
	for _, sg := range suggestions {
		if !sg.AutofixAllowed || sg.Action == ActionReview {
			continue
		}
		switch sg.Action {
		case ActionModify:
			modifies = append(modifies, sg)
		case ActionDelete:
			deletes = append(deletes, sg)
		case ActionAddBefore, ActionAddAfter:
			inserts = append(inserts, sg)
		}
	}

	for _, sg := range modifies {
		if inRange(sg.Line) {
			lines[sg.Line-1] = sg.Replacement
			applied++
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Line > deletes[j].Line })
	for _, sg := range deletes {
		if inRange(sg.Line) {
			lines = append(lines[:sg.Line-1], lines[sg.Line:]...)
			applied++
		}
	}

	// insertAt maps a suggestion to the slice index the block lands on:
	// add_after line N inserts at N, add_before line N at N-1, so
	// add_before line 1 and add_after line 0 both mean the top.
	insertAt := func(sg Suggestion) int {
		if sg.Action == ActionAddBefore {
			return sg.Line - 1
		}
		return sg.Line
	}
	sort.Slice(inserts, func(i, j int) bool { return insertAt(inserts[i]) > insertAt(inserts[j]) })
	for _, sg := range inserts {
		at := insertAt(sg)
		if at < 0 || at > len(lines) {
			continue
		}
		block := strings.Split(sg.Replacement, "\n")
		lines = append(lines[:at], append(append([]string{}, block...), lines[at:]...)...)
		applied++
	}

	out := strings.Join(lines, eol)
	if trailingNewline {
		out += eol
	}

	ext := filepath.Ext(path)
	patched := strings.TrimSuffix(path, ext) + "_patched" + ext
	if err := os.WriteFile(patched, []byte(out), 0o644); err != nil {
		return "", 0, fmt.Errorf("write patched gcode: %w", err)
	}
	logging.Workflow("applied %d patches to %s", applied, patched)
	return patched, applied, nil
}
