// Package gcode tokenizes G-code streams into structured lines and
// identifies the producing slicer, firmware flavor and printer family.
package gcode

import "strings"

// Line is the parsed record of one source line. Line indices are 1-based
// everywhere exposed. Lines are immutable after parsing.
type Line struct {
	// Index is the 1-based source line number.
	Index int
	// Raw is the original line text without the trailing newline.
	Raw string
	// Cmd is the uppercased command token (G1, M104, ...), empty on
	// comment-only or blank lines.
	Cmd string
	// Params maps a single-letter parameter key (X, Y, Z, E, F, S, H, P)
	// to its parsed value. Tokens with non-numeric suffixes are skipped.
	Params map[byte]float64
	// Comment is the trailing comment text without the leading ';'.
	Comment string
}

// Param returns the value for a parameter key and whether it was present.
func (l *Line) Param(key byte) (float64, bool) {
	v, ok := l.Params[key]
	return v, ok
}

// Has reports whether the parameter key is present.
func (l *Line) Has(key byte) bool {
	_, ok := l.Params[key]
	return ok
}

// IsMove reports whether the line is a linear move (G0/G1).
func (l *Line) IsMove() bool {
	return l.Cmd == "G0" || l.Cmd == "G1"
}

// CommentContains reports whether the comment contains the given token,
// case-insensitively.
func (l *Line) CommentContains(token string) bool {
	if l.Comment == "" {
		return false
	}
	return strings.Contains(strings.ToUpper(l.Comment), strings.ToUpper(token))
}

// Encoding names reported in ParseResult.
const (
	EncodingUTF8   = "utf-8"
	EncodingCP949  = "cp949"
	EncodingEUCKR  = "euc-kr"
	EncodingLatin1 = "latin-1"
)

// ParseResult is the ordered sequence of parsed lines plus the encoding
// actually used. Fallback is true when no known encoding matched and the
// bytes were decoded as latin-1 with replacement.
type ParseResult struct {
	Lines    []Line
	Encoding string
	Fallback bool
}

// TotalLines returns the number of parsed source lines.
func (r *ParseResult) TotalLines() int {
	return len(r.Lines)
}
