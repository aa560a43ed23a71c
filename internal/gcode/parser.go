package gcode

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/korean"

	"gcodecheck/internal/logging"
)

// ParseFile reads and parses a G-code file from disk.
func ParseFile(path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gcode file: %w", err)
	}
	return Parse(data), nil
}

// Parse decodes and tokenizes a G-code byte stream. Decoding never fails:
// unknown encodings fall back to latin-1 with the Fallback flag set. The
// encoding-error rule (fallback + unknown slicer) is enforced by the
// segment extractor, not here.
func Parse(data []byte) *ParseResult {
	text, encoding, fallback := decode(data)
	lines := splitLines(text)

	result := &ParseResult{
		Lines:    make([]Line, 0, len(lines)),
		Encoding: encoding,
		Fallback: fallback,
	}
	for i, raw := range lines {
		result.Lines = append(result.Lines, parseLine(i+1, raw))
	}

	logging.Parser("parsed %d lines (encoding=%s fallback=%v)", len(result.Lines), encoding, fallback)
	return result
}

// decode attempts UTF-8, then CP949, then EUC-KR, finally latin-1 with
// replacement. The x/text korean codec implements windows-949 (CP949), a
// superset of EUC-KR, so Korean input is accepted and labeled at the
// CP949 step; the EUC-KR attempt only catches what CP949 rejected.
func decode(data []byte) (string, string, bool) {
	if utf8.Valid(data) {
		return string(data), EncodingUTF8, false
	}

	// The korean decoder substitutes U+FFFD for unmapped bytes instead of
	// erroring, so success means a clean decode with no replacements.
	if decoded, err := korean.EUCKR.NewDecoder().Bytes(data); err == nil && !strings.ContainsRune(string(decoded), utf8.RuneError) {
		return string(decoded), EncodingCP949, false
	}

	// latin-1 decodes any byte sequence.
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		// Unreachable for ISO 8859-1, but keep the replacement path total.
		decoded = []byte(strings.ToValidUTF8(string(data), "�"))
	}
	return string(decoded), EncodingLatin1, true
}

// splitLines splits on any of CRLF, CR, LF.
func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	// A trailing newline produces one empty trailing element; drop it so
	// line counts match the source.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func parseLine(index int, raw string) Line {
	line := Line{Index: index, Raw: raw}

	commandPart := raw
	if i := strings.IndexByte(raw, ';'); i >= 0 {
		commandPart = raw[:i]
		line.Comment = strings.TrimSpace(raw[i+1:])
	}

	fields := strings.Fields(commandPart)
	if len(fields) == 0 {
		return line
	}

	line.Cmd = strings.ToUpper(fields[0])
	if len(fields) > 1 {
		line.Params = make(map[byte]float64, len(fields)-1)
		for _, tok := range fields[1:] {
			key := tok[0]
			if key >= 'a' && key <= 'z' {
				key -= 'a' - 'A'
			}
			if key < 'A' || key > 'Z' || len(tok) < 2 {
				continue
			}
			val, err := strconv.ParseFloat(tok[1:], 64)
			if err != nil {
				// Malformed slicer comments leak tokens like "X=10";
				// drop them silently.
				continue
			}
			line.Params[key] = val
		}
		if len(line.Params) == 0 {
			line.Params = nil
		}
	}
	return line
}
