package fleet

import (
	"fmt"
	"strings"
)

// convertHint splits a user hint of the form "[provider/]device" into a
// pair of SQL LIKE patterns, escaping existing '%'/'_' and turning any
// unescaped '*' into the LIKE wildcard '%'. Grounded field-for-field on
// original_source/src/client/Client.cpp's convert_hint, except the
// resulting patterns are bound as database/sql placeholders here rather
// than concatenated into the statement text.
func convertHint(hint string) (providerPattern, devicePattern string, err error) {
	if strings.ContainsAny(hint, `'"`) {
		return "", "", fmt.Errorf("fleet: hint contains invalid characters (' or \")")
	}

	var providerHint, deviceHint string
	if idx := strings.IndexByte(hint, '/'); idx < 0 {
		providerHint = "*"
		deviceHint = hint
	} else {
		providerHint = hint[:idx]
		deviceHint = hint[idx+1:]
	}

	return escapeGlob(providerHint), escapeGlob(deviceHint), nil
}

// escapeGlob backslash-escapes literal '%'/'_' and then rewrites every
// unescaped '*' to '%', tracking escape state across the whole string the
// way the original's std::replace_if predicate does.
func escapeGlob(s string) string {
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)

	var b strings.Builder
	b.Grow(len(s))
	lastWasBackslash := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '*' && !lastWasBackslash {
			b.WriteByte('%')
		} else {
			b.WriteByte(c)
		}
		lastWasBackslash = c == '\\'
	}
	return b.String()
}
