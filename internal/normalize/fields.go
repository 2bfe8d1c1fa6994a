package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"wfbase/wfetl/internal/fetch"
)

// Field readers over loosely-typed raw records. Every reader returns the
// declared default (nil or zero) when the field is absent or has an
// unexpected shape; none of them fail.

func stringField(r fetch.RawRecord, key string) *string {
	s, ok := r[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func numberField(r fetch.RawRecord, key string) *float64 {
	f, ok := toFloat(r[key])
	if !ok {
		return nil
	}
	return &f
}

func intField(r fetch.RawRecord, key string) *int {
	f, ok := toFloat(r[key])
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return nil
	}
	n := int(f)
	return &n
}

func hasKey(r fetch.RawRecord, key string) bool {
	_, ok := r[key]
	return ok
}

// uniqueName returns the identity key and whether it is usable
func uniqueName(r fetch.RawRecord) (string, bool) {
	s, ok := r["uniqueName"].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case fetch.RawRecord:
		return map[string]any(m), true
	default:
		return nil, false
	}
}

// lookupFold finds key in m, preferring an exact match and otherwise the
// first case-insensitive match in sorted key order.
func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, key) {
			return m[k], true
		}
	}
	return nil, false
}

// rawJSON serializes the untouched source record as ASCII-only JSON.
// Non-ASCII characters become \uXXXX escapes so the text survives any
// column collation.
func rawJSON(r fetch.RawRecord) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		// decoded JSON always re-encodes; only hand-built records can get here
		return "{}"
	}
	return asciiEscape(strings.TrimSuffix(buf.String(), "\n"))
}

// asciiEscape rewrites every non-ASCII rune of an encoded JSON document as a
// \u escape, using a surrogate pair above the BMP. Outside strings an encoded
// document is ASCII already, so only string contents change.
func asciiEscape(s string) string {
	n := 0
	for n < len(s) && s[n] < utf8.RuneSelf {
		n++
	}
	if n == len(s) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 16)
	b.WriteString(s[:n])
	for _, c := range s[n:] {
		switch {
		case c < utf8.RuneSelf:
			b.WriteRune(c)
		case c > 0xFFFF:
			hi, lo := utf16.EncodeRune(c)
			fmt.Fprintf(&b, "\\u%04x\\u%04x", hi, lo)
		default:
			fmt.Fprintf(&b, "\\u%04x", c)
		}
	}
	return b.String()
}
