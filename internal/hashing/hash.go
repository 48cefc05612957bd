// Package hashing computes the deterministic content hash that serves as the
// primary identity of a memory. The hash is derived from normalized content
// plus the static portion of the metadata, so any two processes hashing the
// same logical memory agree on its identity.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// volatileKeys are excluded from the hash input: they change between stores
// of the same logical content.
var volatileKeys = map[string]struct{}{
	"timestamp":    {},
	"content_hash": {},
	"embedding":    {},
}

// ContentHash returns the 64-hex identity of a memory. Content is stripped
// and lower-cased; metadata is filtered of volatile keys and serialised
// canonically (sorted keys, ASCII-escaped strings) before being appended.
func ContentHash(content string, metadata map[string]any) string {
	normalized := strings.ToLower(strings.TrimSpace(content))

	var sb strings.Builder
	sb.WriteString(normalized)

	static := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, volatile := volatileKeys[k]; volatile {
			continue
		}
		static[k] = v
	}
	if len(static) > 0 {
		canonicalize(&sb, static)
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// canonicalize writes a deterministic JSON rendering of v: map keys sorted,
// non-ASCII runes escaped as \uXXXX. encoding/json sorts map keys too, but it
// emits UTF-8 verbatim; the hash input must be byte-identical across
// platforms and locales, so the escaping is done here explicitly.
func canonicalize(sb *strings.Builder, v any) {
	switch val := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case string:
		writeEscapedString(sb, val)
	case float64:
		writeNumber(sb, val)
	case float32:
		writeNumber(sb, float64(val))
	case int:
		sb.WriteString(strconv.Itoa(val))
	case int64:
		sb.WriteString(strconv.FormatInt(val, 10))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeEscapedString(sb, k)
			sb.WriteByte(':')
			canonicalize(sb, val[k])
		}
		sb.WriteByte('}')
	case []any:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			canonicalize(sb, item)
		}
		sb.WriteByte(']')
	case []string:
		sb.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				sb.WriteByte(',')
			}
			writeEscapedString(sb, item)
		}
		sb.WriteByte(']')
	default:
		// Unknown scalar types fall back to their fmt rendering; this keeps
		// the function total without panicking on exotic metadata values.
		writeEscapedString(sb, fmt.Sprintf("%v", val))
	}
}

func writeNumber(sb *strings.Builder, f float64) {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		sb.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	sb.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
}

func writeEscapedString(sb *strings.Builder, s string) {
	sb.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			sb.WriteString(`\"`)
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\t':
			sb.WriteString(`\t`)
		default:
			if r < 0x20 || r > utf8.RuneSelf-1 {
				if r > 0xFFFF {
					r1, r2 := utf16Pair(r)
					fmt.Fprintf(sb, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(sb, `\u%04x`, r)
				}
			} else {
				sb.WriteRune(r)
			}
		}
	}
	sb.WriteByte('"')
}

// utf16Pair splits a rune outside the BMP into its UTF-16 surrogate halves.
func utf16Pair(r rune) (rune, rune) {
	r -= 0x10000
	return 0xD800 + (r >> 10), 0xDC00 + (r & 0x3FF)
}
