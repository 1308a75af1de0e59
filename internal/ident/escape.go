package ident

import "strings"

// The backing store reserves NUL, '$' and '.' in map keys. Each reserved
// byte c is stored as escByte followed by c+escShift; escByte itself is
// escaped the same way so the transform stays bijective.
const (
	escByte  = 0x1b
	escShift = 0x2f
)

const reserved = "\x00$.\x1b"

// EscapeKey rewrites the reserved characters of a map key.
func EscapeKey(k string) string {
	if !strings.ContainsAny(k, reserved) {
		return k
	}
	var b strings.Builder
	b.Grow(len(k) + 4)
	for i := 0; i < len(k); i++ {
		c := k[i]
		if strings.IndexByte(reserved, c) >= 0 {
			b.WriteByte(escByte)
			b.WriteByte(c + escShift)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// UnescapeKey is the inverse of EscapeKey.
func UnescapeKey(k string) string {
	if strings.IndexByte(k, escByte) < 0 {
		return k
	}
	var b strings.Builder
	b.Grow(len(k))
	for i := 0; i < len(k); i++ {
		if k[i] == escByte && i+1 < len(k) {
			i++
			b.WriteByte(k[i] - escShift)
			continue
		}
		b.WriteByte(k[i])
	}
	return b.String()
}

// EscapeValue applies the key codec recursively through maps and lists.
// Scalars pass through unchanged.
func EscapeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[EscapeKey(k)] = EscapeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = EscapeValue(inner)
		}
		return out
	default:
		return v
	}
}

// UnescapeValue is the inverse of EscapeValue.
func UnescapeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[UnescapeKey(k)] = UnescapeValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = UnescapeValue(inner)
		}
		return out
	default:
		return v
	}
}
