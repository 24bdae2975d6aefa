// Package macroman decodes and encodes the legacy 8-bit Mac-Roman text
// used for BootstrapVersion, SuperMario resource types and PEF driver
// names.
package macroman

import "golang.org/x/text/encoding/charmap"

// Decode converts Mac-Roman bytes to a UTF-8 string, stopping at the
// first NUL byte (the convention for fixed-width C-string fields).
func Decode(b []byte) string {
	for i, c := range b {
		if c == 0 {
			b = b[:i]
			break
		}
	}
	out, err := charmap.Macintosh.NewDecoder().Bytes(b)
	if err != nil {
		// Mac-Roman maps every byte value, so Bytes never actually fails;
		// fall back to the raw bytes defensively.
		return string(b)
	}
	return string(out)
}

// Encode converts a UTF-8 string to Mac-Roman bytes, truncating or
// zero-padding to width.
func Encode(s string, width int) []byte {
	enc, err := charmap.Macintosh.NewEncoder().String(s)
	if err != nil {
		enc = s
	}
	out := make([]byte, width)
	copy(out, enc)
	return out
}
