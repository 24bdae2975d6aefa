package types

import "bytes"

// FixedString reads a zero-terminated ASCII string out of a fixed-width
// field, matching the fixed-length string fields of PrclNodeStruct,
// PrclChildStruct and the SuperMario records.
func FixedString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// PutFixedString writes s into a fixed-width field, truncating it to fit
// and zero-filling the remainder.
func PutFixedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// PascalString reads a Pascal string (1-byte length prefix) from b.
func PascalString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := int(b[0])
	if n > len(b)-1 {
		n = len(b) - 1
	}
	return string(b[1 : 1+n])
}

// PutPascalString writes a Pascal string into b, returning the number of
// bytes consumed (1 + len(s)). b must be at least 1+len(s) bytes.
func PutPascalString(b []byte, s string) int {
	if len(s) > 255 {
		s = s[:255]
	}
	b[0] = byte(len(s))
	copy(b[1:], s)
	return 1 + len(s)
}
