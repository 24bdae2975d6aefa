package types

import (
	"bytes"
	"fmt"
)

// OSType is a 4-byte record tag, the Mac OS convention used throughout the
// parcels tree and the SuperMario resource list (e.g. "rom ", "cpu ").
type OSType [4]byte

func (o OSType) String() string {
	return string(bytes.TrimRight(o[:], "\x00"))
}

func (o OSType) GoString() string {
	return fmt.Sprintf("OSType(%q)", o.String())
}

// NewOSType pads or truncates s to 4 bytes.
func NewOSType(s string) OSType {
	var o OSType
	copy(o[:], s)
	return o
}

func (o OSType) IsZero() bool {
	return o == OSType{}
}
