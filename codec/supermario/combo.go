package supermario

// comboFields maps a ResEntry.Combo value's high byte (shifted into the
// top 8 bits of a 64-bit combo field) to a symbolic hardware-combo name,
// used for SANE PACK 4/5 selection. "AllCombos" is the universal default.
var comboFields = map[uint64]string{
	0x40 << 56: "AppleTalk1",
	0x20 << 56: "AppleTalk2",
	0x30 << 56: "AppleTalk2_NetBoot_FPU",
	0x08 << 56: "AppleTalk2_NetBoot_NoFPU",
	0x10 << 56: "NetBoot",
	0x78 << 56: "AllCombos",
}

var reverseComboFields = func() map[string]uint64 {
	m := make(map[string]uint64, len(comboFields))
	for k, v := range comboFields {
		m[v] = k
	}
	return m
}()

// comboName renders combo as its symbolic name if known, else as a
// binary literal of its top byte, mirroring the dump tool's fallback.
func comboName(combo uint64) string {
	if name, ok := comboFields[combo]; ok {
		return name
	}
	top := byte(combo >> 56)
	out := "0b"
	for i := 7; i >= 0; i-- {
		if top&(1<<uint(i)) != 0 {
			out += "1"
		} else {
			out += "0"
		}
	}
	return out
}

// comboValue reverses comboName for a known symbolic name. Callers fall
// back to parsing an explicit "0bXXXXXXXX" or numeric literal themselves.
func comboValue(name string) (uint64, bool) {
	if v, ok := reverseComboFields[name]; ok {
		return v, true
	}
	return 0, false
}
