package idcode

import "fmt"

// manufacturers is a subset of the JEP106 manufacturer list, keyed by the
// 11-bit code found in IDCODE and DPIDR registers.
var manufacturers = map[uint16]Manufacturer{
	0x001: {Code: 0x001, Name: "AMD", Abbreviation: "AMD"},
	0x009: {Code: 0x009, Name: "Intel", Abbreviation: "Intel"},
	0x00E: {Code: 0x00E, Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	0x015: {Code: 0x015, Name: "NXP (Philips)", Abbreviation: "NXP"},
	0x017: {Code: 0x017, Name: "Texas Instruments", Abbreviation: "TI"},
	0x01F: {Code: 0x01F, Name: "Atmel", Abbreviation: "Atmel"},
	0x020: {Code: 0x020, Name: "STMicroelectronics", Abbreviation: "ST"},
	0x021: {Code: 0x021, Name: "Lattice Semiconductor", Abbreviation: "Lattice"},
	0x029: {Code: 0x029, Name: "Microchip Technology", Abbreviation: "Microchip"},
	0x049: {Code: 0x049, Name: "Xilinx", Abbreviation: "Xilinx"},
	0x06E: {Code: 0x06E, Name: "Altera", Abbreviation: "Altera"},
	0x23B: {Code: 0x23B, Name: "ARM Ltd", Abbreviation: "ARM"},
	0x244: {Code: 0x244, Name: "Nordic Semiconductor", Abbreviation: "Nordic"},
	0x272: {Code: 0x272, Name: "Tensilica", Abbreviation: "Tensilica"},
	0x489: {Code: 0x489, Name: "SiFive", Abbreviation: "SiFive"},
	0x927: {Code: 0x927, Name: "Raspberry Pi Ltd", Abbreviation: "RPi"},
}

// LookupManufacturer returns manufacturer info for a JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		// Return unknown manufacturer
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (0x%03X)", code),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}
