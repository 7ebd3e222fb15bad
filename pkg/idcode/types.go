package idcode

// IDCode represents a parsed IEEE 1149.1 JTAG IDCODE
type IDCode struct {
	Raw              uint32 // full IDCODE
	Version          uint8  // [31:28]
	PartNumber       uint16 // [27:12]
	ManufacturerCode uint16 // [11:1] JEP106
	HasIDCode        bool   // bit 0 == 1
}

// DPIDR represents a parsed ARM debug port identification register. The
// designer field shares the JEP106 layout of an IDCODE.
type DPIDR struct {
	Raw      uint32
	Revision uint8  // [31:28]
	PartNo   uint8  // [27:20]
	MinDP    bool   // [16] minimal debug port, no pushed transactions
	Version  uint8  // [15:12] DP architecture version
	Designer uint16 // [11:1] JEP106
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // continuation count << 7 | identity code
	Name         string // "STMicroelectronics"
	Abbreviation string // "ST"
}

// Bank returns the JEP106 bank, numbered from 1.
func (m Manufacturer) Bank() int { return int(m.Code>>7) + 1 }

// ID returns the identity code within the bank, without parity.
func (m Manufacturer) ID() uint8 { return uint8(m.Code & 0x7F) }
