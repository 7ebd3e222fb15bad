package idcode

import "fmt"

// ParseIDCode parses a raw 32-bit IDCODE into its component fields
func ParseIDCode(raw uint32) IDCode {
	return IDCode{
		Raw:              raw,
		Version:          uint8((raw >> 28) & 0xF),
		PartNumber:       uint16((raw >> 12) & 0xFFFF),
		ManufacturerCode: uint16((raw >> 1) & 0x7FF),
		HasIDCode:        (raw & 0x1) == 0x1,
	}
}

func (id IDCode) String() string {
	if !id.HasIDCode {
		return fmt.Sprintf("0x%08X (BYPASS)", id.Raw)
	}
	m, _ := LookupManufacturer(id.ManufacturerCode)
	return fmt.Sprintf("0x%08X (Mfg: %s, Part: 0x%04X, Ver: %d)",
		id.Raw, m.Name, id.PartNumber, id.Version)
}

// ParseDPIDR parses a raw DPIDR read from debug port register 0x0.
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:      raw,
		Revision: uint8(raw >> 28),
		PartNo:   uint8(raw >> 20),
		MinDP:    raw&(1<<16) != 0,
		Version:  uint8((raw >> 12) & 0xF),
		Designer: uint16((raw >> 1) & 0x7FF),
	}
}

func (d DPIDR) String() string {
	m, _ := LookupManufacturer(d.Designer)
	s := fmt.Sprintf("0x%08X (Designer: %s, Part: 0x%02X, DPv%d, Rev: %d",
		d.Raw, m.Name, d.PartNo, d.Version, d.Revision)
	if d.MinDP {
		s += ", MINDP"
	}
	return s + ")"
}

// Valid reports whether the register reads as a DPIDR at all: bit 0 is
// RAO and DP versions start at 1.
func (d DPIDR) Valid() bool {
	return d.Raw&1 == 1 && d.Version != 0
}
