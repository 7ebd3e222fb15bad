package deviceinfo

import "github.com/OpenTraceLab/orbtrace/pkg/idcode"

// DeviceInfo describes a device found behind a debug port or on a JTAG chain
type DeviceInfo struct {
	Manufacturer idcode.Manufacturer

	Name        string // "STM32F40x/41x boundary scan"
	Family      string // "STM32F4"
	Description string
	ARMCore     string // "Cortex-M4", if known

	// IRLength is the JTAG instruction register length, 0 for SWD-only parts.
	IRLength int
}

// Known reports whether the entry came from the database.
func (d DeviceInfo) Known() bool { return d.Name != "" }
