package deviceinfo

// ARM debug ports.
func init() {
	const arm = 0x23B // ARM Ltd JEP106 code

	registerIDCODE(idcodeKey{ManufacturerCode: arm, PartNumber: 0xBA00}, DeviceInfo{
		Name:        "JTAG-DP",
		Family:      "CoreSight",
		Description: "Cortex-M3/M4 JTAG debug port",
		IRLength:    4,
	})
	registerIDCODE(idcodeKey{ManufacturerCode: arm, PartNumber: 0xBA01}, DeviceInfo{
		Name:        "JTAG-DP",
		Family:      "CoreSight",
		Description: "Cortex-M0 JTAG debug port",
		IRLength:    4,
	})

	registerDP(dpKey{Designer: arm, PartNo: 0xBA}, DeviceInfo{
		Name:        "SW-DP",
		Family:      "CoreSight",
		Description: "Cortex-M3/M4/M7 serial wire debug port",
	})
	registerDP(dpKey{Designer: arm, PartNo: 0xBB}, DeviceInfo{
		Name:        "SW-DP",
		Family:      "CoreSight",
		Description: "Cortex-M0 serial wire debug port",
		ARMCore:     "Cortex-M0",
	})
	registerDP(dpKey{Designer: arm, PartNo: 0xBC}, DeviceInfo{
		Name:        "SW-DP",
		Family:      "CoreSight",
		Description: "Cortex-M0+ serial wire debug port",
		ARMCore:     "Cortex-M0+",
	})
}
