package deviceinfo

// STMicroelectronics boundary scan TAPs. The part number is 0x6000 plus the
// DBGMCU device ID.
func init() {
	const stm = 0x020 // STMicroelectronics JEP106 code

	for _, d := range []struct {
		part   uint16
		name   string
		family string
		core   string
	}{
		{0x6410, "STM32F10x (Medium-density)", "STM32F1", "Cortex-M3"},
		{0x6412, "STM32F10x (Low-density)", "STM32F1", "Cortex-M3"},
		{0x6414, "STM32F10x (High-density)", "STM32F1", "Cortex-M3"},
		{0x6413, "STM32F40x/41x", "STM32F4", "Cortex-M4"},
		{0x6419, "STM32F42x/43x", "STM32F4", "Cortex-M4"},
		{0x6422, "STM32F30x/31x", "STM32F3", "Cortex-M4"},
		{0x6449, "STM32F74x/75x", "STM32F7", "Cortex-M7"},
		{0x6450, "STM32H74x/75x", "STM32H7", "Cortex-M7"},
	} {
		registerIDCODE(idcodeKey{ManufacturerCode: stm, PartNumber: d.part}, DeviceInfo{
			Name:        d.name,
			Family:      d.family,
			Description: "boundary scan TAP",
			ARMCore:     d.core,
			IRLength:    5,
		})
	}
}
