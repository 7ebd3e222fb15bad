package deviceinfo

import "github.com/OpenTraceLab/orbtrace/pkg/idcode"

type idcodeKey struct {
	ManufacturerCode uint16
	PartNumber       uint16
}

type dpKey struct {
	Designer uint16
	PartNo   uint8
}

var (
	idcodes = make(map[idcodeKey]DeviceInfo)
	dps     = make(map[dpKey]DeviceInfo)
)

func registerIDCODE(k idcodeKey, info DeviceInfo) { idcodes[k] = info }
func registerDP(k dpKey, info DeviceInfo)         { dps[k] = info }

// LookupIDCODE returns what is known about a JTAG TAP from its IDCODE. Unknown
// parts only carry the manufacturer.
func LookupIDCODE(raw uint32) DeviceInfo {
	id := idcode.ParseIDCode(raw)
	m, _ := idcode.LookupManufacturer(id.ManufacturerCode)

	info := idcodes[idcodeKey{ManufacturerCode: id.ManufacturerCode, PartNumber: id.PartNumber}]
	info.Manufacturer = m
	return info
}

// LookupDPIDR returns what is known about a debug port from its DPIDR.
func LookupDPIDR(raw uint32) DeviceInfo {
	dp := idcode.ParseDPIDR(raw)
	m, _ := idcode.LookupManufacturer(dp.Designer)

	info := dps[dpKey{Designer: dp.Designer, PartNo: dp.PartNo}]
	info.Manufacturer = m
	return info
}
