package cmsisdap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// Known probe USB identifiers.
const (
	VendorIDOrbcode   = 0x1209
	ProductIDOrbtrace = 0x3443

	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C
)

// ProbeInfo describes a connected CMSIS-DAP probe.
type ProbeInfo struct {
	VendorID     uint16
	ProductID    uint16
	Description  string
	Manufacturer string
	Product      string
	SerialNumber string
	Bus          int
	Address      int
}

// Label returns a user-friendly description for the probe.
func (i ProbeInfo) Label() string {
	name := i.Description
	if i.Product != "" {
		name = i.Product
	}
	if name == "" {
		name = "CMSIS-DAP"
	}
	if i.SerialNumber != "" {
		return fmt.Sprintf("%s [%s] (%04X:%04X)", name, i.SerialNumber, i.VendorID, i.ProductID)
	}
	return fmt.Sprintf("%s (%04X:%04X)", name, i.VendorID, i.ProductID)
}

type knownProbe struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownProbes = []knownProbe{
	{VendorID: VendorIDOrbcode, ProductID: ProductIDOrbtrace, Description: "Orbtrace"},
	{VendorID: VendorIDRaspberryPi, ProductID: ProductIDCMSISDAP, Description: "Raspberry Pi CMSIS-DAP"},
	{VendorID: 0x0d28, ProductID: 0x0204, Description: "DAPLink CMSIS-DAP"},
	{VendorID: 0x1366, ProductID: 0x0101, Description: "SEGGER J-Link CMSIS-DAP"},
}

// LookupProbe returns the description of a known VID:PID pair.
func LookupProbe(vid, pid uint16) (string, bool) {
	for _, known := range knownProbes {
		if known.VendorID == vid && known.ProductID == pid {
			return known.Description, true
		}
	}
	return "", false
}

// EnumerateProbes finds all connected probes with a known VID:PID.
func EnumerateProbes(ctx context.Context) ([]ProbeInfo, error) {
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if ctx.Err() != nil {
			return false
		}
		_, ok := LookupProbe(uint16(desc.Vendor), uint16(desc.Product))
		return ok
	})
	defer func() {
		for _, dev := range devs {
			dev.Close()
		}
	}()
	// Devices we could not open are still reported by the ones that opened.
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	probes := make([]ProbeInfo, 0, len(devs))
	for _, dev := range devs {
		desc, _ := LookupProbe(uint16(dev.Desc.Vendor), uint16(dev.Desc.Product))
		info := ProbeInfo{
			VendorID:    uint16(dev.Desc.Vendor),
			ProductID:   uint16(dev.Desc.Product),
			Description: desc,
			Bus:         dev.Desc.Bus,
			Address:     dev.Desc.Address,
		}
		info.Manufacturer, _ = dev.Manufacturer()
		info.Product, _ = dev.Product()
		info.SerialNumber, _ = dev.SerialNumber()
		probes = append(probes, info)
	}

	return probes, ctx.Err()
}
