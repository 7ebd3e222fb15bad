// Package trace runs the trace capture pipeline: SWO or parallel trace input,
// TPIU frame sync and demultiplexing, and Orbflow framing of the resulting
// packets onto an output stream.
package trace

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/orbtrace/pkg/swo"
)

// Format is the value of the input format register.
type Format uint8

const (
	FormatOff       Format = 0x00
	FormatParallel1 Format = 0x01
	FormatParallel2 Format = 0x02
	FormatParallel4 Format = 0x03

	FormatSWOManchester     Format = 0x10
	FormatSWOManchesterTPIU Format = 0x11
	FormatSWONRZ            Format = 0x12
	FormatSWONRZTPIU        Format = 0x13
)

var formatNames = map[Format]string{
	FormatOff:               "off",
	FormatParallel1:         "parallel-1",
	FormatParallel2:         "parallel-2",
	FormatParallel4:         "parallel-4",
	FormatSWOManchester:     "swo-manchester",
	FormatSWOManchesterTPIU: "swo-manchester-tpiu",
	FormatSWONRZ:            "swo-nrz",
	FormatSWONRZTPIU:        "swo-nrz-tpiu",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(0x%02X)", uint8(f))
}

// MarshalYAML writes the format by name.
func (f Format) MarshalYAML() (interface{}, error) {
	return f.String(), nil
}

// Valid reports whether f is a known register value.
func (f Format) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

func (f Format) IsParallel() bool { return f >= FormatParallel1 && f <= FormatParallel4 }
func (f Format) IsSWO() bool      { return f >= FormatSWOManchester && f <= FormatSWONRZTPIU }

// IsTPIU reports whether the input carries TPIU frames. Parallel trace always
// does; SWO may carry raw ITM instead.
func (f Format) IsTPIU() bool {
	return f.IsParallel() || f == FormatSWOManchesterTPIU || f == FormatSWONRZTPIU
}

// Encoding returns the SWO line encoding. It is only meaningful if IsSWO.
func (f Format) Encoding() swo.Encoding {
	if f == FormatSWONRZ || f == FormatSWONRZTPIU {
		return swo.NRZ
	}
	return swo.Manchester
}

// ParseFormat accepts a format name or a register value such as "0x11".
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for f, name := range formatNames {
		if s == name {
			return f, nil
		}
	}

	var v uint8
	if _, err := fmt.Sscanf(s, "0x%x", &v); err == nil && Format(v).Valid() {
		return Format(v), nil
	}
	return FormatOff, fmt.Errorf("trace: unknown format %q", s)
}
