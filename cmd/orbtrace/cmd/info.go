package cmd

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/idcode"
	"github.com/OpenTraceLab/orbtrace/pkg/idcode/deviceinfo"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var (
	decodeValues []string
	dumpConfig   bool
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show processor, configuration and ID register information",
	Long: `Query the command processor through DAP_Info and print what it reports.

Examples:
  orbtrace info                          # Processor capabilities (simulator)
  orbtrace info --probe                  # Same, through the USB probe
  orbtrace info --config-dump            # Effective configuration as YAML
  orbtrace info --decode 0x2BA01477      # Decode an IDCODE or DPIDR value`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().StringSliceVarP(&decodeValues, "decode", "d", nil,
		"decode IDCODE/DPIDR values instead of querying the processor")
	infoCmd.Flags().BoolVar(&dumpConfig, "config-dump", false, "print the effective configuration")
	infoCmd.Flags().BoolVar(&useProbe, "probe", false,
		"drive the USB probe from the config file instead of the simulator")
}

func runInfo(cmd *cobra.Command, args []string) error {
	if dumpConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	}
	if len(decodeValues) > 0 {
		return decodeIDs(decodeValues)
	}

	p, done, err := newProcessor()
	if err != nil {
		return err
	}
	defer done()

	proto := cmsisdap.NewProtocol(p.Version().PacketSize())
	query := func(id byte) ([]byte, error) {
		resp, err := p.Execute(cmd.Context(), proto.EncodeInfo(id))
		if err != nil {
			return nil, fmt.Errorf("DAP_Info 0x%02X: %w", id, err)
		}
		return resp, nil
	}

	fmt.Println("Command Processor:")
	strs := []struct {
		label string
		id    byte
	}{
		{"Vendor", cmsisdap.InfoVendorName},
		{"Product", cmsisdap.InfoProductName},
		{"Serial", cmsisdap.InfoSerialNum},
		{"Protocol", cmsisdap.InfoProtocolVer},
		{"Firmware", cmsisdap.InfoFirmwareVer},
	}
	for _, s := range strs {
		resp, err := query(s.id)
		if err != nil {
			return err
		}
		v, err := proto.DecodeInfoString(resp)
		if err != nil {
			return err
		}
		if v == "" {
			v = "-"
		}
		fmt.Printf("  %-13s %s\n", s.label+":", v)
	}

	resp, err := query(cmsisdap.InfoCapabilities)
	if err != nil {
		return err
	}
	caps, err := proto.DecodeInfo(resp)
	if err != nil {
		return err
	}
	fmt.Printf("  %-13s %s\n", "Capabilities:", capabilities(caps))

	// The timer reply claims eight bytes but carries the four byte frequency.
	resp, err = query(cmsisdap.InfoTestDomainTimer)
	if err != nil {
		return err
	}
	if len(resp) >= 6 && resp[0] == cmsisdap.CmdInfo {
		fmt.Printf("  %-13s %d Hz\n", "Timer:", binary.LittleEndian.Uint32(resp[2:6]))
	}

	resp, err = query(cmsisdap.InfoPacketCount)
	if err != nil {
		return err
	}
	count, err := proto.DecodeInfo(resp)
	if err != nil || len(count) < 1 {
		return fmt.Errorf("packet count: bad response %s", hexBytes(resp))
	}
	resp, err = query(cmsisdap.InfoPacketSize)
	if err != nil {
		return err
	}
	size, err := proto.DecodeInfo(resp)
	if err != nil || len(size) < 2 {
		return fmt.Errorf("packet size: bad response %s", hexBytes(resp))
	}
	fmt.Printf("  %-13s %d x %d bytes (DAP v%d)\n", "Packets:", count[0], binary.LittleEndian.Uint16(size), p.Version())

	fmt.Println("\nTrace:")
	fmt.Printf("  %-13s %s\n", "Format:", cfg.Trace.Format)
	fmt.Printf("  %-13s %d bit/s\n", "Baudrate:", cfg.Trace.Baudrate)
	fmt.Printf("  %-13s %s\n", "Channels:", cfg.TraceChannels())
	return nil
}

func capabilities(caps []byte) string {
	if len(caps) == 0 {
		return "none"
	}
	var names []string
	if caps[0]&cmsisdap.CapSWD != 0 {
		names = append(names, "SWD")
	}
	if caps[0]&cmsisdap.CapJTAG != 0 {
		names = append(names, "JTAG")
	}
	if len(names) == 0 {
		return fmt.Sprintf("0x%02X", caps[0])
	}
	return strings.Join(names, ", ")
}

func decodeIDs(values []string) error {
	for _, v := range values {
		raw, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			return fmt.Errorf("invalid ID register value %q: %w", v, err)
		}
		r := uint32(raw)

		fmt.Printf("0x%08X\n", r)
		id := idcode.ParseIDCode(r)
		m, ok := idcode.LookupManufacturer(id.ManufacturerCode)
		if ok {
			fmt.Printf("  %-13s %s (bank %d, id 0x%02X)\n", "Manufacturer:", m.Name, m.Bank(), m.ID())
		} else {
			fmt.Printf("  %-13s unknown (0x%03X)\n", "Manufacturer:", id.ManufacturerCode)
		}
		for _, line := range describeIDCODE(r) {
			fmt.Printf("  %s\n", line)
		}
		for _, line := range describeDPIDR(r) {
			fmt.Printf("  %s\n", line)
		}
		if info := deviceinfo.LookupDPIDR(r); info.ARMCore != "" {
			fmt.Printf("  %-13s %s\n", "Core:", info.ARMCore)
		}
	}
	return nil
}
