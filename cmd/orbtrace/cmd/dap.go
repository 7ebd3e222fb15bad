package cmd

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/OpenTraceLab/orbtrace/pkg/dap"
	"github.com/OpenTraceLab/orbtrace/pkg/dap/script"
	"github.com/OpenTraceLab/orbtrace/pkg/dbgif"
	"github.com/OpenTraceLab/orbtrace/pkg/idcode"
	"github.com/OpenTraceLab/orbtrace/pkg/idcode/deviceinfo"
	"github.com/spf13/cobra"
)

var (
	useProbe   bool
	dapVersion int
	keepGoing  bool
)

var dapCmd = &cobra.Command{
	Use:   "dap",
	Short: "Run CMSIS-DAP commands through the command processor",
	Long: `Feed CMSIS-DAP command packets to the command processor and print the
responses. By default the processor drives a simulated Cortex-M target; with
--probe it drives the downstream probe named in the config file over USB.`,
}

var dapExecCmd = &cobra.Command{
	Use:   "exec <hex bytes>...",
	Short: "Execute one raw command packet",
	Long: `Execute one command packet given as hex bytes and print the response.

Examples:
  orbtrace dap exec 00 04          # DAP_Info firmware version
  orbtrace dap exec 0201           # DAP_Connect SWD
  orbtrace dap exec --dap-version 1 00 FF`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDAPExec,
}

var dapRunCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Compile and run a DAP script",
	Long: `Compile a DAP script and run it one command at a time, printing every
response. DPIDR and IDCODE reads are decoded against the device database.

Examples:
  orbtrace dap run bringup.dap
  orbtrace dap run --probe --keep-going bringup.dap`,
	Args: cobra.ExactArgs(1),
	RunE: runDAPRun,
}

var dapProbesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List connected CMSIS-DAP probes",
	Args:  cobra.NoArgs,
	RunE:  runDAPProbes,
}

func init() {
	rootCmd.AddCommand(dapCmd)
	dapCmd.AddCommand(dapExecCmd, dapRunCmd, dapProbesCmd)

	for _, c := range []*cobra.Command{dapExecCmd, dapRunCmd} {
		c.Flags().BoolVar(&useProbe, "probe", false,
			"drive the USB probe from the config file instead of the simulator")
		c.Flags().IntVar(&dapVersion, "dap-version", 0,
			"packet framing, 1 or 2 (default from config)")
	}
	dapRunCmd.Flags().BoolVarP(&keepGoing, "keep-going", "k", false,
		"continue after a command fails")
}

// newProcessor builds a command processor over the selected engine. The
// returned function releases the engine.
func newProcessor() (*dap.Processor, func(), error) {
	version := dap.Version(cfg.DAP.Version)
	if dapVersion != 0 {
		version = dap.Version(dapVersion)
	}
	if version != dap.V1 && version != dap.V2 {
		return nil, nil, fmt.Errorf("invalid DAP version %d", version)
	}

	opts := []dap.Option{
		dap.WithVersion(version),
		dap.WithLogger(log),
		dap.WithWaitRetry(cfg.DAP.WaitRetry),
		dap.WithMatchRetry(cfg.DAP.MatchRetry),
		dap.WithFirmwareVersion(cfg.DAP.FirmwareVersion),
	}

	if !useProbe {
		log.WithField("prefix", "dap").Debug("using simulated target")
		return dap.New(dbgif.NewSimEngine(), opts...), func() {}, nil
	}

	t, err := cmsisdap.OpenUSB(cfg.Probe.VID, cfg.Probe.PID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open probe %04X:%04X: %w", cfg.Probe.VID, cfg.Probe.PID, err)
	}
	engine := cmsisdap.NewProbeEngine(t, t.PacketSize(),
		cmsisdap.WithEngineLogger(log),
		cmsisdap.WithProbeWaitRetry(cfg.DAP.WaitRetry))
	log.WithField("prefix", "dap").Infof("using probe %04X:%04X", cfg.Probe.VID, cfg.Probe.PID)
	return dap.New(engine, opts...), func() { t.Close() }, nil
}

func runDAPExec(cmd *cobra.Command, args []string) error {
	packet, err := parseHexBytes(args)
	if err != nil {
		return err
	}

	p, done, err := newProcessor()
	if err != nil {
		return err
	}
	defer done()

	resp, err := p.Execute(cmd.Context(), packet)
	if err != nil {
		return fmt.Errorf("%s failed: %w", cmsisdap.CommandName(packet[0]), err)
	}

	fmt.Printf("%-20s %s\n", cmsisdap.CommandName(packet[0]), hexBytes(resp))
	for _, line := range describe(packet, resp) {
		fmt.Printf("  %s\n", line)
	}
	return nil
}

func runDAPRun(cmd *cobra.Command, args []string) error {
	parser, err := script.NewParser()
	if err != nil {
		return err
	}
	s, err := parser.ParseFile(args[0])
	if err != nil {
		return err
	}
	cmds, err := script.Compile(s)
	if err != nil {
		return err
	}

	p, done, err := newProcessor()
	if err != nil {
		return err
	}
	defer done()

	ctx := cmd.Context()
	var failed int
	for _, c := range cmds {
		resp, err := p.Execute(ctx, c.Packet)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		fmt.Printf("%4d  %-20s %s\n", c.Pos.Line, c.Name, hexBytes(resp))
		for _, line := range describe(c.Packet, resp) {
			fmt.Printf("      %s\n", line)
		}

		if !succeeded(c.Packet, resp) {
			failed++
			if !keepGoing {
				return fmt.Errorf("%s: command failed", c)
			}
		}
	}

	fmt.Printf("\n%d command(s), %d failed\n", len(cmds), failed)
	if failed > 0 {
		return fmt.Errorf("%d command(s) failed", failed)
	}
	return nil
}

func runDAPProbes(cmd *cobra.Command, args []string) error {
	probes, err := cmsisdap.EnumerateProbes(cmd.Context())
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		fmt.Println("No CMSIS-DAP probes found")
		return nil
	}

	fmt.Printf("Found %d probe(s):\n", len(probes))
	for i, p := range probes {
		fmt.Printf("  [%d] %s bus %d address %d\n", i, p.Label(), p.Bus, p.Address)
	}
	return nil
}

// parseHexBytes accepts "00 04", "0004" and "0x00 0x04".
func parseHexBytes(args []string) ([]byte, error) {
	var sb strings.Builder
	for _, a := range args {
		for _, f := range strings.FieldsFunc(a, func(r rune) bool { return r == ',' || r == ':' }) {
			f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
			if len(f)%2 == 1 {
				f = "0" + f
			}
			sb.WriteString(f)
		}
	}
	b, err := hex.DecodeString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid packet: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid packet: no bytes")
	}
	return b, nil
}

func hexBytes(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

// succeeded reports whether a response carries a good status. Transfers are
// judged by their last acknowledge, everything else by DAP_OK in byte 1.
func succeeded(packet, resp []byte) bool {
	if len(resp) == 0 || resp[0] == cmsisdap.CmdInvalid {
		return false
	}
	switch packet[0] {
	case cmsisdap.CmdTransfer:
		return len(resp) >= 3 && resp[2] == 0x01
	case cmsisdap.CmdTransferBlock:
		return len(resp) >= 4 && resp[3] == 0x01
	case cmsisdap.CmdWriteABORT, cmsisdap.CmdDisconnect, cmsisdap.CmdTransferConfigure,
		cmsisdap.CmdSWJClock, cmsisdap.CmdSWJSequence, cmsisdap.CmdSWDConfigure,
		cmsisdap.CmdSWDSequence, cmsisdap.CmdJTAGSequence, cmsisdap.CmdJTAGConfigure,
		cmsisdap.CmdJTAGIDCODE, cmsisdap.CmdDelay, cmsisdap.CmdHostStatus:
		return len(resp) >= 2 && resp[1] == 0x00
	case cmsisdap.CmdConnect:
		return len(resp) >= 2 && resp[1] != 0x00
	}
	return true
}

// describe decodes the interesting parts of a response for display.
func describe(packet, resp []byte) []string {
	if len(resp) < 2 || resp[0] != packet[0] {
		return nil
	}

	switch packet[0] {
	case cmsisdap.CmdInfo:
		n := int(resp[1])
		if n == 0 || len(packet) < 2 {
			return nil
		}
		id := packet[1]
		if id == cmsisdap.InfoTestDomainTimer && len(resp) >= 6 {
			return []string{fmt.Sprintf("%d Hz", binary.LittleEndian.Uint32(resp[2:6]))}
		}
		if len(resp) < 2+n {
			return nil
		}
		data := resp[2 : 2+n]
		switch {
		case id >= cmsisdap.InfoVendorName && id <= cmsisdap.InfoFirmwareVer:
			return []string{fmt.Sprintf("%q", strings.TrimRight(string(data), "\x00"))}
		case id == cmsisdap.InfoCapabilities:
			return []string{capabilities(data)}
		case n == 1:
			return []string{fmt.Sprintf("value %d", data[0])}
		case n == 2:
			return []string{fmt.Sprintf("value %d", binary.LittleEndian.Uint16(data))}
		}

	case cmsisdap.CmdConnect:
		switch resp[1] {
		case cmsisdap.PortSWD:
			return []string{"connected: SWD"}
		case cmsisdap.PortJTAG:
			return []string{"connected: JTAG"}
		}
		return []string{"not connected"}

	case cmsisdap.CmdJTAGIDCODE:
		if resp[1] != 0x00 || len(resp) < 6 {
			return nil
		}
		return describeIDCODE(binary.LittleEndian.Uint32(resp[2:6]))

	case cmsisdap.CmdTransfer:
		// A leading DP read of address 0 is a DPIDR read.
		if len(packet) < 4 || packet[3] != 0x02 || len(resp) < 7 || resp[1] < 1 || resp[2] != 0x01 {
			return nil
		}
		return describeDPIDR(binary.LittleEndian.Uint32(resp[3:7]))
	}
	return nil
}

func describeIDCODE(raw uint32) []string {
	lines := []string{"IDCODE " + idcode.ParseIDCode(raw).String()}
	if info := deviceinfo.LookupIDCODE(raw); info.Known() {
		lines = append(lines, fmt.Sprintf("%s: %s (IR length %d)", info.Name, info.Description, info.IRLength))
	}
	return lines
}

func describeDPIDR(raw uint32) []string {
	dp := idcode.ParseDPIDR(raw)
	if !dp.Valid() {
		return nil
	}
	lines := []string{"DPIDR " + dp.String()}
	if info := deviceinfo.LookupDPIDR(raw); info.Known() {
		lines = append(lines, fmt.Sprintf("%s: %s", info.Name, info.Description))
	}
	return lines
}
