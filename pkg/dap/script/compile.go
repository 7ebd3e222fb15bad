package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/OpenTraceLab/orbtrace/pkg/cmsisdap"
	"github.com/alecthomas/participle/v2/lexer"
)

var (
	ErrUnknownCommand = errors.New("script: unknown command")
	ErrArgument       = errors.New("script: bad argument")
)

// Command is one compiled statement.
type Command struct {
	Pos    lexer.Position
	Name   string
	Packet []byte
}

func (c Command) String() string {
	return fmt.Sprintf("%s: %s % X", c.Pos, c.Name, c.Packet)
}

type builder func(a *args) ([]byte, error)

var proto = cmsisdap.NewProtocol(cmsisdap.V2PacketSize)

var builders = map[string]builder{
	"info":               buildInfo,
	"host_status":        buildHostStatus,
	"connect":            buildConnect,
	"disconnect":         fixed(cmsisdap.CmdDisconnect),
	"transfer_configure": buildTransferConfigure,
	"transfer":           buildTransfer,
	"transfer_block":     buildTransferBlock,
	"transfer_abort":     fixed(cmsisdap.CmdTransferAbort),
	"write_abort":        buildWriteABORT,
	"delay":              buildDelay,
	"reset_target":       fixed(cmsisdap.CmdResetTarget),
	"swj_pins":           buildSWJPins,
	"swj_clock":          buildSWJClock,
	"swj_sequence":       buildSWJSequence,
	"swd_configure":      buildSWDConfigure,
	"swd_sequence":       func(a *args) ([]byte, error) { return buildSequence(a, true) },
	"jtag_sequence":      func(a *args) ([]byte, error) { return buildSequence(a, false) },
	"jtag_configure":     buildJTAGConfigure,
	"jtag_idcode":        buildJTAGIDCODE,
	"raw":                buildRaw,
}

// Commands returns the statement names Compile accepts.
func Commands() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	return names
}

// Compile turns every statement of s into a command packet.
func Compile(s *Script) ([]Command, error) {
	cmds := make([]Command, 0, len(s.Stmts))
	for _, st := range s.Stmts {
		name := strings.ToLower(st.Name)
		build, ok := builders[name]
		if !ok {
			return nil, fmt.Errorf("%s: %w %q", st.Pos, ErrUnknownCommand, st.Name)
		}
		packet, err := build(newArgs(st))
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", st.Pos, name, err)
		}
		cmds = append(cmds, Command{Pos: st.Pos, Name: name, Packet: packet})
	}
	return cmds, nil
}

// args walks the arguments of one statement.
type args struct {
	list []*Arg
	i    int
}

func newArgs(st *Stmt) *args { return &args{list: st.Args} }

func (a *args) more() bool { return a.i < len(a.list) }

func (a *args) next() (*Arg, error) {
	if !a.more() {
		return nil, fmt.Errorf("%w: missing argument %d", ErrArgument, a.i+1)
	}
	arg := a.list[a.i]
	a.i++
	return arg, nil
}

// num reads an unsigned number of at most bits bits.
func (a *args) num(bits int) (uint64, error) {
	arg, err := a.next()
	if err != nil {
		return 0, err
	}
	if arg.Number == nil {
		return 0, fmt.Errorf("%w: argument %d is not a number", ErrArgument, a.i)
	}
	return parseNumber(*arg.Number, bits)
}

func parseNumber(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%w: %q does not fit in %d bits", ErrArgument, s, bits)
	}
	return v, nil
}

// enum reads a keyword from names or a plain number.
func (a *args) enum(names map[string]uint64, bits int) (uint64, error) {
	arg, err := a.next()
	if err != nil {
		return 0, err
	}
	if arg.Number != nil {
		return parseNumber(*arg.Number, bits)
	}
	if arg.Word != nil {
		if v, ok := names[strings.ToLower(*arg.Word)]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("%w: unknown keyword %q", ErrArgument, *arg.Word)
	}
	return 0, fmt.Errorf("%w: argument %d must be a keyword or number", ErrArgument, a.i)
}

// flag consumes the keyword w if it is next.
func (a *args) flag(w string) bool {
	if a.more() && a.list[a.i].Word != nil && strings.EqualFold(*a.list[a.i].Word, w) {
		a.i++
		return true
	}
	return false
}

func (a *args) block() (*Block, error) {
	arg, err := a.next()
	if err != nil {
		return nil, err
	}
	if arg.Block == nil {
		return nil, fmt.Errorf("%w: argument %d must be a { } block", ErrArgument, a.i)
	}
	return arg.Block, nil
}

// rest reads the remaining arguments as numbers.
func (a *args) rest(bits int) ([]uint64, error) {
	var out []uint64
	for a.more() {
		v, err := a.num(bits)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (a *args) bytes() ([]byte, error) {
	vs, err := a.rest(8)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(vs))
	for i, v := range vs {
		out[i] = byte(v)
	}
	return out, nil
}

// done fails if arguments are left over.
func (a *args) done() error {
	if a.more() {
		return fmt.Errorf("%w: %d unexpected arguments", ErrArgument, len(a.list)-a.i)
	}
	return nil
}

// reg reads a register reference such as "dp 0x4".
func (a *args) reg() (ap bool, addr byte, err error) {
	port, err := a.enum(map[string]uint64{"dp": 0, "ap": 1}, 1)
	if err != nil {
		return false, 0, err
	}
	v, err := a.num(8)
	if err != nil {
		return false, 0, err
	}
	if v&^0x0C != 0 {
		return false, 0, fmt.Errorf("%w: register address 0x%X must be 0x0, 0x4, 0x8 or 0xC", ErrArgument, v)
	}
	return port == 1, byte(v), nil
}

func fixed(id byte) builder {
	return func(a *args) ([]byte, error) {
		return []byte{id}, a.done()
	}
}

var infoIDs = map[string]uint64{
	"vendor":        cmsisdap.InfoVendorName,
	"product":       cmsisdap.InfoProductName,
	"serial":        cmsisdap.InfoSerialNum,
	"protocol":      cmsisdap.InfoProtocolVer,
	"target_vendor": cmsisdap.InfoTargetVendor,
	"target_name":   cmsisdap.InfoTargetName,
	"board_vendor":  cmsisdap.InfoBoardVendor,
	"board_name":    cmsisdap.InfoBoardName,
	"firmware":      cmsisdap.InfoFirmwareVer,
	"capabilities":  cmsisdap.InfoCapabilities,
	"timer":         cmsisdap.InfoTestDomainTimer,
	"packet_count":  cmsisdap.InfoPacketCount,
	"packet_size":   cmsisdap.InfoPacketSize,
}

func buildInfo(a *args) ([]byte, error) {
	id, err := a.enum(infoIDs, 8)
	if err != nil {
		return nil, err
	}
	return proto.EncodeInfo(byte(id)), a.done()
}

func buildHostStatus(a *args) ([]byte, error) {
	typ, err := a.enum(map[string]uint64{"connect": 0, "running": 1}, 8)
	if err != nil {
		return nil, err
	}
	on, err := a.enum(map[string]uint64{"off": 0, "on": 1}, 1)
	if err != nil {
		return nil, err
	}
	return proto.EncodeHostStatus(byte(typ), on == 1), a.done()
}

func buildConnect(a *args) ([]byte, error) {
	port := uint64(cmsisdap.PortDefault)
	if a.more() {
		var err error
		port, err = a.enum(map[string]uint64{
			"default": cmsisdap.PortDefault,
			"swd":     cmsisdap.PortSWD,
			"jtag":    cmsisdap.PortJTAG,
		}, 8)
		if err != nil {
			return nil, err
		}
	}
	return proto.EncodeConnect(byte(port)), a.done()
}

func buildTransferConfigure(a *args) ([]byte, error) {
	idle, err := a.num(8)
	if err != nil {
		return nil, err
	}
	wait, err := a.num(16)
	if err != nil {
		return nil, err
	}
	match, err := a.num(16)
	if err != nil {
		return nil, err
	}
	return proto.EncodeTransferConfigure(byte(idle), uint16(wait), uint16(match)), a.done()
}

// buildTransfer compiles
//
//	transfer <index> { read|write|match <dp|ap> <addr> [value]; mask <value> }
func buildTransfer(a *args) ([]byte, error) {
	dev, err := a.num(8)
	if err != nil {
		return nil, err
	}
	blk, err := a.block()
	if err != nil {
		return nil, err
	}
	if err := a.done(); err != nil {
		return nil, err
	}

	reqs := make([]cmsisdap.TransferRequest, 0, len(blk.Stmts))
	for _, st := range blk.Stmts {
		req, err := transferEntry(st)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.Pos, err)
		}
		reqs = append(reqs, req)
	}
	if len(reqs) > 255 {
		return nil, fmt.Errorf("%w: %d transfers, at most 255", ErrArgument, len(reqs))
	}
	return proto.EncodeTransfer(byte(dev), reqs), nil
}

func transferEntry(st *Stmt) (cmsisdap.TransferRequest, error) {
	a := newArgs(st)
	var req cmsisdap.TransferRequest

	switch strings.ToLower(st.Name) {
	case "mask":
		v, err := a.num(32)
		if err != nil {
			return req, err
		}
		req = cmsisdap.MatchMask(uint32(v))
	case "read", "write", "match":
		ap, addr, err := a.reg()
		if err != nil {
			return req, err
		}
		if strings.EqualFold(st.Name, "read") {
			req = cmsisdap.Read(ap, addr)
			break
		}
		v, err := a.num(32)
		if err != nil {
			return req, err
		}
		if strings.EqualFold(st.Name, "write") {
			req = cmsisdap.Write(ap, addr, uint32(v))
		} else {
			req = cmsisdap.MatchValue(ap, addr, uint32(v))
		}
	default:
		return req, fmt.Errorf("%w: unknown transfer %q", ErrArgument, st.Name)
	}
	return req, a.done()
}

// buildTransferBlock compiles
//
//	transfer_block <index> read <dp|ap> <addr> <count>
//	transfer_block <index> write <dp|ap> <addr> <value>...
func buildTransferBlock(a *args) ([]byte, error) {
	dev, err := a.num(8)
	if err != nil {
		return nil, err
	}
	dir, err := a.enum(map[string]uint64{"write": 0, "read": 1}, 1)
	if err != nil {
		return nil, err
	}
	ap, addr, err := a.reg()
	if err != nil {
		return nil, err
	}

	if dir == 1 {
		count, err := a.num(16)
		if err != nil {
			return nil, err
		}
		req := cmsisdap.Read(ap, addr).Request
		return proto.EncodeTransferBlock(byte(dev), req, uint16(count), nil), a.done()
	}

	vs, err := a.rest(32)
	if err != nil {
		return nil, err
	}
	if len(vs) == 0 || len(vs) > 0xFFFF {
		return nil, fmt.Errorf("%w: block write needs 1-65535 values", ErrArgument)
	}
	data := make([]uint32, len(vs))
	for i, v := range vs {
		data[i] = uint32(v)
	}
	req := cmsisdap.Write(ap, addr, 0).Request
	return proto.EncodeTransferBlock(byte(dev), req, uint16(len(data)), data), nil
}

func buildWriteABORT(a *args) ([]byte, error) {
	dev, err := a.num(8)
	if err != nil {
		return nil, err
	}
	v, err := a.num(32)
	if err != nil {
		return nil, err
	}
	return proto.EncodeWriteABORT(byte(dev), uint32(v)), a.done()
}

func buildDelay(a *args) ([]byte, error) {
	us, err := a.num(16)
	if err != nil {
		return nil, err
	}
	return proto.EncodeDelay(uint16(us)), a.done()
}

func buildSWJPins(a *args) ([]byte, error) {
	out, err := a.num(8)
	if err != nil {
		return nil, err
	}
	sel, err := a.num(8)
	if err != nil {
		return nil, err
	}
	wait, err := a.num(32)
	if err != nil {
		return nil, err
	}
	return proto.EncodeSWJPins(byte(out), byte(sel), uint32(wait)), a.done()
}

func buildSWJClock(a *args) ([]byte, error) {
	hz, err := a.num(32)
	if err != nil {
		return nil, err
	}
	return proto.EncodeSetClock(uint32(hz)), a.done()
}

func buildSWJSequence(a *args) ([]byte, error) {
	bits, err := a.num(16)
	if err != nil {
		return nil, err
	}
	if bits < 1 || bits > 256 {
		return nil, fmt.Errorf("%w: %d bits, want 1-256", ErrArgument, bits)
	}
	data, err := a.bytes()
	if err != nil {
		return nil, err
	}
	n := int(bits+7) / 8
	if len(data) > n {
		return nil, fmt.Errorf("%w: %d data bytes for %d bits", ErrArgument, len(data), bits)
	}
	padded := make([]byte, n)
	copy(padded, data)
	return proto.EncodeSWJSequence(int(bits), padded), nil
}

func buildSWDConfigure(a *args) ([]byte, error) {
	cfg, err := a.num(8)
	if err != nil {
		return nil, err
	}
	return proto.EncodeSWDConfigure(byte(cfg)), a.done()
}

// buildSequence compiles
//
//	jtag_sequence { out|in <clocks> [tms] [data...] }
//	swd_sequence { out <clocks> [data...]; in <clocks> }
func buildSequence(a *args, swd bool) ([]byte, error) {
	blk, err := a.block()
	if err != nil {
		return nil, err
	}
	if err := a.done(); err != nil {
		return nil, err
	}
	if len(blk.Stmts) == 0 || len(blk.Stmts) > 255 {
		return nil, fmt.Errorf("%w: need 1-255 sequences", ErrArgument)
	}

	seqs := make([]cmsisdap.Sequence, 0, len(blk.Stmts))
	for _, st := range blk.Stmts {
		seq, err := sequenceEntry(st, swd)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", st.Pos, err)
		}
		seqs = append(seqs, seq)
	}
	if swd {
		return proto.EncodeSWDSequence(seqs), nil
	}
	return proto.EncodeJTAGSequence(seqs), nil
}

func sequenceEntry(st *Stmt, swd bool) (cmsisdap.Sequence, error) {
	a := newArgs(st)

	var capture bool
	switch strings.ToLower(st.Name) {
	case "out":
	case "in":
		capture = true
	default:
		return cmsisdap.Sequence{}, fmt.Errorf("%w: unknown sequence %q", ErrArgument, st.Name)
	}

	clocks, err := a.num(8)
	if err != nil {
		return cmsisdap.Sequence{}, err
	}
	if clocks < 1 || clocks > 64 {
		return cmsisdap.Sequence{}, fmt.Errorf("%w: %d clocks, want 1-64", ErrArgument, clocks)
	}
	tms := !swd && a.flag("tms")
	data, err := a.bytes()
	if err != nil {
		return cmsisdap.Sequence{}, err
	}
	if len(data) > int(clocks+7)/8 {
		return cmsisdap.Sequence{}, fmt.Errorf("%w: %d data bytes for %d clocks", ErrArgument, len(data), clocks)
	}
	if swd && capture && len(data) > 0 {
		return cmsisdap.Sequence{}, fmt.Errorf("%w: SWD input sequence takes no data", ErrArgument)
	}
	return cmsisdap.NewSequence(int(clocks), tms, capture, data), nil
}

func buildJTAGConfigure(a *args) ([]byte, error) {
	irLengths, err := a.bytes()
	if err != nil {
		return nil, err
	}
	return proto.EncodeJTAGConfigure(irLengths), nil
}

func buildJTAGIDCODE(a *args) ([]byte, error) {
	index, err := a.num(8)
	if err != nil {
		return nil, err
	}
	return proto.EncodeJTAGIDCODE(byte(index)), a.done()
}

// buildRaw sends its arguments as the packet, for commands without syntax of
// their own.
func buildRaw(a *args) ([]byte, error) {
	data, err := a.bytes()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: raw packet is empty", ErrArgument)
	}
	return data, nil
}
