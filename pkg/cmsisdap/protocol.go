package cmsisdap

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdHostStatus        = 0x01
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdTransferAbort     = 0x07
	CmdWriteABORT        = 0x08
	CmdDelay             = 0x09
	CmdResetTarget       = 0x0A
	CmdSWJPins           = 0x10
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
	CmdJTAGSequence      = 0x14
	CmdJTAGConfigure     = 0x15
	CmdJTAGIDCODE        = 0x16
	CmdSWOTransport      = 0x17
	CmdSWOMode           = 0x18
	CmdSWOBaudrate       = 0x19
	CmdSWOControl        = 0x1A
	CmdSWOStatus         = 0x1B
	CmdSWOData           = 0x1C
	CmdSWDSequence       = 0x1D
	CmdSWOExtendedStatus = 0x1E
	CmdQueueCommands     = 0x7E
	CmdExecuteCommands   = 0x7F
	CmdInvalid           = 0xFF
)

var commandNames = map[byte]string{
	CmdInfo:              "Info",
	CmdHostStatus:        "HostStatus",
	CmdConnect:           "Connect",
	CmdDisconnect:        "Disconnect",
	CmdTransferConfigure: "TransferConfigure",
	CmdTransfer:          "Transfer",
	CmdTransferBlock:     "TransferBlock",
	CmdTransferAbort:     "TransferAbort",
	CmdWriteABORT:        "WriteABORT",
	CmdDelay:             "Delay",
	CmdResetTarget:       "ResetTarget",
	CmdSWJPins:           "SWJ_Pins",
	CmdSWJClock:          "SWJ_Clock",
	CmdSWJSequence:       "SWJ_Sequence",
	CmdSWDConfigure:      "SWD_Configure",
	CmdJTAGSequence:      "JTAG_Sequence",
	CmdJTAGConfigure:     "JTAG_Configure",
	CmdJTAGIDCODE:        "JTAG_IDCODE",
	CmdSWOTransport:      "SWO_Transport",
	CmdSWOMode:           "SWO_Mode",
	CmdSWOBaudrate:       "SWO_Baudrate",
	CmdSWOControl:        "SWO_Control",
	CmdSWOStatus:         "SWO_Status",
	CmdSWOData:           "SWO_Data",
	CmdSWDSequence:       "SWD_Sequence",
	CmdSWOExtendedStatus: "SWO_ExtendedStatus",
	CmdQueueCommands:     "QueueCommands",
	CmdExecuteCommands:   "ExecuteCommands",
}

// CommandName returns the DAP_ name of a command ID.
func CommandName(id byte) string {
	if name, ok := commandNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", id)
}

// DAP_Info Info IDs
const (
	InfoVendorName      = 0x01
	InfoProductName     = 0x02
	InfoSerialNum       = 0x03
	InfoProtocolVer     = 0x04
	InfoTargetVendor    = 0x05
	InfoTargetName      = 0x06
	InfoBoardVendor     = 0x07
	InfoBoardName       = 0x08
	InfoFirmwareVer     = 0x09
	InfoCapabilities    = 0xF0
	InfoTestDomainTimer = 0xF1
	InfoPacketCount     = 0xFE
	InfoPacketSize      = 0xFF
)

// Capabilities bits reported by InfoCapabilities
const (
	CapSWD  = 1 << 0
	CapJTAG = 1 << 1
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer request bits
const (
	TransferAPnDP      = 1 << 0
	TransferRnW        = 1 << 1
	TransferA2         = 1 << 2
	TransferA3         = 1 << 3
	TransferMatchValue = 1 << 4
	TransferMatchMask  = 1 << 5
)

// Transfer response bits
const (
	TransferOK       = 0x01
	TransferWait     = 0x02
	TransferFault    = 0x04
	TransferError    = 0x08
	TransferMismatch = 0x10
)

// Sequence info flags, shared by JTAG_Sequence and SWD_Sequence
const (
	SeqClockMask = 0x3F // Bits [5:0] = clock count (0 means 64)
	SeqTMS       = 0x40 // Bit [6] = TMS value (JTAG)
	SeqCapture   = 0x80 // Bit [7] = capture TDO (JTAG) / input (SWD)
)

// Packet sizes
const (
	V1PacketSize = 64
	V2PacketSize = 508
)

// Protocol handles host-side encoding/decoding of CMSIS-DAP commands
type Protocol struct {
	PacketSize int
}

// NewProtocol creates a new protocol handler
func NewProtocol(packetSize int) *Protocol {
	return &Protocol{PacketSize: packetSize}
}

func checkResponse(resp []byte, id byte, min int) error {
	if len(resp) < min {
		return fmt.Errorf("%s: response too short (%d bytes)", CommandName(id), len(resp))
	}
	if resp[0] != id {
		return fmt.Errorf("%s: invalid command ID 0x%02X", CommandName(id), resp[0])
	}
	return nil
}

func checkStatus(resp []byte, id byte) error {
	if err := checkResponse(resp, id, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("%s failed (status 0x%02X)", CommandName(id), resp[1])
	}
	return nil
}

// EncodeInfo builds a DAP_Info command
func (p *Protocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response into its raw payload. String payloads
// keep their trailing NUL; use DecodeInfoString for text.
func (p *Protocol) DecodeInfo(resp []byte) ([]byte, error) {
	if err := checkResponse(resp, CmdInfo, 2); err != nil {
		return nil, err
	}
	length := int(resp[1])
	if len(resp) < 2+length {
		return nil, fmt.Errorf("Info: incomplete payload (%d of %d bytes)", len(resp)-2, length)
	}
	return resp[2 : 2+length], nil
}

// DecodeInfoString parses a DAP_Info string response
func (p *Protocol) DecodeInfoString(resp []byte) (string, error) {
	raw, err := p.DecodeInfo(resp)
	if err != nil {
		return "", err
	}
	for len(raw) > 0 && raw[len(raw)-1] == 0 {
		raw = raw[:len(raw)-1]
	}
	return string(raw), nil
}

// EncodeHostStatus builds a DAP_HostStatus command
func (p *Protocol) EncodeHostStatus(typ byte, on bool) []byte {
	cmd := []byte{CmdHostStatus, typ, 0}
	if on {
		cmd[2] = 1
	}
	return cmd
}

// EncodeConnect builds a DAP_Connect command
func (p *Protocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *Protocol) DecodeConnect(resp []byte) (byte, error) {
	if err := checkResponse(resp, CmdConnect, 2); err != nil {
		return 0, err
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("Connect: connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *Protocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeStatus parses the common [id, status] response used by most commands
func (p *Protocol) DecodeStatus(resp []byte, id byte) error {
	return checkStatus(resp, id)
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command
func (p *Protocol) EncodeTransferConfigure(idle byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idle
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// TransferRequest is one entry of a DAP_Transfer command
type TransferRequest struct {
	Request byte
	Data    uint32
}

// HasData reports whether the request carries a data word on the wire.
func (r TransferRequest) HasData() bool {
	return r.Request&TransferRnW == 0 || r.Request&(TransferMatchValue|TransferMatchMask) != 0
}

// Read builds a read request for register addr (byte offset 0x0..0xC).
func Read(ap bool, addr byte) TransferRequest {
	return TransferRequest{Request: regBits(ap, addr) | TransferRnW}
}

// Write builds a write request for register addr.
func Write(ap bool, addr byte, v uint32) TransferRequest {
	return TransferRequest{Request: regBits(ap, addr), Data: v}
}

// MatchMask builds a request that loads the match mask.
func MatchMask(mask uint32) TransferRequest {
	return TransferRequest{Request: TransferMatchMask, Data: mask}
}

// MatchValue builds a read that retries until the masked value matches.
func MatchValue(ap bool, addr byte, v uint32) TransferRequest {
	return TransferRequest{Request: regBits(ap, addr) | TransferRnW | TransferMatchValue, Data: v}
}

func regBits(ap bool, addr byte) byte {
	b := addr & 0x0C
	if ap {
		b |= TransferAPnDP
	}
	return b
}

// EncodeTransfer builds a DAP_Transfer command
func (p *Protocol) EncodeTransfer(dev byte, reqs []TransferRequest) []byte {
	cmd := []byte{CmdTransfer, dev, byte(len(reqs))}
	for _, r := range reqs {
		cmd = append(cmd, r.Request)
		if r.HasData() {
			cmd = binary.LittleEndian.AppendUint32(cmd, r.Data)
		}
	}
	return cmd
}

// TransferResult is a decoded DAP_Transfer or DAP_TransferBlock response
type TransferResult struct {
	Count  int
	Status byte
	Data   []uint32
}

// OK reports whether every requested entry completed.
func (r TransferResult) OK() bool {
	return r.Status == TransferOK
}

// DecodeTransfer parses a DAP_Transfer response. Every complete word after
// the status byte is returned, so a failed transfer yields fewer words.
func (p *Protocol) DecodeTransfer(resp []byte) (TransferResult, error) {
	if err := checkResponse(resp, CmdTransfer, 3); err != nil {
		return TransferResult{}, err
	}
	return decodeWords(TransferResult{Count: int(resp[1]), Status: resp[2]}, resp[3:]), nil
}

// EncodeTransferBlock builds a DAP_TransferBlock command
func (p *Protocol) EncodeTransferBlock(dev byte, req byte, count uint16, data []uint32) []byte {
	cmd := []byte{CmdTransferBlock, dev, 0, 0, req}
	binary.LittleEndian.PutUint16(cmd[2:], count)
	if req&TransferRnW == 0 {
		for _, v := range data {
			cmd = binary.LittleEndian.AppendUint32(cmd, v)
		}
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response
func (p *Protocol) DecodeTransferBlock(resp []byte) (TransferResult, error) {
	if err := checkResponse(resp, CmdTransferBlock, 4); err != nil {
		return TransferResult{}, err
	}
	res := TransferResult{
		Count:  int(binary.LittleEndian.Uint16(resp[1:])),
		Status: resp[3],
	}
	return decodeWords(res, resp[4:]), nil
}

func decodeWords(res TransferResult, payload []byte) TransferResult {
	for len(payload) >= 4 {
		res.Data = append(res.Data, binary.LittleEndian.Uint32(payload))
		payload = payload[4:]
	}
	return res
}

// EncodeWriteABORT builds a DAP_WriteABORT command
func (p *Protocol) EncodeWriteABORT(dev byte, v uint32) []byte {
	cmd := []byte{CmdWriteABORT, dev, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(cmd[2:], v)
	return cmd
}

// EncodeDelay builds a DAP_Delay command
func (p *Protocol) EncodeDelay(us uint16) []byte {
	return binary.LittleEndian.AppendUint16([]byte{CmdDelay}, us)
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *Protocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// EncodeSWJPins builds a DAP_SWJ_Pins command
func (p *Protocol) EncodeSWJPins(output, sel byte, waitUS uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{CmdSWJPins, output, sel}, waitUS)
}

// DecodeSWJPins parses a DAP_SWJ_Pins response into the pin input byte
func (p *Protocol) DecodeSWJPins(resp []byte) (byte, error) {
	if err := checkResponse(resp, CmdSWJPins, 2); err != nil {
		return 0, err
	}
	return resp[1], nil
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *Protocol) EncodeSetClock(hz uint32) []byte {
	return binary.LittleEndian.AppendUint32([]byte{CmdSWJClock}, hz)
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command. bits must be 1..256.
func (p *Protocol) EncodeSWJSequence(bits int, data []byte) []byte {
	cmd := []byte{CmdSWJSequence, byte(bits)}
	return append(cmd, data[:(bits+7)/8]...)
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command
func (p *Protocol) EncodeSWDConfigure(cfg byte) []byte {
	return []byte{CmdSWDConfigure, cfg}
}

// EncodeJTAGConfigure builds a DAP_JTAG_Configure command
func (p *Protocol) EncodeJTAGConfigure(irLengths []byte) []byte {
	cmd := make([]byte, 2+len(irLengths))
	cmd[0] = CmdJTAGConfigure
	cmd[1] = byte(len(irLengths))
	copy(cmd[2:], irLengths)
	return cmd
}

// EncodeJTAGIDCODE builds a DAP_JTAG_IDCODE command
func (p *Protocol) EncodeJTAGIDCODE(deviceIndex byte) []byte {
	return []byte{CmdJTAGIDCODE, deviceIndex}
}

// DecodeJTAGIDCODE parses response and extracts IDCODE
func (p *Protocol) DecodeJTAGIDCODE(resp []byte) (uint32, error) {
	if err := checkResponse(resp, CmdJTAGIDCODE, 6); err != nil {
		return 0, err
	}
	if resp[1] != StatusOK {
		return 0, fmt.Errorf("JTAG_IDCODE: read failed")
	}
	return binary.LittleEndian.Uint32(resp[2:6]), nil
}

// Sequence represents one JTAG_Sequence or SWD_Sequence entry
type Sequence struct {
	Info byte   // Sequence info byte (clock count, TMS, capture)
	Data []byte // Output data, one bit per clock LSB first
}

// NewSequence creates a sequence descriptor
func NewSequence(clocks int, tms bool, capture bool, data []byte) Sequence {
	info := byte(clocks & SeqClockMask)
	if tms {
		info |= SeqTMS
	}
	if capture {
		info |= SeqCapture
	}
	return Sequence{Info: info, Data: data}
}

// Clocks returns the number of clock cycles in this sequence
func (seq Sequence) Clocks() int {
	count := int(seq.Info & SeqClockMask)
	if count == 0 {
		return 64
	}
	return count
}

// TMS returns the TMS value for this sequence
func (seq Sequence) TMS() bool {
	return seq.Info&SeqTMS != 0
}

// Capture returns whether input data is captured
func (seq Sequence) Capture() bool {
	return seq.Info&SeqCapture != 0
}

// Bytes returns the number of data bytes for the sequence
func (seq Sequence) Bytes() int {
	return (seq.Clocks() + 7) / 8
}

// EncodeJTAGSequence builds a DAP_JTAG_Sequence command.
// Each sequence is: [info_byte][tdi_data...]
func (p *Protocol) EncodeJTAGSequence(sequences []Sequence) []byte {
	cmd := []byte{CmdJTAGSequence, byte(len(sequences))}
	for _, seq := range sequences {
		cmd = append(cmd, seq.Info)
		cmd = append(cmd, padTo(seq.Data, seq.Bytes())...)
	}
	return cmd
}

// EncodeSWDSequence builds a DAP_SWD_Sequence command. Capture sequences
// carry no output data.
func (p *Protocol) EncodeSWDSequence(sequences []Sequence) []byte {
	cmd := []byte{CmdSWDSequence, byte(len(sequences))}
	for _, seq := range sequences {
		cmd = append(cmd, seq.Info)
		if !seq.Capture() {
			cmd = append(cmd, padTo(seq.Data, seq.Bytes())...)
		}
	}
	return cmd
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// DecodeSequence parses a JTAG_Sequence or SWD_Sequence response and returns
// the captured data of each capturing sequence.
func (p *Protocol) DecodeSequence(resp []byte, id byte, sequences []Sequence) ([][]byte, error) {
	if err := checkStatus(resp, id); err != nil {
		return nil, err
	}

	result := make([][]byte, 0)
	offset := 2
	for _, seq := range sequences {
		if !seq.Capture() {
			continue
		}
		n := seq.Bytes()
		if offset+n > len(resp) {
			return nil, fmt.Errorf("%s: incomplete capture data", CommandName(id))
		}
		result = append(result, append([]byte(nil), resp[offset:offset+n]...))
		offset += n
	}
	return result, nil
}
