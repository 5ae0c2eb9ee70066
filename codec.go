package usbip

import (
	"encoding/binary"
	"fmt"
)

// USB/IP protocol version and command codes (spec.md section 6).
const (
	ProtocolVersion uint16 = 0x0111

	CmdReqDevlist uint16 = 0x8005
	CmdRepDevlist uint16 = 0x0005
	CmdReqImport  uint16 = 0x8003
	CmdRepImport  uint16 = 0x0003

	URBCmdSubmit uint32 = 0x0001
	URBRetSubmit uint32 = 0x0003
	URBCmdUnlink uint32 = 0x0002
	URBRetUnlink uint32 = 0x0004
)

// Fixed packet sizes, exact, no padding (spec.md section 4.1 table).
const (
	sizeCommonHeader        = 8
	sizeOpRepDevlistHeader  = 12
	sizeOpRepDevPath        = 312
	sizeOpRepDevInterface   = 4
	sizeOpReqImport         = 40
	sizeOpRepImport         = 320
	sizeHeaderBasic         = 20
	sizeCmdSubmitPrefix     = 48
	sizeRetSubmitPrefix     = 48
	sizeCmdUnlink           = 48
	sizeRetUnlink           = 48
	sizeSetupPacket         = 8

	devPathIDBytes = 32 // busid field width
)

// standard USB request codes used to derive setup packet direction and
// descriptor type (spec.md section 4.1).
const (
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09
	reqSetFeature       = 0x03
	reqSetInterface     = 0x0b
	reqSetDescriptor    = 0x07
	reqSetLineCoding    = 0x20 // CDC class request
)

// netOrder is the byte order for every field outside a setup packet or a
// raw descriptor payload: the USB/IP operation header and everything in
// HEADER_BASIC/CMD_SUBMIT/RET_SUBMIT/CMD_UNLINK/RET_UNLINK. Setup packets
// and descriptor bytes inside transfer buffers are little-endian and are
// never passed through this order.
var netOrder = binary.BigEndian

// truncated reports whether b has fewer than n bytes, wrapping the
// shared ErrTruncated sentinel with the packet name for context.
func truncated(name string, b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%s: %w (have %d, want %d)", name, ErrTruncated, len(b), n)
	}
	return nil
}

// EncodeCommonHeader writes the 8-byte COMMON_HEADER for an operation
// packet: protocol version, command code, and status.
func EncodeCommonHeader(cmd uint16, status uint32) []byte {
	b := make([]byte, sizeCommonHeader)
	netOrder.PutUint16(b[0:2], ProtocolVersion)
	netOrder.PutUint16(b[2:4], cmd)
	netOrder.PutUint32(b[4:8], status)
	return b
}

// DecodeCommonHeader reads a COMMON_HEADER, failing with ErrBadMagic if
// the version field does not match.
func DecodeCommonHeader(b []byte) (cmd uint16, status uint32, err error) {
	if err := truncated("COMMON_HEADER", b, sizeCommonHeader); err != nil {
		return 0, 0, err
	}
	ver := netOrder.Uint16(b[0:2])
	if ver != ProtocolVersion {
		return 0, 0, fmt.Errorf("COMMON_HEADER: version 0x%04x: %w", ver, ErrBadMagic)
	}
	cmd = netOrder.Uint16(b[2:4])
	status = netOrder.Uint32(b[4:8])
	return cmd, status, nil
}

// EncodeOpReqDevlist builds OP_REQ_DEVLIST.
func EncodeOpReqDevlist() []byte {
	return EncodeCommonHeader(CmdReqDevlist, 0)
}

// DecodeOpRepDevlistHeader reads the 12-byte OP_REP_DEVLIST_HEADER,
// returning the number of exported devices that follow.
func DecodeOpRepDevlistHeader(b []byte) (numExported uint32, err error) {
	if err := truncated("OP_REP_DEVLIST_HEADER", b, sizeOpRepDevlistHeader); err != nil {
		return 0, err
	}
	cmd, status, err := DecodeCommonHeader(b[:sizeCommonHeader])
	if err != nil {
		return 0, err
	}
	if cmd != CmdRepDevlist {
		return 0, fmt.Errorf("OP_REP_DEVLIST_HEADER: cmd 0x%04x: %w", cmd, ErrBadMagic)
	}
	_ = status
	return netOrder.Uint32(b[8:12]), nil
}

// EncodeOpRepDevlistHeader builds the 12-byte OP_REP_DEVLIST_HEADER.
func EncodeOpRepDevlistHeader(numExported uint32) []byte {
	b := make([]byte, sizeOpRepDevlistHeader)
	copy(b[0:sizeCommonHeader], EncodeCommonHeader(CmdRepDevlist, 0))
	netOrder.PutUint32(b[8:12], numExported)
	return b
}

// padNUL pads s with NULs to width n, the wire convention for busid and
// path fields.
func padNUL(s string, n int) []byte {
	out := make([]byte, n)
	copy(out, s)
	return out
}

// trimNUL trims the trailing NUL padding from a fixed-width ASCII field.
func trimNUL(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// EncodeOpReqImport builds the 40-byte OP_REQ_IMPORT: common header plus
// the NUL-padded busid.
func EncodeOpReqImport(busid string) []byte {
	b := make([]byte, sizeOpReqImport)
	copy(b[0:sizeCommonHeader], EncodeCommonHeader(CmdReqImport, 0))
	copy(b[sizeCommonHeader:], padNUL(busid, devPathIDBytes))
	return b
}

// decodeDevPathBody decodes the 312-byte DevicePath-shaped body shared by
// OP_REP_DEV_PATH and the tail of OP_REP_IMPORT.
func decodeDevPathBody(b []byte) (*DevicePath, error) {
	if err := truncated("DevicePath", b, sizeOpRepDevPath); err != nil {
		return nil, err
	}
	p := &DevicePath{}
	p.Path = trimNUL(b[0:256])
	p.BusID = trimNUL(b[256:288])
	off := 288
	p.BusNum = netOrder.Uint32(b[off : off+4])
	off += 4
	p.DevNum = netOrder.Uint32(b[off : off+4])
	off += 4
	p.Speed = netOrder.Uint32(b[off : off+4])
	off += 4
	p.VendorID = netOrder.Uint16(b[off : off+2])
	off += 2
	p.ProductID = netOrder.Uint16(b[off : off+2])
	off += 2
	p.BcdDevice = netOrder.Uint16(b[off : off+2])
	off += 2
	p.Class = b[off]
	off++
	p.SubClass = b[off]
	off++
	p.Protocol = b[off]
	off++
	p.ConfigValue = b[off]
	off++
	p.NumConfigs = b[off]
	off++
	p.NumInterfaces = b[off]
	return p, nil
}

// DecodeDevPath reads one OP_REP_DEV_PATH block (no interfaces; those
// follow as separate OP_REP_DEV_INTERFACE records per spec.md section 4.5).
func DecodeDevPath(b []byte) (*DevicePath, error) {
	return decodeDevPathBody(b)
}

// encodeDevPathBody encodes the 312-byte DevicePath-shaped body shared by
// OP_REP_DEV_PATH and the tail of OP_REP_IMPORT.
func encodeDevPathBody(p *DevicePath) []byte {
	b := make([]byte, sizeOpRepDevPath)
	copy(b[0:256], padNUL(p.Path, 256))
	copy(b[256:288], padNUL(p.BusID, devPathIDBytes))
	off := 288
	netOrder.PutUint32(b[off:off+4], p.BusNum)
	off += 4
	netOrder.PutUint32(b[off:off+4], p.DevNum)
	off += 4
	netOrder.PutUint32(b[off:off+4], p.Speed)
	off += 4
	netOrder.PutUint16(b[off:off+2], p.VendorID)
	off += 2
	netOrder.PutUint16(b[off:off+2], p.ProductID)
	off += 2
	netOrder.PutUint16(b[off:off+2], p.BcdDevice)
	off += 2
	b[off] = p.Class
	off++
	b[off] = p.SubClass
	off++
	b[off] = p.Protocol
	off++
	b[off] = p.ConfigValue
	off++
	b[off] = p.NumConfigs
	off++
	b[off] = p.NumInterfaces
	return b
}

// EncodeDevPath builds one OP_REP_DEV_PATH block.
func EncodeDevPath(p *DevicePath) []byte {
	return encodeDevPathBody(p)
}

// DecodeInterfaceRecord reads a 4-byte OP_REP_DEV_INTERFACE entry.
func DecodeInterfaceRecord(b []byte) (InterfaceRecord, error) {
	if err := truncated("OP_REP_DEV_INTERFACE", b, sizeOpRepDevInterface); err != nil {
		return InterfaceRecord{}, err
	}
	return InterfaceRecord{Class: b[0], SubClass: b[1], Protocol: b[2]}, nil
}

// EncodeInterfaceRecord builds a 4-byte OP_REP_DEV_INTERFACE entry.
func EncodeInterfaceRecord(r InterfaceRecord) []byte {
	return []byte{r.Class, r.SubClass, r.Protocol, 0}
}

// DecodeImportReply reads the 320-byte OP_REP_IMPORT: common header plus
// a DevicePath-shaped body. If status is non-zero the body is absent on
// the wire; callers must check Status before trusting the DevicePath.
func DecodeImportReply(b []byte) (*ImportReply, error) {
	if err := truncated("OP_REP_IMPORT", b, sizeCommonHeader); err != nil {
		return nil, err
	}
	cmd, status, err := DecodeCommonHeader(b[:sizeCommonHeader])
	if err != nil {
		return nil, err
	}
	if cmd != CmdRepImport {
		return nil, fmt.Errorf("OP_REP_IMPORT: cmd 0x%04x: %w", cmd, ErrBadMagic)
	}
	reply := &ImportReply{Status: status}
	if status != 0 {
		return reply, nil
	}
	if err := truncated("OP_REP_IMPORT", b, sizeOpRepImport); err != nil {
		return nil, err
	}
	path, err := decodeDevPathBody(b[sizeCommonHeader:sizeOpRepImport])
	if err != nil {
		return nil, err
	}
	reply.DevicePath = *path
	return reply, nil
}

// EncodeImportReply builds the 320-byte OP_REP_IMPORT. When reply.Status
// is non-zero no body follows, matching the daemon's own wire behavior.
func EncodeImportReply(reply *ImportReply) []byte {
	b := make([]byte, sizeCommonHeader, sizeOpRepImport)
	copy(b, EncodeCommonHeader(CmdRepImport, reply.Status))
	if reply.Status != 0 {
		return b
	}
	return append(b, encodeDevPathBody(&reply.DevicePath)...)
}

// EncodeHeaderBasic writes the 20-byte HEADER_BASIC shared by every URB
// packet.
func EncodeHeaderBasic(cmd uint32, seq uint32, devid uint32, direction int32, endpoint int32) []byte {
	b := make([]byte, sizeHeaderBasic)
	netOrder.PutUint32(b[0:4], cmd)
	netOrder.PutUint32(b[4:8], seq)
	netOrder.PutUint32(b[8:12], devid)
	netOrder.PutUint32(b[12:16], uint32(direction))
	netOrder.PutUint32(b[16:20], uint32(endpoint))
	return b
}

// headerBasic is the decoded form of HEADER_BASIC.
type headerBasic struct {
	Cmd       uint32
	Seqnum    uint32
	DevID     uint32
	Direction int32
	Endpoint  int32
}

// DecodeHeaderBasic reads the common 20-byte URB header.
func DecodeHeaderBasic(b []byte) (headerBasic, error) {
	if err := truncated("HEADER_BASIC", b, sizeHeaderBasic); err != nil {
		return headerBasic{}, err
	}
	return headerBasic{
		Cmd:       netOrder.Uint32(b[0:4]),
		Seqnum:    netOrder.Uint32(b[4:8]),
		DevID:     netOrder.Uint32(b[8:12]),
		Direction: int32(netOrder.Uint32(b[12:16])),
		Endpoint:  int32(netOrder.Uint32(b[16:20])),
	}, nil
}

// EncodeCmdSubmit builds a full CMD_SUBMIT packet: the 48-byte prefix
// followed by the payload when the transfer direction is OUT.
func EncodeCmdSubmit(cmd *Command) []byte {
	b := make([]byte, sizeCmdSubmitPrefix)
	copy(b[0:sizeHeaderBasic], EncodeHeaderBasic(URBCmdSubmit, cmd.Seqnum, cmd.DevID, cmd.Direction, cmd.Endpoint))
	off := sizeHeaderBasic
	netOrder.PutUint32(b[off:off+4], cmd.Flags)
	off += 4
	netOrder.PutUint32(b[off:off+4], cmd.Length)
	off += 4
	netOrder.PutUint32(b[off:off+4], 0) // start_frame, unused outside isochronous
	off += 4
	netOrder.PutUint32(b[off:off+4], 0xFFFFFFFF) // number_of_packets: non-iso sentinel
	off += 4
	netOrder.PutUint32(b[off:off+4], cmd.Interval)
	off += 4
	copy(b[off:off+8], cmd.Setup[:])

	if cmd.Direction == DirectionOut && len(cmd.Payload) > 0 {
		b = append(b, cmd.Payload...)
	}
	return b
}

// retSubmitPrefix is the decoded 48-byte RET_SUBMIT prefix (header
// already consumed separately in the Session's read loop).
type retSubmitPrefix struct {
	Status       int32
	ActualLength uint32
	StartFrame   uint32
	NumPackets   uint32
	ErrorCount   uint32
}

// DecodeRetSubmitPrefix reads the 28 bytes following HEADER_BASIC in a
// RET_SUBMIT packet.
func DecodeRetSubmitPrefix(b []byte) (retSubmitPrefix, error) {
	const n = sizeRetSubmitPrefix - sizeHeaderBasic
	if err := truncated("RET_SUBMIT", b, n); err != nil {
		return retSubmitPrefix{}, err
	}
	return retSubmitPrefix{
		Status:       int32(netOrder.Uint32(b[0:4])),
		ActualLength: netOrder.Uint32(b[4:8]),
		StartFrame:   netOrder.Uint32(b[8:12]),
		NumPackets:   netOrder.Uint32(b[12:16]),
		ErrorCount:   netOrder.Uint32(b[16:20]),
		// b[20:28] padding, ignored
	}, nil
}

// EncodeRetSubmit builds a full RET_SUBMIT packet: the 48-byte prefix
// followed by payload, for use by test fixtures standing in for a daemon.
func EncodeRetSubmit(resp *Response) []byte {
	b := make([]byte, sizeRetSubmitPrefix)
	copy(b[0:sizeHeaderBasic], EncodeHeaderBasic(URBRetSubmit, resp.Seqnum, resp.DevID, resp.Direction, resp.Endpoint))
	off := sizeHeaderBasic
	netOrder.PutUint32(b[off:off+4], uint32(resp.Status))
	off += 4
	netOrder.PutUint32(b[off:off+4], resp.ActualLength)
	off += 4
	netOrder.PutUint32(b[off:off+4], resp.StartFrame)
	off += 4
	netOrder.PutUint32(b[off:off+4], resp.NumPackets)
	off += 4
	netOrder.PutUint32(b[off:off+4], resp.ErrorCount)
	// remaining 8 bytes are zero padding
	if len(resp.Payload) > 0 {
		b = append(b, resp.Payload...)
	}
	return b
}

// EncodeCmdUnlink builds the 48-byte CMD_UNLINK packet cancelling
// unlinkSeqnum.
func EncodeCmdUnlink(seqnum uint32, unlinkSeqnum uint32, devid uint32, direction int32, endpoint int32) []byte {
	b := make([]byte, sizeCmdUnlink)
	copy(b[0:sizeHeaderBasic], EncodeHeaderBasic(URBCmdUnlink, seqnum, devid, direction, endpoint))
	netOrder.PutUint32(b[sizeHeaderBasic:sizeHeaderBasic+4], unlinkSeqnum)
	return b
}

// EncodeRetUnlink builds the 48-byte RET_UNLINK packet reporting status
// for the unlink of seqnum.
func EncodeRetUnlink(seqnum uint32, devid uint32, direction int32, endpoint int32, status int32) []byte {
	b := make([]byte, sizeRetUnlink)
	copy(b[0:sizeHeaderBasic], EncodeHeaderBasic(URBRetUnlink, seqnum, devid, direction, endpoint))
	netOrder.PutUint32(b[sizeHeaderBasic:sizeHeaderBasic+4], uint32(status))
	return b
}

// DecodeRetUnlinkStatus reads the status field from the 28 bytes
// following HEADER_BASIC in a RET_UNLINK packet.
func DecodeRetUnlinkStatus(b []byte) (int32, error) {
	const n = sizeRetUnlink - sizeHeaderBasic
	if err := truncated("RET_UNLINK", b, n); err != nil {
		return 0, err
	}
	return int32(netOrder.Uint32(b[0:4])), nil
}

// SetupPacket is the 8-byte little-endian control transfer header.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Bytes encodes the setup packet in its wire form: little-endian,
// regardless of the network byte order used by the surrounding URB.
func (s SetupPacket) Bytes() [8]byte {
	var b [8]byte
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

// DecodeSetupPacket reads an 8-byte little-endian setup packet.
func DecodeSetupPacket(b []byte) (SetupPacket, error) {
	if err := truncated("SetupPacket", b, sizeSetupPacket); err != nil {
		return SetupPacket{}, err
	}
	return SetupPacket{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// Direction derives the transfer direction implied by the request code:
// OUT for the handful of "set" requests that carry no host-bound data,
// IN otherwise.
func (s SetupPacket) Direction() int {
	switch s.Request {
	case reqSetFeature, reqSetInterface, reqSetConfiguration, reqSetDescriptor, reqSetLineCoding:
		return DirectionOut
	default:
		return DirectionIn
	}
}

// descriptorTypeInvalid marks a SetupPacket whose request does not imply
// a descriptor type.
const descriptorTypeInvalid = -1

// DescriptorType derives the descriptor type from the high byte of Value,
// but only for the requests that carry one on the wire.
func (s SetupPacket) DescriptorType() int {
	switch s.Request {
	case reqGetDescriptor, reqSetConfiguration:
		return int(s.Value >> 8)
	default:
		return descriptorTypeInvalid
	}
}
