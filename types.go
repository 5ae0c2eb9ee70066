package usbip

import "fmt"

// HardwareID identifies a USB device by vendor and product id.
type HardwareID struct {
	VendorID  uint16
	ProductID uint16
}

func (h HardwareID) String() string {
	return fmt.Sprintf("vid: 0x%04x, pid: 0x%04x", h.VendorID, h.ProductID)
}

// InterfaceRecord is one OP_REP_DEV_INTERFACE entry trailing a DevicePath.
type InterfaceRecord struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
	_        uint8 // alignment byte, always zero on the wire
}

// DevicePath is one exported device record, as returned by ListPublished.
type DevicePath struct {
	Path          string
	BusID         string
	BusNum        uint32
	DevNum        uint32
	Speed         uint32
	VendorID      uint16
	ProductID     uint16
	BcdDevice     uint16
	Class         uint8
	SubClass      uint8
	Protocol      uint8
	ConfigValue   uint8
	NumConfigs    uint8
	NumInterfaces uint8
	Interfaces    []InterfaceRecord
}

// HardwareID returns the VID/PID pair this path exports.
func (p *DevicePath) HardwareID() HardwareID {
	return HardwareID{VendorID: p.VendorID, ProductID: p.ProductID}
}

// ImportReply is the daemon's response to OP_REQ_IMPORT: the same shape
// as DevicePath, plus the operation status that preceded it.
type ImportReply struct {
	DevicePath
	Status uint32
}

// direction flag values, per spec.md section 6.
const (
	DirectionOut = 0
	DirectionIn  = 1
)

// Endpoint is a bound descriptor endpoint plus its derived attributes.
type Endpoint struct {
	Address      uint8
	Attributes   uint8
	MaxPacketSize uint16
	Interval     uint8
}

// Number is the endpoint number, address & 0x0F.
func (e Endpoint) Number() uint8 { return e.Address & 0x0f }

// IsOutput reports whether this is a host-to-device endpoint.
func (e Endpoint) IsOutput() bool { return e.Address&0x80 == 0 }

// TransferType is the low two bits of bmAttributes.
func (e Endpoint) TransferType() uint8 { return e.Attributes & 0x03 }

// Command is a URB submit: a CMD_SUBMIT header plus payload.
type Command struct {
	Seqnum      uint32
	DevID       uint32 // busnum<<16 | devnum
	Direction   int32
	Endpoint    int32
	Flags       uint32
	Length      uint32
	Interval    uint32
	Setup       [8]byte
	Payload     []byte
}

// Response is a URB ret-submit: the matching RET_SUBMIT header, payload,
// and the endpoint copied from the Command it correlates with.
type Response struct {
	Seqnum       uint32
	DevID        uint32
	Direction    int32
	Endpoint     int32
	Status       int32
	ActualLength uint32
	StartFrame   uint32
	NumPackets   uint32
	ErrorCount   uint32
	Payload      []byte

	// EP is the endpoint number (0-15) of the Command this Response
	// correlates with, copied in by WaitForResponse.
	EP uint8
}
