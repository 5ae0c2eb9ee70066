package usbip

import (
	"encoding/binary"
	"fmt"
)

// USB descriptor type codes (spec.md section 6).
const (
	DescTypeDevice              = 0x01
	DescTypeConfiguration       = 0x02
	DescTypeString              = 0x03
	DescTypeInterface           = 0x04
	DescTypeEndpoint            = 0x05
	DescTypeInterfaceAssoc      = 0x0b
	DescTypeCSInterface         = 0x24
	descTypeInvalid             = 0x00
)

// CDC functional descriptor subtypes (spec.md section 6).
const (
	CDCSubtypeHeader         = 0
	CDCSubtypeCallManagement = 1
	CDCSubtypeACM            = 2
	CDCSubtypeUnion          = 6
)

// DescriptorKind tags which variant of the USB descriptor sum type a
// Descriptor holds. Go has no sum types, so this struct carries only the
// fields valid for its Kind (design note in DESIGN.md).
type DescriptorKind int

const (
	KindDevice DescriptorKind = iota
	KindConfiguration
	KindString
	KindEndpoint
)

// DeviceDescriptor is the standard 18-byte USB device descriptor.
type DeviceDescriptor struct {
	BcdUSB             uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	MaxPacketSize0     uint8
	VendorID           uint16
	ProductID          uint16
	BcdDevice          uint16
	ManufacturerIndex  uint8
	ProductIndex       uint8
	SerialNumberIndex  uint8
	NumConfigurations  uint8
}

const sizeDeviceDescriptor = 18

func decodeDeviceDescriptor(b []byte) (*DeviceDescriptor, error) {
	if err := truncated("DeviceDescriptor", b, sizeDeviceDescriptor); err != nil {
		return nil, err
	}
	if b[1] != DescTypeDevice {
		return nil, fmt.Errorf("DeviceDescriptor: type 0x%02x: %w", b[1], ErrMalformedDescriptor)
	}
	return &DeviceDescriptor{
		BcdUSB:            binary.LittleEndian.Uint16(b[2:4]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          binary.LittleEndian.Uint16(b[8:10]),
		ProductID:         binary.LittleEndian.Uint16(b[10:12]),
		BcdDevice:         binary.LittleEndian.Uint16(b[12:14]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialNumberIndex: b[16],
		NumConfigurations: b[17],
	}, nil
}

// InterfaceAssociation groups a run of interfaces as one USB function
// (INTERFACE_ASSOCIATION, 8 bytes).
type InterfaceAssociation struct {
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	FunctionIndex    uint8
}

const sizeInterfaceAssociation = 8

func decodeInterfaceAssociation(b []byte) (InterfaceAssociation, error) {
	if err := truncated("InterfaceAssociation", b, sizeInterfaceAssociation); err != nil {
		return InterfaceAssociation{}, err
	}
	return InterfaceAssociation{
		FirstInterface:   b[2],
		InterfaceCount:   b[3],
		FunctionClass:    b[4],
		FunctionSubClass: b[5],
		FunctionProtocol: b[6],
		FunctionIndex:    b[7],
	}, nil
}

// FunctionalDescriptor is a CDC class-specific (CS_INTERFACE) descriptor.
// Known subtypes expose decoded accessors; unknown subtypes are kept as
// their raw bytes (spec.md section 4.2: "unknown subtypes stay as
// generic functional descriptors").
type FunctionalDescriptor struct {
	Subtype uint8
	Raw     []byte
}

// BcdCDC returns the CDC spec release number for a Header (subtype 0)
// functional descriptor.
func (f FunctionalDescriptor) BcdCDC() uint16 {
	if f.Subtype != CDCSubtypeHeader || len(f.Raw) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint16(f.Raw[3:5])
}

// CallManagementCapabilities returns bmCapabilities for a Call Management
// (subtype 1) functional descriptor.
func (f FunctionalDescriptor) CallManagementCapabilities() uint8 {
	if f.Subtype != CDCSubtypeCallManagement || len(f.Raw) < 4 {
		return 0
	}
	return f.Raw[3]
}

// CallManagementDataInterface returns bDataInterface for a Call
// Management functional descriptor.
func (f FunctionalDescriptor) CallManagementDataInterface() uint8 {
	if f.Subtype != CDCSubtypeCallManagement || len(f.Raw) < 5 {
		return 0
	}
	return f.Raw[4]
}

// ACMCapabilities returns bmCapabilities for an ACM (subtype 2)
// functional descriptor.
func (f FunctionalDescriptor) ACMCapabilities() uint8 {
	if f.Subtype != CDCSubtypeACM || len(f.Raw) < 4 {
		return 0
	}
	return f.Raw[3]
}

// UnionControlInterface returns bControlInterface for a Union (subtype 6)
// functional descriptor.
func (f FunctionalDescriptor) UnionControlInterface() uint8 {
	if f.Subtype != CDCSubtypeUnion || len(f.Raw) < 4 {
		return 0
	}
	return f.Raw[3]
}

// UnionSubordinateInterfaces returns the subordinate interface numbers of
// a Union functional descriptor.
func (f FunctionalDescriptor) UnionSubordinateInterfaces() []uint8 {
	if f.Subtype != CDCSubtypeUnion || len(f.Raw) < 5 {
		return nil
	}
	return f.Raw[4:]
}

func decodeFunctionalDescriptor(b []byte) (FunctionalDescriptor, error) {
	if len(b) < 3 {
		return FunctionalDescriptor{}, fmt.Errorf("FunctionalDescriptor: %w", ErrTruncated)
	}
	length := int(b[0])
	if err := truncated("FunctionalDescriptor", b, length); err != nil {
		return FunctionalDescriptor{}, err
	}
	return FunctionalDescriptor{Subtype: b[2], Raw: append([]byte(nil), b[:length]...)}, nil
}

// InterfaceDescriptor is one interface alternate setting, with its
// endpoints and CDC functional descriptors nested (spec.md section 4.2,
// the "parent-owned ordered sequence, no back-pointers" design note).
type InterfaceDescriptor struct {
	Number           uint8
	AlternateSetting uint8
	Class            uint8
	SubClass         uint8
	Protocol         uint8
	InterfaceIndex   uint8
	Endpoints        []Endpoint
	Functional       []FunctionalDescriptor
}

const sizeInterfaceDescriptor = 9
const sizeEndpointDescriptor = 7

func decodeInterfaceHeader(b []byte) (InterfaceDescriptor, error) {
	if err := truncated("InterfaceDescriptor", b, sizeInterfaceDescriptor); err != nil {
		return InterfaceDescriptor{}, err
	}
	return InterfaceDescriptor{
		Number:           b[2],
		AlternateSetting: b[3],
		// b[4] is bNumEndpoints, consumed by the caller
		Class:          b[5],
		SubClass:       b[6],
		Protocol:       b[7],
		InterfaceIndex: b[8],
	}, nil
}

func decodeEndpoint(b []byte) (Endpoint, error) {
	if err := truncated("EndpointDescriptor", b, sizeEndpointDescriptor); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{
		Address:       b[2],
		Attributes:    b[3],
		MaxPacketSize: binary.LittleEndian.Uint16(b[4:6]),
		Interval:      b[6],
	}, nil
}

// ConfigurationDescriptor is the decoded tree of one USB configuration:
// associations, then interfaces each with their own endpoints and
// functional descriptors.
type ConfigurationDescriptor struct {
	TotalLength         uint16
	NumInterfacesField  uint8
	ConfigurationValue  uint8
	ConfigurationIndex  uint8
	Attributes          uint8
	MaxPower            uint8
	Associations        []InterfaceAssociation
	Interfaces          []InterfaceDescriptor
}

const sizeConfigurationHeader = 9

// decodeConfiguration implements the algorithm in spec.md section 4.2:
// read the 9-byte header, then walk descriptors until bNumInterfaces
// INTERFACE_DESCRIPTORs have been consumed, dispatching on bDescriptorType.
func decodeConfiguration(b []byte) (*ConfigurationDescriptor, error) {
	if err := truncated("ConfigurationDescriptor", b, sizeConfigurationHeader); err != nil {
		return nil, err
	}
	if b[1] != DescTypeConfiguration {
		return nil, fmt.Errorf("ConfigurationDescriptor: type 0x%02x: %w", b[1], ErrMalformedDescriptor)
	}
	cfg := &ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(b[2:4]),
		NumInterfacesField: b[4],
		ConfigurationValue: b[5],
		ConfigurationIndex: b[6],
		Attributes:         b[7],
		MaxPower:           b[8],
	}

	pos := sizeConfigurationHeader
	for uint8(len(cfg.Interfaces)) < cfg.NumInterfacesField {
		if pos+2 > len(b) {
			return nil, fmt.Errorf("ConfigurationDescriptor: ran out of bytes before %d interfaces: %w", cfg.NumInterfacesField, ErrMalformedDescriptor)
		}
		length := int(b[pos])
		descType := b[pos+1]
		if length == 0 {
			return nil, fmt.Errorf("ConfigurationDescriptor: zero-length descriptor: %w", ErrMalformedDescriptor)
		}

		switch descType {
		case DescTypeInterfaceAssoc:
			assoc, err := decodeInterfaceAssociation(b[pos:])
			if err != nil {
				return nil, err
			}
			cfg.Associations = append(cfg.Associations, assoc)
			pos += sizeInterfaceAssociation

		case DescTypeInterface:
			iface, err := decodeInterfaceHeader(b[pos:])
			if err != nil {
				return nil, err
			}
			numEndpoints := b[pos+4]
			pos += sizeInterfaceDescriptor

			for uint8(len(iface.Endpoints)) < numEndpoints {
				if pos+2 > len(b) {
					return nil, fmt.Errorf("InterfaceDescriptor: ran out of bytes before %d endpoints: %w", numEndpoints, ErrMalformedDescriptor)
				}
				subType := b[pos+1]
				switch subType {
				case DescTypeEndpoint:
					ep, err := decodeEndpoint(b[pos:])
					if err != nil {
						return nil, err
					}
					iface.Endpoints = append(iface.Endpoints, ep)
					pos += sizeEndpointDescriptor
				case DescTypeCSInterface:
					fn, err := decodeFunctionalDescriptor(b[pos:])
					if err != nil {
						return nil, err
					}
					iface.Functional = append(iface.Functional, fn)
					pos += len(fn.Raw)
				default:
					return nil, fmt.Errorf("InterfaceDescriptor: unexpected descriptor type 0x%02x: %w", subType, ErrMalformedDescriptor)
				}
			}
			cfg.Interfaces = append(cfg.Interfaces, iface)

		case DescTypeString:
			pos += length // skipped by bLength, per spec.md section 4.2

		case descTypeInvalid:
			return nil, fmt.Errorf("ConfigurationDescriptor: %w", ErrMalformedDescriptor)

		default:
			return nil, fmt.Errorf("ConfigurationDescriptor: unexpected descriptor type 0x%02x: %w", descType, ErrMalformedDescriptor)
		}
	}
	return cfg, nil
}

// decodeStringDescriptor reads a standalone USB string descriptor: a
// bLength/bDescriptorType prefix followed by UTF-16LE text.
func decodeStringDescriptor(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("StringDescriptor: %w", ErrTruncated)
	}
	length := int(b[0])
	if err := truncated("StringDescriptor", b, length); err != nil {
		return "", err
	}
	if b[1] != DescTypeString {
		return "", fmt.Errorf("StringDescriptor: type 0x%02x: %w", b[1], ErrMalformedDescriptor)
	}
	runes := make([]rune, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		runes = append(runes, rune(binary.LittleEndian.Uint16(b[i:i+2])))
	}
	return string(runes), nil
}

// Descriptor is the tagged-sum result of Decode: only the field named by
// Kind is populated.
type Descriptor struct {
	Kind          DescriptorKind
	Device        *DeviceDescriptor
	Configuration *ConfigurationDescriptor
	String        string
	Endpoint      *Endpoint
}

// Decode parses the bytes of a USB descriptor, dispatching on the
// standard bDescriptorType byte. It is the single entry point named in
// spec.md section 4.2: it walks a full configuration tree for
// Configuration descriptors, and decodes Device/String/Endpoint
// descriptors standalone.
func Decode(data []byte) (*Descriptor, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("Descriptor: %w", ErrTruncated)
	}
	switch data[1] {
	case DescTypeDevice:
		dev, err := decodeDeviceDescriptor(data)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Kind: KindDevice, Device: dev}, nil
	case DescTypeConfiguration:
		cfg, err := decodeConfiguration(data)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Kind: KindConfiguration, Configuration: cfg}, nil
	case DescTypeString:
		s, err := decodeStringDescriptor(data)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Kind: KindString, String: s}, nil
	case DescTypeEndpoint:
		ep, err := decodeEndpoint(data)
		if err != nil {
			return nil, err
		}
		return &Descriptor{Kind: KindEndpoint, Endpoint: &ep}, nil
	default:
		return nil, fmt.Errorf("Descriptor: type 0x%02x: %w", data[1], ErrMalformedDescriptor)
	}
}
