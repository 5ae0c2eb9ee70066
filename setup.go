package usbip

import (
	"encoding/binary"
	"fmt"
)

// CDC class-specific request codes used by Setup Choreography.
const (
	reqCDCSetLineCoding        = 0x20
	reqCDCSetControlLineState  = 0x22
)

// Control line state bit flags (spec.md section 4.6 step 7).
const (
	controlLineDTR = 0x01
	controlLineRTS = 0x02
)

// bmRequestType values for the three recipients Setup Choreography uses.
const (
	requestTypeDeviceToHostStandardDevice = 0x80
	requestTypeHostToDeviceStandardDevice = 0x00
	requestTypeHostToDeviceClassInterface = 0x21
)

// runSetupChoreography drives a freshly-imported Session through the
// fixed 7-step CDC-ACM bring-up sequence (spec.md section 4.6). Any
// failure aborts the attachment, except step 4 (the completeness-only
// string descriptor probe) whose result is always ignored.
func runSetupChoreography(s *Session) error {
	// Step 1: GET_DESCRIPTOR(DEVICE, len=18).
	devBytes, err := controlIn(s, requestTypeDeviceToHostStandardDevice, reqGetDescriptor, uint16(DescTypeDevice)<<8, 0, 18, "get-device-descriptor")
	if err != nil {
		return err
	}
	desc, err := Decode(devBytes)
	if err != nil {
		return err
	}
	s.device = desc.Device

	// Step 2: GET_DESCRIPTOR(CONFIGURATION, len=9) -- short read for wTotalLength.
	cfgHeader, err := controlIn(s, requestTypeDeviceToHostStandardDevice, reqGetDescriptor, uint16(DescTypeConfiguration)<<8, 0, sizeConfigurationHeader, "get-config-descriptor-short")
	if err != nil {
		return err
	}
	if len(cfgHeader) < 4 {
		return fmt.Errorf("get-config-descriptor-short: %w", ErrTruncated)
	}
	totalLength := binary.LittleEndian.Uint16(cfgHeader[2:4])

	// Step 3: GET_DESCRIPTOR(CONFIGURATION, len=wTotalLength) -- full read.
	cfgBytes, err := controlIn(s, requestTypeDeviceToHostStandardDevice, reqGetDescriptor, uint16(DescTypeConfiguration)<<8, 0, totalLength, "get-config-descriptor-full")
	if err != nil {
		return err
	}
	cfgDesc, err := Decode(cfgBytes)
	if err != nil {
		return err
	}
	s.configuration = cfgDesc.Configuration
	s.bindEndpoints(cfgDesc.Configuration)

	// Step 4: GET_DESCRIPTOR(STRING, len=0xFF) -- issued for completeness, result ignored.
	_, _ = controlIn(s, requestTypeDeviceToHostStandardDevice, reqGetDescriptor, uint16(DescTypeString)<<8, 0, 0xFF, "get-string-descriptor")

	// Step 5: SET_CONFIGURATION(value = configuration.bConfigurationValue).
	if err := controlOut(s, requestTypeHostToDeviceStandardDevice, reqSetConfiguration, uint16(cfgDesc.Configuration.ConfigurationValue), 0, nil, "set-configuration"); err != nil {
		return err
	}

	// Step 6: SET_LINE_CODING (9600 8N1) on the interface recipient.
	lineCoding := make([]byte, 7)
	binary.LittleEndian.PutUint32(lineCoding[0:4], 9600)
	lineCoding[4] = 0 // stop bits
	lineCoding[5] = 0 // parity
	lineCoding[6] = 8 // data bits
	if err := controlOut(s, requestTypeHostToDeviceClassInterface, reqCDCSetLineCoding, 0, 0, lineCoding, "set-line-coding"); err != nil {
		return err
	}

	// Step 7: SET_CONTROL_LINE_STATE((RTS|DTR) << 8) on the interface recipient.
	value := uint16(controlLineRTS|controlLineDTR) << 8
	if err := controlOut(s, requestTypeHostToDeviceClassInterface, reqCDCSetControlLineState, value, 0, nil, "set-control-line-state"); err != nil {
		return err
	}

	return nil
}

// controlIn issues a device-to-host control transfer on endpoint 0 and
// returns the descriptor payload the device reported.
func controlIn(s *Session, requestType uint8, request uint8, value uint16, index uint16, length uint16, step string) ([]byte, error) {
	setup := SetupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: length}
	wire := setup.Bytes()
	cmd := &Command{Endpoint: 0, Direction: int32(setup.Direction()), Length: uint32(length), Setup: wire}
	resp, err := s.controlTransfer(cmd)
	if err != nil {
		return nil, err
	}
	if resp.Status != 0 {
		return nil, &AttachError{Errno: int(resp.Status), Step: step}
	}
	return resp.Payload, nil
}

// controlOut issues a host-to-device control transfer on endpoint 0 and
// requires a zero-status RET_SUBMIT.
func controlOut(s *Session, requestType uint8, request uint8, value uint16, index uint16, payload []byte, step string) error {
	setup := SetupPacket{RequestType: requestType, Request: request, Value: value, Index: index, Length: uint16(len(payload))}
	wire := setup.Bytes()
	cmd := &Command{Endpoint: 0, Direction: int32(setup.Direction()), Length: uint32(len(payload)), Setup: wire, Payload: payload}
	resp, err := s.controlTransfer(cmd)
	if err != nil {
		return err
	}
	if resp.Status != 0 {
		return &AttachError{Errno: int(resp.Status), Step: step}
	}
	return nil
}
