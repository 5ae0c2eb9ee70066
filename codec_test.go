package usbip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEncodeOpReqDevlistExactBytes checks the literal byte sequence named
// in spec.md section 8, property 2.
func TestEncodeOpReqDevlistExactBytes(t *testing.T) {
	got := EncodeOpReqDevlist()
	want := []byte{0x01, 0x11, 0x80, 0x05, 0x00, 0x00, 0x00, 0x00}
	assert.Equal(t, want, got)
}

// TestSetupPacketExactBytes checks the literal byte sequence named in
// spec.md section 8, property 2.
func TestSetupPacketExactBytes(t *testing.T) {
	s := SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Index: 0, Length: 0x0012}
	got := s.Bytes()
	want := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	assert.Equal(t, want, got)
}

func TestCommonHeaderRoundTrip(t *testing.T) {
	encoded := EncodeCommonHeader(CmdReqImport, 3)
	cmd, status, err := DecodeCommonHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, CmdReqImport, cmd)
	assert.Equal(t, uint32(3), status)
}

func TestCommonHeaderBadMagic(t *testing.T) {
	b := EncodeCommonHeader(CmdReqImport, 0)
	b[0] = 0xff // corrupt the version field
	_, _, err := DecodeCommonHeader(b)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestCommonHeaderTruncated(t *testing.T) {
	_, _, err := DecodeCommonHeader([]byte{0x01, 0x11, 0x80})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBusIDPadding(t *testing.T) {
	tests := []string{"1-1", "99-99", "", "a-really-long-busid-string-of-32"}
	for _, busid := range tests {
		t.Run(busid, func(t *testing.T) {
			encoded := EncodeOpReqImport(busid)
			require.Len(t, encoded, sizeOpReqImport)
			field := encoded[sizeCommonHeader:]
			require.Len(t, field, devPathIDBytes)
			assert.Equal(t, busid, trimNUL(field))
			for i := len(busid); i < devPathIDBytes; i++ {
				assert.Equal(t, byte(0), field[i], "byte %d should be NUL padding", i)
			}
		})
	}
}

func TestDevPathRoundTrip(t *testing.T) {
	path := &DevicePath{
		Path:          "/sys/devices/pci0000:00/usb1/1-1",
		BusID:         "1-1",
		BusNum:        1,
		DevNum:        1,
		Speed:         2,
		VendorID:      0x0525,
		ProductID:     0xa4a7,
		BcdDevice:     0x0100,
		Class:         0xef,
		SubClass:      0x02,
		Protocol:      0x01,
		ConfigValue:   1,
		NumConfigs:    1,
		NumInterfaces: 2,
	}
	encoded := EncodeDevPath(path)
	require.Len(t, encoded, sizeOpRepDevPath)

	decoded, err := DecodeDevPath(encoded)
	require.NoError(t, err)
	assert.Equal(t, path.Path, decoded.Path)
	assert.Equal(t, path.BusID, decoded.BusID)
	assert.Equal(t, path.BusNum, decoded.BusNum)
	assert.Equal(t, path.VendorID, decoded.VendorID)
	assert.Equal(t, path.ProductID, decoded.ProductID)
	assert.Equal(t, path.NumInterfaces, decoded.NumInterfaces)

	reencoded := EncodeDevPath(decoded)
	assert.Equal(t, encoded, reencoded)
}

func TestImportReplySuccess(t *testing.T) {
	reply := &ImportReply{
		DevicePath: DevicePath{
			BusID:     "1-1",
			BusNum:    1,
			DevNum:    1,
			VendorID:  0x0525,
			ProductID: 0xa4a7,
		},
		Status: 0,
	}
	encoded := EncodeImportReply(reply)
	require.Len(t, encoded, sizeOpRepImport)

	decoded, err := DecodeImportReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), decoded.Status)
	assert.Equal(t, uint16(0x0525), decoded.VendorID)
	assert.Equal(t, uint16(0xa4a7), decoded.ProductID)
}

// TestImportReplyFailure exercises S3 from spec.md section 8: a non-zero
// status import reply carries no body.
func TestImportReplyFailure(t *testing.T) {
	const enodev = 19
	reply := &ImportReply{Status: enodev}
	encoded := EncodeImportReply(reply)
	assert.Len(t, encoded, sizeCommonHeader)

	decoded, err := DecodeImportReply(encoded)
	require.NoError(t, err)
	assert.Equal(t, uint32(enodev), decoded.Status)
}

func TestHeaderBasicRoundTrip(t *testing.T) {
	encoded := EncodeHeaderBasic(URBCmdSubmit, 7, 0x00010001, DirectionOut, 2)
	decoded, err := DecodeHeaderBasic(encoded)
	require.NoError(t, err)
	assert.Equal(t, URBCmdSubmit, decoded.Cmd)
	assert.Equal(t, uint32(7), decoded.Seqnum)
	assert.Equal(t, uint32(0x00010001), decoded.DevID)
	assert.Equal(t, int32(DirectionOut), decoded.Direction)
	assert.Equal(t, int32(2), decoded.Endpoint)
}

func TestCmdSubmitEncodesPayloadOnlyForOut(t *testing.T) {
	outCmd := &Command{Seqnum: 1, DevID: 1, Direction: DirectionOut, Endpoint: 2, Length: 4, Payload: []byte{1, 2, 3, 4}}
	encoded := EncodeCmdSubmit(outCmd)
	assert.Len(t, encoded, sizeCmdSubmitPrefix+4)

	inCmd := &Command{Seqnum: 2, DevID: 1, Direction: DirectionIn, Endpoint: 2, Length: 4}
	encodedIn := EncodeCmdSubmit(inCmd)
	assert.Len(t, encodedIn, sizeCmdSubmitPrefix)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	resp := &Response{Seqnum: 5, DevID: 1, Direction: DirectionIn, Endpoint: 1, Status: 0, ActualLength: 4, Payload: []byte{9, 8, 7, 6}}
	encoded := EncodeRetSubmit(resp)

	h, err := DecodeHeaderBasic(encoded[:sizeHeaderBasic])
	require.NoError(t, err)
	assert.Equal(t, URBRetSubmit, h.Cmd)
	assert.Equal(t, uint32(5), h.Seqnum)

	prefix, err := DecodeRetSubmitPrefix(encoded[sizeHeaderBasic:sizeRetSubmitPrefix])
	require.NoError(t, err)
	assert.Equal(t, int32(0), prefix.Status)
	assert.Equal(t, uint32(4), prefix.ActualLength)
	assert.Equal(t, resp.Payload, encoded[sizeRetSubmitPrefix:])
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	encoded := EncodeCmdUnlink(9, 4, 0x00010001, DirectionIn, 1)
	require.Len(t, encoded, sizeCmdUnlink)
	h, err := DecodeHeaderBasic(encoded[:sizeHeaderBasic])
	require.NoError(t, err)
	assert.Equal(t, URBCmdUnlink, h.Cmd)
	assert.Equal(t, uint32(9), h.Seqnum)
	unlinkSeq := netOrder.Uint32(encoded[sizeHeaderBasic : sizeHeaderBasic+4])
	assert.Equal(t, uint32(4), unlinkSeq)
}

func TestRetUnlinkStatus(t *testing.T) {
	encoded := EncodeRetUnlink(9, 0x00010001, DirectionIn, 1, -2) // -ENOENT
	status, err := DecodeRetUnlinkStatus(encoded[sizeHeaderBasic:])
	require.NoError(t, err)
	assert.Equal(t, int32(-2), status)
}

func TestSetupPacketDirection(t *testing.T) {
	tests := []struct {
		name    string
		request uint8
		want    int
	}{
		{"get-descriptor", reqGetDescriptor, DirectionIn},
		{"set-configuration", reqSetConfiguration, DirectionOut},
		{"set-feature", reqSetFeature, DirectionOut},
		{"set-interface", reqSetInterface, DirectionOut},
		{"set-descriptor", reqSetDescriptor, DirectionOut},
		{"set-line-coding", reqSetLineCoding, DirectionOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := SetupPacket{Request: tt.request}
			assert.Equal(t, tt.want, s.Direction())
		})
	}
}

func TestSetupPacketDescriptorType(t *testing.T) {
	s := SetupPacket{Request: reqGetDescriptor, Value: 0x0300}
	assert.Equal(t, DescTypeString, s.DescriptorType())

	other := SetupPacket{Request: reqCDCSetLineCoding, Value: 0x0300}
	assert.Equal(t, descriptorTypeInvalid, other.DescriptorType())
}

func TestDecodeCommonHeaderRejectsShortBuffers(t *testing.T) {
	for n := 0; n < sizeCommonHeader; n++ {
		_, _, err := DecodeCommonHeader(make([]byte, n))
		require.ErrorIs(t, err, ErrTruncated)
	}
}
