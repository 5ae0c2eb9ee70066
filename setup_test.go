package usbip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedStep is one expected control transfer in the fixed Setup
// Choreography sequence (spec.md section 4.6).
type scriptedStep struct {
	wantRequest uint8
	direction   int
	respStatus  int32
	respPayload []byte
}

// driveSetupChoreography plays the 7-step CDC-ACM bring-up sequence
// against the server half of a Session's transport, recording the
// sequence numbers and requests it observed.
func driveSetupChoreography(server net.Conn, steps []scriptedStep) ([]uint32, []uint8, error) {
	var seqnums []uint32
	var requests []uint8
	for _, step := range steps {
		prefix, err := readN(server, sizeCmdSubmitPrefix)
		if err != nil {
			return seqnums, requests, err
		}

		h, err := DecodeHeaderBasic(prefix[:sizeHeaderBasic])
		if err != nil {
			return seqnums, requests, err
		}
		setup, err := DecodeSetupPacket(prefix[40:48])
		if err != nil {
			return seqnums, requests, err
		}
		seqnums = append(seqnums, h.Seqnum)
		requests = append(requests, setup.Request)

		if h.Direction == DirectionOut && setup.Length > 0 {
			if _, err := readN(server, int(setup.Length)); err != nil {
				return seqnums, requests, err
			}
		}

		resp := &Response{
			Seqnum: h.Seqnum, DevID: h.DevID, Direction: h.Direction, Endpoint: h.Endpoint,
			Status: step.respStatus, ActualLength: uint32(len(step.respPayload)), Payload: step.respPayload,
		}
		if _, err := server.Write(EncodeRetSubmit(resp)); err != nil {
			return seqnums, requests, err
		}
	}
	return seqnums, requests, nil
}

// TestSetupChoreographySuccess exercises S4 from spec.md section 8: a
// successful attachment issues exactly 7 CMD_SUBMITs, in order, and the
// sequence counter ends at 7.
func TestSetupChoreographySuccess(t *testing.T) {
	cfgBytes := buildCDCConfiguration()

	transport, server := newMockTransportPair()
	s := NewSession(transport, HardwareID{VendorID: 0x0525, ProductID: 0xa4a7}, 1, 1)

	steps := []scriptedStep{
		{wantRequest: reqGetDescriptor, direction: DirectionIn, respPayload: deviceDescriptorBytes()},
		{wantRequest: reqGetDescriptor, direction: DirectionIn, respPayload: cfgBytes[:9]},
		{wantRequest: reqGetDescriptor, direction: DirectionIn, respPayload: cfgBytes},
		{wantRequest: reqGetDescriptor, direction: DirectionIn, respStatus: -1}, // simulate stall; choreography ignores this result
		{wantRequest: reqSetConfiguration, direction: DirectionOut},
		{wantRequest: reqCDCSetLineCoding, direction: DirectionOut},
		{wantRequest: reqCDCSetControlLineState, direction: DirectionIn},
	}

	type result struct {
		seqnums  []uint32
		requests []uint8
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		seqnums, requests, err := driveSetupChoreography(server, steps)
		resultCh <- result{seqnums, requests, err}
	}()

	err := runSetupChoreography(s)
	require.NoError(t, err)

	r := <-resultCh
	require.NoError(t, r.err)
	require.Len(t, r.seqnums, 7)
	for i, seq := range r.seqnums {
		assert.Equal(t, uint32(i+1), seq, "step %d sequence number", i)
	}
	wantRequests := make([]uint8, len(steps))
	for i, step := range steps {
		wantRequests[i] = step.wantRequest
	}
	assert.Equal(t, wantRequests, r.requests)

	require.NotNil(t, s.Device())
	assert.Equal(t, uint16(0x0525), s.Device().VendorID)
	require.NotNil(t, s.Configuration())
	require.NotNil(t, s.input)
	require.NotNil(t, s.output)
}

// TestSetupChoreographyAbortsOnStep1Failure checks that a failing step
// other than step 4 aborts the whole attachment.
func TestSetupChoreographyAbortsOnStep1Failure(t *testing.T) {
	transport, server := newMockTransportPair()
	s := NewSession(transport, HardwareID{VendorID: 0x0525, ProductID: 0xa4a7}, 1, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		prefix, err := readN(server, sizeCmdSubmitPrefix)
		if err != nil {
			return
		}
		h, err := DecodeHeaderBasic(prefix[:sizeHeaderBasic])
		if err != nil {
			return
		}
		resp := &Response{Seqnum: h.Seqnum, DevID: h.DevID, Direction: h.Direction, Endpoint: h.Endpoint, Status: -32}
		server.Write(EncodeRetSubmit(resp))
	}()

	err := runSetupChoreography(s)
	<-done
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, "get-device-descriptor", attachErr.Step)
	assert.Nil(t, s.Device())
}
