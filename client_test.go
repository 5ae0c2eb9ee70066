package usbip

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFactory hands out net.Pipe-backed transports and publishes the
// server half of each pair on a channel, so a test can drive the "daemon
// side" of however many connections the Client opens.
type fakeFactory struct {
	servers chan net.Conn
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{servers: make(chan net.Conn, 16)}
}

func (f *fakeFactory) transport() Transport {
	client, server := net.Pipe()
	f.servers <- server
	return &mockTransport{conn: client}
}

func devPathBytes(vid, pid uint16, busid string, busNum, devNum uint32, numInterfaces uint8) *DevicePath {
	return &DevicePath{
		Path:          "/sys/devices/pci0000:00/usb1/" + busid,
		BusID:         busid,
		BusNum:        busNum,
		DevNum:        devNum,
		Speed:         2,
		VendorID:      vid,
		ProductID:     pid,
		Class:         0xef,
		SubClass:      0x02,
		Protocol:      0x01,
		ConfigValue:   1,
		NumConfigs:    1,
		NumInterfaces: numInterfaces,
	}
}

// TestListPublishedTwoDevices exercises S1 from spec.md section 8: the
// daemon lists two exported devices.
func TestListPublishedTwoDevices(t *testing.T) {
	factory := newFakeFactory()
	c := NewClient("daemon.test:3240", WithTransportFactory(factory.transport))
	require.NoError(t, c.ConnectDaemon())
	daemon := <-factory.servers

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readN(daemon, sizeCommonHeader); err != nil {
			return
		}
		daemon.Write(EncodeOpRepDevlistHeader(2))
		first := devPathBytes(0x0525, 0xa4a7, "1-1", 1, 1, 1)
		daemon.Write(EncodeDevPath(first))
		daemon.Write(EncodeInterfaceRecord(InterfaceRecord{Class: 0x0a, SubClass: 0, Protocol: 0}))
		second := devPathBytes(0x1234, 0x5678, "1-2", 1, 2, 0)
		daemon.Write(EncodeDevPath(second))
	}()

	reply, err := c.ListPublished()
	require.NoError(t, err)
	<-done

	require.Len(t, reply.Paths, 2)
	assert.Equal(t, "1-1", reply.Paths[0].BusID)
	assert.Equal(t, uint16(0x0525), reply.Paths[0].VendorID)
	require.Len(t, reply.Paths[0].Interfaces, 1)
	assert.Equal(t, uint8(0x0a), reply.Paths[0].Interfaces[0].Class)
	assert.Equal(t, "1-2", reply.Paths[1].BusID)
	assert.Empty(t, reply.Paths[1].Interfaces)
}

func TestImportDeviceSuccess(t *testing.T) {
	c := NewClient("daemon.test:3240")
	transport, server := newMockTransportPair()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readN(server, sizeOpReqImport); err != nil {
			return
		}
		reply := &ImportReply{DevicePath: *devPathBytes(0x0525, 0xa4a7, "1-1", 1, 1, 0)}
		server.Write(EncodeImportReply(reply))
	}()

	reply, err := c.importDevice(transport, "1-1")
	require.NoError(t, err)
	<-done
	assert.Equal(t, uint32(0), reply.Status)
	assert.Equal(t, uint16(0x0525), reply.VendorID)
	assert.Equal(t, uint16(0xa4a7), reply.ProductID)
}

// TestImportDeviceFailure exercises S3 from spec.md section 8: the
// daemon reports ENODEV and no device path body follows.
func TestImportDeviceFailure(t *testing.T) {
	c := NewClient("daemon.test:3240")
	transport, server := newMockTransportPair()

	const enodev = 19
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readN(server, sizeOpReqImport); err != nil {
			return
		}
		server.Write(EncodeImportReply(&ImportReply{Status: enodev}))
	}()

	_, err := c.importDevice(transport, "1-1")
	<-done
	var attachErr *AttachError
	require.ErrorAs(t, err, &attachErr)
	assert.Equal(t, enodev, attachErr.Errno)
}

func TestAttachNotFound(t *testing.T) {
	c := NewClient("daemon.test:3240")
	published := &DevListReply{Paths: []*DevicePath{
		devPathBytes(0x1111, 0x2222, "1-1", 1, 1, 0),
	}}
	_, err := c.Attach([]HardwareID{{VendorID: 0x9999, ProductID: 0x8888}}, published)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetConnection(t *testing.T) {
	c := NewClient("daemon.test:3240")
	transport, _ := newMockTransportPair()
	hwID := HardwareID{VendorID: 0x0525, ProductID: 0xa4a7}
	sess := NewSession(transport, hwID, 1, 1)
	c.sessions = append(c.sessions, sess)

	matches := c.GetConnection(hwID)
	require.Len(t, matches, 1)
	assert.Same(t, sess, matches[0])

	assert.Empty(t, c.GetConnection(HardwareID{VendorID: 0x1, ProductID: 0x1}))
}

// TestRestoreConnectionSkipsLostsOwnPath exercises property 7's negative
// case from spec.md section 8: when the only published path with the
// matching HardwareID is the one that was just lost, RestoreConnection
// returns no error and no Session.
func TestRestoreConnectionSkipsLostsOwnPath(t *testing.T) {
	factory := newFakeFactory()
	c := NewClient("daemon.test:3240", WithTransportFactory(factory.transport))
	require.NoError(t, c.ConnectDaemon())
	daemon := <-factory.servers

	lostTransport, _ := newMockTransportPair()
	hwID := HardwareID{VendorID: 0x0525, ProductID: 0xa4a7}
	lost := NewSession(lostTransport, hwID, 1, 1)
	c.sessions = append(c.sessions, lost)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readN(daemon, sizeCommonHeader); err != nil {
			return
		}
		daemon.Write(EncodeOpRepDevlistHeader(1))
		daemon.Write(EncodeDevPath(devPathBytes(0x0525, 0xa4a7, "1-1", 1, 1, 0)))
	}()

	sess, err := c.RestoreConnection(lost)
	<-done
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Empty(t, c.sessions) // lost was removed, nothing replaced it
}

// TestRestoreConnectionSkipsAlreadyClaimedPath checks that a path another
// live Session already owns is not re-attached.
func TestRestoreConnectionSkipsAlreadyClaimedPath(t *testing.T) {
	factory := newFakeFactory()
	c := NewClient("daemon.test:3240", WithTransportFactory(factory.transport))
	require.NoError(t, c.ConnectDaemon())
	daemon := <-factory.servers

	hwID := HardwareID{VendorID: 0x0525, ProductID: 0xa4a7}
	lostTransport, _ := newMockTransportPair()
	lost := NewSession(lostTransport, hwID, 1, 1)
	claimedTransport, _ := newMockTransportPair()
	claimed := NewSession(claimedTransport, hwID, 1, 2)
	c.sessions = append(c.sessions, lost, claimed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := readN(daemon, sizeCommonHeader); err != nil {
			return
		}
		daemon.Write(EncodeOpRepDevlistHeader(1))
		// the only published path for this HardwareID is the one "claimed" already owns
		daemon.Write(EncodeDevPath(devPathBytes(0x0525, 0xa4a7, "1-2", 1, 2, 0)))
	}()

	sess, err := c.RestoreConnection(lost)
	<-done
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestShutdownClosesDaemonAndSessions(t *testing.T) {
	factory := newFakeFactory()
	c := NewClient("daemon.test:3240", WithTransportFactory(factory.transport))
	require.NoError(t, c.ConnectDaemon())
	daemonServer := <-factory.servers

	sessTransport, sessServer := newMockTransportPair()
	sess := NewSession(sessTransport, HardwareID{VendorID: 1, ProductID: 1}, 1, 1)
	c.sessions = append(c.sessions, sess)

	require.NoError(t, c.Shutdown())

	_, err := daemonServer.Write([]byte{0})
	assert.Error(t, err, "daemon transport should be closed")
	_, err = sessServer.Write([]byte{0})
	assert.Error(t, err, "session transport should be closed")
}
