package usbip

import (
	"errors"
	"io"
	"net"
	"time"
)

// mockTransport adapts a net.Conn (one end of an in-memory net.Pipe) to
// the Transport interface, standing in for a real daemon connection in
// tests. The paired net.Conn lets a test goroutine script server-side
// behavior without any network dependency.
type mockTransport struct {
	conn net.Conn
}

// newMockTransportPair returns a client-side Transport and the paired
// net.Conn a test can drive as the "server" side of the connection.
func newMockTransportPair() (Transport, net.Conn) {
	client, server := net.Pipe()
	return &mockTransport{conn: client}, server
}

func (m *mockTransport) Connect(addr string, connectTimeout time.Duration) error { return nil }

func (m *mockTransport) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return m.conn.SetReadDeadline(time.Time{})
	}
	return m.conn.SetReadDeadline(time.Now().Add(d))
}

func (m *mockTransport) SetNoDelay(on bool) error  { return nil }
func (m *mockTransport) SetKeepAlive(on bool) error { return nil }

func (m *mockTransport) SendAll(b []byte) error {
	for len(b) > 0 {
		n, err := m.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (m *mockTransport) Recv(buf []byte) (int, error) {
	n, err := m.conn.Read(buf)
	if errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, err
}

func (m *mockTransport) Shutdown() error { return nil }
func (m *mockTransport) Close() error     { return m.conn.Close() }
