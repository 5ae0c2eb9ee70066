package usbip

import (
	"io"
	"net"
	"time"
)

// Transport is the byte-stream abstraction a Client or Session drives
// (spec.md section 4.3). The real implementation is tcpTransport; tests
// use mockTransport, an in-memory stand-in with no network dependency.
type Transport interface {
	Connect(addr string, connectTimeout time.Duration) error
	SetReadTimeout(d time.Duration) error
	SetNoDelay(on bool) error
	SetKeepAlive(on bool) error
	SendAll(b []byte) error
	Recv(buf []byte) (int, error)
	Shutdown() error
	Close() error
}

// TransportFactory constructs a fresh Transport, letting a Client's
// caller inject a test double in place of tcpTransport.
type TransportFactory func() Transport

// tcpTransport is the real Transport, a thin wrapper over net.TCPConn
// exposing exactly the knobs spec.md section 4.3 names.
type tcpTransport struct {
	conn *net.TCPConn
}

// NewTCPTransport returns a fresh, not yet connected TCP Transport; it is
// itself a TransportFactory, the default used by Client when none is
// supplied.
func NewTCPTransport() Transport {
	return &tcpTransport{}
}

func (t *tcpTransport) Connect(addr string, connectTimeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return &connectError{timeout: true, err: err}
		}
		return &connectError{timeout: false, err: err}
	}
	t.conn = conn.(*net.TCPConn)
	return nil
}

func (t *tcpTransport) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return t.conn.SetReadDeadline(time.Time{})
	}
	return t.conn.SetReadDeadline(time.Now().Add(d))
}

func (t *tcpTransport) SetNoDelay(on bool) error   { return t.conn.SetNoDelay(on) }
func (t *tcpTransport) SetKeepAlive(on bool) error { return t.conn.SetKeepAlive(on) }

func (t *tcpTransport) SendAll(b []byte) error {
	for len(b) > 0 {
		n, err := t.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (t *tcpTransport) Recv(buf []byte) (int, error) {
	n, err := t.conn.Read(buf)
	if err == io.EOF {
		return n, nil // zero-length read treated as EOF by callers, not an error
	}
	return n, err
}

func (t *tcpTransport) Shutdown() error {
	return t.conn.CloseWrite()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// connectError distinguishes DaemonTimeout from DaemonConnect without
// forcing every caller to type-assert net.Error.
type connectError struct {
	timeout bool
	err     error
}

func (e *connectError) Error() string { return e.err.Error() }
func (e *connectError) Unwrap() error { return e.err }
