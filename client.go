package usbip

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DevListReply is the result of ListPublished: every device path the
// daemon currently exports, each with its interface records attached.
type DevListReply struct {
	Paths []*DevicePath
}

// Client is the top-level orchestrator (spec.md section 4.5): it owns
// the daemon-facing Transport until attachment hands it to a Session,
// and owns the resulting Session list until Shutdown.
type Client struct {
	mu sync.RWMutex

	remoteAddr       string
	transportFactory TransportFactory
	connectTimeout   time.Duration
	commandTimeout   time.Duration
	importRetry      time.Duration

	daemon   Transport
	sessions []*Session

	log *logrus.Entry
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithTransportFactory overrides the default TCP transport, the
// injection point spec.md section 4.3 requires for tests.
func WithTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) { c.transportFactory = f }
}

// WithConnectTimeout overrides the 1-second daemon connect timeout.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithClientCommandTimeout overrides the per-Session command-ack timeout
// new Sessions are constructed with.
func WithClientCommandTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.commandTimeout = d }
}

// WithClientLogger overrides the logrus entry used for lifecycle logging.
func WithClientLogger(entry *logrus.Entry) ClientOption {
	return func(c *Client) { c.log = entry }
}

// NewClient constructs a Client targeting remoteAddr, which is dialed as
// given and so must include the port (USB/IP daemons listen on 3240 by
// default).
func NewClient(remoteAddr string, opts ...ClientOption) *Client {
	c := &Client{
		remoteAddr:       remoteAddr,
		transportFactory: NewTCPTransport,
		connectTimeout:   DefaultServerConnectTimeout,
		commandTimeout:   DefaultCommandAckTimeout,
		importRetry:      1 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.WithFields(logrus.Fields{"component": "client", "addr": remoteAddr})
	}
	return c
}

// ConnectDaemon establishes the TCP connection to the daemon with a
// 1-second connect timeout by default.
func (c *Client) ConnectDaemon() error {
	t := c.transportFactory()
	if err := t.Connect(c.remoteAddr, c.connectTimeout); err != nil {
		if ce, ok := err.(*connectError); ok && ce.timeout {
			return fmt.Errorf("%s: %w", c.remoteAddr, ErrDaemonTimeout)
		}
		return fmt.Errorf("%s: %v: %w", c.remoteAddr, err, ErrDaemonConnect)
	}
	_ = t.SetNoDelay(true)
	c.mu.Lock()
	c.daemon = t
	c.mu.Unlock()
	c.log.Info("connected to daemon")
	return nil
}

// ListPublished sends OP_REQ_DEVLIST and decodes every exported device
// path, each followed by its interface records (spec.md section 4.5).
func (c *Client) ListPublished() (*DevListReply, error) {
	c.mu.RLock()
	daemon := c.daemon
	c.mu.RUnlock()
	if daemon == nil {
		return nil, ErrInvalidState
	}

	if err := daemon.SendAll(EncodeOpReqDevlist()); err != nil {
		return nil, &ConnectionLostError{Err: err}
	}
	header, err := readExactFrom(daemon, sizeOpRepDevlistHeader)
	if err != nil {
		return nil, err
	}
	numExported, err := DecodeOpRepDevlistHeader(header)
	if err != nil {
		return nil, err
	}

	reply := &DevListReply{}
	for i := uint32(0); i < numExported; i++ {
		raw, err := readExactFrom(daemon, sizeOpRepDevPath)
		if err != nil {
			return nil, err
		}
		path, err := DecodeDevPath(raw)
		if err != nil {
			return nil, err
		}
		for j := uint8(0); j < path.NumInterfaces; j++ {
			raw, err := readExactFrom(daemon, sizeOpRepDevInterface)
			if err != nil {
				return nil, err
			}
			rec, err := DecodeInterfaceRecord(raw)
			if err != nil {
				return nil, err
			}
			path.Interfaces = append(path.Interfaces, rec)
		}
		reply.Paths = append(reply.Paths, path)
	}
	return reply, nil
}

// importDevice sends OP_REQ_IMPORT for busid over transport and decodes
// the reply. On zero-length reads (the daemon hasn't flushed yet) it
// retries for up to 1 second before giving up.
func (c *Client) importDevice(transport Transport, busid string) (*ImportReply, error) {
	if err := transport.SendAll(EncodeOpReqImport(busid)); err != nil {
		return nil, &ConnectionLostError{Err: err}
	}

	deadline := time.Now().Add(c.importRetry)
	header, err := readExactFromWithRetry(transport, sizeCommonHeader, deadline)
	if err != nil {
		return nil, err
	}
	cmd, status, err := DecodeCommonHeader(header)
	if err != nil {
		return nil, err
	}
	if cmd != CmdRepImport {
		return nil, fmt.Errorf("OP_REP_IMPORT: cmd 0x%04x: %w", cmd, ErrBadMagic)
	}
	if status != 0 {
		return nil, &AttachError{Errno: int(status), Step: "import"}
	}

	body, err := readExactFromWithRetry(transport, sizeOpRepImport-sizeCommonHeader, deadline)
	if err != nil {
		return nil, err
	}
	path, err := decodeDevPathBody(body)
	if err != nil {
		return nil, err
	}
	return &ImportReply{DevicePath: *path, Status: status}, nil
}

// ImportDevice imports busid over the daemon Transport already owned by
// this Client (used by callers that drive the handshake manually; Attach
// opens a fresh per-device Transport since the daemon socket transfers
// ownership to the Session on import).
func (c *Client) ImportDevice(busid string) (*ImportReply, error) {
	c.mu.RLock()
	daemon := c.daemon
	c.mu.RUnlock()
	if daemon == nil {
		return nil, ErrInvalidState
	}
	return c.importDevice(daemon, busid)
}

// Attach imports and configures a Session for every requested HardwareID
// found in published (or freshly fetched if published is nil). Matching
// a HardwareID to more than one published path attaches to all of them.
func (c *Client) Attach(devices []HardwareID, published *DevListReply) ([]*Session, error) {
	if published == nil {
		var err error
		published, err = c.ListPublished()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.daemon != nil {
			_ = c.daemon.Close()
			c.daemon = nil
		}
		c.mu.Unlock()
	}

	var attached []*Session
	var lastErr error
	matched := false

	for _, want := range devices {
		for _, path := range published.Paths {
			if path.HardwareID() != want {
				continue
			}
			matched = true
			sess, err := c.attachOne(path)
			if err != nil {
				c.log.WithError(err).WithField("busid", path.BusID).Warn("attach failed")
				lastErr = err
				continue
			}
			c.mu.Lock()
			c.sessions = append(c.sessions, sess)
			c.mu.Unlock()
			attached = append(attached, sess)
		}
	}

	if !matched {
		return nil, ErrNotFound
	}
	// A per-path attach failure always surfaces, even when other paths
	// succeeded: the caller has no other way to learn a requested device
	// never attached.
	return attached, lastErr
}

// attachOne opens a fresh Transport to the daemon, imports path.BusID on
// it, and runs Setup Choreography on the resulting Session.
func (c *Client) attachOne(path *DevicePath) (*Session, error) {
	t := c.transportFactory()
	if err := t.Connect(c.remoteAddr, c.connectTimeout); err != nil {
		if ce, ok := err.(*connectError); ok && ce.timeout {
			return nil, fmt.Errorf("%s: %w", c.remoteAddr, ErrDaemonTimeout)
		}
		return nil, fmt.Errorf("%s: %v: %w", c.remoteAddr, err, ErrDaemonConnect)
	}
	_ = t.SetNoDelay(true)
	_ = t.SetKeepAlive(true)

	reply, err := c.importDevice(t, path.BusID)
	if err != nil {
		_ = t.Close()
		if ae, ok := err.(*AttachError); ok {
			ae.Step = "import"
			return nil, ae
		}
		return nil, &AttachError{Errno: -1, Step: "import"}
	}

	sess := NewSession(t, reply.HardwareID(), reply.BusNum, reply.DevNum, WithCommandTimeout(c.commandTimeout))
	if err := runSetupChoreography(sess); err != nil {
		_ = t.Close()
		return nil, err
	}
	return sess, nil
}

// GetConnection returns every live Session attached to hwID.
func (c *Client) GetConnection(hwID HardwareID) []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matches []*Session
	for _, s := range c.sessions {
		if s.HardwareID() == hwID {
			matches = append(matches, s)
		}
	}
	return matches
}

// pathClaimed reports whether any currently-tracked Session already owns
// the given bus/dev pair.
func (c *Client) pathClaimed(busNum, devNum uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.BusNum() == busNum && s.DevNum() == devNum {
			return true
		}
	}
	return false
}

// RestoreConnection removes lost from the Client, re-fetches the device
// list, and attempts to re-import the same VID/PID on any path that is
// neither lost's own bus/dev pair nor already claimed by another live
// Session. Transient ENOENT/ENODEV import failures are treated as "not
// available yet" and skipped quietly; any other attach failure is
// surfaced (spec.md section 4.5).
func (c *Client) RestoreConnection(lost *Session) (*Session, error) {
	c.mu.Lock()
	for i, s := range c.sessions {
		if s == lost {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	published, err := c.ListPublished()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.daemon != nil {
		_ = c.daemon.Close()
		c.daemon = nil
	}
	c.mu.Unlock()

	for _, path := range published.Paths {
		if path.HardwareID() != lost.HardwareID() {
			continue
		}
		if path.BusNum == lost.BusNum() && path.DevNum == lost.DevNum() {
			continue
		}
		if c.pathClaimed(path.BusNum, path.DevNum) {
			continue
		}

		sess, err := c.attachOne(path)
		if err != nil {
			if ae, ok := err.(*AttachError); ok && isDisconnectErrno(abs(ae.Errno)) {
				continue // transient: device not actually there yet
			}
			return nil, err
		}
		c.mu.Lock()
		c.sessions = append(c.sessions, sess)
		c.mu.Unlock()
		return sess, nil
	}
	return nil, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Shutdown closes the daemon socket (if still open) and, for every live
// Session, unlinks its in-flight commands and closes its Transport. Each
// Session is torn down concurrently since they share no mutable state
// (spec.md section 5); errors beyond DaemonTimeout are swallowed per
// spec.md section 7.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	daemon := c.daemon
	c.daemon = nil
	sessions := c.sessions
	c.sessions = nil
	c.mu.Unlock()

	if daemon != nil {
		if err := daemon.Close(); err != nil {
			c.log.WithError(err).Debug("daemon close error ignored during shutdown")
		}
	}

	var g errgroup.Group
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			sess.UnlinkAll()
			return sess.Close()
		})
	}
	if err := g.Wait(); err != nil {
		c.log.WithError(err).Debug("session close error ignored during shutdown")
	}
	return nil
}

// readExactFrom reads exactly n bytes from t with no retry-on-empty-read
// policy; used for the daemon-list path, which per spec.md section 4.5
// is not subject to ImportDevice's 1-second retry.
func readExactFrom(t Transport, n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := t.Recv(buf[total:])
		if err != nil {
			return nil, &ConnectionLostError{Err: err}
		}
		if read == 0 {
			return nil, &ConnectionLostError{Err: fmt.Errorf("connection closed after %d of %d bytes", total, n)}
		}
		total += read
	}
	return buf, nil
}

// readExactFromWithRetry is readExactFrom, but a zero-length read before
// any bytes have arrived is retried until deadline instead of failing
// immediately (ImportDevice's "retries up to 1 second" policy).
func readExactFromWithRetry(t Transport, n int, deadline time.Time) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := t.Recv(buf[total:])
		if err != nil {
			return nil, &ConnectionLostError{Err: err}
		}
		if read == 0 {
			if total > 0 {
				return nil, &ConnectionLostError{Err: fmt.Errorf("connection closed after %d of %d bytes", total, n)}
			}
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("import: %w", ErrResponseTimeout)
			}
			continue
		}
		total += read
	}
	return buf, nil
}
