package usbip

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ClassCDCData is the standard USB class code for a CDC Data interface;
// its endpoints become a Session's input/output bindings during Setup
// Choreography (spec.md section 4.6).
const ClassCDCData = 0x0a

// Default configuration knobs (spec.md section 6).
const (
	DefaultPayloadTimeout      = 250 * time.Millisecond
	DefaultCommandAckTimeout   = 5 * time.Second
	DefaultUnlinkTimeout       = 10 * time.Second
	DefaultServerConnectTimeout = 1 * time.Second
	DefaultReadBufferSize      = 512
	DefaultSocketReadTimeout   = 5 * time.Millisecond
	DefaultURBQueueMin         = 10
	DefaultURBQueueMax         = 50
	DefaultURBReadSize         = 0x1000
)

var defaultDelimiter = []byte("\r\n")

// Session is the per-attached-device correlation layer over one
// Transport (spec.md section 4.4). It owns no goroutines: every
// suspension point blocks on the Transport's own read timeout plus an
// outer deadline check, per the synchronous "cooperative with itself"
// model in spec.md section 9.
type Session struct {
	mu sync.Mutex

	transport Transport
	hwID      HardwareID
	busNum    uint32
	devNum    uint32
	devID     uint32

	seq uint32

	inFlight  map[uint32]*Command
	responses map[uint32]*Response
	unlinkSts map[uint32]int32

	device        *DeviceDescriptor
	configuration *ConfigurationDescriptor
	input         *Endpoint
	output        *Endpoint

	delimiter      []byte
	commandTimeout time.Duration
	unlinkTimeout  time.Duration
	payloadTimeout time.Duration
	readBufferSize int
	urbQueueMin    int
	urbQueueMax    int

	log *logrus.Entry
}

// SessionOption configures a Session at construction time.
type SessionOption func(*Session)

// WithDelimiter overrides the default "\r\n" line-read delimiter (the
// configurable form mandated by the Open Question in spec.md section 9).
func WithDelimiter(d []byte) SessionOption {
	return func(s *Session) { s.delimiter = append([]byte(nil), d...) }
}

// WithCommandTimeout overrides the 5-second write-acknowledgement ceiling.
func WithCommandTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.commandTimeout = d }
}

// WithUnlinkTimeout overrides the 10-second unlink ceiling.
func WithUnlinkTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.unlinkTimeout = d }
}

// WithPayloadTimeout overrides the default ResponseData timeout.
func WithPayloadTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.payloadTimeout = d }
}

// WithReadBufferSize overrides the per-recv buffer size used by ReadAll.
func WithReadBufferSize(n int) SessionOption {
	return func(s *Session) { s.readBufferSize = n }
}

// WithURBQueueBounds overrides the pipelined read-queue low/high
// watermarks (spec.md section 5).
func WithURBQueueBounds(min, max int) SessionOption {
	return func(s *Session) { s.urbQueueMin, s.urbQueueMax = min, max }
}

// WithSessionLogger overrides the logrus entry used for lifecycle
// logging; the zero value logs through logrus's standard logger.
func WithSessionLogger(entry *logrus.Entry) SessionOption {
	return func(s *Session) { s.log = entry }
}

// NewSession creates a Session owning transport exclusively. devID is
// busnum<<16|devnum, the URB-level device identifier.
func NewSession(transport Transport, hwID HardwareID, busNum, devNum uint32, opts ...SessionOption) *Session {
	s := &Session{
		transport:      transport,
		hwID:           hwID,
		busNum:         busNum,
		devNum:         devNum,
		devID:          busNum<<16 | devNum,
		inFlight:       make(map[uint32]*Command),
		responses:      make(map[uint32]*Response),
		unlinkSts:      make(map[uint32]int32),
		delimiter:      append([]byte(nil), defaultDelimiter...),
		commandTimeout: DefaultCommandAckTimeout,
		unlinkTimeout:  DefaultUnlinkTimeout,
		payloadTimeout: DefaultPayloadTimeout,
		readBufferSize: DefaultReadBufferSize,
		urbQueueMin:    DefaultURBQueueMin,
		urbQueueMax:    DefaultURBQueueMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logrus.WithFields(logrus.Fields{"component": "session", "hwid": hwID.String()})
	}
	return s
}

// SetDelimiter changes the line-read delimiter used by ReadLine and by
// ResponseData(size=0).
func (s *Session) SetDelimiter(d []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delimiter = append([]byte(nil), d...)
}

// Device returns the decoded device descriptor bound during Setup
// Choreography, or nil before step 1 completes.
func (s *Session) Device() *DeviceDescriptor { return s.device }

// Configuration returns the decoded configuration tree bound during
// Setup Choreography, or nil before step 3 completes.
func (s *Session) Configuration() *ConfigurationDescriptor { return s.configuration }

// HardwareID returns the VID/PID this Session is attached to.
func (s *Session) HardwareID() HardwareID { return s.hwID }

// BusNum and DevNum identify the server-side path this Session is bound
// to; RestoreConnection uses these to avoid re-claiming the same path.
func (s *Session) BusNum() uint32 { return s.busNum }
func (s *Session) DevNum() uint32 { return s.devNum }

func (s *Session) nextSeq() uint32 {
	s.seq++
	return s.seq
}

// bindEndpoints walks the decoded configuration for CDC Data interfaces
// and binds their endpoints as input/output, per spec.md section 4.6
// step 3.
func (s *Session) bindEndpoints(cfg *ConfigurationDescriptor) {
	for _, iface := range cfg.Interfaces {
		if iface.Class != ClassCDCData {
			continue
		}
		for i := range iface.Endpoints {
			ep := iface.Endpoints[i]
			if ep.IsOutput() {
				output := ep
				s.output = &output
			} else {
				input := ep
				s.input = &input
			}
		}
	}
}

// SendCommand writes the encoded command and records it as in-flight
// under its assigned sequence number. Every transfer on the control
// endpoint, IN as well as OUT, and every OUT transfer on the bound output
// endpoint blocks for its RET_SUBMIT (up to commandTimeout) and returns
// the server-reported actual_length; a control IN payload is not returned
// by SendCommand. All other commands return immediately with
// actual_length 0.
func (s *Session) SendCommand(cmd *Command) (uint32, error) {
	resp, acknowledged, err := s.sendAndAwait(cmd)
	if err != nil || !acknowledged {
		return 0, err
	}
	return resp.ActualLength, nil
}

// controlTransfer sends cmd on the control endpoint and returns the full
// Response, including any descriptor payload the device returned. Control
// transfers are always synchronous request/response regardless of
// direction, unlike bulk/interrupt IN reads which are collected later via
// ResponseData. Used by Setup Choreography (setup.go).
func (s *Session) controlTransfer(cmd *Command) (*Response, error) {
	resp, _, err := s.sendAndAwait(cmd)
	return resp, err
}

// sendAndAwait is the shared implementation behind SendCommand and
// controlTransfer: it submits cmd and, if the command requires
// acknowledgement (control endpoint, or an OUT transfer on the bound
// output endpoint), blocks for the matching RET_SUBMIT.
func (s *Session) sendAndAwait(cmd *Command) (*Response, bool, error) {
	s.mu.Lock()
	cmd.Seqnum = s.nextSeq()
	cmd.DevID = s.devID
	s.inFlight[cmd.Seqnum] = cmd
	s.mu.Unlock()

	if err := s.transport.SendAll(EncodeCmdSubmit(cmd)); err != nil {
		return nil, false, &ConnectionLostError{Session: s, Err: err}
	}

	acknowledged := cmd.Endpoint == 0 || (cmd.Direction == DirectionOut && s.isOutputEndpoint(uint8(cmd.Endpoint)))
	if !acknowledged {
		return nil, false, nil
	}

	deadline := time.Now().Add(s.commandTimeout)
	for {
		s.mu.Lock()
		resp, ok := s.responses[cmd.Seqnum]
		if ok {
			delete(s.responses, cmd.Seqnum)
			delete(s.inFlight, cmd.Seqnum)
		}
		s.mu.Unlock()
		if ok {
			return resp, true, nil
		}
		if time.Now().After(deadline) {
			return nil, true, fmt.Errorf("seqnum %d: %w", cmd.Seqnum, ErrResponseTimeout)
		}
		if _, err := s.waitForResponse(minDuration(time.Until(deadline), DefaultSocketReadTimeout)); err != nil && !isTimeoutErr(err) {
			return nil, true, err
		}
	}
}

func (s *Session) isOutputEndpoint(num uint8) bool {
	return s.output != nil && s.output.Number() == num
}

// SendUnlink cancels unlinkSeqnum, then drains responses until the
// matching RET_UNLINK arrives (up to unlinkTimeout). It reports whether
// the status corresponds to a device-disconnect errno.
func (s *Session) SendUnlink(unlinkSeqnum uint32) (bool, error) {
	s.mu.Lock()
	cmd, known := s.inFlight[unlinkSeqnum]
	var devID, ep uint32
	var dir int32
	if known {
		devID, dir, ep = cmd.DevID, cmd.Direction, uint32(cmd.Endpoint)
	} else {
		devID = s.devID
	}
	ownSeq := s.nextSeq()
	s.mu.Unlock()

	if err := s.transport.SendAll(EncodeCmdUnlink(ownSeq, unlinkSeqnum, devID, dir, int32(ep))); err != nil {
		return false, &ConnectionLostError{Session: s, Err: err}
	}

	deadline := time.Now().Add(s.unlinkTimeout)
	for {
		s.mu.Lock()
		status, ok := s.unlinkSts[ownSeq]
		if ok {
			delete(s.unlinkSts, ownSeq)
		}
		s.mu.Unlock()
		if ok {
			s.mu.Lock()
			delete(s.inFlight, unlinkSeqnum)
			delete(s.responses, unlinkSeqnum)
			s.mu.Unlock()
			errno := int(status)
			if errno < 0 {
				errno = -errno
			}
			return isDisconnectErrno(errno), nil
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("unlink %d: %w", unlinkSeqnum, ErrResponseTimeout)
		}
		if _, err := s.waitForResponse(minDuration(time.Until(deadline), DefaultSocketReadTimeout)); err != nil && !isTimeoutErr(err) {
			return false, err
		}
	}
}

// waitForResponse reads exactly one HEADER_BASIC and its matching body,
// storing the result for SendCommand/SendUnlink/ResponseData to collect.
// It bounds its own read timeout to budget so a caller's deadline is
// respected even though the Transport's own timeout is independent.
func (s *Session) waitForResponse(budget time.Duration) (bool, error) {
	if budget <= 0 {
		budget = time.Millisecond
	}
	if err := s.transport.SetReadTimeout(budget); err != nil {
		return false, err
	}
	return s.WaitForResponse()
}

// WaitForResponse reads one HEADER_BASIC, then its RET_SUBMIT or
// RET_UNLINK body, storing the decoded Response or unlink status.
// Returns true if a response was stored.
func (s *Session) WaitForResponse() (bool, error) {
	hdr, err := s.readExact(sizeHeaderBasic)
	if err != nil {
		return false, err
	}
	h, err := DecodeHeaderBasic(hdr)
	if err != nil {
		return false, err
	}

	switch h.Cmd {
	case URBRetSubmit:
		rest, err := s.readExact(sizeRetSubmitPrefix - sizeHeaderBasic)
		if err != nil {
			return false, err
		}
		prefix, err := DecodeRetSubmitPrefix(rest)
		if err != nil {
			return false, err
		}

		s.mu.Lock()
		origin := s.inFlight[h.Seqnum]
		s.mu.Unlock()

		var payload []byte
		if origin != nil && origin.Direction == DirectionIn && prefix.ActualLength > 0 {
			payload, err = s.readExact(int(prefix.ActualLength))
			if err != nil {
				return false, err
			}
		}

		resp := &Response{
			Seqnum:       h.Seqnum,
			DevID:        h.DevID,
			Direction:    h.Direction,
			Endpoint:     h.Endpoint,
			Status:       prefix.Status,
			ActualLength: prefix.ActualLength,
			StartFrame:   prefix.StartFrame,
			NumPackets:   prefix.NumPackets,
			ErrorCount:   prefix.ErrorCount,
			Payload:      payload,
		}
		if origin != nil {
			resp.EP = uint8(origin.Endpoint)
		}

		s.mu.Lock()
		s.responses[h.Seqnum] = resp
		s.mu.Unlock()
		return true, nil

	case URBRetUnlink:
		rest, err := s.readExact(sizeRetUnlink - sizeHeaderBasic)
		if err != nil {
			return false, err
		}
		status, err := DecodeRetUnlinkStatus(rest)
		if err != nil {
			return false, err
		}
		s.mu.Lock()
		s.unlinkSts[h.Seqnum] = status
		s.mu.Unlock()
		return true, nil

	default:
		return false, fmt.Errorf("WaitForResponse: cmd 0x%08x: %w", h.Cmd, ErrBadMagic)
	}
}

// readExact blocks until exactly n bytes have been read from the
// Transport, treating a zero-length read as a lost connection.
func (s *Session) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	total := 0
	for total < n {
		read, err := s.transport.Recv(buf[total:])
		if err != nil {
			return nil, &ConnectionLostError{Session: s, Err: err}
		}
		if read == 0 {
			return nil, &ConnectionLostError{Session: s, Err: fmt.Errorf("connection closed after %d of %d bytes", total, n)}
		}
		total += read
	}
	return buf, nil
}

// ResponseData drains stored Responses addressed to the input endpoint
// until either size bytes have been collected (size > 0), the buffer
// ends with the configured delimiter (size == 0), or timeout elapses
// (spec.md section 4.4).
func (s *Session) ResponseData(size int, timeout time.Duration) ([]byte, error) {
	if s.input == nil {
		return nil, ErrInvalidState
	}
	deadline := time.Now().Add(timeout)
	var collected []byte

	for {
		remaining := deadline.Sub(time.Now())
		if remaining > 0 {
			_, err := s.waitForResponse(minDuration(remaining, DefaultSocketReadTimeout))
			if err != nil && !isTimeoutErr(err) {
				return collected, err
			}
		}

		s.mu.Lock()
		inputNum := s.input.Number()
		for seq, resp := range s.responses {
			if resp.EP != inputNum {
				continue
			}
			collected = append(collected, resp.Payload...)
			delete(s.responses, seq)
			delete(s.inFlight, seq)
		}
		s.mu.Unlock()

		if size > 0 && len(collected) >= size {
			return collected, nil
		}
		if size == 0 && bytes.HasSuffix(collected, s.delimiter) {
			return collected, nil
		}
		if time.Now().After(deadline) {
			if len(collected) == 0 {
				return nil, fmt.Errorf("after %v: %w", timeout, ErrResponseTimeout)
			}
			return collected, nil
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// isTimeoutErr reports whether err is a Transport-level read timeout,
// which ResponseData treats as "nothing new arrived yet" rather than a
// fatal ConnectionLost.
func isTimeoutErr(err error) bool {
	type timeout interface{ Timeout() bool }
	if t, ok := err.(timeout); ok {
		return t.Timeout()
	}
	var lost *ConnectionLostError
	if ce, ok := err.(*ConnectionLostError); ok {
		lost = ce
		if t, ok := lost.Err.(timeout); ok {
			return t.Timeout()
		}
	}
	return false
}

// ReadAll loops on Transport.Recv until n bytes are collected or timeout
// elapses. A zero-length read is treated as EOF and returns whatever was
// accumulated so far.
func (s *Session) ReadAll(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, n)
	chunkSize := s.readBufferSize
	if chunkSize <= 0 {
		chunkSize = DefaultReadBufferSize
	}
	for len(buf) < n && time.Now().Before(deadline) {
		if err := s.transport.SetReadTimeout(minDuration(time.Until(deadline), DefaultSocketReadTimeout)); err != nil {
			return nil, err
		}
		want := n - len(buf)
		if want > chunkSize {
			want = chunkSize
		}
		chunk := make([]byte, want)
		read, err := s.transport.Recv(chunk)
		if err != nil {
			if isTimeoutErr(err) {
				continue
			}
			return buf, err
		}
		if read == 0 {
			return buf, nil
		}
		buf = append(buf, chunk[:read]...)
	}
	return buf, nil
}

// Send writes data to the device's bound output endpoint as one OUT
// CMD_SUBMIT and returns the server-acknowledged byte count. Before
// sending, it tops up the pipelined input read queue so any response
// data the device generates has a read URB already waiting for it.
func (s *Session) Send(data []byte) (uint32, error) {
	if s.output == nil {
		return 0, ErrInvalidState
	}
	if s.input != nil {
		if err := s.fillReadQueue(DefaultURBReadSize); err != nil {
			return 0, err
		}
	}
	cmd := &Command{
		Direction: DirectionOut,
		Endpoint:  int32(s.output.Number()),
		Length:    uint32(len(data)),
		Payload:   data,
	}
	return s.SendCommand(cmd)
}

// Read enqueues one IN read URB of size bytes on the device's bound
// input endpoint. It does not block for data; call ResponseData or
// ReadLine to collect the payload once it arrives.
func (s *Session) Read(size int) error {
	if s.input == nil {
		return ErrInvalidState
	}
	cmd := &Command{
		Direction: DirectionIn,
		Endpoint:  int32(s.input.Number()),
		Length:    uint32(size),
	}
	_, err := s.SendCommand(cmd)
	return err
}

// ReadLine collects bytes via ResponseData(size=0, payloadTimeout),
// returning once the accumulated buffer ends with the configured
// delimiter.
func (s *Session) ReadLine() ([]byte, error) {
	return s.ResponseData(0, s.payloadTimeout)
}

// PendingReads counts in-flight commands addressed to the input
// endpoint, used by fillReadQueue to decide whether to top up the
// pipeline.
func (s *Session) PendingReads() int {
	if s.input == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cmd := range s.inFlight {
		if cmd.Direction == DirectionIn && uint8(cmd.Endpoint) == s.input.Number() {
			n++
		}
	}
	return n
}

// fillReadQueue tops up the pipelined read queue to urbQueueMax whenever
// it has drained below urbQueueMin, the policy named in spec.md section
// 5 (URB_QUEUE_MIN=10, URB_QUEUE_MAX=50 by default).
func (s *Session) fillReadQueue(readSize int) error {
	if s.input == nil {
		return ErrInvalidState
	}
	pending := s.PendingReads()
	if pending >= s.urbQueueMin {
		return nil
	}
	for i := pending; i < s.urbQueueMax; i++ {
		if err := s.Read(readSize); err != nil {
			return err
		}
	}
	return nil
}

// UnlinkAll sends one CMD_UNLINK for every command still in flight,
// guaranteeing property 5 in spec.md section 8 ("no leak of in-flight"):
// after this returns, the in-flight map is empty.
func (s *Session) UnlinkAll() []uint32 {
	s.mu.Lock()
	seqs := make([]uint32, 0, len(s.inFlight))
	for seq := range s.inFlight {
		seqs = append(seqs, seq)
	}
	s.mu.Unlock()

	unlinked := make([]uint32, 0, len(seqs))
	for _, seq := range seqs {
		if _, err := s.SendUnlink(seq); err != nil {
			s.log.WithError(err).WithField("seqnum", seq).Warn("unlink failed during shutdown")
			s.mu.Lock()
			delete(s.inFlight, seq)
			s.mu.Unlock()
			continue
		}
		unlinked = append(unlinked, seq)
	}
	return unlinked
}

// Close closes the underlying Transport. Callers should call UnlinkAll
// first so the server can free queued URBs (spec.md section 5).
func (s *Session) Close() error {
	return s.transport.Close()
}
