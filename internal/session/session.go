// Package session implements the per-transfer TFTP protocol engine: the
// lock-step read/write state machine, timeout-driven retransmission, and
// per-session TID isolation defined by RFC 1350.
package session

import (
	"errors"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ilstam/apts/internal/blockio"
	"github.com/ilstam/apts/internal/metrics"
	"github.com/ilstam/apts/internal/wire"
)

// errPathEscapesRoot is returned by resolvePath when a requested filename,
// once cleaned, would resolve outside the session's rooted filesystem.
var errPathEscapesRoot = errors.New("session: path escapes tftp root")

// DefaultSchedule is the fixed vector of receive timeouts used between
// retransmissions.
var DefaultSchedule = []time.Duration{3 * time.Second, 5 * time.Second, 8 * time.Second}

// maxDatagram is large enough to hold any RRQ/WRQ filename plus a full
// 516-byte DATA packet; TFTP packets must fit within a single, unfragmented
// IP packet, so the Ethernet MTU is a safe upper bound.
const maxDatagram = 1500

// direction tracks which half of the protocol a session is running.
type direction int

const (
	dirUndecided direction = iota
	dirRead
	dirWrite
)

// Conn is the subset of net.PacketConn a Session needs; it exists so tests
// can substitute a fake implementation if a real loopback socket isn't
// wanted.
type Conn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Session drives one TFTP transfer from its initial request to
// termination. It owns conn and any open file handle exclusively for its
// lifetime.
type Session struct {
	id   string
	conn Conn
	peer net.Addr
	fs   afero.Fs

	writable bool
	schedule []time.Duration

	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	direction       direction
	mode            wire.Mode
	blockNum        uint16
	lastSent        wire.Packet
	lastReceived    wire.Packet
	retransmissions int

	reader *blockio.Reader
	writer *blockio.Writer
}

// New creates a Session bound to conn (already listening on its ephemeral
// TID port) for transfers with peer, rooted at fs.
func New(conn Conn, peer net.Addr, fs afero.Fs, writable bool, log *zap.SugaredLogger, m *metrics.Metrics) *Session {
	id := shortID(uuid.NewString())
	return &Session{
		id:       id,
		conn:     conn,
		peer:     peer,
		fs:       fs,
		writable: writable,
		schedule: DefaultSchedule,
		log:      log.With("session", id, "peer", peer.String()),
		metrics:  m,
	}
}

// SetSchedule overrides the default retransmission schedule. It must be
// called before Run. Tests use this to avoid waiting on real multi-second
// timeouts.
func (s *Session) SetSchedule(schedule []time.Duration) {
	s.schedule = schedule
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run processes initial (the datagram that caused the listener to spawn
// this session) and then drives the session to completion, reading
// subsequent datagrams from conn. Run blocks until the transfer terminates.
func (s *Session) Run(initial []byte) {
	s.metrics.SessionStarted()
	s.log.Infow("session open")

	defer func() {
		s.cleanup()
		s.metrics.SessionEnded()
		s.log.Infow("session closed")
	}()

	if !s.handleDatagram(initial, s.peer) {
		return
	}

	buf := make([]byte, maxDatagram)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.nextDeadline())); err != nil {
			s.log.Errorw("set read deadline failed", "error", err)
			return
		}

		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				if !s.handleTimeout() {
					return
				}
				continue
			}
			s.log.Errorw("read failed", "error", err)
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if !s.handleDatagram(data, from) {
			return
		}
	}
}

func (s *Session) cleanup() {
	if s.reader != nil {
		_ = s.reader.Close()
	}
	if s.writer != nil {
		_ = s.writer.Close()
	}
	_ = s.conn.Close()
}

// handleDatagram processes one received datagram and returns whether the
// session should continue running.
func (s *Session) handleDatagram(data []byte, from net.Addr) bool {
	if !addrEqual(from, s.peer) {
		s.log.Warnw("datagram from unexpected peer-port, rejecting", "from", from.String())
		s.writeTo(from, wire.NewError(wire.ErrUnknownTransferID))
		return true
	}

	// A new valid datagram from the right peer resets the retransmission
	// budget.
	s.retransmissions = 0

	pkt, err := wire.Parse(data)
	if err != nil {
		s.log.Warnw("packet parse failure", "error", err)
		s.send(wire.NewError(wire.ErrIllegalOperation))
		s.observeResult("error")
		return false
	}

	s.lastReceived = pkt
	s.log.Debugw("received packet", "opcode", pkt.Opcode().String())

	switch p := pkt.(type) {
	case *wire.ReadRequest:
		return s.handleRRQ(p)
	case *wire.WriteRequest:
		return s.handleWRQ(p)
	case *wire.Data:
		return s.handleData(p)
	case *wire.Ack:
		return s.handleAck(p)
	case *wire.Error:
		s.log.Infow("peer aborted transfer", "code", p.Code, "message", string(p.Message))
		s.observeResult("aborted")
		return false
	default:
		return false
	}
}

func (s *Session) handleRRQ(p *wire.ReadRequest) bool {
	s.direction = dirRead
	s.mode = p.Mode

	path, err := resolvePath(string(p.Filename))
	if err != nil {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}

	info, err := s.fs.Stat(path)
	if err != nil || info.IsDir() {
		s.send(wire.NewError(wire.ErrFileNotFound))
		s.observeResult("error")
		return false
	}

	reader, err := blockio.NewReader(s.fs, path, p.Mode)
	if err != nil {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}
	s.reader = reader
	s.blockNum = 1

	return s.sendNextDataBlock()
}

func (s *Session) handleWRQ(p *wire.WriteRequest) bool {
	if !s.writable {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}

	s.direction = dirWrite
	s.mode = p.Mode

	path, err := resolvePath(string(p.Filename))
	if err != nil {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}

	writer, err := blockio.NewWriter(s.fs, path, p.Mode)
	if err != nil {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}
	s.writer = writer
	s.blockNum = 1

	s.send(&wire.Ack{Block: 0})
	return true
}

func (s *Session) handleData(p *wire.Data) bool {
	switch blockCmp(p.Block, s.blockNum) {
	case 1: // out of sequence, ahead of what we expect
		s.send(wire.NewError(wire.ErrUnknownTransferID))
		s.observeResult("error")
		return false

	case 0: // exactly the block we expect
		if err := s.writer.WriteBlock(p.Bytes); err != nil {
			s.send(wire.NewError(wire.ErrDiskFull))
			s.observeResult("error")
			return false
		}
		s.metrics.AddBytes("write", len(p.Bytes))

		last := p.IsLast()
		s.send(&wire.Ack{Block: p.Block})
		s.blockNum++

		if last {
			s.observeResult("ok")
			return false
		}
		return true

	default: // duplicate of a block we've already written
		s.send(&wire.Ack{Block: p.Block})
		return true
	}
}

func (s *Session) handleAck(p *wire.Ack) bool {
	switch blockCmp(p.Block, s.blockNum) {
	case 0:
		if d, ok := s.lastSent.(*wire.Data); ok && d.IsLast() {
			s.observeResult("ok")
			return false
		}
		s.blockNum++
		return s.sendNextDataBlock()

	case -1: // duplicate ack of an earlier block: resend conservatively
		s.resend()
		return true

	default: // ack is ahead of anything we've sent
		s.send(wire.NewError(wire.ErrUnknownTransferID))
		s.observeResult("error")
		return false
	}
}

func (s *Session) sendNextDataBlock() bool {
	block, err := s.reader.NextBlock()
	if err != nil {
		s.send(wire.NewError(wire.ErrAccessViolation))
		s.observeResult("error")
		return false
	}
	s.metrics.AddBytes("read", len(block))
	s.send(&wire.Data{Block: s.blockNum, Bytes: block})
	return true
}

// nextDeadline returns the timeout to wait before the next retransmission,
// saturating at the schedule's last entry once the budget is exhausted (the
// session will terminate on that timeout rather than wait indefinitely).
func (s *Session) nextDeadline() time.Duration {
	idx := s.retransmissions
	if idx >= len(s.schedule) {
		idx = len(s.schedule) - 1
	}
	return s.schedule[idx]
}

// handleTimeout is called when a receive times out. It returns whether the
// session should keep running.
func (s *Session) handleTimeout() bool {
	if s.retransmissions >= len(s.schedule) {
		s.log.Infow("retransmission budget exhausted, terminating")
		s.observeResult("timeout")
		return false
	}
	s.retransmissions++
	s.metrics.IncRetransmission()
	s.log.Debugw("timeout, retransmitting", "attempt", s.retransmissions)
	s.resend()
	return true
}

func (s *Session) resend() {
	if s.lastSent == nil {
		return
	}
	s.writeTo(s.peer, s.lastSent)
}

func (s *Session) send(pkt wire.Packet) {
	s.lastSent = pkt
	s.writeTo(s.peer, pkt)
}

func (s *Session) writeTo(addr net.Addr, pkt wire.Packet) {
	data := pkt.Marshal()
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		s.log.Errorw("write failed", "error", err, "to", addr.String())
		return
	}
	s.log.Debugw("sent packet", "opcode", pkt.Opcode().String(), "to", addr.String())
}

func (s *Session) observeResult(result string) {
	dir := "read"
	if s.direction == dirWrite {
		dir = "write"
	}
	s.metrics.ObserveTransfer(dir, result)
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// blockCmp compares two TFTP block numbers under modular u16 arithmetic (as
// required to support files large enough to wrap past 65535), returning -1,
// 0, or 1 as a < b, a == b, a > b.
func blockCmp(a, b uint16) int {
	d := int16(a - b)
	switch {
	case d == 0:
		return 0
	case d > 0:
		return 1
	default:
		return -1
	}
}

func addrEqual(a, b net.Addr) bool {
	ua, aok := a.(*net.UDPAddr)
	ub, bok := b.(*net.UDPAddr)
	if aok && bok {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

// resolvePath cleans filename and rejects any path that escapes the root it
// will be joined against. Callers pass the result to an afero.Fs already
// rooted at tftp_root (an afero.BasePathFs), so the returned path is
// root-relative.
func resolvePath(filename string) (string, error) {
	clean := filepath.ToSlash(filename)
	clean = strings.TrimLeft(clean, "/")
	clean = filepath.Clean(clean)

	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", errPathEscapesRoot
	}
	return clean, nil
}
