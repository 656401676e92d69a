package session

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ilstam/apts/internal/metrics"
	"github.com/ilstam/apts/internal/wire"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newLoopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// harness wires a Session to a real loopback "client" socket so tests can
// exercise full transfers end to end over genuine UDP sockets.
type harness struct {
	t      *testing.T
	client *net.UDPConn
	server *net.UDPConn
	sess   *Session
	done   chan struct{}
}

func newHarness(t *testing.T, fs afero.Fs, writable bool) *harness {
	t.Helper()

	client := newLoopbackConn(t)
	server := newLoopbackConn(t)

	sess := New(server, client.LocalAddr(), fs, writable, testLogger(), testMetrics())
	sess.SetSchedule([]time.Duration{500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond})

	return &harness{t: t, client: client, server: server, sess: sess, done: make(chan struct{})}
}

func (h *harness) start(initial wire.Packet) {
	go func() {
		h.sess.Run(initial.Marshal())
		close(h.done)
	}()
}

func (h *harness) recv(timeout time.Duration) wire.Packet {
	h.t.Helper()
	buf := make([]byte, maxDatagram)
	require.NoError(h.t, h.client.SetReadDeadline(time.Now().Add(timeout)))
	n, _, err := h.client.ReadFromUDP(buf)
	require.NoError(h.t, err)
	pkt, err := wire.Parse(buf[:n])
	require.NoError(h.t, err)
	return pkt
}

func (h *harness) send(pkt wire.Packet) {
	h.t.Helper()
	_, err := h.client.WriteToUDP(pkt.Marshal(), h.server.LocalAddr().(*net.UDPAddr))
	require.NoError(h.t, err)
}

func (h *harness) waitDone(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func mustWriteFile(t *testing.T, fs afero.Fs, name string, data []byte) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, data, 0o644))
}

func Test_Response_ReadSmallFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWriteFile(t, fs, "greet", []byte("hi\n"))

	h := newHarness(t, fs, true)
	h.start(&wire.ReadRequest{Filename: []byte("greet"), Mode: wire.ModeNetascii})

	data := h.recv(time.Second).(*wire.Data)
	require.Equal(t, uint16(1), data.Block)
	require.Equal(t, []byte("hi\r\n"), data.Bytes)
	require.True(t, data.IsLast())

	h.send(&wire.Ack{Block: 1})
	require.True(t, h.waitDone(time.Second), "session should terminate after final ack")
}

// A file whose length is an exact multiple of the block size still needs
// an explicit empty final block to signal end of transfer.
func Test_Response_ReadExactBlockBoundary(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := make([]byte, 512)
	for i := range content {
		content[i] = byte(i)
	}
	mustWriteFile(t, fs, "exact", content)

	h := newHarness(t, fs, true)
	h.start(&wire.ReadRequest{Filename: []byte("exact"), Mode: wire.ModeOctet})

	d1 := h.recv(time.Second).(*wire.Data)
	require.Equal(t, uint16(1), d1.Block)
	require.Len(t, d1.Bytes, 512)
	require.False(t, d1.IsLast())

	h.send(&wire.Ack{Block: 1})

	d2 := h.recv(time.Second).(*wire.Data)
	require.Equal(t, uint16(2), d2.Block)
	require.Len(t, d2.Bytes, 0)
	require.True(t, d2.IsLast())

	h.send(&wire.Ack{Block: 2})
	require.True(t, h.waitDone(time.Second))
}

func Test_Response_WriteSmallFile(t *testing.T) {
	fs := afero.NewMemMapFs()

	h := newHarness(t, fs, true)
	h.start(&wire.WriteRequest{Filename: []byte("note"), Mode: wire.ModeOctet})

	ack0 := h.recv(time.Second).(*wire.Ack)
	require.Equal(t, uint16(0), ack0.Block)

	h.send(&wire.Data{Block: 1, Bytes: []byte("hello")})

	ack1 := h.recv(time.Second).(*wire.Ack)
	require.Equal(t, uint16(1), ack1.Block)
	require.True(t, h.waitDone(time.Second))

	got, err := afero.ReadFile(fs, "note")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

// A datagram from an unrelated peer-port gets unknown-tid, and the
// original transfer is unaffected.
func Test_TID_RejectsUnknownPeer(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWriteFile(t, fs, "greet", []byte("hi\n"))

	h := newHarness(t, fs, true)
	h.start(&wire.ReadRequest{Filename: []byte("greet"), Mode: wire.ModeNetascii})

	_ = h.recv(time.Second).(*wire.Data) // initial Data(1)

	stranger := newLoopbackConn(t)
	_, err := stranger.WriteToUDP((&wire.Ack{Block: 1}).Marshal(), h.server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, maxDatagram)
	require.NoError(t, stranger.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := stranger.ReadFromUDP(buf)
	require.NoError(t, err)

	errPkt, err := wire.Parse(buf[:n])
	require.NoError(t, err)
	e, ok := errPkt.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.ErrUnknownTransferID, e.Code)

	// original transfer is unaffected: our own Ack(1) still completes it.
	h.send(&wire.Ack{Block: 1})
	require.True(t, h.waitDone(time.Second))
}

func Test_Response_RejectsPathEscape(t *testing.T) {
	fs := afero.NewMemMapFs()

	h := newHarness(t, fs, true)
	h.start(&wire.ReadRequest{Filename: []byte("../etc/passwd"), Mode: wire.ModeOctet})

	pkt := h.recv(time.Second)
	e, ok := pkt.(*wire.Error)
	require.True(t, ok)
	require.Equal(t, wire.ErrAccessViolation, e.Code)
	require.True(t, h.waitDone(time.Second))
}

// If the client never acks, the server retransmits on the fixed schedule
// and then gives up, having sent exactly 1+len(schedule) copies.
func Test_Retransmission_GivesUpAfterSchedule(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWriteFile(t, fs, "f", []byte("x"))

	h := newHarness(t, fs, true)
	h.start(&wire.ReadRequest{Filename: []byte("f"), Mode: wire.ModeOctet})

	var seen int
	for {
		buf := make([]byte, maxDatagram)
		require.NoError(t, h.client.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := h.client.ReadFromUDP(buf)
		if err != nil {
			break
		}
		pkt, err := wire.Parse(buf[:n])
		require.NoError(t, err)
		d, ok := pkt.(*wire.Data)
		require.True(t, ok)
		require.Equal(t, uint16(1), d.Block)
		seen++
	}

	require.Equal(t, 4, seen, "expected 1 initial send + 3 retransmissions")
	require.True(t, h.waitDone(time.Second))
}

// The retransmission count can never exceed 1+len(schedule), whatever the
// timing of the receiver's reads.
func Test_Retransmission_NeverExceedsSchedule(t *testing.T) {
	fs := afero.NewMemMapFs()
	mustWriteFile(t, fs, "f", []byte("x"))

	h := newHarness(t, fs, true)
	schedule := []time.Duration{30 * time.Millisecond, 30 * time.Millisecond, 30 * time.Millisecond}
	h.sess.SetSchedule(schedule)
	h.start(&wire.ReadRequest{Filename: []byte("f"), Mode: wire.ModeOctet})

	count := 0
	for {
		buf := make([]byte, maxDatagram)
		require.NoError(t, h.client.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
		_, _, err := h.client.ReadFromUDP(buf)
		if err != nil {
			break
		}
		count++
	}

	require.LessOrEqual(t, count, 1+len(schedule))
	require.True(t, h.waitDone(time.Second))
}

// Block numbers are compared modulo 2^16, so sequencing stays correct
// across wraparound on long transfers.
func Test_BlockCmp_WrapsModulo16Bit(t *testing.T) {
	require.Equal(t, 0, blockCmp(65535, 65535))
	require.Equal(t, 1, blockCmp(0, 65535))
	require.Equal(t, -1, blockCmp(65535, 0))
	require.Equal(t, 1, blockCmp(5, 3))
	require.Equal(t, -1, blockCmp(3, 5))
}

func Test_ResolvePath(t *testing.T) {
	var tests = []struct {
		in      string
		wantErr bool
		want    string
	}{
		{"greet", false, "greet"},
		{"/greet", false, "greet"},
		{"sub/dir/file", false, "sub/dir/file"},
		{"../etc/passwd", true, ""},
		{"../../etc/passwd", true, ""},
		{"..", true, ""},
	}

	for _, tt := range tests {
		got, err := resolvePath(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got)
	}
}
