// Package listener implements the TFTP server's accept loop: it binds the
// well-known port and, for every datagram received there (the first datagram
// of a transfer), spawns a Session to handle the rest of that transfer.
package listener

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ilstam/apts/internal/metrics"
	"github.com/ilstam/apts/internal/session"
)

// Config configures a Listener.
type Config struct {
	// Addr is the host:port to bind the UDP listen socket to, e.g. ":69".
	Addr string
	// MetricsAddr, if non-empty, serves Prometheus metrics over HTTP.
	MetricsAddr string
	// Root is the filesystem rooted at tftp_root; the listener hands it
	// (unmodified) to every Session it spawns.
	Root afero.Fs
	// Writable controls whether WRQ (write) requests are accepted.
	Writable bool

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// recvBufSize is large enough for a full RRQ/WRQ (up to the Ethernet MTU)
// and safely above the 516-byte DATA/ACK ceiling.
const recvBufSize = 1500

// Listener binds the well-known TFTP port and spawns one Session per
// datagram received on it; it keeps no table of known peers.
type Listener struct {
	cfg  Config
	conn net.PacketConn
}

// Bind opens the UDP listen socket described by cfg.Addr. It does not yet
// accept traffic; call Serve for that.
func Bind(cfg Config) (*Listener, error) {
	conn, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listener: bind %s: %w", cfg.Addr, err)
	}
	return &Listener{cfg: cfg, conn: conn}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Serve runs the accept loop (and, if configured, the metrics HTTP server)
// until ctx is canceled or an unrecoverable error occurs.
func (l *Listener) Serve(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return l.acceptLoop(ctx)
	})

	var metricsSrv *http.Server
	if l.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: l.cfg.MetricsAddr, Handler: mux}

		group.Go(func() error {
			l.cfg.Logger.Infow("metrics server listening", "addr", l.cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("listener: metrics server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		_ = l.conn.Close()
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return nil
	})

	return group.Wait()
}

func (l *Listener) acceptLoop(ctx context.Context) error {
	buf := make([]byte, recvBufSize)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listener: accept: %w", err)
		}

		initial := make([]byte, n)
		copy(initial, buf[:n])

		l.spawn(addr, initial)
	}
}

// spawn binds a fresh ephemeral socket (the new session's server-side TID)
// and runs a Session for it in its own goroutine. The listener does not
// reference the session again after this call returns.
func (l *Listener) spawn(peer net.Addr, initial []byte) {
	host, _, err := net.SplitHostPort(l.conn.LocalAddr().String())
	if err != nil {
		host = ""
	}

	sessConn, err := net.ListenPacket("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		l.cfg.Logger.Errorw("failed to bind session socket", "error", err, "peer", peer.String())
		return
	}

	sess := session.New(sessConn, peer, l.cfg.Root, l.cfg.Writable, l.cfg.Logger, l.cfg.Metrics)
	go sess.Run(initial)
}
