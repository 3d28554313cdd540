package offload

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
)

var ErrBadEndpoint = fmt.Errorf("bad endpoint url")

// alpn is the TLS next protocol on quic:// endpoints; QUIC
// refuses handshakes without one.
const alpn = "offload/1"

// peerConn is what a peer reads and writes frames over:
// a TCP or TLS net.Conn, or one QUIC stream.
type peerConn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	SetDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// acceptor abstracts over net.Listener and *quic.Listener.
type acceptor interface {
	accept(ctx context.Context) (peerConn, error)
	Close() error
	Addr() net.Addr
}

func parseEndpoint(endpoint string) (scheme, hostport string, err error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("%w '%v': %v", ErrBadEndpoint, endpoint, err)
	}
	switch u.Scheme {
	case "tcp", "tls", "quic":
	default:
		return "", "", fmt.Errorf("%w '%v': scheme must be tcp://, tls:// or quic://", ErrBadEndpoint, endpoint)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("%w '%v': missing host:port", ErrBadEndpoint, endpoint)
	}
	return u.Scheme, u.Host, nil
}

func (c *Config) serverTLS(scheme string) (*tls.Config, error) {
	if c.TLSConfig == nil {
		return nil, fmt.Errorf("%w: %v:// needs Config.TLSConfig", ErrBadEndpoint, scheme)
	}
	cfg := c.TLSConfig.Clone()
	if scheme == "quic" {
		cfg.NextProtos = []string{alpn}
	}
	return cfg, nil
}

func (c *Config) clientTLS(scheme, hostport string) (*tls.Config, error) {
	cfg, err := c.serverTLS(scheme)
	if err != nil {
		return nil, err
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(hostport)
		if err == nil {
			cfg.ServerName = host
		}
	}
	return cfg, nil
}

func (c *Config) quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:      c.QUICKeepAlive,
		HandshakeIdleTimeout: c.ConnectTimeout,
	}
}

// listen starts an acceptor for the endpoint.
func (c *Config) listen(endpoint string) (acceptor, error) {
	scheme, hostport, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "tcp":
		lsn, err := net.Listen("tcp", hostport)
		if err != nil {
			return nil, err
		}
		return &netAcceptor{lsn: lsn}, nil
	case "tls":
		cfg, err := c.serverTLS(scheme)
		if err != nil {
			return nil, err
		}
		lsn, err := tls.Listen("tcp", hostport, cfg)
		if err != nil {
			return nil, err
		}
		return &netAcceptor{lsn: lsn}, nil
	default: // quic
		cfg, err := c.serverTLS(scheme)
		if err != nil {
			return nil, err
		}
		lsn, err := quic.ListenAddr(hostport, cfg, c.quicConfig())
		if err != nil {
			return nil, err
		}
		return newQuicAcceptor(lsn, c.ConnectTimeout), nil
	}
}

// dial connects to the endpoint.
func (c *Config) dial(ctx context.Context, endpoint string) (peerConn, error) {
	scheme, hostport, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if c.ConnectTimeout > 0 {
		ctx2, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
		defer cancel()
		ctx = ctx2
	}
	switch scheme {
	case "tcp":
		var d net.Dialer
		return d.DialContext(ctx, "tcp", hostport)
	case "tls":
		cfg, err := c.clientTLS(scheme, hostport)
		if err != nil {
			return nil, err
		}
		d := &tls.Dialer{
			NetDialer: &net.Dialer{},
			Config:    cfg,
		}
		return d.DialContext(ctx, "tcp", hostport)
	default: // quic
		cfg, err := c.clientTLS(scheme, hostport)
		if err != nil {
			return nil, err
		}
		conn, err := quic.DialAddr(ctx, hostport, cfg, c.quicConfig())
		if err != nil {
			return nil, err
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "could not open stream")
			return nil, err
		}
		return &quicStreamConn{Stream: stream, conn: conn}, nil
	}
}

type netAcceptor struct {
	lsn net.Listener
}

func (a *netAcceptor) accept(ctx context.Context) (peerConn, error) {
	return a.lsn.Accept()
}
func (a *netAcceptor) Close() error   { return a.lsn.Close() }
func (a *netAcceptor) Addr() net.Addr { return a.lsn.Addr() }

type quicAcceptor struct {
	lsn *quic.Listener

	// how long a new connection gets to open its stream.
	streamTimeout time.Duration

	ready   chan peerConn
	done    chan struct{} // closed when pump returns
	err     error         // why pump returned; read after done
	cancel  context.CancelFunc
	closing atomic.Bool
}

func newQuicAcceptor(lsn *quic.Listener, streamTimeout time.Duration) *quicAcceptor {
	ctx, cancel := context.WithCancel(context.Background())
	a := &quicAcceptor{
		lsn:           lsn,
		streamTimeout: streamTimeout,
		ready:         make(chan peerConn),
		done:          make(chan struct{}),
		cancel:        cancel,
	}
	go a.pump(ctx)
	return a
}

// pump accepts connections and hands each to its own
// goroutine, so a connection that never opens a stream
// does not hold up the ones behind it.
func (a *quicAcceptor) pump(ctx context.Context) {
	defer close(a.done)
	for {
		conn, err := a.lsn.Accept(ctx)
		if err != nil {
			if a.closing.Load() {
				err = net.ErrClosed
			}
			a.err = err
			return
		}
		go a.awaitStream(ctx, conn)
	}
}

// awaitStream takes the first stream of conn; the dialer
// opens exactly one. The stream only becomes visible here
// after the dialer writes to it, which its greeting does.
func (a *quicAcceptor) awaitStream(ctx context.Context, conn quic.Connection) {
	sctx, cancel := ctx, context.CancelFunc(func() {})
	if a.streamTimeout > 0 {
		sctx, cancel = context.WithTimeout(ctx, a.streamTimeout)
	}
	stream, err := conn.AcceptStream(sctx)
	cancel()
	if err != nil {
		vv("quic accept: no stream from '%v': %v", conn.RemoteAddr(), err)
		conn.CloseWithError(0, "no stream")
		return
	}
	pc := &quicStreamConn{Stream: stream, conn: conn}
	select {
	case a.ready <- pc:
	case <-ctx.Done():
		pc.Close()
	}
}

func (a *quicAcceptor) accept(ctx context.Context) (peerConn, error) {
	select {
	case pc := <-a.ready:
		return pc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, a.err
	}
}

func (a *quicAcceptor) Close() error {
	a.closing.Store(true)
	a.cancel()
	return a.lsn.Close()
}

func (a *quicAcceptor) Addr() net.Addr { return a.lsn.Addr() }

// quicStreamConn pairs a stream with its connection, so
// addresses are available and Close tears down both.
type quicStreamConn struct {
	quic.Stream
	conn quic.Connection
}

func (q *quicStreamConn) RemoteAddr() net.Addr { return q.conn.RemoteAddr() }
func (q *quicStreamConn) LocalAddr() net.Addr  { return q.conn.LocalAddr() }

func (q *quicStreamConn) Close() error {
	q.Stream.Close()
	return q.conn.CloseWithError(0, "")
}

// isConnReset reports the errors a peer going away produces.
// Those are normal churn, not something to log loudly.
func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClientGone) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == 0 {
		return true
	}
	r := err.Error()
	return strings.Contains(r, "connection reset by peer") ||
		strings.Contains(r, "use of closed network connection") ||
		strings.Contains(r, "broken pipe")
}
