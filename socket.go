package offload

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/glycerine/idem"
)

// SocketType is the messaging pattern of a Socket.
type SocketType int

const (
	// DealerSocket fans outbound frame lists round-robin over its peers.
	DealerSocket SocketType = 1

	// RouterSocket prefixes each received frame list with the
	// sending peer's identity, and routes replies on it.
	RouterSocket SocketType = 2
)

func (t SocketType) String() string {
	switch t {
	case DealerSocket:
		return "DEALER"
	case RouterSocket:
		return "ROUTER"
	}
	return fmt.Sprintf("SocketType(%d)", int(t))
}

func socketTypeFromString(s string) SocketType {
	switch s {
	case "DEALER":
		return DealerSocket
	case "ROUTER":
		return RouterSocket
	}
	return 0
}

// compatible: a DEALER talks only to a ROUTER, and vice versa.
func compatible(a, b SocketType) bool {
	return (a == DealerSocket && b == RouterSocket) || (a == RouterSocket && b == DealerSocket)
}

var ErrQueueFull = fmt.Errorf("send queue is full")

var ErrHostUnreachable = fmt.Errorf("no connected peer has that identity")

// frameSender is the one thing the proxy and the application
// need from a socket.
type frameSender interface {
	Send(frames [][]byte) error
}

// Socket is a DEALER or ROUTER endpoint. It may Bind and
// Connect any number of endpoints, in any mix; every
// connection that completes the greeting becomes a peer.
//
// Frame lists arrive via the OnRecv callback, which
// always runs on the owning Context's Loop.
type Socket struct {
	typ  SocketType
	cfg  *Config
	loop *Loop

	mut       sync.Mutex
	peers     []*peer
	byID      map[string]*peer
	next      int
	queued    [][][]byte
	onRecv    func(frames [][]byte)
	urls      []string
	endpoints []string
	acceptors []acceptor

	halt *idem.Halter
	wg   sync.WaitGroup
}

func newSocket(typ SocketType, cfg *Config, loop *Loop) *Socket {
	return &Socket{
		typ:  typ,
		cfg:  cfg,
		loop: loop,
		byID: make(map[string]*peer),
		halt: idem.NewHalter(),
	}
}

func (s *Socket) Type() SocketType { return s.typ }

// OnRecv sets the receive callback. Frame lists that arrive
// while no callback is set are dropped.
func (s *Socket) OnRecv(cb func(frames [][]byte)) {
	s.mut.Lock()
	s.onRecv = cb
	s.mut.Unlock()
}

// Bind listens on endpoint and returns what it actually
// bound, so tcp://127.0.0.1:0 comes back with the port.
func (s *Socket) Bind(endpoint string) (bound string, err error) {
	if s.halt.ReqStop.IsClosed() {
		return "", ErrShutdown
	}
	scheme, _, err := parseEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	a, err := s.cfg.listen(endpoint)
	if err != nil {
		return "", fmt.Errorf("%v Bind '%v': %w", s.typ, endpoint, err)
	}
	bound = scheme + "://" + a.Addr().String()

	s.mut.Lock()
	s.acceptors = append(s.acceptors, a)
	s.endpoints = append(s.endpoints, bound)
	s.mut.Unlock()

	vv("%v bound '%v'", s.typ, bound)
	s.wg.Add(1)
	go s.acceptLoop(a, bound)
	return bound, nil
}

// Connect dials endpoint in the background, and redials
// after Config.ReconnectInterval whenever the connection is
// refused or lost, until Close. It only fails on a bad url.
func (s *Socket) Connect(endpoint string) error {
	if s.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	if _, _, err := parseEndpoint(endpoint); err != nil {
		return err
	}
	s.mut.Lock()
	s.urls = append(s.urls, endpoint)
	s.mut.Unlock()

	s.wg.Add(1)
	go s.connectLoop(endpoint)
	return nil
}

// Endpoints are the bound addresses.
func (s *Socket) Endpoints() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]string(nil), s.endpoints...)
}

// URLs are the endpoints given to Connect.
func (s *Socket) URLs() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]string(nil), s.urls...)
}

// Peers is the number of connections that finished the greeting.
func (s *Socket) Peers() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.peers)
}

// WaitForPeers polls until at least n peers are connected.
func (s *Socket) WaitForPeers(n int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if s.Peers() >= n {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%v has %v peers after %v, wanted %v", s.typ, s.Peers(), timeout, n)
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-s.halt.ReqStop.Chan:
			return ErrShutdown
		}
	}
}

// Send sends one frame list; the frames arrive together or not at all.
//
// On a DEALER, Send never blocks: the list goes to the next
// peer in round-robin order that has queue room. With no
// peer connected, up to Config.SendQueueLen lists wait for the
// first one. Otherwise it is ErrQueueFull.
//
// On a ROUTER, frames[0] is the destination identity and is
// not sent. Send blocks while that peer's queue is full.
func (s *Socket) Send(frames [][]byte) error {
	if s.halt.ReqStop.IsClosed() {
		return ErrShutdown
	}
	if s.typ == RouterSocket {
		return s.routerSend(frames)
	}
	return s.dealerSend(frames)
}

func (s *Socket) dealerSend(frames [][]byte) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	n := len(s.peers)
	if n == 0 {
		if len(s.queued) >= s.cfg.sendQueueLen() {
			return ErrQueueFull
		}
		s.queued = append(s.queued, frames)
		return nil
	}
	for i := 0; i < n; i++ {
		k := (s.next + i) % n
		select {
		case s.peers[k].sendCh <- frames:
			s.next = (k + 1) % n
			return nil
		default:
		}
	}
	return ErrQueueFull
}

func (s *Socket) routerSend(frames [][]byte) error {
	if len(frames) < 2 {
		return fmt.Errorf("ROUTER Send needs an identity frame and at least one more; got %v frames", len(frames))
	}
	s.mut.Lock()
	p := s.byID[string(frames[0])]
	s.mut.Unlock()
	if p == nil {
		return ErrHostUnreachable
	}
	select {
	case p.sendCh <- frames[1:]:
		return nil
	case <-p.halt.ReqStop.Chan:
		return ErrHostUnreachable
	case <-s.halt.ReqStop.Chan:
		return ErrShutdown
	}
}

// Close stops accepting and dialing, and drops every peer.
// Queued but unwritten frame lists are discarded.
func (s *Socket) Close() {
	if s.halt.ReqStop.IsClosed() {
		<-s.halt.Done.Chan
		return
	}
	s.halt.ReqStop.Close()

	s.mut.Lock()
	acceptors := s.acceptors
	peers := append([]*peer(nil), s.peers...)
	s.queued = nil
	s.mut.Unlock()

	for _, a := range acceptors {
		a.Close()
	}
	for _, p := range peers {
		p.fail(ErrShutdown)
	}
	s.wg.Wait()
	s.halt.Done.Close()
}

// haltCtx is canceled when the socket starts closing.
func (s *Socket) haltCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.halt.ReqStop.Chan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (s *Socket) acceptLoop(a acceptor, endpoint string) {
	defer s.wg.Done()
	ctx, cancel := s.haltCtx()
	defer cancel()

	for {
		conn, err := a.accept(ctx)
		if err != nil {
			if s.halt.ReqStop.IsClosed() || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			alwaysPrintf("%v accept on '%v' failed: '%v'", s.typ, endpoint, err)
			select {
			case <-time.After(10 * time.Millisecond):
			case <-s.halt.ReqStop.Chan:
				return
			}
			continue
		}
		go func() {
			if _, err := s.startPeer(conn, endpoint); err != nil {
				vv("%v dropped inbound conn from '%v': %v", s.typ, conn.RemoteAddr(), err)
				conn.Close()
			}
		}()
	}
}

func (s *Socket) connectLoop(endpoint string) {
	defer s.wg.Done()
	ctx, cancel := s.haltCtx()
	defer cancel()

	for {
		conn, err := s.cfg.dial(ctx, endpoint)
		if err == nil {
			var p *peer
			p, err = s.startPeer(conn, endpoint)
			if err != nil {
				conn.Close()
			} else {
				select {
				case <-p.halt.Done.Chan:
					vv("%v lost peer '%v'; redialing", s.typ, endpoint)
				case <-s.halt.ReqStop.Chan:
					return
				}
			}
		}
		if err != nil {
			vv("%v connect to '%v': %v", s.typ, endpoint, err)
		}
		select {
		case <-time.After(s.cfg.ReconnectInterval):
		case <-s.halt.ReqStop.Chan:
			return
		}
	}
}

// startPeer exchanges greetings over conn and, if the peer
// is the type we pair with, starts its reader and writer.
func (s *Socket) startPeer(conn peerConn, endpoint string) (*peer, error) {
	if s.cfg.ConnectTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	}
	fw, err := newFrameWriter(conn, algoFromName(s.cfg.CompressAlgo), s.cfg.maxMessage())
	if err != nil {
		return nil, err
	}
	if err := fw.writeGreeting(s.typ); err != nil {
		fw.close()
		return nil, err
	}
	fr := newFrameReader(conn, s.cfg.maxMessage())
	ptyp, err := fr.readGreeting()
	if err != nil {
		fw.close()
		return nil, err
	}
	if !compatible(s.typ, ptyp) {
		fw.close()
		return nil, fmt.Errorf("%w: %v cannot talk to %v at '%v'", ErrBadGreeting, s.typ, ptyp, endpoint)
	}
	conn.SetDeadline(time.Time{})

	p := &peer{
		sock:     s,
		conn:     conn,
		endpoint: endpoint,
		sendCh:   make(chan [][]byte, s.cfg.sendQueueLen()),
		halt:     idem.NewHalter(),
		fw:       fw,
		fr:       fr,
	}
	if s.typ == RouterSocket {
		p.identity = newIdentity()
	}

	s.mut.Lock()
	if s.halt.ReqStop.IsClosed() {
		s.mut.Unlock()
		fw.close()
		return nil, ErrShutdown
	}
	s.peers = append(s.peers, p)
	if p.identity != nil {
		s.byID[string(p.identity)] = p
	}
	// first peer of a DEALER takes what waited for it.
	for len(s.queued) > 0 {
		select {
		case p.sendCh <- s.queued[0]:
			s.queued[0] = nil
			s.queued = s.queued[1:]
			continue
		default:
		}
		break
	}
	s.mut.Unlock()

	vv("%v connected to %v at '%v' (remote %v)", s.typ, ptyp, endpoint, conn.RemoteAddr())
	go p.writeLoop()
	go p.readLoop()
	return p, nil
}

func (s *Socket) removePeer(p *peer) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for i, q := range s.peers {
		if q == p {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			if s.next > i {
				s.next--
			}
			break
		}
	}
	if len(s.peers) > 0 {
		s.next %= len(s.peers)
	} else {
		s.next = 0
	}
	if p.identity != nil {
		delete(s.byID, string(p.identity))
	}
}

// deliver hands frames to the receive callback on the loop.
func (s *Socket) deliver(frames [][]byte) {
	s.mut.Lock()
	cb := s.onRecv
	s.mut.Unlock()
	if cb == nil {
		vv("%v has no OnRecv callback; dropping %v frames", s.typ, len(frames))
		return
	}
	s.loop.Post(func() {
		cb(frames)
	})
}

// peer is one connection of a Socket. Its single writer
// goroutine keeps per-peer send order.
type peer struct {
	sock     *Socket
	conn     peerConn
	endpoint string
	identity []byte

	sendCh chan [][]byte
	halt   *idem.Halter

	fw *frameWriter
	fr *frameReader

	failOnce sync.Once
}

func (p *peer) writeLoop() {
	defer p.fw.close()
	wto := p.sock.cfg.WriteTimeout
	for {
		select {
		case frames := <-p.sendCh:
			if wto > 0 {
				p.conn.SetWriteDeadline(time.Now().Add(wto))
			}
			err := p.fw.writeFrames(frames)
			if errors.Is(err, ErrTooLarge) {
				alwaysPrintf("%v dropping a frame list to '%v': %v", p.sock.typ, p.endpoint, err)
				continue
			}
			if err != nil {
				p.fail(err)
				return
			}
		case <-p.halt.ReqStop.Chan:
			return
		}
	}
}

func (p *peer) readLoop() {
	defer p.fr.close()
	for {
		frames, err := p.fr.readFrames()
		if err != nil {
			p.fail(err)
			return
		}
		if p.identity != nil {
			withID := make([][]byte, 0, len(frames)+1)
			withID = append(withID, p.identity)
			frames = append(withID, frames...)
		}
		p.sock.deliver(frames)
	}
}

// fail tears the peer down once; later calls are no-ops.
func (p *peer) fail(err error) {
	p.failOnce.Do(func() {
		if !isConnReset(err) && !errors.Is(err, ErrShutdown) {
			alwaysPrintf("%v peer '%v' failed: '%v'", p.sock.typ, p.endpoint, err)
		}
		p.halt.ReqStop.Close()
		p.conn.Close()
		p.sock.removePeer(p)
		p.halt.Done.Close()
	})
}
