package offload

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// Delivery picks how a worker's reply comes back: all at
// once, or chunk by chunk. A Proxy and the Applications it
// talks to must agree.
type Delivery int

const (
	// BulkDelivery: the worker sends one [callID, chunks...]
	// reply when the handler finishes.
	BulkDelivery Delivery = 1

	// StreamingDelivery: the worker sends [callID, DATA, chunk]
	// on every flush, then [callID, FINISH].
	StreamingDelivery Delivery = 2
)

func (d Delivery) String() string {
	switch d {
	case BulkDelivery:
		return "bulk"
	case StreamingDelivery:
		return "streaming"
	}
	return fmt.Sprintf("Delivery(%d)", int(d))
}

// Proxy is the front end half: it sends HTTP requests out a
// DEALER socket to whichever worker is next, and feeds each
// reply to the ReplyHandler registered under its call id.
//
// The registry and all reply handling live on the Context
// Loop. SendRequest and friends may be called from any
// goroutine.
type Proxy struct {
	ctx      *Context
	delivery Delivery
	sock     *Socket
	out      frameSender
	loop     *Loop
	stats    *Stats

	// MaxBody caps request bodies read by SendRequest; 0 means
	// the Config.MaxMessage limit.
	MaxBody int

	// only touched on the loop.
	reg    *Registry
	closed bool
}

// NewProxy makes the DEALER socket. Connect or Bind it to
// reach workers.
func NewProxy(ctx *Context, delivery Delivery) (*Proxy, error) {
	switch delivery {
	case BulkDelivery, StreamingDelivery:
	default:
		return nil, fmt.Errorf("NewProxy: unknown delivery %v", delivery)
	}
	sock, err := ctx.Socket(DealerSocket)
	if err != nil {
		return nil, err
	}
	p := &Proxy{
		ctx:      ctx,
		delivery: delivery,
		sock:     sock,
		out:      sock,
		loop:     ctx.Loop,
		stats:    NewStats(),
		reg:      NewRegistry(),
	}
	sock.OnRecv(p.onRecv)
	return p, nil
}

// NewStreamingProxy is NewProxy(ctx, StreamingDelivery).
func NewStreamingProxy(ctx *Context) (*Proxy, error) {
	return NewProxy(ctx, StreamingDelivery)
}

func (p *Proxy) Connect(url string) error {
	return p.sock.Connect(url)
}

func (p *Proxy) Bind(url string) (string, error) {
	return p.sock.Bind(url)
}

func (p *Proxy) Socket() *Socket    { return p.sock }
func (p *Proxy) Delivery() Delivery { return p.delivery }
func (p *Proxy) Stats() *Stats      { return p.stats }

// URLs are the connected, then the bound, endpoints.
func (p *Proxy) URLs() []string {
	return append(p.sock.URLs(), p.sock.Endpoints()...)
}

func (p *Proxy) maxBody() int {
	if p.MaxBody > 0 {
		return p.MaxBody
	}
	return p.ctx.Cfg.maxMessage()
}

// SendRequest forwards r to a worker and returns at once;
// handler hears about the outcome later, on the loop.
//
// args and kwargs are the front end's route captures;
// the worker uses them as is. A timeout <= 0 waits forever.
// If nothing comes back within timeout, handler gets a 504.
func (p *Proxy) SendRequest(r *http.Request, args []string, kwargs map[string]string, handler ReplyHandler, timeout time.Duration) (callID string, err error) {
	rec, err := NewRequestRecord(r, args, kwargs, p.maxBody())
	if err != nil {
		return "", err
	}
	return p.SendRecord(rec, handler, timeout)
}

// SendRecord is SendRequest for an already built record.
func (p *Proxy) SendRecord(rec *RequestRecord, handler ReplyHandler, timeout time.Duration) (callID string, err error) {
	callID = NewCallID()
	frames, err := EncodeRequest(callID, rec)
	if err != nil {
		return "", err
	}
	err = p.loop.Post(func() {
		p.dispatch(callID, frames, handler, timeout)
	})
	if err != nil {
		return "", err
	}
	return callID, nil
}

// dispatch runs on the loop.
func (p *Proxy) dispatch(callID string, frames [][]byte, h ReplyHandler, timeout time.Duration) {
	if p.closed {
		p.safely(callID, "SendError(503)", func() error { return h.SendError(http.StatusServiceUnavailable) })
		return
	}
	var timer *Timer
	if timeout > 0 {
		timer = p.loop.NewTimer(timeout, func() {
			p.handleTimeout(callID, timer)
		})
	}
	if _, err := p.reg.Register(callID, h, timer); err != nil {
		alwaysPrintf("Proxy: could not register '%v': %v", callID, err)
		p.safely(callID, "SendError(503)", func() error { return h.SendError(http.StatusServiceUnavailable) })
		return
	}
	if err := p.out.Send(frames); err != nil {
		p.reg.Resolve(callID)
		p.stats.Add(StatSendErrors, 1)
		warnf("Proxy: send of '%v' refused: %v", callID, err)
		p.safely(callID, "SendError(503)", func() error { return h.SendError(http.StatusServiceUnavailable) })
		return
	}
	if timer != nil {
		timer.Start()
	}
	p.stats.Add(StatSent, 1)
	vv("Proxy sent request '%v' (%v frames)", callID, len(frames))
}

// handleTimeout runs on the loop. It only answers for the
// exact timer it was armed with; a reply that won the race
// has already resolved or disarmed the entry.
func (p *Proxy) handleTimeout(callID string, timer *Timer) {
	ent := p.reg.Peek(callID)
	if ent == nil || ent.Timer != timer {
		return
	}
	p.reg.Resolve(callID)
	ent.Timer = nil
	p.stats.Add(StatTimeouts, 1)
	vv("Proxy: '%v' timed out after %v", callID, timer.Duration())
	p.safely(callID, "SendError(504)", func() error { return ent.Handler.SendError(http.StatusGatewayTimeout) })
}

func (p *Proxy) onRecv(frames [][]byte) {
	if p.delivery == StreamingDelivery {
		p.handleStreamReply(frames)
	} else {
		p.handleBulkReply(frames)
	}
}

// handleBulkReply: [callID, chunk...].
func (p *Proxy) handleBulkReply(frames [][]byte) {
	if len(frames) < 2 {
		p.stats.Add(StatMalformed, 1)
		warnf("Proxy: unexpected bulk reply with %v frames; dropped", len(frames))
		return
	}
	callID := string(frames[0])
	ent := p.reg.Resolve(callID)
	if ent == nil {
		p.stats.Add(StatLate, 1)
		vv("Proxy: reply for unknown or expired '%v'; dropped", callID)
		return
	}
	ent.Disarm()
	chunks := frames[1:]
	p.safely(callID, "bulk reply", func() error {
		for _, chunk := range chunks {
			if err := ent.Handler.Write(chunk); err != nil {
				return err
			}
		}
		return ent.Handler.Finish()
	})
	p.stats.Add(StatReplies, 1)
	p.stats.Add(StatChunks, int64(len(chunks)))
	p.stats.Observe(time.Since(ent.Sent))
}

// handleStreamReply: [callID, DATA, chunk] or [callID, FINISH].
func (p *Proxy) handleStreamReply(frames [][]byte) {
	n := len(frames)
	if n < 2 {
		p.stats.Add(StatMalformed, 1)
		warnf("Proxy: unexpected streaming reply with %v frames; dropped", n)
		return
	}
	callID := string(frames[0])
	tag := frames[1]
	switch {
	case n == 3 && bytes.Equal(tag, dataFrame):
		ent := p.reg.Peek(callID)
		if ent == nil {
			p.stats.Add(StatLate, 1)
			vv("Proxy: DATA for unknown or expired '%v'; dropped", callID)
			return
		}
		// the first chunk means the worker is alive; from here
		// on only FINISH (or Abandon) ends the request.
		ent.Disarm()
		chunk := frames[2]
		p.safely(callID, "streamed write", func() error {
			if err := ent.Handler.Write(chunk); err != nil {
				return err
			}
			return ent.Handler.Flush()
		})
		p.stats.Add(StatChunks, 1)

	case n == 2 && bytes.Equal(tag, finishFrame):
		ent := p.reg.Resolve(callID)
		if ent == nil {
			p.stats.Add(StatLate, 1)
			vv("Proxy: FINISH for unknown or expired '%v'; dropped", callID)
			return
		}
		ent.Disarm()
		p.safely(callID, "streamed finish", ent.Handler.Finish)
		p.stats.Add(StatReplies, 1)
		p.stats.Observe(time.Since(ent.Sent))

	default:
		p.stats.Add(StatMalformed, 1)
		warnf("Proxy: unexpected streaming reply: tag '%v' with %v frames; dropped", string(tag), n)
	}
}

// safely runs a handler call so that neither its error nor
// its panic gets back into the transport. A client that
// has gone away is not worth a log line.
func (p *Proxy) safely(callID, what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			alwaysPrintf("Proxy: panic in %v for '%v': '%v'\n%v", what, callID, r, stack())
		}
	}()
	err := fn()
	if err != nil && !isConnReset(err) {
		alwaysPrintf("Proxy: unexpected error in %v for '%v': '%v'", what, callID, err)
	}
}

// Abandon forgets callID without telling its handler: the
// HTTP client went away, so nothing is listening. A reply
// that still shows up later is dropped as late.
func (p *Proxy) Abandon(callID string) {
	p.loop.Post(func() {
		ent := p.reg.Resolve(callID)
		if ent == nil {
			return
		}
		ent.Disarm()
		p.stats.Add(StatAbandoned, 1)
		vv("Proxy abandoned '%v'", callID)
	})
}

// Pending is how many requests await a reply.
// Do not call it on the loop goroutine.
func (p *Proxy) Pending() (n int) {
	p.loop.Call(func() {
		n = p.reg.Len()
	})
	return
}

// Close gives every pending handler a 503 and closes the socket.
func (p *Proxy) Close() {
	p.loop.Call(func() {
		if p.closed {
			return
		}
		p.closed = true
		for _, callID := range p.reg.CallIDs() {
			ent := p.reg.Resolve(callID)
			ent.Disarm()
			p.safely(callID, "SendError(503)", func() error { return ent.Handler.SendError(http.StatusServiceUnavailable) })
		}
	})
	p.sock.Close()
}
