package offload

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrClientGone = fmt.Errorf("http client went away")

// ReplyHandler is what a Proxy delivers a reply to. Calls
// come from the Context Loop and must not block it.
type ReplyHandler interface {
	Write(chunk []byte) error
	Flush() error
	Finish() error
	SendError(status int) error
}

// Dispatcher is the part of a Proxy that ProxyHandler uses.
type Dispatcher interface {
	SendRequest(r *http.Request, args []string, kwargs map[string]string, handler ReplyHandler, timeout time.Duration) (callID string, err error)
	Abandon(callID string)
}

// maxHeadBytes bounds a pre-rendered status line plus headers.
const maxHeadBytes = 1 << 20

type opKind int

const (
	opWrite opKind = iota
	opFlush
	opFinish
	opError
)

type respOp struct {
	kind   opKind
	data   []byte
	status int
}

// ResponseHandler is the ReplyHandler for one HTTP exchange.
// The Proxy's calls only queue; Serve, on the net/http
// goroutine, applies them to the http.ResponseWriter. So a
// slow client slows its own request, never the Loop.
//
// With prerendered set, the reply bytes begin with the
// worker's status line and headers; the handler takes them
// as they are and adds nothing of its own. Without it, the
// reply is body only and goes out as a 200.
type ResponseHandler struct {
	w           http.ResponseWriter
	prerendered bool

	mut      sync.Mutex
	ops      []respOp
	finished bool
	gone     bool

	headersWritten bool
	status         int
	flushes        int

	wake chan struct{}

	// Serve goroutine only.
	head []byte
}

func NewResponseHandler(w http.ResponseWriter, prerendered bool) *ResponseHandler {
	return &ResponseHandler{
		w:           w,
		prerendered: prerendered,
		wake:        make(chan struct{}, 1),
	}
}

func (h *ResponseHandler) enqueue(op respOp) error {
	h.mut.Lock()
	if h.gone {
		h.mut.Unlock()
		return ErrClientGone
	}
	if h.finished {
		h.mut.Unlock()
		return ErrFinished
	}
	if op.kind == opFinish || op.kind == opError {
		h.finished = true
	}
	h.ops = append(h.ops, op)
	h.mut.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
	return nil
}

func (h *ResponseHandler) Write(chunk []byte) error {
	return h.enqueue(respOp{kind: opWrite, data: chunk})
}

func (h *ResponseHandler) Flush() error {
	return h.enqueue(respOp{kind: opFlush})
}

func (h *ResponseHandler) Finish() error {
	return h.enqueue(respOp{kind: opFinish})
}

func (h *ResponseHandler) SendError(status int) error {
	return h.enqueue(respOp{kind: opError, status: status})
}

// Serve applies queued calls until Finish or SendError
// has been applied, or ctx is done. A done ctx means the
// client left: the result is ErrClientGone, and so is every
// later call on h.
func (h *ResponseHandler) Serve(ctx context.Context) error {
	var batch []respOp
	for {
		select {
		case <-h.wake:
		case <-ctx.Done():
			h.markGone()
			return ErrClientGone
		}
		h.mut.Lock()
		batch, h.ops = h.ops, batch[:0]
		h.mut.Unlock()

		for i, op := range batch {
			batch[i] = respOp{}
			done, err := h.apply(op)
			if err != nil {
				h.markGone()
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (h *ResponseHandler) markGone() {
	h.mut.Lock()
	h.gone = true
	h.ops = nil
	h.mut.Unlock()
}

// apply reports done once the exchange is over.
func (h *ResponseHandler) apply(op respOp) (done bool, err error) {
	switch op.kind {
	case opWrite:
		return h.write(op.data)

	case opFlush:
		if h.prerendered && !h.HeadersWritten() {
			// nothing the client can use yet.
			return false, nil
		}
		if f, ok := h.w.(http.Flusher); ok {
			f.Flush()
		}
		h.mut.Lock()
		h.flushes++
		h.mut.Unlock()
		return false, nil

	case opFinish:
		if h.prerendered && !h.HeadersWritten() {
			warnf("ResponseHandler: reply ended without a complete head (%v bytes); sending 502", len(h.head))
			h.sendError(http.StatusBadGateway)
		}
		return true, nil

	case opError:
		h.sendError(op.status)
		return true, nil
	}
	return false, nil
}

// write reports done when the worker's head was unusable
// and the client already has its 502.
func (h *ResponseHandler) write(data []byte) (done bool, err error) {
	if !h.prerendered {
		h.markHeaders(http.StatusOK)
		return false, h.clientWrite(data)
	}
	if h.HeadersWritten() {
		return false, h.clientWrite(data)
	}
	h.head = append(h.head, data...)
	end := bytes.Index(h.head, []byte("\r\n\r\n"))
	if end < 0 {
		if len(h.head) > maxHeadBytes {
			warnf("ResponseHandler: no end of head in %v bytes; sending 502", len(h.head))
			h.sendError(http.StatusBadGateway)
			return true, nil
		}
		return false, nil
	}
	end += 4
	code, hdr, err := parseHead(h.head[:end])
	if err != nil {
		warnf("ResponseHandler: bad head from worker: %v; sending 502", err)
		h.sendError(http.StatusBadGateway)
		return true, nil
	}
	dst := h.w.Header()
	for k, vs := range hdr {
		if isHopByHop(k) {
			continue
		}
		dst[k] = vs
	}
	h.w.WriteHeader(code)
	h.markHeaders(code)

	body := h.head[end:]
	h.head = nil
	if len(body) == 0 {
		return false, nil
	}
	return false, h.clientWrite(body)
}

func (h *ResponseHandler) clientWrite(data []byte) error {
	if _, err := h.w.Write(data); err != nil {
		if errors.Is(err, http.ErrBodyNotAllowed) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrClientGone, err)
	}
	return nil
}

func (h *ResponseHandler) sendError(status int) {
	if h.HeadersWritten() {
		// mid-body; all we can do is stop.
		return
	}
	http.Error(h.w, http.StatusText(status), status)
	h.markHeaders(status)
}

func (h *ResponseHandler) markHeaders(status int) {
	h.mut.Lock()
	defer h.mut.Unlock()
	if !h.headersWritten {
		h.headersWritten = true
		h.status = status
	}
}

func (h *ResponseHandler) HeadersWritten() bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.headersWritten
}

// Status is the code sent to the client, or 0 if none yet.
func (h *ResponseHandler) Status() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.status
}

func (h *ResponseHandler) Flushes() int {
	h.mut.Lock()
	defer h.mut.Unlock()
	return h.flushes
}

// parseHead reads "HTTP/1.1 200 OK\r\nK: v\r\n...\r\n\r\n".
func parseHead(head []byte) (code int, hdr textproto.MIMEHeader, err error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head)))
	line, err := tp.ReadLine()
	if err != nil {
		return 0, nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, nil, fmt.Errorf("bad status line '%v'", line)
	}
	codeStr, _, _ := strings.Cut(rest, " ")
	code, err = strconv.Atoi(codeStr)
	if err != nil || len(codeStr) != 3 || code < 100 {
		return 0, nil, fmt.Errorf("bad status code in '%v'", line)
	}
	hdr, err = tp.ReadMIMEHeader()
	if err != nil {
		return 0, nil, fmt.Errorf("bad headers: %w", err)
	}
	return code, hdr, nil
}

var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopByHop(key string) bool {
	return slices.Contains(hopByHop, textproto.CanonicalMIMEHeaderKey(key))
}

// SupportedMethods are what ProxyHandler forwards by default.
var SupportedMethods = []string{"GET", "HEAD", "POST", "DELETE", "PUT", "OPTIONS"}

// ProxyHandler forwards each request it serves to a worker:
// every route a front end wants offloaded points here. Route
// captures come from the Router through the request context.
type ProxyHandler struct {
	Dispatcher Dispatcher

	// Timeout is the gateway timeout; <= 0 waits forever.
	Timeout time.Duration

	// Methods defaults to SupportedMethods.
	Methods []string
}

// NewProxyHandler uses the Proxy's Config.DefaultTimeout
// when timeout is 0.
func NewProxyHandler(p *Proxy, timeout time.Duration) *ProxyHandler {
	if timeout == 0 {
		timeout = p.ctx.Cfg.DefaultTimeout
	}
	return &ProxyHandler{
		Dispatcher: p,
		Timeout:    timeout,
	}
}

func (ph *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	methods := ph.Methods
	if len(methods) == 0 {
		methods = SupportedMethods
	}
	if !slices.Contains(methods, r.Method) {
		w.Header().Set("Allow", strings.Join(methods, ", "))
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	args, kwargs := ArgsFromContext(r.Context())

	rh := NewResponseHandler(w, true)
	callID, err := ph.Dispatcher.SendRequest(r, args, kwargs, rh, ph.Timeout)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		alwaysPrintf("ProxyHandler: could not forward '%v %v': %v", r.Method, r.URL, err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	if err := rh.Serve(r.Context()); err != nil {
		vv("ProxyHandler: '%v' for '%v' abandoned: %v", callID, r.URL, err)
		ph.Dispatcher.Abandon(callID)
	}
}
