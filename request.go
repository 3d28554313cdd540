package offload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

var ErrFinished = fmt.Errorf("request already finished")

// Request is one decoded request on the back end, and the
// way its reply gets back: every reply carries the identity
// prefix and call id the request came in with.
//
// With BulkDelivery, Write only buffers and Finish sends
// everything as one reply. With StreamingDelivery each Write
// goes out at once and Finish sends the end marker.
type Request struct {
	Record *RequestRecord

	// Path and Query are split from Record.URI.
	Path  string
	Query string

	Prefix [][]byte
	CallID []byte

	out      frameSender
	delivery Delivery

	mut           sync.Mutex
	chunks        [][]byte
	writeCallback func()
	finished      bool
	start         time.Time
	finish        time.Time
}

func newRequest(in *Inbound, out frameSender, delivery Delivery) *Request {
	r := &Request{
		Record:   in.Record,
		Prefix:   in.Prefix,
		CallID:   in.CallID,
		out:      out,
		delivery: delivery,
		start:    time.Now(),
	}
	r.Path = in.Record.Path()
	if u, err := url.ParseRequestURI(in.Record.URI); err == nil {
		r.Query = u.RawQuery
	}
	return r
}

func (r *Request) Delivery() Delivery { return r.delivery }

// Write queues (bulk) or sends (streaming) one chunk.
//
// For bulk, callback is remembered (the last one given wins)
// and runs after Finish sends. For streaming it runs right
// after this chunk is handed to the socket.
func (r *Request) Write(chunk []byte, callback func()) error {
	r.mut.Lock()
	if r.finished {
		r.mut.Unlock()
		return ErrFinished
	}
	if r.delivery != StreamingDelivery {
		if callback != nil {
			r.writeCallback = callback
		}
		r.chunks = append(r.chunks, chunk)
		r.mut.Unlock()
		return nil
	}
	r.mut.Unlock()

	vv("Request '%v': streaming %v bytes", string(r.CallID), len(chunk))
	err := r.out.Send(EncodeStreamChunk(r.Prefix, r.CallID, chunk))
	if callback != nil {
		r.runCallback(callback)
	}
	return err
}

// Finish sends the reply (bulk) or the end marker (streaming).
func (r *Request) Finish() error {
	r.mut.Lock()
	if r.finished {
		r.mut.Unlock()
		return ErrFinished
	}
	r.finished = true
	r.finish = time.Now()
	chunks := r.chunks
	r.chunks = nil
	cb := r.writeCallback
	r.writeCallback = nil
	r.mut.Unlock()

	var frames [][]byte
	if r.delivery == StreamingDelivery {
		frames = EncodeStreamEnd(r.Prefix, r.CallID)
	} else {
		frames = EncodeBulkReply(r.Prefix, r.CallID, chunks)
	}
	vv("Request '%v': finish, %v frames", string(r.CallID), len(frames))
	err := r.out.Send(frames)
	if cb != nil {
		r.runCallback(cb)
	}
	return err
}

func (r *Request) runCallback(cb func()) {
	defer func() {
		if x := recover(); x != nil {
			alwaysPrintf("Request '%v': panic in write callback: '%v'\n%v", string(r.CallID), x, stack())
		}
	}()
	cb()
}

func (r *Request) Finished() bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.finished
}

// RequestTime is how long the request took, or has taken so
// far if it is not finished.
func (r *Request) RequestTime() time.Duration {
	r.mut.Lock()
	defer r.mut.Unlock()
	if r.finish.IsZero() {
		return time.Since(r.start)
	}
	return r.finish.Sub(r.start)
}

type requestKey struct{}

func contextWithRequest(ctx context.Context, r *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFromContext gives a back end handler the Request it
// is serving: remote ip, protocol, uploaded files and so on,
// as the front end saw them.
func RequestFromContext(ctx context.Context) (*Request, bool) {
	r, ok := ctx.Value(requestKey{}).(*Request)
	return r, ok
}

// responseWriter lets ordinary http.Handlers reply through a
// Request. What the handler writes is buffered; each Flush
// hands it to Request.Write, the first one with the status
// line and headers rendered in front of the body. The front
// end takes those as is.
type responseWriter struct {
	req    *Request
	method string

	header      http.Header
	status      int
	wroteHeader bool
	headSent    bool
	flushedAny  bool

	buf bytes.Buffer
}

func newResponseWriter(req *Request, method string) *responseWriter {
	return &responseWriter{
		req:    req,
		method: method,
		header: make(http.Header),
		status: http.StatusOK,
	}
}

func (w *responseWriter) Header() http.Header {
	return w.header
}

func (w *responseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	if code < 100 || code > 999 {
		panic(fmt.Sprintf("invalid WriteHeader code %v", code))
	}
	if code < 200 {
		// informational; we have no way to send those on.
		return
	}
	w.wroteHeader = true
	w.status = code
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if !bodyAllowed(w.status) {
		return 0, http.ErrBodyNotAllowed
	}
	if w.req.Finished() {
		return 0, ErrFinished
	}
	if w.method == http.MethodHead {
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *responseWriter) Flush() {
	if err := w.flush(false); err != nil {
		vv("responseWriter flush: %v", err)
	}
}

// flush sends what is buffered. final is the flush after the
// handler returned; only then is the body length known.
func (w *responseWriter) flush(final bool) error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	var out bytes.Buffer
	if !w.headSent {
		w.headSent = true
		hasBody := bodyAllowed(w.status)
		if final && !w.flushedAny && hasBody && w.method != http.MethodHead && w.header.Get("Content-Length") == "" {
			w.header.Set("Content-Length", strconv.Itoa(w.buf.Len()))
		}
		if hasBody && w.buf.Len() > 0 && w.header.Get("Content-Type") == "" {
			w.header.Set("Content-Type", http.DetectContentType(w.buf.Bytes()))
		}
		fmt.Fprintf(&out, "HTTP/1.1 %03d %s\r\n", w.status, http.StatusText(w.status))
		w.header.Write(&out)
		out.WriteString("\r\n")
	}
	out.Write(w.buf.Bytes())
	w.buf.Reset()
	if out.Len() == 0 {
		return nil
	}
	w.flushedAny = true
	return w.req.Write(out.Bytes(), nil)
}

// finish flushes the rest and finishes the request, unless
// the handler already finished it through RequestFromContext.
func (w *responseWriter) finish() error {
	if w.req.Finished() {
		return nil
	}
	if err := w.flush(true); err != nil {
		return err
	}
	return w.req.Finish()
}

// reset drops what a panicking handler left, so a 500 can
// go out instead. Too late once the head was sent.
func (w *responseWriter) reset() bool {
	if w.headSent {
		return false
	}
	w.header = make(http.Header)
	w.status = http.StatusOK
	w.wroteHeader = false
	w.buf.Reset()
	return true
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
