package offload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var ErrListenNotSupported = fmt.Errorf("an Application is only reachable through its socket; use Connect or Bind")

var _ http.Flusher = &responseWriter{}

// Application is the worker half: requests come in on a
// ROUTER socket, run through ordinary http.Handlers picked
// by handlers, and the replies go back the way they came.
//
// The route captures the front end found are used as given;
// handlers only picks which handler runs.
type Application struct {
	ctx      *Context
	sock     *Socket
	out      frameSender
	delivery Delivery
	handlers *Router
	stats    *Stats

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewApplication(ctx *Context, handlers *Router, delivery Delivery) (*Application, error) {
	switch delivery {
	case BulkDelivery, StreamingDelivery:
	default:
		return nil, fmt.Errorf("NewApplication: unknown delivery %v", delivery)
	}
	if handlers == nil {
		handlers = NewRouter()
	}
	sock, err := ctx.Socket(RouterSocket)
	if err != nil {
		return nil, err
	}
	a := &Application{
		ctx:      ctx,
		sock:     sock,
		out:      sock,
		delivery: delivery,
		handlers: handlers,
		stats:    NewStats(),
	}
	a.baseCtx, a.cancel = context.WithCancel(context.Background())
	sock.OnRecv(a.handleRequest)
	return a, nil
}

func (a *Application) Connect(url string) error {
	return a.sock.Connect(url)
}

func (a *Application) Bind(url string) (string, error) {
	return a.sock.Bind(url)
}

// Listen would serve HTTP directly, which an Application never does.
func (a *Application) Listen(addr string) error {
	return ErrListenNotSupported
}

func (a *Application) Socket() *Socket    { return a.sock }
func (a *Application) Stats() *Stats      { return a.stats }
func (a *Application) Delivery() Delivery { return a.delivery }

// URLs are the connected, then the bound, endpoints.
func (a *Application) URLs() []string {
	return append(a.sock.URLs(), a.sock.Endpoints()...)
}

// Close cancels the context of running handlers, closes the
// socket, and waits up to grace for the handlers to return.
func (a *Application) Close(grace time.Duration) {
	a.cancel()
	a.sock.Close()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		alwaysPrintf("Application.Close: handlers still running after %v", grace)
	}
}

// handleRequest runs on the loop for every inbound frame list.
func (a *Application) handleRequest(frames [][]byte) {
	in, err := DecodeRequest(frames)
	if err != nil {
		a.stats.Add(StatMalformed, 1)
		warnf("Application: dropping request: %v", err)
		return
	}
	a.stats.Add(StatRequests, 1)
	req := newRequest(in, a.out, a.delivery)
	a.wg.Add(1)
	go a.serve(req)
}

// serve runs the handler on its own goroutine, so a slow (or
// blocked on a full peer queue) handler never holds up the loop.
func (a *Application) serve(req *Request) {
	defer a.wg.Done()

	h, _, _, ok := a.handlers.Match(req.Path)
	if !ok {
		h = a.handlers.notFound()
	}
	rec := req.Record
	ctx := ContextWithArgs(contextWithRequest(a.baseCtx, req), rec.Args, rec.Kwargs)
	hr, err := rec.HTTPRequest(ctx)
	if err != nil {
		warnf("Application: %v", err)
		rw := newResponseWriter(req, rec.Method)
		http.Error(rw, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		a.finish(req, rw)
		return
	}
	rw := newResponseWriter(req, hr.Method)

	defer func() {
		if r := recover(); r != nil {
			a.stats.Add(StatPanics, 1)
			if r != http.ErrAbortHandler {
				alwaysPrintf("Application: panic serving '%v %v': %v\n%v", rec.Method, rec.URI, r, stack())
			}
			if rw.reset() {
				http.Error(rw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}
		a.finish(req, rw)
	}()
	h.ServeHTTP(rw, hr)
}

func (a *Application) finish(req *Request, rw *responseWriter) {
	err := rw.finish()
	if err != nil && !errors.Is(err, ErrFinished) && !errors.Is(err, ErrShutdown) {
		warnf("Application: reply to '%v' not sent: %v", string(req.CallID), err)
	}
	a.stats.Observe(req.RequestTime())
}
