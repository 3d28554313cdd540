package offload

import (
	"sync"
	"time"
)

// recHandler is a ReplyHandler that remembers every call.
type recHandler struct {
	mut      sync.Mutex
	writes   [][]byte
	flushes  int
	finishes int
	errors   []int

	// writeErr is returned from Write and Flush when set.
	writeErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newRecHandler() *recHandler {
	return &recHandler{done: make(chan struct{})}
}

func (h *recHandler) Write(chunk []byte) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.writes = append(h.writes, append([]byte(nil), chunk...))
	return h.writeErr
}

func (h *recHandler) Flush() error {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.flushes++
	return h.writeErr
}

func (h *recHandler) Finish() error {
	h.mut.Lock()
	h.finishes++
	h.mut.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
	return nil
}

func (h *recHandler) SendError(status int) error {
	h.mut.Lock()
	h.errors = append(h.errors, status)
	h.mut.Unlock()
	h.doneOnce.Do(func() { close(h.done) })
	return nil
}

func (h *recHandler) wait(d time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (h *recHandler) body() string {
	h.mut.Lock()
	defer h.mut.Unlock()
	var s string
	for _, w := range h.writes {
		s += string(w)
	}
	return s
}

func (h *recHandler) snapshot() (writes, flushes, finishes int, errors []int) {
	h.mut.Lock()
	defer h.mut.Unlock()
	return len(h.writes), h.flushes, h.finishes, append([]int(nil), h.errors...)
}

// recSender is a frameSender that keeps what it was given.
type recSender struct {
	mut  sync.Mutex
	sent [][][]byte
	err  error
}

func (s *recSender) Send(frames [][]byte) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, frames)
	return nil
}

func (s *recSender) all() [][][]byte {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([][][]byte(nil), s.sent...)
}

func (s *recSender) last() [][]byte {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func frameStrings(frames [][]byte) (r []string) {
	for _, f := range frames {
		r = append(r, string(f))
	}
	return
}

// waitFor polls cond until it holds or d passes.
func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
