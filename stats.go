package offload

import (
	"expvar"
	"sync"
	"time"

	tdigest "github.com/caio/go-tdigest"
)

// counter names
const (
	StatSent       = "sent"
	StatReplies    = "replies"
	StatChunks     = "chunks"
	StatTimeouts   = "timeouts"
	StatLate       = "late"
	StatMalformed  = "malformed"
	StatAbandoned  = "abandoned"
	StatSendErrors = "send_errors"
	StatRequests   = "requests"
	StatPanics     = "handler_panics"
)

// Stats keeps counters for one Proxy or Application, and a
// t-digest of request latency (send to finished reply on the
// front end, receive to Finish on the back end).
//
// It is not published anywhere itself: call
// expvar.Publish(name, s.Var()) to expose it.
type Stats struct {
	counts expvar.Map

	mut sync.Mutex
	td  *tdigest.TDigest
}

func NewStats() *Stats {
	td, err := tdigest.New(tdigest.Compression(100))
	panicOn(err)
	s := &Stats{td: td}
	s.counts.Init()
	return s
}

func (s *Stats) Add(name string, delta int64) {
	s.counts.Add(name, delta)
}

// Count is the current value of counter name; 0 if never added to.
func (s *Stats) Count(name string) int64 {
	if iv, ok := s.counts.Get(name).(*expvar.Int); ok {
		return iv.Value()
	}
	return 0
}

// Observe records one latency sample.
func (s *Stats) Observe(d time.Duration) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.td.Add(float64(d))
}

// Quantile estimates the q-th latency quantile, 0 <= q <= 1.
func (s *Stats) Quantile(q float64) time.Duration {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.td.Count() == 0 {
		return 0
	}
	return time.Duration(s.td.Quantile(q))
}

// Samples is the number of latencies observed.
func (s *Stats) Samples() uint64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.td.Count()
}

// Var renders the counters plus p50/p90/p99 latency in
// milliseconds as one JSON object.
func (s *Stats) Var() expvar.Var {
	return expvar.Func(func() any {
		m := make(map[string]any)
		s.counts.Do(func(kv expvar.KeyValue) {
			if iv, ok := kv.Value.(*expvar.Int); ok {
				m[kv.Key] = iv.Value()
			}
		})
		ms := func(q float64) float64 {
			return float64(s.Quantile(q)) / float64(time.Millisecond)
		}
		m["latency_ms_p50"] = ms(0.5)
		m["latency_ms_p90"] = ms(0.9)
		m["latency_ms_p99"] = ms(0.99)
		return m
	})
}
