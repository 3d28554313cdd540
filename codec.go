package offload

import (
	"bytes"
	"fmt"

	gjson "github.com/goccy/go-json"
)

// Frame-list shapes on the wire:
//
//	request:        [|, callID, json(meta)] (+ body, iff non-empty)
//	bulk reply:     [...identity prefix, callID, ...chunks]
//	streamed chunk: [...identity prefix, callID, DATA, chunk]
//	streamed end:   [...identity prefix, callID, FINISH]
//
// The identity prefix is whatever routing frames the ROUTER
// socket put in front of the request; we never look inside it.
const (
	Delimiter = "|"
	DataTag   = "DATA"
	FinishTag = "FINISH"
)

var delimiterFrame = []byte(Delimiter)
var dataFrame = []byte(DataTag)
var finishFrame = []byte(FinishTag)

var ErrMalformed = fmt.Errorf("malformed request message")

// Inbound is a decoded request as the back end sees it.
type Inbound struct {
	Prefix [][]byte
	CallID []byte
	Record *RequestRecord
}

// EncodeRequest frames rec for the DEALER socket.
func EncodeRequest(callID string, rec *RequestRecord) (frames [][]byte, err error) {
	meta, err := gjson.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("EncodeRequest could not json encode the request for '%v': %w", rec.URI, err)
	}
	frames = [][]byte{delimiterFrame, []byte(callID), meta}
	if len(rec.Body) > 0 {
		frames = append(frames, rec.Body)
	}
	return
}

// DecodeRequest parses what a ROUTER socket received. Every
// frame before the | sentinel is identity prefix. It never
// panics; anything it cannot make sense of is ErrMalformed.
func DecodeRequest(frames [][]byte) (in *Inbound, err error) {
	n := len(frames)
	if n < 4 {
		return nil, fmt.Errorf("%w: have %v frames, need at least 4", ErrMalformed, n)
	}
	i := -1
	for k, f := range frames {
		if bytes.Equal(f, delimiterFrame) {
			i = k
			break
		}
	}
	if i < 0 {
		return nil, fmt.Errorf("%w: no '%v' delimiter frame in %v frames", ErrMalformed, Delimiter, n)
	}
	if i+2 >= n {
		return nil, fmt.Errorf("%w: delimiter at %v of %v frames leaves no room for call id and meta", ErrMalformed, i, n)
	}
	rec := &RequestRecord{}
	if err := gjson.Unmarshal(frames[i+2], rec); err != nil {
		return nil, fmt.Errorf("%w: bad json meta: %v", ErrMalformed, err)
	}
	if n == i+4 {
		rec.Body = frames[i+3]
	}
	in = &Inbound{
		Prefix: frames[:i:i],
		CallID: frames[i+1],
		Record: rec,
	}
	return
}

// newReply starts a reply frame list with its own copy of the prefix,
// so appends never scribble on the caller's slice.
func newReply(prefix [][]byte, callID []byte, extra int) (frames [][]byte) {
	frames = make([][]byte, 0, len(prefix)+1+extra)
	frames = append(frames, prefix...)
	frames = append(frames, callID)
	return
}

// EncodeBulkReply is [...prefix, callID, ...chunks].
func EncodeBulkReply(prefix [][]byte, callID []byte, chunks [][]byte) [][]byte {
	frames := newReply(prefix, callID, len(chunks))
	return append(frames, chunks...)
}

// EncodeStreamChunk is [...prefix, callID, DATA, chunk].
func EncodeStreamChunk(prefix [][]byte, callID []byte, chunk []byte) [][]byte {
	frames := newReply(prefix, callID, 2)
	return append(frames, dataFrame, chunk)
}

// EncodeStreamEnd is [...prefix, callID, FINISH].
func EncodeStreamEnd(prefix [][]byte, callID []byte) [][]byte {
	frames := newReply(prefix, callID, 1)
	return append(frames, finishFrame)
}
