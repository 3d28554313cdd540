package offload

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func testInbound() *Inbound {
	rec := sampleRecord()
	rec.URI = "/widgets/7?color=red"
	return &Inbound{
		Prefix: [][]byte{[]byte("ident")},
		CallID: []byte("cid"),
		Record: rec,
	}
}

func Test070_bulk_request_sends_one_reply_on_finish(t *testing.T) {

	cv.Convey("bulk Write only buffers; Finish sends [prefix, callID, chunks...] once", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, BulkDelivery)
		cv.So(req.Path, cv.ShouldEqual, "/widgets/7")
		cv.So(req.Query, cv.ShouldEqual, "color=red")
		cv.So(req.Delivery(), cv.ShouldEqual, BulkDelivery)

		calls := 0
		panicOn(req.Write([]byte("a"), func() { calls++ }))
		panicOn(req.Write([]byte("b"), nil))
		cv.So(len(rs.all()), cv.ShouldEqual, 0)
		cv.So(calls, cv.ShouldEqual, 0)

		panicOn(req.Finish())
		cv.So(frameStrings(rs.last()), cv.ShouldResemble, []string{"ident", "cid", "a", "b"})
		cv.So(calls, cv.ShouldEqual, 1)
		cv.So(req.Finished(), cv.ShouldBeTrue)
		cv.So(req.RequestTime() >= 0, cv.ShouldBeTrue)

		cv.So(req.Write([]byte("c"), nil), cv.ShouldEqual, ErrFinished)
		cv.So(req.Finish(), cv.ShouldEqual, ErrFinished)
		cv.So(len(rs.all()), cv.ShouldEqual, 1)
	})

	cv.Convey("a bulk reply with nothing written is just [prefix, callID]", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, BulkDelivery)
		panicOn(req.Finish())
		cv.So(frameStrings(rs.last()), cv.ShouldResemble, []string{"ident", "cid"})
	})
}

func Test071_streaming_request_sends_each_write(t *testing.T) {

	cv.Convey("streaming Write sends [prefix, callID, DATA, chunk] at once; Finish sends FINISH", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, StreamingDelivery)

		calls := 0
		panicOn(req.Write([]byte("one"), func() { calls++ }))
		cv.So(calls, cv.ShouldEqual, 1)
		panicOn(req.Write([]byte("two"), func() { panic("callback blew up") }))
		panicOn(req.Finish())

		all := rs.all()
		cv.So(len(all), cv.ShouldEqual, 3)
		cv.So(frameStrings(all[0]), cv.ShouldResemble, []string{"ident", "cid", DataTag, "one"})
		cv.So(frameStrings(all[1]), cv.ShouldResemble, []string{"ident", "cid", DataTag, "two"})
		cv.So(frameStrings(all[2]), cv.ShouldResemble, []string{"ident", "cid", FinishTag})
		cv.So(req.Write([]byte("late"), nil), cv.ShouldEqual, ErrFinished)
	})

	cv.Convey("a send error comes back to the writer", t, func() {
		rs := &recSender{err: ErrShutdown}
		req := newRequest(testInbound(), rs, StreamingDelivery)
		cv.So(req.Write([]byte("x"), nil), cv.ShouldEqual, ErrShutdown)
		cv.So(req.Finish(), cv.ShouldEqual, ErrShutdown)
	})

	cv.Convey("a handler can find its Request in the context", t, func() {
		req := newRequest(testInbound(), &recSender{}, BulkDelivery)
		ctx := contextWithRequest(context.Background(), req)
		got, ok := RequestFromContext(ctx)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(got, cv.ShouldEqual, req)
		_, ok = RequestFromContext(context.Background())
		cv.So(ok, cv.ShouldBeFalse)
	})
}

// headAndBody splits a rendered reply.
func headAndBody(s string) (head, body string) {
	i := strings.Index(s, "\r\n\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i+4], s[i+4:]
}

func Test072_response_writer_renders_the_head(t *testing.T) {

	cv.Convey("the first flush carries the status line and headers; Content-Length is set when the handler never flushed", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, BulkDelivery)
		rw := newResponseWriter(req, "GET")
		rw.Header().Set("X-Widget", "7")
		rw.WriteHeader(http.StatusCreated)
		rw.WriteHeader(http.StatusTeapot) // ignored
		rw.Write([]byte("<html><body>hi</body></html>"))
		panicOn(rw.finish())

		frames := rs.last()
		cv.So(len(frames), cv.ShouldEqual, 3)
		head, body := headAndBody(string(frames[2]))
		cv.So(head, cv.ShouldStartWith, "HTTP/1.1 201 Created\r\n")
		cv.So(head, cv.ShouldContainSubstring, "X-Widget: 7\r\n")
		cv.So(head, cv.ShouldContainSubstring, "Content-Length: 28\r\n")
		cv.So(head, cv.ShouldContainSubstring, "Content-Type: text/html; charset=utf-8\r\n")
		cv.So(body, cv.ShouldEqual, "<html><body>hi</body></html>")

		code, hdr, err := parseHead([]byte(head))
		panicOn(err)
		cv.So(code, cv.ShouldEqual, 201)
		cv.So(hdr.Get("X-Widget"), cv.ShouldEqual, "7")
	})

	cv.Convey("streamed flushes send the head once, then body only, and no Content-Length", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, StreamingDelivery)
		rw := newResponseWriter(req, "GET")
		rw.Header().Set("Content-Type", "text/plain")
		rw.Write([]byte("part1 "))
		rw.Flush()
		rw.Flush() // nothing buffered: nothing sent
		rw.Write([]byte("part2"))
		panicOn(rw.finish())

		all := rs.all()
		cv.So(len(all), cv.ShouldEqual, 3)
		head, body := headAndBody(string(all[0][3]))
		cv.So(head, cv.ShouldStartWith, "HTTP/1.1 200 OK\r\n")
		cv.So(head, cv.ShouldNotContainSubstring, "Content-Length")
		cv.So(body, cv.ShouldEqual, "part1 ")
		cv.So(string(all[1][3]), cv.ShouldEqual, "part2")
		cv.So(string(all[2][2]), cv.ShouldEqual, FinishTag)
	})

	cv.Convey("HEAD and 204 carry no body", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, BulkDelivery)
		rw := newResponseWriter(req, http.MethodHead)
		n, err := rw.Write([]byte("ignored"))
		cv.So(n, cv.ShouldEqual, 7)
		cv.So(err, cv.ShouldBeNil)
		panicOn(rw.finish())
		head, body := headAndBody(string(rs.last()[2]))
		cv.So(head, cv.ShouldStartWith, "HTTP/1.1 200 OK\r\n")
		cv.So(body, cv.ShouldEqual, "")

		rs2 := &recSender{}
		req2 := newRequest(testInbound(), rs2, BulkDelivery)
		rw2 := newResponseWriter(req2, "DELETE")
		rw2.WriteHeader(http.StatusNoContent)
		_, err = rw2.Write([]byte("nope"))
		cv.So(errors.Is(err, http.ErrBodyNotAllowed), cv.ShouldBeTrue)
		panicOn(rw2.finish())
		cv.So(string(rs2.last()[2]), cv.ShouldStartWith, "HTTP/1.1 204 No Content\r\n")
	})

	cv.Convey("reset drops a half built reply, until the head went out", t, func() {
		req := newRequest(testInbound(), &recSender{}, StreamingDelivery)
		rw := newResponseWriter(req, "GET")
		rw.Header().Set("X-Half", "1")
		rw.Write([]byte("half"))
		cv.So(rw.reset(), cv.ShouldBeTrue)
		cv.So(rw.Header().Get("X-Half"), cv.ShouldEqual, "")
		rw.Write([]byte("x"))
		rw.Flush()
		cv.So(rw.reset(), cv.ShouldBeFalse)
	})

	cv.Convey("finish after the handler finished the Request itself is a no-op", t, func() {
		rs := &recSender{}
		req := newRequest(testInbound(), rs, BulkDelivery)
		rw := newResponseWriter(req, "GET")
		panicOn(req.Finish())
		cv.So(rw.finish(), cv.ShouldBeNil)
		cv.So(len(rs.all()), cv.ShouldEqual, 1)
		_, err := rw.Write([]byte("x"))
		cv.So(err, cv.ShouldEqual, ErrFinished)
	})
}
