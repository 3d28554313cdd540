package offload

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func testHandlers() *Router {
	rt := NewRouter()
	rt.HandleFunc(`/widgets/(\d+)`, func(w http.ResponseWriter, r *http.Request) {
		args, _ := ArgsFromContext(r.Context())
		fmt.Fprintf(w, "widget %v", args[0])
	})
	rt.HandleFunc(`/stream`, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "tick %v\n", i)
			w.(http.Flusher).Flush()
		}
	})
	rt.HandleFunc(`/panic`, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Lost", "yes")
		w.Write([]byte("partial"))
		panic("handler fell over")
	})
	rt.HandleFunc(`/panic-late`, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("sent"))
		w.(http.Flusher).Flush()
		panic("too late for a 500")
	})
	rt.HandleFunc(`/slow`, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Write([]byte("slept"))
	})
	rt.HandleFunc(`/echo`, func(w http.ResponseWriter, r *http.Request) {
		req, _ := RequestFromContext(r.Context())
		fmt.Fprintf(w, "%v %v %v|%v|%v", r.Method, r.RequestURI, r.FormValue("color"), req.Record.RemoteIP, string(req.Record.Body))
	})
	return rt
}

// testApp is an Application whose ROUTER is swapped for a recSender.
func testApp(t *testing.T, delivery Delivery) (*Context, *Application, *recSender) {
	ctx := testContext(t, "app-test")
	a, err := NewApplication(ctx, testHandlers(), delivery)
	panicOn(err)
	rs := &recSender{}
	a.out = rs
	return ctx, a, rs
}

// inject hands the application one request as its ROUTER would.
func inject(a *Application, method, uri string, body string) {
	injectArgs(a, method, uri, body, sampleRecord().Args...)
}

// injectArgs is inject with the front end's pre-resolved
// capture groups given explicitly.
func injectArgs(a *Application, method, uri string, body string, args ...string) {
	rec := sampleRecord()
	rec.Method = method
	rec.URI = uri
	rec.Body = []byte(body)
	rec.Args = args
	frames, err := EncodeRequest("cid-"+uri, rec)
	panicOn(err)
	a.handleRequest(append([][]byte{[]byte("ident")}, frames...))
}

func waitSent(rs *recSender, n int) [][][]byte {
	if !waitFor(5*time.Second, func() bool { return len(rs.all()) >= n }) {
		panic(fmt.Sprintf("wanted %v frame lists, have %v", n, len(rs.all())))
	}
	return rs.all()
}

func Test090_application_bulk_reply(t *testing.T) {

	cv.Convey("a bulk Application runs the matched handler and sends [identity, callID, reply]", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		inject(a, "GET", "/widgets/7", "")
		frames := waitSent(rs, 1)[0]
		cv.So(len(frames), cv.ShouldEqual, 3)
		cv.So(string(frames[0]), cv.ShouldEqual, "ident")
		cv.So(string(frames[1]), cv.ShouldEqual, "cid-/widgets/7")
		head, body := headAndBody(string(frames[2]))
		cv.So(head, cv.ShouldStartWith, "HTTP/1.1 200 OK\r\n")
		cv.So(head, cv.ShouldContainSubstring, "Content-Length: 8\r\n")
		// the front end captured "7"; routing here only picks the handler.
		cv.So(body, cv.ShouldEqual, "widget 7")

		st := a.Stats()
		cv.So(waitFor(time.Second, func() bool { return st.Samples() == 1 }), cv.ShouldBeTrue)
		cv.So(st.Count(StatRequests), cv.ShouldEqual, 1)
	})

	cv.Convey("the request the handler sees is the one the front end recorded", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		inject(a, "POST", "/echo?color=red", "the body")
		_, body := headAndBody(string(waitSent(rs, 1)[0][2]))
		cv.So(body, cv.ShouldEqual, "POST /echo?color=red red|10.0.0.5|the body")
	})

	cv.Convey("unmatched paths are 404, an unusable method is 400", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		inject(a, "GET", "/nowhere", "")
		cv.So(string(waitSent(rs, 1)[0][2]), cv.ShouldStartWith, "HTTP/1.1 404 Not Found\r\n")

		inject(a, "BAD METHOD", "/widgets/1", "")
		cv.So(string(waitSent(rs, 2)[1][2]), cv.ShouldStartWith, "HTTP/1.1 400 Bad Request\r\n")
	})
}

func Test091_application_streaming_reply(t *testing.T) {

	cv.Convey("a streaming Application sends a DATA list per flush, then FINISH", t, func() {
		ctx, a, rs := testApp(t, StreamingDelivery)
		defer ctx.Close()

		inject(a, "GET", "/stream", "")
		all := waitSent(rs, 4)
		cv.So(len(all), cv.ShouldEqual, 4)
		var got strings.Builder
		for _, fl := range all[:3] {
			cv.So(string(fl[2]), cv.ShouldEqual, DataTag)
			got.Write(fl[3])
		}
		cv.So(frameStrings(all[3]), cv.ShouldResemble, []string{"ident", "cid-/stream", FinishTag})
		cv.So(got.String(), cv.ShouldStartWith, "HTTP/1.1 200 OK\r\n")
		cv.So(got.String(), cv.ShouldEndWith, "tick 0\ntick 1\ntick 2\n")
	})
}

func Test092_application_drops_malformed_requests(t *testing.T) {

	cv.Convey("frame lists that are not requests are counted and dropped", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		a.handleRequest([][]byte{[]byte("ident"), []byte("junk")})
		a.handleRequest([][]byte{[]byte("ident"), []byte("a"), []byte("b"), []byte("c")})
		a.handleRequest([][]byte{[]byte("ident"), delimiterFrame, []byte("cid"), []byte("{not json")})
		cv.So(a.Stats().Count(StatMalformed), cv.ShouldEqual, 3)
		cv.So(a.Stats().Count(StatRequests), cv.ShouldEqual, 0)

		injectArgs(a, "GET", "/widgets/3", "", "3")
		_, body := headAndBody(string(waitSent(rs, 1)[0][2]))
		cv.So(body, cv.ShouldEqual, "widget 3")
	})
}

func Test093_application_contains_handler_panics(t *testing.T) {

	cv.Convey("a handler that panics before its head went out becomes a clean 500", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		inject(a, "GET", "/panic", "")
		head, body := headAndBody(string(waitSent(rs, 1)[0][2]))
		cv.So(head, cv.ShouldStartWith, "HTTP/1.1 500 Internal Server Error\r\n")
		cv.So(head, cv.ShouldNotContainSubstring, "X-Lost")
		cv.So(body, cv.ShouldNotContainSubstring, "partial")
		cv.So(a.Stats().Count(StatPanics), cv.ShouldEqual, 1)
	})

	cv.Convey("after the head went out, a panic can only end the stream", t, func() {
		ctx, a, rs := testApp(t, StreamingDelivery)
		defer ctx.Close()

		inject(a, "GET", "/panic-late", "")
		all := waitSent(rs, 2)
		cv.So(string(all[0][3]), cv.ShouldEndWith, "sent")
		cv.So(string(all[1][2]), cv.ShouldEqual, FinishTag)
	})
}

func Test094_application_surface(t *testing.T) {

	cv.Convey("Listen is refused; Close cancels running handlers", t, func() {
		ctx, a, rs := testApp(t, BulkDelivery)
		defer ctx.Close()

		cv.So(a.Listen(":8080"), cv.ShouldEqual, ErrListenNotSupported)
		cv.So(a.Delivery(), cv.ShouldEqual, BulkDelivery)
		cv.So(a.Socket().Type(), cv.ShouldEqual, RouterSocket)

		inject(a, "GET", "/slow", "")
		time.Sleep(20 * time.Millisecond)
		t0 := time.Now()
		a.Close(time.Second)
		cv.So(time.Since(t0), cv.ShouldBeLessThan, 250*time.Millisecond)

		// the canceled handler wrote nothing; its empty 200 still went out.
		_, body := headAndBody(string(waitSent(rs, 1)[0][2]))
		cv.So(body, cv.ShouldEqual, "")

		_, err := NewApplication(ctx, nil, Delivery(0))
		cv.So(err, cv.ShouldNotBeNil)
	})
}
