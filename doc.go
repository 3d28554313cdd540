/*
Package offload runs net/http handlers in separate worker
processes. A front end HTTP server hands individual requests
to a Proxy, which sends them out a DEALER socket; workers run
an Application on a ROUTER socket, serve the request with an
ordinary http.Handler, and send the reply back. Several
workers can connect to one front end (or bind, and have the
front end connect to all of them); requests are spread
round-robin over whoever is connected.

Messages are frame lists. A request is

	[|, callID, json(meta)]          (+ body frame iff non-empty)

and the reply is, depending on Delivery, one

	[callID, chunk...]               BulkDelivery

or a series of

	[callID, DATA, chunk]            StreamingDelivery
	[callID, FINISH]

where each chunk is what the worker's handler flushed, the
first one starting with the rendered status line and
headers. If no reply (or, streaming, no first chunk) arrives
within the timeout, the client gets a 504 Gateway Timeout.

Nothing is retried, and nothing is persisted: a worker that
dies takes its in-flight requests with it, and those time out.

Sockets talk over tcp://, tls:// or quic:// endpoints; see
Config for compression, queue limits and TLS. The selfcert
sub-package makes throwaway certificates for the latter two.

A minimal front end:

	ctx, _ := offload.NewContext(nil)
	proxy, _ := offload.NewProxy(ctx, offload.BulkDelivery)
	proxy.Bind("tcp://0.0.0.0:5555")
	rt := offload.NewRouter()
	rt.MustHandle(`/.*`, offload.NewProxyHandler(proxy, 5*time.Second))
	http.ListenAndServe(":8080", rt)

and a worker:

	ctx, _ := offload.NewContext(nil)
	rt := offload.NewRouter()
	rt.HandleFunc(`/widgets/(\d+)`, func(w http.ResponseWriter, r *http.Request) {
		args, _ := offload.ArgsFromContext(r.Context())
		fmt.Fprintf(w, "widget %v\n", args[0])
	})
	app, _ := offload.NewApplication(ctx, rt, offload.BulkDelivery)
	app.Connect("tcp://frontend:5555")
	select {}
*/
package offload
