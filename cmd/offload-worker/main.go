package main

import (
	"context"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for web based profiling while running
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	gjson "github.com/goccy/go-json"

	"github.com/glycerine/offload"
	"github.com/glycerine/offload/selfcert"
)

func main() {

	offload.Exit1IfVersionReq()

	fmt.Printf("%v", offload.GetCodeVersion("offload-worker"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	certdir, err := offload.GetCertsDir()
	panicOn(err)

	var connect = flag.String("connect", "tcp://127.0.0.1:5555", "comma separated front end endpoints to connect to")
	var bind = flag.String("bind", "", "comma separated endpoints to bind, for front ends that -connect")
	var stream = flag.Bool("stream", false, "streaming delivery; the front end must also run -stream")
	var compressAlgo = flag.String("press", "s2", "select sending compression algorithm; one of: none, s2, zstd, lz4")
	var certPath = flag.String("certs", certdir, "directory with ca.crt and the -k key pair, for tls:// and quic://")
	var useName = flag.String("k", "node", "name of the key pair in -certs (name.crt and name.key)")
	var profile = flag.String("prof", "", "host:port to start web profiler and /debug/vars on")
	var verbose = flag.Bool("v", false, "verbose debug logging")

	flag.Parse()

	offload.Verbose = *verbose

	if *profile != "" {
		fmt.Printf("webprofile starting at '%v'...\n", *profile)
		go func() {
			http.ListenAndServe(*profile, nil)
		}()
	}

	cfg := offload.NewConfig()
	cfg.Name = "worker"
	cfg.CompressAlgo = *compressAlgo

	connects := splitList(*connect)
	binds := splitList(*bind)
	if needsTLS(binds) || needsTLS(connects) {
		cfg.TLSConfig, err = selfcert.LoadTLSConfig(*certPath, *useName, true)
		if err != nil {
			log.Fatalf("tls:// and quic:// need certs (see offload-frontend -mkcerts): %v", err)
		}
	}

	ctx, err := offload.NewContext(cfg)
	panicOn(err)
	defer ctx.Close()

	delivery := offload.BulkDelivery
	if *stream {
		delivery = offload.StreamingDelivery
	}
	app, err := offload.NewApplication(ctx, demoHandlers(), delivery)
	panicOn(err)

	for _, c := range connects {
		panicOn(app.Connect(c))
		log.Printf("connecting to front end at '%v'", c)
	}
	for _, b := range binds {
		bound, err := app.Bind(b)
		if err != nil {
			log.Fatalf("could not bind '%v': %v", b, err)
		}
		log.Printf("front ends connect to '%v'", bound)
	}
	expvar.Publish("offload-worker", app.Stats().Var())

	sigctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigctx.Done()

	st := app.Stats()
	fmt.Printf("\n\nrequests: %v  malformed: %v  handler panics: %v\n",
		st.Count(offload.StatRequests), st.Count(offload.StatMalformed), st.Count(offload.StatPanics))
	app.Close(5 * time.Second)
}

func demoHandlers() *offload.Router {
	rt := offload.NewRouter()

	rt.HandleFunc(`/echo`, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		req, _ := offload.RequestFromContext(r.Context())
		out := map[string]any{
			"method":    r.Method,
			"uri":       r.RequestURI,
			"arguments": r.Form,
			"remote_ip": req.Record.RemoteIP,
			"protocol":  req.Record.Protocol,
			"body":      string(req.Record.Body),
		}
		gjson.NewEncoder(w).Encode(out)
	})

	rt.HandleFunc(`/widgets/(\d+)`, func(w http.ResponseWriter, r *http.Request) {
		args, _ := offload.ArgsFromContext(r.Context())
		if len(args) == 0 {
			http.Error(w, "front end did not capture a widget id", http.StatusBadRequest)
			return
		}
		fmt.Fprintf(w, "widget %v\n", args[0])
	})

	rt.HandleFunc(`/stream`, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		f, _ := w.(http.Flusher)
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "tick %v\n", i)
			if f != nil {
				f.Flush()
			}
			select {
			case <-time.After(100 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
	})

	rt.HandleFunc(`/slow`, func(w http.ResponseWriter, r *http.Request) {
		d, err := time.ParseDuration(r.FormValue("d"))
		if err != nil {
			d = 2 * time.Second
		}
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
		fmt.Fprintf(w, "slept %v\n", d)
	})

	rt.HandleFunc(`/upload`, func(w http.ResponseWriter, r *http.Request) {
		req, ok := offload.RequestFromContext(r.Context())
		if !ok {
			http.Error(w, "no request", http.StatusInternalServerError)
			return
		}
		var names []string
		for field, files := range req.Record.Files {
			for _, f := range files {
				names = append(names, fmt.Sprintf("%v=%v (%v bytes, %v)", field, f.Filename, len(f.Body), f.ContentType))
			}
		}
		sort.Strings(names)
		fmt.Fprintf(w, "%v files\n%v\n", len(names), strings.Join(names, "\n"))
	})

	return rt
}

func splitList(s string) (r []string) {
	for _, x := range strings.Split(s, ",") {
		x = strings.TrimSpace(x)
		if x != "" {
			r = append(r, x)
		}
	}
	return
}

func needsTLS(endpoints []string) bool {
	for _, e := range endpoints {
		if strings.HasPrefix(e, "tls://") || strings.HasPrefix(e, "quic://") {
			return true
		}
	}
	return false
}

func panicOn(err error) {
	if err != nil {
		panic(err)
	}
}
