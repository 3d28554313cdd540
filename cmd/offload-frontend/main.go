package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // for web based profiling while running
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glycerine/ipaddr"
	"github.com/glycerine/offload"
	"github.com/glycerine/offload/selfcert"
	"golang.org/x/sync/errgroup"
)

func main() {

	offload.Exit1IfVersionReq()

	fmt.Printf("%v", offload.GetCodeVersion("offload-frontend"))

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	certdir, err := offload.GetCertsDir()
	panicOn(err)

	var httpAddr = flag.String("http", ":8080", "address for the HTTP server to listen on; empty picks a free port")
	var bind = flag.String("bind", "tcp://0.0.0.0:5555", "comma separated endpoints for workers to connect to; tcp://, tls:// or quic://")
	var connect = flag.String("connect", "", "comma separated worker endpoints to connect to (workers that -bind)")
	var timeout = flag.Duration("timeout", 5*time.Second, "gateway timeout; 0 waits forever")
	var stream = flag.Bool("stream", false, "streaming delivery; workers must also run -stream")
	var compressAlgo = flag.String("press", "s2", "select sending compression algorithm; one of: none, s2, zstd, lz4")
	var certPath = flag.String("certs", certdir, "directory with ca.crt and the -k key pair, for tls:// and quic://")
	var useName = flag.String("k", "node", "name of the key pair in -certs (name.crt and name.key)")
	var mkcerts = flag.Bool("mkcerts", false, "make a fresh CA and -k key pair in -certs, then exit")
	var profile = flag.String("prof", "", "host:port to start web profiler and /debug/vars on. host can be empty for all localhost interfaces")
	var verbose = flag.Bool("v", false, "verbose debug logging")

	flag.Parse()

	offload.Verbose = *verbose

	if *mkcerts {
		panicOn(selfcert.WriteDir(*certPath, *useName))
		fmt.Printf("wrote ca.crt, %v.crt and %v.key to '%v'\n", *useName, *useName, *certPath)
		return
	}

	if *profile != "" {
		fmt.Printf("webprofile starting at '%v'...\n", *profile)
		go func() {
			http.ListenAndServe(*profile, nil)
		}()
	}

	cfg := offload.NewConfig()
	cfg.Name = "frontend"
	cfg.CompressAlgo = *compressAlgo
	cfg.DefaultTimeout = *timeout

	binds := splitList(*bind)
	connects := splitList(*connect)
	if needsTLS(binds) || needsTLS(connects) {
		// the selfcert server config trusts the same CA for
		// both directions, so one config serves bind and connect.
		cfg.TLSConfig, err = selfcert.LoadTLSConfig(*certPath, *useName, true)
		if err != nil {
			log.Fatalf("tls:// and quic:// need certs; try -mkcerts first. %v", err)
		}
	}

	ctx, err := offload.NewContext(cfg)
	panicOn(err)
	defer ctx.Close()

	delivery := offload.BulkDelivery
	if *stream {
		delivery = offload.StreamingDelivery
	}
	proxy, err := offload.NewProxy(ctx, delivery)
	panicOn(err)

	hostIP := ipaddr.GetExternalIP() // e.g. 100.x.x.x
	for _, b := range binds {
		bound, err := proxy.Bind(b)
		if err != nil {
			log.Fatalf("could not bind '%v': %v", b, err)
		}
		log.Printf("workers connect to '%v' (this host is %v)", bound, hostIP)
	}
	for _, c := range connects {
		panicOn(proxy.Connect(c))
		log.Printf("connecting to worker at '%v'", c)
	}

	expvar.Publish("offload-frontend", proxy.Stats().Var())

	// captures are made here, on the front end; the
	// worker's /widgets handler reads the id from them.
	ph := offload.NewProxyHandler(proxy, *timeout)
	rt := offload.NewRouter()
	rt.MustHandle(`/widgets/(\d+)`, ph)
	rt.MustHandle(`/.*`, ph)

	addr := *httpAddr
	if addr == "" {
		addr = fmt.Sprintf(":%v", ipaddr.GetAvailPort())
	}
	srv := &http.Server{
		Addr:    addr,
		Handler: rt,
	}
	log.Printf("offload-frontend serving http on '%v', %v delivery, timeout %v", addr, delivery, *timeout)

	g, gctx := errgroup.WithContext(context.Background())
	sigctx, stop := signal.NotifyContext(gctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.Go(func() error {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-sigctx.Done()
		report(proxy.Stats())
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err = g.Wait()
	proxy.Close()
	if err != nil {
		log.Fatalf("offload-frontend: %v", err)
	}
}

func report(st *offload.Stats) {
	fmt.Printf("\n\nsent: %v  replies: %v  timeouts: %v  late: %v  abandoned: %v  send errors: %v\n",
		st.Count(offload.StatSent), st.Count(offload.StatReplies),
		st.Count(offload.StatTimeouts), st.Count(offload.StatLate),
		st.Count(offload.StatAbandoned), st.Count(offload.StatSendErrors))
	if st.Samples() > 0 {
		fmt.Printf("latency over %v replies: p50 %v  p90 %v  p99 %v  p99.9 %v\n",
			st.Samples(), st.Quantile(0.5), st.Quantile(0.9), st.Quantile(0.99), st.Quantile(0.999))
	}
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
