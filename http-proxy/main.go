package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mitchellh/panicwrap"
	"github.com/vharitonsky/iniflags"

	"github.com/getlantern/golog"

	proxy "github.com/getlantern/bandwidth-limiter-proxy"
	"github.com/getlantern/bandwidth-limiter-proxy/instrument"
	"github.com/getlantern/bandwidth-limiter-proxy/settings"
)

var (
	log        = golog.LoggerFor("bandwidth-limiter-proxy")
	revision   = "unknown" // set with -ldflags "-X main.revision=..."
	build_type = "unknown"

	addr     = flag.String("addr", ":8080", "Address to listen with HTTP")
	hostname = flag.String("hostname", "", "Additional host name, optionally with port, under which the settings page is served")

	down    = flag.Int64("down", settings.DefaultBandwidthDown, "Download bandwidth in bits per second")
	up      = flag.Int64("up", settings.DefaultBandwidthUp, "Upload bandwidth in bits per second")
	latency = flag.Duration("latency", settings.DefaultLatency, "Latency added to each direction of every connection")

	idleClose       = flag.Uint64("idleclose", 30, "Time in seconds that an idle connection will be allowed before closing it")
	dialTimeout     = flag.Duration("dialtimeout", 10*time.Second, "Timeout for dialing origins and tunnel targets")
	upstreamTimeout = flag.Duration("upstreamtimeout", 60*time.Second, "Timeout for origins to start responding, answered with 408")
	tunnelPorts     = flag.String("tunnelports", "", "Comma separated list of ports allowed for HTTP CONNECT tunnel. Allow all ports if empty.")
	maxConns        = flag.Uint64("maxconns", 0, "Max number of simultaneous connections allowed connections")

	redisURL = flag.String("redis", "", "Redis URL under which settings are persisted, e.g. redis://localhost:6379/0. Settings are only kept in memory if empty.")
	redisKey = flag.String("rediskey", settings.DefaultRedisKey, "Redis hash holding the settings")

	promExporterAddr = flag.String("promexporteraddr", "", "Prometheus exporter address to listen on, not activate if empty")
	pprofAddr        = flag.String("pprofaddr", "", "pprof address to listen on, not activate pprof if empty")

	help    = flag.Bool("help", false, "Get usage help")
	version = flag.Bool("version", false, "shows the version of the binary")
)

func main() {
	iniflags.SetAllowUnknownFlags(true)
	iniflags.Parse()
	if *version {
		fmt.Fprintf(os.Stderr, "%s: commit %s built with %s (%s)\n", os.Args[0], revision, runtime.Version(), build_type)
		return
	}
	if *help {
		flag.Usage()
		return
	}

	initial := settings.Settings{
		BandwidthDown: *down,
		BandwidthUp:   *up,
		Latency:       *latency,
	}
	if err := initial.Validate(); err != nil {
		log.Fatal(err)
	}
	ports, err := proxy.PortsFromCSV(*tunnelPorts)
	if err != nil {
		log.Fatalf("Invalid tunnelports: %v", err)
	}

	// panicwrap works by re-executing the running program (retaining arguments,
	// environmental variables, etc.) and monitoring the stderr of the program.
	exitStatus, panicWrapErr := panicwrap.Wrap(
		&panicwrap.WrapConfig{
			DetectDuration: time.Second,
			Handler: func(msg string) {
				os.Exit(1)
			},
			// Just forward signals to the child process
			ForwardSignals: []os.Signal{
				syscall.SIGHUP,
				syscall.SIGTERM,
				syscall.SIGQUIT,
				syscall.SIGINT,
			},
		})
	if panicWrapErr != nil {
		log.Fatalf("Error setting up panic wrapper: %v", panicWrapErr)
	} else {
		// If exitStatus >= 0, then we're the parent process.
		if exitStatus >= 0 {
			os.Exit(exitStatus)
		}
	}

	// We're in the child (wrapped) process now

	// Capture signals and exit normally because when relying on the default
	// behavior, exit status -1 would confuse the parent process into thinking
	// it's the child process and keeps running.
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range c {
			log.Debug("Stopping server")
			cancel()
		}
	}()

	if *pprofAddr != "" {
		go func() {
			log.Debugf("Starting pprof page at http://%s/debug/pprof", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Error(err)
			}
		}()
	}

	var inst instrument.Instrument = instrument.NoInstrument{}
	if *promExporterAddr != "" {
		prom := instrument.NewPrometheus()
		go func() {
			log.Debugf("Starting Prometheus exporter at http://%s/metrics", *promExporterAddr)
			if err := prom.Run(*promExporterAddr); err != nil {
				log.Error(err)
			}
		}()
		inst = prom
	}

	store := settings.NewStore(initial)
	if *redisURL != "" {
		rc, err := settings.DialRedis(ctx, *redisURL)
		if err != nil {
			log.Fatal(err)
		}
		defer rc.Close()
		if err := settings.NewPersister(rc, *redisKey).Attach(ctx, store); err != nil {
			log.Fatal(err)
		}
	}

	p := &proxy.Proxy{
		HTTPAddr:        *addr,
		AdvertisedHost:  *hostname,
		IdleTimeout:     time.Duration(*idleClose) * time.Second,
		DialTimeout:     *dialTimeout,
		UpstreamTimeout: *upstreamTimeout,
		TunnelPorts:     ports,
		MaxConns:        int(*maxConns),
		Settings:        store,
		Instrument:      inst,
	}

	err = p.ListenAndServe(ctx)
	if err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}
