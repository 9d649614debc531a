package main

import (
	"context"
	"fmt"
	"log/syslog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	docopt "github.com/docopt/docopt-go"
	"github.com/gorilla/mux"
	mozlog "github.com/mozilla-services/go-mozlogrus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/taskcluster/wsoc/wsoc"
	"golang.org/x/sync/errgroup"
)

const usage = `WebSocket Endpoint Server

Serves the built-in echo and chat endpoints, along with /healthz and
/metrics.

Usage:
    wsoc-server [--config=<file>] [--listen=<addr>] [--verbose] [--json]
    wsoc-server -h | --help

Configuration file (YAML; every key optional):

    listen: ":8080"
    allowedOrigins: ["https://example.com"]
    options:
      maxIdleTimeout: 5m
      asyncSendTimeout: 10s
      maxTextMessageBufferSize: 65536
    endpoints:
      - kind: echo
        path: /echo
      - kind: chat
        path: /chat/{room}
        subprotocols: [chat.v1]

Environment:
 ENV            set to "production" for mozlog-formatted output
 SYSLOG_ADDR    address to which to send syslog output (production only)

Options:
-h --help           Show help
--config=<file>     Configuration file
--listen=<addr>     Listen address, overriding the configuration file
--verbose           Verbose logging
--json              Output logs in JSON format`

// time allowed for sessions to finish their close handshake on exit
const shutdownWait = 10 * time.Second

func main() {
	arguments, _ := docopt.Parse(usage, nil, true, "wsoc-server", false)

	logger := newLogger(arguments["--json"].(bool), arguments["--verbose"].(bool))

	filename, _ := arguments["--config"].(string)
	cfg, err := LoadConfig(filename)
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}
	if listen, ok := arguments["--listen"].(string); ok && listen != "" {
		cfg.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal(err)
	}
}

func newLogger(json, verbose bool) *log.Logger {
	logger := log.New()
	if json {
		logger.Formatter = &log.JSONFormatter{}
	}
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if env := os.Getenv("ENV"); env == "production" {
		logger.Formatter = &mozlog.MozLogFormatter{
			LoggerName: "wsoc-server",
		}

		syslogAddr := os.Getenv("SYSLOG_ADDR")
		if syslogAddr != "" {
			hook, err := lSyslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_DEBUG, "wsoc-server")
			if err != nil {
				panic(err)
			}
			logger.Hooks.Add(hook)
		}
	}
	return logger
}

// newServer builds the container for cfg and the router in front of it.
// The router serves /healthz and /metrics and hands everything else to the
// container.
func newServer(cfg *ServerConfig, logger *log.Logger, reg *prometheus.Registry) (*wsoc.Container, http.Handler, error) {
	container, err := wsoc.New(wsoc.Config{
		Options:    cfg.Options,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		return nil, nil, err
	}
	for _, ep := range cfg.Endpoints {
		epcfg, err := endpointConfig(ep, logger, cfg.AllowedOrigins)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "endpoint %s", ep.Path)
		}
		if err := container.AddEndpoint(epcfg); err != nil {
			return nil, nil, errors.Wrapf(err, "endpoint %s", ep.Path)
		}
	}
	container.Start()

	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprintf(w, "OK %d\n", len(container.OpenSessions()))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
	router.NotFoundHandler = container

	return container, router, nil
}

func serve(ctx context.Context, cfg *ServerConfig, logger *log.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	container, handler, err := newServer(cfg, logger, reg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: container.Options().HandshakeTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(log.Fields{
			"server-addr": server.Addr,
			"endpoints":   len(cfg.Endpoints),
		}).Info("starting server")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		err := container.Shutdown(shutdownCtx)
		if serr := server.Shutdown(shutdownCtx); err == nil {
			err = serr
		}
		return err
	})
	return g.Wait()
}
