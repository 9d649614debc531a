package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v3"
	docopt "github.com/docopt/docopt-go"
	log "github.com/sirupsen/logrus"
	"github.com/taskcluster/wsoc/util"
)

const usage = `WebSocket line client. Connects to a WebSocket endpoint, sends each line
of stdin as a message, and prints each message received on its own line
(binary messages in hex).

Usage:
    wsoc-client <url> [--subprotocol=<proto>...] [--origin=<origin>]
                [--max-wait=<duration>] [--binary] [--verbose] [--json]
    wsoc-client -h | --help

The url may use ws, wss, http or https.

Options:
-h --help                 Show help
--subprotocol=<proto>     Offer this subprotocol; repeat in order of preference
--origin=<origin>         Send this Origin header
--max-wait=<duration>     Give up connecting after this long [default: 1m]
--binary                  Send lines as binary messages
--verbose                 Verbose logging
--json                    Output logs in JSON format`

func main() {
	arguments, _ := docopt.Parse(usage, nil, true, "wsoc-client", false)

	if arguments["--json"].(bool) {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if arguments["--verbose"].(bool) {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	cfg := dialConfig{
		URL: util.MakeWsURL(arguments["<url>"].(string)),
	}
	if protos, ok := arguments["--subprotocol"].([]string); ok {
		cfg.Subprotocols = protos
	}
	if origin, ok := arguments["--origin"].(string); ok {
		cfg.Origin = origin
	}
	maxWait, err := time.ParseDuration(arguments["--max-wait"].(string))
	if err != nil {
		log.Fatal(usage)
	}

	// Configure signals for graceful handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	conn, err := connect(ctx, cfg, b, logger)
	if err != nil {
		log.Fatal(err)
	}
	log.WithFields(log.Fields{
		"url":         cfg.URL,
		"subprotocol": conn.Subprotocol(),
	}).Info("connected")

	if err := pump(ctx, conn, os.Stdin, os.Stdout, arguments["--binary"].(bool), logger); err != nil {
		log.Fatal(err)
	}
	_ = conn.Close()
}
