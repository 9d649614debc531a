package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// how long to wait for the server's close frame
const closeWait = 2 * time.Second

type dialConfig struct {
	URL          string
	Subprotocols []string
	Origin       string
}

// retryable reports whether a failed handshake is worth repeating. Client
// errors other than timeouts and rate limiting will not go away.
func retryable(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return resp.StatusCode >= 500
}

// connect dials cfg.URL, retrying with b until it gives up.
func connect(ctx context.Context, cfg dialConfig, b backoff.BackOff, logger *log.Logger) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     cfg.Subprotocols,
	}
	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := dialer.DialContext(ctx, cfg.URL, header)
		if err != nil {
			if resp != nil {
				err = errors.Wrapf(err, "status %d", resp.StatusCode)
			}
			if !retryable(resp) || ctx.Err() != nil {
				return &backoff.PermanentError{Err: err}
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.WithField("url", cfg.URL).Warnf("connect failed, retrying in %s: %v", wait, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// pump sends each line of in as a message and prints the messages received
// to out, until in is exhausted, ctx is done or the server closes. It then
// completes the close handshake.
func pump(ctx context.Context, conn *websocket.Conn, in io.Reader, out io.Writer, binary bool, logger *log.Logger) error {
	received := make(chan error, 1)
	go func() {
		received <- printMessages(conn, out)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Errorf("reading input: %v", err)
		}
	}()

	messageType := websocket.TextMessage
	if binary {
		messageType = websocket.BinaryMessage
	}

	for {
		select {
		case err := <-received:
			return err
		case line, ok := <-lines:
			if !ok {
				return closeConn(conn, received, websocket.CloseNormalClosure)
			}
			if err := conn.WriteMessage(messageType, []byte(line)); err != nil {
				return err
			}
		case <-ctx.Done():
			return closeConn(conn, received, websocket.CloseGoingAway)
		}
	}
}

func printMessages(conn *websocket.Conn, out io.Writer) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if mt == websocket.BinaryMessage {
			_, err = fmt.Fprintln(out, hex.EncodeToString(data))
		} else {
			_, err = fmt.Fprintln(out, string(data))
		}
		if err != nil {
			return err
		}
	}
}

func closeConn(conn *websocket.Conn, received <-chan error, code int) error {
	msg := websocket.FormatCloseMessage(code, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); err != nil {
		_ = conn.Close()
		return err
	}
	select {
	case err := <-received:
		return err
	case <-time.After(closeWait):
		_ = conn.Close()
		return errors.New("timed out waiting for the server to close")
	}
}
