package vr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Transport delivers messages between replicas. Send must not block the
// caller on network operations.
type Transport interface {
	Send(ReplicaId, Msg) error

	// Receive returns the next incoming message, or nil once the transport
	// has been stopped.
	Receive(context.Context) (*IncomingMsg, error)
}

const sourceIdHeaderField = "X-VR-Source-Id"

type HTTPTransportCfg struct {
	LocalId  ReplicaId
	Replicas ReplicaSet
	Codec    Codec
	Logger   Logger
}

// HTTPTransport sends each message as a POST request to the public address
// of the recipient, and serves messages sent by other replicas on the local
// address.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	httpServer *http.Server
	httpClient *http.Client

	msgChan chan IncomingMsg

	errorChan chan<- error
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if _, found := cfg.Replicas[cfg.LocalId]; !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownReplica, cfg.LocalId)
	}

	if cfg.Codec == nil {
		return nil, fmt.Errorf("missing codec")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	t := HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		msgChan: make(chan IncomingMsg, 256),

		stopChan: make(chan struct{}),
	}

	return &t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) Start(errorChan chan<- error) error {
	t.errorChan = errorChan

	address := t.Cfg.Replicas[t.Cfg.LocalId].LocalAddress

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", address, err)
	}

	t.Log.Info("listening on %s", address)

	t.httpServer = &http.Server{
		Addr:              address,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           t,
	}

	t.httpClient = newHTTPClient()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		err := t.httpServer.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.errorChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	close(t.stopChan)

	if t.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		t.httpServer.Shutdown(ctx)
	}

	t.wg.Wait()
}

func (t *HTTPTransport) Send(recipientId ReplicaId, msg Msg) error {
	t.Log.Debug(2, "sending %v to %s", msg, recipientId)

	msgData, err := t.Cfg.Codec.EncodeMsg(msg)
	if err != nil {
		return fmt.Errorf("cannot encode message: %w", err)
	}

	recipient, found := t.Cfg.Replicas[recipientId]
	if !found {
		return fmt.Errorf("%w %q", ErrUnknownReplica, recipientId)
	}

	address := recipient.PublicAddress

	uri := url.URL{
		Scheme: "http",
		Host:   address,
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msgData))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set(sourceIdHeaderField, string(t.Cfg.LocalId))

	// Send the request asynchronously to avoid blocking the replica
	go t.sendRequest(address, msg, req)

	return nil
}

func (t *HTTPTransport) sendRequest(address string, msg Msg, req *http.Request) {
	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	res, err := t.httpClient.Do(req)
	if err != nil {
		t.Log.Error("cannot send %v to %s: %v", msg, address, err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		} else {
			t.Log.Error("cannot read response from %s: %v", address, err)
		}

		t.Log.Error("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}
}

func (t *HTTPTransport) Receive(ctx context.Context) (*IncomingMsg, error) {
	select {
	case msg := <-t.msgChan:
		return &msg, nil

	case <-t.stopChan:
		return nil, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	sourceId := ReplicaId(req.Header.Get(sourceIdHeaderField))
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field",
			sourceIdHeaderField)
		return
	}

	if _, found := t.Cfg.Replicas[sourceId]; !found {
		t.replyError(w, 403, "unknown source replica %q", sourceId)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	msg, err := t.Cfg.Codec.DecodeMsg(data)
	if err != nil {
		t.replyError(w, 400, "invalid message: %v", err)
		return
	}

	t.Log.Debug(2, "received %v from %s", msg, sourceId)

	w.WriteHeader(204)

	incomingMsg := IncomingMsg{
		SourceId: sourceId,
		Msg:      msg,
	}

	select {
	case <-t.stopChan:
	case t.msgChan <- incomingMsg:
	}
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
