// Package bridge forwards inbound peer-to-peer RPC requests into an
// in-process HTTP application and translates the HTTP responses back
// into RPC response envelopes. It owns one HTTP client and one RPC
// listener for its lifetime and is a pure per-request translator: no
// retries, no timeouts, no circuit breaking.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openmined/syftbridge/pkg/syftrpc"
)

// HeaderSyftURL carries the originating peer address on every forwarded
// HTTP request whose envelope included one.
const HeaderSyftURL = "X-Syft-URL"

// ErrClosed is returned when starting a bridge that has already been
// closed.
var ErrClosed = errors.New("bridge: closed")

// Listener is the peer-to-peer RPC listener the bridge registers its
// forwarding handlers with. Register must be callable before Start.
type Listener interface {
	Register(endpoint string, h syftrpc.Handler)
	Start(ctx context.Context) error
	Stop() error
}

// HTTPClient is the in-process HTTP client the bridge forwards through.
type HTTPClient interface {
	Request(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error)
	Close() error
}

// bridge lifecycle states.
type state int

const (
	stateNew state = iota
	stateStarted
	stateClosed
)

// Bridge wires a fixed set of HTTP endpoints onto an RPC listener. A
// bridge serves one lifecycle: construct, Start, serve, Close. It is
// not reusable after Close.
type Bridge struct {
	appName   string
	owner     string
	client    HTTPClient
	listener  Listener
	endpoints []string

	logger  *slog.Logger
	metrics *Metrics

	mu    sync.Mutex
	state state
}

// Option is a functional option for configuring Bridge.
type Option func(*Bridge)

// WithLogger sets the logger for the bridge.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics records forwarding metrics into m instead of a private
// registry.
func WithMetrics(m *Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// New creates a bridge for appName owned by owner. The endpoint list is
// copied and fixed for the bridge's lifetime; client and listener are
// owned by the bridge from here on and are released by Close.
func New(appName, owner string, client HTTPClient, listener Listener, endpoints []string, opts ...Option) *Bridge {
	b := &Bridge{
		appName:   appName,
		owner:     owner,
		client:    client,
		listener:  listener,
		endpoints: append([]string(nil), endpoints...),
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.metrics == nil {
		b.metrics = NewMetrics(prometheus.NewRegistry())
	}

	return b
}

// Endpoints returns the endpoint paths the bridge was configured with,
// in registration order.
func (b *Bridge) Endpoints() []string {
	return append([]string(nil), b.endpoints...)
}

// Start registers one forwarding handler per configured endpoint, in
// order, then starts the listener. A listener start failure propagates;
// the bridge must not be considered serving if Start returns an error.
// Calling Start twice is an error.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateStarted:
		return fmt.Errorf("bridge already started")
	case stateClosed:
		return ErrClosed
	}

	for _, endpoint := range b.endpoints {
		b.listener.Register(endpoint, func(ctx context.Context, req *syftrpc.Request) (*syftrpc.Response, error) {
			return b.forward(ctx, endpoint, req)
		})
		b.logger.Debug("registered rpc endpoint", "app", b.appName, "endpoint", endpoint)
	}

	if err := b.listener.Start(ctx); err != nil {
		return fmt.Errorf("start rpc listener: %w", err)
	}

	b.state = stateStarted
	b.logger.Info("bridge started", "app", b.appName, "endpoints", len(b.endpoints))
	return nil
}

// Close stops the listener and closes the HTTP client. Both releases
// are attempted even when the first fails; the combined error carries
// the listener failure first. Close is a no-op after the first call.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return nil
	}
	started := b.state == stateStarted
	b.state = stateClosed
	b.mu.Unlock()

	var errs []error
	if started {
		if err := b.listener.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop rpc listener: %w", err))
		}
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close http client: %w", err))
	}

	b.logger.Info("bridge closed", "app", b.appName)
	return errors.Join(errs...)
}

// forward runs one forwarding cycle. Transport errors return unchanged
// to the listener; HTTP error statuses are successful cycles whose
// response simply carries that status.
func (b *Bridge) forward(ctx context.Context, endpoint string, req *syftrpc.Request) (*syftrpc.Response, error) {
	start := time.Now()
	b.metrics.InflightRequests.Inc()
	defer b.metrics.InflightRequests.Dec()

	method := req.Method
	if !validMethod(method) {
		b.logger.Warn("unreadable method on inbound request, defaulting to POST",
			"app", b.appName,
			"endpoint", endpoint,
			"method", method,
			"id", req.ID)
		method = http.MethodPost
	}

	headers := make(map[string]string, len(req.Headers)+1)
	for k, v := range req.Headers {
		headers[k] = v
	}
	if req.URL != "" {
		headers[HeaderSyftURL] = req.URL
	}

	resp, err := b.client.Request(ctx, method, endpoint, req.Body, headers)
	if err != nil {
		b.metrics.FailuresTotal.WithLabelValues(endpoint).Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		b.metrics.FailuresTotal.WithLabelValues(endpoint).Inc()
		return nil, fmt.Errorf("read response body: %w", err)
	}

	b.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	b.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	return syftrpc.Reply(req, b.owner, resp.StatusCode, body, flattenHeaders(resp.Header)), nil
}

// flattenHeaders converts an http.Header to a plain string map, joining
// repeated values the way they would appear in a single header line.
func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, values := range h {
		flat[k] = strings.Join(values, ", ")
	}
	return flat
}

// validMethod reports whether m can be used as an HTTP method token.
// Anything else is recovered from by defaulting to POST, never by
// failing the cycle.
func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for _, r := range m {
		if r <= ' ' || r >= 0x7f {
			return false
		}
		switch r {
		case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
			return false
		}
	}
	return true
}
