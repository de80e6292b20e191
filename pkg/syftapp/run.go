package syftapp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openmined/syftbridge/pkg/bridge"
	"github.com/openmined/syftbridge/pkg/memhttp"
	"github.com/openmined/syftbridge/pkg/syftevents"
)

// shutdownTimeout bounds the graceful HTTP server shutdown.
const shutdownTimeout = 10 * time.Second

// Run serves the app until ctx is cancelled or the HTTP server fails.
//
// Endpoint discovery runs once over the fully-assembled route table,
// then the in-process transport, the RPC listener, and the bridge are
// constructed and started before the HTTP server begins serving, so
// the bridge is live for the entire serving window. Every acquired
// resource is released on every exit path, including failures
// part-way through startup; release runs in reverse order (user stop
// hook, HTTP server, bridge).
func (a *App) Run(ctx context.Context) (err error) {
	endpoints := a.discoverEndpoints()
	router := a.routerWithOperational()

	var clientOpts []memhttp.ClientOption
	if !a.propagatePanics {
		clientOpts = append(clientOpts, memhttp.WithTransportOptions(memhttp.WithRecoveredPanics()))
	}
	client, err := memhttp.NewClient(router, clientOpts...)
	if err != nil {
		return fmt.Errorf("build in-process client: %w", err)
	}

	listener := syftevents.New(a.box, a.name, syftevents.WithLogger(a.logger))
	br := bridge.New(a.name, a.box.Email(), client, listener, endpoints,
		bridge.WithLogger(a.logger),
		bridge.WithMetrics(a.bridgeMetrics),
	)
	defer func() {
		if cerr := br.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close bridge: %w", cerr))
		}
	}()

	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.httpAddr, err)
	}
	a.boundAddr = ln.Addr().String()

	srv := &http.Server{Handler: router}
	errCh := make(chan error, 1)
	go func() {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := srv.Shutdown(shutCtx); serr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown http server: %w", serr))
		}
		for range errCh {
		}
	}()

	if a.onStart != nil {
		if herr := a.onStart(ctx); herr != nil {
			return fmt.Errorf("on-start hook: %w", herr)
		}
	}
	defer func() {
		if a.onStop == nil {
			return
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if herr := a.onStop(stopCtx); herr != nil {
			err = errors.Join(err, fmt.Errorf("on-stop hook: %w", herr))
		}
	}()

	a.logger.Info("app serving",
		"app", a.name,
		"addr", a.boundAddr,
		"datasite", a.box.Email(),
		"rpc_endpoints", len(endpoints))

	select {
	case <-ctx.Done():
		a.logger.Info("app stopping", "app", a.name)
		return nil
	case serveErr := <-errCh:
		if serveErr != nil {
			return fmt.Errorf("http server: %w", serveErr)
		}
		return nil
	}
}

// routerWithOperational wraps the app router with the operational
// routes served only over local HTTP: Prometheus metrics and a
// liveness probe. They are not registered on the route table, so they
// are never bridged.
func (a *App) routerWithOperational() http.Handler {
	appRouter := a.Router()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
		Registry: a.registry,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/", appRouter)
	return mux
}
