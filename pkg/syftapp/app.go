// Package syftapp is the application framework for SyftBox apps that
// serve the same routes over plain HTTP and over peer-to-peer RPC. An
// App holds a tagged route table; Run serves it on localhost while a
// bridge forwards inbound RPC requests through the identical handler
// pipeline in-process.
package syftapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openmined/syftbridge/pkg/bridge"
	"github.com/openmined/syftbridge/pkg/syftbox"
)

// SyftDocsTag is the reserved tag for documentation routes. Routes
// carrying it are always bridged regardless of the configured endpoint
// tags.
const SyftDocsTag = "syft_docs"

// DefaultHTTPAddr is the localhost address Run serves plain HTTP on.
const DefaultHTTPAddr = "127.0.0.1:8080"

// route is one entry in the app's route table. Registration order is
// preserved; discovery depends on it.
type route struct {
	method  string
	path    string
	tags    []string
	handler http.HandlerFunc
}

func (r route) hasTag(tag string) bool {
	for _, t := range r.tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (r route) hasAnyTag(tags []string) bool {
	for _, t := range tags {
		if r.hasTag(t) {
			return true
		}
	}
	return false
}

// App is a SyftBox application: a route table plus the workspace
// identity it serves under.
type App struct {
	name   string
	box    *syftbox.Client
	boxCfg *syftbox.Config

	logger          *slog.Logger
	httpAddr        string
	endpointTags    []string
	includeOpenAPI  bool
	propagatePanics bool
	registry        *prometheus.Registry

	onStart func(ctx context.Context) error
	onStop  func(ctx context.Context) error

	routes            []route
	openapiRegistered bool
	bridgeMetrics     *bridge.Metrics

	debug *debugTool

	boundAddr string
}

// Option is a functional option for configuring App.
type Option func(*App)

// WithSyftboxClient binds the app to an already-loaded workspace
// client. When absent, New loads the default SyftBox config.
func WithSyftboxClient(client *syftbox.Client) Option {
	return func(a *App) {
		a.box = client
	}
}

// WithSyftboxConfig binds the app to a workspace described by cfg.
func WithSyftboxConfig(cfg *syftbox.Config) Option {
	return func(a *App) {
		a.boxCfg = cfg
	}
}

// WithEndpointTags selects which routes are bridged. Routes carrying at
// least one of the tags are exposed over RPC; with no tags configured,
// every route is.
func WithEndpointTags(tags ...string) Option {
	return func(a *App) {
		a.endpointTags = tags
	}
}

// WithSyftOpenAPI controls whether a /syft/openapi.json documentation
// route is generated for the bridged endpoints. Default is true.
func WithSyftOpenAPI(enabled bool) Option {
	return func(a *App) {
		a.includeOpenAPI = enabled
	}
}

// WithLogger sets the logger for the app.
func WithLogger(logger *slog.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithHTTPAddr sets the localhost listen address. Default is
// DefaultHTTPAddr.
func WithHTTPAddr(addr string) Option {
	return func(a *App) {
		a.httpAddr = addr
	}
}

// WithMetricsRegistry sets the Prometheus registry the bridge metrics
// and the /metrics route are served from. Default is a fresh registry
// per app.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *App) {
		a.registry = reg
	}
}

// WithPanicPropagation controls whether a panicking route handler fails
// the RPC forwarding cycle (true, the default) or is converted to a
// plain 500 response (false).
func WithPanicPropagation(propagate bool) Option {
	return func(a *App) {
		a.propagatePanics = propagate
	}
}

// WithOnStart registers a hook that runs after the app starts serving
// and the bridge is live. A hook error aborts Run.
func WithOnStart(hook func(ctx context.Context) error) Option {
	return func(a *App) {
		a.onStart = hook
	}
}

// WithOnStop registers a hook that runs first during shutdown, before
// the HTTP server and the bridge are released.
func WithOnStop(hook func(ctx context.Context) error) Option {
	return func(a *App) {
		a.onStop = hook
	}
}

// New creates an app named appName. The name doubles as the app_data
// directory name inside the datasite. When no workspace client or
// config is supplied, the default SyftBox config is loaded; its absence
// is an error.
func New(appName string, opts ...Option) (*App, error) {
	if appName == "" {
		return nil, fmt.Errorf("app name must not be empty")
	}

	a := &App{
		name:            appName,
		logger:          slog.Default(),
		httpAddr:        DefaultHTTPAddr,
		includeOpenAPI:  true,
		propagatePanics: true,
	}

	for _, opt := range opts {
		opt(a)
	}

	if a.box == nil && a.boxCfg != nil {
		client, err := syftbox.NewClient(a.boxCfg)
		if err != nil {
			return nil, fmt.Errorf("bind syftbox workspace: %w", err)
		}
		a.box = client
	}
	if a.box == nil {
		client, err := syftbox.LoadClient("")
		if err != nil {
			return nil, fmt.Errorf("load syftbox workspace: %w", err)
		}
		a.box = client
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
	}
	a.bridgeMetrics = bridge.NewMetrics(a.registry)

	return a, nil
}

// Name returns the app name.
func (a *App) Name() string { return a.name }

// Syftbox returns the workspace client the app is bound to.
func (a *App) Syftbox() *syftbox.Client { return a.box }

// BoundAddr returns the address the HTTP server actually bound, once
// Run has started serving. Before that it is empty.
func (a *App) BoundAddr() string { return a.boundAddr }

// Handle registers a route. Tags drive endpoint discovery; handlers
// are plain http.HandlerFuncs and serve both the localhost server and
// bridged RPC traffic.
func (a *App) Handle(method, path string, h http.HandlerFunc, tags ...string) {
	a.routes = append(a.routes, route{
		method:  method,
		path:    path,
		tags:    tags,
		handler: h,
	})
}

// Get registers a GET route.
func (a *App) Get(path string, h http.HandlerFunc, tags ...string) {
	a.Handle(http.MethodGet, path, h, tags...)
}

// Post registers a POST route.
func (a *App) Post(path string, h http.HandlerFunc, tags ...string) {
	a.Handle(http.MethodPost, path, h, tags...)
}

// Router builds the http.Handler serving the current route table.
func (a *App) Router() http.Handler {
	mux := http.NewServeMux()
	seen := make(map[string]bool, len(a.routes))
	for _, r := range a.routes {
		pattern := r.method + " " + r.path
		if r.method == "" {
			pattern = r.path
		}
		if seen[pattern] {
			a.logger.Warn("skipping duplicate route pattern", "pattern", pattern)
			continue
		}
		seen[pattern] = true
		mux.Handle(pattern, r.handler)
	}
	return mux
}
