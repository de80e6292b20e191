// Package syftevents implements a peer-to-peer RPC listener on top of a
// SyftBox workspace. Requests arrive as files under the app's rpc
// directory, delivered there by the sync daemon; the listener watches
// that tree, dispatches each request to the handler registered for its
// endpoint, and writes the response file the caller is polling for.
package syftevents

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/syftbridge/pkg/syftbox"
	"github.com/openmined/syftbridge/pkg/syftrpc"
)

const (
	// DefaultSweepInterval is how often the listener rescans endpoint
	// directories for request files the watcher missed.
	DefaultSweepInterval = 5 * time.Second

	// DefaultDedupeWindow is how long a dispatched request's digest is
	// remembered. Sync daemons may re-deliver a request file after the
	// response was written; digests inside the window are not
	// dispatched again.
	DefaultDedupeWindow = 1 * time.Minute
)

// listener lifecycle states.
type state int

const (
	stateNew state = iota
	stateStarted
	stateStopped
)

// registration pairs an endpoint with its handler. Registrations keep
// insertion order; when an endpoint is registered twice, the earliest
// registration wins at dispatch time.
type registration struct {
	endpoint string
	handler  syftrpc.Handler
}

// Events is a filesystem-backed RPC listener for a single app. It is
// not reusable: once stopped it stays stopped, and a fresh listener
// must be created for the next serving window.
type Events struct {
	client  *syftbox.Client
	appName string
	rpcDir  string

	sweepInterval time.Duration
	dedupeWindow  time.Duration
	logger        *slog.Logger

	mu            sync.Mutex
	state         state
	registrations []registration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}

	// recent maps xxhash64 digests of dispatched request payloads to
	// their dispatch time. Owned by the dispatch goroutine.
	recent map[uint64]time.Time
}

// Option is a functional option for configuring Events.
type Option func(*Events)

// WithLogger sets the logger for the listener.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Events) {
		e.logger = logger
	}
}

// WithSweepInterval sets how often endpoint directories are rescanned.
// Default is DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Events) {
		e.sweepInterval = d
	}
}

// WithDedupeWindow sets how long dispatched request digests are
// remembered. Default is DefaultDedupeWindow.
func WithDedupeWindow(d time.Duration) Option {
	return func(e *Events) {
		e.dedupeWindow = d
	}
}

// New creates a listener for appName inside the client's workspace.
// The constructor performs no I/O; directories are created on Start.
func New(client *syftbox.Client, appName string, opts ...Option) *Events {
	e := &Events{
		client:        client,
		appName:       appName,
		rpcDir:        client.RPCDir(appName),
		sweepInterval: DefaultSweepInterval,
		dedupeWindow:  DefaultDedupeWindow,
		logger:        slog.Default(),
		recent:        make(map[uint64]time.Time),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// RPCDir returns the directory the listener serves requests from.
func (e *Events) RPCDir() string { return e.rpcDir }

// Register adds a handler for an endpoint. Registration order is
// preserved. Register must be called before Start; later calls are
// ignored with a log entry since the watched directory set is fixed
// once the listener is live.
func (e *Events) Register(endpoint string, h syftrpc.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateNew {
		e.logger.Warn("ignoring endpoint registered after listener start", "endpoint", endpoint)
		return
	}
	e.registrations = append(e.registrations, registration{endpoint: endpoint, handler: h})
}

// Start creates the rpc directory tree, begins watching it, and
// launches the dispatch loop. It returns once the listener is live;
// dispatch continues in the background until Stop is called or ctx is
// cancelled.
func (e *Events) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateStarted:
		return fmt.Errorf("listener already started")
	case stateStopped:
		return fmt.Errorf("listener already stopped")
	}

	dirs := []string{e.rpcDir}
	for _, reg := range e.registrations {
		dirs = append(dirs, syftrpc.EndpointDir(e.rpcDir, reg.endpoint))
	}
	if err := e.client.MakeDirs(dirs...); err != nil {
		return fmt.Errorf("create rpc dirs: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	e.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = stateStarted

	e.logger.Info("rpc listener started",
		"app", e.appName,
		"rpc_dir", e.rpcDir,
		"endpoints", len(e.registrations))

	go e.run(runCtx)
	return nil
}

// Stop terminates the dispatch loop and releases the watcher. Stopping
// an already-stopped listener is a no-op; stopping one that never
// started is an error.
func (e *Events) Stop() error {
	e.mu.Lock()
	if e.state == stateNew {
		e.mu.Unlock()
		return fmt.Errorf("listener not started")
	}
	if e.state == stateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done

	if err := e.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}

	e.logger.Info("rpc listener stopped", "app", e.appName)
	return nil
}
