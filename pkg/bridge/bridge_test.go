package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/openmined/syftbridge/pkg/memhttp"
	"github.com/openmined/syftbridge/pkg/syftbox"
	"github.com/openmined/syftbridge/pkg/syftevents"
	"github.com/openmined/syftbridge/pkg/syftrpc"
)

// fakeListener records registrations and start/stop calls.
type fakeListener struct {
	mu       sync.Mutex
	order    []string
	handlers map[string]syftrpc.Handler
	started  bool
	stopped  bool
	startErr error
	stopErr  error
	onStop   func()
}

func newFakeListener() *fakeListener {
	return &fakeListener{handlers: make(map[string]syftrpc.Handler)}
}

func (l *fakeListener) Register(endpoint string, h syftrpc.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, endpoint)
	if _, exists := l.handlers[endpoint]; !exists {
		l.handlers[endpoint] = h
	}
}

func (l *fakeListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	l.started = true
	return nil
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped = true
	if l.onStop != nil {
		l.onStop()
	}
	return l.stopErr
}

// deliver invokes the handler registered for endpoint, the way the real
// listener would for an inbound request file.
func (l *fakeListener) deliver(t *testing.T, endpoint string, req *syftrpc.Request) (*syftrpc.Response, error) {
	t.Helper()
	l.mu.Lock()
	h, ok := l.handlers[endpoint]
	l.mu.Unlock()
	if !ok {
		t.Fatalf("no handler registered for %s", endpoint)
	}
	return h(context.Background(), req)
}

// fakeHTTPClient fails every request with a fixed error.
type fakeHTTPClient struct {
	requestErr error
	closeErr   error
	closed     bool
	onClose    func()
}

func (c *fakeHTTPClient) Request(ctx context.Context, method, target string, body []byte, headers map[string]string) (*http.Response, error) {
	return nil, c.requestErr
}

func (c *fakeHTTPClient) Close() error {
	c.closed = true
	if c.onClose != nil {
		c.onClose()
	}
	return c.closeErr
}

func testApp() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Seen-Method", r.Method)
		w.Header().Set("X-Seen-Syft-URL", r.Header.Get("X-Syft-URL"))
		w.Header().Set("X-Seen-Probe", r.Header.Get("X-Probe"))
		if r.URL.RawQuery != "" {
			w.Header().Set("X-Seen-Query", r.URL.RawQuery)
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	})
	mux.HandleFunc("/multi", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("X-Many", "one")
		w.Header().Add("X-Many", "two")
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, endpoints []string) (*Bridge, *fakeListener) {
	t.Helper()
	client, err := memhttp.NewClient(testApp())
	if err != nil {
		t.Fatalf("memhttp.NewClient() error = %v", err)
	}
	listener := newFakeListener()
	b := New("testapp", "owner@example.com", client, listener, endpoints, WithLogger(quietLogger()))
	return b, listener
}

func inboundRequest(t *testing.T, endpoint, method string, body []byte, headers map[string]string) *syftrpc.Request {
	t.Helper()
	u := syftrpc.BuildURL("owner@example.com", "testapp", endpoint)
	return syftrpc.NewRequest("caller@example.com", u, method, body, headers)
}

// TestBridge_ForwardRoundTrip verifies a full forwarding cycle: method,
// body, and headers reach the application and the HTTP response comes
// back verbatim in the envelope.
func TestBridge_ForwardRoundTrip(t *testing.T) {
	b, listener := newTestBridge(t, []string{"/echo"})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/echo", http.MethodPut, []byte("ping body"), map[string]string{"X-Probe": "yes"})
	resp, err := listener.deliver(t, "/echo", req)
	if err != nil {
		t.Fatalf("forward error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != "ping body" {
		t.Errorf("Body = %q, want %q", resp.Body, "ping body")
	}
	if got := resp.Headers["X-Seen-Method"]; got != http.MethodPut {
		t.Errorf("method seen by app = %q, want %q", got, http.MethodPut)
	}
	if got := resp.Headers["X-Seen-Probe"]; got != "yes" {
		t.Errorf("header seen by app = %q, want %q", got, "yes")
	}
	if got := resp.Headers["X-Seen-Syft-URL"]; got != req.URL {
		t.Errorf("X-Syft-URL seen by app = %q, want %q", got, req.URL)
	}
	if resp.ID != req.ID {
		t.Errorf("response ID = %v, want request ID %v", resp.ID, req.ID)
	}
	if _, found := resp.Headers["X-Seen-Query"]; found {
		t.Error("forwarded request carried query parameters")
	}
}

// TestBridge_BinaryBody verifies bodies pass through byte for byte in
// both directions.
func TestBridge_BinaryBody(t *testing.T) {
	b, listener := newTestBridge(t, []string{"/echo"})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	payload := []byte{0x00, 0xff, 0x01, 0xfe, 0x00, 0x80, 0x7f}
	req := inboundRequest(t, "/echo", http.MethodPost, payload, nil)
	resp, err := listener.deliver(t, "/echo", req)
	if err != nil {
		t.Fatalf("forward error = %v", err)
	}
	if string(resp.Body) != string(payload) {
		t.Errorf("Body = %v, want %v", resp.Body, payload)
	}
}

// TestBridge_MethodDefaultsToPost verifies unreadable methods are
// recovered by forwarding as POST rather than failing the cycle.
func TestBridge_MethodDefaultsToPost(t *testing.T) {
	tests := []struct {
		name   string
		method string
	}{
		{"empty", ""},
		{"embedded space", "GE T"},
		{"control byte", "GET\x00"},
		{"separator", "GET/POST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, listener := newTestBridge(t, []string{"/echo"})
			if err := b.Start(context.Background()); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			defer func() { _ = b.Close() }()

			req := inboundRequest(t, "/echo", tt.method, nil, nil)
			resp, err := listener.deliver(t, "/echo", req)
			if err != nil {
				t.Fatalf("forward error = %v", err)
			}
			if got := resp.Headers["X-Seen-Method"]; got != http.MethodPost {
				t.Errorf("method seen by app = %q, want POST", got)
			}
		})
	}
}

// TestBridge_NoSyftURLHeaderWithoutOrigin verifies the X-Syft-URL
// header is only injected when the envelope carries an origin.
func TestBridge_NoSyftURLHeaderWithoutOrigin(t *testing.T) {
	b, listener := newTestBridge(t, []string{"/echo"})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/echo", http.MethodGet, nil, nil)
	req.URL = ""
	resp, err := listener.deliver(t, "/echo", req)
	if err != nil {
		t.Fatalf("forward error = %v", err)
	}
	if got := resp.Headers["X-Seen-Syft-URL"]; got != "" {
		t.Errorf("X-Syft-URL = %q, want absent", got)
	}
}

// TestBridge_SyftURLHeaderUnshadowable verifies an inbound header named
// X-Syft-URL cannot mask the envelope's real origin.
func TestBridge_SyftURLHeaderUnshadowable(t *testing.T) {
	b, listener := newTestBridge(t, []string{"/echo"})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/echo", http.MethodGet, nil, map[string]string{
		"X-Syft-URL": "syft://spoof@example.com/app_data/testapp/rpc/echo",
	})
	resp, err := listener.deliver(t, "/echo", req)
	if err != nil {
		t.Fatalf("forward error = %v", err)
	}
	if got := resp.Headers["X-Seen-Syft-URL"]; got != req.URL {
		t.Errorf("X-Syft-URL seen by app = %q, want envelope origin %q", got, req.URL)
	}
}

// TestBridge_ErrorStatusIsSuccess verifies 4xx/5xx responses are
// successful cycles carrying that status, not failures.
func TestBridge_ErrorStatusIsSuccess(t *testing.T) {
	client, err := memhttp.NewClient(testApp())
	if err != nil {
		t.Fatalf("memhttp.NewClient() error = %v", err)
	}
	listener := newFakeListener()
	metrics := NewMetrics(nil)
	b := New("testapp", "owner@example.com", client, listener, []string{"/fail"},
		WithLogger(quietLogger()), WithMetrics(metrics))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/fail", http.MethodGet, nil, nil)
	resp, err := listener.deliver(t, "/fail", req)
	if err != nil {
		t.Fatalf("forward error = %v, want nil for HTTP error status", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusBadGateway)
	}

	if got := testutil.ToFloat64(metrics.RequestsTotal.WithLabelValues("/fail", "502")); got != 1 {
		t.Errorf("requests_total{502} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("/fail")); got != 0 {
		t.Errorf("request_failures_total = %v, want 0", got)
	}
}

// TestBridge_MultiValueHeadersJoined verifies repeated response headers
// collapse into one comma-joined value.
func TestBridge_MultiValueHeadersJoined(t *testing.T) {
	b, listener := newTestBridge(t, []string{"/multi"})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/multi", http.MethodGet, nil, nil)
	resp, err := listener.deliver(t, "/multi", req)
	if err != nil {
		t.Fatalf("forward error = %v", err)
	}
	if got := resp.Headers["X-Many"]; got != "one, two" {
		t.Errorf("X-Many = %q, want %q", got, "one, two")
	}
}

// TestBridge_ClientErrorPropagates verifies transport failures surface
// unchanged from the forwarding cycle.
func TestBridge_ClientErrorPropagates(t *testing.T) {
	sentinel := errors.New("connect refused")
	client := &fakeHTTPClient{requestErr: sentinel}
	listener := newFakeListener()
	metrics := NewMetrics(nil)
	b := New("testapp", "owner@example.com", client, listener, []string{"/echo"},
		WithLogger(quietLogger()), WithMetrics(metrics))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	req := inboundRequest(t, "/echo", http.MethodGet, nil, nil)
	_, err := listener.deliver(t, "/echo", req)
	if !errors.Is(err, sentinel) {
		t.Errorf("forward error = %v, want %v unchanged", err, sentinel)
	}

	if got := testutil.ToFloat64(metrics.FailuresTotal.WithLabelValues("/echo")); got != 1 {
		t.Errorf("request_failures_total = %v, want 1", got)
	}
}

// TestBridge_RegistrationOrder verifies handlers register in document
// order and duplicates register twice.
func TestBridge_RegistrationOrder(t *testing.T) {
	endpoints := []string{"/b", "/a", "/b", "/c"}
	b, listener := newTestBridge(t, endpoints)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.order) != len(endpoints) {
		t.Fatalf("registrations = %d, want %d", len(listener.order), len(endpoints))
	}
	for i, want := range endpoints {
		if listener.order[i] != want {
			t.Errorf("registration[%d] = %q, want %q", i, listener.order[i], want)
		}
	}
}

// TestBridge_EmptyEndpointList verifies a bridge with no endpoints
// starts and closes cleanly.
func TestBridge_EmptyEndpointList(t *testing.T) {
	b, listener := newTestBridge(t, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	listener.mu.Lock()
	registrations := len(listener.order)
	listener.mu.Unlock()
	if registrations != 0 {
		t.Errorf("registrations = %d, want 0", registrations)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestBridge_ListenerStartFailure verifies a listener start failure
// propagates and the client is still released by Close.
func TestBridge_ListenerStartFailure(t *testing.T) {
	startErr := errors.New("watch dir gone")
	client := &fakeHTTPClient{}
	listener := newFakeListener()
	listener.startErr = startErr
	b := New("testapp", "owner@example.com", client, listener, []string{"/echo"}, WithLogger(quietLogger()))

	if err := b.Start(context.Background()); !errors.Is(err, startErr) {
		t.Fatalf("Start() error = %v, want %v", err, startErr)
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if listener.stopped {
		t.Error("listener stopped despite never starting")
	}
	if !client.closed {
		t.Error("client not closed")
	}
}

// TestBridge_CloseReleasesBoth verifies both resources are released
// even when each release fails, and both failures surface.
func TestBridge_CloseReleasesBoth(t *testing.T) {
	stopErr := errors.New("stop failed")
	closeErr := errors.New("close failed")
	client := &fakeHTTPClient{closeErr: closeErr}
	listener := newFakeListener()
	listener.stopErr = stopErr
	b := New("testapp", "owner@example.com", client, listener, nil, WithLogger(quietLogger()))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	err := b.Close()
	if !errors.Is(err, stopErr) {
		t.Errorf("Close() error = %v, want listener stop failure included", err)
	}
	if !errors.Is(err, closeErr) {
		t.Errorf("Close() error = %v, want client close failure included", err)
	}
	if !listener.stopped {
		t.Error("listener not stopped")
	}
	if !client.closed {
		t.Error("client not closed")
	}

	if err := b.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

// TestBridge_CloseOrder verifies the listener is stopped before the
// HTTP client is closed.
func TestBridge_CloseOrder(t *testing.T) {
	var seq []string
	client := &fakeHTTPClient{onClose: func() { seq = append(seq, "client") }}
	listener := newFakeListener()
	listener.onStop = func() { seq = append(seq, "listener") }
	b := New("testapp", "owner@example.com", client, listener, nil, WithLogger(quietLogger()))

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if len(seq) != 2 || seq[0] != "listener" || seq[1] != "client" {
		t.Errorf("release order = %v, want [listener client]", seq)
	}
}

// TestBridge_DoubleStart verifies Start rejects a second call.
func TestBridge_DoubleStart(t *testing.T) {
	b, _ := newTestBridge(t, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Start(context.Background()); err == nil {
		t.Error("second Start() expected error")
	}
}

// TestBridge_EndToEnd runs the full path: a request file dropped into
// the workspace is forwarded through the in-process app and the caller
// receives the HTTP response in its envelope.
func TestBridge_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)

	boxClient, err := syftbox.NewClient(&syftbox.Config{
		DataDir: t.TempDir(),
		Email:   "owner@example.com",
	})
	if err != nil {
		t.Fatalf("syftbox.NewClient() error = %v", err)
	}

	events := syftevents.New(boxClient, "testapp",
		syftevents.WithLogger(quietLogger()),
		syftevents.WithSweepInterval(25*time.Millisecond),
	)
	httpClient, err := memhttp.NewClient(testApp())
	if err != nil {
		t.Fatalf("memhttp.NewClient() error = %v", err)
	}

	b := New("testapp", "owner@example.com", httpClient, events, []string{"/echo"}, WithLogger(quietLogger()))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	u := syftrpc.BuildURL("owner@example.com", "testapp", "echo")
	req := syftrpc.NewRequest("caller@example.com", u, http.MethodPost,
		[]byte("over the wire"), map[string]string{"X-Probe": "e2e"})

	fut, err := syftrpc.SendRequest(events.RPCDir(), req, syftrpc.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := fut.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if string(resp.Body) != "over the wire" {
		t.Errorf("Body = %q, want %q", resp.Body, "over the wire")
	}
	if got := resp.Headers["X-Seen-Probe"]; got != "e2e" {
		t.Errorf("header seen by app = %q, want %q", got, "e2e")
	}
	if got := resp.Headers["X-Seen-Syft-URL"]; got != u.String() {
		t.Errorf("X-Syft-URL seen by app = %q, want %q", got, u.String())
	}
}
