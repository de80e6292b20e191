package syftclient

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/openmined/syftbridge/pkg/syftbox"
	"github.com/openmined/syftbridge/pkg/syftrpc"
)

// FSTransport is an http.RoundTripper that exchanges envelope files
// through the target app's RPC directory: the request is written there
// and the transport polls for the matching response file, the same
// cycle a sync daemon drives between machines.
type FSTransport struct {
	appOwner string
	appName  string
	sender   string
	rpcDir   string
	poll     time.Duration
}

// FSTransportOption configures an FSTransport.
type FSTransportOption func(*FSTransport)

// WithFSPollInterval overrides how often the transport checks for a
// response file. Default is syftrpc.DefaultPollInterval.
func WithFSPollInterval(d time.Duration) FSTransportOption {
	return func(t *FSTransport) {
		if d > 0 {
			t.poll = d
		}
	}
}

// NewFSTransport builds a transport for the app served from appOwner's
// datasite inside the workspace at dataDir.
func NewFSTransport(dataDir, appOwner, appName, sender string, opts ...FSTransportOption) (*FSTransport, error) {
	box, err := syftbox.NewClient(&syftbox.Config{
		DataDir: dataDir,
		Email:   appOwner,
	})
	if err != nil {
		return nil, fmt.Errorf("bind target workspace: %w", err)
	}

	t := &FSTransport{
		appOwner: appOwner,
		appName:  appName,
		sender:   sender,
		rpcDir:   box.RPCDir(appName),
		poll:     syftrpc.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RPCDir returns the directory the transport exchanges envelopes in.
func (t *FSTransport) RPCDir() string {
	return t.rpcDir
}

// RoundTrip writes req as a request envelope and blocks until the
// response envelope appears or the request context ends. Context expiry
// surfaces as an error matching syftrpc.ErrTimeout.
func (t *FSTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	u := syftrpc.BuildURL(t.appOwner, t.appName, req.URL.Path)
	env := syftrpc.NewRequest(t.sender, u, req.Method, body, flattenHeader(req.Header))

	fut, err := syftrpc.SendRequest(t.rpcDir, env, syftrpc.WithPollInterval(t.poll))
	if err != nil {
		return nil, fmt.Errorf("send rpc request: %w", err)
	}

	resp, err := fut.Wait(req.Context())
	if err != nil {
		return nil, err
	}
	return envelopeResponse(req, resp), nil
}

// envelopeResponse translates a response envelope into the equivalent
// http.Response attributed to req.
func envelopeResponse(req *http.Request, env *syftrpc.Response) *http.Response {
	header := make(http.Header, len(env.Headers))
	for k, v := range env.Headers {
		header.Set(k, v)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", env.StatusCode, http.StatusText(env.StatusCode)),
		StatusCode:    env.StatusCode,
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(env.Body)),
		ContentLength: int64(len(env.Body)),
		Request:       req,
	}
}

var _ http.RoundTripper = (*FSTransport)(nil)
