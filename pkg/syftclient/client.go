// Package syftclient calls SyftBox apps over Syft RPC through the
// standard http.Client machinery. An RPCClient speaks plain HTTP
// against a syft://localhost base URL; the configured transport either
// drops envelope files into a local workspace (FSTransport) or relays
// them through a SyftBox server (RelayTransport).
package syftclient

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// DevDefaultOwnerEmail is the datasite owner assumed in dev mode when
// none is configured.
const DevDefaultOwnerEmail = "guest@syftbox.com"

// DefaultSenderEmail identifies anonymous callers.
const DefaultSenderEmail = "guest@syft.org"

// rpcBaseURL is the placeholder base every request path resolves
// against; the transport routes by owner and app, not by host.
const rpcBaseURL = "syft://localhost"

// devDefaultDataDir is the workspace root assumed in dev mode, one
// directory per app under the system temp dir.
func devDefaultDataDir(appName string) string {
	return filepath.Join(os.TempDir(), appName)
}

// RPCClient is an HTTP-shaped client for one SyftBox app. Paths passed
// to Get and Post name the app's RPC endpoints.
type RPCClient struct {
	hc   *http.Client
	base *url.URL
}

// LocalConfig configures a client that exchanges envelope files through
// a workspace directory on the local filesystem.
type LocalConfig struct {
	// DataDir is the workspace root holding the datasites tree.
	// Empty falls back to the dev default for AppName.
	DataDir string
	// AppOwner is the email of the datasite serving the app. Empty is
	// an error unless DevMode is set.
	AppOwner string
	// AppName is the target app. Always required.
	AppName string
	// Sender identifies the caller in the request envelopes. Default
	// is DefaultSenderEmail.
	Sender string
	// DevMode substitutes DevDefaultOwnerEmail when AppOwner is empty.
	DevMode bool
}

// ForLocalTransport builds a client whose requests are written straight
// into the target app's RPC directory, for talking to an app served
// from the same machine without a relay server.
func ForLocalTransport(cfg LocalConfig, opts ...FSTransportOption) (*RPCClient, error) {
	owner := cfg.AppOwner
	if owner == "" {
		if !cfg.DevMode {
			return nil, errors.New("app_owner must be provided")
		}
		owner = DevDefaultOwnerEmail
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		if cfg.AppName == "" {
			return nil, errors.New("data_dir or app_name must be provided")
		}
		dataDir = devDefaultDataDir(cfg.AppName)
	}
	if cfg.AppName == "" {
		return nil, errors.New("app_name must be provided")
	}

	sender := cfg.Sender
	if sender == "" {
		sender = DefaultSenderEmail
	}

	transport, err := NewFSTransport(dataDir, owner, cfg.AppName, sender, opts...)
	if err != nil {
		return nil, err
	}
	return newRPCClient(transport)
}

// RelayConfig configures a client that reaches the target app through a
// SyftBox relay server.
type RelayConfig struct {
	// ServerURL is the relay base URL. Default is DefaultServerURL.
	ServerURL string
	// AppOwner is the email of the datasite serving the app. Required.
	AppOwner string
	// AppName is the target app. Required.
	AppName string
	// Sender identifies the caller. Default is DefaultSenderEmail.
	Sender string
}

// ForRelayTransport builds a client whose requests travel through the
// relay server's message API, for talking to apps on other machines.
func ForRelayTransport(cfg RelayConfig, opts ...RelayTransportOption) (*RPCClient, error) {
	if cfg.AppOwner == "" || cfg.AppName == "" {
		return nil, errors.New("app_owner and app_name must be provided")
	}

	sender := cfg.Sender
	if sender == "" {
		sender = DefaultSenderEmail
	}

	transport, err := NewRelayTransport(cfg.ServerURL, cfg.AppOwner, cfg.AppName, sender, opts...)
	if err != nil {
		return nil, err
	}
	return newRPCClient(transport)
}

func newRPCClient(transport http.RoundTripper) (*RPCClient, error) {
	base, err := url.Parse(rpcBaseURL)
	if err != nil {
		return nil, err
	}
	return &RPCClient{
		hc: &http.Client{
			Transport: transport,
			// Redirects must reach the caller verbatim, not be chased
			// through the envelope transport.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		base: base,
	}, nil
}

// Get sends a GET request to an endpoint path.
func (c *RPCClient) Get(ctx context.Context, path string, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, headers)
}

// Post sends a POST request with body to an endpoint path.
func (c *RPCClient) Post(ctx context.Context, path string, body []byte, headers map[string]string) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body, headers)
}

// Do sends an already-built request through the configured transport.
// The request URL's path selects the endpoint; host and scheme are
// ignored.
func (c *RPCClient) Do(req *http.Request) (*http.Response, error) {
	return c.hc.Do(req)
}

func (c *RPCClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	target := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.hc.Do(req)
}

// Close releases idle transport resources.
func (c *RPCClient) Close() error {
	c.hc.CloseIdleConnections()
	return nil
}

// flattenHeader folds an http.Header into the envelope's single-value
// header map, joining repeated values the way HTTP folds them.
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}
