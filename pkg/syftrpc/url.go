// Package syftrpc provides the Syft RPC message envelope and the
// filesystem exchange that delivers request/response pairs between
// datasites without a socket.
package syftrpc

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URL scheme for Syft RPC addresses.
const Scheme = "syft"

// URL is a parsed Syft RPC address of the form
// syft://{datasite}/app_data/{app}/rpc/{endpoint}.
type URL struct {
	// Datasite is the owning peer's email-style identity.
	Datasite string

	// AppName is the application the endpoint belongs to.
	AppName string

	// Endpoint is the route path, always with a leading slash.
	Endpoint string
}

// ParseURL parses a syft:// address into its parts.
func ParseURL(raw string) (*URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: scheme %q, want %q", ErrInvalidURL, u.Scheme, Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing datasite", ErrInvalidURL)
	}

	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "app_data" || parts[1] == "" || parts[2] != "rpc" || parts[3] == "" {
		return nil, fmt.Errorf("%w: path %q, want /app_data/{app}/rpc/{endpoint}", ErrInvalidURL, u.Path)
	}

	return &URL{
		Datasite: u.Host,
		AppName:  parts[1],
		Endpoint: "/" + strings.Join(parts[3:], "/"),
	}, nil
}

// BuildURL constructs a syft URL from its parts. The endpoint is
// normalized to carry a leading slash so /ping and ping address the
// same endpoint.
func BuildURL(datasite, app, endpoint string) *URL {
	return &URL{
		Datasite: datasite,
		AppName:  app,
		Endpoint: "/" + strings.TrimPrefix(endpoint, "/"),
	}
}

// String renders the canonical syft:// form.
func (u *URL) String() string {
	return fmt.Sprintf("%s://%s/app_data/%s/rpc/%s",
		Scheme, u.Datasite, u.AppName, strings.TrimPrefix(u.Endpoint, "/"))
}

// EndpointDir returns the endpoint's directory name relative to an rpc
// root, without a leading slash. Nested endpoints map to nested
// directories.
func (u *URL) EndpointDir() string {
	return strings.TrimPrefix(u.Endpoint, "/")
}
