package syftclient

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fsTransportOf digs the configured transport out of a client built by
// ForLocalTransport.
func fsTransportOf(t *testing.T, c *RPCClient) *FSTransport {
	t.Helper()
	transport, ok := c.hc.Transport.(*FSTransport)
	if !ok {
		t.Fatalf("transport = %T, want *FSTransport", c.hc.Transport)
	}
	return transport
}

func TestForLocalTransportValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LocalConfig
		wantErr string
	}{
		{
			name:    "missing owner outside dev mode",
			cfg:     LocalConfig{DataDir: "/tmp/x", AppName: "testapp"},
			wantErr: "app_owner must be provided",
		},
		{
			name:    "missing data dir and app name",
			cfg:     LocalConfig{AppOwner: "owner@example.com"},
			wantErr: "data_dir or app_name must be provided",
		},
		{
			name:    "missing app name with data dir",
			cfg:     LocalConfig{DataDir: "/tmp/x", AppOwner: "owner@example.com"},
			wantErr: "app_name must be provided",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ForLocalTransport(tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("ForLocalTransport() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// TestForLocalTransportDevDefaults checks the dev-mode fallbacks: an
// anonymous owner and a per-app workspace under the temp dir.
func TestForLocalTransportDevDefaults(t *testing.T) {
	c, err := ForLocalTransport(LocalConfig{AppName: "testapp", DevMode: true})
	if err != nil {
		t.Fatalf("ForLocalTransport() error = %v", err)
	}
	defer func() { _ = c.Close() }()

	transport := fsTransportOf(t, c)
	if transport.appOwner != DevDefaultOwnerEmail {
		t.Errorf("appOwner = %q, want %q", transport.appOwner, DevDefaultOwnerEmail)
	}
	if transport.sender != DefaultSenderEmail {
		t.Errorf("sender = %q, want %q", transport.sender, DefaultSenderEmail)
	}

	wantRPCDir := filepath.Join(os.TempDir(), "testapp", "datasites", DevDefaultOwnerEmail, "app_data", "testapp", "rpc")
	if transport.RPCDir() != wantRPCDir {
		t.Errorf("RPCDir() = %q, want %q", transport.RPCDir(), wantRPCDir)
	}
}

func TestForLocalTransportExplicitConfig(t *testing.T) {
	dir := t.TempDir()
	c, err := ForLocalTransport(LocalConfig{
		DataDir:  dir,
		AppOwner: "owner@example.com",
		AppName:  "testapp",
		Sender:   "caller@example.com",
	})
	if err != nil {
		t.Fatalf("ForLocalTransport() error = %v", err)
	}
	defer func() { _ = c.Close() }()

	transport := fsTransportOf(t, c)
	if transport.sender != "caller@example.com" {
		t.Errorf("sender = %q, want %q", transport.sender, "caller@example.com")
	}
	wantRPCDir := filepath.Join(dir, "datasites", "owner@example.com", "app_data", "testapp", "rpc")
	if transport.RPCDir() != wantRPCDir {
		t.Errorf("RPCDir() = %q, want %q", transport.RPCDir(), wantRPCDir)
	}
}

func TestForRelayTransportValidation(t *testing.T) {
	if _, err := ForRelayTransport(RelayConfig{AppName: "testapp"}); err == nil ||
		!strings.Contains(err.Error(), "app_owner and app_name must be provided") {
		t.Errorf("missing owner: error = %v, want app_owner and app_name failure", err)
	}
	if _, err := ForRelayTransport(RelayConfig{AppOwner: "owner@example.com"}); err == nil ||
		!strings.Contains(err.Error(), "app_owner and app_name must be provided") {
		t.Errorf("missing app: error = %v, want app_owner and app_name failure", err)
	}
}

func TestForRelayTransportDefaults(t *testing.T) {
	c, err := ForRelayTransport(RelayConfig{AppOwner: "owner@example.com", AppName: "testapp"})
	if err != nil {
		t.Fatalf("ForRelayTransport() error = %v", err)
	}
	defer func() { _ = c.Close() }()

	transport, ok := c.hc.Transport.(*RelayTransport)
	if !ok {
		t.Fatalf("transport = %T, want *RelayTransport", c.hc.Transport)
	}
	if got := transport.server.String(); got != DefaultServerURL {
		t.Errorf("server = %q, want %q", got, DefaultServerURL)
	}
	if transport.sender != DefaultSenderEmail {
		t.Errorf("sender = %q, want %q", transport.sender, DefaultSenderEmail)
	}
	if transport.timeout != DefaultRelayTimeout {
		t.Errorf("timeout = %v, want %v", transport.timeout, DefaultRelayTimeout)
	}
}
