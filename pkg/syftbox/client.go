package syftbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Client resolves paths inside a SyftBox workspace and publishes files
// into the local datasite. The sync daemon, when running, mirrors the
// datasite tree to the server and to peers; the client itself never
// touches the network.
type Client struct {
	cfg *Config
}

// NewClient wraps a validated config.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("syftbox: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// LoadClient loads the config at path (or the default location when
// path is empty) and wraps it in a Client.
func LoadClient(path string) (*Client, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg}, nil
}

// Config returns the underlying client config.
func (c *Client) Config() *Config { return c.cfg }

// Email returns the workspace owner's email.
func (c *Client) Email() string { return c.cfg.Email }

// Workspace returns the workspace root directory.
func (c *Client) Workspace() string { return c.cfg.DataDir }

// DatasitesRoot returns the directory holding one subdirectory per
// datasite, keyed by owner email.
func (c *Client) DatasitesRoot() string {
	return filepath.Join(c.cfg.DataDir, "datasites")
}

// DatasitePath returns the owner's own datasite directory.
func (c *Client) DatasitePath() string {
	return c.DatasitePathFor(c.cfg.Email)
}

// DatasitePathFor returns the datasite directory of any peer known to
// this workspace.
func (c *Client) DatasitePathFor(email string) string {
	return filepath.Join(c.DatasitesRoot(), email)
}

// AppDataDir returns the private per-app directory inside the owner's
// datasite.
func (c *Client) AppDataDir(appName string) string {
	return filepath.Join(c.DatasitePath(), "app_data", appName)
}

// RPCDir returns the directory an app serves RPC traffic from.
func (c *Client) RPCDir(appName string) string {
	return filepath.Join(c.AppDataDir(appName), "rpc")
}

// PublicDir returns the world-readable per-app directory inside the
// owner's datasite.
func (c *Client) PublicDir(appName string) string {
	return filepath.Join(c.DatasitePath(), "public", appName)
}

// MakeDirs creates each path and any missing parents.
func (c *Client) MakeDirs(paths ...string) error {
	for _, p := range paths {
		if err := os.MkdirAll(p, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", p, err)
		}
	}
	return nil
}

// PublishContents writes data at relPath inside the owner's datasite,
// creating parent directories as needed. relPath is relative to the
// datasite root, e.g. "public/myapp/index.html".
func (c *Client) PublishContents(data []byte, relPath string) (string, error) {
	dest := filepath.Join(c.DatasitePath(), relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create publish dir: %w", err)
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return "", fmt.Errorf("publish contents: %w", err)
	}
	return dest, nil
}

// PublishFile copies a local file to relPath inside the owner's
// datasite, creating parent directories as needed.
func (c *Client) PublishFile(localPath, relPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	dest := filepath.Join(c.DatasitePath(), relPath)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create publish dir: %w", err)
	}

	dst, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create dest file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("copy file: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("sync dest file: %w", err)
	}
	return dest, nil
}

// PublicURL returns the server URL a published datasite path is served
// from, e.g. PublicURL("public/myapp/index.html") for owner a@b.com on
// https://syftbox.net yields
// https://syftbox.net/datasites/a@b.com/public/myapp/index.html.
func (c *Client) PublicURL(relPath string) string {
	base := strings.TrimSuffix(c.cfg.ServerURL, "/")
	rel := strings.TrimPrefix(filepath.ToSlash(relPath), "/")
	return fmt.Sprintf("%s/datasites/%s/%s", base, c.cfg.Email, rel)
}
