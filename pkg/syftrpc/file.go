package syftrpc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// File extensions for the two halves of an exchange. A request file and
// its response file share the same ID stem in the same endpoint
// directory.
const (
	RequestExt  = ".request"
	ResponseExt = ".response"
)

// EndpointDir returns the directory under rpcDir that holds an
// endpoint's message files.
func EndpointDir(rpcDir, endpoint string) string {
	return filepath.Join(rpcDir, filepath.FromSlash(strings.TrimPrefix(endpoint, "/")))
}

// RequestFilePath returns the on-disk path for a request envelope.
func RequestFilePath(rpcDir, endpoint string, id uuid.UUID) string {
	return filepath.Join(EndpointDir(rpcDir, endpoint), id.String()+RequestExt)
}

// ResponseFilePath returns the on-disk path for a response envelope.
func ResponseFilePath(rpcDir, endpoint string, id uuid.UUID) string {
	return filepath.Join(EndpointDir(rpcDir, endpoint), id.String()+ResponseExt)
}

// WriteRequest encodes req and writes it into the endpoint directory
// under rpcDir, creating the directory if needed. The write is atomic
// (temp file, fsync, rename) so watchers never observe a partial
// envelope. Returns the path of the request file.
func WriteRequest(rpcDir string, req *Request) (string, error) {
	u, err := ParseURL(req.URL)
	if err != nil {
		return "", err
	}

	data, err := EncodeRequest(req)
	if err != nil {
		return "", err
	}

	path := RequestFilePath(rpcDir, u.Endpoint, req.ID)
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write request file: %w", err)
	}
	return path, nil
}

// WriteResponse encodes resp and writes it next to its request file.
func WriteResponse(rpcDir string, resp *Response) error {
	u, err := ParseURL(resp.URL)
	if err != nil {
		return err
	}

	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}

	path := ResponseFilePath(rpcDir, u.Endpoint, resp.ID)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write response file: %w", err)
	}
	return nil
}

// WriteResponseFile encodes resp and writes it atomically at an
// explicit path. Listeners use this to place a response next to the
// request file it answers without trusting the envelope's URL field.
func WriteResponseFile(path string, resp *Response) error {
	data, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write response file: %w", err)
	}
	return nil
}

// ReadRequest reads and decodes a request envelope from disk.
func ReadRequest(path string) (*Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read request file: %w", err)
	}
	return DecodeRequest(data)
}

// ReadResponse reads and decodes a response envelope from disk.
func ReadResponse(path string) (*Response, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read response file: %w", err)
	}
	return DecodeResponse(data)
}

// writeFileAtomic writes data to a temp file in the target's directory,
// fsyncs it, and renames it over the target path. On any error the temp
// file is cleaned up. The parent directory is created if missing.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create endpoint dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
