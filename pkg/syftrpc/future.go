package syftrpc

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often a Future checks for its response
// file.
const DefaultPollInterval = 200 * time.Millisecond

// Future tracks a sent request and resolves to its response once the
// serving peer writes the response file.
type Future struct {
	rpcDir   string
	endpoint string
	id       uuid.UUID
	poll     time.Duration
}

// FutureOption configures a Future returned by SendRequest.
type FutureOption func(*Future)

// WithPollInterval overrides the response polling interval.
func WithPollInterval(d time.Duration) FutureOption {
	return func(f *Future) {
		if d > 0 {
			f.poll = d
		}
	}
}

// SendRequest writes the request envelope into the target endpoint's
// directory under rpcDir and returns a Future for the response. A
// request already past its expiry is refused with ErrExpired.
func SendRequest(rpcDir string, req *Request, opts ...FutureOption) (*Future, error) {
	u, err := ParseURL(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Expired(time.Now()) {
		return nil, ErrExpired
	}

	if _, err := WriteRequest(rpcDir, req); err != nil {
		return nil, err
	}

	f := &Future{
		rpcDir:   rpcDir,
		endpoint: u.Endpoint,
		id:       req.ID,
		poll:     DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// ID returns the request ID the future is waiting on.
func (f *Future) ID() uuid.UUID {
	return f.id
}

// ResponsePath returns the file path the future polls for.
func (f *Future) ResponsePath() string {
	return ResponseFilePath(f.rpcDir, f.endpoint, f.id)
}

// Wait blocks until the response file appears, then decodes it, removes
// it from the queue, and returns the envelope. When ctx expires or is
// cancelled before a response arrives, Wait returns an error matching
// both ErrTimeout and the context error.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	ticker := time.NewTicker(f.poll)
	defer ticker.Stop()

	path := f.ResponsePath()
	for {
		if resp, ok, err := f.tryRead(path); err != nil {
			return nil, err
		} else if ok {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// tryRead attempts a single read of the response file. The bool result
// reports whether a response was found.
func (f *Future) tryRead(path string) (*Response, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	resp, err := ReadResponse(path)
	if err != nil {
		return nil, false, err
	}

	// Consume the response so the endpoint directory does not
	// accumulate resolved exchanges.
	_ = os.Remove(path)
	return resp, true, nil
}
