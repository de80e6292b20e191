package syftevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/openmined/syftbridge/pkg/syftrpc"
)

// run is the dispatch loop. Requests are handled one at a time in the
// order they are observed; handlers that need concurrency must provide
// it themselves.
func (e *Events) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	// Pick up request files that were delivered before the watch began.
	e.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, syftrpc.RequestExt) {
				continue
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Rename) {
				e.handleRequestFile(ctx, event.Name)
			}

		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Error("rpc watcher error", "error", err)

		case <-ticker.C:
			e.pruneRecent(time.Now())
			e.sweep(ctx)
		}
	}
}

// sweep rescans every registered endpoint directory. The watcher can
// miss events (overflow, files synced before Start), so the sweep is
// the delivery guarantee and the watcher is the latency optimization.
func (e *Events) sweep(ctx context.Context) {
	dirs := []string{e.rpcDir}
	for _, reg := range e.registrations {
		dirs = append(dirs, syftrpc.EndpointDir(e.rpcDir, reg.endpoint))
	}

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("sweep rpc dir", "dir", dir, "error", err)
			}
			continue
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), syftrpc.RequestExt) {
				continue
			}
			e.handleRequestFile(ctx, filepath.Join(dir, entry.Name()))
		}
	}
}

// handleRequestFile runs one request cycle: read, dispatch, write the
// response, then remove the request file.
func (e *Events) handleRequestFile(ctx context.Context, path string) {
	stem := strings.TrimSuffix(filepath.Base(path), syftrpc.RequestExt)
	responsePath := filepath.Join(filepath.Dir(path), stem+syftrpc.ResponseExt)

	// A response on disk means the cycle already completed and only the
	// request cleanup was interrupted. Finish the cleanup.
	if _, err := os.Stat(responsePath); err == nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("remove answered request", "path", path, "error", err)
		}
		return
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("read rpc request", "path", path, "error", err)
		}
		return
	}

	// A digest hit means this exact payload already completed a cycle;
	// the file is a re-delivery and only needs cleanup.
	digest := xxhash.Sum64(raw)
	if _, seen := e.recent[digest]; seen {
		e.removeRequest(path)
		return
	}

	req, err := syftrpc.DecodeRequest(raw)
	if err != nil {
		// Sync daemons may write non-atomically; the next sweep retries
		// once the file is complete.
		e.logger.Debug("skipping undecodable rpc request", "path", path, "error", err)
		return
	}

	if req.Expired(time.Now()) {
		e.logger.Info("dropping expired rpc request",
			"id", req.ID,
			"endpoint", e.endpointOf(path),
			"expired", req.Expires)
		e.removeRequest(path)
		e.recent[digest] = time.Now()
		return
	}

	endpoint := e.endpointOf(path)
	handler := e.handlerFor(endpoint)

	var resp *syftrpc.Response
	if handler == nil {
		e.logger.Warn("no handler for rpc endpoint", "endpoint", endpoint, "id", req.ID)
		resp = e.errorResponse(req, http.StatusNotFound, "no handler registered for endpoint "+endpoint)
	} else {
		result, err := e.invoke(ctx, handler, req)
		switch {
		case err != nil:
			e.logger.Error("rpc handler failed", "endpoint", endpoint, "id", req.ID, "error", err)
			resp = e.errorResponse(req, http.StatusInternalServerError, err.Error())
		case result == nil:
			e.logger.Error("rpc handler returned no response", "endpoint", endpoint, "id", req.ID)
			resp = e.errorResponse(req, http.StatusInternalServerError, "handler returned no response")
		default:
			resp = result
		}
	}

	if err := syftrpc.WriteResponseFile(responsePath, resp); err != nil {
		// Leave the request file in place so the next sweep retries the
		// whole cycle.
		e.logger.Error("write rpc response", "endpoint", endpoint, "id", req.ID, "error", err)
		return
	}

	e.removeRequest(path)
	e.recent[digest] = time.Now()
}

// invoke runs a handler, converting a panic into an error so one bad
// request cannot take down the dispatch loop.
func (e *Events) invoke(ctx context.Context, h syftrpc.Handler, req *syftrpc.Request) (resp *syftrpc.Response, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("handler panic: %v", v)
		}
	}()
	return h(ctx, req)
}

// endpointOf maps a request file back to its endpoint, the path of its
// directory relative to the rpc root.
func (e *Events) endpointOf(path string) string {
	rel, err := filepath.Rel(e.rpcDir, filepath.Dir(path))
	if err != nil || rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}

// handlerFor returns the earliest registration matching the endpoint,
// or nil.
func (e *Events) handlerFor(endpoint string) syftrpc.Handler {
	normalized := strings.Trim(endpoint, "/")
	for _, reg := range e.registrations {
		if strings.Trim(reg.endpoint, "/") == normalized {
			return reg.handler
		}
	}
	return nil
}

func (e *Events) errorResponse(req *syftrpc.Request, status int, msg string) *syftrpc.Response {
	payload, err := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: msg})
	if err != nil {
		payload = []byte(`{"error":"internal error"}`)
	}
	return syftrpc.Reply(req, e.client.Email(), status, payload, map[string]string{
		"Content-Type": "application/json",
	})
}

func (e *Events) removeRequest(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("remove rpc request", "path", path, "error", err)
	}
}

// pruneRecent drops dispatch digests older than the dedupe window.
func (e *Events) pruneRecent(now time.Time) {
	cutoff := now.Add(-e.dedupeWindow)
	for digest, at := range e.recent {
		if at.Before(cutoff) {
			delete(e.recent, digest)
		}
	}
}
