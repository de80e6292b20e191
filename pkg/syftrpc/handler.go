package syftrpc

import "context"

// Handler processes one inbound RPC request and produces the response
// sent back to the caller. Returning an error signals a failed request
// cycle; the listener that invoked the handler decides how the failure
// is presented to the remote peer.
type Handler func(ctx context.Context, req *Request) (*Response, error)
