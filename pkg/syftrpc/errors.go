package syftrpc

import "errors"

// Sentinel errors returned by this package. Callers match with errors.Is.
var (
	// ErrInvalidURL is returned when a syft:// URL cannot be parsed.
	ErrInvalidURL = errors.New("invalid syft url")

	// ErrTimeout is returned when waiting for a response exceeds the
	// caller's context deadline or the context is cancelled.
	ErrTimeout = errors.New("rpc timeout")

	// ErrExpired is returned when a request envelope is past its expiry.
	ErrExpired = errors.New("request expired")
)
