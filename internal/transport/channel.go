// Package transport carries signaling frames between the two roles of a
// session. Every implementation delivers frames reliably and in order.
package transport

import (
	"context"
	"errors"
)

// Channel is a per-session, bidirectional, ordered frame channel.
//
// Send may be called concurrently with Recv. Recv is not safe for
// concurrent use and returns io.EOF once the peer closed its side in an
// orderly way.
type Channel interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrClosed is returned by operations on a channel closed locally.
var ErrClosed = errors.New("transport: channel closed")
