// Package acceptor runs the UDP and TCP listeners that accept DNSCrypt
// queries and hand them to the query pipeline, applying per-transport
// admission control and per-query timeouts.
package acceptor

import (
	"context"
	"errors"
	"net"
)

// Pipeline is the minimal interface acceptor needs from internal/query,
// so tests can substitute a fake.
type Pipeline interface {
	Handle(ctx context.Context, raw []byte, transport string, clientMaxSize int) (response []byte, err error)
}

// isClosedNetErr reports whether err is the result of operating on a
// listener or connection that Close has already torn down, which the
// accept/read loops treat as a clean shutdown rather than a logged error.
func isClosedNetErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
