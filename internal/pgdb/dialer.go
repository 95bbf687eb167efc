package pgdb

import (
	"context"
	"net"
	"time"
)

// keepaliveDialer returns a DialFunc that enables TCP keepalives, so a
// session idle behind a long COPY or a quiet replication stream is not
// dropped by middleboxes.
func keepaliveDialer(keepalive, timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: keepalive,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.DialContext(ctx, network, addr)
	}
}
