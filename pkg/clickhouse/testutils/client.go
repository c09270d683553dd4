// Package testutils builds ClickHouse clients around fake connections.
package testutils

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Client has the method set of clickhouse.Client. It is declared here so the
// clickhouse package's own tests can import this package.
type Client interface {
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

type wrapped struct{ conn driver.Conn }

func (w wrapped) Conn() driver.Conn              { return w.conn }
func (w wrapped) Ping(ctx context.Context) error { return w.conn.Ping(ctx) }
func (w wrapped) Close() error                   { return w.conn.Close() }

// NewTestClient wraps conn, usually a mocks.MockConn, so repositories can be
// tested without a running ClickHouse.
func NewTestClient(conn driver.Conn) Client {
	return wrapped{conn: conn}
}
