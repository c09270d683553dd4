// Package mocks provides testify mocks of the clickhouse-go driver
// interfaces used by the repositories, plus fixed-value rows.
package mocks

import (
	"context"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/mock"
)

var _ driver.Conn = (*MockConn)(nil)

// MockConn is a testify mock of driver.Conn. Query methods are recorded as
// (ctx, query, args...), so expectations can match bound parameters.
type MockConn struct {
	mock.Mock
}

func (m *MockConn) called(method string, ctx context.Context, query string, args []any) mock.Arguments {
	return m.MethodCalled(method, append([]any{ctx, query}, args...)...)
}

func (m *MockConn) Contributors() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockConn) ServerVersion() (*driver.ServerVersion, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*driver.ServerVersion), args.Error(1)
}

func (m *MockConn) Select(ctx context.Context, _ any, query string, args ...any) error {
	return m.called("Select", ctx, query, args).Error(0)
}

func (m *MockConn) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	res := m.called("Query", ctx, query, args)
	if res.Get(0) == nil {
		return nil, res.Error(1)
	}
	return res.Get(0).(driver.Rows), res.Error(1)
}

func (m *MockConn) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	res := m.called("QueryRow", ctx, query, args)
	if res.Get(0) == nil {
		return nil
	}
	return res.Get(0).(driver.Row)
}

func (m *MockConn) Exec(ctx context.Context, query string, args ...any) error {
	return m.called("Exec", ctx, query, args).Error(0)
}

func (m *MockConn) AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error {
	return m.Called(append([]any{ctx, query, wait}, args...)...).Error(0)
}

func (m *MockConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	callArgs := []any{ctx, query}
	for _, opt := range opts {
		callArgs = append(callArgs, opt)
	}
	res := m.Called(callArgs...)
	if res.Get(0) == nil {
		return nil, res.Error(1)
	}
	return res.Get(0).(driver.Batch), res.Error(1)
}

func (m *MockConn) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConn) Stats() driver.Stats {
	args := m.Called()
	if args.Get(0) == nil {
		return driver.Stats{}
	}
	return args.Get(0).(driver.Stats)
}

func (m *MockConn) Close() error {
	return m.Called().Error(0)
}

// QueryContaining matches a query string holding every part.
func QueryContaining(parts ...string) any {
	return mock.MatchedBy(func(q string) bool {
		for _, p := range parts {
			if !strings.Contains(q, p) {
				return false
			}
		}
		return true
	})
}
