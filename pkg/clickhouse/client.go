package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Client owns a ClickHouse connection shared by the change feed repository.
type Client interface {
	// Conn returns the underlying ClickHouse connection
	Conn() driver.Conn
	Ping(ctx context.Context) error
	Close() error
}

const (
	settingMaxExecutionTime = "max_execution_time"
	settingMaxBlockSize     = "max_block_size"

	pingTimeout = 10 * time.Second
)

type opener func(*clickhouse.Options) (driver.Conn, error)

type client struct {
	conn driver.Conn
}

// New opens a connection with cfg and pings it. A failed ping closes the
// connection and returns the error.
func New(cfg Config, sugar *zap.SugaredLogger) (Client, error) {
	return connect(cfg, sugar, clickhouse.Open)
}

func connect(cfg Config, sugar *zap.SugaredLogger, open opener) (Client, error) {
	if sugar == nil {
		sugar = zap.NewNop().Sugar()
	}
	conn, err := open(cfg.options(sugar))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		var exception *clickhouse.Exception
		if errors.As(err, &exception) {
			sugar.Errorw("failed to ping ClickHouse", "hosts", cfg.Hosts, "code", exception.Code, "error", exception.Message)
		} else {
			sugar.Errorw("failed to ping ClickHouse", "hosts", cfg.Hosts, "error", err)
		}
		_ = conn.Close()
		return nil, err
	}
	return &client{conn: conn}, nil
}

// options maps cfg onto driver options. Debug output goes to sugar at debug
// level.
func (cfg Config) options(sugar *zap.SugaredLogger) *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
		Settings: clickhouse.Settings{
			settingMaxExecutionTime: cfg.MaxExecutionTime,
			settingMaxBlockSize:     cfg.MaxBlockSize,
		},
		Compression:          &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:          time.Duration(cfg.DialTimeout) * time.Second,
		MaxOpenConns:         cfg.MaxOpenConns,
		MaxIdleConns:         cfg.MaxIdleConns,
		ConnMaxLifetime:      time.Duration(cfg.ConnMaxLifetime) * time.Minute,
		ConnOpenStrategy:     clickhouse.ConnOpenInOrder,
		BlockBufferSize:      uint8(cfg.BlockBufferSize),
		MaxCompressionBuffer: cfg.MaxCompressionBuffer,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{{Name: cfg.ClientName, Version: cfg.ClientVersion}},
		},
		TLS: &tls.Config{
			//nolint:gosec // verification is switched off only for local clusters
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
	}
	if cfg.Debug {
		opts.Debugf = sugar.Debugf
	}
	return opts
}

func (c *client) Conn() driver.Conn {
	return c.conn
}

func (c *client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *client) Close() error {
	return c.conn.Close()
}
