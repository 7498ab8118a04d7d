package main

import (
	"context"
	"errors"
	"time"

	"mcps/internal/logging"
	"mcps/internal/mcpclient"
	"mcps/internal/services"
)

// connectDirect opens a session to one backend without the daemon. The
// caller owns the returned connection.
func (c *commandContext) connectDirect(ctx context.Context, name string) (mcpclient.Conn, error) {
	store, err := c.servers()
	if err != nil {
		return nil, err
	}
	desc, err := store.Descriptor(name)
	if err != nil {
		return nil, err
	}

	timeout := 30 * time.Second
	if cfg := c.configValue(); cfg != nil && cfg.ConnectTimeout() > 0 {
		timeout = cfg.ConnectTimeout()
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := c.logger()
	conn, err := newDirectConnector(logger).Connect(connectCtx, desc)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return nil, services.Wrap(services.ErrConnectTimeout, name, "connect", "timed out after "+timeout.String(), err)
		}
		return nil, services.Wrap(services.ErrConnectFailed, name, "connect", "", err)
	}
	logger.Debug("direct session opened", logging.String(logging.FieldServer, name))
	return conn, nil
}

// withDirect runs fn against a one-shot direct session.
func (c *commandContext) withDirect(ctx context.Context, name string, fn func(mcpclient.Conn) error) error {
	conn, err := c.connectDirect(ctx, name)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}
