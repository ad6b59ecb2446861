package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"sparkle/pkg/archive"
	"sparkle/pkg/backoff"
	"sparkle/pkg/certs"
	"sparkle/pkg/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	dialAttempts = 3
)

// Conn is one authenticated control connection to a daemon.
type Conn struct {
	conn  *tls.Conn
	token string
}

// Dial opens a TLS control connection to the device. Transient connect
// failures are retried a few times with backoff; daemons restart quickly.
func Dial(ctx context.Context, dev Device) (*Conn, error) {
	addr := net.JoinHostPort(dev.Addr, strconv.Itoa(dev.Port))
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: dialTimeout},
		Config:    certs.ClientTLSConfig(dev.Addr),
	}

	b := backoff.New(500*time.Millisecond, 2*time.Second)
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Next()):
			}
		}
		raw, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return &Conn{conn: raw.(*tls.Conn), token: dev.Token}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("failed to connect to %s: %w", addr, lastErr)
}

// Close closes the connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Do sends one request and waits for its response. The device token and a
// correlation id are filled in automatically.
func (c *Conn) Do(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Token == "" {
		req.Token = c.token
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := protocol.WriteMessage(c.conn, req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	var resp protocol.Response
	if err := protocol.ReadMessage(c.conn, &resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &resp, nil
}

// Deploy packs dir into a bundle and sends it as a deploy request.
func (c *Conn) Deploy(ctx context.Context, app, dir string, autoHealth bool) (*protocol.Response, error) {
	var bundle bytes.Buffer
	if err := archive.Pack(dir, &bundle); err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", dir, err)
	}
	return c.Do(ctx, &protocol.Request{
		Type:       protocol.RequestDeploy,
		App:        app,
		Bundle:     bundle.Bytes(),
		AutoHealth: autoHealth,
	})
}

// AppOp sends a start, stop, restart, rollback or status request.
func (c *Conn) AppOp(ctx context.Context, op protocol.RequestType, app string) (*protocol.Response, error) {
	return c.Do(ctx, &protocol.Request{Type: op, App: app})
}

// Sync pairs with (or refreshes) a daemon. newToken, when non-empty,
// registers a fresh token: unconditionally on an unpaired daemon, or as a
// rotation authorized by the current one.
func (c *Conn) Sync(ctx context.Context, deviceName, newToken string) (*protocol.Response, error) {
	return c.Do(ctx, &protocol.Request{
		Type:       protocol.RequestSync,
		DeviceName: deviceName,
		NewToken:   newToken,
	})
}
