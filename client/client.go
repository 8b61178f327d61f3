// Package client talks to a pybox execution server: it sends a Python
// script over TCP, half-closes the write side, and parses the framed
// execution report the server replies with.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pyboxhq/pybox/protocol"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds dialing and the full request/response exchange.
const DefaultTimeout = 60 * time.Second

var (
	// ErrNotConnected indicates Execute was called before Connect.
	ErrNotConnected = errors.New("client is not connected")
	// ErrConnection indicates the server could not be reached or the
	// exchange failed at the transport level.
	ErrConnection = errors.New("connection error")
	// ErrResponse indicates the server replied with an error line or an
	// unparsable report.
	ErrResponse = errors.New("server response error")
)

// Config controls the client connection.
type Config struct {
	Addr    string
	Timeout time.Duration
}

// Client submits scripts for remote execution. The server closes the
// connection after each reply, so a connection carries exactly one
// Execute; call Connect again for the next script.
type Client struct {
	cfg  Config
	conn net.Conn
}

// New constructs a client. Connect must be called before Execute.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{cfg: cfg}
}

// Connect establishes the TCP connection to the execution server.
func (c *Client) Connect(ctx context.Context) error {
	if c.conn != nil {
		pslog.Ctx(ctx).Warn("already connected", "addr", c.cfg.Addr)
		return nil
	}
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnection, c.cfg.Addr, err)
	}
	pslog.Ctx(ctx).Info("connected", "addr", c.cfg.Addr)
	c.conn = conn
	return nil
}

// Close closes the connection if one is open.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Execute sends the script and returns the parsed execution report.
func (c *Client) Execute(ctx context.Context, script string) (protocol.Report, error) {
	if c.conn == nil {
		return protocol.Report{}, ErrNotConnected
	}
	log := pslog.Ctx(ctx).With("addr", c.cfg.Addr)

	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Report{}, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	log.Info("sending script", "bytes", len(script))
	if _, err := io.WriteString(c.conn, script); err != nil {
		return protocol.Report{}, fmt.Errorf("%w: send: %v", ErrConnection, err)
	}
	if err := halfClose(c.conn); err != nil {
		return protocol.Report{}, fmt.Errorf("%w: close write: %v", ErrConnection, err)
	}

	reply, err := io.ReadAll(c.conn)
	if err != nil {
		return protocol.Report{}, fmt.Errorf("%w: receive: %v", ErrConnection, err)
	}
	log.Info("received reply", "bytes", len(reply))

	text := string(reply)
	if protocol.IsErrorLine(text) {
		return protocol.Report{}, fmt.Errorf("%w: %s", ErrResponse, text)
	}
	report, err := protocol.ParseReport(text)
	if err != nil {
		return protocol.Report{}, fmt.Errorf("%w: %v", ErrResponse, err)
	}
	return report, nil
}

// ExecuteFile reads a script from disk and executes it remotely.
func (c *Client) ExecuteFile(ctx context.Context, path string) (protocol.Report, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		return protocol.Report{}, fmt.Errorf("read script %s: %w", path, err)
	}
	return c.Execute(ctx, string(script))
}

// halfClose signals end of request so the server sees EOF while the reply
// direction stays open.
func halfClose(conn net.Conn) error {
	type closeWriter interface {
		CloseWrite() error
	}
	if cw, ok := conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errors.New("connection does not support half-close")
}
