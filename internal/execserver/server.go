// Package execserver implements the TCP code-execution service. A client
// sends the raw script bytes and half-closes its write side; the server
// executes the script and replies with a framed execution report before
// closing the connection.
package execserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pyboxhq/pybox/internal/logx"
	"github.com/pyboxhq/pybox/internal/pyrun"
	"github.com/pyboxhq/pybox/protocol"
	"pkt.systems/pslog"
)

// Defaults matching the service contract.
const (
	DefaultAddr           = ":8080"
	DefaultMaxScriptBytes = 60 * 1024
)

// Runner executes a received script and reports its outcome.
type Runner interface {
	Run(ctx context.Context, script []byte) (pyrun.Result, error)
}

// Config controls the listener and per-connection limits.
type Config struct {
	Addr           string
	MaxScriptBytes int
}

// Server accepts script submissions over TCP, one connection per script.
type Server struct {
	cfg    Config
	runner Runner
	logger pslog.Logger

	wg sync.WaitGroup
}

// New constructs a server.
func New(cfg Config, runner Runner) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.MaxScriptBytes <= 0 {
		cfg.MaxScriptBytes = DefaultMaxScriptBytes
	}
	return &Server{cfg: cfg, runner: runner}
}

// ListenAndServe listens on the configured address and serves until the
// context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.runner == nil {
		return errors.New("runner is required")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is canceled. The
// listener is closed on return and in-flight connections are drained.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	s.logger.Info("execserver listening", "addr", ln.Addr().String())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				s.logger.Info("execserver stopped")
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()
	addr := conn.RemoteAddr().String()
	log := logx.WithClient(ctx, addr)
	ctx = logx.ContextWithClientLogger(ctx, log, addr)
	log.Info("connection accepted")
	defer log.Info("connection closed")

	script, err := readScript(conn, s.cfg.MaxScriptBytes)
	if err != nil {
		if errors.Is(err, errScriptTooLarge) {
			log.Error("script size limit exceeded", "limit", s.cfg.MaxScriptBytes)
			s.reply(conn, log, protocol.MsgScriptTooLarge)
			return
		}
		log.Warn("script read failed", "err", err)
		return
	}
	if len(script) == 0 {
		log.Warn("no data received from client")
		return
	}
	if !utf8.Valid(script) {
		log.Error("script is not valid UTF-8")
		s.reply(conn, log, protocol.MsgInvalidUTF8)
		return
	}

	res, err := s.runner.Run(ctx, script)
	switch {
	case errors.Is(err, pyrun.ErrTimeout):
		s.reply(conn, log, protocol.MsgExecTimeout)
		return
	case err != nil:
		log.Error("unexpected execution failure", "err", err)
		s.reply(conn, log, protocol.MsgInternalFailure)
		return
	}

	report := protocol.Report{
		ReturnCode: res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	if _, err := conn.Write(report.Marshal()); err != nil {
		log.Warn("report write failed", "err", err)
	}
}

// replyWriteTimeout bounds reply writes so a client that stops reading
// cannot pin the connection goroutine.
const replyWriteTimeout = 10 * time.Second

func (s *Server) reply(conn net.Conn, log pslog.Logger, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(replyWriteTimeout))
	if _, err := io.WriteString(conn, msg); err != nil {
		log.Warn("error reply write failed", "err", err)
	}
}

var errScriptTooLarge = errors.New("script exceeds size limit")

// readScript reads until the client half-closes, rejecting payloads larger
// than max bytes.
func readScript(r io.Reader, max int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > max {
		return nil, errScriptTooLarge
	}
	return data, nil
}
