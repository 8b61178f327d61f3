package execserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pyboxhq/pybox/internal/pyrun"
	"github.com/pyboxhq/pybox/protocol"
)

type stubRunner struct {
	result pyrun.Result
	err    error
	script []byte
}

func (s *stubRunner) Run(_ context.Context, script []byte) (pyrun.Result, error) {
	s.script = script
	return s.result, s.err
}

// startServer serves on an ephemeral local port and returns its address.
func startServer(t *testing.T, cfg Config, runner Runner) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(cfg, runner)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not stop")
		}
	})
	return ln.Addr().String()
}

// roundTrip sends a payload, half-closes, and reads the full reply.
func roundTrip(t *testing.T, addr string, payload []byte) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	reply, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return string(reply)
}

func TestServeSuccessReply(t *testing.T) {
	runner := &stubRunner{result: pyrun.Result{ExitCode: 0, Stdout: "hi\n", Stderr: ""}}
	addr := startServer(t, Config{}, runner)

	reply := roundTrip(t, addr, []byte("print('hi')\n"))
	report, err := protocol.ParseReport(reply)
	if err != nil {
		t.Fatalf("ParseReport failed: %v (reply %q)", err, reply)
	}
	if report.ReturnCode != 0 || report.Stdout != "hi\n" {
		t.Fatalf("report = %+v", report)
	}
	if string(runner.script) != "print('hi')\n" {
		t.Fatalf("runner received %q", runner.script)
	}
}

func TestServeNonZeroExit(t *testing.T) {
	runner := &stubRunner{result: pyrun.Result{ExitCode: 42, Stdout: "partial\n", Stderr: "boom\n"}}
	addr := startServer(t, Config{}, runner)

	report, err := protocol.ParseReport(roundTrip(t, addr, []byte("import sys; sys.exit(42)\n")))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if report.ReturnCode != 42 || report.Stderr != "boom\n" {
		t.Fatalf("report = %+v", report)
	}
}

func TestServeRejectsOversizedScript(t *testing.T) {
	runner := &stubRunner{}
	addr := startServer(t, Config{MaxScriptBytes: 16}, runner)

	reply := roundTrip(t, addr, bytes.Repeat([]byte("a"), 17))
	if reply != protocol.MsgScriptTooLarge {
		t.Fatalf("reply = %q, want %q", reply, protocol.MsgScriptTooLarge)
	}
	if runner.script != nil {
		t.Fatal("runner ran despite oversized script")
	}
}

func TestServeAcceptsScriptAtLimit(t *testing.T) {
	runner := &stubRunner{result: pyrun.Result{ExitCode: 0}}
	addr := startServer(t, Config{MaxScriptBytes: 16}, runner)

	reply := roundTrip(t, addr, bytes.Repeat([]byte("a"), 16))
	if protocol.IsErrorLine(reply) {
		t.Fatalf("reply = %q, want a report", reply)
	}
	if len(runner.script) != 16 {
		t.Fatalf("runner received %d bytes, want 16", len(runner.script))
	}
}

func TestServeRejectsInvalidUTF8(t *testing.T) {
	runner := &stubRunner{}
	addr := startServer(t, Config{}, runner)

	reply := roundTrip(t, addr, []byte{0xff, 0xfe, 0xfd})
	if reply != protocol.MsgInvalidUTF8 {
		t.Fatalf("reply = %q, want %q", reply, protocol.MsgInvalidUTF8)
	}
	if runner.script != nil {
		t.Fatal("runner ran despite invalid UTF-8")
	}
}

func TestServeEmptyPayloadGetsNoReply(t *testing.T) {
	runner := &stubRunner{}
	addr := startServer(t, Config{}, runner)

	reply := roundTrip(t, addr, nil)
	if reply != "" {
		t.Fatalf("reply = %q, want empty", reply)
	}
	if runner.script != nil {
		t.Fatal("runner ran despite empty payload")
	}
}

func TestServeTimeoutReply(t *testing.T) {
	runner := &stubRunner{err: pyrun.ErrTimeout}
	addr := startServer(t, Config{}, runner)

	reply := roundTrip(t, addr, []byte("while True: pass\n"))
	if reply != protocol.MsgExecTimeout {
		t.Fatalf("reply = %q, want %q", reply, protocol.MsgExecTimeout)
	}
}

func TestServeInternalFailureReply(t *testing.T) {
	runner := &stubRunner{err: errors.New("disk full")}
	addr := startServer(t, Config{}, runner)

	reply := roundTrip(t, addr, []byte("print(1)\n"))
	if reply != protocol.MsgInternalFailure {
		t.Fatalf("reply = %q, want %q", reply, protocol.MsgInternalFailure)
	}
}

func TestListenAndServeRequiresRunner(t *testing.T) {
	srv := New(Config{}, nil)
	err := srv.ListenAndServe(context.Background())
	if err == nil || !strings.Contains(err.Error(), "runner") {
		t.Fatalf("error = %v, want runner requirement", err)
	}
}

// deadlineConn is an in-memory net.Conn that records the write deadline
// in effect when data is written.
type deadlineConn struct {
	reader           io.Reader
	wrote            bytes.Buffer
	deadlineAtWrite  time.Time
	currentWriteDead time.Time
}

func (c *deadlineConn) Read(p []byte) (int, error) { return c.reader.Read(p) }

func (c *deadlineConn) Write(p []byte) (int, error) {
	c.deadlineAtWrite = c.currentWriteDead
	return c.wrote.Write(p)
}

func (c *deadlineConn) Close() error { return nil }

func (c *deadlineConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
}

func (c *deadlineConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	c.currentWriteDead = t
	return nil
}

func (c *deadlineConn) SetReadDeadline(time.Time) error { return nil }

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	c.currentWriteDead = t
	return nil
}

func TestReportWriteHasDeadline(t *testing.T) {
	runner := &stubRunner{result: pyrun.Result{ExitCode: 0, Stdout: "ok\n"}}
	srv := New(Config{}, runner)
	conn := &deadlineConn{reader: strings.NewReader("print('ok')\n")}

	srv.handleConn(context.Background(), conn)

	if conn.deadlineAtWrite.IsZero() {
		t.Fatal("report written without a write deadline")
	}
	report, err := protocol.ParseReport(conn.wrote.String())
	if err != nil {
		t.Fatalf("ParseReport failed: %v (reply %q)", err, conn.wrote.String())
	}
	if report.ReturnCode != 0 || report.Stdout != "ok\n" {
		t.Fatalf("report = %+v", report)
	}
}

func TestErrorReplyHasDeadline(t *testing.T) {
	runner := &stubRunner{err: pyrun.ErrTimeout}
	srv := New(Config{}, runner)
	conn := &deadlineConn{reader: strings.NewReader("while True: pass\n")}

	srv.handleConn(context.Background(), conn)

	if conn.deadlineAtWrite.IsZero() {
		t.Fatal("error reply written without a write deadline")
	}
	if conn.wrote.String() != protocol.MsgExecTimeout {
		t.Fatalf("reply = %q, want %q", conn.wrote.String(), protocol.MsgExecTimeout)
	}
}
