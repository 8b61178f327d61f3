// Package protocol defines the plain-text wire format spoken between the
// pybox execution server and its clients. A request is the raw script
// bytes terminated by the client half-closing its write side; the reply is
// either a framed execution report or a single error line.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Error line prefixes. Anything starting with one of these is an error
// reply, not a report.
const (
	ErrorPrefix       = "ERROR:"
	ServerErrorPrefix = "SERVER ERROR:"
)

// Canonical error replies emitted by the server.
const (
	MsgScriptTooLarge  = "ERROR: Script size exceeds limit."
	MsgInvalidUTF8     = "ERROR: Invalid UTF-8 data received."
	MsgExecTimeout     = "ERROR: Execution timed out"
	MsgInternalFailure = "SERVER ERROR: An internal error occurred."
)

// ErrMalformedReport indicates a reply that is neither an error line nor a
// parsable execution report.
var ErrMalformedReport = errors.New("malformed execution report")

const (
	resultHeader = "--- Execution Result ---"
	stdoutHeader = "--- STDOUT ---"
	stderrHeader = "--- STDERR ---"
)

// Report is the structured form of a successful execution reply.
type Report struct {
	ReturnCode int
	Stdout     string
	Stderr     string
}

// Marshal renders the report in the framed wire format.
func (r Report) Marshal() []byte {
	var b strings.Builder
	b.WriteString(resultHeader)
	b.WriteString("\n")
	fmt.Fprintf(&b, "Return Code: %d\n", r.ReturnCode)
	b.WriteString("\n")
	b.WriteString(stdoutHeader)
	b.WriteString("\n")
	b.WriteString(r.Stdout)
	b.WriteString("\n")
	b.WriteString(stderrHeader)
	b.WriteString("\n")
	b.WriteString(r.Stderr)
	return []byte(b.String())
}

// IsErrorLine reports whether the reply is an error line rather than a
// framed report.
func IsErrorLine(reply string) bool {
	return strings.HasPrefix(reply, ErrorPrefix) || strings.HasPrefix(reply, ServerErrorPrefix)
}

// ParseReport decodes a framed execution report. Error lines are not
// reports; callers should check IsErrorLine first. Returns
// ErrMalformedReport when the framing does not match.
func ParseReport(reply string) (Report, error) {
	header, rest, ok := strings.Cut(reply, "\n\n")
	if !ok {
		return Report{}, fmt.Errorf("%w: missing header separator", ErrMalformedReport)
	}
	headerLines := strings.Split(header, "\n")
	if len(headerLines) < 2 || headerLines[0] != resultHeader {
		return Report{}, fmt.Errorf("%w: bad result header", ErrMalformedReport)
	}
	codeStr := strings.TrimSpace(strings.TrimPrefix(headerLines[1], "Return Code:"))
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return Report{}, fmt.Errorf("%w: bad return code %q", ErrMalformedReport, codeStr)
	}
	stdoutPart, stderrPart, ok := strings.Cut(rest, "\n"+stderrHeader+"\n")
	if !ok {
		return Report{}, fmt.Errorf("%w: missing stderr section", ErrMalformedReport)
	}
	stdout, ok := strings.CutPrefix(stdoutPart, stdoutHeader+"\n")
	if !ok {
		return Report{}, fmt.Errorf("%w: missing stdout section", ErrMalformedReport)
	}
	return Report{ReturnCode: code, Stdout: stdout, Stderr: stderrPart}, nil
}
