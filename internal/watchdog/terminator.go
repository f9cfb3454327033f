package watchdog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// ExitCode is reserved for stall termination. It sits outside the codes the
// Go runtime and common shells assign meaning to.
const ExitCode = 87

// Terminator reports a stall and ends the process. It runs on the host
// goroutine through the Interrupter.
type Terminator struct {
	Out   io.Writer
	Stack StackCapturer
	Exit  func(code int)
}

type diagnosticRecord struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Terminate writes the diagnostic line and exits with ExitCode. It only
// returns when Exit does, which happens in tests.
func (t *Terminator) Terminate(diag StallDiagnostic) {
	out := t.Out
	if out == nil {
		out = os.Stderr
	}
	capturer := t.Stack
	if capturer == nil {
		capturer = CurrentStack{}
	}

	record := diagnosticRecord{
		Name:    "Error",
		Message: fmt.Sprintf("Event loop unresponsive for %d ms, exiting with code %d", diag.Millis(), ExitCode),
	}
	if stack, ok := capturer.CaptureStack(); ok {
		record.Stack = flattenStack(stack)
	}

	line, err := encodeDiagnostic(record)
	if err != nil {
		line = fallbackDiagnostic(record.Message)
	}
	_, _ = out.Write(line)

	exit := t.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(ExitCode)
}

func encodeDiagnostic(record diagnosticRecord) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fallbackDiagnostic renders the line without the stack when the full record
// cannot be encoded.
func fallbackDiagnostic(message string) []byte {
	quoted, err := json.Marshal(message)
	if err != nil {
		quoted = []byte(`"Event loop unresponsive"`)
	}
	line := append([]byte(`{"name":"Error","message":`), quoted...)
	return append(line, "}\n"...)
}

// flattenStack turns a multi-line capture into one line. Line breaks become
// spaces, except a trailing line break, which ends the capture.
func flattenStack(stack string) string {
	if stack == "" {
		return ""
	}
	last := len(stack) - 1
	if stack[last] == '\n' || stack[last] == '\r' {
		stack = stack[:last]
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, stack)
}
