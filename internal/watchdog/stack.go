package watchdog

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// StackCapturer produces a textual snapshot of the host call stack. The
// boolean result is false when no snapshot is available.
type StackCapturer interface {
	CaptureStack() (string, bool)
}

// StackMode selects a StackCapturer variant.
type StackMode string

const (
	StackCurrent StackMode = "current"
	StackAll     StackMode = "all"
	StackNone    StackMode = "none"
)

const maxStackBytes = 1 << 20

// CurrentStack captures the goroutine that calls it. The terminator runs on
// the host goroutine, so this is the host stack at its safe point.
type CurrentStack struct{}

func (CurrentStack) CaptureStack() (string, bool) {
	buf := debug.Stack()
	if len(buf) == 0 {
		return "", false
	}
	return string(buf), true
}

// AllStacks captures every goroutine in the process.
type AllStacks struct{}

func (AllStacks) CaptureStack() (string, bool) {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= maxStackBytes {
			if n == 0 {
				return "", false
			}
			return string(buf[:n]), true
		}
		buf = make([]byte, 2*len(buf))
	}
}

// NoStack reports that no snapshot is available.
type NoStack struct{}

func (NoStack) CaptureStack() (string, bool) {
	return "", false
}

// ParseStackMode validates a textual stack mode. The empty string selects
// StackCurrent.
func ParseStackMode(value string) (StackMode, error) {
	switch mode := StackMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case "":
		return StackCurrent, nil
	case StackCurrent, StackAll, StackNone:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown stack mode %q (want current, all or none)", value)
	}
}

// NewStackCapturer returns the capturer for mode. Unknown modes fall back to
// CurrentStack.
func NewStackCapturer(mode StackMode) StackCapturer {
	switch mode {
	case StackAll:
		return AllStacks{}
	case StackNone:
		return NoStack{}
	default:
		return CurrentStack{}
	}
}
