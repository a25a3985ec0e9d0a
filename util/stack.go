package util

import (
	"fmt"
	"runtime"
	"strings"
)

const modulePath = "github.com/monti-apm/monti-apm-agent-sub000/"

// CaptureStack renders the caller's stack without runtime and agent frames.
// skip counts frames above the caller of CaptureStack.
func CaptureStack(skip, maxFrames int) string {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	kept := 0
	for {
		frame, more := frames.Next()
		if !isNoiseFrame(frame) {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
			kept++
		}
		if !more || (maxFrames > 0 && kept >= maxFrames) {
			break
		}
	}
	return b.String()
}

func isNoiseFrame(frame runtime.Frame) bool {
	if frame.Function == "" {
		return true
	}
	if strings.HasPrefix(frame.Function, "runtime.") || strings.HasPrefix(frame.Function, "testing.") {
		return true
	}
	return strings.HasPrefix(frame.Function, modulePath) && !strings.HasSuffix(frame.File, "_test.go")
}
