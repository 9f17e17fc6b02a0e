package orchestration

import (
	"fmt"
	"runtime"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// CapturePanic runs fn and converts a panic into an error cloned from base.
// The cleaned stack trace is attached as metadata under "stack".
func CapturePanic(base *apperrors.Error, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := make([]byte, 8096)
			n := runtime.Stack(stack, false)
			stack = cleanStackTrace(stack[:n])

			var source error
			if e, ok := r.(error); ok {
				source = e
			}
			err = NewError(base, fmt.Sprintf("recovered from panic in %s: %v", name, r), source, map[string]any{
				"panic_type": fmt.Sprintf("%T", r),
				"stack":      string(stack),
			})
		}
	}()
	return fn()
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// drop the panic() frame and its file reference
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
