// Package errs provides a location-and-cause-carrying error type used at
// module boundaries where a stack trace earns its keep. In this module it
// wraps port-registration conflicts (internal/session), and pkg/logger
// renders its chain via Stack.
package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// TraceError carries the file/line/function where it was created plus the
// wrapped cause, if any.
type TraceError struct {
	Message  string
	File     string
	Line     int
	Function string
	Err      error
}

func (e *TraceError) Error() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s (at %s:%d in %s)", e.Message, e.File, e.Line, e.Function)
	} else {
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TraceError) Unwrap() error {
	return e.Err
}

// New creates a TraceError carrying the caller's location.
func New(format string, args ...any) error {
	pc, file, line, _ := runtime.Caller(1)
	return &TraceError{
		Message:  fmt.Sprintf(format, args...),
		File:     file,
		Line:     line,
		Function: funcName(pc),
	}
}

// Wrap attaches the caller's location to an existing error. Returns nil if err is nil.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	pc, file, line, _ := runtime.Caller(1)
	return &TraceError{
		Message:  fmt.Sprintf(format, args...),
		File:     file,
		Line:     line,
		Function: funcName(pc),
		Err:      err,
	}
}

func funcName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	return fn.Name()
}

// Stack renders the location/cause chain of err for diagnostic logging. Plain
// errors (not a *TraceError) just render their own message.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	for err != nil {
		var te *TraceError
		if errors.As(err, &te) && te != nil {
			if te.File != "" {
				fmt.Fprintf(&b, "%s (%s:%d %s)\n", te.Message, te.File, te.Line, te.Function)
			} else {
				fmt.Fprintf(&b, "%s\n", te.Message)
			}
			err = te.Err
			continue
		}
		fmt.Fprintf(&b, "%s\n", err.Error())
		break
	}
	return b.String()
}

// RootCause unwraps err to the deepest cause in the chain.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
