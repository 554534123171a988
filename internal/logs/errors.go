package logs

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorCodeEmptyLog      ErrorCode = "EMPTY_LOG"
	ErrorCodePanicked      ErrorCode = "PANICKED"
	ErrorCodeMissingMarker ErrorCode = "MISSING_MARKER"
	ErrorCodeBadTimestamp  ErrorCode = "BAD_TIMESTAMP"
	ErrorCodeMissingRole   ErrorCode = "MISSING_ROLE"
)

// ParseError reports a log that cannot be reconciled.
type ParseError struct {
	Code ErrorCode
	Role string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Role == "" {
		return e.Msg
	}
	return e.Role + " log: " + e.Msg
}

func parseErr(code ErrorCode, role, format string, args ...any) error {
	return &ParseError{Code: code, Role: role, Msg: fmt.Sprintf(format, args...)}
}

func IsParseError(err error) bool {
	_, ok := AsParseError(err)
	return ok
}

func AsParseError(err error) (*ParseError, bool) {
	if err == nil {
		return nil, false
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		return nil, false
	}
	return pe, true
}

// excerpt shortens a log for error messages.
func excerpt(log string, n int) string {
	if len(log) <= n {
		return log
	}
	return log[:n] + "..."
}
