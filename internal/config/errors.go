package config

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorCode string

const (
	ErrorCodeInvalidSettings   ErrorCode = "INVALID_SETTINGS"
	ErrorCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrorCodeInsufficientHosts ErrorCode = "INSUFFICIENT_HOSTS"
)

// ValidationErrorItem is a single schema violation.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Error is a configuration error. It is always fatal and is raised before any
// remote action is taken.
type Error struct {
	Code   ErrorCode
	Msg    string
	Errors []ValidationErrorItem
}

func (e *Error) Error() string {
	if len(e.Errors) == 0 {
		return e.Msg
	}
	parts := make([]string, 0, len(e.Errors))
	for _, it := range e.Errors {
		parts = append(parts, it.Path+": "+it.Message)
	}
	return e.Msg + ": " + strings.Join(parts, "; ")
}

func newError(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	_, ok := AsConfigError(err)
	return ok
}

func AsConfigError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var ce *Error
	if !errors.As(err, &ce) {
		return nil, false
	}
	return ce, true
}

// IsInsufficientHosts reports whether err was caused by a host pool that is
// too small for the requested parameters.
func IsInsufficientHosts(err error) bool {
	ce, ok := AsConfigError(err)
	return ok && ce.Code == ErrorCodeInsufficientHosts
}
