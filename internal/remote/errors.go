package remote

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRemoteMissing is returned by Download when the remote file does not
// exist.
var ErrRemoteMissing = errors.New("remote file not found")

// RemoteError reports a strict batch in which at least one host failed.
type RemoteError struct {
	Command  string
	Failures []Result
}

func (e *RemoteError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Host, f.Detail()))
	}
	return fmt.Sprintf("command failed on %d host(s): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes transport errors so callers can match context errors.
func (e *RemoteError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

func IsRemoteError(err error) bool {
	_, ok := AsRemoteError(err)
	return ok
}

func AsRemoteError(err error) (*RemoteError, bool) {
	if err == nil {
		return nil, false
	}
	var re *RemoteError
	if !errors.As(err, &re) {
		return nil, false
	}
	return re, true
}
