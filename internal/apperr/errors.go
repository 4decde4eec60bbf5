// Package apperr holds the error categories shared by the domain packages
// and mapped to HTTP statuses by the handlers.
package apperr

import "github.com/pkg/errors"

var (
	// ErrInvalidRequest marks caller mistakes: missing ids, empty bodies, bad targets.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound marks references to rows that do not exist.
	ErrNotFound = errors.New("not found")
)

// Invalid returns an ErrInvalidRequest carrying msg.
func Invalid(msg string) error {
	return errors.Wrap(ErrInvalidRequest, msg)
}

// Invalidf is Invalid with formatting.
func Invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}

// NotFound returns an ErrNotFound naming the missing thing.
func NotFound(what string) error {
	return errors.Wrap(ErrNotFound, what)
}

// Message renders err for API callers: "class id required" instead of
// "class id required: invalid request", and "class not found" instead of
// "class: not found".
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if prefix, ok := cutSuffix(msg, ": "+ErrInvalidRequest.Error()); ok {
		return prefix
	}
	if prefix, ok := cutSuffix(msg, ": "+ErrNotFound.Error()); ok {
		return prefix + " not found"
	}
	return msg
}

func cutSuffix(s, suffix string) (string, bool) {
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)], true
	}
	return s, false
}
