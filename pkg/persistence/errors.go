package persistence

import "errors"

// ErrRunNotFound indicates no run record exists for the given session id.
var ErrRunNotFound = errors.New("run not found")

// IsRunNotFound reports whether err means a missing run record.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
