//go:build !linux

package sockopt

import "errors"

// Socket options are only tuned on Linux; elsewhere the OS defaults apply.
func apply(fd uintptr, o Options) error { return nil }

// ReadBufferSize is not supported on this platform.
func ReadBufferSize(fd uintptr) (int, error) {
	return 0, errors.New("sockopt: not supported on this platform")
}
