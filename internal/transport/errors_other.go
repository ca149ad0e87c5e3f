//go:build !unix

package transport

import (
	"errors"
	"syscall"
)

var maxSocketPathLen = 108

// IsConnRefused reports whether err means nothing is listening.
func IsConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// IsAddrInUse reports whether err means the address is already bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}

// IsAddrNotAvail reports whether err means the host address is not local,
// which no choice of port can fix.
func IsAddrNotAvail(err error) bool {
	return errors.Is(err, syscall.EADDRNOTAVAIL)
}
