//go:build !unix

package reactor

import (
	"net/netip"
	"syscall"
)

func rawRead(syscall.RawConn, []byte) (int, error) {
	return 0, ErrUnsupported
}

func rawReadFrom(syscall.RawConn, []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, ErrUnsupported
}
