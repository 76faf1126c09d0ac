//go:build unix

package reactor

import (
	"errors"
	"io"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

func rawRead(raw syscall.RawConn, p []byte) (int, error) {
	var (
		n   int
		err error
	)
	cerr := raw.Read(func(fd uintptr) bool {
		n, err = unix.Read(int(fd), p)
		return true
	})
	if cerr != nil {
		return 0, cerr
	}
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func rawReadFrom(raw syscall.RawConn, p []byte) (int, netip.AddrPort, error) {
	var (
		n    int
		from unix.Sockaddr
		err  error
	)
	cerr := raw.Read(func(fd uintptr) bool {
		n, from, err = unix.Recvfrom(int(fd), p, 0)
		return true
	})
	if cerr != nil {
		return 0, netip.AddrPort{}, cerr
	}
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, netip.AddrPort{}, ErrWouldBlock
	}
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, sockaddrToAddrPort(from), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}
