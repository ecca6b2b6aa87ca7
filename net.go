package millrt

import (
	"golang.org/x/sys/unix"
)

// IPAddr is a minimal IPv4 host/port pair plus a pre-built sockaddr.
// It deliberately stays free of DNS resolution, which libmill also
// leaves to its ipresolve/iplocal/ipremote layer rather than these
// lower-level socket helpers.
type IPAddr struct {
	sa unix.SockaddrInet4
}

// IPLocal builds an address for binding, given a dotted-quad IP (empty
// string means INADDR_ANY) and a port, mirroring libmill's iplocal.
func IPLocal(ip string, port int) (IPAddr, error) {
	return parseIPAddr(ip, port)
}

// IPRemote builds an address for connecting to a dotted-quad IP and
// port, mirroring libmill's ipremote. Hostname resolution is out of
// scope.
func IPRemote(ip string, port int) (IPAddr, error) {
	return parseIPAddr(ip, port)
}

func parseIPAddr(ip string, port int) (IPAddr, error) {
	var a IPAddr
	if ip == "" {
		a.sa.Port = port
		return a, nil
	}
	var octs [4]byte
	n, start := 0, 0
	for i := 0; i <= len(ip); i++ {
		if i == len(ip) || ip[i] == '.' {
			if n >= 4 {
				return a, newErr("net.ipaddr", KindInvalidArgument, nil)
			}
			v := 0
			if i == start {
				return a, newErr("net.ipaddr", KindInvalidArgument, nil)
			}
			for _, c := range []byte(ip[start:i]) {
				if c < '0' || c > '9' {
					return a, newErr("net.ipaddr", KindInvalidArgument, nil)
				}
				v = v*10 + int(c-'0')
			}
			if v > 255 {
				return a, newErr("net.ipaddr", KindInvalidArgument, nil)
			}
			octs[n] = byte(v)
			n++
			start = i + 1
		}
	}
	if n != 4 {
		return a, newErr("net.ipaddr", KindInvalidArgument, nil)
	}
	a.sa.Addr = octs
	a.sa.Port = port
	return a, nil
}

// IPAddrStr renders addr as "a.b.c.d:port", mirroring libmill's
// ipaddrstr.
func IPAddrStr(addr IPAddr) string {
	o := addr.sa.Addr
	return itoa(int(o[0])) + "." + itoa(int(o[1])) + "." + itoa(int(o[2])) + "." +
		itoa(int(o[3])) + ":" + itoa(addr.sa.Port)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// TCPConnect opens a non-blocking TCP connection to addr, fdwaiting on
// writability/connect-completion up to deadline, mirroring libmill's
// tcpconnect.
func TCPConnect(s *Scheduler, addr IPAddr, deadline int64) (*fd, error) {
	raw, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, newErr("net.tcpconnect", KindOutOfMemory, err)
	}
	d := wrapFD(s, raw, fdFlagTCPSocket)
	err = unix.Connect(raw, &addr.sa)
	if err != nil && err != unix.EINPROGRESS {
		_ = d.Close()
		return nil, newErr("net.tcpconnect", KindBadDescriptor, err)
	}
	if err == unix.EINPROGRESS {
		if _, ferr := FDWait(s, d, EventOut, deadline); ferr != nil {
			_ = d.Close()
			return nil, ferr
		}
		if serr, gerr := unix.GetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			_ = d.Close()
			return nil, newErr("net.tcpconnect", KindBadDescriptor, unix.Errno(serr))
		}
	}
	return d, nil
}

// TCPListen creates a listening socket bound to addr with the given
// backlog, mirroring libmill's tcplisten.
func TCPListen(s *Scheduler, addr IPAddr, backlog int) (*fd, error) {
	raw, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, newErr("net.tcplisten", KindOutOfMemory, err)
	}
	_ = unix.SetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(raw, &addr.sa); err != nil {
		_ = unix.Close(raw)
		return nil, newErr("net.tcplisten", KindBadDescriptor, err)
	}
	if err := unix.Listen(raw, backlog); err != nil {
		_ = unix.Close(raw)
		return nil, newErr("net.tcplisten", KindBadDescriptor, err)
	}
	return wrapFD(s, raw, fdFlagTCPSocket), nil
}

// TCPAccept accepts one connection from a listening descriptor,
// fdwaiting on readability up to deadline, mirroring libmill's
// tcpaccept.
func TCPAccept(s *Scheduler, listener *fd, deadline int64) (*fd, error) {
	for {
		raw, _, err := unix.Accept(listener.raw)
		if err == nil {
			return wrapFD(s, raw, fdFlagTCPSocket), nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return nil, newErr("net.tcpaccept", KindBadDescriptor, err)
		}
		ev, ferr := FDWait(s, listener, EventIn, deadline)
		if ferr != nil {
			return nil, ferr
		}
		if ev == 0 {
			return nil, newErr("net.tcpaccept", KindTimeout, nil)
		}
	}
}
