package dbus

import (
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// transport resolves a D-Bus server address into a dialable endpoint.
type transport interface {
	Dial() (net.Conn, error)
}

// listenTransport additionally knows how to listen for incoming
// connections, for the server side (Server.Listen).
type listenTransport interface {
	transport
	Listen() (net.Listener, error)
}

func parseAddress(address string) (transportType string, options map[string]string, err error) {
	if len(address) == 0 {
		return "", nil, errors.New("dbus: empty bus address")
	}
	colon := strings.IndexByte(address, ':')
	if colon < 0 {
		return "", nil, errors.Errorf("dbus: malformed bus address %q", address)
	}
	transportType = address[:colon]
	options = make(map[string]string)
	for _, option := range strings.Split(address[colon+1:], ",") {
		if option == "" {
			continue
		}
		pair := strings.SplitN(option, "=", 2)
		key, err := url.QueryUnescape(pair[0])
		if err != nil {
			return "", nil, err
		}
		var value string
		if len(pair) == 2 {
			if value, err = url.QueryUnescape(pair[1]); err != nil {
				return "", nil, err
			}
		}
		options[key] = value
	}
	return transportType, options, nil
}

// newTransport parses a D-Bus server address string
// ("unix:path=/var/run/dbus/system_bus_socket", "tcp:host=…,port=…",
// "nonce-tcp:…") into a dialable transport.
func newTransport(address string) (transport, error) {
	transportType, options, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	switch transportType {
	case "unix":
		if abstract, ok := options["abstract"]; ok {
			return &unixTransport{address: "@" + abstract}, nil
		} else if path, ok := options["path"]; ok {
			return &unixTransport{address: path}, nil
		}
		return nil, errors.New("dbus: unix transport requires 'path' or 'abstract'")

	case "tcp", "nonce-tcp":
		hostport := options["host"] + ":" + options["port"]
		var family string
		switch options["family"] {
		case "", "ipv4":
			family = "tcp4"
		case "ipv6":
			family = "tcp6"
		default:
			return nil, errors.Errorf("dbus: unknown tcp family %q", options["family"])
		}
		if transportType == "tcp" {
			return &tcpTransport{address: hostport, family: family}, nil
		}
		return &nonceTCPTransport{address: hostport, family: family, nonceFile: options["noncefile"]}, nil

	case "launchd", "systemd", "unixexec":
		return nil, errors.Errorf("dbus: %s transport is not supported", transportType)
	}

	return nil, errors.Errorf("dbus: unhandled transport type %q", transportType)
}

type unixTransport struct {
	address string
}

func (t *unixTransport) Dial() (net.Conn, error) {
	return net.Dial("unix", t.address)
}

func (t *unixTransport) Listen() (net.Listener, error) {
	if strings.HasPrefix(t.address, "@") {
		return nil, errors.New("dbus: listening on an abstract socket is not supported by net.Listen; use a filesystem path")
	}
	os.Remove(t.address)
	return net.Listen("unix", t.address)
}

type tcpTransport struct {
	address, family string
}

func (t *tcpTransport) Dial() (net.Conn, error) {
	return net.Dial(t.family, t.address)
}

func (t *tcpTransport) Listen() (net.Listener, error) {
	return net.Listen(t.family, t.address)
}

type nonceTCPTransport struct {
	address, family, nonceFile string
}

func (t *nonceTCPTransport) Dial() (net.Conn, error) {
	data, err := os.ReadFile(t.nonceFile)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(t.family, t.address)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// peerCredentials is the kernel-verified identity of a Unix-domain
// peer, used to validate an EXTERNAL auth assertion without trusting
// anything the peer wrote to the wire.
type peerCredentials struct {
	UID uint32
	PID uint32
	GID uint32
}

// peerCredentialsOf reads SO_PEERCRED off a Unix-domain net.Conn. It
// returns an error for any other conn type (TCP transports have no
// kernel peer identity, so EXTERNAL is not available over them).
func peerCredentialsOf(conn net.Conn) (*peerCredentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("dbus: peer credentials are only available on Unix-domain sockets")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, err
	}
	var cred *unix.Ucred
	var sysErr error
	err = raw.Control(func(fd uintptr) {
		cred, sysErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	if sysErr != nil {
		return nil, sysErr
	}
	return &peerCredentials{UID: cred.Uid, PID: cred.Pid, GID: cred.Gid}, nil
}
