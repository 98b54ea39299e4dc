// Package dbus implements the D-Bus IPC protocol: wire marshalling,
// message framing, the SASL-style authentication handshake, a
// connection-level dispatch engine for clients, and a multi-remote
// router for servers (the bus daemon role).
//
// The package is transport- and event-loop-agnostic: callers supply a
// net.Conn (or anything satisfying io.ReadWriter) and, for
// multi-threaded hosts, optional proxy hooks that reroute callback
// invocation onto the thread that owns a Connection's registrations.
package dbus
