// Package dbus implements the D-Bus IPC protocol: wire marshalling,
// message framing, the SASL-style authentication handshake, a
// connection-level dispatch engine for clients, and a multi-remote
// router for servers (the bus daemon role).
package dbus

import (
	"context"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// StandardBus names one of the two well-known bus instances every
// desktop/system D-Bus deployment provides.
type StandardBus int

const (
	SessionBus StandardBus = iota
	SystemBus
)

// Well-known names for the bus daemon itself, used as the
// Destination/Sender of messages addressed to org.freedesktop.DBus.
const (
	BusDaemonName = "org.freedesktop.DBus"
	BusDaemonPath = ObjectPath("/org/freedesktop/DBus")
	BusDaemonIface = "org.freedesktop.DBus"
)

// connState tracks a Connection through the lifecycle new ->
// connecting -> authenticated -> ready -> closed; stateHelloSent is
// never entered. Most callers never observe it directly. Send does
// not consult it; receiveLoop reads it only to skip logging a read
// error caused by Close.
type connState int32

const (
	stateNew connState = iota
	stateConnecting
	stateAuthenticated
	stateHelloSent
	stateReady
	stateClosed
)

// MessageFilter lets a caller observe or veto every inbound message
// before the dispatcher acts on it. Returning nil drops the message.
type MessageFilter struct {
	filter func(*Message) *Message
}

// boundObject is everything exported at one object path: one
// Interface per interface name, each possibly shared (ref-counted)
// with other paths.
type boundObject struct {
	path       ObjectPath
	interfaces map[string]*Interface
}

// Connection is a single connection to a message bus (or to a peer
// reached by a direct peer-to-peer D-Bus connection). It multiplexes
// outgoing method calls, incoming method-call dispatch to bound
// objects, and signal delivery to registered watches, all over one
// underlying net.Conn.
type Connection struct {
	state  int32 // connState, accessed atomically
	conn   net.Conn
	order  ByteOrder
	sendMu sync.Mutex

	// UniqueName is the colon-prefixed name the bus daemon assigned
	// this connection during Hello.
	UniqueName string
	ServerGUID string

	closeOnce sync.Once
	busProxy  *MessageBus

	handlerMu          sync.Mutex
	messageFilters     []*MessageFilter
	methodCallReplies  map[uint32]chan *Message
	objectPathHandlers map[ObjectPath]*boundObject
	signalMatchRules   signalWatchSet

	nameOwnerMu    sync.Mutex
	nameOwnerInfos map[string]*nameOwnerInfo

	closeState *State
	log        *logrus.Entry
}

// ObjectProxy is a lightweight handle for a remote object, identified
// by its owning connection's destination name and object path. It is
// the basis Caller, MessageBus, Properties and Introspectable build
// on.
type ObjectProxy struct {
	bus         *Connection
	destination string
	path        ObjectPath
}

// ObjectPath returns the remote object's path.
func (o *ObjectProxy) ObjectPath() ObjectPath { return o.path }

// Connect dials the given standard bus (reading its address from the
// usual environment variables / well-known fallback path),
// authenticates as EXTERNAL, and completes the Hello handshake.
func Connect(busType StandardBus) (*Connection, error) {
	var address string
	switch busType {
	case SessionBus:
		address = os.Getenv("DBUS_SESSION_BUS_ADDRESS")
	case SystemBus:
		if address = os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); address == "" {
			address = "unix:path=/var/run/dbus/system_bus_socket"
		}
	default:
		return nil, errors.Errorf("dbus: unknown standard bus %d", busType)
	}
	if address == "" {
		return nil, errors.New("dbus: no bus address configured")
	}
	return Dial(address)
}

// Dial connects to the server at address (a D-Bus server address
// string, e.g. "unix:path=/run/user/1000/bus"), authenticates, and
// completes the Hello handshake against the bus daemon found there.
func Dial(address string) (*Connection, error) {
	trans, err := newTransport(address)
	if err != nil {
		return nil, err
	}
	rawConn, err := trans.Dial()
	if err != nil {
		return nil, errors.Wrap(err, "dbus: dial")
	}
	return newClientConnection(rawConn)
}

func newClientConnection(rawConn net.Conn) (*Connection, error) {
	bus := &Connection{
		conn:               rawConn,
		order:              nativeOrder,
		methodCallReplies:  make(map[uint32]chan *Message),
		objectPathHandlers: make(map[ObjectPath]*boundObject),
		signalMatchRules:   make(signalWatchSet),
		nameOwnerInfos:     make(map[string]*nameOwnerInfo),
		closeState:         NewState(),
		log:                logrus.WithField("component", "dbus.Connection"),
	}
	atomic.StoreInt32(&bus.state, int32(stateConnecting))

	guid, err := clientAuthenticate(rawConn, &AuthExternal{})
	if err != nil {
		rawConn.Close()
		return nil, errors.Wrap(err, "dbus: authenticate")
	}
	bus.ServerGUID = guid
	atomic.StoreInt32(&bus.state, int32(stateAuthenticated))

	bus.busProxy = &MessageBus{&ObjectProxy{bus, BusDaemonName, BusDaemonPath}}

	go bus.receiveLoop()

	name, err := bus.busProxy.Hello()
	if err != nil {
		bus.Close()
		return nil, errors.Wrap(err, "dbus: Hello")
	}
	bus.UniqueName = name
	atomic.StoreInt32(&bus.state, int32(stateReady))
	return bus, nil
}

func (c *Connection) ready() bool {
	return connState(atomic.LoadInt32(&c.state)) == stateReady ||
		connState(atomic.LoadInt32(&c.state)) == stateAuthenticated
}

// receiveLoop reads and dispatches messages until the connection is
// closed or a framing error occurs.
func (c *Connection) receiveLoop() {
	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			if connState(atomic.LoadInt32(&c.state)) != stateClosed {
				c.log.WithError(err).Debug("connection read loop exiting")
			}
			c.Close()
			return
		}
		if err := c.dispatchMessage(msg); err != nil {
			c.log.WithError(err).Warn("error dispatching message")
		}
	}
}

// dispatchMessage applies filters, then routes msg through a fixed
// sequence of stages: filters, method-return/error delivery to a
// pending call, signal delivery to matching watches, and finally
// method-call dispatch to a bound object (falling back to the
// built-in Peer/Introspectable/Properties interfaces, and finally an
// UnknownObject/UnknownMethod error).
func (c *Connection) dispatchMessage(msg *Message) error {
	c.handlerMu.Lock()
	filters := c.messageFilters
	c.handlerMu.Unlock()
	for _, f := range filters {
		msg = f.filter(msg)
		if msg == nil {
			return nil
		}
	}

	switch msg.Type {
	case TypeMethodReturn, TypeError:
		c.handlerMu.Lock()
		replyChan, ok := c.methodCallReplies[msg.ReplySerial]
		if ok {
			delete(c.methodCallReplies, msg.ReplySerial)
		}
		c.handlerMu.Unlock()
		if ok {
			replyChan <- msg
		}
		return nil

	case TypeSignal:
		c.handlerMu.Lock()
		watches := c.signalMatchRules.FindMatches(msg)
		c.handlerMu.Unlock()
		for _, watch := range watches {
			watch.deliver(msg)
		}
		return nil

	case TypeMethodCall:
		return c.dispatchMethodCall(msg)

	default:
		return errors.Errorf("dbus: received message with invalid type %d", msg.Type)
	}
}

func (c *Connection) dispatchMethodCall(msg *Message) error {
	if handled, err := c.dispatchBuiltinInterface(msg); handled {
		return err
	}

	c.handlerMu.Lock()
	obj, ok := c.objectPathHandlers[msg.Path]
	c.handlerMu.Unlock()
	if !ok {
		return c.Send(NewErrorMessage(msg, ErrUnknownObject, "Unknown object path "+string(msg.Path)))
	}

	iface, ok := obj.interfaces[msg.Interface]
	if !ok && msg.Interface != "" {
		return c.Send(NewErrorMessage(msg, ErrUnknownInterface, "Unknown interface "+msg.Interface))
	}
	if !ok {
		// No interface named on the wire: search every bound
		// interface at this path for the member, as the
		// specification allows for unqualified calls.
		for _, candidate := range obj.interfaces {
			if _, has := candidate.Methods[msg.Member]; has {
				iface = candidate
				ok = true
				break
			}
		}
	}
	if !ok {
		return c.Send(NewErrorMessage(msg, ErrUnknownMethod, "Unknown method "+msg.Member))
	}
	method, ok := iface.Methods[msg.Member]
	if !ok {
		return c.Send(NewErrorMessage(msg, ErrUnknownMethod, "Unknown method "+msg.Member))
	}

	it := NewIterator(msg.Signature, bodyBytes(msg), c.order)
	ctx := &MethodContext{Conn: c, Call: msg, Args: NewCheckIterator(it)}
	method.Handler(ctx)
	return nil
}

// bodyBytes re-encodes a parsed message's body for handlers that want
// to decode it through a CheckIterator with a known signature. Messages
// are small relative to this cost, and it keeps the Iterator/Marshaller
// pairing symmetric: every body, inbound or outbound, is reached
// through the same typed codec.
func bodyBytes(msg *Message) []byte {
	buf := NewBuffer()
	if len(msg.Body) == 0 {
		return buf.Bytes()
	}
	m := NewMarshaller(buf, nativeOrder)
	m.Append(msg.Body...)
	return buf.Bytes()
}

func (c *Connection) dispatchBuiltinInterface(msg *Message) (handled bool, err error) {
	switch msg.Interface {
	case "org.freedesktop.DBus.Peer":
		switch msg.Member {
		case "Ping":
			reply, rerr := NewMethodReturn(msg)
			if rerr != nil {
				return true, rerr
			}
			return true, c.Send(reply)
		case "GetMachineId":
			id, idErr := GetMachineID()
			if idErr != nil {
				return true, c.Send(NewErrorMessage(msg, ErrUnknownMethod, idErr.Error()))
			}
			reply, rerr := NewMethodReturn(msg, id)
			if rerr != nil {
				return true, rerr
			}
			return true, c.Send(reply)
		}

	case "org.freedesktop.DBus.Introspectable":
		if msg.Member == "Introspect" {
			return true, c.serveIntrospect(msg)
		}

	case "org.freedesktop.DBus.Properties":
		switch msg.Member {
		case "Get":
			return true, c.servePropertiesGet(msg)
		case "Set":
			return true, c.servePropertiesSet(msg)
		case "GetAll":
			return true, c.servePropertiesGetAll(msg)
		}
	}
	return false, nil
}

// serveIntrospect answers org.freedesktop.DBus.Introspectable.Introspect
// by synthesizing XML from whatever interfaces are bound at msg.Path,
// plus the immediate child paths beneath it. A path with nothing bound
// at it directly still answers, as long as some deeper path has
// something bound, so a generic client can walk the whole object tree.
func (c *Connection) serveIntrospect(msg *Message) error {
	c.handlerMu.Lock()
	obj, ok := c.objectPathHandlers[msg.Path]
	c.handlerMu.Unlock()

	ifaces := map[string]*Interface{}
	if ok {
		ifaces = obj.interfaces
	}
	xmlDoc := GenerateIntrospectXML(ifaces, c.childNodeNames(msg.Path))

	reply, err := NewMethodReturn(msg, xmlDoc)
	if err != nil {
		return err
	}
	return c.Send(reply)
}

// childNodeNames returns the immediate child path segments of parent
// that have an object bound somewhere beneath them.
func (c *Connection) childNodeNames(parent ObjectPath) []string {
	prefix := string(parent)
	if prefix != "/" {
		prefix += "/"
	}

	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()

	seen := make(map[string]bool)
	for path := range c.objectPathHandlers {
		rest := strings.TrimPrefix(string(path), prefix)
		if rest == string(path) || rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		seen[rest] = true
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	return names
}

// findBoundProperty resolves ifaceName/propName at path, returning the
// bound Interface and Property if both exist.
func (c *Connection) findBoundProperty(path ObjectPath, ifaceName, propName string) (*Interface, *Property, bool) {
	c.handlerMu.Lock()
	obj, ok := c.objectPathHandlers[path]
	c.handlerMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	iface, ok := obj.interfaces[ifaceName]
	if !ok {
		return nil, nil, false
	}
	prop, ok := iface.Properties[propName]
	if !ok {
		return iface, nil, false
	}
	return iface, prop, true
}

// servePropertiesGet answers org.freedesktop.DBus.Properties.Get(ss) -> v.
func (c *Connection) servePropertiesGet(msg *Message) error {
	it := NewIterator(msg.Signature, bodyBytes(msg), c.order)
	args := NewCheckIterator(it)
	var ifaceName, propName string
	args.CheckDecode(&ifaceName, &propName)
	if err := args.Err(); err != nil {
		return c.Send(NewErrorMessage(msg, ErrInvalidArgs, err.Error()))
	}

	iface, prop, ok := c.findBoundProperty(msg.Path, ifaceName, propName)
	if iface == nil {
		return c.Send(NewErrorMessage(msg, ErrUnknownInterface, "Unknown interface "+ifaceName))
	}
	if !ok || prop.Access == PropertyWriteOnly || prop.Get == nil {
		return c.Send(NewErrorMessage(msg, ErrUnknownProperty, "Unknown property "+propName))
	}

	value, getErr := prop.Get()
	if getErr != nil {
		return c.Send(NewErrorMessage(msg, ErrUnknownProperty, getErr.Error()))
	}

	reply, err := NewMethodReturn(msg, Variant{Value: value})
	if err != nil {
		return err
	}
	return c.Send(reply)
}

// servePropertiesSet answers org.freedesktop.DBus.Properties.Set(ssv),
// emitting PropertiesChanged afterward when the property opts in.
func (c *Connection) servePropertiesSet(msg *Message) error {
	it := NewIterator(msg.Signature, bodyBytes(msg), c.order)
	args := NewCheckIterator(it)
	var ifaceName, propName string
	var value Variant
	args.CheckDecode(&ifaceName, &propName, &value)
	if err := args.Err(); err != nil {
		return c.Send(NewErrorMessage(msg, ErrInvalidArgs, err.Error()))
	}

	iface, prop, ok := c.findBoundProperty(msg.Path, ifaceName, propName)
	if iface == nil {
		return c.Send(NewErrorMessage(msg, ErrUnknownInterface, "Unknown interface "+ifaceName))
	}
	if !ok {
		return c.Send(NewErrorMessage(msg, ErrUnknownProperty, "Unknown property "+propName))
	}
	if prop.Access == PropertyReadOnly || prop.Set == nil {
		return c.Send(NewErrorMessage(msg, ErrPropertyReadOnly, "Property "+propName+" is read-only"))
	}

	if setErr := prop.Set(value.Value); setErr != nil {
		return c.Send(NewErrorMessage(msg, ErrUnknownProperty, setErr.Error()))
	}

	reply, err := NewMethodReturn(msg)
	if err != nil {
		return err
	}
	if err := c.Send(reply); err != nil {
		return err
	}

	if !prop.EmitsChangedSignal {
		return nil
	}
	changed := map[string]Variant{propName: value}
	sig, err := NewSignal(msg.Path, "org.freedesktop.DBus.Properties", "PropertiesChanged", ifaceName, changed, []string{})
	if err != nil {
		return err
	}
	return c.Send(sig)
}

// servePropertiesGetAll answers org.freedesktop.DBus.Properties.GetAll(s) -> a{sv},
// skipping any property whose Get is unreadable or errors rather than
// failing the whole call.
func (c *Connection) servePropertiesGetAll(msg *Message) error {
	it := NewIterator(msg.Signature, bodyBytes(msg), c.order)
	args := NewCheckIterator(it)
	var ifaceName string
	args.CheckDecode(&ifaceName)
	if err := args.Err(); err != nil {
		return c.Send(NewErrorMessage(msg, ErrInvalidArgs, err.Error()))
	}

	c.handlerMu.Lock()
	obj, ok := c.objectPathHandlers[msg.Path]
	var iface *Interface
	if ok {
		iface, ok = obj.interfaces[ifaceName]
	}
	c.handlerMu.Unlock()
	if !ok {
		return c.Send(NewErrorMessage(msg, ErrUnknownInterface, "Unknown interface "+ifaceName))
	}

	props := make(map[string]Variant, len(iface.Properties))
	for name, prop := range iface.Properties {
		if prop.Access == PropertyWriteOnly || prop.Get == nil {
			continue
		}
		value, err := prop.Get()
		if err != nil {
			continue
		}
		props[name] = Variant{Value: value}
	}

	reply, err := NewMethodReturn(msg, props)
	if err != nil {
		return err
	}
	return c.Send(reply)
}

// Close tears down the connection: it cancels every pending reply
// registered by SendWithReplyContext and closes the underlying
// socket. Signal watches and name watches are not cancelled; their
// channels stay open. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(stateClosed))
		c.closeState.Close()
		err = c.conn.Close()
	})
	return err
}

// Send marshals msg and writes it to the connection. Concurrent Send
// calls are serialized so one message's bytes are never interleaved
// with another's.
func (c *Connection) Send(msg *Message) error {
	data, err := msg.Build(c.order)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// SendWithReply sends a method call and blocks until its reply
// arrives.
func (c *Connection) SendWithReply(msg *Message) (*Message, error) {
	return c.SendWithReplyContext(context.Background(), msg)
}

// SendWithReplyContext sends a method call and blocks until its reply
// arrives or ctx is done, whichever happens first.
func (c *Connection) SendWithReplyContext(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Type != TypeMethodCall {
		return nil, errors.New("dbus: SendWithReply requires a method call message")
	}
	replyChan := make(chan *Message, 1)
	c.handlerMu.Lock()
	c.methodCallReplies[msg.Serial] = replyChan
	c.handlerMu.Unlock()

	token := c.closeState.Add(func() {
		select {
		case replyChan <- NewErrorMessage(msg, ErrNoReply, "dbus: connection closed while awaiting reply"):
		default:
		}
	})
	defer c.closeState.Remove(token)

	if err := c.Send(msg); err != nil {
		c.handlerMu.Lock()
		delete(c.methodCallReplies, msg.Serial)
		c.handlerMu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyChan:
		if reply.Type == TypeError {
			return nil, AsError(reply)
		}
		return reply, nil
	case <-ctx.Done():
		c.handlerMu.Lock()
		delete(c.methodCallReplies, msg.Serial)
		c.handlerMu.Unlock()
		return nil, ctx.Err()
	}
}

// AsError converts an error-type Message into an *Error.
func AsError(msg *Message) error {
	message := ""
	if len(msg.Body) > 0 {
		if s, ok := msg.Body[0].(string); ok {
			message = s
		}
	}
	return NewError(msg.ErrorName, message)
}

// RegisterMessageFilter installs filter, which runs on every inbound
// message before dispatch.
func (c *Connection) RegisterMessageFilter(filter func(*Message) *Message) *MessageFilter {
	mf := &MessageFilter{filter}
	c.handlerMu.Lock()
	c.messageFilters = append(c.messageFilters, mf)
	c.handlerMu.Unlock()
	return mf
}

// UnregisterMessageFilter removes a filter previously installed by
// RegisterMessageFilter.
func (c *Connection) UnregisterMessageFilter(filter *MessageFilter) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	for i, other := range c.messageFilters {
		if other == filter {
			c.messageFilters = append(c.messageFilters[:i], c.messageFilters[i+1:]...)
			return
		}
	}
}

// Export binds iface under path, so incoming method calls addressed
// to path/iface.Name are dispatched to iface's Methods. Multiple
// interfaces may be bound at the same path; the same *Interface value
// may be bound at multiple paths.
func (c *Connection) Export(path ObjectPath, iface *Interface) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	obj, ok := c.objectPathHandlers[path]
	if !ok {
		obj = &boundObject{path: path, interfaces: make(map[string]*Interface)}
		c.objectPathHandlers[path] = obj
	}
	obj.interfaces[iface.Name] = iface.ref()
}

// Unexport removes ifaceName's binding at path. If path has no
// remaining bound interfaces afterward, the path itself is removed.
func (c *Connection) Unexport(path ObjectPath, ifaceName string) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	obj, ok := c.objectPathHandlers[path]
	if !ok {
		return
	}
	if iface, ok := obj.interfaces[ifaceName]; ok {
		iface.unref()
		delete(obj.interfaces, ifaceName)
	}
	if len(obj.interfaces) == 0 {
		delete(c.objectPathHandlers, path)
	}
}

// Object returns a proxy for the object at path, owned by dest.
func (c *Connection) Object(dest string, path ObjectPath) *ObjectProxy {
	return &ObjectProxy{c, dest, path}
}
