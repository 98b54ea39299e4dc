package dbus

import "context"

// Call invokes iface.method on the remote object synchronously,
// returning the method-return message (or converting an error reply
// into a Go error).
func (o *ObjectProxy) Call(iface, method string, args ...interface{}) (*Message, error) {
	msg, err := NewMethodCall(o.destination, o.path, iface, method, args...)
	if err != nil {
		return nil, err
	}
	return o.bus.SendWithReply(msg)
}

// CallContext is Call with a context, for callers that want
// cancellation or a deadline on the round trip.
func (o *ObjectProxy) CallContext(ctx context.Context, iface, method string, args ...interface{}) (*Message, error) {
	msg, err := NewMethodCall(o.destination, o.path, iface, method, args...)
	if err != nil {
		return nil, err
	}
	return o.bus.SendWithReplyContext(ctx, msg)
}

// Go sends a method call without blocking for the reply, delivering
// it to replyChan instead. It is the asynchronous counterpart to
// Call, for callers issuing several requests concurrently.
func (o *ObjectProxy) Go(iface, method string, replyChan chan<- *Message, args ...interface{}) error {
	msg, err := NewMethodCall(o.destination, o.path, iface, method, args...)
	if err != nil {
		return err
	}
	go func() {
		reply, err := o.bus.SendWithReply(msg)
		if err != nil {
			reply = NewErrorMessage(msg, ErrNoReply, err.Error())
		}
		replyChan <- reply
	}()
	return nil
}

// WatchSignal subscribes to iface.member signals emitted by this
// object's owner.
func (o *ObjectProxy) WatchSignal(iface, member string) (*SignalWatch, error) {
	return o.bus.WatchSignal(&MatchRule{
		Type:      TypeSignal,
		Sender:    o.destination,
		Path:      o.path,
		Interface: iface,
		Member:    member,
	})
}

// Caller is a blocking convenience wrapper around ObjectProxy, bound
// to one remote method. It holds no signature: arguments are marshalled
// from their Go types and the reply is decoded into the pointers given.
type Caller struct {
	proxy  *ObjectProxy
	iface  string
	method string
}

// NewCaller returns a Caller bound to one remote method.
func NewCaller(proxy *ObjectProxy, iface, method string) *Caller {
	return &Caller{proxy: proxy, iface: iface, method: method}
}

// Call invokes the method and decodes its reply into out (pointers).
func (c *Caller) Call(out []interface{}, args ...interface{}) error {
	reply, err := c.proxy.Call(c.iface, c.method, args...)
	if err != nil {
		return err
	}
	return c.decode(reply, out)
}

// Block is Call with a context: it blocks until the reply arrives or
// ctx is done. This is the supplemented cancellable-call path: a
// caller that wants to abandon a slow remote method (on a UI timeout,
// a shutdown signal, a request deadline) cancels ctx instead of
// leaking a goroutine blocked on the synchronous Call.
func (c *Caller) Block(ctx context.Context, out []interface{}, args ...interface{}) error {
	reply, err := c.proxy.CallContext(ctx, c.iface, c.method, args...)
	if err != nil {
		return err
	}
	return c.decode(reply, out)
}

func (c *Caller) decode(reply *Message, out []interface{}) error {
	if len(out) == 0 {
		return nil
	}
	it := NewIterator(reply.Signature, bodyBytes(reply), nativeOrder)
	return it.Decode(out...)
}

// Introspectable wraps an ObjectProxy with the standard
// org.freedesktop.DBus.Introspectable interface.
type Introspectable struct{ *ObjectProxy }

// Introspect fetches the remote object's introspection XML.
func (o *Introspectable) Introspect() (string, error) {
	reply, err := o.Call("org.freedesktop.DBus.Introspectable", "Introspect")
	if err != nil {
		return "", err
	}
	var data string
	if err := decodeReply(reply, &data); err != nil {
		return "", err
	}
	return data, nil
}

// Properties wraps an ObjectProxy with the standard
// org.freedesktop.DBus.Properties interface.
type Properties struct{ *ObjectProxy }

// Get fetches a single property's value.
func (o *Properties) Get(interfaceName, propertyName string) (interface{}, error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "Get", interfaceName, propertyName)
	if err != nil {
		return nil, err
	}
	var v Variant
	if err := decodeReply(reply, &v); err != nil {
		return nil, err
	}
	return v.Value, nil
}

// Set assigns a single property's value.
func (o *Properties) Set(interfaceName, propertyName string, value interface{}) error {
	_, err := o.Call("org.freedesktop.DBus.Properties", "Set", interfaceName, propertyName, Variant{value})
	return err
}

// GetAll fetches every readable property of interfaceName.
func (o *Properties) GetAll(interfaceName string) (map[string]Variant, error) {
	reply, err := o.Call("org.freedesktop.DBus.Properties", "GetAll", interfaceName)
	if err != nil {
		return nil, err
	}
	var props map[string]Variant
	if err := decodeReply(reply, &props); err != nil {
		return nil, err
	}
	return props, nil
}

func decodeReply(reply *Message, out ...interface{}) error {
	it := NewIterator(reply.Signature, bodyBytes(reply), nativeOrder)
	return it.Decode(out...)
}

// MessageBus wraps an ObjectProxy bound to org.freedesktop.DBus,
// exposing every standard bus-daemon method as a typed Go call.
type MessageBus struct{ *ObjectProxy }

func (o *MessageBus) Hello() (uniqueName string, err error) {
	reply, err := o.Call(BusDaemonIface, "Hello")
	if err != nil {
		return "", err
	}
	err = decodeReply(reply, &uniqueName)
	return
}

func (o *MessageBus) RequestName(name string, flags uint32) (result uint32, err error) {
	reply, err := o.Call(BusDaemonIface, "RequestName", name, flags)
	if err != nil {
		return 0, err
	}
	err = decodeReply(reply, &result)
	return
}

func (o *MessageBus) ReleaseName(name string) (result uint32, err error) {
	reply, err := o.Call(BusDaemonIface, "ReleaseName", name)
	if err != nil {
		return 0, err
	}
	err = decodeReply(reply, &result)
	return
}

func (o *MessageBus) ListQueuedOwners(name string) (owners []string, err error) {
	reply, err := o.Call(BusDaemonIface, "ListQueuedOwners", name)
	if err != nil {
		return nil, err
	}
	err = decodeReply(reply, &owners)
	return
}

func (o *MessageBus) ListNames() (names []string, err error) {
	reply, err := o.Call(BusDaemonIface, "ListNames")
	if err != nil {
		return nil, err
	}
	err = decodeReply(reply, &names)
	return
}

func (o *MessageBus) ListActivatableNames() (names []string, err error) {
	reply, err := o.Call(BusDaemonIface, "ListActivatableNames")
	if err != nil {
		return nil, err
	}
	err = decodeReply(reply, &names)
	return
}

func (o *MessageBus) NameHasOwner(name string) (hasOwner bool, err error) {
	reply, err := o.Call(BusDaemonIface, "NameHasOwner", name)
	if err != nil {
		return false, err
	}
	err = decodeReply(reply, &hasOwner)
	return
}

func (o *MessageBus) StartServiceByName(name string, flags uint32) (result uint32, err error) {
	reply, err := o.Call(BusDaemonIface, "StartServiceByName", name, flags)
	if err != nil {
		return 0, err
	}
	err = decodeReply(reply, &result)
	return
}

func (o *MessageBus) UpdateActivationEnvironment(env map[string]string) error {
	_, err := o.Call(BusDaemonIface, "UpdateActivationEnvironment", env)
	return err
}

func (o *MessageBus) GetNameOwner(name string) (owner string, err error) {
	reply, err := o.Call(BusDaemonIface, "GetNameOwner", name)
	if err != nil {
		return "", err
	}
	err = decodeReply(reply, &owner)
	return
}

func (o *MessageBus) GetConnectionUnixUser(busName string) (user uint32, err error) {
	reply, err := o.Call(BusDaemonIface, "GetConnectionUnixUser", busName)
	if err != nil {
		return 0, err
	}
	err = decodeReply(reply, &user)
	return
}

func (o *MessageBus) GetConnectionUnixProcessID(busName string) (pid uint32, err error) {
	reply, err := o.Call(BusDaemonIface, "GetConnectionUnixProcessID", busName)
	if err != nil {
		return 0, err
	}
	err = decodeReply(reply, &pid)
	return
}

func (o *MessageBus) AddMatch(rule string) error {
	_, err := o.Call(BusDaemonIface, "AddMatch", rule)
	return err
}

func (o *MessageBus) RemoveMatch(rule string) error {
	_, err := o.Call(BusDaemonIface, "RemoveMatch", rule)
	return err
}

func (o *MessageBus) GetId() (busID string, err error) {
	reply, err := o.Call(BusDaemonIface, "GetId")
	if err != nil {
		return "", err
	}
	err = decodeReply(reply, &busID)
	return
}
