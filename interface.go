package dbus

import "sync/atomic"

// MethodHandler implements one method call: ctx carries the decoded
// arguments (already positioned by the dispatcher's CheckIterator) and
// is the handler's only way to send a reply or error.
type MethodHandler func(ctx *MethodContext)

// MethodContext is handed to a MethodHandler for exactly one method
// call. It must call Reply or ReplyError exactly once, unless the
// call's FlagNoReplyExpected is set.
type MethodContext struct {
	Conn *Connection
	Call *Message
	Args *CheckIterator

	replied bool
}

// Reply sends a method-return carrying body back to the caller.
func (c *MethodContext) Reply(body ...interface{}) error {
	if c.replied {
		return nil
	}
	c.replied = true
	if c.Call.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	msg, err := NewMethodReturn(c.Call, body...)
	if err != nil {
		return err
	}
	return c.Conn.Send(msg)
}

// ReplyError sends an error reply back to the caller.
func (c *MethodContext) ReplyError(name, message string) error {
	if c.replied {
		return nil
	}
	c.replied = true
	if c.Call.Flags&FlagNoReplyExpected != 0 {
		return nil
	}
	return c.Conn.Send(NewErrorMessage(c.Call, name, message))
}

// Method declaratively describes one callable method of an Interface.
type Method struct {
	Name         string
	InSignature  Signature
	OutSignature Signature
	Annotations  map[string]string
	Handler      MethodHandler
}

// Signal declaratively describes one signal an Interface may emit.
type Signal struct {
	Name        string
	Signature   Signature
	Annotations map[string]string
}

// PropertyAccess is a property's read/write direction, as introspected
// by org.freedesktop.DBus.Properties.
type PropertyAccess int

const (
	PropertyReadOnly PropertyAccess = iota
	PropertyWriteOnly
	PropertyReadWrite
)

func (a PropertyAccess) String() string {
	switch a {
	case PropertyReadOnly:
		return "read"
	case PropertyWriteOnly:
		return "write"
	case PropertyReadWrite:
		return "readwrite"
	}
	return "invalid"
}

// Property declaratively describes one property of an Interface.
// EmitsChangedSignal, when true, makes the Connection emit
// PropertiesChanged automatically after a successful Set dispatched
// through org.freedesktop.DBus.Properties.
type Property struct {
	Name               string
	Signature          Signature
	Access             PropertyAccess
	Annotations        map[string]string
	EmitsChangedSignal bool
	Get                func() (interface{}, error)
	Set                func(interface{}) error
}

// Interface is a declarative description of one D-Bus interface: its
// methods, signals and properties, each carrying its own annotation
// set. A Connection binds Interfaces to object paths with Export; the
// same *Interface value may be bound under many paths, so it is
// reference counted — Unexport releases it only once nothing has it
// bound any longer, letting Introspect's XML generator and the method
// dispatcher read the same definition without racing a concurrent
// Unexport.
type Interface struct {
	Name        string
	Annotations map[string]string
	Methods     map[string]*Method
	Signals     map[string]*Signal
	Properties  map[string]*Property

	refCount int32
}

// NewInterface returns an empty Interface named name.
func NewInterface(name string) *Interface {
	return &Interface{
		Name:        name,
		Annotations: make(map[string]string),
		Methods:     make(map[string]*Method),
		Signals:     make(map[string]*Signal),
		Properties:  make(map[string]*Property),
	}
}

// AddMethod registers m and returns the receiver for chaining.
func (i *Interface) AddMethod(m *Method) *Interface {
	i.Methods[m.Name] = m
	return i
}

// AddSignal registers s and returns the receiver for chaining.
func (i *Interface) AddSignal(s *Signal) *Interface {
	i.Signals[s.Name] = s
	return i
}

// AddProperty registers p and returns the receiver for chaining.
func (i *Interface) AddProperty(p *Property) *Interface {
	i.Properties[p.Name] = p
	return i
}

// Annotate attaches a whole-interface annotation and returns the
// receiver for chaining.
func (i *Interface) Annotate(key, value string) *Interface {
	i.Annotations[key] = value
	return i
}

// AnnotateMember attaches an annotation to one already-registered
// method, signal or property of i, whichever has that name, and
// returns the receiver for chaining. It is a no-op if member names
// nothing on i.
func (i *Interface) AnnotateMember(member, key, value string) *Interface {
	if m, ok := i.Methods[member]; ok {
		if m.Annotations == nil {
			m.Annotations = make(map[string]string)
		}
		m.Annotations[key] = value
	}
	if s, ok := i.Signals[member]; ok {
		if s.Annotations == nil {
			s.Annotations = make(map[string]string)
		}
		s.Annotations[key] = value
	}
	if p, ok := i.Properties[member]; ok {
		if p.Annotations == nil {
			p.Annotations = make(map[string]string)
		}
		p.Annotations[key] = value
	}
	return i
}

func (i *Interface) ref() *Interface {
	atomic.AddInt32(&i.refCount, 1)
	return i
}

// unref releases one binding of i and reports whether that was the
// last one.
func (i *Interface) unref() bool {
	return atomic.AddInt32(&i.refCount, -1) == 0
}
