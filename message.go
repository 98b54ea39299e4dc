package dbus

import (
	"io"
	"reflect"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MessageType identifies one of the four kinds of D-Bus message.
type MessageType uint8

const (
	TypeInvalid MessageType = iota
	TypeMethodCall
	TypeMethodReturn
	TypeError
	TypeSignal
)

var messageTypeString = map[MessageType]string{
	TypeInvalid:      "invalid",
	TypeMethodCall:   "method_call",
	TypeMethodReturn: "method_return",
	TypeError:        "error",
	TypeSignal:       "signal",
}

func (t MessageType) String() string { return messageTypeString[t] }

// MessageFlag is a bitset carried in the message header.
type MessageFlag byte

const (
	FlagNoReplyExpected MessageFlag = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

// Header field codes, per the wire protocol's a(yv) header fields
// array.
const (
	FieldPath        byte = 1
	FieldInterface   byte = 2
	FieldMember      byte = 3
	FieldErrorName   byte = 4
	FieldReplySerial byte = 5
	FieldDestination byte = 6
	FieldSender      byte = 7
	FieldSignature   byte = 8
	FieldUnixFDs     byte = 9
)

const protocolVersion = 1

// fixedHeaderSize is the length of the leading, fixed-layout portion
// of every message: endianness, type, flags, protocol, body length,
// serial — the part a stream reader must consume before it knows how
// much more to read.
const fixedHeaderSize = 12

// Message is one D-Bus message: a method call, method return, error
// reply, or signal. Zero-value fields whose header code would
// otherwise be required (Path/Interface/Member for a signal, for
// instance) are caught by Validate, which Build calls before encoding.
type Message struct {
	Type        MessageType
	Flags       MessageFlag
	Serial      uint32
	ReplySerial uint32
	Path        ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	Destination string
	Sender      string
	Signature   Signature
	Body        []interface{}
}

var messageSerial uint32

// nextSerial returns a process-wide monotonically increasing serial.
// Per the protocol, serial 0 is reserved and never assigned to an
// outgoing message.
func nextSerial() uint32 {
	for {
		if s := atomic.AddUint32(&messageSerial, 1); s != 0 {
			return s
		}
	}
}

// NewMessage returns an empty message of type typ with a freshly
// allocated serial.
func NewMessage(typ MessageType) *Message {
	return &Message{Type: typ, Serial: nextSerial()}
}

// NewMethodCall builds a method-call Message addressed to dest/path,
// invoking iface.member with the given body arguments.
func NewMethodCall(dest string, path ObjectPath, iface, member string, body ...interface{}) (*Message, error) {
	sig, err := signatureOfBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:        TypeMethodCall,
		Serial:      nextSerial(),
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Signature:   sig,
		Body:        body,
	}, nil
}

// NewMethodReturn builds a method-return Message replying to call.
func NewMethodReturn(call *Message, body ...interface{}) (*Message, error) {
	sig, err := signatureOfBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:        TypeMethodReturn,
		Serial:      nextSerial(),
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Signature:   sig,
		Body:        body,
	}, nil
}

// NewErrorMessage builds an error-reply Message replying to call.
func NewErrorMessage(call *Message, name, message string) *Message {
	return &Message{
		Type:        TypeError,
		Serial:      nextSerial(),
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
		Signature:   Signature("s"),
		Body:        []interface{}{message},
	}
}

// NewSignal builds a signal Message.
func NewSignal(path ObjectPath, iface, member string, body ...interface{}) (*Message, error) {
	sig, err := signatureOfBody(body)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      TypeSignal,
		Serial:    nextSerial(),
		Path:      path,
		Interface: iface,
		Member:    member,
		Signature: sig,
		Body:      body,
	}, nil
}

func signatureOfBody(body []interface{}) (Signature, error) {
	var sig Signature
	for _, v := range body {
		if variant, ok := v.(Variant); ok {
			sig += "v"
			_ = variant
			continue
		}
		s, err := SignatureOf(reflect.TypeOf(v))
		if err != nil {
			return "", err
		}
		sig += s
	}
	return sig, nil
}

// Validate checks the header-field invariants required of msg's Type:
// method calls need Path+Member, signals need Path+Interface+Member,
// errors need ErrorName, method returns and errors need ReplySerial.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return errors.New("dbus: method call requires Path and Member")
		}
	case TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return errors.New("dbus: signal requires Path, Interface and Member")
		}
	case TypeError:
		if m.ErrorName == "" || m.ReplySerial == 0 {
			return errors.New("dbus: error message requires ErrorName and ReplySerial")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("dbus: method return requires ReplySerial")
		}
	default:
		return errors.Errorf("dbus: unknown message type %d", m.Type)
	}
	if !m.Path.Valid() && m.Path != "" {
		return errors.Errorf("dbus: invalid object path %q", m.Path)
	}
	return nil
}

// Build serializes msg to the wire format using order, returning the
// complete byte stream (fixed header, header fields array, alignment
// padding, and body).
func (m *Message) Build(order ByteOrder) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if order == nil {
		order = nativeOrder
	}

	body := NewBuffer()
	if len(m.Body) > 0 {
		bm := NewMarshaller(body, order)
		if err := bm.Append(m.Body...); err != nil {
			return nil, wrap(err, "marshal message body")
		}
	}

	buf := NewBuffer()
	if err := buf.WriteByte(endianByte(order)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(m.Type)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(byte(m.Flags)); err != nil {
		return nil, err
	}
	if err := buf.WriteByte(protocolVersion); err != nil {
		return nil, err
	}
	bodyLenOffset := buf.Len()
	if err := writeUint32Placeholder(buf); err != nil {
		return nil, err
	}
	if err := writeUint32(buf, m.Serial, order); err != nil {
		return nil, err
	}

	fm := NewMarshaller(buf, order)
	if err := fm.BeginArray("(yv)"); err != nil {
		return nil, err
	}
	fields := m.headerFields()
	for _, f := range fields {
		if err := writeHeaderField(fm, f); err != nil {
			return nil, err
		}
	}
	if err := fm.EndArray(); err != nil {
		return nil, err
	}
	if err := buf.AppendPad(8); err != nil {
		return nil, err
	}

	out := buf.Bytes()
	if len(out) > MaxMessageSize-body.Len() {
		return nil, errMessageTooLarge
	}
	PutUint32At(out, bodyLenOffset, uint32(body.Len()), order)
	out = append(out, body.Bytes()...)
	if len(out) > MaxMessageSize {
		return nil, errMessageTooLarge
	}
	return out, nil
}

type rawHeaderField struct {
	code byte
	sig  Signature
	val  interface{}
}

func (m *Message) headerFields() []rawHeaderField {
	var fields []rawHeaderField
	if m.Path != "" {
		fields = append(fields, rawHeaderField{FieldPath, "o", m.Path})
	}
	if m.Interface != "" {
		fields = append(fields, rawHeaderField{FieldInterface, "s", m.Interface})
	}
	if m.Member != "" {
		fields = append(fields, rawHeaderField{FieldMember, "s", m.Member})
	}
	if m.ErrorName != "" {
		fields = append(fields, rawHeaderField{FieldErrorName, "s", m.ErrorName})
	}
	if m.ReplySerial != 0 {
		fields = append(fields, rawHeaderField{FieldReplySerial, "u", m.ReplySerial})
	}
	if m.Destination != "" {
		fields = append(fields, rawHeaderField{FieldDestination, "s", m.Destination})
	}
	if m.Sender != "" {
		fields = append(fields, rawHeaderField{FieldSender, "s", m.Sender})
	}
	if m.Signature != "" {
		fields = append(fields, rawHeaderField{FieldSignature, "g", m.Signature})
	}
	return fields
}

func writeHeaderField(fm *Marshaller, f rawHeaderField) error {
	if err := fm.BeginStruct(); err != nil {
		return err
	}
	if err := fm.AppendByte(f.code); err != nil {
		return err
	}
	if err := fm.BeginVariant(f.sig); err != nil {
		return err
	}
	switch f.sig {
	case "o":
		if err := fm.AppendObjectPath(f.val.(ObjectPath)); err != nil {
			return err
		}
	case "s":
		var s string
		switch v := f.val.(type) {
		case string:
			s = v
		case Signature:
			s = string(v)
		}
		if err := fm.AppendString(s); err != nil {
			return err
		}
	case "u":
		if err := fm.AppendUint32(f.val.(uint32)); err != nil {
			return err
		}
	case "g":
		if err := fm.AppendSignature(f.val.(Signature)); err != nil {
			return err
		}
	}
	if err := fm.EndVariant(); err != nil {
		return err
	}
	return fm.EndStruct()
}

func writeUint32Placeholder(buf *Buffer) error {
	_, err := buf.Write([]byte{0, 0, 0, 0})
	return err
}

func writeUint32(buf *Buffer, v uint32, order ByteOrder) error {
	var tmp [4]byte
	order.PutUint32(tmp[:], v)
	_, err := buf.Write(tmp[:])
	return err
}

// ParseMessage decodes a complete wire-format message (fixed header,
// header fields array, body) from data.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) < fixedHeaderSize {
		return nil, errNeedMoreData
	}
	order, err := orderForByte(data[0])
	if err != nil {
		return nil, err
	}
	typ := MessageType(data[1])
	flags := MessageFlag(data[2])
	if data[3] != protocolVersion {
		return nil, errBadProtocol
	}
	bodyLen := order.Uint32(data[4:8])
	serial := order.Uint32(data[8:12])

	// Alignment is relative to the start of the message, so the header
	// iterator runs over all of data, starting just past the fixed prefix.
	it := NewIterator("a(yv)", data, order)
	it.at = fixedHeaderSize
	elemSig, err := it.BeginArray()
	if err != nil {
		return nil, wrap(err, "parse header fields")
	}
	_ = elemSig
	m := &Message{Type: typ, Flags: flags, Serial: serial}
	for it.InArray() {
		if err := readHeaderField(it, m); err != nil {
			return nil, wrap(err, "parse header field")
		}
	}
	if err := it.EndArray(); err != nil {
		return nil, err
	}

	headerEnd := it.Offset()
	bodyStart := headerEnd + AlignTo(headerEnd, 8)
	if len(data) < bodyStart+int(bodyLen) {
		return nil, errNeedMoreData
	}
	if bodyLen > 0 {
		bit := NewIterator(m.Signature, data[bodyStart:bodyStart+int(bodyLen)], order)
		for bit.Remaining() {
			var v interface{}
			if err := bit.Decode(&v); err != nil {
				return nil, wrap(err, "parse message body")
			}
			m.Body = append(m.Body, v)
		}
	}
	return m, nil
}

func readHeaderField(it *Iterator, m *Message) error {
	if err := it.BeginStruct(); err != nil {
		return err
	}
	code, err := it.ReadByte()
	if err != nil {
		return err
	}
	innerSig, err := it.BeginVariant()
	if err != nil {
		return err
	}
	switch code {
	case FieldPath:
		v, err := it.ReadObjectPath()
		if err != nil {
			return err
		}
		m.Path = v
	case FieldInterface:
		v, err := it.ReadString()
		if err != nil {
			return err
		}
		m.Interface = v
	case FieldMember:
		v, err := it.ReadString()
		if err != nil {
			return err
		}
		m.Member = v
	case FieldErrorName:
		v, err := it.ReadString()
		if err != nil {
			return err
		}
		m.ErrorName = v
	case FieldReplySerial:
		v, err := it.ReadUint32()
		if err != nil {
			return err
		}
		m.ReplySerial = v
	case FieldDestination:
		v, err := it.ReadString()
		if err != nil {
			return err
		}
		m.Destination = v
	case FieldSender:
		v, err := it.ReadString()
		if err != nil {
			return err
		}
		m.Sender = v
	case FieldSignature:
		v, err := it.ReadSignature()
		if err != nil {
			return err
		}
		m.Signature = v
	default:
		// Unrecognized header fields (e.g. a future extension) are
		// decoded generically and discarded, per the protocol's
		// forward-compatibility rule that unknown fields are ignored.
		var v interface{}
		if err := it.Decode(&v); err != nil {
			return err
		}
		_ = innerSig
	}
	if err := it.EndVariant(); err != nil {
		return err
	}
	return it.EndStruct()
}

// ReadMessage reads one complete message from r: the fixed 12-byte
// prefix, then the header fields array (whose own 4-byte length
// prefix announces how much more of the header follows) and finally
// the body, whose length was given in the fixed prefix.
func ReadMessage(r io.Reader) (*Message, error) {
	var prefix [fixedHeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	order, err := orderForByte(prefix[0])
	if err != nil {
		return nil, err
	}
	if prefix[3] != protocolVersion {
		return nil, errBadProtocol
	}
	bodyLen := order.Uint32(prefix[4:8])

	var fieldsLenBuf [4]byte
	if _, err := io.ReadFull(r, fieldsLenBuf[:]); err != nil {
		return nil, err
	}
	fieldsLen := order.Uint32(fieldsLenBuf[:])

	fieldsBody := make([]byte, fieldsLen)
	if fieldsLen > 0 {
		if _, err := io.ReadFull(r, fieldsBody); err != nil {
			return nil, err
		}
	}
	headerLen := fixedHeaderSize + 4 + int(fieldsLen)
	pad := AlignTo(headerLen, 8)
	padding := make([]byte, pad)
	if pad > 0 {
		if _, err := io.ReadFull(r, padding); err != nil {
			return nil, err
		}
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}
	}

	full := make([]byte, 0, headerLen+pad+len(body))
	full = append(full, prefix[:]...)
	full = append(full, fieldsLenBuf[:]...)
	full = append(full, fieldsBody...)
	full = append(full, padding...)
	full = append(full, body...)
	return ParseMessage(full)
}
