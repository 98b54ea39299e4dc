package dbus

import (
	"reflect"

	"github.com/pkg/errors"
)

// Marshaller performs typed, structured encoding into a Buffer,
// recording the signature of the values as they are appended; it does
// not check appended values against an expected signature. It tracks a
// stack of open containers (array/struct/dict-entry/variant) so
// End* can validate it is closing what Begin* opened and, for arrays,
// fix up the length field.
type Marshaller struct {
	buf   *Buffer
	order ByteOrder
	sig   Signature // signature accumulated so far at the current nesting level
	stack []marshalFrame
}

type marshalKind int

const (
	frameArray marshalKind = iota
	frameStruct
	frameDictEntry
	frameVariant
)

type marshalFrame struct {
	kind       marshalKind
	lengthSlot int // byte offset of the array's 4-byte length field
	startOffset int // byte offset of the array's first element
	savedSig   Signature // signature to restore on End (array and variant)
}

// NewMarshaller returns a Marshaller that appends to buf using order.
func NewMarshaller(buf *Buffer, order ByteOrder) *Marshaller {
	if order == nil {
		order = nativeOrder
	}
	return &Marshaller{buf: buf, order: order}
}

// Signature returns the signature committed so far.
func (m *Marshaller) Signature() Signature { return m.sig }

func (m *Marshaller) align(n int) error {
	return m.buf.AppendPad(n)
}

func (m *Marshaller) writeUint32(v uint32) {
	var tmp [4]byte
	m.order.PutUint32(tmp[:], v)
	m.buf.Write(tmp[:])
}

func (m *Marshaller) writeUint16(v uint16) {
	var tmp [2]byte
	m.order.PutUint16(tmp[:], v)
	m.buf.Write(tmp[:])
}

func (m *Marshaller) writeUint64(v uint64) {
	var tmp [8]byte
	m.order.PutUint64(tmp[:], v)
	m.buf.Write(tmp[:])
}

// AppendByte appends a single 'y' value.
func (m *Marshaller) AppendByte(v byte) error {
	m.sig += "y"
	return m.buf.WriteByte(v)
}

// AppendBool appends a 'b' value (wire-encoded as a 4-byte integer).
func (m *Marshaller) AppendBool(v bool) error {
	m.sig += "b"
	if err := m.align(4); err != nil {
		return err
	}
	if v {
		m.writeUint32(1)
	} else {
		m.writeUint32(0)
	}
	return nil
}

// AppendInt16 appends an 'n' value.
func (m *Marshaller) AppendInt16(v int16) error {
	m.sig += "n"
	if err := m.align(2); err != nil {
		return err
	}
	m.writeUint16(uint16(v))
	return nil
}

// AppendUint16 appends a 'q' value.
func (m *Marshaller) AppendUint16(v uint16) error {
	m.sig += "q"
	if err := m.align(2); err != nil {
		return err
	}
	m.writeUint16(v)
	return nil
}

// AppendInt32 appends an 'i' value.
func (m *Marshaller) AppendInt32(v int32) error {
	m.sig += "i"
	if err := m.align(4); err != nil {
		return err
	}
	m.writeUint32(uint32(v))
	return nil
}

// AppendUint32 appends a 'u' value.
func (m *Marshaller) AppendUint32(v uint32) error {
	m.sig += "u"
	if err := m.align(4); err != nil {
		return err
	}
	m.writeUint32(v)
	return nil
}

// AppendInt64 appends an 'x' value.
func (m *Marshaller) AppendInt64(v int64) error {
	m.sig += "x"
	if err := m.align(8); err != nil {
		return err
	}
	m.writeUint64(uint64(v))
	return nil
}

// AppendUint64 appends a 't' value.
func (m *Marshaller) AppendUint64(v uint64) error {
	m.sig += "t"
	if err := m.align(8); err != nil {
		return err
	}
	m.writeUint64(v)
	return nil
}

// AppendFloat64 appends a 'd' value.
func (m *Marshaller) AppendFloat64(v float64) error {
	m.sig += "d"
	if err := m.align(8); err != nil {
		return err
	}
	m.writeUint64(float64bits(v))
	return nil
}

// AppendString appends an 's' value: uint32 length, bytes, NUL.
func (m *Marshaller) AppendString(s string) error {
	if err := validateStringValue(s); err != nil {
		return err
	}
	m.sig += "s"
	return m.appendCountedString(s, 4)
}

// AppendObjectPath appends an 'o' value after validating it.
func (m *Marshaller) AppendObjectPath(p ObjectPath) error {
	if !p.Valid() {
		return errors.Errorf("dbus: invalid object path %q", string(p))
	}
	m.sig += "o"
	return m.appendCountedString(string(p), 4)
}

// AppendSignature appends a 'g' value: uint8 length, bytes, NUL.
func (m *Marshaller) AppendSignature(sig Signature) error {
	if len(sig) > 0 {
		if ok, pos := sig.Validate(); !ok {
			return errors.Errorf("dbus: invalid signature %q at byte %d", string(sig), pos)
		}
	}
	m.sig += "g"
	if err := m.align(1); err != nil {
		return err
	}
	if err := m.buf.WriteByte(byte(len(sig))); err != nil {
		return err
	}
	if _, err := m.buf.Write([]byte(sig)); err != nil {
		return err
	}
	return m.buf.WriteByte(0)
}

func (m *Marshaller) appendCountedString(s string, lenAlign int) error {
	if err := m.align(lenAlign); err != nil {
		return err
	}
	m.writeUint32(uint32(len(s)))
	if _, err := m.buf.Write([]byte(s)); err != nil {
		return err
	}
	return m.buf.WriteByte(0)
}

func validateStringValue(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return errEmbeddedNUL
		}
	}
	if !isValidUTF8(s) {
		return errInvalidUTF8
	}
	return nil
}

// BeginArray opens an array container. The 4-byte length field is
// reserved immediately; element-alignment padding is emitted before
// the first element (even for an empty array) so the eventual length
// value's meaning is unambiguous, per §4.3.
func (m *Marshaller) BeginArray(elemSig Signature) error {
	outerSig := m.sig + "a" + elemSig
	if err := m.align(4); err != nil {
		return err
	}
	lengthSlot := m.buf.Len()
	m.writeUint32(0) // placeholder, fixed up in EndArray
	elemAlign := Alignment(elemSig[0])
	if err := m.align(elemAlign); err != nil {
		return err
	}
	m.stack = append(m.stack, marshalFrame{
		kind:        frameArray,
		lengthSlot:  lengthSlot,
		startOffset: m.buf.Len(),
		savedSig:    outerSig,
	})
	return nil
}

// EndArray closes the most recently opened array, writing its body
// length into the reserved length slot.
func (m *Marshaller) EndArray() error {
	frame, err := m.pop(frameArray)
	if err != nil {
		return err
	}
	m.sig = frame.savedSig
	length := m.buf.Len() - frame.startOffset
	if length > MaxArraySize {
		return errArrayTooLarge
	}
	PutUint32At(m.buf.data, frame.lengthSlot, uint32(length), m.order)
	return nil
}

// BeginStruct opens a struct container, aligning to 8.
func (m *Marshaller) BeginStruct() error {
	m.sig += "("
	if err := m.align(8); err != nil {
		return err
	}
	m.stack = append(m.stack, marshalFrame{kind: frameStruct})
	return nil
}

// EndStruct closes the most recently opened struct.
func (m *Marshaller) EndStruct() error {
	_, err := m.pop(frameStruct)
	if err != nil {
		return err
	}
	m.sig += ")"
	return nil
}

// BeginDictEntry opens a dict-entry, aligning to 8. Dict-entries are
// only valid as the sole element type of an array.
func (m *Marshaller) BeginDictEntry() error {
	m.sig += "{"
	if err := m.align(8); err != nil {
		return err
	}
	m.stack = append(m.stack, marshalFrame{kind: frameDictEntry})
	return nil
}

// EndDictEntry closes the most recently opened dict-entry.
func (m *Marshaller) EndDictEntry() error {
	_, err := m.pop(frameDictEntry)
	if err != nil {
		return err
	}
	m.sig += "}"
	return nil
}

// BeginVariant opens a variant carrying innerSig: the inner signature
// is written immediately (length-prefixed), then a nested signature
// cursor takes over for the contained value.
func (m *Marshaller) BeginVariant(innerSig Signature) error {
	outerSig := m.sig + "v"
	if err := m.AppendSignature(innerSig); err != nil {
		return err
	}
	m.stack = append(m.stack, marshalFrame{kind: frameVariant, savedSig: outerSig})
	m.sig = innerSig
	return nil
}

// EndVariant closes the most recently opened variant, restoring the
// outer signature cursor.
func (m *Marshaller) EndVariant() error {
	frame, err := m.pop(frameVariant)
	if err != nil {
		return err
	}
	m.sig = frame.savedSig
	return nil
}

func (m *Marshaller) pop(want marshalKind) (marshalFrame, error) {
	if len(m.stack) == 0 {
		return marshalFrame{}, errors.New("dbus: marshal: no open container to close")
	}
	top := m.stack[len(m.stack)-1]
	if top.kind != want {
		return marshalFrame{}, errors.New("dbus: marshal: mismatched container close")
	}
	m.stack = m.stack[:len(m.stack)-1]
	return top, nil
}

// Append appends each arg, deriving its signature by reflection (the
// same convenience the teacher's encoder offered): structs become
// D-Bus structs, slices/arrays become D-Bus arrays, maps become
// a{kv}, and dbus.Variant becomes a 'v'. It is the ergonomic path
// used by Caller/ObjectProxy; code that needs §4.3's explicit
// Begin/End contract (e.g. to match a pre-declared method signature)
// should use the typed Append* and Begin*/End* methods directly.
func (m *Marshaller) Append(args ...interface{}) error {
	for _, arg := range args {
		if err := m.appendReflected(reflect.ValueOf(arg)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Marshaller) appendReflected(v reflect.Value) error {
	if v.Type().AssignableTo(typeHasObjectPath) {
		return m.AppendObjectPath(v.Interface().(HasObjectPath).GetObjectPath())
	}
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Uint8:
		return m.AppendByte(byte(v.Uint()))
	case reflect.Bool:
		return m.AppendBool(v.Bool())
	case reflect.Int16:
		return m.AppendInt16(int16(v.Int()))
	case reflect.Uint16:
		return m.AppendUint16(uint16(v.Uint()))
	case reflect.Int32, reflect.Int:
		return m.AppendInt32(int32(v.Int()))
	case reflect.Uint32:
		return m.AppendUint32(uint32(v.Uint()))
	case reflect.Int64:
		return m.AppendInt64(v.Int())
	case reflect.Uint64:
		return m.AppendUint64(v.Uint())
	case reflect.Float64:
		return m.AppendFloat64(v.Float())
	case reflect.String:
		if v.Type() == typeSignature {
			return m.AppendSignature(Signature(v.String()))
		}
		return m.AppendString(v.String())
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 && v.Type() != typeSignature {
			return m.appendByteArray(v)
		}
		elemSig, err := SignatureOf(v.Type().Elem())
		if err != nil {
			return err
		}
		if err := m.BeginArray(elemSig); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := m.appendReflected(v.Index(i)); err != nil {
				return err
			}
		}
		return m.EndArray()
	case reflect.Map:
		keySig, err := SignatureOf(v.Type().Key())
		if err != nil {
			return err
		}
		valSig, err := SignatureOf(v.Type().Elem())
		if err != nil {
			return err
		}
		if err := m.BeginArray(Signature("{") + keySig + valSig + Signature("}")); err != nil {
			return err
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := m.BeginDictEntry(); err != nil {
				return err
			}
			if err := m.appendReflected(iter.Key()); err != nil {
				return err
			}
			if err := m.appendReflected(iter.Value()); err != nil {
				return err
			}
			if err := m.EndDictEntry(); err != nil {
				return err
			}
		}
		return m.EndArray()
	case reflect.Struct:
		if v.Type() == typeVariant {
			variant := v.Interface().(Variant)
			innerSig, err := variant.VariantSignature()
			if err != nil {
				return err
			}
			if err := m.BeginVariant(innerSig); err != nil {
				return err
			}
			if err := m.appendReflected(reflect.ValueOf(variant.Value)); err != nil {
				return err
			}
			return m.EndVariant()
		}
		if err := m.BeginStruct(); err != nil {
			return err
		}
		for i := 0; i != v.NumField(); i++ {
			if err := m.appendReflected(v.Field(i)); err != nil {
				return err
			}
		}
		return m.EndStruct()
	}
	return errors.Errorf("dbus: cannot marshal %s", v.Type())
}

func (m *Marshaller) appendByteArray(v reflect.Value) error {
	if err := m.BeginArray("y"); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := m.buf.WriteByte(byte(v.Index(i).Uint())); err != nil {
			return err
		}
	}
	return m.EndArray()
}
