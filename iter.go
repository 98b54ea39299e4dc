package dbus

import (
	"reflect"

	"github.com/pkg/errors"
)

// Iterator performs typed, structured decoding from a byte slice: it
// tracks a signature cursor, an endianness, and a bounds-checked
// offset into data. Returned strings are copies, so they stay valid
// after data is reused; the NUL that follows each string on the wire
// is skipped without being checked.
type Iterator struct {
	sig   Signature
	sigAt int
	data  []byte
	at    int
	order ByteOrder
	stack []iterFrame
}

type iterKind int

const (
	iterArray iterKind = iota
	iterStruct
	iterDictEntry
	iterVariant
)

type iterFrame struct {
	kind      iterKind
	endOffset int       // for arrays: the byte offset the cursor must reach
	savedSig  Signature // for variants: the outer signature to restore
	savedAt   int
}

// NewIterator returns an Iterator over data, decoding sig-typed values
// in order, using order for multi-byte fields.
func NewIterator(sig Signature, data []byte, order ByteOrder) *Iterator {
	if order == nil {
		order = nativeOrder
	}
	return &Iterator{sig: sig, data: data, order: order}
}

// Offset returns the current byte offset into the underlying data.
func (it *Iterator) Offset() int { return it.at }

// Remaining reports whether unconsumed signature remains at the
// current nesting level.
func (it *Iterator) Remaining() bool { return it.sigAt < len(it.sig) }

func (it *Iterator) align(n int) error {
	pad := AlignTo(it.at, n)
	if it.at+pad > len(it.data) {
		return errBufferOverrun
	}
	it.at += pad
	return nil
}

func (it *Iterator) nextCode() (byte, error) {
	if it.sigAt >= len(it.sig) {
		return 0, errSignatureOverrun
	}
	return it.sig[it.sigAt], nil
}

func (it *Iterator) expect(code byte) error {
	c, err := it.nextCode()
	if err != nil {
		return err
	}
	if c != code {
		return errors.Errorf("dbus: iterator: expected type %q, signature has %q", string(code), string(c))
	}
	it.sigAt++
	return nil
}

func (it *Iterator) need(n int) error {
	if it.at+n > len(it.data) {
		return errBufferOverrun
	}
	return nil
}

// ReadByte reads a 'y' value.
func (it *Iterator) ReadByte() (byte, error) {
	if err := it.expect('y'); err != nil {
		return 0, err
	}
	if err := it.need(1); err != nil {
		return 0, err
	}
	v := it.data[it.at]
	it.at++
	return v, nil
}

// ReadBool reads a 'b' value.
func (it *Iterator) ReadBool() (bool, error) {
	if err := it.expect('b'); err != nil {
		return false, err
	}
	if err := it.align(4); err != nil {
		return false, err
	}
	if err := it.need(4); err != nil {
		return false, err
	}
	v := it.order.Uint32(it.data[it.at:])
	it.at += 4
	return v != 0, nil
}

// ReadInt16 reads an 'n' value.
func (it *Iterator) ReadInt16() (int16, error) {
	if err := it.expect('n'); err != nil {
		return 0, err
	}
	if err := it.align(2); err != nil {
		return 0, err
	}
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := int16(it.order.Uint16(it.data[it.at:]))
	it.at += 2
	return v, nil
}

// ReadUint16 reads a 'q' value.
func (it *Iterator) ReadUint16() (uint16, error) {
	if err := it.expect('q'); err != nil {
		return 0, err
	}
	if err := it.align(2); err != nil {
		return 0, err
	}
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := it.order.Uint16(it.data[it.at:])
	it.at += 2
	return v, nil
}

// ReadInt32 reads an 'i' value.
func (it *Iterator) ReadInt32() (int32, error) {
	if err := it.expect('i'); err != nil {
		return 0, err
	}
	if err := it.align(4); err != nil {
		return 0, err
	}
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := int32(it.order.Uint32(it.data[it.at:]))
	it.at += 4
	return v, nil
}

// ReadUint32 reads a 'u' value.
func (it *Iterator) ReadUint32() (uint32, error) {
	if err := it.expect('u'); err != nil {
		return 0, err
	}
	return it.readUint32Raw()
}

func (it *Iterator) readUint32Raw() (uint32, error) {
	if err := it.align(4); err != nil {
		return 0, err
	}
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := it.order.Uint32(it.data[it.at:])
	it.at += 4
	return v, nil
}

// ReadInt64 reads an 'x' value.
func (it *Iterator) ReadInt64() (int64, error) {
	if err := it.expect('x'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := int64(it.order.Uint64(it.data[it.at:]))
	it.at += 8
	return v, nil
}

// ReadUint64 reads a 't' value.
func (it *Iterator) ReadUint64() (uint64, error) {
	if err := it.expect('t'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := it.order.Uint64(it.data[it.at:])
	it.at += 8
	return v, nil
}

// ReadFloat64 reads a 'd' value.
func (it *Iterator) ReadFloat64() (float64, error) {
	if err := it.expect('d'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := float64frombits(it.order.Uint64(it.data[it.at:]))
	it.at += 8
	return v, nil
}

// ReadString reads an 's' value.
func (it *Iterator) ReadString() (string, error) {
	if err := it.expect('s'); err != nil {
		return "", err
	}
	return it.readCountedString(4)
}

// ReadObjectPath reads an 'o' value.
func (it *Iterator) ReadObjectPath() (ObjectPath, error) {
	if err := it.expect('o'); err != nil {
		return "", err
	}
	s, err := it.readCountedString(4)
	return ObjectPath(s), err
}

func (it *Iterator) readCountedString(lenAlign int) (string, error) {
	if err := it.align(lenAlign); err != nil {
		return "", err
	}
	if err := it.need(4); err != nil {
		return "", err
	}
	n := it.order.Uint32(it.data[it.at:])
	it.at += 4
	if err := it.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(it.data[it.at : it.at+int(n)])
	it.at += int(n) + 1
	return s, nil
}

// ReadSignature reads a 'g' value (single-byte length prefix).
func (it *Iterator) ReadSignature() (Signature, error) {
	if err := it.expect('g'); err != nil {
		return "", err
	}
	if err := it.need(1); err != nil {
		return "", err
	}
	n := it.data[it.at]
	it.at++
	if err := it.need(int(n) + 1); err != nil {
		return "", err
	}
	s := Signature(it.data[it.at : it.at+int(n)])
	it.at += int(n) + 1
	return s, nil
}

// BeginArray opens an array for reading, returning the element
// signature. Use InArray/EndArray to iterate its elements.
func (it *Iterator) BeginArray() (elemSig Signature, err error) {
	if err := it.expect('a'); err != nil {
		return "", err
	}
	n, err := it.readUint32Raw()
	if err != nil {
		return "", err
	}
	if n > MaxArraySize {
		return "", errArrayTooLarge
	}
	elemStart := it.sigAt
	elemEnd, e := signatureTokenEnd(it.sig, elemStart)
	if e != nil {
		return "", e
	}
	elemSig = it.sig[elemStart:elemEnd]
	elemAlign := Alignment(elemSig[0])
	if err := it.align(elemAlign); err != nil {
		return "", err
	}
	endOffset := it.at + int(n)
	if err := it.need(int(n)); err != nil {
		return "", err
	}
	it.stack = append(it.stack, iterFrame{kind: iterArray, endOffset: endOffset, savedSig: it.sig, savedAt: it.sigAt})
	it.sig = elemSig
	it.sigAt = 0
	return elemSig, nil
}

// InArray reports whether the cursor is still before the array's end
// offset (and so another element may be read).
func (it *Iterator) InArray() bool {
	if len(it.stack) == 0 {
		return false
	}
	frame := it.stack[len(it.stack)-1]
	if frame.kind != iterArray {
		return false
	}
	if it.sigAt >= len(it.sig) {
		it.sigAt = 0 // rewind to re-read the (single) element token
	}
	return it.at < frame.endOffset
}

// EndArray closes the array, validating the cursor landed exactly on
// the recorded end offset.
func (it *Iterator) EndArray() error {
	if len(it.stack) == 0 || it.stack[len(it.stack)-1].kind != iterArray {
		return errors.New("dbus: iterator: no open array to close")
	}
	frame := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	if it.at != frame.endOffset {
		return errors.New("dbus: iterator: array body did not consume exactly its declared length")
	}
	it.sig = frame.savedSig
	it.sigAt = frame.savedAt
	return nil
}

// BeginStruct opens a struct for reading, aligning to 8.
func (it *Iterator) BeginStruct() error {
	if err := it.expect('('); err != nil {
		return err
	}
	if err := it.align(8); err != nil {
		return err
	}
	it.stack = append(it.stack, iterFrame{kind: iterStruct})
	return nil
}

// EndStruct closes the most recently opened struct.
func (it *Iterator) EndStruct() error {
	if err := it.expect(')'); err != nil {
		return err
	}
	if len(it.stack) == 0 || it.stack[len(it.stack)-1].kind != iterStruct {
		return errors.New("dbus: iterator: no open struct to close")
	}
	it.stack = it.stack[:len(it.stack)-1]
	return nil
}

// BeginDictEntry opens a dict-entry for reading, aligning to 8.
func (it *Iterator) BeginDictEntry() error {
	if err := it.expect('{'); err != nil {
		return err
	}
	if err := it.align(8); err != nil {
		return err
	}
	it.stack = append(it.stack, iterFrame{kind: iterDictEntry})
	return nil
}

// EndDictEntry closes the most recently opened dict-entry.
func (it *Iterator) EndDictEntry() error {
	if err := it.expect('}'); err != nil {
		return err
	}
	if len(it.stack) == 0 || it.stack[len(it.stack)-1].kind != iterDictEntry {
		return errors.New("dbus: iterator: no open dict-entry to close")
	}
	it.stack = it.stack[:len(it.stack)-1]
	return nil
}

// BeginVariant reads the embedded signature of a 'v' value and pushes
// it as a nested cursor; the caller then reads exactly one value of
// that signature before calling EndVariant.
func (it *Iterator) BeginVariant() (innerSig Signature, err error) {
	if err := it.expect('v'); err != nil {
		return "", err
	}
	// The embedded signature is part of the 'v' value itself, so it is
	// read without consuming a 'g' from the signature cursor.
	if err := it.need(1); err != nil {
		return "", err
	}
	n := int(it.data[it.at])
	it.at++
	if err := it.need(n + 1); err != nil {
		return "", err
	}
	innerSig = Signature(it.data[it.at : it.at+n])
	it.at += n + 1
	it.stack = append(it.stack, iterFrame{kind: iterVariant, savedSig: it.sig, savedAt: it.sigAt})
	it.sig = innerSig
	it.sigAt = 0
	return innerSig, nil
}

// EndVariant restores the outer signature cursor.
func (it *Iterator) EndVariant() error {
	if len(it.stack) == 0 || it.stack[len(it.stack)-1].kind != iterVariant {
		return errors.New("dbus: iterator: no open variant to close")
	}
	frame := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	it.sig = frame.savedSig
	it.sigAt = frame.savedAt
	return nil
}

// signatureTokenEnd returns the index just past the complete type
// tree starting at sig[start].
func signatureTokenEnd(sig Signature, start int) (int, error) {
	if start >= len(sig) {
		return 0, errSignatureOverrun
	}
	switch sig[start] {
	case 'a':
		return signatureTokenEnd(sig, start+1)
	case '(':
		depth := 0
		for i := start + 1; i < len(sig); i++ {
			switch sig[i] {
			case '(':
				depth++
			case ')':
				if depth == 0 {
					return i + 1, nil
				}
				depth--
			}
		}
		return 0, errSignatureOverrun
	case '{':
		depth := 0
		for i := start + 1; i < len(sig); i++ {
			switch sig[i] {
			case '{':
				depth++
			case '}':
				if depth == 0 {
					return i + 1, nil
				}
				depth--
			}
		}
		return 0, errSignatureOverrun
	default:
		return start + 1, nil
	}
}

// Decode reads len(args) values in order into the pointers in args,
// deriving each one's expected wire representation from the pointee's
// reflect.Kind. It mirrors Marshaller.Append for the common case of
// decoding a known Go shape (a method's declared return values, a
// struct, etc).
func (it *Iterator) Decode(args ...interface{}) error {
	for _, arg := range args {
		v := reflect.ValueOf(arg)
		if v.Kind() != reflect.Ptr {
			return errors.New("dbus: Decode: arguments must be pointers")
		}
		if err := it.decodeReflected(v.Elem()); err != nil {
			return err
		}
	}
	return nil
}

func (it *Iterator) decodeReflected(v reflect.Value) error {
	code, err := it.nextCode()
	if err != nil {
		return err
	}
	switch code {
	case 'y':
		val, err := it.ReadByte()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'b':
		val, err := it.ReadBool()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'n':
		val, err := it.ReadInt16()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'q':
		val, err := it.ReadUint16()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'i':
		val, err := it.ReadInt32()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'u':
		val, err := it.ReadUint32()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'x':
		val, err := it.ReadInt64()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 't':
		val, err := it.ReadUint64()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'd':
		val, err := it.ReadFloat64()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 's':
		val, err := it.ReadString()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'o':
		val, err := it.ReadObjectPath()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'g':
		val, err := it.ReadSignature()
		if err != nil {
			return err
		}
		return setDecoded(v, val)
	case 'v':
		if _, err := it.BeginVariant(); err != nil {
			return err
		}
		var inner interface{}
		if err := it.decodeReflected(reflect.ValueOf(&inner).Elem()); err != nil {
			return err
		}
		if err := it.EndVariant(); err != nil {
			return err
		}
		return setDecoded(v, Variant{Value: inner})
	case 'a':
		return it.decodeArrayReflected(v)
	case '(':
		return it.decodeStructReflected(v)
	}
	return errors.Errorf("dbus: Decode: unsupported type code %q", string(code))
}

func (it *Iterator) decodeArrayReflected(v reflect.Value) error {
	// Dict (a{..}) decodes into a map if the target is a map or
	// interface{}; otherwise a plain array decodes into a slice.
	isDict := it.sigAt+1 < len(it.sig) && it.sig[it.sigAt+1] == '{'
	if isDict && (v.Kind() == reflect.Map || v.Kind() == reflect.Interface) {
		return it.decodeMapReflected(v)
	}
	if _, err := it.BeginArray(); err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.Slice:
		v.Set(reflect.MakeSlice(v.Type(), 0, 0))
		for it.InArray() {
			elem := reflect.New(v.Type().Elem()).Elem()
			if err := it.decodeReflected(elem); err != nil {
				return err
			}
			v.Set(reflect.Append(v, elem))
		}
	case reflect.Interface:
		var out []interface{}
		for it.InArray() {
			var elem interface{}
			if err := it.decodeReflected(reflect.ValueOf(&elem).Elem()); err != nil {
				return err
			}
			out = append(out, elem)
		}
		v.Set(reflect.ValueOf(out))
	default:
		return errors.Errorf("dbus: Decode: cannot decode array into %s", v.Type())
	}
	return it.EndArray()
}

func (it *Iterator) decodeMapReflected(v reflect.Value) error {
	if _, err := it.BeginArray(); err != nil {
		return err
	}
	var m reflect.Value
	if v.Kind() == reflect.Map {
		m = reflect.MakeMap(v.Type())
	} else {
		m = reflect.MakeMap(reflect.MapOf(typeBlankInterface, typeBlankInterface))
	}
	for it.InArray() {
		if err := it.BeginDictEntry(); err != nil {
			return err
		}
		var key, val reflect.Value
		if m.Type().Key() == typeBlankInterface {
			key = reflect.New(typeBlankInterface).Elem()
		} else {
			key = reflect.New(m.Type().Key()).Elem()
		}
		if err := it.decodeReflected(key); err != nil {
			return err
		}
		if m.Type().Elem() == typeBlankInterface {
			val = reflect.New(typeBlankInterface).Elem()
		} else {
			val = reflect.New(m.Type().Elem()).Elem()
		}
		if err := it.decodeReflected(val); err != nil {
			return err
		}
		if err := it.EndDictEntry(); err != nil {
			return err
		}
		m.SetMapIndex(key, val)
	}
	if err := it.EndArray(); err != nil {
		return err
	}
	v.Set(m)
	return nil
}

func (it *Iterator) decodeStructReflected(v reflect.Value) error {
	if err := it.BeginStruct(); err != nil {
		return err
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := it.decodeReflected(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Interface:
		var fields []interface{}
		for it.sigAt < len(it.sig) && it.sig[it.sigAt] != ')' {
			var f interface{}
			if err := it.decodeReflected(reflect.ValueOf(&f).Elem()); err != nil {
				return err
			}
			fields = append(fields, f)
		}
		v.Set(reflect.ValueOf(fields))
	default:
		return errors.Errorf("dbus: Decode: cannot decode struct into %s", v.Type())
	}
	return it.EndStruct()
}

// CheckIterator wraps an Iterator with a sticky error field: once any
// Check* method observes a malformed argument, every subsequent call
// is a no-op returning the zero value, and the original error is
// available from Err. This is the Go rewrite of the source protocol
// library's longjmp-based "check" context described in DESIGN NOTES —
// a dispatch handler runs a sequence of Check* calls unconditionally
// and tests Err once at the end, instead of threading an error return
// through every call site.
type CheckIterator struct {
	it  *Iterator
	err error
}

// NewCheckIterator wraps it for short-circuiting reads.
func NewCheckIterator(it *Iterator) *CheckIterator {
	return &CheckIterator{it: it}
}

// Err returns the first error observed by any Check* call, or nil.
func (c *CheckIterator) Err() error { return c.err }

func (c *CheckIterator) CheckByte() byte {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadByte()
	c.err = err
	return v
}

func (c *CheckIterator) CheckBool() bool {
	if c.err != nil {
		return false
	}
	v, err := c.it.ReadBool()
	c.err = err
	return v
}

func (c *CheckIterator) CheckInt32() int32 {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadInt32()
	c.err = err
	return v
}

func (c *CheckIterator) CheckUint32() uint32 {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadUint32()
	c.err = err
	return v
}

func (c *CheckIterator) CheckInt64() int64 {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadInt64()
	c.err = err
	return v
}

func (c *CheckIterator) CheckUint64() uint64 {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadUint64()
	c.err = err
	return v
}

func (c *CheckIterator) CheckFloat64() float64 {
	if c.err != nil {
		return 0
	}
	v, err := c.it.ReadFloat64()
	c.err = err
	return v
}

func (c *CheckIterator) CheckString() string {
	if c.err != nil {
		return ""
	}
	v, err := c.it.ReadString()
	c.err = err
	return v
}

func (c *CheckIterator) CheckObjectPath() ObjectPath {
	if c.err != nil {
		return ""
	}
	v, err := c.it.ReadObjectPath()
	c.err = err
	return v
}

func (c *CheckIterator) CheckSignature() Signature {
	if c.err != nil {
		return ""
	}
	v, err := c.it.ReadSignature()
	c.err = err
	return v
}

// CheckDecode decodes into args, same as Iterator.Decode, short-
// circuiting on the sticky error.
func (c *CheckIterator) CheckDecode(args ...interface{}) {
	if c.err != nil {
		return
	}
	c.err = c.it.Decode(args...)
}

func setDecoded(v reflect.Value, val interface{}) error {
	if v.Kind() == reflect.Interface {
		v.Set(reflect.ValueOf(val))
		return nil
	}
	rv := reflect.ValueOf(val)
	if !rv.Type().ConvertibleTo(v.Type()) {
		return errors.Errorf("dbus: Decode: cannot assign %s into %s", rv.Type(), v.Type())
	}
	v.Set(rv.Convert(v.Type()))
	return nil
}
