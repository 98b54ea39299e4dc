package dbus

import (
	"fmt"

	"github.com/pkg/errors"
)

// Standard D-Bus error names, bit-exact per the specification.
const (
	ErrUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrPropertyWriteOnly = "org.freedesktop.DBus.Error.PropertyWriteOnly"
	ErrInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrInvalidSignature = "org.freedesktop.DBus.Error.InvalidSignature"
	ErrNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrTimeout          = "org.freedesktop.DBus.Error.Timeout"
	ErrNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
)

// Error is a D-Bus error reply, carrying the bit-exact error name and
// a human-readable message. It satisfies the error interface so it
// can be returned directly by Caller/ObjectProxy methods.
type Error struct {
	Name    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprint(e.Name, ": ", e.Message)
}

// NewError builds an *Error with the given standard or custom name.
func NewError(name, message string) *Error {
	return &Error{Name: name, Message: message}
}

// codec errors are local to the marshaller/iterator/signature/message
// parser; they never name a D-Bus error and always get wrapped with
// pkg/errors so the parse-failure call site keeps a stack trace.
var (
	errBufferOverrun    = errors.New("dbus: buffer too small")
	errSignatureOverrun = errors.New("dbus: signature exhausted")
	errSignatureTooLong = errors.New("dbus: signature exceeds 255 bytes")
	errSignatureDepth   = errors.New("dbus: signature nesting too deep")
	errSignatureEmpty   = errors.New("dbus: signature is empty")
	errUnbalancedBraces = errors.New("dbus: unbalanced container brackets in signature")
	errInvalidTypeCode  = errors.New("dbus: invalid type code")
	errInvalidUTF8      = errors.New("dbus: string is not valid UTF-8")
	errEmbeddedNUL      = errors.New("dbus: string contains embedded NUL")
	errArrayTooLarge    = errors.New("dbus: array exceeds 64 MiB")
	errMessageTooLarge  = errors.New("dbus: message exceeds 128 MiB")
	errBadEndian        = errors.New("dbus: unknown endianness byte")
	errBadProtocol      = errors.New("dbus: unsupported protocol version")
	errMarshalMismatch  = errors.New("dbus: value does not match expected signature")
	errNeedMoreData     = errors.New("dbus: incomplete message")
)

// wrap annotates err with msg using pkg/errors, preserving a stack
// trace back to the codec call site. Returns nil if err is nil.
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
