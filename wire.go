package dbus

import "encoding/binary"

// ByteOrder is the wire byte order used by a Marshaller/Iterator/Message.
// It is exactly encoding/binary.ByteOrder; the alias exists so this
// package's public API doesn't force every caller to import
// encoding/binary just to say "LittleEndian".
type ByteOrder = binary.ByteOrder

var (
	// LittleEndian is binary.LittleEndian, selected by wire byte 'l'.
	LittleEndian = binary.LittleEndian
	// BigEndian is binary.BigEndian, selected by wire byte 'B'.
	BigEndian = binary.BigEndian
)

// nativeOrder is the byte order used for brand-new outgoing messages
// when the caller hasn't expressed a preference. D-Bus permits
// either; little-endian is what every mainstream bus daemon and
// client library emits by default, so new messages follow suit
// rather than probing host endianness.
var nativeOrder ByteOrder = binary.LittleEndian

// endianByte returns the wire endianness marker ('l' or 'B') for order.
func endianByte(order ByteOrder) byte {
	if order == binary.BigEndian {
		return 'B'
	}
	return 'l'
}

// orderForByte maps the wire endianness marker back to a ByteOrder.
func orderForByte(b byte) (ByteOrder, error) {
	switch b {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, errBadEndian
	}
}
