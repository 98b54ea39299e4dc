package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkMarshalled(t *testing.T, m *Marshaller, expectedSig string, expectedData []byte) {
	t.Helper()
	assert.Equal(t, Signature(expectedSig), m.Signature())
	assert.Equal(t, expectedData, m.buf.Bytes())
}

func TestMarshallerAppendByte(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(byte(42)))
	checkMarshalled(t, m, "y", []byte{42})
}

func TestMarshallerAppendBool(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(true))
	checkMarshalled(t, m, "b", []byte{1, 0, 0, 0})
}

func TestMarshallerAppendInt16(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(int16(42)))
	checkMarshalled(t, m, "n", []byte{42, 0})
}

func TestMarshallerAppendUint16(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(uint16(42)))
	checkMarshalled(t, m, "q", []byte{42, 0})
}

func TestMarshallerAppendInt32(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(int32(42)))
	checkMarshalled(t, m, "i", []byte{42, 0, 0, 0})
}

func TestMarshallerAppendUint32(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(uint32(42)))
	checkMarshalled(t, m, "u", []byte{42, 0, 0, 0})
}

func TestMarshallerAppendInt64(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(int64(42)))
	checkMarshalled(t, m, "x", []byte{42, 0, 0, 0, 0, 0, 0, 0})
}

func TestMarshallerAppendUint64(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(uint64(42)))
	checkMarshalled(t, m, "t", []byte{42, 0, 0, 0, 0, 0, 0, 0})
}

func TestMarshallerAppendFloat64(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(float64(42.0)))
	checkMarshalled(t, m, "d", []byte{0, 0, 0, 0, 0, 0, 69, 64})
}

func TestMarshallerAppendString(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append("hello"))
	checkMarshalled(t, m, "s", []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o', 0})
}

func TestMarshallerAppendArray(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append([]int32{42, 420}))
	checkMarshalled(t, m, "ai", []byte{8, 0, 0, 0, 42, 0, 0, 0, 164, 1, 0, 0})
}

func TestMarshallerAppendMap(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(map[string]bool{"true": true}))
	checkMarshalled(t, m, "a{sb}", []byte{
		16, 0, 0, 0, // array content length
		0, 0, 0, 0, // padding to 8 bytes
		4, 0, 0, 0, 't', 'r', 'u', 'e', 0, // "true"
		0, 0, 0, // padding to 4 bytes
		1, 0, 0, 0, // true
	})
}

func TestMarshallerAppendStruct(t *testing.T) {
	type sample struct {
		One int32
		Two string
	}
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(sample{42, "hello"}))
	checkMarshalled(t, m, "(is)", []byte{
		42, 0, 0, 0,
		5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o', 0,
	})
}

func TestMarshallerAppendAlignment(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.Append(byte(42), int16(42), true, int32(42), int64(42)))
	checkMarshalled(t, m, "ynbix", []byte{
		42,                       // byte(42)
		0,                        // padding to 2 bytes
		42, 0,                    // int16(42)
		1, 0, 0, 0,               // true
		42, 0, 0, 0,              // int32(42)
		0, 0, 0, 0,               // padding to 8 bytes
		42, 0, 0, 0, 0, 0, 0, 0, // int64(42)
	})
}

func TestMarshallerBeginEndVariant(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.BeginVariant("s"))
	require.NoError(t, m.AppendString("hi"))
	require.NoError(t, m.EndVariant())
	assert.Equal(t, Signature("v"), m.Signature())
}

func TestMarshallerMismatchedClose(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	require.NoError(t, m.BeginArray("y"))
	assert.Error(t, m.EndStruct())
}

func TestMarshallerUnmatchedClose(t *testing.T) {
	m := NewMarshaller(NewBuffer(), nativeOrder)
	assert.Error(t, m.EndArray())
}
