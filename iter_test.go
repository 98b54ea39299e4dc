package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalOne(t *testing.T, args ...interface{}) (Signature, []byte) {
	t.Helper()
	buf := NewBuffer()
	m := NewMarshaller(buf, nativeOrder)
	require.NoError(t, m.Append(args...))
	return m.Signature(), buf.Bytes()
}

func TestIteratorReadBasicTypes(t *testing.T) {
	sig, data := marshalOne(t, byte(7), true, int16(-1), uint16(2), int32(-3),
		uint32(4), int64(-5), uint64(6), float64(7.5), "hi")
	it := NewIterator(sig, data, nativeOrder)

	b, err := it.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(7), b)

	boolean, err := it.ReadBool()
	require.NoError(t, err)
	assert.True(t, boolean)

	i16, err := it.ReadInt16()
	require.NoError(t, err)
	assert.Equal(t, int16(-1), i16)

	u16, err := it.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(2), u16)

	i32, err := it.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-3), i32)

	u32, err := it.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), u32)

	i64, err := it.ReadInt64()
	require.NoError(t, err)
	assert.Equal(t, int64(-5), i64)

	u64, err := it.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(6), u64)

	f, err := it.ReadFloat64()
	require.NoError(t, err)
	assert.Equal(t, 7.5, f)

	s, err := it.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hi", s)
}

func TestIteratorDecodeReflected(t *testing.T) {
	sig, data := marshalOne(t, int32(42), "hello", []int32{1, 2, 3})
	it := NewIterator(sig, data, nativeOrder)

	var i int32
	var s string
	var nums []int32
	require.NoError(t, it.Decode(&i, &s, &nums))
	assert.Equal(t, int32(42), i)
	assert.Equal(t, "hello", s)
	assert.Equal(t, []int32{1, 2, 3}, nums)
}

func TestIteratorDecodeMap(t *testing.T) {
	sig, data := marshalOne(t, map[string]int32{"a": 1, "b": 2})
	it := NewIterator(sig, data, nativeOrder)

	var m map[string]int32
	require.NoError(t, it.Decode(&m))
	assert.Equal(t, map[string]int32{"a": 1, "b": 2}, m)
}

func TestIteratorDecodeStruct(t *testing.T) {
	type pair struct {
		One int32
		Two string
	}
	sig, data := marshalOne(t, pair{42, "hello"})
	it := NewIterator(sig, data, nativeOrder)

	var p pair
	require.NoError(t, it.Decode(&p))
	assert.Equal(t, pair{42, "hello"}, p)
}

func TestIteratorDecodeVariant(t *testing.T) {
	sig, data := marshalOne(t, Variant{int32(99)})
	it := NewIterator(sig, data, nativeOrder)

	var v Variant
	require.NoError(t, it.Decode(&v))
	assert.Equal(t, int32(99), v.Value)
}

func TestIteratorArrayContainerExplicit(t *testing.T) {
	buf := NewBuffer()
	m := NewMarshaller(buf, nativeOrder)
	require.NoError(t, m.BeginArray("i"))
	require.NoError(t, m.AppendInt32(1))
	require.NoError(t, m.AppendInt32(2))
	require.NoError(t, m.EndArray())

	it := NewIterator(m.Signature(), buf.Bytes(), nativeOrder)
	_, err := it.BeginArray()
	require.NoError(t, err)
	var got []int32
	for it.InArray() {
		v, err := it.ReadInt32()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, it.EndArray())
	assert.Equal(t, []int32{1, 2}, got)
}

func TestCheckIteratorStickyError(t *testing.T) {
	sig, data := marshalOne(t, int32(1))
	it := NewCheckIterator(NewIterator(sig, data, nativeOrder))

	_ = it.CheckInt32()
	assert.NoError(t, it.Err())

	// Reading past the signature should set a sticky error rather
	// than panicking.
	_ = it.CheckInt32()
	assert.Error(t, it.Err())

	// Further reads must not change the error once set.
	firstErr := it.Err()
	_ = it.CheckString()
	assert.Equal(t, firstErr, it.Err())
}
