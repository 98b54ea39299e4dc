package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferWriteByte(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteByte(1))
	require.NoError(t, b.WriteByte(2))
	assert.Equal(t, []byte{1, 2}, b.Bytes())
}

func TestBufferAppendPad(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteByte(1))
	require.NoError(t, b.AppendPad(1))
	assert.Equal(t, []byte{1}, b.Bytes())

	require.NoError(t, b.AppendPad(2))
	assert.Equal(t, []byte{1, 0}, b.Bytes())

	require.NoError(t, b.AppendPad(4))
	assert.Equal(t, []byte{1, 0, 0, 0}, b.Bytes())

	require.NoError(t, b.AppendPad(8))
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, b.Bytes())
}

func TestAlignTo(t *testing.T) {
	assert.Equal(t, 0, AlignTo(0, 4))
	assert.Equal(t, 3, AlignTo(1, 4))
	assert.Equal(t, 0, AlignTo(8, 8))
	assert.Equal(t, 7, AlignTo(1, 8))
}

func TestBufferReset(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteByte(9))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}

func TestPutUint32At(t *testing.T) {
	b := NewBuffer()
	require.NoError(t, b.WriteByte(0))
	_, err := b.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	PutUint32At(b.data, 1, 0x01020304, nativeOrder)
	var got uint32
	got = nativeOrder.Uint32(b.data[1:5])
	assert.Equal(t, uint32(0x01020304), got)
}
