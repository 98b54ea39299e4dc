package dbus

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignatureValidateBasic(t *testing.T) {
	for _, sig := range []Signature{"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "v"} {
		ok, _ := sig.Validate()
		assert.Truef(t, ok, "expected %q to validate", sig)
	}
}

func TestSignatureValidateContainers(t *testing.T) {
	cases := []Signature{"ai", "a{sv}", "(is)", "a(is)", "aas", "(a{sv}i)"}
	for _, sig := range cases {
		ok, _ := sig.Validate()
		assert.Truef(t, ok, "expected %q to validate", sig)
	}
}

func TestSignatureValidateRejectsMalformed(t *testing.T) {
	cases := []Signature{"", "(", ")", "a", "a{s}", "{sv}", "zz", "()"}
	for _, sig := range cases {
		ok, _ := sig.Validate()
		assert.Falsef(t, ok, "expected %q to be rejected", sig)
	}
}

func TestSignatureValidateDictEntryMustBeBasicKey(t *testing.T) {
	ok, _ := Signature("a{vs}").Validate()
	assert.False(t, ok)
}

func TestSignatureValidateTooLong(t *testing.T) {
	long := make([]byte, MaxSignatureLength+1)
	for i := range long {
		long[i] = 'y'
	}
	ok, pos := Signature(long).Validate()
	assert.False(t, ok)
	assert.Equal(t, MaxSignatureLength, pos)
}

func TestSignatureIterateStruct(t *testing.T) {
	toks, err := Signature("(isai)").Iterate()
	assert.NoError(t, err)
	assert.Len(t, toks, 1)
	assert.Equal(t, byte('('), toks[0].Code)
	assert.Len(t, toks[0].Fields, 3)
	assert.Equal(t, byte('i'), toks[0].Fields[0].Code)
	assert.Equal(t, byte('s'), toks[0].Fields[1].Code)
	assert.Equal(t, byte('a'), toks[0].Fields[2].Code)
	assert.Equal(t, byte('i'), toks[0].Fields[2].Elem.Code)
}

func TestSignatureIterateDictEntryArray(t *testing.T) {
	toks, err := Signature("a{sv}").Iterate()
	assert.NoError(t, err)
	assert.Len(t, toks, 1)
	assert.Equal(t, byte('a'), toks[0].Code)
	assert.Equal(t, byte('{'), toks[0].Elem.Code)
	assert.Equal(t, byte('s'), toks[0].Elem.Fields[0].Code)
	assert.Equal(t, byte('v'), toks[0].Elem.Fields[1].Code)
}

func TestAlignment(t *testing.T) {
	assert.Equal(t, 1, Alignment('y'))
	assert.Equal(t, 4, Alignment('i'))
	assert.Equal(t, 8, Alignment('x'))
	assert.Equal(t, 8, Alignment('('))
	assert.Equal(t, 1, Alignment('v'))
}

func TestSignatureOfBasicTypes(t *testing.T) {
	sig, err := SignatureOf(reflect.TypeOf(int32(0)))
	assert.NoError(t, err)
	assert.Equal(t, Signature("i"), sig)

	sig, err = SignatureOf(reflect.TypeOf(""))
	assert.NoError(t, err)
	assert.Equal(t, Signature("s"), sig)

	sig, err = SignatureOf(reflect.TypeOf(map[string]int32(nil)))
	assert.NoError(t, err)
	assert.Equal(t, Signature("a{si}"), sig)
}
