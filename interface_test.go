package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInterfaceIsEmpty(t *testing.T) {
	iface := NewInterface("com.example.Foo")
	assert.Equal(t, "com.example.Foo", iface.Name)
	assert.Empty(t, iface.Methods)
	assert.Empty(t, iface.Signals)
	assert.Empty(t, iface.Properties)
}

func TestInterfaceAddMethodSignalPropertyChain(t *testing.T) {
	iface := NewInterface("com.example.Foo").
		AddMethod(&Method{Name: "Bar"}).
		AddSignal(&Signal{Name: "Changed"}).
		AddProperty(&Property{Name: "Value"}).
		Annotate("org.freedesktop.DBus.Deprecated", "true")

	assert.Contains(t, iface.Methods, "Bar")
	assert.Contains(t, iface.Signals, "Changed")
	assert.Contains(t, iface.Properties, "Value")
	assert.Equal(t, "true", iface.Annotations["org.freedesktop.DBus.Deprecated"])
}

func TestInterfaceAnnotateMemberSetsOnlyMatchingMember(t *testing.T) {
	iface := NewInterface("com.example.Foo").
		AddMethod(&Method{Name: "Bar"}).
		AddSignal(&Signal{Name: "Changed"}).
		AddProperty(&Property{Name: "Value"})

	iface.AnnotateMember("Bar", "org.freedesktop.DBus.Deprecated", "true")
	iface.AnnotateMember("DoesNotExist", "org.freedesktop.DBus.Deprecated", "true")

	assert.Equal(t, "true", iface.Methods["Bar"].Annotations["org.freedesktop.DBus.Deprecated"])
	assert.Empty(t, iface.Signals["Changed"].Annotations)
	assert.Empty(t, iface.Properties["Value"].Annotations)
}

func TestInterfaceRefUnref(t *testing.T) {
	iface := NewInterface("com.example.Foo")
	iface.ref()
	iface.ref()
	assert.False(t, iface.unref())
	assert.True(t, iface.unref())
}

func TestPropertyAccessString(t *testing.T) {
	assert.Equal(t, "read", PropertyReadOnly.String())
	assert.Equal(t, "write", PropertyWriteOnly.String())
	assert.Equal(t, "readwrite", PropertyReadWrite.String())
	assert.Equal(t, "invalid", PropertyAccess(99).String())
}

func TestMethodContextReplyOnlyOnce(t *testing.T) {
	call, err := NewMethodCall("com.example.Foo", "/com/example/Foo", "com.example.Foo", "Bar")
	require.NoError(t, err)

	ctx := &MethodContext{Call: call}

	// Reply without a live Connection would panic on Send; verify the
	// replied guard prevents a second attempt instead of exercising the
	// wire path here.
	ctx.replied = true
	assert.NoError(t, ctx.Reply("ok"))
	assert.NoError(t, ctx.ReplyError(ErrUnknownMethod, "nope"))
}

func TestMethodContextNoReplyExpectedSkipsSend(t *testing.T) {
	call, err := NewMethodCall("com.example.Foo", "/com/example/Foo", "com.example.Foo", "Bar")
	require.NoError(t, err)
	call.Flags |= FlagNoReplyExpected

	ctx := &MethodContext{Call: call}
	assert.NoError(t, ctx.Reply("ok"))
	assert.True(t, ctx.replied)
}
