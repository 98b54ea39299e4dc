package dbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRuleStringRenders(t *testing.T) {
	r := &MatchRule{}
	r.WithType(TypeSignal)
	r.Interface = "org.freedesktop.DBus"
	r.Member = "NameOwnerChanged"
	assert.Equal(t, "type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged'", r.String())
}

func TestMatchRuleStringIncludesArgs(t *testing.T) {
	r := &MatchRule{}
	r.WithArg(0, "com.example.Foo")
	assert.Equal(t, "arg0='com.example.Foo'", r.String())
}

func TestMatchRuleStringEmptyRuleMatchesEverything(t *testing.T) {
	r := &MatchRule{}
	assert.Equal(t, "", r.String())
	msg, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	assert.True(t, r.Match(msg))
}

func TestParseMatchRuleRoundTrip(t *testing.T) {
	r, err := ParseMatchRule("type='signal',sender='org.freedesktop.DBus',interface='org.freedesktop.DBus',member='NameOwnerChanged'")
	require.NoError(t, err)
	assert.Equal(t, TypeSignal, r.Type)
	assert.Equal(t, "org.freedesktop.DBus", r.Sender)
	assert.Equal(t, "org.freedesktop.DBus", r.Interface)
	assert.Equal(t, "NameOwnerChanged", r.Member)
}

func TestParseMatchRuleArgs(t *testing.T) {
	r, err := ParseMatchRule("arg0='com.example.Foo',arg1='bar'")
	require.NoError(t, err)
	assert.True(t, r.ArgsSet[0])
	assert.Equal(t, "com.example.Foo", r.Args[0])
	assert.True(t, r.ArgsSet[1])
	assert.Equal(t, "bar", r.Args[1])
}

func TestParseMatchRuleRejectsUnknownKey(t *testing.T) {
	_, err := ParseMatchRule("bogus='x'")
	assert.Error(t, err)
}

func TestParseMatchRuleRejectsMalformedTerm(t *testing.T) {
	_, err := ParseMatchRule("type")
	assert.Error(t, err)
}

func TestParseMatchRuleRejectsUnknownType(t *testing.T) {
	_, err := ParseMatchRule("type='bogus'")
	assert.Error(t, err)
}

func TestParseMatchRuleRejectsOutOfRangeArg(t *testing.T) {
	_, err := ParseMatchRule("arg64='x'")
	assert.Error(t, err)
}

func TestMatchRuleMatchByType(t *testing.T) {
	r := &MatchRule{}
	r.WithType(TypeSignal)

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	assert.True(t, r.Match(sig))

	call, err := NewMethodCall("com.example.Foo", "/com/example/Foo", "com.example.Foo", "Bar")
	require.NoError(t, err)
	assert.False(t, r.Match(call))
}

func TestMatchRuleMatchByInterfaceAndMember(t *testing.T) {
	r := &MatchRule{Interface: "com.example.Foo", Member: "Changed"}

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	assert.True(t, r.Match(sig))

	other, err := NewSignal("/com/example/Foo", "com.example.Foo", "Other")
	require.NoError(t, err)
	assert.False(t, r.Match(other))
}

func TestMatchRuleMatchByPathNamespace(t *testing.T) {
	r := &MatchRule{PathNamespace: "/com/example"}

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	assert.True(t, r.Match(sig))

	outside, err := NewSignal("/org/other/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	assert.False(t, r.Match(outside))
}

func TestMatchRuleMatchByArg0(t *testing.T) {
	r := &MatchRule{}
	r.WithArg(0, "com.example.Foo")

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed", "com.example.Foo")
	require.NoError(t, err)
	assert.True(t, r.Match(sig))

	sig2, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed", "com.example.Bar")
	require.NoError(t, err)
	assert.False(t, r.Match(sig2))
}

func TestMatchRuleMatchByArg0Namespace(t *testing.T) {
	r := &MatchRule{Arg0Namespace: "com.example"}

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed", "com.example.Bar")
	require.NoError(t, err)
	assert.True(t, r.Match(sig))

	sig2, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed", "org.other.Bar")
	require.NoError(t, err)
	assert.False(t, r.Match(sig2))
}

func TestMatchRuleMatchBySender(t *testing.T) {
	r := &MatchRule{Sender: ":1.42"}

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	sig.Sender = ":1.42"
	assert.True(t, r.Match(sig))

	sig.Sender = ":1.7"
	assert.False(t, r.Match(sig))
}

func TestMatchRuleMatchBySenderWellKnownNameResolvesViaOwner(t *testing.T) {
	r := &MatchRule{Sender: "com.example.Foo"}
	r.setSenderOwner(":1.42")

	sig, err := NewSignal("/com/example/Foo", "com.example.Foo", "Changed")
	require.NoError(t, err)
	sig.Sender = ":1.42"
	assert.True(t, r.Match(sig))

	sig.Sender = ":1.7"
	assert.False(t, r.Match(sig))
}

func TestMatchRuleWithArgPanicsOutOfRange(t *testing.T) {
	r := &MatchRule{}
	assert.Panics(t, func() {
		r.WithArg(MaxMatchRuleArgs, "x")
	})
}
