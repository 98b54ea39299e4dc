package dbus

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func needsReleaseOf(name *BusName) bool {
	name.mu.Lock()
	defer name.mu.Unlock()
	return name.needsRelease
}

func newTestBus(t *testing.T) *Connection {
	t.Helper()
	address := "unix:path=" + filepath.Join(t.TempDir(), "bus.sock")
	srv := NewServer()
	require.NoError(t, srv.Listen(address))
	t.Cleanup(func() { srv.Close() })
	conn, err := Dial(address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestBusPeer(t *testing.T, address string) *Connection {
	t.Helper()
	conn, err := Dial(address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newTestBusPair(t *testing.T) (*Connection, *Connection) {
	t.Helper()
	address := "unix:path=" + filepath.Join(t.TempDir(), "bus.sock")
	srv := NewServer()
	require.NoError(t, srv.Listen(address))
	t.Cleanup(func() { srv.Close() })
	return newTestBusPeer(t, address), newTestBusPeer(t, address)
}

func recvWithTimeout(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for name result")
		return nil
	}
}

func recvStringWithTimeout(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for owner change")
		return ""
	}
}

func TestConnectionWatchName(t *testing.T) {
	bus := newTestBus(t)

	watch, err := bus.WatchName("com.example.GoDbus")
	require.NoError(t, err)
	defer watch.Cancel()

	assert.Equal(t, "", recvStringWithTimeout(t, watch.C))

	name := bus.RequestName("com.example.GoDbus", NameFlagDoNotQueue)
	require.NoError(t, recvWithTimeout(t, name.C))

	assert.Equal(t, bus.UniqueName, recvStringWithTimeout(t, watch.C))

	require.NoError(t, name.Release())
	assert.Equal(t, "", recvStringWithTimeout(t, watch.C))
}

func TestConnectionRequestName(t *testing.T) {
	bus := newTestBus(t)

	name := bus.RequestName("com.example.GoDbus", 0)
	require.NotNil(t, name)
	require.NoError(t, recvWithTimeout(t, name.C))

	owner, err := bus.busProxy.GetNameOwner("com.example.GoDbus")
	require.NoError(t, err)
	assert.Equal(t, bus.UniqueName, owner)

	assert.NoError(t, name.Release())
}

func TestConnectionRequestNameQueued(t *testing.T) {
	bus1, bus2 := newTestBusPair(t)

	name1 := bus1.RequestName("com.example.GoDbus", 0)
	require.NoError(t, recvWithTimeout(t, name1.C))
	assert.True(t, needsReleaseOf(name1))

	name2 := bus2.RequestName("com.example.GoDbus", 0)
	assert.Equal(t, ErrNameInQueue, recvWithTimeout(t, name2.C))
	assert.True(t, needsReleaseOf(name2))

	require.NoError(t, name1.Release())

	require.NoError(t, recvWithTimeout(t, name2.C))
	assert.NoError(t, name2.Release())
}

func TestConnectionRequestNameDoNotQueue(t *testing.T) {
	bus1, bus2 := newTestBusPair(t)

	name1 := bus1.RequestName("com.example.GoDbus", 0)
	defer name1.Release()
	require.NoError(t, recvWithTimeout(t, name1.C))
	assert.True(t, needsReleaseOf(name1))

	name2 := bus2.RequestName("com.example.GoDbus", NameFlagDoNotQueue)
	assert.Equal(t, ErrNameExists, recvWithTimeout(t, name2.C))
	assert.False(t, needsReleaseOf(name2))

	assert.NoError(t, name2.Release())
}

func TestConnectionRequestNameAllowReplacement(t *testing.T) {
	bus1, bus2 := newTestBusPair(t)

	name1 := bus1.RequestName("com.example.GoDbus", NameFlagAllowReplacement)
	defer name1.Release()
	require.NoError(t, recvWithTimeout(t, name1.C))
	assert.True(t, needsReleaseOf(name1))

	name2 := bus2.RequestName("com.example.GoDbus", NameFlagReplaceExisting)
	defer name2.Release()
	require.NoError(t, recvWithTimeout(t, name2.C))
	assert.True(t, needsReleaseOf(name2))

	assert.Equal(t, ErrNameLost, recvWithTimeout(t, name1.C))
}
