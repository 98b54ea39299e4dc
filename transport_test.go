package dbus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTransportUnix(t *testing.T) {
	trans, err := newTransport("unix:path=/tmp/dbus%3dsock")
	require.NoError(t, err)
	unixTrans, ok := trans.(*unixTransport)
	require.True(t, ok)
	assert.Equal(t, "/tmp/dbus=sock", unixTrans.address)

	trans, err = newTransport("unix:abstract=/tmp/dbus%3dsock")
	require.NoError(t, err)
	unixTrans, ok = trans.(*unixTransport)
	require.True(t, ok)
	assert.Equal(t, "@/tmp/dbus=sock", unixTrans.address)
}

func TestNewTransportUnixRequiresPathOrAbstract(t *testing.T) {
	_, err := newTransport("unix:")
	assert.Error(t, err)
}

func TestUnixTransportDialAndListen(t *testing.T) {
	socketFile := filepath.Join(t.TempDir(), "bus.sock")
	trans, err := newTransport(fmt.Sprintf("unix:path=%s", socketFile))
	require.NoError(t, err)
	lt, ok := trans.(listenTransport)
	require.True(t, ok)

	listener, err := lt.Listen()
	require.NoError(t, err)
	defer listener.Close()

	errChan := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		errChan <- err
	}()

	conn, err := trans.Dial()
	require.NoError(t, err)
	conn.Close()
	assert.NoError(t, <-errChan)
}

func TestUnixTransportListenRemovesStaleSocket(t *testing.T) {
	socketFile := filepath.Join(t.TempDir(), "bus.sock")
	require.NoError(t, os.WriteFile(socketFile, []byte("stale"), 0600))

	trans := &unixTransport{address: socketFile}
	listener, err := trans.Listen()
	require.NoError(t, err)
	listener.Close()
}

func TestUnixTransportListenRejectsAbstractSocket(t *testing.T) {
	trans := &unixTransport{address: "@dbus-test-abstract"}
	_, err := trans.Listen()
	assert.Error(t, err)
}

func TestNewTransportTcp(t *testing.T) {
	trans, err := newTransport("tcp:host=localhost,port=4444")
	require.NoError(t, err)
	tcpTrans, ok := trans.(*tcpTransport)
	require.True(t, ok)
	assert.Equal(t, "localhost:4444", tcpTrans.address)
	assert.Equal(t, "tcp4", tcpTrans.family)

	trans, err = newTransport("tcp:host=localhost,port=4444,family=ipv4")
	require.NoError(t, err)
	tcpTrans, ok = trans.(*tcpTransport)
	require.True(t, ok)
	assert.Equal(t, "tcp4", tcpTrans.family)

	trans, err = newTransport("tcp:host=localhost,port=4444,family=ipv6")
	require.NoError(t, err)
	tcpTrans, ok = trans.(*tcpTransport)
	require.True(t, ok)
	assert.Equal(t, "tcp6", tcpTrans.family)
}

func TestNewTransportTcpRejectsUnknownFamily(t *testing.T) {
	_, err := newTransport("tcp:host=localhost,port=4444,family=bogus")
	assert.Error(t, err)
}

func TestTcpTransportDialAndListen(t *testing.T) {
	trans, err := newTransport("tcp:host=127.0.0.1,port=0")
	require.NoError(t, err)
	lt, ok := trans.(listenTransport)
	require.True(t, ok)

	listener, err := lt.Listen()
	require.NoError(t, err)
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	dialTrans, err := newTransport(fmt.Sprintf("tcp:host=127.0.0.1,port=%d", addr.Port))
	require.NoError(t, err)

	errChan := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
		errChan <- err
	}()

	conn, err := dialTrans.Dial()
	require.NoError(t, err)
	conn.Close()
	assert.NoError(t, <-errChan)
}

func TestNewTransportNonceTcp(t *testing.T) {
	trans, err := newTransport("nonce-tcp:host=localhost,port=4444,noncefile=/tmp/foo")
	require.NoError(t, err)
	nonceTrans, ok := trans.(*nonceTCPTransport)
	require.True(t, ok)
	assert.Equal(t, "localhost:4444", nonceTrans.address)
	assert.Equal(t, "tcp4", nonceTrans.family)
	assert.Equal(t, "/tmp/foo", nonceTrans.nonceFile)
}

func TestNonceTCPTransportDialSendsNonce(t *testing.T) {
	nonceFile := filepath.Join(t.TempDir(), "nonce-file")
	nonceData := []byte("nonce-data")
	require.NoError(t, os.WriteFile(nonceFile, nonceData, 0600))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	addr := listener.Addr().(*net.TCPAddr)

	trans := &nonceTCPTransport{address: addr.String(), family: "tcp4", nonceFile: nonceFile}

	errChan := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			errChan <- err
			return
		}
		defer conn.Close()
		data := make([]byte, 4096)
		n, err := conn.Read(data)
		if err != nil {
			errChan <- err
			return
		}
		if string(data[:n]) != string(nonceData) {
			errChan <- fmt.Errorf("did not receive nonce data, got %q", data[:n])
			return
		}
		errChan <- nil
	}()

	conn, err := trans.Dial()
	require.NoError(t, err)
	conn.Close()
	assert.NoError(t, <-errChan)
}

func TestParseAddressRejectsEmpty(t *testing.T) {
	_, _, err := parseAddress("")
	assert.Error(t, err)
}

func TestParseAddressRejectsMalformed(t *testing.T) {
	_, _, err := parseAddress("noseparator")
	assert.Error(t, err)
}

func TestPeerCredentialsOfRejectsNonUnixConn(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	connCh := make(chan net.Conn, 1)
	go func() {
		conn, _ := listener.Accept()
		connCh <- conn
	}()

	clientConn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer clientConn.Close()
	serverConn := <-connCh
	if serverConn != nil {
		defer serverConn.Close()
	}

	_, err = peerCredentialsOf(clientConn)
	assert.Error(t, err)
}
