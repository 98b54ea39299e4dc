package dbus

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Authenticator implements one SASL authentication mechanism from the
// client side: its Mechanism name, the initial response sent with the
// AUTH line, and how to answer each DATA challenge the server sends
// back.
type Authenticator interface {
	Mechanism() []byte
	InitialResponse() []byte
	ProcessData([]byte) ([]byte, error)
}

// AuthExternal implements the EXTERNAL mechanism: the client asserts
// its Unix UID (hex-encoded) and relies on the transport's
// kernel-verified peer credentials for proof, so it never expects a
// DATA challenge.
type AuthExternal struct{}

func (p *AuthExternal) Mechanism() []byte { return []byte("EXTERNAL") }

func (p *AuthExternal) InitialResponse() []byte {
	return hexEncode([]byte(strconv.Itoa(os.Getuid())))
}

func (p *AuthExternal) ProcessData([]byte) ([]byte, error) {
	return nil, errors.New("dbus: EXTERNAL: unexpected DATA challenge")
}

// AuthDbusCookieSha1 implements DBUS_COOKIE_SHA1: the client proves it
// can read a server-chosen cookie file under ~/.dbus-keyrings/ and
// combines it with a server and client nonce over SHA-1.
type AuthDbusCookieSha1 struct{}

func (p *AuthDbusCookieSha1) Mechanism() []byte { return []byte("DBUS_COOKIE_SHA1") }

func (p *AuthDbusCookieSha1) InitialResponse() []byte {
	return hexEncode([]byte(os.Getenv("USER")))
}

func (p *AuthDbusCookieSha1) ProcessData(mesg []byte) ([]byte, error) {
	decoded, err := hexDecode(mesg)
	if err != nil {
		return nil, err
	}
	tokens := bytes.SplitN(decoded, []byte(" "), 3)
	if len(tokens) != 3 {
		return nil, errors.New("dbus: DBUS_COOKIE_SHA1: malformed challenge")
	}
	context, cookieID, serverChallenge := tokens[0], tokens[1], tokens[2]

	cookie, err := readCookie(string(context), cookieID)
	if err != nil {
		return nil, err
	}

	clientChallenge, err := randomHexChallenge()
	if err != nil {
		return nil, err
	}

	hash := sha1.New()
	hash.Write(bytes.Join([][]byte{serverChallenge, clientChallenge, cookie}, []byte(":")))
	digest := hex.EncodeToString(hash.Sum(nil))

	resp := bytes.Join([][]byte{clientChallenge, []byte(digest)}, []byte(" "))
	return hexEncode(resp), nil
}

func randomHexChallenge() ([]byte, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(raw)), nil
}

func readCookie(keyring string, id []byte) ([]byte, error) {
	path := os.Getenv("HOME") + "/.dbus-keyrings/" + keyring
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "dbus: open cookie keyring")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		tokens := bytes.SplitN(line, []byte(" "), 3)
		if len(tokens) == 3 && bytes.Equal(tokens[0], id) {
			return tokens[2], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("dbus: DBUS_COOKIE_SHA1: cookie id not found in keyring")
}

func hexEncode(b []byte) []byte {
	dst := make([]byte, hex.EncodedLen(len(b)))
	hex.Encode(dst, b)
	return dst
}

func hexDecode(b []byte) ([]byte, error) {
	dst := make([]byte, hex.DecodedLen(len(b)))
	n, err := hex.Decode(dst, b)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// clientAuthenticate drives the client side of the SASL handshake
// over conn: send NUL, AUTH <mechanism> <initial-response>, answer
// DATA challenges via mech, and negotiate BEGIN once the server sends
// OK. It returns the server's agreed GUID (from the OK line) and
// leaves conn positioned exactly at the start of binary framing.
func clientAuthenticate(conn io.ReadWriter, mech Authenticator) (guid string, err error) {
	if _, err := conn.Write([]byte{0}); err != nil {
		return "", err
	}
	in := bufio.NewReader(conn)
	line := bytes.Join([][]byte{[]byte("AUTH"), mech.Mechanism(), mech.InitialResponse()}, []byte(" "))
	if err := writeLine(conn, line); err != nil {
		return "", err
	}

	for {
		resp, err := readLine(in)
		if err != nil {
			return "", err
		}
		switch {
		case bytes.HasPrefix(resp, []byte("DATA")):
			challenge := trimCommand(resp, "DATA")
			reply, procErr := mech.ProcessData(challenge)
			if procErr != nil {
				writeLine(conn, []byte("CANCEL"))
				return "", procErr
			}
			if err := writeLine(conn, append([]byte("DATA "), reply...)); err != nil {
				return "", err
			}

		case bytes.HasPrefix(resp, []byte("OK")):
			guid = string(trimCommand(resp, "OK"))
			if err := writeLine(conn, []byte("BEGIN")); err != nil {
				return "", err
			}
			return guid, nil

		case bytes.HasPrefix(resp, []byte("REJECTED")):
			return "", errors.Errorf("dbus: authentication rejected, server offers: %s", trimCommand(resp, "REJECTED"))

		case bytes.HasPrefix(resp, []byte("ERROR")):
			return "", errors.Errorf("dbus: authentication error: %s", trimCommand(resp, "ERROR"))

		default:
			if err := writeLine(conn, []byte("ERROR")); err != nil {
				return "", err
			}
		}
	}
}

// serverAuthenticate drives the server side of the handshake: it
// accepts EXTERNAL only (the mechanism every mainstream bus and
// client implements), validates the asserted UID against the
// transport-verified peer credential, and issues guid as the agreed
// server GUID.
func serverAuthenticate(conn io.ReadWriter, peerUID uint32, guid string) error {
	in := bufio.NewReader(conn)
	first, err := in.ReadByte()
	if err != nil {
		return err
	}
	if first != 0 {
		return errors.New("dbus: server auth: expected leading NUL byte")
	}

	for {
		line, err := readLine(in)
		if err != nil {
			return err
		}
		switch {
		case bytes.HasPrefix(line, []byte("AUTH")):
			fields := bytes.Fields(trimCommand(line, "AUTH"))
			if len(fields) == 0 {
				writeLine(conn, []byte("REJECTED EXTERNAL"))
				continue
			}
			mechanism := string(fields[0])
			if mechanism != "EXTERNAL" {
				writeLine(conn, []byte("REJECTED EXTERNAL"))
				continue
			}
			if len(fields) > 1 {
				uidBytes, err := hexDecode(fields[1])
				if err != nil {
					writeLine(conn, []byte("ERROR invalid hex"))
					continue
				}
				uid, err := strconv.Atoi(string(uidBytes))
				if err != nil || uint32(uid) != peerUID {
					writeLine(conn, []byte("REJECTED EXTERNAL"))
					continue
				}
			}
			if err := writeLine(conn, []byte("OK "+guid)); err != nil {
				return err
			}

		case bytes.HasPrefix(line, []byte("BEGIN")):
			return nil

		case bytes.HasPrefix(line, []byte("CANCEL")), bytes.HasPrefix(line, []byte("ERROR")):
			writeLine(conn, []byte("REJECTED EXTERNAL"))

		default:
			writeLine(conn, []byte("ERROR"))
		}
	}
}

// newServerGUID allocates a fresh 32-hex-digit GUID for one listener,
// as the server side of the handshake must offer in its OK line.
func newServerGUID() string {
	id := uuid.New()
	raw := id[:]
	return hex.EncodeToString(raw)
}

func writeLine(w io.Writer, line []byte) error {
	_, err := w.Write(append(line, '\r', '\n'))
	return err
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func trimCommand(line []byte, cmd string) []byte {
	rest := bytes.TrimPrefix(line, []byte(cmd))
	return bytes.TrimLeft(rest, " ")
}
