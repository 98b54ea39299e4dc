package dbus

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server is the bus-daemon role: it accepts connections over a
// listenTransport, authenticates each as EXTERNAL, and routes messages
// between the remotes it holds open, implementing just enough of
// org.freedesktop.DBus to support name registration, signal match
// rules, and point-to-point method calls between the remotes it
// connects. It does not implement activation.
type Server struct {
	guid      string
	listener  net.Listener
	log       *logrus.Entry
	nextSerial uint32

	mu          sync.Mutex
	remotes     map[string]*serverRemote // by unique name
	names       map[string][]*serverRemote // well-known name -> owner queue, index 0 is primary
	nameFlags   map[string]NameFlags       // primary owner's flags for name
	closed      bool
}

// serverRemote is one connected peer from the Server's point of view.
type serverRemote struct {
	conn       net.Conn
	uniqueName string
	peerUID    uint32
	peerPID    uint32

	mu        sync.Mutex
	matches   []*MatchRule
	closeOnce sync.Once
}

// NewServer constructs a Server that will hand out GUID as its
// server-half of the AUTH handshake (see auth.go's serverAuthenticate).
func NewServer() *Server {
	return &Server{
		guid:      newServerGUID(),
		log:       logrus.WithField("component", "dbus.Server"),
		remotes:   make(map[string]*serverRemote),
		names:     make(map[string][]*serverRemote),
		nameFlags: make(map[string]NameFlags),
	}
}

// Listen binds address (a D-Bus server address string) and begins
// accepting connections in a background goroutine. It returns once
// the socket is bound; use Close to stop serving.
func (s *Server) Listen(address string) error {
	trans, err := newTransport(address)
	if err != nil {
		return err
	}
	lt, ok := trans.(listenTransport)
	if !ok {
		return errors.Errorf("dbus: %T does not support listening", trans)
	}
	listener, err := lt.Listen()
	if err != nil {
		return errors.Wrap(err, "dbus: listen")
	}
	s.listener = listener
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.WithError(err).Warn("accept failed")
			}
			return
		}
		go s.handleRemote(conn)
	}
}

func (s *Server) handleRemote(conn net.Conn) {
	peerUID := uint32(0)
	peerPID := uint32(0)
	if cred, err := peerCredentialsOf(conn); err == nil {
		peerUID = cred.UID
		peerPID = cred.PID
	}
	if err := serverAuthenticate(conn, peerUID, s.guid); err != nil {
		s.log.WithError(err).Debug("remote failed authentication")
		conn.Close()
		return
	}

	remote := &serverRemote{
		conn:       conn,
		uniqueName: s.newUniqueName(),
		peerUID:    peerUID,
		peerPID:    peerPID,
	}
	s.mu.Lock()
	s.remotes[remote.uniqueName] = remote
	s.mu.Unlock()
	s.log.WithField("remote", remote.uniqueName).Debug("remote connected")

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			s.disconnectRemote(remote)
			return
		}
		msg.Sender = remote.uniqueName
		if err := s.dispatch(remote, msg); err != nil {
			s.log.WithError(err).WithField("remote", remote.uniqueName).Warn("error dispatching message")
		}
	}
}

func (s *Server) newUniqueName() string {
	n := atomic.AddUint32(&s.nextSerial, 1)
	return ":1." + itoa(n)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func (s *Server) dispatch(from *serverRemote, msg *Message) error {
	if msg.Destination == BusDaemonName && msg.Path == BusDaemonPath && msg.Interface == BusDaemonIface {
		return s.dispatchBuiltin(from, msg)
	}

	switch msg.Type {
	case TypeSignal:
		s.mu.Lock()
		remotes := make([]*serverRemote, 0, len(s.remotes))
		for _, r := range s.remotes {
			remotes = append(remotes, r)
		}
		s.mu.Unlock()
		for _, r := range remotes {
			if r.matchesSignal(msg) {
				r.send(msg)
			}
		}
		return nil

	case TypeMethodCall, TypeMethodReturn, TypeError:
		s.mu.Lock()
		target, ok := s.resolveDestinationLocked(msg.Destination)
		s.mu.Unlock()
		if !ok {
			if msg.Type == TypeMethodCall {
				return from.send(NewErrorMessage(msg, ErrNameHasNoOwner, "Name "+msg.Destination+" has no owner"))
			}
			return nil
		}
		return target.send(msg)

	default:
		return errors.Errorf("dbus: message with invalid type %d", msg.Type)
	}
}

// resolveDestinationLocked must be called with s.mu held.
func (s *Server) resolveDestinationLocked(dest string) (*serverRemote, bool) {
	if r, ok := s.remotes[dest]; ok {
		return r, true
	}
	if queue, ok := s.names[dest]; ok && len(queue) > 0 {
		return queue[0], true
	}
	return nil, false
}

func (r *serverRemote) matchesSignal(msg *Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rule := range r.matches {
		if rule.Match(msg) {
			return true
		}
	}
	return false
}

func (r *serverRemote) send(msg *Message) error {
	data, err := msg.Build(nativeOrder)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.conn.Write(data)
	return err
}

func (s *Server) disconnectRemote(r *serverRemote) {
	r.closeOnce.Do(func() { r.conn.Close() })

	s.mu.Lock()
	delete(s.remotes, r.uniqueName)
	var released []string
	for name, queue := range s.names {
		idx := -1
		for i, q := range queue {
			if q == r {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}
		wasPrimary := idx == 0
		queue = append(queue[:idx], queue[idx+1:]...)
		if len(queue) == 0 {
			delete(s.names, name)
			delete(s.nameFlags, name)
		} else {
			s.names[name] = queue
		}
		if wasPrimary {
			released = append(released, name)
		}
	}
	s.mu.Unlock()

	for _, name := range released {
		s.mu.Lock()
		queue := s.names[name]
		var newOwner *serverRemote
		if len(queue) > 0 {
			newOwner = queue[0]
		}
		s.mu.Unlock()
		if newOwner != nil {
			s.emitNameOwnerChanged(name, r.uniqueName, newOwner.uniqueName)
			s.emitNameAcquired(newOwner, name)
		} else {
			s.emitNameOwnerChanged(name, r.uniqueName, "")
		}
	}
	s.emitNameOwnerChanged(r.uniqueName, r.uniqueName, "")
	s.log.WithField("remote", r.uniqueName).Debug("remote disconnected")
}

func (s *Server) emitNameOwnerChanged(name, oldOwner, newOwner string) {
	sig, err := NewSignal(BusDaemonPath, BusDaemonIface, "NameOwnerChanged", name, oldOwner, newOwner)
	if err != nil {
		return
	}
	sig.Sender = BusDaemonName
	s.broadcast(sig)
}

func (s *Server) emitNameAcquired(r *serverRemote, name string) {
	sig, err := NewSignal(BusDaemonPath, BusDaemonIface, "NameAcquired", name)
	if err != nil {
		return
	}
	sig.Sender = BusDaemonName
	sig.Destination = r.uniqueName
	r.send(sig)
}

func (s *Server) emitNameLost(r *serverRemote, name string) {
	sig, err := NewSignal(BusDaemonPath, BusDaemonIface, "NameLost", name)
	if err != nil {
		return
	}
	sig.Sender = BusDaemonName
	sig.Destination = r.uniqueName
	r.send(sig)
}

func (s *Server) broadcast(msg *Message) {
	s.mu.Lock()
	remotes := make([]*serverRemote, 0, len(s.remotes))
	for _, r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()
	for _, r := range remotes {
		if r.matchesSignal(msg) {
			r.send(msg)
		}
	}
}

// dispatchBuiltin implements org.freedesktop.DBus's own methods.
func (s *Server) dispatchBuiltin(from *serverRemote, msg *Message) error {
	if msg.Type != TypeMethodCall {
		return nil
	}
	reply := func(body ...interface{}) error {
		r, err := NewMethodReturn(msg, body...)
		if err != nil {
			return err
		}
		return from.send(r)
	}
	replyErr := func(name, text string) error {
		return from.send(NewErrorMessage(msg, name, text))
	}

	args := NewCheckIterator(NewIterator(msg.Signature, bodyBytes(msg), nativeOrder))

	switch msg.Member {
	case "Hello":
		return reply(from.uniqueName)

	case "RequestName":
		var name string
		var flags uint32
		args.CheckDecode(&name, &flags)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		result := s.requestName(from, name, NameFlags(flags))
		return reply(result)

	case "ReleaseName":
		var name string
		args.CheckDecode(&name)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		return reply(s.releaseName(from, name))

	case "GetNameOwner":
		var name string
		args.CheckDecode(&name)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		s.mu.Lock()
		owner, ok := s.resolveDestinationLocked(name)
		s.mu.Unlock()
		if !ok {
			return replyErr(ErrNameHasNoOwner, "Could not get owner of name "+name)
		}
		return reply(owner.uniqueName)

	case "ListNames":
		s.mu.Lock()
		names := make([]string, 0, len(s.names)+len(s.remotes))
		names = append(names, BusDaemonName)
		for n := range s.names {
			names = append(names, n)
		}
		for u := range s.remotes {
			names = append(names, u)
		}
		s.mu.Unlock()
		sort.Strings(names)
		return reply(names)

	case "ListActivatableNames":
		return reply([]string{BusDaemonName})

	case "NameHasOwner":
		var name string
		args.CheckDecode(&name)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		s.mu.Lock()
		_, ok := s.resolveDestinationLocked(name)
		s.mu.Unlock()
		return reply(ok)

	case "StartServiceByName":
		return replyErr(ErrServiceUnknown, "dbus: activation is not supported")

	case "UpdateActivationEnvironment":
		return reply()

	case "AddMatch":
		var ruleStr string
		args.CheckDecode(&ruleStr)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		rule, err := ParseMatchRule(ruleStr)
		if err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		from.mu.Lock()
		from.matches = append(from.matches, rule)
		from.mu.Unlock()
		return reply()

	case "RemoveMatch":
		var ruleStr string
		args.CheckDecode(&ruleStr)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		from.mu.Lock()
		for i, r := range from.matches {
			if r.String() == ruleStr {
				from.matches = append(from.matches[:i], from.matches[i+1:]...)
				break
			}
		}
		from.mu.Unlock()
		return reply()

	case "GetConnectionUnixUser":
		var name string
		args.CheckDecode(&name)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		s.mu.Lock()
		target, ok := s.resolveDestinationLocked(name)
		s.mu.Unlock()
		if !ok {
			return replyErr(ErrNameHasNoOwner, "Could not get UID of name "+name)
		}
		return reply(target.peerUID)

	case "GetConnectionUnixProcessID":
		var name string
		args.CheckDecode(&name)
		if err := args.Err(); err != nil {
			return replyErr(ErrInvalidArgs, err.Error())
		}
		s.mu.Lock()
		target, ok := s.resolveDestinationLocked(name)
		s.mu.Unlock()
		if !ok {
			return replyErr(ErrNameHasNoOwner, "Could not get PID of name "+name)
		}
		return reply(target.peerPID)

	case "GetId":
		return reply(s.guid)

	default:
		return replyErr(ErrUnknownMethod, "Unknown method "+msg.Member+" on interface "+BusDaemonIface)
	}
}

func (s *Server) requestName(r *serverRemote, name string, flags NameFlags) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, exists := s.names[name]
	if !exists {
		s.names[name] = []*serverRemote{r}
		s.nameFlags[name] = flags
		s.mu.Unlock()
		s.emitNameOwnerChanged(name, "", r.uniqueName)
		s.emitNameAcquired(r, name)
		s.mu.Lock()
		return nameReplyPrimaryOwner
	}

	if queue[0] == r {
		return nameReplyAlreadyOwner
	}
	for _, q := range queue {
		if q == r {
			return nameReplyAlreadyOwner
		}
	}

	primaryFlags := s.nameFlags[name]
	if flags&NameFlagReplaceExisting != 0 && primaryFlags&NameFlagAllowReplacement != 0 {
		oldOwner := queue[0]
		newQueue := append([]*serverRemote{r}, queue...)
		s.names[name] = newQueue
		s.nameFlags[name] = flags
		s.mu.Unlock()
		s.emitNameLost(oldOwner, name)
		s.emitNameOwnerChanged(name, oldOwner.uniqueName, r.uniqueName)
		s.emitNameAcquired(r, name)
		s.mu.Lock()
		return nameReplyPrimaryOwner
	}

	if flags&NameFlagDoNotQueue != 0 {
		return nameReplyExists
	}

	s.names[name] = append(queue, r)
	return nameReplyInQueue
}

func (s *Server) releaseName(r *serverRemote, name string) uint32 {
	s.mu.Lock()
	queue, ok := s.names[name]
	if !ok {
		s.mu.Unlock()
		return 2 // DBUS_RELEASE_NAME_REPLY_NON_EXISTENT
	}
	idx := -1
	for i, q := range queue {
		if q == r {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return 3 // DBUS_RELEASE_NAME_REPLY_NOT_OWNER
	}
	wasPrimary := idx == 0
	queue = append(queue[:idx], queue[idx+1:]...)
	if len(queue) == 0 {
		delete(s.names, name)
		delete(s.nameFlags, name)
	} else {
		s.names[name] = queue
	}
	s.mu.Unlock()

	s.emitNameLost(r, name)
	if wasPrimary {
		if len(queue) > 0 {
			newOwner := queue[0]
			s.emitNameOwnerChanged(name, r.uniqueName, newOwner.uniqueName)
			s.emitNameAcquired(newOwner, name)
		} else {
			s.emitNameOwnerChanged(name, r.uniqueName, "")
		}
	}
	return 1 // DBUS_RELEASE_NAME_REPLY_RELEASED
}

// Close stops accepting new remotes and closes every connected one.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	remotes := make([]*serverRemote, 0, len(s.remotes))
	for _, r := range s.remotes {
		remotes = append(remotes, r)
	}
	s.mu.Unlock()

	for _, r := range remotes {
		r.closeOnce.Do(func() { r.conn.Close() })
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
