package dbus

import (
	"sync"

	"github.com/pkg/errors"
)

// ownerSubscription is one caller's interest in a nameOwnerInfo's
// current owner; it exists so Connection.untrackNameOwner can remove
// exactly one subscriber (funcs are not comparable, so the callback
// itself can't serve as its own handle).
type ownerSubscription struct {
	info *nameOwnerInfo
	cb   func(newOwner string)
}

// nameOwnerInfo tracks the current unique-name owner of one bus name,
// shared by every interested subscriber so only one NameOwnerChanged
// watch and one GetNameOwner round trip is needed no matter how many
// callers ask about the same name.
type nameOwnerInfo struct {
	bus     *Connection
	busName string
	watch   *SignalWatch

	mu           sync.Mutex
	haveOwner    bool
	currentOwner string
	subs         []*ownerSubscription
}

func newNameOwnerInfo(bus *Connection, busName string) (*nameOwnerInfo, error) {
	info := &nameOwnerInfo{bus: bus, busName: busName}
	watch, err := bus.WatchSignal((&MatchRule{
		Sender:    BusDaemonName,
		Path:      BusDaemonPath,
		Interface: BusDaemonIface,
		Member:    "NameOwnerChanged",
	}).WithArg(0, busName))
	if err != nil {
		return nil, err
	}
	info.watch = watch

	go func() {
		for msg := range watch.C {
			var name, oldOwner, newOwner string
			it := NewIterator(msg.Signature, bodyBytes(msg), bus.order)
			if err := it.Decode(&name, &oldOwner, &newOwner); err != nil {
				bus.log.WithError(err).Warn("could not decode NameOwnerChanged")
				continue
			}
			info.setOwner(newOwner)
		}
	}()

	go info.resolveCurrentOwner()
	return info, nil
}

func (info *nameOwnerInfo) resolveCurrentOwner() {
	owner, err := info.bus.busProxy.GetNameOwner(info.busName)
	if err != nil {
		if dbusErr, ok := err.(*Error); !ok || dbusErr.Name != ErrNameHasNoOwner {
			info.bus.log.WithError(err).Warn("unexpected error from GetNameOwner")
		}
	}
	info.mu.Lock()
	already := info.haveOwner
	info.mu.Unlock()
	if !already {
		info.setOwner(owner)
	}
}

func (info *nameOwnerInfo) setOwner(owner string) {
	info.mu.Lock()
	info.currentOwner = owner
	info.haveOwner = true
	subs := append([]*ownerSubscription(nil), info.subs...)
	info.mu.Unlock()
	for _, sub := range subs {
		sub.cb(owner)
	}
}

func (info *nameOwnerInfo) subscribe(cb func(string)) *ownerSubscription {
	sub := &ownerSubscription{info: info, cb: cb}
	info.mu.Lock()
	info.subs = append(info.subs, sub)
	haveOwner, owner := info.haveOwner, info.currentOwner
	info.mu.Unlock()
	if haveOwner {
		cb(owner)
	}
	return sub
}

// trackNameOwner subscribes cb to changes in busName's current
// unique-name owner, creating the shared tracker if this is the first
// subscriber.
func (c *Connection) trackNameOwner(busName string, cb func(owner string)) (*ownerSubscription, error) {
	c.nameOwnerMu.Lock()
	defer c.nameOwnerMu.Unlock()
	info, ok := c.nameOwnerInfos[busName]
	if !ok {
		var err error
		if info, err = newNameOwnerInfo(c, busName); err != nil {
			return nil, err
		}
		c.nameOwnerInfos[busName] = info
	}
	return info.subscribe(cb), nil
}

// untrackNameOwner removes sub; once a nameOwnerInfo has no
// subscribers left, its NameOwnerChanged watch is cancelled.
func (c *Connection) untrackNameOwner(sub *ownerSubscription) {
	c.nameOwnerMu.Lock()
	defer c.nameOwnerMu.Unlock()
	info := sub.info
	info.mu.Lock()
	for i, other := range info.subs {
		if other == sub {
			info.subs = append(info.subs[:i], info.subs[i+1:]...)
			break
		}
	}
	remaining := len(info.subs)
	info.mu.Unlock()
	if remaining == 0 {
		delete(c.nameOwnerInfos, info.busName)
		info.watch.Cancel()
	}
}

// NameWatch is a public subscription to a bus name's ownership: C
// receives the current owner (or "" if unowned) whenever it changes,
// starting with an immediate delivery of whatever is already known
// (including "" if the name is not yet known to have an owner).
type NameWatch struct {
	sub        *ownerSubscription
	bus        *Connection
	C          chan string
	cancelOnce sync.Once
}

// WatchName subscribes to ownership changes of busName.
func (c *Connection) WatchName(busName string) (*NameWatch, error) {
	w := &NameWatch{bus: c, C: make(chan string, 4)}
	sub, err := c.trackNameOwner(busName, func(owner string) {
		select {
		case w.C <- owner:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	w.sub = sub
	return w, nil
}

// Cancel stops delivery and closes C.
func (w *NameWatch) Cancel() error {
	w.cancelOnce.Do(func() {
		w.bus.untrackNameOwner(w.sub)
		close(w.C)
	})
	return nil
}

// NameFlags controls RequestName's queueing behavior.
type NameFlags uint32

const (
	NameFlagAllowReplacement NameFlags = 1 << iota
	NameFlagReplaceExisting
	NameFlagDoNotQueue
)

// RequestName reply codes, per org.freedesktop.DBus.RequestName.
const (
	nameReplyPrimaryOwner = 1
	nameReplyInQueue      = 2
	nameReplyExists       = 3
	nameReplyAlreadyOwner = 4
)

var (
	ErrNameLost         = errors.New("dbus: name ownership lost")
	ErrNameInQueue      = errors.New("dbus: in queue for name ownership")
	ErrNameExists       = errors.New("dbus: name exists")
	ErrNameAlreadyOwned = errors.New("dbus: name already owned")
)

// BusName is a handle for a well-known name this connection is
// requesting or holds. Ownership is reported over C: nil means the
// name was acquired, non-nil means it was lost or never acquired.
type BusName struct {
	bus   *Connection
	Name  string
	Flags NameFlags
	C     chan error

	mu           sync.Mutex
	cancelled    bool
	needsRelease bool

	acquiredWatch *SignalWatch
	lostWatch     *SignalWatch
}

// RequestName asynchronously requests ownership of busName.
func (c *Connection) RequestName(busName string, flags NameFlags) *BusName {
	name := &BusName{bus: c, Name: busName, Flags: flags, C: make(chan error, 1)}
	go name.request()
	return name
}

func (name *BusName) request() {
	name.mu.Lock()
	if name.cancelled {
		name.mu.Unlock()
		return
	}
	name.mu.Unlock()

	lostWatch, err := name.bus.WatchSignal((&MatchRule{
		Sender: BusDaemonName, Path: BusDaemonPath, Interface: BusDaemonIface, Member: "NameLost",
	}).WithArg(0, name.Name))
	if err != nil {
		name.Release()
		return
	}
	name.lostWatch = lostWatch
	go func() {
		for range lostWatch.C {
			name.mu.Lock()
			name.C <- ErrNameLost
			name.release(false)
			name.mu.Unlock()
			return
		}
	}()

	acquiredWatch, err := name.bus.WatchSignal((&MatchRule{
		Sender: BusDaemonName, Path: BusDaemonPath, Interface: BusDaemonIface, Member: "NameAcquired",
	}).WithArg(0, name.Name))
	if err != nil {
		name.Release()
		return
	}
	name.acquiredWatch = acquiredWatch
	go func() {
		for range acquiredWatch.C {
			name.C <- nil
		}
	}()

	result, err := name.bus.busProxy.RequestName(name.Name, uint32(name.Flags))
	if err != nil {
		name.bus.log.WithError(err).Warn("RequestName failed")
		return
	}
	switch result {
	case nameReplyPrimaryOwner:
		name.mu.Lock()
		name.needsRelease = true
		name.mu.Unlock()
	case nameReplyInQueue:
		name.mu.Lock()
		name.needsRelease = true
		name.mu.Unlock()
		name.C <- ErrNameInQueue
	case nameReplyExists:
		name.C <- ErrNameExists
		name.release(false)
	case nameReplyAlreadyOwner:
		name.C <- ErrNameAlreadyOwned
		name.release(false)
	default:
		name.C <- errors.Errorf("dbus: unknown RequestName result %d", result)
		name.release(false)
	}
}

// Release releases the name if it was successfully acquired.
func (name *BusName) Release() error {
	name.mu.Lock()
	defer name.mu.Unlock()
	return name.release(name.needsRelease)
}

func (name *BusName) release(needsRelease bool) error {
	if name.cancelled {
		return nil
	}
	name.cancelled = true
	if name.acquiredWatch != nil {
		name.acquiredWatch.Cancel()
	}
	if name.lostWatch != nil {
		name.lostWatch.Cancel()
	}
	close(name.C)
	if needsRelease {
		result, err := name.bus.busProxy.ReleaseName(name.Name)
		if err != nil {
			return err
		}
		if result != 1 {
			name.bus.log.Warnf("unexpected result releasing name %s: %d", name.Name, result)
		}
		name.needsRelease = false
	}
	return nil
}
