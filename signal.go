package dbus

import (
	"sync"

	"github.com/pkg/errors"
)

// signalWatchSet indexes active signal watches by path, interface and
// member so FindMatches only has to compare full MatchRule semantics
// (Match) against the small number of watches that could plausibly
// apply, rather than scanning every watch on the connection.
type signalWatchSet map[ObjectPath]map[string]map[string][]*signalWatch

func (s signalWatchSet) Add(watch *signalWatch) {
	byInterface, ok := s[watch.rule.Path]
	if !ok {
		byInterface = make(map[string]map[string][]*signalWatch)
		s[watch.rule.Path] = byInterface
	}
	byMember, ok := byInterface[watch.rule.Interface]
	if !ok {
		byMember = make(map[string][]*signalWatch)
		byInterface[watch.rule.Interface] = byMember
	}
	byMember[watch.rule.Member] = append(byMember[watch.rule.Member], watch)
}

func (s signalWatchSet) Remove(watch *signalWatch) bool {
	byInterface, ok := s[watch.rule.Path]
	if !ok {
		return false
	}
	byMember, ok := byInterface[watch.rule.Interface]
	if !ok {
		return false
	}
	watches, ok := byMember[watch.rule.Member]
	if !ok {
		return false
	}
	for i, other := range watches {
		if other == watch {
			watches[i] = watches[len(watches)-1]
			byMember[watch.rule.Member] = watches[:len(watches)-1]
			return true
		}
	}
	return false
}

// FindMatches returns every watch whose indexed key (path/interface/
// member, each possibly wildcarded as "") could match msg, filtered
// down to those whose full rule actually does.
func (s signalWatchSet) FindMatches(msg *Message) (matches []*signalWatch) {
	pathKeys := []ObjectPath{""}
	if msg.Path != "" {
		pathKeys = append(pathKeys, msg.Path)
	}
	ifaceKeys := []string{""}
	if msg.Interface != "" {
		ifaceKeys = append(ifaceKeys, msg.Interface)
	}
	memberKeys := []string{""}
	if msg.Member != "" {
		memberKeys = append(memberKeys, msg.Member)
	}
	for _, path := range pathKeys {
		byInterface, ok := s[path]
		if !ok {
			continue
		}
		for _, iface := range ifaceKeys {
			byMember, ok := byInterface[iface]
			if !ok {
				continue
			}
			for _, member := range memberKeys {
				for _, watch := range byMember[member] {
					if watch.rule.Match(msg) {
						matches = append(matches, watch)
					}
				}
			}
		}
	}
	return matches
}

// signalWatch is the internal bookkeeping behind one SignalWatch: the
// rule it matches and how delivery reaches the caller.
type signalWatch struct {
	bus  *Connection
	rule *MatchRule
	cb   func(*Message)

	cancelMu  sync.Mutex
	cancelled bool
}

func (w *signalWatch) deliver(msg *Message) { w.cb(msg) }

func (c *Connection) watchSignal(rule *MatchRule, cb func(*Message)) (*signalWatch, error) {
	if rule.hasType && rule.Type != TypeSignal {
		return nil, errors.New("dbus: match rule is not for signals")
	}
	rule.WithType(TypeSignal)
	watch := &signalWatch{bus: c, rule: rule, cb: cb}

	c.handlerMu.Lock()
	c.signalMatchRules.Add(watch)
	c.handlerMu.Unlock()

	if err := c.busProxy.AddMatch(rule.String()); err != nil {
		c.handlerMu.Lock()
		c.signalMatchRules.Remove(watch)
		c.handlerMu.Unlock()
		return nil, err
	}
	return watch, nil
}

func (w *signalWatch) cancel() error {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	if w.cancelled {
		return nil
	}
	w.bus.handlerMu.Lock()
	found := w.bus.signalMatchRules.Remove(w)
	w.bus.handlerMu.Unlock()
	w.cancelled = true
	if found {
		return w.bus.busProxy.RemoveMatch(w.rule.String())
	}
	return nil
}

// SignalWatch is a live subscription to signals matching a MatchRule.
// Matching messages arrive on C until Cancel is called.
type SignalWatch struct {
	lock sync.Mutex

	*signalWatch

	// ownerSub tracks rule.Sender's current unique-name owner when
	// Sender names a well-known bus name, so MatchRule.matchSender can
	// compare it against a message's actual (unique-name) Sender.
	ownerSub *ownerSubscription
	C        chan *Message
}

// WatchSignal subscribes to signals matching rule. rule.Type is set to
// TypeSignal; a rule given another type with WithType is rejected.
func (c *Connection) WatchSignal(rule *MatchRule) (*SignalWatch, error) {
	watch := &SignalWatch{C: make(chan *Message, 16)}
	watch.lock.Lock()
	defer watch.lock.Unlock()

	if rule.Sender != "" && rule.Sender != BusDaemonName && rule.Sender[0] != ':' {
		sub, err := c.trackNameOwner(rule.Sender, func(owner string) {
			rule.setSenderOwner(owner)
		})
		if err != nil {
			return nil, err
		}
		watch.ownerSub = sub
	}

	internal, err := c.watchSignal(rule, func(msg *Message) {
		select {
		case watch.C <- msg:
		default:
		}
	})
	if err != nil {
		if watch.ownerSub != nil {
			c.untrackNameOwner(watch.ownerSub)
		}
		return nil, err
	}
	watch.signalWatch = internal
	return watch, nil
}

// Cancel stops delivery and closes C.
func (w *SignalWatch) Cancel() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.signalWatch == nil {
		return nil
	}
	internal := w.signalWatch
	if w.ownerSub != nil {
		w.bus.untrackNameOwner(w.ownerSub)
	}
	if err := internal.cancel(); err != nil {
		return err
	}
	w.signalWatch = nil
	close(w.C)
	return nil
}
