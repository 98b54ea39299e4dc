package dbus

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// MaxMatchRuleArgs is the number of positional argN constraints a
// match rule may carry (arg0 through arg63), per the bus daemon's
// documented limit.
const MaxMatchRuleArgs = 64

// MatchRule selects which signals and messages a watch should
// receive. Every field is optional; an unset field (zero value) is
// not matched against, so the zero MatchRule matches everything.
type MatchRule struct {
	Type             MessageType
	Sender           string
	Destination      string
	Path             ObjectPath
	PathNamespace    ObjectPath
	Interface        string
	Member           string
	ErrorName        string
	ReplySerial      uint32
	Args             [MaxMatchRuleArgs]string
	ArgsSet          [MaxMatchRuleArgs]bool
	Arg0Namespace    string
	RemoveOnFirstMatch bool

	hasType bool

	// senderOwner tracks the current unique-name owner of Sender when
	// Sender names a well-known bus name: incoming messages carry only
	// the sender's unique name, so matching a well-known-name sender
	// requires translating it through the bus's NameOwnerChanged
	// signal. Connection.WatchSignal keeps this updated; callers never
	// set it directly.
	senderOwnerMu sync.Mutex
	senderOwner   string
}

func (r *MatchRule) setSenderOwner(owner string) {
	r.senderOwnerMu.Lock()
	r.senderOwner = owner
	r.senderOwnerMu.Unlock()
}

// matchSender reports whether msg's actual (unique-name) sender
// satisfies the rule's Sender constraint, resolving a well-known-name
// Sender through its currently tracked owner.
func (r *MatchRule) matchSender(msg *Message) bool {
	if r.Sender == "" {
		return true
	}
	if len(r.Sender) > 0 && r.Sender[0] == ':' {
		return r.Sender == msg.Sender
	}
	if r.Sender == BusDaemonName {
		// The bus daemon sends under its well-known name; it has no
		// separate unique-name owner to track.
		return msg.Sender == BusDaemonName
	}
	r.senderOwnerMu.Lock()
	owner := r.senderOwner
	r.senderOwnerMu.Unlock()
	return owner != "" && owner == msg.Sender
}

// WithType restricts the rule to msgType and returns the receiver for
// chaining.
func (r *MatchRule) WithType(msgType MessageType) *MatchRule {
	r.Type = msgType
	r.hasType = true
	return r
}

// WithArg sets the constraint for positional argument n (0-based). It
// panics if n is out of range, mirroring an invalid match rule string
// being rejected at parse time.
func (r *MatchRule) WithArg(n int, value string) *MatchRule {
	if n < 0 || n >= MaxMatchRuleArgs {
		panic("dbus: match rule argN index out of range")
	}
	r.Args[n] = value
	r.ArgsSet[n] = true
	return r
}

// String renders the rule as a D-Bus match rule string, suitable for
// the AddMatch/RemoveMatch bus methods.
func (r *MatchRule) String() string {
	var params []string
	if r.hasType || r.Type != TypeInvalid {
		params = append(params, fmt.Sprintf("type='%s'", r.Type))
	}
	if r.Sender != "" {
		params = append(params, fmt.Sprintf("sender='%s'", r.Sender))
	}
	if r.Destination != "" {
		params = append(params, fmt.Sprintf("destination='%s'", r.Destination))
	}
	if r.Path != "" {
		params = append(params, fmt.Sprintf("path='%s'", r.Path))
	}
	if r.PathNamespace != "" {
		params = append(params, fmt.Sprintf("path_namespace='%s'", r.PathNamespace))
	}
	if r.Interface != "" {
		params = append(params, fmt.Sprintf("interface='%s'", r.Interface))
	}
	if r.Member != "" {
		params = append(params, fmt.Sprintf("member='%s'", r.Member))
	}
	if r.ErrorName != "" {
		params = append(params, fmt.Sprintf("error_name='%s'", r.ErrorName))
	}
	if r.ReplySerial != 0 {
		params = append(params, fmt.Sprintf("reply_serial='%d'", r.ReplySerial))
	}
	for i, set := range r.ArgsSet {
		if set {
			params = append(params, fmt.Sprintf("arg%d='%s'", i, r.Args[i]))
		}
	}
	if r.Arg0Namespace != "" {
		params = append(params, fmt.Sprintf("arg0namespace='%s'", r.Arg0Namespace))
	}
	return strings.Join(params, ",")
}

// Match reports whether msg satisfies every constraint the rule sets.
func (r *MatchRule) Match(msg *Message) bool {
	if (r.hasType || r.Type != TypeInvalid) && r.Type != msg.Type {
		return false
	}
	if !r.matchSender(msg) {
		return false
	}
	if r.Destination != "" && r.Destination != msg.Destination {
		return false
	}
	if r.Path != "" && r.Path != msg.Path {
		return false
	}
	if r.PathNamespace != "" && !r.PathNamespace.IsPrefixOf(msg.Path) {
		return false
	}
	if r.Interface != "" && r.Interface != msg.Interface {
		return false
	}
	if r.Member != "" && r.Member != msg.Member {
		return false
	}
	if r.ErrorName != "" && r.ErrorName != msg.ErrorName {
		return false
	}
	if r.ReplySerial != 0 && r.ReplySerial != msg.ReplySerial {
		return false
	}
	for i, set := range r.ArgsSet {
		if !set {
			continue
		}
		if i >= len(msg.Body) {
			return false
		}
		s, ok := msg.Body[i].(string)
		if !ok || s != r.Args[i] {
			return false
		}
	}
	if r.Arg0Namespace != "" {
		if len(msg.Body) == 0 {
			return false
		}
		s, ok := msg.Body[0].(string)
		if !ok || !(s == r.Arg0Namespace || strings.HasPrefix(s, r.Arg0Namespace+".")) {
			return false
		}
	}
	return true
}

// ParseMatchRule parses a D-Bus match rule string (as sent to
// AddMatch) into a MatchRule.
func ParseMatchRule(s string) (*MatchRule, error) {
	r := &MatchRule{}
	for _, kv := range strings.Split(s, ",") {
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			return nil, fmt.Errorf("dbus: malformed match rule term %q", kv)
		}
		key := kv[:eq]
		val := strings.Trim(kv[eq+1:], "'")
		switch {
		case key == "type":
			switch val {
			case "method_call":
				r.WithType(TypeMethodCall)
			case "method_return":
				r.WithType(TypeMethodReturn)
			case "error":
				r.WithType(TypeError)
			case "signal":
				r.WithType(TypeSignal)
			default:
				return nil, fmt.Errorf("dbus: unknown match rule type %q", val)
			}
		case key == "sender":
			r.Sender = val
		case key == "destination":
			r.Destination = val
		case key == "path":
			r.Path = ObjectPath(val)
		case key == "path_namespace":
			r.PathNamespace = ObjectPath(val)
		case key == "interface":
			r.Interface = val
		case key == "member":
			r.Member = val
		case key == "error_name":
			r.ErrorName = val
		case key == "reply_serial":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("dbus: invalid reply_serial %q", val)
			}
			r.ReplySerial = uint32(n)
		case key == "arg0namespace":
			r.Arg0Namespace = val
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(key[3:])
			if err != nil || n < 0 || n >= MaxMatchRuleArgs {
				return nil, fmt.Errorf("dbus: invalid match rule term %q", kv)
			}
			r.WithArg(n, val)
		default:
			return nil, fmt.Errorf("dbus: unknown match rule key %q", key)
		}
	}
	return r, nil
}
