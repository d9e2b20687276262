package rbac

import "strings"

// KeyKind tags the shape of a rule's match key.
type KeyKind int

const (
	// KeyInvalid never matches any request.
	KeyInvalid KeyKind = iota
	// KeyVerb matches one HTTP verb.
	KeyVerb
	// KeyWildcard ("*") matches every verb and action on the resource.
	KeyWildcard
	// KeyCustom matches a named action, optionally restricted to one verb.
	KeyCustom
)

// AnyVerb is the verb part of a "*_{action}" custom key.
const AnyVerb = "*"

var knownVerbs = map[string]bool{
	"get":    true,
	"post":   true,
	"put":    true,
	"patch":  true,
	"delete": true,
}

// IsVerb reports whether v is one of the verbs a rule key may name.
func IsVerb(v string) bool {
	return knownVerbs[strings.ToLower(v)]
}

// Key is a parsed rule match key. Keys are compared structurally, so an
// action literally named "get" can never be mistaken for the get verb.
type Key struct {
	Kind   KeyKind
	Verb   string // KeyVerb, KeyCustom ("*" for any verb)
	Action string // KeyCustom
	Raw    string
}

// ParseKey turns the declared key of a rule into a Key. Unrecognized shapes
// yield a KeyInvalid key rather than an error.
func ParseKey(raw string) Key {
	k := Key{Raw: raw}
	s := strings.TrimSpace(raw)
	if s == "*" {
		k.Kind = KeyWildcard
		return k
	}
	lower := strings.ToLower(s)
	if knownVerbs[lower] {
		k.Kind = KeyVerb
		k.Verb = lower
		return k
	}

	verb, action, ok := strings.Cut(s, "_")
	if !ok || action == "" {
		return k
	}
	verb = strings.ToLower(verb)
	if verb != AnyVerb && !knownVerbs[verb] {
		return k
	}
	k.Kind = KeyCustom
	k.Verb = verb
	k.Action = action
	return k
}

// VerbKey builds a key matching a single verb.
func VerbKey(verb string) Key {
	v := strings.ToLower(verb)
	if !knownVerbs[v] {
		return Key{Raw: verb}
	}
	return Key{Kind: KeyVerb, Verb: v, Raw: v}
}

// WildcardKey builds the "*" key.
func WildcardKey() Key {
	return Key{Kind: KeyWildcard, Raw: "*"}
}

// CustomKey builds a key for a named action. Pass AnyVerb to match the
// action under every verb.
func CustomKey(verb, action string) Key {
	v := strings.ToLower(verb)
	if action == "" || (v != AnyVerb && !knownVerbs[v]) {
		return Key{Raw: verb + "_" + action}
	}
	return Key{Kind: KeyCustom, Verb: v, Action: action, Raw: v + "_" + action}
}

// String returns the declared form of the key.
func (k Key) String() string {
	switch k.Kind {
	case KeyWildcard:
		return "*"
	case KeyVerb:
		return k.Verb
	case KeyCustom:
		return k.Verb + "_" + k.Action
	default:
		return k.Raw
	}
}

func (k Key) matchesCustom(verb, action string) bool {
	if k.Kind != KeyCustom || action == "" || k.Action != action {
		return false
	}
	return k.Verb == AnyVerb || k.Verb == verb
}

func (k Key) matchesVerb(verb string) bool {
	return k.Kind == KeyVerb && k.Verb == verb
}
