package guard

import "strings"

// Whitelist holds public path prefixes that skip authentication and
// authorization. A prefix matches the path itself and anything below it on
// a segment boundary, so "/api/user/login" covers "/api/user/login/" but not
// "/api/user/loginx".
type Whitelist struct {
	prefixes []string
}

// NewWhitelist normalizes the configured prefixes. Blank entries are ignored.
func NewWhitelist(prefixes []string) *Whitelist {
	w := &Whitelist{}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if p != "/" {
			p = strings.TrimRight(p, "/")
		}
		w.prefixes = append(w.prefixes, p)
	}
	return w
}

// Match reports whether path is public.
func (w *Whitelist) Match(path string) bool {
	if w == nil {
		return false
	}
	for _, p := range w.prefixes {
		if p == "/" || path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Prefixes returns the normalized prefixes.
func (w *Whitelist) Prefixes() []string {
	if w == nil {
		return nil
	}
	out := make([]string, len(w.prefixes))
	copy(out, w.prefixes)
	return out
}
