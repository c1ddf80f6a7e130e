package transport

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ErrOriginNotAllowed is returned when a socket upgrade comes from an origin outside the allowlist.
var ErrOriginNotAllowed = errors.New("origin not allowed")

// originPolicy decides which browser origins may open sockets.
//
// Two layers must agree: our own check runs first with a readable error, then
// websocket.Accept applies OriginPatterns (host globs) to cross-origin requests.
type originPolicy struct {
	allowAny bool
	allowed  []string
	patterns []string
}

func newOriginPolicy(allowed []string) originPolicy {
	p := originPolicy{}
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" || a == "*:*" {
			p.allowAny = true
			continue
		}
		p.allowed = append(p.allowed, a)
	}
	p.patterns = originPatterns(p.allowed)
	return p
}

// check accepts requests without an Origin header (non-browser peers).
func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || p.allowAny {
		return nil
	}

	host := originHost(origin)
	for _, a := range p.allowed {
		if origin == a {
			return nil
		}
		if host != "" && host == originHost(a) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOriginNotAllowed, origin)
}

func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = strings.TrimSpace(u.Host)
		if s == "" {
			return ""
		}
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if h := originHost(a); h != "" {
			seen[h] = struct{}{}
		}
	}

	// Accept matches patterns against host[:port], so each host is listed with and
	// without a port wildcard.
	out := make([]string, 0, 2*len(seen))
	for h := range seen {
		out = append(out, h, h+":*")
	}
	sort.Strings(out)
	return out
}
