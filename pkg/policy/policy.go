package policy

import (
	"strings"

	"github.com/httpscope/httpscope/internal/config"
)

// Rules decides per CONNECT target whether the proxy terminates TLS or
// tunnels the connection opaquely.
//
// Domain matching is deliberately substring-based: a single "github.com"
// entry covers both github.com and api.github.com. The imprecision is
// accepted because the list is operator-curated. A "*" entry matches every
// host; a port entry of config.WildcardPort matches every port.
type Rules struct {
	domains []string
	ports   map[int]struct{}
	anyPort bool
}

// New builds an interception rule set from configured domain patterns and
// ports. Patterns are compared case-insensitively.
func New(domains []string, ports []int) *Rules {
	r := &Rules{
		domains: make([]string, 0, len(domains)),
		ports:   make(map[int]struct{}, len(ports)),
	}
	for _, d := range domains {
		r.domains = append(r.domains, strings.ToLower(d))
	}
	for _, p := range ports {
		if p == config.WildcardPort {
			r.anyPort = true
			continue
		}
		r.ports[p] = struct{}{}
	}
	return r
}

// ShouldIntercept reports whether a CONNECT to host:port is terminated and
// re-originated rather than blind-tunnelled.
func (r *Rules) ShouldIntercept(host string, port int) bool {
	if !r.anyPort {
		if _, ok := r.ports[port]; !ok {
			return false
		}
	}
	host = strings.ToLower(host)
	for _, d := range r.domains {
		if d == "*" || strings.Contains(host, d) {
			return true
		}
	}
	return false
}
