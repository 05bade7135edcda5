package dns

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const (
	minCacheTTL = 5 * time.Second
	maxCacheTTL = 5 * time.Minute
)

type cacheEntry struct {
	addrs   []string
	expires time.Time
}

// Resolver resolves origin hostnames for upstream dials. When a nameserver
// is configured it queries that server directly and caches answers by their
// TTL; otherwise it falls back to the system resolver.
type Resolver struct {
	server string
	client *dns.Client

	mu    sync.RWMutex
	cache map[string]cacheEntry

	// exchange is swapped out in tests.
	exchange func(ctx context.Context, m *dns.Msg, server string) (*dns.Msg, error)
}

// NewResolver creates a resolver that queries server ("host:port"). An empty
// server means the system resolver is used for every lookup.
func NewResolver(server string) *Resolver {
	client := &dns.Client{Timeout: 5 * time.Second}
	return &Resolver{
		server: server,
		client: client,
		cache:  make(map[string]cacheEntry),
		exchange: func(ctx context.Context, m *dns.Msg, srv string) (*dns.Msg, error) {
			resp, _, err := client.ExchangeContext(ctx, m, srv)
			return resp, err
		},
	}
}

// LookupHost returns the addresses for host. IP literals pass through
// unchanged.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if r.server == "" {
		return net.DefaultResolver.LookupHost(ctx, host)
	}

	r.mu.RLock()
	entry, ok := r.cache[host]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.addrs, nil
	}

	addrs, ttl, err := r.query(ctx, host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, expires: time.Now().Add(ttl)}
	r.mu.Unlock()

	return addrs, nil
}

// query asks the configured nameserver for A records, then AAAA when no A
// records exist.
func (r *Resolver) query(ctx context.Context, host string) ([]string, time.Duration, error) {
	fqdn := dns.Fqdn(host)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		resp, err := r.exchange(ctx, m, r.server)
		if err != nil {
			return nil, 0, fmt.Errorf("dns query for %s failed: %w", host, err)
		}

		var addrs []string
		ttl := maxCacheTTL
		for _, rr := range resp.Answer {
			hdr := rr.Header()
			switch a := rr.(type) {
			case *dns.A:
				addrs = append(addrs, a.A.String())
			case *dns.AAAA:
				addrs = append(addrs, a.AAAA.String())
			default:
				continue
			}
			if t := time.Duration(hdr.Ttl) * time.Second; t < ttl {
				ttl = t
			}
		}
		if len(addrs) > 0 {
			if ttl < minCacheTTL {
				ttl = minCacheTTL
			}
			return addrs, ttl, nil
		}
	}

	return nil, 0, fmt.Errorf("no address records for %s", host)
}
