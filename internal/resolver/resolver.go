// Package resolver implements the address resolution pipeline: SRV
// lookup, A/AAAA resolution, and recursive DNS-record collection with
// loop prevention, each bounded by a short timeout.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/mcprobe/controller/internal/dnsrecord"
)

// QueryTimeout bounds every individual DNS call.
const QueryTimeout = 3 * time.Second

// Resolver issues DNS queries against a configured set of nameservers.
type Resolver struct {
	client  *dns.Client
	servers []string
}

// New builds a Resolver from the system's /etc/resolv.conf, falling back
// to a public resolver if that file is unreadable (e.g. minimal
// containers) so the controller still functions.
func New() *Resolver {
	servers := []string{"8.8.8.8:53", "1.1.1.1:53"}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		servers = nil
		for _, s := range cfg.Servers {
			servers = append(servers, net.JoinHostPort(s, cfg.Port))
		}
	}
	return NewWithServers(servers)
}

// NewWithServers builds a Resolver against an explicit nameserver list,
// primarily for tests.
func NewWithServers(servers []string) *Resolver {
	return &Resolver{
		client:  &dns.Client{Timeout: QueryTimeout},
		servers: servers,
	}
}

// ipLiteral reports whether host is already an IPv4 or IPv6 literal.
func ipLiteral(host string) bool {
	return net.ParseIP(host) != nil
}

// exchange sends m to the first configured server, bounding the whole
// call at QueryTimeout regardless of how the underlying client behaves.
// Failure or timeout yields (nil, false) rather than an error — DNS
// hiccups must never propagate into the orchestrators.
func (r *Resolver) exchange(ctx context.Context, m *dns.Msg) (*dns.Msg, bool) {
	if len(r.servers) == 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	in, _, err := r.client.ExchangeContext(ctx, m, r.servers[0])
	if err != nil || in == nil {
		return nil, false
	}
	return in, true
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, bool) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true
	return r.exchange(ctx, m)
}

// ResolveService queries "_minecraft._tcp.<host>" and returns the first
// SRV record found. No priority/weight selection is performed: the
// first record in the response wins.
func (r *Resolver) ResolveService(ctx context.Context, host string) (*dnsrecord.SRV, bool) {
	in, ok := r.query(ctx, "_minecraft._tcp."+host, dns.TypeSRV)
	if !ok {
		return nil, false
	}
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			return &dnsrecord.SRV{Target: srv.Target, Port: srv.Port}, true
		}
	}
	return nil, false
}

// ResolveIP resolves host to a single IP address. Literals pass through
// unchanged. Otherwise A and AAAA are queried in parallel; the first A
// answer wins, else the first AAAA answer, else resolution fails.
func (r *Resolver) ResolveIP(ctx context.Context, host string) (string, bool) {
	if ipLiteral(host) {
		return host, true
	}

	var aAnswer, aaaaAnswer string
	var aOK, aaaaOK bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ips := r.queryAddresses(gctx, host, dns.TypeA)
		if len(ips) > 0 {
			aAnswer, aOK = ips[0], true
		}
		return nil
	})
	g.Go(func() error {
		ips := r.queryAddresses(gctx, host, dns.TypeAAAA)
		if len(ips) > 0 {
			aaaaAnswer, aaaaOK = ips[0], true
		}
		return nil
	})
	_ = g.Wait()

	if aOK {
		return aAnswer, true
	}
	if aaaaOK {
		return aaaaAnswer, true
	}
	return "", false
}

func (r *Resolver) queryAddresses(ctx context.Context, host string, qtype uint16) []string {
	in, ok := r.query(ctx, host, qtype)
	if !ok {
		return nil
	}
	var out []string
	for _, rr := range in.Answer {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		}
	}
	return out
}

func (r *Resolver) queryCNAME(ctx context.Context, host string) (string, bool) {
	in, ok := r.query(ctx, host, dns.TypeCNAME)
	if !ok {
		return "", false
	}
	for _, rr := range in.Answer {
		if c, ok := rr.(*dns.CNAME); ok {
			return c.Target, true
		}
	}
	return "", false
}

// CollectDNSRecords returns the full DNS chain used for enrichment.
// When srv is non-nil an SRV record line is pushed first and its
// target is recursed into ahead of the original host. Recursion
// follows CNAME chains, guarding against loops with a visited set; A
// and AAAA are only queried on names that do not themselves resolve a
// CNAME.
func (r *Resolver) CollectDNSRecords(ctx context.Context, host string, srv *dnsrecord.SRV) []dnsrecord.Record {
	var records []dnsrecord.Record
	visited := make(map[string]bool)

	if srv != nil {
		records = append(records, dnsrecord.Record{
			Hostname: host,
			Kind:     dnsrecord.KindSRV,
			Data:     fmt.Sprintf("1 1 %d %s", srv.Port, srv.Target),
		})
		r.collectFrom(ctx, srv.Target, visited, &records)
	}

	r.collectFrom(ctx, host, visited, &records)
	return records
}

func (r *Resolver) collectFrom(ctx context.Context, host string, visited map[string]bool, records *[]dnsrecord.Record) {
	key := dns.Fqdn(host)
	if visited[key] || ipLiteral(host) {
		return
	}
	visited[key] = true

	if target, ok := r.queryCNAME(ctx, host); ok {
		*records = append(*records, dnsrecord.Record{Hostname: host, Kind: dnsrecord.KindCNAME, Data: target})
		r.collectFrom(ctx, target, visited, records)
		return
	}

	for _, ip := range r.queryAddresses(ctx, host, dns.TypeA) {
		*records = append(*records, dnsrecord.Record{Hostname: host, Kind: dnsrecord.KindA, Data: ip})
	}
	for _, ip := range r.queryAddresses(ctx, host, dns.TypeAAAA) {
		*records = append(*records, dnsrecord.Record{Hostname: host, Kind: dnsrecord.KindAAAA, Data: ip})
	}
}

// IsLikelyInvalidHostname fast-fails obvious garbage before the
// orchestrators touch the resolver.
func IsLikelyInvalidHostname(host string) bool {
	if len(host) < 4 {
		return true
	}
	if len(host) < 10 && !containsDot(host) {
		return true
	}
	return false
}

func containsDot(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return true
		}
	}
	return false
}
