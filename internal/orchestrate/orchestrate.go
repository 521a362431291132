// Package orchestrate composes the resolver, GeoIP database, protocol
// codecs, and task dispatcher behind two facades: a direct orchestrator
// that pings a server itself, and a distributed orchestrator that fans
// the same ping out to every connected probe. Both are composing
// facades over several independent managers: resolver+geoip+codec and
// resolver+geoip+dispatcher respectively.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/mcprobe/controller/internal/dispatch"
	"github.com/mcprobe/controller/internal/dnsrecord"
	"github.com/mcprobe/controller/internal/geoip"
	"github.com/mcprobe/controller/internal/mcaddr"
	"github.com/mcprobe/controller/internal/mcproto/bedrockping"
	"github.com/mcprobe/controller/internal/mcproto/javaping"
	"github.com/mcprobe/controller/internal/probesession"
	"github.com/mcprobe/controller/internal/resolver"
	"github.com/mcprobe/controller/internal/status"
)

// Protocol identifies which ping codec and default port a request
// targets.
type Protocol string

const (
	ProtocolJava    Protocol = "java"
	ProtocolBedrock Protocol = "bedrock"
)

// ErrNoProbes is returned by the distributed orchestrator when no
// probe is currently connected.
var ErrNoProbes = fmt.Errorf("no probe nodes available")

// enrichResult is the resolver+GeoIP enrichment chain shared by both
// orchestrators, computed without pinging anything.
type enrichResult struct {
	connectHost string
	connectPort uint16
	ipInfo      *status.IPInfo
	dnsFailed   bool
}

func enrich(ctx context.Context, res *resolver.Resolver, geo *geoip.DB, addr mcaddr.Address, proto Protocol) enrichResult {
	connectHost := addr.Host
	connectPort := addr.Port
	var srv *dnsrecord.SRV

	isLiteral := net.ParseIP(addr.Host) != nil

	if proto == ProtocolJava && !isLiteral {
		if found, ok := res.ResolveService(ctx, addr.Host); ok {
			srv = found
			connectHost = found.Target
			connectPort = found.Port
		}
	}

	if proto == ProtocolBedrock && addr.Port == mcaddr.DefaultJavaPort {
		connectPort = mcaddr.DefaultBedrockPort
	}

	ip, ok := res.ResolveIP(ctx, connectHost)
	if !ok {
		if net.ParseIP(connectHost) != nil {
			ip = connectHost
		} else {
			return enrichResult{dnsFailed: true}
		}
	}

	records := res.CollectDNSRecords(ctx, addr.Host, srv)
	ips := uniqueIPs(records)

	ipInfo := &status.IPInfo{IP: ip, IPs: ips, SRVRecord: srv, DNSRecords: records}

	var asns []*status.ASNInfo
	seen := make(map[uint]bool)
	if geo != nil {
		for _, candidate := range ips {
			if a, ok := geo.ASNOf(candidate); ok && !seen[a.Number] {
				seen[a.Number] = true
				asns = append(asns, a)
			}
		}
	}
	switch len(asns) {
	case 0:
	case 1:
		ipInfo.ASN = asns[0]
	default:
		ipInfo.ASN = asns
	}

	if geo != nil {
		if loc, ok := geo.LocationOf(ip); ok {
			ipInfo.Location = loc
		}
	}

	return enrichResult{connectHost: connectHost, connectPort: connectPort, ipInfo: ipInfo}
}

func uniqueIPs(records []dnsrecord.Record) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		if r.Kind != dnsrecord.KindA && r.Kind != dnsrecord.KindAAAA {
			continue
		}
		if seen[r.Data] {
			continue
		}
		seen[r.Data] = true
		out = append(out, r.Data)
	}
	return out
}

// targetPort computes the port probes should connect on, applying the
// Bedrock default-port substitution whenever the parsed port is
// DefaultJavaPort, whether that port was implied or written out.
func targetPort(addr mcaddr.Address, proto Protocol) uint16 {
	if proto == ProtocolBedrock && addr.Port == mcaddr.DefaultJavaPort {
		return mcaddr.DefaultBedrockPort
	}
	return addr.Port
}

// Direct pings a server itself: resolve, enrich, ping, assemble.
type Direct struct {
	Resolver *resolver.Resolver
	GeoIP    *geoip.DB
}

// NewDirect builds a Direct orchestrator.
func NewDirect(res *resolver.Resolver, geo *geoip.DB) *Direct {
	return &Direct{Resolver: res, GeoIP: geo}
}

// Ping parses host, resolves and enriches it, and runs the
// appropriate codec.
func (d *Direct) Ping(ctx context.Context, host string, proto Protocol) *status.ServerStatus {
	addr := mcaddr.Parse(host)
	if resolver.IsLikelyInvalidHostname(addr.Host) {
		return &status.ServerStatus{
			Online: false,
			Host:   addr.Host,
			Port:   addr.Port,
			Error:  fmt.Sprintf("invalid hostname: %s", addr.Host),
		}
	}

	enr := enrich(ctx, d.Resolver, d.GeoIP, addr, proto)
	if enr.dnsFailed {
		return &status.ServerStatus{
			Online: false,
			Host:   addr.Host,
			Error:  fmt.Sprintf("DNS resolution failed for %s", addr.Host),
		}
	}

	connectAddr := net.JoinHostPort(enr.ipInfo.IP, strconv.Itoa(int(enr.connectPort)))

	var result *status.ServerStatus
	if proto == ProtocolBedrock {
		result = bedrockping.Ping(ctx, connectAddr)
	} else {
		result = javaping.Ping(ctx, connectAddr, addr.Host, enr.connectPort)
	}

	result.Host = addr.Host
	result.Port = enr.connectPort
	result.IPInfo = enr.ipInfo
	return result
}

// ProbeResult is one probe's contribution to a distributed ping.
type ProbeResult struct {
	Region string               `json:"node_region"`
	Status *status.ServerStatus `json:"status"`
}

// Distributed fans a ping out to every connected probe instead of
// pinging directly.
type Distributed struct {
	Resolver   *resolver.Resolver
	GeoIP      *geoip.DB
	Sessions   *probesession.Manager
	Dispatcher *dispatch.Dispatcher
}

// NewDistributed builds a Distributed orchestrator.
func NewDistributed(res *resolver.Resolver, geo *geoip.DB, sessions *probesession.Manager, d *dispatch.Dispatcher) *Distributed {
	return &Distributed{Resolver: res, GeoIP: geo, Sessions: sessions, Dispatcher: d}
}

// Ping runs the resolver+GeoIP enrichment chain and a probe broadcast
// concurrently, then merges the enrichment into every probe's reply.
// Probes whose task failed still appear in the result, with
// online:false and their error string.
func (d *Distributed) Ping(ctx context.Context, host string, proto Protocol) (map[string]ProbeResult, error) {
	if d.Sessions.Count() == 0 {
		return nil, ErrNoProbes
	}

	addr := mcaddr.Parse(host)
	if resolver.IsLikelyInvalidHostname(addr.Host) {
		return nil, fmt.Errorf("invalid hostname: %s", addr.Host)
	}
	port := targetPort(addr, proto)

	var enr enrichResult
	var broadcast map[string]dispatch.Result

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		enr = enrich(gctx, d.Resolver, d.GeoIP, addr, proto)
		return nil
	})
	g.Go(func() error {
		broadcast = d.Dispatcher.BroadcastTask(gctx, string(proto), addr.Host, port)
		return nil
	})
	_ = g.Wait()

	out := make(map[string]ProbeResult, len(broadcast))
	for probeID, res := range broadcast {
		var region string
		if sess, ok := d.Sessions.Get(probeID); ok {
			region = sess.Region
		}

		var st status.ServerStatus
		if !res.Success {
			st = status.ServerStatus{Online: false, Host: addr.Host, Port: port, Error: res.Error}
		} else if err := json.Unmarshal(res.Data, &st); err != nil {
			st = status.ServerStatus{Online: false, Host: addr.Host, Port: port, Error: "malformed probe response"}
		}
		st.Protocol = string(proto)
		if !enr.dnsFailed {
			st.IPInfo = enr.ipInfo.Clone()
		}

		out[probeID] = ProbeResult{Region: region, Status: &st}
	}
	return out, nil
}
