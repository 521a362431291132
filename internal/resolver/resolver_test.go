package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/mcprobe/controller/internal/dnsrecord"
)

func TestIsLikelyInvalidHostname(t *testing.T) {
	cases := []struct {
		host string
		want bool
	}{
		{"a", true},
		{"abc", true},
		{"abcd", true},        // len 4, no dot
		{"short.io", false},   // has dot
		{"nodotnodotx", false}, // len >= 10
		{"nodot", true},       // len < 10, no dot
	}
	for _, c := range cases {
		got := IsLikelyInvalidHostname(c.host)
		if got != c.want {
			t.Errorf("IsLikelyInvalidHostname(%q) = %v, want %v", c.host, got, c.want)
		}
	}
}

func TestIPLiteral(t *testing.T) {
	if !ipLiteral("203.0.113.5") {
		t.Error("expected IPv4 literal to be detected")
	}
	if !ipLiteral("::1") {
		t.Error("expected IPv6 literal to be detected")
	}
	if ipLiteral("example.com") {
		t.Error("expected hostname to not be a literal")
	}
}

// cnameHandler answers every query for name with a CNAME pointing at
// target, regardless of query type.
func cnameHandler(name, target string) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 60},
			Target: target,
		})
		_ = w.WriteMsg(m)
	}
}

func TestCollectDNSRecordsTerminatesOnCNAMECycle(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()

	mux := dns.NewServeMux()
	mux.Handle("a.cycle.test.", cnameHandler("a.cycle.test.", "b.cycle.test."))
	mux.Handle("b.cycle.test.", cnameHandler("b.cycle.test.", "a.cycle.test."))

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go srv.ActivateAndServe()
	defer srv.Shutdown()

	r := NewWithServers([]string{pc.LocalAddr().String()})

	done := make(chan []dnsrecord.Record, 1)
	go func() {
		done <- r.CollectDNSRecords(context.Background(), "a.cycle.test", nil)
	}()

	select {
	case records := <-done:
		if len(records) != 2 {
			t.Fatalf("expected 2 CNAME records from the cycle, got %d: %+v", len(records), records)
		}
		for _, rec := range records {
			if rec.Kind != dnsrecord.KindCNAME {
				t.Fatalf("expected only CNAME records, got %+v", rec)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("CollectDNSRecords did not terminate on a CNAME cycle")
	}
}
