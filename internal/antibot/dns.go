package antibot

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"github.com/skywalker-88/wardengate/pkg/config"
)

// dnsChecker performs the reverse-DNS (PTR) lookup referenced by
// spec.md §5's suspension points ("DNS lookups in the AntiBot DNS check
// must be executed off the I/O thread or with a deadline"). It flags an
// IP whose PTR record resolves into a known hosting/datacenter suffix,
// a weak extra signal alongside the direct-IP/allowed-domains string
// check that spec.md §4.5 specifies.
type dnsChecker struct {
	cfg    *config.Store
	client *dns.Client
}

func newDNSChecker(cfg *config.Store) *dnsChecker {
	return &dnsChecker{
		cfg:    cfg,
		client: &dns.Client{Timeout: 500 * time.Millisecond},
	}
}

// isHostingProvider runs a PTR lookup for ip with a deadline and
// reports whether the resolved hostname matches one of the configured
// hosting-provider suffixes. Any failure (timeout, NXDOMAIN, malformed
// IP) is treated as "unknown" (false), never as a rejection by itself —
// this is a weak signal, not authoritative.
func (d *dnsChecker) isHostingProvider(ctx context.Context, ip string) bool {
	cfg := d.cfg.Load().AntiBot
	if !cfg.ReverseDNSCheck || len(cfg.HostingSuffixes) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	reverseName, err := dns.ReverseAddr(ip)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.ReverseDNSTimeout)
	defer cancel()

	m := new(dns.Msg)
	m.SetQuestion(reverseName, dns.TypePTR)

	result := make(chan string, 1)
	go func() {
		in, _, err := d.client.Exchange(m, "1.1.1.1:53")
		if err != nil || in == nil {
			result <- ""
			return
		}
		for _, ans := range in.Answer {
			if ptr, ok := ans.(*dns.PTR); ok {
				result <- ptr.Ptr
				return
			}
		}
		result <- ""
	}()

	select {
	case <-ctx.Done():
		log.Debug().Str("ip", ip).Msg("antibot: reverse dns timed out")
		return false
	case host := <-result:
		if host == "" {
			return false
		}
		host = strings.ToLower(host)
		for _, suffix := range cfg.HostingSuffixes {
			if strings.HasSuffix(host, strings.ToLower(suffix)) {
				return true
			}
		}
		return false
	}
}
