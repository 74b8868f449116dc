/*
Package mxlookup resolves the mail exchangers responsible for a recipient domain into IP addresses ready for dialing.
The delivery client itself only accepts IP literals, locating the right server is its caller's job - this package is
that caller's tool.
*/
package mxlookup

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/dmitrifedorov/maildeliver/lalog"
	"github.com/miekg/dns"
)

const (
	// DefaultQueryTimeout bounds each individual DNS query.
	DefaultQueryTimeout = 10 * time.Second
)

// ErrNoMailService indicates that the domain explicitly declares itself out of the mail business with a null MX
// record, and delivery must not be attempted at all.
var ErrNoMailService = errors.New("the domain does not accept mail")

// MailHost is one mail exchanger candidate together with the addresses it resolves to, ready for dialing.
type MailHost struct {
	Host       string   // Host is the mail exchanger name without the trailing dot.
	Preference uint16   // Preference is the MX preference value, lower is tried first.
	IPs        []string // IPs are the host's IPv4 and IPv6 addresses as literals.
}

// Resolver looks up MX and address records through a recursive DNS resolver.
type Resolver struct {
	// ResolverAddr is the "ip:port" of the recursive resolver to use. Leave empty to pick the first resolver of
	// /etc/resolv.conf.
	ResolverAddr string `json:"ResolverAddr"`
	// QueryTimeout bounds each individual DNS query, DefaultQueryTimeout applies when left at zero.
	QueryTimeout time.Duration `json:"-"`

	dnsConfig *dns.ClientConfig
	client    *dns.Client
	logger    lalog.Logger
}

// Initialise validates the configuration and discovers the system resolver if none was given.
func (resolver *Resolver) Initialise() error {
	resolver.logger = lalog.Logger{ComponentName: "mxlookup", ComponentID: []lalog.LoggerIDField{{Key: "Resolver", Value: resolver.ResolverAddr}}}
	if resolver.QueryTimeout == 0 {
		resolver.QueryTimeout = DefaultQueryTimeout
	}
	if resolver.ResolverAddr == "" {
		dnsConfig, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return fmt.Errorf("mxlookup.Initialise: failed to read resolv.conf - %w", err)
		}
		if len(dnsConfig.Servers) == 0 {
			return errors.New("mxlookup.Initialise: resolv.conf does not name a resolver, specify ResolverAddr instead")
		}
		resolver.dnsConfig = dnsConfig
	} else {
		host, port, err := net.SplitHostPort(resolver.ResolverAddr)
		if err != nil {
			return fmt.Errorf("mxlookup.Initialise: failed to parse ip:port from resolver address - %w", err)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("mxlookup.Initialise: failed to parse ip:port from resolver address - %w", err)
		}
		resolver.dnsConfig = &dns.ClientConfig{Servers: []string{host}, Port: port}
	}
	resolver.client = &dns.Client{Timeout: resolver.QueryTimeout}
	return nil
}

func (resolver *Resolver) resolverHostPort() string {
	return net.JoinHostPort(resolver.dnsConfig.Servers[0], resolver.dnsConfig.Port)
}

func (resolver *Resolver) exchange(ctx context.Context, name string, questionType uint16) (*dns.Msg, error) {
	query := new(dns.Msg)
	query.RecursionDesired = true
	query.SetQuestion(dns.Fqdn(name), questionType)
	response, _, err := resolver.client.ExchangeContext(ctx, query, resolver.resolverHostPort())
	if err != nil {
		return nil, err
	}
	if response.Rcode != dns.RcodeSuccess && response.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("query for %s returned rcode %s", name, dns.RcodeToString[response.Rcode])
	}
	return response, nil
}

/*
Lookup resolves the domain's mail exchangers ordered by preference, each with the IP addresses it answers on. A domain
without MX records falls back to the implied mail exchanger, the domain itself. A domain carrying the null MX record
yields ErrNoMailService.
*/
func (resolver *Resolver) Lookup(ctx context.Context, domain string) ([]MailHost, error) {
	response, err := resolver.exchange(ctx, domain, dns.TypeMX)
	if err != nil {
		resolver.logger.Warning(domain, err, "MX query failed")
		return nil, err
	}
	hosts := mailHostsFromAnswers(response.Answer)
	if len(hosts) == 1 && hosts[0].Host == "" {
		// Null MX record ("0 .")
		return nil, ErrNoMailService
	}
	if len(hosts) == 0 {
		// No MX at all - the domain itself is the implied mail exchanger.
		hosts = []MailHost{{Host: domain}}
	}
	var resolved []MailHost
	for _, host := range hosts {
		ips, err := resolver.lookupIPs(ctx, host.Host)
		if err != nil {
			resolver.logger.Warning(host.Host, err, "address query failed")
			continue
		}
		if len(ips) == 0 {
			continue
		}
		host.IPs = ips
		resolved = append(resolved, host)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("mxlookup.Lookup: none of the mail exchangers of %s resolve to an address", domain)
	}
	resolver.logger.Info(domain, nil, "resolved %d mail exchangers", len(resolved))
	return resolved, nil
}

// lookupIPs collects the host's IPv4 and IPv6 addresses.
func (resolver *Resolver) lookupIPs(ctx context.Context, host string) ([]string, error) {
	var ips []string
	for _, questionType := range []uint16{dns.TypeA, dns.TypeAAAA} {
		response, err := resolver.exchange(ctx, host, questionType)
		if err != nil {
			return nil, err
		}
		ips = append(ips, ipsFromAnswers(response.Answer)...)
	}
	return ips, nil
}

// mailHostsFromAnswers extracts the MX candidates from the answer section, ordered by preference.
func mailHostsFromAnswers(answers []dns.RR) []MailHost {
	var hosts []MailHost
	for _, answer := range answers {
		if mx, ok := answer.(*dns.MX); ok {
			hosts = append(hosts, MailHost{
				Host:       trimTrailingDot(mx.Mx),
				Preference: mx.Preference,
			})
		}
	}
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].Preference < hosts[j].Preference
	})
	return hosts
}

// ipsFromAnswers extracts the address literals from A and AAAA records of the answer section.
func ipsFromAnswers(answers []dns.RR) []string {
	var ips []string
	for _, answer := range answers {
		switch record := answer.(type) {
		case *dns.A:
			ips = append(ips, record.A.String())
		case *dns.AAAA:
			ips = append(ips, record.AAAA.String())
		}
	}
	return ips
}

func trimTrailingDot(name string) string {
	if len(name) > 0 && name[len(name)-1] == '.' {
		return name[:len(name)-1]
	}
	return name
}
