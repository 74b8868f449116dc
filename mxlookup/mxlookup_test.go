package mxlookup

import (
	"net"
	"reflect"
	"testing"

	"github.com/miekg/dns"
)

func TestResolver_Initialise(t *testing.T) {
	resolver := &Resolver{ResolverAddr: "127.0.0.1:53"}
	if err := resolver.Initialise(); err != nil {
		t.Fatal(err)
	}
	if resolver.resolverHostPort() != "127.0.0.1:53" {
		t.Fatal(resolver.resolverHostPort())
	}
	if resolver.QueryTimeout != DefaultQueryTimeout {
		t.Fatal(resolver.QueryTimeout)
	}

	resolver = &Resolver{ResolverAddr: "127.0.0.1"}
	if err := resolver.Initialise(); err == nil {
		t.Fatal("accepted resolver address without a port")
	}
	resolver = &Resolver{ResolverAddr: "127.0.0.1:banana"}
	if err := resolver.Initialise(); err == nil {
		t.Fatal("accepted resolver address with a malformed port")
	}
}

func TestMailHostsFromAnswers(t *testing.T) {
	answers := []dns.RR{
		&dns.MX{Preference: 20, Mx: "backup.example.com."},
		&dns.MX{Preference: 10, Mx: "primary.example.com."},
		&dns.A{A: net.ParseIP("192.0.2.1")},
	}
	hosts := mailHostsFromAnswers(answers)
	want := []MailHost{
		{Host: "primary.example.com", Preference: 10},
		{Host: "backup.example.com", Preference: 20},
	}
	if !reflect.DeepEqual(hosts, want) {
		t.Fatalf("%+v", hosts)
	}
	if hosts := mailHostsFromAnswers(nil); len(hosts) != 0 {
		t.Fatalf("%+v", hosts)
	}
}

func TestIPsFromAnswers(t *testing.T) {
	answers := []dns.RR{
		&dns.A{A: net.ParseIP("192.0.2.1").To4()},
		&dns.AAAA{AAAA: net.ParseIP("2001:db8::25")},
		&dns.MX{Preference: 10, Mx: "irrelevant.example.com."},
	}
	ips := ipsFromAnswers(answers)
	if !reflect.DeepEqual(ips, []string{"192.0.2.1", "2001:db8::25"}) {
		t.Fatal(ips)
	}
}

func TestTrimTrailingDot(t *testing.T) {
	if s := trimTrailingDot("mx.example.com."); s != "mx.example.com" {
		t.Fatal(s)
	}
	if s := trimTrailingDot("mx.example.com"); s != "mx.example.com" {
		t.Fatal(s)
	}
	if s := trimTrailingDot(""); s != "" {
		t.Fatal(s)
	}
}
