package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/blobstreamorg/libblobstream-go/blob"
)

const (
	// txtPrefix is prepended to the stream name to form the TXT query name.
	txtPrefix = "_stream."

	// txtKey is the key of the sd hash entry within the TXT record.
	txtKey = "sd="
)

// DNS resolves names through TXT records of the form "sd=<hash>" published
// at _stream.{name}. A nameserver may be pinned (host:port) for private
// deployments and tests; empty means the system resolver config.
type DNS struct {
	Nameserver string
	Timeout    time.Duration
}

// Resolve queries TXT records for _stream.{name} and returns the sd hash.
func (d *DNS) Resolve(ctx context.Context, name string) (string, error) {
	ns := d.Nameserver
	if ns == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return "", fmt.Errorf("resolver: load resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return "", fmt.Errorf("resolver: no nameserver configured")
		}
		ns = conf.Servers[0] + ":" + conf.Port
	}

	client := &dns.Client{Timeout: d.Timeout}
	if client.Timeout == 0 {
		client.Timeout = 5 * time.Second
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(txtPrefix+name), dns.TypeTXT)
	msg.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, msg, ns)
	if err != nil {
		return "", fmt.Errorf("resolver: txt lookup %s: %w", name, err)
	}
	if resp.Rcode == dns.RcodeNameError {
		return "", ErrUnknownName
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("resolver: txt lookup %s: rcode %s", name, dns.RcodeToString[resp.Rcode])
	}

	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		record := strings.Join(txt.Txt, "")
		if !strings.HasPrefix(record, txtKey) {
			continue
		}
		sdHash := strings.TrimPrefix(record, txtKey)
		if !blob.IsValidHash(sdHash) {
			return "", fmt.Errorf("%w: bad sd hash in TXT for %s", ErrBadRecord, name)
		}
		return sdHash, nil
	}
	return "", ErrUnknownName
}
