package resolver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS runs a local DNS server answering TXT queries from the given
// records, keyed by fully qualified query name.
func startDNS(t *testing.T, records map[string][]string) string {
	t.Helper()

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		txts, ok := records[q.Name]
		if !ok {
			resp.Rcode = dns.RcodeNameError
		} else if q.Qtype == dns.TypeTXT {
			for _, txt := range txts {
				resp.Answer = append(resp.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
					Txt: []string{txt},
				})
			}
		}
		_ = w.WriteMsg(resp)
	})

	srv := &dns.Server{Addr: "127.0.0.1:0", Net: "udp", Handler: mux}
	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return srv.PacketConn.LocalAddr().String()
}

func TestDNSResolve(t *testing.T) {
	sdHash := strings.Repeat("ab", 48)
	addr := startDNS(t, map[string][]string{
		"_stream.movie.example.": {"sd=" + sdHash},
	})

	d := &DNS{Nameserver: addr}
	got, err := d.Resolve(context.Background(), "movie.example")
	require.NoError(t, err)
	assert.Equal(t, sdHash, got)
}

func TestDNSResolveUnknownName(t *testing.T) {
	addr := startDNS(t, nil)

	d := &DNS{Nameserver: addr}
	_, err := d.Resolve(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrUnknownName)
}

func TestDNSResolveBadRecord(t *testing.T) {
	addr := startDNS(t, map[string][]string{
		"_stream.bad.example.": {"sd=not-a-hash"},
	})

	d := &DNS{Nameserver: addr}
	_, err := d.Resolve(context.Background(), "bad.example")
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestDNSResolveIgnoresUnrelatedRecords(t *testing.T) {
	sdHash := strings.Repeat("cd", 48)
	addr := startDNS(t, map[string][]string{
		"_stream.mixed.example.": {"v=spf1 -all", "sd=" + sdHash},
	})

	d := &DNS{Nameserver: addr}
	got, err := d.Resolve(context.Background(), "mixed.example")
	require.NoError(t, err)
	assert.Equal(t, sdHash, got)
}
