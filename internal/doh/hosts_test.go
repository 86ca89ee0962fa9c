package doh

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
)

type countingResolver struct {
	calls int
}

func (r *countingResolver) Forward(_ context.Context, query []byte) ([]byte, error) {
	r.calls++
	return query, nil
}

func TestNewHostsRejectsBadEntries(t *testing.T) {
	tests := []map[string]string{
		{"example.com": "not-an-ip"},
		{" ": "192.0.2.1"},
	}
	for _, entries := range tests {
		if _, err := NewHosts(entries, &countingResolver{}); !errors.Is(err, ErrHostsEntry) {
			t.Errorf("%v: expected ErrHostsEntry, got %v", entries, err)
		}
	}
}

func TestHostsForward(t *testing.T) {
	next := &countingResolver{}
	h, err := NewHosts(map[string]string{
		"Pinned.Example":  "192.0.2.10",
		"v6.example.":     "2001:db8::1",
		"mapped.example.": "::ffff:192.0.2.11",
	}, next)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		qtype   uint16
		local   bool
		answers int
		want    string
	}{
		{"pinned.example.", dns.TypeA, true, 1, "192.0.2.10"},
		{"PINNED.example.", dns.TypeA, true, 1, "192.0.2.10"},
		{"pinned.example.", dns.TypeAAAA, true, 0, ""},
		{"pinned.example.", dns.TypeHTTPS, true, 0, ""},
		{"v6.example.", dns.TypeAAAA, true, 1, "2001:db8::1"},
		{"mapped.example.", dns.TypeA, true, 1, "192.0.2.11"},
		{"other.example.", dns.TypeA, false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name+"/"+dns.TypeToString[tt.qtype], func(t *testing.T) {
			before := next.calls
			q := new(dns.Msg)
			q.SetQuestion(tt.name, tt.qtype)
			wire, _ := q.Pack()

			out, err := h.Forward(context.Background(), wire)
			if err != nil {
				t.Fatal(err)
			}
			if !tt.local {
				if next.calls != before+1 {
					t.Fatal("query was not passed on")
				}
				return
			}
			if next.calls != before {
				t.Fatal("pinned name reached the next resolver")
			}

			var resp dns.Msg
			if err := resp.Unpack(out); err != nil {
				t.Fatal(err)
			}
			if resp.Id != q.Id || !resp.Response || resp.Rcode != dns.RcodeSuccess {
				t.Fatalf("bad reply header: %v", resp.MsgHdr)
			}
			if len(resp.Answer) != tt.answers {
				t.Fatalf("got %d answers, want %d", len(resp.Answer), tt.answers)
			}
			if tt.answers == 0 {
				return
			}
			var got netip.Addr
			switch rr := resp.Answer[0].(type) {
			case *dns.A:
				got, _ = netip.AddrFromSlice(rr.A.To4())
			case *dns.AAAA:
				got, _ = netip.AddrFromSlice(rr.AAAA)
			}
			if got.String() != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHostsPassesMalformedQueries(t *testing.T) {
	next := &countingResolver{}
	h, err := NewHosts(map[string]string{"pinned.example": "192.0.2.10"}, next)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Forward(context.Background(), []byte{0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	if next.calls != 1 {
		t.Fatalf("malformed query not passed on")
	}
}
