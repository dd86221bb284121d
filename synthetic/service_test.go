package synthetic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/trustedserver/edgecore/kvstore"
)

func TestGetOrGenerateFirstTime(t *testing.T) {
	counters := kvstore.NewMemStore()
	opids := kvstore.NewMemStore()
	svc := New("k", "{{client_ip}}:{{user_agent}}", "publisher.com", counters, opids)

	id, err := svc.GetOrGenerate(context.Background(), Signals{ClientIP: "1.2.3.4", UserAgent: "Mozilla/5.0"})
	if err != nil {
		t.Fatalf("get_or_generate: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write([]byte("1.2.3.4:Mozilla/5.0"))
	wantBase := hex.EncodeToString(mac.Sum(nil))[:32]
	want := wantBase + ".000001"
	if id != want {
		t.Fatalf("got %q, want %q", id, want)
	}
}

func TestGetOrGenerateIsIdempotentForSameSignals(t *testing.T) {
	counters := kvstore.NewMemStore()
	opids := kvstore.NewMemStore()
	svc := New("k", "{{client_ip}}:{{user_agent}}", "publisher.com", counters, opids)
	sig := Signals{ClientIP: "9.9.9.9", UserAgent: "UA"}

	first, err := svc.GetOrGenerate(context.Background(), sig)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.GetOrGenerate(context.Background(), sig)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable id across calls: %q != %q", first, second)
	}
}

func TestGetOrGenerateDistinctSuffixesPerBase(t *testing.T) {
	counters := kvstore.NewMemStore()
	opids := kvstore.NewMemStore()
	svc := New("k", "{{client_ip}}", "publisher.com", counters, opids)

	a, _ := svc.GetOrGenerate(context.Background(), Signals{ClientIP: "1.1.1.1"})
	b, _ := svc.GetOrGenerate(context.Background(), Signals{ClientIP: "2.2.2.2"})
	if a == b {
		t.Fatalf("different bases should not collide: %q", a)
	}
}

func TestNormalizeIPv6ToSlash64(t *testing.T) {
	got := normalizeIP("2001:db8::1")
	if got != "2001:db8::" {
		t.Fatalf("got %q", got)
	}
}
