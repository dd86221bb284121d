package reqctx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	c := New(httptest.NewRecorder(), r, "https", "publisher.example.com")
	if got := c.ClientIP(); got != "203.0.113.5" {
		t.Fatalf("expected forwarded IP, got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/a", nil)
	r.RemoteAddr = "192.0.2.9:5555"
	c := New(httptest.NewRecorder(), r, "https", "publisher.example.com")
	if got := c.ClientIP(); got != "192.0.2.9" {
		t.Fatalf("expected remote addr host, got %q", got)
	}
}

func TestSyntheticIDRoundTrip(t *testing.T) {
	c := New(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a", nil), "https", "h")
	if _, ok := c.SyntheticID(); ok {
		t.Fatalf("expected unset synthetic id")
	}
	c.SetSyntheticID("abc123")
	id, ok := c.SyntheticID()
	if !ok || id != "abc123" {
		t.Fatalf("expected abc123, got %q ok=%v", id, ok)
	}
}

func TestServerTimingHeaderFormatsMarks(t *testing.T) {
	c := New(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/a", nil), "https", "h")
	c.Mark("origin")
	c.Mark("rewrite")
	header := c.ServerTimingHeader()
	if !strings.Contains(header, "origin;dur=") || !strings.Contains(header, "rewrite;dur=") {
		t.Fatalf("unexpected header: %q", header)
	}
}
