package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredCounters(t *testing.T) {
	RequestsTotal.WithLabelValues("origin", "2xx").Inc()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "edgecore_requests_total") {
		t.Fatalf("expected edgecore_requests_total in scrape output, got %q", rec.Body.String())
	}
}

func TestStatusClassBucketsByHundreds(t *testing.T) {
	cases := map[int]string{200: "2xx", 301: "3xx", 404: "4xx", 500: "5xx"}
	for code, want := range cases {
		if got := StatusClass(code); got != want {
			t.Fatalf("StatusClass(%d) = %q, want %q", code, got, want)
		}
	}
}
