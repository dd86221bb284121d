package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/trustedserver/edgecore/config"
	"github.com/trustedserver/edgecore/integrations"
	"github.com/trustedserver/edgecore/keys"
	"github.com/trustedserver/edgecore/kvstore"
	"github.com/trustedserver/edgecore/origin"
	"github.com/trustedserver/edgecore/proxy"
	"github.com/trustedserver/edgecore/signedurl"
	"github.com/trustedserver/edgecore/synthetic"
)

type stubFetcher struct {
	status      int
	contentType string
	body        string
}

func (f stubFetcher) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.status,
		Header:     http.Header{"Content-Type": []string{f.contentType}},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	rt, err := buildTestRouter()
	if err != nil {
		t.Fatalf("%v", err)
	}
	return rt
}

// buildTestRouter assembles a Router against in-memory stores and stub
// fetchers, shared by the table-driven tests below and the BDD-style
// suite in router_suite_test.go.
func buildTestRouter() (*Router, error) {
	cfg := &config.Config{
		IntegrationsRaw: map[string]map[string]interface{}{},
		ResponseHeaders: map[string]string{"X-Test": "1"},
		Handlers: []config.Handler{
			{Path: "^/admin/", Username: "u", Password: "p"},
		},
	}
	cfg.Publisher.ProxySecret = "s3cr3t-proxy"
	cfg.Synthetic.SecretKey = "s3cr3t-synth"
	cfg.Publisher.OriginURL = "https://publisher.example.com"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ks := keys.New(memCfg{kvstore.NewMemStore()}, memSecret{kvstore.NewMemStore()})
	if _, err := ks.Bootstrap(context.Background()); err != nil {
		return nil, err
	}

	codec := signedurl.New(cfg.Publisher.ProxySecret)
	reg := integrations.Build(cfg, nil)
	svc := synthetic.New(cfg.Synthetic.SecretKey, "{{ip}}", cfg.Publisher.Domain, kvstore.NewMemStore(), kvstore.NewMemStore())

	ph := &proxy.Handler{
		Codec:        codec,
		Fetcher:      stubFetcher{status: 200, contentType: "text/html", body: "<p>proxy</p>"},
		Synthetic:    svc,
		Keys:         ks,
		Registry:     reg,
		CookieDomain: cfg.Publisher.CookieDomain,
		Timeout:      time.Second,
	}
	op := &origin.Proxy{
		Fetcher:  stubFetcher{status: 200, contentType: "text/html", body: "<p>origin</p>"},
		Codec:    codec,
		Registry: reg,
		Timeout:  time.Second,
	}

	return &Router{Config: cfg, Registry: reg, Keys: ks, Proxy: ph, Origin: op}, nil
}

type memCfg struct{ *kvstore.MemStore }
type memSecret struct{ *kvstore.MemStore }

func (m memCfg) Delete(ctx context.Context, key string) error    { return nil }
func (m memSecret) Delete(ctx context.Context, key string) error { return nil }

func TestRouterServesWellKnownJWKS(t *testing.T) {
	rt := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/trusted-server.json", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"version"`) || !strings.Contains(rec.Body.String(), `"keys"`) {
		t.Fatalf("expected versioned jwks body, got %q", rec.Body.String())
	}
}

func TestRouterGatesAdminHandlerWithBasicAuth(t *testing.T) {
	rt := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without basic auth, got %d", rec.Code)
	}
}

func TestRouterFallsBackToOrigin(t *testing.T) {
	rt := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/some/article", nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "origin") {
		t.Fatalf("expected origin body, got %q", rec.Body.String())
	}
	if rec.Header().Get("X-Test") != "1" {
		t.Fatalf("expected configured response header to be applied")
	}
}

func TestRouterDispatchesFirstPartyClick(t *testing.T) {
	rt := newTestRouter(t)
	href, _ := rt.Proxy.Codec.BuildClickHref("https://publisher.example.com/x", nil, nil)
	req := httptest.NewRequest(http.MethodGet, href, nil)
	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
}
