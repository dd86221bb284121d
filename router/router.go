// Package router implements the top-level request dispatcher: the one
// entry point a guest invocation calls with the inbound request, in a
// fixed priority order so a publisher's own origin paths can never
// shadow the proxy's own control surface.
package router

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/trustedserver/edgecore/auction"
	"github.com/trustedserver/edgecore/config"
	"github.com/trustedserver/edgecore/errkind"
	"github.com/trustedserver/edgecore/integrations"
	"github.com/trustedserver/edgecore/keys"
	"github.com/trustedserver/edgecore/metrics"
	"github.com/trustedserver/edgecore/origin"
	"github.com/trustedserver/edgecore/proxy"
	"github.com/trustedserver/edgecore/reqctx"
	"github.com/trustedserver/edgecore/synthetic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func jsonEncode(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(v)
}

// Router dispatches every inbound request through the six-step priority
// order: static assets, well-known endpoints, admin handlers,
// first-party endpoints, integration routes, then the origin fallback.
type Router struct {
	Config   *config.Config
	Registry *integrations.Registry
	Keys     *keys.Store
	Proxy    *proxy.Handler
	Origin   *origin.Proxy
	Auction  *auction.Orchestrator
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rt.applyResponseHeaders(rec)
	route := rt.dispatch(rec, r)
	metrics.RequestsTotal.WithLabelValues(route, metrics.StatusClass(rec.status)).Inc()
	metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

// statusRecorder captures the status code written through it so
// ServeHTTP can label metrics after the fact without changing any
// handler's signature.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) string {
	path := r.URL.Path

	if path == "/metrics" {
		metrics.Handler().ServeHTTP(w, r)
		return "metrics"
	}
	if rt.serveStaticAsset(w, r, path) {
		return "static"
	}
	if rt.serveWellKnown(w, r, path) {
		return "well-known"
	}
	if rt.serveAdminHandler(w, r, path) {
		return "admin"
	}
	if rt.serveAdminRoutes(w, r, path) {
		return "admin"
	}
	if rt.serveControlRoutes(w, r, path) {
		return "control"
	}
	if rt.serveFirstParty(w, r, path) {
		return "first-party"
	}
	if h, ok := rt.Registry.RouteFor(path); ok {
		h.ServeHTTP(w, r)
		return "integration"
	}
	rt.serveOriginFallback(w, r)
	return "origin"
}

func (rt *Router) serveStaticAsset(w http.ResponseWriter, r *http.Request, path string) bool {
	if !strings.HasPrefix(path, "/static/tsjs=") {
		return false
	}
	content, ok := rt.Registry.AssetBundleByPath(path)
	if !ok {
		http.NotFound(w, r)
		return true
	}
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(content)
	return true
}

// wellKnownDocument is the published shape at
// /.well-known/trusted-server.json.
type wellKnownDocument struct {
	Version string       `json:"version"`
	JWKS    *keys.JWKSet `json:"jwks"`
}

func (rt *Router) serveWellKnown(w http.ResponseWriter, r *http.Request, path string) bool {
	if path != "/.well-known/trusted-server.json" {
		return false
	}
	set, err := rt.Keys.PublishJWKS(r.Context())
	if err != nil {
		glog.Errorf("router: publishing jwks: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	_ = jsonEncode(w, wellKnownDocument{Version: "1.0", JWKS: set})
	return true
}

func (rt *Router) serveAdminHandler(w http.ResponseWriter, r *http.Request, path string) bool {
	h := rt.Config.MatchHandler(path)
	if h == nil {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || subtle.ConstantTimeCompare([]byte(user), []byte(h.Username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(pass), []byte(h.Password)) != 1 {
		w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
		w.WriteHeader(http.StatusUnauthorized)
		return true
	}
	// Matched and authenticated: the handler's own route (registered as
	// an integration route or a first-party endpoint) still has to run;
	// admin gating only decides whether the request proceeds at all.
	return false
}

func (rt *Router) serveFirstParty(w http.ResponseWriter, r *http.Request, path string) bool {
	switch path {
	case "/first-party/proxy":
		rt.Proxy.ServeProxy(w, r)
	case "/first-party/click":
		rt.Proxy.ServeClick(w, r)
	case "/first-party/sign":
		rt.Proxy.ServeSign(w, r)
	case "/first-party/proxy-rebuild":
		rt.Proxy.ServeProxyRebuild(w, r)
	case "/first-party/ad":
		rt.serveAd(w, r)
	default:
		return false
	}
	return true
}

// verifySignatureRequest is the body /verify-signature accepts.
type verifySignatureRequest struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Kid       string `json:"kid"`
}

// rotateKeysRequest is the optional body /admin/keys/rotate accepts.
type rotateKeysRequest struct {
	Kid string `json:"kid"`
}

// deactivateKeyRequest is the body /admin/keys/deactivate accepts.
type deactivateKeyRequest struct {
	Kid    string `json:"kid"`
	Delete bool   `json:"delete"`
}

func (rt *Router) serveAdminRoutes(w http.ResponseWriter, r *http.Request, path string) bool {
	switch path {
	case "/admin/keys/rotate":
		rt.serveKeysRotate(w, r)
	case "/admin/keys/deactivate":
		rt.serveKeysDeactivate(w, r)
	default:
		return false
	}
	return true
}

func (rt *Router) serveKeysRotate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.BadRequest, "method not allowed"))
		return
	}
	var req rotateKeysRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	result, err := rt.Keys.Rotate(r.Context(), req.Kid)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, err))
		return
	}
	writeJSON(w, map[string]interface{}{
		"new_kid":      result.NewKid,
		"previous_kid": result.PreviousKid,
		"active_kids":  result.ActiveKids,
	})
}

func (rt *Router) serveKeysDeactivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.BadRequest, "method not allowed"))
		return
	}
	var req deactivateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kid == "" {
		writeError(w, errkind.New(errkind.BadRequest, "missing kid"))
		return
	}
	if err := rt.Keys.Deactivate(r.Context(), req.Kid, req.Delete); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]string{"kid": req.Kid, "status": "deactivated"})
}

// serveControlRoutes handles first-party-adjacent control endpoints that
// aren't scoped under /first-party/ and aren't admin-gated.
func (rt *Router) serveControlRoutes(w http.ResponseWriter, r *http.Request, path string) bool {
	switch path {
	case "/verify-signature":
		rt.serveVerifySignature(w, r)
	case "/auction":
		rt.serveAuction(w, r)
	default:
		return false
	}
	return true
}

func (rt *Router) serveVerifySignature(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.BadRequest, "method not allowed"))
		return
	}
	var req verifySignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed request body"))
		return
	}
	ok, err := rt.Keys.Verify(r.Context(), []byte(req.Payload), req.Signature, req.Kid)
	if err != nil {
		writeJSON(w, map[string]interface{}{"verified": false, "kid": req.Kid, "message": err.Error()})
		return
	}
	message := "signature valid"
	if !ok {
		message = "signature invalid"
	}
	writeJSON(w, map[string]interface{}{"verified": ok, "kid": req.Kid, "message": message})
}

func (rt *Router) serveAd(w http.ResponseWriter, r *http.Request) {
	if rt.Auction == nil {
		writeError(w, errkind.New(errkind.Configuration, "auction not configured"))
		return
	}
	q := r.URL.Query()
	slot := q.Get("slot")
	if slot == "" {
		writeError(w, errkind.New(errkind.BadRequest, "missing slot"))
		return
	}
	width, _ := strconv.Atoi(q.Get("w"))
	height, _ := strconv.Atoi(q.Get("h"))

	syntheticID, _ := synthetic.ExtractFromRequest(r)
	req := auction.AuctionRequest{
		RequestID:       uuid.NewString(),
		SyntheticID:     syntheticID,
		PublisherDomain: rt.Config.Publisher.Domain,
		Slots:           []auction.Slot{{SlotID: slot, Sizes: []auction.Size{{Width: width, Height: height}}}},
		Context:         auction.RequestContext{PageURL: r.Referer(), UserAgent: r.UserAgent()},
	}
	resp, err := rt.Auction.Run(r.Context(), req)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.UpstreamError, err))
		return
	}
	if len(resp.Bids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(resp.Bids[0].AdMarkup))
}

func (rt *Router) serveAuction(w http.ResponseWriter, r *http.Request) {
	if rt.Auction == nil {
		writeError(w, errkind.New(errkind.Configuration, "auction not configured"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, errkind.New(errkind.BadRequest, "method not allowed"))
		return
	}
	var req auction.AuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed request body"))
		return
	}
	resp, err := rt.Auction.Run(r.Context(), req)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.UpstreamError, err))
		return
	}
	writeJSON(w, resp)
}

func writeError(w http.ResponseWriter, err error) {
	w.WriteHeader(errkind.StatusCode(err))
	writeJSON(w, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = jsonEncode(w, v)
}

func (rt *Router) serveOriginFallback(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.New(w, r, "https", rt.Config.Publisher.Domain)
	target := strings.TrimRight(rt.Config.Publisher.OriginURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	rt.applyResponseHeaders(w)
	if err := rt.Origin.Fetch(r.Context(), rc, target); err != nil {
		glog.Warningf("router: origin fetch failed for %s: %v", target, err)
	}
}

func (rt *Router) applyResponseHeaders(w http.ResponseWriter) {
	for k, v := range rt.Config.ResponseHeaders {
		w.Header().Set(k, v)
	}
}
