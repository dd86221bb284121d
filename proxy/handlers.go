// Package proxy implements the first-party endpoints a rewritten page's
// browser actually talks to: /first-party/proxy (subresources),
// /first-party/click (navigations), /first-party/sign (mint a token),
// and /first-party/proxy-rebuild (refresh an expired token without a
// full page re-fetch).
package proxy

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"

	"github.com/trustedserver/edgecore/compress"
	"github.com/trustedserver/edgecore/dedup"
	"github.com/trustedserver/edgecore/errkind"
	"github.com/trustedserver/edgecore/integrations"
	"github.com/trustedserver/edgecore/keys"
	"github.com/trustedserver/edgecore/metrics"
	"github.com/trustedserver/edgecore/reqctx"
	"github.com/trustedserver/edgecore/rewrite"
	"github.com/trustedserver/edgecore/signedurl"
	"github.com/trustedserver/edgecore/synthetic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxRedirects bounds the hop-following loop in ServeProxy, per the
// requirement that a resource fetch never loops indefinitely on a
// misbehaving origin.
const MaxRedirects = 4

// Fetcher is the platform-provided outbound HTTP capability.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Handler serves the first-party endpoints.
type Handler struct {
	Codec          *signedurl.Codec
	Fetcher        Fetcher
	Synthetic      *synthetic.Service
	Keys           *keys.Store
	Registry       *integrations.Registry
	ExcludeDomains []string
	CookieDomain   string
	Timeout        time.Duration
	// ClickDedup labels a rapid repeat of the same click as "duplicate"
	// in the click metrics; the click is still redirected. Nil disables
	// dedup.
	ClickDedup *dedup.Filter
}

// verifiedRequest holds the outcome of validating a signed query.
type verifiedRequest struct {
	base   string
	params []signedurl.Param
}

func (h *Handler) verify(r *http.Request) (*verifiedRequest, error) {
	params := signedurl.ParseOrderedQuery(r.URL.RawQuery)
	base, ok := signedurl.Lookup(params, signedurl.KeyURL)
	if !ok {
		return nil, errkind.New(errkind.BadRequest, "missing tsurl")
	}
	token, ok := signedurl.Lookup(params, signedurl.KeyToken)
	if !ok {
		return nil, errkind.New(errkind.BadRequest, "missing tstoken")
	}
	var expiry *time.Time
	if expStr, ok := signedurl.Lookup(params, signedurl.KeyExpiry); ok {
		sec, err := strconv.ParseInt(expStr, 10, 64)
		if err != nil {
			return nil, errkind.New(errkind.BadRequest, "malformed tsexp")
		}
		t := time.Unix(sec, 0)
		expiry = &t
	}
	filtered := signedurl.FilterReserved(params)
	if err := h.Codec.Verify(base, filtered, expiry, token); err != nil {
		return nil, err
	}
	return &verifiedRequest{base: base, params: filtered}, nil
}

// ServeProxy fetches and, for HTML/CSS, rewrites the signed target URL,
// following redirects up to MaxRedirects and re-stamping the synthetic
// id on the way out.
func (h *Handler) ServeProxy(w http.ResponseWriter, r *http.Request) {
	vr, err := h.verify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := reqctx.New(w, r, "https", "")
	h.fetchAndRewrite(rc, vr.base, vr.params, 0)
}

// forwardedRequestHeaders is the curated subset of the incoming request's
// headers copied onto the outbound fetch. Cookies and the signed token
// never leave this process.
var forwardedRequestHeaders = []string{
	"User-Agent", "Accept", "Accept-Language", "Accept-Encoding", "Referer", "X-Forwarded-For",
}

func (h *Handler) fetchAndRewrite(rc *reqctx.Context, target string, params []signedurl.Param, hop int) {
	w := rc.Writer
	if hop > MaxRedirects {
		writeError(w, errkind.New(errkind.UpstreamError, "too many redirects"))
		return
	}

	ctx, cancel := context.WithTimeout(rc.Request.Context(), h.Timeout)
	defer cancel()

	h.stampSynthetic(rc)
	sid, _ := rc.SyntheticID()
	targetURL := stampSyntheticID(signedurl.ReconstructURL(target, params), sid)

	method := rc.Method
	if hop > 0 {
		method = http.MethodGet // 303-style downgrade on every redirect hop past the first
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, nil)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, err))
		return
	}
	for _, name := range forwardedRequestHeaders {
		if v := rc.Request.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := h.Fetcher.Do(req)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.UpstreamError, err))
		return
	}
	defer resp.Body.Close()

	if loc := resp.Header.Get("Location"); loc != "" && isRedirectStatus(resp.StatusCode) {
		abs, err := resolveLocation(target, loc)
		if err == nil {
			h.fetchAndRewrite(rc, abs, nil, hop+1)
			return
		}
	}

	contentType := resp.Header.Get("Content-Type")
	pageBase, _ := url.Parse(target)
	enc := compress.ParseEncoding(resp.Header.Get("Content-Encoding"))

	for k, vs := range resp.Header {
		if k == "Location" {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	switch {
	case compress.ContentTypeActivates(contentType, "text/html"):
		dec, err := compress.NewDecompressReader(resp.Body, enc)
		if err != nil {
			return
		}
		defer dec.Close()
		mapper := rewrite.NewMapper(h.Codec, pageBase, h.ExcludeDomains)
		rw := &rewrite.Rewriter{
			Mapper:          mapper,
			Hooks:           h.Registry.Hooks(),
			CoreBundleURL:   h.Registry.CoreBundleURL(),
			AssetBundleURLs: h.Registry.AssetBundleURLs(),
		}
		cw := compress.NewCompressWriter(w, enc)
		_ = rw.Process(dec, cw)
		_ = cw.Close()
	case compress.ContentTypeActivates(contentType, "text/css"):
		dec, err := compress.NewDecompressReader(resp.Body, enc)
		if err != nil {
			return
		}
		defer dec.Close()
		buf, _ := readAll(dec)
		mapper := rewrite.NewMapper(h.Codec, pageBase, h.ExcludeDomains)
		rewritten := rewrite.RewriteCSSURLs(string(buf), mapper)
		cw := compress.NewCompressWriter(w, enc)
		_, _ = cw.Write([]byte(rewritten))
		_ = cw.Close()
	case strings.HasPrefix(contentType, "image/") ||
		(contentType == "" && strings.Contains(rc.Request.Header.Get("Accept"), "image/")):
		if contentType == "" {
			w.Header().Set("Content-Type", "image/*")
		}
		if looksLikePixel(resp.Header.Get("Content-Length"), targetURL) {
			glog.Infof("proxy: likely tracking pixel fetched url=%s synthetic_id=%s", targetURL, sid)
		}
		_, _ = compress.CopyChunked(w, resp.Body)
	default:
		_, _ = compress.CopyChunked(w, resp.Body)
	}
}

// looksLikePixel applies the proxy's tracking-pixel heuristic: a tiny
// body or a URL path that names a well-known pixel endpoint.
func looksLikePixel(contentLength, rawURL string) bool {
	if n, err := strconv.Atoi(contentLength); err == nil && n > 0 && n <= 256 {
		return true
	}
	for _, marker := range []string{"/pixel", "/p.gif", "/1x1", "/track"} {
		if strings.Contains(rawURL, marker) {
			return true
		}
	}
	return false
}

// stampSyntheticID appends synthetic_id=id onto target's query string,
// after any existing params, leaving target unchanged if id is empty.
func stampSyntheticID(target, id string) string {
	if id == "" {
		return target
	}
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + "synthetic_id=" + url.QueryEscape(id)
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func resolveLocation(base, location string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	l, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(l).String(), nil
}

// ServeClick verifies the signed navigation target and redirects the
// browser to it with synthetic_id appended to its query, re-stamping the
// synthetic id cookie first so attribution survives the hop.
func (h *Handler) ServeClick(w http.ResponseWriter, r *http.Request) {
	vr, err := h.verify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rc := reqctx.New(w, r, "https", "")
	h.stampSynthetic(rc)
	sid, _ := rc.SyntheticID()
	if h.ClickDedup != nil {
		fingerprint := sid + "|" + vr.base
		if h.ClickDedup.Seen(fingerprint) {
			metrics.ClicksTotal.WithLabelValues("duplicate").Inc()
		} else {
			metrics.ClicksTotal.WithLabelValues("unique").Inc()
		}
	}
	location := stampSyntheticID(signedurl.ReconstructURL(vr.base, vr.params), sid)
	glog.Infof("click: tsurl=%s params=%d user_agent=%q referer=%q synthetic_id=%s",
		vr.base, len(vr.params), r.UserAgent(), r.Referer(), sid)
	http.Redirect(w, r, location, http.StatusFound)
}

// signRequest is the JSON body ServeSign accepts.
type signRequest struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
	Nav    bool              `json:"nav"`
}

// ServeSign mints a first-party href for an admin-supplied URL, gated by
// an Ed25519 admin bearer token.
func (h *Handler) ServeSign(w http.ResponseWriter, r *http.Request) {
	if !h.authenticateAdmin(r) {
		writeError(w, errkind.New(errkind.Unauthorized, "missing or invalid admin token"))
		return
	}
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.BadRequest, "malformed request body"))
		return
	}
	var params []signedurl.Param
	for k, v := range req.Params {
		params = append(params, signedurl.Param{Key: k, Value: v})
	}
	var href string
	var err error
	if req.Nav {
		href, err = h.Codec.BuildClickHref(req.URL, params, nil)
	} else {
		href, err = h.Codec.BuildProxyHref(req.URL, params, nil)
	}
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, err))
		return
	}
	writeJSON(w, map[string]string{"href": href})
}

// ServeProxyRebuild re-signs the target of an existing signed href as a
// fresh /first-party/proxy href with no expiry, without re-fetching the
// underlying page, so a client holding a stale but still-legitimate link
// can refresh it. The presented token must match its tsurl, params and
// tsexp; an expired tsexp is accepted.
func (h *Handler) ServeProxyRebuild(w http.ResponseWriter, r *http.Request) {
	params := signedurl.ParseOrderedQuery(r.URL.RawQuery)
	base, ok := signedurl.Lookup(params, signedurl.KeyURL)
	if !ok {
		writeError(w, errkind.New(errkind.BadRequest, "missing tsurl"))
		return
	}
	token, _ := signedurl.Lookup(params, signedurl.KeyToken)
	var expiry *time.Time
	if expStr, ok := signedurl.Lookup(params, signedurl.KeyExpiry); ok {
		if sec, err := strconv.ParseInt(expStr, 10, 64); err == nil {
			t := time.Unix(sec, 0)
			expiry = &t
		}
	}
	filtered := signedurl.FilterReserved(params)
	if want, err := h.Codec.Sign(base, filtered, expiry); err != nil ||
		subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		writeError(w, errkind.New(errkind.TokenInvalid, "signature mismatch"))
		return
	}
	href, err := h.Codec.BuildProxyHref(base, filtered, nil)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, err))
		return
	}
	writeJSON(w, map[string]string{"href": href})
}

func (h *Handler) authenticateAdmin(r *http.Request) bool {
	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) <= len(prefix) || authz[:len(prefix)] != prefix {
		return false
	}
	_, err := h.Keys.VerifyAdminToken(r.Context(), authz[len(prefix):])
	return err == nil
}

func (h *Handler) stampSynthetic(rc *reqctx.Context) {
	sig := synthetic.Signals{
		ClientIP:       rc.ClientIP(),
		UserAgent:      rc.Request.UserAgent(),
		AcceptLanguage: rc.Request.Header.Get("Accept-Language"),
		AcceptEncoding: rc.Request.Header.Get("Accept-Encoding"),
	}
	if id, ok := synthetic.ExtractFromRequest(rc.Request); ok {
		rc.SetSyntheticID(id)
		return
	}
	id, err := h.Synthetic.GetOrGenerate(rc.Request.Context(), sig)
	if err != nil {
		id = h.Synthetic.FreshID(sig)
	}
	rc.SetSyntheticID(id)
	synthetic.SetCookie(rc.Writer, rc.Request, id, h.CookieDomain)
}

func writeError(w http.ResponseWriter, err error) {
	w.WriteHeader(errkind.StatusCode(err))
	writeJSON(w, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func readAll(r io.Reader) ([]byte, error) {
	buf := make([]byte, 0, compress.BlockSize)
	tmp := make([]byte, compress.BlockSize)
	for {
		n, err := r.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return buf, nil
			}
			return buf, err
		}
	}
}
