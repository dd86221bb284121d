// Package origin implements the publisher-origin fetch-and-rewrite
// pipeline: fetch the real page from the publisher's own backend, run it
// through the compression/rewrite pipeline, and stream the result to the
// client without ever letting the client talk to the origin directly.
package origin

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/trustedserver/edgecore/compress"
	"github.com/trustedserver/edgecore/integrations"
	"github.com/trustedserver/edgecore/reqctx"
	"github.com/trustedserver/edgecore/rewrite"
	"github.com/trustedserver/edgecore/signedurl"
	"github.com/trustedserver/edgecore/synthetic"
)

// Fetcher is the platform-provided outbound HTTP capability. It is the
// same shape as *http.Client so the guest's platform SDK binding (or
// http.DefaultClient, in tests) satisfies it directly.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// Proxy fetches and rewrites publisher origin responses.
type Proxy struct {
	Fetcher        Fetcher
	Codec          *signedurl.Codec
	Registry       *integrations.Registry
	Synthetic      *synthetic.Service
	ExcludeDomains []string
	CookieDomain   string
	Timeout        time.Duration
}

// htmlActivatesOn and cssActivatesOn are the content-type prefixes that
// trigger HTML/CSS rewriting rather than passthrough proxying.
const (
	htmlActivatesOn = "text/html"
	cssActivatesOn  = "text/css"
)

// Fetch retrieves originURL on the publisher's behalf, applies the
// rewrite pipeline when the response is HTML or CSS, and streams the
// result to rc.Writer. Non-HTML/CSS responses are streamed through the
// compression codec unmodified (decompress-then-recompress is skipped
// entirely; bytes pass straight through).
func (p *Proxy) Fetch(ctx context.Context, rc *reqctx.Context, originURL string) error {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	stableID, freshID := p.stampSynthetic(ctx, rc)

	req, err := http.NewRequestWithContext(ctx, rc.Method, originURL, nil)
	if err != nil {
		return errors.Wrap(err, "building origin request")
	}
	copyForwardableHeaders(rc.Request.Header, req.Header)

	resp, err := p.Fetcher.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetching origin")
	}
	defer resp.Body.Close()
	rc.Mark("origin_fetch")

	contentType := resp.Header.Get("Content-Type")
	pageBase, _ := url.Parse(originURL)

	w := rc.Writer
	copyResponseHeaders(resp.Header, w.Header())
	w.Header().Del("Content-Length") // rewriting may change body length
	w.Header().Set("X-Synthetic-Trusted-Server", stableID)
	w.Header().Set("X-Synthetic-Fresh", freshID)
	w.WriteHeader(resp.StatusCode)

	enc := compress.ParseEncoding(resp.Header.Get("Content-Encoding"))

	switch {
	case compress.ContentTypeActivates(contentType, htmlActivatesOn):
		err = p.rewriteHTML(resp, enc, pageBase, w)
	case compress.ContentTypeActivates(contentType, cssActivatesOn):
		err = p.rewriteCSS(resp, enc, pageBase, w)
	default:
		_, err = compress.CopyChunked(w, resp.Body)
	}
	rc.Mark("rewrite")
	if err != nil {
		glog.Warningf("origin: pipeline error for %s: %v", originURL, err)
	}
	if ts := rc.ServerTimingHeader(); ts != "" {
		w.Header().Set("Server-Timing", ts)
	}
	return err
}

// stampSynthetic resolves the stable synthetic id for this visitor
// (extracted from an existing header/cookie, or generated and persisted
// if absent, setting the cookie), and a separate single-use freshly
// templated id for this response only. Both are reported back to the
// caller so they can be echoed on X-Synthetic-* headers regardless of
// whether the id was just minted or already known.
func (p *Proxy) stampSynthetic(ctx context.Context, rc *reqctx.Context) (stableID, freshID string) {
	if p.Synthetic == nil {
		return "", ""
	}
	sig := synthetic.Signals{
		ClientIP:       rc.ClientIP(),
		UserAgent:      rc.Request.UserAgent(),
		AcceptLanguage: rc.Request.Header.Get("Accept-Language"),
		AcceptEncoding: rc.Request.Header.Get("Accept-Encoding"),
	}
	if id, ok := synthetic.ExtractFromRequest(rc.Request); ok {
		stableID = id
	} else {
		id, err := p.Synthetic.GetOrGenerate(ctx, sig)
		if err != nil {
			id = p.Synthetic.FreshID(sig)
		}
		stableID = id
		synthetic.SetCookie(rc.Writer, rc.Request, id, p.CookieDomain)
	}
	rc.SetSyntheticID(stableID)
	freshID = p.Synthetic.FreshID(sig)
	return stableID, freshID
}

func (p *Proxy) rewriteHTML(resp *http.Response, enc compress.Encoding, pageBase *url.URL, w http.ResponseWriter) error {
	dec, err := compress.NewDecompressReader(resp.Body, enc)
	if err != nil {
		return errors.Wrap(err, "opening decompressor")
	}
	defer dec.Close()

	mapper := rewrite.NewMapper(p.Codec, pageBase, p.ExcludeDomains)
	rw := &rewrite.Rewriter{
		Mapper:          mapper,
		Hooks:           p.Registry.Hooks(),
		CoreBundleURL:   p.Registry.CoreBundleURL(),
		AssetBundleURLs: p.Registry.AssetBundleURLs(),
	}

	cw := compress.NewCompressWriter(w, enc)
	if err := rw.Process(dec, cw); err != nil {
		return errors.Wrap(err, "rewriting html")
	}
	return cw.Close()
}

func (p *Proxy) rewriteCSS(resp *http.Response, enc compress.Encoding, pageBase *url.URL, w http.ResponseWriter) error {
	dec, err := compress.NewDecompressReader(resp.Body, enc)
	if err != nil {
		return errors.Wrap(err, "opening decompressor")
	}
	defer dec.Close()

	buf := make([]byte, 0, compress.BlockSize)
	tmp := make([]byte, compress.BlockSize)
	for {
		n, rerr := dec.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if rerr != nil {
			break
		}
	}
	mapper := rewrite.NewMapper(p.Codec, pageBase, p.ExcludeDomains)
	rewritten := rewrite.RewriteCSSURLs(string(buf), mapper)

	cw := compress.NewCompressWriter(w, enc)
	if _, err := cw.Write([]byte(rewritten)); err != nil {
		return errors.Wrap(err, "writing rewritten css")
	}
	return cw.Close()
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyForwardableHeaders(src, dst http.Header) {
	for k, vs := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(src, dst http.Header) {
	for k, vs := range src {
		if hopByHopHeaders[k] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
