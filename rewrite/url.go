// Package rewrite implements the streaming HTML/CSS URL rewriter: every
// element-local absolute URL (any host not on the exclude list) is
// rewritten to a signed first-party URL so the browser never talks to
// that host directly; relative references are left as they are. Rewriting is token-driven (golang.org/x/net/html) so a
// response is processed as it streams rather than built up in memory.
package rewrite

import (
	"net/url"
	"strings"

	"github.com/trustedserver/edgecore/docstate"
	"github.com/trustedserver/edgecore/signedurl"
)

// Kind classifies how a rewritten URL should be routed.
type Kind int

const (
	// KindResource is an absolute-URL subresource (image, script, css,
	// font, media) on any non-excluded host: routed through
	// /first-party/proxy.
	KindResource Kind = iota
	// KindNavigation is a user-followable link (a/area href): routed
	// through /first-party/click so clicks can be attributed before the
	// browser navigates.
	KindNavigation
	// KindSkip means the URL should be left untouched: a data: URI, a
	// fragment-only href, an already-first-party URL, or a domain on
	// the configured exclude list.
	KindSkip
)

// Mapper resolves absolute URLs to rewritten first-party hrefs. pageBase
// is the absolute URL of the document being rewritten, used to resolve
// scheme-relative ("//host/path") references; other relative references
// are classified KindSkip and never reach it.
type Mapper struct {
	codec          *signedurl.Codec
	pageBase       *url.URL
	excludeDomains map[string]bool

	// Doc carries per-document state across hook invocations (e.g. the
	// RSC integration's captured payload fragments). A Mapper is
	// created fresh per document, so Doc needs no synchronization
	// beyond what docstate.State itself provides.
	Doc *docstate.State
}

// NewMapper builds a Mapper for one document response.
func NewMapper(codec *signedurl.Codec, pageBase *url.URL, excludeDomains []string) *Mapper {
	m := &Mapper{codec: codec, pageBase: pageBase, excludeDomains: map[string]bool{}, Doc: docstate.New()}
	for _, d := range excludeDomains {
		m.excludeDomains[strings.ToLower(d)] = true
	}
	return m
}

// Classify determines how raw (as it appears in markup) should be
// treated for the given element/attribute context.
func (m *Mapper) Classify(raw string, nav bool) Kind {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return KindSkip
	}
	if strings.HasPrefix(raw, "#") {
		return KindSkip
	}
	if strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "mailto:") ||
		strings.HasPrefix(raw, "tel:") || strings.HasPrefix(raw, "javascript:") ||
		strings.HasPrefix(raw, "blob:") || strings.HasPrefix(raw, "about:") {
		return KindSkip
	}
	if strings.HasPrefix(raw, "/first-party/") {
		return KindSkip
	}
	u, err := url.Parse(raw)
	if err != nil {
		return KindSkip
	}
	// Relative references (/path, ./path, bare filenames) already resolve
	// against the same first-party origin and need no rewriting.
	if u.Host == "" {
		return KindSkip
	}
	if m.excludeDomains[strings.ToLower(u.Hostname())] {
		return KindSkip
	}
	if nav {
		return KindNavigation
	}
	return KindResource
}

// Resolve turns raw into an absolute URL string against pageBase.
func (m *Mapper) Resolve(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if m.pageBase == nil {
		return u.String()
	}
	return m.pageBase.ResolveReference(u).String()
}

// Rewrite maps raw to its first-party replacement, or returns raw
// unchanged (KindSkip). Errors from the signer fail open: raw passes
// through rather than breaking the page.
func (m *Mapper) Rewrite(raw string) string {
	return m.rewrite(raw, false)
}

// RewriteNav is Rewrite for anchor/area href targets (routes through the
// click endpoint instead of the proxy endpoint).
func (m *Mapper) RewriteNav(raw string) string {
	return m.rewrite(raw, true)
}

func (m *Mapper) rewrite(raw string, nav bool) string {
	switch m.Classify(raw, nav) {
	case KindSkip:
		return raw
	case KindNavigation:
		abs := m.Resolve(raw)
		href, err := m.codec.BuildClickHref(abs, nil, nil)
		if err != nil {
			return raw
		}
		return href
	default:
		abs := m.Resolve(raw)
		href, err := m.codec.BuildProxyHref(abs, nil, nil)
		if err != nil {
			return raw
		}
		return href
	}
}

// RewriteBareHost rewrites bare occurrences of the publisher's own
// scheme+host (without a following path separator boundary check beyond
// what the caller already establishes) inside free text, used by the
// RSC integration to rewrite origin references embedded in JSON/string
// payloads rather than HTML attributes.
func (m *Mapper) RewriteBareHost(text string) string {
	if m.pageBase == nil {
		return text
	}
	origin := m.pageBase.Scheme + "://" + m.pageBase.Host
	if !strings.Contains(text, origin) {
		return text
	}
	var b strings.Builder
	rest := text
	for {
		i := strings.Index(rest, origin)
		if i < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:i])
		j := i + len(origin)
		end := j
		for end < len(rest) && isURLPathByte(rest[end]) {
			end++
		}
		raw := rest[i:end]
		b.WriteString(m.Rewrite(raw))
		rest = rest[end:]
	}
	return b.String()
}

func isURLPathByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	switch b {
	case '/', '-', '_', '.', '~', '%', '?', '=', '&', ':', '@', '!', '$', '\'', '(', ')', '*', '+', ',', ';':
		return true
	}
	return false
}
