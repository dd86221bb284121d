// Package synthetic generates and looks up pseudonymous synthetic
// identifiers at the edge: a deterministic
// HMAC-derived base plus a per-generation counter/random suffix,
// persisted across two KV namespaces.
package synthetic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/trustedserver/edgecore/kvstore"
)

// HeaderSyntheticID and CookieSyntheticID are the two places a
// previously-issued synthetic id may arrive on a request; the header
// wins when both are present.
const (
	HeaderSyntheticID = "x-synthetic-id"
	CookieSyntheticID = "synthetic_id"

	base36Digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	suffixLen    = 6
)

// Signals is the subset of a request context the template renders over.
type Signals struct {
	ClientIP       string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// Service issues and looks up synthetic identifiers for one publisher
// domain.
type Service struct {
	secretKey        string
	template         string
	publisherDomain  string
	counters         kvstore.Store
	opids            kvstore.Store
	group            singleflight.Group
	ephemeralCounter *kvstore.MemStore
}

// New builds a Service backed by the platform-provided counter_store and
// opid_store namespaces.
func New(secretKey, template, publisherDomain string, counters, opids kvstore.Store) *Service {
	return &Service{
		secretKey:        secretKey,
		template:         template,
		publisherDomain:  publisherDomain,
		counters:         counters,
		opids:            opids,
		ephemeralCounter: kvstore.NewMemStore(),
	}
}

// renderTemplate substitutes {{ var }} tokens with the enumerated
// template variables: client_ip (IPv6 normalized to /64),
// user_agent, accept_language (first token), accept_encoding,
// random_uuid.
func renderTemplate(tmpl string, s Signals, randomUUID string) string {
	vars := map[string]string{
		"client_ip":       normalizeIP(s.ClientIP),
		"user_agent":      s.UserAgent,
		"accept_language": firstToken(s.AcceptLanguage),
		"accept_encoding": s.AcceptEncoding,
		"random_uuid":     randomUUID,
	}
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
		out = strings.ReplaceAll(out, "{{ "+k+" }}", v)
	}
	return out
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, ",;"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// normalizeIP collapses an IPv6 address to its /64 prefix; IPv4
// addresses and unparsable input pass through unchanged.
func normalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() != nil {
		return ip
	}
	mask := net.CIDRMask(64, 128)
	network := parsed.Mask(mask)
	return network.String()
}

// base computes the 32-hex-char HMAC-SHA256 base for the rendered
// template.
func base(secretKey, rendered string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(rendered))
	sum := mac.Sum(nil)
	return hex.EncodeToString(sum)[:32]
}

func base36Pad(n int64, width int) string {
	if n < 0 {
		n = -n
	}
	if n == 0 {
		return strings.Repeat("0", width)
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{base36Digits[n%36]}, digits...)
		n /= 36
	}
	s := string(digits)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// GetOrGenerate implements the lookup-or-mint algorithm: render the template,
// derive the base, look it up in opid_store, and if absent mint a fresh
// suffix from counter_store.
func (s *Service) GetOrGenerate(ctx context.Context, sig Signals) (string, error) {
	rendered := renderTemplate(s.template, sig, uuid.NewString())
	b := base(s.secretKey, rendered)

	v, err, _ := s.group.Do(b, func() (interface{}, error) {
		return s.getOrGenerateBase(ctx, b)
	})
	if err != nil {
		return s.ephemeralFallback(b), nil
	}
	return v.(string), nil
}

func (s *Service) getOrGenerateBase(ctx context.Context, b string) (string, error) {
	if existing, ok, err := s.opids.Get(ctx, b); err == nil && ok {
		return existing, nil
	} else if err != nil {
		return "", err
	}

	n, err := s.counters.Increment(ctx, s.publisherDomain, 1)
	if err != nil {
		return "", err
	}
	suffix := base36Pad(n, suffixLen)
	id := b + "." + suffix

	_, existing, err := s.opids.PutIfAbsent(ctx, b, id)
	if err != nil {
		return "", err
	}
	return existing, nil
}

// ephemeralFallback is the fail-open path when KV is unavailable: mint a
// non-persisted id from an in-memory counter using the same algorithm,
// on lookup failure.
func (s *Service) ephemeralFallback(b string) string {
	glog.Warningf("synthetic: kv unavailable, generating ephemeral id for base %s", b)
	n, _ := s.ephemeralCounter.Increment(context.Background(), "ephemeral:"+s.publisherDomain, 1)
	return b + "." + base36Pad(n, suffixLen)
}

// ExtractFromRequest returns a previously-issued synthetic id carried on
// the request, header first.
func ExtractFromRequest(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderSyntheticID); v != "" {
		return v, true
	}
	if c, err := r.Cookie(CookieSyntheticID); err == nil && c.Value != "" {
		return c.Value, true
	}
	return "", false
}

// SetCookie sets the Secure; SameSite=Lax synthetic_id cookie on the
// response, scoped to cookieDomain, when absent from the request.
func SetCookie(w http.ResponseWriter, r *http.Request, id, cookieDomain string) {
	if _, ok := ExtractFromRequest(r); ok {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieSyntheticID,
		Value:    id,
		Domain:   cookieDomain,
		Path:     "/",
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// FreshID mints a single-use, freshly-templated id (not persisted to
// opid_store) for the X-Synthetic-Fresh response header.
func (s *Service) FreshID(sig Signals) string {
	rendered := renderTemplate(s.template, sig, uuid.NewString())
	b := base(s.secretKey, rendered)
	return fmt.Sprintf("%s.%s", b, base36Pad(1, suffixLen))
}
