// Package reqctx holds the per-request facts the router and handlers
// need repeatedly (host, scheme, client IP, timing marks), computed once
// per incoming request rather than re-derived from *http.Request at
// every call site.
package reqctx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Mark is a named point in a request's processing timeline, used to
// build the Server-Timing response header.
type Mark struct {
	Name     string
	Duration time.Duration
}

// Context is the per-request state threaded through router dispatch.
type Context struct {
	Request *http.Request
	Writer  http.ResponseWriter

	Host   string
	Scheme string
	Method string
	Path   string
	Query  string

	clientIP string

	// OriginHost is the publisher origin's host, resolved once and
	// reused by every component that needs to build an absolute origin
	// URL for the current request.
	OriginHost string

	syntheticID   string
	syntheticSet  bool

	start time.Time
	marks []Mark
}

// New builds a Context for one incoming request. scheme should be
// "https" unless the platform tells the guest otherwise (WASM edge
// runtimes generally only ever see https inbound).
func New(w http.ResponseWriter, r *http.Request, scheme, originHost string) *Context {
	return &Context{
		Request:    r,
		Writer:     w,
		Host:       r.Host,
		Scheme:     scheme,
		Method:     r.Method,
		Path:       r.URL.Path,
		Query:      r.URL.RawQuery,
		OriginHost: originHost,
		start:      time.Now(),
	}
}

// ClientIP returns the request's client IP, preferring the first hop
// recorded in X-Forwarded-For (the platform's edge terminates client
// TLS and is the only party that can set this trustworthily) and
// falling back to RemoteAddr.
func (c *Context) ClientIP() string {
	if c.clientIP != "" {
		return c.clientIP
	}
	if xff := c.Request.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		c.clientIP = strings.TrimSpace(parts[0])
		return c.clientIP
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		c.clientIP = c.Request.RemoteAddr
	} else {
		c.clientIP = host
	}
	return c.clientIP
}

// SyntheticID returns the synthetic id resolved for this request, if
// SetSyntheticID has been called.
func (c *Context) SyntheticID() (string, bool) {
	return c.syntheticID, c.syntheticSet
}

// SetSyntheticID caches the synthetic id for the remainder of request
// handling, so downstream handlers never recompute or re-extract it.
func (c *Context) SetSyntheticID(id string) {
	c.syntheticID = id
	c.syntheticSet = true
}

// Mark records a named timing checkpoint relative to request start.
func (c *Context) Mark(name string) {
	c.marks = append(c.marks, Mark{Name: name, Duration: time.Since(c.start)})
}

// Marks returns every checkpoint recorded so far, in recording order.
func (c *Context) Marks() []Mark {
	return c.marks
}

// ServerTimingHeader renders the recorded marks as an RFC-8942-style
// Server-Timing header value.
func (c *Context) ServerTimingHeader() string {
	if len(c.marks) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range c.marks {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(m.Name)
		b.WriteString(";dur=")
		b.WriteString(formatMillis(m.Duration))
	}
	return b.String()
}

func formatMillis(d time.Duration) string {
	ms := float64(d) / float64(time.Millisecond)
	s := strconv.FormatFloat(ms, 'f', 3, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "" {
		return "0"
	}
	return s
}
