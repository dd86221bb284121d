// Package integrations holds the boot-time registry of rewrite hooks,
// head injectors, and integration-owned routes. The registry is built
// once at startup into an immutable snapshot and never mutated again:
// readers take a reference and use it for the lifetime of a request
// without needing to lock anything.
package integrations

import (
	"fmt"
	"net/http"

	"github.com/OneOfOne/xxhash"

	"github.com/trustedserver/edgecore/config"
	"github.com/trustedserver/edgecore/rewrite"
)

// Definition is one integration's full contribution, registered in a
// fixed, deterministic order at boot.
type Definition struct {
	ID string

	// DefaultEnabled controls whether this integration runs when the
	// config has no explicit integrations.<id>.enabled entry.
	DefaultEnabled bool

	AttrRewriter   rewrite.AttrRewriter
	ScriptRewriter rewrite.ScriptRewriter
	HeadInjector   rewrite.HeadInjector
	PostProcessor  rewrite.PostProcessor

	// Routes are path-exact HTTP handlers this integration owns (e.g.
	// a vendor callback endpoint), consulted by the router after
	// well-known and admin routes and before the fallback origin proxy.
	Routes map[string]http.Handler

	// AssetBundle, if non-empty, is the literal content of a static
	// asset this integration publishes (e.g. a JS library). Its served
	// URL is content-hashed so it can be cached indefinitely.
	AssetBundle []byte
}

// Registry is the immutable snapshot produced by Build.
type Registry struct {
	defs        []Definition
	enabled     map[string]bool
	bundleIDs   map[string]string
	coreBundle  []byte
	coreBundleID string
}

// coreBundleContent is the mandatory first-party bootstrap library every
// rewritten response injects: synthetic-id discovery and first-party
// click/proxy href helpers shared by every integration, independent of
// which integrations are enabled.
var coreBundleContent = []byte(`(function(){window.__trustedServer=window.__trustedServer||{version:"1.0"};})();`)

// Build evaluates cfg's integrations.<id>.enabled overrides against defs,
// in defs' order, and returns the resulting immutable Registry.
func Build(cfg *config.Config, defs []Definition) *Registry {
	r := &Registry{
		enabled:    map[string]bool{},
		bundleIDs:  map[string]string{},
		coreBundle: coreBundleContent,
	}
	r.coreBundleID = AssetBundleID("core", coreBundleContent)
	r.defs = append(r.defs, defs...)
	for _, d := range r.defs {
		r.enabled[d.ID] = cfg.IntegrationEnabled(d.ID, d.DefaultEnabled)
		if len(d.AssetBundle) > 0 {
			r.bundleIDs[d.ID] = AssetBundleID(d.ID, d.AssetBundle)
		}
	}
	return r
}

// AssetBundleID derives a cache-busted identifier for an asset bundle's
// content: "<id>-<xxhash64 hex>".
func AssetBundleID(id string, content []byte) string {
	h := xxhash.Checksum64(content)
	return fmt.Sprintf("%s-%016x", id, h)
}

// Enabled reports whether integration id is active for this boot.
func (r *Registry) Enabled(id string) bool { return r.enabled[id] }

// Hooks collects the rewrite.Hooks contributed by every enabled
// integration, in registration order.
func (r *Registry) Hooks() rewrite.Hooks {
	var h rewrite.Hooks
	for _, d := range r.defs {
		if !r.enabled[d.ID] {
			continue
		}
		if d.AttrRewriter != nil {
			h.Attrs = append(h.Attrs, d.AttrRewriter)
		}
		if d.ScriptRewriter != nil {
			h.Scripts = append(h.Scripts, d.ScriptRewriter)
		}
		if d.HeadInjector != nil {
			h.HeadInject = append(h.HeadInject, d.HeadInjector)
		}
		if d.PostProcessor != nil {
			h.Post = append(h.Post, d.PostProcessor)
		}
	}
	return h
}

// RouteFor returns the enabled integration handler owning path, if any.
func (r *Registry) RouteFor(path string) (http.Handler, bool) {
	for _, d := range r.defs {
		if !r.enabled[d.ID] {
			continue
		}
		if h, ok := d.Routes[path]; ok {
			return h, true
		}
	}
	return nil, false
}

// bundlePath renders the content-hashed static path a bundle id is
// served at: /static/tsjs=<bid>.min.js.
func bundlePath(bid string) string {
	return "/static/tsjs=" + bid + ".min.js"
}

// AssetBundleURL returns the content-hashed path integration id's static
// bundle is served at, if it published one.
func (r *Registry) AssetBundleURL(id string) (string, bool) {
	bid, ok := r.bundleIDs[id]
	if !ok {
		return "", false
	}
	return bundlePath(bid), true
}

// CoreBundleURL returns the content-hashed path the mandatory core
// library script is served at.
func (r *Registry) CoreBundleURL() string {
	return bundlePath(r.coreBundleID)
}

// AssetBundleURLs returns the static URLs of every enabled integration's
// published bundle, in registration order, for the rewriter's library
// injection step.
func (r *Registry) AssetBundleURLs() []string {
	var urls []string
	for _, d := range r.defs {
		if !r.enabled[d.ID] {
			continue
		}
		if u, ok := r.AssetBundleURL(d.ID); ok {
			urls = append(urls, u)
		}
	}
	return urls
}

// AssetBundleByPath finds the bundle (core or integration-published)
// served at path, returning its raw content.
func (r *Registry) AssetBundleByPath(path string) ([]byte, bool) {
	if path == bundlePath(r.coreBundleID) {
		return r.coreBundle, true
	}
	for _, d := range r.defs {
		bid, ok := r.bundleIDs[d.ID]
		if !ok {
			continue
		}
		if path == bundlePath(bid) {
			return d.AssetBundle, true
		}
	}
	return nil, false
}
