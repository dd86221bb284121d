package rewrite

import (
	"net/url"
	"strings"
	"testing"

	"github.com/trustedserver/edgecore/signedurl"
)

func testMapper(t *testing.T, exclude []string) *Mapper {
	t.Helper()
	base, err := url.Parse("https://publisher.example.com/articles/1")
	if err != nil {
		t.Fatal(err)
	}
	return NewMapper(signedurl.New("secret"), base, exclude)
}

func TestRewriteImgSrcGoesThroughProxy(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="https://publisher.example.com/static/a.png">`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out.String(), "/first-party/proxy?") {
		t.Fatalf("expected proxy rewrite, got %q", out.String())
	}
}

func TestRewriteRelativeURLsLeftUnchanged(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="/static/a.png"><img src="./b.png"><a href="other-article">x</a>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "/first-party/") {
		t.Fatalf("relative URLs must be left unchanged: %q", got)
	}
	if !strings.Contains(got, `src="/static/a.png"`) || !strings.Contains(got, `src="./b.png"`) || !strings.Contains(got, `href="other-article"`) {
		t.Fatalf("relative URLs should pass through byte-exact: %q", got)
	}
}

func TestRewriteAnchorHrefGoesThroughClick(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<a href="https://publisher.example.com/other-article">read more</a>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out.String(), "/first-party/click?") {
		t.Fatalf("expected click rewrite, got %q", out.String())
	}
}

func TestRewriteSkipsDataAndFragmentURLs(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="data:image/png;base64,xx"><a href="#section">jump</a>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, `src="data:image/png;base64,xx"`) {
		t.Fatalf("data URI should pass through unchanged: %q", got)
	}
	if !strings.Contains(got, `href="#section"`) {
		t.Fatalf("fragment href should pass through unchanged: %q", got)
	}
}

func TestRewriteSkipsBlobAndAboutURLs(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<video src="blob:https://publisher.example.com/abcd"></video><a href="about:blank">blank</a>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, `src="blob:https://publisher.example.com/abcd"`) {
		t.Fatalf("blob URI should pass through unchanged: %q", got)
	}
	if !strings.Contains(got, `href="about:blank"`) {
		t.Fatalf("about URI should pass through unchanged: %q", got)
	}
}

func TestRewriteExcludedDomainSkipped(t *testing.T) {
	m := testMapper(t, []string{"cdn.excluded.com"})
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="https://cdn.excluded.com/a.png">`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out.String(), "https://cdn.excluded.com/a.png") {
		t.Fatalf("excluded domain should pass through: %q", out.String())
	}
}

func TestRewriteStyleAttributeCSSURL(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<div style="background: url('https://publisher.example.com/img/bg.png')"></div>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out.String(), "/first-party/proxy?") {
		t.Fatalf("expected css url() rewrite, got %q", out.String())
	}
}

func TestRewriteStyleElementCSSURL(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<style>.a { background: url(https://publisher.example.com/img/bg.png); }</style>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(out.String(), "/first-party/proxy?") {
		t.Fatalf("expected style element css rewrite, got %q", out.String())
	}
}

func TestRewriteSrcsetEachCandidate(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="https://publisher.example.com/a.png" srcset="https://publisher.example.com/a-1x.png 1x, https://publisher.example.com/a-2x.png 2x">`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Count(got, "/first-party/proxy?") != 3 {
		t.Fatalf("expected 3 rewritten urls (src + 2 srcset candidates), got %q", got)
	}
	if !strings.Contains(got, "1x") || !strings.Contains(got, "2x") {
		t.Fatalf("descriptors should be preserved: %q", got)
	}
}

func TestRewriteSrcsetDataURICommaNotSplit(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m}
	var out strings.Builder
	in := `<img src="https://publisher.example.com/a.png" srcset="data:image/png;base64,aaa,bbb 1x, https://publisher.example.com/b.png 2x">`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "data:image/png;base64,aaa,bbb 1x") {
		t.Fatalf("comma inside data URI must not split the candidate: %q", got)
	}
	if strings.Count(got, "/first-party/proxy?") != 2 {
		t.Fatalf("expected 2 rewritten urls (src + the absolute srcset candidate), got %q", got)
	}
}

type headBanner struct{ html string }

func (h headBanner) InjectHead() string { return h.html }

func TestHeadInjectionHappensOnce(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m, Hooks: Hooks{HeadInject: []HeadInjector{headBanner{`<script src="/lib.js"></script>`}}}}
	var out strings.Builder
	in := `<html><head><title>x</title></head><body></body></html>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Count(got, `src="/lib.js"`) != 1 {
		t.Fatalf("expected library script injected exactly once: %q", got)
	}
	if !strings.Contains(got, `<head>`) {
		t.Fatalf("expected a head tag: %q", got)
	}
	if strings.Index(got, `src="/lib.js"`) > strings.Index(got, `<title>`) {
		t.Fatalf("expected injection before the head's other children: %q", got)
	}
}

func TestHeadInjectionIncludesCoreBundle(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m, CoreBundleURL: "/static/tsjs=core-deadbeef.min.js", AssetBundleURLs: []string{"/static/tsjs=rsc-cafef00d.min.js"}}
	var out strings.Builder
	in := `<html><head><title>x</title></head><body></body></html>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, `<script async src="/static/tsjs=core-deadbeef.min.js" data-tsjs-integration="core"></script>`) {
		t.Fatalf("expected mandatory core library script tag: %q", got)
	}
	if !strings.Contains(got, `<script async src="/static/tsjs=rsc-cafef00d.min.js" data-tsjs-integration="core"></script>`) {
		t.Fatalf("expected one script tag per registered asset bundle: %q", got)
	}
}

type removeAttrHook struct{}

func (removeAttrHook) RewriteAttr(tag, attr, value string, mapper *Mapper) (string, AttrAction) {
	if tag == "div" && attr == "data-ad" {
		return "", AttrRemoveElement
	}
	return value, AttrKeep
}

func TestAttrRewriterCanRemoveElement(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m, Hooks: Hooks{Attrs: []AttrRewriter{removeAttrHook{}}}}
	var out strings.Builder
	in := `<p>before</p><div data-ad="1"><span>blocked</span></div><p>after</p>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "blocked") || strings.Contains(got, "data-ad") {
		t.Fatalf("element flagged RemoveElement should be dropped entirely: %q", got)
	}
	if !strings.Contains(got, "before") || !strings.Contains(got, "after") {
		t.Fatalf("siblings of the removed element should be preserved: %q", got)
	}
}

type removeScriptHook struct{}

func (removeScriptHook) RewriteScript(attrs map[string]string, content string, mapper *Mapper) (string, ScriptAction) {
	if attrs["data-block"] == "1" {
		return "", ScriptRemoveNode
	}
	return content, ScriptKeep
}

func TestScriptRewriterCanRemoveNode(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m, Hooks: Hooks{Scripts: []ScriptRewriter{removeScriptHook{}}}}
	var out strings.Builder
	in := `<script data-block="1">evil()</script><script>fine()</script>`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "evil()") || strings.Contains(got, "data-block") {
		t.Fatalf("flagged script node should be dropped entirely: %q", got)
	}
	if !strings.Contains(got, "fine()") {
		t.Fatalf("other scripts should be preserved: %q", got)
	}
}

type hookOrderAttrHook struct{}

func (hookOrderAttrHook) RewriteAttr(tag, attr, value string, mapper *Mapper) (string, AttrAction) {
	if attr == "src" && strings.Contains(value, "/first-party/proxy?") {
		return value + "&from=hook", AttrReplace
	}
	return value, AttrKeep
}

func TestIntegrationHookSeesCoreRewrittenValue(t *testing.T) {
	m := testMapper(t, nil)
	rw := &Rewriter{Mapper: m, Hooks: Hooks{Attrs: []AttrRewriter{hookOrderAttrHook{}}}}
	var out strings.Builder
	in := `<img src="https://publisher.example.com/a.png">`
	if err := rw.Process(strings.NewReader(in), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "/first-party/proxy?") || !strings.Contains(got, "&amp;from=hook") {
		t.Fatalf("hook should run after core rewrite and see its value: %q", got)
	}
}
