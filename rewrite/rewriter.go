package rewrite

import (
	"bytes"
	"io"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/net/html"
)

// Rewriter streams an HTML document through golang.org/x/net/html's
// tokenizer, rewriting element-local URL references as each token is
// emitted. It never holds the whole document in memory unless Hooks.Post
// is non-empty, in which case the rewritten output is buffered once so
// post-processors (the RSC integration) can see the complete document.
type Rewriter struct {
	Mapper *Mapper
	Hooks  Hooks

	// CoreBundleURL, when set, is injected as the mandatory library
	// script tag at the start of the document's first <head>.
	// AssetBundleURLs are the enabled integrations' published bundles,
	// each emitted as one additional tag in registration order.
	CoreBundleURL   string
	AssetBundleURLs []string

	headInjected bool
	scriptAttrs  map[string]string
	scriptOpen   string
	scriptRemoved bool
	inScript     bool
	inStyle      bool
	styleBuf     strings.Builder

	// removeTag/removeDepth suppress all output while streaming through
	// an element an AttrRewriter flagged with AttrRemoveElement, tracking
	// same-name nesting so a removed <div> containing another <div>
	// still closes at the right end tag.
	removeTag   string
	removeDepth int
}

// Process reads the full HTML body from r, rewrites it, and writes the
// result to w. A failure inside any single hook is contained: that
// hook's contribution is skipped (logged) and the token passes through
// unmodified, so one broken integration never breaks the page.
func (rw *Rewriter) Process(r io.Reader, w io.Writer) error {
	dest := w
	var buf *bytes.Buffer
	if len(rw.Hooks.Post) > 0 {
		buf = &bytes.Buffer{}
		dest = buf
	}

	z := html.NewTokenizer(r)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); err != nil && err != io.EOF {
				return err
			}
			break
		}
		rw.handleToken(z, tt, dest)
	}

	if buf == nil {
		return nil
	}
	out := buf.Bytes()
	for _, pp := range rw.Hooks.Post {
		rewritten, err := rp(pp, out, rw.Mapper)
		if err != nil {
			glog.Warningf("rewrite: post-processor error, skipping: %v", err)
			continue
		}
		out = rewritten
	}
	_, err := w.Write(out)
	return err
}

// rp calls a PostProcessor, isolated so a future panic-recovery wrapper
// has one call site to wrap.
func rp(pp PostProcessor, doc []byte, mapper *Mapper) ([]byte, error) {
	return pp.PostProcess(doc, mapper)
}

func (rw *Rewriter) handleToken(z *html.Tokenizer, tt html.TokenType, dest io.Writer) {
	if rw.removeDepth > 0 {
		rw.advanceRemoved(z, tt)
		return
	}
	switch tt {
	case html.StartTagToken, html.SelfClosingTagToken:
		rw.handleStartTag(z, tt, dest)
	case html.EndTagToken:
		name, _ := z.TagName()
		tag := string(name)
		if tag == "script" {
			rw.inScript = false
			if rw.scriptOpen != "" {
				io.WriteString(dest, rw.scriptOpen)
				rw.scriptOpen = ""
			}
			if rw.scriptRemoved {
				rw.scriptRemoved = false
				return
			}
			dest.Write(z.Raw())
			return
		}
		if tag == "style" {
			rw.inStyle = false
			io.WriteString(dest, "<style>"+RewriteCSSURLs(rw.styleBuf.String(), rw.Mapper)+"</style>")
			rw.styleBuf.Reset()
			return
		}
		dest.Write(z.Raw())
	case html.TextToken:
		if rw.inStyle {
			rw.styleBuf.Write(z.Text())
			return
		}
		if rw.inScript {
			content := string(z.Text())
			rewritten := content
			removed := false
			for _, sh := range rw.Hooks.Scripts {
				out, action := safeRewriteScript(sh, rw.scriptAttrs, rewritten, rw.Mapper)
				switch action {
				case ScriptReplaceContent:
					rewritten = out
				case ScriptRemoveNode:
					removed = true
				}
				if removed {
					break
				}
			}
			if removed {
				rw.scriptOpen = ""
				rw.scriptRemoved = true
				return
			}
			io.WriteString(dest, rw.scriptOpen)
			rw.scriptOpen = ""
			io.WriteString(dest, rewritten)
			return
		}
		dest.Write(z.Raw())
	default:
		dest.Write(z.Raw())
	}
}

// advanceRemoved tracks same-tag nesting depth while an AttrRemoveElement
// verdict is suppressing output, discarding every token until the
// matching end tag closes the removed element.
func (rw *Rewriter) advanceRemoved(z *html.Tokenizer, tt html.TokenType) {
	switch tt {
	case html.StartTagToken:
		name, _ := z.TagName()
		if string(name) == rw.removeTag {
			rw.removeDepth++
		}
	case html.EndTagToken:
		name, _ := z.TagName()
		if string(name) == rw.removeTag {
			rw.removeDepth--
			if rw.removeDepth == 0 {
				rw.removeTag = ""
			}
		}
	}
}

func safeRewriteScript(sh ScriptRewriter, attrs map[string]string, content string, mapper *Mapper) (out string, action ScriptAction) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("rewrite: script hook panic, passing through: %v", r)
			out, action = content, ScriptKeep
		}
	}()
	return sh.RewriteScript(attrs, content, mapper)
}

func safeRewriteAttr(ar AttrRewriter, tag, attr, value string, mapper *Mapper) (out string, action AttrAction) {
	defer func() {
		if r := recover(); r != nil {
			glog.Warningf("rewrite: attribute hook panic, passing through: %v", r)
			out, action = value, AttrKeep
		}
	}()
	return ar.RewriteAttr(tag, attr, value, mapper)
}

func (rw *Rewriter) handleStartTag(z *html.Tokenizer, tt html.TokenType, dest io.Writer) {
	name, hasAttr := z.TagName()
	tag := string(name)

	type kv struct{ k, v string }
	var attrs []kv
	for hasAttr {
		var k, v []byte
		k, v, hasAttr = z.TagAttr()
		attrs = append(attrs, kv{string(k), string(v)})
	}

	urlTargets := map[string]bool{}
	for _, a := range urlAttrs[tag] {
		urlTargets[a] = true
	}
	navTargets := map[string]bool{}
	for _, a := range navAttrs[tag] {
		navTargets[a] = true
	}

	var b strings.Builder
	b.WriteByte('<')
	b.WriteString(tag)
	removeElement := false
	for _, a := range attrs {
		val := a.v

		// 1. Core attribute rewrite establishes the baseline value.
		switch {
		case srcsetAttrs[a.k] && (urlTargets[a.k] || tag == "img" || tag == "source"):
			val = RewriteSrcset(val, rw.Mapper)
		case a.k == styleAttr:
			val = RewriteCSSURLs(val, rw.Mapper)
		case urlTargets[a.k]:
			val = rw.Mapper.Rewrite(val)
		case navTargets[a.k]:
			val = rw.Mapper.RewriteNav(val)
		}

		// 2. Integration hooks, in registration order, each seeing the
		// value the previous step produced and free to override it or
		// drop the element outright.
		for _, ar := range rw.Hooks.Attrs {
			out, action := safeRewriteAttr(ar, tag, a.k, val, rw.Mapper)
			switch action {
			case AttrReplace:
				val = out
			case AttrRemoveElement:
				removeElement = true
			}
			if removeElement {
				break
			}
		}
		if removeElement {
			break
		}

		b.WriteByte(' ')
		b.WriteString(a.k)
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(val))
		b.WriteByte('"')
	}

	if removeElement {
		if tt != html.SelfClosingTagToken {
			rw.removeTag = tag
			rw.removeDepth = 1
		}
		return
	}

	if tt == html.SelfClosingTagToken {
		b.WriteString("/>")
	} else {
		b.WriteByte('>')
	}

	// <script> opening tags are buffered rather than written immediately:
	// a ScriptRewriter sees the content before we know whether the whole
	// node should be emitted.
	if tag == "script" {
		rw.scriptOpen = b.String()
		rw.scriptAttrs = map[string]string{}
		for _, a := range attrs {
			rw.scriptAttrs[a.k] = a.v
		}
		rw.inScript = true
		return
	}

	io.WriteString(dest, b.String())

	if tag == "head" && !rw.headInjected {
		rw.headInjected = true
		rw.injectLibraries(dest)
		for _, hi := range rw.Hooks.HeadInject {
			io.WriteString(dest, hi.InjectHead())
		}
	}

	if tt == html.SelfClosingTagToken {
		return
	}
	if tag == "style" {
		rw.inStyle = true
		rw.styleBuf.Reset()
	}
}

// injectLibraries emits the mandatory core library script tag followed by
// one tag per registered asset bundle, in registration order.
func (rw *Rewriter) injectLibraries(dest io.Writer) {
	if rw.CoreBundleURL != "" {
		writeLibraryScript(dest, rw.CoreBundleURL)
	}
	for _, u := range rw.AssetBundleURLs {
		writeLibraryScript(dest, u)
	}
}

func writeLibraryScript(dest io.Writer, src string) {
	io.WriteString(dest, `<script async src="`)
	io.WriteString(dest, html.EscapeString(src))
	io.WriteString(dest, `" data-tsjs-integration="core"></script>`)
}
