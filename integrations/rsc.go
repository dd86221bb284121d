package integrations

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/trustedserver/edgecore/rewrite"
	"github.com/trustedserver/edgecore/rsc"
)

// pushCall matches a Next.js flight payload push, e.g.
// self.__next_f.push([1,"1:T4a,hello world\n"])
var pushCall = regexp.MustCompile(`self\.__next_f\.push\(\[(\d+),"((?:[^"\\]|\\.)*)"\]\)`)

const rscFragmentsKey = "fragments"

// RSCScriptRewriter captures each __next_f.push payload string out of
// its inline <script> and replaces it with a placeholder, so the
// captured, still-escaped fragments can be joined, rewritten together,
// and spliced back by RSCPostProcessor once the whole document is known.
type RSCScriptRewriter struct{}

func (RSCScriptRewriter) RewriteScript(attrs map[string]string, content string, mapper *rewrite.Mapper) (string, rewrite.ScriptAction) {
	if !pushCall.MatchString(content) {
		return content, rewrite.ScriptKeep
	}
	out := pushCall.ReplaceAllStringFunc(content, func(match string) string {
		groups := pushCall.FindStringSubmatch(match)
		if groups == nil {
			return match
		}
		idx := mapper.Doc.Append(rscFragmentsKey, "raw", groups[2])
		placeholder := fmt.Sprintf("\x00RSC_PLACEHOLDER_%d\x00", len(idx)-1)
		return fmt.Sprintf(`self.__next_f.push([%s,"%s"])`, groups[1], placeholder)
	})
	return out, rewrite.ScriptReplaceContent
}

// RSCPostProcessor runs once the full document has been produced,
// rejoins every captured fragment with rsc.SplitMarker, rewrites URLs
// inside T/V rows across the joined buffer, and splices the rewritten,
// re-escaped fragments back into their placeholders.
type RSCPostProcessor struct{}

func (RSCPostProcessor) PostProcess(document []byte, mapper *rewrite.Mapper) ([]byte, error) {
	raw, ok := mapper.Doc.Get(rscFragmentsKey, "raw")
	if !ok {
		return document, nil
	}
	fragments, _ := raw.([]interface{})
	if len(fragments) == 0 {
		return document, nil
	}

	decoded := make([][]byte, len(fragments))
	for i, f := range fragments {
		s, _ := f.(string)
		unescaped, err := rsc.UnescapeJSString(s)
		if err != nil {
			return document, nil
		}
		decoded[i] = []byte(unescaped)
	}
	joined := bytes.Join(decoded, rsc.SplitMarker)

	rewriteURL := func(content string) string {
		return mapper.RewriteBareHost(content)
	}
	rewrittenJoined, err := rsc.RewriteJoined(joined, rewriteURL, 0)
	if err != nil {
		return document, nil
	}
	parts := rsc.SplitOnMarker(rewrittenJoined)
	if len(parts) != len(decoded) {
		return document, nil
	}

	out := document
	for i, part := range parts {
		placeholder := []byte(fmt.Sprintf("\x00RSC_PLACEHOLDER_%d\x00", i))
		escaped := []byte(rsc.EscapeJSString(string(part)))
		out = bytes.Replace(out, placeholder, escaped, 1)
	}
	return out, nil
}
