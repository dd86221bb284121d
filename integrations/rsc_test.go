package integrations

import (
	"fmt"
	"net/url"
	"strings"
	"testing"

	"github.com/trustedserver/edgecore/rewrite"
	"github.com/trustedserver/edgecore/signedurl"
)

func TestRSCCaptureAndSpliceRewritesOriginURL(t *testing.T) {
	base, _ := url.Parse("https://publisher.example.com/")
	mapper := rewrite.NewMapper(signedurl.New("secret"), base, nil)

	content := fmt.Sprintf(`self.__next_f.push([1,"1:T%x,hello https://publisher.example.com/api/data world"])`,
		len("hello https://publisher.example.com/api/data world"))

	rw := &rewrite.Rewriter{
		Mapper: mapper,
		Hooks: rewrite.Hooks{
			Scripts: []rewrite.ScriptRewriter{RSCScriptRewriter{}},
			Post:    []rewrite.PostProcessor{RSCPostProcessor{}},
		},
	}

	var out strings.Builder
	doc := "<html><body><script>" + content + "</script></body></html>"
	if err := rw.Process(strings.NewReader(doc), &out); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := out.String()
	if strings.Contains(got, "RSC_PLACEHOLDER") {
		t.Fatalf("placeholder should have been spliced back: %q", got)
	}
	if strings.Contains(got, "https://publisher.example.com/api/data") {
		t.Fatalf("origin URL should have been rewritten: %q", got)
	}
	if !strings.Contains(got, "__next_f.push") {
		t.Fatalf("push call should be preserved: %q", got)
	}
}
