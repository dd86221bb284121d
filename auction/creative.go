package auction

import (
	"strings"

	"github.com/trustedserver/edgecore/rewrite"
)

// RewriteCreativeMarkup rewrites image/script/css URLs embedded in a
// winning bid's ad markup through the same element-local rewriter used
// for the publisher page, so a served creative never causes the browser
// to contact a third-party ad-tech domain directly.
func RewriteCreativeMarkup(markup string, mapper *rewrite.Mapper) (string, error) {
	rw := &rewrite.Rewriter{Mapper: mapper}
	var out strings.Builder
	if err := rw.Process(strings.NewReader(markup), &out); err != nil {
		return markup, err
	}
	return out.String(), nil
}
