package rewrite

// urlAttrs maps an element name to the attributes on it that carry a
// single resource URL.
var urlAttrs = map[string][]string{
	"img":    {"src"},
	"script": {"src"},
	"link":   {"href"},
	"source": {"src"},
	"video":  {"src", "poster"},
	"audio":  {"src"},
	"iframe": {"src"},
	"embed":  {"src"},
	"track":  {"src"},
}

// navAttrs maps an element name to the attributes on it that carry a
// user-followable link rather than a subresource.
var navAttrs = map[string][]string{
	"a":    {"href"},
	"area": {"href"},
}

// srcsetAttrs names the attributes whose value is a comma-separated list
// of "<url> <descriptor>" candidates rather than a single URL.
var srcsetAttrs = map[string]bool{
	"srcset": true,
}

// styleAttr is the inline style="" attribute name, rewritten through the
// CSS url() scanner rather than the plain URL table.
const styleAttr = "style"
