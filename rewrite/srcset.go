package rewrite

import "strings"

// RewriteSrcset rewrites each "<url>[ descriptor]" candidate in a
// srcset attribute value independently, preserving descriptors and
// comma/space formatting between candidates. Candidates are split by
// scanning whitespace-delimited URL tokens rather than splitting on
// literal commas, since a data: URI's base64 payload may itself contain
// commas that are not candidate separators.
func RewriteSrcset(value string, mapper *Mapper) string {
	var out []string
	pos := 0
	n := len(value)
	for pos < n {
		for pos < n && (isSrcsetSpace(value[pos]) || value[pos] == ',') {
			pos++
		}
		if pos >= n {
			break
		}

		start := pos
		for pos < n && !isSrcsetSpace(value[pos]) {
			pos++
		}
		rawURL := value[start:pos]
		// A URL token ending in a run of commas with nothing else after
		// it has no descriptor; the commas just terminate the candidate.
		trimmedURL := strings.TrimRight(rawURL, ",")
		noDescriptor := trimmedURL != rawURL

		for pos < n && isSrcsetSpace(value[pos]) {
			pos++
		}

		var descriptor string
		if !noDescriptor {
			descStart := pos
			depth := 0
		descriptorScan:
			for pos < n {
				switch value[pos] {
				case '(':
					depth++
				case ')':
					if depth > 0 {
						depth--
					}
				case ',':
					if depth == 0 {
						break descriptorScan
					}
				}
				pos++
			}
			descriptor = strings.TrimSpace(value[descStart:pos])
		}

		rewritten := mapper.Rewrite(trimmedURL)
		if descriptor != "" {
			out = append(out, rewritten+" "+descriptor)
		} else {
			out = append(out, rewritten)
		}

		for pos < n && isSrcsetSpace(value[pos]) {
			pos++
		}
		if pos < n && value[pos] == ',' {
			pos++
		}
	}
	return strings.Join(out, ", ")
}

func isSrcsetSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\f', '\r':
		return true
	}
	return false
}
