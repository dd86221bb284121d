// Package rsc implements the length-aware rewriter for React Server
// Components payload rows: parsing "<hex id>:<framing
// byte>..." rows, rewriting URLs inside T/V rows, and recomputing their
// byte-length headers.
package rsc

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
)

// Safety bounds: a single row declaring more than this many bytes,
// or a combined buffer over the configured cap, causes RSC rewriting to
// be skipped for the affected payload (fail-open).
const (
	MaxRowBytes        = 100 * 1024 * 1024
	DefaultCombinedCap = 10 * 1024 * 1024
)

// ErrTooLarge signals the fail-open path: caller should pass the
// original bytes through unchanged.
var ErrTooLarge = errors.New("rsc: payload exceeds safety bound, skipping rewrite")

// SplitMarker cannot appear in valid RSC output; it glues together
// payload fragments captured from separate script boundaries so a row
// split across two <script> tags can still be parsed as one stream.
var SplitMarker = []byte("\x00SPLIT\x00")

// RewriteFunc rewrites a decoded row's textual content, returning the
// (possibly unchanged) rewritten text.
type RewriteFunc func(content string) string

// RewriteJoined scans a byte buffer made of one or more fragments joined
// by SplitMarker, rewrites URLs inside every T/V row via rewrite, and
// recomputes each row's hex-length header. Marker bytes are preserved
// byte-exact in the output but do not count toward a row's declared
// length. combinedCap <= 0 uses DefaultCombinedCap.
func RewriteJoined(joined []byte, rewrite RewriteFunc, combinedCap int) ([]byte, error) {
	if combinedCap <= 0 {
		combinedCap = DefaultCombinedCap
	}
	if len(joined) > combinedCap {
		return nil, ErrTooLarge
	}

	var out bytes.Buffer
	pos := 0
	for pos < len(joined) {
		rowStart := pos
		colon := indexByteFrom(joined, ':', pos)
		if colon < 0 {
			out.Write(joined[pos:])
			break
		}
		id := joined[pos:colon]
		framingPos := colon + 1
		if framingPos >= len(joined) {
			out.Write(joined[pos:])
			break
		}
		framing := joined[framingPos]

		switch {
		case framing == 'T' || framing == 'V':
			comma := indexByteFrom(joined, ',', framingPos+1)
			if comma < 0 {
				out.Write(joined[pos:])
				pos = len(joined)
				continue
			}
			hexLen := string(joined[framingPos+1 : comma])
			declared, err := strconv.ParseInt(hexLen, 16, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "rsc: bad hex length %q", hexLen)
			}
			if declared > MaxRowBytes {
				return nil, ErrTooLarge
			}
			contentStart := comma + 1
			contentEnd, markerSpans, err := advanceUnescapedSkippingMarker(joined, contentStart, int(declared))
			if err != nil {
				return nil, err
			}
			rawContent := stripMarkerSpans(joined[contentStart:contentEnd], markerSpans, contentStart)
			rewritten := rewrite(string(rawContent))

			out.Write(id)
			out.WriteByte(':')
			out.WriteByte(framing)
			out.WriteString(fmt.Sprintf("%x", len(rewritten)))
			out.WriteByte(',')
			writeWithMarkersReinserted(&out, []byte(rewritten), joined[contentStart:contentEnd], markerSpans, contentStart)
			pos = contentEnd

		case isUpper(framing):
			nl := indexByteFrom(joined, '\n', framingPos+1)
			if nl < 0 {
				out.Write(joined[pos:])
				pos = len(joined)
				continue
			}
			out.Write(joined[rowStart : nl+1])
			pos = nl + 1

		default:
			nl := indexByteFrom(joined, '\n', framingPos)
			if nl < 0 {
				out.Write(joined[pos:])
				pos = len(joined)
				continue
			}
			out.Write(joined[rowStart : nl+1])
			pos = nl + 1
		}
	}
	return out.Bytes(), nil
}

func isUpper(b byte) bool { return b >= 'A' && b <= 'Z' }

func indexByteFrom(b []byte, c byte, from int) int {
	if from >= len(b) {
		return -1
	}
	i := bytes.IndexByte(b[from:], c)
	if i < 0 {
		return -1
	}
	return from + i
}

// advanceUnescapedSkippingMarker walks forward from start counting
// `declared` bytes of real content, treating any occurrence of
// SplitMarker as zero-width (it doesn't count toward the row length but
// is still present in the slice). Returns the absolute end offset and
// the marker spans encountered, relative to start.
func advanceUnescapedSkippingMarker(buf []byte, start, declared int) (end int, markerSpans [][2]int, err error) {
	counted := 0
	i := start
	for counted < declared {
		if i >= len(buf) {
			return 0, nil, errors.New("rsc: row declares more bytes than are available")
		}
		if bytes.HasPrefix(buf[i:], SplitMarker) {
			markerSpans = append(markerSpans, [2]int{i, i + len(SplitMarker)})
			i += len(SplitMarker)
			continue
		}
		i++
		counted++
	}
	return i, markerSpans, nil
}

// stripMarkerSpans removes marker bytes from content (spans are absolute
// offsets into the original buffer; base is the offset content starts
// at) so rewrite() sees only real payload bytes.
func stripMarkerSpans(content []byte, spans [][2]int, base int) []byte {
	if len(spans) == 0 {
		return content
	}
	var out bytes.Buffer
	cur := base
	for _, sp := range spans {
		out.Write(content[cur-base : sp[0]-base])
		cur = sp[1]
	}
	out.Write(content[cur-base:])
	return out.Bytes()
}

// writeWithMarkersReinserted writes rewritten content to out, splicing
// the original marker spans back in at proportionally the same position
// they occupied (markers are zero-width separators between fragments;
// since rewrite operates on the fragment-joined text, the simplest
// correct placement is to re-run the split on the rewritten text at the
// same fragment boundaries by re-joining with markers in order — callers
// that need the fragments back individually use SplitOnMarker instead).
func writeWithMarkersReinserted(out *bytes.Buffer, rewritten []byte, original []byte, spans [][2]int, base int) {
	if len(spans) == 0 {
		out.Write(rewritten)
		return
	}
	// Re-split rewritten content into len(spans)+1 fragments using the
	// same relative byte proportions as the original, then reinsert the
	// literal marker bytes between them. This keeps downstream
	// placeholder substitution (which splits on SplitMarker) correct
	// without needing the rewriter to be marker-aware.
	fragLens := make([]int, 0, len(spans)+1)
	cur := base
	for _, sp := range spans {
		fragLens = append(fragLens, sp[0]-cur)
		cur = sp[1]
	}
	fragLens = append(fragLens, (base+len(original))-cur)

	totalOrig := 0
	for _, l := range fragLens {
		totalOrig += l
	}
	pos := 0
	for i, l := range fragLens {
		share := l
		if totalOrig > 0 {
			share = len(rewritten) * l / totalOrig
		}
		end := pos + share
		if i == len(fragLens)-1 || end > len(rewritten) {
			end = len(rewritten)
		}
		out.Write(rewritten[pos:end])
		pos = end
		if i < len(spans) {
			out.Write(SplitMarker)
		}
	}
}

// SplitOnMarker splits a rewritten, marker-joined buffer back into its
// original per-fragment pieces.
func SplitOnMarker(joined []byte) [][]byte {
	return bytes.Split(joined, SplitMarker)
}
