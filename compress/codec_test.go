package compress

import (
	"bytes"
	"io"
	"testing"
)

func roundTrip(t *testing.T, enc Encoding) {
	t.Helper()
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 500)

	var compressed bytes.Buffer
	w := NewCompressWriter(&compressed, enc)
	if _, err := w.Write(original); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	r, err := NewDecompressReader(&compressed, enc)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, original) {
		t.Fatalf("round trip mismatch for %v: got %d bytes, want %d", enc, len(got), len(original))
	}
}

func TestRoundTripIdentity(t *testing.T) { roundTrip(t, Identity) }
func TestRoundTripGzip(t *testing.T)     { roundTrip(t, Gzip) }
func TestRoundTripDeflate(t *testing.T)  { roundTrip(t, Deflate) }
func TestRoundTripBrotli(t *testing.T)   { roundTrip(t, Brotli) }

func TestParseEncodingCaseInsensitive(t *testing.T) {
	cases := map[string]Encoding{
		"GZIP": Gzip, "Gzip": Gzip, "deflate": Deflate, "BR": Brotli, "": Identity, "weird": Identity,
	}
	for in, want := range cases {
		if got := ParseEncoding(in); got != want {
			t.Errorf("ParseEncoding(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContentTypeActivatesIgnoresCharsetAndCase(t *testing.T) {
	if !ContentTypeActivates("TEXT/HTML; charset=utf-8", "text/html") {
		t.Fatalf("expected match")
	}
	if ContentTypeActivates("application/json", "text/html") {
		t.Fatalf("expected no match")
	}
}
