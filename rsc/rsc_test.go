package rsc

import (
	"fmt"
	"strings"
	"testing"
)

func TestRewriteJoinedRewritesTRow(t *testing.T) {
	row := "1:T" + fmt.Sprintf("%x", len("hello https://cdn.example.com/a.png world")) + ",hello https://cdn.example.com/a.png world"
	rewrite := func(s string) string {
		return strings.ReplaceAll(s, "https://cdn.example.com", "/first-party/proxy")
	}
	out, err := RewriteJoined([]byte(row), rewrite, 0)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	want := "hello /first-party/proxy/a.png world"
	if !strings.Contains(string(out), want) {
		t.Fatalf("expected rewritten content %q in %q", want, out)
	}
	wantLen := fmt.Sprintf("%x", len(want))
	if !strings.Contains(string(out), "1:T"+wantLen+",") {
		t.Fatalf("expected recomputed header 1:T%s, got %q", wantLen, out)
	}
}

func TestRewriteJoinedLeavesNonTVRowsUntouched(t *testing.T) {
	row := `2:{"a":1}` + "\n"
	out, err := RewriteJoined([]byte(row), func(s string) string { return s + "MODIFIED" }, 0)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if string(out) != row {
		t.Fatalf("non-T/V row should pass through unchanged: got %q want %q", out, row)
	}
}

func TestRewriteJoinedSkipsMarkerBytesInLengthCount(t *testing.T) {
	content := "abc" + string(SplitMarker) + "def"
	row := "1:T" + fmt.Sprintf("%x", 6) + "," + content
	out, err := RewriteJoined([]byte(row), func(s string) string { return s }, 0)
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !strings.Contains(string(out), string(SplitMarker)) {
		t.Fatalf("expected marker preserved in output: %q", out)
	}
}

func TestRewriteJoinedFailsOpenOnOversizedPayload(t *testing.T) {
	_, err := RewriteJoined(make([]byte, 100), func(s string) string { return s }, 50)
	if err != ErrTooLarge {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestSplitOnMarkerRoundTrip(t *testing.T) {
	joined := []byte("a" + string(SplitMarker) + "b" + string(SplitMarker) + "c")
	parts := SplitOnMarker(joined)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
}
