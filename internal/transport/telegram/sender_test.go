package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitText_Short(t *testing.T) {
	t.Parallel()

	got := splitText("hello", 10)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplitText_PrefersNewlines(t *testing.T) {
	t.Parallel()

	line := strings.Repeat("a", 6)
	s := line + "\n" + line + "\n" + line
	got := splitText(s, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d: %q", len(got), got)
	}
	for _, c := range got {
		if c != line {
			t.Fatalf("unexpected chunk %q", c)
		}
	}
}

func TestSplitText_RespectsRuneLimit(t *testing.T) {
	t.Parallel()

	s := strings.Repeat("é", 25)
	got := splitText(s, 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk exceeds limit: %d runes", n)
		}
	}
	if strings.Join(got, "") != s {
		t.Fatalf("chunks do not reassemble the input")
	}
}
