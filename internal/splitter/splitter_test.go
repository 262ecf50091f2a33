package splitter

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplit_Short(t *testing.T) {
	got, err := Split("hello world", 100)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	if len(got) != 1 || got[0] != "hello world" {
		t.Errorf("Split() = %v, want single unchanged chunk", got)
	}
}

func TestSplit_Empty(t *testing.T) {
	got, err := Split("", 10)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	if len(got) != 1 || got[0] != "" {
		t.Errorf("Split(\"\") = %v, want one empty chunk", got)
	}
}

func TestSplit_InvalidChunkSize(t *testing.T) {
	for _, max := range []int{0, -1, -100} {
		_, err := Split("text", max)
		var sizeErr *ErrInvalidChunkSize
		if err == nil {
			t.Errorf("Split(max=%d) should error", max)
		} else if !errors.As(err, &sizeErr) {
			t.Errorf("Split(max=%d) error = %T, want *ErrInvalidChunkSize", max, err)
		}
	}
}

func TestSplit_BreaksAtWhitespace(t *testing.T) {
	got, err := Split("alpha beta gamma", 11)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	want := []string{"alpha beta", "gamma"}
	assertChunks(t, got, want)
}

func TestSplit_ForceBreakWithoutWhitespace(t *testing.T) {
	got, err := Split("abcdefghij", 4)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	want := []string{"abcd", "efgh", "ij"}
	assertChunks(t, got, want)
}

func TestSplit_ChunkSizeRespected(t *testing.T) {
	text := strings.Repeat("lorem ipsum dolor sit amet ", 50)
	for _, max := range []int{5, 17, 64, 255} {
		got, err := Split(text, max)
		if err != nil {
			t.Fatalf("Split(max=%d) error: %v", max, err)
		}
		for i, c := range got {
			if len(c) > max {
				t.Errorf("max=%d chunk[%d] len=%d exceeds limit", max, i, len(c))
			}
		}
	}
}

// Reconstruction: joining chunks with a single space must reproduce
// the original whenever every break landed on a space.
func TestSplit_LosslessUnderWhitespaceDropRule(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog and keeps on running"
	got, err := Split(text, 16)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	if rejoined := strings.Join(got, " "); rejoined != text {
		t.Errorf("rejoined = %q, want %q", rejoined, text)
	}
}

func TestSplit_ForceBreakLossless(t *testing.T) {
	text := strings.Repeat("x", 100)
	got, err := Split(text, 7)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	if rejoined := strings.Join(got, ""); rejoined != text {
		t.Errorf("force-break chunks do not reconstruct input")
	}
}

func TestSplit_UTF8NotBrokenMidRune(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 20)
	got, err := Split(text, 10)
	if err != nil {
		t.Fatalf("Split() error: %v", err)
	}
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Errorf("chunk[%d] %q is not valid UTF-8", i, c)
		}
	}
}

func TestSplitMarkdown_IsolatesCodeBlocks(t *testing.T) {
	text := "Check the config:\n```yaml\nport: 8080\n```\nThen restart."
	got, err := SplitMarkdown(text, 1900)
	if err != nil {
		t.Fatalf("SplitMarkdown() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d chunks, want 3: %q", len(got), got)
	}
	if got[1] != "```yaml\nport: 8080\n```" {
		t.Errorf("code chunk = %q", got[1])
	}
}

func TestSplitMarkdown_OversizedBlockRefenced(t *testing.T) {
	var lines []string
	for i := 0; i < 40; i++ {
		lines = append(lines, "log line with some detail in it")
	}
	text := "```\n" + strings.Join(lines, "\n") + "\n```"

	got, err := SplitMarkdown(text, 200)
	if err != nil {
		t.Fatalf("SplitMarkdown() error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("oversized block should split, got %d chunks", len(got))
	}
	for i, c := range got {
		if !strings.HasPrefix(c, "```") || !strings.HasSuffix(c, "```") {
			t.Errorf("chunk[%d] is not a fenced block: %q", i, c)
		}
		if len(c) > 200 {
			t.Errorf("chunk[%d] len=%d exceeds limit", i, len(c))
		}
	}
}

func TestSplitMarkdown_PlainTextPassthrough(t *testing.T) {
	got, err := SplitMarkdown("no fences here", 100)
	if err != nil {
		t.Fatalf("SplitMarkdown() error: %v", err)
	}
	if len(got) != 1 || got[0] != "no fences here" {
		t.Errorf("SplitMarkdown() = %v", got)
	}
}

func assertChunks(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d chunks %q, want %d %q", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
