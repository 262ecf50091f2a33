// Package splitter breaks long outbound text into transport-sized
// chunks. Chat transports cap message length (Discord at 2000 bytes,
// most others similar), so tool results and reply bodies pass through
// here before being sent.
package splitter

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrInvalidChunkSize reports a non-positive maximum chunk size. This
// is a configuration mistake and is surfaced at startup validation,
// never mid-conversation.
type ErrInvalidChunkSize struct {
	Size int
}

// Error implements the error interface.
func (e *ErrInvalidChunkSize) Error() string {
	return fmt.Sprintf("chunk size must be positive, got %d", e.Size)
}

// Split breaks text into chunks of at most max bytes.
//
// Chunks are packed greedily. When a chunk would end mid-word, the
// break moves back to the last whitespace inside the window and that
// single whitespace byte is consumed by the break (it appears in no
// chunk). A window with no interior whitespace is force-broken at max,
// backing up only as far as needed to avoid splitting a UTF-8 sequence.
//
// Concatenating the chunks, re-inserting one space per whitespace
// break, reconstructs the input exactly. Empty input yields a single
// empty chunk so callers always receive at least one element.
func Split(text string, max int) ([]string, error) {
	if max <= 0 {
		return nil, &ErrInvalidChunkSize{Size: max}
	}
	if len(text) <= max {
		return []string{text}, nil
	}

	var chunks []string
	remaining := text

	for len(remaining) > max {
		window := remaining[:max]

		if idx := lastBreak(window); idx > 0 {
			chunks = append(chunks, remaining[:idx])
			remaining = remaining[idx+1:] // drop the break whitespace
			continue
		}

		// No usable whitespace: force-break, respecting rune boundaries.
		cut := max
		for cut > 0 && !utf8.RuneStart(remaining[cut]) {
			cut--
		}
		if cut == 0 {
			cut = max // pathological input, split anyway
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}

	return append(chunks, remaining), nil
}

// lastBreak returns the index of the last ASCII whitespace in window,
// or -1 if there is none. ASCII whitespace is a safe break point in
// UTF-8 text; multi-byte spaces are not worth the complexity here.
func lastBreak(window string) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case ' ', '\n', '\t', '\r':
			return i
		}
	}
	return -1
}

// SplitMarkdown breaks markdown text into transport chunks, keeping
// fenced code blocks intact. Each code block lands in its own chunk;
// a block larger than max is split by line and every piece re-fenced
// so the transport renders each chunk as valid markdown. Prose between
// blocks goes through [Split].
func SplitMarkdown(text string, max int) ([]string, error) {
	if max <= 0 {
		return nil, &ErrInvalidChunkSize{Size: max}
	}
	if !strings.Contains(text, "```") {
		return Split(text, max)
	}

	var chunks []string
	remaining := text

	for {
		start := strings.Index(remaining, "```")
		if start < 0 {
			break
		}
		end := strings.Index(remaining[start+3:], "```")
		if end < 0 {
			break // unterminated fence, treat the rest as prose
		}
		block := remaining[start : start+3+end+3]

		if prose := strings.TrimSpace(remaining[:start]); prose != "" {
			ps, err := Split(prose, max)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, ps...)
		}

		if len(block) <= max {
			chunks = append(chunks, block)
		} else {
			chunks = append(chunks, splitCodeBlock(block, max)...)
		}

		remaining = remaining[start+3+end+3:]
	}

	if prose := strings.TrimSpace(remaining); prose != "" {
		ps, err := Split(prose, max)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, ps...)
	}

	if len(chunks) == 0 {
		chunks = []string{""}
	}
	return chunks, nil
}

// splitCodeBlock splits an oversized fenced block by line, re-fencing
// each piece with the original opening fence (which carries the
// language tag).
func splitCodeBlock(block string, max int) []string {
	lines := strings.Split(block, "\n")
	if len(lines) < 2 {
		return []string{block}
	}
	open, closing := lines[0], "```"
	body := lines[1 : len(lines)-1]

	overhead := len(open) + len(closing) + 2 // fences plus their newlines

	var parts []string
	var cur []string
	curLen := overhead

	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, open+"\n"+strings.Join(cur, "\n")+"\n"+closing)
			cur = nil
			curLen = overhead
		}
	}

	for _, line := range body {
		lineLen := len(line) + 1
		if curLen+lineLen > max && len(cur) > 0 {
			flush()
		}
		cur = append(cur, line)
		curLen += lineLen
	}
	flush()

	return parts
}
