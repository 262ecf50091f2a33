package kb

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Tags that end a visual block in goldmark output. A newline between
// blocks keeps the plain text readable for search excerpts.
var blockEnders = map[atom.Atom]bool{
	atom.P: true, atom.Li: true, atom.Pre: true, atom.Blockquote: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Tr: true, atom.Br: true,
}

// htmlToText flattens rendered article HTML into plain text. The input
// comes from goldmark, so it is well formed and carries no script or
// style content; a single tokenizer pass is enough.
func htmlToText(raw string) string {
	tz := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder

	for {
		switch tz.Next() {
		case html.ErrorToken:
			return tidyText(b.String())
		case html.TextToken:
			if text := strings.TrimSpace(string(tz.Text())); text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		case html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tz.TagName()
			if blockEnders[atom.Lookup(name)] {
				b.WriteByte('\n')
			}
		}
	}
}

// tidyText collapses intra-line whitespace and runs of blank lines.
func tidyText(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
