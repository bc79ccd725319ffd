package knowledge

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunking defaults, in runes.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 150
)

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

type piece struct {
	text     string
	newBlock bool // first piece of a paragraph
}

// Chunk splits text into chunks of at most maxChars runes. It prefers
// paragraph, then sentence, then word boundaries, and repeats up to overlap
// runes of the previous chunk at the start of the next one. The result is
// deterministic and never contains empty chunks.
func Chunk(text string, maxChars, overlap int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkSize
	}
	overlap = min(max(overlap, 0), maxChars/2)

	// Pieces leave room for the overlap tail plus a separator.
	limit := max(maxChars-overlap-1, 1)
	pieces := splitPieces(text, limit)
	if len(pieces) == 0 {
		return nil
	}

	var chunks []string
	var cur string
	for _, p := range pieces {
		if cur == "" {
			cur = p.text
			continue
		}
		sep := " "
		if p.newBlock {
			sep = "\n\n"
		}
		if runeLen(cur)+len(sep)+runeLen(p.text) <= maxChars {
			cur += sep + p.text
			continue
		}
		chunks = append(chunks, cur)
		if tail := overlapTail(cur, overlap); tail != "" {
			cur = tail + " " + p.text
		} else {
			cur = p.text
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

// splitPieces breaks text into paragraphs, and paragraphs longer than limit
// into sentences and then words, so that no piece exceeds limit runes.
func splitPieces(text string, limit int) []piece {
	var out []piece
	for _, para := range paragraphBreak.Split(strings.ReplaceAll(text, "\r\n", "\n"), -1) {
		para = normalizeLines(para)
		if para == "" {
			continue
		}
		if runeLen(para) <= limit {
			out = append(out, piece{text: para, newBlock: true})
			continue
		}
		first := true
		for _, s := range sentences(para) {
			for _, w := range splitLong(s, limit) {
				out = append(out, piece{text: w, newBlock: first})
				first = false
			}
		}
	}
	return out
}

// normalizeLines collapses horizontal whitespace inside each line and drops
// blank lines.
func normalizeLines(s string) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n")
}

// sentences splits after terminal punctuation followed by whitespace, and at
// line breaks.
func sentences(s string) []string {
	var out []string
	var b strings.Builder
	rs := []rune(s)
	for i, r := range rs {
		if r == '\n' {
			if t := strings.TrimSpace(b.String()); t != "" {
				out = append(out, t)
			}
			b.Reset()
			continue
		}
		b.WriteRune(r)
		if strings.ContainsRune(".!?;", r) && (i+1 == len(rs) || unicode.IsSpace(rs[i+1])) {
			if t := strings.TrimSpace(b.String()); t != "" {
				out = append(out, t)
			}
			b.Reset()
		}
	}
	if t := strings.TrimSpace(b.String()); t != "" {
		out = append(out, t)
	}
	return out
}

// splitLong splits s on word boundaries into parts of at most limit runes.
// Words longer than limit are cut.
func splitLong(s string, limit int) []string {
	if runeLen(s) <= limit {
		return []string{s}
	}
	var out []string
	var cur string
	for _, w := range strings.Fields(s) {
		for runeLen(w) > limit {
			if cur != "" {
				out = append(out, cur)
				cur = ""
			}
			rs := []rune(w)
			out = append(out, string(rs[:limit]))
			w = string(rs[limit:])
		}
		switch {
		case cur == "":
			cur = w
		case runeLen(cur)+1+runeLen(w) <= limit:
			cur += " " + w
		default:
			out = append(out, cur)
			cur = w
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// overlapTail returns up to n trailing runes of s starting at a word
// boundary. It returns "" when s is not longer than n.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	rs := []rune(s)
	if len(rs) <= n {
		return ""
	}
	tail := string(rs[len(rs)-n:])
	if i := strings.IndexFunc(tail, unicode.IsSpace); i >= 0 && !unicode.IsSpace(rs[len(rs)-n-1]) {
		tail = tail[i:]
	}
	return strings.TrimSpace(tail)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
