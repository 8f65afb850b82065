// Package chunker splits entry bodies into retrieval units. Prose is split at
// headings and paragraphs, source code at top-level declarations.
package chunker

import (
	"path"
	"strings"

	"github.com/starford/ghostkb/internal/checksum"
	"github.com/starford/ghostkb/internal/models"
)

// Default size limits, in characters.
const (
	DefaultSingleChunkThreshold = 1500
	DefaultMinSectionChars      = 200
	DefaultMaxChunkChars        = 4000
)

// Options bound chunk sizes. Zero fields take the defaults.
type Options struct {
	SingleChunkThreshold int
	MinSectionChars      int
	MaxChunkChars        int
}

func (o Options) withDefaults() Options {
	if o.SingleChunkThreshold <= 0 {
		o.SingleChunkThreshold = DefaultSingleChunkThreshold
	}
	if o.MinSectionChars <= 0 {
		o.MinSectionChars = DefaultMinSectionChars
	}
	if o.MaxChunkChars <= 0 {
		o.MaxChunkChars = DefaultMaxChunkChars
	}
	return o
}

// Chunker is stateless and safe for concurrent use.
type Chunker struct {
	opts Options
}

// New creates a Chunker.
func New(opts Options) *Chunker {
	return &Chunker{opts: opts.withDefaults()}
}

// section is an intermediate piece before it becomes a Chunk.
type section struct {
	title   string
	content string
}

// Chunk splits body into ordered chunks for entry e. The result is never
// empty: a short or empty body yields exactly one chunk.
func (c *Chunker) Chunk(e models.Entry, body string) []models.Chunk {
	var secs []section
	switch {
	case len(body) < c.opts.SingleChunkThreshold:
		secs = []section{{title: e.Title, content: strings.TrimSpace(body)}}
	case e.Type == models.TypeReferenceCode:
		secs = c.splitCode(path.Base(e.Path), body)
	default:
		secs = c.splitProse(body)
	}
	if len(secs) == 0 {
		secs = []section{{title: e.Title, content: strings.TrimSpace(body)}}
	}

	out := make([]models.Chunk, 0, len(secs))
	for _, s := range secs {
		title := s.title
		if title == "" {
			title = e.Title
		}
		out = append(out, models.Chunk{
			EntryID:     e.ID,
			Index:       len(out),
			Title:       title,
			Content:     s.content,
			ContentHash: Hash(title, s.content),
		})
	}
	return out
}

// Hash is the content identity of a chunk; the embedding cache is keyed by it.
func Hash(title, content string) string {
	return checksum.SumString(title + "\n" + content)
}

// splitProse cuts Markdown at ATX headings, merges undersized sections and
// splits oversized ones at paragraph boundaries. It is only called for
// bodies at or over SingleChunkThreshold.
func (c *Chunker) splitProse(body string) []section {
	var (
		secs    []section
		cur     strings.Builder
		title   string
		inFence bool
	)
	flush := func() {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			secs = append(secs, section{title: title, content: text})
		}
		cur.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if h, ok := headingText(line); ok {
				flush()
				title = h
			}
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	flush()

	secs = c.bound(c.merge(secs))
	if len(secs) == 1 {
		// Heading-less bodies past the threshold still split, at paragraphs.
		parts := splitParagraphs(secs[0].content, c.opts.SingleChunkThreshold)
		if len(parts) > 1 {
			only := secs[0]
			secs = secs[:0]
			for _, part := range parts {
				secs = append(secs, section{title: only.title, content: part})
			}
		}
	}
	return secs
}

// merge folds sections shorter than MinSectionChars into the following
// section. A trailing undersized section joins the previous one.
func (c *Chunker) merge(secs []section) []section {
	var (
		out   []section
		carry *section
	)
	for _, s := range secs {
		if carry != nil {
			if s.title == "" {
				s.title = carry.title
			}
			s.content = carry.content + "\n\n" + s.content
			carry = nil
		}
		if len(s.content) < c.opts.MinSectionChars {
			s := s
			carry = &s
			continue
		}
		out = append(out, s)
	}
	if carry != nil {
		if n := len(out); n > 0 {
			out[n-1].content += "\n\n" + carry.content
		} else {
			out = append(out, *carry)
		}
	}
	return out
}

// bound splits every section longer than MaxChunkChars.
func (c *Chunker) bound(secs []section) []section {
	out := make([]section, 0, len(secs))
	for _, s := range secs {
		if len(s.content) <= c.opts.MaxChunkChars {
			out = append(out, s)
			continue
		}
		for _, part := range splitParagraphs(s.content, c.opts.MaxChunkChars) {
			out = append(out, section{title: s.title, content: part})
		}
	}
	return out
}

// splitParagraphs packs blank-line separated paragraphs into pieces of at
// most max characters. A single paragraph above max is cut at line breaks,
// and a single line above max is cut hard.
func splitParagraphs(text string, max int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	add := func(piece, sep string) {
		if cur.Len() > 0 && cur.Len()+len(sep)+len(piece) > max {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(piece)
	}
	for _, para := range strings.Split(text, "\n\n") {
		if len(para) <= max {
			add(para, "\n\n")
			continue
		}
		flush()
		for _, line := range strings.Split(para, "\n") {
			for len(line) > max {
				cut := runeBoundary(line, max)
				add(line[:cut], "\n")
				flush()
				line = line[cut:]
			}
			add(line, "\n")
		}
		flush()
	}
	flush()
	return out
}

// runeBoundary returns the largest index <= n that does not split a rune.
func runeBoundary(s string, n int) int {
	for n > 0 && n < len(s) && !isRuneStart(s[n]) {
		n--
	}
	if n == 0 {
		return len(s)
	}
	return n
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// headingText reports whether line is an ATX heading and returns its text.
func headingText(line string) (string, bool) {
	if !strings.HasPrefix(line, "#") {
		return "", false
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	if level > 6 || level == len(line) || line[level] != ' ' {
		return "", false
	}
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line[level:]), "#")), true
}
