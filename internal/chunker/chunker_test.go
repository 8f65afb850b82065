package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ghostkb/internal/models"
)

func note(title string) models.Entry {
	return models.Entry{ID: "e1", Title: title, Type: models.TypeNote, Path: "shared/notes/x.md"}
}

func TestChunk_SingleChunkBoundary(t *testing.T) {
	c := New(Options{})

	below := strings.Repeat("a", DefaultSingleChunkThreshold-1)
	chunks := c.Chunk(note("T"), "# One\n"+strings.Repeat("x", 300)+"\n# Two\n"+below[:len(below)-318])
	require.Len(t, chunks, 1)
	assert.Equal(t, "T", chunks[0].Title)
	assert.Equal(t, 0, chunks[0].Index)

	body := "# One\n" + strings.Repeat("x ", 400) + "\n\n# Two\n" + strings.Repeat("y ", 400)
	require.GreaterOrEqual(t, len(body), DefaultSingleChunkThreshold)
	chunks = c.Chunk(note("T"), body)
	require.Len(t, chunks, 2)
	assert.Equal(t, "One", chunks[0].Title)
	assert.Equal(t, "Two", chunks[1].Title)
	assert.Equal(t, 1, chunks[1].Index)
}

func TestChunk_EmptyBodyYieldsOneChunk(t *testing.T) {
	chunks := New(Options{}).Chunk(note("Empty"), "")
	require.Len(t, chunks, 1)
	assert.Equal(t, "Empty", chunks[0].Title)
	assert.NotEmpty(t, chunks[0].ContentHash)
}

func TestChunk_SmallSectionMergesForward(t *testing.T) {
	body := "# Intro\nshort\n\n# Main\n" + strings.Repeat("m ", 500) + "\n\n# Tail\n" + strings.Repeat("t ", 500)
	chunks := New(Options{}).Chunk(note("T"), body)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Main", chunks[0].Title)
	assert.True(t, strings.HasPrefix(chunks[0].Content, "# Intro\nshort"))
	assert.Contains(t, chunks[0].Content, "# Main")
	assert.Equal(t, "Tail", chunks[1].Title)
}

func TestChunk_TrailingSmallSectionMergesBackward(t *testing.T) {
	body := "# Main\n" + strings.Repeat("m ", 450) + "\n\n# More\n" + strings.Repeat("n ", 450) + "\n\n# Footer\nbye"
	chunks := New(Options{}).Chunk(note("T"), body)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Main", chunks[0].Title)
	assert.Equal(t, "More", chunks[1].Title)
	assert.True(t, strings.HasSuffix(chunks[1].Content, "bye"))
}

func TestChunk_HeadinglessLongBodySplits(t *testing.T) {
	sentence := "The retry budget caps how many requests a client may resend. "
	var paras []string
	for i := 0; i < 7; i++ {
		paras = append(paras, strings.Repeat(sentence, 8))
	}
	body := strings.Join(paras, "\n\n")
	require.Greater(t, len(body), 2*DefaultSingleChunkThreshold)
	require.Less(t, len(body), DefaultMaxChunkChars)

	chunks := New(Options{}).Chunk(note("Retry budget"), body)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, "Retry budget", ch.Title)
		assert.LessOrEqual(t, len(ch.Content), DefaultSingleChunkThreshold)
	}

	// One long line with no paragraph breaks is cut hard.
	flat := strings.Repeat(sentence, 40)
	require.Greater(t, len(New(Options{}).Chunk(note("Flat"), flat)), 1)
}

func TestChunk_OversizedSectionSplitsAtParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 300) // 1500 chars
	body := "# Big\n" + strings.Join([]string{para, para, para, para}, "\n\n")
	chunks := New(Options{}).Chunk(note("T"), body)
	require.Greater(t, len(chunks), 1)
	for i, ch := range chunks {
		assert.LessOrEqual(t, len(ch.Content), DefaultMaxChunkChars)
		assert.Equal(t, "Big", ch.Title)
		assert.Equal(t, i, ch.Index)
	}
}

func TestChunk_HeadingsInsideFencesIgnored(t *testing.T) {
	body := "# Real\n" + strings.Repeat("a ", 400) + "\n```\n# not a heading\n```\n" + strings.Repeat("b ", 400) +
		"\n\n# Next\n" + strings.Repeat("c ", 400)
	chunks := New(Options{}).Chunk(note("T"), body)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Real", chunks[0].Title)
	assert.Contains(t, chunks[0].Content, "# not a heading")
	assert.Equal(t, "Next", chunks[1].Title)
}

func TestChunk_HashDependsOnTitleAndContent(t *testing.T) {
	c := New(Options{})
	a := c.Chunk(note("A"), "same body")
	b := c.Chunk(note("B"), "same body")
	again := c.Chunk(note("A"), "same body")
	assert.NotEqual(t, a[0].ContentHash, b[0].ContentHash)
	assert.Equal(t, a[0].ContentHash, again[0].ContentHash)
	assert.Equal(t, Hash("A", "same body"), a[0].ContentHash)
}

func TestChunk_GoDeclarations(t *testing.T) {
	var b strings.Builder
	b.WriteString("package demo\n\nimport \"fmt\"\n\n")
	for _, name := range []string{"Alpha", "Beta", "Gamma"} {
		b.WriteString("// " + name + " does work.\nfunc " + name + "() {\n")
		for i := 0; i < 20; i++ {
			b.WriteString("\tfmt.Println(\"" + strings.Repeat(name, 3) + "\")\n")
		}
		b.WriteString("}\n\n")
	}
	b.WriteString("type Server struct{ addr string }\n\nfunc (s *Server) Start() {\n")
	for i := 0; i < 20; i++ {
		b.WriteString("\tfmt.Println(s.addr, \"starting the server now\")\n")
	}
	b.WriteString("}\n")
	require.GreaterOrEqual(t, b.Len(), DefaultSingleChunkThreshold)

	e := models.Entry{ID: "c1", Title: "demo.go", Type: models.TypeReferenceCode, Path: "shared/reference/x/demo.go"}
	chunks := New(Options{}).Chunk(e, b.String())

	var titles []string
	for _, ch := range chunks {
		titles = append(titles, ch.Title)
	}
	assert.Contains(t, strings.Join(titles, "|"), "demo.go: Beta")
	assert.Contains(t, strings.Join(titles, "|"), "demo.go: Server.Start")
	for _, ch := range chunks {
		if ch.Title == "demo.go: Beta" {
			assert.True(t, strings.HasPrefix(ch.Content, "// Beta does work."), "doc comment travels with decl")
		}
	}
	assert.Contains(t, chunks[0].Content, "package demo")
}

func TestChunk_PythonDeclarations(t *testing.T) {
	var b strings.Builder
	for _, name := range []string{"load", "save", "render"} {
		b.WriteString("@decorator\ndef " + name + "(x):\n")
		for i := 0; i < 12; i++ {
			b.WriteString("    x = x + 1  # incrementing the counter value\n")
		}
		b.WriteString("\n")
	}
	e := models.Entry{ID: "p1", Title: "m.py", Type: models.TypeReferenceCode, Path: "shared/reference/x/m.py"}
	chunks := New(Options{}).Chunk(e, b.String())
	require.Len(t, chunks, 3)
	assert.Equal(t, "m.py: save", chunks[1].Title)
	assert.True(t, strings.HasPrefix(chunks[1].Content, "@decorator"))
}

func TestChunk_UnknownCodeIsWholeFile(t *testing.T) {
	body := strings.Repeat("key = value\n", 150)
	e := models.Entry{ID: "t1", Title: "conf.toml", Type: models.TypeReferenceCode, Path: "shared/reference/x/conf.toml"}
	chunks := New(Options{}).Chunk(e, body)
	require.Len(t, chunks, 1)
	assert.Equal(t, "conf.toml", chunks[0].Title)
}
