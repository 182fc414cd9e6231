package extraction

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

func writeDoc(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestExtractor_PlainText(t *testing.T) {
	e := New(logging.NewNop())
	path := writeDoc(t, "notes.txt", []byte("Release checklist\n\n\n\nShip   it    today.\n"))

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, types.DocumentKindText, content.Kind)
	assert.Equal(t, 1.0, content.Quality)
	assert.Equal(t, "Release checklist\n\nShip it today.", content.CleanText)
	assert.Equal(t, "Release checklist", content.Metadata.Title)
	assert.Positive(t, content.Metadata.ReadingTimeMin)
}

func TestExtractor_MarkdownMetadata(t *testing.T) {
	e := New(logging.NewNop())
	source := "# Guide\n\nSee [docs](https://example.com/docs).\n\n## Setup\n\n```go\nfunc main() {}\n```\n\n| a | b |\n|---|---|\n| 1 | 2 |\n"
	path := writeDoc(t, "guide.md", []byte(source))

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, types.DocumentKindMarkdown, content.Kind)
	assert.Equal(t, "Guide", content.Metadata.Title)
	assert.Equal(t, []string{"Guide", "Setup"}, content.Metadata.Headers)
	assert.Equal(t, []string{"https://example.com/docs"}, content.Metadata.Links)
	assert.Equal(t, 1, content.Metadata.CodeBlockCount)
	assert.Equal(t, 1, content.Metadata.TableCount)
	// Markers survive so chunking can cut at sections.
	assert.Contains(t, content.CleanText, "## Setup")
}

func TestExtractor_CodeDeclarations(t *testing.T) {
	e := New(logging.NewNop())
	source := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n\ntype Config struct {\n\tPort int\n}\n"
	path := writeDoc(t, "main.go", []byte(source))

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, types.DocumentKindCode, content.Kind)
	assert.Equal(t, "go", content.Metadata.Language)
	assert.Equal(t, 1.0, content.Quality)
	assert.Equal(t, []string{"func main() {", "type Config struct {"}, content.Metadata.Headers)
	// Indentation is significant and preserved.
	assert.Contains(t, content.CleanText, "\tprintln")
}

func TestExtractor_GenericFallbackCapsQuality(t *testing.T) {
	e := New(logging.NewNop())
	path := writeDoc(t, "data.csv", []byte("id,name\n1,alpha\n"))

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, types.DocumentKindGeneric, content.Kind)
	assert.Equal(t, 0.7, content.Quality)
}

func TestExtractor_MissingFile(t *testing.T) {
	e := New(logging.NewNop())

	_, err := e.Extract(context.Background(), "/nowhere/missing.txt")
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeFileAccess, types.CodeOf(err))
	assert.ErrorIs(t, err, types.ErrFileMissing)
}

func TestExtractor_DirectoryIsUnreadable(t *testing.T) {
	e := New(logging.NewNop())

	_, err := e.Extract(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeFileAccess, types.CodeOf(err))
	assert.ErrorIs(t, err, types.ErrUnreadable)
}

func TestExtractor_Latin1Fallback(t *testing.T) {
	e := New(logging.NewNop())
	// "café" in Latin-1; 0xE9 is invalid UTF-8.
	path := writeDoc(t, "menu.txt", []byte{'c', 'a', 'f', 0xE9})

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "café", content.CleanText)
	assert.Contains(t, content.Notes, "decoded as latin-1")
}

func TestExtractor_BinaryWithoutConverter(t *testing.T) {
	e := New(logging.NewNop())
	path := writeDoc(t, "report.pdf", []byte("%PDF-1.4 ..."))

	_, err := e.Extract(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeUnsupportedKind, types.CodeOf(err))
}

type fakeConverter struct {
	text string
	err  error
}

func (f *fakeConverter) Convert(context.Context, string) (string, error) {
	return f.text, f.err
}

func TestExtractor_BinaryThroughConverter(t *testing.T) {
	e := New(logging.NewNop(), WithConverter(&fakeConverter{text: "Quarterly Report\n\nRevenue   grew.\n"}))
	path := writeDoc(t, "report.pdf", []byte("%PDF-1.4 ..."))

	content, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, types.DocumentKindPDF, content.Kind)
	assert.Equal(t, 0.9, content.Quality)
	assert.Equal(t, "Quarterly Report", content.Metadata.Title)
	assert.Equal(t, "Quarterly Report\n\nRevenue grew.", content.CleanText)
}

func TestExtractor_ConverterFailure(t *testing.T) {
	e := New(logging.NewNop(), WithConverter(&fakeConverter{err: errors.New("tool crashed")}))
	path := writeDoc(t, "report.docx", []byte("PK..."))

	_, err := e.Extract(context.Background(), path)
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeToolInit, types.CodeOf(err))
}

func TestExtractor_Cancelled(t *testing.T) {
	e := New(logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Extract(ctx, "anything.txt")
	require.Error(t, err)
	assert.Equal(t, types.ErrorCodeCancelled, types.CodeOf(err))
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "", NormalizeWhitespace("  \n\n\t\n"))
	assert.Equal(t, "a b\n\nc", NormalizeWhitespace("a \t b\r\n\n\n\nc\n\n"))
	assert.Equal(t, "solo", NormalizeWhitespace("\n\nsolo\n"))
}

func TestReadingTime(t *testing.T) {
	assert.Zero(t, readingTime(""))
	assert.InDelta(t, 1.0, readingTime(words(200)), 0.001)
}

func words(n int) string {
	out := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, 'w', ' ')
	}
	return string(out)
}
