// Package extraction maps document sources to cleaned text plus best-effort
// structural metadata. Dispatch is by file suffix; each specialized extractor
// sets a quality score the pipeline gates on.
package extraction

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// Converter turns a binary document (PDF, Word) into plain text. It is an
// external tool boundary; the core only consumes it.
type Converter interface {
	Convert(ctx context.Context, path string) (string, error)
}

// Extractor dispatches extraction by document kind.
type Extractor struct {
	logger    logging.Logger
	converter Converter // optional, for pdf/docx

	plain    *plainExtractor
	markdown *markdownExtractor
	code     *codeExtractor
	generic  *genericExtractor
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithConverter supplies a binary-document converter for PDF and Word inputs.
func WithConverter(c Converter) Option {
	return func(e *Extractor) { e.converter = c }
}

// New creates an Extractor.
func New(logger logging.Logger, opts ...Option) *Extractor {
	e := &Extractor{
		logger:   logger.WithComponent("extraction"),
		plain:    &plainExtractor{},
		markdown: newMarkdownExtractor(),
		code:     newCodeExtractor(),
		generic:  &genericExtractor{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract maps a document source to an ExtractedContent. Errors are never
// retried here; callers decide.
func (e *Extractor) Extract(ctx context.Context, path string) (*types.ExtractedContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrorCodeCancelled, "extraction cancelled", err)
	}

	kind := types.KindFromPath(path)

	if kind == types.DocumentKindPDF || kind == types.DocumentKindWord {
		return e.extractBinary(ctx, path, kind)
	}

	raw, err := readSource(path)
	if err != nil {
		return nil, err
	}

	text, note, err := decode(raw)
	if err != nil {
		return nil, types.NewError(types.ErrorCodeDecodeFailed,
			fmt.Sprintf("decode %s", path), err)
	}

	var content *types.ExtractedContent
	switch kind {
	case types.DocumentKindText:
		content = e.plain.extract(text)
	case types.DocumentKindMarkdown:
		content = e.markdown.extract(text)
	case types.DocumentKindCode:
		content = e.code.extract(path, text)
	default:
		content = e.generic.extract(text)
	}

	content.Source = path
	content.Kind = kind
	content.Raw = raw
	if note != "" {
		content.Notes = append(content.Notes, note)
	}
	content.Metadata.ReadingTimeMin = readingTime(content.CleanText)

	if err := content.Validate(); err != nil {
		return nil, err
	}

	e.logger.Debug("extracted document",
		"path", path, "kind", string(kind), "quality", content.Quality,
		"chars", len(content.CleanText))
	return content, nil
}

// extractBinary handles PDF and Word sources through the converter capability.
func (e *Extractor) extractBinary(ctx context.Context, path string, kind types.DocumentKind) (*types.ExtractedContent, error) {
	if _, err := readSourceStat(path); err != nil {
		return nil, err
	}
	if e.converter == nil {
		return nil, types.NewError(types.ErrorCodeUnsupportedKind,
			fmt.Sprintf("no converter configured for %s documents", kind), types.ErrUnsupportedKind)
	}

	text, err := e.converter.Convert(ctx, path)
	if err != nil {
		return nil, types.NewError(types.ErrorCodeToolInit,
			fmt.Sprintf("convert %s", path), err)
	}

	content := &types.ExtractedContent{
		Source:    path,
		Kind:      kind,
		CleanText: NormalizeWhitespace(text),
		Quality:   0.9, // converted, structure partially lost
	}
	content.Metadata.Title = firstLine(content.CleanText)
	content.Metadata.ReadingTimeMin = readingTime(content.CleanText)
	return content, nil
}

// readSource loads file bytes, classifying missing vs unreadable.
func readSource(path string) ([]byte, error) {
	if _, err := readSourceStat(path); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- caller-supplied document path
	if err != nil {
		return nil, types.NewError(types.ErrorCodeFileAccess,
			fmt.Sprintf("read %s", path), fmt.Errorf("%w: %v", types.ErrUnreadable, err))
	}
	return raw, nil
}

func readSourceStat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewError(types.ErrorCodeFileAccess,
				fmt.Sprintf("stat %s", path), fmt.Errorf("%w: %v", types.ErrFileMissing, err))
		}
		return nil, types.NewError(types.ErrorCodeFileAccess,
			fmt.Sprintf("stat %s", path), fmt.Errorf("%w: %v", types.ErrUnreadable, err))
	}
	if info.IsDir() {
		return nil, types.NewError(types.ErrorCodeFileAccess,
			fmt.Sprintf("%s is a directory", path), types.ErrUnreadable)
	}
	return info, nil
}

// decode tries UTF-8, then Latin-1, then CP-1252. It fails only when all
// three produce an empty string or error.
func decode(raw []byte) (text, note string, err error) {
	if utf8.Valid(raw) {
		if s := string(raw); strings.TrimSpace(s) != "" || len(raw) == 0 {
			return s, "", nil
		}
	}

	if s, derr := charmap.ISO8859_1.NewDecoder().Bytes(raw); derr == nil && strings.TrimSpace(string(s)) != "" {
		return string(s), "decoded as latin-1", nil
	}
	if s, derr := charmap.Windows1252.NewDecoder().Bytes(raw); derr == nil && strings.TrimSpace(string(s)) != "" {
		return string(s), "decoded as cp-1252", nil
	}

	return "", "", types.ErrDecodeFailed
}

// NormalizeWhitespace collapses consecutive blank lines to one, runs of
// spaces and tabs to one space, and trims surrounding blanks.
func NormalizeWhitespace(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		collapsed := collapseSpaces(line)
		if collapsed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, collapsed)
	}
	// Trim a trailing blank left by the collapse.
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func collapseSpaces(line string) string {
	var b strings.Builder
	space := false
	for _, r := range line {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// readingTime estimates minutes at 200 words per minute.
func readingTime(text string) float64 {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return float64(words) / 200.0
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
