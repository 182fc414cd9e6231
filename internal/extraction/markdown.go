package extraction

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"rag-core/pkg/types"
)

// markdownExtractor handles .md/.markdown sources with a full AST parse.
// The cleaned text keeps the markdown markers so downstream chunking can
// respect section boundaries.
type markdownExtractor struct {
	parser goldmark.Markdown
}

func newMarkdownExtractor() *markdownExtractor {
	return &markdownExtractor{
		parser: goldmark.New(goldmark.WithExtensions(extension.Table)),
	}
}

func (m *markdownExtractor) extract(source string) *types.ExtractedContent {
	raw := []byte(source)
	doc := m.parser.Parser().Parse(text.NewReader(raw))

	meta := types.ContentMetadata{}
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			header := strings.TrimSpace(string(node.Text(raw)))
			if header != "" {
				meta.Headers = append(meta.Headers, header)
				if meta.Title == "" {
					meta.Title = header
				}
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			meta.CodeBlockCount++
		case *ast.Link:
			if dest := string(node.Destination); dest != "" {
				meta.Links = append(meta.Links, dest)
			}
		case *ast.AutoLink:
			if url := string(node.URL(raw)); url != "" {
				meta.Links = append(meta.Links, url)
			}
		case *east.Table:
			meta.TableCount++
		}
		return ast.WalkContinue, nil
	})

	clean := NormalizeWhitespace(source)
	if meta.Title == "" {
		meta.Title = firstLine(clean)
	}

	return &types.ExtractedContent{
		CleanText: clean,
		Quality:   1.0,
		Metadata:  meta,
	}
}
