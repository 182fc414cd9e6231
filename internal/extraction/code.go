package extraction

import (
	"regexp"
	"strings"

	"rag-core/pkg/types"
)

// languagePattern recognizes one language's declaration shape for metadata.
type languagePattern struct {
	name        string
	extensions  []string
	declaration *regexp.Regexp
}

// codeExtractor handles source-code documents across the supported language
// set. Declarations become header metadata so chunking can cut at them.
type codeExtractor struct {
	patterns []languagePattern
	byExt    map[string]*languagePattern
}

func newCodeExtractor() *codeExtractor {
	patterns := []languagePattern{
		{"go", []string{".go"}, regexp.MustCompile(`^func\s+(\(\w+\s+\*?\w+\)\s+)?\w+|^type\s+\w+\s+(struct|interface)`)},
		{"python", []string{".py"}, regexp.MustCompile(`^\s*(def|class)\s+\w+`)},
		{"javascript", []string{".js"}, regexp.MustCompile(`^\s*(function\s+\w+|class\s+\w+|const\s+\w+\s*=\s*(async\s*)?\()`)},
		{"typescript", []string{".ts"}, regexp.MustCompile(`^\s*(export\s+)?(function\s+\w+|class\s+\w+|interface\s+\w+|const\s+\w+\s*=)`)},
		{"java", []string{".java"}, regexp.MustCompile(`^\s*(public|private|protected)?\s*(static\s+)?(class|interface|enum|\w+\s+\w+\s*\()`)},
		{"c", []string{".c", ".h"}, regexp.MustCompile(`^\w[\w\s\*]*\s+\**\w+\s*\([^;]*$|^\w[\w\s\*]*\s+\**\w+\s*\([^;]*\)\s*\{`)},
		{"cpp", []string{".cpp"}, regexp.MustCompile(`^\s*(class\s+\w+|template\s*<|\w[\w:<>\s\*&]*\s+\w+\s*\()`)},
		{"rust", []string{".rs"}, regexp.MustCompile(`^\s*(pub\s+)?(fn|struct|enum|trait|impl)\s`)},
		{"ruby", []string{".rb"}, regexp.MustCompile(`^\s*(def|class|module)\s+\w+`)},
		{"shell", []string{".sh"}, regexp.MustCompile(`^\s*(function\s+\w+|\w+\s*\(\)\s*\{)`)},
		{"sql", []string{".sql"}, regexp.MustCompile(`(?i)^\s*(create|alter|drop)\s+(table|view|index|function|procedure)`)},
		{"csharp", []string{".cs"}, regexp.MustCompile(`^\s*(public|private|protected|internal)?\s*(static\s+)?(class|interface|struct|\w+\s+\w+\s*\()`)},
		{"php", []string{".php"}, regexp.MustCompile(`^\s*(function\s+\w+|class\s+\w+|(public|private|protected)\s+function)`)},
	}

	byExt := make(map[string]*languagePattern)
	for i := range patterns {
		for _, ext := range patterns[i].extensions {
			byExt[ext] = &patterns[i]
		}
	}
	return &codeExtractor{patterns: patterns, byExt: byExt}
}

func (c *codeExtractor) extract(path, source string) *types.ExtractedContent {
	pattern := c.byExt[lowerSuffix(path)]

	meta := types.ContentMetadata{Title: baseName(path)}
	quality := 0.9 // recognized code suffix without a declaration pattern
	if pattern != nil {
		meta.Language = pattern.name
		quality = 1.0
		for _, line := range strings.Split(source, "\n") {
			if pattern.declaration.MatchString(line) {
				meta.Headers = append(meta.Headers, strings.TrimSpace(line))
			}
		}
	}

	// Code keeps its indentation; only blank-line runs collapse.
	return &types.ExtractedContent{
		CleanText: normalizeBlankLines(source),
		Quality:   quality,
		Metadata:  meta,
	}
}

// normalizeBlankLines collapses runs of blank lines but preserves leading
// whitespace inside lines, which is significant for code.
func normalizeBlankLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, strings.TrimRight(line, " \t"))
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return strings.Join(out, "\n")
}

func lowerSuffix(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return strings.ToLower(path[i:])
		}
		if path[i] == '/' || path[i] == '\\' {
			return ""
		}
	}
	return ""
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}
