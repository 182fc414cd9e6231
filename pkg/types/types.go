// Package types defines the shared data model for the document-analysis core:
// chunks, extracted content, embedding entries, and pipeline results.
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DocumentKind identifies the source format of a document.
type DocumentKind string

const (
	DocumentKindText     DocumentKind = "txt"
	DocumentKindMarkdown DocumentKind = "md"
	DocumentKindPDF      DocumentKind = "pdf"
	DocumentKindWord     DocumentKind = "docx"
	DocumentKindCode     DocumentKind = "code"
	DocumentKindGeneric  DocumentKind = "generic"
)

// ChunkKind identifies how a chunk was produced.
type ChunkKind string

const (
	ChunkKindParagraph    ChunkKind = "paragraph"
	ChunkKindSection      ChunkKind = "section"
	ChunkKindCode         ChunkKind = "code"
	ChunkKindTable        ChunkKind = "table"
	ChunkKindFixed        ChunkKind = "fixed"
	ChunkKindSplit        ChunkKind = "split"
	ChunkKindSplitSection ChunkKind = "split_section"
)

// Chunk is a bounded, semantically coherent slice of a document's cleaned
// text. Chunks are immutable once created; re-ingesting the source document
// drops and recreates them.
type Chunk struct {
	ID            string            `json:"id"`
	DocumentID    string            `json:"document_id"`
	Ordinal       int               `json:"ordinal"`
	StartByte     int               `json:"start_byte"`
	EndByte       int               `json:"end_byte"` // exclusive
	Content       string            `json:"content"`
	TokenCount    int               `json:"token_count"`
	Kind          ChunkKind         `json:"kind"`
	OverlapPrev   int               `json:"overlap_prev"` // tokens duplicated from the previous chunk
	OverlapNext   int               `json:"overlap_next"`
	SemanticScore float64           `json:"semantic_score"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// NewChunk creates a chunk with a fresh ID and validates its bounds.
func NewChunk(documentID string, ordinal, start, end int, content string, kind ChunkKind) (*Chunk, error) {
	c := &Chunk{
		ID:         uuid.New().String(),
		DocumentID: documentID,
		Ordinal:    ordinal,
		StartByte:  start,
		EndByte:    end,
		Content:    content,
		Kind:       kind,
		Metadata:   map[string]string{},
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the chunk invariants.
func (c *Chunk) Validate() error {
	if c.EndByte <= c.StartByte {
		return fmt.Errorf("chunk %s: end (%d) must be greater than start (%d)", c.ID, c.EndByte, c.StartByte)
	}
	if c.Ordinal < 0 {
		return fmt.Errorf("chunk %s: ordinal must be non-negative", c.ID)
	}
	if c.SemanticScore < 0 || c.SemanticScore > 1 {
		return fmt.Errorf("chunk %s: semantic score %.3f out of [0,1]", c.ID, c.SemanticScore)
	}
	if c.OverlapPrev > c.TokenCount && c.TokenCount > 0 {
		return fmt.Errorf("chunk %s: overlap (%d) exceeds chunk length (%d)", c.ID, c.OverlapPrev, c.TokenCount)
	}
	return nil
}

// ContentMetadata holds best-effort structural metadata from extraction.
// Missing fields stay empty; extractors never guess.
type ContentMetadata struct {
	Title          string   `json:"title,omitempty"`
	Headers        []string `json:"headers,omitempty"`
	CodeBlockCount int      `json:"code_block_count,omitempty"`
	TableCount     int      `json:"table_count,omitempty"`
	Links          []string `json:"links,omitempty"`
	Language       string   `json:"language,omitempty"`
	ReadingTimeMin float64  `json:"reading_time_minutes,omitempty"`
}

// ExtractedContent is the output of the content extractor. It is consumed by
// the chunker and discarded once embeddings are computed.
type ExtractedContent struct {
	Source    string          `json:"source"`
	Kind      DocumentKind    `json:"kind"`
	Raw       []byte          `json:"-"`
	CleanText string          `json:"clean_text"`
	Metadata  ContentMetadata `json:"metadata"`
	Quality   float64         `json:"quality"` // 1.0 full parse, 0.7 generic fallback, 0.0 decode failure
	Notes     []string        `json:"notes,omitempty"`
}

// Validate checks the extraction invariant: quality 0 implies empty text.
func (e *ExtractedContent) Validate() error {
	if e.Quality < 0 || e.Quality > 1 {
		return fmt.Errorf("extracted content: quality %.3f out of [0,1]", e.Quality)
	}
	if e.Quality == 0 && e.CleanText != "" {
		return errors.New("extracted content: zero quality requires empty cleaned text")
	}
	return nil
}

// EmbeddingEntry is a cached embedding vector for a (content, model) pair.
// The content hash uniquely identifies the pair; the vector dimension depends
// only on the model.
type EmbeddingEntry struct {
	ContentHash    string    `json:"content_hash"`
	Vector         []float32 `json:"vector"`
	ModelID        string    `json:"model_id"`
	ContentPreview string    `json:"content_preview,omitempty"` // first 200 chars
	TokenCount     int       `json:"token_count"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	AccessCount    int64     `json:"access_count"`
	Kind           ChunkKind `json:"kind,omitempty"`
	ChunkOrdinal   *int      `json:"chunk_ordinal,omitempty"`
	DocPath        string    `json:"doc_path,omitempty"`
}

// Touch records an access.
func (e *EmbeddingEntry) Touch(now time.Time) {
	e.LastAccessedAt = now
	e.AccessCount++
}

// Tag is a labeled topic with a confidence and optional category, used by the
// relevance selector.
type Tag struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
	Category   string  `json:"category,omitempty"`
}

// ScoredDocument is a selector result: a candidate ranked against target tags.
type ScoredDocument struct {
	Path          string    `json:"path"`
	Score         float64   `json:"score"`
	TagScore      float64   `json:"tag_score"`
	SemanticScore float64   `json:"semantic_score,omitempty"`
	LastAnalyzed  time.Time `json:"last_analyzed"`
}

// DocumentResult is the per-document outcome of a pipeline run.
type DocumentResult struct {
	Path           string        `json:"path"`
	Kind           DocumentKind  `json:"kind"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
	ChunkCount     int           `json:"chunk_count"`
	EmbeddingCount int           `json:"embedding_count"`
	Quality        float64       `json:"quality"`
	PartialTags    []string      `json:"partial_tags,omitempty"`
	InterventionID string        `json:"intervention_id,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
	Chunks         []Chunk       `json:"-"`
}

// BatchProcessingResult aggregates a pipeline run over many documents.
type BatchProcessingResult struct {
	Successful      int              `json:"successful"`
	Failed          int              `json:"failed"`
	TotalChunks     int              `json:"total_chunks"`
	TotalEmbeddings int              `json:"total_embeddings"`
	Elapsed         time.Duration    `json:"elapsed"`
	AverageQuality  float64          `json:"average_quality"`
	Results         []DocumentResult `json:"results"`
}

// DocumentAnalysis is the outcome of the analyze-document operation: tags
// derived from content keywords plus an optional generated summary.
type DocumentAnalysis struct {
	Path    string        `json:"path"`
	Kind    DocumentKind  `json:"kind"`
	Tags    []Tag         `json:"tags"`
	Summary string        `json:"summary,omitempty"`
	Quality float64       `json:"quality"`
	// Structure rates the document's structural richness in [0,1]; the
	// relevance selector blends it under the structural weight.
	Structure float64       `json:"structure"`
	Elapsed   time.Duration `json:"elapsed"`
}

// KindFromPath maps a file suffix to a document kind. Unknown suffixes map to
// the generic fallback.
func KindFromPath(path string) DocumentKind {
	ext := lowerExt(path)
	switch ext {
	case ".txt":
		return DocumentKindText
	case ".md", ".markdown":
		return DocumentKindMarkdown
	case ".pdf":
		return DocumentKindPDF
	case ".docx", ".doc":
		return DocumentKindWord
	case ".go", ".py", ".js", ".ts", ".java", ".c", ".cpp", ".h", ".rs", ".rb", ".sh", ".sql", ".cs", ".php":
		return DocumentKindCode
	default:
		return DocumentKindGeneric
	}
}

func lowerExt(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			ext := path[i:]
			lower := make([]byte, len(ext))
			for j := 0; j < len(ext); j++ {
				ch := ext[j]
				if ch >= 'A' && ch <= 'Z' {
					ch += 'a' - 'A'
				}
				lower[j] = ch
			}
			return string(lower)
		case '/', '\\':
			return ""
		}
	}
	return ""
}
