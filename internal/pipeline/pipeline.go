// Package pipeline orchestrates document processing end to end: extract,
// chunk, optimize, and embed, with per-kind parallelism and graceful
// degradation into the intervention queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rag-core/internal/chunking"
	"rag-core/internal/config"
	"rag-core/internal/embeddings"
	"rag-core/internal/extraction"
	"rag-core/internal/intervention"
	"rag-core/internal/logging"
	"rag-core/pkg/types"
)

// qualityFloor rejects extractions below this quality.
const qualityFloor = 0.1

// Tags attached to a degraded document's result.
var partialTags = []string{"processing-interrupted", "partial-analysis"}

// perKindLimit bounds parallelism within one document kind.
func perKindLimit(kind types.DocumentKind) int {
	switch kind {
	case types.DocumentKindPDF, types.DocumentKindWord, types.DocumentKindGeneric:
		return 2
	default:
		return 4
	}
}

// Options configures one pipeline run.
type Options struct {
	Strategy           chunking.Strategy
	OptimizerStrategy  chunking.OptimizerStrategy
	GenerateEmbeddings bool
	EmbeddingModel     string
}

// Pipeline wires the processing stages together.
type Pipeline struct {
	cfg           *config.PipelineConfig
	extractor     *extraction.Extractor
	chunker       *chunking.Chunker
	optimizer     *chunking.Optimizer
	batcher       *embeddings.Batcher
	interventions *intervention.Queue
	logger        logging.Logger
}

// New creates a Pipeline. batcher and interventions may be nil when
// embeddings or degradation reporting are not wanted (tests).
func New(cfg *config.PipelineConfig, extractor *extraction.Extractor, chunker *chunking.Chunker,
	optimizer *chunking.Optimizer, batcher *embeddings.Batcher,
	interventions *intervention.Queue, logger logging.Logger) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		extractor:     extractor,
		chunker:       chunker,
		optimizer:     optimizer,
		batcher:       batcher,
		interventions: interventions,
		logger:        logger.WithComponent("pipeline"),
	}
}

// Process runs the batch contract: documents grouped by kind, kinds
// processed as sequential barriers, documents within a kind in parallel.
// Per-document failures never abort the batch.
func (p *Pipeline) Process(ctx context.Context, paths []string, opts Options) (*types.BatchProcessingResult, error) {
	start := time.Now()

	if p.cfg.ProcessingTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.ProcessingTimeoutSeconds)*time.Second)
		defer cancel()
	}

	byKind := make(map[types.DocumentKind][]string)
	for _, path := range paths {
		kind := types.KindFromPath(path)
		byKind[kind] = append(byKind[kind], path)
	}

	kinds := make([]types.DocumentKind, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	var mu sync.Mutex
	results := make(map[string]*types.DocumentResult, len(paths))
	for _, kind := range kinds {
		group := byKind[kind]

		concurrency := perKindLimit(kind)
		if p.cfg.MaxConcurrency > 0 && p.cfg.MaxConcurrency < concurrency {
			concurrency = p.cfg.MaxConcurrency
		}

		// Each kind is a barrier: the next group starts only after this
		// one drains. Document errors live in their results; only
		// cancellation stops the batch early.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, path := range group {
			g.Go(func() error {
				res := p.processOne(gctx, path, kind, opts)
				mu.Lock()
				results[path] = res
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}

	out := &types.BatchProcessingResult{Elapsed: time.Since(start)}
	var qualitySum float64
	for _, path := range paths {
		res := results[path]
		if res == nil {
			res = &types.DocumentResult{
				Path:    path,
				Kind:    types.KindFromPath(path),
				Success: false,
				Error:   string(types.ErrorCodeCancelled),
			}
		}
		out.Results = append(out.Results, *res)
		if res.Success {
			out.Successful++
		} else {
			out.Failed++
		}
		out.TotalChunks += res.ChunkCount
		out.TotalEmbeddings += res.EmbeddingCount
		qualitySum += res.Quality
	}
	if len(out.Results) > 0 {
		out.AverageQuality = qualitySum / float64(len(out.Results))
	}

	p.logger.Info("batch processed",
		"documents", len(paths), "successful", out.Successful,
		"failed", out.Failed, "chunks", out.TotalChunks,
		"elapsed_ms", out.Elapsed.Milliseconds())
	return out, nil
}

// processOne runs the per-document stages. Failures degrade into a failed
// result, never a panic or batch abort.
func (p *Pipeline) processOne(ctx context.Context, path string, kind types.DocumentKind, opts Options) *types.DocumentResult {
	start := time.Now()
	res := &types.DocumentResult{Path: path, Kind: kind}

	content, err := p.extractor.Extract(ctx, path)
	if err != nil {
		return p.degrade(ctx, res, err, start)
	}
	res.Quality = content.Quality

	if content.Quality < qualityFloor {
		return p.degrade(ctx, res,
			types.NewError(types.ErrorCodeDecodeFailed,
				fmt.Sprintf("quality %.2f below floor", content.Quality), nil), start)
	}

	chunks, err := p.chunker.Chunk(content, opts.Strategy, path)
	if err != nil {
		return p.degrade(ctx, res, err, start)
	}

	if p.optimizer != nil && len(chunks) > 0 {
		optimized, _, optErr := p.optimizer.Optimize(ctx, chunks, opts.OptimizerStrategy)
		if optErr != nil {
			return p.degrade(ctx, res, optErr, start)
		}
		chunks = optimized
	}
	res.Chunks = chunks
	res.ChunkCount = len(chunks)

	if opts.GenerateEmbeddings && p.batcher != nil && len(chunks) > 0 {
		items := make([]embeddings.BatchItem, 0, len(chunks))
		for i := range chunks {
			ordinal := chunks[i].Ordinal
			items = append(items, embeddings.BatchItem{
				Content: chunks[i].Content,
				ModelID: opts.EmbeddingModel,
				Meta: &types.EmbeddingEntry{
					TokenCount:   chunks[i].TokenCount,
					Kind:         chunks[i].Kind,
					ChunkOrdinal: &ordinal,
					DocPath:      path,
				},
			})
		}
		vectors, err := p.batcher.Process(ctx, items)
		res.EmbeddingCount = len(vectors)
		if err != nil {
			// Partial embeddings are kept; the document is degraded.
			return p.degrade(ctx, res, err, start)
		}
	}

	res.Success = true
	res.Elapsed = time.Since(start)
	return res
}

// degrade marks the document failed with partial tags and reports the
// failure to the intervention queue.
func (p *Pipeline) degrade(ctx context.Context, res *types.DocumentResult, cause error, start time.Time) *types.DocumentResult {
	res.Success = false
	res.Error = cause.Error()
	res.PartialTags = append(res.PartialTags, partialTags...)
	res.Elapsed = time.Since(start)

	code := types.CodeOf(cause)
	if code == "" {
		if errors.Is(cause, context.DeadlineExceeded) {
			code = types.ErrorCodeTimeout
		} else if errors.Is(cause, context.Canceled) {
			code = types.ErrorCodeCancelled
		} else {
			code = types.ErrorCodeFallbackExhausted
		}
	}

	p.logger.Warn("document degraded",
		"path", res.Path, "code", string(code), "error", res.Error)

	if p.interventions != nil && code != types.ErrorCodeCancelled {
		task, err := p.interventions.Report(ctx, types.ErrorReport{
			Code:      code,
			Message:   res.Error,
			Component: "pipeline",
			Source:    res.Path,
		})
		if err != nil {
			p.logger.Error("intervention report failed", "path", res.Path, "error", err.Error())
		} else if task != nil {
			res.InterventionID = task.ID
		}
	}
	return res
}
