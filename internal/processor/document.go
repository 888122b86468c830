package processor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tendant/simple-media-pipeline/internal/docparse"
	"github.com/tendant/simple-media-pipeline/internal/log"
	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Document stage names
const (
	StageExtractText     = "extract_text"
	StageExtractImages   = "extract_images"
	StageExtractTables   = "extract_tables"
	StageExtractMetadata = "extract_metadata"
	StageSummarize       = "summarize"
)

// DocumentProcessor opens a document and runs the selected extraction stages
type DocumentProcessor struct {
	*base
	deps Deps
}

// NewDocumentProcessor creates a processor for one document run
func NewDocumentProcessor(runID string, deps Deps) *DocumentProcessor {
	return &DocumentProcessor{base: newBase(runID, pipeline.KindDocument), deps: deps.WithDefaults()}
}

// Process implements Processor
func (p *DocumentProcessor) Process(ctx context.Context, rec pipeline.Record, opts pipeline.Options) (*pipeline.Result, error) {
	doc, ok := rec.(*pipeline.DocumentRecord)
	if !ok {
		return nil, fmt.Errorf("%w: document processor got %T", pipeline.ErrWrongRecord, rec)
	}
	return p.run(ctx, rec, func(ctx context.Context, result *pipeline.Result) error {
		return p.execute(ctx, doc, opts.Document, result)
	})
}

func (p *DocumentProcessor) execute(ctx context.Context, rec *pipeline.DocumentRecord, opts pipeline.DocumentOptions, result *pipeline.Result) error {
	t := newTracker(p.updateProgress)

	doc, err := p.open(ctx, rec)
	if err != nil {
		return err
	}
	t.setDecode(1)

	out := &pipeline.DocumentResult{Format: string(doc.Format()), PageCount: doc.PageCount()}
	result.Document = out

	p.logger.Debug().
		Str(log.FieldFormat, out.Format).
		Int("pages", out.PageCount).
		Msg("document opened")

	var stages []stage

	if opts.ExtractText {
		stages = append(stages, stage{StageExtractText, func(ctx context.Context, report func(float64)) error {
			var text string
			err := compute(ctx, p.deps.CPU, func() (err error) {
				text, err = doc.Text(ctx, opts.PageRange)
				return err
			})
			if err != nil {
				return err
			}
			out.Text = text
			report(0.5)

			if utf8.RuneCountInString(text) <= p.deps.SummaryMinChars || p.deps.Summarizer == nil {
				return nil
			}
			summary, err := p.deps.Summarizer.Summarize(ctx, text)
			if err != nil {
				return fmt.Errorf("%s: %w", StageSummarize, err)
			}
			out.Summary = summary
			return nil
		}})
	}
	if opts.ExtractImages {
		stages = append(stages, stage{StageExtractImages, func(ctx context.Context, _ func(float64)) error {
			return compute(ctx, p.deps.CPU, func() error {
				images, err := doc.Images(ctx, opts.PageRange)
				if err != nil {
					return err
				}
				out.Images = images
				return nil
			})
		}})
	}
	if opts.ExtractTables {
		stages = append(stages, stage{StageExtractTables, func(ctx context.Context, _ func(float64)) error {
			return compute(ctx, p.deps.CPU, func() error {
				tables, err := doc.Tables(ctx, opts.PageRange)
				if err != nil {
					return err
				}
				out.Tables = tables
				return nil
			})
		}})
	}
	if opts.IncludeMetadata {
		stages = append(stages, stage{StageExtractMetadata, func(ctx context.Context, _ func(float64)) error {
			meta, err := doc.Metadata(ctx)
			if err != nil {
				return err
			}
			out.Metadata = meta
			return nil
		}})
	}

	return p.fanOut(ctx, t, stages)
}

// open is the decode barrier: bytes are parsed by format, and a record
// carrying only extracted text is treated as plain text
func (p *DocumentProcessor) open(ctx context.Context, rec *pipeline.DocumentRecord) (docparse.Document, error) {
	if len(rec.Data) == 0 && rec.Locator == "" {
		if strings.TrimSpace(rec.Text) == "" {
			return nil, pipeline.InputError(pipeline.ErrNoSource)
		}
		return docparse.FromText(rec.Text), nil
	}

	data, err := loadBytes(ctx, p.deps.Fetcher, rec.Locator, rec.Data)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format := docparse.DetectFormat(rec.Format, rec.Locator, data)
	doc, err := docparse.Open(format, data)
	if err != nil {
		return nil, pipeline.DecodeError(err)
	}
	return doc, nil
}
