package docparse

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/unidoc/unipdf/v3/common/license"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// SetLicense installs a metered unipdf API key. An empty key is a no-op.
func SetLicense(key string) error {
	if key == "" {
		return nil
	}
	if err := license.SetMeteredKey(key); err != nil {
		return fmt.Errorf("set unipdf license: %w", err)
	}
	return nil
}

type pdfDocument struct {
	// the reader parses objects lazily and is not safe for concurrent use
	mu     sync.Mutex
	reader *model.PdfReader
	pages  int
}

func openPDF(data []byte) (*pdfDocument, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create PDF reader: %w", err)
	}

	if encrypted, err := reader.IsEncrypted(); err == nil && encrypted {
		ok, err := reader.Decrypt([]byte(""))
		if err != nil || !ok {
			return nil, fmt.Errorf("PDF is encrypted")
		}
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return nil, fmt.Errorf("get page count: %w", err)
	}

	return &pdfDocument{reader: reader, pages: numPages}, nil
}

func (d *pdfDocument) Format() Format { return FormatPDF }
func (d *pdfDocument) PageCount() int { return d.pages }

// eachPage runs fn on every page of the range while holding the reader lock.
// See walkPages for how page failures surface.
func (d *pdfDocument) eachPage(ctx context.Context, pages *pipeline.PageRange, fn func(num int, ex *extractor.Extractor) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	start, end := clampRange(pages, d.pages)
	return walkPages(ctx, start, end, func(num int) error {
		page, err := d.reader.GetPage(num)
		if err != nil {
			return fmt.Errorf("load page: %w", err)
		}
		ex, err := extractor.New(page)
		if err != nil {
			return fmt.Errorf("create extractor: %w", err)
		}
		return fn(num, ex)
	})
}

// walkPages visits pages start..end. A licensing failure stops the walk at
// once since every later page fails the same way. Other failures skip the
// page, and the first of them is returned when no page succeeded.
func walkPages(ctx context.Context, start, end int, visit func(num int) error) error {
	var (
		firstErr error
		ok       int
	)
	for i := start; i <= end; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := visit(i)
		if err == nil {
			ok++
			continue
		}
		err = fmt.Errorf("page %d: %w", i, err)
		if isLicenseError(err) {
			return err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if ok == 0 && firstErr != nil {
		return firstErr
	}
	return nil
}

func isLicenseError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "license")
}

func (d *pdfDocument) Text(ctx context.Context, pages *pipeline.PageRange) (string, error) {
	var text strings.Builder
	err := d.eachPage(ctx, pages, func(_ int, ex *extractor.Extractor) error {
		pageText, err := ex.ExtractText()
		if err != nil {
			return fmt.Errorf("extract text: %w", err)
		}
		text.WriteString(pageText)
		text.WriteString("\n\n")
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text.String()), nil
}

func (d *pdfDocument) Images(ctx context.Context, pages *pipeline.PageRange) ([]pipeline.ExtractedImage, error) {
	var images []pipeline.ExtractedImage
	err := d.eachPage(ctx, pages, func(num int, ex *extractor.Extractor) error {
		pageImages, err := ex.ExtractPageImages(nil)
		if err != nil {
			return fmt.Errorf("extract images: %w", err)
		}
		for i, mark := range pageImages.Images {
			img := pipeline.ExtractedImage{
				Page:   num,
				Source: fmt.Sprintf("page-%d-image-%d", num, i+1),
			}
			if mark.Image != nil {
				img.Width = int(mark.Image.Width)
				img.Height = int(mark.Image.Height)
			}
			images = append(images, img)
		}
		return nil
	})
	return images, err
}

func (d *pdfDocument) Tables(ctx context.Context, pages *pipeline.PageRange) ([]pipeline.Table, error) {
	var tables []pipeline.Table
	err := d.eachPage(ctx, pages, func(num int, ex *extractor.Extractor) error {
		pageText, _, _, err := ex.ExtractPageText()
		if err != nil {
			return fmt.Errorf("extract tables: %w", err)
		}
		for _, tt := range pageText.Tables() {
			rows := make([][]string, 0, len(tt.Cells))
			for _, row := range tt.Cells {
				cells := make([]string, 0, len(row))
				for _, cell := range row {
					cells = append(cells, strings.TrimSpace(cell.Text))
				}
				rows = append(rows, cells)
			}
			if len(rows) > 0 {
				tables = append(tables, pipeline.Table{Page: num, Rows: rows})
			}
		}
		return nil
	})
	return tables, err
}

func (d *pdfDocument) Metadata(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	meta := map[string]string{
		"page_count": fmt.Sprintf("%d", d.pages),
	}
	info, err := d.reader.GetPdfInfo()
	if err != nil {
		if isLicenseError(err) {
			return nil, err
		}
		// no info dictionary
		return meta, nil
	}
	if info.Title != nil {
		meta["title"] = info.Title.String()
	}
	if info.Author != nil {
		meta["author"] = info.Author.String()
	}
	if info.Subject != nil {
		meta["subject"] = info.Subject.String()
	}
	if info.Keywords != nil {
		meta["keywords"] = info.Keywords.String()
	}
	if info.Creator != nil {
		meta["creator"] = info.Creator.String()
	}
	if info.Producer != nil {
		meta["producer"] = info.Producer.String()
	}
	return meta, nil
}
