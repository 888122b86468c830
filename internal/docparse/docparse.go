// Package docparse opens documents of the supported formats and extracts
// text, embedded images, tables and metadata from them.
package docparse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

// Format is a normalised document format
type Format string

// Format constants
const (
	FormatUnknown  Format = ""
	FormatPDF      Format = "pdf"
	FormatHTML     Format = "html"
	FormatText     Format = "text"
	FormatCSV      Format = "csv"
	FormatMarkdown Format = "markdown"
)

// ErrUnknownFormat is returned when a document's format cannot be determined
var ErrUnknownFormat = errors.New("unknown document format")

// Document is an opened document. Extraction methods may be called from
// several goroutines at once.
type Document interface {
	Format() Format
	PageCount() int
	Text(ctx context.Context, pages *pipeline.PageRange) (string, error)
	Images(ctx context.Context, pages *pipeline.PageRange) ([]pipeline.ExtractedImage, error)
	Tables(ctx context.Context, pages *pipeline.PageRange) ([]pipeline.Table, error)
	Metadata(ctx context.Context) (map[string]string, error)
}

// Open parses data as the given format
func Open(format Format, data []byte) (Document, error) {
	switch format {
	case FormatPDF:
		return openPDF(data)
	case FormatHTML:
		return openHTML(data)
	case FormatText, FormatCSV, FormatMarkdown:
		return openText(format, string(data)), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// FromText wraps already-extracted text as a plain text document
func FromText(text string) Document {
	return openText(FormatText, text)
}

// DetectFormat resolves the format from the declared format, then the
// locator's extension, then the leading bytes
func DetectFormat(declared, locator string, data []byte) Format {
	if f := normalize(declared); f != FormatUnknown {
		return f
	}
	if locator != "" {
		if f := normalize(strings.TrimPrefix(path.Ext(locator), ".")); f != FormatUnknown {
			return f
		}
	}
	return sniff(data)
}

func normalize(v string) Format {
	v = strings.ToLower(strings.TrimSpace(v))
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	switch v {
	case "pdf", "application/pdf":
		return FormatPDF
	case "html", "htm", "xhtml", "text/html", "application/xhtml+xml":
		return FormatHTML
	case "csv", "text/csv":
		return FormatCSV
	case "md", "markdown", "text/markdown":
		return FormatMarkdown
	case "txt", "text", "text/plain":
		return FormatText
	}
	return FormatUnknown
}

func sniff(data []byte) Format {
	if len(data) == 0 {
		return FormatUnknown
	}
	if strings.HasPrefix(string(data[:min(len(data), 8)]), "%PDF-") {
		return FormatPDF
	}
	return normalize(http.DetectContentType(data))
}

// clampRange returns the 1-based inclusive page span to read
func clampRange(pages *pipeline.PageRange, total int) (int, int) {
	start, end := 1, total
	if pages != nil {
		if pages.Start > 1 {
			start = pages.Start
		}
		if pages.End > 0 && pages.End < end {
			end = pages.End
		}
	}
	return start, end
}
