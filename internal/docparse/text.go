package docparse

import (
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)[^)]*\)`)

type textDocument struct {
	format Format
	text   string
}

func openText(format Format, text string) *textDocument {
	return &textDocument{format: format, text: strings.ReplaceAll(text, "\r\n", "\n")}
}

func (d *textDocument) Format() Format { return d.format }
func (d *textDocument) PageCount() int { return 1 }

func (d *textDocument) Text(ctx context.Context, _ *pipeline.PageRange) (string, error) {
	return strings.TrimSpace(d.text), ctx.Err()
}

func (d *textDocument) Images(ctx context.Context, _ *pipeline.PageRange) ([]pipeline.ExtractedImage, error) {
	if d.format != FormatMarkdown {
		return nil, ctx.Err()
	}
	var images []pipeline.ExtractedImage
	for _, m := range markdownImage.FindAllStringSubmatch(d.text, -1) {
		images = append(images, pipeline.ExtractedImage{Page: 1, Source: m[1]})
	}
	return images, ctx.Err()
}

func (d *textDocument) Tables(ctx context.Context, _ *pipeline.PageRange) ([]pipeline.Table, error) {
	if d.format == FormatCSV {
		r := csv.NewReader(strings.NewReader(d.text))
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse CSV: %w", err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		return []pipeline.Table{{Page: 1, Rows: rows}}, nil
	}
	return delimitedTables(ctx, d.text)
}

func (d *textDocument) Metadata(ctx context.Context) (map[string]string, error) {
	lines := 0
	if d.text != "" {
		lines = strings.Count(strings.TrimRight(d.text, "\n"), "\n") + 1
	}
	return map[string]string{
		"characters": fmt.Sprintf("%d", utf8.RuneCountInString(d.text)),
		"words":      fmt.Sprintf("%d", len(strings.Fields(d.text))),
		"lines":      fmt.Sprintf("%d", lines),
	}, ctx.Err()
}

// delimitedTables groups consecutive lines that split into the same number
// (at least two) of pipe- or tab-separated cells
func delimitedTables(ctx context.Context, text string) ([]pipeline.Table, error) {
	var tables []pipeline.Table
	var current [][]string

	flush := func() {
		if len(current) >= 2 {
			tables = append(tables, pipeline.Table{Page: 1, Rows: current})
		}
		current = nil
	}

	for i, line := range strings.Split(text, "\n") {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		cells := splitRow(line)
		if cells == nil {
			flush()
			continue
		}
		if isSeparatorRow(cells) {
			continue
		}
		if len(current) > 0 && len(current[0]) != len(cells) {
			flush()
		}
		current = append(current, cells)
	}
	flush()

	return tables, nil
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	var sep string
	switch {
	case strings.Count(line, "|") >= 1:
		sep = "|"
		line = strings.TrimSuffix(strings.TrimPrefix(line, "|"), "|")
	case strings.Contains(line, "\t"):
		sep = "\t"
	default:
		return nil
	}

	parts := strings.Split(line, sep)
	if len(parts) < 2 {
		return nil
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// isSeparatorRow matches markdown header rules such as |---|:--:|
func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" || !strings.Contains(c, "-") {
			return false
		}
	}
	return true
}
