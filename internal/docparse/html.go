package docparse

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

type htmlDocument struct {
	doc *goquery.Document
	// text is computed once at open, after script and style nodes are removed
	text string
}

func openHTML(data []byte) (*htmlDocument, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	// selections are read-only after this point
	doc.Find("script, style, noscript, template").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	return &htmlDocument{doc: doc, text: collapseSpace(blockText(root))}, nil
}

func (d *htmlDocument) Format() Format { return FormatHTML }
func (d *htmlDocument) PageCount() int { return 1 }

func (d *htmlDocument) Text(ctx context.Context, _ *pipeline.PageRange) (string, error) {
	return d.text, ctx.Err()
}

func (d *htmlDocument) Images(ctx context.Context, _ *pipeline.PageRange) ([]pipeline.ExtractedImage, error) {
	var images []pipeline.ExtractedImage
	d.doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		img := pipeline.ExtractedImage{Page: 1, Source: strings.TrimSpace(src)}
		if w, ok := s.Attr("width"); ok {
			img.Width, _ = strconv.Atoi(w)
		}
		if h, ok := s.Attr("height"); ok {
			img.Height, _ = strconv.Atoi(h)
		}
		images = append(images, img)
	})
	return images, ctx.Err()
}

func (d *htmlDocument) Tables(ctx context.Context, _ *pipeline.PageRange) ([]pipeline.Table, error) {
	var tables []pipeline.Table
	d.doc.Find("table").Each(func(_ int, t *goquery.Selection) {
		var rows [][]string
		t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			// skip rows that belong to a nested table
			if tr.Closest("table").Get(0) != t.Get(0) {
				return
			}
			var cells []string
			tr.ChildrenFiltered("th, td").Each(func(_ int, c *goquery.Selection) {
				cells = append(cells, collapseSpace(c.Text()))
			})
			if len(cells) > 0 {
				rows = append(rows, cells)
			}
		})
		if len(rows) > 0 {
			tables = append(tables, pipeline.Table{Page: 1, Rows: rows})
		}
	})
	return tables, ctx.Err()
}

func (d *htmlDocument) Metadata(ctx context.Context) (map[string]string, error) {
	meta := make(map[string]string)

	if title := collapseSpace(d.doc.Find("title").First().Text()); title != "" {
		meta["title"] = title
	}
	if lang, ok := d.doc.Find("html").Attr("lang"); ok && lang != "" {
		meta["language"] = lang
	}

	d.doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || content == "" {
			return
		}
		key, _ := s.Attr("name")
		if key == "" {
			key, _ = s.Attr("property")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		if _, exists := meta[key]; !exists {
			meta[key] = strings.TrimSpace(content)
		}
	})

	return meta, ctx.Err()
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "header": true, "footer": true, "td": true, "th": true,
}

// blockText concatenates text nodes, separating block elements with spaces
// so adjacent paragraphs do not run together
func blockText(s *goquery.Selection) string {
	var b strings.Builder
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		if goquery.NodeName(c) == "#text" {
			b.WriteString(c.Text())
			return
		}
		inner := blockText(c)
		if blockTags[goquery.NodeName(c)] {
			b.WriteString(" ")
			b.WriteString(inner)
			b.WriteString(" ")
			return
		}
		b.WriteString(inner)
	})
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
