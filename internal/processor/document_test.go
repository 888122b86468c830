package processor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-media-pipeline/pkg/pipeline"
)

func TestDocument_ShortTextHasNoSummary(t *testing.T) {
	sum := &countingSummarizer{}
	p := NewDocumentProcessor("short", Deps{Summarizer: sum})
	rec := pipeline.NewDocumentRecord("", nil)
	rec.Text = "A short note well under the threshold."

	result, err := p.Process(context.Background(), rec, pipeline.Options{Document: pipeline.DocumentOptions{ExtractText: true}})
	require.NoError(t, err)
	assert.Equal(t, rec.Text, result.Document.Text)
	assert.Empty(t, result.Document.Summary)
	assert.Zero(t, sum.count())
}

func TestDocument_LongTextIsSummarized(t *testing.T) {
	sum := &countingSummarizer{}
	p := NewDocumentProcessor("long", Deps{Summarizer: sum})
	text := strings.Repeat("The pipeline processes documents. ", 10)

	result, err := p.Process(context.Background(), pipeline.NewDocumentRecord("notes.txt", nil), pipeline.Options{
		Document: pipeline.DocumentOptions{ExtractText: true},
	})
	require.Error(t, err, "locator without fetcher is an input error")
	assert.Equal(t, pipeline.CodeInput, result.ErrorCode)

	p = NewDocumentProcessor("long-2", Deps{Summarizer: sum, Fetcher: fakeFetcher{"notes.txt": []byte(text)}})
	result, err = p.Process(context.Background(), pipeline.NewDocumentRecord("notes.txt", nil), pipeline.Options{
		Document: pipeline.DocumentOptions{ExtractText: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "text", result.Document.Format)
	assert.True(t, strings.HasPrefix(result.Document.Summary, "summary of"))
	assert.Equal(t, 1, sum.count())
}

func TestDocument_HTMLAllStages(t *testing.T) {
	html := `<html><head><title>Inventory</title></head><body>
<p>Stock levels</p><img src="a.png">
<table><tr><td>apples</td><td>3</td></tr></table></body></html>`

	p := NewDocumentProcessor("html", Deps{})
	rec := pipeline.NewDocumentRecord("", []byte(html))
	rec.Format = "html"

	result, err := p.Process(context.Background(), rec, pipeline.Options{Document: pipeline.DocumentOptions{
		ExtractText: true, ExtractImages: true, ExtractTables: true, IncludeMetadata: true,
	}})
	require.NoError(t, err)

	doc := result.Document
	assert.Equal(t, "html", doc.Format)
	assert.Contains(t, doc.Text, "Stock levels")
	assert.Empty(t, doc.Summary)
	require.Len(t, doc.Images, 1)
	require.Len(t, doc.Tables, 1)
	assert.Equal(t, "Inventory", doc.Metadata["title"])
}

func TestDocument_OnlyEnabledStagesWrite(t *testing.T) {
	p := NewDocumentProcessor("meta-only", Deps{})
	rec := pipeline.NewDocumentRecord("", []byte("a|b\n1|2\n"))
	rec.Format = "text"

	result, err := p.Process(context.Background(), rec, pipeline.Options{Document: pipeline.DocumentOptions{IncludeMetadata: true}})
	require.NoError(t, err)
	assert.Empty(t, result.Document.Text)
	assert.Nil(t, result.Document.Tables)
	assert.Nil(t, result.Document.Images)
	assert.Equal(t, "2", result.Document.Metadata["lines"])
}

func TestDocument_Errors(t *testing.T) {
	p := NewDocumentProcessor("empty", Deps{})
	result, err := p.Process(context.Background(), pipeline.NewDocumentRecord("", nil), pipeline.Options{})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeInput, result.ErrorCode)

	p = NewDocumentProcessor("binary", Deps{})
	result, err = p.Process(context.Background(), pipeline.NewDocumentRecord("", []byte{0x00, 0x01, 0x02, 0x03}), pipeline.Options{})
	require.Error(t, err)
	assert.Equal(t, pipeline.CodeDecode, result.ErrorCode)
}
