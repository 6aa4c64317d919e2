package rag_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/domain/rag"
)

func TestExtractPlainTextPages(t *testing.T) {
	reg := rag.NewParserRegistry()
	out, err := reg.Extract(context.Background(), []byte("first page\fsecond page\f\ffourth"), "text/plain", "")
	require.NoError(t, err)

	require.Len(t, out.Pages, 3)
	assert.Equal(t, rag.Page{Number: 1, Text: "first page"}, out.Pages[0])
	assert.Equal(t, 2, out.Pages[1].Number)
	assert.Equal(t, 4, out.Pages[2].Number)
	assert.Equal(t, "text/plain", out.Metadata["mime_type"])
}

func TestExtractMarkdownByExtension(t *testing.T) {
	reg := rag.NewParserRegistry()
	src := "# Dosing Guide\n\nTake **two** tablets, see [label](http://x).\n"
	out, err := reg.Extract(context.Background(), []byte(src), "", "guide.md")
	require.NoError(t, err)

	require.Len(t, out.Pages, 1)
	assert.Equal(t, "Dosing Guide\n\nTake two tablets, see label.", out.Pages[0].Text)
	assert.Equal(t, "Dosing Guide", out.Metadata["title"])
}

func TestExtractSniffsContent(t *testing.T) {
	reg := rag.NewParserRegistry()
	out, err := reg.Extract(context.Background(), []byte("plain words without hints"), "", "")
	require.NoError(t, err)
	assert.Equal(t, "plain words without hints", out.Text())
}

func TestExtractErrors(t *testing.T) {
	reg := rag.NewParserRegistry()
	ctx := context.Background()

	_, err := reg.Extract(ctx, nil, "text/plain", "")
	assert.ErrorIs(t, err, rag.ErrEmptyDocument)

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")
	_, err = reg.Extract(ctx, png, "", "")
	assert.ErrorIs(t, err, rag.ErrUnsupportedFormat)

	_, err = reg.Extract(ctx, []byte("   \n\n  "), "text/plain", "")
	assert.ErrorIs(t, err, rag.ErrExtractionFailed)
}

func TestSupportedTypesListsBuiltins(t *testing.T) {
	types := rag.NewParserRegistry().SupportedTypes()
	for _, ext := range []string{".md", ".txt", ".pdf", ".docx"} {
		assert.Contains(t, types, ext)
	}
}
