package rag_test

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragweave/internal/domain/rag"
)

func sentences(n, words int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		for j := 0; j < words; j++ {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			fmt.Fprintf(&sb, "s%dw%d", i, j)
		}
		sb.WriteByte('.')
	}
	return sb.String()
}

func TestChunkerOverlapIsExact(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 10})
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: sentences(12, 4)}})
	require.Greater(t, len(chunks), 2)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, ch.TokenCount, 10)
		assert.Equal(t, ch.TokenCount, len(strings.Fields(ch.Text)))
	}
	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		assert.Equal(t, prev[len(prev)-2:], cur[:2], "chunk %d overlap", i)
	}
}

func TestChunkerPrefersSentenceBoundaries(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 10})
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: sentences(6, 4)}})
	require.NotEmpty(t, chunks)

	for _, ch := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(ch.Text, "."), "chunk %q should end at a sentence", ch.Text)
	}
}

func TestChunkerDoesNotSplitOnAbbreviations(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 6, OverlapTokens: 1, MaxTokens: 6})
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: "Patient saw Dr. Smith today and left. More text follows here now."}})
	require.NotEmpty(t, chunks)
	assert.False(t, strings.HasSuffix(chunks[0].Text, "Dr."))
	assert.Equal(t, "Patient saw Dr. Smith today and", chunks[0].Text)
}

func TestChunkerCustomProtectedAbbreviation(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{
		TargetTokens:           5,
		OverlapTokens:          1,
		ProtectedAbbreviations: []string{"Rx."},
	})
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: "Take the Rx. with water daily please."}})
	require.NotEmpty(t, chunks)
	assert.NotEqual(t, "Take the Rx.", chunks[0].Text)
}

func TestChunkerHardSplitWithoutBoundaries(t *testing.T) {
	words := make([]string, 25)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
	}
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 10})
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: strings.Join(words, " ")}})

	require.Len(t, chunks, 3)
	assert.Equal(t, 10, chunks[0].TokenCount)
	assert.Equal(t, "w8", strings.Fields(chunks[1].Text)[0])
	assert.Equal(t, "w24", strings.Fields(chunks[2].Text)[chunks[2].TokenCount-1])
}

func TestChunkerTracksPages(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 6, OverlapTokens: 1, MaxTokens: 6})
	chunks := c.Chunk([]rag.Page{
		{Number: 1, Text: "one two three four."},
		{Number: 3, Text: "five six seven eight."},
	})
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].PageStart)
	assert.Equal(t, 1, chunks[0].PageEnd)
	assert.Equal(t, 1, chunks[1].PageStart)
	assert.Equal(t, 3, chunks[1].PageEnd)
}

func TestChunkerEmptyInput(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{})
	assert.Empty(t, c.Chunk(nil))
	assert.Empty(t, c.Chunk([]rag.Page{{Number: 1, Text: "   \n\n  "}}))
	assert.Equal(t, 0, c.Overlap())
	assert.Equal(t, 256, c.MaxTokens())
}

func TestChunkerBoundsCJKText(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 10, OverlapTokens: 2, MaxTokens: 10})
	text := strings.Repeat("高血压患者应限制钠盐摄入。", 5)
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: text}})

	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 10)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 20)
		assert.NotContains(t, ch.Text, " ")
	}
	assert.True(t, strings.HasPrefix(chunks[0].Text, "高血压患者应限制钠盐"))
	assert.Equal(t, "摄入。", chunks[1].Text[len(chunks[1].Text)-len("摄入。"):])
}

func TestChunkerSplitsOverlongTokens(t *testing.T) {
	c := rag.NewChunker(rag.ChunkerConfig{TargetTokens: 4, OverlapTokens: 1, MaxTokens: 4, MaxTokenRunes: 8})
	long := strings.Repeat("x", 40)
	chunks := c.Chunk([]rag.Page{{Number: 1, Text: "see " + long + " now"}})

	require.NotEmpty(t, chunks)
	var total int
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.TokenCount, 4)
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Text), 4*8+3)
		total += ch.TokenCount
	}
	assert.Equal(t, "see "+long[:8], chunks[0].Text[:12])
	assert.Greater(t, total, 7)
}
