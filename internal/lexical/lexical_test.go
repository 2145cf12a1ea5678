package lexical

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		query       string
		title, desc string
		want        float64
		atLeast     float64
		below       float64
	}{
		{name: "empty query", query: "  ", title: "anything", desc: "", want: 0},
		{name: "substring in title", query: "memory leak", title: "Fix memory leak in parser", want: 1},
		{name: "substring in description", query: "flaky", title: "CI", desc: "Test is flaky on ARM", want: 1},
		{name: "case insensitive", query: "MEMORY Leak", title: "fix memory leak", want: 1},
		{name: "unrelated", query: "kubernetes", title: "Typo in README", desc: "docs", want: 0},
		{name: "all words out of order", query: "leak memory", title: "Fix memory leak", want: 1},
		{name: "half the words", query: "memory corruption", title: "Fix memory leak", atLeast: 0.3, below: 0.9},
		{name: "typo tolerance", query: "paser", title: "parser crash", atLeast: 0.1, below: 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Score(tt.query, tt.title, tt.desc)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
			if tt.below > 0 {
				assert.GreaterOrEqual(t, got, tt.atLeast)
				assert.Less(t, got, tt.below)
				return
			}
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestTokenizeDropsStopWords(t *testing.T) {
	assert.Equal(t, []string{"fix", "bug", "parser"}, tokenize("Fix the bug in (parser)."))
}

func TestIndex_Search(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()
	x.Upsert("1", "Fix memory leak", "The parser leaks memory on large files")
	x.Upsert("2", "Add docs", "Document the memory model")
	x.Upsert("3", "Improve CLI", "Add flags")
	assert.Equal(t, 3, x.Len())

	hits, err := x.Search(ctx, "memory leak", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "1", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
	for _, h := range hits {
		assert.NotEqual(t, "3", h.ID)
	}

	hits, err = x.Search(ctx, "memory", 1, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = x.Search(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_SearchStopWordsOnly(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()
	x.Upsert("1", "Update the docs", "")
	x.Upsert("2", "Fix typo", "Spelling error")
	x.Upsert("3", "Rework CI", "Move to the new runners")

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"stop word", "the", []string{"1", "3"}},
		{"case", "The", []string{"1", "3"}},
		{"phrase of stop words", "to the", []string{"3"}},
		{"punctuation", "!!", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := x.Search(ctx, tt.query, 10, 0)
			require.NoError(t, err)
			var got []string
			for _, h := range hits {
				got = append(got, h.ID)
				assert.InDelta(t, 1.0, h.Score, 1e-9)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndex_UpsertReplacesAndRemove(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()
	x.Upsert("1", "goroutine leak", "")
	x.Upsert("1", "typo fix", "")

	hits, err := x.Search(ctx, "goroutine", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = x.Search(ctx, "typo", 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	x.Remove("1")
	assert.Equal(t, 0, x.Len())
	hits, err = x.Search(ctx, "typo", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_SearchAgreesWithScore(t *testing.T) {
	ctx := context.Background()
	x := NewIndex()
	docs := map[string][2]string{}
	for i := 0; i < 50; i++ {
		title := fmt.Sprintf("issue %d about caching layer", i)
		desc := fmt.Sprintf("details for item %d", i)
		docs[fmt.Sprint(i)] = [2]string{title, desc}
		x.Upsert(fmt.Sprint(i), title, desc)
	}
	hits, err := x.Search(ctx, "cache layr", 100, 0)
	require.NoError(t, err)
	require.Len(t, hits, 50)
	for _, h := range hits {
		d := docs[h.ID]
		assert.InDelta(t, Score("cache layr", d[0], d[1]), h.Score, 1e-12)
	}
	// Equal scores fall back to id order.
	assert.Equal(t, "0", hits[0].ID)
}

func TestIndex_SearchCancelled(t *testing.T) {
	x := NewIndex()
	for i := 0; i < 2000; i++ {
		x.Upsert(fmt.Sprint(i), "shared words here", "")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := x.Search(ctx, "shared", 10, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
