package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

func TestParseSearchHits(t *testing.T) {
	resp := &graphql.GraphQLResponse{
		Data: map[string]any{
			"Get": map[string]any{
				"memories": []any{
					map[string]any{
						"_additional": map[string]any{"id": "id-1", "distance": 0.2},
						"fact":        "likes tea",
					},
					map[string]any{
						"_additional": map[string]any{"id": "id-2", "distance": 0.5},
						"fact":        "likes coffee",
					},
				},
			},
		},
	}

	hits, err := parseSearchHits(resp, "memories")
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "id-1", hits[0].ID)
	assert.InDelta(t, 0.8, hits[0].Score, 0.0001)
	assert.Equal(t, "likes tea", hits[0].Payload["fact"])
	assert.NotContains(t, hits[0].Payload, "_additional")
}

func TestParseSearchHitsMissingCollectionReturnsNil(t *testing.T) {
	resp := &graphql.GraphQLResponse{Data: map[string]any{"Get": map[string]any{}}}
	hits, err := parseSearchHits(resp, "memories")
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestParseSearchHitsUnexpectedShapeErrors(t *testing.T) {
	resp := &graphql.GraphQLResponse{Data: map[string]any{}}
	_, err := parseSearchHits(resp, "memories")
	assert.Error(t, err)
}

func TestExtractAggregateCount(t *testing.T) {
	resp := &graphql.GraphQLResponse{
		Data: map[string]any{
			"Aggregate": map[string]any{
				"memories": []any{
					map[string]any{"meta": map[string]any{"count": float64(42)}},
				},
			},
		},
	}
	count, err := extractAggregateCount(resp, "memories")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
}

func TestExtractAggregateCountEmptyIsZero(t *testing.T) {
	resp := &graphql.GraphQLResponse{Data: map[string]any{"Aggregate": map[string]any{"memories": []any{}}}}
	count, err := extractAggregateCount(resp, "memories")
	require.NoError(t, err)
	assert.Zero(t, count)
}
