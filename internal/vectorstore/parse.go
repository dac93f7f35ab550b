package vectorstore

import (
	"fmt"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

func mustStrfmtUUID(id string) strfmt.UUID {
	return strfmt.UUID(id)
}

// parseSearchHits walks the Get{ <collection> { _additional { id distance } } }
// shape returned by the GraphQL client, mirroring this codebase's own
// manual walk of graphql.GraphQLResponse.Data.
func parseSearchHits(resp *graphql.GraphQLResponse, collection string) ([]SearchHit, error) {
	data, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected GraphQL response shape: missing Get")
	}
	rawHits, ok := data[collection].([]any)
	if !ok {
		return nil, nil
	}

	hits := make([]SearchHit, 0, len(rawHits))
	for _, raw := range rawHits {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		additional, _ := obj["_additional"].(map[string]any)
		id, _ := additional["id"].(string)
		distance, _ := additional["distance"].(float64)

		payload := make(map[string]any, len(obj))
		for k, v := range obj {
			if k != "_additional" {
				payload[k] = v
			}
		}
		hits = append(hits, SearchHit{ID: id, Score: 1 - distance, Payload: payload})
	}
	return hits, nil
}

func extractAggregateCount(resp *graphql.GraphQLResponse, collection string) (int, error) {
	data, ok := resp.Data["Aggregate"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unexpected aggregate response shape")
	}
	entries, ok := data[collection].([]any)
	if !ok || len(entries) == 0 {
		return 0, nil
	}
	entry, _ := entries[0].(map[string]any)
	meta, _ := entry["meta"].(map[string]any)
	count, _ := meta["count"].(float64)
	return int(count), nil
}
