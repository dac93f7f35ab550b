// Package vectorstore implements the Vector Store Gateway (§4.4) against
// Weaviate, generalized from this codebase's two hardcoded memory/
// document classes into a generic named-collection operation set.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/memoryforge/memoryd/internal/model"
)

// Point is one (id, vector, payload) tuple as named by §4.4.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchHit is one scored result from Search.
type SearchHit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Filter is an equality predicate over a payload field, per §4.4
// ("equality predicates over payload fields").
type Filter struct {
	Field string
	Value string
}

// Gateway implements the Vector Store Gateway against Weaviate.
type Gateway struct {
	client *weaviate.Client
	dims   map[string]int
}

// New connects to the Weaviate instance at vectorURL.
func New(vectorURL string) (*Gateway, error) {
	cfg := weaviate.Config{Scheme: "http", Host: vectorURL}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("connecting to vector store: %w", err))
	}
	return &Gateway{client: client, dims: map[string]int{}}, nil
}

// Health checks the vector store's reachability, per §4.4's health op.
func (g *Gateway) Health(ctx context.Context) error {
	live, err := g.client.Misc().LiveChecker().Do(ctx)
	if err != nil || !live {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("vector store not live: %w", err))
	}
	return nil
}

// CreateCollection idempotently ensures a named collection with the
// given vector dimension and distance metric exists, mirroring this
// codebase's ensureMemoryClassExists/addStructuredFactFields idiom of
// checking the schema before creating or migrating it.
func (g *Gateway) CreateCollection(ctx context.Context, name string, dim int, distance string) error {
	exists, err := g.client.Schema().ClassExistenceChecker().WithClassName(name).Do(ctx)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, err)
	}
	if !exists {
		class := &models.Class{
			Class:      name,
			Vectorizer: "none",
			VectorIndexConfig: map[string]any{
				"distance": distance,
			},
		}
		if err := g.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("creating collection %s: %w", name, err))
		}
	}
	g.dims[name] = dim
	return nil
}

// UpsertPoints batch-writes points to a collection, caller-controlled
// batch size (the caller chunks before calling, the way
// StoreFactsDirectly chunks by config.BatchSize).
func (g *Gateway) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	objects := make([]*models.Object, 0, len(points))
	for _, p := range points {
		if dim, ok := g.dims[collection]; ok && dim > 0 && len(p.Vector) != dim {
			return model.Classifyf(model.ClassInvalidInput,
				"upsert_points: vector dimension %d does not match collection %s dimension %d", len(p.Vector), collection, dim)
		}
		objects = append(objects, &models.Object{
			Class:      collection,
			ID:         mustStrfmtUUID(p.ID),
			Vector:     p.Vector,
			Properties: p.Payload,
		})
	}

	resp, err := g.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("batch upsert: %w", err))
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("object %s failed: %v", r.ID, r.Result.Errors.Error))
		}
	}
	return nil
}

// Search runs a NearVector query, sorted by descending similarity, with
// an optional score threshold and equality filters over payload fields.
func (g *Gateway) Search(ctx context.Context, collection string, queryVector []float32, limit int, scoreThreshold *float64, filter []Filter) ([]SearchHit, error) {
	if dim, ok := g.dims[collection]; ok && dim > 0 && len(queryVector) != dim {
		return nil, model.Classifyf(model.ClassInvalidInput,
			"search: query dimension %d does not match collection %s dimension %d", len(queryVector), collection, dim)
	}

	nearVector := g.client.GraphQL().NearVectorArgBuilder().WithVector(queryVector)
	if scoreThreshold != nil {
		nearVector = nearVector.WithDistance(float32(1 - *scoreThreshold))
	}

	query := g.client.GraphQL().Get().
		WithClassName(collection).
		WithNearVector(nearVector).
		WithLimit(limit).
		WithFields(
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "distance"}}},
		)

	if where := buildEqualityFilter(filter); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("vector search: %w", err))
	}
	if len(result.Errors) > 0 {
		return nil, model.Classify(model.ClassUpstreamTransient, fmt.Errorf("vector search returned errors: %v", result.Errors))
	}
	return parseSearchHits(result, collection)
}

func buildEqualityFilter(filter []Filter) *filters.WhereBuilder {
	if len(filter) == 0 {
		return nil
	}
	// A flat AND of text-equality predicates over payload fields such as
	// the scope keys and topic; no other boolean operators are built.
	where := filters.Where().
		WithPath([]string{filter[0].Field}).
		WithOperator(filters.Equal).
		WithValueText(filter[0].Value)
	for _, f := range filter[1:] {
		next := filters.Where().
			WithPath([]string{f.Field}).
			WithOperator(filters.Equal).
			WithValueText(f.Value)
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{where, next})
	}
	return where
}

// GetPoint fetches one point by id.
func (g *Gateway) GetPoint(ctx context.Context, collection, id string) (*Point, error) {
	obj, err := g.client.Data().ObjectsGetter().WithClassName(collection).WithID(id).Do(ctx)
	if err != nil {
		return nil, model.Classify(model.ClassUpstreamTransient, err)
	}
	if len(obj) == 0 {
		return nil, model.Classifyf(model.ClassInvalidInput, "point %s not found in %s", id, collection)
	}
	props, _ := obj[0].Properties.(map[string]any)
	return &Point{ID: id, Vector: obj[0].Vector, Payload: props}, nil
}

// DeletePoints removes points by id.
func (g *Gateway) DeletePoints(ctx context.Context, collection string, ids []string) error {
	for _, id := range ids {
		if err := g.client.Data().Deleter().WithClassName(collection).WithID(id).Do(ctx); err != nil {
			return model.Classify(model.ClassUpstreamTransient, fmt.Errorf("deleting point %s: %w", id, err))
		}
	}
	return nil
}

// Count returns the number of live objects in a collection.
func (g *Gateway) Count(ctx context.Context, collection string) (int, error) {
	result, err := g.client.GraphQL().Aggregate().
		WithClassName(collection).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, model.Classify(model.ClassUpstreamTransient, err)
	}
	return extractAggregateCount(result, collection)
}
