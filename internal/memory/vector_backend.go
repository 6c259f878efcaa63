package memory

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/agentcore/internal/errs"
)

// Embedder turns text into a fixed-size vector. The real embedding
// service is an external collaborator (spec §1); NaiveEmbedder below is a
// deterministic, dependency-free stand-in for tests and single-instance/
// dev deployments that don't run one.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const vectorDim = 64

// NaiveEmbedder hashes text into a unit vector. It captures no semantics;
// it exists so the vector backend is exercisable without a real embedding
// provider configured.
type NaiveEmbedder struct{}

func (NaiveEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, vectorDim)
	var norm float64
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)]) - 128
		norm += float64(vec[i]) * float64(vec[i])
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		norm = 1
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// vectorStore is the narrow subset of the teacher's databases.DatabaseProvider
// this backend needs, satisfied by both the Qdrant and chromem-go clients.
type vectorStore interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]vectorResult, error)
	Delete(ctx context.Context, collection, id string) error
	Get(ctx context.Context, collection, id string) (map[string]any, error)
	Close() error
}

type vectorResult struct {
	ID       string
	Score    float32
	Metadata map[string]any
}

const memoryCollection = "agentcore_memory"

// VectorBackend is the embedded domain-stack alternative to HTTPBackend,
// grounded on the teacher's pkg/memory/vector_memory.go + pkg/databases
// registry, scoped by user_fingerprint the way VectorMemoryStrategy scopes
// by agentID+sessionID.
type VectorBackend struct {
	store    vectorStore
	embedder Embedder
}

func NewVectorBackend(store vectorStore, embedder Embedder) *VectorBackend {
	if embedder == nil {
		embedder = NaiveEmbedder{}
	}
	return &VectorBackend{store: store, embedder: embedder}
}

func (b *VectorBackend) Add(ctx context.Context, userFP string, turns []Turn) error {
	for _, t := range turns {
		vec, err := b.embedder.Embed(ctx, t.Content)
		if err != nil {
			return fmt.Errorf("memory: embed turn: %w", err)
		}
		id := uuid.NewString()
		meta := map[string]any{
			"user_fingerprint": userFP,
			"role":             t.Role,
			"content":          t.Content,
			"created_at":       time.Now().UTC().Format(time.RFC3339),
		}
		if err := b.store.Upsert(ctx, memoryCollection, id, vec, meta); err != nil {
			return fmt.Errorf("memory: upsert: %w", err)
		}
	}
	return nil
}

func (b *VectorBackend) Search(ctx context.Context, userFP, query string, k int, _ bool) ([]Hit, error) {
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}
	results, err := b.store.SearchWithFilter(ctx, memoryCollection, vec, k, map[string]any{"user_fingerprint": userFP})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		content, _ := r.Metadata["content"].(string)
		hits = append(hits, Hit{ID: r.ID, Content: content, Score: float64(r.Score), Metadata: r.Metadata})
	}
	return hits, nil
}

func (b *VectorBackend) Get(ctx context.Context, id string) (*Record, error) {
	meta, err := b.store.Get(ctx, memoryCollection, id)
	if err != nil {
		return nil, errs.New(errs.NotFound, "ERR_MEMORY_NOT_FOUND", "memory record not found")
	}
	fp, _ := meta["user_fingerprint"].(string)
	content, _ := meta["content"].(string)
	return &Record{ID: id, UserFingerprint: fp, Content: content, Metadata: meta}, nil
}

func (b *VectorBackend) Delete(ctx context.Context, id string) error {
	return b.store.Delete(ctx, memoryCollection, id)
}

// qdrantVectorStore adapts *qdrant.Client to vectorStore.
type qdrantVectorStore struct {
	client *qdrant.Client
}

func NewQdrantVectorStore(client *qdrant.Client) vectorStore {
	return &qdrantVectorStore{client: client}
}

func (s *qdrantVectorStore) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return fmt.Errorf("qdrant: convert metadata %s: %w", k, err)
		}
		payload[k] = val
	}
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(id),
			Vectors: qdrant.NewVectors(vector...),
			Payload: payload,
		}},
	})
	return err
}

func (s *qdrantVectorStore) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]vectorResult, error) {
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			s, _ := v.(string)
			conditions = append(conditions, &qdrant.Condition{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   k,
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: s}},
					},
				},
			})
		}
		req.Filter = &qdrant.Filter{Must: conditions}
	}

	points, err := s.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make([]vectorResult, 0, len(points.Result))
	for _, p := range points.Result {
		meta := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			meta[k] = v.GetStringValue()
		}
		var id string
		if p.Id != nil {
			id = p.Id.GetUuid()
			if id == "" {
				id = fmt.Sprintf("%d", p.Id.GetNum())
			}
		}
		out = append(out, vectorResult{ID: id, Score: p.Score, Metadata: meta})
	}
	return out, nil
}

func (s *qdrantVectorStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil || len(points) == 0 {
		return nil, fmt.Errorf("qdrant: point %s not found", id)
	}
	meta := make(map[string]any, len(points[0].Payload))
	for k, v := range points[0].Payload {
		meta[k] = v.GetStringValue()
	}
	return meta, nil
}

func (s *qdrantVectorStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(id)),
	})
	return err
}

func (s *qdrantVectorStore) Close() error { return s.client.Close() }

// chromemVectorStore adapts philippgille/chromem-go to vectorStore, for
// single-instance/dev deployments and tests that shouldn't need a live
// Qdrant instance.
type chromemVectorStore struct {
	db *chromem.DB
}

func NewChromemVectorStore() vectorStore {
	return &chromemVectorStore{db: chromem.NewDB()}
}

func (s *chromemVectorStore) collection(name string) (*chromem.Collection, error) {
	return s.db.GetOrCreateCollection(name, nil, nil)
}

func (s *chromemVectorStore) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	coll, err := s.collection(collection)
	if err != nil {
		return err
	}
	strMeta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMeta[k] = fmt.Sprintf("%v", v)
	}
	return coll.AddDocument(ctx, chromem.Document{ID: id, Embedding: vector, Metadata: strMeta})
}

func (s *chromemVectorStore) SearchWithFilter(ctx context.Context, collection string, vector []float32, topK int, filter map[string]any) ([]vectorResult, error) {
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	n := coll.Count()
	if n == 0 {
		return nil, nil
	}
	if topK > n {
		topK = n
	}
	strFilter := make(map[string]string, len(filter))
	for k, v := range filter {
		strFilter[k] = fmt.Sprintf("%v", v)
	}
	results, err := coll.QueryEmbedding(ctx, vector, topK, strFilter, nil)
	if err != nil {
		return nil, err
	}
	out := make([]vectorResult, 0, len(results))
	for _, r := range results {
		meta := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		out = append(out, vectorResult{ID: r.ID, Score: r.Similarity, Metadata: meta})
	}
	return out, nil
}

func (s *chromemVectorStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	coll, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	doc, err := coll.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	return meta, nil
}

func (s *chromemVectorStore) Delete(ctx context.Context, collection, id string) error {
	coll, err := s.collection(collection)
	if err != nil {
		return err
	}
	return coll.Delete(ctx, nil, nil, id)
}

func (s *chromemVectorStore) Close() error { return nil }
