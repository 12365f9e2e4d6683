package retrieval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(_ domain.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}

type stubBlobs struct {
	objects map[string][]byte
}

func (s *stubBlobs) Put(_ domain.Context, key string, data []byte, _ string) error {
	s.objects[key] = data
	return nil
}
func (s *stubBlobs) Get(_ domain.Context, key string) ([]byte, error) { return s.objects[key], nil }
func (s *stubBlobs) List(_ domain.Context, prefix string) ([]string, error) {
	var keys []string
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func chunkDoc(t *testing.T, id, content string, emb []float32) []byte {
	t.Helper()
	raw, err := json.Marshal(domain.Chunk{ID: id, Content: content, Embedding: emb})
	require.NoError(t, err)
	return raw
}

func TestSearch_ManualPathScoresAndOrders(t *testing.T) {
	blobs := &stubBlobs{objects: map[string][]byte{
		"chunks/a.json": chunkDoc(t, "a", "aligned passage", []float32{1, 0, 0}),
		"chunks/b.json": chunkDoc(t, "b", "orthogonal passage", []float32{0, 1, 0}),
		"chunks/c.json": chunkDoc(t, "c", "close passage", []float32{0.9, 0.1, 0}),
		"chunks/bad":    []byte("not json"),
	}}
	c := New(Options{
		Embedder:    &stubEmbedder{vec: []float32{1, 0, 0}},
		Blobs:       blobs,
		ChunkPrefix: "chunks/",
	}, resilience.NewRegistry(resilience.DefaultRegistryConfig()))

	chunks, err := c.Search(context.Background(), "query", 5, 0.7)
	require.NoError(t, err)
	require.Len(t, chunks, 2, "orthogonal and malformed chunks are excluded")
	assert.Equal(t, "a", chunks[0].ID)
	assert.Equal(t, "c", chunks[1].ID)
	assert.GreaterOrEqual(t, chunks[0].Score, chunks[1].Score)
	assert.Nil(t, chunks[0].Embedding, "embeddings are stripped from results")
}

func TestSearch_MockOnlyWhenAllowed(t *testing.T) {
	fabric := resilience.NewRegistry(resilience.DefaultRegistryConfig())

	allowed := New(Options{AllowMock: true}, fabric)
	chunks, err := allowed.Search(context.Background(), "waste schedule", 5, 0.7)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Equal(t, "mock://development", chunks[0].Source)

	denied := New(Options{}, fabric)
	_, err = denied.Search(context.Background(), "waste schedule", 5, 0.7)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestMockChunks_Deterministic(t *testing.T) {
	a := mockChunks("same query", 5)
	b := mockChunks("same query", 5)
	assert.Equal(t, a, b)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{0, 1}))
	assert.Zero(t, Cosine([]float32{1, 2}, []float32{1, 2, 3}), "mismatched lengths")
	assert.Zero(t, Cosine(nil, nil))
	// Opposed vectors clamp to 0 rather than going negative.
	assert.Zero(t, Cosine([]float32{1, 0}, []float32{-1, 0}))
}
