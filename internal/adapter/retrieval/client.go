// Package retrieval implements the retrieval client over two backends: a
// managed Qdrant search and a manual path that embeds the query and scores
// pre-embedded chunk documents from the blob store. When neither backend is
// configured a deterministic mock set can be served in non-prod environments.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

// Client implements domain.Retriever.
type Client struct {
	qdrant      *QdrantClient
	collection  string
	embedder    domain.Embedder
	blobs       domain.BlobStore
	chunkPrefix string
	allowMock   bool
	fabric      *resilience.Registry
}

// Options configures the retrieval client. Qdrant is preferred when set;
// Embedder+Blobs enable the manual path; AllowMock gates the development
// affordance.
type Options struct {
	Qdrant      *QdrantClient
	Collection  string
	Embedder    domain.Embedder
	Blobs       domain.BlobStore
	ChunkPrefix string
	AllowMock   bool
}

// New constructs the retrieval client.
func New(opts Options, fabric *resilience.Registry) *Client {
	return &Client{
		qdrant:      opts.Qdrant,
		collection:  opts.Collection,
		embedder:    opts.Embedder,
		blobs:       opts.Blobs,
		chunkPrefix: opts.ChunkPrefix,
		allowMock:   opts.AllowMock,
		fabric:      fabric,
	}
}

// Search returns up to limit chunks scoring at or above threshold, ordered
// by score descending.
func (c *Client) Search(ctx domain.Context, query string, limit int, threshold float64) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = 5
	}
	switch {
	case c.qdrant != nil:
		return c.searchManaged(ctx, query, limit, threshold)
	case c.embedder != nil && c.blobs != nil:
		return c.searchManual(ctx, query, limit, threshold)
	case c.allowMock:
		slog.Warn("no retrieval backend configured, serving mock results", slog.String("query", query))
		return mockChunks(query, limit), nil
	default:
		return nil, fmt.Errorf("op=retrieval.search: no backend configured: %w", domain.ErrUnavailable)
	}
}

// searchManaged embeds the query and delegates scoring to Qdrant.
func (c *Client) searchManaged(ctx context.Context, query string, limit int, threshold float64) ([]domain.Chunk, error) {
	vecs, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.embed_query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("op=retrieval.embed_query: empty embedding: %w", domain.ErrInternal)
	}

	breaker := c.fabric.Breaker(resilience.ServiceKV)
	policy := c.fabric.Policy(resilience.ServiceKV)
	res, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var hits []qdrantHit
		err := policy.Do(ctx, func() error {
			var err error
			hits, err = c.qdrant.Search(ctx, c.collection, vecs[0], limit)
			return err
		})
		return hits, err
	})
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.managed: %w", err)
	}
	hits, _ := res.([]qdrantHit)

	out := make([]domain.Chunk, 0, len(hits))
	for _, h := range hits {
		score := clamp01(h.Score)
		if score < threshold {
			continue
		}
		chunk := domain.Chunk{Score: score}
		if id, ok := h.ID.(string); ok {
			chunk.ID = id
		} else {
			chunk.ID = fmt.Sprintf("%v", h.ID)
		}
		if v, ok := h.Payload["content"].(string); ok {
			chunk.Content = v
		}
		if v, ok := h.Payload["source"].(string); ok {
			chunk.Source = v
		}
		if chunk.Content == "" {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}

// searchManual embeds the query, loads every chunk document under the blob
// prefix, and scores them locally. Missing or malformed chunks are skipped.
func (c *Client) searchManual(ctx context.Context, query string, limit int, threshold float64) ([]domain.Chunk, error) {
	vecs, err := c.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.embed_query: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("op=retrieval.embed_query: empty embedding: %w", domain.ErrInternal)
	}
	qvec := vecs[0]

	keys, err := c.blobs.List(ctx, c.chunkPrefix)
	if err != nil {
		return nil, fmt.Errorf("op=retrieval.list_chunks: %w", err)
	}

	var scored []domain.Chunk
	for _, key := range keys {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw, err := c.blobs.Get(ctx, key)
		if err != nil {
			slog.Debug("skipping unreadable chunk", slog.String("key", key), slog.Any("error", err))
			continue
		}
		var chunk domain.Chunk
		if err := json.Unmarshal(raw, &chunk); err != nil || chunk.Content == "" || len(chunk.Embedding) == 0 {
			slog.Debug("skipping malformed chunk", slog.String("key", key))
			continue
		}
		if chunk.ID == "" {
			chunk.ID = strings.TrimPrefix(key, c.chunkPrefix)
		}
		chunk.Score = Cosine(qvec, chunk.Embedding)
		if chunk.Score < threshold {
			continue
		}
		chunk.Embedding = nil
		scored = append(scored, chunk)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
