package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// QdrantClient is a minimal Qdrant HTTP client used as the managed retrieval
// backend: one call returns scored passages directly.
type QdrantClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewQdrantClient constructs a Qdrant client with baseURL and optional apiKey.
func NewQdrantClient(baseURL, apiKey string) *QdrantClient {
	return &QdrantClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// qdrantHit is one scored point returned by a search.
type qdrantHit struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Search returns top-k nearest points for a given vector.
func (c *QdrantClient) Search(ctx context.Context, collection string, vector []float32, topK int) ([]qdrantHit, error) {
	body := map[string]any{"vector": vector, "limit": topK, "with_payload": true}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, collection), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qdrant search status %d", resp.StatusCode)
	}
	var out struct {
		Result []qdrantHit `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// qdrantPoint is one point of an upsert batch.
type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// EnsureCollection creates the collection if it does not exist. An existing
// collection with a different vector size is left alone; the mismatch will
// surface on the first upsert.
func (c *QdrantClient) EnsureCollection(ctx context.Context, collection string, dim int) error {
	body := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s", c.baseURL, collection), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	// 409 means the collection already exists.
	if resp.StatusCode != http.StatusConflict && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return fmt.Errorf("qdrant create collection status %d", resp.StatusCode)
	}
	return nil
}

// Upsert writes a batch of points from parallel slices. Point ids must be
// UUIDs; re-upserting the same id overwrites the point.
func (c *QdrantClient) Upsert(ctx context.Context, collection string, vectors [][]float32, payloads []map[string]any, ids []string) error {
	if len(vectors) == 0 {
		return nil
	}
	if len(payloads) != len(vectors) || len(ids) != len(vectors) {
		return fmt.Errorf("qdrant upsert: mismatched batch lengths")
	}
	points := make([]qdrantPoint, len(vectors))
	for i := range vectors {
		points[i] = qdrantPoint{ID: ids[i], Vector: vectors[i], Payload: payloads[i]}
	}
	b, _ := json.Marshal(map[string]any{"points": points})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPut, fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection), bytes.NewReader(b))
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("qdrant upsert status %d", resp.StatusCode)
	}
	return nil
}

// Health checks the Qdrant readiness endpoint.
func (c *QdrantClient) Health(ctx context.Context) error {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qdrant health status %d", resp.StatusCode)
	}
	return nil
}

func (c *QdrantClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}
