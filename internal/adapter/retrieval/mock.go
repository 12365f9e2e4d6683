package retrieval

import (
	"fmt"
	"hash/fnv"

	"github.com/citypulse-my/citypulse/internal/domain"
)

// mockChunks derives a small deterministic result set from a hash of the
// query. Served only when no backend is configured and the mock affordance
// is enabled; the source tag makes synthetic results unmistakable.
func mockChunks(query string, limit int) []domain.Chunk {
	h := fnv.New32a()
	_, _ = h.Write([]byte(query))
	seed := h.Sum32()

	n := 2 + int(seed%2)
	if n > limit {
		n = limit
	}
	out := make([]domain.Chunk, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Chunk{
			ID:      fmt.Sprintf("mock-%08x-%d", seed, i),
			Content: fmt.Sprintf("Mock passage %d for development. Derived from query hash %08x; no knowledge base is configured.", i+1, seed),
			Source:  "mock://development",
			Score:   clamp01(0.95 - 0.07*float64(i)),
		})
	}
	return out
}
