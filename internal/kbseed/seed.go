// Package kbseed ingests knowledge-base documents from YAML files into the
// retrieval backend. Each passage is embedded and written either as a Qdrant
// point or, when Qdrant is not configured, as a pre-embedded chunk document
// in the blob store for the manual scoring path.
//
// Ids are derived deterministically from source and passage text, so
// re-running a seed overwrites instead of duplicating.
package kbseed

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/citypulse-my/citypulse/internal/adapter/retrieval"
	"github.com/citypulse-my/citypulse/internal/domain"
)

const embedBatch = 16

// idNamespace scopes the deterministic point ids to this application.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("citypulse-kb"))

type seedYAML struct {
	Documents []seedDocument `yaml:"documents"`
	// Passages is the short form: a flat list attributed to the file name.
	Passages []string `yaml:"passages"`
}

type seedDocument struct {
	Source   string   `yaml:"source"`
	Passages []string `yaml:"passages"`
}

// Seeder writes embedded passages into the configured retrieval backend.
type Seeder struct {
	embedder   domain.Embedder
	qdrant     *retrieval.QdrantClient
	collection string
	blobs      domain.BlobStore
	prefix     string
}

// New constructs a Seeder. qdrant may be nil, in which case chunk documents
// go to the blob store under prefix.
func New(embedder domain.Embedder, qdrant *retrieval.QdrantClient, collection string, blobs domain.BlobStore, prefix string) *Seeder {
	return &Seeder{
		embedder:   embedder,
		qdrant:     qdrant,
		collection: collection,
		blobs:      blobs,
		prefix:     prefix,
	}
}

// SeedFile ingests one YAML seed file. Paths outside the working directory
// are refused unless KBSEED_ALLOW_ABSPATHS=1.
func (s *Seeder) SeedFile(ctx domain.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("op=kbseed.path: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("op=kbseed.path: %w", err)
	}
	abs, wd = filepath.Clean(abs), filepath.Clean(wd)
	if os.Getenv("KBSEED_ALLOW_ABSPATHS") != "1" {
		if !strings.HasPrefix(abs, wd+string(os.PathSeparator)) && abs != wd {
			return fmt.Errorf("op=kbseed.path: disallowed path %s: %w", abs, domain.ErrInvalidArgument)
		}
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("op=kbseed.read: seed file not found %s: %w", path, domain.ErrNotFound)
		}
		return fmt.Errorf("op=kbseed.read: %w", err)
	}

	docs, err := parseSeed(raw, strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs)))
	if err != nil {
		return fmt.Errorf("op=kbseed.parse %s: %w", path, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("op=kbseed.parse %s: no passages: %w", path, domain.ErrInvalidArgument)
	}
	return s.ingest(ctx, docs)
}

// parseSeed accepts the documents form, the flat passages form, and a bare
// list of strings. defaultSource attributes passages with no document.
func parseSeed(raw []byte, defaultSource string) ([]seedDocument, error) {
	var doc seedYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		var flat []string
		if err2 := yaml.Unmarshal(raw, &flat); err2 != nil {
			return nil, err
		}
		doc.Passages = flat
	}

	var out []seedDocument
	for _, d := range doc.Documents {
		d.Passages = trimNonEmpty(d.Passages)
		if d.Source == "" {
			d.Source = defaultSource
		}
		if len(d.Passages) > 0 {
			out = append(out, d)
		}
	}
	if flat := trimNonEmpty(doc.Passages); len(flat) > 0 {
		out = append(out, seedDocument{Source: defaultSource, Passages: flat})
	}
	return out, nil
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// passage is one embeddable unit with its source attribution.
type passage struct {
	text   string
	source string
}

// pointID derives the deterministic UUID for a passage.
func pointID(p passage) string {
	return uuid.NewSHA1(idNamespace, []byte(p.source+"\x00"+p.text)).String()
}

func (s *Seeder) ingest(ctx domain.Context, docs []seedDocument) error {
	var all []passage
	for _, d := range docs {
		for _, p := range d.Passages {
			all = append(all, passage{text: p, source: d.Source})
		}
	}

	for i := 0; i < len(all); i += embedBatch {
		end := i + embedBatch
		if end > len(all) {
			end = len(all)
		}
		batch := all[i:end]

		texts := make([]string, len(batch))
		for j, p := range batch {
			texts[j] = p.text
		}
		vecs, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("op=kbseed.embed: %w", err)
		}
		if len(vecs) != len(batch) {
			return fmt.Errorf("op=kbseed.embed: got %d vectors for %d texts: %w", len(vecs), len(batch), domain.ErrInternal)
		}
		if err := s.write(ctx, batch, vecs); err != nil {
			return err
		}
	}
	return nil
}

// write stores one embedded batch in whichever backend is configured.
func (s *Seeder) write(ctx domain.Context, batch []passage, vecs [][]float32) error {
	if s.qdrant != nil {
		payloads := make([]map[string]any, len(batch))
		ids := make([]string, len(batch))
		for j, p := range batch {
			payloads[j] = map[string]any{"content": p.text, "source": p.source}
			ids[j] = pointID(p)
		}
		if err := s.qdrant.Upsert(ctx, s.collection, vecs, payloads, ids); err != nil {
			return fmt.Errorf("op=kbseed.upsert: %w", err)
		}
		return nil
	}
	if s.blobs == nil {
		return fmt.Errorf("op=kbseed.write: no backend configured: %w", domain.ErrUnavailable)
	}
	for j, p := range batch {
		id := pointID(p)
		chunk := domain.Chunk{
			ID:        id,
			Content:   p.text,
			Source:    p.source,
			Embedding: vecs[j],
		}
		raw, err := json.Marshal(chunk)
		if err != nil {
			return fmt.Errorf("op=kbseed.marshal: %w", err)
		}
		if err := s.blobs.Put(ctx, s.prefix+id+".json", raw, "application/json"); err != nil {
			return fmt.Errorf("op=kbseed.put: %w", err)
		}
	}
	return nil
}

// EnsureCollection creates the Qdrant collection sized to the embedder's
// output. Call once before the first seed; a no-op without Qdrant.
func (s *Seeder) EnsureCollection(ctx domain.Context) error {
	if s.qdrant == nil {
		return nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{"dimension probe"})
	if err != nil {
		return fmt.Errorf("op=kbseed.probe: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return fmt.Errorf("op=kbseed.probe: empty embedding: %w", domain.ErrInternal)
	}
	if err := s.qdrant.EnsureCollection(ctx, s.collection, len(vecs[0])); err != nil {
		return fmt.Errorf("op=kbseed.ensure_collection: %w", err)
	}
	return nil
}
