package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
)

const testManifest = `
tools:
  - name: city_events
    description: Look up upcoming municipal events.
    endpoint: %s
    input_schema:
      type: object
      properties:
        area: { type: string }
      required: [area]
      additionalProperties: false
    output_schema:
      type: object
      properties:
        events: { type: array }
      required: [events]
`

type fakeModel struct {
	text string
	err  error
}

func (f *fakeModel) Generate(_ domain.Context, _ domain.GenerateRequest) (domain.Completion, error) {
	if f.err != nil {
		return domain.Completion{}, f.err
	}
	return domain.Completion{Text: f.text}, nil
}

func newTestInvoker(t *testing.T, endpoint string, model domain.ModelClient) *Invoker {
	t.Helper()
	reg, err := ParseRegistry([]byte(fmt.Sprintf(testManifest, endpoint)))
	require.NoError(t, err)
	fabric := resilience.NewRegistry(resilience.DefaultRegistryConfig())
	return NewInvoker(reg, &http.Client{}, fabric, model)
}

func TestRegistry_ParseAndNames(t *testing.T) {
	reg, err := ParseRegistry([]byte(fmt.Sprintf(testManifest, "http://example.test/tool")))
	require.NoError(t, err)
	assert.Equal(t, []string{"city_events"}, reg.Names())

	_, ok := reg.Get("city_events")
	assert.True(t, ok)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	dup := `
tools:
  - name: a
    endpoint: http://example.test
  - name: a
    endpoint: http://example.test
`
	_, err := ParseRegistry([]byte(dup))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool")
}

func TestInvoke_ValidCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"events":[{"title":"Pasar Malam","date":"2026-08-30"}]}`))
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv.URL, nil)
	out, err := inv.Invoke(context.Background(), "city_events", map[string]any{"area": "Ampang"})
	require.NoError(t, err)
	assert.Contains(t, out, "events")
}

func TestInvoke_InputSchemaViolation(t *testing.T) {
	inv := newTestInvoker(t, "http://unreachable.test", nil)

	_, err := inv.Invoke(context.Background(), "city_events", map[string]any{"bogus": true})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestInvoke_UnknownTool(t *testing.T) {
	inv := newTestInvoker(t, "http://unreachable.test", nil)

	_, err := inv.Invoke(context.Background(), "no_such_tool", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInvoke_OutputSchemaViolation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"wrong":"shape"}`))
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv.URL, nil)
	_, err := inv.Invoke(context.Background(), "city_events", map[string]any{"area": "Ampang"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestInvoke_ClientErrorNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv.URL, nil)
	_, err := inv.Invoke(context.Background(), "city_events", map[string]any{"area": "Ampang"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, 1, calls)
}

func TestIdentify_ParsesAndFiltersNames(t *testing.T) {
	model := &fakeModel{text: "```json\n[\"city_events\", \"made_up_tool\"]\n```"}
	inv := newTestInvoker(t, "http://example.test", model)

	names, err := inv.Identify(context.Background(), "what events are on in Ampang this weekend?")
	require.NoError(t, err)
	assert.Equal(t, []string{"city_events"}, names)
}

func TestIdentify_MalformedAnswerYieldsEmpty(t *testing.T) {
	model := &fakeModel{text: "I think you should use city_events."}
	inv := newTestInvoker(t, "http://example.test", model)

	names, err := inv.Identify(context.Background(), "hello")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestParseNameArray(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, parseNameArray(`["a","b"]`))
	assert.Equal(t, []string{"a"}, parseNameArray("Sure: [\"a\"] works"))
	assert.Nil(t, parseNameArray("no array here"))
	assert.Empty(t, parseNameArray("[]"))
}
