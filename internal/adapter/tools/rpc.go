package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/citypulse-my/citypulse/internal/adapter/observability"
	"github.com/citypulse-my/citypulse/internal/domain"
	"github.com/citypulse-my/citypulse/internal/resilience"
	"github.com/citypulse-my/citypulse/pkg/numx"
)

const defaultToolTimeout = 10 * time.Second

// Invoker implements domain.ToolInvoker over HTTP JSON-RPC style calls.
type Invoker struct {
	registry *Registry
	http     *http.Client
	fabric   *resilience.Registry
	model    domain.ModelClient
}

// NewInvoker constructs an Invoker. model is used only for Identify.
func NewInvoker(registry *Registry, httpClient *http.Client, fabric *resilience.Registry, model domain.ModelClient) *Invoker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultToolTimeout}
	}
	return &Invoker{registry: registry, http: httpClient, fabric: fabric, model: model}
}

// Names returns the registered tool names.
func (inv *Invoker) Names() []string { return inv.registry.Names() }

// Invoke validates args against the tool's input schema, calls the endpoint,
// and validates the response against the output schema. Numeric arguments
// are canonicalized to decimal strings before hashing into the wire body so
// repeated calls serialize identically.
func (inv *Invoker) Invoke(ctx domain.Context, name string, args map[string]any) (map[string]any, error) {
	tool, ok := inv.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("op=tool.invoke name=%s: unknown tool: %w", name, domain.ErrNotFound)
	}

	canonical := numx.DecimalizeMap(args)
	if tool.input != nil {
		if err := tool.input.Validate(roundTrip(canonical)); err != nil {
			observability.ToolInvocationsTotal.WithLabelValues(name, "invalid_input").Inc()
			return nil, fmt.Errorf("op=tool.invoke name=%s: input: %v: %w", name, err, domain.ErrSchemaInvalid)
		}
	}

	body, err := json.Marshal(map[string]any{"name": name, "arguments": canonical})
	if err != nil {
		return nil, fmt.Errorf("op=tool.invoke name=%s: %w", name, err)
	}

	breaker := inv.fabric.Breaker(resilience.ServiceTools)
	policy := inv.fabric.Policy(resilience.ServiceTools)
	res, err := breaker.Execute(ctx, func(ctx context.Context) (any, error) {
		var out map[string]any
		err := policy.Do(ctx, func() error {
			var err error
			out, err = inv.call(ctx, tool, body)
			return err
		})
		return out, err
	})
	if err != nil {
		observability.ToolInvocationsTotal.WithLabelValues(name, "error").Inc()
		return nil, fmt.Errorf("op=tool.invoke name=%s: %w", name, err)
	}
	out, _ := res.(map[string]any)

	if tool.output != nil {
		if err := tool.output.Validate(roundTrip(out)); err != nil {
			observability.ToolInvocationsTotal.WithLabelValues(name, "invalid_output").Inc()
			return nil, fmt.Errorf("op=tool.invoke name=%s: output: %v: %w", name, err, domain.ErrSchemaInvalid)
		}
	}
	observability.ToolInvocationsTotal.WithLabelValues(name, "ok").Inc()
	return out, nil
}

// call performs one HTTP round trip to the tool endpoint.
func (inv *Invoker) call(ctx context.Context, tool *Tool, body []byte) (map[string]any, error) {
	if tool.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(tool.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tool.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := inv.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrUpstreamTimeout
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrUpstreamRateLimit
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("tool endpoint status %d: %w", resp.StatusCode, domain.ErrUnavailable)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("tool endpoint status %d: %w", resp.StatusCode, domain.ErrInvalidArgument)
	}

	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("tool response decode: %w", err)
	}
	return out, nil
}

// roundTrip re-decodes a value through encoding/json so schema validation
// sees the same shapes the wire carries.
func roundTrip(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}
