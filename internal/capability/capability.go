// Package capability holds the opaque delegate capabilities a workflow can invoke, such
// as drafting a customer message. The orchestrator only sees an output and whether it
// needs human approval before taking effect.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/rules"
)

// ErrUnknown is returned for capability names with no registered implementation.
var ErrUnknown = errors.New("capability: unknown")

// Request is the input of one invocation.
type Request struct {
	Name      string         `json:"name"`
	AccountID string         `json:"account_id"`
	AlertID   string         `json:"alert_id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id"`
	Severity  rules.Severity `json:"severity"`
	Params    map[string]any `json:"params,omitempty"`
	Evidence  rules.Evidence `json:"evidence"`
}

// Result is what an invocation produced.
type Result struct {
	Output           map[string]any `json:"output"`
	RequiresApproval bool           `json:"requires_approval"`
}

// Capability is an external delegate.
type Capability interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Registry resolves capabilities by name.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds or replaces a capability.
func (r *Registry) Register(name string, c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[name] = c
}

// Invoke runs the named capability.
func (r *Registry) Invoke(ctx context.Context, req Request) (Result, error) {
	r.mu.RLock()
	c, ok := r.caps[req.Name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknown, req.Name)
	}
	return c.Invoke(ctx, req)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.caps[name]
	return ok
}

// TemplateDrafter renders drafts from text/template sources keyed by params["template"].
// Drafts always require approval.
type TemplateDrafter struct {
	templates map[string]*template.Template
}

// NewTemplateDrafter parses every template up front.
func NewTemplateDrafter(sources map[string]string) (*TemplateDrafter, error) {
	d := &TemplateDrafter{templates: make(map[string]*template.Template, len(sources))}
	for name, src := range sources {
		tpl, err := template.New(name).Option("missingkey=zero").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		d.templates[name] = tpl
	}
	return d, nil
}

// Invoke implements Capability.
func (d *TemplateDrafter) Invoke(_ context.Context, req Request) (Result, error) {
	name, _ := req.Params["template"].(string)
	tpl, ok := d.templates[name]
	if !ok {
		return Result{}, fmt.Errorf("draft template %q not found", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, req); err != nil {
		return Result{}, fmt.Errorf("render draft %s: %w", name, err)
	}
	return Result{
		Output:           map[string]any{"draft": strings.TrimSpace(buf.String()), "template": name},
		RequiresApproval: true,
	}, nil
}

// HTTPCapability forwards the request to a remote service and decodes its Result.
type HTTPCapability struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewHTTPCapability constructs an HTTPCapability.
func NewHTTPCapability(url string, timeout time.Duration, logger zerolog.Logger) *HTTPCapability {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPCapability{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "capability_http").Logger(),
	}
}

// Invoke implements Capability.
func (h *HTTPCapability) Invoke(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal capability request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create capability request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call capability %s: %w", req.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("capability %s returned status %d", req.Name, resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode capability result: %w", err)
	}
	h.logger.Debug().Str("capability", req.Name).Str("run_id", req.RunID).Bool("requires_approval", res.RequiresApproval).Msg("capability invoked")
	return res, nil
}

var (
	_ Capability = (*Registry)(nil)
	_ Capability = (*TemplateDrafter)(nil)
	_ Capability = (*HTTPCapability)(nil)
)
