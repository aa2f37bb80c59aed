// Package dispatch delivers workflow requests to external collaborators
// over HTTP, behind the resilience layer's retry and circuit breakers.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quell/internal/resilience"
)

const httpTimeout = 15 * time.Second

// Hooks lets the caller observe dispatch outcomes for metrics.
type Hooks struct {
	OnDispatch func(collaborator, kind, outcome string)
}

// Dispatcher posts workflow requests to named collaborator endpoints.
// In-flight requests are tracked per incident so reaching a terminal
// state can abort them.
type Dispatcher struct {
	endpoints map[string]string // collaborator name -> base URL
	exec      *resilience.Executor
	client    *http.Client
	logger    log.Logger
	hooks     Hooks

	mu       sync.Mutex
	inflight map[string]map[int64]context.CancelFunc // incident ID -> call seq -> cancel
	seq      int64
}

// New creates a Dispatcher. Collaborators without a configured endpoint
// are dropped silently at send time, which keeps dev setups without a
// notifier working.
func New(endpoints map[string]string, exec *resilience.Executor, logger log.Logger, hooks Hooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		endpoints: endpoints,
		exec:      exec,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:   logger,
		hooks:    hooks,
		inflight: make(map[string]map[int64]context.CancelFunc),
	}
}

type envelope struct {
	Kind       string         `json:"kind"`
	IncidentID string         `json:"incident_id"`
	Version    int64          `json:"version"`
	Payload    map[string]any `json:"payload,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Send posts one request to a collaborator. The call runs behind the
// collaborator's circuit breaker with retry; a 4xx response other than
// 408/429 is treated as fatal and not retried.
func (d *Dispatcher) Send(ctx context.Context, collaborator, kind, incidentID string, version int64, payload map[string]any) error {
	url, ok := d.endpoints[collaborator]
	if ok && url == "" {
		ok = false
	}
	if !ok {
		d.logger.Info(ctx, "no endpoint configured, dropping dispatch",
			"collaborator", collaborator,
			"kind", kind,
			"incident_id", incidentID,
		)
		d.observe(collaborator, kind, "dropped")
		return nil
	}

	body, err := json.Marshal(envelope{
		Kind:       kind,
		IncidentID: incidentID,
		Version:    version,
		Payload:    payload,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dispatch: %w", err)
	}

	ctx, done := d.track(ctx, incidentID)
	defer done()

	err = d.exec.Do(ctx, collaborator, func(ctx context.Context) error {
		return d.post(ctx, url, body)
	})
	d.observe(collaborator, kind, outcomeOf(err))
	if err != nil {
		return fmt.Errorf("dispatch %s to %s: %w", kind, collaborator, err)
	}
	return nil
}

// CancelIncident aborts all in-flight dispatches for an incident.
func (d *Dispatcher) CancelIncident(incidentID string) {
	d.mu.Lock()
	cancels := d.inflight[incidentID]
	delete(d.inflight, incidentID)
	d.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return resilience.Fatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("collaborator returned %d: %s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return resilience.Fatal(err)
	}
	return err
}

// track registers a cancellable child context under the incident's
// in-flight set. The returned done func deregisters it.
func (d *Dispatcher) track(ctx context.Context, incidentID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.seq++
	id := d.seq
	calls := d.inflight[incidentID]
	if calls == nil {
		calls = make(map[int64]context.CancelFunc)
		d.inflight[incidentID] = calls
	}
	calls[id] = cancel
	d.mu.Unlock()

	return ctx, func() {
		cancel()
		d.mu.Lock()
		if calls, ok := d.inflight[incidentID]; ok {
			delete(calls, id)
			if len(calls) == 0 {
				delete(d.inflight, incidentID)
			}
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) observe(collaborator, kind, outcome string) {
	if d.hooks.OnDispatch != nil {
		d.hooks.OnDispatch(collaborator, kind, outcome)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
