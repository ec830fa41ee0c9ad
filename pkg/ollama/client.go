package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/garnizeh/sobershift/internal/config"
)

var ErrCircuitOpen = errors.New("ollama circuit open")

// Client wraps the Ollama API client and adds retries, timeout, and circuit breaker.
type Client struct {
	api    *api.Client
	cfg    config.OllamaConfig
	client *http.Client

	// simple circuit breaker state
	failures  int32
	openUntil int64 // unix nano
	closed    int32
}

// Request is a single generation call. Images are sent raw; the API client
// takes care of base64 encoding. With JSON set the model is asked for a JSON
// object via the format field.
type Request struct {
	Model  string
	Prompt string
	Images [][]byte
	JSON   bool
}

// GenerateResult is a typed representation of a model response.
type GenerateResult struct {
	Text string          `json:"text"`
	Raw  json.RawMessage `json:"raw"`
	Meta map[string]any  `json:"meta,omitempty"`
}

// ModelInfo is a lightweight model descriptor returned by ListModels.
type ModelInfo struct {
	Name   string `json:"name"`
	Digest string `json:"digest,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// NewClient creates a new Ollama client wrapper.
func NewClient(cfg config.OllamaConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	c := &Client{
		api:    api.NewClient(u, httpClient),
		cfg:    cfg,
		client: httpClient,
	}
	logger.Info("ollama: client created", slog.String("base_url", cfg.BaseURL), slog.Duration("timeout", cfg.Timeout))
	return c, nil
}

func NewDefaultClient(cfg config.OllamaConfig) (*Client, error) {
	defaultClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 15 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	return NewClient(cfg, defaultClient)
}

func (c *Client) isCircuitOpen() bool {
	if c.cfg.CircuitFailureThreshold <= 0 {
		return false
	}
	if atomic.LoadInt32(&c.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}

	if time.Now().UnixNano() < atomic.LoadInt64(&c.openUntil) {
		return true
	}

	// half-open: allow one request through
	atomic.StoreInt32(&c.failures, 0)
	return false
}

func (c *Client) recordFailure() {
	v := atomic.AddInt32(&c.failures, 1)
	if c.cfg.CircuitFailureThreshold > 0 && v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&c.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
	}
}

// Close closes idle connections on the underlying transport when supported.
// It is idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if c.client != nil && c.client.Transport != nil {
		if tr, ok := c.client.Transport.(interface{ CloseIdleConnections() }); ok {
			tr.CloseIdleConnections()
			logger.Info("ollama: idle connections closed")
		}
	}
	return nil
}

// package-level logger for pkg/ollama; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/ollama. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Health checks that the instance answers and has at least one model pulled.
func (c *Client) Health(ctx context.Context) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if len(models) == 0 {
		c.recordFailure()
		return errors.New("health check failed: no models returned")
	}
	return nil
}

// ListModels returns the locally available models.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if c.isCircuitOpen() {
		return nil, ErrCircuitOpen
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.api.List(ctx)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("list models: %w", err)
	}

	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{Name: m.Name, Digest: m.Digest, Size: m.Size})
	}

	atomic.StoreInt32(&c.failures, 0)
	return out, nil
}

// Generate sends req to the model and concatenates the streamed response
// text. Failed attempts are retried with linear backoff until Retries is
// exhausted, the circuit opens or ctx ends.
func (c *Client) Generate(ctx context.Context, req Request) (GenerateResult, error) {
	var empty GenerateResult
	if c.isCircuitOpen() {
		return empty, ErrCircuitOpen
	}

	apiReq := &api.GenerateRequest{Model: req.Model, Prompt: req.Prompt}
	for _, img := range req.Images {
		apiReq.Images = append(apiReq.Images, api.ImageData(img))
	}
	if req.JSON {
		apiReq.Format = json.RawMessage(`"json"`)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		res, err := c.generateOnce(ctx, apiReq)
		if err == nil {
			atomic.StoreInt32(&c.failures, 0)
			return res, nil
		}

		lastErr = err
		c.recordFailure()
		if ctx.Err() != nil {
			return empty, fmt.Errorf("generate: %w", ctx.Err())
		}
		if attempt == c.cfg.Retries {
			break
		}

		logger.Warn("ollama: generate failed, retrying", slog.Int("attempt", attempt+1), slog.Any("err", err))
		t := time.NewTimer(c.cfg.Backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return empty, fmt.Errorf("generate: %w", ctx.Err())
		case <-t.C:
		}
		if c.isCircuitOpen() {
			return empty, ErrCircuitOpen
		}
	}

	return empty, fmt.Errorf("generate failed after retries: %w", lastErr)
}

func (c *Client) generateOnce(ctx context.Context, req *api.GenerateRequest) (GenerateResult, error) {
	ctxReq, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var sb strings.Builder
	var last api.GenerateResponse
	start := time.Now()
	err := c.api.Generate(ctxReq, req, func(r api.GenerateResponse) error {
		sb.WriteString(r.Response)
		last = r
		return nil
	})
	if err != nil {
		return GenerateResult{}, err
	}

	raw, err := json.Marshal(last)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("marshal response: %w", err)
	}
	meta := map[string]any{
		"model":      req.Model,
		"latency_ms": time.Since(start).Milliseconds(),
		"done":       last.Done,
	}
	return GenerateResult{Text: sb.String(), Raw: raw, Meta: meta}, nil
}
