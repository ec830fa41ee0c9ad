package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/internal/models"
	"github.com/garnizeh/sobershift/pkg/ollama"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Generator is the subset of the Ollama client used for analysis.
type Generator interface {
	Generate(ctx context.Context, req ollama.Request) (ollama.GenerateResult, error)
}

// OllamaAnalyzer sends the recording as image data to a multimodal model and
// validates the answer against the stored JSON schema.
type OllamaAnalyzer struct {
	client    Generator
	cfg       config.EngineConfig
	loader    *Loader
	templates repository.TemplateRepo
	logger    *slog.Logger

	mu            sync.RWMutex
	templateText  string
	schemaVersion string
}

// NewOllamaAnalyzer loads the prompt template named by cfg.Template and the
// schema cache. It fails when the template is missing.
func NewOllamaAnalyzer(ctx context.Context, client Generator, cfg config.EngineConfig, sr repository.SchemaRepo, tr repository.TemplateRepo, logger *slog.Logger) (*OllamaAnalyzer, error) {
	if client == nil {
		return nil, fmt.Errorf("ollama client is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("template repo is required")
	}
	if cfg.Template.Name == "" {
		cfg.Template.Name = "sobriety"
	}
	if cfg.Template.Version == "" {
		cfg.Template.Version = "v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	loader, err := NewLoader(ctx, sr)
	if err != nil {
		return nil, fmt.Errorf("create loader: %w", err)
	}

	a := &OllamaAnalyzer{client: client, cfg: cfg, loader: loader, templates: tr, logger: logger}
	if err := a.loadTemplate(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *OllamaAnalyzer) loadTemplate(ctx context.Context) error {
	name, version := a.cfg.Template.Name, a.cfg.Template.Version
	tpl, err := a.templates.GetTemplate(ctx, name, version)
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if tpl == nil || tpl.TemplateTxt == "" {
		return fmt.Errorf("template %s:%s not found", name, version)
	}

	schemaVer := tpl.Version
	if a.cfg.Template.SchemaVersion != nil && *a.cfg.Template.SchemaVersion != "" {
		schemaVer = *a.cfg.Template.SchemaVersion
	} else if tpl.SchemaVer != nil && *tpl.SchemaVer != "" {
		schemaVer = *tpl.SchemaVer
	}

	a.mu.Lock()
	a.templateText = tpl.TemplateTxt
	a.schemaVersion = schemaVer
	a.mu.Unlock()
	return nil
}

// Reload refreshes the schema cache and the prompt template.
func (a *OllamaAnalyzer) Reload(ctx context.Context) error {
	if err := a.loader.Reload(ctx); err != nil {
		return err
	}
	return a.loadTemplate(ctx)
}

// Loader exposes the schema cache.
func (a *OllamaAnalyzer) Loader() *Loader {
	return a.loader
}

func (a *OllamaAnalyzer) Analyze(ctx context.Context, recording []byte) (*Analysis, error) {
	if len(recording) == 0 {
		return nil, fmt.Errorf("%w: empty recording", models.ErrInvalidInput)
	}

	a.mu.RLock()
	text, schemaVer := a.templateText, a.schemaVersion
	a.mu.RUnlock()

	prompt, err := ollama.RenderTemplate(text, map[string]any{"Size": len(recording)})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	ctxReq, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	out, err := a.client.Generate(ctxReq, ollama.Request{
		Model:  a.cfg.Model,
		Prompt: prompt,
		Images: [][]byte{recording},
		JSON:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	res, err := ParseAnalysis(out.Text)
	if err != nil {
		a.logger.WarnContext(ctx, "ai parse error", "err", err, "raw", out.Text)
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if err := a.loader.Validate(ctxReq, schemaVer, res.Raw); err != nil {
		a.logger.WarnContext(ctx, "ai schema validation failed", "err", err, "schema_version", schemaVer)
		return nil, err
	}

	if res.Confidence < a.cfg.MinConfidence {
		a.logger.InfoContext(ctx, "low confidence analysis", "confidence", res.Confidence, "verdict", res.Verdict)
	}
	return res, nil
}
