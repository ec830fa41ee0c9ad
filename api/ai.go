package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/garnizeh/sobershift/internal/ai"
	"github.com/garnizeh/sobershift/pkg/repository"
)

// Reloader refreshes the analyzer's cached schemas and prompt template.
type Reloader interface {
	Reload(ctx context.Context) error
}

type AIHandler struct {
	reloader     Reloader
	schemaRepo   repository.SchemaRepo
	templateRepo repository.TemplateRepo
}

// NewAIHandler builds the admin handler. reloader may be nil when the
// configured analyzer keeps no schema cache.
func NewAIHandler(reloader Reloader, schemaRepo repository.SchemaRepo, templateRepo repository.TemplateRepo) *AIHandler {
	return &AIHandler{
		reloader:     reloader,
		schemaRepo:   schemaRepo,
		templateRepo: templateRepo,
	}
}

func (h *AIHandler) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		http.Error(w, "analyzer has nothing to reload", http.StatusNotImplemented)
		return
	}
	if err := h.reloader.Reload(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("reload analyzer: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AIHandler) ListSchemasHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.schemaRepo.ListSchemas(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list schemas: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, rows, http.StatusOK)
}

type schemaPayload struct {
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	SchemaJSON  json.RawMessage `json:"schema_json"`
}

// CreateOrUpdateSchemaHandler compiles and stores a response schema. The
// analyzer only picks it up after a reload.
func (h *AIHandler) CreateOrUpdateSchemaHandler(w http.ResponseWriter, r *http.Request) {
	var p schemaPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if p.Version == "" {
		http.Error(w, "version required", http.StatusBadRequest)
		return
	}
	if len(p.SchemaJSON) == 0 {
		http.Error(w, "schema_json required", http.StatusBadRequest)
		return
	}

	if _, err := ai.CompileSchema(string(p.SchemaJSON)); err != nil {
		http.Error(w, fmt.Sprintf("invalid schema: %v", err), http.StatusBadRequest)
		return
	}

	if _, err := h.schemaRepo.CreateSchema(r.Context(), p.Version, p.Description, string(p.SchemaJSON)); err != nil {
		http.Error(w, fmt.Sprintf("store schema: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetSchemaHandler returns a single schema by version (expects ?version=...)
func (h *AIHandler) GetSchemaHandler(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	if version == "" {
		http.Error(w, "version required", http.StatusBadRequest)
		return
	}

	s, err := h.schemaRepo.GetSchemaByVersion(r.Context(), version)
	if err != nil {
		http.Error(w, fmt.Sprintf("get schema: %v", err), http.StatusInternalServerError)
		return
	}
	if s == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, s, http.StatusOK)
}

func (h *AIHandler) ListTemplatesHandler(w http.ResponseWriter, r *http.Request) {
	rows, err := h.templateRepo.ListTemplates(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("list templates: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, rows, http.StatusOK)
}

type templatePayload struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	TemplateTxt string  `json:"template_text"`
	SchemaVer   *string `json:"schema_version,omitempty"`
}

// CreateOrUpdateTemplateHandler stores a prompt template, enforcing size limit
func (h *AIHandler) CreateOrUpdateTemplateHandler(w http.ResponseWriter, r *http.Request) {
	const maxSize = 64 * 1024
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSize+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	if len(body) > maxSize {
		http.Error(w, "template too large", http.StatusBadRequest)
		return
	}

	var p templatePayload
	if err := json.Unmarshal(body, &p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if p.Name == "" || p.Version == "" || p.TemplateTxt == "" {
		http.Error(w, "name, version and template_text required", http.StatusBadRequest)
		return
	}

	if _, err := h.templateRepo.CreateTemplate(r.Context(), p.Name, p.Version, p.TemplateTxt, p.SchemaVer, nil); err != nil {
		http.Error(w, fmt.Sprintf("store template: %v", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
