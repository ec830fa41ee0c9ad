package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/qri-io/jsonschema"

	"github.com/garnizeh/sobershift/pkg/repository"
)

// Loader loads and caches compiled JSON schemas from the repository.
type Loader struct {
	repo  repository.SchemaRepo
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

func NewLoader(ctx context.Context, r repository.SchemaRepo) (*Loader, error) {
	if r == nil {
		return nil, fmt.Errorf("schema repo is required")
	}
	l := &Loader{
		repo:  r,
		cache: make(map[string]*jsonschema.Schema),
	}
	if err := l.Reload(ctx); err != nil {
		return nil, err
	}

	return l, nil
}

// GetSchema returns a compiled schema for a version.
func (l *Loader) GetSchema(version string) (*jsonschema.Schema, bool) {
	l.mu.RLock()
	s, ok := l.cache[version]
	l.mu.RUnlock()

	return s, ok
}

// Versions lists the cached schema versions in order.
func (l *Loader) Versions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.cache))
	for v := range l.cache {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Reload loads all schemas from the DB and compiles them. The cache is only
// replaced when every schema compiles.
func (l *Loader) Reload(ctx context.Context) error {
	rows, err := l.repo.ListSchemas(ctx)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}

	newCache := make(map[string]*jsonschema.Schema, len(rows))
	for _, r := range rows {
		rs, err := CompileSchema(r.SchemaJSON)
		if err != nil {
			return fmt.Errorf("compile schema %s: %w", r.Version, err)
		}
		newCache[r.Version] = rs
	}

	l.mu.Lock()
	l.cache = newCache
	l.mu.Unlock()
	return nil
}

// CompileSchema parses a JSON schema document.
func CompileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	rs := &jsonschema.Schema{}
	if err := json.Unmarshal([]byte(schemaJSON), rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// Validate checks doc against the schema registered for version.
func (l *Loader) Validate(ctx context.Context, version string, doc []byte) error {
	schema, ok := l.GetSchema(version)
	if !ok || schema == nil {
		return fmt.Errorf("no schema found for version %s", version)
	}

	verrs, err := schema.ValidateBytes(ctx, doc)
	if err != nil {
		return fmt.Errorf("%w: schema validate: %v", ErrMalformedResponse, err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, 0, len(verrs))
		for _, v := range verrs {
			msgs = append(msgs, v.PropertyPath+" "+v.Message)
		}
		return fmt.Errorf("%w: response does not match schema %s: %s", ErrMalformedResponse, version, strings.Join(msgs, "; "))
	}
	return nil
}
