package ollama_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/garnizeh/sobershift/internal/config"
	"github.com/garnizeh/sobershift/pkg/ollama"
)

func TestClient_ListModelsAndHealth_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[{"name":"llava:7b","digest":"abc","size":42}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 0}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	ctx := context.Background()
	models, err := client.ListModels(ctx)
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 1 || models[0].Name != "llava:7b" || models[0].Size != 42 {
		t.Fatalf("unexpected models: %#v", models)
	}

	if err := client.Health(ctx); err != nil {
		t.Fatalf("Health failed: %v", err)
	}
}

func TestClient_Health_NoModels_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/tags" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"models":[]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 0}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	if err := client.Health(context.Background()); err == nil {
		t.Fatalf("expected Health to fail when no models returned")
	}
}

func TestClient_Generate_Streaming_Concatenates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/api/generate" {
			w.Header().Set("Content-Type", "application/x-ndjson")
			writeSequence(w, []map[string]any{
				{"response": `{"sobriety_status":`, "done": false},
				{"response": `"PASS"}`, "done": true},
			}, 10*time.Millisecond)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 0}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	res, err := client.Generate(context.Background(), ollama.Request{Model: "llava", Prompt: "prompt"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Text != `{"sobriety_status":"PASS"}` {
		t.Fatalf("unexpected Generate.Text: %q", res.Text)
	}
	if done, _ := res.Meta["done"].(bool); !done {
		t.Fatalf("expected final chunk to be done, meta=%v", res.Meta)
	}
}

func TestClient_Generate_SendsImagesAndFormat(t *testing.T) {
	var got struct {
		Model  string          `json:"model"`
		Prompt string          `json:"prompt"`
		Format json.RawMessage `json:"format"`
		Images []string        `json:"images"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeSequence(w, []map[string]any{{"response": "{}", "done": true}}, 0)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	frame := []byte{0xff, 0xd8, 0xff, 0xe0}
	_, err = client.Generate(context.Background(), ollama.Request{
		Model:  "llava",
		Prompt: "is the worker sober?",
		Images: [][]byte{frame},
		JSON:   true,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got.Model != "llava" || got.Prompt != "is the worker sober?" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if string(got.Format) != `"json"` {
		t.Fatalf("expected json format, got %s", got.Format)
	}
	if len(got.Images) != 1 || got.Images[0] != base64.StdEncoding.EncodeToString(frame) {
		t.Fatalf("unexpected images: %v", got.Images)
	}
}

func TestClient_Generate_Non200_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 0}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	if _, err := client.Generate(context.Background(), ollama.Request{Model: "m", Prompt: "p"}); err == nil {
		t.Fatalf("expected Generate to fail on non-200")
	}
}

func TestClient_Generate_MalformedJSON_Fails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{ this is : not json `))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	cfg := config.OllamaConfig{BaseURL: srv.URL, Timeout: 2 * time.Second, Retries: 0}
	client, err := ollama.NewClient(cfg, srv.Client())
	if err != nil {
		t.Fatalf("NewClient error: %v", err)
	}

	if _, err := client.Generate(context.Background(), ollama.Request{Model: "m", Prompt: "p"}); err == nil {
		t.Fatalf("expected Generate to fail on malformed JSON")
	}
}

func TestRenderTemplate(t *testing.T) {
	out, err := ollama.RenderTemplate("size={{.Size}}", map[string]any{"Size": 12})
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if out != "size=12" {
		t.Fatalf("unexpected render: %q", out)
	}

	if _, err := ollama.RenderTemplate("{{.Missing}}", map[string]any{}); err == nil || !strings.Contains(err.Error(), "execute") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}
