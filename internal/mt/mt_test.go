package mt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-relay/internal/backend"
	"github.com/loqalabs/loqa-relay/internal/config"
	"github.com/loqalabs/loqa-relay/internal/protocol"
)

func TestBackendCarriesSourceText(t *testing.T) {
	b := Backend("mt", NewMockTranslator())
	out, err := b.Call(context.Background(), protocol.Payload{Text: "hello", Language: "english", DurationMS: 300}, backend.Options{TargetLanguage: "hindi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Text != "[hindi: hello]" {
		t.Fatalf("unexpected translation %q", out.Text)
	}
	if out.SourceText != "hello" || out.Language != "hindi" || out.DurationMS != 300 {
		t.Fatalf("unexpected payload %+v", out)
	}
}

func TestHTTPTranslatorUsesPairEndpoint(t *testing.T) {
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.URL.Path)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"data":{"output_text":"namaste ` + body["input_text"] + `"}}`))
	}))
	defer srv.Close()

	tr := NewHTTPTranslator(config.MTConfig{
		Endpoint:  srv.URL + "/default",
		Endpoints: map[string]string{"english_to_hindi": srv.URL + "/en-hi"},
		TimeoutMS: 2000,
	})
	res, err := tr.Translate(context.Background(), Request{Text: "world", Source: "English", Target: "Hindi"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Text != "namaste world" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if _, err := tr.Translate(context.Background(), Request{Text: "x", Source: "english", Target: "tamil"}); err != nil {
		t.Fatalf("translate fallback: %v", err)
	}
	if len(hits) != 2 || hits[0] != "/en-hi" || hits[1] != "/default" {
		t.Fatalf("unexpected endpoints %v", hits)
	}
}

func TestHTTPTranslatorClassifiesErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	tr := NewHTTPTranslator(config.MTConfig{Endpoint: srv.URL, TimeoutMS: 2000})
	_, err := tr.Translate(context.Background(), Request{Text: "x"})
	if err == nil || backend.IsPermanent(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	status = http.StatusBadRequest
	_, err = tr.Translate(context.Background(), Request{Text: "x"})
	if !backend.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestOllamaTranslatorAccumulatesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("{\"response\":\"nam\"}\n{\"response\":\"aste\",\"done\":true,\"eval_count\":4}\n"))
	}))
	defer srv.Close()

	tr, err := New(config.MTConfig{Mode: "ollama", Endpoint: srv.URL, TimeoutMS: 2000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := tr.Translate(context.Background(), Request{Text: "hello", Source: "english", Target: "hindi"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if res.Text != "namaste" || res.CompletionTokens != 4 {
		t.Fatalf("unexpected result %+v", res)
	}
}
