package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestEmbedText(t *testing.T) {
	var got embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.5,1.5]]}`))
	}))
	defer srv.Close()

	vec, err := NewEmbedClient(srv.URL+"/", "nomic-embed-text").EmbedText(context.Background(), "Player: Kevin Garnett")
	if err != nil {
		t.Fatalf("EmbedText: %v", err)
	}
	if len(vec) != 2 || vec[1] != 1.5 {
		t.Fatalf("vec = %v", vec)
	}
	if got.Model != "nomic-embed-text" || got.Input != "Player: Kevin Garnett" || got.KeepAlive == "" {
		t.Fatalf("request = %+v", got)
	}
}

func TestEmbedText_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"missing\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewEmbedClient(srv.URL, "missing").EmbedText(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "status 404") || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbedText_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer srv.Close()

	if _, err := NewEmbedClient(srv.URL, "m").EmbedText(context.Background(), "x"); !errors.Is(err, errNoEmbedding) {
		t.Fatalf("err = %v", err)
	}
}

func TestEmbedText_Unreachable(t *testing.T) {
	if _, err := NewEmbedClient("http://127.0.0.1:1", "m").EmbedText(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
}
