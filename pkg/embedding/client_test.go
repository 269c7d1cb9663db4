package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragchat-go/internal/config"
)

func TestClientCreateEmbedding(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,0.25]}]}`))
	}))
	defer srv.Close()

	c := NewClient(config.EmbeddingSpaceConfig{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "mini", Dimensions: 2})
	vec, err := c.CreateEmbedding(context.Background(), "hello")
	if err != nil {
		t.Fatalf("CreateEmbedding: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 {
		t.Errorf("vec = %v", vec)
	}
	if got.Model != "mini" || got.Input != "hello" || got.Dimensions != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"non-200", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, "429"},
		{"error payload", http.StatusOK, `{"error":{"message":"bad input"}}`, "bad input"},
		{"empty data", http.StatusOK, `{"data":[]}`, "no vector"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient(config.EmbeddingSpaceConfig{BaseURL: srv.URL, Model: "mini"}).CreateEmbedding(context.Background(), "x")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
