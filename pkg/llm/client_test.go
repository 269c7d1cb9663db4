package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ragchat-go/internal/config"
)

func TestStreamChatRelaysDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Errorf("stream = false, want true")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"The ", "warranty ", "is 2 years."} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(config.LLMBackendConfig{BaseURL: srv.URL, Model: "m"}, config.LLMGenerationConfig{})
	out, errs := c.StreamChat(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)

	var sb strings.Builder
	for frag := range out {
		sb.WriteString(frag)
	}
	if err := <-errs; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got, want := sb.String(), "The warranty is 2 years."; got != want {
		t.Fatalf("answer = %q, want %q", got, want)
	}
}

func TestChatBuffered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"two years"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(config.LLMBackendConfig{BaseURL: srv.URL, Model: "m"}, config.LLMGenerationConfig{Temperature: 0.2})
	got, err := c.Chat(context.Background(), []Message{{Role: "user", Content: "q"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "two years" {
		t.Fatalf("Chat() = %q, want %q", got, "two years")
	}
}

func TestChatNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(config.LLMBackendConfig{BaseURL: srv.URL}, config.LLMGenerationConfig{})
	if _, err := c.Chat(context.Background(), nil, nil); err == nil {
		t.Fatal("expected error for non-200 response")
	}
	out, errs := c.StreamChat(context.Background(), nil, nil)
	for range out {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected stream error for non-200 response")
	}
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in     string
		want   Backend
		wantOK bool
	}{
		{"fast", BackendFast, true},
		{" Reasoning ", BackendReasoning, true},
		{"general", BackendGeneral, true},
		{"gpt-9", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseBackend(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParseBackend(%q) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
	if BackendGeneral.Overridable() || !BackendFast.Overridable() || !BackendReasoning.Overridable() {
		t.Error("only fast and reasoning are overridable")
	}
}
