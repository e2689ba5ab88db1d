package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

func TestOllama_Generate(t *testing.T) {
	var gotReq ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(ollamaResponse{
			Message: ollamaMsg{Role: "assistant", Content: "the answer is 42"},
			Done:    true,
		})
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL})
	agent := domain.AgentIdentity{
		Name:         "sage",
		Model:        "llama3.2:3b",
		SystemPrompt: "You are Sage, a wise mentor.",
	}
	history := []domain.StoredMessage{
		{Role: domain.RoleUser, Content: "hello", Timestamp: time.Now()},
		{Role: domain.RoleAssistant, AgentName: "sage", Content: "hi", Timestamp: time.Now()},
		{Role: domain.RoleUser, Content: "what is the answer?", Timestamp: time.Now()},
	}

	reply, err := o.Generate(context.Background(), agent, history)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "the answer is 42" {
		t.Errorf("reply = %q", reply)
	}

	if gotReq.Model != "llama3.2:3b" {
		t.Errorf("model = %q", gotReq.Model)
	}
	if len(gotReq.Messages) != 4 {
		t.Fatalf("messages = %+v", gotReq.Messages)
	}
	if gotReq.Messages[0].Role != domain.RoleSystem {
		t.Errorf("first message role = %q, want system", gotReq.Messages[0].Role)
	}
	if gotReq.Messages[2].Role != domain.RoleAssistant {
		t.Errorf("own reply role = %q, want assistant", gotReq.Messages[2].Role)
	}
}

func TestOllama_OtherAgentRepliesBecomeUserTurns(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Messages) != 1 || req.Messages[0].Role != domain.RoleUser {
			t.Errorf("messages = %+v, want one user turn", req.Messages)
		}
		json.NewEncoder(w).Encode(ollamaResponse{Message: ollamaMsg{Content: "ok"}, Done: true})
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL})
	history := []domain.StoredMessage{
		{Role: domain.RoleAssistant, AgentName: "spark", Content: "spark said this"},
	}
	if _, err := o.Generate(context.Background(), domain.AgentIdentity{Name: "sage"}, history); err != nil {
		t.Fatal(err)
	}
}

func TestOllama_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	o := NewOllama(OllamaConfig{APIBase: srv.URL})
	if _, err := o.Generate(context.Background(), domain.AgentIdentity{Name: "sage"}, nil); err == nil {
		t.Error("expected error for non-200 status")
	}
}

func TestOllama_ContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	o := NewOllama(OllamaConfig{APIBase: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Generate(ctx, domain.AgentIdentity{Name: "sage"}, nil); err == nil {
		t.Error("expected error on cancelled context")
	}
}
