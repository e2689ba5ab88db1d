// Package provider implements the generation collaborator against the Ollama
// chat API. The core only sees the domain.Generator interface.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rcs/ollama-discord/internal/domain"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaDefaultModel = "llama3.1:8b"
	defaultHTTPTimeout = 120 * time.Second
)

// Ollama implements domain.Generator over the Ollama /api/chat endpoint.
// The per-agent model and system prompt come from the agent identity.
type Ollama struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type OllamaConfig struct {
	APIBase      string
	DefaultModel string
	Logger       *slog.Logger
}

func NewOllama(cfg OllamaConfig) *Ollama {
	if cfg.APIBase == "" {
		cfg.APIBase = ollamaDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = ollamaDefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ollama{
		apiBase:      strings.TrimRight(cfg.APIBase, "/"),
		defaultModel: cfg.DefaultModel,
		client:       &http.Client{Timeout: defaultHTTPTimeout},
		logger:       cfg.Logger,
	}
}

// NewOllamaWithClient injects an HTTP client, for tests against a local stub.
func NewOllamaWithClient(cfg OllamaConfig, client *http.Client) *Ollama {
	o := NewOllama(cfg)
	if client != nil {
		o.client = client
	}
	return o
}

// ollamaRequest matches the Ollama /api/chat request body.
type ollamaRequest struct {
	Model    string      `json:"model"`
	Messages []ollamaMsg `json:"messages"`
	Stream   bool        `json:"stream"`
}

type ollamaMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaResponse struct {
	Message    ollamaMsg `json:"message"`
	Done       bool      `json:"done"`
	DoneReason string    `json:"done_reason"`
}

// Healthy checks that the Ollama API answers at all.
func (o *Ollama) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", o.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// Generate builds the chat request from the agent's persona plus the session
// context and returns the model's reply text.
func (o *Ollama) Generate(ctx context.Context, agent domain.AgentIdentity, history []domain.StoredMessage) (string, error) {
	model := agent.Model
	if model == "" {
		model = o.defaultModel
	}

	msgs := make([]ollamaMsg, 0, len(history)+1)
	if agent.SystemPrompt != "" {
		msgs = append(msgs, ollamaMsg{Role: domain.RoleSystem, Content: agent.SystemPrompt})
	}
	for _, m := range history {
		role := m.Role
		// Another agent's replies read as user turns to this model.
		if role == domain.RoleAssistant && m.AgentName != "" && m.AgentName != agent.Name {
			role = domain.RoleUser
		}
		msgs = append(msgs, ollamaMsg{Role: role, Content: m.Content})
	}

	jsonBody, err := json.Marshal(ollamaRequest{Model: model, Messages: msgs})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.apiBase+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("ollama chat status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}

	o.logger.Debug("generation complete",
		"agent", agent.Name, "model", model,
		"latency", time.Since(start), "reply_len", len(out.Message.Content))
	return out.Message.Content, nil
}
