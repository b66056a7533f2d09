// Package assist calls the external text-generation service that drafts
// issue descriptions. Failures never cross this boundary: callers always get
// a usable string back.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldline/internal/domain"
)

// Fixed strings surfaced when generation cannot produce a description.
const (
	FallbackEmpty       = "Não foi possível gerar a descrição."
	FallbackUnavailable = "Erro ao conectar com o assistente de IA."
)

// Request carries the fields the prompt is templated from.
type Request struct {
	Title    string
	Location string
	Priority domain.Priority
}

// Generator produces an issue description for a request.
type Generator interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// Client talks to a generative-language HTTP endpoint.
type Client struct {
	BaseURL    string
	Model      string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, model, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		Model:   model,
		APIKey:  apiKey,
		Timeout: 15 * time.Second,
	}
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// Describe asks the model for a short technical description. It returns an
// error only for transport or decode failures; an empty model answer is not
// an error here, the wrapper below maps it to the fixed fallback.
func (c *Client) Describe(ctx context.Context, req Request) (string, error) {
	prompt := fmt.Sprintf(
		"Gere uma descrição técnica e objetiva, em português, para uma pendência de obra com o título: %q. Local: %s. Prioridade: %s. A descrição deve ser curta (máximo 2 frases) e direta.",
		req.Title, req.Location, req.Priority.Label())
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.BaseURL, "/"), c.Model, c.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("assist: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Candidates[0].Content.Parts[0].Text), nil
}

// SafeDescribe never fails: transport errors become FallbackUnavailable and
// empty answers become FallbackEmpty.
func SafeDescribe(ctx context.Context, g Generator, req Request) string {
	if g == nil {
		return FallbackUnavailable
	}
	text, err := g.Describe(ctx, req)
	if err != nil {
		return FallbackUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return FallbackEmpty
	}
	return text
}
